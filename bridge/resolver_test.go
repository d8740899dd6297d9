package bridge

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/sippar-network/ck-bridge-api/types"
)

func newTestResolver(deriver *fakeDeriver, clock *fakeClock) *CustodyAddressResolver {
	return NewCustodyAddressResolver(ResolverOpts{
		Deriver: deriver,
		TTL:     24 * time.Hour,
		Sweep:   10 * time.Minute,
		Now:     clock.Now,
	})
}

func TestResolverCachesDerivations(t *testing.T) {
	deriver := newFakeDeriver()
	resolver := newTestResolver(deriver, newFakeClock())
	ctx := context.Background()

	first, err := resolver.Resolve(ctx, "user-1")
	if err != nil {
		t.Fatalf("resolve: %v", err)
	}
	second, err := resolver.Resolve(ctx, "user-1")
	if err != nil {
		t.Fatalf("resolve: %v", err)
	}

	if first.Address != second.Address {
		t.Fatalf("same identity produced different addresses: %s vs %s", first.Address, second.Address)
	}
	if deriver.calls != 1 {
		t.Fatalf("expected 1 derivation, got %d", deriver.calls)
	}
}

func TestResolverSharesConcurrentDerivations(t *testing.T) {
	deriver := newFakeDeriver()
	deriver.delay = 20 * time.Millisecond
	resolver := newTestResolver(deriver, newFakeClock())

	var wg sync.WaitGroup
	addresses := make([]string, 8)
	for i := range addresses {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			derived, err := resolver.Resolve(context.Background(), "user-1")
			if err != nil {
				t.Errorf("resolve: %v", err)
				return
			}
			addresses[i] = derived.Address
		}(i)
	}
	wg.Wait()

	for _, address := range addresses {
		if address != addresses[0] {
			t.Fatalf("concurrent resolves disagree: %v", addresses)
		}
	}
	if deriver.calls != 1 {
		t.Fatalf("expected a single shared derivation, got %d", deriver.calls)
	}
}

func TestResolverExpiresEntries(t *testing.T) {
	deriver := newFakeDeriver()
	clock := newFakeClock()
	resolver := newTestResolver(deriver, clock)
	ctx := context.Background()

	if _, err := resolver.Resolve(ctx, "user-1"); err != nil {
		t.Fatalf("resolve: %v", err)
	}

	clock.Advance(25 * time.Hour)
	resolver.MaybeSweep()
	if size := resolver.CacheSize(); size != 0 {
		t.Fatalf("expected empty cache after sweep, got %d entries", size)
	}

	if _, err := resolver.Resolve(ctx, "user-1"); err != nil {
		t.Fatalf("resolve: %v", err)
	}
	if deriver.calls != 2 {
		t.Fatalf("expected re-derivation after expiry, got %d calls", deriver.calls)
	}
}

func TestResolverDoesNotCacheFailures(t *testing.T) {
	deriver := newFakeDeriver()
	deriver.err = errors.New("signer offline")
	resolver := newTestResolver(deriver, newFakeClock())
	ctx := context.Background()

	_, err := resolver.Resolve(ctx, "user-1")
	if !errors.Is(err, types.ErrTransientRemote) {
		t.Fatalf("expected transient error, got %v", err)
	}

	deriver.mu.Lock()
	deriver.err = nil
	deriver.mu.Unlock()

	if _, err := resolver.Resolve(ctx, "user-1"); err != nil {
		t.Fatalf("resolve after recovery: %v", err)
	}
	if deriver.calls != 2 {
		t.Fatalf("expected failure to go uncached, got %d calls", deriver.calls)
	}
}

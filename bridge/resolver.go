package bridge

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/sippar-network/ck-bridge-api/types"
)

// CustodyAddressResolver caches threshold-signer address derivations per user
// identity. Derivation is deterministic and idempotent on the signer side, so
// the cache only exists to avoid paying for the remote call; entries expire
// after a long TTL and are swept periodically rather than on access.
type CustodyAddressResolver struct {
	deriver AddressDeriver
	ttl     time.Duration
	sweep   time.Duration
	logger  *slog.Logger
	now     func() time.Time

	mu        sync.Mutex
	entries   map[string]resolverEntry
	inflight  map[string]*inflightDerivation
	lastSweep time.Time
}

type resolverEntry struct {
	address   types.DerivedAddress
	expiresAt time.Time
}

type inflightDerivation struct {
	done    chan struct{}
	address types.DerivedAddress
	err     error
}

type ResolverOpts struct {
	Deriver AddressDeriver
	TTL     time.Duration
	Sweep   time.Duration
	Logger  *slog.Logger
	Now     func() time.Time
}

func NewCustodyAddressResolver(opts ResolverOpts) *CustodyAddressResolver {
	if opts.TTL <= 0 {
		opts.TTL = 24 * time.Hour
	}
	if opts.Sweep <= 0 {
		opts.Sweep = 10 * time.Minute
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	return &CustodyAddressResolver{
		deriver:   opts.Deriver,
		ttl:       opts.TTL,
		sweep:     opts.Sweep,
		logger:    opts.Logger,
		now:       opts.Now,
		entries:   make(map[string]resolverEntry),
		inflight:  make(map[string]*inflightDerivation),
		lastSweep: opts.Now(),
	}
}

// Resolve returns the custody address for a user identity, deriving it
// remotely on a cache miss. Concurrent first-calls for the same identity
// share one derivation. Derivation failures are surfaced as retryable and
// never cached.
func (r *CustodyAddressResolver) Resolve(ctx context.Context, user string) (types.DerivedAddress, error) {
	r.mu.Lock()
	if entry, ok := r.entries[user]; ok && r.now().Before(entry.expiresAt) {
		r.mu.Unlock()
		return entry.address, nil
	}

	if call, ok := r.inflight[user]; ok {
		r.mu.Unlock()
		select {
		case <-call.done:
			return call.address, call.err
		case <-ctx.Done():
			return types.DerivedAddress{}, ctx.Err()
		}
	}

	call := &inflightDerivation{done: make(chan struct{})}
	r.inflight[user] = call
	r.mu.Unlock()

	address, err := r.deriver.DeriveAddress(ctx, user)
	if err != nil {
		err = fmt.Errorf("%w: address derivation for %s: %v", types.ErrTransientRemote, user, err)
	}

	r.mu.Lock()
	delete(r.inflight, user)
	if err == nil {
		r.entries[user] = resolverEntry{address: address, expiresAt: r.now().Add(r.ttl)}
	}
	r.mu.Unlock()

	call.address = address
	call.err = err
	close(call.done)

	if err == nil {
		r.logger.Debug("derived custody address", "user", user, "address", address.Address)
	}
	return address, err
}

// MaybeSweep evicts expired entries if the sweep interval has elapsed.
// Called from the monitor scheduler, not on every access.
func (r *CustodyAddressResolver) MaybeSweep() {
	r.mu.Lock()
	defer r.mu.Unlock()

	now := r.now()
	if now.Sub(r.lastSweep) < r.sweep {
		return
	}
	r.lastSweep = now

	evicted := 0
	for user, entry := range r.entries {
		if !now.Before(entry.expiresAt) {
			delete(r.entries, user)
			evicted++
		}
	}
	if evicted > 0 {
		r.logger.Debug("swept custody address cache", "evicted", evicted, "remaining", len(r.entries))
	}
}

// CacheSize reports the number of live cache entries.
func (r *CustodyAddressResolver) CacheSize() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.entries)
}

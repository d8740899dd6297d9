package bridge

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/sippar-network/ck-bridge-api/algorand"
	"github.com/sippar-network/ck-bridge-api/config"
	"github.com/sippar-network/ck-bridge-api/types"
)

type monitorFixture struct {
	monitor *DepositMonitor
	retry   *RegistrationRetryQueue
	ledger  *fakeLedger
	minting *fakeMinting
	store   *fakeStore
	clock   *fakeClock
}

func newMonitorFixture(t *testing.T) *monitorFixture {
	t.Helper()

	ledger := newFakeLedger()
	minting := newFakeMinting()
	store := newFakeStore()
	clock := newFakeClock()
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	metrics := NewMetrics(prometheus.NewRegistry())

	resolver := NewCustodyAddressResolver(ResolverOpts{
		Deriver: newFakeDeriver(),
		Logger:  logger,
		Now:     clock.Now,
	})
	retry := NewRegistrationRetryQueue(RetryOpts{
		Minting:     minting,
		Store:       store,
		BaseDelay:   2 * time.Second,
		MaxAttempts: 3,
		Logger:      logger,
		Metrics:     metrics,
		Now:         clock.Now,
	})
	monitor := NewDepositMonitor(MonitorOpts{
		Ledger:   ledger,
		Minting:  minting,
		Resolver: resolver,
		Retry:    retry,
		Store:    store,
		Tuning:   config.DefaultTuning(),
		Logger:   logger,
		Metrics:  metrics,
		Now:      clock.Now,
	})
	retry.SetInjector(monitor.InjectDeposit)
	retry.SetExhaustedHandler(monitor.MarkRegistrationFailed)

	return &monitorFixture{
		monitor: monitor,
		retry:   retry,
		ledger:  ledger,
		minting: minting,
		store:   store,
		clock:   clock,
	}
}

func payTransfer(txID, receiver string, amount, round uint64) algorand.Transfer {
	return algorand.Transfer{
		ID:             txID,
		Sender:         "SENDER",
		Receiver:       receiver,
		Amount:         amount,
		ConfirmedRound: round,
		Type:           "pay",
	}
}

func TestMonitorTracksDepositToConfirmation(t *testing.T) {
	f := newMonitorFixture(t)
	ctx := context.Background()

	f.ledger.setRound(95)
	derived, err := f.monitor.RegisterAddress(ctx, "alice")
	if err != nil {
		t.Fatalf("register address: %v", err)
	}

	var handoffs []PendingDeposit
	f.monitor.SetConfirmedHandler(func(ctx context.Context, deposit PendingDeposit) {
		handoffs = append(handoffs, deposit)
	})

	// 5 ALGO lands at round 100.
	f.ledger.setRound(100)
	f.ledger.addTransfer(derived.Address, payTransfer("tx-1", derived.Address, 5_000_000, 100))
	f.monitor.RunCycle(ctx)

	deposit, tracked := f.monitor.DepositStatus("tx-1")
	if !tracked {
		t.Fatal("deposit not tracked after detection")
	}
	if deposit.Status != types.DepositPending {
		t.Fatalf("expected pending, got %s", deposit.Status)
	}
	if deposit.RequiredConfirmations != 6 {
		t.Fatalf("expected 6 required confirmations on mainnet, got %d", deposit.RequiredConfirmations)
	}
	if _, registered := f.minting.registered["tx-1"]; !registered {
		t.Fatal("deposit was tracked before minting-ledger registration")
	}

	// Four rounds later: still pending at 4 of 6.
	f.ledger.setRound(104)
	f.monitor.RunCycle(ctx)
	deposit, _ = f.monitor.DepositStatus("tx-1")
	if deposit.Confirmations != 4 || deposit.Status != types.DepositPending {
		t.Fatalf("expected pending 4/6, got %s %d", deposit.Status, deposit.Confirmations)
	}
	if len(handoffs) != 0 {
		t.Fatalf("deposit handed off before threshold: %d handoffs", len(handoffs))
	}

	// Threshold reached at round 106.
	f.ledger.setRound(106)
	f.monitor.RunCycle(ctx)
	deposit, _ = f.monitor.DepositStatus("tx-1")
	if deposit.Status != types.DepositConfirmed {
		t.Fatalf("expected confirmed, got %s", deposit.Status)
	}
	if len(handoffs) != 1 {
		t.Fatalf("expected exactly one handoff, got %d", len(handoffs))
	}

	// Mint succeeds; further cycles must not rediscover the deposit.
	f.monitor.MarkMinted(ctx, "tx-1")
	f.ledger.setRound(110)
	f.monitor.RunCycle(ctx)
	if _, tracked := f.monitor.DepositStatus("tx-1"); tracked {
		t.Fatal("minted deposit re-entered tracking")
	}
	if len(handoffs) != 1 {
		t.Fatalf("minted deposit handed off again: %d handoffs", len(handoffs))
	}
	if !f.store.isProcessed("tx-1") {
		t.Fatal("processed marker not persisted")
	}
}

func TestMonitorIgnoresDustForever(t *testing.T) {
	f := newMonitorFixture(t)
	ctx := context.Background()

	f.ledger.setRound(95)
	derived, _ := f.monitor.RegisterAddress(ctx, "alice")

	f.ledger.setRound(100)
	f.ledger.addTransfer(derived.Address, payTransfer("dust-1", derived.Address, 50_000, 100))
	f.monitor.RunCycle(ctx)
	f.monitor.RunCycle(ctx)

	if _, tracked := f.monitor.DepositStatus("dust-1"); tracked {
		t.Fatal("dust transfer entered tracking")
	}
	if f.minting.registerCalls != 0 {
		t.Fatalf("dust transfer reached the minting ledger: %d register calls", f.minting.registerCalls)
	}
	if !f.store.isProcessed("dust-1") {
		t.Fatal("dust transfer not permanently marked")
	}
}

func TestMonitorConfirmsHistoricalDepositImmediately(t *testing.T) {
	f := newMonitorFixture(t)
	ctx := context.Background()

	// Deposit confirmed at round 50, monitoring starts at round 100.
	f.ledger.setRound(100)
	derived, _ := f.monitor.RegisterAddress(ctx, "alice")
	f.ledger.addTransfer(derived.Address, payTransfer("old-1", derived.Address, 2_000_000, 50))

	confirmed := 0
	f.monitor.SetConfirmedHandler(func(ctx context.Context, deposit PendingDeposit) {
		confirmed++
	})

	f.monitor.RunCycle(ctx)

	deposit, tracked := f.monitor.DepositStatus("old-1")
	if !tracked {
		t.Fatal("historical deposit not tracked")
	}
	if deposit.Status != types.DepositConfirmed {
		t.Fatalf("historical deposit should skip the waiting period, got %s", deposit.Status)
	}
	if confirmed != 1 {
		t.Fatalf("expected one handoff, got %d", confirmed)
	}
}

func TestMonitorQueuesFailedRegistration(t *testing.T) {
	f := newMonitorFixture(t)
	ctx := context.Background()

	f.ledger.setRound(95)
	derived, _ := f.monitor.RegisterAddress(ctx, "alice")

	f.minting.mu.Lock()
	f.minting.registerFailures = 1
	f.minting.mu.Unlock()

	f.ledger.setRound(100)
	f.ledger.addTransfer(derived.Address, payTransfer("tx-2", derived.Address, 3_000_000, 100))
	f.monitor.RunCycle(ctx)

	if _, tracked := f.monitor.DepositStatus("tx-2"); tracked {
		t.Fatal("deposit tracked despite failed registration")
	}
	if f.retry.Depth() != 1 {
		t.Fatalf("expected one queued registration, got %d", f.retry.Depth())
	}

	// Next cycle after the backoff window: retry succeeds and the deposit
	// resumes tracking with a fresh confirmation count.
	f.clock.Advance(3 * time.Second)
	f.ledger.setRound(103)
	f.monitor.RunCycle(ctx)

	deposit, tracked := f.monitor.DepositStatus("tx-2")
	if !tracked {
		t.Fatal("deposit not recovered after registration retry")
	}
	if deposit.Confirmations != 3 {
		t.Fatalf("expected refreshed confirmations 3, got %d", deposit.Confirmations)
	}
	if f.retry.Depth() != 0 {
		t.Fatalf("retry queue should be empty, depth %d", f.retry.Depth())
	}
}

func TestMonitorIsolatesAddressFailures(t *testing.T) {
	f := newMonitorFixture(t)
	ctx := context.Background()

	f.ledger.setRound(95)
	alice, _ := f.monitor.RegisterAddress(ctx, "alice")
	bob, _ := f.monitor.RegisterAddress(ctx, "bob")

	f.ledger.setRound(100)
	f.ledger.addTransfer(alice.Address, payTransfer("tx-a", alice.Address, 1_000_000, 100))
	f.ledger.addTransfer(bob.Address, payTransfer("tx-b", bob.Address, 1_000_000, 100))

	// Alice's indexer queries fail; bob's deposit must still land this cycle.
	f.ledger.mu.Lock()
	f.ledger.transferErrs[alice.Address] = errors.New("indexer timeout")
	f.ledger.mu.Unlock()

	f.monitor.RunCycle(ctx)

	if _, tracked := f.monitor.DepositStatus("tx-b"); !tracked {
		t.Fatal("bob deposit lost to alice's address failure")
	}
	if _, tracked := f.monitor.DepositStatus("tx-a"); tracked {
		t.Fatal("deposit tracked from an address that could not be read")
	}

	// Once the address recovers, the next cycle picks the deposit up.
	f.ledger.mu.Lock()
	delete(f.ledger.transferErrs, alice.Address)
	f.ledger.mu.Unlock()

	f.monitor.RunCycle(ctx)

	if _, tracked := f.monitor.DepositStatus("tx-a"); !tracked {
		t.Fatal("alice deposit not tracked after recovery")
	}

	stats := f.monitor.Stats()
	if stats.RegisteredAddresses != 2 || stats.TrackedDeposits != 2 {
		t.Fatalf("unexpected stats: %+v", stats)
	}
}

func TestMonitorInjectResetsConfirmationsOnLaggingNode(t *testing.T) {
	f := newMonitorFixture(t)
	ctx := context.Background()

	// The node answers with a round behind the deposit's own: the stale
	// count carried from enqueue time must not survive.
	f.ledger.setRound(98)
	f.monitor.InjectDeposit(ctx, PendingDeposit{
		TxID:                  "tx-lag",
		User:                  "alice",
		CustodyAddress:        "CUSTODYalice",
		Amount:                2_000_000,
		Round:                 100,
		Confirmations:         5,
		RequiredConfirmations: 6,
	})

	deposit, tracked := f.monitor.DepositStatus("tx-lag")
	if !tracked {
		t.Fatal("injected deposit not tracked")
	}
	if deposit.Confirmations != 0 {
		t.Fatalf("stale confirmation count survived: %d", deposit.Confirmations)
	}
	if deposit.Status != types.DepositPending {
		t.Fatalf("expected pending, got %s", deposit.Status)
	}
}

func TestMonitorWarmStartSkipsProcessed(t *testing.T) {
	f := newMonitorFixture(t)
	ctx := context.Background()

	f.store.mu.Lock()
	f.store.loadProcessed = []string{"tx-old"}
	f.store.mu.Unlock()

	if err := f.monitor.WarmStart(ctx); err != nil {
		t.Fatalf("warm start: %v", err)
	}

	f.ledger.setRound(95)
	derived, _ := f.monitor.RegisterAddress(ctx, "alice")
	f.ledger.setRound(100)
	f.ledger.addTransfer(derived.Address, payTransfer("tx-old", derived.Address, 4_000_000, 98))
	f.monitor.RunCycle(ctx)

	if _, tracked := f.monitor.DepositStatus("tx-old"); tracked {
		t.Fatal("previously processed deposit re-entered tracking after restart")
	}
	if f.minting.registerCalls != 0 {
		t.Fatal("previously processed deposit re-registered")
	}
}

// Package bridge implements the custody-bridge core: deposit detection and
// confirmation tracking, registration retry, on-chain transaction
// verification, reserve accounting with emergency pause, and the mint
// coordinator that ties them together.
package bridge

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/sippar-network/ck-bridge-api/algorand"
	"github.com/sippar-network/ck-bridge-api/config"
	"github.com/sippar-network/ck-bridge-api/database/models"
	"github.com/sippar-network/ck-bridge-api/types"
)

// ForeignLedger is the read surface of the Algorand client the core needs.
type ForeignLedger interface {
	Status(ctx context.Context) (algorand.NetworkStatus, error)
	AccountInfo(ctx context.Context, address string) (algorand.AccountInfo, error)
	TransfersSince(ctx context.Context, address string, checkpoint uint64) ([]algorand.Transfer, error)
	TransferByID(ctx context.Context, txID string) (algorand.Transfer, error)
}

// MintingLedger is the remote ledger-of-record for wrapped issuance.
type MintingLedger interface {
	RegisterCustodyAddress(ctx context.Context, address, user string) error
	IsDepositProcessed(ctx context.Context, txID string) (bool, error)
	RegisterPendingDeposit(ctx context.Context, user, txID string, amount uint64, custodyAddress string, requiredConfirmations uint64) error
	UpdateConfirmations(ctx context.Context, txID string, confirmations uint64) error
	MintAfterConfirmed(ctx context.Context, txID string) (types.MintReceipt, error)
	MintWithVerifiedAmount(ctx context.Context, user string, amount uint64, txID string, minOut *uint64) (types.MintReceipt, error)
	TotalSupply(ctx context.Context) (uint64, error)
	SetReserveHealth(ctx context.Context, healthy bool) error
}

// AddressDeriver derives custody addresses via the threshold signer.
type AddressDeriver interface {
	DeriveAddress(ctx context.Context, user string) (types.DerivedAddress, error)
}

// Store is the persistence surface the core writes through. Implemented by
// database.Database; tests substitute a fake.
type Store interface {
	UpsertDeposit(ctx context.Context, deposit models.Deposit) error
	UpdateDepositStatus(ctx context.Context, txID, status string, confirmations uint64) error
	MarkProcessed(ctx context.Context, txID string) error
	LoadProcessedTxIDs(ctx context.Context) ([]string, error)
	UpsertFailedRegistration(ctx context.Context, record models.FailedRegistration) error
	DeleteFailedRegistration(ctx context.Context, txID string) error
	ListFailedRegistrations(ctx context.Context) ([]models.FailedRegistration, error)
	InsertPauseEvent(ctx context.Context, event models.PauseEvent) error
}

// Bridge wires the six core components and drives their schedulers.
type Bridge struct {
	Resolver    *CustodyAddressResolver
	Monitor     *DepositMonitor
	Retry       *RegistrationRetryQueue
	Verifier    *TransactionVerifier
	Reserve     *ReserveLedger
	Coordinator *MintCoordinator

	tuning config.Tuning
	logger *slog.Logger
}

type Opts struct {
	Ledger        ForeignLedger
	Minting       MintingLedger
	Deriver       AddressDeriver
	Store         Store
	Tuning        config.Tuning
	OperatorToken string
	Logger        *slog.Logger
	Registerer    prometheus.Registerer
}

// New builds the component graph. Construction order follows the dependency
// graph leaf-first; the confirmed-deposit handoff is wired last because the
// monitor and coordinator reference each other.
func New(opts Opts) (*Bridge, error) {
	if opts.Ledger == nil || opts.Minting == nil || opts.Deriver == nil || opts.Store == nil {
		return nil, fmt.Errorf("ledger, minting, deriver and store are all required")
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	if opts.Registerer == nil {
		opts.Registerer = prometheus.DefaultRegisterer
	}

	metrics := NewMetrics(opts.Registerer)

	resolver := NewCustodyAddressResolver(ResolverOpts{
		Deriver: opts.Deriver,
		TTL:     opts.Tuning.ResolverTTL(),
		Sweep:   opts.Tuning.ResolverSweep(),
		Logger:  opts.Logger.With("component", "custody-resolver"),
	})

	retry := NewRegistrationRetryQueue(RetryOpts{
		Minting:     opts.Minting,
		Store:       opts.Store,
		BaseDelay:   opts.Tuning.RetryBaseDelay(),
		MaxAttempts: opts.Tuning.RetryMaxAttempts,
		Logger:      opts.Logger.With("component", "registration-retry"),
		Metrics:     metrics,
	})

	monitor := NewDepositMonitor(MonitorOpts{
		Ledger:   opts.Ledger,
		Minting:  opts.Minting,
		Resolver: resolver,
		Retry:    retry,
		Store:    opts.Store,
		Tuning:   opts.Tuning,
		Logger:   opts.Logger.With("component", "deposit-monitor"),
		Metrics:  metrics,
	})
	retry.SetInjector(monitor.InjectDeposit)
	retry.SetExhaustedHandler(monitor.MarkRegistrationFailed)

	verifier := NewTransactionVerifier(VerifierOpts{
		Ledger:   opts.Ledger,
		Minting:  opts.Minting,
		Resolver: resolver,
		Logger:   opts.Logger.With("component", "transaction-verifier"),
		Metrics:  metrics,
	})

	reserve := NewReserveLedger(ReserveOpts{
		Minting:             opts.Minting,
		Ledger:              opts.Ledger,
		Addresses:           monitor.CustodyAddresses,
		Store:               opts.Store,
		CriticalThreshold:   opts.Tuning.CriticalThreshold,
		EmergencyThreshold:  opts.Tuning.EmergencyThreshold,
		DivergenceTolerance: opts.Tuning.DivergenceTolerance,
		OperatorToken:       opts.OperatorToken,
		Logger:              opts.Logger.With("component", "reserve-ledger"),
		Metrics:             metrics,
	})

	coordinator := NewMintCoordinator(CoordinatorOpts{
		Monitor:  monitor,
		Verifier: verifier,
		Reserve:  reserve,
		Minting:  opts.Minting,
		Store:    opts.Store,
		Logger:   opts.Logger.With("component", "mint-coordinator"),
		Metrics:  metrics,
	})
	monitor.SetConfirmedHandler(coordinator.handleConfirmedDeposit)

	return &Bridge{
		Resolver:    resolver,
		Monitor:     monitor,
		Retry:       retry,
		Verifier:    verifier,
		Reserve:     reserve,
		Coordinator: coordinator,
		tuning:      opts.Tuning,
		logger:      opts.Logger,
	}, nil
}

// Run drives the two recurring schedulers until the context is cancelled:
// the monitor cycle (retry tick + detection + confirmation tracking) and the
// reserve recomputation. The request-triggered paths run synchronously in
// whatever handler invokes them.
func (b *Bridge) Run(ctx context.Context) error {
	if err := b.Monitor.WarmStart(ctx); err != nil {
		return fmt.Errorf("failed to warm start deposit monitor: %w", err)
	}
	if err := b.Retry.WarmStart(ctx); err != nil {
		return fmt.Errorf("failed to reload registration retry queue: %w", err)
	}

	errChan := make(chan error, 2)

	go func() {
		errChan <- b.runMonitorLoop(ctx)
	}()
	go func() {
		errChan <- b.runReserveLoop(ctx)
	}()

	var firstErr error
	for i := 0; i < 2; i++ {
		if err := <-errChan; err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}

func (b *Bridge) runMonitorLoop(ctx context.Context) error {
	interval := b.tuning.PollingInterval()
	b.logger.Info("starting deposit monitor", "interval", interval)

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	// Initial cycle before the first tick so a fresh process catches up
	// immediately.
	b.Monitor.RunCycle(ctx)

	for {
		select {
		case <-ctx.Done():
			b.logger.Info("shutting down deposit monitor")
			return nil
		case <-ticker.C:
			b.Monitor.RunCycle(ctx)
			b.Resolver.MaybeSweep()
		}
	}
}

func (b *Bridge) runReserveLoop(ctx context.Context) error {
	interval := b.tuning.ReserveInterval()
	b.logger.Info("starting reserve verification", "interval", interval)

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	b.Reserve.RunCycle(ctx)

	for {
		select {
		case <-ctx.Done():
			b.logger.Info("shutting down reserve verification")
			return nil
		case <-ticker.C:
			b.Reserve.RunCycle(ctx)
		}
	}
}

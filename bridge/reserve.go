package bridge

import (
	"context"
	"crypto/subtle"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/sippar-network/ck-bridge-api/database/models"
	"github.com/sippar-network/ck-bridge-api/types"
)

// ReserveSnapshot is one reserve computation: wrapped supply from the minting
// ledger against the sum of live custody balances on the foreign ledger.
type ReserveSnapshot struct {
	ReserveRatio       float64            `json:"reserve_ratio"`
	TotalWrappedSupply uint64             `json:"total_wrapped_supply"`
	TotalForeignLocked uint64             `json:"total_foreign_locked"`
	CustodyAddresses   int                `json:"custody_addresses"`
	HealthStatus       types.HealthStatus `json:"health_status"`
	EmergencyPaused    bool               `json:"emergency_paused"`
	ComputedAt         time.Time          `json:"computed_at"`
}

// ReserveLedger tracks backing health and gates minting. The authoritative
// locked value is what the custody addresses actually hold on chain; the
// wrapped supply is the cross-check. When the two cannot be reconciled the
// ledger fails closed.
type ReserveLedger struct {
	minting             MintingLedger
	ledger              ForeignLedger
	addresses           func() []string
	store               Store
	criticalThreshold   float64
	emergencyThreshold  float64
	divergenceTolerance uint64
	operatorToken       string
	logger              *slog.Logger
	metrics             *Metrics
	now                 func() time.Time

	mu     sync.RWMutex
	latest ReserveSnapshot
	paused bool
	reason string
}

type ReserveOpts struct {
	Minting             MintingLedger
	Ledger              ForeignLedger
	Addresses           func() []string
	Store               Store
	CriticalThreshold   float64
	EmergencyThreshold  float64
	DivergenceTolerance uint64
	OperatorToken       string
	Logger              *slog.Logger
	Metrics             *Metrics
	Now                 func() time.Time
}

func NewReserveLedger(opts ReserveOpts) *ReserveLedger {
	if opts.CriticalThreshold <= 0 {
		opts.CriticalThreshold = 0.95
	}
	if opts.EmergencyThreshold <= 0 {
		opts.EmergencyThreshold = 0.90
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	return &ReserveLedger{
		minting:             opts.Minting,
		ledger:              opts.Ledger,
		addresses:           opts.Addresses,
		store:               opts.Store,
		criticalThreshold:   opts.CriticalThreshold,
		emergencyThreshold:  opts.EmergencyThreshold,
		divergenceTolerance: opts.DivergenceTolerance,
		operatorToken:       opts.OperatorToken,
		logger:              opts.Logger,
		metrics:             opts.Metrics,
		now:                 opts.Now,
	}
}

// Snapshot recomputes reserve state from live remote reads. A supply read
// failure aborts the computation; a single custody balance failure only
// degrades it, with the address skipped and logged.
func (r *ReserveLedger) Snapshot(ctx context.Context) (ReserveSnapshot, error) {
	supply, err := r.minting.TotalSupply(ctx)
	if err != nil {
		return ReserveSnapshot{}, fmt.Errorf("failed to read wrapped supply: %w", err)
	}

	addresses := r.addresses()
	var locked uint64
	skipped := 0
	for _, address := range addresses {
		info, err := r.ledger.AccountInfo(ctx, address)
		if err != nil {
			r.logger.Warn("failed to read custody balance, skipping address", "address", address, "error", err)
			skipped++
			continue
		}
		locked += info.Balance
	}

	// supply == locked is the steady-state expectation; sustained divergence
	// beyond tolerance means deposits or mints are being lost somewhere.
	if skipped == 0 {
		diff := locked - supply
		if supply > locked {
			diff = supply - locked
		}
		if diff > r.divergenceTolerance {
			if r.metrics != nil {
				r.metrics.ReserveDivergence.Inc()
			}
			r.logger.Warn("custody balances diverge from wrapped supply",
				"locked", locked, "supply", supply, "tolerance", r.divergenceTolerance)
		}
	}

	ratio := 1.0
	if supply > 0 {
		ratio = float64(locked) / float64(supply)
	}

	snapshot := ReserveSnapshot{
		ReserveRatio:       ratio,
		TotalWrappedSupply: supply,
		TotalForeignLocked: locked,
		CustodyAddresses:   len(addresses),
		ComputedAt:         r.now(),
	}

	r.mu.Lock()
	if !r.paused && ratio < r.emergencyThreshold {
		r.paused = true
		r.reason = fmt.Sprintf("reserve ratio %.4f below emergency threshold %.2f", ratio, r.emergencyThreshold)
		r.mu.Unlock()
		r.recordPause(ctx, "automatic", ratio)
	} else {
		r.mu.Unlock()
	}

	r.mu.Lock()
	snapshot.EmergencyPaused = r.paused
	snapshot.HealthStatus = r.healthLocked(ratio)
	r.latest = snapshot
	r.mu.Unlock()

	if r.metrics != nil {
		r.metrics.ReserveRatio.Set(ratio)
		r.metrics.WrappedSupply.Set(float64(supply))
		r.metrics.ForeignLocked.Set(float64(locked))
	}
	return snapshot, nil
}

func (r *ReserveLedger) healthLocked(ratio float64) types.HealthStatus {
	switch {
	case r.paused:
		return types.ReservePaused
	case ratio < r.criticalThreshold:
		return types.ReserveCritical
	case ratio < 1.0:
		return types.ReserveWarning
	default:
		return types.ReserveHealthy
	}
}

// Latest returns the most recent snapshot without touching the network.
func (r *ReserveLedger) Latest() ReserveSnapshot {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.latest
}

// Paused reports the pause flag and its reason.
func (r *ReserveLedger) Paused() (bool, string) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.paused, r.reason
}

// CanMint decides whether minting amount more wrapped tokens keeps the
// system fully backed. It recomputes from live reads every time; a mint
// decision is never made on stale numbers, and any failure to compute
// answers no.
func (r *ReserveLedger) CanMint(ctx context.Context, amount uint64) (bool, string) {
	r.mu.RLock()
	paused := r.paused
	r.mu.RUnlock()
	if paused {
		return false, "minting is paused"
	}

	snapshot, err := r.Snapshot(ctx)
	if err != nil {
		return false, fmt.Sprintf("could not verify reserves: %v", err)
	}
	if snapshot.EmergencyPaused {
		return false, "minting is paused"
	}

	projectedSupply := snapshot.TotalWrappedSupply + amount
	if projectedSupply == 0 {
		return true, ""
	}
	if snapshot.TotalForeignLocked < projectedSupply {
		return false, fmt.Sprintf("insufficient backing: %d locked against projected supply %d",
			snapshot.TotalForeignLocked, projectedSupply)
	}
	return true, ""
}

// Pause halts minting manually.
func (r *ReserveLedger) Pause(ctx context.Context, reason string) {
	r.mu.Lock()
	already := r.paused
	r.paused = true
	r.reason = reason
	if !r.latest.ComputedAt.IsZero() {
		r.latest.EmergencyPaused = true
		r.latest.HealthStatus = types.ReservePaused
	}
	r.mu.Unlock()

	if already {
		return
	}
	r.recordPause(ctx, "manual", 0)
}

// ClearPause lifts the pause if the caller is authorized and the backing has
// actually recovered. The recheck is mandatory: clearing the flag without
// live reserve evidence would reopen minting on the same broken numbers that
// triggered the pause.
func (r *ReserveLedger) ClearPause(ctx context.Context, authorization string) error {
	if subtle.ConstantTimeCompare([]byte(authorization), []byte(r.operatorToken)) != 1 || r.operatorToken == "" {
		return fmt.Errorf("%w: invalid operator authorization", types.ErrUnauthorized)
	}

	// Revalidate with the pause still in force; the flag only drops once the
	// backing is proven recovered.
	snapshot, err := r.Snapshot(ctx)
	if err != nil {
		return fmt.Errorf("cannot clear pause, reserve state unknown: %w", err)
	}
	if snapshot.ReserveRatio < 1.0 {
		return fmt.Errorf("reserve ratio %.4f still below 1.0, pause stays", snapshot.ReserveRatio)
	}

	r.mu.Lock()
	r.paused = false
	r.reason = ""
	r.latest.EmergencyPaused = false
	r.latest.HealthStatus = r.healthLocked(snapshot.ReserveRatio)
	r.mu.Unlock()

	if err := r.minting.SetReserveHealth(ctx, true); err != nil {
		r.logger.Warn("failed to report recovered reserve health", "error", err)
	}
	if err := r.store.InsertPauseEvent(ctx, models.PauseEvent{
		Kind:         "cleared",
		ReserveRatio: snapshot.ReserveRatio,
		OccurredAt:   r.now().Unix(),
	}); err != nil {
		r.logger.Warn("failed to record pause clearance", "error", err)
	}

	r.logger.Info("emergency pause cleared", "ratio", snapshot.ReserveRatio)
	return nil
}

// RunCycle is the periodic recomputation entry point.
func (r *ReserveLedger) RunCycle(ctx context.Context) {
	snapshot, err := r.Snapshot(ctx)
	if err != nil {
		r.logger.Error("reserve verification failed", "error", err)
		return
	}

	switch snapshot.HealthStatus {
	case types.ReserveHealthy:
		r.logger.Debug("reserves verified",
			"ratio", snapshot.ReserveRatio, "supply", snapshot.TotalWrappedSupply, "locked", snapshot.TotalForeignLocked)
	default:
		r.logger.Warn("reserves degraded",
			"status", snapshot.HealthStatus,
			"ratio", snapshot.ReserveRatio,
			"supply", snapshot.TotalWrappedSupply,
			"locked", snapshot.TotalForeignLocked)
	}
}

func (r *ReserveLedger) recordPause(ctx context.Context, kind string, ratio float64) {
	if r.metrics != nil {
		r.metrics.EmergencyPauses.Inc()
	}
	r.logger.Error("minting paused", "kind", kind, "ratio", ratio)

	// Best-effort notifications; the local pause flag is what actually gates
	// minting.
	if err := r.minting.SetReserveHealth(ctx, false); err != nil {
		r.logger.Warn("failed to report degraded reserve health", "error", err)
	}
	r.mu.RLock()
	reason := r.reason
	r.mu.RUnlock()
	if err := r.store.InsertPauseEvent(ctx, models.PauseEvent{
		Kind:         kind,
		Reason:       reason,
		ReserveRatio: ratio,
		OccurredAt:   r.now().Unix(),
	}); err != nil {
		r.logger.Warn("failed to record pause event", "error", err)
	}
}

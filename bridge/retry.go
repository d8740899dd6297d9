package bridge

import (
	"context"
	"errors"
	"log/slog"
	"math"
	"sync"
	"time"

	"github.com/sippar-network/ck-bridge-api/database/models"
	"github.com/sippar-network/ck-bridge-api/types"
)

// FailedRegistration is one deposit whose minting-ledger registration failed.
// Entries back off exponentially and are parked, never dropped, once the
// attempt ceiling is reached: the deposit is real money sitting in custody.
type FailedRegistration struct {
	Deposit     PendingDeposit
	Mapping     CustodyMapping
	Attempts    int
	LastAttempt time.Time
	LastError   string
}

// RegistrationRetryQueue re-attempts failed deposit registrations on the
// monitor's cycle. Only the scheduler goroutine mutates entries; the mutex
// exists for the read accessors and the operator clear path.
type RegistrationRetryQueue struct {
	minting     MintingLedger
	store       Store
	baseDelay   time.Duration
	maxAttempts int
	logger      *slog.Logger
	metrics     *Metrics
	now         func() time.Time

	inject      func(ctx context.Context, deposit PendingDeposit)
	onExhausted func(ctx context.Context, deposit PendingDeposit)

	mu      sync.Mutex
	entries map[string]*FailedRegistration
}

type RetryOpts struct {
	Minting     MintingLedger
	Store       Store
	BaseDelay   time.Duration
	MaxAttempts int
	Logger      *slog.Logger
	Metrics     *Metrics
	Now         func() time.Time
}

func NewRegistrationRetryQueue(opts RetryOpts) *RegistrationRetryQueue {
	if opts.BaseDelay <= 0 {
		opts.BaseDelay = 2 * time.Second
	}
	if opts.MaxAttempts < 1 {
		opts.MaxAttempts = 10
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	return &RegistrationRetryQueue{
		minting:     opts.Minting,
		store:       opts.Store,
		baseDelay:   opts.BaseDelay,
		maxAttempts: opts.MaxAttempts,
		logger:      opts.Logger,
		metrics:     opts.Metrics,
		now:         opts.Now,
		entries:     make(map[string]*FailedRegistration),
	}
}

// SetInjector wires the monitor callback that resumes tracking after a
// successful retry.
func (q *RegistrationRetryQueue) SetInjector(fn func(ctx context.Context, deposit PendingDeposit)) {
	q.inject = fn
}

// SetExhaustedHandler wires the callback invoked once when an entry hits the
// attempt ceiling.
func (q *RegistrationRetryQueue) SetExhaustedHandler(fn func(ctx context.Context, deposit PendingDeposit)) {
	q.onExhausted = fn
}

// WarmStart reloads persisted entries so a restart does not lose queued
// registrations.
func (q *RegistrationRetryQueue) WarmStart(ctx context.Context) error {
	records, err := q.store.ListFailedRegistrations(ctx)
	if err != nil {
		return err
	}

	q.mu.Lock()
	for _, record := range records {
		q.entries[record.TxID] = &FailedRegistration{
			Deposit: PendingDeposit{
				TxID:                  record.TxID,
				User:                  record.User,
				CustodyAddress:        record.CustodyAddress,
				Amount:                record.Amount,
				Sender:                record.Sender,
				Round:                 record.Round,
				DetectedAt:            time.Unix(record.DetectedAt, 0),
				RequiredConfirmations: record.RequiredConfirmations,
				Status:                types.DepositPending,
			},
			Mapping: CustodyMapping{
				CustodyAddress: record.CustodyAddress,
				User:           record.User,
			},
			Attempts:    record.Attempts,
			LastAttempt: time.Unix(record.LastAttempt, 0),
			LastError:   record.LastError,
		}
	}
	q.updateParkedGaugeLocked()
	q.mu.Unlock()

	if len(records) > 0 {
		q.logger.Info("reloaded failed registrations", "count", len(records))
	}
	return nil
}

// Enqueue adds a deposit after its initial registration attempt failed. The
// failed attempt counts as attempt one, so the first retry happens a full
// base delay later.
func (q *RegistrationRetryQueue) Enqueue(ctx context.Context, deposit PendingDeposit, mapping CustodyMapping, cause error) {
	entry := &FailedRegistration{
		Deposit:     deposit,
		Mapping:     mapping,
		Attempts:    1,
		LastAttempt: q.now(),
		LastError:   cause.Error(),
	}

	q.mu.Lock()
	if _, exists := q.entries[deposit.TxID]; exists {
		q.mu.Unlock()
		return
	}
	q.entries[deposit.TxID] = entry
	q.mu.Unlock()

	if err := q.store.UpsertFailedRegistration(ctx, q.record(entry)); err != nil {
		q.logger.Warn("failed to persist retry entry", "txID", deposit.TxID, "error", err)
	}
	q.logger.Info("queued registration for retry", "txID", deposit.TxID, "error", cause)
}

// Tick retries every due entry once. Runs at the top of each monitor cycle so
// a recovered deposit is tracked before fresh detection could rediscover it.
func (q *RegistrationRetryQueue) Tick(ctx context.Context) {
	now := q.now()

	q.mu.Lock()
	due := make([]*FailedRegistration, 0)
	for _, entry := range q.entries {
		if entry.Attempts >= q.maxAttempts {
			continue // parked, operator recovery only
		}
		if !now.Before(entry.LastAttempt.Add(q.backoff(entry.Attempts))) {
			due = append(due, entry)
		}
	}
	q.mu.Unlock()

	for _, entry := range due {
		q.attempt(ctx, entry)
	}
}

func (q *RegistrationRetryQueue) attempt(ctx context.Context, entry *FailedRegistration) {
	deposit := entry.Deposit
	if q.metrics != nil {
		q.metrics.RegistrationRetries.Inc()
	}

	err := q.minting.RegisterPendingDeposit(ctx, deposit.User, deposit.TxID, deposit.Amount, deposit.CustodyAddress, deposit.RequiredConfirmations)
	if err != nil && !errors.Is(err, types.ErrRegistrationConflict) {
		q.mu.Lock()
		entry.Attempts++
		entry.LastAttempt = q.now()
		entry.LastError = err.Error()
		exhausted := entry.Attempts >= q.maxAttempts
		q.updateParkedGaugeLocked()
		q.mu.Unlock()

		if persistErr := q.store.UpsertFailedRegistration(ctx, q.record(entry)); persistErr != nil {
			q.logger.Warn("failed to persist retry entry", "txID", deposit.TxID, "error", persistErr)
		}

		if exhausted {
			q.logger.Error("registration retries exhausted, parking entry for operator recovery",
				"txID", deposit.TxID, "attempts", entry.Attempts, "error", err)
			if q.onExhausted != nil {
				q.onExhausted(ctx, deposit)
			}
		} else {
			q.logger.Warn("registration retry failed", "txID", deposit.TxID, "attempts", entry.Attempts, "error", err)
		}
		return
	}

	q.mu.Lock()
	delete(q.entries, deposit.TxID)
	q.updateParkedGaugeLocked()
	q.mu.Unlock()

	if persistErr := q.store.DeleteFailedRegistration(ctx, deposit.TxID); persistErr != nil {
		q.logger.Warn("failed to remove persisted retry entry", "txID", deposit.TxID, "error", persistErr)
	}

	q.logger.Info("registration retry succeeded", "txID", deposit.TxID, "attempts", entry.Attempts)
	if q.inject != nil {
		q.inject(ctx, deposit)
	}
}

// backoff is baseDelay doubled per completed attempt: 2s, 4s, 8s, ...
func (q *RegistrationRetryQueue) backoff(attempts int) time.Duration {
	if attempts < 1 {
		attempts = 1
	}
	multiplier := math.Pow(2, float64(attempts-1))
	return time.Duration(float64(q.baseDelay) * multiplier)
}

// Entries returns a snapshot of the queue, parked entries included.
func (q *RegistrationRetryQueue) Entries() []FailedRegistration {
	q.mu.Lock()
	defer q.mu.Unlock()

	entries := make([]FailedRegistration, 0, len(q.entries))
	for _, entry := range q.entries {
		entries = append(entries, *entry)
	}
	return entries
}

// Contains reports whether a transaction id is queued. The monitor checks
// this before processing a transfer so queued deposits keep their backoff
// schedule instead of being re-attempted by the detection pass.
func (q *RegistrationRetryQueue) Contains(txID string) bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	_, ok := q.entries[txID]
	return ok
}

// Depth reports the number of queued entries.
func (q *RegistrationRetryQueue) Depth() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.entries)
}

// Clear removes an entry after operator-confirmed recovery. Returns false if
// no entry exists for the id.
func (q *RegistrationRetryQueue) Clear(ctx context.Context, txID string) bool {
	q.mu.Lock()
	_, found := q.entries[txID]
	delete(q.entries, txID)
	q.updateParkedGaugeLocked()
	q.mu.Unlock()

	if !found {
		return false
	}
	if err := q.store.DeleteFailedRegistration(ctx, txID); err != nil {
		q.logger.Warn("failed to remove persisted retry entry", "txID", txID, "error", err)
	}
	q.logger.Info("cleared failed registration", "txID", txID)
	return true
}

func (q *RegistrationRetryQueue) updateParkedGaugeLocked() {
	if q.metrics == nil {
		return
	}
	parked := 0
	for _, entry := range q.entries {
		if entry.Attempts >= q.maxAttempts {
			parked++
		}
	}
	q.metrics.RegistrationsParked.Set(float64(parked))
}

func (q *RegistrationRetryQueue) record(entry *FailedRegistration) models.FailedRegistration {
	return models.FailedRegistration{
		TxID:                  entry.Deposit.TxID,
		User:                  entry.Deposit.User,
		CustodyAddress:        entry.Deposit.CustodyAddress,
		Sender:                entry.Deposit.Sender,
		Amount:                entry.Deposit.Amount,
		Round:                 entry.Deposit.Round,
		RequiredConfirmations: entry.Deposit.RequiredConfirmations,
		DetectedAt:            entry.Deposit.DetectedAt.Unix(),
		Attempts:              entry.Attempts,
		LastAttempt:           entry.LastAttempt.Unix(),
		LastError:             entry.LastError,
	}
}

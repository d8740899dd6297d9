package bridge

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/sippar-network/ck-bridge-api/algorand"
	"github.com/sippar-network/ck-bridge-api/config"
	"github.com/sippar-network/ck-bridge-api/database/models"
	"github.com/sippar-network/ck-bridge-api/types"
)

// CustodyMapping binds one user identity to their threshold-derived custody
// address. Immutable once created; only the checkpoint advances.
type CustodyMapping struct {
	CustodyAddress   string
	User             string
	CreatedAt        time.Time
	StartRound       uint64
	LastCheckedRound uint64
}

// PendingDeposit tracks one qualifying transfer through the confirmation
// pipeline. The status field tracks confirmation depth, not registration
// state; a deposit only enters this table after the minting ledger has
// durably recorded it.
type PendingDeposit struct {
	TxID                  string
	User                  string
	CustodyAddress        string
	Amount                uint64 // microAlgo
	Sender                string
	Round                 uint64
	DetectedAt            time.Time
	Confirmations         uint64
	RequiredConfirmations uint64
	Status                types.DepositStatus
}

// MonitorStats summarises the monitor's in-memory state for health queries.
type MonitorStats struct {
	RegisteredAddresses int `json:"registered_addresses"`
	PendingDeposits     int `json:"pending_deposits"`
	ConfirmedDeposits   int `json:"confirmed_deposits"`
	FailedDeposits      int `json:"failed_deposits"`
	TrackedDeposits     int `json:"tracked_deposits"`
	RetryQueueDepth     int `json:"retry_queue_depth"`
}

// DepositMonitor polls the foreign ledger per registered custody address,
// registers new deposits with the minting ledger before anything else acts
// on them, tracks confirmation depth, and hands confirmed deposits to the
// mint coordinator. All map mutations happen on the scheduler goroutine;
// request handlers only read through the accessors.
type DepositMonitor struct {
	ledger   ForeignLedger
	minting  MintingLedger
	resolver *CustodyAddressResolver
	retry    *RegistrationRetryQueue
	store    Store
	tuning   config.Tuning
	logger   *slog.Logger
	metrics  *Metrics
	now      func() time.Time

	onConfirmed func(ctx context.Context, deposit PendingDeposit)

	mu        sync.RWMutex
	mappings  map[string]*CustodyMapping
	deposits  map[string]PendingDeposit
	processed map[string]struct{}
}

type MonitorOpts struct {
	Ledger   ForeignLedger
	Minting  MintingLedger
	Resolver *CustodyAddressResolver
	Retry    *RegistrationRetryQueue
	Store    Store
	Tuning   config.Tuning
	Logger   *slog.Logger
	Metrics  *Metrics
	Now      func() time.Time
}

func NewDepositMonitor(opts MonitorOpts) *DepositMonitor {
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	return &DepositMonitor{
		ledger:    opts.Ledger,
		minting:   opts.Minting,
		resolver:  opts.Resolver,
		retry:     opts.Retry,
		store:     opts.Store,
		tuning:    opts.Tuning,
		logger:    opts.Logger,
		metrics:   opts.Metrics,
		now:       opts.Now,
		mappings:  make(map[string]*CustodyMapping),
		deposits:  make(map[string]PendingDeposit),
		processed: make(map[string]struct{}),
	}
}

// SetConfirmedHandler wires the coordinator handoff. Must be called before
// the first cycle.
func (m *DepositMonitor) SetConfirmedHandler(fn func(ctx context.Context, deposit PendingDeposit)) {
	m.onConfirmed = fn
}

// WarmStart loads the processed transaction-id set from the store so a
// restarted process cannot double-track a deposit it already minted.
func (m *DepositMonitor) WarmStart(ctx context.Context) error {
	txIDs, err := m.store.LoadProcessedTxIDs(ctx)
	if err != nil {
		return err
	}

	m.mu.Lock()
	for _, txID := range txIDs {
		m.processed[txID] = struct{}{}
	}
	m.mu.Unlock()

	m.logger.Info("loaded processed deposit set", "count", len(txIDs))
	return nil
}

// RegisterAddress resolves the custody address for a user and starts
// monitoring it. Re-registering the same user returns the existing mapping:
// custody mappings are immutable once created.
func (m *DepositMonitor) RegisterAddress(ctx context.Context, user string) (types.DerivedAddress, error) {
	derived, err := m.resolver.Resolve(ctx, user)
	if err != nil {
		return types.DerivedAddress{}, err
	}

	m.mu.RLock()
	_, exists := m.mappings[derived.Address]
	m.mu.RUnlock()
	if exists {
		return derived, nil
	}

	startRound := uint64(0)
	if status, err := m.ledger.Status(ctx); err == nil {
		startRound = status.LastRound
	} else {
		m.logger.Warn("could not fetch network status for new mapping, starting from genesis", "error", err)
	}

	// Best-effort: the minting ledger keeps its own address book, but a
	// failure here must not block monitoring.
	if err := m.minting.RegisterCustodyAddress(ctx, derived.Address, user); err != nil {
		m.logger.Warn("failed to register custody address with minting ledger", "address", derived.Address, "error", err)
	}

	m.mu.Lock()
	if _, exists := m.mappings[derived.Address]; !exists {
		m.mappings[derived.Address] = &CustodyMapping{
			CustodyAddress:   derived.Address,
			User:             user,
			CreatedAt:        m.now(),
			StartRound:       startRound,
			LastCheckedRound: startRound,
		}
	}
	m.mu.Unlock()

	m.logger.Info("registered custody address", "address", derived.Address, "user", user)
	return derived, nil
}

// CustodyAddresses returns the monitored address list.
func (m *DepositMonitor) CustodyAddresses() []string {
	m.mu.RLock()
	defer m.mu.RUnlock()

	addresses := make([]string, 0, len(m.mappings))
	for address := range m.mappings {
		addresses = append(addresses, address)
	}
	return addresses
}

// RunCycle performs one full scheduler pass: retry queue first (so retried
// registrations and fresh detection never race), then per-address detection
// with error isolation, then confirmation tracking and handoff.
func (m *DepositMonitor) RunCycle(ctx context.Context) {
	m.retry.Tick(ctx)

	status, err := m.ledger.Status(ctx)
	if err != nil {
		m.logger.Error("failed to get network status, skipping cycle", "error", err)
		return
	}

	m.mu.RLock()
	mappings := make([]CustodyMapping, 0, len(m.mappings))
	for _, mapping := range m.mappings {
		mappings = append(mappings, *mapping)
	}
	m.mu.RUnlock()

	for _, mapping := range mappings {
		if err := m.checkAddress(ctx, mapping, status); err != nil {
			// One slow or failing address must not starve the rest.
			m.logger.Error("failed to check address", "address", mapping.CustodyAddress, "error", err)
		}
	}

	m.updateConfirmations(ctx, status.LastRound)
	m.handoffConfirmed(ctx)
	m.evictStale()
}

func (m *DepositMonitor) checkAddress(ctx context.Context, mapping CustodyMapping, status algorand.NetworkStatus) error {
	transfers, err := m.ledger.TransfersSince(ctx, mapping.CustodyAddress, mapping.LastCheckedRound)
	if err != nil {
		return err
	}

	latestRound := mapping.LastCheckedRound
	for _, transfer := range transfers {
		m.processTransfer(ctx, transfer, mapping, status, false)
		if transfer.ConfirmedRound > latestRound {
			latestRound = transfer.ConfirmedRound
		}
	}

	if latestRound > mapping.LastCheckedRound {
		m.mu.Lock()
		if current, ok := m.mappings[mapping.CustodyAddress]; ok {
			current.LastCheckedRound = latestRound
		}
		m.mu.Unlock()
	}

	// Historical pass: deposits confirmed before monitoring started are
	// already final and skip the waiting period. Anything newer found here is
	// treated like a fresh deposit. Failure is tolerable, the incremental
	// pass above is the primary path.
	historical, err := m.ledger.TransfersSince(ctx, mapping.CustodyAddress, 0)
	if err != nil {
		m.logger.Info("could not check historical deposits", "address", mapping.CustodyAddress, "error", err)
		return nil
	}
	for _, transfer := range historical {
		m.processTransfer(ctx, transfer, mapping, status, transfer.ConfirmedRound <= mapping.StartRound)
	}

	return nil
}

func (m *DepositMonitor) processTransfer(ctx context.Context, transfer algorand.Transfer, mapping CustodyMapping, status algorand.NetworkStatus, historical bool) {
	if transfer.Type != "pay" || transfer.ConfirmedRound == 0 {
		return
	}

	m.mu.RLock()
	_, alreadyProcessed := m.processed[transfer.ID]
	_, alreadyTracked := m.deposits[transfer.ID]
	m.mu.RUnlock()
	if alreadyProcessed || alreadyTracked || m.retry.Contains(transfer.ID) {
		return
	}

	// Below the dust threshold the transfer is ignored permanently: no
	// registration call, no tracking, never re-evaluated.
	if transfer.Amount < m.tuning.DustThresholdMicroAlgo {
		m.mu.Lock()
		m.processed[transfer.ID] = struct{}{}
		m.mu.Unlock()
		if err := m.store.MarkProcessed(ctx, transfer.ID); err != nil {
			m.logger.Warn("failed to persist dust marker", "txID", transfer.ID, "error", err)
		}
		m.metrics.DustIgnored.Inc()
		m.logger.Info("ignoring dust transfer", "txID", transfer.ID, "amount", transfer.Amount, "threshold", m.tuning.DustThresholdMicroAlgo)
		return
	}

	required := m.requiredConfirmations(status)
	confirmations := uint64(0)
	if status.LastRound > transfer.ConfirmedRound {
		confirmations = status.LastRound - transfer.ConfirmedRound
	}
	if historical {
		// Already finalized on discovery; no waiting period.
		if confirmations < required {
			confirmations = required
		}
	}

	deposit := PendingDeposit{
		TxID:                  transfer.ID,
		User:                  mapping.User,
		CustodyAddress:        mapping.CustodyAddress,
		Amount:                transfer.Amount,
		Sender:                transfer.Sender,
		Round:                 transfer.ConfirmedRound,
		DetectedAt:            m.now(),
		Confirmations:         confirmations,
		RequiredConfirmations: required,
		Status:                types.DepositPending,
	}
	if confirmations >= required {
		deposit.Status = types.DepositConfirmed
	}

	// Registration must complete (or be queued for retry) before the deposit
	// is exposed anywhere else: foreign ledger facts are only acted upon once
	// durably recorded.
	err := m.minting.RegisterPendingDeposit(ctx, deposit.User, deposit.TxID, deposit.Amount, deposit.CustodyAddress, required)
	if err != nil && !errors.Is(err, types.ErrRegistrationConflict) {
		m.logger.Error("failed to register deposit, queueing for retry", "txID", deposit.TxID, "error", err)
		m.retry.Enqueue(ctx, deposit, mapping, err)
		return
	}

	if err := m.store.UpsertDeposit(ctx, depositRecord(deposit)); err != nil {
		m.logger.Warn("failed to persist deposit record", "txID", deposit.TxID, "error", err)
	}

	m.mu.Lock()
	m.deposits[deposit.TxID] = deposit
	m.mu.Unlock()

	m.metrics.DepositsDetected.Inc()
	m.logger.Info("tracking new deposit",
		"txID", deposit.TxID,
		"amount", deposit.Amount,
		"confirmations", deposit.Confirmations,
		"required", deposit.RequiredConfirmations,
		"historical", historical)
}

func (m *DepositMonitor) requiredConfirmations(status algorand.NetworkStatus) uint64 {
	if status.IsMainnet() {
		return m.tuning.MainnetConfirmations
	}
	return m.tuning.TestnetConfirmations
}

// updateConfirmations recomputes depth for every pending deposit and
// transitions those crossing their threshold. Entries are replaced whole so
// readers never observe a half-updated deposit.
func (m *DepositMonitor) updateConfirmations(ctx context.Context, currentRound uint64) {
	m.mu.RLock()
	pending := make([]PendingDeposit, 0)
	for _, deposit := range m.deposits {
		if deposit.Status == types.DepositPending {
			pending = append(pending, deposit)
		}
	}
	m.mu.RUnlock()

	for _, deposit := range pending {
		confirmations := uint64(0)
		if currentRound > deposit.Round {
			confirmations = currentRound - deposit.Round
		}
		// Depth is monotone while the ledger only grows; a lagging node
		// never lowers an already-observed count.
		if confirmations <= deposit.Confirmations && deposit.Confirmations > 0 {
			confirmations = deposit.Confirmations
		}

		deposit.Confirmations = confirmations
		if confirmations >= deposit.RequiredConfirmations {
			deposit.Status = types.DepositConfirmed
			m.logger.Info("deposit confirmed", "txID", deposit.TxID, "confirmations", confirmations, "required", deposit.RequiredConfirmations)
			if err := m.store.UpdateDepositStatus(ctx, deposit.TxID, string(types.DepositConfirmed), confirmations); err != nil {
				m.logger.Warn("failed to persist confirmed status", "txID", deposit.TxID, "error", err)
			}
		}

		m.mu.Lock()
		if _, stillTracked := m.deposits[deposit.TxID]; stillTracked {
			m.deposits[deposit.TxID] = deposit
		}
		m.mu.Unlock()

		// Best-effort; a failure is superseded by the next cycle.
		if err := m.minting.UpdateConfirmations(ctx, deposit.TxID, confirmations); err != nil {
			m.logger.Warn("failed to report confirmation count", "txID", deposit.TxID, "error", err)
		}
	}
}

// handoffConfirmed passes every confirmed deposit to the coordinator. The
// coordinator evicts on success; a failed mint leaves the deposit confirmed
// and it is simply handed off again next cycle.
func (m *DepositMonitor) handoffConfirmed(ctx context.Context) {
	if m.onConfirmed == nil {
		return
	}

	m.mu.RLock()
	confirmed := make([]PendingDeposit, 0)
	for _, deposit := range m.deposits {
		if deposit.Status == types.DepositConfirmed {
			confirmed = append(confirmed, deposit)
		}
	}
	m.mu.RUnlock()

	for _, deposit := range confirmed {
		m.onConfirmed(ctx, deposit)
	}
}

// InjectDeposit adds a deposit whose registration just succeeded through the
// retry queue, with its confirmation count computed fresh.
func (m *DepositMonitor) InjectDeposit(ctx context.Context, deposit PendingDeposit) {
	deposit.Status = types.DepositPending
	if status, err := m.ledger.Status(ctx); err == nil {
		deposit.Confirmations = 0
		if status.LastRound > deposit.Round {
			deposit.Confirmations = status.LastRound - deposit.Round
		}
		if deposit.Confirmations >= deposit.RequiredConfirmations {
			deposit.Status = types.DepositConfirmed
		}
	} else {
		m.logger.Warn("could not refresh confirmations for recovered deposit", "txID", deposit.TxID, "error", err)
		deposit.Confirmations = 0
	}

	m.mu.Lock()
	m.deposits[deposit.TxID] = deposit
	m.mu.Unlock()

	if err := m.store.UpsertDeposit(ctx, depositRecord(deposit)); err != nil {
		m.logger.Warn("failed to persist recovered deposit", "txID", deposit.TxID, "error", err)
	}
	m.metrics.DepositsDetected.Inc()
	m.logger.Info("recovered deposit after registration retry", "txID", deposit.TxID, "confirmations", deposit.Confirmations)
}

// MarkRegistrationFailed records a deposit whose registration retries were
// exhausted so status queries surface it. The retry queue keeps its entry
// parked for operator recovery; real money never vanishes silently.
func (m *DepositMonitor) MarkRegistrationFailed(ctx context.Context, deposit PendingDeposit) {
	deposit.Status = types.DepositFailed

	m.mu.Lock()
	m.deposits[deposit.TxID] = deposit
	m.mu.Unlock()

	if err := m.store.UpsertDeposit(ctx, depositRecord(deposit)); err != nil {
		m.logger.Warn("failed to persist failed deposit", "txID", deposit.TxID, "error", err)
	}
}

// MarkMinted evicts a deposit after a successful mint and adds its
// transaction id to the processed set.
func (m *DepositMonitor) MarkMinted(ctx context.Context, txID string) {
	m.mu.Lock()
	deposit, tracked := m.deposits[txID]
	delete(m.deposits, txID)
	m.processed[txID] = struct{}{}
	m.mu.Unlock()

	if err := m.store.MarkProcessed(ctx, txID); err != nil {
		m.logger.Warn("failed to persist processed marker", "txID", txID, "error", err)
	}
	if tracked {
		if err := m.store.UpdateDepositStatus(ctx, txID, string(types.DepositMinted), deposit.Confirmations); err != nil {
			m.logger.Warn("failed to persist minted status", "txID", txID, "error", err)
		}
	}
	m.metrics.DepositsMinted.Inc()
}

// MarkExternallyProcessed records a transaction id consumed by the verified
// swap path so the polling loop never tries to register it as a deposit.
func (m *DepositMonitor) MarkExternallyProcessed(ctx context.Context, txID string) {
	m.mu.Lock()
	delete(m.deposits, txID)
	m.processed[txID] = struct{}{}
	m.mu.Unlock()

	if err := m.store.MarkProcessed(ctx, txID); err != nil {
		m.logger.Warn("failed to persist processed marker", "txID", txID, "error", err)
	}
}

// DepositStatus returns a copy of the tracked deposit for a transaction id.
func (m *DepositMonitor) DepositStatus(txID string) (PendingDeposit, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	deposit, ok := m.deposits[txID]
	return deposit, ok
}

// IsProcessed reports whether the monitor has already consumed the id.
func (m *DepositMonitor) IsProcessed(txID string) bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	_, ok := m.processed[txID]
	return ok
}

// PendingForUser returns every tracked deposit for a user identity.
func (m *DepositMonitor) PendingForUser(user string) []PendingDeposit {
	m.mu.RLock()
	defer m.mu.RUnlock()

	deposits := make([]PendingDeposit, 0)
	for _, deposit := range m.deposits {
		if deposit.User == user {
			deposits = append(deposits, deposit)
		}
	}
	return deposits
}

// Stats summarises monitor state for the health endpoint.
func (m *DepositMonitor) Stats() MonitorStats {
	m.mu.RLock()
	defer m.mu.RUnlock()

	stats := MonitorStats{
		RegisteredAddresses: len(m.mappings),
		TrackedDeposits:     len(m.deposits),
		RetryQueueDepth:     m.retry.Depth(),
	}
	for _, deposit := range m.deposits {
		switch deposit.Status {
		case types.DepositPending:
			stats.PendingDeposits++
		case types.DepositConfirmed:
			stats.ConfirmedDeposits++
		case types.DepositFailed:
			stats.FailedDeposits++
		}
	}
	return stats
}

// evictStale drops failed and confirmed-but-unminted deposits past the
// retention window. The audit record and the processed set survive in the
// store; only the in-memory entry goes away.
func (m *DepositMonitor) evictStale() {
	cutoff := m.now().Add(-m.tuning.Retention())

	m.mu.Lock()
	defer m.mu.Unlock()
	for txID, deposit := range m.deposits {
		if deposit.Status == types.DepositPending {
			continue
		}
		if deposit.DetectedAt.Before(cutoff) {
			delete(m.deposits, txID)
			m.logger.Info("evicted stale deposit", "txID", txID, "status", deposit.Status)
		}
	}
}

func depositRecord(deposit PendingDeposit) models.Deposit {
	return models.Deposit{
		TxID:                  deposit.TxID,
		User:                  deposit.User,
		CustodyAddress:        deposit.CustodyAddress,
		Sender:                deposit.Sender,
		Amount:                deposit.Amount,
		Round:                 deposit.Round,
		Confirmations:         deposit.Confirmations,
		RequiredConfirmations: deposit.RequiredConfirmations,
		Status:                string(deposit.Status),
		DetectedAt:            deposit.DetectedAt.Unix(),
	}
}

package bridge

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/sippar-network/ck-bridge-api/algorand"
	"github.com/sippar-network/ck-bridge-api/database/models"
	"github.com/sippar-network/ck-bridge-api/types"
)

// fakeClock is a manually advanced clock shared by the components under test.
type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{now: time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

type fakeLedger struct {
	mu           sync.Mutex
	status       algorand.NetworkStatus
	statusErr    error
	accounts     map[string]algorand.AccountInfo
	accountErrs  map[string]error
	transfers    map[string][]algorand.Transfer
	transferErrs map[string]error
	transferByID map[string]algorand.Transfer
}

func newFakeLedger() *fakeLedger {
	return &fakeLedger{
		status:       algorand.NetworkStatus{LastRound: 100, GenesisID: "mainnet-v1.0"},
		accounts:     make(map[string]algorand.AccountInfo),
		accountErrs:  make(map[string]error),
		transfers:    make(map[string][]algorand.Transfer),
		transferErrs: make(map[string]error),
		transferByID: make(map[string]algorand.Transfer),
	}
}

func (l *fakeLedger) setRound(round uint64) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.status.LastRound = round
}

func (l *fakeLedger) addTransfer(address string, transfer algorand.Transfer) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.transfers[address] = append(l.transfers[address], transfer)
	l.transferByID[transfer.ID] = transfer
}

func (l *fakeLedger) setBalance(address string, balance uint64) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.accounts[address] = algorand.AccountInfo{Address: address, Balance: balance, Exists: true}
}

func (l *fakeLedger) Status(ctx context.Context) (algorand.NetworkStatus, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.statusErr != nil {
		return algorand.NetworkStatus{}, l.statusErr
	}
	return l.status, nil
}

func (l *fakeLedger) AccountInfo(ctx context.Context, address string) (algorand.AccountInfo, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if err := l.accountErrs[address]; err != nil {
		return algorand.AccountInfo{}, err
	}
	info, ok := l.accounts[address]
	if !ok {
		return algorand.AccountInfo{Address: address}, nil
	}
	return info, nil
}

func (l *fakeLedger) TransfersSince(ctx context.Context, address string, checkpoint uint64) ([]algorand.Transfer, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if err := l.transferErrs[address]; err != nil {
		return nil, err
	}
	var out []algorand.Transfer
	for _, transfer := range l.transfers[address] {
		if transfer.ConfirmedRound > checkpoint {
			out = append(out, transfer)
		}
	}
	return out, nil
}

func (l *fakeLedger) TransferByID(ctx context.Context, txID string) (algorand.Transfer, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	transfer, ok := l.transferByID[txID]
	if !ok {
		return algorand.Transfer{}, fmt.Errorf("%w: %s", algorand.ErrNotFound, txID)
	}
	return transfer, nil
}

type registeredDeposit struct {
	user                  string
	amount                uint64
	custodyAddress        string
	requiredConfirmations uint64
}

type fakeMinting struct {
	mu            sync.Mutex
	processed     map[string]bool
	registered    map[string]registeredDeposit
	confirmations map[string]uint64
	custody       map[string]string
	supply        uint64
	supplyErr     error

	registerErr       error
	registerFailures  int // fail this many register calls, then succeed
	registerCalls     int
	mintErr           error
	mintCalls         int
	processedCheckErr error
	healthReports     []bool
	onSupply          func() // observes state mid-snapshot
}

func newFakeMinting() *fakeMinting {
	return &fakeMinting{
		processed:     make(map[string]bool),
		registered:    make(map[string]registeredDeposit),
		confirmations: make(map[string]uint64),
		custody:       make(map[string]string),
	}
}

func (m *fakeMinting) RegisterCustodyAddress(ctx context.Context, address, user string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.custody[address] = user
	return nil
}

func (m *fakeMinting) IsDepositProcessed(ctx context.Context, txID string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.processedCheckErr != nil {
		return false, m.processedCheckErr
	}
	return m.processed[txID], nil
}

func (m *fakeMinting) RegisterPendingDeposit(ctx context.Context, user, txID string, amount uint64, custodyAddress string, requiredConfirmations uint64) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.registerCalls++
	if m.registerFailures > 0 {
		m.registerFailures--
		return fmt.Errorf("%w: gateway unavailable", types.ErrTransientRemote)
	}
	if m.registerErr != nil {
		return m.registerErr
	}
	if _, dup := m.registered[txID]; dup {
		return fmt.Errorf("%w: %s", types.ErrRegistrationConflict, txID)
	}
	m.registered[txID] = registeredDeposit{
		user:                  user,
		amount:                amount,
		custodyAddress:        custodyAddress,
		requiredConfirmations: requiredConfirmations,
	}
	return nil
}

func (m *fakeMinting) UpdateConfirmations(ctx context.Context, txID string, confirmations uint64) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.confirmations[txID] = confirmations
	return nil
}

func (m *fakeMinting) MintAfterConfirmed(ctx context.Context, txID string) (types.MintReceipt, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.mintCalls++
	if m.mintErr != nil {
		return types.MintReceipt{}, m.mintErr
	}
	record, ok := m.registered[txID]
	if !ok {
		return types.MintReceipt{}, fmt.Errorf("%w: %s", types.ErrDepositNotFound, txID)
	}
	m.processed[txID] = true
	m.supply += record.amount
	return types.MintReceipt{TxID: "mint-" + txID, Amount: record.amount, BlockIndex: 42}, nil
}

func (m *fakeMinting) MintWithVerifiedAmount(ctx context.Context, user string, amount uint64, txID string, minOut *uint64) (types.MintReceipt, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.mintCalls++
	if m.mintErr != nil {
		return types.MintReceipt{}, m.mintErr
	}
	if m.processed[txID] {
		return types.MintReceipt{}, fmt.Errorf("%w: %s", types.ErrReplay, txID)
	}
	m.processed[txID] = true
	m.supply += amount
	return types.MintReceipt{TxID: "mint-" + txID, Amount: amount, BlockIndex: 42}, nil
}

func (m *fakeMinting) TotalSupply(ctx context.Context) (uint64, error) {
	m.mu.Lock()
	hook := m.onSupply
	supply := m.supply
	supplyErr := m.supplyErr
	m.mu.Unlock()

	if hook != nil {
		hook()
	}
	if supplyErr != nil {
		return 0, supplyErr
	}
	return supply, nil
}

func (m *fakeMinting) SetReserveHealth(ctx context.Context, healthy bool) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.healthReports = append(m.healthReports, healthy)
	return nil
}

type fakeDeriver struct {
	mu        sync.Mutex
	addresses map[string]string
	calls     int
	err       error
	delay     time.Duration
}

func newFakeDeriver() *fakeDeriver {
	return &fakeDeriver{addresses: make(map[string]string)}
}

func (d *fakeDeriver) DeriveAddress(ctx context.Context, user string) (types.DerivedAddress, error) {
	d.mu.Lock()
	d.calls++
	err := d.err
	address, ok := d.addresses[user]
	delay := d.delay
	d.mu.Unlock()

	if delay > 0 {
		time.Sleep(delay)
	}
	if err != nil {
		return types.DerivedAddress{}, err
	}
	if !ok {
		address = "CUSTODY" + user
	}
	return types.DerivedAddress{Address: address, PublicKey: []byte(user)}, nil
}

type fakeStore struct {
	mu            sync.Mutex
	deposits      map[string]models.Deposit
	processed     map[string]struct{}
	failed        map[string]models.FailedRegistration
	pauseEvents   []models.PauseEvent
	processedErr  error
	loadProcessed []string
}

func newFakeStore() *fakeStore {
	return &fakeStore{
		deposits:  make(map[string]models.Deposit),
		processed: make(map[string]struct{}),
		failed:    make(map[string]models.FailedRegistration),
	}
}

func (s *fakeStore) UpsertDeposit(ctx context.Context, deposit models.Deposit) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.deposits[deposit.TxID] = deposit
	return nil
}

func (s *fakeStore) UpdateDepositStatus(ctx context.Context, txID, status string, confirmations uint64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	deposit, ok := s.deposits[txID]
	if !ok {
		return fmt.Errorf("no deposit found with txID: %s", txID)
	}
	deposit.Status = status
	deposit.Confirmations = confirmations
	s.deposits[txID] = deposit
	return nil
}

func (s *fakeStore) MarkProcessed(ctx context.Context, txID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.processedErr != nil {
		return s.processedErr
	}
	s.processed[txID] = struct{}{}
	return nil
}

func (s *fakeStore) LoadProcessedTxIDs(ctx context.Context) ([]string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]string(nil), s.loadProcessed...), nil
}

func (s *fakeStore) UpsertFailedRegistration(ctx context.Context, record models.FailedRegistration) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.failed[record.TxID] = record
	return nil
}

func (s *fakeStore) DeleteFailedRegistration(ctx context.Context, txID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.failed, txID)
	return nil
}

func (s *fakeStore) ListFailedRegistrations(ctx context.Context) ([]models.FailedRegistration, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]models.FailedRegistration, 0, len(s.failed))
	for _, record := range s.failed {
		out = append(out, record)
	}
	return out, nil
}

func (s *fakeStore) InsertPauseEvent(ctx context.Context, event models.PauseEvent) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.pauseEvents = append(s.pauseEvents, event)
	return nil
}

func (s *fakeStore) isProcessed(txID string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.processed[txID]
	return ok
}

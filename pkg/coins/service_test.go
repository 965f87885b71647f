package coins

import (
	"context"
	"errors"
	"sync"
	"testing"
)

func TestChargeCreditsBalanceAndLedgersEntry(test *testing.T) {
	test.Parallel()
	store := newStubStore(map[string]int64{"acct-1": 100})
	service := mustNewService(test, store)
	accountID := mustAccountID(test, "acct-1")
	amount := mustCoinAmount(test, 50)

	entry, err := service.Charge(context.Background(), accountID, amount, "top-up")
	if err != nil {
		test.Fatalf("charge: %v", err)
	}
	if store.balance("acct-1") != 150 {
		test.Fatalf("expected balance 150, got %d", store.balance("acct-1"))
	}
	if entry.Type != EntryCharge {
		test.Fatalf("expected charge entry, got %s", entry.Type)
	}
	if entry.Amount != amount {
		test.Fatalf("expected amount 50, got %d", entry.Amount)
	}
	if entry.BalanceBefore != 100 || entry.BalanceAfter != 150 {
		test.Fatalf("expected before=100 after=150, got before=%d after=%d", entry.BalanceBefore, entry.BalanceAfter)
	}
	if entry.EntryID == "" {
		test.Fatalf("expected generated entry id")
	}
}

func TestDeductInsufficientBalanceLeavesBalanceUntouched(test *testing.T) {
	test.Parallel()
	store := newStubStore(map[string]int64{"acct-1": 100})
	service := mustNewService(test, store)
	accountID := mustAccountID(test, "acct-1")
	amount := mustCoinAmount(test, 150)

	_, err := service.Deduct(context.Background(), accountID, amount, "booking-1", "escrow hold")
	if !errors.Is(err, ErrInsufficientBalance) {
		test.Fatalf("expected ErrInsufficientBalance, got %v", err)
	}
	if store.balance("acct-1") != 100 {
		test.Fatalf("expected balance unchanged at 100, got %d", store.balance("acct-1"))
	}
	if len(store.allEntries()) != 0 {
		test.Fatalf("expected no ledger entry on failed deduct, got %d", len(store.allEntries()))
	}
}

func TestDeductRecordsNegativeMovement(test *testing.T) {
	test.Parallel()
	store := newStubStore(map[string]int64{"acct-1": 100})
	service := mustNewService(test, store)
	accountID := mustAccountID(test, "acct-1")
	amount := mustCoinAmount(test, 40)

	entry, err := service.Deduct(context.Background(), accountID, amount, "booking-7", "escrow hold")
	if err != nil {
		test.Fatalf("deduct: %v", err)
	}
	if store.balance("acct-1") != 60 {
		test.Fatalf("expected balance 60, got %d", store.balance("acct-1"))
	}
	if entry.BalanceBefore != 100 || entry.BalanceAfter != 60 {
		test.Fatalf("unexpected snapshot: before=%d after=%d", entry.BalanceBefore, entry.BalanceAfter)
	}
	if entry.RelatedType != relatedTypeBooking || entry.RelatedRef != "booking-7" {
		test.Fatalf("unexpected related reference: %s/%s", entry.RelatedType, entry.RelatedRef)
	}
}

func TestPayoutAndRefundCredit(test *testing.T) {
	test.Parallel()
	store := newStubStore(map[string]int64{"provider": 0, "requester": 0})
	service := mustNewService(test, store)
	provider := mustAccountID(test, "provider")
	requester := mustAccountID(test, "requester")
	amount := mustCoinAmount(test, 40)

	payoutEntry, err := service.Payout(context.Background(), provider, amount, "booking-9", "escrow payout")
	if err != nil {
		test.Fatalf("payout: %v", err)
	}
	if payoutEntry.Type != EntryPayout || store.balance("provider") != 40 {
		test.Fatalf("unexpected payout result: type=%s balance=%d", payoutEntry.Type, store.balance("provider"))
	}

	refundEntry, err := service.Refund(context.Background(), requester, amount, "booking-10", "escrow refund")
	if err != nil {
		test.Fatalf("refund: %v", err)
	}
	if refundEntry.Type != EntryRefund || store.balance("requester") != 40 {
		test.Fatalf("unexpected refund result: type=%s balance=%d", refundEntry.Type, store.balance("requester"))
	}
}

func TestChargeCreatesMissingAccount(test *testing.T) {
	test.Parallel()
	store := newStubStore(nil)
	service := mustNewService(test, store)
	accountID := mustAccountID(test, "fresh")

	entry, err := service.Charge(context.Background(), accountID, mustCoinAmount(test, 25), "first top-up")
	if err != nil {
		test.Fatalf("charge: %v", err)
	}
	if entry.BalanceBefore != 0 || entry.BalanceAfter != 25 {
		test.Fatalf("expected before=0 after=25, got before=%d after=%d", entry.BalanceBefore, entry.BalanceAfter)
	}
}

func TestBalanceReadsCommittedValue(test *testing.T) {
	test.Parallel()
	store := newStubStore(map[string]int64{"acct-1": 70})
	service := mustNewService(test, store)
	accountID := mustAccountID(test, "acct-1")

	balance, err := service.Balance(context.Background(), accountID)
	if err != nil {
		test.Fatalf("balance: %v", err)
	}
	if balance != 70 {
		test.Fatalf("expected balance 70, got %d", balance)
	}
}

func TestHistoryNormalizesLimit(test *testing.T) {
	test.Parallel()
	store := newStubStore(map[string]int64{"acct-1": 0})
	service := mustNewService(test, store)
	accountID := mustAccountID(test, "acct-1")

	if _, err := service.History(context.Background(), accountID, 0, 0); err != nil {
		test.Fatalf("history: %v", err)
	}
	if store.lastListLimit != defaultHistoryLimit {
		test.Fatalf("expected default limit %d, got %d", defaultHistoryLimit, store.lastListLimit)
	}
	if _, err := service.History(context.Background(), accountID, 0, maxHistoryLimit+100); err != nil {
		test.Fatalf("history: %v", err)
	}
	if store.lastListLimit != maxHistoryLimit {
		test.Fatalf("expected capped limit %d, got %d", maxHistoryLimit, store.lastListLimit)
	}
}

func TestConcurrentChargesLoseNoUpdates(test *testing.T) {
	test.Parallel()
	store := newStubStore(map[string]int64{"acct-1": 0})
	service := mustNewService(test, store)
	accountID := mustAccountID(test, "acct-1")
	amount := mustCoinAmount(test, 10)

	const workers = 50
	var waitGroup sync.WaitGroup
	waitGroup.Add(workers)
	for i := 0; i < workers; i++ {
		go func() {
			defer waitGroup.Done()
			if _, err := service.Charge(context.Background(), accountID, amount, "concurrent top-up"); err != nil {
				test.Errorf("charge: %v", err)
			}
		}()
	}
	waitGroup.Wait()

	if store.balance("acct-1") != workers*10 {
		test.Fatalf("expected balance %d, got %d", workers*10, store.balance("acct-1"))
	}
	if got := len(store.allEntries()); got != workers {
		test.Fatalf("expected %d ledger entries, got %d", workers, got)
	}
}

func TestLedgerEntriesReconstructBalance(test *testing.T) {
	test.Parallel()
	store := newStubStore(map[string]int64{"acct-1": 0})
	service := mustNewService(test, store)
	accountID := mustAccountID(test, "acct-1")

	if _, err := service.Charge(context.Background(), accountID, mustCoinAmount(test, 100), "top-up"); err != nil {
		test.Fatalf("charge: %v", err)
	}
	if _, err := service.Deduct(context.Background(), accountID, mustCoinAmount(test, 30), "booking-1", "hold"); err != nil {
		test.Fatalf("deduct: %v", err)
	}
	if _, err := service.Refund(context.Background(), accountID, mustCoinAmount(test, 30), "booking-1", "refund"); err != nil {
		test.Fatalf("refund: %v", err)
	}

	var sum int64
	previousAfter := int64(0)
	for _, entry := range store.allEntries() {
		if entry.BalanceBefore != previousAfter {
			test.Fatalf("entry chain broken: before=%d, previous after=%d", entry.BalanceBefore, previousAfter)
		}
		sum += entry.Type.SignedAmount(entry.Amount)
		previousAfter = entry.BalanceAfter
	}
	if sum != store.balance("acct-1") {
		test.Fatalf("ledger sum %d does not match balance %d", sum, store.balance("acct-1"))
	}
}

func TestMutationRetriesConcurrencyConflicts(test *testing.T) {
	test.Parallel()
	store := newStubStore(map[string]int64{"acct-1": 0})
	store.conflictsRemaining = maxConflictRetries - 1
	service := mustNewService(test, store)
	accountID := mustAccountID(test, "acct-1")

	if _, err := service.Charge(context.Background(), accountID, mustCoinAmount(test, 10), "retry"); err != nil {
		test.Fatalf("expected retries to absorb conflicts, got %v", err)
	}
	if store.balance("acct-1") != 10 {
		test.Fatalf("expected balance 10, got %d", store.balance("acct-1"))
	}
}

func TestMutationSurfacesExhaustedConflicts(test *testing.T) {
	test.Parallel()
	store := newStubStore(map[string]int64{"acct-1": 0})
	store.conflictsRemaining = maxConflictRetries + 1
	service := mustNewService(test, store)
	accountID := mustAccountID(test, "acct-1")

	_, err := service.Charge(context.Background(), accountID, mustCoinAmount(test, 10), "retry")
	if !errors.Is(err, ErrConcurrencyConflict) {
		test.Fatalf("expected ErrConcurrencyConflict, got %v", err)
	}
	if store.txCount != maxConflictRetries {
		test.Fatalf("expected %d attempts, got %d", maxConflictRetries, store.txCount)
	}
}

func TestBusinessFailuresAreNotRetried(test *testing.T) {
	test.Parallel()
	store := newStubStore(map[string]int64{"acct-1": 5})
	service := mustNewService(test, store)
	accountID := mustAccountID(test, "acct-1")

	_, err := service.Deduct(context.Background(), accountID, mustCoinAmount(test, 10), "booking-1", "hold")
	if !errors.Is(err, ErrInsufficientBalance) {
		test.Fatalf("expected ErrInsufficientBalance, got %v", err)
	}
	if store.txCount != 1 {
		test.Fatalf("expected a single attempt, got %d", store.txCount)
	}
}

func TestNewServiceRequiresDependencies(test *testing.T) {
	test.Parallel()
	_, err := NewService(nil, func() int64 { return 0 })
	if !errors.Is(err, ErrInvalidServiceConfig) {
		test.Fatalf("expected invalid service config error, got %v", err)
	}
	_, err = NewService(newStubStore(nil), nil)
	if !errors.Is(err, ErrInvalidServiceConfig) {
		test.Fatalf("expected invalid service config error, got %v", err)
	}
}

// stubStore is an in-memory Store. WithTx serializes transactions behind one
// mutex and rolls the data back when fn fails, mirroring the all-or-nothing
// contract of the real stores.
type stubStore struct {
	mu                 sync.Mutex
	balances           map[string]int64
	entries            []LedgerEntry
	escrows            map[string]Escrow
	idempotencyKeys    map[string]struct{}
	conflictsRemaining int
	txCount            int
	lastListLimit      int
}

func newStubStore(initialBalances map[string]int64) *stubStore {
	balances := make(map[string]int64, len(initialBalances))
	for accountID, balance := range initialBalances {
		balances[accountID] = balance
	}
	return &stubStore{
		balances:        balances,
		escrows:         make(map[string]Escrow),
		idempotencyKeys: make(map[string]struct{}),
	}
}

func (store *stubStore) WithTx(ctx context.Context, fn func(ctx context.Context, txStore Store) error) error {
	store.mu.Lock()
	defer store.mu.Unlock()
	store.txCount++
	if store.conflictsRemaining > 0 {
		store.conflictsRemaining--
		return ErrConcurrencyConflict
	}
	transaction := &stubTx{store: store, snapshot: store.snapshot()}
	if err := fn(ctx, transaction); err != nil {
		transaction.rollback()
		return err
	}
	return nil
}

func (store *stubStore) EnsureAccount(ctx context.Context, accountID string) error {
	store.mu.Lock()
	defer store.mu.Unlock()
	return (&stubTx{store: store}).EnsureAccount(ctx, accountID)
}

func (store *stubStore) ApplyDelta(ctx context.Context, accountID string, delta int64) (int64, int64, error) {
	store.mu.Lock()
	defer store.mu.Unlock()
	return (&stubTx{store: store}).ApplyDelta(ctx, accountID, delta)
}

func (store *stubStore) GetBalance(ctx context.Context, accountID string) (int64, error) {
	store.mu.Lock()
	defer store.mu.Unlock()
	return store.balances[accountID], nil
}

func (store *stubStore) InsertEntry(ctx context.Context, entry LedgerEntry) error {
	store.mu.Lock()
	defer store.mu.Unlock()
	return (&stubTx{store: store}).InsertEntry(ctx, entry)
}

func (store *stubStore) ListEntries(ctx context.Context, accountID string, beforeUnixUTC int64, limit int) ([]LedgerEntry, error) {
	store.mu.Lock()
	defer store.mu.Unlock()
	return (&stubTx{store: store}).ListEntries(ctx, accountID, beforeUnixUTC, limit)
}

func (store *stubStore) CreateEscrow(ctx context.Context, escrow Escrow) error {
	store.mu.Lock()
	defer store.mu.Unlock()
	return (&stubTx{store: store}).CreateEscrow(ctx, escrow)
}

func (store *stubStore) GetEscrowForUpdate(ctx context.Context, bookingRef string) (Escrow, error) {
	store.mu.Lock()
	defer store.mu.Unlock()
	return (&stubTx{store: store}).GetEscrowForUpdate(ctx, bookingRef)
}

func (store *stubStore) UpdateEscrowStatus(ctx context.Context, bookingRef string, from, to EscrowStatus, atUnixUTC int64) error {
	store.mu.Lock()
	defer store.mu.Unlock()
	return (&stubTx{store: store}).UpdateEscrowStatus(ctx, bookingRef, from, to, atUnixUTC)
}

func (store *stubStore) balance(accountID string) int64 {
	store.mu.Lock()
	defer store.mu.Unlock()
	return store.balances[accountID]
}

func (store *stubStore) allEntries() []LedgerEntry {
	store.mu.Lock()
	defer store.mu.Unlock()
	return append([]LedgerEntry(nil), store.entries...)
}

func (store *stubStore) escrow(test *testing.T, bookingRef string) Escrow {
	test.Helper()
	store.mu.Lock()
	defer store.mu.Unlock()
	escrow, ok := store.escrows[bookingRef]
	if !ok {
		test.Fatalf("escrow %s not found", bookingRef)
	}
	return escrow
}

func (store *stubStore) hasEscrow(bookingRef string) bool {
	store.mu.Lock()
	defer store.mu.Unlock()
	_, ok := store.escrows[bookingRef]
	return ok
}

type stubSnapshot struct {
	balances        map[string]int64
	entries         []LedgerEntry
	escrows         map[string]Escrow
	idempotencyKeys map[string]struct{}
}

func (store *stubStore) snapshot() stubSnapshot {
	balances := make(map[string]int64, len(store.balances))
	for accountID, balance := range store.balances {
		balances[accountID] = balance
	}
	escrows := make(map[string]Escrow, len(store.escrows))
	for bookingRef, escrow := range store.escrows {
		escrows[bookingRef] = escrow
	}
	idempotencyKeys := make(map[string]struct{}, len(store.idempotencyKeys))
	for key := range store.idempotencyKeys {
		idempotencyKeys[key] = struct{}{}
	}
	return stubSnapshot{
		balances:        balances,
		entries:         append([]LedgerEntry(nil), store.entries...),
		escrows:         escrows,
		idempotencyKeys: idempotencyKeys,
	}
}

// stubTx mutates stubStore data directly; WithTx already holds the lock.
type stubTx struct {
	store    *stubStore
	snapshot stubSnapshot
}

func (transaction *stubTx) rollback() {
	transaction.store.balances = transaction.snapshot.balances
	transaction.store.entries = transaction.snapshot.entries
	transaction.store.escrows = transaction.snapshot.escrows
	transaction.store.idempotencyKeys = transaction.snapshot.idempotencyKeys
}

func (transaction *stubTx) WithTx(ctx context.Context, fn func(ctx context.Context, txStore Store) error) error {
	return fn(ctx, transaction)
}

func (transaction *stubTx) EnsureAccount(ctx context.Context, accountID string) error {
	if _, ok := transaction.store.balances[accountID]; !ok {
		transaction.store.balances[accountID] = 0
	}
	return nil
}

func (transaction *stubTx) ApplyDelta(ctx context.Context, accountID string, delta int64) (int64, int64, error) {
	balanceBefore := transaction.store.balances[accountID]
	balanceAfter := balanceBefore + delta
	if balanceAfter < 0 {
		return 0, 0, ErrInsufficientBalance
	}
	transaction.store.balances[accountID] = balanceAfter
	return balanceBefore, balanceAfter, nil
}

func (transaction *stubTx) GetBalance(ctx context.Context, accountID string) (int64, error) {
	return transaction.store.balances[accountID], nil
}

func (transaction *stubTx) InsertEntry(ctx context.Context, entry LedgerEntry) error {
	if _, exists := transaction.store.idempotencyKeys[entry.AccountID+"/"+entry.IdempotencyKey]; exists {
		return ErrDuplicateEntry
	}
	transaction.store.idempotencyKeys[entry.AccountID+"/"+entry.IdempotencyKey] = struct{}{}
	transaction.store.entries = append(transaction.store.entries, entry)
	return nil
}

func (transaction *stubTx) ListEntries(ctx context.Context, accountID string, beforeUnixUTC int64, limit int) ([]LedgerEntry, error) {
	transaction.store.lastListLimit = limit
	entries := make([]LedgerEntry, 0, limit)
	for i := len(transaction.store.entries) - 1; i >= 0 && len(entries) < limit; i-- {
		if transaction.store.entries[i].AccountID == accountID {
			entries = append(entries, transaction.store.entries[i])
		}
	}
	return entries, nil
}

func (transaction *stubTx) CreateEscrow(ctx context.Context, escrow Escrow) error {
	if _, exists := transaction.store.escrows[escrow.BookingRef]; exists {
		return ErrEscrowExists
	}
	transaction.store.escrows[escrow.BookingRef] = escrow
	return nil
}

func (transaction *stubTx) GetEscrowForUpdate(ctx context.Context, bookingRef string) (Escrow, error) {
	escrow, ok := transaction.store.escrows[bookingRef]
	if !ok {
		return Escrow{}, ErrEscrowNotFound
	}
	return escrow, nil
}

func (transaction *stubTx) UpdateEscrowStatus(ctx context.Context, bookingRef string, from, to EscrowStatus, atUnixUTC int64) error {
	escrow, ok := transaction.store.escrows[bookingRef]
	if !ok {
		return ErrEscrowNotFound
	}
	if escrow.Status != from {
		return ErrInvalidEscrowState
	}
	escrow.Status = to
	switch to {
	case EscrowStatusReleased:
		escrow.ReleasedUnixUTC = atUnixUTC
	case EscrowStatusRefunded:
		escrow.RefundedUnixUTC = atUnixUTC
	}
	transaction.store.escrows[bookingRef] = escrow
	return nil
}

func mustNewService(test *testing.T, store Store) *Service {
	test.Helper()
	service, err := NewService(store, func() int64 { return 100 })
	if err != nil {
		test.Fatalf("new service: %v", err)
	}
	return service
}

func mustNewManager(test *testing.T, store Store) *EscrowManager {
	test.Helper()
	manager, err := NewEscrowManager(store, func() int64 { return 100 })
	if err != nil {
		test.Fatalf("new escrow manager: %v", err)
	}
	return manager
}

func mustAccountID(test *testing.T, raw string) AccountID {
	test.Helper()
	value, err := NewAccountID(raw)
	if err != nil {
		test.Fatalf("account id: %v", err)
	}
	return value
}

func mustBookingRef(test *testing.T, raw string) BookingRef {
	test.Helper()
	value, err := NewBookingRef(raw)
	if err != nil {
		test.Fatalf("booking ref: %v", err)
	}
	return value
}

func mustCoinAmount(test *testing.T, raw int64) CoinAmount {
	test.Helper()
	value, err := NewCoinAmount(raw)
	if err != nil {
		test.Fatalf("coin amount: %v", err)
	}
	return value
}

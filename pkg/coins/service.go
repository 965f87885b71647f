package coins

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"
)

// Service contains the coin ledger domain logic over a Store. It is the only
// component that mutates account balances, and every mutation funnels through
// applyMutation so the balance change and its ledger entry commit as one unit.
type Service struct {
	store  Store
	nowFn  func() int64
	logger OperationLogger
}

// NewService wires a Service.
func NewService(store Store, now func() int64, options ...ServiceOption) (*Service, error) {
	if store == nil {
		return nil, fmt.Errorf("%w: store dependency is nil", ErrInvalidServiceConfig)
	}
	if now == nil {
		return nil, fmt.Errorf("%w: clock dependency is nil", ErrInvalidServiceConfig)
	}
	service := &Service{store: store, nowFn: now}
	for _, option := range options {
		if option != nil {
			option(service)
		}
	}
	return service, nil
}

// Charge credits a top-up to the account.
func (service *Service) Charge(ctx context.Context, accountID AccountID, amount CoinAmount, description string) (LedgerEntry, error) {
	entry, operationError := service.mutate(ctx, accountID, EntryCharge, amount, "", uuid.NewString(), description)
	service.logOperation(ctx, OperationLog{
		Operation: operationCharge,
		AccountID: accountID.String(),
		Amount:    amount,
		Error:     operationError,
	})
	return entry, operationError
}

// Deduct debits the account, failing ErrInsufficientBalance when the
// balance would go negative.
func (service *Service) Deduct(ctx context.Context, accountID AccountID, amount CoinAmount, relatedRef string, description string) (LedgerEntry, error) {
	entry, operationError := service.mutate(ctx, accountID, EntryDeduct, amount, relatedRef, deductIdempotencyKey(relatedRef), description)
	service.logOperation(ctx, OperationLog{
		Operation:  operationDeduct,
		AccountID:  accountID.String(),
		BookingRef: relatedRef,
		Amount:     amount,
		Error:      operationError,
	})
	return entry, operationError
}

// Payout credits a provider when an escrow releases.
func (service *Service) Payout(ctx context.Context, accountID AccountID, amount CoinAmount, relatedRef string, description string) (LedgerEntry, error) {
	entry, operationError := service.mutate(ctx, accountID, EntryPayout, amount, relatedRef, payoutIdempotencyKey(relatedRef), description)
	service.logOperation(ctx, OperationLog{
		Operation:  operationPayout,
		AccountID:  accountID.String(),
		BookingRef: relatedRef,
		Amount:     amount,
		Error:      operationError,
	})
	return entry, operationError
}

// Refund returns held coins to a requester when an escrow is cancelled.
func (service *Service) Refund(ctx context.Context, accountID AccountID, amount CoinAmount, relatedRef string, description string) (LedgerEntry, error) {
	entry, operationError := service.mutate(ctx, accountID, EntryRefund, amount, relatedRef, refundIdempotencyKey(relatedRef), description)
	service.logOperation(ctx, OperationLog{
		Operation:  operationRefund,
		AccountID:  accountID.String(),
		BookingRef: relatedRef,
		Amount:     amount,
		Error:      operationError,
	})
	return entry, operationError
}

// Balance returns the current committed balance for the account.
// Missing accounts read as zero.
func (service *Service) Balance(ctx context.Context, accountID AccountID) (int64, error) {
	return service.store.GetBalance(ctx, accountID.String())
}

// History lists ledger entries for the account, newest first. A zero cutoff
// means "now"; limits outside [1, maxHistoryLimit] are normalized.
func (service *Service) History(ctx context.Context, accountID AccountID, beforeUnixUTC int64, limit int) ([]LedgerEntry, error) {
	if beforeUnixUTC == 0 {
		beforeUnixUTC = service.nowFn() + 1
	}
	if limit <= 0 {
		limit = defaultHistoryLimit
	}
	if limit > maxHistoryLimit {
		limit = maxHistoryLimit
	}
	return service.store.ListEntries(ctx, accountID.String(), beforeUnixUTC, limit)
}

func (service *Service) mutate(ctx context.Context, accountID AccountID, entryType EntryType, amount CoinAmount, relatedRef string, idempotencyKey string, description string) (LedgerEntry, error) {
	var created LedgerEntry
	operationError := withConflictRetry(ctx, service.store, func(ctx context.Context, txStore Store) error {
		entry, err := applyMutation(ctx, txStore, accountID, entryType, amount, relatedRef, idempotencyKey, description, service.nowFn())
		if err != nil {
			return err
		}
		created = entry
		return nil
	})
	if operationError != nil {
		return LedgerEntry{}, operationError
	}
	return created, nil
}

func (service *Service) logOperation(ctx context.Context, entry OperationLog) {
	if service.logger == nil {
		return
	}
	if entry.Status == "" {
		if entry.Error != nil {
			entry.Status = operationStatusError
		} else {
			entry.Status = operationStatusOK
		}
	}
	service.logger.LogOperation(ctx, entry)
}

// applyMutation performs one balance change and its ledger entry inside the
// supplied transaction store. ApplyDelta holds the account row exclusively for
// the whole read-modify-write, so the before/after snapshot it returns is the
// one the ledger entry records.
func applyMutation(ctx context.Context, txStore Store, accountID AccountID, entryType EntryType, amount CoinAmount, relatedRef string, idempotencyKey string, description string, nowUnixUTC int64) (LedgerEntry, error) {
	if err := txStore.EnsureAccount(ctx, accountID.String()); err != nil {
		return LedgerEntry{}, err
	}
	balanceBefore, balanceAfter, err := txStore.ApplyDelta(ctx, accountID.String(), entryType.SignedAmount(amount))
	if err != nil {
		return LedgerEntry{}, err
	}
	relatedType := ""
	if relatedRef != "" {
		relatedType = relatedTypeBooking
	}
	entry := LedgerEntry{
		EntryID:        uuid.NewString(),
		AccountID:      accountID.String(),
		Type:           entryType,
		Amount:         amount,
		BalanceBefore:  balanceBefore,
		BalanceAfter:   balanceAfter,
		RelatedType:    relatedType,
		RelatedRef:     relatedRef,
		IdempotencyKey: idempotencyKey,
		Description:    description,
		CreatedUnixUTC: nowUnixUTC,
	}
	if err := txStore.InsertEntry(ctx, entry); err != nil {
		return LedgerEntry{}, err
	}
	return entry, nil
}

// withConflictRetry reruns the transaction on lock-contention failures only.
func withConflictRetry(ctx context.Context, store Store, fn func(ctx context.Context, txStore Store) error) error {
	var lastError error
	for attempt := 0; attempt < maxConflictRetries; attempt++ {
		lastError = store.WithTx(ctx, fn)
		if !errors.Is(lastError, ErrConcurrencyConflict) {
			return lastError
		}
	}
	return lastError
}

func deductIdempotencyKey(relatedRef string) string {
	return escrowIdempotencyKey(relatedRef, idempotencySuffixDeduct)
}

func payoutIdempotencyKey(relatedRef string) string {
	return escrowIdempotencyKey(relatedRef, idempotencySuffixPayout)
}

func refundIdempotencyKey(relatedRef string) string {
	return escrowIdempotencyKey(relatedRef, idempotencySuffixRefund)
}

// escrowIdempotencyKey derives a stable per-booking key so a replayed escrow
// resolution can never write its ledger entry twice. Calls without a booking
// reference fall back to a random key.
func escrowIdempotencyKey(relatedRef string, suffix string) string {
	if relatedRef == "" {
		return uuid.NewString()
	}
	return relatedRef + idempotencyKeyDelimiter + suffix
}

package coins

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"
)

// EscrowManager owns the HOLD -> RELEASED / HOLD -> REFUNDED state machine
// tying a booking's held amount to the eventual payout or refund. Every coin
// movement it triggers goes through applyMutation so the movement is ledgered
// atomically with the escrow transition.
type EscrowManager struct {
	store  Store
	nowFn  func() int64
	logger OperationLogger
}

// NewEscrowManager wires an EscrowManager.
func NewEscrowManager(store Store, now func() int64, options ...ManagerOption) (*EscrowManager, error) {
	if store == nil {
		return nil, fmt.Errorf("%w: store dependency is nil", ErrInvalidServiceConfig)
	}
	if now == nil {
		return nil, fmt.Errorf("%w: clock dependency is nil", ErrInvalidServiceConfig)
	}
	manager := &EscrowManager{store: store, nowFn: now}
	for _, option := range options {
		if option != nil {
			option(manager)
		}
	}
	return manager, nil
}

// Create deducts the requester and opens the escrow in hold status as one
// transaction. If the deduction fails no escrow row exists.
func (manager *EscrowManager) Create(ctx context.Context, bookingRef BookingRef, requesterAccountID AccountID, providerAccountID AccountID, amount CoinAmount) (Escrow, error) {
	var created Escrow
	operationError := withConflictRetry(ctx, manager.store, func(ctx context.Context, txStore Store) error {
		_, err := txStore.GetEscrowForUpdate(ctx, bookingRef.String())
		if err == nil {
			return ErrEscrowExists
		}
		if !errors.Is(err, ErrEscrowNotFound) {
			return err
		}
		description := fmt.Sprintf("escrow hold for booking %s", bookingRef.String())
		if _, err := applyMutation(ctx, txStore, requesterAccountID, EntryDeduct, amount, bookingRef.String(), deductIdempotencyKey(bookingRef.String()), description, manager.nowFn()); err != nil {
			return err
		}
		escrow := Escrow{
			EscrowID:           uuid.NewString(),
			BookingRef:         bookingRef.String(),
			RequesterAccountID: requesterAccountID.String(),
			ProviderAccountID:  providerAccountID.String(),
			Amount:             amount,
			Status:             EscrowStatusHold,
			CreatedUnixUTC:     manager.nowFn(),
		}
		if err := txStore.CreateEscrow(ctx, escrow); err != nil {
			return err
		}
		created = escrow
		return nil
	})
	manager.logOperation(ctx, OperationLog{
		Operation:  operationCreate,
		AccountID:  requesterAccountID.String(),
		BookingRef: bookingRef.String(),
		Amount:     amount,
		Error:      operationError,
	})
	if operationError != nil {
		return Escrow{}, operationError
	}
	return created, nil
}

// Release pays the held amount out to the provider and closes the escrow.
// The escrow row is re-fetched under exclusive access before the hold check,
// so of two concurrent resolutions exactly one can proceed.
func (manager *EscrowManager) Release(ctx context.Context, bookingRef BookingRef) (Escrow, error) {
	var resolved Escrow
	var amount CoinAmount
	operationError := withConflictRetry(ctx, manager.store, func(ctx context.Context, txStore Store) error {
		escrow, err := txStore.GetEscrowForUpdate(ctx, bookingRef.String())
		if err != nil {
			return err
		}
		if escrow.Status != EscrowStatusHold {
			return ErrInvalidEscrowState
		}
		amount = escrow.Amount
		providerAccountID, err := NewAccountID(escrow.ProviderAccountID)
		if err != nil {
			return err
		}
		description := fmt.Sprintf("escrow payout for booking %s", bookingRef.String())
		if _, err := applyMutation(ctx, txStore, providerAccountID, EntryPayout, escrow.Amount, bookingRef.String(), payoutIdempotencyKey(bookingRef.String()), description, manager.nowFn()); err != nil {
			return err
		}
		releasedAt := manager.nowFn()
		if err := txStore.UpdateEscrowStatus(ctx, bookingRef.String(), EscrowStatusHold, EscrowStatusReleased, releasedAt); err != nil {
			return err
		}
		escrow.Status = EscrowStatusReleased
		escrow.ReleasedUnixUTC = releasedAt
		resolved = escrow
		return nil
	})
	manager.logOperation(ctx, OperationLog{
		Operation:  operationRelease,
		AccountID:  resolved.ProviderAccountID,
		BookingRef: bookingRef.String(),
		Amount:     amount,
		Error:      operationError,
	})
	if operationError != nil {
		return Escrow{}, operationError
	}
	return resolved, nil
}

// Refund returns the held amount to the requester and closes the escrow.
// Same exclusive-access and hold-check discipline as Release.
func (manager *EscrowManager) Refund(ctx context.Context, bookingRef BookingRef) (Escrow, error) {
	var resolved Escrow
	var amount CoinAmount
	operationError := withConflictRetry(ctx, manager.store, func(ctx context.Context, txStore Store) error {
		escrow, err := txStore.GetEscrowForUpdate(ctx, bookingRef.String())
		if err != nil {
			return err
		}
		if escrow.Status != EscrowStatusHold {
			return ErrInvalidEscrowState
		}
		amount = escrow.Amount
		requesterAccountID, err := NewAccountID(escrow.RequesterAccountID)
		if err != nil {
			return err
		}
		description := fmt.Sprintf("escrow refund for booking %s", bookingRef.String())
		if _, err := applyMutation(ctx, txStore, requesterAccountID, EntryRefund, escrow.Amount, bookingRef.String(), refundIdempotencyKey(bookingRef.String()), description, manager.nowFn()); err != nil {
			return err
		}
		refundedAt := manager.nowFn()
		if err := txStore.UpdateEscrowStatus(ctx, bookingRef.String(), EscrowStatusHold, EscrowStatusRefunded, refundedAt); err != nil {
			return err
		}
		escrow.Status = EscrowStatusRefunded
		escrow.RefundedUnixUTC = refundedAt
		resolved = escrow
		return nil
	})
	manager.logOperation(ctx, OperationLog{
		Operation:  operationCancel,
		AccountID:  resolved.RequesterAccountID,
		BookingRef: bookingRef.String(),
		Amount:     amount,
		Error:      operationError,
	})
	if operationError != nil {
		return Escrow{}, operationError
	}
	return resolved, nil
}

func (manager *EscrowManager) logOperation(ctx context.Context, entry OperationLog) {
	if manager.logger == nil {
		return
	}
	if entry.Status == "" {
		if entry.Error != nil {
			entry.Status = operationStatusError
		} else {
			entry.Status = operationStatusOK
		}
	}
	manager.logger.LogOperation(ctx, entry)
}

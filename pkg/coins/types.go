package coins

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
)

// CoinAmount is a strictly positive quantity of coins.
type CoinAmount int64

// AccountID identifies a coin account.
type AccountID struct {
	value string
}

// BookingRef identifies the booking an escrow is held against.
type BookingRef struct {
	value string
}

// MetadataJSON stores arbitrary audit context on a ledger entry.
type MetadataJSON struct {
	value string
}

// NewAccountID validates and normalizes an account id.
func NewAccountID(raw string) (AccountID, error) {
	trimmed := strings.TrimSpace(raw)
	if trimmed == "" {
		return AccountID{}, fmt.Errorf("%w: empty value", ErrInvalidAccountID)
	}
	return AccountID{value: trimmed}, nil
}

// String returns the normalized identifier.
func (id AccountID) String() string {
	return id.value
}

// NewBookingRef validates and normalizes a booking reference.
func NewBookingRef(raw string) (BookingRef, error) {
	trimmed := strings.TrimSpace(raw)
	if trimmed == "" {
		return BookingRef{}, fmt.Errorf("%w: empty value", ErrInvalidBookingRef)
	}
	return BookingRef{value: trimmed}, nil
}

// String returns the normalized reference.
func (ref BookingRef) String() string {
	return ref.value
}

// NewMetadataJSON validates metadata string (defaulting to "{}" for empty inputs).
func NewMetadataJSON(raw string) (MetadataJSON, error) {
	normalized := strings.TrimSpace(raw)
	if normalized == "" {
		normalized = "{}"
	}
	if !json.Valid([]byte(normalized)) {
		return MetadataJSON{}, fmt.Errorf("%w: must be valid json", ErrInvalidMetadataJSON)
	}
	return MetadataJSON{value: normalized}, nil
}

// String returns the normalized JSON blob.
func (metadata MetadataJSON) String() string {
	return metadata.value
}

// NewCoinAmount validates an amount and ensures it is strictly positive.
func NewCoinAmount(raw int64) (CoinAmount, error) {
	if raw <= 0 {
		return 0, fmt.Errorf("%w: must be greater than zero", ErrInvalidAmount)
	}
	return CoinAmount(raw), nil
}

// Int64 returns the raw coin count.
func (amount CoinAmount) Int64() int64 {
	return int64(amount)
}

// EntryType enumerates ledger entry kinds.
type EntryType string

const (
	EntryCharge EntryType = "charge"
	EntryDeduct EntryType = "deduct"
	EntryPayout EntryType = "payout"
	EntryRefund EntryType = "refund"
)

// String returns the wire representation of the entry type.
func (entryType EntryType) String() string {
	return string(entryType)
}

// ParseEntryType maps a stored string onto a known entry type.
func ParseEntryType(raw string) (EntryType, error) {
	switch EntryType(raw) {
	case EntryCharge, EntryDeduct, EntryPayout, EntryRefund:
		return EntryType(raw), nil
	}
	return "", fmt.Errorf("%w: %q", ErrInvalidEntryType, raw)
}

// SignedAmount returns the balance delta this entry type applies.
// Deductions subtract, everything else credits.
func (entryType EntryType) SignedAmount(amount CoinAmount) int64 {
	if entryType == EntryDeduct {
		return -amount.Int64()
	}
	return amount.Int64()
}

// A single immutable line in the ledger.
type LedgerEntry struct {
	EntryID        string
	AccountID      string
	Type           EntryType
	Amount         CoinAmount
	BalanceBefore  int64
	BalanceAfter   int64
	RelatedType    string
	RelatedRef     string
	IdempotencyKey string
	Description    string
	MetadataJSON   string
	CreatedUnixUTC int64
}

// EscrowStatus defines the escrow lifecycle.
type EscrowStatus string

const (
	EscrowStatusHold     EscrowStatus = "hold"
	EscrowStatusReleased EscrowStatus = "released"
	EscrowStatusRefunded EscrowStatus = "refunded"
)

// String returns the wire representation of the status.
func (status EscrowStatus) String() string {
	return string(status)
}

// ParseEscrowStatus maps a stored string onto a known escrow status.
func ParseEscrowStatus(raw string) (EscrowStatus, error) {
	switch EscrowStatus(raw) {
	case EscrowStatusHold, EscrowStatusReleased, EscrowStatusRefunded:
		return EscrowStatus(raw), nil
	}
	return "", fmt.Errorf("%w: %q", ErrInvalidEscrowStatus, raw)
}

// Escrow holds a booking payment until the booking resolves.
type Escrow struct {
	EscrowID           string
	BookingRef         string
	RequesterAccountID string
	ProviderAccountID  string
	Amount             CoinAmount
	Status             EscrowStatus
	CreatedUnixUTC     int64
	ReleasedUnixUTC    int64
	RefundedUnixUTC    int64
}

// Store is the persistence contract used by Service and EscrowManager.
// Implementations must scope ApplyDelta, GetEscrowForUpdate and
// UpdateEscrowStatus to the enclosing transaction so the whole
// read-modify-write-log sequence holds exclusive row access.
type Store interface {
	WithTx(ctx context.Context, fn func(ctx context.Context, txStore Store) error) error
	EnsureAccount(ctx context.Context, accountID string) error
	ApplyDelta(ctx context.Context, accountID string, delta int64) (balanceBefore int64, balanceAfter int64, err error)
	GetBalance(ctx context.Context, accountID string) (int64, error)
	InsertEntry(ctx context.Context, entry LedgerEntry) error
	ListEntries(ctx context.Context, accountID string, beforeUnixUTC int64, limit int) ([]LedgerEntry, error)
	CreateEscrow(ctx context.Context, escrow Escrow) error
	GetEscrowForUpdate(ctx context.Context, bookingRef string) (Escrow, error)
	UpdateEscrowStatus(ctx context.Context, bookingRef string, from, to EscrowStatus, atUnixUTC int64) error
}

package gormstore

import (
	"context"
	"errors"
	"time"

	gosqlite "github.com/glebarez/go-sqlite"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/pawmates/coinledger/pkg/coins"
	"gorm.io/datatypes"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

const (
	defaultMetadataJSON        = "{}"
	pgUniqueViolationCode      = "23505"
	pgSerializationFailureCode = "40001"
	pgDeadlockDetectedCode     = "40P01"
	sqliteConstraintCode       = 19
	sqliteBusyCode             = 5
	sqliteLockedCode           = 6
	errorOperationStore        = "store"
	errorSubjectAccount        = "account"
	errorSubjectEntry          = "entry"
	errorSubjectEscrow         = "escrow"
	errorCodeApplyDelta        = "apply_delta"
	errorCodeCreate            = "create"
	errorCodeConflict          = "conflict"
	errorCodeDuplicate         = "duplicate"
	errorCodeEnsure            = "ensure"
	errorCodeGet               = "get"
	errorCodeInsert            = "insert"
	errorCodeInsufficient      = "insufficient"
	errorCodeInvalid           = "invalid"
	errorCodeList              = "list"
	errorCodeUpdateStatus      = "update_status"
)

// Store implements coins.Store using GORM.
type Store struct {
	db *gorm.DB
}

// New returns a Store backed by gorm.DB.
func New(db *gorm.DB) *Store {
	return &Store{db: db}
}

// WithTx executes fn within a transaction. Row locks taken inside fn are held
// until the transaction commits or rolls back.
func (store *Store) WithTx(ctx context.Context, fn func(ctx context.Context, txStore coins.Store) error) error {
	return store.db.WithContext(ctx).Transaction(func(transaction *gorm.DB) error {
		return fn(ctx, &Store{db: transaction})
	})
}

// EnsureAccount creates the account row with a zero balance if it is missing.
func (store *Store) EnsureAccount(ctx context.Context, accountID string) error {
	err := store.db.WithContext(ctx).
		Clauses(clause.OnConflict{
			Columns:   []clause.Column{{Name: "account_id"}},
			DoNothing: true,
		}).
		Create(&Account{AccountID: accountID}).Error
	if err != nil {
		if conflictError := mapRetryableConflict(err); conflictError != nil {
			return conflictError
		}
		return wrapStoreError(errorSubjectAccount, errorCodeEnsure, err)
	}
	return nil
}

// ApplyDelta locks the account row, applies the delta, and returns the
// before/after snapshot for the caller to ledger. The row stays locked until
// the enclosing transaction finishes, so the read-modify-write cannot
// interleave with a concurrent mutation on the same account.
func (store *Store) ApplyDelta(ctx context.Context, accountID string, delta int64) (int64, int64, error) {
	var account Account
	err := store.db.WithContext(ctx).
		Clauses(store.rowLock()...).
		Where("account_id = ?", accountID).
		Take(&account).Error
	if err != nil {
		if conflictError := mapRetryableConflict(err); conflictError != nil {
			return 0, 0, conflictError
		}
		return 0, 0, wrapStoreError(errorSubjectAccount, errorCodeGet, err)
	}
	balanceBefore := account.Balance
	balanceAfter := balanceBefore + delta
	if balanceAfter < 0 {
		return 0, 0, wrapStoreError(errorSubjectAccount, errorCodeInsufficient, coins.ErrInsufficientBalance)
	}
	result := store.db.WithContext(ctx).
		Model(&Account{}).
		Where("account_id = ?", accountID).
		Update("balance", balanceAfter)
	if result.Error != nil {
		if conflictError := mapRetryableConflict(result.Error); conflictError != nil {
			return 0, 0, conflictError
		}
		return 0, 0, wrapStoreError(errorSubjectAccount, errorCodeApplyDelta, result.Error)
	}
	return balanceBefore, balanceAfter, nil
}

// GetBalance reads the committed balance. Accounts without a row read as zero.
func (store *Store) GetBalance(ctx context.Context, accountID string) (int64, error) {
	var account Account
	err := store.db.WithContext(ctx).
		Where("account_id = ?", accountID).
		Take(&account).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return 0, nil
	}
	if err != nil {
		return 0, wrapStoreError(errorSubjectAccount, errorCodeGet, err)
	}
	return account.Balance, nil
}

func (store *Store) InsertEntry(ctx context.Context, entry coins.LedgerEntry) error {
	var relatedType *string
	if entry.RelatedType != "" {
		value := entry.RelatedType
		relatedType = &value
	}
	var relatedRef *string
	if entry.RelatedRef != "" {
		value := entry.RelatedRef
		relatedRef = &value
	}
	row := LedgerEntry{
		EntryID:        entry.EntryID,
		AccountID:      entry.AccountID,
		Type:           entry.Type.String(),
		Amount:         entry.Amount.Int64(),
		BalanceBefore:  entry.BalanceBefore,
		BalanceAfter:   entry.BalanceAfter,
		RelatedType:    relatedType,
		RelatedRef:     relatedRef,
		IdempotencyKey: entry.IdempotencyKey,
		Description:    entry.Description,
		Metadata:       datatypesJSON(entry.MetadataJSON),
		CreatedAt:      time.Unix(entry.CreatedUnixUTC, 0).UTC(),
	}
	if row.CreatedAt.IsZero() {
		row.CreatedAt = time.Now().UTC()
	}
	err := store.db.WithContext(ctx).Create(&row).Error
	if isUniqueViolation(err) {
		return wrapStoreError(errorSubjectEntry, errorCodeDuplicate, coins.ErrDuplicateEntry)
	}
	if err != nil {
		if conflictError := mapRetryableConflict(err); conflictError != nil {
			return conflictError
		}
		return wrapStoreError(errorSubjectEntry, errorCodeInsert, err)
	}
	return nil
}

func (store *Store) ListEntries(ctx context.Context, accountID string, beforeUnixUTC int64, limit int) ([]coins.LedgerEntry, error) {
	before := time.Unix(beforeUnixUTC, 0).UTC()
	if beforeUnixUTC == 0 {
		before = time.Now().UTC().Add(time.Second)
	}

	var rows []LedgerEntry
	err := store.db.WithContext(ctx).
		Where("account_id = ? AND created_at < ?", accountID, before).
		Order("created_at DESC").
		Limit(limit).
		Find(&rows).Error
	if err != nil {
		return nil, wrapStoreError(errorSubjectEntry, errorCodeList, err)
	}

	entries := make([]coins.LedgerEntry, 0, len(rows))
	for _, row := range rows {
		entry, err := mapLedgerEntry(row)
		if err != nil {
			return nil, wrapStoreError(errorSubjectEntry, errorCodeInvalid, err)
		}
		entries = append(entries, entry)
	}
	return entries, nil
}

func (store *Store) CreateEscrow(ctx context.Context, escrow coins.Escrow) error {
	row := Escrow{
		EscrowID:           escrow.EscrowID,
		BookingRef:         escrow.BookingRef,
		RequesterAccountID: escrow.RequesterAccountID,
		ProviderAccountID:  escrow.ProviderAccountID,
		Amount:             escrow.Amount.Int64(),
		Status:             escrow.Status.String(),
		CreatedAt:          time.Unix(escrow.CreatedUnixUTC, 0).UTC(),
	}
	if row.CreatedAt.IsZero() {
		row.CreatedAt = time.Now().UTC()
	}
	err := store.db.WithContext(ctx).Create(&row).Error
	if isUniqueViolation(err) {
		return wrapStoreError(errorSubjectEscrow, errorCodeDuplicate, coins.ErrEscrowExists)
	}
	if err != nil {
		if conflictError := mapRetryableConflict(err); conflictError != nil {
			return conflictError
		}
		return wrapStoreError(errorSubjectEscrow, errorCodeCreate, err)
	}
	return nil
}

// GetEscrowForUpdate fetches the escrow row under a row lock, serializing
// against any concurrent resolution of the same booking.
func (store *Store) GetEscrowForUpdate(ctx context.Context, bookingRef string) (coins.Escrow, error) {
	var row Escrow
	err := store.db.WithContext(ctx).
		Clauses(store.rowLock()...).
		Where("booking_ref = ?", bookingRef).
		Take(&row).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return coins.Escrow{}, wrapStoreError(errorSubjectEscrow, errorCodeGet, coins.ErrEscrowNotFound)
		}
		if conflictError := mapRetryableConflict(err); conflictError != nil {
			return coins.Escrow{}, conflictError
		}
		return coins.Escrow{}, wrapStoreError(errorSubjectEscrow, errorCodeGet, err)
	}
	return mapEscrow(row)
}

// UpdateEscrowStatus flips the status only when the current value still
// matches. A zero affected-row count means another resolution won the race.
func (store *Store) UpdateEscrowStatus(ctx context.Context, bookingRef string, from, to coins.EscrowStatus, atUnixUTC int64) error {
	at := time.Unix(atUnixUTC, 0).UTC()
	updates := map[string]interface{}{
		"status":     to.String(),
		"updated_at": at,
	}
	switch to {
	case coins.EscrowStatusReleased:
		updates["released_at"] = at
	case coins.EscrowStatusRefunded:
		updates["refunded_at"] = at
	}
	result := store.db.WithContext(ctx).
		Model(&Escrow{}).
		Where("booking_ref = ? AND status = ?", bookingRef, from.String()).
		Updates(updates)
	if result.Error != nil {
		if conflictError := mapRetryableConflict(result.Error); conflictError != nil {
			return conflictError
		}
		return wrapStoreError(errorSubjectEscrow, errorCodeUpdateStatus, result.Error)
	}
	if result.RowsAffected == 0 {
		return wrapStoreError(errorSubjectEscrow, errorCodeUpdateStatus, coins.ErrInvalidEscrowState)
	}
	return nil
}

// rowLock returns SELECT ... FOR UPDATE on dialects that support it. SQLite
// has no FOR UPDATE; its single-writer transactions give the same exclusivity.
func (store *Store) rowLock() []clause.Expression {
	if store.db.Dialector.Name() == "postgres" {
		return []clause.Expression{clause.Locking{Strength: "UPDATE"}}
	}
	return nil
}

func wrapStoreError(subject string, code string, err error) error {
	return coins.WrapError(errorOperationStore, subject, code, err)
}

func mapLedgerEntry(row LedgerEntry) (coins.LedgerEntry, error) {
	entryType, err := coins.ParseEntryType(row.Type)
	if err != nil {
		return coins.LedgerEntry{}, err
	}
	amount, err := coins.NewCoinAmount(row.Amount)
	if err != nil {
		return coins.LedgerEntry{}, err
	}
	return coins.LedgerEntry{
		EntryID:        row.EntryID,
		AccountID:      row.AccountID,
		Type:           entryType,
		Amount:         amount,
		BalanceBefore:  row.BalanceBefore,
		BalanceAfter:   row.BalanceAfter,
		RelatedType:    stringOrEmpty(row.RelatedType),
		RelatedRef:     stringOrEmpty(row.RelatedRef),
		IdempotencyKey: row.IdempotencyKey,
		Description:    row.Description,
		MetadataJSON:   string(row.Metadata),
		CreatedUnixUTC: row.CreatedAt.Unix(),
	}, nil
}

func mapEscrow(row Escrow) (coins.Escrow, error) {
	status, err := coins.ParseEscrowStatus(row.Status)
	if err != nil {
		return coins.Escrow{}, wrapStoreError(errorSubjectEscrow, errorCodeInvalid, err)
	}
	amount, err := coins.NewCoinAmount(row.Amount)
	if err != nil {
		return coins.Escrow{}, wrapStoreError(errorSubjectEscrow, errorCodeInvalid, err)
	}
	return coins.Escrow{
		EscrowID:           row.EscrowID,
		BookingRef:         row.BookingRef,
		RequesterAccountID: row.RequesterAccountID,
		ProviderAccountID:  row.ProviderAccountID,
		Amount:             amount,
		Status:             status,
		CreatedUnixUTC:     row.CreatedAt.Unix(),
		ReleasedUnixUTC:    timeOrZero(row.ReleasedAt),
		RefundedUnixUTC:    timeOrZero(row.RefundedAt),
	}, nil
}

func stringOrEmpty(value *string) string {
	if value == nil {
		return ""
	}
	return *value
}

func timeOrZero(value *time.Time) int64 {
	if value == nil {
		return 0
	}
	return value.Unix()
}

func datatypesJSON(raw string) datatypes.JSON {
	if raw == "" {
		return datatypes.JSON([]byte(defaultMetadataJSON))
	}
	return datatypes.JSON([]byte(raw))
}

func isUniqueViolation(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, gorm.ErrDuplicatedKey) {
		return true
	}
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		return pgErr.Code == pgUniqueViolationCode
	}
	var sqliteErr *gosqlite.Error
	if errors.As(err, &sqliteErr) {
		return sqliteErr.Code()&0xFF == sqliteConstraintCode
	}
	return false
}

// mapRetryableConflict translates driver-level contention failures into
// coins.ErrConcurrencyConflict so the service layer can retry them. Returns
// nil for anything that is not a lock-contention failure.
func mapRetryableConflict(err error) error {
	if err == nil {
		return nil
	}
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		if pgErr.Code == pgSerializationFailureCode || pgErr.Code == pgDeadlockDetectedCode {
			return wrapStoreError(errorSubjectAccount, errorCodeConflict, coins.ErrConcurrencyConflict)
		}
		return nil
	}
	var sqliteErr *gosqlite.Error
	if errors.As(err, &sqliteErr) {
		code := sqliteErr.Code() & 0xFF
		if code == sqliteBusyCode || code == sqliteLockedCode {
			return wrapStoreError(errorSubjectAccount, errorCodeConflict, coins.ErrConcurrencyConflict)
		}
	}
	return nil
}

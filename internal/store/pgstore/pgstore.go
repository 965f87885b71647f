package pgstore

import (
	"context"
	"errors"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/pawmates/coinledger/pkg/coins"
)

const (
	pgUniqueViolationCode      = "23505"
	pgSerializationFailureCode = "40001"
	pgDeadlockDetectedCode     = "40P01"
	errorOperationStore        = "store"
	errorSubjectAccount        = "account"
	errorSubjectEntry          = "entry"
	errorSubjectEscrow         = "escrow"
	errorSubjectTransaction    = "transaction"
	errorCodeApplyDelta        = "apply_delta"
	errorCodeBegin             = "begin"
	errorCodeCommit            = "commit"
	errorCodeConflict          = "conflict"
	errorCodeCreate            = "create"
	errorCodeDuplicate         = "duplicate"
	errorCodeEnsure            = "ensure"
	errorCodeGet               = "get"
	errorCodeInsert            = "insert"
	errorCodeInsufficient      = "insufficient"
	errorCodeInvalid           = "invalid"
	errorCodeList              = "list"
	errorCodeUpdateStatus      = "update_status"

	sqlEnsureAccount = `
		insert into accounts(account_id, balance, created_at, updated_at)
		values($1, 0, now(), now())
		on conflict (account_id) do nothing
	`

	sqlSelectBalanceForUpdate = `
		select balance from accounts where account_id = $1 for update
	`

	sqlUpdateBalance = `
		update accounts set balance = $2, updated_at = now() where account_id = $1
	`

	sqlSelectBalance = `
		select balance from accounts where account_id = $1
	`

	sqlInsertEntry = `
		insert into ledger_entries(
			entry_id, account_id, type, amount, balance_before, balance_after,
			related_type, related_ref, idempotency_key, description, metadata, created_at
		)
		values(
			$1, $2, $3, $4, $5, $6,
			nullif($7,''), nullif($8,''), $9, $10,
			coalesce(nullif($11,''),'{}')::jsonb,
			to_timestamp($12)
		)
	`

	sqlListEntriesBefore = `
		select
			entry_id::text,
			account_id,
			type,
			amount,
			balance_before,
			balance_after,
			coalesce(related_type,''),
			coalesce(related_ref,''),
			idempotency_key,
			description,
			coalesce(metadata::text,'{}'),
			extract(epoch from created_at)::bigint
		from ledger_entries
		where account_id = $1 and created_at < to_timestamp($2)
		order by created_at desc
		limit $3
	`

	sqlInsertEscrow = `
		insert into escrows(
			escrow_id, booking_ref, requester_account_id, provider_account_id,
			amount, status, created_at, updated_at
		)
		values($1, $2, $3, $4, $5, $6, to_timestamp($7), to_timestamp($7))
	`

	sqlSelectEscrowForUpdate = `
		select
			escrow_id::text,
			booking_ref,
			requester_account_id,
			provider_account_id,
			amount,
			status,
			extract(epoch from created_at)::bigint,
			coalesce(extract(epoch from released_at)::bigint,0),
			coalesce(extract(epoch from refunded_at)::bigint,0)
		from escrows
		where booking_ref = $1
		for update
	`

	sqlUpdateEscrowStatus = `
		update escrows
		set status = $3,
			released_at = case when $3 = 'released' then to_timestamp($4) else released_at end,
			refunded_at = case when $3 = 'refunded' then to_timestamp($4) else refunded_at end,
			updated_at = to_timestamp($4)
		where booking_ref = $1 and status = $2
	`
)

// querier abstracts pgxpool.Pool and pgx.Tx for shared statement helpers.
type querier interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

// Store implements coins.Store using a pgx connection pool (autocommit).
// Mutating operations must run through WithTx so row locks span the whole
// read-modify-write-log sequence.
type Store struct {
	pool *pgxpool.Pool
}

// TxStore implements coins.Store for an active transaction.
type TxStore struct {
	tx pgx.Tx
}

// New returns a Store backed by a pgx pool.
func New(pool *pgxpool.Pool) *Store {
	return &Store{pool: pool}
}

func (store *Store) WithTx(ctx context.Context, fn func(ctx context.Context, txStore coins.Store) error) error {
	tx, err := store.pool.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return wrapStoreError(errorSubjectTransaction, errorCodeBegin, err)
	}
	transactionStore := &TxStore{tx: tx}
	if err := fn(ctx, transactionStore); err != nil {
		_ = tx.Rollback(ctx)
		return err
	}
	if err := tx.Commit(ctx); err != nil {
		if conflictError := mapRetryableConflict(err); conflictError != nil {
			return conflictError
		}
		return wrapStoreError(errorSubjectTransaction, errorCodeCommit, err)
	}
	return nil
}

func (store *Store) EnsureAccount(ctx context.Context, accountID string) error {
	return ensureAccount(ctx, store.pool, accountID)
}

func (store *Store) ApplyDelta(ctx context.Context, accountID string, delta int64) (int64, int64, error) {
	return applyDelta(ctx, store.pool, accountID, delta)
}

func (store *Store) GetBalance(ctx context.Context, accountID string) (int64, error) {
	return getBalance(ctx, store.pool, accountID)
}

func (store *Store) InsertEntry(ctx context.Context, entry coins.LedgerEntry) error {
	return insertEntry(ctx, store.pool, entry)
}

func (store *Store) ListEntries(ctx context.Context, accountID string, beforeUnixUTC int64, limit int) ([]coins.LedgerEntry, error) {
	return listEntries(ctx, store.pool, accountID, beforeUnixUTC, limit)
}

func (store *Store) CreateEscrow(ctx context.Context, escrow coins.Escrow) error {
	return createEscrow(ctx, store.pool, escrow)
}

func (store *Store) GetEscrowForUpdate(ctx context.Context, bookingRef string) (coins.Escrow, error) {
	return getEscrowForUpdate(ctx, store.pool, bookingRef)
}

func (store *Store) UpdateEscrowStatus(ctx context.Context, bookingRef string, from, to coins.EscrowStatus, atUnixUTC int64) error {
	return updateEscrowStatus(ctx, store.pool, bookingRef, from, to, atUnixUTC)
}

// WithTx on an already-open transaction runs fn against the same transaction;
// the outermost WithTx owns commit and rollback.
func (store *TxStore) WithTx(ctx context.Context, fn func(ctx context.Context, txStore coins.Store) error) error {
	return fn(ctx, store)
}

func (store *TxStore) EnsureAccount(ctx context.Context, accountID string) error {
	return ensureAccount(ctx, store.tx, accountID)
}

func (store *TxStore) ApplyDelta(ctx context.Context, accountID string, delta int64) (int64, int64, error) {
	return applyDelta(ctx, store.tx, accountID, delta)
}

func (store *TxStore) GetBalance(ctx context.Context, accountID string) (int64, error) {
	return getBalance(ctx, store.tx, accountID)
}

func (store *TxStore) InsertEntry(ctx context.Context, entry coins.LedgerEntry) error {
	return insertEntry(ctx, store.tx, entry)
}

func (store *TxStore) ListEntries(ctx context.Context, accountID string, beforeUnixUTC int64, limit int) ([]coins.LedgerEntry, error) {
	return listEntries(ctx, store.tx, accountID, beforeUnixUTC, limit)
}

func (store *TxStore) CreateEscrow(ctx context.Context, escrow coins.Escrow) error {
	return createEscrow(ctx, store.tx, escrow)
}

func (store *TxStore) GetEscrowForUpdate(ctx context.Context, bookingRef string) (coins.Escrow, error) {
	return getEscrowForUpdate(ctx, store.tx, bookingRef)
}

func (store *TxStore) UpdateEscrowStatus(ctx context.Context, bookingRef string, from, to coins.EscrowStatus, atUnixUTC int64) error {
	return updateEscrowStatus(ctx, store.tx, bookingRef, from, to, atUnixUTC)
}

func ensureAccount(ctx context.Context, q querier, accountID string) error {
	_, err := q.Exec(ctx, sqlEnsureAccount, accountID)
	if err != nil {
		if conflictError := mapRetryableConflict(err); conflictError != nil {
			return conflictError
		}
		return wrapStoreError(errorSubjectAccount, errorCodeEnsure, err)
	}
	return nil
}

func applyDelta(ctx context.Context, q querier, accountID string, delta int64) (int64, int64, error) {
	var balanceBefore int64
	err := q.QueryRow(ctx, sqlSelectBalanceForUpdate, accountID).Scan(&balanceBefore)
	if err != nil {
		if conflictError := mapRetryableConflict(err); conflictError != nil {
			return 0, 0, conflictError
		}
		return 0, 0, wrapStoreError(errorSubjectAccount, errorCodeGet, err)
	}
	balanceAfter := balanceBefore + delta
	if balanceAfter < 0 {
		return 0, 0, wrapStoreError(errorSubjectAccount, errorCodeInsufficient, coins.ErrInsufficientBalance)
	}
	if _, err := q.Exec(ctx, sqlUpdateBalance, accountID, balanceAfter); err != nil {
		if conflictError := mapRetryableConflict(err); conflictError != nil {
			return 0, 0, conflictError
		}
		return 0, 0, wrapStoreError(errorSubjectAccount, errorCodeApplyDelta, err)
	}
	return balanceBefore, balanceAfter, nil
}

func getBalance(ctx context.Context, q querier, accountID string) (int64, error) {
	var balance int64
	err := q.QueryRow(ctx, sqlSelectBalance, accountID).Scan(&balance)
	if errors.Is(err, pgx.ErrNoRows) {
		return 0, nil
	}
	if err != nil {
		return 0, wrapStoreError(errorSubjectAccount, errorCodeGet, err)
	}
	return balance, nil
}

func insertEntry(ctx context.Context, q querier, entry coins.LedgerEntry) error {
	_, err := q.Exec(ctx, sqlInsertEntry,
		entry.EntryID,
		entry.AccountID,
		entry.Type.String(),
		entry.Amount.Int64(),
		entry.BalanceBefore,
		entry.BalanceAfter,
		entry.RelatedType,
		entry.RelatedRef,
		entry.IdempotencyKey,
		entry.Description,
		entry.MetadataJSON,
		entry.CreatedUnixUTC,
	)
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

func listEntries(ctx context.Context, q querier, accountID string, beforeUnixUTC int64, limit int) ([]coins.LedgerEntry, error) {
	rows, err := q.Query(ctx, sqlListEntriesBefore, accountID, beforeUnixUTC, limit)
	if err != nil {
		return nil, wrapStoreError(errorSubjectEntry, errorCodeList, err)
	}
	defer rows.Close()

	entries := make([]coins.LedgerEntry, 0, limit)
	for rows.Next() {
		var (
			entryID        string
			rowAccountID   string
			entryTypeRaw   string
			amountRaw      int64
			balanceBefore  int64
			balanceAfter   int64
			relatedType    string
			relatedRef     string
			idempotencyKey string
			description    string
			metadataJSON   string
			createdUnixUTC int64
		)
		if err := rows.Scan(&entryID, &rowAccountID, &entryTypeRaw, &amountRaw, &balanceBefore, &balanceAfter, &relatedType, &relatedRef, &idempotencyKey, &description, &metadataJSON, &createdUnixUTC); err != nil {
			return nil, wrapStoreError(errorSubjectEntry, errorCodeList, err)
		}
		entryType, err := coins.ParseEntryType(entryTypeRaw)
		if err != nil {
			return nil, wrapStoreError(errorSubjectEntry, errorCodeInvalid, err)
		}
		amount, err := coins.NewCoinAmount(amountRaw)
		if err != nil {
			return nil, wrapStoreError(errorSubjectEntry, errorCodeInvalid, err)
		}
		entries = append(entries, coins.LedgerEntry{
			EntryID:        entryID,
			AccountID:      rowAccountID,
			Type:           entryType,
			Amount:         amount,
			BalanceBefore:  balanceBefore,
			BalanceAfter:   balanceAfter,
			RelatedType:    relatedType,
			RelatedRef:     relatedRef,
			IdempotencyKey: idempotencyKey,
			Description:    description,
			MetadataJSON:   metadataJSON,
			CreatedUnixUTC: createdUnixUTC,
		})
	}
	if err := rows.Err(); err != nil {
		return nil, wrapStoreError(errorSubjectEntry, errorCodeList, err)
	}
	return entries, nil
}

func createEscrow(ctx context.Context, q querier, escrow coins.Escrow) error {
	_, err := q.Exec(ctx, sqlInsertEscrow,
		escrow.EscrowID,
		escrow.BookingRef,
		escrow.RequesterAccountID,
		escrow.ProviderAccountID,
		escrow.Amount.Int64(),
		escrow.Status.String(),
		escrow.CreatedUnixUTC,
	)
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

func getEscrowForUpdate(ctx context.Context, q querier, bookingRef string) (coins.Escrow, error) {
	var (
		escrowID           string
		rowBookingRef      string
		requesterAccountID string
		providerAccountID  string
		amountRaw          int64
		statusRaw          string
		createdUnixUTC     int64
		releasedUnixUTC    int64
		refundedUnixUTC    int64
	)
	err := q.QueryRow(ctx, sqlSelectEscrowForUpdate, bookingRef).Scan(
		&escrowID, &rowBookingRef, &requesterAccountID, &providerAccountID,
		&amountRaw, &statusRaw, &createdUnixUTC, &releasedUnixUTC, &refundedUnixUTC,
	)
	if errors.Is(err, pgx.ErrNoRows) {
		return coins.Escrow{}, wrapStoreError(errorSubjectEscrow, errorCodeGet, coins.ErrEscrowNotFound)
	}
	if err != nil {
		if conflictError := mapRetryableConflict(err); conflictError != nil {
			return coins.Escrow{}, conflictError
		}
		return coins.Escrow{}, wrapStoreError(errorSubjectEscrow, errorCodeGet, err)
	}
	status, err := coins.ParseEscrowStatus(statusRaw)
	if err != nil {
		return coins.Escrow{}, wrapStoreError(errorSubjectEscrow, errorCodeInvalid, err)
	}
	amount, err := coins.NewCoinAmount(amountRaw)
	if err != nil {
		return coins.Escrow{}, wrapStoreError(errorSubjectEscrow, errorCodeInvalid, err)
	}
	return coins.Escrow{
		EscrowID:           escrowID,
		BookingRef:         rowBookingRef,
		RequesterAccountID: requesterAccountID,
		ProviderAccountID:  providerAccountID,
		Amount:             amount,
		Status:             status,
		CreatedUnixUTC:     createdUnixUTC,
		ReleasedUnixUTC:    releasedUnixUTC,
		RefundedUnixUTC:    refundedUnixUTC,
	}, nil
}

func updateEscrowStatus(ctx context.Context, q querier, bookingRef string, from, to coins.EscrowStatus, atUnixUTC int64) error {
	tag, err := q.Exec(ctx, sqlUpdateEscrowStatus, bookingRef, from.String(), to.String(), atUnixUTC)
	if err != nil {
		if conflictError := mapRetryableConflict(err); conflictError != nil {
			return conflictError
		}
		return wrapStoreError(errorSubjectEscrow, errorCodeUpdateStatus, err)
	}
	if tag.RowsAffected() == 0 {
		return wrapStoreError(errorSubjectEscrow, errorCodeUpdateStatus, coins.ErrInvalidEscrowState)
	}
	return nil
}

func wrapStoreError(subject string, code string, err error) error {
	return coins.WrapError(errorOperationStore, subject, code, err)
}

func isUniqueViolation(err error) bool {
	if err == nil {
		return false
	}
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		return pgErr.Code == pgUniqueViolationCode
	}
	return false
}

func mapRetryableConflict(err error) error {
	if err == nil {
		return nil
	}
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		if pgErr.Code == pgSerializationFailureCode || pgErr.Code == pgDeadlockDetectedCode {
			return wrapStoreError(errorSubjectAccount, errorCodeConflict, coins.ErrConcurrencyConflict)
		}
	}
	return nil
}

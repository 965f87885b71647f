package gormstore

import (
	"time"

	"github.com/google/uuid"
	"gorm.io/datatypes"
	"gorm.io/gorm"
)

// Account represents the accounts table. Balance is the only mutable column
// and is only ever written under a row lock held by ApplyDelta.
type Account struct {
	AccountID string    `gorm:"primaryKey"`
	Balance   int64     `gorm:"not null;default:0"`
	CreatedAt time.Time `gorm:"not null"`
	UpdatedAt time.Time `gorm:"not null"`
}

func (Account) TableName() string { return "accounts" }

// LedgerEntry mirrors the ledger_entries table. Rows are append-only.
type LedgerEntry struct {
	EntryID        string         `gorm:"type:uuid;primaryKey"`
	AccountID      string         `gorm:"not null;index:idx_entries_account_created,priority:1;index:uniq_entry_account_idem,unique,priority:1"`
	Type           string         `gorm:"not null"`
	Amount         int64          `gorm:"not null"`
	BalanceBefore  int64          `gorm:"not null"`
	BalanceAfter   int64          `gorm:"not null"`
	RelatedType    *string        `gorm:""`
	RelatedRef     *string        `gorm:"index:idx_entries_related_ref"`
	IdempotencyKey string         `gorm:"not null;index:uniq_entry_account_idem,unique,priority:2"`
	Description    string         `gorm:"not null"`
	Metadata       datatypes.JSON `gorm:"not null"`
	CreatedAt      time.Time      `gorm:"not null;index:idx_entries_account_created,priority:2"`
}

func (LedgerEntry) TableName() string { return "ledger_entries" }

func (entry *LedgerEntry) BeforeCreate(tx *gorm.DB) error {
	if entry.EntryID == "" {
		entry.EntryID = uuid.NewString()
	}
	return nil
}

// Escrow mirrors the escrows table. The unique booking_ref index is what makes
// "exactly one escrow per booking" hold even across racing creates.
type Escrow struct {
	EscrowID           string     `gorm:"type:uuid;primaryKey"`
	BookingRef         string     `gorm:"not null;uniqueIndex:uniq_escrows_booking_ref"`
	RequesterAccountID string     `gorm:"not null"`
	ProviderAccountID  string     `gorm:"not null"`
	Amount             int64      `gorm:"not null"`
	Status             string     `gorm:"not null"`
	CreatedAt          time.Time  `gorm:"not null"`
	ReleasedAt         *time.Time `gorm:""`
	RefundedAt         *time.Time `gorm:""`
	UpdatedAt          time.Time  `gorm:"not null"`
}

func (Escrow) TableName() string { return "escrows" }

func (escrow *Escrow) BeforeCreate(tx *gorm.DB) error {
	if escrow.EscrowID == "" {
		escrow.EscrowID = uuid.NewString()
	}
	return nil
}

// Migrate creates or updates the schema for all ledger tables.
func Migrate(db *gorm.DB) error {
	return db.AutoMigrate(&Account{}, &LedgerEntry{}, &Escrow{})
}

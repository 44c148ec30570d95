package gormstore

import (
	"time"

	"github.com/google/uuid"
	"gorm.io/datatypes"
	"gorm.io/gorm"
)

// Account represents the accounts table. Balances are mutated only through
// Store.ApplyDebit and Store.ApplyCredit.
type Account struct {
	UserID         string    `gorm:"primaryKey"`
	BalanceCredits int64     `gorm:"not null;default:0"`
	CreatedAt      time.Time `gorm:"not null"`
	UpdatedAt      time.Time `gorm:"not null"`
}

func (Account) TableName() string { return "accounts" }

// LedgerEntry mirrors the ledger_entries table. Append-only.
type LedgerEntry struct {
	EntryID          string         `gorm:"type:uuid;primaryKey"`
	UserID           string         `gorm:"not null;index:idx_entries_user_created,priority:1"`
	DeltaCredits     int64          `gorm:"not null"`
	Reason           string         `gorm:"not null"`
	ExternalEventID  *string        `gorm:"uniqueIndex:uniq_entries_external_event"`
	ResultingBalance int64          `gorm:"not null"`
	Metadata         datatypes.JSON `gorm:"not null"`
	CreatedAt        time.Time      `gorm:"not null;index:idx_entries_user_created,priority:2"`
}

func (LedgerEntry) TableName() string { return "ledger_entries" }

func (entry *LedgerEntry) BeforeCreate(tx *gorm.DB) error {
	if entry.EntryID == "" {
		entry.EntryID = uuid.NewString()
	}
	return nil
}

// ProcessedEvent mirrors the processed_events table. Inserting a row is the
// idempotency claim for one provider event.
type ProcessedEvent struct {
	EventID     string    `gorm:"primaryKey"`
	ProcessedAt time.Time `gorm:"not null"`
}

func (ProcessedEvent) TableName() string { return "processed_events" }

// PurchaseIntent mirrors the purchase_intents table.
type PurchaseIntent struct {
	CorrelationID string    `gorm:"type:uuid;primaryKey"`
	UserID        string    `gorm:"not null;index"`
	AmountCredits int64     `gorm:"not null"`
	Status        string    `gorm:"not null"`
	CreatedAt     time.Time `gorm:"not null"`
	UpdatedAt     time.Time `gorm:"not null"`
}

func (PurchaseIntent) TableName() string { return "purchase_intents" }

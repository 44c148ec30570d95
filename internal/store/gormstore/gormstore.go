package gormstore

import (
	"context"
	"errors"
	"fmt"
	"time"

	gosqlite "github.com/glebarez/go-sqlite"
	"github.com/jackc/pgx/v5/pgconn"
	"gorm.io/datatypes"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/resumeforge/creditd/pkg/credits"
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
	errorSubjectEvent          = "event"
	errorSubjectIntent         = "intent"
	errorSubjectTx             = "tx"
	errorCodeClaim             = "claim"
	errorCodeComplete          = "complete"
	errorCodeCreate            = "create"
	errorCodeCredit            = "credit"
	errorCodeDebit             = "debit"
	errorCodeDuplicate         = "duplicate"
	errorCodeFunded            = "funded"
	errorCodeGet               = "get"
	errorCodeInsert            = "insert"
	errorCodeInvalid           = "invalid"
	errorCodeList              = "list"
	errorCodeLookup            = "lookup"
	errorCodeStale             = "stale"
	errorCodeTransient         = "transient"
)

// Store implements credits.Store using GORM.
type Store struct {
	db *gorm.DB
}

// New returns a Store backed by gorm.DB.
func New(db *gorm.DB) *Store {
	return &Store{db: db}
}

// Migrate creates or updates the schema for all store tables.
func Migrate(db *gorm.DB) error {
	return db.AutoMigrate(&Account{}, &LedgerEntry{}, &ProcessedEvent{}, &PurchaseIntent{})
}

// WithTx executes fn within a transaction. Serialization failures, deadlocks,
// and lock timeouts surface as credits.ErrTransientStore so the service can
// retry the whole operation.
func (store *Store) WithTx(ctx context.Context, fn func(ctx context.Context, txStore credits.Store) error) error {
	err := store.db.WithContext(ctx).Transaction(func(transaction *gorm.DB) error {
		return fn(ctx, &Store{db: transaction})
	})
	if isTransientFailure(err) {
		return wrapStoreError(errorSubjectTx, errorCodeTransient, fmt.Errorf("%w: %v", credits.ErrTransientStore, err))
	}
	return err
}

// ApplyDebit subtracts amount from the locked account row, failing if the
// balance would go negative. Returns the post-debit balance.
func (store *Store) ApplyDebit(ctx context.Context, userID credits.UserID, amount credits.AmountCredits) (credits.AmountCredits, error) {
	account, err := store.lockAccount(ctx, userID.String())
	if err != nil {
		return 0, err
	}
	if account.BalanceCredits < amount.Int64() {
		return 0, wrapStoreError(errorSubjectAccount, errorCodeDebit, credits.ErrInsufficientBalance)
	}
	newBalance := account.BalanceCredits - amount.Int64()
	if err := store.writeBalance(ctx, account, newBalance); err != nil {
		return 0, err
	}
	return credits.AmountCredits(newBalance), nil
}

// ApplyCredit adds amount to the locked account row, rejecting balances past
// the configured maximum. Returns the post-credit balance.
func (store *Store) ApplyCredit(ctx context.Context, userID credits.UserID, amount credits.AmountCredits) (credits.AmountCredits, error) {
	account, err := store.lockAccount(ctx, userID.String())
	if err != nil {
		return 0, err
	}
	newBalance := account.BalanceCredits + amount.Int64()
	if newBalance > credits.MaxAccountBalance.Int64() || newBalance < account.BalanceCredits {
		return 0, wrapStoreError(errorSubjectAccount, errorCodeCredit, credits.ErrBalanceOverflow)
	}
	if err := store.writeBalance(ctx, account, newBalance); err != nil {
		return 0, err
	}
	return credits.AmountCredits(newBalance), nil
}

// ClaimEvent inserts the event id into processed_events. The primary key
// makes the claim a single atomic check-and-insert; a duplicate surfaces as
// credits.ErrEventAlreadyProcessed.
func (store *Store) ClaimEvent(ctx context.Context, eventID credits.EventID) error {
	claim := ProcessedEvent{EventID: eventID.String(), ProcessedAt: time.Now().UTC()}
	err := store.db.WithContext(ctx).Create(&claim).Error
	if isUniqueViolation(err) {
		return wrapStoreError(errorSubjectEvent, errorCodeDuplicate, credits.ErrEventAlreadyProcessed)
	}
	if err != nil {
		return wrapStoreError(errorSubjectEvent, errorCodeClaim, err)
	}
	return nil
}

func (store *Store) InsertEntry(ctx context.Context, entry credits.Entry) error {
	var externalEventID *string
	if entry.ExternalEventID != "" {
		value := entry.ExternalEventID
		externalEventID = &value
	}
	row := LedgerEntry{
		EntryID:          entry.EntryID,
		UserID:           entry.UserID,
		DeltaCredits:     entry.DeltaCredits,
		Reason:           entry.Reason.String(),
		ExternalEventID:  externalEventID,
		ResultingBalance: entry.ResultingBalance,
		Metadata:         datatypesJSON(entry.MetadataJSON),
		CreatedAt:        time.Unix(entry.CreatedUnixUTC, 0).UTC(),
	}
	if row.CreatedAt.IsZero() {
		row.CreatedAt = time.Now().UTC()
	}
	err := store.db.WithContext(ctx).Create(&row).Error
	if isUniqueViolation(err) {
		return wrapStoreError(errorSubjectEntry, errorCodeDuplicate, credits.ErrEventAlreadyProcessed)
	}
	if err != nil {
		return wrapStoreError(errorSubjectEntry, errorCodeInsert, err)
	}
	return nil
}

// GetBalance reads the current balance. Accounts are implicit: a user without
// a row has balance zero.
func (store *Store) GetBalance(ctx context.Context, userID credits.UserID) (credits.AmountCredits, error) {
	var account Account
	err := store.db.WithContext(ctx).
		Where("user_id = ?", userID.String()).
		Take(&account).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return 0, nil
	}
	if err != nil {
		return 0, wrapStoreError(errorSubjectAccount, errorCodeLookup, err)
	}
	return credits.AmountCredits(account.BalanceCredits), nil
}

func (store *Store) ListEntries(ctx context.Context, userID credits.UserID, beforeUnixUTC int64, limit int) ([]credits.Entry, error) {
	before := time.Unix(beforeUnixUTC, 0).UTC()
	if beforeUnixUTC == 0 {
		before = time.Now().UTC().Add(time.Second)
	}

	var rows []LedgerEntry
	err := store.db.WithContext(ctx).
		Where("user_id = ? AND created_at < ?", userID.String(), before).
		Order("created_at DESC").
		Limit(limit).
		Find(&rows).Error
	if err != nil {
		return nil, wrapStoreError(errorSubjectEntry, errorCodeList, err)
	}

	entries := make([]credits.Entry, 0, len(rows))
	for _, row := range rows {
		entry, err := mapLedgerEntry(row)
		if err != nil {
			return nil, wrapStoreError(errorSubjectEntry, errorCodeInvalid, err)
		}
		entries = append(entries, entry)
	}
	return entries, nil
}

func (store *Store) CreatePurchaseIntent(ctx context.Context, intent credits.PurchaseIntent) error {
	row := PurchaseIntent{
		CorrelationID: intent.CorrelationID,
		UserID:        intent.UserID,
		AmountCredits: intent.AmountCredits.Int64(),
		Status:        intent.Status.String(),
		CreatedAt:     time.Unix(intent.CreatedUnixUTC, 0).UTC(),
	}
	if row.CreatedAt.IsZero() {
		row.CreatedAt = time.Now().UTC()
	}
	err := store.db.WithContext(ctx).Create(&row).Error
	if isUniqueViolation(err) {
		return wrapStoreError(errorSubjectIntent, errorCodeDuplicate, credits.ErrIntentExists)
	}
	if err != nil {
		return wrapStoreError(errorSubjectIntent, errorCodeCreate, err)
	}
	return nil
}

func (store *Store) GetPurchaseIntent(ctx context.Context, correlationID credits.CorrelationID) (credits.PurchaseIntent, error) {
	var row PurchaseIntent
	err := store.db.WithContext(ctx).
		Clauses(clause.Locking{Strength: "UPDATE"}).
		Where("correlation_id = ?", correlationID.String()).
		Take(&row).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return credits.PurchaseIntent{}, wrapStoreError(errorSubjectIntent, errorCodeGet, credits.ErrUnknownPurchaseIntent)
	}
	if err != nil {
		return credits.PurchaseIntent{}, wrapStoreError(errorSubjectIntent, errorCodeGet, err)
	}
	amount, err := credits.NewAmountCredits(row.AmountCredits)
	if err != nil {
		return credits.PurchaseIntent{}, wrapStoreError(errorSubjectIntent, errorCodeInvalid, err)
	}
	return credits.PurchaseIntent{
		CorrelationID:  row.CorrelationID,
		UserID:         row.UserID,
		AmountCredits:  amount,
		Status:         credits.IntentStatus(row.Status),
		CreatedUnixUTC: row.CreatedAt.Unix(),
	}, nil
}

// CompletePurchaseIntent transitions an intent from pending to completed. The
// status guard in the WHERE clause makes the transition single-shot; zero rows
// affected means the intent was already consumed by an earlier funding.
func (store *Store) CompletePurchaseIntent(ctx context.Context, correlationID credits.CorrelationID) error {
	result := store.db.WithContext(ctx).
		Model(&PurchaseIntent{}).
		Where("correlation_id = ? AND status = ?", correlationID.String(), credits.IntentPending.String()).
		Update("status", credits.IntentCompleted.String())
	if result.Error != nil {
		return wrapStoreError(errorSubjectIntent, errorCodeComplete, result.Error)
	}
	if result.RowsAffected == 0 {
		return wrapStoreError(errorSubjectIntent, errorCodeFunded, credits.ErrIntentAlreadyFunded)
	}
	return nil
}

// lockAccount loads the account row under FOR UPDATE, creating it with a zero
// balance on first touch.
func (store *Store) lockAccount(ctx context.Context, userID string) (Account, error) {
	var account Account
	err := store.db.WithContext(ctx).
		Clauses(clause.Locking{Strength: "UPDATE"}).
		Where("user_id = ?", userID).
		Take(&account).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		created := Account{UserID: userID}
		createErr := store.db.WithContext(ctx).
			Clauses(clause.OnConflict{Columns: []clause.Column{{Name: "user_id"}}, DoNothing: true}).
			Create(&created).Error
		if createErr != nil {
			return Account{}, wrapStoreError(errorSubjectAccount, errorCodeCreate, createErr)
		}
		err = store.db.WithContext(ctx).
			Clauses(clause.Locking{Strength: "UPDATE"}).
			Where("user_id = ?", userID).
			Take(&account).Error
	}
	if err != nil {
		return Account{}, wrapStoreError(errorSubjectAccount, errorCodeLookup, err)
	}
	return account, nil
}

// writeBalance persists the new balance with the loaded balance as a guard.
// Under row locking the guard cannot fail; zero rows affected means the
// snapshot went stale and the transaction should retry.
func (store *Store) writeBalance(ctx context.Context, account Account, newBalance int64) error {
	result := store.db.WithContext(ctx).
		Model(&Account{}).
		Where("user_id = ? AND balance_credits = ?", account.UserID, account.BalanceCredits).
		Update("balance_credits", newBalance)
	if result.Error != nil {
		return wrapStoreError(errorSubjectAccount, errorCodeStale, result.Error)
	}
	if result.RowsAffected == 0 {
		return wrapStoreError(errorSubjectAccount, errorCodeStale, credits.ErrTransientStore)
	}
	return nil
}

func wrapStoreError(subject string, code string, err error) error {
	return credits.WrapError(errorOperationStore, subject, code, err)
}

func mapLedgerEntry(row LedgerEntry) (credits.Entry, error) {
	reason, err := credits.ParseEntryReason(row.Reason)
	if err != nil {
		return credits.Entry{}, err
	}
	externalEventID := ""
	if row.ExternalEventID != nil {
		externalEventID = *row.ExternalEventID
	}
	return credits.Entry{
		EntryID:          row.EntryID,
		UserID:           row.UserID,
		DeltaCredits:     row.DeltaCredits,
		Reason:           reason,
		ExternalEventID:  externalEventID,
		ResultingBalance: row.ResultingBalance,
		MetadataJSON:     string(row.Metadata),
		CreatedUnixUTC:   row.CreatedAt.Unix(),
	}, nil
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

func isTransientFailure(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, credits.ErrTransientStore) {
		return false // already classified
	}
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		return pgErr.Code == pgSerializationFailureCode || pgErr.Code == pgDeadlockDetectedCode
	}
	var sqliteErr *gosqlite.Error
	if errors.As(err, &sqliteErr) {
		code := sqliteErr.Code() & 0xFF
		return code == sqliteBusyCode || code == sqliteLockedCode
	}
	return false
}

package credits

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
)

// AmountCredits is an integer amount in the smallest billable unit.
type AmountCredits int64

// MaxAccountBalance caps an account balance. Credits past it are rejected
// with ErrBalanceOverflow instead of wrapping.
const MaxAccountBalance AmountCredits = 1_000_000_000

// UserID identifies an account owner.
type UserID struct {
	value string
}

// EventID is the provider transaction identifier used for duplicate suppression.
type EventID struct {
	value string
}

// CorrelationID links a provider checkout session to a recorded purchase intent.
type CorrelationID struct {
	value string
}

// MetadataJSON stores arbitrary request metadata.
type MetadataJSON struct {
	value string
}

// NewUserID validates and normalizes a user id.
func NewUserID(raw string) (UserID, error) {
	trimmed := strings.TrimSpace(raw)
	if trimmed == "" {
		return UserID{}, fmt.Errorf("%w: empty value", ErrInvalidUserID)
	}
	return UserID{value: trimmed}, nil
}

// String returns the normalized identifier.
func (id UserID) String() string {
	return id.value
}

// NewEventID validates and normalizes a provider event id.
func NewEventID(raw string) (EventID, error) {
	trimmed := strings.TrimSpace(raw)
	if trimmed == "" {
		return EventID{}, fmt.Errorf("%w: empty value", ErrInvalidEventID)
	}
	return EventID{value: trimmed}, nil
}

// String returns the normalized identifier.
func (id EventID) String() string {
	return id.value
}

// NewCorrelationID validates and normalizes a correlation id.
func NewCorrelationID(raw string) (CorrelationID, error) {
	trimmed := strings.TrimSpace(raw)
	if trimmed == "" {
		return CorrelationID{}, fmt.Errorf("%w: empty value", ErrInvalidCorrelationID)
	}
	return CorrelationID{value: trimmed}, nil
}

// String returns the normalized identifier.
func (id CorrelationID) String() string {
	return id.value
}

// NewMetadataJSON validates metadata (defaulting to "{}" for empty inputs).
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

// NewAmountCredits validates an amount and ensures it is strictly positive.
func NewAmountCredits(raw int64) (AmountCredits, error) {
	if raw <= 0 {
		return 0, fmt.Errorf("%w: must be greater than zero", ErrInvalidAmountCredits)
	}
	if AmountCredits(raw) > MaxAccountBalance {
		return 0, fmt.Errorf("%w: exceeds maximum balance", ErrInvalidAmountCredits)
	}
	return AmountCredits(raw), nil
}

// Int64 returns the raw amount.
func (amount AmountCredits) Int64() int64 {
	return int64(amount)
}

// EntryReason enumerates ledger entry kinds.
type EntryReason string

const (
	ReasonConsumption EntryReason = "consumption"
	ReasonFunding     EntryReason = "funding"
)

// ParseEntryReason validates a stored reason value.
func ParseEntryReason(raw string) (EntryReason, error) {
	switch EntryReason(raw) {
	case ReasonConsumption, ReasonFunding:
		return EntryReason(raw), nil
	}
	return "", fmt.Errorf("%w: %q", ErrInvalidEntryReason, raw)
}

// String returns the stored representation.
func (reason EntryReason) String() string {
	return string(reason)
}

// Entry is a single immutable line in the ledger. The sequence of entries for
// a user, applied in order, reduces to that user's current balance.
type Entry struct {
	EntryID          string
	UserID           string
	DeltaCredits     int64
	Reason           EntryReason
	ExternalEventID  string // set only for funding entries
	ResultingBalance int64
	MetadataJSON     string
	CreatedUnixUTC   int64
}

// IntentStatus defines the purchase intent lifecycle.
type IntentStatus string

const (
	IntentPending   IntentStatus = "pending"
	IntentCompleted IntentStatus = "completed"
)

// String returns the stored representation.
func (status IntentStatus) String() string {
	return string(status)
}

// PurchaseIntent records a purchase initiation awaiting provider confirmation.
// The correlation id is minted server-side at initiation time; the webhook
// merely confirms a previously recorded intent.
type PurchaseIntent struct {
	CorrelationID  string
	UserID         string
	AmountCredits  AmountCredits
	Status         IntentStatus
	CreatedUnixUTC int64
}

// EventTypeCheckoutCompleted is the only provider event type that funds an account.
const EventTypeCheckoutCompleted = "checkout.session.completed"

// ProviderEvent is a verified, parsed webhook payload.
type ProviderEvent struct {
	Type            string
	EventID         string // provider's envelope event id
	ExternalEventID string // session/transaction id, used for duplicate suppression
	UserReference   string // server-minted correlation id echoed by the provider
}

// FundOutcome describes how a funding event was settled.
type FundOutcome string

const (
	FundApplied          FundOutcome = "applied"
	FundAlreadyProcessed FundOutcome = "already_processed"
	FundIgnored          FundOutcome = "ignored"
)

// FundResult reports the settlement of one webhook delivery.
type FundResult struct {
	Outcome    FundOutcome
	UserID     string
	NewBalance AmountCredits
}

// Balance view for an account.
type Balance struct {
	Credits AmountCredits
}

// Store is the persistence contract used by Service. Balance-changing calls
// are only legal inside WithTx; the store serializes concurrent mutations of
// one account so no caller ever acts on a stale balance.
type Store interface {
	WithTx(ctx context.Context, fn func(ctx context.Context, txStore Store) error) error
	ApplyDebit(ctx context.Context, userID UserID, amount AmountCredits) (AmountCredits, error)
	ApplyCredit(ctx context.Context, userID UserID, amount AmountCredits) (AmountCredits, error)
	ClaimEvent(ctx context.Context, eventID EventID) error
	InsertEntry(ctx context.Context, entry Entry) error
	GetBalance(ctx context.Context, userID UserID) (AmountCredits, error)
	ListEntries(ctx context.Context, userID UserID, beforeUnixUTC int64, limit int) ([]Entry, error)
	CreatePurchaseIntent(ctx context.Context, intent PurchaseIntent) error
	GetPurchaseIntent(ctx context.Context, correlationID CorrelationID) (PurchaseIntent, error)
	CompletePurchaseIntent(ctx context.Context, correlationID CorrelationID) error
}

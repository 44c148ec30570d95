package credits

import (
	"context"
	"fmt"
	"sync"
	"testing"
)

// stubStore is an in-memory Store with snapshot rollback. WithTx holds one
// mutex for the whole transaction, mirroring the serialization the real store
// provides per account row.
type stubStore struct {
	mu    sync.Mutex
	state *stubState

	debitError          error
	creditError         error
	claimError          error
	insertEntryError    error
	intentCreateError   error
	intentGetError      error
	intentCompleteError error
	balanceError        error
	listEntriesError    error
	transientFailures   int
}

type stubState struct {
	balances  map[string]int64
	processed map[string]bool
	intents   map[string]PurchaseIntent
	entries   []Entry
}

func newStubStore(test *testing.T) *stubStore {
	test.Helper()
	return &stubStore{state: newStubState()}
}

func newStubState() *stubState {
	return &stubState{
		balances:  map[string]int64{},
		processed: map[string]bool{},
		intents:   map[string]PurchaseIntent{},
	}
}

func (state *stubState) clone() *stubState {
	copied := newStubState()
	for key, value := range state.balances {
		copied.balances[key] = value
	}
	for key, value := range state.processed {
		copied.processed[key] = value
	}
	for key, value := range state.intents {
		copied.intents[key] = value
	}
	copied.entries = append(copied.entries, state.entries...)
	return copied
}

func (store *stubStore) WithTx(ctx context.Context, fn func(ctx context.Context, txStore Store) error) error {
	store.mu.Lock()
	defer store.mu.Unlock()
	if store.transientFailures > 0 {
		store.transientFailures--
		return fmt.Errorf("stub: %w", ErrTransientStore)
	}
	snapshot := store.state.clone()
	err := fn(ctx, &stubTx{store: store})
	if err != nil {
		store.state = snapshot
	}
	return err
}

func (store *stubStore) ApplyDebit(context.Context, UserID, AmountCredits) (AmountCredits, error) {
	return 0, fmt.Errorf("stub: debit outside transaction")
}

func (store *stubStore) ApplyCredit(context.Context, UserID, AmountCredits) (AmountCredits, error) {
	return 0, fmt.Errorf("stub: credit outside transaction")
}

func (store *stubStore) ClaimEvent(context.Context, EventID) error {
	return fmt.Errorf("stub: claim outside transaction")
}

func (store *stubStore) InsertEntry(context.Context, Entry) error {
	return fmt.Errorf("stub: insert outside transaction")
}

func (store *stubStore) CreatePurchaseIntent(context.Context, PurchaseIntent) error {
	return fmt.Errorf("stub: intent create outside transaction")
}

func (store *stubStore) GetPurchaseIntent(context.Context, CorrelationID) (PurchaseIntent, error) {
	return PurchaseIntent{}, fmt.Errorf("stub: intent get outside transaction")
}

func (store *stubStore) CompletePurchaseIntent(context.Context, CorrelationID) error {
	return fmt.Errorf("stub: intent complete outside transaction")
}

func (store *stubStore) GetBalance(_ context.Context, userID UserID) (AmountCredits, error) {
	store.mu.Lock()
	defer store.mu.Unlock()
	if store.balanceError != nil {
		return 0, store.balanceError
	}
	return AmountCredits(store.state.balances[userID.String()]), nil
}

func (store *stubStore) ListEntries(_ context.Context, userID UserID, _ int64, limit int) ([]Entry, error) {
	store.mu.Lock()
	defer store.mu.Unlock()
	if store.listEntriesError != nil {
		return nil, store.listEntriesError
	}
	entries := make([]Entry, 0, limit)
	for index := len(store.state.entries) - 1; index >= 0 && len(entries) < limit; index-- {
		if store.state.entries[index].UserID == userID.String() {
			entries = append(entries, store.state.entries[index])
		}
	}
	return entries, nil
}

// stubTx operates on the owning store's state; the WithTx mutex is already held.
type stubTx struct {
	store *stubStore
}

func (tx *stubTx) WithTx(ctx context.Context, fn func(ctx context.Context, txStore Store) error) error {
	return fn(ctx, tx)
}

func (tx *stubTx) ApplyDebit(_ context.Context, userID UserID, amount AmountCredits) (AmountCredits, error) {
	if tx.store.debitError != nil {
		return 0, tx.store.debitError
	}
	balance := tx.store.state.balances[userID.String()]
	if balance < amount.Int64() {
		return 0, ErrInsufficientBalance
	}
	balance -= amount.Int64()
	tx.store.state.balances[userID.String()] = balance
	return AmountCredits(balance), nil
}

func (tx *stubTx) ApplyCredit(_ context.Context, userID UserID, amount AmountCredits) (AmountCredits, error) {
	if tx.store.creditError != nil {
		return 0, tx.store.creditError
	}
	balance := tx.store.state.balances[userID.String()] + amount.Int64()
	if balance > MaxAccountBalance.Int64() {
		return 0, ErrBalanceOverflow
	}
	tx.store.state.balances[userID.String()] = balance
	return AmountCredits(balance), nil
}

func (tx *stubTx) ClaimEvent(_ context.Context, eventID EventID) error {
	if tx.store.claimError != nil {
		return tx.store.claimError
	}
	if tx.store.state.processed[eventID.String()] {
		return ErrEventAlreadyProcessed
	}
	tx.store.state.processed[eventID.String()] = true
	return nil
}

func (tx *stubTx) InsertEntry(_ context.Context, entry Entry) error {
	if tx.store.insertEntryError != nil {
		return tx.store.insertEntryError
	}
	entry.EntryID = fmt.Sprintf("entry-%d", len(tx.store.state.entries)+1)
	tx.store.state.entries = append(tx.store.state.entries, entry)
	return nil
}

func (tx *stubTx) CreatePurchaseIntent(_ context.Context, intent PurchaseIntent) error {
	if tx.store.intentCreateError != nil {
		return tx.store.intentCreateError
	}
	if _, exists := tx.store.state.intents[intent.CorrelationID]; exists {
		return ErrIntentExists
	}
	tx.store.state.intents[intent.CorrelationID] = intent
	return nil
}

func (tx *stubTx) GetPurchaseIntent(_ context.Context, correlationID CorrelationID) (PurchaseIntent, error) {
	if tx.store.intentGetError != nil {
		return PurchaseIntent{}, tx.store.intentGetError
	}
	intent, exists := tx.store.state.intents[correlationID.String()]
	if !exists {
		return PurchaseIntent{}, ErrUnknownPurchaseIntent
	}
	return intent, nil
}

func (tx *stubTx) CompletePurchaseIntent(_ context.Context, correlationID CorrelationID) error {
	if tx.store.intentCompleteError != nil {
		return tx.store.intentCompleteError
	}
	intent, exists := tx.store.state.intents[correlationID.String()]
	if !exists {
		return ErrUnknownPurchaseIntent
	}
	if intent.Status != IntentPending {
		return ErrIntentAlreadyFunded
	}
	intent.Status = IntentCompleted
	tx.store.state.intents[correlationID.String()] = intent
	return nil
}

func (tx *stubTx) GetBalance(_ context.Context, userID UserID) (AmountCredits, error) {
	return AmountCredits(tx.store.state.balances[userID.String()]), nil
}

func (tx *stubTx) ListEntries(context.Context, UserID, int64, int) ([]Entry, error) {
	return nil, nil
}

func mustNewService(test *testing.T, store Store, options ...ServiceOption) *Service {
	test.Helper()
	service, err := NewService(store, func() int64 { return 1700000000 }, options...)
	if err != nil {
		test.Fatalf("service init failed: %v", err)
	}
	return service
}

func mustUserID(test *testing.T, raw string) UserID {
	test.Helper()
	userID, err := NewUserID(raw)
	if err != nil {
		test.Fatalf("user id: %v", err)
	}
	return userID
}

func mustAmount(test *testing.T, raw int64) AmountCredits {
	test.Helper()
	amount, err := NewAmountCredits(raw)
	if err != nil {
		test.Fatalf("amount: %v", err)
	}
	return amount
}

func mustMetadata(test *testing.T, raw string) MetadataJSON {
	test.Helper()
	metadata, err := NewMetadataJSON(raw)
	if err != nil {
		test.Fatalf("metadata: %v", err)
	}
	return metadata
}

// fundingEntries counts funding entries carrying the given external event id.
func fundingEntries(store *stubStore, externalEventID string) int {
	store.mu.Lock()
	defer store.mu.Unlock()
	count := 0
	for _, entry := range store.state.entries {
		if entry.Reason == ReasonFunding && entry.ExternalEventID == externalEventID {
			count++
		}
	}
	return count
}

package credits

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/google/uuid"
)

// Service contains the domain logic over a Store.
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

// Consume debits an account when a billable artifact is produced. The balance
// check and the debit happen in one transaction so two concurrent calls can
// never jointly overdraw the account.
func (service *Service) Consume(ctx context.Context, userID UserID, amount AmountCredits, metadata MetadataJSON) (AmountCredits, error) {
	var newBalance AmountCredits
	operationError := service.runTx(ctx, func(ctx context.Context, txStore Store) error {
		balance, err := txStore.ApplyDebit(ctx, userID, amount)
		if err != nil {
			return err
		}
		newBalance = balance
		return txStore.InsertEntry(ctx, Entry{
			UserID:           userID.String(),
			DeltaCredits:     -amount.Int64(),
			Reason:           ReasonConsumption,
			ResultingBalance: balance.Int64(),
			MetadataJSON:     metadata.String(),
			CreatedUnixUTC:   service.nowFn(),
		})
	})
	service.logOperation(ctx, OperationLog{
		Operation: operationConsume,
		UserID:    userID.String(),
		Amount:    amount.Int64(),
		Error:     operationError,
	})
	return newBalance, operationError
}

// BeginPurchase mints a correlation id and records a pending purchase intent.
// The id is handed to the provider at checkout-link creation time and echoed
// back in the confirmation webhook; Fund refuses events whose correlation id
// was never recorded here.
func (service *Service) BeginPurchase(ctx context.Context, userID UserID, amount AmountCredits) (PurchaseIntent, error) {
	intent := PurchaseIntent{
		CorrelationID:  uuid.NewString(),
		UserID:         userID.String(),
		AmountCredits:  amount,
		Status:         IntentPending,
		CreatedUnixUTC: service.nowFn(),
	}
	operationError := service.runTx(ctx, func(ctx context.Context, txStore Store) error {
		return txStore.CreatePurchaseIntent(ctx, intent)
	})
	service.logOperation(ctx, OperationLog{
		Operation:     operationBeginPurchase,
		UserID:        userID.String(),
		Amount:        amount.Int64(),
		CorrelationID: intent.CorrelationID,
		Error:         operationError,
	})
	if operationError != nil {
		return PurchaseIntent{}, operationError
	}
	return intent, nil
}

// Fund settles one webhook delivery. Event types other than checkout
// completion are acknowledged without effect. For a completion event the
// idempotency claim, the intent completion, the credit, and the ledger entry
// commit in a single transaction; a duplicate delivery rolls back at the
// claim and is reported as FundAlreadyProcessed, not as an error. An intent
// funds at most once: a second event carrying a fresh event id but a consumed
// correlation id is rejected with ErrIntentAlreadyFunded.
func (service *Service) Fund(ctx context.Context, event ProviderEvent) (FundResult, error) {
	if event.Type != EventTypeCheckoutCompleted {
		return FundResult{Outcome: FundIgnored}, nil
	}
	eventID, err := NewEventID(event.ExternalEventID)
	if err != nil {
		return FundResult{}, fmt.Errorf("%w: missing provider transaction id", ErrMalformedPayload)
	}
	correlationID, err := NewCorrelationID(event.UserReference)
	if err != nil {
		return FundResult{}, fmt.Errorf("%w: missing correlation id", ErrMalformedPayload)
	}

	var result FundResult
	operationError := service.runTx(ctx, func(ctx context.Context, txStore Store) error {
		if err := txStore.ClaimEvent(ctx, eventID); err != nil {
			return err
		}
		intent, err := txStore.GetPurchaseIntent(ctx, correlationID)
		if err != nil {
			return err
		}
		if intent.Status != IntentPending {
			return fmt.Errorf("%w: %s", ErrIntentAlreadyFunded, correlationID.String())
		}
		userID, err := NewUserID(intent.UserID)
		if err != nil {
			return err
		}
		if err := txStore.CompletePurchaseIntent(ctx, correlationID); err != nil {
			return err
		}
		newBalance, err := txStore.ApplyCredit(ctx, userID, intent.AmountCredits)
		if err != nil {
			return err
		}
		if err := txStore.InsertEntry(ctx, Entry{
			UserID:           intent.UserID,
			DeltaCredits:     intent.AmountCredits.Int64(),
			Reason:           ReasonFunding,
			ExternalEventID:  eventID.String(),
			ResultingBalance: newBalance.Int64(),
			MetadataJSON:     fundingMetadata(correlationID, event.EventID),
			CreatedUnixUTC:   service.nowFn(),
		}); err != nil {
			return err
		}
		result = FundResult{Outcome: FundApplied, UserID: intent.UserID, NewBalance: newBalance}
		return nil
	})
	if errors.Is(operationError, ErrEventAlreadyProcessed) {
		result = FundResult{Outcome: FundAlreadyProcessed}
		operationError = nil
	}
	service.logOperation(ctx, OperationLog{
		Operation:     operationFund,
		UserID:        result.UserID,
		Amount:        result.NewBalance.Int64(),
		EventID:       eventID.String(),
		CorrelationID: correlationID.String(),
		Outcome:       string(result.Outcome),
		Error:         operationError,
	})
	return result, operationError
}

// Balance returns the current account balance.
func (service *Service) Balance(ctx context.Context, userID UserID) (Balance, error) {
	balance, err := service.store.GetBalance(ctx, userID)
	if err != nil {
		return Balance{}, err
	}
	return Balance{Credits: balance}, nil
}

// History returns the most recent ledger entries for an account.
func (service *Service) History(ctx context.Context, userID UserID, limit int) ([]Entry, error) {
	return service.store.ListEntries(ctx, userID, service.nowFn()+1, limit)
}

func (service *Service) runTx(ctx context.Context, fn func(ctx context.Context, txStore Store) error) error {
	var lastErr error
	for attempt := 0; attempt < maxTxAttempts; attempt++ {
		lastErr = service.store.WithTx(ctx, fn)
		if !errors.Is(lastErr, ErrTransientStore) {
			return lastErr
		}
	}
	return lastErr
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

func fundingMetadata(correlationID CorrelationID, envelopeEventID string) string {
	raw, err := json.Marshal(map[string]string{
		"correlation_id": correlationID.String(),
		"event_id":       envelopeEventID,
	})
	if err != nil {
		return "{}"
	}
	return string(raw)
}

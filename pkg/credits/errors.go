package credits

import (
	"errors"
	"fmt"
)

// Domain-level error values returned by the credits service.
var (
	ErrUnauthenticated       = errors.New("unauthenticated")
	ErrInvalidSignature      = errors.New("invalid signature")
	ErrMalformedPayload      = errors.New("malformed payload")
	ErrInsufficientBalance   = errors.New("insufficient balance")
	ErrBalanceOverflow       = errors.New("balance overflow")
	ErrEventAlreadyProcessed = errors.New("event already processed")
	ErrUnknownPurchaseIntent = errors.New("unknown purchase intent")
	ErrIntentExists          = errors.New("purchase intent already exists")
	ErrIntentAlreadyFunded   = errors.New("purchase intent already funded")
	ErrTransientStore        = errors.New("transient store failure")
	ErrInvalidUserID         = errors.New("invalid user id")
	ErrInvalidEventID        = errors.New("invalid event id")
	ErrInvalidCorrelationID  = errors.New("invalid correlation id")
	ErrInvalidAmountCredits  = errors.New("invalid amount credits")
	ErrInvalidEntryReason    = errors.New("invalid entry reason")
	ErrInvalidMetadataJSON   = errors.New("invalid metadata json")
	ErrInvalidServiceConfig  = errors.New("invalid service config")
	ErrInvalidBalance        = errors.New("invalid balance")
)

// OperationError wraps a failure with a stable operation code.
type OperationError struct {
	operation string
	subject   string
	code      string
	err       error
}

// Error returns the formatted error message.
func (operationError OperationError) Error() string {
	return fmt.Sprintf("%s.%s.%s: %v", operationError.operation, operationError.subject, operationError.code, operationError.err)
}

// Unwrap returns the underlying error.
func (operationError OperationError) Unwrap() error {
	return operationError.err
}

// Operation returns the operation segment.
func (operationError OperationError) Operation() string {
	return operationError.operation
}

// Subject returns the subject segment.
func (operationError OperationError) Subject() string {
	return operationError.subject
}

// Code returns the stable error code segment.
func (operationError OperationError) Code() string {
	return operationError.code
}

// WrapError wraps an error with operation, subject, and code metadata.
func WrapError(operation string, subject string, code string, err error) error {
	if err == nil {
		return nil
	}
	return OperationError{
		operation: operation,
		subject:   subject,
		code:      code,
		err:       err,
	}
}

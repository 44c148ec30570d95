package credits

import (
	"errors"
	"testing"
)

func TestWrapErrorPreservesSentinel(test *testing.T) {
	test.Parallel()
	wrapped := WrapError("store", "account", "DEBIT_FAILED", ErrInsufficientBalance)
	if !errors.Is(wrapped, ErrInsufficientBalance) {
		test.Fatalf("expected wrapped error to match sentinel")
	}
	var operationError OperationError
	if !errors.As(wrapped, &operationError) {
		test.Fatalf("expected OperationError")
	}
	if operationError.Operation() != "store" || operationError.Subject() != "account" || operationError.Code() != "DEBIT_FAILED" {
		test.Fatalf("unexpected segments: %s %s %s", operationError.Operation(), operationError.Subject(), operationError.Code())
	}
	expected := "store.account.DEBIT_FAILED: insufficient balance"
	if wrapped.Error() != expected {
		test.Fatalf("expected %q, got %q", expected, wrapped.Error())
	}
}

func TestWrapErrorNilPassthrough(test *testing.T) {
	test.Parallel()
	if WrapError("store", "account", "DEBIT_FAILED", nil) != nil {
		test.Fatalf("expected nil for nil cause")
	}
}

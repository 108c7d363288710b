package credit

import (
	"errors"
	"fmt"
)

// Domain-level error values returned by the credit core.
var (
	ErrUserIDRequired            = errors.New("user id required")
	ErrInvalidFeature            = errors.New("invalid feature")
	ErrInvalidAmount             = errors.New("invalid amount")
	ErrInvalidMetadataJSON       = errors.New("invalid metadata json")
	ErrInsufficientCredits       = errors.New("insufficient credits")
	ErrSubscriptionLimitExceeded = errors.New("subscription limit exceeded")
	ErrTransactionNotFound       = errors.New("transaction not found")
	ErrInvalidTransactionState   = errors.New("invalid transaction state")
	ErrOrphanedReservation       = errors.New("orphaned reservation")
	ErrUpstreamUnavailable       = errors.New("upstream unavailable")
	ErrCreditsNotInitialized     = errors.New("credits not initialized")
	ErrBalanceNotFound           = errors.New("balance not found")
	ErrInvalidServiceConfig      = errors.New("invalid service config")
)

// InsufficientCreditsError carries the shortfall alongside the sentinel.
type InsufficientCreditsError struct {
	Required       int64
	CurrentBalance int64
	Shortfall      int64
}

// Error returns the formatted error message.
func (insufficientError InsufficientCreditsError) Error() string {
	return fmt.Sprintf("%v: need %d, have %d (short %d)", ErrInsufficientCredits, insufficientError.Required, insufficientError.CurrentBalance, insufficientError.Shortfall)
}

// Unwrap returns the sentinel so errors.Is keeps working.
func (insufficientError InsufficientCreditsError) Unwrap() error {
	return ErrInsufficientCredits
}

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

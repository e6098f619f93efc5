package points

import (
	"errors"
	"fmt"
)

// Domain-level error values returned by the points service.
var (
	ErrAccountNotFound         = errors.New("account not found")
	ErrInsufficientBalance     = errors.New("insufficient balance")
	ErrConcurrentModification  = errors.New("concurrent modification")
	ErrDuplicateIdempotencyKey = errors.New("duplicate idempotency key")
	ErrInvalidAccountID        = errors.New("invalid account id")
	ErrInvalidIdempotencyKey   = errors.New("invalid idempotency key")
	ErrInvalidAmount           = errors.New("invalid amount")
	ErrInvalidTransactionType  = errors.New("invalid transaction type")
	ErrInvalidMetadataJSON     = errors.New("invalid metadata json")
	ErrInvalidCreditAmount     = errors.New("invalid credit amount")
	ErrInvalidServiceConfig    = errors.New("invalid service config")
	ErrInvalidBalance          = errors.New("invalid balance")
)

// InsufficientBalanceError reports how many points were available and required.
type InsufficientBalanceError struct {
	Balance  int64
	Required int64
}

// Error returns the formatted error message.
func (insufficientError *InsufficientBalanceError) Error() string {
	return fmt.Sprintf("insufficient balance: have %d, need %d", insufficientError.Balance, insufficientError.Required)
}

// Is matches the ErrInsufficientBalance sentinel.
func (insufficientError *InsufficientBalanceError) Is(target error) bool {
	return target == ErrInsufficientBalance
}

// Missing returns how many points the account is short.
func (insufficientError *InsufficientBalanceError) Missing() int64 {
	return insufficientError.Required - insufficientError.Balance
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

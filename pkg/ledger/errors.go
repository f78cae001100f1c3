package ledger

import (
	"errors"
	"fmt"
)

// Domain-level error values returned by the ledger service.
var (
	ErrUnknownAccount        = errors.New("unknown account")
	ErrAccountExists         = errors.New("account already exists")
	ErrAccountSuspended      = errors.New("account suspended")
	ErrDuplicateTransaction  = errors.New("duplicate transaction")
	ErrInvalidCustomerID     = errors.New("invalid customer id")
	ErrInvalidAmount         = errors.New("invalid amount")
	ErrInvalidDays           = errors.New("invalid days")
	ErrInvalidMetadataJSON   = errors.New("invalid metadata json")
	ErrInvalidServiceConfig  = errors.New("invalid service config")
	ErrInvalidStatus         = errors.New("invalid status")
	ErrInvalidTransactionRow = errors.New("invalid transaction row")
	ErrLedgerMismatch        = errors.New("ledger mismatch")
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

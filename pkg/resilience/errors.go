package resilience

import (
	"errors"
	"fmt"
)

// Error kinds returned by the executor. Every executor failure wraps exactly one of them.
var (
	ErrCircuitOpen            = errors.New("circuit open")
	ErrFatalOperation         = errors.New("fatal operation error")
	ErrRetriesExhausted       = errors.New("retries exhausted")
	ErrOperationTimeout       = errors.New("operation timed out")
	ErrInvalidRetryPolicy     = errors.New("invalid retry policy")
	ErrInvalidExecutorConfig  = errors.New("invalid executor config")
	ErrInvalidOperationName   = errors.New("invalid operation name")
	ErrInvalidBackoffSettings = errors.New("invalid backoff settings")
)

// OperationError reports the outcome of a failed executor call.
type OperationError struct {
	operation string
	attempts  int
	kind      error
	err       error
}

func newOperationError(operation string, attempts int, kind error, cause error) *OperationError {
	return &OperationError{operation: operation, attempts: attempts, kind: kind, err: cause}
}

// Error returns the formatted error message.
func (operationError *OperationError) Error() string {
	if operationError.err == nil {
		return fmt.Sprintf("%s: %v after %d attempt(s)", operationError.operation, operationError.kind, operationError.attempts)
	}
	return fmt.Sprintf("%s: %v after %d attempt(s): %v", operationError.operation, operationError.kind, operationError.attempts, operationError.err)
}

// Unwrap exposes both the kind sentinel and the underlying cause.
func (operationError *OperationError) Unwrap() []error {
	if operationError.err == nil {
		return []error{operationError.kind}
	}
	return []error{operationError.kind, operationError.err}
}

// Operation returns the protected operation name.
func (operationError *OperationError) Operation() string {
	return operationError.operation
}

// Attempts returns how many times the operation was invoked.
func (operationError *OperationError) Attempts() int {
	return operationError.attempts
}

// Kind returns the executor error kind (ErrCircuitOpen, ErrFatalOperation, ...).
func (operationError *OperationError) Kind() error {
	return operationError.kind
}

// Cause returns the last error produced by the operation, if any.
func (operationError *OperationError) Cause() error {
	return operationError.err
}

package resilience

import (
	"errors"
	"fmt"
	"net/http"
	"strings"
)

// ErrorCategory tells the executor whether a failure is worth retrying.
type ErrorCategory string

const (
	CategoryFatal     ErrorCategory = "fatal"
	CategoryRetryable ErrorCategory = "retryable"
)

// fatalMessageFragments mark a failure as non-retryable when found in the lowercased message.
var fatalMessageFragments = []string{
	"invalid credentials",
	"authentication failed",
	"authorization failed",
	"unauthorized",
	"forbidden",
	"not found",
	"invalid parameter",
	"invalid argument",
	"invalid value",
	"policy violation",
	"billing",
	"budget constraint",
	"duplicate",
	"already exists",
	"permission denied",
}

// StatusCoder is implemented by errors that carry a numeric status code.
type StatusCoder interface {
	StatusCode() int
}

// ExternalError is the typed failure raised by external-call collaborators.
type ExternalError struct {
	Message string
	Status  int
}

// NewExternalError builds an ExternalError with an optional status code (0 when unknown).
func NewExternalError(status int, format string, args ...any) *ExternalError {
	return &ExternalError{Message: fmt.Sprintf(format, args...), Status: status}
}

// Error returns the message, prefixed with the status when present.
func (externalError *ExternalError) Error() string {
	if externalError.Status == 0 {
		return externalError.Message
	}
	return fmt.Sprintf("status %d: %s", externalError.Status, externalError.Message)
}

// StatusCode returns the status code, 0 when unknown.
func (externalError *ExternalError) StatusCode() int {
	return externalError.Status
}

// CategorizeError classifies err as fatal or retryable.
func CategorizeError(err error) ErrorCategory {
	if err == nil {
		return CategoryRetryable
	}
	message := strings.ToLower(err.Error())
	for _, fragment := range fatalMessageFragments {
		if strings.Contains(message, fragment) {
			return CategoryFatal
		}
	}
	status, ok := statusCodeOf(err)
	if ok && status >= http.StatusBadRequest && status < http.StatusInternalServerError &&
		status != http.StatusTooManyRequests && status != http.StatusRequestTimeout {
		return CategoryFatal
	}
	return CategoryRetryable
}

func statusCodeOf(err error) (int, bool) {
	var coder StatusCoder
	if !errors.As(err, &coder) {
		return 0, false
	}
	status := coder.StatusCode()
	return status, status != 0
}

package ledger

import (
	"context"
	"time"

	"github.com/shopspring/decimal"
)

// ServiceOption configures a Service instance.
type ServiceOption func(*Service)

// OperationLogger records domain-level events emitted by Service operations.
type OperationLogger interface {
	LogOperation(ctx context.Context, entry OperationLog)
}

// OperationLog describes a state-changing ledger operation.
type OperationLog struct {
	Operation       string
	CustomerID      CustomerID
	Amount          decimal.Decimal
	BalanceAfter    decimal.Decimal
	PaymentStatus   PaymentStatus
	ChargeReference string
	Status          string
	Error           error
}

// WithOperationLogger wires a logger that receives callbacks for every operation.
func WithOperationLogger(logger OperationLogger) ServiceOption {
	return func(service *Service) {
		service.logger = logger
	}
}

// WithLowBalanceRatio sets the fraction of the initial credit below which an account is low.
func WithLowBalanceRatio(ratio decimal.Decimal) ServiceOption {
	return func(service *Service) {
		if ratio.IsPositive() {
			service.lowBalanceRatio = ratio
		}
	}
}

// WithSpendWindow sets the trailing window used for average daily spend.
func WithSpendWindow(window time.Duration) ServiceOption {
	return func(service *Service) {
		if window > 0 {
			service.spendWindow = window
		}
	}
}

// WithIDGenerator overrides transaction id generation.
func WithIDGenerator(generate func() string) ServiceOption {
	return func(service *Service) {
		if generate != nil {
			service.newID = generate
		}
	}
}

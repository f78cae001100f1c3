package logging

import (
	"context"

	"github.com/MarkoPoloResearchLab/adspend/pkg/ledger"
	"github.com/MarkoPoloResearchLab/adspend/pkg/resilience"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// EventLogger writes executor and breaker events through zap.
type EventLogger struct {
	logger *zap.Logger
}

// NewEventLogger adapts logger to resilience.EventLogger.
func NewEventLogger(logger *zap.Logger) *EventLogger {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &EventLogger{logger: logger}
}

// LogEvent emits one entry per event. Attempt starts and successes are debug,
// retries and degraded breakers warn, terminal failures error.
func (eventLogger *EventLogger) LogEvent(_ context.Context, event resilience.Event) {
	fields := []zap.Field{
		zap.String("operation", event.Operation),
		zap.String("event", string(event.Kind)),
	}
	if event.Attempt > 0 {
		fields = append(fields, zap.Int("attempt", event.Attempt), zap.Int("max_attempts", event.MaxAttempts))
	}
	if event.Delay > 0 {
		fields = append(fields, zap.Duration("delay", event.Delay))
	}
	for key, value := range event.Fields {
		fields = append(fields, zap.Any(key, value))
	}
	if event.Error != nil {
		fields = append(fields, zap.Error(event.Error))
	}
	eventLogger.logger.Log(eventLevel(event.Kind), "external call", fields...)
}

func eventLevel(kind resilience.EventKind) zapcore.Level {
	switch kind {
	case resilience.EventAttemptStarted, resilience.EventAttemptSucceeded:
		return zapcore.DebugLevel
	case resilience.EventRetryScheduled, resilience.EventBreakerDegraded, resilience.EventCircuitOpen:
		return zapcore.WarnLevel
	default:
		return zapcore.ErrorLevel
	}
}

// OperationLogger writes ledger operations through zap.
type OperationLogger struct {
	logger *zap.Logger
}

// NewOperationLogger adapts logger to ledger.OperationLogger.
func NewOperationLogger(logger *zap.Logger) *OperationLogger {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &OperationLogger{logger: logger}
}

// LogOperation records a ledger mutation; failed ones are logged at warn.
func (operationLogger *OperationLogger) LogOperation(_ context.Context, entry ledger.OperationLog) {
	fields := []zap.Field{
		zap.String("operation", entry.Operation),
		zap.String("customer_id", entry.CustomerID.String()),
		zap.String("status", entry.Status),
	}
	if !entry.Amount.IsZero() {
		fields = append(fields, zap.String("amount", entry.Amount.StringFixed(ledger.AmountScale)))
	}
	if entry.PaymentStatus != "" {
		fields = append(fields, zap.String("payment_status", string(entry.PaymentStatus)))
	}
	if entry.ChargeReference != "" {
		fields = append(fields, zap.String("charge_reference", entry.ChargeReference))
	}
	if entry.Error != nil {
		operationLogger.logger.Warn("ledger operation failed", append(fields, zap.Error(entry.Error))...)
		return
	}
	fields = append(fields, zap.String("balance_after", entry.BalanceAfter.StringFixed(ledger.AmountScale)))
	operationLogger.logger.Info("ledger operation", fields...)
}

// Package notify delivers billing notifications to the log and to Kafka.
package notify

import (
	"context"
	"errors"
	"time"

	"github.com/MarkoPoloResearchLab/adspend/pkg/billing"
	"github.com/MarkoPoloResearchLab/adspend/pkg/ledger"
	"github.com/google/uuid"
	"go.uber.org/zap"
)

// BillingEvent is the wire form of a billing notification.
type BillingEvent struct {
	EventID           string `json:"event_id"`
	Kind              string `json:"kind"`
	CustomerID        string `json:"customer_id"`
	BillingDate       string `json:"billing_date"`
	Amount            string `json:"amount"`
	Balance           string `json:"balance"`
	PaymentStatus     string `json:"payment_status"`
	FailedChargeCount int    `json:"failed_charge_count"`
	GracePeriodEndsAt string `json:"grace_period_ends_at,omitempty"`
	Reason            string `json:"reason"`
	OccurredAt        string `json:"occurred_at"`
}

// NewBillingEvent renders notification at occurredAt.
func NewBillingEvent(notification billing.Notification, occurredAt time.Time) BillingEvent {
	event := BillingEvent{
		EventID:           uuid.NewString(),
		Kind:              string(notification.Kind),
		CustomerID:        notification.CustomerID.String(),
		BillingDate:       notification.BillingDate.UTC().Format(time.DateOnly),
		Amount:            notification.Amount.StringFixed(ledger.AmountScale),
		Balance:           notification.Account.CurrentBalance.StringFixed(ledger.AmountScale),
		PaymentStatus:     string(notification.Account.PaymentStatus),
		FailedChargeCount: notification.Account.FailedChargeCount,
		Reason:            notification.Reason,
		OccurredAt:        occurredAt.UTC().Format(time.RFC3339),
	}
	if notification.Account.GracePeriodEndsAt != nil {
		event.GracePeriodEndsAt = notification.Account.GracePeriodEndsAt.UTC().Format(time.RFC3339)
	}
	return event
}

// LogNotifier writes notifications to a zap logger.
type LogNotifier struct {
	logger *zap.Logger
}

// NewLogNotifier returns a notifier that logs at info level.
func NewLogNotifier(logger *zap.Logger) *LogNotifier {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &LogNotifier{logger: logger}
}

func (notifier *LogNotifier) Notify(_ context.Context, notification billing.Notification) error {
	notifier.logger.Info("billing notification",
		zap.String("kind", string(notification.Kind)),
		zap.String("customer_id", notification.CustomerID.String()),
		zap.String("billing_date", notification.BillingDate.UTC().Format(time.DateOnly)),
		zap.String("amount", notification.Amount.StringFixed(ledger.AmountScale)),
		zap.String("payment_status", string(notification.Account.PaymentStatus)),
		zap.String("reason", notification.Reason),
	)
	return nil
}

// MultiNotifier delivers to every notifier and joins their failures.
type MultiNotifier struct {
	notifiers []billing.Notifier
}

// NewMultiNotifier skips nil entries.
func NewMultiNotifier(notifiers ...billing.Notifier) *MultiNotifier {
	kept := make([]billing.Notifier, 0, len(notifiers))
	for _, notifier := range notifiers {
		if notifier != nil {
			kept = append(kept, notifier)
		}
	}
	return &MultiNotifier{notifiers: kept}
}

func (multi *MultiNotifier) Notify(ctx context.Context, notification billing.Notification) error {
	var failures []error
	for _, notifier := range multi.notifiers {
		if err := notifier.Notify(ctx, notification); err != nil {
			failures = append(failures, err)
		}
	}
	return errors.Join(failures...)
}

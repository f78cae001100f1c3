package billing

import (
	"context"
	"time"

	"github.com/MarkoPoloResearchLab/adspend/pkg/ledger"
	"github.com/shopspring/decimal"
)

// ChargeRequest asks the payment gateway to charge the customer's stored payment method.
type ChargeRequest struct {
	CustomerID     ledger.CustomerID
	Amount         decimal.Decimal
	IdempotencyKey string
	Description    string
}

// ChargeReceipt identifies a successful charge.
type ChargeReceipt struct {
	Reference string
}

// PaymentCharger charges customers.
type PaymentCharger interface {
	Charge(ctx context.Context, request ChargeRequest) (ChargeReceipt, error)
}

// DateRange is the half-open interval [Start, End).
type DateRange struct {
	Start time.Time
	End   time.Time
}

// SpendReporter reports actual ad-platform spend.
type SpendReporter interface {
	ActualSpend(ctx context.Context, customerID ledger.CustomerID, period DateRange) (decimal.Decimal, error)
}

// Campaign is the platform-side campaign view the billing cycle acts on.
type Campaign struct {
	ID       string
	Name     string
	Platform string
	Active   bool
}

// CampaignController applies billing decisions on the ad platforms.
type CampaignController interface {
	ListCampaigns(ctx context.Context, customerID ledger.CustomerID) ([]Campaign, error)
	PauseCampaigns(ctx context.Context, customerID ledger.CustomerID, reason string) error
	ResumeCampaigns(ctx context.Context, customerID ledger.CustomerID) error
	ApplyBudgetMultiplier(ctx context.Context, customerID ledger.CustomerID, campaignID string, multiplier decimal.Decimal) error
}

// NotificationKind names a customer-facing billing notice.
type NotificationKind string

const (
	NotificationWarning    NotificationKind = "warning"
	NotificationFailure    NotificationKind = "failure"
	NotificationPaused     NotificationKind = "paused"
	NotificationResumed    NotificationKind = "resumed"
	NotificationLowBalance NotificationKind = "low_balance"
)

// Notification carries the account state at the time of the notice.
type Notification struct {
	Kind        NotificationKind
	CustomerID  ledger.CustomerID
	Account     ledger.Account
	BillingDate time.Time
	Amount      decimal.Decimal
	Reason      string
}

// Notifier delivers notices. Failures are logged by the processor and never propagated.
type Notifier interface {
	Notify(ctx context.Context, notification Notification) error
}

// Lock is a held advisory lock.
type Lock interface {
	Release(ctx context.Context) error
}

// Locker hands out per-key advisory locks. Acquire fails with ErrLockHeld when busy.
type Locker interface {
	Acquire(ctx context.Context, key string, ttl time.Duration) (Lock, error)
}

// RunClaim marks one customer's billing for one date as in progress.
type RunClaim struct {
	Key         string
	CustomerID  ledger.CustomerID
	BillingDate time.Time
	ClaimedAt   time.Time
}

// RunStore makes daily billing idempotent. ClaimRun fails with ErrRunAlreadyClaimed
// when the key was claimed before.
type RunStore interface {
	ClaimRun(ctx context.Context, claim RunClaim) error
	FinishRun(ctx context.Context, key string, result Result) error
	ReleaseRun(ctx context.Context, key string) error
}

type nopNotifier struct{}

func (nopNotifier) Notify(context.Context, Notification) error { return nil }

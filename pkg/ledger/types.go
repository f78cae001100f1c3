package ledger

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/shopspring/decimal"
)

// CustomerID identifies the owner of a prepaid ad-spend account.
type CustomerID struct {
	value string
}

// NewCustomerID validates and normalizes a customer id.
func NewCustomerID(raw string) (CustomerID, error) {
	trimmed := strings.TrimSpace(raw)
	if trimmed == "" {
		return CustomerID{}, fmt.Errorf("%w: empty value", ErrInvalidCustomerID)
	}
	return CustomerID{value: trimmed}, nil
}

// String returns the normalized identifier.
func (id CustomerID) String() string {
	return id.value
}

// IsZero reports whether the id was never set.
func (id CustomerID) IsZero() bool {
	return id.value == ""
}

// MetadataJSON stores arbitrary transaction metadata.
type MetadataJSON struct {
	value string
}

// NewMetadataJSON validates metadata string (defaulting to "{}" for empty inputs).
func NewMetadataJSON(raw string) (MetadataJSON, error) {
	normalized := strings.TrimSpace(raw)
	if normalized == "" {
		normalized = "{}"
	}
	if !json.Valid([]byte(normalized)) {
		return MetadataJSON{}, fmt.Errorf("%w: must be valid json", ErrInvalidMetadataJSON)
	}
	return MetadataJSON{value: normalized}, nil
}

// String returns the normalized JSON blob.
func (metadata MetadataJSON) String() string {
	if metadata.value == "" {
		return "{}"
	}
	return metadata.value
}

// AccountStatus reflects the balance health of an account.
type AccountStatus string

const (
	AccountStatusActive     AccountStatus = "active"
	AccountStatusLowBalance AccountStatus = "low_balance"
	AccountStatusDepleted   AccountStatus = "depleted"
	AccountStatusSuspended  AccountStatus = "suspended"
)

// ParseAccountStatus validates a stored status value.
func ParseAccountStatus(raw string) (AccountStatus, error) {
	switch status := AccountStatus(strings.TrimSpace(raw)); status {
	case AccountStatusActive, AccountStatusLowBalance, AccountStatusDepleted, AccountStatusSuspended:
		return status, nil
	default:
		return "", fmt.Errorf("%w: account status %q", ErrInvalidStatus, raw)
	}
}

// PaymentStatus is the billing escalation state of an account.
type PaymentStatus string

const (
	PaymentStatusCurrent     PaymentStatus = "current"
	PaymentStatusGracePeriod PaymentStatus = "grace_period"
	PaymentStatusFailed      PaymentStatus = "failed"
	PaymentStatusPaused      PaymentStatus = "paused"
)

// ParsePaymentStatus validates a stored payment status value.
func ParsePaymentStatus(raw string) (PaymentStatus, error) {
	switch status := PaymentStatus(strings.TrimSpace(raw)); status {
	case PaymentStatusCurrent, PaymentStatusGracePeriod, PaymentStatusFailed, PaymentStatusPaused:
		return status, nil
	default:
		return "", fmt.Errorf("%w: payment status %q", ErrInvalidStatus, raw)
	}
}

// TransactionType enumerates ledger row kinds.
type TransactionType string

const (
	TransactionCredit     TransactionType = "credit"
	TransactionDeduction  TransactionType = "deduction"
	TransactionRefund     TransactionType = "refund"
	TransactionAdjustment TransactionType = "adjustment"
)

// ParseTransactionType validates a stored transaction type.
func ParseTransactionType(raw string) (TransactionType, error) {
	switch transactionType := TransactionType(strings.TrimSpace(raw)); transactionType {
	case TransactionCredit, TransactionDeduction, TransactionRefund, TransactionAdjustment:
		return transactionType, nil
	default:
		return "", fmt.Errorf("%w: transaction type %q", ErrInvalidTransactionRow, raw)
	}
}

// Account is the prepaid ad-spend credit record of one customer.
type Account struct {
	CustomerID          CustomerID
	CurrentBalance      decimal.Decimal
	InitialCreditAmount decimal.Decimal
	Status              AccountStatus
	PaymentStatus       PaymentStatus
	FailedChargeCount   int
	GracePeriodEndsAt   *time.Time
	CampaignsPausedAt   *time.Time
	TransactionCount    int64
	CreatedAt           time.Time
	UpdatedAt           time.Time
}

// Debt returns how far the balance is overdrawn, zero when it is not.
func (account Account) Debt() decimal.Decimal {
	if account.CurrentBalance.IsNegative() {
		return account.CurrentBalance.Neg()
	}
	return decimal.Zero
}

// Available returns the non-negative part of the balance.
func (account Account) Available() decimal.Decimal {
	if account.CurrentBalance.IsPositive() {
		return account.CurrentBalance
	}
	return decimal.Zero
}

// Transaction is one immutable ledger row. Amount is signed; BalanceAfter is the
// running balance once this row is applied.
type Transaction struct {
	TransactionID   string
	CustomerID      CustomerID
	Sequence        int64
	Type            TransactionType
	Amount          decimal.Decimal
	BalanceAfter    decimal.Decimal
	Description     string
	ChargeReference string
	Metadata        MetadataJSON
	CreatedAt       time.Time
}

// Store is the persistence contract used by Service.
type Store interface {
	WithTx(ctx context.Context, fn func(ctx context.Context, txStore Store) error) error
	// CreateAccount fails with ErrAccountExists when the customer already has one.
	CreateAccount(ctx context.Context, account Account) error
	// GetAccount fails with ErrUnknownAccount. Inside WithTx the row is locked where supported.
	GetAccount(ctx context.Context, customerID CustomerID) (Account, error)
	UpdateAccount(ctx context.Context, account Account) error
	// InsertTransaction fails with ErrDuplicateTransaction on a repeated sequence.
	InsertTransaction(ctx context.Context, transaction Transaction) error
	// ListTransactions returns rows created at or after since, ascending by sequence.
	// A non-positive limit returns every row.
	ListTransactions(ctx context.Context, customerID CustomerID, since time.Time, limit int) ([]Transaction, error)
	ListCustomerIDs(ctx context.Context) ([]CustomerID, error)
}

package httpapi

import (
	"encoding/json"
	"time"

	"github.com/MarkoPoloResearchLab/adspend/pkg/billing"
	"github.com/MarkoPoloResearchLab/adspend/pkg/ledger"
	"github.com/MarkoPoloResearchLab/adspend/pkg/resilience"
	"github.com/shopspring/decimal"
)

type openAccountRequest struct {
	CustomerID      string           `json:"customer_id"`
	InitialCredit   *decimal.Decimal `json:"initial_credit"`
	DailyBudget     *decimal.Decimal `json:"daily_budget"`
	Days            int              `json:"days"`
	ChargeReference string           `json:"charge_reference"`
}

type amountRequest struct {
	Amount          decimal.Decimal `json:"amount"`
	Description     string          `json:"description"`
	ChargeReference string          `json:"charge_reference"`
}

type billingRunRequest struct {
	BillingDate string `json:"billing_date"`
}

type accountPayload struct {
	CustomerID             string  `json:"customer_id"`
	CurrentBalance         string  `json:"current_balance"`
	InitialCreditAmount    string  `json:"initial_credit_amount"`
	Status                 string  `json:"status"`
	PaymentStatus          string  `json:"payment_status"`
	FailedChargeCount      int     `json:"failed_charge_count"`
	GracePeriodEndsAt      *string `json:"grace_period_ends_at,omitempty"`
	CampaignsPausedAt      *string `json:"campaigns_paused_at,omitempty"`
	TransactionCount       int64   `json:"transaction_count"`
	ProjectedDaysRemaining *string `json:"projected_days_remaining,omitempty"`
	CreatedAt              string  `json:"created_at"`
	UpdatedAt              string  `json:"updated_at"`
}

type transactionPayload struct {
	TransactionID   string          `json:"transaction_id"`
	Sequence        int64           `json:"sequence"`
	Type            string          `json:"type"`
	Amount          string          `json:"amount"`
	BalanceAfter    string          `json:"balance_after"`
	Description     string          `json:"description"`
	ChargeReference string          `json:"charge_reference,omitempty"`
	Metadata        json.RawMessage `json:"metadata"`
	CreatedAt       string          `json:"created_at"`
}

type billingResultPayload struct {
	CustomerID      string `json:"customer_id"`
	BillingDate     string `json:"billing_date"`
	Outcome         string `json:"outcome"`
	ActualSpend     string `json:"actual_spend"`
	Deducted        string `json:"deducted"`
	Charged         string `json:"charged"`
	ChargeReference string `json:"charge_reference,omitempty"`
	Recovered       bool   `json:"recovered"`
	PaymentStatus   string `json:"payment_status"`
	Balance         string `json:"balance"`
	PaymentError    string `json:"payment_error,omitempty"`
}

type verificationPayload struct {
	CustomerID       string `json:"customer_id"`
	Consistent       bool   `json:"consistent"`
	ReplayedBalance  string `json:"replayed_balance"`
	StoredBalance    string `json:"stored_balance"`
	TransactionCount int64  `json:"transaction_count"`
}

type circuitPayload struct {
	Service        string  `json:"service"`
	State          string  `json:"state"`
	FailureCount   int     `json:"failure_count"`
	OpenedAt       *string `json:"opened_at,omitempty"`
	RetryTimeoutMs int64   `json:"retry_timeout_ms"`
}

func newAccountPayload(account ledger.Account) accountPayload {
	return accountPayload{
		CustomerID:          account.CustomerID.String(),
		CurrentBalance:      formatAmount(account.CurrentBalance),
		InitialCreditAmount: formatAmount(account.InitialCreditAmount),
		Status:              string(account.Status),
		PaymentStatus:       string(account.PaymentStatus),
		FailedChargeCount:   account.FailedChargeCount,
		GracePeriodEndsAt:   formatOptionalTime(account.GracePeriodEndsAt),
		CampaignsPausedAt:   formatOptionalTime(account.CampaignsPausedAt),
		TransactionCount:    account.TransactionCount,
		CreatedAt:           formatTime(account.CreatedAt),
		UpdatedAt:           formatTime(account.UpdatedAt),
	}
}

func newTransactionPayload(transaction ledger.Transaction) transactionPayload {
	return transactionPayload{
		TransactionID:   transaction.TransactionID,
		Sequence:        transaction.Sequence,
		Type:            string(transaction.Type),
		Amount:          formatAmount(transaction.Amount),
		BalanceAfter:    formatAmount(transaction.BalanceAfter),
		Description:     transaction.Description,
		ChargeReference: transaction.ChargeReference,
		Metadata:        json.RawMessage(transaction.Metadata.String()),
		CreatedAt:       formatTime(transaction.CreatedAt),
	}
}

func newBillingResultPayload(result billing.Result) billingResultPayload {
	payload := billingResultPayload{
		CustomerID:      result.CustomerID.String(),
		BillingDate:     result.BillingDate.Format(time.DateOnly),
		Outcome:         string(result.Outcome),
		ActualSpend:     formatAmount(result.ActualSpend),
		Deducted:        formatAmount(result.Deducted),
		Charged:         formatAmount(result.Charged),
		ChargeReference: result.ChargeReference,
		Recovered:       result.Recovered,
		PaymentStatus:   string(result.PaymentStatus),
		Balance:         formatAmount(result.Balance),
	}
	if result.PaymentError != nil {
		payload.PaymentError = result.PaymentError.Error()
	}
	return payload
}

func newVerificationPayload(verification ledger.Verification, consistent bool) verificationPayload {
	return verificationPayload{
		CustomerID:       verification.CustomerID.String(),
		Consistent:       consistent,
		ReplayedBalance:  formatAmount(verification.ReplayedBalance),
		StoredBalance:    formatAmount(verification.StoredBalance),
		TransactionCount: verification.TransactionCount,
	}
}

func newCircuitPayload(state resilience.CircuitState) circuitPayload {
	payload := circuitPayload{
		Service:        state.ServiceName,
		State:          string(state.State),
		FailureCount:   state.FailureCount,
		RetryTimeoutMs: state.RetryTimeout.Milliseconds(),
	}
	if !state.OpenedAt.IsZero() {
		payload.OpenedAt = formatOptionalTime(&state.OpenedAt)
	}
	return payload
}

func formatAmount(amount decimal.Decimal) string {
	return amount.StringFixed(ledger.AmountScale)
}

func formatTime(value time.Time) string {
	return value.UTC().Format(time.RFC3339)
}

func formatOptionalTime(value *time.Time) *string {
	if value == nil {
		return nil
	}
	formatted := formatTime(*value)
	return &formatted
}

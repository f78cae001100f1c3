package billing

import (
	"errors"
	"fmt"

	"github.com/MarkoPoloResearchLab/adspend/pkg/ledger"
	"github.com/shopspring/decimal"
)

var (
	ErrBillingInProgress      = errors.New("billing in progress")
	ErrLockHeld               = errors.New("lock held")
	ErrRunAlreadyClaimed      = errors.New("run already claimed")
	ErrUnknownRun             = errors.New("unknown run")
	ErrPaymentFailed          = errors.New("payment failed")
	ErrInsufficientCredit     = errors.New("insufficient credit")
	ErrInvalidProcessorConfig = errors.New("invalid processor config")
)

// PaymentFailure reports a charge the gateway did not accept.
type PaymentFailure struct {
	CustomerID ledger.CustomerID
	Amount     decimal.Decimal
	Purpose    string
	Cause      error
}

func (failure *PaymentFailure) Error() string {
	return fmt.Sprintf("%v: %s charge of %s for %s: %v", ErrPaymentFailed, failure.Purpose, failure.Amount.StringFixed(ledger.AmountScale), failure.CustomerID.String(), failure.Cause)
}

func (failure *PaymentFailure) Unwrap() []error {
	if failure.Cause == nil {
		return []error{ErrPaymentFailed}
	}
	return []error{ErrPaymentFailed, failure.Cause}
}

// InsufficientCreditError reports spend the balance could not cover and no charge settled.
type InsufficientCreditError struct {
	CustomerID ledger.CustomerID
	Spend      decimal.Decimal
	Available  decimal.Decimal
	Shortfall  decimal.Decimal
	Cause      error
}

func (insufficient *InsufficientCreditError) Error() string {
	return fmt.Sprintf("%v: %s spent %s with %s available, shortfall %s: %v",
		ErrInsufficientCredit,
		insufficient.CustomerID.String(),
		insufficient.Spend.StringFixed(ledger.AmountScale),
		insufficient.Available.StringFixed(ledger.AmountScale),
		insufficient.Shortfall.StringFixed(ledger.AmountScale),
		insufficient.Cause,
	)
}

func (insufficient *InsufficientCreditError) Unwrap() []error {
	if insufficient.Cause == nil {
		return []error{ErrInsufficientCredit}
	}
	return []error{ErrInsufficientCredit, insufficient.Cause}
}

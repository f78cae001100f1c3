package ledger

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

// Service contains the ad-spend credit domain logic over a Store.
type Service struct {
	store           Store
	nowFn           func() time.Time
	logger          OperationLogger
	lowBalanceRatio decimal.Decimal
	spendWindow     time.Duration
	newID           func() string
}

// NewService wires a Service.
func NewService(store Store, now func() time.Time, options ...ServiceOption) (*Service, error) {
	if store == nil {
		return nil, fmt.Errorf("%w: store dependency is nil", ErrInvalidServiceConfig)
	}
	if now == nil {
		return nil, fmt.Errorf("%w: clock dependency is nil", ErrInvalidServiceConfig)
	}
	service := &Service{
		store:           store,
		nowFn:           now,
		lowBalanceRatio: decimal.RequireFromString(defaultLowBalanceRatio),
		spendWindow:     defaultSpendWindow,
		newID:           uuid.NewString,
	}
	for _, option := range options {
		if option != nil {
			option(service)
		}
	}
	return service, nil
}

// OpenAccount creates the customer's account and records the initial credit purchase.
func (service *Service) OpenAccount(ctx context.Context, customerID CustomerID, initialCredit decimal.Decimal, chargeReference string) (Account, error) {
	amount, amountErr := normalizePositive(initialCredit)
	var opened Account
	operationError := amountErr
	if operationError == nil {
		operationError = service.store.WithTx(ctx, func(ctx context.Context, transactionStore Store) error {
			now := service.nowFn().UTC()
			account := Account{
				CustomerID:          customerID,
				CurrentBalance:      decimal.Zero,
				InitialCreditAmount: amount,
				Status:              AccountStatusActive,
				PaymentStatus:       PaymentStatusCurrent,
				CreatedAt:           now,
				UpdatedAt:           now,
			}
			if err := transactionStore.CreateAccount(ctx, account); err != nil {
				return err
			}
			updated, _, err := service.applyBalanceChange(ctx, transactionStore, account, TransactionCredit, amount, "initial ad spend credit", chargeReference, MetadataJSON{})
			if err != nil {
				return err
			}
			opened = updated
			return nil
		})
	}
	service.logOperation(ctx, OperationLog{
		Operation:       operationOpenAccount,
		CustomerID:      customerID,
		Amount:          amount,
		BalanceAfter:    opened.CurrentBalance,
		PaymentStatus:   opened.PaymentStatus,
		ChargeReference: chargeReference,
		Error:           operationError,
	})
	if operationError != nil {
		return Account{}, operationError
	}
	return opened, nil
}

// Account returns the current account state.
func (service *Service) Account(ctx context.Context, customerID CustomerID) (Account, error) {
	return service.store.GetAccount(ctx, customerID)
}

// Deduct records ad spend. The balance may go negative; billing settles the overdraw.
func (service *Service) Deduct(ctx context.Context, customerID CustomerID, amount decimal.Decimal, description string) (Transaction, error) {
	return service.balanceOperation(ctx, operationDeduct, customerID, amount, true, func(account Account, normalized decimal.Decimal) (TransactionType, decimal.Decimal, error) {
		if account.Status == AccountStatusSuspended {
			return "", decimal.Zero, ErrAccountSuspended
		}
		return TransactionDeduction, normalized.Neg(), nil
	}, description, "")
}

// AddCredit records a purchase of credit, normally backed by a successful charge.
func (service *Service) AddCredit(ctx context.Context, customerID CustomerID, amount decimal.Decimal, description string, chargeReference string) (Transaction, error) {
	return service.balanceOperation(ctx, operationAddCredit, customerID, amount, true, func(account Account, normalized decimal.Decimal) (TransactionType, decimal.Decimal, error) {
		if account.Status == AccountStatusSuspended {
			return "", decimal.Zero, ErrAccountSuspended
		}
		return TransactionCredit, normalized, nil
	}, description, chargeReference)
}

// Refund returns credit to the customer, removing it from the prepaid balance.
func (service *Service) Refund(ctx context.Context, customerID CustomerID, amount decimal.Decimal, description string, chargeReference string) (Transaction, error) {
	return service.balanceOperation(ctx, operationRefund, customerID, amount, true, func(_ Account, normalized decimal.Decimal) (TransactionType, decimal.Decimal, error) {
		return TransactionRefund, normalized.Neg(), nil
	}, description, chargeReference)
}

// Adjust applies a signed operator correction.
func (service *Service) Adjust(ctx context.Context, customerID CustomerID, signedAmount decimal.Decimal, description string) (Transaction, error) {
	return service.balanceOperation(ctx, operationAdjust, customerID, signedAmount, false, func(_ Account, normalized decimal.Decimal) (TransactionType, decimal.Decimal, error) {
		return TransactionAdjustment, normalized, nil
	}, description, "")
}

// ListTransactions returns ledger rows created at or after since, oldest first.
func (service *Service) ListTransactions(ctx context.Context, customerID CustomerID, since time.Time, limit int) ([]Transaction, error) {
	if _, err := service.store.GetAccount(ctx, customerID); err != nil {
		return nil, err
	}
	return service.store.ListTransactions(ctx, customerID, since, limit)
}

// ListCustomerIDs returns every customer with an account.
func (service *Service) ListCustomerIDs(ctx context.Context) ([]CustomerID, error) {
	return service.store.ListCustomerIDs(ctx)
}

type balanceRule func(account Account, normalized decimal.Decimal) (TransactionType, decimal.Decimal, error)

func (service *Service) balanceOperation(ctx context.Context, operation string, customerID CustomerID, rawAmount decimal.Decimal, positive bool, rule balanceRule, description string, chargeReference string) (Transaction, error) {
	var normalized decimal.Decimal
	var amountErr error
	if positive {
		normalized, amountErr = normalizePositive(rawAmount)
	} else {
		normalized, amountErr = normalizeNonZero(rawAmount)
	}
	var appended Transaction
	var updated Account
	operationError := amountErr
	if operationError == nil {
		operationError = service.store.WithTx(ctx, func(ctx context.Context, transactionStore Store) error {
			account, err := transactionStore.GetAccount(ctx, customerID)
			if err != nil {
				return err
			}
			transactionType, signedAmount, err := rule(account, normalized)
			if err != nil {
				return err
			}
			updated, appended, err = service.applyBalanceChange(ctx, transactionStore, account, transactionType, signedAmount, description, chargeReference, MetadataJSON{})
			return err
		})
	}
	service.logOperation(ctx, OperationLog{
		Operation:       operation,
		CustomerID:      customerID,
		Amount:          normalized,
		BalanceAfter:    updated.CurrentBalance,
		PaymentStatus:   updated.PaymentStatus,
		ChargeReference: chargeReference,
		Error:           operationError,
	})
	if operationError != nil {
		return Transaction{}, operationError
	}
	return appended, nil
}

// applyBalanceChange appends one row and persists the matching balance, sequence and status.
func (service *Service) applyBalanceChange(ctx context.Context, transactionStore Store, account Account, transactionType TransactionType, signedAmount decimal.Decimal, description string, chargeReference string, metadata MetadataJSON) (Account, Transaction, error) {
	now := service.nowFn().UTC()
	newBalance := account.CurrentBalance.Add(signedAmount)
	transaction := Transaction{
		TransactionID:   service.newID(),
		CustomerID:      account.CustomerID,
		Sequence:        account.TransactionCount + 1,
		Type:            transactionType,
		Amount:          signedAmount,
		BalanceAfter:    newBalance,
		Description:     description,
		ChargeReference: chargeReference,
		Metadata:        metadata,
		CreatedAt:       now,
	}
	if err := transactionStore.InsertTransaction(ctx, transaction); err != nil {
		return Account{}, Transaction{}, err
	}
	account.CurrentBalance = newBalance
	account.TransactionCount = transaction.Sequence
	account.Status = service.deriveStatus(account)
	account.UpdatedAt = now
	if err := transactionStore.UpdateAccount(ctx, account); err != nil {
		return Account{}, Transaction{}, err
	}
	return account, transaction, nil
}

func (service *Service) deriveStatus(account Account) AccountStatus {
	if account.Status == AccountStatusSuspended {
		return AccountStatusSuspended
	}
	if !account.CurrentBalance.IsPositive() {
		return AccountStatusDepleted
	}
	threshold := account.InitialCreditAmount.Mul(service.lowBalanceRatio)
	if account.CurrentBalance.LessThan(threshold) {
		return AccountStatusLowBalance
	}
	return AccountStatusActive
}

func (service *Service) logOperation(ctx context.Context, entry OperationLog) {
	if service.logger == nil {
		return
	}
	if entry.Status == "" {
		if entry.Error != nil {
			entry.Status = operationStatusError
		} else {
			entry.Status = operationStatusOK
		}
	}
	service.logger.LogOperation(ctx, entry)
}

func normalizePositive(amount decimal.Decimal) (decimal.Decimal, error) {
	rounded := amount.Round(AmountScale)
	if !rounded.IsPositive() {
		return decimal.Zero, fmt.Errorf("%w: must be greater than zero", ErrInvalidAmount)
	}
	return rounded, nil
}

func normalizeNonZero(amount decimal.Decimal) (decimal.Decimal, error) {
	rounded := amount.Round(AmountScale)
	if rounded.IsZero() {
		return decimal.Zero, fmt.Errorf("%w: must not be zero", ErrInvalidAmount)
	}
	return rounded, nil
}

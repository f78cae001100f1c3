package ledger

import (
	"context"
	"fmt"
	"time"

	"github.com/shopspring/decimal"
)

// RestoreAccount returns the account to good standing after a successful charge.
func (service *Service) RestoreAccount(ctx context.Context, customerID CustomerID) (Account, error) {
	return service.statusOperation(ctx, operationRestore, customerID, func(account *Account, _ time.Time) error {
		account.PaymentStatus = PaymentStatusCurrent
		account.FailedChargeCount = 0
		account.GracePeriodEndsAt = nil
		account.CampaignsPausedAt = nil
		return nil
	})
}

// EnterGracePeriod records a first failed charge.
func (service *Service) EnterGracePeriod(ctx context.Context, customerID CustomerID, endsAt time.Time) (Account, error) {
	return service.statusOperation(ctx, operationEnterGracePeriod, customerID, func(account *Account, _ time.Time) error {
		graceEnd := endsAt.UTC()
		account.PaymentStatus = PaymentStatusGracePeriod
		account.GracePeriodEndsAt = &graceEnd
		account.FailedChargeCount++
		return nil
	})
}

// MarkPaymentFailed records a second failed charge; campaigns run on a reduced budget.
func (service *Service) MarkPaymentFailed(ctx context.Context, customerID CustomerID) (Account, error) {
	return service.statusOperation(ctx, operationMarkPaymentFailed, customerID, func(account *Account, _ time.Time) error {
		account.PaymentStatus = PaymentStatusFailed
		account.FailedChargeCount++
		return nil
	})
}

// MarkCampaignsPaused records a further failed charge after which campaigns are paused.
func (service *Service) MarkCampaignsPaused(ctx context.Context, customerID CustomerID) (Account, error) {
	return service.statusOperation(ctx, operationMarkPaused, customerID, func(account *Account, now time.Time) error {
		account.PaymentStatus = PaymentStatusPaused
		account.CampaignsPausedAt = &now
		account.FailedChargeCount++
		return nil
	})
}

// Suspend retires the account. Suspended accounts keep their history but are never billed.
func (service *Service) Suspend(ctx context.Context, customerID CustomerID) (Account, error) {
	return service.statusOperation(ctx, operationSuspend, customerID, func(account *Account, _ time.Time) error {
		account.Status = AccountStatusSuspended
		return nil
	})
}

func (service *Service) statusOperation(ctx context.Context, operation string, customerID CustomerID, mutate func(account *Account, now time.Time) error) (Account, error) {
	var updated Account
	operationError := service.store.WithTx(ctx, func(ctx context.Context, transactionStore Store) error {
		account, err := transactionStore.GetAccount(ctx, customerID)
		if err != nil {
			return err
		}
		now := service.nowFn().UTC()
		if err := mutate(&account, now); err != nil {
			return err
		}
		account.UpdatedAt = now
		if err := transactionStore.UpdateAccount(ctx, account); err != nil {
			return err
		}
		updated = account
		return nil
	})
	service.logOperation(ctx, OperationLog{
		Operation:     operation,
		CustomerID:    customerID,
		BalanceAfter:  updated.CurrentBalance,
		PaymentStatus: updated.PaymentStatus,
		Error:         operationError,
	})
	if operationError != nil {
		return Account{}, operationError
	}
	return updated, nil
}

// CalculateInitialCredit returns the prepaid credit needed to fund dailyBudget for days.
func CalculateInitialCredit(dailyBudget decimal.Decimal, days int) (decimal.Decimal, error) {
	if !dailyBudget.IsPositive() {
		return decimal.Zero, fmt.Errorf("%w: daily budget must be greater than zero", ErrInvalidAmount)
	}
	if days < 1 {
		return decimal.Zero, fmt.Errorf("%w: must be at least 1", ErrInvalidDays)
	}
	return dailyBudget.Mul(decimal.NewFromInt(int64(days))).Round(AmountScale), nil
}

// AverageDailySpend averages deductions over the trailing spend window, counting
// only UTC days that had spend. Zero when there is no history.
func (service *Service) AverageDailySpend(ctx context.Context, customerID CustomerID) (decimal.Decimal, error) {
	since := service.nowFn().UTC().Add(-service.spendWindow)
	transactions, err := service.store.ListTransactions(ctx, customerID, since, 0)
	if err != nil {
		return decimal.Zero, err
	}
	total := decimal.Zero
	days := make(map[string]struct{})
	for _, transaction := range transactions {
		if transaction.Type != TransactionDeduction {
			continue
		}
		total = total.Add(transaction.Amount.Neg())
		days[transaction.CreatedAt.UTC().Format(time.DateOnly)] = struct{}{}
	}
	if len(days) == 0 {
		return decimal.Zero, nil
	}
	return total.Div(decimal.NewFromInt(int64(len(days)))).Round(AmountScale), nil
}

// ProjectedDaysRemaining divides the balance by the average daily spend. The flag is
// false when there is no spend history to project from.
func (service *Service) ProjectedDaysRemaining(ctx context.Context, customerID CustomerID) (decimal.Decimal, bool, error) {
	account, err := service.store.GetAccount(ctx, customerID)
	if err != nil {
		return decimal.Zero, false, err
	}
	average, err := service.AverageDailySpend(ctx, customerID)
	if err != nil {
		return decimal.Zero, false, err
	}
	if !average.IsPositive() {
		return decimal.Zero, false, nil
	}
	return account.CurrentBalance.Div(average).Round(AmountScale), true, nil
}

// Verification summarises a full replay of an account's ledger.
type Verification struct {
	CustomerID       CustomerID
	ReplayedBalance  decimal.Decimal
	StoredBalance    decimal.Decimal
	TransactionCount int64
}

// Replay sums transactions in order and checks every running total and sequence.
func Replay(transactions []Transaction) (decimal.Decimal, error) {
	running := decimal.Zero
	for index, transaction := range transactions {
		expectedSequence := int64(index + 1)
		if transaction.Sequence != expectedSequence {
			return decimal.Zero, WrapError("replay", "sequence", "gap", fmt.Errorf("%w: expected sequence %d, got %d", ErrLedgerMismatch, expectedSequence, transaction.Sequence))
		}
		running = running.Add(transaction.Amount)
		if !running.Equal(transaction.BalanceAfter) {
			return decimal.Zero, WrapError("replay", "balance_after", "mismatch", fmt.Errorf("%w: sequence %d running total %s, recorded %s", ErrLedgerMismatch, transaction.Sequence, running.StringFixed(AmountScale), transaction.BalanceAfter.StringFixed(AmountScale)))
		}
	}
	return running, nil
}

// VerifyAccount replays the whole ledger and compares it with the stored account.
func (service *Service) VerifyAccount(ctx context.Context, customerID CustomerID) (Verification, error) {
	account, err := service.store.GetAccount(ctx, customerID)
	if err != nil {
		return Verification{}, err
	}
	transactions, err := service.store.ListTransactions(ctx, customerID, time.Time{}, 0)
	if err != nil {
		return Verification{}, err
	}
	verification := Verification{
		CustomerID:       customerID,
		StoredBalance:    account.CurrentBalance,
		TransactionCount: int64(len(transactions)),
	}
	replayed, err := Replay(transactions)
	if err != nil {
		return verification, err
	}
	verification.ReplayedBalance = replayed
	if !replayed.Equal(account.CurrentBalance) {
		return verification, WrapError("verify", "current_balance", "mismatch", fmt.Errorf("%w: replayed %s, stored %s", ErrLedgerMismatch, replayed.StringFixed(AmountScale), account.CurrentBalance.StringFixed(AmountScale)))
	}
	if verification.TransactionCount != account.TransactionCount {
		return verification, WrapError("verify", "transaction_count", "mismatch", fmt.Errorf("%w: %d rows, account records %d", ErrLedgerMismatch, verification.TransactionCount, account.TransactionCount))
	}
	return verification, nil
}

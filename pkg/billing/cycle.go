package billing

import (
	"context"
	"fmt"

	"github.com/MarkoPoloResearchLab/adspend/pkg/ledger"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"
)

// billingRun carries the state of one ProcessDailyBilling call.
type billingRun struct {
	processor *Processor
	key       string
	result    Result
	mutated   bool
}

func (run *billingRun) process(ctx context.Context) error {
	customerID := run.result.CustomerID
	account, err := run.processor.ledger.Account(ctx, customerID)
	if err != nil {
		return err
	}
	run.observe(account)
	if account.Status == ledger.AccountStatusSuspended {
		run.result.Outcome = OutcomeSkipped
		return nil
	}

	paused := account.PaymentStatus == ledger.PaymentStatusPaused
	if paused {
		recovered, err := run.recover(ctx, account)
		if err != nil {
			return err
		}
		if recovered {
			if account, err = run.processor.ledger.Account(ctx, customerID); err != nil {
				return err
			}
			paused = false
		}
	}

	spend, err := run.reportSpend(ctx, customerID)
	if err != nil {
		return err
	}
	run.result.ActualSpend = spend
	if paused {
		if spend.IsPositive() {
			return run.deduct(ctx, customerID, spend, "daily ad spend while paused")
		}
		return nil
	}

	if !spend.IsPositive() {
		if run.result.Outcome == "" {
			run.result.Outcome = OutcomeNoSpend
		}
		return nil
	}
	if account.CurrentBalance.GreaterThanOrEqual(spend) {
		return run.deductCovered(ctx, account, spend)
	}
	return run.settleShortfall(ctx, account, spend)
}

// reportSpend fetches the previous UTC day's spend, rounded and floored at zero.
func (run *billingRun) reportSpend(ctx context.Context, customerID ledger.CustomerID) (decimal.Decimal, error) {
	spend, err := run.processor.dependencies.Spend.ActualSpend(ctx, customerID, DateRange{
		Start: run.result.BillingDate.AddDate(0, 0, -1),
		End:   run.result.BillingDate,
	})
	if err != nil {
		return decimal.Zero, fmt.Errorf("report spend: %w", err)
	}
	spend = spend.Round(ledger.AmountScale)
	if spend.IsNegative() {
		return decimal.Zero, nil
	}
	return spend, nil
}

// recover charges the debt plus a fresh replenishment for a paused account. A declined
// charge leaves the account paused.
func (run *billingRun) recover(ctx context.Context, account ledger.Account) (bool, error) {
	customerID := account.CustomerID
	replenishment, err := run.replenishmentAmount(ctx, account)
	if err != nil {
		return false, err
	}
	amount := account.Debt().Add(replenishment)
	receipt, chargeErr := run.charge(ctx, customerID, amount, purposeRecovery, "ad spend payment recovery")
	if chargeErr != nil {
		run.result.PaymentError = chargeErr
		run.result.Outcome = OutcomeRecoveryFailed
		return false, nil
	}
	if err := run.credit(ctx, customerID, amount, "ad spend payment recovery", receipt); err != nil {
		return false, err
	}
	restored, err := run.processor.ledger.RestoreAccount(ctx, customerID)
	if err != nil {
		return false, err
	}
	run.observe(restored)
	run.result.Recovered = true
	run.result.Outcome = OutcomeCharged

	campaigns := run.processor.dependencies.Campaigns
	if err := campaigns.ResumeCampaigns(ctx, customerID); err != nil {
		run.logCollaborator("resume campaigns", err)
	}
	run.applyMultiplier(ctx, customerID, decimal.NewFromInt(1))
	run.notify(ctx, NotificationResumed, restored, amount, "payment recovered")
	return true, nil
}

func (run *billingRun) deductCovered(ctx context.Context, account ledger.Account, spend decimal.Decimal) error {
	customerID := account.CustomerID
	if err := run.deduct(ctx, customerID, spend, "daily ad spend"); err != nil {
		return err
	}
	if run.result.Outcome == "" {
		run.result.Outcome = OutcomeDeducted
	}
	if err := run.restoreStanding(ctx, account); err != nil {
		return err
	}
	days, projected, err := run.processor.ledger.ProjectedDaysRemaining(ctx, customerID)
	if err != nil {
		return err
	}
	if !projected || !days.LessThan(decimal.NewFromInt(int64(run.processor.config.LowBalanceDays))) {
		return nil
	}

	updated, err := run.processor.ledger.Account(ctx, customerID)
	if err != nil {
		return err
	}
	amount, err := run.replenishmentAmount(ctx, updated)
	if err != nil {
		return err
	}
	receipt, chargeErr := run.charge(ctx, customerID, amount, purposeReplenish, "ad spend auto replenishment")
	if chargeErr != nil {
		run.result.PaymentError = chargeErr
		run.result.Outcome = OutcomeLowBalance
		run.notify(ctx, NotificationLowBalance, updated, updated.CurrentBalance, "auto replenishment declined")
		return nil
	}
	if err := run.credit(ctx, customerID, amount, "ad spend auto replenishment", receipt); err != nil {
		return err
	}
	run.result.Outcome = OutcomeReplenished
	return run.restoreStanding(ctx, updated)
}

// settleShortfall handles spend the balance cannot cover with a single combined charge
// of shortfall, existing debt and a fresh replenishment.
func (run *billingRun) settleShortfall(ctx context.Context, account ledger.Account, spend decimal.Decimal) error {
	customerID := account.CustomerID
	replenishment, err := run.replenishmentAmount(ctx, account)
	if err != nil {
		return err
	}
	available := account.Available()
	debt := account.Debt()
	shortfall := spend.Sub(available)
	if available.IsPositive() {
		if err := run.deduct(ctx, customerID, available, "daily ad spend (partial)"); err != nil {
			return err
		}
	}

	amount := shortfall.Add(debt).Add(replenishment)
	receipt, chargeErr := run.charge(ctx, customerID, amount, purposeShortfall, "ad spend shortfall and replenishment")
	if chargeErr == nil {
		if err := run.credit(ctx, customerID, amount, "ad spend shortfall and replenishment", receipt); err != nil {
			return err
		}
		if err := run.deduct(ctx, customerID, shortfall, "daily ad spend (shortfall)"); err != nil {
			return err
		}
		run.result.Outcome = OutcomeCharged
		return run.restoreStanding(ctx, account)
	}

	run.result.PaymentError = &InsufficientCreditError{
		CustomerID: customerID,
		Spend:      spend,
		Available:  available,
		Shortfall:  shortfall,
		Cause:      chargeErr,
	}
	if err := run.deduct(ctx, customerID, shortfall, "daily ad spend (unpaid shortfall)"); err != nil {
		return err
	}
	return run.escalate(ctx, account)
}

// escalate moves the account one tier along grace period, failed and paused.
func (run *billingRun) escalate(ctx context.Context, account ledger.Account) error {
	customerID := account.CustomerID
	ledgerService := run.processor.ledger
	config := run.processor.config
	switch {
	case account.FailedChargeCount == 0:
		graceEnd := run.processor.nowFn().UTC().Add(config.GracePeriod)
		updated, err := ledgerService.EnterGracePeriod(ctx, customerID, graceEnd)
		if err != nil {
			return err
		}
		run.observe(updated)
		run.result.Outcome = OutcomeGracePeriod
		run.notify(ctx, NotificationWarning, updated, updated.Debt(), "payment declined, grace period started")
	case account.FailedChargeCount == 1:
		updated, err := ledgerService.MarkPaymentFailed(ctx, customerID)
		if err != nil {
			return err
		}
		run.observe(updated)
		run.result.Outcome = OutcomePaymentFailed
		run.applyMultiplier(ctx, customerID, config.ReducedBudgetMultiplier)
		run.notify(ctx, NotificationFailure, updated, updated.Debt(), "payment declined, campaign budgets reduced")
	default:
		updated, err := ledgerService.MarkCampaignsPaused(ctx, customerID)
		if err != nil {
			return err
		}
		run.observe(updated)
		run.result.Outcome = OutcomePaused
		if err := run.processor.dependencies.Campaigns.PauseCampaigns(ctx, customerID, pauseReason); err != nil {
			run.logCollaborator("pause campaigns", err)
		}
		run.notify(ctx, NotificationPaused, updated, updated.Debt(), "payment declined, campaigns paused")
	}
	return nil
}

// restoreStanding clears any escalation after a successful charge. Reduced budgets
// return to full.
func (run *billingRun) restoreStanding(ctx context.Context, before ledger.Account) error {
	if before.PaymentStatus == ledger.PaymentStatusCurrent && before.FailedChargeCount == 0 {
		return run.refresh(ctx)
	}
	restored, err := run.processor.ledger.RestoreAccount(ctx, before.CustomerID)
	if err != nil {
		return err
	}
	run.observe(restored)
	if before.PaymentStatus == ledger.PaymentStatusFailed {
		run.applyMultiplier(ctx, before.CustomerID, decimal.NewFromInt(1))
	}
	return nil
}

func (run *billingRun) replenishmentAmount(ctx context.Context, account ledger.Account) (decimal.Decimal, error) {
	average, err := run.processor.ledger.AverageDailySpend(ctx, account.CustomerID)
	if err != nil {
		return decimal.Zero, err
	}
	if !average.IsPositive() {
		return account.InitialCreditAmount, nil
	}
	return average.Mul(decimal.NewFromInt(int64(run.processor.config.ReplenishDays))).Round(ledger.AmountScale), nil
}

func (run *billingRun) charge(ctx context.Context, customerID ledger.CustomerID, amount decimal.Decimal, purpose string, description string) (ChargeReceipt, error) {
	receipt, err := run.processor.dependencies.Charger.Charge(ctx, ChargeRequest{
		CustomerID:     customerID,
		Amount:         amount,
		IdempotencyKey: run.key + runKeyDelimiter + purpose,
		Description:    description,
	})
	if err != nil {
		return ChargeReceipt{}, &PaymentFailure{CustomerID: customerID, Amount: amount, Purpose: purpose, Cause: err}
	}
	return receipt, nil
}

func (run *billingRun) deduct(ctx context.Context, customerID ledger.CustomerID, amount decimal.Decimal, description string) error {
	transaction, err := run.processor.ledger.Deduct(ctx, customerID, amount, description)
	if err != nil {
		return err
	}
	run.mutated = true
	run.result.Deducted = run.result.Deducted.Add(amount)
	run.result.Balance = transaction.BalanceAfter
	return nil
}

func (run *billingRun) credit(ctx context.Context, customerID ledger.CustomerID, amount decimal.Decimal, description string, receipt ChargeReceipt) error {
	transaction, err := run.processor.ledger.AddCredit(ctx, customerID, amount, description, receipt.Reference)
	if err != nil {
		return fmt.Errorf("record charge %s: %w", receipt.Reference, err)
	}
	run.mutated = true
	run.result.Charged = run.result.Charged.Add(amount)
	run.result.ChargeReference = receipt.Reference
	run.result.Balance = transaction.BalanceAfter
	return nil
}

func (run *billingRun) refresh(ctx context.Context) error {
	account, err := run.processor.ledger.Account(ctx, run.result.CustomerID)
	if err != nil {
		return err
	}
	run.observe(account)
	return nil
}

func (run *billingRun) observe(account ledger.Account) {
	run.result.PaymentStatus = account.PaymentStatus
	run.result.Balance = account.CurrentBalance
}

func (run *billingRun) applyMultiplier(ctx context.Context, customerID ledger.CustomerID, multiplier decimal.Decimal) {
	campaigns := run.processor.dependencies.Campaigns
	listed, err := campaigns.ListCampaigns(ctx, customerID)
	if err != nil {
		run.logCollaborator("list campaigns", err)
		return
	}
	for _, campaign := range listed {
		if err := campaigns.ApplyBudgetMultiplier(ctx, customerID, campaign.ID, multiplier); err != nil {
			run.logCollaborator("apply budget multiplier", err, zap.String("campaign_id", campaign.ID))
		}
	}
}

func (run *billingRun) notify(ctx context.Context, kind NotificationKind, account ledger.Account, amount decimal.Decimal, reason string) {
	err := run.processor.dependencies.Notifier.Notify(ctx, Notification{
		Kind:        kind,
		CustomerID:  account.CustomerID,
		Account:     account,
		BillingDate: run.result.BillingDate,
		Amount:      amount,
		Reason:      reason,
	})
	if err != nil {
		run.logCollaborator("notify "+string(kind), err)
	}
}

func (run *billingRun) logCollaborator(action string, err error, fields ...zap.Field) {
	run.processor.logger.Warn("billing collaborator failed",
		append([]zap.Field{
			zap.String("action", action),
			zap.String("customer_id", run.result.CustomerID.String()),
			zap.String("run_key", run.key),
			zap.Error(err),
		}, fields...)...,
	)
}

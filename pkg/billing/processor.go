package billing

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/MarkoPoloResearchLab/adspend/pkg/ledger"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"
)

const (
	lockKeyPrefix    = "billing:"
	runKeyDelimiter  = ":"
	pauseReason      = "payment_failed"
	purposeRecovery  = "recovery"
	purposeReplenish = "replenish"
	purposeShortfall = "shortfall"
)

// Outcome summarises what one daily billing run did.
type Outcome string

const (
	OutcomeAlreadyProcessed Outcome = "already_processed"
	OutcomeSkipped          Outcome = "skipped"
	OutcomeNoSpend          Outcome = "no_spend"
	OutcomeDeducted         Outcome = "deducted"
	OutcomeReplenished      Outcome = "replenished"
	OutcomeLowBalance       Outcome = "low_balance"
	OutcomeCharged          Outcome = "charged"
	OutcomeGracePeriod      Outcome = "grace_period"
	OutcomePaymentFailed    Outcome = "payment_failed"
	OutcomePaused           Outcome = "paused"
	OutcomeRecoveryFailed   Outcome = "recovery_failed"
	OutcomeError            Outcome = "error"
)

// Result reports one daily billing run. PaymentError carries a *PaymentFailure or
// *InsufficientCreditError when a charge was declined; it is not a run failure.
type Result struct {
	CustomerID      ledger.CustomerID
	BillingDate     time.Time
	Outcome         Outcome
	ActualSpend     decimal.Decimal
	Deducted        decimal.Decimal
	Charged         decimal.Decimal
	ChargeReference string
	Recovered       bool
	PaymentStatus   ledger.PaymentStatus
	Balance         decimal.Decimal
	PaymentError    error
}

// Config holds the billing knobs.
type Config struct {
	ReplenishDays           int
	LowBalanceDays          int
	GracePeriod             time.Duration
	ReducedBudgetMultiplier decimal.Decimal
	LockTTL                 time.Duration
}

// DefaultConfig returns a 7-day replenishment, 3-day low-balance runway, 24h grace
// period, half budget on failed payment and a 10 minute lock.
func DefaultConfig() Config {
	return Config{
		ReplenishDays:           7,
		LowBalanceDays:          3,
		GracePeriod:             24 * time.Hour,
		ReducedBudgetMultiplier: decimal.RequireFromString("0.5"),
		LockTTL:                 10 * time.Minute,
	}
}

// Validate reports whether the configuration can drive billing.
func (config Config) Validate() error {
	if config.ReplenishDays < 1 {
		return fmt.Errorf("%w: replenish days must be at least 1", ErrInvalidProcessorConfig)
	}
	if config.LowBalanceDays < 0 {
		return fmt.Errorf("%w: low balance days must not be negative", ErrInvalidProcessorConfig)
	}
	if config.GracePeriod <= 0 {
		return fmt.Errorf("%w: grace period must be positive", ErrInvalidProcessorConfig)
	}
	if !config.ReducedBudgetMultiplier.IsPositive() || config.ReducedBudgetMultiplier.GreaterThan(decimal.NewFromInt(1)) {
		return fmt.Errorf("%w: reduced budget multiplier must be in (0, 1]", ErrInvalidProcessorConfig)
	}
	if config.LockTTL <= 0 {
		return fmt.Errorf("%w: lock ttl must be positive", ErrInvalidProcessorConfig)
	}
	return nil
}

// Dependencies are the collaborators of the billing cycle. Notifier is optional.
type Dependencies struct {
	Charger   PaymentCharger
	Spend     SpendReporter
	Campaigns CampaignController
	Notifier  Notifier
	Locker    Locker
	Runs      RunStore
}

// ProcessorOption configures a Processor.
type ProcessorOption func(*Processor)

// WithConfig overrides DefaultConfig.
func WithConfig(config Config) ProcessorOption {
	return func(processor *Processor) {
		processor.config = config
	}
}

// WithLogger wires the structured logger.
func WithLogger(logger *zap.Logger) ProcessorOption {
	return func(processor *Processor) {
		if logger != nil {
			processor.logger = logger
		}
	}
}

// WithClock overrides the wall clock.
func WithClock(now func() time.Time) ProcessorOption {
	return func(processor *Processor) {
		if now != nil {
			processor.nowFn = now
		}
	}
}

// Processor runs the daily billing state machine for one customer at a time.
type Processor struct {
	ledger       *ledger.Service
	dependencies Dependencies
	config       Config
	logger       *zap.Logger
	nowFn        func() time.Time
}

// NewProcessor wires a Processor.
func NewProcessor(ledgerService *ledger.Service, dependencies Dependencies, options ...ProcessorOption) (*Processor, error) {
	if ledgerService == nil {
		return nil, fmt.Errorf("%w: ledger dependency is nil", ErrInvalidProcessorConfig)
	}
	switch {
	case dependencies.Charger == nil:
		return nil, fmt.Errorf("%w: payment charger is nil", ErrInvalidProcessorConfig)
	case dependencies.Spend == nil:
		return nil, fmt.Errorf("%w: spend reporter is nil", ErrInvalidProcessorConfig)
	case dependencies.Campaigns == nil:
		return nil, fmt.Errorf("%w: campaign controller is nil", ErrInvalidProcessorConfig)
	case dependencies.Locker == nil:
		return nil, fmt.Errorf("%w: locker is nil", ErrInvalidProcessorConfig)
	case dependencies.Runs == nil:
		return nil, fmt.Errorf("%w: run store is nil", ErrInvalidProcessorConfig)
	}
	if dependencies.Notifier == nil {
		dependencies.Notifier = nopNotifier{}
	}
	processor := &Processor{
		ledger:       ledgerService,
		dependencies: dependencies,
		config:       DefaultConfig(),
		logger:       zap.NewNop(),
		nowFn:        time.Now,
	}
	for _, option := range options {
		if option != nil {
			option(processor)
		}
	}
	if err := processor.config.Validate(); err != nil {
		return nil, err
	}
	return processor, nil
}

// RunKey identifies one customer's billing for one UTC date.
func RunKey(customerID ledger.CustomerID, billingDate time.Time) string {
	return customerID.String() + runKeyDelimiter + billingDay(billingDate).Format(time.DateOnly)
}

// ProcessDailyBilling settles the previous UTC day's spend for customerID. A run for
// the same customer and date is processed at most once.
func (processor *Processor) ProcessDailyBilling(ctx context.Context, customerID ledger.CustomerID, billingDate time.Time) (Result, error) {
	day := billingDay(billingDate)
	result := Result{CustomerID: customerID, BillingDate: day}

	lock, err := processor.dependencies.Locker.Acquire(ctx, lockKeyPrefix+customerID.String(), processor.config.LockTTL)
	if err != nil {
		if errors.Is(err, ErrLockHeld) {
			return result, fmt.Errorf("%w: %s", ErrBillingInProgress, customerID.String())
		}
		return result, fmt.Errorf("acquire billing lock: %w", err)
	}
	defer func() {
		if releaseErr := lock.Release(context.WithoutCancel(ctx)); releaseErr != nil {
			processor.logger.Warn("billing lock release failed", zap.String("customer_id", customerID.String()), zap.Error(releaseErr))
		}
	}()

	runKey := RunKey(customerID, day)
	claimErr := processor.dependencies.Runs.ClaimRun(ctx, RunClaim{
		Key:         runKey,
		CustomerID:  customerID,
		BillingDate: day,
		ClaimedAt:   processor.nowFn().UTC(),
	})
	if errors.Is(claimErr, ErrRunAlreadyClaimed) {
		result.Outcome = OutcomeAlreadyProcessed
		return result, nil
	}
	if claimErr != nil {
		return result, fmt.Errorf("claim billing run: %w", claimErr)
	}

	run := &billingRun{processor: processor, key: runKey, result: result}
	processErr := run.process(ctx)
	bookkeepingCtx := context.WithoutCancel(ctx)
	if processErr != nil {
		if !run.mutated {
			if releaseErr := processor.dependencies.Runs.ReleaseRun(bookkeepingCtx, runKey); releaseErr != nil {
				processor.logger.Error("billing run release failed", zap.String("run_key", runKey), zap.Error(releaseErr))
			}
			return run.result, processErr
		}
		run.result.Outcome = OutcomeError
	}
	if finishErr := processor.dependencies.Runs.FinishRun(bookkeepingCtx, runKey, run.result); finishErr != nil {
		processor.logger.Error("billing run bookkeeping failed", zap.String("run_key", runKey), zap.Error(finishErr))
		if processErr == nil {
			processErr = fmt.Errorf("finish billing run: %w", finishErr)
		}
	}
	processor.logResult(run.result, processErr)
	return run.result, processErr
}

func (processor *Processor) logResult(result Result, err error) {
	fields := []zap.Field{
		zap.String("customer_id", result.CustomerID.String()),
		zap.String("billing_date", result.BillingDate.Format(time.DateOnly)),
		zap.String("outcome", string(result.Outcome)),
		zap.String("actual_spend", result.ActualSpend.StringFixed(ledger.AmountScale)),
		zap.String("charged", result.Charged.StringFixed(ledger.AmountScale)),
		zap.String("payment_status", string(result.PaymentStatus)),
		zap.Bool("recovered", result.Recovered),
	}
	switch {
	case err != nil:
		processor.logger.Error("daily billing failed", append(fields, zap.Error(err))...)
	case result.PaymentError != nil:
		processor.logger.Warn("daily billing payment declined", append(fields, zap.NamedError("payment_error", result.PaymentError))...)
	default:
		processor.logger.Info("daily billing processed", fields...)
	}
}

func billingDay(billingDate time.Time) time.Time {
	utc := billingDate.UTC()
	return time.Date(utc.Year(), utc.Month(), utc.Day(), 0, 0, 0, 0, time.UTC)
}

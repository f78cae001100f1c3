// Package scheduler runs daily billing for every customer on a cron trigger.
package scheduler

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/MarkoPoloResearchLab/adspend/pkg/billing"
	"github.com/MarkoPoloResearchLab/adspend/pkg/ledger"
	"github.com/robfig/cron/v3"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

const (
	DefaultSchedule   = "0 0 1 * * *"
	DefaultWorkers    = 8
	DefaultRunTimeout = 2 * time.Hour
)

var ErrInvalidSchedulerConfig = errors.New("invalid scheduler config")

// DailyProcessor is satisfied by *billing.Processor.
type DailyProcessor interface {
	ProcessDailyBilling(ctx context.Context, customerID ledger.CustomerID, billingDate time.Time) (billing.Result, error)
}

// CustomerLister is satisfied by *ledger.Service.
type CustomerLister interface {
	ListCustomerIDs(ctx context.Context) ([]ledger.CustomerID, error)
}

// Config controls the trigger and the worker pool. Schedule uses six fields with
// seconds and is evaluated in UTC.
type Config struct {
	Schedule   string
	Workers    int
	RunTimeout time.Duration
}

// Summary aggregates one sweep over all customers.
type Summary struct {
	BillingDate time.Time
	Customers   int
	Outcomes    map[billing.Outcome]int
	Busy        int
	Failures    int
}

// Option configures a Scheduler.
type Option func(*Scheduler)

// WithLogger wires the structured logger.
func WithLogger(logger *zap.Logger) Option {
	return func(scheduler *Scheduler) {
		if logger != nil {
			scheduler.logger = logger
		}
	}
}

// WithClock overrides the wall clock used for the billing date of triggered runs.
func WithClock(now func() time.Time) Option {
	return func(scheduler *Scheduler) {
		if now != nil {
			scheduler.nowFn = now
		}
	}
}

// Scheduler fans daily billing out over a bounded worker pool.
type Scheduler struct {
	processor DailyProcessor
	customers CustomerLister
	config    Config
	logger    *zap.Logger
	nowFn     func() time.Time
	cron      *cron.Cron
}

// New validates config and registers the cron job without starting it.
func New(processor DailyProcessor, customers CustomerLister, config Config, options ...Option) (*Scheduler, error) {
	if processor == nil || customers == nil {
		return nil, fmt.Errorf("%w: processor and customer lister are required", ErrInvalidSchedulerConfig)
	}
	if config.Schedule == "" {
		config.Schedule = DefaultSchedule
	}
	if config.Workers <= 0 {
		config.Workers = DefaultWorkers
	}
	if config.RunTimeout <= 0 {
		config.RunTimeout = DefaultRunTimeout
	}
	scheduler := &Scheduler{
		processor: processor,
		customers: customers,
		config:    config,
		logger:    zap.NewNop(),
		nowFn:     time.Now,
		cron:      cron.New(cron.WithSeconds(), cron.WithLocation(time.UTC)),
	}
	for _, option := range options {
		if option != nil {
			option(scheduler)
		}
	}
	if _, err := scheduler.cron.AddFunc(config.Schedule, scheduler.trigger); err != nil {
		return nil, fmt.Errorf("%w: schedule %q: %v", ErrInvalidSchedulerConfig, config.Schedule, err)
	}
	return scheduler, nil
}

// Start begins firing the schedule in the background.
func (scheduler *Scheduler) Start() {
	scheduler.cron.Start()
	scheduler.logger.Info("billing scheduler started", zap.String("schedule", scheduler.config.Schedule), zap.Int("workers", scheduler.config.Workers))
}

// Stop halts the trigger; the returned context is done once a running sweep finishes.
func (scheduler *Scheduler) Stop() context.Context {
	return scheduler.cron.Stop()
}

func (scheduler *Scheduler) trigger() {
	ctx, cancel := context.WithTimeout(context.Background(), scheduler.config.RunTimeout)
	defer cancel()
	summary, err := scheduler.RunOnce(ctx, scheduler.nowFn())
	if err != nil {
		scheduler.logger.Error("daily billing sweep failed", zap.Error(err))
		return
	}
	scheduler.logger.Info("daily billing sweep completed",
		zap.String("billing_date", summary.BillingDate.Format(time.DateOnly)),
		zap.Int("customers", summary.Customers),
		zap.Int("failures", summary.Failures),
		zap.Int("busy", summary.Busy),
	)
}

// RunOnce bills every customer for billingDate. A failing customer is counted and
// logged; it never stops the sweep. Only listing failures and cancellation are errors.
func (scheduler *Scheduler) RunOnce(ctx context.Context, billingDate time.Time) (Summary, error) {
	utc := billingDate.UTC()
	summary := Summary{
		BillingDate: time.Date(utc.Year(), utc.Month(), utc.Day(), 0, 0, 0, 0, time.UTC),
		Outcomes:    make(map[billing.Outcome]int),
	}
	customerIDs, err := scheduler.customers.ListCustomerIDs(ctx)
	if err != nil {
		return summary, fmt.Errorf("list customers: %w", err)
	}
	summary.Customers = len(customerIDs)

	var mu sync.Mutex
	group, groupCtx := errgroup.WithContext(ctx)
	group.SetLimit(scheduler.config.Workers)
	for _, customerID := range customerIDs {
		if groupCtx.Err() != nil {
			break
		}
		group.Go(func() error {
			result, processErr := scheduler.processor.ProcessDailyBilling(groupCtx, customerID, summary.BillingDate)
			mu.Lock()
			defer mu.Unlock()
			switch {
			case errors.Is(processErr, billing.ErrBillingInProgress):
				summary.Busy++
			case processErr != nil:
				summary.Failures++
				scheduler.logger.Error("customer billing failed", zap.String("customer_id", customerID.String()), zap.Error(processErr))
			default:
				summary.Outcomes[result.Outcome]++
			}
			return nil
		})
	}
	_ = group.Wait()
	if ctxErr := ctx.Err(); ctxErr != nil {
		return summary, ctxErr
	}
	return summary, nil
}

package main

import (
	"context"
	"fmt"
	"os/signal"
	"syscall"
	"time"

	"github.com/MarkoPoloResearchLab/adspend/internal/config"
	"github.com/MarkoPoloResearchLab/adspend/internal/logging"
	"github.com/MarkoPoloResearchLab/adspend/internal/scheduler"
	"github.com/MarkoPoloResearchLab/adspend/pkg/ledger"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
)

const (
	flagBillingDate = "date"
	flagCustomerID  = "customer"
)

func newBillCommand(cfg *config.Config) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "bill",
		Short: "Run daily billing once for one customer or everyone",
		RunE: func(cmd *cobra.Command, args []string) error {
			rawDate, err := cmd.Flags().GetString(flagBillingDate)
			if err != nil {
				return err
			}
			rawCustomer, err := cmd.Flags().GetString(flagCustomerID)
			if err != nil {
				return err
			}
			billingDate := time.Now().UTC()
			if rawDate != "" {
				billingDate, err = time.Parse(time.DateOnly, rawDate)
				if err != nil {
					return fmt.Errorf("%s must be YYYY-MM-DD: %w", flagBillingDate, err)
				}
			}
			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()
			return runBill(ctx, *cfg, billingDate, rawCustomer)
		},
	}
	cmd.Flags().String(flagBillingDate, "", "billing date (YYYY-MM-DD, defaults to today in UTC)")
	cmd.Flags().String(flagCustomerID, "", "bill a single customer instead of everyone")
	return cmd
}

func runBill(ctx context.Context, cfg config.Config, billingDate time.Time, rawCustomer string) error {
	logger, err := logging.New(cfg.Log)
	if err != nil {
		return fmt.Errorf("logger init: %w", err)
	}
	defer func() { _ = logger.Sync() }()

	app, err := newApplication(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer app.Close()

	if rawCustomer != "" {
		customerID, err := ledger.NewCustomerID(rawCustomer)
		if err != nil {
			return err
		}
		result, err := app.processor.ProcessDailyBilling(ctx, customerID, billingDate)
		if err != nil {
			return err
		}
		logger.Info("billing run finished", zap.String("customer_id", customerID.String()), zap.String("outcome", string(result.Outcome)))
		return nil
	}

	billingScheduler, err := scheduler.New(app.processor, app.ledger, scheduler.Config{
		Workers:    cfg.Scheduler.Workers,
		RunTimeout: cfg.Scheduler.RunTimeout,
	}, scheduler.WithLogger(logger))
	if err != nil {
		return err
	}
	sweepCtx, cancel := context.WithTimeout(ctx, cfg.Scheduler.RunTimeout)
	defer cancel()
	summary, err := billingScheduler.RunOnce(sweepCtx, billingDate)
	if err != nil {
		return err
	}
	logger.Info("billing sweep finished",
		zap.String("billing_date", summary.BillingDate.Format(time.DateOnly)),
		zap.Int("customers", summary.Customers),
		zap.Int("failures", summary.Failures),
		zap.Int("busy", summary.Busy),
	)
	if summary.Failures > 0 {
		return fmt.Errorf("%d of %d customers failed billing", summary.Failures, summary.Customers)
	}
	return nil
}

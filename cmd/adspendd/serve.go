package main

import (
	"context"
	"errors"
	"fmt"
	"net"
	"os/signal"
	"syscall"

	"github.com/MarkoPoloResearchLab/adspend/internal/config"
	"github.com/MarkoPoloResearchLab/adspend/internal/gateway"
	"github.com/MarkoPoloResearchLab/adspend/internal/grpcserver"
	"github.com/MarkoPoloResearchLab/adspend/internal/httpapi"
	"github.com/MarkoPoloResearchLab/adspend/internal/logging"
	"github.com/MarkoPoloResearchLab/adspend/internal/scheduler"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
	"google.golang.org/grpc"
)

var protectedServices = []string{
	gateway.ServicePaymentGateway,
	gateway.ServiceAdPlatform,
	gateway.ServiceCampaignManager,
}

func newServeCommand(cfg *config.Config) *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the daily billing scheduler, gRPC health and the operator API",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()
			return runServe(ctx, *cfg)
		},
	}
}

func runServe(ctx context.Context, cfg config.Config) error {
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

	billingScheduler, err := scheduler.New(app.processor, app.ledger, scheduler.Config{
		Schedule:   cfg.Scheduler.Schedule,
		Workers:    cfg.Scheduler.Workers,
		RunTimeout: cfg.Scheduler.RunTimeout,
	}, scheduler.WithLogger(logger))
	if err != nil {
		return err
	}

	var apiServer *httpapi.Server
	if cfg.Session.SigningKey == "" {
		logger.Warn("operator api disabled: no session signing key configured")
	} else {
		apiServer, err = httpapi.New(httpapi.Config{
			ListenAddr:        cfg.HTTP.ListenAddr,
			AllowedOrigins:    cfg.HTTP.AllowedOrigins,
			SessionSigningKey: cfg.Session.SigningKey,
			SessionIssuer:     cfg.Session.Issuer,
			SessionCookieName: cfg.Session.CookieName,
		}, httpapi.Dependencies{
			Ledger:   app.ledger,
			Billing:  app.processor,
			Circuits: app.breaker,
		}, logger)
		if err != nil {
			return err
		}
	}

	lis, err := net.Listen("tcp", cfg.GRPC.ListenAddr)
	if err != nil {
		return fmt.Errorf("listen: %w", err)
	}
	grpcServer := grpc.NewServer()
	healthReporter := grpcserver.NewHealthReporter(app.breaker, protectedServices, cfg.GRPC.HealthInterval, logger)
	healthReporter.Register(grpcServer)

	group, groupCtx := errgroup.WithContext(ctx)
	group.Go(func() error {
		healthReporter.Run(groupCtx)
		return nil
	})
	group.Go(func() error {
		logger.Info("gRPC server starting", zap.String("listen_addr", cfg.GRPC.ListenAddr))
		if serveErr := grpcServer.Serve(lis); serveErr != nil && !errors.Is(serveErr, grpc.ErrServerStopped) {
			return serveErr
		}
		return nil
	})
	group.Go(func() error {
		<-groupCtx.Done()
		logger.Info("shutdown requested")
		grpcServer.GracefulStop()
		return nil
	})

	if apiServer != nil {
		group.Go(func() error {
			return apiServer.Run(groupCtx)
		})
	}

	billingScheduler.Start()
	defer func() {
		<-billingScheduler.Stop().Done()
		logger.Info("billing scheduler stopped")
	}()

	return group.Wait()
}

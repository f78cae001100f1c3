package main

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/MarkoPoloResearchLab/adspend/internal/config"
	"github.com/MarkoPoloResearchLab/adspend/internal/gateway"
	"github.com/MarkoPoloResearchLab/adspend/internal/logging"
	"github.com/MarkoPoloResearchLab/adspend/internal/notify"
	"github.com/MarkoPoloResearchLab/adspend/internal/store/gormstore"
	"github.com/MarkoPoloResearchLab/adspend/internal/store/pgstore"
	"github.com/MarkoPoloResearchLab/adspend/internal/store/redisstore"
	"github.com/MarkoPoloResearchLab/adspend/pkg/billing"
	"github.com/MarkoPoloResearchLab/adspend/pkg/ledger"
	"github.com/MarkoPoloResearchLab/adspend/pkg/resilience"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

// application owns every long-lived component built from the configuration.
type application struct {
	config    config.Config
	logger    *zap.Logger
	breaker   *resilience.CircuitBreaker
	ledger    *ledger.Service
	processor *billing.Processor
	closers   []func() error
}

func newApplication(ctx context.Context, cfg config.Config, logger *zap.Logger) (app *application, err error) {
	app = &application{config: cfg, logger: logger}
	defer func() {
		if err != nil {
			app.Close()
			app = nil
		}
	}()

	db, closeDB, driver, err := openDatabase(ctx, cfg.DatabaseURL)
	if err != nil {
		return app, fmt.Errorf("database open: %w", err)
	}
	app.closers = append(app.closers, closeDB)
	if err := prepareSchema(ctx, db, driver); err != nil {
		return app, err
	}
	store := gormstore.New(db)

	var redisClient redis.UniversalClient
	if cfg.Redis.Addr != "" {
		client := redis.NewClient(&redis.Options{Addr: cfg.Redis.Addr, Password: cfg.Redis.Password, DB: cfg.Redis.DB})
		app.closers = append(app.closers, client.Close)
		if err := client.Ping(ctx).Err(); err != nil {
			return app, fmt.Errorf("redis ping: %w", err)
		}
		redisClient = client
	}

	eventLogger := logging.NewEventLogger(logger)
	breakerOptions := []resilience.BreakerOption{
		resilience.WithMaxFailures(cfg.Breaker.MaxFailures),
		resilience.WithRetryTimeout(cfg.Breaker.RetryTimeout),
		resilience.WithBreakerLogger(eventLogger),
	}
	var stateStore resilience.StateStore
	if redisClient != nil {
		stateStore = redisstore.NewCircuitStore(redisClient, redisstore.WithKeyPrefix(cfg.Redis.KeyPrefix))
	}
	app.breaker = resilience.NewCircuitBreaker(stateStore, breakerOptions...)
	executor, err := resilience.NewExecutor(app.breaker, resilience.NewBackoffCalculator(nil), resilience.WithEventLogger(eventLogger))
	if err != nil {
		return app, fmt.Errorf("executor init: %w", err)
	}

	app.ledger, err = ledger.NewService(store, time.Now,
		ledger.WithOperationLogger(logging.NewOperationLogger(logger)),
		ledger.WithLowBalanceRatio(cfg.Billing.LowBalanceRatio),
		ledger.WithSpendWindow(cfg.Billing.SpendWindow),
	)
	if err != nil {
		return app, fmt.Errorf("ledger service init: %w", err)
	}

	locker, err := app.newLocker(ctx, redisClient)
	if err != nil {
		return app, err
	}
	notifier, err := app.newNotifier()
	if err != nil {
		return app, err
	}
	if err := cfg.ValidateGateways(); err != nil {
		return app, err
	}
	charger, err := gateway.NewPaymentClient(cfg.Gateways.Payment, executor)
	if err != nil {
		return app, err
	}
	spend, err := gateway.NewSpendClient(cfg.Gateways.AdPlatform, executor)
	if err != nil {
		return app, err
	}
	campaigns, err := gateway.NewCampaignClient(cfg.Gateways.Campaigns, executor)
	if err != nil {
		return app, err
	}

	app.processor, err = billing.NewProcessor(app.ledger, billing.Dependencies{
		Charger:   charger,
		Spend:     spend,
		Campaigns: campaigns,
		Notifier:  notifier,
		Locker:    locker,
		Runs:      store,
	}, billing.WithConfig(cfg.Billing.Processor), billing.WithLogger(logger))
	if err != nil {
		return app, fmt.Errorf("billing processor init: %w", err)
	}
	return app, nil
}

func (app *application) newLocker(ctx context.Context, redisClient redis.UniversalClient) (billing.Locker, error) {
	switch app.config.LockBackend {
	case config.LockBackendRedis:
		if redisClient == nil {
			return nil, fmt.Errorf("%w: redis lock backend without redis client", config.ErrInvalidConfig)
		}
		return redisstore.NewLocker(redisClient, app.config.Redis.KeyPrefix), nil
	case config.LockBackendPostgres:
		pool, err := pgstore.Connect(ctx, app.config.DatabaseURL)
		if err != nil {
			return nil, fmt.Errorf("advisory lock pool: %w", err)
		}
		app.closers = append(app.closers, func() error {
			pool.Close()
			return nil
		})
		return pgstore.NewLocker(pool), nil
	default:
		return billing.NewMemoryLocker(time.Now), nil
	}
}

func (app *application) newNotifier() (billing.Notifier, error) {
	notifiers := []billing.Notifier{notify.NewLogNotifier(app.logger)}
	if len(app.config.Kafka.Brokers) > 0 {
		writer, err := notify.NewKafkaWriter(app.config.Kafka.Brokers)
		if err != nil {
			return nil, err
		}
		kafkaNotifier, err := notify.NewKafkaNotifier(writer, app.config.Kafka.Topic, time.Now)
		if err != nil {
			_ = writer.Close()
			return nil, err
		}
		app.closers = append(app.closers, kafkaNotifier.Close)
		notifiers = append(notifiers, kafkaNotifier)
	}
	return notify.NewMultiNotifier(notifiers...), nil
}

// Close releases resources in reverse order of acquisition.
func (app *application) Close() {
	var closeErrs []error
	for index := len(app.closers) - 1; index >= 0; index-- {
		if err := app.closers[index](); err != nil {
			closeErrs = append(closeErrs, err)
		}
	}
	app.closers = nil
	if err := errors.Join(closeErrs...); err != nil {
		app.logger.Warn("resource close failed", zap.Error(err))
	}
}

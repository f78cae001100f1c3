package config

import (
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/shopspring/decimal"
)

func TestLoadDefaults(test *testing.T) {
	test.Parallel()
	cfg, err := Load(NewViper())
	if err != nil {
		test.Fatalf("load defaults: %v", err)
	}
	if cfg.DatabaseURL != "sqlite:///tmp/adspend.db" || cfg.LockBackend != LockBackendMemory {
		test.Fatalf("unexpected storage defaults %+v", cfg)
	}
	if cfg.Retry.MaxRetries != 3 || cfg.Retry.InitialDelayMs != 1000 || cfg.Retry.BackoffMultiplier != 2 || cfg.Retry.MaxDelayMs != 30000 {
		test.Fatalf("unexpected retry defaults %+v", cfg.Retry)
	}
	if cfg.Breaker.MaxFailures != 5 || cfg.Breaker.RetryTimeout != 60*time.Second {
		test.Fatalf("unexpected breaker defaults %+v", cfg.Breaker)
	}
	if cfg.Billing.Processor.ReplenishDays != 7 || cfg.Billing.Processor.LowBalanceDays != 3 || cfg.Billing.Processor.GracePeriod != 24*time.Hour {
		test.Fatalf("unexpected billing defaults %+v", cfg.Billing.Processor)
	}
	if !cfg.Billing.Processor.ReducedBudgetMultiplier.Equal(decimal.RequireFromString("0.5")) || !cfg.Billing.LowBalanceRatio.Equal(decimal.RequireFromString("0.25")) {
		test.Fatalf("unexpected decimal defaults %+v", cfg.Billing)
	}
	if cfg.Scheduler.Schedule != "0 0 1 * * *" || cfg.Scheduler.Workers != 8 {
		test.Fatalf("unexpected scheduler defaults %+v", cfg.Scheduler)
	}
	if cfg.Gateways.Payment.Policy != cfg.Retry || cfg.Gateways.Payment.Timeout != 15*time.Second {
		test.Fatalf("gateway config must inherit retry policy and timeout, got %+v", cfg.Gateways.Payment)
	}
	if len(cfg.Kafka.Brokers) != 0 || cfg.Session.SigningKey != "" {
		test.Fatalf("optional integrations must default off, got %+v", cfg)
	}
	if err := cfg.ValidateGateways(); !errors.Is(err, ErrInvalidConfig) {
		test.Fatalf("expected missing gateway urls, got %v", err)
	}
}

func TestLoadReadsEnvironment(test *testing.T) {
	test.Setenv("ADSPEND_DATABASE_URL", "postgres://adspend@db:5432/adspend")
	test.Setenv("ADSPEND_LOCK_BACKEND", "postgres")
	test.Setenv("ADSPEND_KAFKA_BROKERS", "kafka-1:9092, kafka-2:9092")
	test.Setenv("ADSPEND_RETRY_INITIAL_DELAY", "250ms")
	test.Setenv("ADSPEND_GATEWAY_PAYMENT_BASE_URL", "https://pay.example.com")

	cfg, err := Load(NewViper())
	if err != nil {
		test.Fatalf("load: %v", err)
	}
	if cfg.DatabaseURL != "postgres://adspend@db:5432/adspend" || cfg.LockBackend != LockBackendPostgres {
		test.Fatalf("environment not applied %+v", cfg)
	}
	if len(cfg.Kafka.Brokers) != 2 || cfg.Kafka.Brokers[1] != "kafka-2:9092" {
		test.Fatalf("unexpected brokers %v", cfg.Kafka.Brokers)
	}
	if cfg.Retry.InitialDelayMs != 250 || cfg.Gateways.Payment.BaseURL != "https://pay.example.com" {
		test.Fatalf("unexpected overrides retry=%+v payment=%+v", cfg.Retry, cfg.Gateways.Payment)
	}
}

func TestReadFileMergesValues(test *testing.T) {
	test.Parallel()
	path := filepath.Join(test.TempDir(), "adspend.yaml")
	contents := []byte(`
lock:
  backend: redis
redis:
  addr: localhost:6379
billing:
  reduced_budget_multiplier: "0.75"
scheduler:
  workers: 2
gateway:
  payment:
    base_url: https://pay.example.com
  ad_platform:
    base_url: https://ads.example.com
  campaigns:
    base_url: https://campaigns.example.com
`)
	if err := os.WriteFile(path, contents, 0o600); err != nil {
		test.Fatalf("write config: %v", err)
	}
	v := NewViper()
	if err := ReadFile(v, path); err != nil {
		test.Fatalf("read file: %v", err)
	}
	cfg, err := Load(v)
	if err != nil {
		test.Fatalf("load: %v", err)
	}
	if cfg.LockBackend != LockBackendRedis || cfg.Redis.Addr != "localhost:6379" || cfg.Scheduler.Workers != 2 {
		test.Fatalf("file values not applied %+v", cfg)
	}
	if !cfg.Billing.Processor.ReducedBudgetMultiplier.Equal(decimal.RequireFromString("0.75")) {
		test.Fatalf("unexpected multiplier %s", cfg.Billing.Processor.ReducedBudgetMultiplier)
	}
	if err := cfg.ValidateGateways(); err != nil {
		test.Fatalf("gateways: %v", err)
	}
	if err := ReadFile(NewViper(), filepath.Join(test.TempDir(), "missing.yaml")); err == nil {
		test.Fatalf("expected error for missing file")
	}
}

func TestLoadRejectsInvalidSettings(test *testing.T) {
	test.Parallel()
	testCases := []struct {
		name  string
		key   string
		value any
	}{
		{name: "unknown lock backend", key: KeyLockBackend, value: "zookeeper"},
		{name: "redis lock without address", key: KeyLockBackend, value: LockBackendRedis},
		{name: "postgres lock on sqlite", key: KeyLockBackend, value: LockBackendPostgres},
		{name: "zero retries", key: KeyMaxRetries, value: 0},
		{name: "multiplier above one", key: KeyReducedBudget, value: "1.5"},
		{name: "multiplier not a number", key: KeyReducedBudget, value: "half"},
		{name: "ratio above one", key: KeyLowBalanceRatio, value: "2"},
		{name: "no workers", key: KeyWorkers, value: 0},
		{name: "zero breaker threshold", key: KeyBreakerFailures, value: 0},
		{name: "empty database url", key: KeyDatabaseURL, value: " "},
		{name: "kafka without topic", key: KeyKafkaBrokers, value: []string{"kafka:9092"}},
	}
	for _, testCase := range testCases {
		testCase := testCase
		test.Run(testCase.name, func(test *testing.T) {
			test.Parallel()
			v := NewViper()
			v.Set(testCase.key, testCase.value)
			if testCase.key == KeyKafkaBrokers {
				v.Set(KeyKafkaTopic, "")
			}
			if _, err := Load(v); !errors.Is(err, ErrInvalidConfig) {
				test.Fatalf("expected ErrInvalidConfig, got %v", err)
			}
		})
	}
}

func TestSplitList(test *testing.T) {
	test.Parallel()
	got := SplitList([]string{"a, b", " ", "c"})
	if len(got) != 3 || got[0] != "a" || got[1] != "b" || got[2] != "c" {
		test.Fatalf("unexpected split %v", got)
	}
}

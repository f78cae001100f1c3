// Package config loads adspendd runtime settings from flags, environment, an
// optional config file and defaults, in that order of precedence.
package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/MarkoPoloResearchLab/adspend/internal/gateway"
	"github.com/MarkoPoloResearchLab/adspend/internal/logging"
	"github.com/MarkoPoloResearchLab/adspend/pkg/billing"
	"github.com/MarkoPoloResearchLab/adspend/pkg/resilience"
	"github.com/shopspring/decimal"
	"github.com/spf13/viper"
)

const EnvPrefix = "ADSPEND"

// Configuration keys. Environment variables are the upper-cased key with dots
// replaced by underscores under EnvPrefix, e.g. ADSPEND_DATABASE_URL.
const (
	KeyDatabaseURL = "database.url"

	KeyRedisAddr      = "redis.addr"
	KeyRedisPassword  = "redis.password"
	KeyRedisDB        = "redis.db"
	KeyRedisKeyPrefix = "redis.key_prefix"

	KeyLockBackend = "lock.backend"

	KeyHTTPListenAddr     = "http.listen_addr"
	KeyHTTPAllowedOrigins = "http.allowed_origins"
	KeyGRPCListenAddr     = "grpc.listen_addr"
	KeyHealthInterval     = "grpc.health_interval"

	KeySessionSigningKey = "session.signing_key"
	KeySessionIssuer     = "session.issuer"
	KeySessionCookieName = "session.cookie_name"

	KeyPaymentURL      = "gateway.payment.base_url"
	KeyPaymentToken    = "gateway.payment.token"
	KeyAdPlatformURL   = "gateway.ad_platform.base_url"
	KeyAdPlatformToken = "gateway.ad_platform.token"
	KeyCampaignsURL    = "gateway.campaigns.base_url"
	KeyCampaignsToken  = "gateway.campaigns.token"
	KeyGatewayTimeout  = "gateway.timeout"

	KeyKafkaBrokers = "kafka.brokers"
	KeyKafkaTopic   = "kafka.topic"

	KeyReplenishDays   = "billing.replenish_days"
	KeyLowBalanceDays  = "billing.low_balance_days"
	KeyGracePeriod     = "billing.grace_period"
	KeyReducedBudget   = "billing.reduced_budget_multiplier"
	KeyBillingLockTTL  = "billing.lock_ttl"
	KeyLowBalanceRatio = "billing.low_balance_ratio"
	KeySpendWindow     = "billing.spend_window"
	KeySchedule        = "scheduler.schedule"
	KeyWorkers         = "scheduler.workers"
	KeySweepTimeout    = "scheduler.run_timeout"
	KeyMaxRetries      = "retry.max_retries"
	KeyInitialDelay    = "retry.initial_delay"
	KeyBackoffFactor   = "retry.backoff_multiplier"
	KeyMaxDelay        = "retry.max_delay"
	KeyBreakerFailures = "breaker.max_failures"
	KeyBreakerTimeout  = "breaker.retry_timeout"
	KeyLogLevel        = "log.level"
	KeyLogFormat       = "log.format"
	KeyLogFile         = "log.file"
)

// Lock backends for the per-customer billing lock.
const (
	LockBackendMemory   = "memory"
	LockBackendRedis    = "redis"
	LockBackendPostgres = "postgres"
)

var ErrInvalidConfig = errors.New("invalid config")

// Config aggregates every runtime setting of adspendd.
type Config struct {
	DatabaseURL string
	Redis       RedisConfig
	LockBackend string
	HTTP        HTTPConfig
	GRPC        GRPCConfig
	Session     SessionConfig
	Gateways    GatewayConfig
	Kafka       KafkaConfig
	Billing     BillingConfig
	Scheduler   SchedulerConfig
	Retry       resilience.RetryPolicy
	Breaker     BreakerConfig
	Log         logging.Config
}

// RedisConfig addresses the shared breaker state and lock store.
type RedisConfig struct {
	Addr      string
	Password  string
	DB        int
	KeyPrefix string
}

// HTTPConfig configures the operator API.
type HTTPConfig struct {
	ListenAddr     string
	AllowedOrigins []string
}

// GRPCConfig configures the health server.
type GRPCConfig struct {
	ListenAddr     string
	HealthInterval time.Duration
}

// SessionConfig configures tauth session validation. An empty signing key
// disables the operator API.
type SessionConfig struct {
	SigningKey string
	Issuer     string
	CookieName string
}

// GatewayConfig addresses the external collaborators.
type GatewayConfig struct {
	Payment    gateway.ClientConfig
	AdPlatform gateway.ClientConfig
	Campaigns  gateway.ClientConfig
}

// KafkaConfig enables billing events when Brokers is not empty.
type KafkaConfig struct {
	Brokers []string
	Topic   string
}

// BillingConfig holds the billing knobs plus the ledger tuning.
type BillingConfig struct {
	Processor       billing.Config
	LowBalanceRatio decimal.Decimal
	SpendWindow     time.Duration
}

// SchedulerConfig configures the daily sweep.
type SchedulerConfig struct {
	Schedule   string
	Workers    int
	RunTimeout time.Duration
}

// BreakerConfig configures the shared circuit breaker.
type BreakerConfig struct {
	MaxFailures  int
	RetryTimeout time.Duration
}

// NewViper returns a viper instance with defaults and environment binding applied.
func NewViper() *viper.Viper {
	v := viper.New()
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_", "-", "_"))
	v.AutomaticEnv()
	SetDefaults(v)
	return v
}

// SetDefaults registers the default of every key.
func SetDefaults(v *viper.Viper) {
	processorDefaults := billing.DefaultConfig()
	retryDefaults := resilience.DefaultRetryPolicy()

	v.SetDefault(KeyDatabaseURL, "sqlite:///tmp/adspend.db")
	v.SetDefault(KeyRedisAddr, "")
	v.SetDefault(KeyRedisPassword, "")
	v.SetDefault(KeyRedisDB, 0)
	v.SetDefault(KeyRedisKeyPrefix, "adspend")
	v.SetDefault(KeyLockBackend, LockBackendMemory)
	v.SetDefault(KeyHTTPListenAddr, ":8080")
	v.SetDefault(KeyHTTPAllowedOrigins, []string{"http://localhost:8000"})
	v.SetDefault(KeyGRPCListenAddr, ":7000")
	v.SetDefault(KeyHealthInterval, 5*time.Second)
	v.SetDefault(KeySessionSigningKey, "")
	v.SetDefault(KeySessionIssuer, "tauth")
	v.SetDefault(KeySessionCookieName, "app_session")
	v.SetDefault(KeyPaymentURL, "")
	v.SetDefault(KeyPaymentToken, "")
	v.SetDefault(KeyAdPlatformURL, "")
	v.SetDefault(KeyAdPlatformToken, "")
	v.SetDefault(KeyCampaignsURL, "")
	v.SetDefault(KeyCampaignsToken, "")
	v.SetDefault(KeyGatewayTimeout, 15*time.Second)
	v.SetDefault(KeyKafkaBrokers, []string{})
	v.SetDefault(KeyKafkaTopic, "adspend.billing-events")
	v.SetDefault(KeyReplenishDays, processorDefaults.ReplenishDays)
	v.SetDefault(KeyLowBalanceDays, processorDefaults.LowBalanceDays)
	v.SetDefault(KeyGracePeriod, processorDefaults.GracePeriod)
	v.SetDefault(KeyReducedBudget, processorDefaults.ReducedBudgetMultiplier.String())
	v.SetDefault(KeyBillingLockTTL, processorDefaults.LockTTL)
	v.SetDefault(KeyLowBalanceRatio, "0.25")
	v.SetDefault(KeySpendWindow, 7*24*time.Hour)
	v.SetDefault(KeySchedule, "0 0 1 * * *")
	v.SetDefault(KeyWorkers, 8)
	v.SetDefault(KeySweepTimeout, 2*time.Hour)
	v.SetDefault(KeyMaxRetries, retryDefaults.MaxRetries)
	v.SetDefault(KeyInitialDelay, time.Duration(retryDefaults.InitialDelayMs)*time.Millisecond)
	v.SetDefault(KeyBackoffFactor, retryDefaults.BackoffMultiplier)
	v.SetDefault(KeyMaxDelay, time.Duration(retryDefaults.MaxDelayMs)*time.Millisecond)
	v.SetDefault(KeyBreakerFailures, resilience.DefaultMaxFailures)
	v.SetDefault(KeyBreakerTimeout, resilience.DefaultRetryTimeout)
	v.SetDefault(KeyLogLevel, "info")
	v.SetDefault(KeyLogFormat, logging.FormatJSON)
	v.SetDefault(KeyLogFile, "")
}

// ReadFile merges a YAML, TOML or JSON config file into v. An empty path is a no-op.
func ReadFile(v *viper.Viper, path string) error {
	if strings.TrimSpace(path) == "" {
		return nil
	}
	v.SetConfigFile(path)
	if err := v.ReadInConfig(); err != nil {
		return fmt.Errorf("read config %s: %w", path, err)
	}
	return nil
}

// Load reads every key from v and validates the result.
func Load(v *viper.Viper) (Config, error) {
	reducedBudget, err := decimal.NewFromString(strings.TrimSpace(v.GetString(KeyReducedBudget)))
	if err != nil {
		return Config{}, fmt.Errorf("%w: %s: %v", ErrInvalidConfig, KeyReducedBudget, err)
	}
	lowBalanceRatio, err := decimal.NewFromString(strings.TrimSpace(v.GetString(KeyLowBalanceRatio)))
	if err != nil {
		return Config{}, fmt.Errorf("%w: %s: %v", ErrInvalidConfig, KeyLowBalanceRatio, err)
	}
	retryPolicy := resilience.RetryPolicy{
		MaxRetries:        v.GetInt(KeyMaxRetries),
		InitialDelayMs:    v.GetDuration(KeyInitialDelay).Milliseconds(),
		BackoffMultiplier: v.GetFloat64(KeyBackoffFactor),
		MaxDelayMs:        v.GetDuration(KeyMaxDelay).Milliseconds(),
	}
	gatewayTimeout := v.GetDuration(KeyGatewayTimeout)

	cfg := Config{
		DatabaseURL: strings.TrimSpace(v.GetString(KeyDatabaseURL)),
		Redis: RedisConfig{
			Addr:      strings.TrimSpace(v.GetString(KeyRedisAddr)),
			Password:  v.GetString(KeyRedisPassword),
			DB:        v.GetInt(KeyRedisDB),
			KeyPrefix: strings.TrimSpace(v.GetString(KeyRedisKeyPrefix)),
		},
		LockBackend: strings.ToLower(strings.TrimSpace(v.GetString(KeyLockBackend))),
		HTTP: HTTPConfig{
			ListenAddr:     strings.TrimSpace(v.GetString(KeyHTTPListenAddr)),
			AllowedOrigins: SplitList(v.GetStringSlice(KeyHTTPAllowedOrigins)),
		},
		GRPC: GRPCConfig{
			ListenAddr:     strings.TrimSpace(v.GetString(KeyGRPCListenAddr)),
			HealthInterval: v.GetDuration(KeyHealthInterval),
		},
		Session: SessionConfig{
			SigningKey: v.GetString(KeySessionSigningKey),
			Issuer:     strings.TrimSpace(v.GetString(KeySessionIssuer)),
			CookieName: strings.TrimSpace(v.GetString(KeySessionCookieName)),
		},
		Gateways: GatewayConfig{
			Payment:    gateway.ClientConfig{BaseURL: v.GetString(KeyPaymentURL), Token: v.GetString(KeyPaymentToken), Timeout: gatewayTimeout, Policy: retryPolicy},
			AdPlatform: gateway.ClientConfig{BaseURL: v.GetString(KeyAdPlatformURL), Token: v.GetString(KeyAdPlatformToken), Timeout: gatewayTimeout, Policy: retryPolicy},
			Campaigns:  gateway.ClientConfig{BaseURL: v.GetString(KeyCampaignsURL), Token: v.GetString(KeyCampaignsToken), Timeout: gatewayTimeout, Policy: retryPolicy},
		},
		Kafka: KafkaConfig{
			Brokers: SplitList(v.GetStringSlice(KeyKafkaBrokers)),
			Topic:   strings.TrimSpace(v.GetString(KeyKafkaTopic)),
		},
		Billing: BillingConfig{
			Processor: billing.Config{
				ReplenishDays:           v.GetInt(KeyReplenishDays),
				LowBalanceDays:          v.GetInt(KeyLowBalanceDays),
				GracePeriod:             v.GetDuration(KeyGracePeriod),
				ReducedBudgetMultiplier: reducedBudget,
				LockTTL:                 v.GetDuration(KeyBillingLockTTL),
			},
			LowBalanceRatio: lowBalanceRatio,
			SpendWindow:     v.GetDuration(KeySpendWindow),
		},
		Scheduler: SchedulerConfig{
			Schedule:   strings.TrimSpace(v.GetString(KeySchedule)),
			Workers:    v.GetInt(KeyWorkers),
			RunTimeout: v.GetDuration(KeySweepTimeout),
		},
		Retry: retryPolicy,
		Breaker: BreakerConfig{
			MaxFailures:  v.GetInt(KeyBreakerFailures),
			RetryTimeout: v.GetDuration(KeyBreakerTimeout),
		},
		Log: logging.Config{
			Level:      v.GetString(KeyLogLevel),
			Format:     v.GetString(KeyLogFormat),
			OutputFile: v.GetString(KeyLogFile),
		},
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// Validate reports the first setting that cannot drive adspendd.
func (cfg Config) Validate() error {
	if cfg.DatabaseURL == "" {
		return fmt.Errorf("%w: %s is required", ErrInvalidConfig, KeyDatabaseURL)
	}
	switch cfg.LockBackend {
	case LockBackendMemory:
	case LockBackendRedis:
		if cfg.Redis.Addr == "" {
			return fmt.Errorf("%w: lock backend redis requires %s", ErrInvalidConfig, KeyRedisAddr)
		}
	case LockBackendPostgres:
		if !IsPostgresURL(cfg.DatabaseURL) {
			return fmt.Errorf("%w: lock backend postgres requires a postgres %s", ErrInvalidConfig, KeyDatabaseURL)
		}
	default:
		return fmt.Errorf("%w: %s %q is not one of memory, redis, postgres", ErrInvalidConfig, KeyLockBackend, cfg.LockBackend)
	}
	if cfg.Session.SigningKey != "" && (cfg.Session.Issuer == "" || cfg.Session.CookieName == "") {
		return fmt.Errorf("%w: session issuer and cookie name are required with a signing key", ErrInvalidConfig)
	}
	if len(cfg.Kafka.Brokers) > 0 && cfg.Kafka.Topic == "" {
		return fmt.Errorf("%w: %s is required with kafka brokers", ErrInvalidConfig, KeyKafkaTopic)
	}
	if err := cfg.Retry.Validate(); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidConfig, err)
	}
	if err := cfg.Billing.Processor.Validate(); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidConfig, err)
	}
	if !cfg.Billing.LowBalanceRatio.IsPositive() || cfg.Billing.LowBalanceRatio.GreaterThan(decimal.NewFromInt(1)) {
		return fmt.Errorf("%w: %s must be in (0, 1]", ErrInvalidConfig, KeyLowBalanceRatio)
	}
	if cfg.Scheduler.Workers < 1 {
		return fmt.Errorf("%w: %s must be at least 1", ErrInvalidConfig, KeyWorkers)
	}
	if cfg.Breaker.MaxFailures < 1 {
		return fmt.Errorf("%w: %s must be at least 1", ErrInvalidConfig, KeyBreakerFailures)
	}
	if cfg.Breaker.RetryTimeout <= 0 {
		return fmt.Errorf("%w: %s must be positive", ErrInvalidConfig, KeyBreakerTimeout)
	}
	return nil
}

// ValidateGateways reports whether every collaborator has a base URL. Billing
// commands need them; migrate does not.
func (cfg Config) ValidateGateways() error {
	for _, required := range []struct {
		key     string
		baseURL string
	}{
		{key: KeyPaymentURL, baseURL: cfg.Gateways.Payment.BaseURL},
		{key: KeyAdPlatformURL, baseURL: cfg.Gateways.AdPlatform.BaseURL},
		{key: KeyCampaignsURL, baseURL: cfg.Gateways.Campaigns.BaseURL},
	} {
		if strings.TrimSpace(required.baseURL) == "" {
			return fmt.Errorf("%w: %s is required", ErrInvalidConfig, required.key)
		}
	}
	return nil
}

// IsPostgresURL reports whether dsn selects the postgres driver.
func IsPostgresURL(dsn string) bool {
	return strings.HasPrefix(dsn, "postgres://") || strings.HasPrefix(dsn, "postgresql://")
}

// SplitList flattens comma-delimited entries and drops blanks.
func SplitList(values []string) []string {
	normalized := make([]string, 0, len(values))
	for _, value := range values {
		for _, part := range strings.Split(value, ",") {
			if trimmed := strings.TrimSpace(part); trimmed != "" {
				normalized = append(normalized, trimmed)
			}
		}
	}
	return normalized
}

/**
 * @description
 * This package handles the configuration management for the service. It uses the
 * Viper library to read configuration from environment variables, providing a
 * centralized and straightforward way to manage application settings.
 *
 * @dependencies
 * - github.com/spf13/viper: environment binding and defaults.
 * - github.com/shopspring/decimal: whole-unit fee amounts and percentages.
 */

package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/shopspring/decimal"
	"github.com/spf13/viper"
)

const (
	defaultRateLimitPrefix = "payments:rate_limit"
	minorUnitsPerMajor     = 100
)

// Config holds all the configuration variables for the payments core.
// These values are loaded from environment variables.
type Config struct {
	ServerPort         string `mapstructure:"SERVER_PORT"`
	DatabaseURL        string `mapstructure:"DATABASE_URL"`
	DatabaseMaxConns   int32  `mapstructure:"DATABASE_MAX_CONNS"`
	DatabaseMinConns   int32  `mapstructure:"DATABASE_MIN_CONNS"`
	RunMigrations      bool   `mapstructure:"RUN_MIGRATIONS"`
	RedisURL           string `mapstructure:"REDIS_URL"`
	RedisRateLimitKey  string `mapstructure:"REDIS_RATE_LIMIT_PREFIX"`
	RabbitMQURL        string `mapstructure:"RABBITMQ_URL"`
	EventsExchange     string `mapstructure:"EVENTS_EXCHANGE"`
	TransferEventQueue string `mapstructure:"TRANSFER_EVENT_QUEUE"`

	SettlementAPIBaseURL        string `mapstructure:"SETTLEMENT_API_BASE_URL"`
	SettlementAPIKey            string `mapstructure:"SETTLEMENT_API_KEY"`
	SettlementTimeoutSeconds    int    `mapstructure:"SETTLEMENT_TIMEOUT_SECONDS"`
	SettlementBreakerMaxFails   uint32 `mapstructure:"SETTLEMENT_BREAKER_MAX_FAILURES"`
	SettlementBreakerOpenSecs   int    `mapstructure:"SETTLEMENT_BREAKER_OPEN_SECONDS"`
	SettlementBreakerHalfOpenRq uint32 `mapstructure:"SETTLEMENT_BREAKER_HALF_OPEN_REQUESTS"`

	ClerkJWKSURL       string   `mapstructure:"CLERK_JWKS_URL"`
	ClerkAudience      string   `mapstructure:"CLERK_AUDIENCE"`
	ClerkIssuer        string   `mapstructure:"CLERK_ISSUER"`
	InternalAPIKey     string   `mapstructure:"INTERNAL_API_KEY"`
	CORSAllowedOrigins []string `mapstructure:"-"`
	LogLevel           string   `mapstructure:"LOG_LEVEL"`
	LogFormat          string   `mapstructure:"LOG_FORMAT"`

	P2PTransactionFeeKobo int64           `mapstructure:"P2P_TRANSACTION_FEE_KOBO"`
	MoneyDropFeeKobo      int64           `mapstructure:"MONEY_DROP_FEE_KOBO"`
	MoneyDropFeePercent   decimal.Decimal `mapstructure:"-"`
	BulkTransferMaxItems  int             `mapstructure:"BULK_TRANSFER_MAX_ITEMS"`
	SubscriptionFeeKobo   int64           `mapstructure:"SUBSCRIPTION_FEE_KOBO"`

	TransactionPINRequired       bool `mapstructure:"TRANSACTION_PIN_REQUIRED"`
	TransactionPINMaxAttempts    int  `mapstructure:"TRANSACTION_PIN_MAX_ATTEMPTS"`
	TransactionPINLockoutSeconds int  `mapstructure:"TRANSACTION_PIN_LOCKOUT_SECONDS"`

	PaymentRequestClaimStaleMinutes  int `mapstructure:"PAYMENT_REQUEST_CLAIM_STALE_MINUTES"`
	MoneyDropClaimRateLimitPerMinute int `mapstructure:"MONEY_DROP_CLAIM_RATE_LIMIT_PER_MINUTE"`

	// Zero values disable the password lockout.
	MoneyDropPasswordMaxAttempts    int `mapstructure:"MONEY_DROP_PASSWORD_MAX_ATTEMPTS"`
	MoneyDropPasswordLockoutSeconds int `mapstructure:"MONEY_DROP_PASSWORD_LOCKOUT_SECONDS"`
	MoneyDropClaimIdempotencyTTLMin int `mapstructure:"MONEY_DROP_CLAIM_IDEMPOTENCY_TTL_MINUTES"`
	MoneyDropClaimStaleSeconds      int `mapstructure:"MONEY_DROP_CLAIM_IDEMPOTENCY_STALE_SECONDS"`

	MoneyDropExpirySchedule  string `mapstructure:"MONEY_DROP_EXPIRY_SCHEDULE"`
	IdempotencyPurgeSchedule string `mapstructure:"IDEMPOTENCY_PURGE_SCHEDULE"`

	// Warnings lists the coercions applied while loading, for the caller to log once a logger exists.
	Warnings []string `mapstructure:"-"`
}

// SettlementTimeout returns the per-request timeout for the settlement gateway.
func (c Config) SettlementTimeout() time.Duration {
	return time.Duration(c.SettlementTimeoutSeconds) * time.Second
}

// PaymentRequestClaimStaleAfter is how long a processing payment request stays claimed.
func (c Config) PaymentRequestClaimStaleAfter() time.Duration {
	return time.Duration(c.PaymentRequestClaimStaleMinutes) * time.Minute
}

// LoadConfig reads configuration from environment variables from the given path.
// It uses Viper to automatically bind environment variables to the Config struct.
func LoadConfig(path string) (config Config, err error) {
	// Tell viper the path to look for the optional .env file.
	viper.AddConfigPath(path)
	viper.SetConfigName(".env")
	viper.SetConfigType("env")

	viper.AutomaticEnv()
	viper.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))

	viper.SetDefault("SERVER_PORT", "8080")
	viper.SetDefault("DATABASE_MAX_CONNS", 10)
	viper.SetDefault("DATABASE_MIN_CONNS", 1)
	viper.SetDefault("RUN_MIGRATIONS", false)
	viper.SetDefault("REDIS_RATE_LIMIT_PREFIX", defaultRateLimitPrefix)
	viper.SetDefault("EVENTS_EXCHANGE", "payments.events")
	viper.SetDefault("TRANSFER_EVENT_QUEUE", "payments_core.transfer_updates")
	viper.SetDefault("SETTLEMENT_TIMEOUT_SECONDS", 30)
	viper.SetDefault("SETTLEMENT_BREAKER_MAX_FAILURES", 5)
	viper.SetDefault("SETTLEMENT_BREAKER_OPEN_SECONDS", 30)
	viper.SetDefault("SETTLEMENT_BREAKER_HALF_OPEN_REQUESTS", 1)
	viper.SetDefault("CORS_ALLOWED_ORIGINS", "*")
	viper.SetDefault("LOG_LEVEL", "info")
	viper.SetDefault("LOG_FORMAT", "json")
	viper.SetDefault("P2P_TRANSACTION_FEE_KOBO", 500)
	viper.SetDefault("MONEY_DROP_FEE_KOBO", 0)
	viper.SetDefault("MONEY_DROP_FEE_PERCENT", "0")
	viper.SetDefault("BULK_TRANSFER_MAX_ITEMS", 10)
	viper.SetDefault("SUBSCRIPTION_FEE_KOBO", 100000)
	viper.SetDefault("TRANSACTION_PIN_REQUIRED", true)
	viper.SetDefault("TRANSACTION_PIN_MAX_ATTEMPTS", 5)
	viper.SetDefault("TRANSACTION_PIN_LOCKOUT_SECONDS", 900)
	viper.SetDefault("PAYMENT_REQUEST_CLAIM_STALE_MINUTES", 5)
	viper.SetDefault("MONEY_DROP_CLAIM_RATE_LIMIT_PER_MINUTE", 30)
	viper.SetDefault("MONEY_DROP_CLAIM_IDEMPOTENCY_TTL_MINUTES", 1440)
	viper.SetDefault("MONEY_DROP_CLAIM_IDEMPOTENCY_STALE_SECONDS", 120)
	viper.SetDefault("MONEY_DROP_EXPIRY_SCHEDULE", "@every 1m")
	viper.SetDefault("IDEMPOTENCY_PURGE_SCHEDULE", "@hourly")

	// Bind environment variables explicitly to ensure they appear in Unmarshal
	for _, key := range []string{
		"SERVER_PORT",
		"PORT",
		"DATABASE_URL",
		"DATABASE_MAX_CONNS",
		"DATABASE_MIN_CONNS",
		"RUN_MIGRATIONS",
		"REDIS_RATE_LIMIT_PREFIX",
		"RABBITMQ_URL",
		"EVENTS_EXCHANGE",
		"TRANSFER_EVENT_QUEUE",
		"SETTLEMENT_API_BASE_URL",
		"SETTLEMENT_API_KEY",
		"SETTLEMENT_TIMEOUT_SECONDS",
		"SETTLEMENT_BREAKER_MAX_FAILURES",
		"SETTLEMENT_BREAKER_OPEN_SECONDS",
		"SETTLEMENT_BREAKER_HALF_OPEN_REQUESTS",
		"CLERK_JWKS_URL",
		"CLERK_AUDIENCE",
		"CLERK_ISSUER",
		"CORS_ALLOWED_ORIGINS",
		"LOG_LEVEL",
		"LOG_FORMAT",
		"P2P_TRANSACTION_FEE_KOBO",
		"P2P_TRANSACTION_FEE",
		"MONEY_DROP_FEE_KOBO",
		"MONEY_DROP_FEE",
		"MONEY_DROP_FEE_PERCENT",
		"BULK_TRANSFER_MAX_ITEMS",
		"SUBSCRIPTION_FEE_KOBO",
		"TRANSACTION_PIN_REQUIRED",
		"TRANSACTION_PIN_MAX_ATTEMPTS",
		"TRANSACTION_PIN_LOCKOUT_SECONDS",
		"PAYMENT_REQUEST_CLAIM_STALE_MINUTES",
		"MONEY_DROP_CLAIM_RATE_LIMIT_PER_MINUTE",
		"MONEY_DROP_PASSWORD_MAX_ATTEMPTS",
		"MONEY_DROP_PASSWORD_LOCKOUT_SECONDS",
		"MONEY_DROP_CLAIM_IDEMPOTENCY_TTL_MINUTES",
		"MONEY_DROP_CLAIM_IDEMPOTENCY_STALE_SECONDS",
		"MONEY_DROP_EXPIRY_SCHEDULE",
		"IDEMPOTENCY_PURGE_SCHEDULE",
	} {
		_ = viper.BindEnv(key)
	}
	_ = viper.BindEnv("REDIS_URL", "REDIS_URL", "PAYMENTS_REDIS_URL")
	_ = viper.BindEnv("INTERNAL_API_KEY", "INTERNAL_API_KEY", "PAYMENTS_INTERNAL_API_KEY")

	// Attempt to read the config file. It's okay if it doesn't exist.
	if err = viper.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			config.warnf("failed to read config file; using environment values: %v", err)
		}
		err = nil
	}

	if err = viper.Unmarshal(&config); err != nil {
		return config, fmt.Errorf("unmarshal config: %w", err)
	}

	if port := strings.TrimSpace(os.Getenv("PORT")); port != "" {
		config.ServerPort = port
	}
	config.InternalAPIKey = strings.TrimSpace(config.InternalAPIKey)
	config.RedisURL = strings.TrimSpace(config.RedisURL)
	config.RedisRateLimitKey = strings.TrimSpace(config.RedisRateLimitKey)
	if config.RedisRateLimitKey == "" {
		config.RedisRateLimitKey = defaultRateLimitPrefix
	}
	config.CORSAllowedOrigins = splitList(viper.GetString("CORS_ALLOWED_ORIGINS"))

	// Fees may be given in whole currency units; those take precedence over the kobo keys.
	if fee, ok := config.wholeUnitAmount("P2P_TRANSACTION_FEE"); ok {
		config.P2PTransactionFeeKobo = fee
	}
	if config.P2PTransactionFeeKobo < 0 {
		config.warnf("negative p2p fee configured; coercing to zero (fee_kobo=%d)", config.P2PTransactionFeeKobo)
		config.P2PTransactionFeeKobo = 0
	}
	if fee, ok := config.wholeUnitAmount("MONEY_DROP_FEE"); ok {
		config.MoneyDropFeeKobo = fee
	}
	if config.MoneyDropFeeKobo < 0 {
		config.warnf("negative money-drop fee configured; coercing to zero (fee_kobo=%d)", config.MoneyDropFeeKobo)
		config.MoneyDropFeeKobo = 0
	}

	config.MoneyDropFeePercent = config.percent("MONEY_DROP_FEE_PERCENT")

	if config.BulkTransferMaxItems <= 0 {
		config.warnf("non-positive bulk transfer limit; using 10 (value=%d)", config.BulkTransferMaxItems)
		config.BulkTransferMaxItems = 10
	}
	if config.SubscriptionFeeKobo <= 0 {
		config.warnf("non-positive subscription fee; using 100000 (value=%d)", config.SubscriptionFeeKobo)
		config.SubscriptionFeeKobo = 100000
	}
	if config.TransactionPINMaxAttempts < 0 || config.TransactionPINLockoutSeconds < 0 {
		config.warnf("negative transaction pin lockout policy; lockout disabled")
		config.TransactionPINMaxAttempts = 0
		config.TransactionPINLockoutSeconds = 0
	}
	if config.PaymentRequestClaimStaleMinutes <= 0 {
		config.PaymentRequestClaimStaleMinutes = 5
	}
	if config.MoneyDropClaimRateLimitPerMinute <= 0 {
		config.MoneyDropClaimRateLimitPerMinute = 30
	}
	if config.MoneyDropClaimIdempotencyTTLMin <= 0 {
		config.MoneyDropClaimIdempotencyTTLMin = 1440
	}
	if config.MoneyDropClaimStaleSeconds <= 0 {
		config.MoneyDropClaimStaleSeconds = 120
	}
	if config.MoneyDropPasswordMaxAttempts < 0 || config.MoneyDropPasswordLockoutSeconds < 0 {
		config.warnf("negative password lockout policy; lockout disabled")
		config.MoneyDropPasswordMaxAttempts = 0
		config.MoneyDropPasswordLockoutSeconds = 0
	}
	if config.DatabaseMaxConns <= 0 {
		config.DatabaseMaxConns = 10
	}
	if config.DatabaseMinConns < 0 || config.DatabaseMinConns > config.DatabaseMaxConns {
		config.warnf("database min conns out of range; using 0 (value=%d)", config.DatabaseMinConns)
		config.DatabaseMinConns = 0
	}
	if config.SettlementTimeoutSeconds <= 0 {
		config.SettlementTimeoutSeconds = 30
	}

	return config, nil
}

func (c *Config) warnf(format string, args ...any) {
	c.Warnings = append(c.Warnings, fmt.Sprintf(format, args...))
}

// wholeUnitAmount reads key as a whole-currency decimal and converts it to minor units.
func (c *Config) wholeUnitAmount(key string) (int64, bool) {
	if !viper.IsSet(key) {
		return 0, false
	}
	raw := strings.TrimSpace(viper.GetString(key))
	if raw == "" {
		return 0, false
	}
	value, err := decimal.NewFromString(raw)
	if err != nil {
		c.warnf("invalid %s %q: %v", key, raw, err)
		return 0, false
	}
	return value.Mul(decimal.NewFromInt(minorUnitsPerMajor)).Round(0).IntPart(), true
}

func (c *Config) percent(key string) decimal.Decimal {
	raw := strings.TrimSpace(viper.GetString(key))
	if raw == "" {
		return decimal.Zero
	}
	value, err := decimal.NewFromString(raw)
	if err != nil {
		c.warnf("invalid %s %q: %v", key, raw, err)
		return decimal.Zero
	}
	if value.IsNegative() {
		c.warnf("negative money-drop fee percent configured; coercing to zero (fee_percent=%s)", value)
		return decimal.Zero
	}
	if value.GreaterThan(decimal.NewFromInt(100)) {
		c.warnf("money-drop fee percent too high; capping at 100 (fee_percent=%s)", value)
		return decimal.NewFromInt(100)
	}
	return value
}

func splitList(raw string) []string {
	var out []string
	for _, part := range strings.Split(raw, ",") {
		if trimmed := strings.TrimSpace(part); trimmed != "" {
			out = append(out, trimmed)
		}
	}
	return out
}

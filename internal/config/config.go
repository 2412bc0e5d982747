/**
 * @description
 * This package handles the configuration management for the service. It uses the
 * Viper library to read configuration from environment variables, providing a
 * centralized and straightforward way to manage application settings.
 *
 * @dependencies
 * - github.com/spf13/viper: A popular library for Go application configuration.
 * - github.com/joho/godotenv: Loads a local .env file into the process environment.
 * - github.com/shopspring/decimal: For the KES-denominated method limits.
 */

package config

import (
	"errors"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/robfig/cron/v3"
	"github.com/shopspring/decimal"
	"github.com/spf13/viper"
)

// Config holds all the configuration variables for the transaction-service.
// These values are loaded from environment variables.
type Config struct {
	ServerPort            string `mapstructure:"SERVER_PORT"`
	DatabaseURL           string `mapstructure:"DATABASE_URL"`
	RedisURL              string `mapstructure:"REDIS_URL"`
	RedisKeyPrefix        string `mapstructure:"REDIS_KEY_PREFIX"`
	RabbitMQURL           string `mapstructure:"RABBITMQ_URL"`
	StatusEventQueue      string `mapstructure:"STATUS_EVENT_QUEUE"`
	EventsExchange        string `mapstructure:"EVENTS_EXCHANGE"`
	SettlementAPIBaseURL  string `mapstructure:"SETTLEMENT_API_BASE_URL"`
	SettlementAPIKey      string `mapstructure:"SETTLEMENT_API_KEY"`
	PricingAPIBaseURL     string `mapstructure:"PRICING_API_BASE_URL"`
	PricingAPIKey         string `mapstructure:"PRICING_API_KEY"`
	JWKSURL               string `mapstructure:"JWKS_URL"`
	QuoteTimeoutSeconds   int    `mapstructure:"QUOTE_TIMEOUT_SECONDS"`
	SubmitTimeoutSeconds  int    `mapstructure:"SUBMIT_TIMEOUT_SECONDS"`
	QuoteAllowStale       bool   `mapstructure:"QUOTE_ALLOW_STALE"`
	RetryMaxAttempts      int    `mapstructure:"RETRY_MAX_ATTEMPTS"`
	RetryBaseDelayMS      int    `mapstructure:"RETRY_BASE_DELAY_MS"`
	StatusPollSchedule    string `mapstructure:"STATUS_POLL_SCHEDULE"`
	StatusPollBatch       int    `mapstructure:"STATUS_POLL_BATCH"`
	BeginRateLimitPerMin  int    `mapstructure:"BEGIN_RATE_LIMIT_PER_MINUTE"`
	MpesaMinKESRaw        string `mapstructure:"MPESA_MIN_KES"`
	MpesaMaxKESRaw        string `mapstructure:"MPESA_MAX_KES"`
	LightningMinSats      int64  `mapstructure:"LIGHTNING_MIN_SATS"`
	LightningMaxSats      int64  `mapstructure:"LIGHTNING_MAX_SATS"`
	WalletMinSats         int64  `mapstructure:"WALLET_MIN_SATS"`
	WalletMaxSats         int64  `mapstructure:"WALLET_MAX_SATS"`
	BreakerMaxFailures    int    `mapstructure:"BREAKER_CONSECUTIVE_FAILURES"`
	BreakerOpenSeconds    int    `mapstructure:"BREAKER_OPEN_SECONDS"`
	LogLevel              string `mapstructure:"LOG_LEVEL"`
	LogFormat             string `mapstructure:"LOG_FORMAT"`

	// Parsed from MpesaMinKESRaw and MpesaMaxKESRaw.
	MpesaMinKES decimal.Decimal `mapstructure:"-"`
	MpesaMaxKES decimal.Decimal `mapstructure:"-"`
}

const (
	defaultServerPort         = "8080"
	defaultRedisKeyPrefix     = "bitsacco"
	defaultStatusEventQueue   = "transaction_service.settlement_updates"
	defaultEventsExchange     = "transaction_events"
	defaultQuoteTimeout       = 10
	defaultSubmitTimeout      = 30
	defaultRetryMaxAttempts   = 3
	defaultRetryBaseDelayMS   = 500
	defaultStatusPollSchedule = "@every 30s"
	defaultStatusPollBatch    = 100
	defaultMpesaMinKES        = "10"
	defaultMpesaMaxKES        = "150000"
	defaultLightningMaxSats   = 5_000_000
	defaultBreakerFailures    = 5
	defaultBreakerOpenSeconds = 30
)

var keys = []string{
	"SERVER_PORT", "DATABASE_URL", "REDIS_URL", "REDIS_KEY_PREFIX", "RABBITMQ_URL",
	"STATUS_EVENT_QUEUE", "EVENTS_EXCHANGE", "SETTLEMENT_API_BASE_URL", "SETTLEMENT_API_KEY",
	"PRICING_API_BASE_URL", "PRICING_API_KEY", "JWKS_URL", "QUOTE_TIMEOUT_SECONDS",
	"SUBMIT_TIMEOUT_SECONDS", "QUOTE_ALLOW_STALE", "RETRY_MAX_ATTEMPTS", "RETRY_BASE_DELAY_MS",
	"STATUS_POLL_SCHEDULE", "STATUS_POLL_BATCH", "BEGIN_RATE_LIMIT_PER_MINUTE", "MPESA_MIN_KES",
	"MPESA_MAX_KES", "LIGHTNING_MIN_SATS", "LIGHTNING_MAX_SATS", "WALLET_MIN_SATS", "WALLET_MAX_SATS",
	"BREAKER_CONSECUTIVE_FAILURES", "BREAKER_OPEN_SECONDS", "LOG_LEVEL", "LOG_FORMAT",
}

// LoadConfig reads configuration from environment variables and an optional .env file
// in path. Values already in the environment win over the file.
func LoadConfig(path string) (config Config, err error) {
	envFile := filepath.Join(path, ".env")
	if loadErr := godotenv.Load(envFile); loadErr != nil && !errors.Is(loadErr, fs.ErrNotExist) {
		slog.Warn("failed to load .env file; using environment values", "component", "config", "path", envFile, "error", loadErr)
	}

	viper.AutomaticEnv()
	viper.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))

	viper.SetDefault("SERVER_PORT", defaultServerPort)
	viper.SetDefault("REDIS_KEY_PREFIX", defaultRedisKeyPrefix)
	viper.SetDefault("STATUS_EVENT_QUEUE", defaultStatusEventQueue)
	viper.SetDefault("EVENTS_EXCHANGE", defaultEventsExchange)
	viper.SetDefault("QUOTE_TIMEOUT_SECONDS", defaultQuoteTimeout)
	viper.SetDefault("SUBMIT_TIMEOUT_SECONDS", defaultSubmitTimeout)
	viper.SetDefault("QUOTE_ALLOW_STALE", false)
	viper.SetDefault("RETRY_MAX_ATTEMPTS", defaultRetryMaxAttempts)
	viper.SetDefault("RETRY_BASE_DELAY_MS", defaultRetryBaseDelayMS)
	viper.SetDefault("STATUS_POLL_SCHEDULE", defaultStatusPollSchedule)
	viper.SetDefault("STATUS_POLL_BATCH", defaultStatusPollBatch)
	viper.SetDefault("BEGIN_RATE_LIMIT_PER_MINUTE", 0)
	viper.SetDefault("MPESA_MIN_KES", defaultMpesaMinKES)
	viper.SetDefault("MPESA_MAX_KES", defaultMpesaMaxKES)
	viper.SetDefault("LIGHTNING_MIN_SATS", 1)
	viper.SetDefault("LIGHTNING_MAX_SATS", defaultLightningMaxSats)
	viper.SetDefault("WALLET_MIN_SATS", 1)
	viper.SetDefault("WALLET_MAX_SATS", 0)
	viper.SetDefault("BREAKER_CONSECUTIVE_FAILURES", defaultBreakerFailures)
	viper.SetDefault("BREAKER_OPEN_SECONDS", defaultBreakerOpenSeconds)
	viper.SetDefault("LOG_LEVEL", "info")
	viper.SetDefault("LOG_FORMAT", "text")

	// Bind environment variables explicitly to ensure they appear in Unmarshal
	for _, key := range keys {
		_ = viper.BindEnv(key)
	}
	_ = viper.BindEnv("PORT")

	if err = viper.Unmarshal(&config); err != nil {
		return
	}

	normalize(&config)
	return
}

func normalize(config *Config) {
	if port := strings.TrimSpace(os.Getenv("PORT")); port != "" {
		config.ServerPort = port
	}
	config.DatabaseURL = strings.TrimSpace(config.DatabaseURL)
	config.RedisURL = strings.TrimSpace(config.RedisURL)
	config.RabbitMQURL = strings.TrimSpace(config.RabbitMQURL)
	config.RedisKeyPrefix = strings.TrimSuffix(strings.TrimSpace(config.RedisKeyPrefix), ":")
	if config.RedisKeyPrefix == "" {
		config.RedisKeyPrefix = defaultRedisKeyPrefix
	}
	config.LogLevel = strings.ToLower(strings.TrimSpace(config.LogLevel))
	config.LogFormat = strings.ToLower(strings.TrimSpace(config.LogFormat))

	positive(&config.QuoteTimeoutSeconds, defaultQuoteTimeout, "QUOTE_TIMEOUT_SECONDS")
	positive(&config.SubmitTimeoutSeconds, defaultSubmitTimeout, "SUBMIT_TIMEOUT_SECONDS")
	positive(&config.RetryMaxAttempts, defaultRetryMaxAttempts, "RETRY_MAX_ATTEMPTS")
	positive(&config.RetryBaseDelayMS, defaultRetryBaseDelayMS, "RETRY_BASE_DELAY_MS")
	positive(&config.StatusPollBatch, defaultStatusPollBatch, "STATUS_POLL_BATCH")
	positive(&config.BreakerMaxFailures, defaultBreakerFailures, "BREAKER_CONSECUTIVE_FAILURES")
	positive(&config.BreakerOpenSeconds, defaultBreakerOpenSeconds, "BREAKER_OPEN_SECONDS")
	if config.BeginRateLimitPerMin < 0 {
		slog.Warn("negative begin rate limit configured; disabling", "component", "config", "value", config.BeginRateLimitPerMin)
		config.BeginRateLimitPerMin = 0
	}

	if _, err := cron.ParseStandard(config.StatusPollSchedule); err != nil {
		slog.Warn("invalid STATUS_POLL_SCHEDULE; using default", "component", "config", "value", config.StatusPollSchedule, "error", err)
		config.StatusPollSchedule = defaultStatusPollSchedule
	}

	config.MpesaMinKES = parseKES(config.MpesaMinKESRaw, defaultMpesaMinKES, "MPESA_MIN_KES")
	config.MpesaMaxKES = parseKES(config.MpesaMaxKESRaw, defaultMpesaMaxKES, "MPESA_MAX_KES")
	if config.MpesaMaxKES.IsPositive() && config.MpesaMaxKES.LessThan(config.MpesaMinKES) {
		slog.Warn("MPESA_MAX_KES below MPESA_MIN_KES; using defaults", "component", "config")
		config.MpesaMinKES = decimal.RequireFromString(defaultMpesaMinKES)
		config.MpesaMaxKES = decimal.RequireFromString(defaultMpesaMaxKES)
	}

	if config.LightningMinSats < 1 {
		config.LightningMinSats = 1
	}
	if config.WalletMinSats < 1 {
		config.WalletMinSats = 1
	}
	if config.LightningMaxSats < 0 {
		config.LightningMaxSats = defaultLightningMaxSats
	}
	if config.WalletMaxSats < 0 {
		config.WalletMaxSats = 0
	}
}

func positive(v *int, def int, key string) {
	if *v <= 0 {
		if *v < 0 {
			slog.Warn("negative value configured; using default", "component", "config", "key", key, "value", *v, "default", def)
		}
		*v = def
	}
}

func parseKES(raw, def, key string) decimal.Decimal {
	raw = strings.TrimSpace(raw)
	if raw != "" {
		d, err := decimal.NewFromString(raw)
		if err == nil && !d.IsNegative() {
			return d
		}
		slog.Warn("invalid KES limit configured; using default", "component", "config", "key", key, "value", raw)
	}
	return decimal.RequireFromString(def)
}

func (c Config) QuoteTimeout() time.Duration {
	return time.Duration(c.QuoteTimeoutSeconds) * time.Second
}

func (c Config) SubmitTimeout() time.Duration {
	return time.Duration(c.SubmitTimeoutSeconds) * time.Second
}

func (c Config) RetryBaseDelay() time.Duration {
	return time.Duration(c.RetryBaseDelayMS) * time.Millisecond
}

func (c Config) BreakerOpenTimeout() time.Duration {
	return time.Duration(c.BreakerOpenSeconds) * time.Second
}

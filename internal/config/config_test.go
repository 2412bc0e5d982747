package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/spf13/viper"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadConfig_Defaults(t *testing.T) {
	viper.Reset()
	t.Cleanup(viper.Reset)

	for _, key := range append(keys, "PORT") {
		unsetEnvWithCleanup(t, key)
	}

	cfg, err := LoadConfig(t.TempDir())
	require.NoError(t, err)

	assert.Equal(t, "8080", cfg.ServerPort)
	assert.Equal(t, "bitsacco", cfg.RedisKeyPrefix)
	assert.Equal(t, "transaction_events", cfg.EventsExchange)
	assert.Equal(t, 10*time.Second, cfg.QuoteTimeout())
	assert.Equal(t, 30*time.Second, cfg.SubmitTimeout())
	assert.Equal(t, 500*time.Millisecond, cfg.RetryBaseDelay())
	assert.Equal(t, 3, cfg.RetryMaxAttempts)
	assert.Equal(t, "@every 30s", cfg.StatusPollSchedule)
	assert.False(t, cfg.QuoteAllowStale)
	assert.Equal(t, "10", cfg.MpesaMinKES.String())
	assert.Equal(t, "150000", cfg.MpesaMaxKES.String())
	assert.Equal(t, int64(5_000_000), cfg.LightningMaxSats)
	assert.Equal(t, int64(0), cfg.WalletMaxSats)
	assert.Zero(t, cfg.BeginRateLimitPerMin)
}

func TestLoadConfig_PortOverridesServerPort(t *testing.T) {
	viper.Reset()
	t.Cleanup(viper.Reset)

	setEnvWithCleanup(t, "SERVER_PORT", "9000")
	setEnvWithCleanup(t, "PORT", "7000")

	cfg, err := LoadConfig(t.TempDir())
	require.NoError(t, err)
	assert.Equal(t, "7000", cfg.ServerPort)
}

func TestLoadConfig_CoercesInvalidValues(t *testing.T) {
	viper.Reset()
	t.Cleanup(viper.Reset)

	unsetEnvWithCleanup(t, "PORT")
	setEnvWithCleanup(t, "SUBMIT_TIMEOUT_SECONDS", "-4")
	setEnvWithCleanup(t, "RETRY_MAX_ATTEMPTS", "0")
	setEnvWithCleanup(t, "BEGIN_RATE_LIMIT_PER_MINUTE", "-1")
	setEnvWithCleanup(t, "STATUS_POLL_SCHEDULE", "every now and then")
	setEnvWithCleanup(t, "MPESA_MIN_KES", "abc")
	setEnvWithCleanup(t, "MPESA_MAX_KES", "70000")
	setEnvWithCleanup(t, "REDIS_KEY_PREFIX", " svc: ")

	cfg, err := LoadConfig(t.TempDir())
	require.NoError(t, err)

	assert.Equal(t, 30, cfg.SubmitTimeoutSeconds)
	assert.Equal(t, 3, cfg.RetryMaxAttempts)
	assert.Zero(t, cfg.BeginRateLimitPerMin)
	assert.Equal(t, "@every 30s", cfg.StatusPollSchedule)
	assert.Equal(t, "10", cfg.MpesaMinKES.String())
	assert.Equal(t, "70000", cfg.MpesaMaxKES.String())
	assert.Equal(t, "svc", cfg.RedisKeyPrefix)
}

func TestLoadConfig_ReadsDotEnvWithoutOverridingEnvironment(t *testing.T) {
	viper.Reset()
	t.Cleanup(viper.Reset)

	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, ".env"), []byte("SETTLEMENT_API_BASE_URL=http://settlement.local\nJWKS_URL=http://from-file\n"), 0o600))
	unsetEnvWithCleanup(t, "SETTLEMENT_API_BASE_URL")
	setEnvWithCleanup(t, "JWKS_URL", "http://from-env")

	cfg, err := LoadConfig(dir)
	require.NoError(t, err)
	assert.Equal(t, "http://settlement.local", cfg.SettlementAPIBaseURL)
	assert.Equal(t, "http://from-env", cfg.JWKSURL)
}

func setEnvWithCleanup(t *testing.T, key string, value string) {
	t.Helper()
	prev, hadPrev := os.LookupEnv(key)
	if err := os.Setenv(key, value); err != nil {
		t.Fatalf("failed to set env %s: %v", key, err)
	}
	t.Cleanup(func() {
		if hadPrev {
			_ = os.Setenv(key, prev)
			return
		}
		_ = os.Unsetenv(key)
	})
}

func unsetEnvWithCleanup(t *testing.T, key string) {
	t.Helper()
	prev, hadPrev := os.LookupEnv(key)
	if err := os.Unsetenv(key); err != nil {
		t.Fatalf("failed to unset env %s: %v", key, err)
	}
	t.Cleanup(func() {
		if hadPrev {
			_ = os.Setenv(key, prev)
			return
		}
		_ = os.Unsetenv(key)
	})
}

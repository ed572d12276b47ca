package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeFile(t *testing.T, path, content string) {
	t.Helper()
	require.NoError(t, os.MkdirAll(filepath.Dir(path), 0o755))
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
}

func TestLoadGatewayConfigDefaults(t *testing.T) {
	cfg, err := LoadGatewayConfig(t.TempDir())
	require.NoError(t, err)

	want := Defaults()
	assert.Equal(t, "dev", cfg.Environment)
	assert.Equal(t, want.HTTPAddress, cfg.HTTPAddress)
	assert.Equal(t, "lorem", cfg.Provider)
	assert.Equal(t, 3, cfg.RetryMaxAttempts)
	assert.Equal(t, time.Second, cfg.RetryBaseDelay)
	assert.Equal(t, 30*time.Second, cfg.RetryMaxDelay)
	assert.Equal(t, 5, cfg.BreakerThreshold)
	assert.Equal(t, 60*time.Second, cfg.BreakerCooldown)
	assert.Equal(t, 60*time.Second, cfg.ProviderTimeout)
	assert.Equal(t, 30.0, cfg.CallerRateCapacity)
	assert.Equal(t, 0.5, cfg.CallerRateRefill)
	assert.Equal(t, "sqlite", cfg.StoreDriver)
}

func TestLoadGatewayConfigMergesEnvironmentFile(t *testing.T) {
	tmp := t.TempDir()
	writeFile(t, filepath.Join(tmp, "config", "setting.ini"),
		"environment=test\nlog_level=debug\nhttp_address=:9000\n")
	writeFile(t, filepath.Join(tmp, "config", "test", "gateway.ini"),
		"[server]\nhttp_address=:9090\n\n[limits]\ncaller_rate_capacity=5\ncaller_rate_refill=0.25\nbucket_idle_ttl=2m\n\n[provider]\nretry_base_delay=250ms\nbreaker_cooldown=10\n")

	cfg, err := LoadGatewayConfig(tmp)
	require.NoError(t, err)

	assert.Equal(t, "test", cfg.Environment)
	assert.Equal(t, "debug", cfg.LogLevel)
	assert.Equal(t, ":9090", cfg.HTTPAddress)
	assert.Equal(t, 5.0, cfg.CallerRateCapacity)
	assert.Equal(t, 0.25, cfg.CallerRateRefill)
	assert.Equal(t, 2*time.Minute, cfg.BucketIdleTTL)
	assert.Equal(t, 250*time.Millisecond, cfg.RetryBaseDelay)
	assert.Equal(t, 10*time.Second, cfg.BreakerCooldown)
}

func TestLoadGatewayConfigEnvOverrides(t *testing.T) {
	tmp := t.TempDir()
	writeFile(t, filepath.Join(tmp, "config", "dev", "gateway.ini"), "auth_secret=file-secret\nmax_history=10\n")
	t.Setenv("CHATSTREAM_AUTH_SECRET", "env-secret")
	t.Setenv("CHATSTREAM_STORE_ASYNC", "yes")
	t.Setenv("CHATSTREAM_PROVIDER", "Anthropic")
	t.Setenv("CHATSTREAM_ANTHROPIC_API_KEY", "sk-test")

	cfg, err := LoadGatewayConfig(tmp)
	require.NoError(t, err)

	assert.Equal(t, "env-secret", cfg.AuthSecret)
	assert.Equal(t, 10, cfg.MaxHistory)
	assert.True(t, cfg.StoreAsync)
	assert.Equal(t, "anthropic", cfg.Provider)
}

func TestLoadGatewayConfigDotEnvDoesNotOverrideEnvironment(t *testing.T) {
	tmp := t.TempDir()
	writeFile(t, filepath.Join(tmp, ".env"), "CHATSTREAM_LOG_LEVEL=warn\nCHATSTREAM_HTTP_ADDRESS=:7000\n")
	t.Setenv("CHATSTREAM_HTTP_ADDRESS", ":7100")
	// godotenv sets variables directly; restore them after the test.
	t.Setenv("CHATSTREAM_LOG_LEVEL", "")
	require.NoError(t, os.Unsetenv("CHATSTREAM_LOG_LEVEL"))

	cfg, err := LoadGatewayConfig(tmp)
	require.NoError(t, err)

	assert.Equal(t, "warn", cfg.LogLevel)
	assert.Equal(t, ":7100", cfg.HTTPAddress)
}

func TestLoadGatewayConfigRejectsInvalidValues(t *testing.T) {
	cases := map[string]string{
		"bad int":        "retry_max_attempts=three\n",
		"bad duration":   "provider_timeout=soon\n",
		"zero attempts":  "retry_max_attempts=0\n",
		"unknown driver": "store_driver=mongo\n",
		"postgres dsn":   "store_driver=postgres\n",
		"anthropic key":  "provider=anthropic\n",
	}
	for name, content := range cases {
		t.Run(name, func(t *testing.T) {
			tmp := t.TempDir()
			writeFile(t, filepath.Join(tmp, "config", "dev", "gateway.ini"), content)
			_, err := LoadGatewayConfig(tmp)
			assert.Error(t, err)
		})
	}
}

func TestParseDuration(t *testing.T) {
	d, err := parseDuration("15")
	require.NoError(t, err)
	assert.Equal(t, 15*time.Second, d)

	d, err = parseDuration("1m30s")
	require.NoError(t, err)
	assert.Equal(t, 90*time.Second, d)

	_, err = parseDuration("later")
	assert.Error(t, err)
}

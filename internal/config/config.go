package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/ini.v1"
)

const (
	settingsFile     = "config/setting.ini"
	defaultEnv       = "dev"
	envConfigPattern = "config/%s/gateway.ini"
	envPrefix        = "CHATSTREAM_"
)

// Settings contains global toggles such as the active environment.
type Settings struct {
	Environment string
	Defaults    map[string]string
}

// GatewayConfig describes runtime options for the daemon and the CLI.
type GatewayConfig struct {
	Environment string
	HTTPAddress string

	LogLevel      string
	LogFormat     string
	LogFile       string
	LogMaxSizeMB  int
	LogMaxBackups int

	AuthSecret   string
	AuthTokenTTL time.Duration

	// Upstream: "anthropic" or "lorem".
	Provider         string
	AnthropicAPIKey  string
	AnthropicBaseURL string
	DefaultModel     string
	DefaultMaxTokens int
	ProviderTimeout  time.Duration
	StreamBuffer     int

	RetryMaxAttempts int
	RetryBaseDelay   time.Duration
	RetryMaxDelay    time.Duration

	BreakerThreshold int
	BreakerCooldown  time.Duration

	GlobalRateCapacity float64
	GlobalRateRefill   float64
	CallerRateCapacity float64
	CallerRateRefill   float64
	BucketIdleTTL      time.Duration

	MaxMessageChars int
	MaxHistory      int

	SafetyEnabled      bool
	SafetyPatternsFile string

	StoreDriver        string
	StorePath          string
	StoreDSN           string
	StoreAsync         bool
	StoreBatchSize     int
	StoreFlushInterval time.Duration

	MetricsStdout         bool
	MetricsExportInterval time.Duration

	// Client side (chatctl).
	GatewayURL string
}

// Defaults returns the configuration used when no file or environment
// override sets a key.
func Defaults() GatewayConfig {
	return GatewayConfig{
		Environment:           defaultEnv,
		HTTPAddress:           ":8080",
		LogLevel:              "info",
		LogFormat:             "text",
		LogMaxSizeMB:          100,
		LogMaxBackups:         5,
		AuthSecret:            "chatstream-dev-secret",
		AuthTokenTTL:          24 * time.Hour,
		Provider:              "lorem",
		DefaultModel:          "claude-sonnet-4-5",
		DefaultMaxTokens:      1024,
		ProviderTimeout:       60 * time.Second,
		StreamBuffer:          32,
		RetryMaxAttempts:      3,
		RetryBaseDelay:        time.Second,
		RetryMaxDelay:         30 * time.Second,
		BreakerThreshold:      5,
		BreakerCooldown:       60 * time.Second,
		GlobalRateCapacity:    1000,
		GlobalRateRefill:      100,
		CallerRateCapacity:    30,
		CallerRateRefill:      0.5,
		BucketIdleTTL:         10 * time.Minute,
		MaxMessageChars:       32000,
		MaxHistory:            100,
		SafetyEnabled:         true,
		StoreDriver:           "sqlite",
		StorePath:             DefaultStorePath(),
		StoreBatchSize:        100,
		StoreFlushInterval:    time.Second,
		MetricsExportInterval: time.Minute,
		GatewayURL:            "http://127.0.0.1:8080",
	}
}

// LoadGatewayConfig reads config/setting.ini to pick the environment, merges
// config/<env>/gateway.ini over it, loads <root>/.env without overriding the
// real environment, then applies CHATSTREAM_* overrides.
func LoadGatewayConfig(root string) (GatewayConfig, error) {
	if root == "" {
		root = "."
	}
	if err := godotenv.Load(filepath.Join(root, ".env")); err != nil && !errors.Is(err, os.ErrNotExist) {
		return GatewayConfig{}, fmt.Errorf("load .env: %w", err)
	}

	s, err := loadSettings(root)
	if err != nil {
		return GatewayConfig{}, err
	}
	envValues, err := parseINI(filepath.Join(root, fmt.Sprintf(envConfigPattern, s.Environment)))
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			envValues = map[string]string{}
		} else {
			return GatewayConfig{}, err
		}
	}

	merged := make(map[string]string)
	for k, v := range s.Defaults {
		merged[k] = v
	}
	for k, v := range envValues {
		merged[k] = v
	}
	lookup := func(key string) string {
		return firstNonEmpty(os.Getenv(envPrefix+strings.ToUpper(key)), merged[key])
	}

	cfg := Defaults()
	cfg.Environment = s.Environment
	p := parser{lookup: lookup}

	p.str(&cfg.HTTPAddress, "http_address")
	p.str(&cfg.LogLevel, "log_level")
	p.str(&cfg.LogFormat, "log_format")
	p.str(&cfg.LogFile, "log_file")
	p.int(&cfg.LogMaxSizeMB, "log_max_size_mb")
	p.int(&cfg.LogMaxBackups, "log_max_backups")
	p.str(&cfg.AuthSecret, "auth_secret")
	p.duration(&cfg.AuthTokenTTL, "auth_token_ttl")
	p.str(&cfg.Provider, "provider")
	p.str(&cfg.AnthropicAPIKey, "anthropic_api_key")
	p.str(&cfg.AnthropicBaseURL, "anthropic_base_url")
	p.str(&cfg.DefaultModel, "default_model")
	p.int(&cfg.DefaultMaxTokens, "default_max_tokens")
	p.duration(&cfg.ProviderTimeout, "provider_timeout")
	p.int(&cfg.StreamBuffer, "stream_buffer")
	p.int(&cfg.RetryMaxAttempts, "retry_max_attempts")
	p.duration(&cfg.RetryBaseDelay, "retry_base_delay")
	p.duration(&cfg.RetryMaxDelay, "retry_max_delay")
	p.int(&cfg.BreakerThreshold, "breaker_threshold")
	p.duration(&cfg.BreakerCooldown, "breaker_cooldown")
	p.float(&cfg.GlobalRateCapacity, "global_rate_capacity")
	p.float(&cfg.GlobalRateRefill, "global_rate_refill")
	p.float(&cfg.CallerRateCapacity, "caller_rate_capacity")
	p.float(&cfg.CallerRateRefill, "caller_rate_refill")
	p.duration(&cfg.BucketIdleTTL, "bucket_idle_ttl")
	p.int(&cfg.MaxMessageChars, "max_message_chars")
	p.int(&cfg.MaxHistory, "max_history")
	p.bool(&cfg.SafetyEnabled, "safety_enabled")
	p.str(&cfg.SafetyPatternsFile, "safety_patterns_file")
	p.str(&cfg.StoreDriver, "store_driver")
	p.str(&cfg.StorePath, "store_path")
	p.str(&cfg.StoreDSN, "store_dsn")
	p.bool(&cfg.StoreAsync, "store_async")
	p.int(&cfg.StoreBatchSize, "store_batch_size")
	p.duration(&cfg.StoreFlushInterval, "store_flush_interval")
	p.bool(&cfg.MetricsStdout, "metrics_stdout")
	p.duration(&cfg.MetricsExportInterval, "metrics_export_interval")
	p.str(&cfg.GatewayURL, "gateway_url")
	if p.err != nil {
		return GatewayConfig{}, p.err
	}

	cfg.Provider = strings.ToLower(strings.TrimSpace(cfg.Provider))
	cfg.StoreDriver = strings.ToLower(strings.TrimSpace(cfg.StoreDriver))
	if err := cfg.Validate(); err != nil {
		return GatewayConfig{}, err
	}
	return cfg, nil
}

// Validate rejects configurations the gateway cannot start with.
func (c GatewayConfig) Validate() error {
	switch c.Provider {
	case "anthropic":
		if c.AnthropicAPIKey == "" {
			return errors.New("config: anthropic_api_key is required when provider=anthropic")
		}
	case "lorem":
	default:
		return fmt.Errorf("config: unknown provider %q", c.Provider)
	}
	switch c.StoreDriver {
	case "sqlite":
	case "postgres":
		if c.StoreDSN == "" {
			return errors.New("config: store_dsn is required when store_driver=postgres")
		}
	default:
		return fmt.Errorf("config: unknown store_driver %q", c.StoreDriver)
	}
	if c.RetryMaxAttempts < 1 {
		return fmt.Errorf("config: retry_max_attempts must be at least 1, got %d", c.RetryMaxAttempts)
	}
	if c.BreakerThreshold < 1 {
		return fmt.Errorf("config: breaker_threshold must be at least 1, got %d", c.BreakerThreshold)
	}
	if c.CallerRateCapacity <= 0 || c.CallerRateRefill <= 0 || c.GlobalRateCapacity <= 0 || c.GlobalRateRefill <= 0 {
		return errors.New("config: rate limit capacities and refill rates must be positive")
	}
	if c.MaxMessageChars <= 0 {
		return fmt.Errorf("config: max_message_chars must be positive, got %d", c.MaxMessageChars)
	}
	return nil
}

// parser applies string values onto typed fields and keeps the first error.
type parser struct {
	lookup func(string) string
	err    error
}

func (p *parser) str(dst *string, key string) {
	if v := p.lookup(key); v != "" {
		*dst = v
	}
}

func (p *parser) int(dst *int, key string) {
	v := p.lookup(key)
	if v == "" || p.err != nil {
		return
	}
	n, err := strconv.Atoi(strings.TrimSpace(v))
	if err != nil {
		p.err = fmt.Errorf("invalid %s %q: %w", key, v, err)
		return
	}
	*dst = n
}

func (p *parser) float(dst *float64, key string) {
	v := p.lookup(key)
	if v == "" || p.err != nil {
		return
	}
	f, err := strconv.ParseFloat(strings.TrimSpace(v), 64)
	if err != nil {
		p.err = fmt.Errorf("invalid %s %q: %w", key, v, err)
		return
	}
	*dst = f
}

func (p *parser) duration(dst *time.Duration, key string) {
	v := p.lookup(key)
	if v == "" || p.err != nil {
		return
	}
	d, err := parseDuration(v)
	if err != nil {
		p.err = fmt.Errorf("invalid %s %q: %w", key, v, err)
		return
	}
	*dst = d
}

func (p *parser) bool(dst *bool, key string) {
	if v := p.lookup(key); v != "" {
		*dst = parseBool(v)
	}
}

func loadSettings(root string) (Settings, error) {
	values, err := parseINI(filepath.Join(root, settingsFile))
	if errors.Is(err, os.ErrNotExist) {
		return Settings{Environment: firstNonEmpty(os.Getenv(envPrefix+"ENV"), defaultEnv), Defaults: map[string]string{}}, nil
	}
	if err != nil {
		return Settings{}, err
	}
	env := firstNonEmpty(os.Getenv(envPrefix+"ENV"), values["environment"], defaultEnv)
	defaults := make(map[string]string)
	for k, v := range values {
		if k == "environment" {
			continue
		}
		defaults[k] = v
	}
	return Settings{Environment: env, Defaults: defaults}, nil
}

// parseINI flattens every section of an INI file into one lower-cased key map.
// Later sections win on duplicate keys.
func parseINI(path string) (map[string]string, error) {
	if _, err := os.Stat(path); err != nil {
		return nil, err
	}
	file, err := ini.LoadSources(ini.LoadOptions{Insensitive: true}, path)
	if err != nil {
		return nil, fmt.Errorf("failed to load config file %s: %w", path, err)
	}
	values := make(map[string]string)
	for _, section := range file.Sections() {
		for _, key := range section.Keys() {
			name := strings.ToLower(strings.TrimSpace(key.Name()))
			if name == "" {
				continue
			}
			values[name] = strings.TrimSpace(key.String())
		}
	}
	return values, nil
}

func parseBool(v string) bool {
	switch strings.ToLower(strings.TrimSpace(v)) {
	case "1", "true", "yes", "on":
		return true
	default:
		return false
	}
}

// parseDuration accepts Go duration strings and bare integers as seconds.
func parseDuration(v string) (time.Duration, error) {
	v = strings.TrimSpace(v)
	if n, err := strconv.Atoi(v); err == nil {
		return time.Duration(n) * time.Second, nil
	}
	return time.ParseDuration(v)
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if strings.TrimSpace(v) != "" {
			return v
		}
	}
	return ""
}

// DefaultStorePath returns ~/.chatstream/chat.db, or a relative path when the
// home directory is unknown.
func DefaultStorePath() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return filepath.Join(".chatstream", "chat.db")
	}
	return filepath.Join(home, ".chatstream", "chat.db")
}

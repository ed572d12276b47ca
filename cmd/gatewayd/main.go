package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/tokligence/chatstream-gateway/internal/auth"
	"github.com/tokligence/chatstream-gateway/internal/breaker"
	"github.com/tokligence/chatstream-gateway/internal/config"
	"github.com/tokligence/chatstream-gateway/internal/firewall"
	"github.com/tokligence/chatstream-gateway/internal/health"
	"github.com/tokligence/chatstream-gateway/internal/httpserver"
	"github.com/tokligence/chatstream-gateway/internal/logging"
	"github.com/tokligence/chatstream-gateway/internal/metrics"
	"github.com/tokligence/chatstream-gateway/internal/provider"
	"github.com/tokligence/chatstream-gateway/internal/ratelimit"
	"github.com/tokligence/chatstream-gateway/internal/session"
	"github.com/tokligence/chatstream-gateway/internal/store"
	"github.com/tokligence/chatstream-gateway/internal/store/async"
	"github.com/tokligence/chatstream-gateway/internal/store/postgres"
	"github.com/tokligence/chatstream-gateway/internal/store/sqlite"
	"github.com/tokligence/chatstream-gateway/internal/validation"
	"github.com/tokligence/chatstream-gateway/internal/version"
)

func main() {
	logger := logrus.New()
	if err := run(logger); err != nil {
		logger.WithError(err).Fatal("gatewayd failed")
	}
}

func run(logger *logrus.Logger) error {
	cfg, err := config.LoadGatewayConfig(".")
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return err
	}

	logCloser, err := logging.Setup(logger, logging.Options{
		Level:      cfg.LogLevel,
		Format:     cfg.LogFormat,
		File:       cfg.LogFile,
		MaxSizeMB:  cfg.LogMaxSizeMB,
		MaxBackups: cfg.LogMaxBackups,
	})
	if err != nil {
		return err
	}
	defer logCloser.Close()
	log := logging.Component(logger, "gatewayd")
	log.WithFields(logrus.Fields{"version": version.FullInfo(), "env": cfg.Environment, "provider": cfg.Provider}).Info("starting")

	telemetry, err := metrics.NewSetup(metrics.Options{
		Stdout:   cfg.MetricsStdout,
		Interval: cfg.MetricsExportInterval,
	})
	if err != nil {
		return err
	}
	defer func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = telemetry.Shutdown(ctx)
	}()
	rec := telemetry.Recorder()

	st, err := openStore(cfg, logger)
	if err != nil {
		return err
	}
	defer func() {
		if err := st.Close(); err != nil {
			log.WithError(err).Warn("close store")
		}
	}()

	authManager, err := auth.NewManager(cfg.AuthSecret, cfg.AuthTokenTTL)
	if err != nil {
		return fmt.Errorf("auth: %w", err)
	}

	var scanner *firewall.Scanner
	if cfg.SafetyEnabled {
		patterns := firewall.DefaultPatterns()
		if cfg.SafetyPatternsFile != "" {
			if patterns, err = firewall.LoadPatternFile(cfg.SafetyPatternsFile); err != nil {
				return err
			}
		}
		scanner = firewall.NewScanner(patterns, 0)
		log.WithField("patterns", len(patterns)).Info("content safety scan enabled")
	}

	br := breaker.New(breaker.Config{
		Threshold: cfg.BreakerThreshold,
		Cooldown:  cfg.BreakerCooldown,
		Timeout:   cfg.ProviderTimeout,
		IsFailure: provider.IsUpstreamFailure,
		OnStateChange: func(from, to breaker.State) {
			rec.BreakerTransition(context.Background(), to.String())
			log.WithFields(logrus.Fields{"from": from.String(), "to": to.String()}).Warn("circuit breaker transition")
		},
		Logger: logging.Component(logger, "breaker"),
	})

	upstream, err := buildUpstream(cfg)
	if err != nil {
		return err
	}
	client, err := provider.NewClient(provider.Config{
		Upstream: upstream,
		Breaker:  br,
		Retry: provider.RetryPolicy{
			MaxAttempts: cfg.RetryMaxAttempts,
			BaseDelay:   cfg.RetryBaseDelay,
			MaxDelay:    cfg.RetryMaxDelay,
		},
		BufferSize: cfg.StreamBuffer,
		OnRetry: func(attempt int, apiErr *provider.APIError, delay time.Duration) {
			rec.Retry(context.Background(), string(apiErr.Kind))
		},
		Logger: logging.Component(logger, "provider"),
	})
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGTERM, syscall.SIGINT)
	defer stop()

	limiter := ratelimit.NewLimiter(ratelimit.Config{
		GlobalCapacity:   cfg.GlobalRateCapacity,
		GlobalRefillRate: cfg.GlobalRateRefill,
		CallerCapacity:   cfg.CallerRateCapacity,
		CallerRefillRate: cfg.CallerRateRefill,
		IdleTTL:          cfg.BucketIdleTTL,
		Logger:           logging.Component(logger, "ratelimit"),
	})
	go limiter.Run(ctx)

	sessions := session.NewRegistry(func(delta int) {
		if delta > 0 {
			rec.SessionOpened(context.Background())
		} else {
			rec.SessionClosed(context.Background())
		}
	})

	validator, err := validation.New(validation.Config{
		MaxMessageChars: cfg.MaxMessageChars,
		MaxHistory:      cfg.MaxHistory,
		Auth:            authManager,
		Owners:          st,
		Scanner:         scanner,
		Logger:          logger,
	})
	if err != nil {
		return err
	}

	checker := health.New(health.Config{})
	checker.Register("store", cfg.StoreDriver, true, health.DatabaseCheck(st))
	checker.Register("provider", client.Name(), false, func(context.Context) (health.Status, string, error) {
		snap := br.Snapshot()
		if snap.State == breaker.Open {
			return health.StatusDegraded, "circuit open", nil
		}
		return health.StatusHealthy, "circuit " + snap.State.String(), nil
	})
	checker.Register("ratelimit", "memory", false, func(context.Context) (health.Status, string, error) {
		return health.StatusHealthy, fmt.Sprintf("%d caller buckets", limiter.TrackedCallers()), nil
	})
	if cfg.Provider == "anthropic" && cfg.AnthropicBaseURL != "" {
		checker.Register("upstream", "http", false, health.HTTPCheck(nil, cfg.AnthropicBaseURL))
	}

	srv, err := httpserver.New(httpserver.Deps{
		Validator:  validator,
		Limiter:    limiter,
		Provider:   client,
		Sessions:   sessions,
		Store:      st,
		Auth:       authManager,
		Health:     checker,
		Metrics:    rec,
		Logger:     logger,
		MaxHistory: cfg.MaxHistory,
	})
	if err != nil {
		return err
	}

	// No ReadTimeout or WriteTimeout: either would cut SSE responses that
	// outlive it.
	httpSrv := &http.Server{
		Addr:              cfg.HTTPAddress,
		Handler:           srv.Router(),
		ReadHeaderTimeout: 10 * time.Second,
		IdleTimeout:       120 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		log.WithField("addr", cfg.HTTPAddress).Info("gateway listening")
		if err := httpSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case err := <-errCh:
		if err != nil {
			return fmt.Errorf("http server: %w", err)
		}
	case <-ctx.Done():
		log.Info("shutdown requested")
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	srv.Shutdown(shutdownCtx)
	if err := httpSrv.Shutdown(shutdownCtx); err != nil {
		log.WithError(err).Warn("graceful shutdown incomplete")
	}
	return nil
}

func openStore(cfg config.GatewayConfig, logger *logrus.Logger) (store.Store, error) {
	var (
		st  store.Store
		err error
	)
	switch cfg.StoreDriver {
	case "postgres":
		st, err = postgres.New(postgres.Config{DSN: cfg.StoreDSN})
	default:
		st, err = sqlite.New(cfg.StorePath)
	}
	if err != nil {
		return nil, fmt.Errorf("open %s store: %w", cfg.StoreDriver, err)
	}
	if !cfg.StoreAsync {
		return st, nil
	}
	return async.New(st, async.Config{
		BatchSize:     cfg.StoreBatchSize,
		FlushInterval: cfg.StoreFlushInterval,
		Logger:        logging.Component(logger, "store"),
	}), nil
}

func buildUpstream(cfg config.GatewayConfig) (provider.Upstream, error) {
	switch cfg.Provider {
	case "anthropic":
		return provider.NewAnthropic(provider.AnthropicConfig{
			APIKey:       cfg.AnthropicAPIKey,
			BaseURL:      cfg.AnthropicBaseURL,
			DefaultModel: cfg.DefaultModel,
			MaxTokens:    cfg.DefaultMaxTokens,
		})
	default:
		return provider.NewLorem(provider.LoremConfig{Delay: 30 * time.Millisecond}), nil
	}
}

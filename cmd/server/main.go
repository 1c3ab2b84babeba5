// Package main provides the entry point for the ThreatINSIGHT relay server.
// The relay enriches observables with Gigamon ThreatINSIGHT detections and
// events and serves them as CTIM entities.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/lvonguyen/gti-relay/internal/api/gateway"
	"github.com/lvonguyen/gti-relay/internal/config"
	"github.com/lvonguyen/gti-relay/internal/ctim"
	"github.com/lvonguyen/gti-relay/internal/enrichment"
	"github.com/lvonguyen/gti-relay/internal/gti"
	"github.com/lvonguyen/gti-relay/internal/observability"
	"github.com/lvonguyen/gti-relay/internal/relay"
)

// Version information (injected at build time via ldflags)
var (
	Version   = "dev"
	GitCommit = "unknown"
	BuildTime = "unknown"
)

func main() {
	configPath := flag.String("config", "configs/config.yaml", "Path to config file")
	showVersion := flag.Bool("version", false, "Show version information")
	flag.Parse()

	if *showVersion {
		fmt.Printf("gti-relay %s (commit: %s, built: %s)\n", Version, GitCommit, BuildTime)
		os.Exit(0)
	}

	if err := run(*configPath); err != nil {
		fmt.Fprintf(os.Stderr, "gti-relay: %v\n", err)
		os.Exit(1)
	}
}

func run(configPath string) error {
	cfg, err := loadConfig(configPath)
	if err != nil {
		return err
	}

	tel, err := observability.New(observability.Config{
		ServiceName:    cfg.Telemetry.ServiceName,
		ServiceVersion: Version,
		Environment:    cfg.Telemetry.Environment,
		LogLevel:       cfg.Logging.Level,
		LogFormat:      cfg.Logging.Format,
		TracingEnabled: cfg.Telemetry.TracingEnabled,
		OTLPEndpoint:   cfg.Telemetry.OTLPEndpoint,
		SamplingRate:   cfg.Telemetry.SamplingRate,
		MetricsEnabled: cfg.Telemetry.MetricsEnabled,
	})
	if err != nil {
		return fmt.Errorf("initializing telemetry: %w", err)
	}
	logger := tel.Logger()
	defer func() { _ = logger.Sync() }()

	logger.Info("Starting gti-relay",
		zap.String("version", Version),
		zap.String("commit", GitCommit),
		zap.String("config", configPath),
		zap.String("search_mode", cfg.Relay.SearchMode),
		zap.Int("entities_limit", cfg.Relay.EntitiesLimit))

	client, err := gti.NewClient(cfg.Upstream,
		gti.WithLogger(logger.Named("gti")),
		gti.WithMetrics(tel.Metrics()),
		gti.WithTracer(tel.Tracer()),
		gti.WithTestAccounts(cfg.Relay.TestAccounts),
	)
	if err != nil {
		return fmt.Errorf("creating ThreatINSIGHT client: %w", err)
	}

	aggregator := enrichment.NewAggregator(client, enrichment.SettingsFromConfig(cfg.Relay),
		enrichment.WithLogger(logger.Named("aggregator")),
		enrichment.WithMetrics(tel.Metrics()),
		enrichment.WithTracer(tel.Tracer()),
	)

	deps := relay.Deps{
		Auth: relay.NewAuthenticator(cfg.Auth, cfg.Relay,
			relay.WithAuthLogger(logger.Named("auth"))),
		Events:          aggregator,
		Health:          client,
		Mapper:          ctim.NewMapper(cfg.Relay),
		ObservableTypes: cfg.Relay.ObservableTypes,
		Version:         Version,
		Logger:          logger,
		Metrics:         tel.Metrics(),
		MetricsHandler:  tel.MetricsHandler(),
		RequestTimeout:  cfg.Server.WriteTimeout,
	}

	if cfg.RateLimit.Enabled {
		rdb, err := newRedisClient(cfg.Redis)
		if err != nil {
			logger.Warn("Rate limiting disabled: Redis unavailable", zap.Error(err))
		} else {
			defer rdb.Close()
			limiter := gateway.NewRateLimiter(gateway.NewRedisCounter(rdb), gateway.RateLimitConfig{
				RequestsPerMinute: cfg.RateLimit.RequestsPerMinute,
				IncludeHeaders:    cfg.RateLimit.IncludeHeaders,
				KeyPrefix:         cfg.Redis.KeyPrefix,
				RejectStatus:      http.StatusOK,
			}, logger.Named("ratelimit"))
			deps.RateLimit = limiter.Middleware(gateway.CredentialID)
			logger.Info("Rate limiting enabled",
				zap.String("redis", cfg.Redis.Addr),
				zap.Int("requests_per_minute", cfg.RateLimit.RequestsPerMinute))
		}
	}

	srv, err := relay.NewServer(deps)
	if err != nil {
		return err
	}

	server := &http.Server{
		Addr:         fmt.Sprintf(":%d", cfg.Server.Port),
		Handler:      srv.Router(),
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout + 5*time.Second,
		IdleTimeout:  60 * time.Second,
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	serveErr := make(chan error, 1)
	go func() {
		logger.Info("Server listening", zap.String("addr", server.Addr))
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serveErr <- err
		}
		close(serveErr)
	}()

	select {
	case err := <-serveErr:
		if err != nil {
			return fmt.Errorf("server error: %w", err)
		}
	case <-ctx.Done():
		logger.Info("Shutting down")
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
	defer cancel()

	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Error("Shutdown error", zap.Error(err))
	}
	if err := tel.Shutdown(shutdownCtx); err != nil {
		logger.Error("Telemetry shutdown error", zap.Error(err))
	}

	logger.Info("Server stopped")
	return nil
}

// loadConfig reads path, falling back to defaults plus environment overrides
// when the file does not exist.
func loadConfig(path string) (*config.Config, error) {
	if _, err := os.Stat(path); errors.Is(err, os.ErrNotExist) {
		cfg := config.DefaultConfig()
		cfg.ApplyEnv()
		return cfg, cfg.Validate()
	}
	return config.Load(path)
}

func newRedisClient(cfg config.RedisConfig) (*redis.Client, error) {
	if cfg.Addr == "" {
		return nil, errors.New("redis.addr is not set")
	}
	rdb := redis.NewClient(&redis.Options{
		Addr:     cfg.Addr,
		Password: os.Getenv(cfg.PasswordEnv),
		DB:       cfg.DB,
		PoolSize: cfg.PoolSize,
	})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := rdb.Ping(ctx).Err(); err != nil {
		_ = rdb.Close()
		return nil, fmt.Errorf("pinging redis: %w", err)
	}
	return rdb, nil
}

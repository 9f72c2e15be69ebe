// Command edge-proxy serves an upstream marketplace API through the queued,
// cached client and exposes health, readiness, telemetry and Prometheus metrics.
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

	"github.com/Sternrassler/marketplace-client/pkg/client"
	"github.com/Sternrassler/marketplace-client/pkg/config"
	"github.com/Sternrassler/marketplace-client/pkg/logging"
	"github.com/Sternrassler/marketplace-client/pkg/store"
	"github.com/Sternrassler/marketplace-client/pkg/telemetry"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
)

func main() {
	configPath := flag.String("config", os.Getenv("MARKETPLACE_CONFIG"), "path to a YAML, JSON or TOML config file")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load configuration: %v\n", err)
		os.Exit(1)
	}

	logging.Setup(cfg.LoggingConfig())
	logger := logging.NewLogger("edge-proxy")

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, cfg, logger); err != nil {
		logger.Fatal().Err(err).Msg("Proxy failed")
	}
}

func run(ctx context.Context, cfg *config.Config, logger zerolog.Logger) error {
	st, closeStore, err := openStore(ctx, cfg.Redis, logger)
	if err != nil {
		return err
	}
	defer closeStore()

	mgr := telemetry.NewManager(cfg.Telemetry,
		telemetry.WithLogger(logging.NewLogger("telemetry")),
		telemetry.WithStore(st),
	)
	unsubscribe := mgr.OnAlert(logAlert(logger))
	defer unsubscribe()

	if err := mgr.Start(ctx); err != nil {
		return fmt.Errorf("start telemetry: %w", err)
	}
	defer mgr.Shutdown()

	apiClient, err := client.New(cfg.ClientConfig(),
		client.WithTransport(mgr.Transport(nil)),
		client.WithStore(st),
		client.WithLogger(logging.NewLogger("api-client")),
	)
	if err != nil {
		return fmt.Errorf("create api client: %w", err)
	}
	defer apiClient.Close()

	mgr.RegisterCache("api-client", apiClient.Cache())

	p := newProxy(apiClient, mgr, st, cfg, logger)

	srv := &http.Server{
		Addr:         cfg.Server.Addr,
		Handler:      p.routes(),
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
	}

	serveErr := make(chan error, 1)
	go func() {
		logger.Info().
			Str("addr", cfg.Server.Addr).
			Str("upstream", cfg.Client.BaseURL).
			Str("user_agent", cfg.Client.UserAgent).
			Msg("Starting edge proxy")

		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serveErr <- err
		}
		close(serveErr)
	}()

	select {
	case err := <-serveErr:
		return fmt.Errorf("server failed: %w", err)
	case <-ctx.Done():
	}

	logger.Info().Msg("Shutting down edge proxy")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
	defer cancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("shutdown: %w", err)
	}
	return nil
}

// openStore connects to Redis when enabled and falls back to the in-memory store otherwise.
func openStore(ctx context.Context, cfg config.RedisConfig, logger zerolog.Logger) (store.Store, func(), error) {
	if !cfg.Enabled {
		logger.Info().Msg("Redis disabled, using in-memory store")
		return store.NewMemory(), func() {}, nil
	}

	redisClient := redis.NewClient(&redis.Options{
		Addr:     cfg.Addr,
		Password: cfg.Password,
		DB:       cfg.DB,
	})

	st := store.NewRedis(redisClient, cfg.Namespace)

	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	if err := st.Ping(pingCtx); err != nil {
		redisClient.Close()
		return nil, nil, fmt.Errorf("failed to connect to Redis at %s: %w", cfg.Addr, err)
	}
	logger.Info().Str("addr", cfg.Addr).Msg("Connected to Redis")

	return st, func() { redisClient.Close() }, nil
}

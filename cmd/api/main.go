package main

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/redis/go-redis/v9"

	"fleet-execution-manager/internal/admission"
	"fleet-execution-manager/internal/api"
	"fleet-execution-manager/internal/archive"
	"fleet-execution-manager/internal/config"
	"fleet-execution-manager/internal/inventory"
	"fleet-execution-manager/internal/orchestrator"
	"fleet-execution-manager/internal/ratelimit"
	"fleet-execution-manager/internal/runner"
	"fleet-execution-manager/internal/store"
)

func main() {
	cfg := config.Load()

	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: slog.LevelInfo}))
	slog.SetDefault(logger)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	st, err := newStore(ctx, cfg)
	if err != nil {
		logger.Error("store init failed", "backend", cfg.StoreBackend, "error", err)
		os.Exit(1)
	}
	defer st.Close()

	queue := admission.NewQueue(cfg.QueueConcurrencyLimit, cfg.QueueMaxSize)

	archiver, err := archive.FromConfig(ctx, cfg)
	if err != nil {
		logger.Error("archiver init failed", "error", err)
		os.Exit(1)
	}

	run := runner.New(st, queue, archiver, cfg.ExecutionTimeout, logger)
	orch := orchestrator.New(st, newInventory(cfg, logger), queue, run, logger)

	var limiter *ratelimit.Limiter
	if cfg.RedisAddr != "" {
		client := redis.NewClient(&redis.Options{
			Addr:     cfg.RedisAddr,
			Password: cfg.RedisPassword,
			DB:       cfg.RedisDB,
		})
		limiter = ratelimit.NewLimiter(client, cfg.RateLimitCapacity, cfg.RateLimitRefill, time.Hour)
	}

	server := api.New(cfg, orch, queue, limiter, logger)
	httpServer := &http.Server{
		Addr:    ":" + cfg.HTTPPort,
		Handler: server.Router(),
	}

	go func() {
		logger.Info("api listening",
			"port", cfg.HTTPPort,
			"env", cfg.Env,
			"concurrency_limit", cfg.QueueConcurrencyLimit,
			"max_queue_size", cfg.QueueMaxSize,
		)
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("listen failed", "error", err)
			os.Exit(1)
		}
	}()

	<-ctx.Done()
	logger.Info("shutting down")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	_ = httpServer.Shutdown(shutdownCtx)
	if err := run.Drain(shutdownCtx); err != nil {
		logger.Warn("shutdown with executions still in flight", "error", err)
	}
}

func newStore(ctx context.Context, cfg config.Config) (store.Store, error) {
	switch cfg.StoreBackend {
	case "postgres":
		pg, err := store.NewPostgres(ctx, cfg.PostgresDSN)
		if err != nil {
			return nil, err
		}
		if err := pg.RunMigrations(ctx); err != nil {
			pg.Close()
			return nil, err
		}
		return pg, nil
	default:
		return store.NewMemory(), nil
	}
}

func newInventory(cfg config.Config, logger *slog.Logger) inventory.Provider {
	sources := []inventory.Source{inventory.NewStaticFile(cfg.InventoryFile)}
	if cfg.IntegrationURL != "" {
		sources = append(sources, inventory.NewHTTPSource("integration", cfg.IntegrationURL, cfg.IntegrationToken, 0))
	}
	return inventory.NewAggregator(sources, cfg.InventoryCacheTTL, logger)
}

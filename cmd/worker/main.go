package main

import (
	"context"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"medinotify/internal/app"
	"medinotify/internal/config"
	"medinotify/internal/infra/queue"
)

// The worker drains the asynq "emails" queue filled by the server when
// queue.backend is redis. It also owns delivery log retention in that mode.
func main() {
	slog.SetDefault(app.NewLogger("info"))

	cfg, err := config.Load()
	if err != nil {
		slog.Error("failed to load configuration", "error", err)
		os.Exit(1)
	}
	slog.SetDefault(app.NewLogger(cfg.Log.Level))

	if cfg.Queue.Backend != "redis" {
		slog.Error("worker requires queue.backend=redis", "queue", cfg.Queue.Backend)
		os.Exit(1)
	}

	slog.Info("worker configuration loaded",
		"store", cfg.Store.Backend,
		"provider", cfg.Email.Provider,
		"max_attempts", cfg.Queue.MaxAttempts,
		"throttle", cfg.Queue.Throttle,
	)

	// ==========================================
	// Dependency Injection (Manual Wiring)
	// ==========================================

	components, err := app.Build(cfg)
	if err != nil {
		slog.Error("failed to initialize components", "error", err)
		os.Exit(1)
	}
	defer components.Close()

	// Asynq Client (for rescheduling retries)
	asynqClient := queue.NewClient(cfg.Redis.Address, cfg.Redis.Password, cfg.Redis.DB)
	defer asynqClient.Close()

	handler := queue.NewHandler(components.Worker, queue.NewAsynqEnqueuer(asynqClient), cfg.Queue.Throttle)

	// ==========================================
	// Asynq Server (task processing)
	// ==========================================

	asynqServer := queue.NewServer(cfg.Redis.Address, cfg.Redis.Password, cfg.Redis.DB)

	slog.Info("worker starting", "redis", cfg.Redis.Address, "queue", queue.QueueName)
	if err := asynqServer.Start(queue.NewServeMux(handler)); err != nil {
		slog.Error("worker failed to start", "error", err)
		os.Exit(1)
	}

	// ==========================================
	// Delivery Log Retention
	// ==========================================

	retentionCtx, retentionCancel := context.WithCancel(context.Background())
	defer retentionCancel()

	go components.Retention.Run(retentionCtx)

	// ==========================================
	// Graceful Shutdown
	// ==========================================

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	slog.Info("shutting down worker...")
	retentionCancel()
	asynqServer.Shutdown()
	slog.Info("worker exited gracefully")
}

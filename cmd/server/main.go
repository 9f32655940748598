package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"medinotify/internal/app"
	"medinotify/internal/config"
	"medinotify/internal/domain/notification"
	"medinotify/internal/infra/queue"
	"medinotify/internal/router"
)

func main() {
	// Bootstrap logger until the configured level is known
	slog.SetDefault(app.NewLogger("info"))

	cfg, err := config.Load()
	if err != nil {
		slog.Error("failed to load configuration", "error", err)
		os.Exit(1)
	}
	slog.SetDefault(app.NewLogger(cfg.Log.Level))

	slog.Info("configuration loaded",
		"port", cfg.Server.Port,
		"mode", cfg.Server.Mode,
		"store", cfg.Store.Backend,
		"queue", cfg.Queue.Backend,
		"policy", cfg.Queue.Policy,
		"provider", cfg.Email.Provider,
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

	// Dispatch side: in-process loop, or asynq tasks drained by cmd/worker
	var (
		enqueuer   notification.Enqueuer
		dispatcher *notification.Dispatcher
	)
	switch cfg.Queue.Backend {
	case "redis":
		asynqClient := queue.NewClient(cfg.Redis.Address, cfg.Redis.Password, cfg.Redis.DB)
		defer asynqClient.Close()
		enqueuer = queue.NewAsynqEnqueuer(asynqClient)
		slog.Info("asynq enqueuer initialized", "redis", cfg.Redis.Address)
	default:
		policy, err := notification.ParseQueuePolicy(cfg.Queue.Policy)
		if err != nil {
			slog.Error("invalid queue policy", "error", err)
			os.Exit(1)
		}
		dispatcher = notification.NewDispatcher(components.Worker, notification.DispatcherConfig{
			Policy:   policy,
			Throttle: cfg.Queue.Throttle,
			Recheck:  cfg.Queue.Recheck,
		})
		enqueuer = dispatcher
		slog.Info("in-process dispatcher initialized", "policy", policy, "throttle", cfg.Queue.Throttle)
	}

	notificationService := notification.NewService(notification.ServiceDeps{
		Log:         components.Log,
		Enqueuer:    enqueuer,
		Worker:      components.Worker,
		Renderer:    components.Renderer,
		Transports:  components.Transports,
		Factory:     components.Factory,
		RateLimiter: components.Limiter,
	})

	// An unreachable transport is reported but does not stop the service
	verifyCtx, verifyCancel := context.WithTimeout(context.Background(), cfg.Email.Timeout)
	if err := notificationService.VerifyTransport(verifyCtx); err != nil {
		slog.Warn("email transport not reachable at startup", "error", err)
	} else {
		slog.Info("email transport verified")
	}
	verifyCancel()

	if len(cfg.Auth.APIKeys) == 0 {
		slog.Warn("no API keys configured, /api/v1 is unauthenticated")
	}

	notificationHandler := notification.NewHandler(notificationService)
	r := router.New(cfg, notificationHandler)

	// Retention runs here only when this process owns dispatch
	retentionCtx, retentionCancel := context.WithCancel(context.Background())
	defer retentionCancel()
	if dispatcher != nil {
		go components.Retention.Run(retentionCtx)
	}

	// ==========================================
	// HTTP Server with Graceful Shutdown
	// ==========================================

	srv := &http.Server{
		Addr:         fmt.Sprintf(":%d", cfg.Server.Port),
		Handler:      r,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: cfg.Email.Timeout + 15*time.Second, // covers synchronous sends
		IdleTimeout:  60 * time.Second,
	}

	go func() {
		slog.Info("server starting", "address", srv.Addr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			slog.Error("server failed to start", "error", err)
			os.Exit(1)
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	slog.Info("shutting down server...")
	retentionCancel()

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if err := srv.Shutdown(ctx); err != nil {
		slog.Error("server forced to shutdown", "error", err)
	}

	if dispatcher != nil {
		if err := dispatcher.Shutdown(ctx); err != nil {
			slog.Warn("dispatcher did not stop cleanly", "error", err, "queued", dispatcher.Len())
		}
	}

	slog.Info("server exited gracefully")
}

// Package app wires configuration into the collaborators shared by the
// HTTP server and the queue worker.
package app

import (
	"fmt"
	"log/slog"
	"os"
	"strings"

	"medinotify/internal/config"
	"medinotify/internal/domain/notification"
	"medinotify/internal/infra/email"
	"medinotify/internal/infra/ratelimit"
	"medinotify/internal/infra/store"
	"medinotify/internal/infra/template"

	"github.com/redis/go-redis/v9"
)

// Components holds everything built from configuration.
type Components struct {
	Log        notification.DeliveryLog
	Renderer   *template.Engine
	Transports *notification.TransportHolder
	Factory    notification.TransportFactory
	Limiter    notification.RecipientRateLimiter
	Worker     *notification.Worker
	Retention  *notification.Retention

	redis *redis.Client
}

// NewLogger builds the JSON slog logger at the configured level.
func NewLogger(level string) *slog.Logger {
	var lvl slog.Level
	switch strings.ToLower(level) {
	case "debug":
		lvl = slog.LevelDebug
	case "warn", "warning":
		lvl = slog.LevelWarn
	case "error":
		lvl = slog.LevelError
	default:
		lvl = slog.LevelInfo
	}
	return slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: lvl}))
}

// TransportConfig converts the email section into the transport options.
func TransportConfig(cfg config.EmailConfig) notification.TransportConfig {
	return notification.TransportConfig{
		Provider:       cfg.Provider,
		Host:           cfg.Host,
		Port:           cfg.Port,
		Secure:         cfg.Secure,
		Username:       cfg.Username,
		Password:       cfg.Password,
		APIKey:         cfg.APIKey,
		FromAddress:    cfg.FromAddress,
		FromName:       cfg.FromName,
		MaxConnections: cfg.MaxConnections,
		MaxMessages:    cfg.MaxMessages,
	}
}

// Build constructs the delivery log, template engine, transport, limiter,
// worker and retention sweeper.
func Build(cfg *config.Config) (*Components, error) {
	c := &Components{}

	if cfg.Store.Backend == "redis" || cfg.RecipientRateLimit.MaxPerHour > 0 {
		c.redis = redis.NewClient(&redis.Options{
			Addr:     cfg.Redis.Address,
			Password: cfg.Redis.Password,
			DB:       cfg.Redis.DB,
		})
	}

	switch cfg.Store.Backend {
	case "redis":
		c.Log = store.NewRedisStore(c.redis)
	case "supabase":
		s, err := store.NewSupabaseStore(cfg.Supabase.URL, cfg.Supabase.ServiceKey)
		if err != nil {
			c.Close()
			return nil, err
		}
		c.Log = s
	default:
		c.Log = store.NewMemoryStore(cfg.Store.Capacity)
	}
	slog.Info("delivery log initialized", "backend", cfg.Store.Backend)

	opts := []template.Option{}
	if cfg.Templates.Dir != "" {
		opts = append(opts, template.WithDir(cfg.Templates.Dir))
	}
	if cfg.Templates.FacilityName != "" {
		opts = append(opts, template.WithDefaults(map[string]any{"facilityName": cfg.Templates.FacilityName}))
	}
	engine, err := template.NewEngine(opts...)
	if err != nil {
		c.Close()
		return nil, fmt.Errorf("initializing template engine: %w", err)
	}
	c.Renderer = engine

	c.Factory = email.NewFactory(cfg.Email.Timeout)
	transportCfg := TransportConfig(cfg.Email)
	transport, err := c.Factory(transportCfg)
	if err != nil {
		c.Close()
		return nil, fmt.Errorf("initializing email transport: %w", err)
	}
	c.Transports = notification.NewTransportHolder(transport, transportCfg)

	if cfg.RecipientRateLimit.MaxPerHour > 0 {
		c.Limiter = ratelimit.NewRedisRecipientLimiter(c.redis, cfg.RecipientRateLimit.MaxPerHour)
		slog.Info("recipient rate limiter enabled", "max_per_hour", cfg.RecipientRateLimit.MaxPerHour)
	}

	c.Worker = notification.NewWorker(c.Log, c.Renderer, c.Transports, notification.RetryPolicy{
		MaxAttempts: cfg.Queue.MaxAttempts,
		BaseDelay:   cfg.Queue.RetryBaseDelay,
	})

	c.Retention = notification.NewRetention(c.Log, notification.RetentionConfig{
		Interval:  cfg.Retention.Interval,
		MaxAge:    cfg.Retention.MaxAge,
		BatchSize: cfg.Retention.BatchSize,
	})

	return c, nil
}

// Close releases the active transport and the Redis client.
func (c *Components) Close() {
	if c.Transports != nil {
		if err := c.Transports.Current().Close(); err != nil {
			slog.Warn("closing email transport", "error", err)
		}
	}
	if c.redis != nil {
		if err := c.redis.Close(); err != nil {
			slog.Warn("closing redis client", "error", err)
		}
	}
}

package notification

import (
	"context"
	"log/slog"
	"time"

	"medinotify/internal/observability/metrics"
)

// RetentionConfig holds configuration for the delivery log retention sweeper.
type RetentionConfig struct {
	// Interval is how often the sweeper scans the log.
	Interval time.Duration

	// MaxAge is how long a terminal record is kept after its last update.
	// Zero disables the sweeper.
	MaxAge time.Duration

	// BatchSize is the maximum number of records removed per cycle.
	BatchSize int
}

// Retention periodically prunes terminal delivery records so the log stays
// bounded. Pending records are never touched.
type Retention struct {
	log    DeliveryLog
	config RetentionConfig
	now    func() time.Time
}

// NewRetention creates a new retention sweeper.
func NewRetention(log DeliveryLog, cfg RetentionConfig) *Retention {
	if cfg.Interval <= 0 {
		cfg.Interval = 10 * time.Minute
	}
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = 500
	}

	return &Retention{
		log:    log,
		config: cfg,
		now:    time.Now,
	}
}

// Run starts the sweeper loop. It blocks until the context is cancelled.
// Should be called in a goroutine.
func (r *Retention) Run(ctx context.Context) {
	if r.config.MaxAge <= 0 {
		slog.Info("retention disabled")
		return
	}

	slog.Info("retention started",
		"interval", r.config.Interval,
		"max_age", r.config.MaxAge,
		"batch_size", r.config.BatchSize,
	)

	ticker := time.NewTicker(r.config.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			slog.Info("retention stopped")
			return
		case <-ticker.C:
			r.Sweep(ctx)
		}
	}
}

// Sweep performs one retention cycle and returns the number of records removed.
func (r *Retention) Sweep(ctx context.Context) int {
	olderThan := r.now().Add(-r.config.MaxAge)

	removed, err := r.log.Prune(ctx, olderThan, r.config.BatchSize)
	if err != nil {
		slog.Error("retention: failed to prune delivery log", "error", err)
		return 0
	}

	if removed == 0 {
		return 0 // Nothing to do, the common case
	}

	metrics.RecordsPruned.Add(float64(removed))
	slog.Info("retention: sweep complete",
		"removed", removed,
		"older_than", olderThan.UTC().Format(time.RFC3339),
	)
	return removed
}

package queue

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"time"

	"medinotify/internal/common"
	"medinotify/internal/domain/notification"

	"github.com/hibiken/asynq"
)

// QueueName is the asynq queue holding delivery tasks.
const QueueName = "emails"

var _ notification.Enqueuer = (*AsynqEnqueuer)(nil)

// RedisOpt builds asynq connection options.
func RedisOpt(redisAddr, password string, db int) asynq.RedisClientOpt {
	return asynq.RedisClientOpt{
		Addr:     redisAddr,
		Password: password,
		DB:       db,
	}
}

// NewClient creates a new asynq client connected to Redis.
func NewClient(redisAddr, password string, db int) *asynq.Client {
	return asynq.NewClient(RedisOpt(redisAddr, password, db))
}

// NewServer creates an asynq server that processes one delivery at a time,
// so sends never overlap.
func NewServer(redisAddr, password string, db int) *asynq.Server {
	return asynq.NewServer(
		RedisOpt(redisAddr, password, db),
		asynq.Config{
			Concurrency: 1,
			Queues: map[string]int{
				QueueName: 1,
			},
			// A task for a missing record is dropped, not counted as failed
			IsFailure: func(err error) bool {
				var notFound *common.NotFoundError
				return !errors.As(err, &notFound)
			},
			Logger: newSlogAdapter(),
		},
	)
}

// AsynqEnqueuer hands record IDs to Redis-backed asynq queues. Future due
// times become asynq scheduled tasks.
type AsynqEnqueuer struct {
	client *asynq.Client
	now    func() time.Time
}

// NewAsynqEnqueuer wraps an asynq client.
func NewAsynqEnqueuer(client *asynq.Client) *AsynqEnqueuer {
	return &AsynqEnqueuer{client: client, now: time.Now}
}

// Enqueue schedules delivery of a record no earlier than dueAt.
func (e *AsynqEnqueuer) Enqueue(ctx context.Context, id string, dueAt time.Time) error {
	task, err := notification.NewDeliverEmailTask(id)
	if err != nil {
		return fmt.Errorf("creating task: %w", err)
	}

	// Retries are rescheduled by Handler as fresh tasks
	opts := []asynq.Option{
		asynq.Queue(QueueName),
		asynq.MaxRetry(0),
	}
	if dueAt.After(e.now()) {
		opts = append(opts, asynq.ProcessAt(dueAt))
	}

	if _, err := e.client.EnqueueContext(ctx, task, opts...); err != nil {
		return fmt.Errorf("enqueuing task: %w", err)
	}
	return nil
}

// Handler runs delivery tasks through an Attempter and reschedules retries.
// With the server's concurrency of one, the pause after each attempt spaces
// deliveries the same way the in-process dispatch loop does.
type Handler struct {
	attempter notification.Attempter
	enqueuer  notification.Enqueuer
	throttle  time.Duration
	now       func() time.Time
}

// NewHandler creates a task handler that waits throttle after every attempt.
func NewHandler(attempter notification.Attempter, enqueuer notification.Enqueuer, throttle time.Duration) *Handler {
	if throttle < 0 {
		throttle = 0
	}
	return &Handler{attempter: attempter, enqueuer: enqueuer, throttle: throttle, now: time.Now}
}

// ProcessTask implements asynq.Handler.
func (h *Handler) ProcessTask(ctx context.Context, task *asynq.Task) error {
	payload, err := notification.ParseDeliverEmailPayload(task.Payload())
	if err != nil {
		return fmt.Errorf("%v: %w", err, asynq.SkipRetry)
	}

	outcome, err := h.attempter.Attempt(ctx, payload.RecordID)
	defer h.pause(ctx)
	if err != nil {
		var notFound *common.NotFoundError
		if errors.As(err, &notFound) {
			slog.Warn("dropping task for missing record", "id", payload.RecordID)
			return fmt.Errorf("%w: %w", err, asynq.SkipRetry)
		}
		return err
	}

	if outcome.RetryIn > 0 {
		if err := h.enqueuer.Enqueue(ctx, payload.RecordID, h.now().Add(outcome.RetryIn)); err != nil {
			return fmt.Errorf("rescheduling %s: %w", payload.RecordID, err)
		}
	}
	return nil
}

// pause holds the worker for the throttle interval. Cancellation ends it early.
func (h *Handler) pause(ctx context.Context) {
	if h.throttle <= 0 {
		return
	}
	timer := time.NewTimer(h.throttle)
	defer timer.Stop()
	select {
	case <-timer.C:
	case <-ctx.Done():
	}
}

// NewServeMux registers the delivery handler.
func NewServeMux(h *Handler) *asynq.ServeMux {
	mux := asynq.NewServeMux()
	mux.Handle(notification.TaskTypeDeliverEmail, h)
	return mux
}

// slogAdapter routes asynq's internal logging through slog.
type slogAdapter struct {
	log *slog.Logger
}

func newSlogAdapter() *slogAdapter {
	return &slogAdapter{log: slog.Default().With("component", "asynq")}
}

func (a *slogAdapter) Debug(args ...any) { a.log.Debug(fmt.Sprint(args...)) }
func (a *slogAdapter) Info(args ...any)  { a.log.Info(fmt.Sprint(args...)) }
func (a *slogAdapter) Warn(args ...any)  { a.log.Warn(fmt.Sprint(args...)) }
func (a *slogAdapter) Error(args ...any) { a.log.Error(fmt.Sprint(args...)) }
func (a *slogAdapter) Fatal(args ...any) {
	a.log.Error(fmt.Sprint(args...))
	os.Exit(1)
}

package notification

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"medinotify/internal/common"
	"medinotify/internal/observability/metrics"
	"medinotify/pkg/backoff"
)

// RetryPolicy bounds automatic re-delivery. MaxAttempts of 1 disables retries.
type RetryPolicy struct {
	MaxAttempts int
	BaseDelay   time.Duration
}

// Outcome describes the result of one delivery attempt.
type Outcome struct {
	Status   Status
	Attempts int
	// RetryIn is set when the record stays pending and should be attempted again.
	RetryIn time.Duration
	Err     error
}

// Worker performs a single delivery attempt: it loads the record, renders its
// template, hands the message to the active transport, and records the outcome.
type Worker struct {
	log        DeliveryLog
	renderer   TemplateRenderer
	transports *TransportHolder
	retry      RetryPolicy
	now        func() time.Time
}

// NewWorker creates a new notification worker.
func NewWorker(log DeliveryLog, renderer TemplateRenderer, transports *TransportHolder, retry RetryPolicy) *Worker {
	if retry.MaxAttempts < 1 {
		retry.MaxAttempts = 1
	}
	return &Worker{
		log:        log,
		renderer:   renderer,
		transports: transports,
		retry:      retry,
		now:        time.Now,
	}
}

// Attempt delivers the pending record with the given ID. Transport failures
// are absorbed into the record (or scheduled for retry) and reported through
// the Outcome, never as the returned error. The returned error covers only
// failures to load or update the record itself.
func (w *Worker) Attempt(ctx context.Context, id string) (Outcome, error) {
	return w.attempt(ctx, id, true)
}

// AttemptNow delivers once without scheduling retries; the first failure is final.
func (w *Worker) AttemptNow(ctx context.Context, id string) (Outcome, error) {
	return w.attempt(ctx, id, false)
}

func (w *Worker) attempt(ctx context.Context, id string, allowRetry bool) (Outcome, error) {
	out, err := w.deliver(ctx, id, allowRetry)
	if err != nil {
		var nf *common.NotFoundError
		if !errors.As(err, &nf) && !errors.Is(err, ErrRecordNotFound) {
			// The transport may already have accepted the message, so the
			// record is not marked failed here
			metrics.DeliveriesStranded.Inc()
			slog.Error("delivery record stranded in pending", "id", id, "error", err)
		}
	}
	return out, err
}

func (w *Worker) deliver(ctx context.Context, id string, allowRetry bool) (Outcome, error) {
	start := w.now()

	rec, err := w.log.Get(ctx, id)
	if err != nil {
		return Outcome{}, fmt.Errorf("fetching delivery record %s: %w", id, err)
	}
	if rec == nil {
		return Outcome{}, common.NewNotFoundError("email log", id)
	}

	// At-least-once queues may hand over the same ID twice
	if rec.Status != StatusPending {
		slog.Warn("skipping delivery of non-pending record", "id", id, "status", rec.Status)
		return Outcome{Status: rec.Status, Attempts: rec.Attempts}, nil
	}

	attempts := rec.Attempts + 1
	if err := w.log.RecordAttempt(ctx, id, attempts); err != nil {
		slog.Error("failed to record attempt", "id", id, "error", err)
	}

	msg := w.buildMessage(rec)

	transport, release := w.transports.Acquire()
	providerID, sendErr := transport.Deliver(ctx, msg)
	release()
	if sendErr != nil {
		return w.handleFailure(ctx, rec, attempts, allowRetry, sendErr, start)
	}

	if err := w.log.MarkSent(ctx, id, providerID, w.now()); err != nil {
		if errors.Is(err, ErrNotPending) {
			slog.Warn("record left pending during delivery", "id", id)
			return Outcome{Status: StatusSent, Attempts: attempts}, nil
		}
		return Outcome{}, fmt.Errorf("marking %s sent: %w", id, err)
	}

	metrics.ObserveDelivery(string(rec.Kind), "sent", true, start)
	slog.Info("notification sent",
		"id", id,
		"kind", rec.Kind,
		"to", rec.Recipient,
		"provider_id", providerID,
		"attempt", attempts,
		"duration", time.Since(start),
	)
	return Outcome{Status: StatusSent, Attempts: attempts}, nil
}

func (w *Worker) handleFailure(ctx context.Context, rec *DeliveryRecord, attempts int, allowRetry bool, sendErr error, start time.Time) (Outcome, error) {
	if allowRetry && attempts < w.retry.MaxAttempts {
		delay := backoff.CalculateRetryDelay(attempts+1, w.retry.BaseDelay)
		metrics.ObserveDelivery(string(rec.Kind), "retry", false, start)
		slog.Warn("notification delivery failed, will retry",
			"id", rec.ID,
			"kind", rec.Kind,
			"to", rec.Recipient,
			"attempt", attempts,
			"retry_in", delay,
			"error", sendErr,
		)
		return Outcome{Status: StatusPending, Attempts: attempts, RetryIn: delay, Err: sendErr}, nil
	}

	if err := w.log.MarkFailed(ctx, rec.ID, sendErr.Error()); err != nil && !errors.Is(err, ErrNotPending) {
		return Outcome{}, fmt.Errorf("marking %s failed: %w", rec.ID, err)
	}

	metrics.ObserveDelivery(string(rec.Kind), "failed", false, start)
	slog.Error("notification delivery failed",
		"id", rec.ID,
		"kind", rec.Kind,
		"to", rec.Recipient,
		"attempt", attempts,
		"error", sendErr,
		"duration", time.Since(start),
	)
	return Outcome{Status: StatusFailed, Attempts: attempts, Err: sendErr}, nil
}

func (w *Worker) buildMessage(rec *DeliveryRecord) *Message {
	req := rec.Request
	if req == nil {
		req = &Request{Kind: rec.Kind}
	}
	subject, html, text := w.renderer.Render(rec.Kind, req.Data)
	return &Message{
		ID:          rec.ID,
		To:          req.To,
		CC:          req.CC,
		BCC:         req.BCC,
		Subject:     subject,
		HTML:        html,
		Text:        text,
		Kind:        rec.Kind,
		Priority:    req.Priority.OrDefault(),
		Attachments: req.Attachments,
	}
}

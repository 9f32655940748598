package notification

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"medinotify/internal/common"
	"medinotify/internal/observability/metrics"
)

// ConfigUpdate is the administrative reconfiguration payload. Templates are
// applied only when the new transport passes verification.
type ConfigUpdate struct {
	Transport TransportConfig   `json:"transport"`
	Templates map[Kind]Template `json:"templates,omitempty"`
}

// Service orchestrates notification business logic.
// Queued flow: validate → check rate limit → create pending record → enqueue.
// Immediate flow: validate → create pending record → attempt once.
type Service struct {
	log         DeliveryLog
	enqueuer    Enqueuer
	worker      *Worker
	renderer    TemplateRenderer
	transports  *TransportHolder
	factory     TransportFactory
	rateLimiter RecipientRateLimiter

	// reconfigure serializes UpdateEmailConfig calls
	reconfigure sync.Mutex
	now         func() time.Time
}

// ServiceDeps groups the collaborators a Service needs.
type ServiceDeps struct {
	Log         DeliveryLog
	Enqueuer    Enqueuer
	Worker      *Worker
	Renderer    TemplateRenderer
	Transports  *TransportHolder
	Factory     TransportFactory
	RateLimiter RecipientRateLimiter
}

// NewService creates a new notification service.
func NewService(deps ServiceDeps) *Service {
	return &Service{
		log:         deps.Log,
		enqueuer:    deps.Enqueuer,
		worker:      deps.Worker,
		renderer:    deps.Renderer,
		transports:  deps.Transports,
		factory:     deps.Factory,
		rateLimiter: deps.RateLimiter,
		now:         time.Now,
	}
}

// VerifyTransport checks connectivity of the active transport. Used at startup;
// a failure is reported but the service keeps running.
func (s *Service) VerifyTransport(ctx context.Context) error {
	transport, release := s.transports.Acquire()
	defer release()
	if err := transport.Verify(ctx); err != nil {
		return common.NewConfigError("transport verification failed", err)
	}
	return nil
}

// QueueEmail validates a request, creates its pending record, and hands it to
// the dispatch queue. It returns as soon as the record exists.
func (s *Service) QueueEmail(ctx context.Context, req *Request) (*QueueResponse, error) {
	if err := validateRequest(req); err != nil {
		return nil, err
	}
	if err := s.checkRateLimit(ctx, req); err != nil {
		return nil, err
	}

	rec, err := s.createRecord(ctx, req)
	if err != nil {
		return nil, err
	}

	if err := s.enqueuer.Enqueue(ctx, rec.ID, req.DueAt(s.now())); err != nil {
		// Update record status to failed since we couldn't enqueue
		_ = s.log.MarkFailed(ctx, rec.ID, "failed to enqueue: "+err.Error())
		return nil, fmt.Errorf("enqueuing notification: %w", err)
	}

	metrics.NotificationsEnqueued.WithLabelValues(string(req.Kind)).Inc()
	slog.Info("notification enqueued",
		"id", rec.ID,
		"kind", req.Kind,
		"to", rec.Recipient,
		"scheduled_at", req.ScheduledAt,
	)

	return &QueueResponse{
		ID:          rec.ID,
		Status:      StatusPending,
		ScheduledAt: req.ScheduledAt,
	}, nil
}

// SendEmail bypasses the queue and delivers immediately, ignoring ScheduledAt.
// The record is written either way; a transport failure is returned as a
// ProviderError alongside the failed record.
func (s *Service) SendEmail(ctx context.Context, req *Request) (*DeliveryRecord, error) {
	if err := validateRequest(req); err != nil {
		return nil, err
	}
	if err := s.checkRateLimit(ctx, req); err != nil {
		return nil, err
	}

	rec, err := s.createRecord(ctx, req)
	if err != nil {
		return nil, err
	}

	outcome, err := s.worker.AttemptNow(ctx, rec.ID)
	if err != nil {
		return nil, err
	}

	updated, err := s.log.Get(ctx, rec.ID)
	if err != nil || updated == nil {
		updated = rec
		updated.Status = outcome.Status
	}

	if outcome.Status != StatusSent {
		msg := "delivery failed"
		if outcome.Err != nil {
			msg = outcome.Err.Error()
		}
		provider := s.transports.Config().Provider
		if provider == "" {
			provider = "email"
		}
		return updated, common.NewProviderError(provider, msg)
	}
	return updated, nil
}

// GetEmailLog retrieves a delivery record by ID.
func (s *Service) GetEmailLog(ctx context.Context, id string) (*DeliveryRecord, error) {
	rec, err := s.log.Get(ctx, id)
	if err != nil {
		return nil, fmt.Errorf("fetching email log: %w", err)
	}
	if rec == nil {
		return nil, common.NewNotFoundError("email log", id)
	}
	return rec, nil
}

// GetEmailLogs retrieves delivery records matching the filter.
func (s *Service) GetEmailLogs(ctx context.Context, filter LogFilter) ([]*DeliveryRecord, error) {
	if filter.Kind != "" {
		kind, ok := ParseKind(string(filter.Kind))
		if !ok {
			return nil, common.NewValidationError(fmt.Sprintf("unsupported notification kind: %s", filter.Kind))
		}
		filter.Kind = kind
	}
	switch filter.Status {
	case "", StatusPending, StatusSent, StatusFailed, StatusBounced:
	default:
		return nil, common.NewValidationError(fmt.Sprintf("unsupported status: %s", filter.Status))
	}

	records, err := s.log.List(ctx, filter)
	if err != nil {
		return nil, fmt.Errorf("listing email logs: %w", err)
	}
	return records, nil
}

// GetEmailStats counts delivery records by status.
func (s *Service) GetEmailStats(ctx context.Context) (*Stats, error) {
	stats, err := s.log.Stats(ctx)
	if err != nil {
		return nil, fmt.Errorf("computing email stats: %w", err)
	}
	return stats, nil
}

// TestEmailConfig sends a fixed system alert to address through SendEmail.
func (s *Service) TestEmailConfig(ctx context.Context, address string) (bool, error) {
	address = strings.TrimSpace(address)
	if address == "" {
		return false, common.NewValidationError("address is required")
	}

	req := &Request{
		To:       []string{address},
		Kind:     KindSystemAlert,
		Priority: PriorityNormal,
		Data: map[string]any{
			"alertTitle":   "Email configuration test",
			"alertMessage": "This is a test message confirming that outbound email is configured correctly.",
			"timestamp":    s.now().UTC().Format(time.RFC1123),
		},
	}

	if _, err := s.SendEmail(ctx, req); err != nil {
		slog.Warn("email configuration test failed", "to", address, "error", err)
		return false, err
	}
	return true, nil
}

// UpdateEmailConfig builds a transport from the new configuration and verifies
// it. Only a verified transport replaces the active one; on failure the previous
// configuration stays in effect and a ConfigError is returned.
func (s *Service) UpdateEmailConfig(ctx context.Context, update ConfigUpdate) (bool, error) {
	s.reconfigure.Lock()
	defer s.reconfigure.Unlock()

	for kind := range update.Templates {
		if !kind.IsValid() {
			return false, common.NewValidationError(fmt.Sprintf("unsupported notification kind: %s", kind))
		}
	}

	cfg := update.Transport
	if cfg.Provider == "" {
		cfg.Provider = s.transports.Config().Provider
	}

	next, err := s.factory(cfg)
	if err != nil {
		metrics.ConfigReloads.WithLabelValues("rejected").Inc()
		return false, common.NewConfigError("invalid transport configuration", err)
	}

	if err := next.Verify(ctx); err != nil {
		_ = next.Close()
		metrics.ConfigReloads.WithLabelValues("rejected").Inc()
		slog.Warn("transport reconfiguration rejected",
			"config", cfg.Redacted(),
			"error", err,
		)
		return false, common.NewConfigError("transport verification failed", err)
	}

	old, drained := s.transports.Swap(next, cfg)
	for kind, tmpl := range update.Templates {
		s.renderer.Register(kind, tmpl)
	}
	if old != nil {
		// Deliveries still sending through old keep it open until they finish
		go func() {
			<-drained
			if err := old.Close(); err != nil {
				slog.Warn("closing replaced transport", "error", err)
			}
		}()
	}

	metrics.ConfigReloads.WithLabelValues("applied").Inc()
	slog.Info("transport reconfigured",
		"config", cfg.Redacted(),
		"templates", len(update.Templates),
	)
	return true, nil
}

// CurrentConfig returns the active transport configuration without secrets.
func (s *Service) CurrentConfig() TransportConfig {
	return s.transports.Config().Redacted()
}

// HandleBounce records a late delivery failure reported by the transport provider.
func (s *Service) HandleBounce(ctx context.Context, providerID string) error {
	if providerID == "" {
		return common.NewValidationError("provider_id is required")
	}

	if err := s.log.MarkBounced(ctx, providerID, s.now()); err != nil {
		switch {
		case errors.Is(err, ErrRecordNotFound):
			return common.NewNotFoundError("email log with provider id", providerID)
		case errors.Is(err, ErrNotPending):
			// Only sent records can bounce; repeated reports are ignored
			slog.Info("ignoring bounce for record not in sent state", "provider_id", providerID)
			return nil
		}
		return fmt.Errorf("recording bounce: %w", err)
	}

	slog.Info("bounce recorded", "provider_id", providerID)
	return nil
}

func (s *Service) createRecord(ctx context.Context, req *Request) (*DeliveryRecord, error) {
	req.Priority = req.Priority.OrDefault()
	rec := &DeliveryRecord{
		Recipient:   req.RecipientSummary(),
		Kind:        req.Kind,
		Request:     req,
		Status:      StatusPending,
		ScheduledAt: req.ScheduledAt,
	}
	if err := s.log.Create(ctx, rec); err != nil {
		return nil, fmt.Errorf("creating email log: %w", err)
	}
	return rec, nil
}

func (s *Service) checkRateLimit(ctx context.Context, req *Request) error {
	if s.rateLimiter == nil {
		return nil
	}
	for _, to := range req.To {
		allowed, err := s.rateLimiter.Allow(ctx, to)
		if err != nil {
			// Fail open, don't block the request when Redis is down
			slog.Error("rate limit check failed, proceeding without limit", "recipient", to, "error", err)
			continue
		}
		if !allowed {
			return common.NewValidationError(fmt.Sprintf("rate limit exceeded for recipient: %s", to))
		}
	}
	return nil
}

// validateRequest rejects malformed requests before any record is created.
func validateRequest(req *Request) error {
	if req == nil {
		return common.NewValidationError("request is required")
	}
	if len(req.To) == 0 {
		return common.NewValidationError("at least one recipient is required")
	}
	for _, list := range [][]string{req.To, req.CC, req.BCC} {
		for i, addr := range list {
			addr = strings.TrimSpace(addr)
			if addr == "" {
				return common.NewValidationError("recipient addresses must not be empty")
			}
			list[i] = addr
		}
	}
	if req.Kind == "" {
		return common.NewValidationError("kind is required")
	}
	kind, ok := ParseKind(string(req.Kind))
	if !ok {
		return common.NewValidationError(fmt.Sprintf("unsupported notification kind: %s", req.Kind))
	}
	req.Kind = kind
	if req.Data == nil {
		return common.NewValidationError("data is required")
	}
	if !req.Priority.IsValid() {
		return common.NewValidationError(fmt.Sprintf("unsupported priority: %s", req.Priority))
	}
	for _, a := range req.Attachments {
		if a.Filename == "" {
			return common.NewValidationError("attachment filename is required")
		}
		if len(a.Content) == 0 && a.Reference == "" {
			return common.NewValidationError(fmt.Sprintf("attachment %s needs content or a reference", a.Filename))
		}
	}
	return nil
}

package notification_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"medinotify/internal/common"
	"medinotify/internal/domain/notification"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
)

func TestQueueEmailCreatesPendingRecord(t *testing.T) {
	h := newHarness(t, nil)
	ctx := context.Background()

	before := time.Now()
	h.enqueuer.On("Enqueue", mock.Anything, mock.AnythingOfType("string"), mock.MatchedBy(func(due time.Time) bool {
		return !due.Before(before) && !due.After(time.Now())
	})).Return(nil).Once()

	resp, err := h.service.QueueEmail(ctx, validRequest())
	require.NoError(t, err)
	assert.NotEmpty(t, resp.ID)
	assert.Equal(t, notification.StatusPending, resp.Status)
	assert.Nil(t, resp.ScheduledAt)

	rec, err := h.service.GetEmailLog(ctx, resp.ID)
	require.NoError(t, err)
	assert.Equal(t, notification.StatusPending, rec.Status)
	assert.Equal(t, "patient@example.com", rec.Recipient)
	assert.Equal(t, notification.PriorityNormal, rec.Request.Priority)
	assert.Empty(t, h.transport.messages(), "queueing never delivers")

	h.enqueuer.AssertExpectations(t)
}

func TestQueueEmailScheduled(t *testing.T) {
	h := newHarness(t, nil)
	at := time.Now().Add(48 * time.Hour).UTC().Truncate(time.Second)

	h.enqueuer.On("Enqueue", mock.Anything, mock.Anything, at).Return(nil).Once()

	req := validRequest()
	req.Kind = "appointment-reminder"
	req.ScheduledAt = &at
	resp, err := h.service.QueueEmail(context.Background(), req)
	require.NoError(t, err)
	require.NotNil(t, resp.ScheduledAt)
	assert.Equal(t, at, *resp.ScheduledAt)

	rec, err := h.service.GetEmailLog(context.Background(), resp.ID)
	require.NoError(t, err)
	assert.Equal(t, notification.KindAppointmentReminder, rec.Kind, "hyphenated kinds are normalized")
	h.enqueuer.AssertExpectations(t)
}

func TestQueueEmailValidation(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(r *notification.Request)
		msg    string
	}{
		{"no recipients", func(r *notification.Request) { r.To = nil }, "recipient"},
		{"blank recipient", func(r *notification.Request) { r.To = []string{"  "} }, "empty"},
		{"blank cc", func(r *notification.Request) { r.CC = []string{""} }, "empty"},
		{"no kind", func(r *notification.Request) { r.Kind = "" }, "kind is required"},
		{"unknown kind", func(r *notification.Request) { r.Kind = "birthday" }, "unsupported notification kind"},
		{"no data", func(r *notification.Request) { r.Data = nil }, "data is required"},
		{"bad priority", func(r *notification.Request) { r.Priority = "urgent" }, "unsupported priority"},
		{"attachment without name", func(r *notification.Request) {
			r.Attachments = []notification.Attachment{{Content: []byte("x")}}
		}, "filename"},
		{"attachment without body", func(r *notification.Request) {
			r.Attachments = []notification.Attachment{{Filename: "result.pdf"}}
		}, "content or a reference"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h := newHarness(t, nil)
			req := validRequest()
			tt.mutate(req)

			_, err := h.service.QueueEmail(context.Background(), req)
			var verr *common.ValidationError
			require.ErrorAs(t, err, &verr)
			assert.Contains(t, verr.Message, tt.msg)

			stats, err := h.service.GetEmailStats(context.Background())
			require.NoError(t, err)
			assert.Zero(t, stats.Total, "no record for rejected requests")
			h.enqueuer.AssertNotCalled(t, "Enqueue", mock.Anything, mock.Anything, mock.Anything)
		})
	}

	h := newHarness(t, nil)
	_, err := h.service.QueueEmail(context.Background(), nil)
	var verr *common.ValidationError
	assert.ErrorAs(t, err, &verr)
}

func TestQueueEmailEnqueueFailureMarksFailed(t *testing.T) {
	h := newHarness(t, nil)
	h.enqueuer.On("Enqueue", mock.Anything, mock.Anything, mock.Anything).Return(errors.New("redis: connection refused"))

	_, err := h.service.QueueEmail(context.Background(), validRequest())
	require.Error(t, err)

	records, err := h.service.GetEmailLogs(context.Background(), notification.LogFilter{})
	require.NoError(t, err)
	require.Len(t, records, 1)
	assert.Equal(t, notification.StatusFailed, records[0].Status)
	assert.Contains(t, records[0].ErrorMessage, "failed to enqueue")
}

func TestQueueEmailRateLimited(t *testing.T) {
	limiter := &stubLimiter{allowed: map[string]bool{"ok@example.com": true}}
	h := newHarness(t, limiter)
	h.enqueuer.On("Enqueue", mock.Anything, mock.Anything, mock.Anything).Return(nil)

	req := validRequest()
	req.To = []string{"ok@example.com"}
	_, err := h.service.QueueEmail(context.Background(), req)
	require.NoError(t, err)

	req = validRequest()
	req.To = []string{"ok@example.com", "busy@example.com"}
	_, err = h.service.QueueEmail(context.Background(), req)
	var verr *common.ValidationError
	require.ErrorAs(t, err, &verr)
	assert.Contains(t, verr.Message, "busy@example.com")
}

func TestQueueEmailRateLimiterDownFailsOpen(t *testing.T) {
	h := newHarness(t, &stubLimiter{err: errors.New("redis down")})
	h.enqueuer.On("Enqueue", mock.Anything, mock.Anything, mock.Anything).Return(nil)

	_, err := h.service.QueueEmail(context.Background(), validRequest())
	assert.NoError(t, err)
}

func TestSendEmailDeliversImmediately(t *testing.T) {
	h := newHarness(t, nil)

	req := validRequest()
	later := time.Now().Add(time.Hour)
	req.ScheduledAt = &later

	rec, err := h.service.SendEmail(context.Background(), req)
	require.NoError(t, err)
	assert.Equal(t, notification.StatusSent, rec.Status, "scheduled_at is ignored for immediate sends")
	assert.Equal(t, 1, rec.Attempts)
	assert.Len(t, h.transport.messages(), 1)
	h.enqueuer.AssertNotCalled(t, "Enqueue", mock.Anything, mock.Anything, mock.Anything)
}

func TestSendEmailFailureKeepsRecord(t *testing.T) {
	h := newHarness(t, nil)
	h.transport.failures = 1

	rec, err := h.service.SendEmail(context.Background(), validRequest())
	var perr *common.ProviderError
	require.ErrorAs(t, err, &perr)
	assert.Equal(t, "smtp", perr.Provider)
	require.NotNil(t, rec)
	assert.Equal(t, notification.StatusFailed, rec.Status)
	assert.Contains(t, rec.ErrorMessage, "421")
}

func TestGetEmailLogNotFound(t *testing.T) {
	h := newHarness(t, nil)
	_, err := h.service.GetEmailLog(context.Background(), "missing")
	var nf *common.NotFoundError
	assert.ErrorAs(t, err, &nf)
}

func TestGetEmailLogsFilters(t *testing.T) {
	h := newHarness(t, nil)
	ctx := context.Background()

	sent := h.seed(t, notification.KindLabResultsReady, "ama@example.com")
	_, err := h.worker.Attempt(ctx, sent.ID)
	require.NoError(t, err)
	h.seed(t, notification.KindSystemAlert, "ops@example.com")

	logs, err := h.service.GetEmailLogs(ctx, notification.LogFilter{Kind: "lab-results-ready"})
	require.NoError(t, err)
	require.Len(t, logs, 1)
	assert.Equal(t, sent.ID, logs[0].ID)

	logs, err = h.service.GetEmailLogs(ctx, notification.LogFilter{Status: notification.StatusPending})
	require.NoError(t, err)
	require.Len(t, logs, 1)
	assert.Equal(t, "ops@example.com", logs[0].Recipient)

	_, err = h.service.GetEmailLogs(ctx, notification.LogFilter{Kind: "nope"})
	var verr *common.ValidationError
	assert.ErrorAs(t, err, &verr)

	_, err = h.service.GetEmailLogs(ctx, notification.LogFilter{Status: "queued"})
	assert.ErrorAs(t, err, &verr)
}

func TestGetEmailStats(t *testing.T) {
	h := newHarness(t, nil)
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		rec := h.seed(t, notification.KindPaymentConfirmation, "p@example.com")
		if i == 0 {
			_, err := h.worker.Attempt(ctx, rec.ID)
			require.NoError(t, err)
		}
	}

	stats, err := h.service.GetEmailStats(ctx)
	require.NoError(t, err)
	assert.Equal(t, 3, stats.Total)
	assert.Equal(t, 1, stats.Sent)
	assert.Equal(t, 2, stats.Pending)
	assert.Equal(t, stats.Total, stats.Sent+stats.Failed+stats.Pending+stats.Bounced)
}

func TestTestEmailConfig(t *testing.T) {
	h := newHarness(t, nil)

	ok, err := h.service.TestEmailConfig(context.Background(), "admin@ridge.org")
	require.NoError(t, err)
	assert.True(t, ok)

	msgs := h.transport.messages()
	require.Len(t, msgs, 1)
	assert.Equal(t, notification.KindSystemAlert, msgs[0].Kind)

	h.transport.failures = 1
	ok, err = h.service.TestEmailConfig(context.Background(), "admin@ridge.org")
	assert.False(t, ok)
	var perr *common.ProviderError
	assert.ErrorAs(t, err, &perr)

	_, err = h.service.TestEmailConfig(context.Background(), " ")
	var verr *common.ValidationError
	assert.ErrorAs(t, err, &verr)
}

func TestUpdateEmailConfigRejectsUnverified(t *testing.T) {
	h := newHarness(t, nil)

	ok, err := h.service.UpdateEmailConfig(context.Background(), notification.ConfigUpdate{
		Transport: notification.TransportConfig{Host: "unreachable.invalid"},
		Templates: map[notification.Kind]notification.Template{
			notification.KindSystemAlert: {Subject: "Changed", Body: "changed"},
		},
	})
	assert.False(t, ok)
	var cerr *common.ConfigError
	require.ErrorAs(t, err, &cerr)

	assert.Same(t, h.transport, h.transports.Current(), "previous transport stays active")
	assert.Equal(t, "mail.ridge.org", h.service.CurrentConfig().Host)
	require.Len(t, h.built, 1)
	assert.True(t, h.built[0].isClosed(), "rejected transport is released")
	assert.NotEqual(t, "Changed", h.engine.Template(notification.KindSystemAlert).Subject)

	_, err = h.service.UpdateEmailConfig(context.Background(), notification.ConfigUpdate{})
	assert.ErrorAs(t, err, &cerr, "factory errors are config errors")
}

func TestUpdateEmailConfigSwaps(t *testing.T) {
	h := newHarness(t, nil)

	ok, err := h.service.UpdateEmailConfig(context.Background(), notification.ConfigUpdate{
		Transport: notification.TransportConfig{Host: "smtp.new.org", Password: "s3cret"},
		Templates: map[notification.Kind]notification.Template{
			notification.KindSystemAlert: {Subject: "Alert: {{alertTitle}}", Body: "<p>{{alertMessage}}</p>"},
		},
	})
	require.NoError(t, err)
	assert.True(t, ok)

	require.Len(t, h.built, 1)
	assert.Same(t, h.built[0], h.transports.Current())
	assert.Eventually(t, h.transport.isClosed, time.Second, 5*time.Millisecond, "replaced transport is closed")

	cfg := h.service.CurrentConfig()
	assert.Equal(t, "smtp", cfg.Provider, "provider carries over when omitted")
	assert.Equal(t, "smtp.new.org", cfg.Host)
	assert.Equal(t, "***", cfg.Password)

	subject, _, _ := h.engine.Render(notification.KindSystemAlert, map[string]any{"alertTitle": "Disk full"})
	assert.Equal(t, "Alert: Disk full", subject)
}

func TestUpdateEmailConfigWaitsForInFlightDelivery(t *testing.T) {
	h := newHarness(t, nil)
	h.transport.entered = make(chan struct{})
	h.transport.gate = make(chan struct{})
	rec := h.seed(t, notification.KindLabResultsReady, "patient@example.com")
	ctx := context.Background()

	type result struct {
		out notification.Outcome
		err error
	}
	done := make(chan result, 1)
	go func() {
		out, err := h.worker.Attempt(ctx, rec.ID)
		done <- result{out, err}
	}()
	<-h.transport.entered

	ok, err := h.service.UpdateEmailConfig(ctx, notification.ConfigUpdate{
		Transport: notification.TransportConfig{Host: "smtp.new.org"},
	})
	require.NoError(t, err)
	require.True(t, ok)
	assert.Never(t, h.transport.isClosed, 50*time.Millisecond, 5*time.Millisecond,
		"transport closed under a running delivery")

	close(h.transport.gate)
	res := <-done
	require.NoError(t, res.err)
	assert.Equal(t, notification.StatusSent, res.out.Status)
	assert.NoError(t, res.out.Err)

	stored, err := h.log.Get(ctx, rec.ID)
	require.NoError(t, err)
	assert.Equal(t, notification.StatusSent, stored.Status)
	assert.Len(t, h.transport.messages(), 1)
	assert.Eventually(t, h.transport.isClosed, time.Second, 5*time.Millisecond)
}

func TestUpdateEmailConfigRejectsUnknownTemplateKind(t *testing.T) {
	h := newHarness(t, nil)
	_, err := h.service.UpdateEmailConfig(context.Background(), notification.ConfigUpdate{
		Transport: notification.TransportConfig{Host: "smtp.new.org"},
		Templates: map[notification.Kind]notification.Template{"birthday": {Subject: "x"}},
	})
	var verr *common.ValidationError
	assert.ErrorAs(t, err, &verr)
	assert.Empty(t, h.built)
}

func TestHandleBounce(t *testing.T) {
	h := newHarness(t, nil)
	ctx := context.Background()

	rec := h.seed(t, notification.KindAppointmentReminder, "patient@example.com")
	_, err := h.worker.Attempt(ctx, rec.ID)
	require.NoError(t, err)

	require.NoError(t, h.service.HandleBounce(ctx, "prov-"+rec.ID))
	stored, err := h.service.GetEmailLog(ctx, rec.ID)
	require.NoError(t, err)
	assert.Equal(t, notification.StatusBounced, stored.Status)
	assert.NotNil(t, stored.BouncedAt)

	// A repeated report is ignored
	assert.NoError(t, h.service.HandleBounce(ctx, "prov-"+rec.ID))

	var nf *common.NotFoundError
	assert.ErrorAs(t, h.service.HandleBounce(ctx, "prov-unknown"), &nf)

	var verr *common.ValidationError
	assert.ErrorAs(t, h.service.HandleBounce(ctx, ""), &verr)
}

func TestVerifyTransport(t *testing.T) {
	h := newHarness(t, nil)
	assert.NoError(t, h.service.VerifyTransport(context.Background()))

	h.transport.verifyErr = errors.New("auth failed")
	var cerr *common.ConfigError
	assert.ErrorAs(t, h.service.VerifyTransport(context.Background()), &cerr)
}

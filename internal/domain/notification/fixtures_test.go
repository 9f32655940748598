package notification_test

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"medinotify/internal/domain/notification"
	"medinotify/internal/infra/store"
	"medinotify/internal/infra/template"

	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
)

// fakeTransport records delivered messages. failures makes the first N
// deliveries fail. When gate is set, Deliver signals entered and then waits
// for gate to close.
type fakeTransport struct {
	mu        sync.Mutex
	delivered []*notification.Message
	failures  int
	verifyErr error
	closed    bool

	entered chan struct{}
	gate    chan struct{}
}

func (f *fakeTransport) Verify(context.Context) error { return f.verifyErr }

func (f *fakeTransport) Deliver(_ context.Context, msg *notification.Message) (string, error) {
	if f.gate != nil {
		f.entered <- struct{}{}
		<-f.gate
	}

	f.mu.Lock()
	defer f.mu.Unlock()
	if f.closed {
		return "", errors.New("smtp transport closed")
	}
	if f.failures > 0 {
		f.failures--
		return "", errors.New("421 service not available")
	}
	f.delivered = append(f.delivered, msg)
	return "prov-" + msg.ID, nil
}

func (f *fakeTransport) Close() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.closed = true
	return nil
}

func (f *fakeTransport) isClosed() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.closed
}

func (f *fakeTransport) messages() []*notification.Message {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]*notification.Message(nil), f.delivered...)
}

type mockEnqueuer struct {
	mock.Mock
}

func (m *mockEnqueuer) Enqueue(ctx context.Context, id string, dueAt time.Time) error {
	args := m.Called(ctx, id, dueAt)
	return args.Error(0)
}

type stubLimiter struct {
	allowed map[string]bool
	err     error
}

func (s *stubLimiter) Allow(_ context.Context, recipient string) (bool, error) {
	if s.err != nil {
		return false, s.err
	}
	return s.allowed[recipient], nil
}

type harness struct {
	log        *store.MemoryStore
	engine     *template.Engine
	transport  *fakeTransport
	transports *notification.TransportHolder
	worker     *notification.Worker
	enqueuer   *mockEnqueuer
	factory    func(cfg notification.TransportConfig) (notification.Transport, error)
	built      []*fakeTransport
	service    *notification.Service
}

func newHarness(t *testing.T, limiter notification.RecipientRateLimiter) *harness {
	t.Helper()

	engine, err := template.NewEngine(template.WithDefaults(map[string]any{"facilityName": "Ridge Hospital"}))
	require.NoError(t, err)

	h := &harness{
		log:       store.NewMemoryStore(100),
		engine:    engine,
		transport: &fakeTransport{},
		enqueuer:  &mockEnqueuer{},
	}
	h.transports = notification.NewTransportHolder(h.transport, notification.TransportConfig{
		Provider:    "smtp",
		Host:        "mail.ridge.org",
		Password:    "hunter2",
		FromAddress: "noreply@ridge.org",
	})
	h.worker = notification.NewWorker(h.log, engine, h.transports, notification.RetryPolicy{
		MaxAttempts: 3,
		BaseDelay:   10 * time.Millisecond,
	})
	h.factory = func(cfg notification.TransportConfig) (notification.Transport, error) {
		if cfg.Host == "" {
			return nil, errors.New("smtp host is required")
		}
		ft := &fakeTransport{}
		if cfg.Host == "unreachable.invalid" {
			ft.verifyErr = errors.New("dial tcp: no such host")
		}
		h.built = append(h.built, ft)
		return ft, nil
	}

	deps := notification.ServiceDeps{
		Log:        h.log,
		Enqueuer:   h.enqueuer,
		Worker:     h.worker,
		Renderer:   engine,
		Transports: h.transports,
		Factory:    h.factory,
	}
	if limiter != nil {
		deps.RateLimiter = limiter
	}
	h.service = notification.NewService(deps)
	return h
}

// seed creates a pending record directly in the log.
func (h *harness) seed(t *testing.T, kind notification.Kind, to ...string) *notification.DeliveryRecord {
	t.Helper()
	rec := &notification.DeliveryRecord{
		Recipient: to[0],
		Kind:      kind,
		Request: &notification.Request{
			To:   to,
			Kind: kind,
			Data: map[string]any{"patientName": "Ama Mensah", "testName": "Full blood count"},
		},
	}
	require.NoError(t, h.log.Create(context.Background(), rec))
	return rec
}

func validRequest() *notification.Request {
	return &notification.Request{
		To:   []string{"patient@example.com"},
		Kind: notification.KindAppointmentConfirmation,
		Data: map[string]any{
			"patientName":     "Kwame Asante",
			"appointmentDate": "2025-03-04",
			"doctorName":      "Dr. Owusu",
		},
	}
}

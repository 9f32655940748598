package store

import (
	"context"
	"testing"
	"time"

	"medinotify/internal/domain/notification"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newRecord(recipient string) *notification.DeliveryRecord {
	return &notification.DeliveryRecord{
		Recipient: recipient,
		Kind:      notification.KindLabResultsReady,
		Request: &notification.Request{
			To:   []string{recipient},
			Kind: notification.KindLabResultsReady,
			Data: map[string]any{"patientName": "Kwame"},
		},
	}
}

func TestMemoryStoreCreateAssignsIDAndPending(t *testing.T) {
	s := NewMemoryStore(10)
	ctx := context.Background()

	rec := newRecord("a@example.com")
	require.NoError(t, s.Create(ctx, rec))
	assert.NotEmpty(t, rec.ID)

	got, err := s.Get(ctx, rec.ID)
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.Equal(t, notification.StatusPending, got.Status)
	assert.False(t, got.CreatedAt.IsZero())

	// Returned records are copies
	got.Request.Data["patientName"] = "changed"
	again, _ := s.Get(ctx, rec.ID)
	assert.Equal(t, "Kwame", again.Request.Data["patientName"])
}

func TestMemoryStoreGetMissing(t *testing.T) {
	s := NewMemoryStore(10)
	got, err := s.Get(context.Background(), "missing")
	require.NoError(t, err)
	assert.Nil(t, got)
}

func TestMemoryStoreTransitions(t *testing.T) {
	s := NewMemoryStore(10)
	ctx := context.Background()
	sentAt := time.Date(2025, 3, 1, 9, 0, 0, 0, time.UTC)

	rec := newRecord("a@example.com")
	require.NoError(t, s.Create(ctx, rec))
	require.NoError(t, s.RecordAttempt(ctx, rec.ID, 1))
	require.NoError(t, s.MarkSent(ctx, rec.ID, "msg-1", sentAt))

	got, _ := s.Get(ctx, rec.ID)
	assert.Equal(t, notification.StatusSent, got.Status)
	assert.Equal(t, 1, got.Attempts)
	assert.Equal(t, "msg-1", got.ProviderID)
	require.NotNil(t, got.SentAt)
	assert.True(t, sentAt.Equal(*got.SentAt))

	// Terminal records never go back
	assert.ErrorIs(t, s.MarkFailed(ctx, rec.ID, "late"), notification.ErrNotPending)
	assert.ErrorIs(t, s.MarkSent(ctx, rec.ID, "msg-2", sentAt), notification.ErrNotPending)

	require.NoError(t, s.MarkBounced(ctx, "msg-1", sentAt.Add(time.Minute)))
	got, _ = s.Get(ctx, rec.ID)
	assert.Equal(t, notification.StatusBounced, got.Status)
	require.NotNil(t, got.BouncedAt)

	assert.ErrorIs(t, s.MarkBounced(ctx, "msg-1", sentAt), notification.ErrNotPending)
	assert.ErrorIs(t, s.MarkBounced(ctx, "unknown", sentAt), notification.ErrRecordNotFound)
	assert.ErrorIs(t, s.MarkFailed(ctx, "unknown", "x"), notification.ErrRecordNotFound)
}

func TestMemoryStoreFailedKeepsMessage(t *testing.T) {
	s := NewMemoryStore(10)
	ctx := context.Background()

	rec := newRecord("a@example.com")
	require.NoError(t, s.Create(ctx, rec))
	require.NoError(t, s.MarkFailed(ctx, rec.ID, "550 mailbox unavailable"))

	got, _ := s.Get(ctx, rec.ID)
	assert.Equal(t, notification.StatusFailed, got.Status)
	assert.Equal(t, "550 mailbox unavailable", got.ErrorMessage)
	assert.Nil(t, got.SentAt)
}

func TestMemoryStoreEvictsOldestTerminal(t *testing.T) {
	s := NewMemoryStore(2)
	ctx := context.Background()

	pending := newRecord("pending@example.com")
	require.NoError(t, s.Create(ctx, pending))
	done := newRecord("done@example.com")
	require.NoError(t, s.Create(ctx, done))
	require.NoError(t, s.MarkFailed(ctx, done.ID, "boom"))

	third := newRecord("third@example.com")
	require.NoError(t, s.Create(ctx, third))

	assert.Equal(t, 2, s.Len())
	got, _ := s.Get(ctx, pending.ID)
	assert.NotNil(t, got, "pending records are never evicted")
	got, _ = s.Get(ctx, done.ID)
	assert.Nil(t, got)

	// Everything pending: the store grows past capacity
	require.NoError(t, s.Create(ctx, newRecord("fourth@example.com")))
	assert.Equal(t, 3, s.Len())
}

func TestMemoryStoreListAndStats(t *testing.T) {
	s := NewMemoryStore(10)
	ctx := context.Background()
	base := time.Date(2025, 3, 1, 9, 0, 0, 0, time.UTC)

	ids := make([]string, 4)
	for i := range ids {
		rec := newRecord("patient@example.com")
		if i == 3 {
			rec.Kind = notification.KindPasswordReset
			rec.Recipient = "admin@clinic.org"
		}
		require.NoError(t, s.Create(ctx, rec))
		ids[i] = rec.ID
	}
	require.NoError(t, s.MarkSent(ctx, ids[0], "m0", base))
	require.NoError(t, s.MarkSent(ctx, ids[1], "m1", base.Add(time.Hour)))
	require.NoError(t, s.MarkFailed(ctx, ids[2], "boom"))

	all, err := s.List(ctx, notification.LogFilter{})
	require.NoError(t, err)
	require.Len(t, all, 4)
	assert.Equal(t, ids[1], all[0].ID, "latest sent first")
	assert.Equal(t, ids[0], all[1].ID)

	sent, _ := s.List(ctx, notification.LogFilter{Status: notification.StatusSent})
	assert.Len(t, sent, 2)

	byKind, _ := s.List(ctx, notification.LogFilter{Kind: notification.KindPasswordReset})
	require.Len(t, byKind, 1)
	assert.Equal(t, ids[3], byKind[0].ID)

	byRecipient, _ := s.List(ctx, notification.LogFilter{Recipient: "CLINIC"})
	assert.Len(t, byRecipient, 1)

	from := base.Add(30 * time.Minute)
	ranged, _ := s.List(ctx, notification.LogFilter{SentFrom: &from})
	require.Len(t, ranged, 1)
	assert.Equal(t, ids[1], ranged[0].ID)

	limited, _ := s.List(ctx, notification.LogFilter{Limit: 1})
	assert.Len(t, limited, 1)

	stats, err := s.Stats(ctx)
	require.NoError(t, err)
	assert.Equal(t, &notification.Stats{Total: 4, Sent: 2, Failed: 1, Pending: 1}, stats)
}

func TestMemoryStorePrune(t *testing.T) {
	s := NewMemoryStore(10)
	ctx := context.Background()
	clock := time.Date(2025, 3, 1, 0, 0, 0, 0, time.UTC)
	s.now = func() time.Time { return clock }

	old := newRecord("old@example.com")
	require.NoError(t, s.Create(ctx, old))
	require.NoError(t, s.MarkFailed(ctx, old.ID, "boom"))
	stale := newRecord("stale-pending@example.com")
	require.NoError(t, s.Create(ctx, stale))

	clock = clock.Add(48 * time.Hour)
	fresh := newRecord("fresh@example.com")
	require.NoError(t, s.Create(ctx, fresh))
	require.NoError(t, s.MarkFailed(ctx, fresh.ID, "boom"))

	n, err := s.Prune(ctx, clock.Add(-24*time.Hour), 10)
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	got, _ := s.Get(ctx, old.ID)
	assert.Nil(t, got)
	got, _ = s.Get(ctx, stale.ID)
	assert.NotNil(t, got, "pending records survive pruning")
	got, _ = s.Get(ctx, fresh.ID)
	assert.NotNil(t, got)
}

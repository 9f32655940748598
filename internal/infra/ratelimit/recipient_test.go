package ratelimit

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newLimiter(t *testing.T, max int) (*RedisRecipientLimiter, *miniredis.Miniredis) {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })
	return NewRedisRecipientLimiter(client, max), mr
}

func TestAllowCapsPerRecipient(t *testing.T) {
	l, _ := newLimiter(t, 2)
	ctx := context.Background()
	clock := time.Date(2025, 3, 1, 9, 0, 0, 0, time.UTC)
	l.now = func() time.Time { return clock }

	for i := 0; i < 2; i++ {
		ok, err := l.Allow(ctx, "patient@example.com")
		require.NoError(t, err)
		assert.True(t, ok)
		clock = clock.Add(time.Second)
	}

	ok, err := l.Allow(ctx, "Patient@Example.com ")
	require.NoError(t, err)
	assert.False(t, ok, "addresses are compared case-insensitively")

	ok, err = l.Allow(ctx, "other@example.com")
	require.NoError(t, err)
	assert.True(t, ok)

	// The window slides: an hour later the first entries have expired
	clock = clock.Add(time.Hour)
	ok, err = l.Allow(ctx, "patient@example.com")
	require.NoError(t, err)
	assert.True(t, ok)
}

func TestAllowDisabled(t *testing.T) {
	l, mr := newLimiter(t, 0)
	mr.Close()

	ok, err := l.Allow(context.Background(), "patient@example.com")
	require.NoError(t, err)
	assert.True(t, ok)
}

func TestAllowRedisDown(t *testing.T) {
	l, mr := newLimiter(t, 5)
	mr.Close()

	_, err := l.Allow(context.Background(), "patient@example.com")
	assert.Error(t, err)
}

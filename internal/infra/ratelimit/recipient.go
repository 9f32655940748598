package ratelimit

import (
	"context"
	"fmt"
	"strconv"
	"strings"
	"time"

	"medinotify/internal/domain/notification"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

var _ notification.RecipientRateLimiter = (*RedisRecipientLimiter)(nil)

// RedisRecipientLimiter caps how many emails one address receives per hour.
// Each accepted request is a sorted-set member scored by its timestamp, so the
// count always covers the trailing hour.
type RedisRecipientLimiter struct {
	client     *redis.Client
	maxPerHour int
	window     time.Duration
	now        func() time.Time
}

// NewRedisRecipientLimiter creates a per-recipient limiter on a shared client.
func NewRedisRecipientLimiter(client *redis.Client, maxPerHour int) *RedisRecipientLimiter {
	return &RedisRecipientLimiter{
		client:     client,
		maxPerHour: maxPerHour,
		window:     time.Hour,
		now:        time.Now,
	}
}

// Allow records one email to recipient unless the hourly cap is reached.
// A non-positive cap disables the check.
func (r *RedisRecipientLimiter) Allow(ctx context.Context, recipient string) (bool, error) {
	if r.maxPerHour <= 0 {
		return true, nil
	}

	key := "medinotify:ratelimit:" + strings.ToLower(strings.TrimSpace(recipient))
	now := r.now()
	cutoff := strconv.FormatInt(now.Add(-r.window).UnixNano(), 10)

	var countCmd *redis.IntCmd
	if _, err := r.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.ZRemRangeByScore(ctx, key, "-inf", cutoff)
		countCmd = pipe.ZCard(ctx, key)
		return nil
	}); err != nil {
		return false, fmt.Errorf("checking recipient rate limit: %w", err)
	}

	if countCmd.Val() >= int64(r.maxPerHour) {
		return false, nil
	}

	if _, err := r.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.ZAdd(ctx, key, redis.Z{Score: float64(now.UnixNano()), Member: uuid.NewString()})
		pipe.Expire(ctx, key, r.window+time.Minute)
		return nil
	}); err != nil {
		return false, fmt.Errorf("recording rate limit entry: %w", err)
	}

	return true, nil
}

package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"medinotify/internal/domain/notification"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

const (
	redisPrefix      = "medinotify:log:"
	redisIndexKey    = redisPrefix + "index"    // ZSET id -> created_at
	redisProviderKey = redisPrefix + "provider" // HASH provider_id -> id

	// maxTxRetries bounds optimistic-lock retries on a contended record.
	maxTxRetries = 5
	// scanBatch is the number of records fetched per MGET.
	scanBatch = 200
)

var _ notification.DeliveryLog = (*RedisStore)(nil)

// RedisStore persists delivery records in Redis. Each record is a JSON value;
// a sorted set indexes records by creation time and a hash maps provider
// message IDs back to records. Stats are computed from the records on read.
type RedisStore struct {
	client *redis.Client
	now    func() time.Time
}

// NewRedisStore creates a Redis-backed delivery log on an existing client.
func NewRedisStore(client *redis.Client) *RedisStore {
	return &RedisStore{client: client, now: time.Now}
}

func recordKey(id string) string {
	return redisPrefix + "rec:" + id
}

// Create inserts a new pending record.
func (s *RedisStore) Create(ctx context.Context, rec *notification.DeliveryRecord) error {
	now := s.now().UTC()
	if rec.ID == "" {
		rec.ID = uuid.New().String()
	}
	rec.Status = notification.StatusPending
	rec.CreatedAt = now
	rec.UpdatedAt = now

	payload, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("encoding delivery record: %w", err)
	}

	// Record and index entry are written in one MULTI; neither exists alone
	var created *redis.BoolCmd
	_, err = s.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		created = pipe.SetNX(ctx, recordKey(rec.ID), payload, 0)
		pipe.ZAddNX(ctx, redisIndexKey, redis.Z{Score: float64(now.UnixNano()), Member: rec.ID})
		return nil
	})
	if err != nil {
		return fmt.Errorf("storing delivery record: %w", err)
	}
	if !created.Val() {
		return fmt.Errorf("delivery record %s already exists", rec.ID)
	}
	return nil
}

// Get retrieves a record by ID. It returns nil, nil when the record is absent.
func (s *RedisStore) Get(ctx context.Context, id string) (*notification.DeliveryRecord, error) {
	raw, err := s.client.Get(ctx, recordKey(id)).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("fetching delivery record: %w", err)
	}
	return decodeRecord(raw)
}

func decodeRecord(raw []byte) (*notification.DeliveryRecord, error) {
	var rec notification.DeliveryRecord
	if err := json.Unmarshal(raw, &rec); err != nil {
		return nil, fmt.Errorf("decoding delivery record: %w", err)
	}
	return &rec, nil
}

// transition applies fn to the record under WATCH so concurrent writers never
// interleave. fn may queue extra commands on pipe in the same transaction.
func (s *RedisStore) transition(ctx context.Context, id string, want notification.Status,
	fn func(rec *notification.DeliveryRecord, pipe redis.Pipeliner)) error {
	key := recordKey(id)

	txf := func(tx *redis.Tx) error {
		raw, err := tx.Get(ctx, key).Bytes()
		if errors.Is(err, redis.Nil) {
			return fmt.Errorf("%w: %s", notification.ErrRecordNotFound, id)
		}
		if err != nil {
			return err
		}
		rec, err := decodeRecord(raw)
		if err != nil {
			return err
		}
		if rec.Status != want {
			return notification.ErrNotPending
		}

		_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			fn(rec, pipe)
			rec.UpdatedAt = s.now().UTC()
			payload, err := json.Marshal(rec)
			if err != nil {
				return fmt.Errorf("encoding delivery record: %w", err)
			}
			pipe.Set(ctx, key, payload, 0)
			return nil
		})
		return err
	}

	for i := 0; i < maxTxRetries; i++ {
		err := s.client.Watch(ctx, txf, key)
		if errors.Is(err, redis.TxFailedErr) {
			continue
		}
		return err
	}
	return fmt.Errorf("updating delivery record %s: too much contention", id)
}

// MarkSent transitions a pending record to sent.
func (s *RedisStore) MarkSent(ctx context.Context, id, providerID string, at time.Time) error {
	return s.transition(ctx, id, notification.StatusPending, func(rec *notification.DeliveryRecord, pipe redis.Pipeliner) {
		sentAt := at.UTC()
		rec.Status = notification.StatusSent
		rec.SentAt = &sentAt
		rec.ProviderID = providerID
		if providerID != "" {
			pipe.HSet(ctx, redisProviderKey, providerID, id)
		}
	})
}

// MarkFailed transitions a pending record to failed.
func (s *RedisStore) MarkFailed(ctx context.Context, id, errMsg string) error {
	return s.transition(ctx, id, notification.StatusPending, func(rec *notification.DeliveryRecord, _ redis.Pipeliner) {
		rec.Status = notification.StatusFailed
		rec.ErrorMessage = errMsg
	})
}

// RecordAttempt stores the attempt counter of a pending record.
func (s *RedisStore) RecordAttempt(ctx context.Context, id string, attempts int) error {
	return s.transition(ctx, id, notification.StatusPending, func(rec *notification.DeliveryRecord, _ redis.Pipeliner) {
		rec.Attempts = attempts
	})
}

// MarkBounced transitions the sent record with the given provider ID to bounced.
func (s *RedisStore) MarkBounced(ctx context.Context, providerID string, at time.Time) error {
	id, err := s.client.HGet(ctx, redisProviderKey, providerID).Result()
	if errors.Is(err, redis.Nil) {
		return fmt.Errorf("%w: provider id %s", notification.ErrRecordNotFound, providerID)
	}
	if err != nil {
		return fmt.Errorf("resolving provider id: %w", err)
	}

	return s.transition(ctx, id, notification.StatusSent, func(rec *notification.DeliveryRecord, _ redis.Pipeliner) {
		bouncedAt := at.UTC()
		rec.Status = notification.StatusBounced
		rec.BouncedAt = &bouncedAt
	})
}

// scan walks the index in creation order, handing each decoded record to fn.
// Returning false from fn stops the walk.
func (s *RedisStore) scan(ctx context.Context, newestFirst bool, fn func(rec *notification.DeliveryRecord) bool) error {
	for start := int64(0); ; start += scanBatch {
		stop := start + scanBatch - 1
		var (
			ids []string
			err error
		)
		if newestFirst {
			ids, err = s.client.ZRevRange(ctx, redisIndexKey, start, stop).Result()
		} else {
			ids, err = s.client.ZRange(ctx, redisIndexKey, start, stop).Result()
		}
		if err != nil {
			return fmt.Errorf("reading delivery log index: %w", err)
		}
		if len(ids) == 0 {
			return nil
		}

		keys := make([]string, len(ids))
		for i, id := range ids {
			keys[i] = recordKey(id)
		}
		values, err := s.client.MGet(ctx, keys...).Result()
		if err != nil {
			return fmt.Errorf("reading delivery records: %w", err)
		}

		for _, v := range values {
			raw, ok := v.(string)
			if !ok {
				continue // pruned between index read and fetch
			}
			rec, err := decodeRecord([]byte(raw))
			if err != nil {
				return err
			}
			if !fn(rec) {
				return nil
			}
		}

		if len(ids) < scanBatch {
			return nil
		}
	}
}

// List retrieves records matching the filter, ordered by sent time descending.
func (s *RedisStore) List(ctx context.Context, filter notification.LogFilter) ([]*notification.DeliveryRecord, error) {
	var matched []*notification.DeliveryRecord
	err := s.scan(ctx, true, func(rec *notification.DeliveryRecord) bool {
		if filter.Match(rec) {
			matched = append(matched, rec)
		}
		return true
	})
	if err != nil {
		return nil, err
	}
	return notification.ApplyFilter(matched, notification.LogFilter{Limit: filter.Limit}), nil
}

// Stats counts the records currently in the log by status.
func (s *RedisStore) Stats(ctx context.Context) (*notification.Stats, error) {
	stats := &notification.Stats{}
	err := s.scan(ctx, false, func(rec *notification.DeliveryRecord) bool {
		stats.Add(rec.Status)
		return true
	})
	if err != nil {
		return nil, fmt.Errorf("computing delivery stats: %w", err)
	}
	return stats, nil
}

// Prune deletes up to limit terminal records last updated before olderThan,
// oldest first. A record read as terminal can only move to another terminal
// status, so the delete does not need to WATCH the victims.
func (s *RedisStore) Prune(ctx context.Context, olderThan time.Time, limit int) (int, error) {
	var victims []*notification.DeliveryRecord
	err := s.scan(ctx, false, func(rec *notification.DeliveryRecord) bool {
		if rec.Status.IsTerminal() && rec.UpdatedAt.Before(olderThan) {
			victims = append(victims, rec)
		}
		return limit <= 0 || len(victims) < limit
	})
	if err != nil {
		return 0, err
	}
	if len(victims) == 0 {
		return 0, nil
	}

	pipe := s.client.TxPipeline()
	for _, rec := range victims {
		pipe.Del(ctx, recordKey(rec.ID))
		pipe.ZRem(ctx, redisIndexKey, rec.ID)
		if rec.ProviderID != "" {
			pipe.HDel(ctx, redisProviderKey, rec.ProviderID)
		}
	}
	if _, err := pipe.Exec(ctx); err != nil {
		return 0, fmt.Errorf("pruning delivery records: %w", err)
	}
	return len(victims), nil
}

package store

import (
	"context"
	"fmt"
	"sync"
	"time"

	"medinotify/internal/domain/notification"

	"github.com/google/uuid"
)

var _ notification.DeliveryLog = (*MemoryStore)(nil)

// MemoryStore keeps delivery records in process memory, bounded by capacity.
// When full, the oldest terminal record is evicted; pending records are never
// evicted, so the store may exceed capacity while everything in it is pending.
type MemoryStore struct {
	mu       sync.RWMutex
	capacity int
	records  map[string]*notification.DeliveryRecord
	order    []string // creation order
	now      func() time.Time
}

// NewMemoryStore constructs a memory store with the provided capacity.
func NewMemoryStore(capacity int) *MemoryStore {
	if capacity <= 0 {
		capacity = 10000
	}
	return &MemoryStore{
		capacity: capacity,
		records:  make(map[string]*notification.DeliveryRecord),
		now:      time.Now,
	}
}

// Create inserts a new pending record.
func (s *MemoryStore) Create(_ context.Context, rec *notification.DeliveryRecord) error {
	now := s.now().UTC()
	if rec.ID == "" {
		rec.ID = uuid.New().String()
	}
	rec.Status = notification.StatusPending
	rec.CreatedAt = now
	rec.UpdatedAt = now

	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.records[rec.ID]; exists {
		return fmt.Errorf("delivery record %s already exists", rec.ID)
	}
	s.records[rec.ID] = rec.Clone()
	s.order = append(s.order, rec.ID)
	s.evictLocked()
	return nil
}

// evictLocked drops the oldest terminal records until the store fits its capacity.
func (s *MemoryStore) evictLocked() {
	for len(s.order) > s.capacity {
		victim := -1
		for i, id := range s.order {
			if s.records[id].Status.IsTerminal() {
				victim = i
				break
			}
		}
		if victim < 0 {
			return
		}
		delete(s.records, s.order[victim])
		s.order = append(s.order[:victim], s.order[victim+1:]...)
	}
}

// Get retrieves a copy of a record by ID.
func (s *MemoryStore) Get(_ context.Context, id string) (*notification.DeliveryRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.records[id].Clone(), nil
}

// update applies fn to a pending record under the write lock.
func (s *MemoryStore) update(id string, fn func(rec *notification.DeliveryRecord)) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	rec, ok := s.records[id]
	if !ok {
		return fmt.Errorf("%w: %s", notification.ErrRecordNotFound, id)
	}
	if rec.Status != notification.StatusPending {
		return notification.ErrNotPending
	}

	// Build the next version off to the side and publish it in one assignment
	next := rec.Clone()
	fn(next)
	next.UpdatedAt = s.now().UTC()
	s.records[id] = next
	return nil
}

// MarkSent transitions a pending record to sent.
func (s *MemoryStore) MarkSent(_ context.Context, id, providerID string, at time.Time) error {
	return s.update(id, func(rec *notification.DeliveryRecord) {
		sentAt := at.UTC()
		rec.Status = notification.StatusSent
		rec.SentAt = &sentAt
		rec.ProviderID = providerID
	})
}

// MarkFailed transitions a pending record to failed.
func (s *MemoryStore) MarkFailed(_ context.Context, id, errMsg string) error {
	return s.update(id, func(rec *notification.DeliveryRecord) {
		rec.Status = notification.StatusFailed
		rec.ErrorMessage = errMsg
	})
}

// RecordAttempt stores the attempt counter of a pending record.
func (s *MemoryStore) RecordAttempt(_ context.Context, id string, attempts int) error {
	return s.update(id, func(rec *notification.DeliveryRecord) {
		rec.Attempts = attempts
	})
}

// MarkBounced transitions the sent record with the given provider ID to bounced.
func (s *MemoryStore) MarkBounced(_ context.Context, providerID string, at time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	for id, rec := range s.records {
		if rec.ProviderID != providerID {
			continue
		}
		if rec.Status != notification.StatusSent {
			return notification.ErrNotPending
		}
		next := rec.Clone()
		bouncedAt := at.UTC()
		next.Status = notification.StatusBounced
		next.BouncedAt = &bouncedAt
		next.UpdatedAt = s.now().UTC()
		s.records[id] = next
		return nil
	}
	return fmt.Errorf("%w: provider id %s", notification.ErrRecordNotFound, providerID)
}

// List retrieves copies of the records matching the filter.
func (s *MemoryStore) List(_ context.Context, filter notification.LogFilter) ([]*notification.DeliveryRecord, error) {
	s.mu.RLock()
	matched := make([]*notification.DeliveryRecord, 0, len(s.order))
	for _, id := range s.order {
		if rec := s.records[id]; filter.Match(rec) {
			matched = append(matched, rec.Clone())
		}
	}
	s.mu.RUnlock()

	return notification.ApplyFilter(matched, notification.LogFilter{Limit: filter.Limit}), nil
}

// Stats counts records by status over the whole store.
func (s *MemoryStore) Stats(_ context.Context) (*notification.Stats, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	stats := &notification.Stats{}
	for _, rec := range s.records {
		stats.Add(rec.Status)
	}
	return stats, nil
}

// Prune deletes up to limit terminal records last updated before olderThan.
func (s *MemoryStore) Prune(_ context.Context, olderThan time.Time, limit int) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	kept := s.order[:0]
	removed := 0
	for _, id := range s.order {
		rec := s.records[id]
		if (limit <= 0 || removed < limit) && rec.Status.IsTerminal() && rec.UpdatedAt.Before(olderThan) {
			delete(s.records, id)
			removed++
			continue
		}
		kept = append(kept, id)
	}
	s.order = kept
	return removed, nil
}

// Len returns the number of stored records.
func (s *MemoryStore) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.records)
}

package notification

import (
	"context"
	"time"
)

// DeliveryLog defines the contract for persisting delivery records.
// Implementations live in infra/store/ (memory, Redis, Supabase).
// Every mutation is applied atomically so readers never observe a torn record.
type DeliveryLog interface {
	// Create inserts a new pending record, assigning its ID and timestamps.
	Create(ctx context.Context, rec *DeliveryRecord) error

	// Get retrieves a record by ID. Returns nil, nil if no record is found.
	Get(ctx context.Context, id string) (*DeliveryRecord, error)

	// MarkSent transitions a pending record to sent.
	// Returns ErrNotPending if the record already left the pending state.
	MarkSent(ctx context.Context, id, providerID string, at time.Time) error

	// MarkFailed transitions a pending record to failed.
	// Returns ErrNotPending if the record already left the pending state.
	MarkFailed(ctx context.Context, id, errMsg string) error

	// RecordAttempt stores the attempt counter of a pending record.
	RecordAttempt(ctx context.Context, id string, attempts int) error

	// MarkBounced transitions a sent record to bounced, looked up by provider ID.
	MarkBounced(ctx context.Context, providerID string, at time.Time) error

	// List retrieves records matching the filter, sorted by SentAt descending.
	List(ctx context.Context, filter LogFilter) ([]*DeliveryRecord, error)

	// Stats counts records by status.
	Stats(ctx context.Context) (*Stats, error)

	// Prune deletes up to limit terminal records last updated before olderThan.
	// Pending records are never pruned.
	Prune(ctx context.Context, olderThan time.Time, limit int) (int, error)
}

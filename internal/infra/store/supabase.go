package store

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"medinotify/internal/domain/notification"

	"github.com/google/uuid"
	"github.com/supabase-community/postgrest-go"
	supa "github.com/supabase-community/supabase-go"
)

const tableName = "email_logs"

var _ notification.DeliveryLog = (*SupabaseStore)(nil)

// SupabaseStore implements DeliveryLog on a Supabase (PostgREST) table.
// Transitions are conditional updates filtered on the expected status, so a
// record that already left that status is never overwritten.
type SupabaseStore struct {
	client *supa.Client
	now    func() time.Time
}

// NewSupabaseStore creates a new Supabase-backed delivery log.
func NewSupabaseStore(supabaseURL, serviceKey string) (*SupabaseStore, error) {
	client, err := supa.NewClient(supabaseURL, serviceKey, nil)
	if err != nil {
		return nil, fmt.Errorf("creating supabase client: %w", err)
	}
	return &SupabaseStore{client: client, now: time.Now}, nil
}

// supabaseRow mirrors the email_logs table.
type supabaseRow struct {
	ID           string                `json:"id"`
	Recipient    string                `json:"recipient"`
	Kind         string                `json:"kind"`
	RequestData  *notification.Request `json:"request_data,omitempty"`
	Status       string                `json:"status"`
	Attempts     int                   `json:"attempts"`
	ProviderID   *string               `json:"provider_id,omitempty"`
	ErrorMessage *string               `json:"error_message,omitempty"`
	CreatedAt    string                `json:"created_at,omitempty"`
	UpdatedAt    string                `json:"updated_at,omitempty"`
	ScheduledAt  *string               `json:"scheduled_at,omitempty"`
	SentAt       *string               `json:"sent_at,omitempty"`
	BouncedAt    *string               `json:"bounced_at,omitempty"`
}

func formatTime(t time.Time) string {
	return t.UTC().Format(time.RFC3339Nano)
}

// Create inserts a new pending record.
func (s *SupabaseStore) Create(_ context.Context, rec *notification.DeliveryRecord) error {
	now := s.now().UTC()
	if rec.ID == "" {
		rec.ID = uuid.New().String()
	}
	rec.Status = notification.StatusPending
	rec.CreatedAt = now
	rec.UpdatedAt = now

	row := recordToRow(rec)
	_, _, err := s.client.From(tableName).Insert(row, false, "", "minimal", "").Execute()
	if err != nil {
		return fmt.Errorf("inserting email log: %w", err)
	}
	return nil
}

// Get retrieves a record by ID. It returns nil, nil when no row matches.
func (s *SupabaseStore) Get(_ context.Context, id string) (*notification.DeliveryRecord, error) {
	data, _, err := s.client.From(tableName).Select("*", "", false).Eq("id", id).Execute()
	if err != nil {
		return nil, fmt.Errorf("fetching email log: %w", err)
	}

	rows, err := decodeRows(data)
	if err != nil {
		return nil, err
	}
	if len(rows) == 0 {
		return nil, nil
	}
	return rowToRecord(&rows[0]), nil
}

// conditionalUpdate applies update to the row matching column=value whose
// status equals want. No matching row is reported as missing or not pending.
func (s *SupabaseStore) conditionalUpdate(ctx context.Context, column, value string, want notification.Status, update map[string]any) error {
	update["updated_at"] = formatTime(s.now())

	data, _, err := s.client.From(tableName).
		Update(update, "representation", "").
		Eq(column, value).
		Eq("status", string(want)).
		Execute()
	if err != nil {
		return fmt.Errorf("updating email log: %w", err)
	}

	rows, err := decodeRows(data)
	if err != nil {
		return err
	}
	if len(rows) > 0 {
		return nil
	}

	// Nothing changed: tell a missing row apart from one in the wrong state
	existing, _, err := s.client.From(tableName).Select("id", "", false).Eq(column, value).Execute()
	if err != nil {
		return fmt.Errorf("checking email log: %w", err)
	}
	found, err := decodeRows(existing)
	if err != nil {
		return err
	}
	if len(found) == 0 {
		return fmt.Errorf("%w: %s %s", notification.ErrRecordNotFound, column, value)
	}
	return notification.ErrNotPending
}

// MarkSent transitions a pending record to sent.
func (s *SupabaseStore) MarkSent(ctx context.Context, id, providerID string, at time.Time) error {
	update := map[string]any{
		"status":  string(notification.StatusSent),
		"sent_at": formatTime(at),
	}
	if providerID != "" {
		update["provider_id"] = providerID
	}
	return s.conditionalUpdate(ctx, "id", id, notification.StatusPending, update)
}

// MarkFailed transitions a pending record to failed.
func (s *SupabaseStore) MarkFailed(ctx context.Context, id, errMsg string) error {
	return s.conditionalUpdate(ctx, "id", id, notification.StatusPending, map[string]any{
		"status":        string(notification.StatusFailed),
		"error_message": errMsg,
	})
}

// RecordAttempt stores the attempt counter of a pending record.
func (s *SupabaseStore) RecordAttempt(ctx context.Context, id string, attempts int) error {
	return s.conditionalUpdate(ctx, "id", id, notification.StatusPending, map[string]any{
		"attempts": attempts,
	})
}

// MarkBounced transitions the sent record with the given provider ID to bounced.
func (s *SupabaseStore) MarkBounced(ctx context.Context, providerID string, at time.Time) error {
	return s.conditionalUpdate(ctx, "provider_id", providerID, notification.StatusSent, map[string]any{
		"status":     string(notification.StatusBounced),
		"bounced_at": formatTime(at),
	})
}

// List retrieves records matching the filter. Filtering runs in PostgREST;
// the final ordering (sent_at desc, unsent last) is applied locally.
func (s *SupabaseStore) List(_ context.Context, filter notification.LogFilter) ([]*notification.DeliveryRecord, error) {
	query := s.client.From(tableName).Select("*", "", false)

	if filter.Kind != "" {
		query = query.Eq("kind", string(filter.Kind))
	}
	if filter.Status != "" {
		query = query.Eq("status", string(filter.Status))
	}
	if filter.Recipient != "" {
		query = query.Ilike("recipient", "%"+filter.Recipient+"%")
	}
	if filter.SentFrom != nil {
		query = query.Gte("sent_at", formatTime(*filter.SentFrom))
	}
	if filter.SentTo != nil {
		query = query.Lte("sent_at", formatTime(*filter.SentTo))
	}

	query = query.Order("sent_at", &postgrest.OrderOpts{Ascending: false, NullsFirst: false})
	if filter.Limit > 0 {
		query = query.Limit(filter.Limit, "")
	}

	data, _, err := query.Execute()
	if err != nil {
		return nil, fmt.Errorf("listing email logs: %w", err)
	}

	rows, err := decodeRows(data)
	if err != nil {
		return nil, err
	}

	records := make([]*notification.DeliveryRecord, len(rows))
	for i := range rows {
		records[i] = rowToRecord(&rows[i])
	}
	notification.SortRecords(records)
	return records, nil
}

// Stats counts rows per status using exact head counts.
func (s *SupabaseStore) Stats(_ context.Context) (*notification.Stats, error) {
	stats := &notification.Stats{}
	for _, status := range []notification.Status{
		notification.StatusPending,
		notification.StatusSent,
		notification.StatusFailed,
		notification.StatusBounced,
	} {
		_, count, err := s.client.From(tableName).Select("id", "exact", true).Eq("status", string(status)).Execute()
		if err != nil {
			return nil, fmt.Errorf("counting %s email logs: %w", status, err)
		}
		n := int(count)
		switch status {
		case notification.StatusPending:
			stats.Pending = n
		case notification.StatusSent:
			stats.Sent = n
		case notification.StatusFailed:
			stats.Failed = n
		case notification.StatusBounced:
			stats.Bounced = n
		}
		stats.Total += n
	}
	return stats, nil
}

// Prune deletes up to limit terminal records last updated before olderThan.
func (s *SupabaseStore) Prune(_ context.Context, olderThan time.Time, limit int) (int, error) {
	if limit <= 0 {
		limit = 500
	}

	data, _, err := s.client.From(tableName).
		Select("id", "", false).
		In("status", []string{
			string(notification.StatusSent),
			string(notification.StatusFailed),
			string(notification.StatusBounced),
		}).
		Lt("updated_at", formatTime(olderThan)).
		Order("updated_at", &postgrest.OrderOpts{Ascending: true}).
		Range(0, limit-1, "").
		Execute()
	if err != nil {
		return 0, fmt.Errorf("listing prunable email logs: %w", err)
	}

	rows, err := decodeRows(data)
	if err != nil {
		return 0, err
	}
	if len(rows) == 0 {
		return 0, nil
	}

	ids := make([]string, len(rows))
	for i, row := range rows {
		ids[i] = row.ID
	}
	if _, _, err := s.client.From(tableName).Delete("minimal", "").In("id", ids).Execute(); err != nil {
		return 0, fmt.Errorf("deleting email logs: %w", err)
	}
	return len(ids), nil
}

func decodeRows(data []byte) ([]supabaseRow, error) {
	var rows []supabaseRow
	if len(data) == 0 {
		return rows, nil
	}
	if err := json.Unmarshal(data, &rows); err != nil {
		return nil, fmt.Errorf("parsing email logs: %w", err)
	}
	return rows, nil
}

func recordToRow(rec *notification.DeliveryRecord) supabaseRow {
	row := supabaseRow{
		ID:          rec.ID,
		Recipient:   rec.Recipient,
		Kind:        string(rec.Kind),
		RequestData: rec.Request,
		Status:      string(rec.Status),
		Attempts:    rec.Attempts,
		CreatedAt:   formatTime(rec.CreatedAt),
		UpdatedAt:   formatTime(rec.UpdatedAt),
	}
	if rec.ProviderID != "" {
		row.ProviderID = &rec.ProviderID
	}
	if rec.ErrorMessage != "" {
		row.ErrorMessage = &rec.ErrorMessage
	}
	if rec.ScheduledAt != nil {
		v := formatTime(*rec.ScheduledAt)
		row.ScheduledAt = &v
	}
	return row
}

// rowToRecord converts a supabaseRow to a DeliveryRecord.
func rowToRecord(row *supabaseRow) *notification.DeliveryRecord {
	rec := &notification.DeliveryRecord{
		ID:        row.ID,
		Recipient: row.Recipient,
		Kind:      notification.Kind(row.Kind),
		Request:   row.RequestData,
		Status:    notification.Status(row.Status),
		Attempts:  row.Attempts,
		CreatedAt: parseTime(row.CreatedAt),
		UpdatedAt: parseTime(row.UpdatedAt),
	}
	if row.ProviderID != nil {
		rec.ProviderID = *row.ProviderID
	}
	if row.ErrorMessage != nil {
		rec.ErrorMessage = *row.ErrorMessage
	}
	rec.ScheduledAt = parseTimePtr(row.ScheduledAt)
	rec.SentAt = parseTimePtr(row.SentAt)
	rec.BouncedAt = parseTimePtr(row.BouncedAt)
	return rec
}

func parseTime(s string) time.Time {
	if s == "" {
		return time.Time{}
	}
	t, err := time.Parse(time.RFC3339Nano, s)
	if err != nil {
		return time.Time{}
	}
	return t
}

func parseTimePtr(s *string) *time.Time {
	if s == nil || *s == "" {
		return nil
	}
	t := parseTime(*s)
	if t.IsZero() {
		return nil
	}
	return &t
}

package notification

import (
	"errors"
	"sort"
	"strings"
	"time"
)

// Status represents the lifecycle state of a delivery record.
type Status string

const (
	StatusPending Status = "pending"
	StatusSent    Status = "sent"
	StatusFailed  Status = "failed"
	StatusBounced Status = "bounced"
)

// IsTerminal reports whether no further dispatch will touch the record.
func (s Status) IsTerminal() bool {
	return s != StatusPending
}

// ErrNotPending is returned when a transition is attempted on a record that
// already left the pending state.
var ErrNotPending = errors.New("delivery record is not pending")

// ErrRecordNotFound is returned by transitions that address a missing record.
var ErrRecordNotFound = errors.New("delivery record not found")

// DeliveryRecord tracks one request's lifecycle. Only the DeliveryLog mutates it.
type DeliveryRecord struct {
	ID           string     `json:"id"`
	Recipient    string     `json:"recipient"`
	Kind         Kind       `json:"kind"`
	Request      *Request   `json:"request_data,omitempty"`
	Status       Status     `json:"status"`
	Attempts     int        `json:"attempts"`
	ProviderID   string     `json:"provider_id,omitempty"`
	ErrorMessage string     `json:"error_message,omitempty"`
	CreatedAt    time.Time  `json:"created_at"`
	UpdatedAt    time.Time  `json:"updated_at"`
	ScheduledAt  *time.Time `json:"scheduled_at,omitempty"`
	SentAt       *time.Time `json:"sent_at,omitempty"`
	BouncedAt    *time.Time `json:"bounced_at,omitempty"`
}

// Clone returns a deep copy so callers never share mutable state with a store.
func (r *DeliveryRecord) Clone() *DeliveryRecord {
	if r == nil {
		return nil
	}
	c := *r
	c.ScheduledAt = cloneTime(r.ScheduledAt)
	c.SentAt = cloneTime(r.SentAt)
	c.BouncedAt = cloneTime(r.BouncedAt)
	if r.Request != nil {
		req := *r.Request
		req.To = append([]string(nil), r.Request.To...)
		req.CC = append([]string(nil), r.Request.CC...)
		req.BCC = append([]string(nil), r.Request.BCC...)
		req.ScheduledAt = cloneTime(r.Request.ScheduledAt)
		if r.Request.Data != nil {
			req.Data = make(map[string]any, len(r.Request.Data))
			for k, v := range r.Request.Data {
				req.Data[k] = v
			}
		}
		if r.Request.Attachments != nil {
			req.Attachments = make([]Attachment, len(r.Request.Attachments))
			copy(req.Attachments, r.Request.Attachments)
		}
		c.Request = &req
	}
	return &c
}

func cloneTime(t *time.Time) *time.Time {
	if t == nil {
		return nil
	}
	v := *t
	return &v
}

// LogFilter narrows a delivery log query. Zero values match everything.
// SentFrom and SentTo are inclusive and only match records that have a SentAt.
type LogFilter struct {
	Kind      Kind       `form:"kind"`
	Status    Status     `form:"status"`
	Recipient string     `form:"recipient"`
	SentFrom  *time.Time `form:"-"`
	SentTo    *time.Time `form:"-"`
	Limit     int        `form:"limit"`
}

// Match reports whether a record satisfies the filter.
func (f LogFilter) Match(r *DeliveryRecord) bool {
	if f.Kind != "" && r.Kind != f.Kind {
		return false
	}
	if f.Status != "" && r.Status != f.Status {
		return false
	}
	if f.Recipient != "" && !strings.Contains(strings.ToLower(r.Recipient), strings.ToLower(f.Recipient)) {
		return false
	}
	if f.SentFrom != nil || f.SentTo != nil {
		if r.SentAt == nil {
			return false
		}
		if f.SentFrom != nil && r.SentAt.Before(*f.SentFrom) {
			return false
		}
		if f.SentTo != nil && r.SentAt.After(*f.SentTo) {
			return false
		}
	}
	return true
}

// SortRecords orders records by SentAt descending. Records without SentAt
// sort as the earliest instant and therefore last; ties go newest-created first.
func SortRecords(records []*DeliveryRecord) {
	sort.SliceStable(records, func(i, j int) bool {
		a, b := records[i], records[j]
		switch {
		case a.SentAt != nil && b.SentAt != nil:
			if !a.SentAt.Equal(*b.SentAt) {
				return a.SentAt.After(*b.SentAt)
			}
		case a.SentAt != nil:
			return true
		case b.SentAt != nil:
			return false
		}
		return a.CreatedAt.After(b.CreatedAt)
	})
}

// ApplyFilter filters, sorts and truncates records in one pass. Backends that
// cannot push the query down use it on a full scan.
func ApplyFilter(records []*DeliveryRecord, filter LogFilter) []*DeliveryRecord {
	out := make([]*DeliveryRecord, 0, len(records))
	for _, r := range records {
		if filter.Match(r) {
			out = append(out, r)
		}
	}
	SortRecords(out)
	if filter.Limit > 0 && len(out) > filter.Limit {
		out = out[:filter.Limit]
	}
	return out
}

// Stats is the count-by-status projection of the delivery log.
type Stats struct {
	Total   int `json:"total"`
	Sent    int `json:"sent"`
	Failed  int `json:"failed"`
	Pending int `json:"pending"`
	Bounced int `json:"bounced"`
}

// Add counts one record with the given status.
func (s *Stats) Add(status Status) {
	s.Total++
	switch status {
	case StatusSent:
		s.Sent++
	case StatusFailed:
		s.Failed++
	case StatusPending:
		s.Pending++
	case StatusBounced:
		s.Bounced++
	}
}

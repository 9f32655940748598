package notification

import (
	"strings"
	"time"
)

// Kind enumerates the closed set of notification kinds. Each kind selects its
// template; kinds without a registered template fall back to the default one.
type Kind string

const (
	KindRegistrationWelcome     Kind = "registration_welcome"
	KindAppointmentConfirmation Kind = "appointment_confirmation"
	KindAppointmentReminder     Kind = "appointment_reminder"
	KindLabResultsReady         Kind = "lab_results_ready"
	KindPrescriptionReady       Kind = "prescription_ready"
	KindPaymentConfirmation     Kind = "payment_confirmation"
	KindSystemAlert             Kind = "system_alert"
	KindPasswordReset           Kind = "password_reset"
	KindMedicationReminder      Kind = "medication_reminder"
	KindFollowUpReminder        Kind = "follow_up_reminder"
)

// kindLabels is the exhaustive table of recognized kinds.
var kindLabels = map[Kind]string{
	KindRegistrationWelcome:     "Registration welcome",
	KindAppointmentConfirmation: "Appointment confirmation",
	KindAppointmentReminder:     "Appointment reminder",
	KindLabResultsReady:         "Lab results ready",
	KindPrescriptionReady:       "Prescription ready",
	KindPaymentConfirmation:     "Payment confirmation",
	KindSystemAlert:             "System alert",
	KindPasswordReset:           "Password reset",
	KindMedicationReminder:      "Medication reminder",
	KindFollowUpReminder:        "Follow-up reminder",
}

// Kinds returns every recognized kind.
func Kinds() []Kind {
	out := make([]Kind, 0, len(kindLabels))
	for k := range kindLabels {
		out = append(out, k)
	}
	return out
}

// IsValid checks whether a kind is part of the closed set.
func (k Kind) IsValid() bool {
	_, ok := kindLabels[k]
	return ok
}

// Label returns the human-readable name of the kind.
func (k Kind) Label() string {
	return kindLabels[k]
}

// ParseKind normalizes hyphenated or mixed-case input ("lab-results-ready")
// into a Kind and reports whether it is recognized.
func ParseKind(s string) (Kind, bool) {
	k := Kind(strings.ReplaceAll(strings.ToLower(strings.TrimSpace(s)), "-", "_"))
	return k, k.IsValid()
}

// Priority is advisory metadata carried into the outbound message.
// It never reorders the queue.
type Priority string

const (
	PriorityLow    Priority = "low"
	PriorityNormal Priority = "normal"
	PriorityHigh   Priority = "high"
)

// IsValid checks whether a priority is recognized. The empty value is valid
// and means normal.
func (p Priority) IsValid() bool {
	switch p {
	case "", PriorityLow, PriorityNormal, PriorityHigh:
		return true
	}
	return false
}

// OrDefault returns PriorityNormal for the empty value.
func (p Priority) OrDefault() Priority {
	if p == "" {
		return PriorityNormal
	}
	return p
}

// Attachment is a file carried with a message, either inline content or an
// external reference resolved by the transport.
type Attachment struct {
	Filename    string `json:"filename"`
	Content     []byte `json:"content,omitempty"`
	Reference   string `json:"reference,omitempty"`
	ContentType string `json:"content_type,omitempty"`
}

// Request is the unit of work submitted by a caller.
type Request struct {
	To          []string       `json:"to"`
	CC          []string       `json:"cc,omitempty"`
	BCC         []string       `json:"bcc,omitempty"`
	Kind        Kind           `json:"kind"`
	Data        map[string]any `json:"data"`
	Priority    Priority       `json:"priority,omitempty"`
	ScheduledAt *time.Time     `json:"scheduled_at,omitempty"`
	Attachments []Attachment   `json:"attachments,omitempty"`
}

// RecipientSummary joins the primary recipients for display.
func (r *Request) RecipientSummary() string {
	return strings.Join(r.To, ", ")
}

// DueAt returns when the request becomes eligible for delivery.
func (r *Request) DueAt(now time.Time) time.Time {
	if r.ScheduledAt == nil {
		return now
	}
	return *r.ScheduledAt
}

// QueueResponse is returned to callers of QueueEmail.
type QueueResponse struct {
	ID          string     `json:"id"`
	Status      Status     `json:"status"`
	ScheduledAt *time.Time `json:"scheduled_at,omitempty"`
}

// Template holds the subject and body patterns for one kind.
type Template struct {
	Subject string `json:"subject"`
	Body    string `json:"body"`
}

// Message is the rendered outbound message handed to the transport.
type Message struct {
	ID          string
	To          []string
	CC          []string
	BCC         []string
	Subject     string
	HTML        string
	Text        string
	Kind        Kind
	Priority    Priority
	Attachments []Attachment
}

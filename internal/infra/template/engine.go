package template

import (
	"embed"
	"fmt"
	"html"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"regexp"
	"strings"
	"sync"
	"time"

	"medinotify/internal/domain/notification"

	"github.com/spf13/cast"
)

var _ notification.TemplateRenderer = (*Engine)(nil)

//go:embed templates/*.html
var builtinFS embed.FS

// defaultName is the file holding the fallback template.
const defaultName = "default"

// defaultSubject is the fallback subject line.
const defaultSubject = "Notification from {{facilityName}}"

// subjects maps kinds with a built-in body to their subject line.
// Kinds missing here resolve to the default template.
var subjects = map[notification.Kind]string{
	notification.KindAppointmentConfirmation: "Appointment Confirmed: {{appointmentDate}} at {{appointmentTime}}",
	notification.KindAppointmentReminder:     "Reminder: Appointment on {{appointmentDate}}",
	notification.KindLabResultsReady:         "Your Lab Results Are Ready",
	notification.KindPrescriptionReady:       "Your Prescription Is Ready",
	notification.KindPaymentConfirmation:     "Payment Received: Invoice {{invoiceNumber}}",
	notification.KindSystemAlert:             "System Alert: {{alertTitle}}",
	notification.KindPasswordReset:           "Reset Your Password",
	notification.KindMedicationReminder:      "Medication Reminder: {{medicationName}}",
	notification.KindFollowUpReminder:        "Follow-up Visit Requested",
}

var (
	placeholderRe = regexp.MustCompile(`\{\{\s*([A-Za-z0-9_.\-]+)\s*\}\}`)
	blockRe       = regexp.MustCompile(`(?is)<(style|script)[^>]*>.*?</(style|script)>`)
	breakRe       = regexp.MustCompile(`(?i)<br\s*/?>`)
	tagRe         = regexp.MustCompile(`<[^>]*>`)
	wsRe          = regexp.MustCompile(`\s+`)
)

// Engine is the template store and renderer: one template per kind plus a
// default used for every kind without one.
type Engine struct {
	mu        sync.RWMutex
	templates map[notification.Kind]notification.Template
	fallback  notification.Template
	defaults  map[string]any
}

// Option configures an Engine.
type Option func(*engineOptions)

type engineOptions struct {
	dir      string
	builtins bool
	defaults map[string]any
}

// WithDir loads <kind>.html overrides from a directory.
func WithDir(dir string) Option {
	return func(o *engineOptions) { o.dir = dir }
}

// WithoutBuiltins starts from the default template only.
func WithoutBuiltins() Option {
	return func(o *engineOptions) { o.builtins = false }
}

// WithDefaults supplies placeholder values used when the request data lacks them.
func WithDefaults(values map[string]any) Option {
	return func(o *engineOptions) { o.defaults = values }
}

// NewEngine creates a template engine seeded with the embedded templates.
func NewEngine(opts ...Option) (*Engine, error) {
	o := engineOptions{builtins: true}
	for _, opt := range opts {
		opt(&o)
	}

	body, err := fs.ReadFile(builtinFS, "templates/"+defaultName+".html")
	if err != nil {
		return nil, fmt.Errorf("reading default template: %w", err)
	}

	e := &Engine{
		templates: make(map[notification.Kind]notification.Template),
		fallback:  notification.Template{Subject: defaultSubject, Body: string(body)},
		defaults:  o.defaults,
	}

	if o.builtins {
		for kind, subject := range subjects {
			body, err := fs.ReadFile(builtinFS, "templates/"+string(kind)+".html")
			if err != nil {
				return nil, fmt.Errorf("reading template %s: %w", kind, err)
			}
			e.templates[kind] = notification.Template{Subject: subject, Body: string(body)}
		}
	}

	if o.dir != "" {
		if err := e.loadDir(o.dir); err != nil {
			return nil, err
		}
	}

	return e, nil
}

// loadDir reads <kind>.html files. A leading "Subject: ..." line sets the
// subject; otherwise the built-in subject (or the default one) is kept.
func (e *Engine) loadDir(dir string) error {
	paths, err := filepath.Glob(filepath.Join(dir, "*.html"))
	if err != nil {
		return fmt.Errorf("listing templates in %s: %w", dir, err)
	}

	for _, path := range paths {
		raw, err := os.ReadFile(path)
		if err != nil {
			return fmt.Errorf("reading template %s: %w", path, err)
		}
		name := strings.TrimSuffix(filepath.Base(path), ".html")
		subject, body := splitSubject(string(raw))

		if name == defaultName {
			if subject != "" {
				e.fallback.Subject = subject
			}
			e.fallback.Body = body
			continue
		}

		kind, ok := notification.ParseKind(name)
		if !ok {
			slog.Warn("ignoring template for unknown kind", "file", path)
			continue
		}
		if subject == "" {
			subject = e.Template(kind).Subject
		}
		e.Register(kind, notification.Template{Subject: subject, Body: body})
	}

	slog.Info("templates loaded from directory", "dir", dir, "files", len(paths))
	return nil
}

func splitSubject(raw string) (subject, body string) {
	first, rest, found := strings.Cut(raw, "\n")
	if found && strings.HasPrefix(first, "Subject:") {
		return strings.TrimSpace(strings.TrimPrefix(first, "Subject:")), strings.TrimLeft(rest, "\r\n")
	}
	return "", raw
}

// Template returns the template for a kind, or the default template.
func (e *Engine) Template(kind notification.Kind) notification.Template {
	e.mu.RLock()
	defer e.mu.RUnlock()
	if t, ok := e.templates[kind]; ok {
		return t
	}
	return e.fallback
}

// Register replaces the template for one kind.
func (e *Engine) Register(kind notification.Kind, tmpl notification.Template) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.templates[kind] = tmpl
}

// Render produces a subject line, HTML body, and plain-text fallback for the given kind.
func (e *Engine) Render(kind notification.Kind, data map[string]any) (subject, body, text string) {
	tmpl := e.Template(kind)

	merged := data
	if len(e.defaults) > 0 {
		merged = make(map[string]any, len(e.defaults)+len(data))
		for k, v := range e.defaults {
			merged[k] = v
		}
		for k, v := range data {
			merged[k] = v
		}
	}

	return Render(tmpl, merged)
}

// Render substitutes data into a template. It is a pure function of its inputs.
// Values placed in the body are HTML-escaped; the subject is plain text and
// takes them as given.
func Render(tmpl notification.Template, data map[string]any) (subject, body, text string) {
	subject = Substitute(tmpl.Subject, data)
	body = SubstituteHTML(tmpl.Body, data)
	text = StripHTML(body)
	return subject, body, text
}

// Substitute replaces every {{name}} with the formatted value of data[name],
// or with nothing when the name is absent.
func Substitute(pattern string, data map[string]any) string {
	return substitute(pattern, data, func(s string) string { return s })
}

// SubstituteHTML is Substitute for HTML markup: each value is escaped so
// request data cannot inject tags or attributes.
func SubstituteHTML(pattern string, data map[string]any) string {
	return substitute(pattern, data, html.EscapeString)
}

func substitute(pattern string, data map[string]any, escape func(string) string) string {
	return placeholderRe.ReplaceAllStringFunc(pattern, func(m string) string {
		name := placeholderRe.FindStringSubmatch(m)[1]
		v, ok := data[name]
		if !ok {
			return ""
		}
		return escape(formatValue(v))
	})
}

// formatValue renders a scalar or a list of scalars as display text.
// Lists are joined with commas.
func formatValue(v any) string {
	switch x := v.(type) {
	case nil:
		return ""
	case string:
		return x
	case time.Time:
		return x.Format(time.RFC3339)
	case []string:
		return strings.Join(x, ",")
	case []any:
		parts := make([]string, len(x))
		for i, item := range x {
			parts[i] = formatValue(item)
		}
		return strings.Join(parts, ",")
	}
	s, err := cast.ToStringE(v)
	if err != nil {
		return fmt.Sprint(v)
	}
	return s
}

// StripHTML removes HTML tags and collapses whitespace to produce a plain-text version.
func StripHTML(s string) string {
	text := blockRe.ReplaceAllString(s, "")
	text = breakRe.ReplaceAllString(text, " ")
	text = tagRe.ReplaceAllString(text, "")

	text = strings.ReplaceAll(text, "&nbsp;", " ")
	text = html.UnescapeString(text)

	text = wsRe.ReplaceAllString(text, " ")
	return strings.TrimSpace(text)
}

package notification

import "context"

// Transport defines the contract for the external delivery collaborator.
// Implementations live in infra/email (SMTP, Resend).
// Delivery is not idempotent, may be slow, and may fail for reasons outside
// this service's control.
type Transport interface {
	// Verify checks that the transport can reach its server with the current credentials.
	Verify(ctx context.Context) error

	// Deliver sends a rendered message and returns the provider's message ID, if any.
	Deliver(ctx context.Context, msg *Message) (string, error)

	// Close releases connections held by the transport.
	Close() error
}

// TransportConfig carries every option the transport factories recognize.
type TransportConfig struct {
	Provider       string `json:"provider"`
	Host           string `json:"host"`
	Port           int    `json:"port"`
	Secure         bool   `json:"secure"`
	Username       string `json:"username"`
	Password       string `json:"password,omitempty"`
	APIKey         string `json:"api_key,omitempty"`
	FromAddress    string `json:"from_address"`
	FromName       string `json:"from_name"`
	MaxConnections int    `json:"max_connections"`
	MaxMessages    int    `json:"max_messages"`
}

// Redacted returns a copy with secrets removed, safe for logs and responses.
func (c TransportConfig) Redacted() TransportConfig {
	if c.Password != "" {
		c.Password = "***"
	}
	if c.APIKey != "" {
		c.APIKey = "***"
	}
	return c
}

// TransportFactory builds a transport from configuration without contacting it.
type TransportFactory func(cfg TransportConfig) (Transport, error)

// TemplateRenderer defines the contract for the template store and renderer.
// Implementations live in infra/template/.
type TemplateRenderer interface {
	// Render produces a subject line, HTML body, and plain-text body for the given kind.
	// Kinds without a registered template use the default template. Rendering never fails.
	Render(kind Kind, data map[string]any) (subject, html, text string)

	// Register replaces the template for one kind.
	Register(kind Kind, tmpl Template)
}

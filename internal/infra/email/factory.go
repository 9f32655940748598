package email

import (
	"fmt"
	"time"

	"medinotify/internal/domain/notification"
)

const (
	ProviderSMTP   = "smtp"
	ProviderResend = "resend"
)

// NewFactory returns a TransportFactory whose transports use the given
// network timeout.
func NewFactory(timeout time.Duration) notification.TransportFactory {
	return func(cfg notification.TransportConfig) (notification.Transport, error) {
		switch cfg.Provider {
		case ProviderSMTP, "":
			return NewSMTPTransport(cfg, timeout)
		case ProviderResend:
			return NewResendTransport(cfg, timeout)
		default:
			return nil, fmt.Errorf("unsupported email provider: %s", cfg.Provider)
		}
	}
}

package email

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"medinotify/internal/domain/notification"

	"github.com/wneessen/go-mail"
)

// kindHeader tags outgoing mail with the notification kind.
const kindHeader = "X-Medinotify-Kind"

var _ notification.Transport = (*SMTPTransport)(nil)

// ErrTransportClosed is returned by Deliver after Close.
var ErrTransportClosed = errors.New("smtp transport closed")

// smtpConn is one pooled SMTP session.
type smtpConn struct {
	client *mail.Client
	sent   int
}

// SMTPTransport delivers mail through an SMTP relay. At most MaxConnections
// sessions are open at once; a session is recycled after MaxMessages sends.
type SMTPTransport struct {
	cfg     notification.TransportConfig
	timeout time.Duration
	fetcher *http.Client

	slots chan *smtpConn

	mu     sync.Mutex
	closed bool
}

// NewSMTPTransport validates the configuration and prepares an idle pool.
// No connection is opened until the first Deliver or Verify.
func NewSMTPTransport(cfg notification.TransportConfig, timeout time.Duration) (*SMTPTransport, error) {
	if cfg.Host == "" {
		return nil, errors.New("smtp host is required")
	}
	if cfg.FromAddress == "" {
		return nil, errors.New("from address is required")
	}
	if cfg.Port == 0 {
		cfg.Port = 587
		if cfg.Secure {
			cfg.Port = 465
		}
	}
	if cfg.MaxConnections <= 0 {
		cfg.MaxConnections = 5
	}
	if cfg.MaxMessages <= 0 {
		cfg.MaxMessages = 100
	}
	if timeout <= 0 {
		timeout = 30 * time.Second
	}

	t := &SMTPTransport{
		cfg:     cfg,
		timeout: timeout,
		fetcher: &http.Client{Timeout: timeout},
		slots:   make(chan *smtpConn, cfg.MaxConnections),
	}
	for i := 0; i < cfg.MaxConnections; i++ {
		t.slots <- &smtpConn{}
	}

	slog.Info("smtp transport initialized",
		"host", cfg.Host,
		"port", cfg.Port,
		"secure", cfg.Secure,
		"auth", cfg.Username != "",
		"max_connections", cfg.MaxConnections,
		"max_messages", cfg.MaxMessages,
	)
	return t, nil
}

func (t *SMTPTransport) newClient() (*mail.Client, error) {
	opts := []mail.Option{
		mail.WithPort(t.cfg.Port),
		mail.WithTimeout(t.timeout),
	}
	if t.cfg.Secure {
		opts = append(opts, mail.WithSSL())
	} else {
		opts = append(opts, mail.WithTLSPolicy(mail.TLSOpportunistic))
	}
	if t.cfg.Username != "" {
		opts = append(opts,
			mail.WithSMTPAuth(mail.SMTPAuthPlain),
			mail.WithUsername(t.cfg.Username),
			mail.WithPassword(t.cfg.Password),
		)
	}
	return mail.NewClient(t.cfg.Host, opts...)
}

// Verify opens and closes one session to prove the relay and credentials work.
func (t *SMTPTransport) Verify(ctx context.Context) error {
	client, err := t.newClient()
	if err != nil {
		return fmt.Errorf("configuring smtp client: %w", err)
	}
	if err := client.DialWithContext(ctx); err != nil {
		return fmt.Errorf("connecting to %s:%d: %w", t.cfg.Host, t.cfg.Port, err)
	}
	return client.Close()
}

// Deliver sends msg on a pooled session and returns its Message-ID.
func (t *SMTPTransport) Deliver(ctx context.Context, msg *notification.Message) (string, error) {
	m, err := t.buildMsg(ctx, msg)
	if err != nil {
		return "", err
	}

	var conn *smtpConn
	select {
	case conn = <-t.slots:
	case <-ctx.Done():
		return "", ctx.Err()
	}
	defer func() { t.slots <- conn }()

	t.mu.Lock()
	closed := t.closed
	t.mu.Unlock()
	if closed {
		return "", ErrTransportClosed
	}

	if conn.client != nil && conn.sent >= t.cfg.MaxMessages {
		t.reset(conn)
	}
	if conn.client == nil {
		client, err := t.newClient()
		if err != nil {
			return "", fmt.Errorf("configuring smtp client: %w", err)
		}
		if err := client.DialWithContext(ctx); err != nil {
			return "", fmt.Errorf("connecting to %s:%d: %w", t.cfg.Host, t.cfg.Port, err)
		}
		conn.client = client
		conn.sent = 0
	}

	if err := conn.client.Send(m); err != nil {
		// The session state is unknown after a failed send
		t.reset(conn)
		return "", fmt.Errorf("sending mail: %w", err)
	}
	conn.sent++

	return messageID(m), nil
}

func (t *SMTPTransport) reset(conn *smtpConn) {
	if conn.client != nil {
		if err := conn.client.Close(); err != nil {
			slog.Debug("closing smtp session", "error", err)
		}
	}
	conn.client = nil
	conn.sent = 0
}

// Close waits for in-flight sends and closes every pooled session.
func (t *SMTPTransport) Close() error {
	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		return nil
	}
	t.closed = true
	t.mu.Unlock()

	conns := make([]*smtpConn, 0, cap(t.slots))
	for i := 0; i < cap(t.slots); i++ {
		conn := <-t.slots
		t.reset(conn)
		conns = append(conns, conn)
	}
	for _, conn := range conns {
		t.slots <- conn
	}
	return nil
}

// buildMsg converts a rendered message into a MIME message with a plain-text
// body and an HTML alternative.
func (t *SMTPTransport) buildMsg(ctx context.Context, msg *notification.Message) (*mail.Msg, error) {
	m := mail.NewMsg()

	if t.cfg.FromName != "" {
		if err := m.FromFormat(t.cfg.FromName, t.cfg.FromAddress); err != nil {
			return nil, fmt.Errorf("invalid from address: %w", err)
		}
	} else if err := m.From(t.cfg.FromAddress); err != nil {
		return nil, fmt.Errorf("invalid from address: %w", err)
	}
	if err := m.To(msg.To...); err != nil {
		return nil, fmt.Errorf("invalid recipient: %w", err)
	}
	if len(msg.CC) > 0 {
		if err := m.Cc(msg.CC...); err != nil {
			return nil, fmt.Errorf("invalid cc recipient: %w", err)
		}
	}
	if len(msg.BCC) > 0 {
		if err := m.Bcc(msg.BCC...); err != nil {
			return nil, fmt.Errorf("invalid bcc recipient: %w", err)
		}
	}

	m.Subject(msg.Subject)
	m.SetMessageID()
	m.SetDate()
	m.SetImportance(importance(msg.Priority))
	m.SetGenHeader(mail.Header(kindHeader), string(msg.Kind))

	m.SetBodyString(mail.TypeTextPlain, msg.Text)
	m.AddAlternativeString(mail.TypeTextHTML, msg.HTML)

	for _, a := range msg.Attachments {
		content, err := resolveAttachment(ctx, t.fetcher, a)
		if err != nil {
			return nil, err
		}
		var opts []mail.FileOption
		if a.ContentType != "" {
			opts = append(opts, mail.WithFileContentType(mail.ContentType(a.ContentType)))
		}
		m.AttachReadSeeker(a.Filename, bytes.NewReader(content), opts...)
	}

	return m, nil
}

func importance(p notification.Priority) mail.Importance {
	switch p {
	case notification.PriorityHigh:
		return mail.ImportanceHigh
	case notification.PriorityLow:
		return mail.ImportanceLow
	default:
		return mail.ImportanceNormal
	}
}

func messageID(m *mail.Msg) string {
	if ids := m.GetGenHeader(mail.HeaderMessageID); len(ids) > 0 {
		return ids[0]
	}
	return ""
}

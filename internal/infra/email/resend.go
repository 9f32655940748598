package email

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"medinotify/internal/domain/notification"
)

// DefaultResendURL is the Resend API base URL.
const DefaultResendURL = "https://api.resend.com"

var _ notification.Transport = (*ResendTransport)(nil)

// ResendTransport sends emails using the Resend API.
type ResendTransport struct {
	apiKey      string
	fromAddress string
	fromName    string
	baseURL     string
	httpClient  *http.Client
}

// NewResendTransport creates a new Resend email transport.
func NewResendTransport(cfg notification.TransportConfig, timeout time.Duration) (*ResendTransport, error) {
	if cfg.APIKey == "" {
		return nil, errors.New("resend api key is required")
	}
	if cfg.FromAddress == "" {
		return nil, errors.New("from address is required")
	}
	if timeout <= 0 {
		timeout = 10 * time.Second
	}

	baseURL := DefaultResendURL
	if cfg.Host != "" {
		baseURL = strings.TrimRight(cfg.Host, "/")
	}

	return &ResendTransport{
		apiKey:      cfg.APIKey,
		fromAddress: cfg.FromAddress,
		fromName:    cfg.FromName,
		baseURL:     baseURL,
		httpClient:  &http.Client{Timeout: timeout},
	}, nil
}

type resendAttachment struct {
	Filename    string `json:"filename"`
	Content     []byte `json:"content,omitempty"`
	Path        string `json:"path,omitempty"`
	ContentType string `json:"content_type,omitempty"`
}

type resendTag struct {
	Name  string `json:"name"`
	Value string `json:"value"`
}

type resendEmail struct {
	From        string             `json:"from"`
	To          []string           `json:"to"`
	CC          []string           `json:"cc,omitempty"`
	BCC         []string           `json:"bcc,omitempty"`
	Subject     string             `json:"subject"`
	HTML        string             `json:"html"`
	Text        string             `json:"text,omitempty"`
	Headers     map[string]string  `json:"headers,omitempty"`
	Tags        []resendTag        `json:"tags,omitempty"`
	Attachments []resendAttachment `json:"attachments,omitempty"`
}

// Verify checks the API key by listing the account's domains.
func (p *ResendTransport) Verify(ctx context.Context) error {
	_, err := p.do(ctx, http.MethodGet, "/domains", nil)
	return err
}

// Deliver sends an email via the Resend API and returns the message ID.
func (p *ResendTransport) Deliver(ctx context.Context, msg *notification.Message) (string, error) {
	from := p.fromAddress
	if p.fromName != "" {
		from = fmt.Sprintf("%s <%s>", p.fromName, p.fromAddress)
	}

	payload := resendEmail{
		From:    from,
		To:      msg.To,
		CC:      msg.CC,
		BCC:     msg.BCC,
		Subject: msg.Subject,
		HTML:    msg.HTML,
		Text:    msg.Text,
		Tags:    []resendTag{{Name: "kind", Value: string(msg.Kind)}},
	}
	if msg.Priority == notification.PriorityHigh {
		payload.Headers = map[string]string{"X-Priority": "1", "Importance": "high"}
	}
	for _, a := range msg.Attachments {
		payload.Attachments = append(payload.Attachments, resendAttachment{
			Filename:    a.Filename,
			Content:     a.Content,
			Path:        a.Reference,
			ContentType: a.ContentType,
		})
	}

	respBody, err := p.do(ctx, http.MethodPost, "/emails", payload)
	if err != nil {
		return "", err
	}

	var successResp struct {
		ID string `json:"id"`
	}
	if err := json.Unmarshal(respBody, &successResp); err != nil {
		return "", fmt.Errorf("parsing resend response: %w", err)
	}

	return successResp.ID, nil
}

// Close drops idle HTTP connections.
func (p *ResendTransport) Close() error {
	p.httpClient.CloseIdleConnections()
	return nil
}

func (p *ResendTransport) do(ctx context.Context, method, path string, body any) ([]byte, error) {
	var reader io.Reader
	if body != nil {
		jsonData, err := json.Marshal(body)
		if err != nil {
			return nil, fmt.Errorf("marshaling email payload: %w", err)
		}
		reader = bytes.NewReader(jsonData)
	}

	req, err := http.NewRequestWithContext(ctx, method, p.baseURL+path, reader)
	if err != nil {
		return nil, fmt.Errorf("creating request: %w", err)
	}

	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+p.apiKey)

	resp, err := p.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("executing request: %w", err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20)) // 1 MB max
	if err != nil {
		return nil, fmt.Errorf("reading response: %w", err)
	}

	if resp.StatusCode >= 400 {
		var errResp struct {
			Message    string `json:"message"`
			StatusCode int    `json:"statusCode"`
		}
		_ = json.Unmarshal(respBody, &errResp)

		msg := errResp.Message
		if msg == "" {
			msg = fmt.Sprintf("resend API error: status %d", resp.StatusCode)
		}
		return nil, fmt.Errorf("resend: %s", msg)
	}

	return respBody, nil
}

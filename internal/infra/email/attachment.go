package email

import (
	"context"
	"fmt"
	"io"
	"net/http"

	"medinotify/internal/domain/notification"
)

// maxAttachmentSize caps referenced attachments fetched over HTTP.
const maxAttachmentSize = 10 << 20

// resolveAttachment returns inline content as-is and downloads referenced content.
func resolveAttachment(ctx context.Context, client *http.Client, a notification.Attachment) ([]byte, error) {
	if len(a.Content) > 0 {
		return a.Content, nil
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, a.Reference, nil)
	if err != nil {
		return nil, fmt.Errorf("attachment %s: invalid reference: %w", a.Filename, err)
	}
	resp, err := client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("attachment %s: fetching reference: %w", a.Filename, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 400 {
		return nil, fmt.Errorf("attachment %s: reference returned status %d", a.Filename, resp.StatusCode)
	}

	content, err := io.ReadAll(io.LimitReader(resp.Body, maxAttachmentSize+1))
	if err != nil {
		return nil, fmt.Errorf("attachment %s: reading reference: %w", a.Filename, err)
	}
	if len(content) > maxAttachmentSize {
		return nil, fmt.Errorf("attachment %s exceeds %d bytes", a.Filename, maxAttachmentSize)
	}
	return content, nil
}

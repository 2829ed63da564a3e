package ops

import (
	"bytes"
	"context"
	"fmt"
	"net/http"
	"time"
)

// Quiescer pauses and resumes application traffic around destructive
// operations, so the app does not write to stores mid-restore.
type Quiescer interface {
	Pause(ctx context.Context) error
	Resume(ctx context.Context) error
}

// NewQuiescer returns a Quiescer against the application's admin surface,
// or a no-op when no admin URL is configured.
func NewQuiescer(adminURL string) Quiescer {
	if adminURL == "" {
		return noopQuiescer{}
	}
	return &httpQuiescer{
		baseURL: adminURL,
		client:  &http.Client{Timeout: 10 * time.Second},
	}
}

type noopQuiescer struct{}

func (noopQuiescer) Pause(context.Context) error  { return nil }
func (noopQuiescer) Resume(context.Context) error { return nil }

// httpQuiescer toggles the application's maintenance mode over its admin
// API. A failed Pause aborts the destructive operation unless the caller
// explicitly skips quiescing, e.g. when the app is intentionally stopped.
type httpQuiescer struct {
	baseURL string
	client  *http.Client
}

func (q *httpQuiescer) Pause(ctx context.Context) error {
	return q.setMaintenance(ctx, true)
}

func (q *httpQuiescer) Resume(ctx context.Context) error {
	return q.setMaintenance(ctx, false)
}

func (q *httpQuiescer) setMaintenance(ctx context.Context, enabled bool) error {
	body := fmt.Sprintf(`{"enabled":%t}`, enabled)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost,
		q.baseURL+"/api/admin/maintenance", bytes.NewBufferString(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	resp, err := q.client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		return fmt.Errorf("maintenance toggle returned %s", resp.Status)
	}
	return nil
}

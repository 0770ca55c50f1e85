package notify

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

	"github.com/rs/zerolog"

	"jobkeeper/internal/domain"
)

type WebhookConfig struct {
	URL        string
	Headers    map[string]string
	Timeout    time.Duration
	RetryLimit int
	Client     *http.Client
}

// WebhookTransport posts the notification as JSON. The receiving endpoint
// fans out to email or SMS.
type WebhookTransport struct {
	url        string
	headers    map[string]string
	retryLimit int
	client     *http.Client
}

func NewWebhookTransport(cfg WebhookConfig) (*WebhookTransport, error) {
	url := strings.TrimSpace(cfg.URL)
	if url == "" {
		return nil, errors.New("webhook url is required")
	}
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	retries := cfg.RetryLimit
	if retries < 0 {
		retries = 0
	}
	hc := cfg.Client
	if hc == nil {
		hc = &http.Client{Timeout: timeout}
	}
	return &WebhookTransport{url: url, headers: cfg.Headers, retryLimit: retries, client: hc}, nil
}

func (w *WebhookTransport) Send(ctx context.Context, n domain.JobCompletionNotification) error {
	body, err := json.Marshal(n)
	if err != nil {
		return fmt.Errorf("encode webhook payload: %w", err)
	}

	attempts := w.retryLimit + 1
	var lastErr error
	for attempt := range attempts {
		if lastErr = w.post(ctx, body); lastErr == nil {
			return nil
		}
		if attempt < attempts-1 {
			timer := time.NewTimer(time.Duration(attempt+1) * 200 * time.Millisecond)
			select {
			case <-ctx.Done():
				timer.Stop()
				return ctx.Err()
			case <-timer.C:
			}
		}
	}
	return lastErr
}

func (w *WebhookTransport) post(ctx context.Context, body []byte) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, w.url, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("build webhook request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	for k, v := range w.headers {
		req.Header.Set(k, v)
	}

	resp, err := w.client.Do(req)
	if err != nil {
		return fmt.Errorf("webhook request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 300 {
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, 1024))
		return fmt.Errorf("webhook HTTP %d: %s", resp.StatusCode, strings.TrimSpace(string(msg)))
	}
	_, _ = io.Copy(io.Discard, resp.Body)
	return nil
}

// LogTransport writes the notification to the log. Used when no webhook is set.
type LogTransport struct {
	Logger zerolog.Logger
}

func (l LogTransport) Send(_ context.Context, n domain.JobCompletionNotification) error {
	l.Logger.Info().
		Str("job_id", n.JobID).
		Str("execution_id", n.ExecutionID).
		Str("status", string(n.Status)).
		Strs("recipients", n.Recipients).
		Int64("duration_ms", n.DurationMs).
		Msg(n.Summary)
	return nil
}

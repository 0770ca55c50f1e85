package http

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"jobkeeper/internal/domain"
)

// Request is the handler configuration.
type Request struct {
	URL     string            `json:"url"`
	Method  string            `json:"method"`
	Headers map[string]string `json:"headers"`
	Body    json.RawMessage   `json:"body"`
	Timeout int               `json:"timeout"` // seconds, 0 leaves it to the attempt deadline
}

// HTTP calls a remote endpoint per attempt. Options given at trigger time
// replace the configured body. A JSON response with a "success" key is
// decoded as the attempt's JobResult.
type HTTP struct {
	req    Request
	client *http.Client
}

func New(payload json.RawMessage) (domain.Handler, error) {
	var req Request
	if err := json.Unmarshal(payload, &req); err != nil {
		return nil, fmt.Errorf("invalid HTTP request payload: %w", err)
	}

	if req.URL == "" {
		return nil, fmt.Errorf("URL is required")
	}

	if req.Method == "" {
		req.Method = http.MethodPost
	}
	req.Method = strings.ToUpper(req.Method)

	if req.Timeout < 0 {
		req.Timeout = 0
	}

	return HTTP{req: req, client: &http.Client{Timeout: time.Duration(req.Timeout) * time.Second}}, nil
}

func (h HTTP) Handle(ctx context.Context, jr domain.Request) (*domain.JobResult, error) {
	payload := h.req.Body
	if len(jr.Options) > 0 {
		payload = jr.Options
	}
	var body io.Reader
	if len(payload) > 0 && h.req.Method != http.MethodGet {
		body = bytes.NewReader(payload)
	}

	httpReq, err := http.NewRequestWithContext(ctx, h.req.Method, h.req.URL, body)
	if err != nil {
		return nil, fmt.Errorf("failed to create HTTP request: %w", err)
	}
	if body != nil {
		httpReq.Header.Set("Content-Type", "application/json")
	}
	httpReq.Header.Set("X-Job-Id", jr.JobID)
	httpReq.Header.Set("X-Execution-Id", jr.ExecutionID)
	httpReq.Header.Set("X-Attempt", fmt.Sprint(jr.Attempt))
	for key, value := range h.req.Headers {
		httpReq.Header.Set(key, value)
	}

	jr.Report(domain.Progress{Message: fmt.Sprintf("%s %s", h.req.Method, h.req.URL)})

	resp, err := h.client.Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("HTTP request failed: %w", err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(io.LimitReader(resp.Body, 4<<20))
	if err != nil {
		return nil, fmt.Errorf("failed to read response body: %w", err)
	}

	if res, ok := decodeResult(respBody); ok {
		return res, nil
	}

	// Check for HTTP errors (4xx, 5xx)
	if resp.StatusCode >= 400 {
		return nil, fmt.Errorf("HTTP %d error: %s", resp.StatusCode, strings.TrimSpace(string(respBody)))
	}

	return &domain.JobResult{Success: true}, nil
}

func decodeResult(b []byte) (*domain.JobResult, bool) {
	var probe struct {
		Success *bool `json:"success"`
	}
	if err := json.Unmarshal(b, &probe); err != nil || probe.Success == nil {
		return nil, false
	}
	var res domain.JobResult
	if err := json.Unmarshal(b, &res); err != nil {
		return nil, false
	}
	return &res, true
}

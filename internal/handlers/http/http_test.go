package http

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"jobkeeper/internal/domain"
)

func newHandler(t *testing.T, url string, extra map[string]any) domain.Handler {
	t.Helper()
	cfg := map[string]any{"url": url}
	for k, v := range extra {
		cfg[k] = v
	}
	payload, err := json.Marshal(cfg)
	require.NoError(t, err)
	h, err := New(payload)
	require.NoError(t, err)
	return h
}

func TestNewRequiresURL(t *testing.T) {
	_, err := New(json.RawMessage(`{"method":"GET"}`))
	assert.Error(t, err)
}

func TestStructuredResponse(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodPost, r.Method)
		assert.Equal(t, "geo", r.Header.Get("X-Job-Id"))
		assert.Equal(t, "exe_1", r.Header.Get("X-Execution-Id"))
		body, _ := io.ReadAll(r.Body)
		assert.JSONEq(t, `{"region":"eu"}`, string(body))
		_, _ = w.Write([]byte(`{"success":false,"statistics":{"newItems":3},"warnings":[{"message":"slow"}]}`))
	}))
	defer srv.Close()

	h := newHandler(t, srv.URL, map[string]any{"body": map[string]string{"region": "us"}})
	res, err := h.Handle(context.Background(), domain.Request{
		JobID: "geo", ExecutionID: "exe_1", Options: json.RawMessage(`{"region":"eu"}`),
	})
	require.NoError(t, err)
	assert.False(t, res.Success)
	assert.Equal(t, int64(3), res.Statistics["newItems"])
	assert.Len(t, res.Warnings, 1)
}

func TestPlainSuccess(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "token", r.Header.Get("Authorization"))
		w.WriteHeader(http.StatusAccepted)
	}))
	defer srv.Close()

	h := newHandler(t, srv.URL, map[string]any{"method": "get", "headers": map[string]string{"Authorization": "token"}})
	res, err := h.Handle(context.Background(), domain.Request{})
	require.NoError(t, err)
	assert.True(t, res.Success)
}

func TestErrorStatus(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "upstream down", http.StatusServiceUnavailable)
	}))
	defer srv.Close()

	h := newHandler(t, srv.URL, nil)
	_, err := h.Handle(context.Background(), domain.Request{})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "HTTP 503")
	assert.Contains(t, err.Error(), "upstream down")
}

func TestTimeoutDefaultsToAttemptDeadline(t *testing.T) {
	h, err := New(json.RawMessage(`{"url":"http://localhost:1"}`))
	require.NoError(t, err)
	assert.Zero(t, h.(HTTP).client.Timeout)

	h, err = New(json.RawMessage(`{"url":"http://localhost:1","timeout":5}`))
	require.NoError(t, err)
	assert.Equal(t, 5*time.Second, h.(HTTP).client.Timeout)
}

func TestContextDeadlineBoundsRequest(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		select {
		case <-r.Context().Done():
		case <-time.After(3 * time.Second):
		}
	}))
	defer srv.Close()

	h := newHandler(t, srv.URL, nil)
	ctx, cancel := context.WithTimeout(context.Background(), 100*time.Millisecond)
	defer cancel()

	start := time.Now()
	_, err := h.Handle(ctx, domain.Request{})
	require.Error(t, err)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
	assert.Less(t, time.Since(start), time.Second)
}

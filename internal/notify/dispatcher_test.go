package notify

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"jobkeeper/internal/domain"
)

type auditCall struct {
	executionID string
	recipients  []string
	content     any
}

type fakeAudit struct {
	mu    sync.Mutex
	calls []auditCall
}

func (f *fakeAudit) RecordNotification(_ context.Context, executionID string, recipients []string, content any) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, auditCall{executionID, recipients, content})
}

func terminalExecution(status domain.ExecutionStatus) domain.JobExecution {
	started := time.Date(2026, 4, 1, 3, 0, 0, 0, time.UTC)
	completed := started.Add(90 * time.Second)
	dur := int64(90000)
	return domain.JobExecution{
		ID:          "exe_1",
		JobID:       "geo",
		JobName:     "Geo re-import",
		Status:      status,
		StartedAt:   started,
		CompletedAt: &completed,
		DurationMs:  &dur,
		TriggerType: domain.TriggerScheduled,
		RetryCount:  1,
		Result: &domain.JobResult{
			Success:    status == domain.StatusCompleted,
			Statistics: map[string]int64{"newItems": 5, "updated": 2},
			Warnings:   []domain.JobWarning{{Message: "slow upstream"}},
		},
	}
}

func quiet() *zerolog.Logger {
	l := zerolog.Nop()
	return &l
}

func TestBuild(t *testing.T) {
	def := domain.JobDefinition{ID: "geo", Name: "Geo re-import", Recipients: []string{"ops@example.com"}}
	n := Build(def, terminalExecution(domain.StatusCompleted))

	assert.Equal(t, "geo", n.JobID)
	assert.Equal(t, "exe_1", n.ExecutionID)
	assert.Equal(t, domain.StatusCompleted, n.Status)
	assert.Equal(t, int64(90000), n.DurationMs)
	assert.Equal(t, []string{"ops@example.com"}, n.Recipients)
	assert.Equal(t, "Geo re-import completed in 1m30s after 1 failed attempt(s); newItems=5, updated=2; 1 warning(s)", n.Summary)
}

func TestNotifyCompletionDelivers(t *testing.T) {
	audit := &fakeAudit{}
	var received []domain.JobCompletionNotification
	var mu sync.Mutex

	d := NewDispatcher(Options{
		Logger: quiet(),
		Audit:  audit,
		Transports: []Registration{{
			Name: "capture",
			Transport: TransportFunc(func(_ context.Context, n domain.JobCompletionNotification) error {
				mu.Lock()
				defer mu.Unlock()
				received = append(received, n)
				return nil
			}),
		}},
	})
	def := domain.JobDefinition{ID: "geo", Name: "Geo re-import", Recipients: []string{"ops@example.com"}}

	d.NotifyCompletion(context.Background(), def, terminalExecution(domain.StatusFailed))

	require.Len(t, received, 1)
	assert.Equal(t, domain.StatusFailed, received[0].Status)
	require.Len(t, audit.calls, 1)
	assert.Equal(t, "exe_1", audit.calls[0].executionID)
	assert.Equal(t, []string{"ops@example.com"}, audit.calls[0].recipients)
}

func TestNotifyCompletionNoRecipientsIsNoop(t *testing.T) {
	audit := &fakeAudit{}
	called := false
	d := NewDispatcher(Options{
		Logger: quiet(),
		Audit:  audit,
		Transports: []Registration{{Transport: TransportFunc(func(context.Context, domain.JobCompletionNotification) error {
			called = true
			return nil
		})}},
	})

	d.NotifyCompletion(context.Background(), domain.JobDefinition{ID: "geo"}, terminalExecution(domain.StatusCompleted))

	assert.False(t, called)
	assert.Empty(t, audit.calls)
}

func TestNotifyCompletionSwallowsTransportFailures(t *testing.T) {
	audit := &fakeAudit{}
	var delivered atomic.Int32
	d := NewDispatcher(Options{
		Logger: quiet(),
		Audit:  audit,
		Transports: []Registration{
			{Name: "fail", Transport: TransportFunc(func(context.Context, domain.JobCompletionNotification) error {
				return errors.New("smtp down")
			})},
			{Name: "panic", Transport: TransportFunc(func(context.Context, domain.JobCompletionNotification) error {
				panic("boom")
			})},
			{Name: "ok", Transport: TransportFunc(func(context.Context, domain.JobCompletionNotification) error {
				delivered.Add(1)
				return nil
			})},
		},
	})
	def := domain.JobDefinition{ID: "geo", Name: "Geo", Recipients: []string{"a@example.com"}}

	assert.NotPanics(t, func() {
		d.NotifyCompletion(context.Background(), def, terminalExecution(domain.StatusCompleted))
	})
	assert.Equal(t, int32(1), delivered.Load())
	assert.Len(t, audit.calls, 1)
}

func TestDispatcherEnabled(t *testing.T) {
	assert.False(t, NewDispatcher(Options{Logger: quiet()}).Enabled())
	assert.True(t, NewDispatcher(Options{Logger: quiet(), Transports: []Registration{{Transport: LogTransport{Logger: zerolog.Nop()}}}}).Enabled())
}

func TestWebhookTransportRetries(t *testing.T) {
	var hits atomic.Int32
	var got domain.JobCompletionNotification
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if hits.Add(1) == 1 {
			http.Error(w, "try again", http.StatusBadGateway)
			return
		}
		assert.Equal(t, "application/json", r.Header.Get("Content-Type"))
		assert.Equal(t, "secret", r.Header.Get("X-Token"))
		body, _ := io.ReadAll(r.Body)
		_ = json.Unmarshal(body, &got)
		w.WriteHeader(http.StatusNoContent)
	}))
	defer srv.Close()

	wt, err := NewWebhookTransport(WebhookConfig{URL: srv.URL, RetryLimit: 2, Headers: map[string]string{"X-Token": "secret"}})
	require.NoError(t, err)

	n := Build(domain.JobDefinition{ID: "geo", Name: "Geo", Recipients: []string{"a@example.com"}}, terminalExecution(domain.StatusCompleted))
	require.NoError(t, wt.Send(context.Background(), n))
	assert.Equal(t, int32(2), hits.Load())
	assert.Equal(t, "exe_1", got.ExecutionID)
}

func TestWebhookTransportGivesUp(t *testing.T) {
	var hits atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits.Add(1)
		http.Error(w, "nope", http.StatusInternalServerError)
	}))
	defer srv.Close()

	wt, err := NewWebhookTransport(WebhookConfig{URL: srv.URL, RetryLimit: 1})
	require.NoError(t, err)

	err = wt.Send(context.Background(), domain.JobCompletionNotification{ExecutionID: "exe_1"})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "HTTP 500")
	assert.Equal(t, int32(2), hits.Load())
}

func TestNewWebhookTransportRequiresURL(t *testing.T) {
	_, err := NewWebhookTransport(WebhookConfig{URL: "  "})
	assert.Error(t, err)
}

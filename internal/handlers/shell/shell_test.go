package shell

import (
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"jobkeeper/internal/domain"
)

func newShell(t *testing.T, script string) domain.Handler {
	t.Helper()
	payload, err := json.Marshal(Cmd{Command: "sh", Args: []string{"-c", script}})
	require.NoError(t, err)
	h, err := New(payload)
	require.NoError(t, err)
	return h
}

func TestNewRequiresCommand(t *testing.T) {
	_, err := New(json.RawMessage(`{"args":["x"]}`))
	assert.Error(t, err)
	_, err = New(json.RawMessage(`not json`))
	assert.Error(t, err)
}

func TestPlainCommandSucceeds(t *testing.T) {
	progress := make(chan domain.Progress, 4)
	h := newShell(t, "echo loading; echo done")

	res, err := h.Handle(context.Background(), domain.Request{JobID: "geo", Progress: progress})
	require.NoError(t, err)
	assert.True(t, res.Success)

	require.Len(t, progress, 2)
	p := <-progress
	assert.Equal(t, "loading", p.Message)
	assert.Equal(t, "geo", p.JobID)
}

func TestStructuredResultLine(t *testing.T) {
	h := newShell(t, `echo working; echo '{"success":false,"statistics":{"newItems":5},"errors":[{"code":"ROW_SKIPPED","message":"bad row"}]}'; exit 1`)

	res, err := h.Handle(context.Background(), domain.Request{})
	require.NoError(t, err)
	assert.False(t, res.Success)
	assert.Equal(t, int64(5), res.Statistics["newItems"])
	require.Len(t, res.Errors, 1)
	assert.Equal(t, "ROW_SKIPPED", res.Errors[0].Code)
}

func TestNonZeroExitIsError(t *testing.T) {
	h := newShell(t, "echo upstream down >&2; exit 3")

	_, err := h.Handle(context.Background(), domain.Request{})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "upstream down")
}

func TestOptionsAppendArgs(t *testing.T) {
	payload, err := json.Marshal(Cmd{Command: "sh", Args: []string{"-c", `echo "{\"success\":true,\"importId\":\"$0\"}"`}})
	require.NoError(t, err)
	h, err := New(payload)
	require.NoError(t, err)

	res, err := h.Handle(context.Background(), domain.Request{Options: json.RawMessage(`{"args":["q2-2026"]}`)})
	require.NoError(t, err)
	assert.True(t, res.Success)
	assert.Equal(t, "q2-2026", res.ImportID)
}

func TestCancelledContext(t *testing.T) {
	h := newShell(t, "sleep 5")
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := h.Handle(ctx, domain.Request{})
	assert.Error(t, err)
}

func TestTimeoutKillsChildProcesses(t *testing.T) {
	marker := filepath.Join(t.TempDir(), "still-running")
	h := newShell(t, "sleep 1; touch "+marker+"; echo done")

	ctx, cancel := context.WithTimeout(context.Background(), 100*time.Millisecond)
	defer cancel()

	start := time.Now()
	_, err := h.Handle(ctx, domain.Request{})
	require.Error(t, err)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
	assert.Less(t, time.Since(start), time.Second)

	time.Sleep(1500 * time.Millisecond)
	_, statErr := os.Stat(marker)
	assert.True(t, os.IsNotExist(statErr), "child of a timed out command kept running")
}

package retry

import (
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"jobkeeper/internal/domain"
)

func TestDecide(t *testing.T) {
	p := New(nil, "")
	upstream := errors.New("upstream down")

	tests := []struct {
		name       string
		retryCount int
		maxRetries int
		res        *domain.JobResult
		err        error
		want       Decision
	}{
		{"success", 0, 3, &domain.JobResult{Success: true}, nil, Complete},
		{"partial with progress", 0, 3, &domain.JobResult{Statistics: map[string]int64{"newItems": 5}}, nil, AcceptPartial},
		{"partial with warnings", 2, 3, &domain.JobResult{
			Statistics: map[string]int64{"newItems": 1},
			Errors:     []domain.JobError{{Code: "ROW_SKIPPED", Message: "bad row"}},
			Warnings:   []domain.JobWarning{{Message: "slow"}},
		}, nil, AcceptPartial},
		{"no progress no errors", 0, 3, &domain.JobResult{Statistics: map[string]int64{"newItems": 0}}, nil, Retry},
		{"fatal with progress", 0, 3, &domain.JobResult{
			Statistics: map[string]int64{"newItems": 9},
			Errors:     []domain.JobError{{Code: domain.CodeImportFailed, Message: "import broke"}},
		}, nil, Retry},
		{"thrown", 1, 3, nil, upstream, Retry},
		{"thrown last attempt", 3, 3, nil, upstream, Stop},
		{"zero retries", 0, 0, nil, upstream, Stop},
		{"nil result nil error", 0, 1, nil, nil, Retry},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			v := p.Decide(tt.retryCount, tt.maxRetries, tt.res, tt.err)
			assert.Equal(t, tt.want, v.Decision, "got %s", v.Decision)
			if tt.want.Finished() {
				assert.NoError(t, v.Cause)
			} else {
				assert.Error(t, v.Cause)
			}
		})
	}
}

func TestDecideRecordsFirstFatal(t *testing.T) {
	p := New(nil, "")
	v := p.Decide(0, 2, &domain.JobResult{
		Errors: []domain.JobError{
			{Code: "ROW_SKIPPED", Message: "bad row"},
			{Code: domain.CodeImportFailed, Message: "first fatal"},
			{Code: domain.CodeTimeout, Message: "second fatal"},
		},
	}, nil)

	require.Equal(t, Retry, v.Decision)
	var fe *FatalError
	require.True(t, errors.As(v.Cause, &fe))
	assert.Equal(t, domain.CodeImportFailed, fe.Code)
	assert.Equal(t, "first fatal", fe.Error())
}

func TestDecideThrownErrorKeptVerbatim(t *testing.T) {
	cause := errors.New("upstream down")
	v := New(nil, "").Decide(0, 3, nil, cause)
	assert.Same(t, cause, v.Cause)
}

func TestCustomPolicy(t *testing.T) {
	p := New([]string{"OCR_ENGINE_DOWN"}, "pagesProcessed")

	assert.True(t, p.IsFatal("OCR_ENGINE_DOWN"))
	assert.False(t, p.IsFatal(domain.CodeImportFailed))

	v := p.Decide(0, 3, &domain.JobResult{
		Statistics: map[string]int64{"pagesProcessed": 3, "newItems": 0},
		Errors:     []domain.JobError{{Code: domain.CodeImportFailed}},
	}, nil)
	assert.Equal(t, AcceptPartial, v.Decision)

	v = p.Decide(0, 3, &domain.JobResult{Statistics: map[string]int64{"newItems": 3}}, nil)
	assert.Equal(t, Retry, v.Decision)
}

func TestBackoff(t *testing.T) {
	assert.Equal(t, time.Duration(0), Backoff(0, time.Second))
	assert.Equal(t, time.Second, Backoff(1, time.Second))
	assert.Equal(t, 3*time.Second, Backoff(3, time.Second))
	assert.Equal(t, time.Duration(0), Backoff(2, 0))
}

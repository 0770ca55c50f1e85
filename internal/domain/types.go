package domain

import (
	"context"
	"encoding/json"
	"time"
)

type ExecutionStatus string

const (
	StatusRunning   ExecutionStatus = "running"
	StatusCompleted ExecutionStatus = "completed"
	StatusFailed    ExecutionStatus = "failed"
)

// Terminal reports whether the status is final.
func (s ExecutionStatus) Terminal() bool {
	return s == StatusCompleted || s == StatusFailed
}

type TriggerType string

const (
	TriggerScheduled TriggerType = "scheduled"
	TriggerManual    TriggerType = "manual"
)

// Error codes produced by the orchestrator itself.
const (
	CodeImportFailed = "IMPORT_FAILED"
	CodeHandlerError = "HANDLER_ERROR"
	CodeTimeout      = "TIMEOUT"
	CodeInterrupted  = "INTERRUPTED"
)

// DefaultFatalCodes disqualify a result from the partial-success exemption
// when a definition does not configure its own set.
var DefaultFatalCodes = []string{CodeImportFailed, CodeHandlerError, CodeTimeout}

// DefaultProgressStat is the statistics key measuring forward progress.
const DefaultProgressStat = "newItems"

// JobDefinition is built once at startup and never mutated.
type JobDefinition struct {
	ID           string
	Name         string
	Description  string
	CronExpr     string
	Enabled      bool
	MaxRetries   int
	RetryDelay   time.Duration
	Timeout      time.Duration
	Recipients   []string
	FatalCodes   []string
	ProgressStat string
	Handler      Handler
}

type JobError struct {
	Code    string         `json:"code"`
	Message string         `json:"message"`
	Details map[string]any `json:"details,omitempty"`
}

type JobWarning struct {
	Code    string `json:"code,omitempty"`
	Message string `json:"message"`
}

// JobResult is what a handler reports for one attempt.
type JobResult struct {
	ImportID      string           `json:"importId,omitempty"`
	Success       bool             `json:"success"`
	Statistics    map[string]int64 `json:"statistics,omitempty"`
	AffectedCount int64            `json:"affectedCount"`
	Errors        []JobError       `json:"errors,omitempty"`
	Warnings      []JobWarning     `json:"warnings,omitempty"`
}

type JobExecution struct {
	ID           string          `json:"id"`
	JobID        string          `json:"jobId"`
	JobName      string          `json:"jobName"`
	Status       ExecutionStatus `json:"status"`
	StartedAt    time.Time       `json:"startedAt"`
	CompletedAt  *time.Time      `json:"completedAt"`
	DurationMs   *int64          `json:"durationMs"`
	TriggerType  TriggerType     `json:"triggerType"`
	TriggeredBy  *string         `json:"triggeredBy"`
	Result       *JobResult      `json:"result"`
	ErrorMessage *string         `json:"errorMessage"`
	ErrorStack   *string         `json:"errorStack,omitempty"`
	RetryCount   int             `json:"retryCount"`
	MaxRetries   int             `json:"maxRetries"`
	Metadata     map[string]any  `json:"metadata,omitempty"`
	CreatedAt    time.Time       `json:"createdAt"`
	UpdatedAt    time.Time       `json:"updatedAt"`
}

// NewExecution holds the fields needed to open an execution record.
type NewExecution struct {
	JobID       string
	JobName     string
	TriggerType TriggerType
	TriggeredBy *string
	MaxRetries  int
	Metadata    map[string]any
}

// ExecutionUpdate is a partial update; nil fields are left untouched.
type ExecutionUpdate struct {
	Status       *ExecutionStatus
	CompletedAt  *time.Time
	DurationMs   *int64
	Result       *JobResult
	ErrorMessage *string
	ErrorStack   *string
	RetryCount   *int
}

// JobCompletionNotification is derived from a terminal execution.
type JobCompletionNotification struct {
	JobID        string          `json:"jobId"`
	JobName      string          `json:"jobName"`
	ExecutionID  string          `json:"executionId"`
	Status       ExecutionStatus `json:"status"`
	TriggerType  TriggerType     `json:"triggerType"`
	TriggeredBy  *string         `json:"triggeredBy,omitempty"`
	StartedAt    time.Time       `json:"startedAt"`
	CompletedAt  time.Time       `json:"completedAt"`
	DurationMs   int64           `json:"durationMs"`
	RetryCount   int             `json:"retryCount"`
	Summary      string          `json:"summary"`
	Result       *JobResult      `json:"result,omitempty"`
	ErrorMessage string          `json:"errorMessage,omitempty"`
	Recipients   []string        `json:"recipients"`
}

// Progress is emitted by handlers while an attempt runs.
type Progress struct {
	JobID       string           `json:"jobId"`
	ExecutionID string           `json:"executionId"`
	Attempt     int              `json:"attempt"`
	Message     string           `json:"message"`
	Counters    map[string]int64 `json:"counters,omitempty"`
	At          time.Time        `json:"at"`
}

// Request is passed to a handler for each attempt. Progress may be nil.
type Request struct {
	JobID       string
	ExecutionID string
	Attempt     int
	Options     json.RawMessage
	Progress    chan<- Progress
}

// Report sends a progress event without blocking the handler.
func (r Request) Report(p Progress) {
	if r.Progress == nil {
		return
	}
	if p.At.IsZero() {
		p.At = time.Now().UTC()
	}
	p.JobID = r.JobID
	p.ExecutionID = r.ExecutionID
	p.Attempt = r.Attempt
	select {
	case r.Progress <- p:
	default:
	}
}

type Handler interface {
	Handle(ctx context.Context, req Request) (*JobResult, error)
}

// HandlerFunc adapts a function to the Handler interface.
type HandlerFunc func(ctx context.Context, req Request) (*JobResult, error)

func (f HandlerFunc) Handle(ctx context.Context, req Request) (*JobResult, error) {
	return f(ctx, req)
}

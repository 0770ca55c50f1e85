package tracker

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"jobkeeper/internal/domain"
)

var ErrNotFound = errors.New("execution not found")

// EnsureSchema creates tables if they don't exist.
func EnsureSchema(db *sql.DB) error {
	schema := `
PRAGMA journal_mode=WAL;
CREATE TABLE IF NOT EXISTS job_executions (
  id TEXT PRIMARY KEY,
  job_id TEXT NOT NULL,
  job_name TEXT NOT NULL,
  status TEXT NOT NULL CHECK(status IN ('running','completed','failed')) DEFAULT 'running',
  started_at DATETIME NOT NULL,
  completed_at DATETIME,
  duration_ms INTEGER,
  trigger_type TEXT NOT NULL CHECK(trigger_type IN ('scheduled','manual')),
  triggered_by TEXT,
  result TEXT,
  error_message TEXT,
  error_stack TEXT,
  retry_count INTEGER NOT NULL DEFAULT 0,
  max_retries INTEGER NOT NULL DEFAULT 0,
  metadata TEXT,
  created_at DATETIME NOT NULL,
  updated_at DATETIME NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_job_executions_job_started ON job_executions(job_id, started_at DESC);
CREATE INDEX IF NOT EXISTS idx_job_executions_status ON job_executions(status);
CREATE TABLE IF NOT EXISTS job_notifications (
  id INTEGER PRIMARY KEY AUTOINCREMENT,
  execution_id TEXT NOT NULL,
  recipients TEXT NOT NULL,
  sent_at DATETIME NOT NULL,
  content TEXT NOT NULL,
  FOREIGN KEY(execution_id) REFERENCES job_executions(id)
);
CREATE INDEX IF NOT EXISTS idx_job_notifications_execution ON job_notifications(execution_id);
`
	_, err := db.Exec(schema)
	return err
}

type Tracker interface {
	CreateExecution(ctx context.Context, n domain.NewExecution) (*domain.JobExecution, error)
	UpdateExecution(ctx context.Context, id string, u domain.ExecutionUpdate) error
	GetExecution(ctx context.Context, id string) (*domain.JobExecution, error)
	GetLastExecution(ctx context.Context, jobID string) (*domain.JobExecution, error)
	GetHistory(ctx context.Context, jobID string, limit int) ([]domain.JobExecution, error)
	// RecordNotification is best effort: failures are logged, never returned.
	RecordNotification(ctx context.Context, executionID string, recipients []string, content any)
	RecoverInterrupted(ctx context.Context) (int, error)
}

type Option func(*SQLiteTracker)

// WithClock overrides the time source used for timestamps.
func WithClock(now func() time.Time) Option {
	return func(t *SQLiteTracker) { t.now = now }
}

func WithLogger(l zerolog.Logger) Option {
	return func(t *SQLiteTracker) { t.log = l }
}

type SQLiteTracker struct {
	db  *sql.DB
	now func() time.Time
	log zerolog.Logger
}

func NewSQLiteTracker(db *sql.DB, opts ...Option) *SQLiteTracker {
	t := &SQLiteTracker{
		db:  db,
		now: time.Now,
		log: log.Logger.With().Str("component", "tracker").Logger(),
	}
	for _, o := range opts {
		o(t)
	}
	return t
}

const executionColumns = `id,job_id,job_name,status,started_at,completed_at,duration_ms,trigger_type,triggered_by,result,error_message,error_stack,retry_count,max_retries,metadata,created_at,updated_at`

func (t *SQLiteTracker) CreateExecution(ctx context.Context, n domain.NewExecution) (*domain.JobExecution, error) {
	now := t.now().UTC()
	e := &domain.JobExecution{
		ID:          "exe_" + uuid.NewString(),
		JobID:       n.JobID,
		JobName:     n.JobName,
		Status:      domain.StatusRunning,
		StartedAt:   now,
		TriggerType: n.TriggerType,
		TriggeredBy: n.TriggeredBy,
		MaxRetries:  n.MaxRetries,
		Metadata:    n.Metadata,
		CreatedAt:   now,
		UpdatedAt:   now,
	}

	meta, err := marshalNullable(n.Metadata)
	if err != nil {
		return nil, fmt.Errorf("encode metadata: %w", err)
	}

	_, err = t.db.ExecContext(ctx, `
INSERT INTO job_executions (id,job_id,job_name,status,started_at,trigger_type,triggered_by,retry_count,max_retries,metadata,created_at,updated_at)
VALUES (?,?,?,'running',?,?,?,0,?,?,?,?)
`, e.ID, e.JobID, e.JobName, e.StartedAt, string(e.TriggerType), e.TriggeredBy, e.MaxRetries, meta, e.CreatedAt, e.UpdatedAt)
	if err != nil {
		return nil, fmt.Errorf("insert execution: %w", err)
	}
	return e, nil
}

func (t *SQLiteTracker) UpdateExecution(ctx context.Context, id string, u domain.ExecutionUpdate) error {
	sets := make([]string, 0, 8)
	args := make([]any, 0, 9)

	if u.Status != nil {
		sets = append(sets, "status=?")
		args = append(args, string(*u.Status))
	}
	if u.CompletedAt != nil {
		sets = append(sets, "completed_at=?")
		args = append(args, u.CompletedAt.UTC())
	}
	if u.DurationMs != nil {
		sets = append(sets, "duration_ms=?")
		args = append(args, *u.DurationMs)
	}
	if u.Result != nil {
		b, err := json.Marshal(u.Result)
		if err != nil {
			return fmt.Errorf("encode result: %w", err)
		}
		sets = append(sets, "result=?")
		args = append(args, string(b))
	}
	if u.ErrorMessage != nil {
		sets = append(sets, "error_message=?")
		args = append(args, *u.ErrorMessage)
	}
	if u.ErrorStack != nil {
		sets = append(sets, "error_stack=?")
		args = append(args, *u.ErrorStack)
	}
	if u.RetryCount != nil {
		sets = append(sets, "retry_count=?")
		args = append(args, *u.RetryCount)
	}
	if len(sets) == 0 {
		return nil
	}

	sets = append(sets, "updated_at=?")
	args = append(args, t.now().UTC(), id)

	res, err := t.db.ExecContext(ctx, `UPDATE job_executions SET `+strings.Join(sets, ",")+` WHERE id=?`, args...)
	if err != nil {
		return fmt.Errorf("update execution %s: %w", id, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

func (t *SQLiteTracker) GetExecution(ctx context.Context, id string) (*domain.JobExecution, error) {
	row := t.db.QueryRowContext(ctx, `SELECT `+executionColumns+` FROM job_executions WHERE id=?`, id)
	return scanExecution(row)
}

func (t *SQLiteTracker) GetLastExecution(ctx context.Context, jobID string) (*domain.JobExecution, error) {
	row := t.db.QueryRowContext(ctx, `
SELECT `+executionColumns+`
FROM job_executions WHERE job_id=?
ORDER BY started_at DESC, created_at DESC LIMIT 1`, jobID)
	return scanExecution(row)
}

func (t *SQLiteTracker) GetHistory(ctx context.Context, jobID string, limit int) ([]domain.JobExecution, error) {
	if limit <= 0 {
		return nil, nil
	}
	rows, err := t.db.QueryContext(ctx, `
SELECT `+executionColumns+`
FROM job_executions WHERE job_id=?
ORDER BY started_at DESC, created_at DESC LIMIT ?`, jobID, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []domain.JobExecution
	for rows.Next() {
		e, err := scanExecution(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *e)
	}
	return out, rows.Err()
}

func (t *SQLiteTracker) RecordNotification(ctx context.Context, executionID string, recipients []string, content any) {
	logger := t.log.With().Str("execution_id", executionID).Logger()

	rcpt, err := json.Marshal(recipients)
	if err != nil {
		logger.Error().Err(err).Msg("encode notification recipients")
		return
	}
	body, err := json.Marshal(content)
	if err != nil {
		logger.Error().Err(err).Msg("encode notification content")
		return
	}
	_, err = t.db.ExecContext(ctx, `
INSERT INTO job_notifications (execution_id,recipients,sent_at,content) VALUES (?,?,?,?)`,
		executionID, string(rcpt), t.now().UTC(), string(body))
	if err != nil {
		logger.Error().Err(err).Msg("record notification")
	}
}

// RecoverInterrupted fails executions left running by a previous process.
// Each row gets its single terminal update here, timed by the tracker clock.
func (t *SQLiteTracker) RecoverInterrupted(ctx context.Context) (int, error) {
	now := t.now().UTC()
	res, err := json.Marshal(domain.JobResult{
		Success: false,
		Errors: []domain.JobError{{
			Code:    domain.CodeInterrupted,
			Message: "process stopped before the execution finished",
		}},
	})
	if err != nil {
		return 0, err
	}

	type stale struct {
		id        string
		startedAt time.Time
	}
	rows, err := t.db.QueryContext(ctx, `SELECT id, started_at FROM job_executions WHERE status='running'`)
	if err != nil {
		return 0, err
	}
	var found []stale
	for rows.Next() {
		var s stale
		if err := rows.Scan(&s.id, &s.startedAt); err != nil {
			rows.Close()
			return 0, err
		}
		found = append(found, s)
	}
	if err := rows.Err(); err != nil {
		rows.Close()
		return 0, err
	}
	rows.Close()

	recovered := 0
	for _, s := range found {
		duration := now.Sub(s.startedAt).Milliseconds()
		if duration < 0 {
			duration = 0
		}
		out, err := t.db.ExecContext(ctx, `
UPDATE job_executions
SET status='failed', completed_at=?, duration_ms=?, result=?, error_message=?, updated_at=?
WHERE id=? AND status='running'`, now, duration, string(res), "execution interrupted by process restart", now, s.id)
		if err != nil {
			return recovered, fmt.Errorf("recover %s: %w", s.id, err)
		}
		if n, _ := out.RowsAffected(); n > 0 {
			recovered++
		}
	}
	return recovered, nil
}

type scanner interface {
	Scan(dest ...any) error
}

func scanExecution(s scanner) (*domain.JobExecution, error) {
	var (
		e           domain.JobExecution
		status      string
		trigger     string
		completedAt sql.NullTime
		durationMs  sql.NullInt64
		triggeredBy sql.NullString
		result      sql.NullString
		errMsg      sql.NullString
		errStack    sql.NullString
		metadata    sql.NullString
	)
	err := s.Scan(&e.ID, &e.JobID, &e.JobName, &status, &e.StartedAt, &completedAt, &durationMs,
		&trigger, &triggeredBy, &result, &errMsg, &errStack, &e.RetryCount, &e.MaxRetries, &metadata,
		&e.CreatedAt, &e.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}

	e.Status = domain.ExecutionStatus(status)
	e.TriggerType = domain.TriggerType(trigger)
	if completedAt.Valid {
		ts := completedAt.Time
		e.CompletedAt = &ts
	}
	if durationMs.Valid {
		d := durationMs.Int64
		e.DurationMs = &d
	}
	if triggeredBy.Valid {
		s := triggeredBy.String
		e.TriggeredBy = &s
	}
	if errMsg.Valid {
		s := errMsg.String
		e.ErrorMessage = &s
	}
	if errStack.Valid {
		s := errStack.String
		e.ErrorStack = &s
	}
	if result.Valid && result.String != "" {
		var r domain.JobResult
		if err := json.Unmarshal([]byte(result.String), &r); err != nil {
			return nil, fmt.Errorf("decode result of %s: %w", e.ID, err)
		}
		e.Result = &r
	}
	if metadata.Valid && metadata.String != "" {
		if err := json.Unmarshal([]byte(metadata.String), &e.Metadata); err != nil {
			return nil, fmt.Errorf("decode metadata of %s: %w", e.ID, err)
		}
	}
	return &e, nil
}

func marshalNullable(v map[string]any) (sql.NullString, error) {
	if len(v) == 0 {
		return sql.NullString{}, nil
	}
	b, err := json.Marshal(v)
	if err != nil {
		return sql.NullString{}, err
	}
	return sql.NullString{String: string(b), Valid: true}, nil
}

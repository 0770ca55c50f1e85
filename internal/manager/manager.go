// Package manager runs job definitions: one Manager per job owns the
// single-flight guard, drives the retry loop and answers status queries.
package manager

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"runtime/debug"
	"sort"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"jobkeeper/internal/domain"
	"jobkeeper/internal/retry"
	"jobkeeper/internal/scheduler"
	"jobkeeper/internal/tracker"
)

// HistoryLimit is the number of executions returned by Status.
const HistoryLimit = 10

var (
	ErrAlreadyRunning = errors.New("job is already running")
	ErrUnknownJob     = errors.New("unknown job")
	ErrAttemptTimeout = errors.New("attempt timed out")
	ErrShuttingDown   = errors.New("job manager is shutting down")
)

// PanicError is a recovered handler panic.
type PanicError struct {
	Value any
	Stack string
}

func (e *PanicError) Error() string { return fmt.Sprintf("handler panic: %v", e.Value) }

type Scheduler interface {
	Register(expr string, fn func()) (scheduler.EntryID, error)
	Remove(id scheduler.EntryID)
}

type Notifier interface {
	NotifyCompletion(ctx context.Context, def domain.JobDefinition, exec domain.JobExecution)
}

type Deps struct {
	Tracker   tracker.Tracker
	Scheduler Scheduler
	Notifier  Notifier
	Logger    *zerolog.Logger
	// Progress optionally receives handler progress events. Sends never block.
	Progress chan<- domain.Progress
	Clock    func() time.Time
}

type ManualRequest struct {
	TriggeredBy string          `json:"triggered_by"`
	Options     json.RawMessage `json:"options"`
}

type TriggerResponse struct {
	ExecutionID string                 `json:"executionId"`
	JobID       string                 `json:"jobId"`
	JobName     string                 `json:"jobName"`
	Status      domain.ExecutionStatus `json:"status"`
	StartedAt   time.Time              `json:"startedAt"`
	Message     string                 `json:"message"`
}

type ExecutionSummary struct {
	ID           string                 `json:"id"`
	Status       domain.ExecutionStatus `json:"status"`
	TriggerType  domain.TriggerType     `json:"triggerType"`
	TriggeredBy  *string                `json:"triggeredBy"`
	StartedAt    time.Time              `json:"startedAt"`
	CompletedAt  *time.Time             `json:"completedAt"`
	DurationMs   *int64                 `json:"durationMs"`
	RetryCount   int                    `json:"retryCount"`
	ErrorMessage *string                `json:"errorMessage"`
}

type JobStatus struct {
	JobID            string               `json:"jobId"`
	JobName          string               `json:"jobName"`
	Description      string               `json:"description"`
	Enabled          bool                 `json:"enabled"`
	CronExpression   string               `json:"cronExpression"`
	CronDescription  string               `json:"cronDescription"`
	SchedulerActive  bool                 `json:"schedulerActive"`
	LastExecution    *domain.JobExecution `json:"lastExecution"`
	NextScheduledRun *time.Time           `json:"nextScheduledRun"`
	CurrentlyRunning bool                 `json:"currentlyRunning"`
	ExecutionHistory []ExecutionSummary   `json:"executionHistory"`
}

type Manager struct {
	def      domain.JobDefinition
	policy   retry.Policy
	tracker  tracker.Tracker
	sched    Scheduler
	notifier Notifier
	log      zerolog.Logger
	progress chan<- domain.Progress
	now      func() time.Time
	sleep    func(ctx context.Context, d time.Duration) error

	mu         sync.Mutex
	running    bool
	closing    bool
	current    *domain.JobExecution
	registered bool
	entryID    scheduler.EntryID
	inflight   sync.WaitGroup
}

func New(def domain.JobDefinition, deps Deps) (*Manager, error) {
	switch {
	case def.ID == "":
		return nil, errors.New("job id is required")
	case def.Handler == nil:
		return nil, fmt.Errorf("job %s: handler is required", def.ID)
	case deps.Tracker == nil:
		return nil, fmt.Errorf("job %s: tracker is required", def.ID)
	case def.MaxRetries < 0:
		return nil, fmt.Errorf("job %s: max retries must not be negative", def.ID)
	}
	if def.Enabled {
		if err := scheduler.ValidateCronExpression(def.CronExpr); err != nil {
			return nil, fmt.Errorf("job %s: invalid cron expression: %w", def.ID, err)
		}
	}
	if def.Name == "" {
		def.Name = def.ID
	}

	logger := log.Logger
	if deps.Logger != nil {
		logger = *deps.Logger
	}
	clock := deps.Clock
	if clock == nil {
		clock = time.Now
	}

	return &Manager{
		def:      def,
		policy:   retry.ForDefinition(def),
		tracker:  deps.Tracker,
		sched:    deps.Scheduler,
		notifier: deps.Notifier,
		log:      logger.With().Str("job_id", def.ID).Logger(),
		progress: deps.Progress,
		now:      clock,
		sleep:    sleepCtx,
	}, nil
}

func (m *Manager) Definition() domain.JobDefinition { return m.def }

// Start registers the cron trigger. Calling it again is a no-op.
func (m *Manager) Start() error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.closing {
		return fmt.Errorf("job %s: %w", m.def.ID, ErrShuttingDown)
	}
	if m.registered {
		m.log.Info().Msg("job already scheduled")
		return nil
	}
	if !m.def.Enabled {
		m.log.Info().Msg("job disabled, not scheduling")
		return nil
	}
	if m.sched == nil {
		return fmt.Errorf("job %s: no scheduler configured", m.def.ID)
	}

	id, err := m.sched.Register(m.def.CronExpr, m.RunScheduled)
	if err != nil {
		return fmt.Errorf("job %s: %w", m.def.ID, err)
	}
	m.entryID = id
	m.registered = true

	ev := m.log.Info().Str("cron_expr", m.def.CronExpr)
	if next, err := scheduler.NextRunTime(m.def.CronExpr, m.now()); err == nil {
		ev = ev.Time("next_run", next)
	}
	ev.Msg("job scheduled")
	return nil
}

// Stop deregisters the cron trigger. An in-flight run is left to finish.
func (m *Manager) Stop() {
	m.mu.Lock()
	defer m.mu.Unlock()

	if !m.registered {
		m.log.Debug().Msg("job not scheduled, nothing to stop")
		return
	}
	m.sched.Remove(m.entryID)
	m.registered = false
	m.entryID = 0
	m.log.Info().Msg("job unscheduled")
}

// Close deregisters the trigger and refuses every later run, manual or
// scheduled. A run already in flight finishes; Wait observes it.
func (m *Manager) Close() {
	m.mu.Lock()
	m.closing = true
	m.mu.Unlock()
	m.Stop()
}

// TriggerManual starts a run and returns without waiting for it.
func (m *Manager) TriggerManual(ctx context.Context, req ManualRequest) (TriggerResponse, error) {
	var by *string
	if req.TriggeredBy != "" {
		s := req.TriggeredBy
		by = &s
	}
	exec, err := m.begin(ctx, domain.TriggerManual, by, req.Options)
	if err != nil {
		return TriggerResponse{}, err
	}
	return TriggerResponse{
		ExecutionID: exec.ID,
		JobID:       m.def.ID,
		JobName:     m.def.Name,
		Status:      domain.StatusRunning,
		StartedAt:   exec.StartedAt,
		Message:     fmt.Sprintf("%s started", m.def.Name),
	}, nil
}

// RunScheduled is the cron callback. A firing during an active run is dropped.
func (m *Manager) RunScheduled() {
	_, err := m.begin(context.Background(), domain.TriggerScheduled, nil, nil)
	switch {
	case errors.Is(err, ErrAlreadyRunning):
		m.log.Debug().Msg("scheduled firing skipped, job already running")
	case errors.Is(err, ErrShuttingDown):
		m.log.Debug().Msg("scheduled firing skipped, shutting down")
	case err != nil:
		m.log.Error().Err(err).Msg("scheduled run failed to start")
	}
}

func (m *Manager) IsRunning() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.running
}

// CurrentExecution returns a copy of the in-flight execution, or nil.
func (m *Manager) CurrentExecution() *domain.JobExecution {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.current == nil {
		return nil
	}
	c := *m.current
	return &c
}

// Wait blocks until the in-flight run, if any, has released the job.
func (m *Manager) Wait() {
	m.inflight.Wait()
}

func (m *Manager) Execution(ctx context.Context, id string) (*domain.JobExecution, error) {
	e, err := m.tracker.GetExecution(ctx, id)
	if err != nil {
		return nil, err
	}
	if e.JobID != m.def.ID {
		return nil, tracker.ErrNotFound
	}
	return e, nil
}

func (m *Manager) Status(ctx context.Context) (JobStatus, error) {
	m.mu.Lock()
	registered, running := m.registered, m.running
	m.mu.Unlock()

	st := JobStatus{
		JobID:            m.def.ID,
		JobName:          m.def.Name,
		Description:      m.def.Description,
		Enabled:          m.def.Enabled,
		CronExpression:   m.def.CronExpr,
		CronDescription:  scheduler.Describe(m.def.CronExpr),
		SchedulerActive:  registered,
		CurrentlyRunning: running,
		ExecutionHistory: []ExecutionSummary{},
	}

	last, err := m.tracker.GetLastExecution(ctx, m.def.ID)
	switch {
	case errors.Is(err, tracker.ErrNotFound):
	case err != nil:
		return JobStatus{}, fmt.Errorf("last execution: %w", err)
	default:
		st.LastExecution = last
	}

	hist, err := m.tracker.GetHistory(ctx, m.def.ID, HistoryLimit)
	if err != nil {
		return JobStatus{}, fmt.Errorf("execution history: %w", err)
	}
	sort.SliceStable(hist, func(i, j int) bool { return hist[i].StartedAt.After(hist[j].StartedAt) })
	if len(hist) > HistoryLimit {
		hist = hist[:HistoryLimit]
	}
	for _, e := range hist {
		st.ExecutionHistory = append(st.ExecutionHistory, summarize(e))
	}

	if registered {
		if next, err := scheduler.NextRunTime(m.def.CronExpr, m.now()); err == nil {
			st.NextScheduledRun = &next
		}
	}
	return st, nil
}

func summarize(e domain.JobExecution) ExecutionSummary {
	return ExecutionSummary{
		ID:           e.ID,
		Status:       e.Status,
		TriggerType:  e.TriggerType,
		TriggeredBy:  e.TriggeredBy,
		StartedAt:    e.StartedAt,
		CompletedAt:  e.CompletedAt,
		DurationMs:   e.DurationMs,
		RetryCount:   e.RetryCount,
		ErrorMessage: e.ErrorMessage,
	}
}

// begin claims the single-flight flag, opens the execution record and
// launches the run. The flag is taken before any blocking call.
func (m *Manager) begin(ctx context.Context, trigger domain.TriggerType, by *string, opts json.RawMessage) (*domain.JobExecution, error) {
	m.mu.Lock()
	if m.closing {
		m.mu.Unlock()
		return nil, ErrShuttingDown
	}
	if m.running {
		m.mu.Unlock()
		return nil, ErrAlreadyRunning
	}
	m.running = true
	m.inflight.Add(1)
	m.mu.Unlock()

	exec, err := m.tracker.CreateExecution(ctx, domain.NewExecution{
		JobID:       m.def.ID,
		JobName:     m.def.Name,
		TriggerType: trigger,
		TriggeredBy: by,
		MaxRetries:  m.def.MaxRetries,
	})
	if err != nil {
		m.release()
		return nil, fmt.Errorf("create execution: %w", err)
	}

	m.mu.Lock()
	m.current = exec
	m.mu.Unlock()

	logger := m.log.With().Str("execution_id", exec.ID).Str("trigger", string(trigger)).Logger()
	if by != nil {
		logger = logger.With().Str("triggered_by", *by).Logger()
	}
	logger.Info().Msg("job started")

	go m.run(*exec, opts, logger)
	return exec, nil
}

func (m *Manager) release() {
	m.mu.Lock()
	m.running = false
	m.current = nil
	m.mu.Unlock()
	m.inflight.Done()
}

func (m *Manager) run(exec domain.JobExecution, opts json.RawMessage, logger zerolog.Logger) {
	defer m.release()
	ctx := context.Background()

	progress, stopProgress := m.forwardProgress(logger)

	var (
		retryCount int
		lastErr    error
		result     *domain.JobResult
		finished   bool
	)
	for retryCount <= m.def.MaxRetries {
		if retryCount > 0 {
			delay := retry.Backoff(retryCount, m.def.RetryDelay)
			logger.Info().Int("retry", retryCount).Dur("delay", delay).Msg("retrying job")
			_ = m.sleep(ctx, delay)
		}

		res, err := m.attempt(ctx, exec, retryCount, opts, progress)
		result = res

		v := m.policy.Decide(retryCount, m.def.MaxRetries, res, err)
		if v.Decision.Finished() {
			finished = true
			if v.Decision == retry.AcceptPartial {
				logger.Warn().Int("errors", len(res.Errors)).Int("warnings", len(res.Warnings)).
					Int64("progress", m.policy.Progress(res)).Msg("accepting partial success")
			}
			break
		}

		lastErr = v.Cause
		retryCount++
		logger.Warn().Err(lastErr).Int("attempt", retryCount).Int("max_retries", m.def.MaxRetries).
			Str("decision", v.Decision.String()).Msg("job attempt failed")
	}
	stopProgress()

	status := domain.StatusFailed
	if finished {
		status = domain.StatusCompleted
	}
	if result == nil {
		result = failureResult(lastErr)
	}

	completedAt := m.now().UTC()
	duration := completedAt.Sub(exec.StartedAt).Milliseconds()
	if duration < 0 {
		duration = 0
	}

	upd := domain.ExecutionUpdate{
		Status:      &status,
		CompletedAt: &completedAt,
		DurationMs:  &duration,
		Result:      result,
		RetryCount:  &retryCount,
	}
	if !finished && lastErr != nil {
		msg := lastErr.Error()
		upd.ErrorMessage = &msg
		if stack := errorStack(lastErr); stack != "" {
			upd.ErrorStack = &stack
		}
	}

	if err := m.tracker.UpdateExecution(ctx, exec.ID, upd); err != nil {
		logger.Error().Err(err).Msg("failed to persist execution result")
	}

	exec.Status = status
	exec.CompletedAt = &completedAt
	exec.DurationMs = &duration
	exec.Result = result
	exec.RetryCount = retryCount
	exec.ErrorMessage = upd.ErrorMessage
	exec.ErrorStack = upd.ErrorStack

	ev := logger.Info()
	if status == domain.StatusFailed {
		ev = logger.Error().Err(lastErr)
	}
	ev.Str("status", string(status)).Int("retry_count", retryCount).Int64("duration_ms", duration).Msg("job finished")

	if m.notifier != nil {
		m.notifier.NotifyCompletion(ctx, m.def, exec)
	}
}

// attempt runs the handler once, racing it against the per-attempt timeout.
// A handler that ignores its context is abandoned, not cancelled.
func (m *Manager) attempt(ctx context.Context, exec domain.JobExecution, n int, opts json.RawMessage, progress chan<- domain.Progress) (*domain.JobResult, error) {
	actx, cancel := ctx, context.CancelFunc(func() {})
	if m.def.Timeout > 0 {
		actx, cancel = context.WithTimeout(ctx, m.def.Timeout)
	}
	defer cancel()

	type outcome struct {
		res *domain.JobResult
		err error
	}
	done := make(chan outcome, 1)
	go func() {
		defer func() {
			if p := recover(); p != nil {
				done <- outcome{err: &PanicError{Value: p, Stack: string(debug.Stack())}}
			}
		}()
		res, err := m.def.Handler.Handle(actx, domain.Request{
			JobID:       m.def.ID,
			ExecutionID: exec.ID,
			Attempt:     n,
			Options:     opts,
			Progress:    progress,
		})
		done <- outcome{res: res, err: err}
	}()

	select {
	case o := <-done:
		if o.err != nil {
			return nil, o.err
		}
		return o.res, nil
	case <-actx.Done():
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		return nil, fmt.Errorf("%w after %s", ErrAttemptTimeout, m.def.Timeout)
	}
}

// forwardProgress relays handler events to the log and the optional
// subscriber. The returned channel is never closed: abandoned handlers may
// still hold it.
func (m *Manager) forwardProgress(logger zerolog.Logger) (chan<- domain.Progress, func()) {
	ch := make(chan domain.Progress, 64)
	stop := make(chan struct{})
	done := make(chan struct{})

	relay := func(p domain.Progress) {
		logger.Debug().Int("attempt", p.Attempt).Interface("counters", p.Counters).Msg(p.Message)
		if m.progress != nil {
			select {
			case m.progress <- p:
			default:
			}
		}
	}

	go func() {
		defer close(done)
		for {
			select {
			case p := <-ch:
				relay(p)
			case <-stop:
				for {
					select {
					case p := <-ch:
						relay(p)
					default:
						return
					}
				}
			}
		}
	}()

	return ch, func() {
		close(stop)
		<-done
	}
}

func failureResult(err error) *domain.JobResult {
	je := domain.JobError{Code: domain.CodeHandlerError, Message: "job failed"}
	if err != nil {
		je.Message = err.Error()
	}
	var fe *retry.FatalError
	switch {
	case errors.As(err, &fe):
		je.Code = fe.Code
	case errors.Is(err, ErrAttemptTimeout):
		je.Code = domain.CodeTimeout
	}
	return &domain.JobResult{Success: false, Errors: []domain.JobError{je}}
}

func errorStack(err error) string {
	var pe *PanicError
	if errors.As(err, &pe) {
		return pe.Stack
	}
	if s := fmt.Sprintf("%+v", err); s != err.Error() {
		return s
	}
	return ""
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return nil
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

// Package notify delivers job completion summaries to configured recipients.
//
// Delivery is best effort: transport failures are logged and never change the
// recorded outcome of a job.
package notify

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"golang.org/x/sync/errgroup"

	"jobkeeper/internal/domain"
)

// Transport delivers one notification to its recipients.
type Transport interface {
	Send(ctx context.Context, n domain.JobCompletionNotification) error
}

// TransportFunc adapts a function to the Transport interface (useful for tests).
type TransportFunc func(ctx context.Context, n domain.JobCompletionNotification) error

func (f TransportFunc) Send(ctx context.Context, n domain.JobCompletionNotification) error {
	if f == nil {
		return nil
	}
	return f(ctx, n)
}

// Registration pairs a transport with a name for logging.
type Registration struct {
	Name      string
	Transport Transport
}

// AuditRecorder persists a delivered notification. It must not fail loudly.
type AuditRecorder interface {
	RecordNotification(ctx context.Context, executionID string, recipients []string, content any)
}

type Options struct {
	Logger     *zerolog.Logger
	Transports []Registration
	Audit      AuditRecorder
	// Timeout bounds the whole fan-out. Defaults to 30s.
	Timeout time.Duration
}

type Dispatcher struct {
	log        zerolog.Logger
	transports []Registration
	audit      AuditRecorder
	timeout    time.Duration
}

func NewDispatcher(opts Options) *Dispatcher {
	logger := log.Logger.With().Str("component", "notify").Logger()
	if opts.Logger != nil {
		logger = *opts.Logger
	}
	timeout := opts.Timeout
	if timeout <= 0 {
		timeout = 30 * time.Second
	}

	var regs []Registration
	for _, r := range opts.Transports {
		if r.Transport == nil {
			continue
		}
		if r.Name == "" {
			r.Name = "transport"
		}
		regs = append(regs, r)
	}
	return &Dispatcher{log: logger, transports: regs, audit: opts.Audit, timeout: timeout}
}

// Build derives the notification for a terminal execution.
func Build(def domain.JobDefinition, exec domain.JobExecution) domain.JobCompletionNotification {
	n := domain.JobCompletionNotification{
		JobID:       def.ID,
		JobName:     def.Name,
		ExecutionID: exec.ID,
		Status:      exec.Status,
		TriggerType: exec.TriggerType,
		TriggeredBy: exec.TriggeredBy,
		StartedAt:   exec.StartedAt,
		RetryCount:  exec.RetryCount,
		Result:      exec.Result,
		Recipients:  append([]string(nil), def.Recipients...),
	}
	if exec.CompletedAt != nil {
		n.CompletedAt = *exec.CompletedAt
	}
	if exec.DurationMs != nil {
		n.DurationMs = *exec.DurationMs
	}
	if exec.ErrorMessage != nil {
		n.ErrorMessage = *exec.ErrorMessage
	}
	n.Summary = summarize(n)
	return n
}

func summarize(n domain.JobCompletionNotification) string {
	var b strings.Builder
	fmt.Fprintf(&b, "%s %s in %s", n.JobName, n.Status, (time.Duration(n.DurationMs) * time.Millisecond).String())
	if n.RetryCount > 0 {
		fmt.Fprintf(&b, " after %d failed attempt(s)", n.RetryCount)
	}
	if n.Result != nil && len(n.Result.Statistics) > 0 {
		keys := make([]string, 0, len(n.Result.Statistics))
		for k := range n.Result.Statistics {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		parts := make([]string, 0, len(keys))
		for _, k := range keys {
			parts = append(parts, fmt.Sprintf("%s=%d", k, n.Result.Statistics[k]))
		}
		b.WriteString("; ")
		b.WriteString(strings.Join(parts, ", "))
	}
	if n.Result != nil && len(n.Result.Errors) > 0 {
		fmt.Fprintf(&b, "; %d error(s)", len(n.Result.Errors))
	}
	if n.Result != nil && len(n.Result.Warnings) > 0 {
		fmt.Fprintf(&b, "; %d warning(s)", len(n.Result.Warnings))
	}
	if n.ErrorMessage != "" {
		fmt.Fprintf(&b, ": %s", n.ErrorMessage)
	}
	return b.String()
}

// NotifyCompletion fans the summary out to all transports. It never fails.
func (d *Dispatcher) NotifyCompletion(ctx context.Context, def domain.JobDefinition, exec domain.JobExecution) {
	logger := d.log.With().Str("job_id", def.ID).Str("execution_id", exec.ID).Logger()
	if len(def.Recipients) == 0 {
		logger.Debug().Msg("no recipients configured, skipping notification")
		return
	}
	if len(d.transports) == 0 {
		logger.Debug().Msg("no notification transports configured")
		return
	}

	n := Build(def, exec)

	sendCtx, cancel := context.WithTimeout(ctx, d.timeout)
	defer cancel()

	var g errgroup.Group
	for _, r := range d.transports {
		g.Go(func() error {
			defer func() {
				if p := recover(); p != nil {
					logger.Error().Str("transport", r.Name).Interface("panic", p).Msg("notification transport panicked")
				}
			}()
			if err := r.Transport.Send(sendCtx, n); err != nil {
				logger.Error().Err(err).Str("transport", r.Name).Msg("notification delivery failed")
				return nil
			}
			logger.Debug().Str("transport", r.Name).Strs("recipients", n.Recipients).Msg("notification delivered")
			return nil
		})
	}
	_ = g.Wait()

	if d.audit != nil {
		d.audit.RecordNotification(ctx, exec.ID, n.Recipients, n)
	}
}

// Enabled reports whether the dispatcher has any transports.
func (d *Dispatcher) Enabled() bool {
	return len(d.transports) > 0
}

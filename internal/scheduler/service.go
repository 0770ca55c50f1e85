package scheduler

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	crondesc "github.com/lnquy/cron"
	"github.com/robfig/cron/v3"
	"github.com/rs/zerolog"
)

type EntryID = cron.EntryID

// Service fires registered functions on 5-field cron expressions evaluated in UTC.
type Service struct {
	cron *cron.Cron
	log  zerolog.Logger

	mu      sync.Mutex
	started bool
}

func NewService(logger zerolog.Logger) *Service {
	cl := cronLogger{l: logger}
	return &Service{
		cron: cron.New(
			cron.WithLocation(time.UTC),
			cron.WithParser(cron.NewParser(cron.Minute|cron.Hour|cron.Dom|cron.Month|cron.Dow|cron.Descriptor)),
			cron.WithChain(cron.Recover(cl)),
			cron.WithLogger(cl),
		),
		log: logger,
	}
}

// Register adds fn under expr. The cron goroutine calls fn; it must not block.
func (s *Service) Register(expr string, fn func()) (EntryID, error) {
	id, err := s.cron.AddFunc(expr, fn)
	if err != nil {
		return 0, fmt.Errorf("register %q: %w", expr, err)
	}
	return id, nil
}

func (s *Service) Remove(id EntryID) {
	s.cron.Remove(id)
}

func (s *Service) Start() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.started {
		return
	}
	s.started = true
	s.cron.Start()
	s.log.Info().Int("entries", len(s.cron.Entries())).Msg("scheduler started")
}

// Stop halts future firings and waits for running cron callbacks, not for
// the job runs they started.
func (s *Service) Stop(ctx context.Context) {
	s.mu.Lock()
	if !s.started {
		s.mu.Unlock()
		return
	}
	s.started = false
	s.mu.Unlock()

	done := s.cron.Stop()
	select {
	case <-done.Done():
	case <-ctx.Done():
	}
	s.log.Info().Msg("scheduler stopped")
}

// ValidateCronExpression validates a cron expression
func ValidateCronExpression(expr string) error {
	_, err := cron.ParseStandard(expr)
	return err
}

// NextRunTime calculates the next run time for a cron expression, in UTC.
func NextRunTime(expr string, from time.Time) (time.Time, error) {
	cronSchedule, err := cron.ParseStandard(expr)
	if err != nil {
		return time.Time{}, err
	}
	return cronSchedule.Next(from.UTC()), nil
}

var (
	descOnce sync.Once
	desc     *crondesc.ExpressionDescriptor
	descErr  error
)

// Describe renders expr as English text, e.g. "At 03:00, on day 1 of the month".
// Descriptor macros like @daily are returned unchanged.
func Describe(expr string) string {
	if strings.HasPrefix(expr, "@") {
		return expr
	}
	descOnce.Do(func() {
		desc, descErr = crondesc.NewDescriptor(crondesc.Use24HourTimeFormat(true))
	})
	if descErr != nil {
		return expr
	}
	text, err := desc.ToDescription(expr, crondesc.Locale_en)
	if err != nil {
		return expr
	}
	return text + " (UTC)"
}

// cronLogger routes robfig/cron logging into zerolog.
type cronLogger struct{ l zerolog.Logger }

func (c cronLogger) Info(msg string, keysAndValues ...interface{}) {
	c.l.Debug().Fields(keysAndValues).Msg(msg)
}

func (c cronLogger) Error(err error, msg string, keysAndValues ...interface{}) {
	c.l.Error().Err(err).Fields(keysAndValues).Msg(msg)
}


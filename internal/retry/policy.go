// Package retry classifies handler attempts into complete, accepted partial,
// retry or stop. It has no notion of time or storage.
package retry

import (
	"errors"
	"fmt"
	"time"

	"jobkeeper/internal/domain"
)

type Decision int

const (
	Retry Decision = iota
	Complete
	AcceptPartial
	Stop
)

func (d Decision) String() string {
	switch d {
	case Retry:
		return "retry"
	case Complete:
		return "complete"
	case AcceptPartial:
		return "accept-partial"
	case Stop:
		return "stop"
	}
	return fmt.Sprintf("decision(%d)", int(d))
}

// Finished reports whether the run ends with a completed status.
func (d Decision) Finished() bool { return d == Complete || d == AcceptPartial }

// ErrUnsuccessful is the cause recorded when a handler reports failure
// without any error entries.
var ErrUnsuccessful = errors.New("handler reported failure")

// FatalError is a result error whose code disqualifies partial success.
type FatalError struct {
	Code    string
	Message string
}

func (e *FatalError) Error() string {
	if e.Message == "" {
		return e.Code
	}
	return e.Message
}

type Verdict struct {
	Decision Decision
	// Cause is set for Retry and Stop.
	Cause error
}

type Policy struct {
	fatal        map[string]struct{}
	progressStat string
}

// New builds a policy. Empty arguments fall back to the package defaults.
func New(fatalCodes []string, progressStat string) Policy {
	if len(fatalCodes) == 0 {
		fatalCodes = domain.DefaultFatalCodes
	}
	if progressStat == "" {
		progressStat = domain.DefaultProgressStat
	}
	p := Policy{fatal: make(map[string]struct{}, len(fatalCodes)), progressStat: progressStat}
	for _, c := range fatalCodes {
		p.fatal[c] = struct{}{}
	}
	return p
}

// ForDefinition builds the policy configured on a job definition.
func ForDefinition(def domain.JobDefinition) Policy {
	return New(def.FatalCodes, def.ProgressStat)
}

func (p Policy) IsFatal(code string) bool {
	_, ok := p.fatal[code]
	return ok
}

// Progress returns the forward-progress counter of a result.
func (p Policy) Progress(res *domain.JobResult) int64 {
	if res == nil || res.Statistics == nil {
		return 0
	}
	return res.Statistics[p.progressStat]
}

// Decide classifies the attempt made at retryCount (zero based).
// A failed attempt yields Stop when retryCount+1 exceeds maxRetries.
func (p Policy) Decide(retryCount, maxRetries int, res *domain.JobResult, err error) Verdict {
	if err == nil && res != nil {
		if res.Success {
			return Verdict{Decision: Complete}
		}
		fatal := p.firstFatal(res)
		if fatal == nil && p.Progress(res) > 0 {
			return Verdict{Decision: AcceptPartial}
		}
		switch {
		case fatal != nil:
			err = fatal
		case len(res.Errors) > 0:
			err = &FatalError{Code: res.Errors[0].Code, Message: res.Errors[0].Message}
		default:
			err = ErrUnsuccessful
		}
	} else if err == nil {
		err = ErrUnsuccessful
	}

	if retryCount+1 > maxRetries {
		return Verdict{Decision: Stop, Cause: err}
	}
	return Verdict{Decision: Retry, Cause: err}
}

func (p Policy) firstFatal(res *domain.JobResult) *FatalError {
	for _, e := range res.Errors {
		if p.IsFatal(e.Code) {
			return &FatalError{Code: e.Code, Message: e.Message}
		}
	}
	return nil
}

// Backoff is linear: base × retryCount.
func Backoff(retryCount int, base time.Duration) time.Duration {
	if retryCount <= 0 || base <= 0 {
		return 0
	}
	return base * time.Duration(retryCount)
}

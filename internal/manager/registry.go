package manager

import (
	"context"
	"fmt"
	"sync"

	"jobkeeper/internal/domain"
	"jobkeeper/internal/tracker"
)

// Registry owns the managers of a process, keyed by job id.
type Registry struct {
	managers map[string]*Manager
	order    []string
	tracker  tracker.Tracker
}

func NewRegistry(tr tracker.Tracker, managers ...*Manager) (*Registry, error) {
	r := &Registry{managers: make(map[string]*Manager, len(managers)), tracker: tr}
	for _, m := range managers {
		id := m.def.ID
		if _, dup := r.managers[id]; dup {
			return nil, fmt.Errorf("duplicate job id %q", id)
		}
		r.managers[id] = m
		r.order = append(r.order, id)
	}
	return r, nil
}

func (r *Registry) Get(id string) (*Manager, error) {
	m, ok := r.managers[id]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownJob, id)
	}
	return m, nil
}

// All returns managers in registration order.
func (r *Registry) All() []*Manager {
	out := make([]*Manager, 0, len(r.order))
	for _, id := range r.order {
		out = append(out, r.managers[id])
	}
	return out
}

// StartAll registers every enabled job. It stops at the first failure and
// deregisters what it had already started.
func (r *Registry) StartAll() error {
	for i, m := range r.All() {
		if err := m.Start(); err != nil {
			for _, started := range r.All()[:i] {
				started.Stop()
			}
			return err
		}
	}
	return nil
}

// StopAll deregisters every job. Running executions continue.
func (r *Registry) StopAll() {
	for _, m := range r.All() {
		m.Stop()
	}
}

// Shutdown closes every manager so no new run can start, then waits for the
// runs already in flight until ctx is done.
func (r *Registry) Shutdown(ctx context.Context) error {
	for _, m := range r.All() {
		m.Close()
	}
	return r.Wait(ctx)
}

// Wait blocks until no job is running or ctx is done.
func (r *Registry) Wait(ctx context.Context) error {
	done := make(chan struct{})
	go func() {
		var wg sync.WaitGroup
		for _, m := range r.All() {
			wg.Add(1)
			go func() {
				defer wg.Done()
				m.Wait()
			}()
		}
		wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Execution looks an execution up across all registered jobs.
func (r *Registry) Execution(ctx context.Context, id string) (*domain.JobExecution, error) {
	e, err := r.tracker.GetExecution(ctx, id)
	if err != nil {
		return nil, err
	}
	if _, ok := r.managers[e.JobID]; !ok {
		return nil, tracker.ErrNotFound
	}
	return e, nil
}

// Statuses returns the status of every job in registration order.
func (r *Registry) Statuses(ctx context.Context) ([]JobStatus, error) {
	out := make([]JobStatus, 0, len(r.order))
	for _, m := range r.All() {
		st, err := m.Status(ctx)
		if err != nil {
			return nil, fmt.Errorf("job %s: %w", m.def.ID, err)
		}
		out = append(out, st)
	}
	return out, nil
}


package api

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/http/pprof"
	"strings"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/rs/zerolog/log"

	"jobkeeper/internal/domain"
	"jobkeeper/internal/manager"
	"jobkeeper/internal/tracker"
)

type Server struct {
	r   *chi.Mux
	reg *manager.Registry
}

func NewServer(reg *manager.Registry) http.Handler {
	return NewServerWithDebug(reg, false)
}

func NewServerWithDebug(reg *manager.Registry, enableDebug bool) http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID, middleware.RealIP, middleware.Logger, middleware.Recoverer)

	s := &Server{r: r, reg: reg}

	r.Get("/health", s.health)
	r.Get("/metrics", s.metrics)
	r.Get("/api/jobs", s.listJobs)
	r.Get("/api/jobs/{id}", s.getJob)
	r.Post("/api/jobs/{id}/trigger", s.triggerJob)
	r.Get("/api/executions/{id}", s.getExecution)

	if enableDebug {
		r.HandleFunc("/debug/pprof/", pprof.Index)
		r.HandleFunc("/debug/pprof/cmdline", pprof.Cmdline)
		r.HandleFunc("/debug/pprof/profile", pprof.Profile)
		r.HandleFunc("/debug/pprof/symbol", pprof.Symbol)
		r.HandleFunc("/debug/pprof/trace", pprof.Trace)
		r.Handle("/debug/pprof/goroutine", pprof.Handler("goroutine"))
		r.Handle("/debug/pprof/heap", pprof.Handler("heap"))
	}

	return r
}

func (s *Server) health(w http.ResponseWriter, r *http.Request) {
	w.WriteHeader(http.StatusOK)
	w.Write([]byte("ok"))
}

// metrics exposes per-job gauges in the Prometheus text format.
func (s *Server) metrics(w http.ResponseWriter, r *http.Request) {
	statuses, err := s.reg.Statuses(r.Context())
	if err != nil {
		http.Error(w, err.Error(), 500)
		return
	}

	var b strings.Builder
	b.WriteString("jobkeeper_up 1\n")
	b.WriteString("# TYPE jobkeeper_job_running gauge\n")
	for _, st := range statuses {
		fmt.Fprintf(&b, "jobkeeper_job_running{job=%q} %d\n", st.JobID, boolGauge(st.CurrentlyRunning))
	}
	b.WriteString("# TYPE jobkeeper_job_scheduled gauge\n")
	for _, st := range statuses {
		fmt.Fprintf(&b, "jobkeeper_job_scheduled{job=%q} %d\n", st.JobID, boolGauge(st.SchedulerActive))
	}
	b.WriteString("# TYPE jobkeeper_job_last_success gauge\n")
	for _, st := range statuses {
		ok := st.LastExecution != nil && st.LastExecution.Status == domain.StatusCompleted
		fmt.Fprintf(&b, "jobkeeper_job_last_success{job=%q} %d\n", st.JobID, boolGauge(ok))
	}
	b.WriteString("# TYPE jobkeeper_job_last_retries gauge\n")
	for _, st := range statuses {
		retries := 0
		if st.LastExecution != nil {
			retries = st.LastExecution.RetryCount
		}
		fmt.Fprintf(&b, "jobkeeper_job_last_retries{job=%q} %d\n", st.JobID, retries)
	}

	w.Header().Set("content-type", "text/plain; version=0.0.4")
	w.WriteHeader(http.StatusOK)
	w.Write([]byte(b.String()))
}

func (s *Server) listJobs(w http.ResponseWriter, r *http.Request) {
	statuses, err := s.reg.Statuses(r.Context())
	if err != nil {
		http.Error(w, err.Error(), 500)
		return
	}
	writeJSON(w, 200, statuses)
}

func (s *Server) getJob(w http.ResponseWriter, r *http.Request) {
	m, err := s.reg.Get(chi.URLParam(r, "id"))
	if err != nil {
		http.Error(w, "not found", 404)
		return
	}
	st, err := m.Status(r.Context())
	if err != nil {
		http.Error(w, err.Error(), 500)
		return
	}
	writeJSON(w, 200, st)
}

func (s *Server) triggerJob(w http.ResponseWriter, r *http.Request) {
	m, err := s.reg.Get(chi.URLParam(r, "id"))
	if err != nil {
		http.Error(w, "not found", 404)
		return
	}

	var req manager.ManualRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil && !errors.Is(err, io.EOF) {
		http.Error(w, err.Error(), 400)
		return
	}
	if req.TriggeredBy == "" {
		req.TriggeredBy = r.Header.Get("X-Triggered-By")
	}

	resp, err := m.TriggerManual(r.Context(), req)
	switch {
	case errors.Is(err, manager.ErrAlreadyRunning):
		writeJSON(w, http.StatusConflict, errorBody{Error: err.Error(), JobID: m.Definition().ID})
		return
	case errors.Is(err, manager.ErrShuttingDown):
		writeJSON(w, http.StatusServiceUnavailable, errorBody{Error: err.Error(), JobID: m.Definition().ID})
		return
	case err != nil:
		log.Error().Err(err).Str("job_id", m.Definition().ID).Msg("manual trigger failed")
		http.Error(w, err.Error(), 500)
		return
	}
	writeJSON(w, http.StatusAccepted, resp)
}

func (s *Server) getExecution(w http.ResponseWriter, r *http.Request) {
	e, err := s.reg.Execution(r.Context(), chi.URLParam(r, "id"))
	switch {
	case errors.Is(err, tracker.ErrNotFound):
		http.Error(w, "not found", 404)
		return
	case err != nil:
		http.Error(w, err.Error(), 500)
		return
	}
	writeJSON(w, 200, e)
}

type errorBody struct {
	Error string `json:"error"`
	JobID string `json:"jobId,omitempty"`
}

func boolGauge(v bool) int {
	if v {
		return 1
	}
	return 0
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("content-type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}

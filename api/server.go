// Package api is the HTTP front end: it accepts analysis requests, serves
// completed and pending analyses, and manages scheduled query ingestion.
//
// Every endpoint takes and returns JSON. Successful responses carry
// success=true; request validation failures come back as 400 with a
// message field.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-playground/validator/v10"

	"github.com/pithecene-io/sandbox/log"
	"github.com/pithecene-io/sandbox/scheduler"
	"github.com/pithecene-io/sandbox/store"
)

// Store is the slice of the persistence layer the front end needs.
type Store interface {
	ResultsBySHA256(ctx context.Context, sha256 string) ([]*store.AnalysisResult, error)
	DeleteResults(ctx context.Context, by store.DeleteBy, items []string) (int64, error)
	ListHashes(ctx context.Context) ([]string, error)
}

// Enqueuer submits ingestion work to the retrieval queue.
type Enqueuer interface {
	FetchBinaries(ctx context.Context, hashes []string) (string, error)
	FetchQuery(ctx context.Context, query string, limit int) (string, error)
}

// Scheduler manages cron-driven query ingestion.
type Scheduler interface {
	Add(spec, query string, limit, repeat int) (string, error)
	Cancel(jobID string) bool
	Contains(jobID string) bool
	Jobs(until time.Time) []scheduler.Job
}

// Inspector reports which analyses are still in flight.
type Inspector interface {
	ActiveAnalyses() ([]string, error)
}

// Server is the HTTP front end.
type Server struct {
	logger    *log.Logger
	store     Store
	enq       Enqueuer
	sched     Scheduler
	inspector Inspector
	validate  *validator.Validate

	srv *http.Server
}

// New wires a server for the given address. Call Run to start serving.
func New(addr string, logger *log.Logger, st Store, enq Enqueuer, sched Scheduler, ins Inspector) *Server {
	s := &Server{
		logger:    logger,
		store:     st,
		enq:       enq,
		sched:     sched,
		inspector: ins,
		validate:  newValidator(),
	}
	s.srv = &http.Server{
		Addr:              addr,
		Handler:           s.Router(),
		ReadHeaderTimeout: 10 * time.Second,
	}
	return s
}

// Router builds the route table. Exposed separately so tests can drive the
// handlers without a listening socket.
func (s *Server) Router() chi.Router {
	r := chi.NewRouter()
	r.Use(middleware.Recoverer)

	r.Post("/analyze", s.handleAnalyze)
	r.Get("/analysis", s.handleRetrieveAnalyses)
	r.Delete("/analysis", s.handleRemoveAnalyses)
	r.Get("/job", s.handleGetJobs)
	r.Post("/job", s.handleAddJob)
	r.Delete("/job", s.handleRemoveJob)
	r.Get("/hashes", s.handleListHashes)

	return r
}

// Run serves until the listener fails or Shutdown is called.
func (s *Server) Run() error {
	s.logger.Info("http server listening", map[string]any{"addr": s.srv.Addr})
	if err := s.srv.ListenAndServe(); !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

// Shutdown drains in-flight requests and closes the listener.
func (s *Server) Shutdown(ctx context.Context) error {
	return s.srv.Shutdown(ctx)
}

// Addr formats a host/port pair for ListenAndServe.
func Addr(host, port string) string {
	return net.JoinHostPort(host, port)
}

// handleAnalyze ingests either an explicit hash list or a saved query. Both
// paths enqueue onto the retrieval queue and return immediately.
func (s *Server) handleAnalyze(w http.ResponseWriter, r *http.Request) {
	var req AnalyzeRequest
	if !s.decode(w, r, &req) {
		return
	}
	if err := req.check(); err != nil {
		s.writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	var (
		jobID string
		err   error
	)
	if len(req.Hashes) > 0 {
		jobID, err = s.enq.FetchBinaries(r.Context(), req.Hashes)
	} else {
		jobID, err = s.enq.FetchQuery(r.Context(), req.Query, req.Limit)
	}
	if err != nil {
		s.logger.Error("cannot enqueue analysis request", map[string]any{"error": err.Error()})
		s.writeError(w, http.StatusInternalServerError, "cannot enqueue analysis request")
		return
	}

	s.writeJSON(w, http.StatusOK, map[string]any{
		"success": true,
		"job_id":  jobID,
	})
}

// handleRetrieveAnalyses returns completed results per hash plus the set of
// analyses still moving through the queues.
func (s *Server) handleRetrieveAnalyses(w http.ResponseWriter, r *http.Request) {
	var req RetrieveAnalysesRequest
	if !s.decode(w, r, &req) {
		return
	}

	completed := make(map[string][]map[string]any, len(req.Hashes))
	for _, sha256 := range req.Hashes {
		results, err := s.store.ResultsBySHA256(r.Context(), sha256)
		if err != nil {
			s.logger.Error("cannot load analysis results", map[string]any{
				"sha256": sha256,
				"error":  err.Error(),
			})
			s.writeError(w, http.StatusInternalServerError, "cannot load analysis results")
			return
		}
		dicts := make([]map[string]any, 0, len(results))
		for _, res := range results {
			dicts = append(dicts, res.AsDict())
		}
		completed[sha256] = dicts
	}

	pending, err := s.inspector.ActiveAnalyses()
	if err != nil {
		s.logger.Error("cannot inspect pending analyses", map[string]any{"error": err.Error()})
		s.writeError(w, http.StatusInternalServerError, "cannot inspect pending analyses")
		return
	}
	if pending == nil {
		pending = []string{}
	}

	s.writeJSON(w, http.StatusOK, map[string]any{
		"success":   true,
		"completed": completed,
		"pending":   pending,
	})
}

// handleRemoveAnalyses deletes stored results matching the requested field.
func (s *Server) handleRemoveAnalyses(w http.ResponseWriter, r *http.Request) {
	var req RemoveAnalysesRequest
	if !s.decode(w, r, &req) {
		return
	}

	deleted, err := s.store.DeleteResults(r.Context(), store.DeleteBy(req.Kind), req.Items)
	if err != nil {
		s.logger.Error("cannot delete analysis results", map[string]any{
			"kind":  req.Kind,
			"error": err.Error(),
		})
		s.writeError(w, http.StatusInternalServerError, "cannot delete analysis results")
		return
	}

	s.writeJSON(w, http.StatusOK, map[string]any{
		"success": true,
		"deleted": deleted,
	})
}

// handleGetJobs lists scheduled queries firing at or before the requested
// horizon.
func (s *Server) handleGetJobs(w http.ResponseWriter, r *http.Request) {
	var req GetJobsRequest
	if !s.decode(w, r, &req) {
		return
	}

	jobs := s.sched.Jobs(req.Until.Time)
	out := make([]map[string]any, 0, len(jobs))
	for _, j := range jobs {
		repeat := any(j.Remaining)
		if j.Remaining == scheduler.RepeatForever {
			repeat = "forever"
		}
		out = append(out, map[string]any{
			"job_id":   j.JobID,
			"query":    j.Query,
			"limit":    j.Limit,
			"repeat":   repeat,
			"next_run": j.NextRun.UTC().Format(time.RFC3339),
		})
	}

	s.writeJSON(w, http.StatusOK, map[string]any{
		"success": true,
		"jobs":    out,
	})
}

// handleAddJob registers a cron schedule for a saved query.
func (s *Server) handleAddJob(w http.ResponseWriter, r *http.Request) {
	var req AddJobRequest
	if !s.decode(w, r, &req) {
		return
	}

	repeat := req.Repeat.Count
	if req.Repeat.Forever {
		repeat = scheduler.RepeatForever
	}

	jobID, err := s.sched.Add(req.Schedule, req.Query, req.Limit, repeat)
	if err != nil {
		s.writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	s.writeJSON(w, http.StatusOK, map[string]any{
		"success": true,
		"job_id":  jobID,
	})
}

// handleRemoveJob cancels a scheduled query. Unknown job IDs are a 404.
func (s *Server) handleRemoveJob(w http.ResponseWriter, r *http.Request) {
	var req RemoveJobRequest
	if !s.decode(w, r, &req) {
		return
	}

	if !s.sched.Cancel(req.JobID) {
		s.writeError(w, http.StatusNotFound, fmt.Sprintf("no scheduled job %s", req.JobID))
		return
	}

	s.writeJSON(w, http.StatusOK, map[string]any{"success": true})
}

// handleListHashes returns every hash the store has seen.
func (s *Server) handleListHashes(w http.ResponseWriter, r *http.Request) {
	hashes, err := s.store.ListHashes(r.Context())
	if err != nil {
		s.logger.Error("cannot list hashes", map[string]any{"error": err.Error()})
		s.writeError(w, http.StatusInternalServerError, "cannot list hashes")
		return
	}
	if hashes == nil {
		hashes = []string{}
	}

	s.writeJSON(w, http.StatusOK, map[string]any{
		"success": true,
		"hashes":  hashes,
	})
}

// decode unmarshals and validates the request body, writing the 400 itself
// on failure. Returns false when the handler should bail out.
func (s *Server) decode(w http.ResponseWriter, r *http.Request, into any) bool {
	if err := json.NewDecoder(r.Body).Decode(into); err != nil {
		s.writeError(w, http.StatusBadRequest, fmt.Sprintf("malformed request body: %s", err))
		return false
	}
	if err := s.validate.Struct(into); err != nil {
		s.writeError(w, http.StatusBadRequest, validationMessage(err))
		return false
	}
	return true
}

// validationMessage flattens validator errors into one readable line.
func validationMessage(err error) string {
	var verrs validator.ValidationErrors
	if !errors.As(err, &verrs) || len(verrs) == 0 {
		return err.Error()
	}
	fe := verrs[0]
	return fmt.Sprintf("invalid field %s: failed %s validation", fe.Field(), fe.Tag())
}

func (s *Server) writeError(w http.ResponseWriter, code int, message string) {
	s.writeJSON(w, code, map[string]any{
		"success": false,
		"message": message,
	})
}

func (s *Server) writeJSON(w http.ResponseWriter, code int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	if err := json.NewEncoder(w).Encode(body); err != nil {
		s.logger.Error("cannot encode response", map[string]any{"error": err.Error()})
	}
}

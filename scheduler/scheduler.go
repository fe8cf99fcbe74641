// Package scheduler provides cron-driven ingestion of saved queries.
//
// Each schedule enqueues a fetch_query job on the retrieval queue whenever
// its cron expression fires, up to an optional repeat count. Schedules live
// in process memory; they are managed over the front end's /job endpoints.
package scheduler

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/robfig/cron/v3"

	"github.com/pithecene-io/sandbox/log"
)

// RepeatForever marks a schedule with no repeat limit.
const RepeatForever = -1

// Enqueuer is the slice of the queue substrate the scheduler needs.
type Enqueuer interface {
	FetchQuery(ctx context.Context, query string, limit int) (string, error)
}

// Job describes one scheduled query for introspection.
type Job struct {
	JobID     string
	Query     string
	Limit     int
	Remaining int
	NextRun   time.Time
}

type entry struct {
	entryID   cron.EntryID
	query     string
	limit     int
	remaining int // RepeatForever means no limit
}

// Scheduler runs the cron table.
type Scheduler struct {
	cron   *cron.Cron
	enq    Enqueuer
	logger *log.Logger

	mu      sync.Mutex
	entries map[string]*entry
}

// New creates a stopped scheduler. Call Start to begin firing.
func New(enq Enqueuer, logger *log.Logger) *Scheduler {
	return &Scheduler{
		cron:    cron.New(),
		enq:     enq,
		logger:  logger,
		entries: map[string]*entry{},
	}
}

// Start begins firing schedules in their own goroutine.
func (s *Scheduler) Start() {
	s.cron.Start()
}

// Stop stops firing and waits for any running fire to finish.
func (s *Scheduler) Stop() {
	<-s.cron.Stop().Done()
}

// Add registers a cron schedule for the given query. repeat is the number
// of times to fire, or RepeatForever. Returns the schedule's job ID.
// The cron expression is validated before registration.
func (s *Scheduler) Add(spec, query string, limit, repeat int) (string, error) {
	if _, err := cron.ParseStandard(spec); err != nil {
		return "", fmt.Errorf("scheduler: invalid cron expression %q: %w", spec, err)
	}
	if repeat != RepeatForever && repeat <= 0 {
		return "", fmt.Errorf("scheduler: repeat must be positive or forever, got %d", repeat)
	}

	jobID := uuid.NewString()

	s.mu.Lock()
	defer s.mu.Unlock()

	entryID, err := s.cron.AddFunc(spec, func() { s.fire(jobID) })
	if err != nil {
		return "", fmt.Errorf("scheduler: add %q: %w", spec, err)
	}
	s.entries[jobID] = &entry{
		entryID:   entryID,
		query:     query,
		limit:     limit,
		remaining: repeat,
	}

	s.logger.Info("scheduled query", map[string]any{
		"job_id":   jobID,
		"schedule": spec,
		"query":    query,
		"repeat":   repeat,
	})
	return jobID, nil
}

// fire enqueues one fetch_query run and retires the schedule when its
// repeat budget is exhausted.
func (s *Scheduler) fire(jobID string) {
	s.mu.Lock()
	e, ok := s.entries[jobID]
	if !ok {
		// Canceled between fire and lock acquisition.
		s.mu.Unlock()
		return
	}
	query, limit := e.query, e.limit
	if e.remaining != RepeatForever {
		e.remaining--
		if e.remaining <= 0 {
			s.cron.Remove(e.entryID)
			delete(s.entries, jobID)
		}
	}
	s.mu.Unlock()

	if _, err := s.enq.FetchQuery(context.Background(), query, limit); err != nil {
		s.logger.Error("cannot enqueue scheduled query", map[string]any{
			"job_id": jobID,
			"query":  query,
			"error":  err.Error(),
		})
	}
}

// Contains reports whether the schedule is still registered.
func (s *Scheduler) Contains(jobID string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.entries[jobID]
	return ok
}

// Cancel removes the schedule. Returns false if it is not registered.
func (s *Scheduler) Cancel(jobID string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	e, ok := s.entries[jobID]
	if !ok {
		return false
	}
	s.cron.Remove(e.entryID)
	delete(s.entries, jobID)
	return true
}

// Jobs lists the registered schedules with their next run time. A zero
// until means "forever"; otherwise only schedules firing at or before
// until are included.
func (s *Scheduler) Jobs(until time.Time) []Job {
	s.mu.Lock()
	defer s.mu.Unlock()

	jobs := make([]Job, 0, len(s.entries))
	for jobID, e := range s.entries {
		next := s.cron.Entry(e.entryID).Next
		if !until.IsZero() && next.After(until) {
			continue
		}
		jobs = append(jobs, Job{
			JobID:     jobID,
			Query:     e.query,
			Limit:     e.limit,
			Remaining: e.remaining,
			NextRun:   next,
		})
	}
	return jobs
}

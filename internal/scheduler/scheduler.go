// Package scheduler runs the daemon's periodic maintenance: audit pruning,
// rate-limiter sweeps and secret file permission checks.
package scheduler

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"
)

// Scheduler manages all scheduled jobs
type Scheduler struct {
	jobs     map[string]*Job
	runners  map[string]*JobRunner
	tick     time.Duration
	reporter Reporter
	logger   *slog.Logger
	mu       sync.RWMutex
	ctx      context.Context
	cancel   context.CancelFunc
}

// NewScheduler creates a new scheduler. reporter may be nil.
func NewScheduler(reporter Reporter, logger *slog.Logger) *Scheduler {
	if logger == nil {
		logger = slog.Default()
	}
	return &Scheduler{
		jobs:     make(map[string]*Job),
		runners:  make(map[string]*JobRunner),
		tick:     time.Minute,
		reporter: reporter,
		logger:   logger.With("component", "scheduler"),
	}
}

// Start initializes and starts all enabled jobs
func (s *Scheduler) Start(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.ctx, s.cancel = context.WithCancel(ctx)
	for id, job := range s.jobs {
		if !job.Enabled {
			s.logger.Debug("skipping disabled job", "job", id)
			continue
		}
		s.startLocked(job)
	}
	s.logger.Info("scheduler started", "active_jobs", len(s.runners))
	return nil
}

// Run starts the scheduler and blocks until ctx is cancelled.
func (s *Scheduler) Run(ctx context.Context) error {
	if err := s.Start(ctx); err != nil {
		return err
	}
	<-ctx.Done()
	s.Stop()
	return nil
}

func (s *Scheduler) startLocked(job *Job) {
	runner := NewJobRunner(job, s.tick, s.reporter, s.logger)
	s.runners[job.ID] = runner
	go runner.Start(s.ctx)
}

// Stop stops all job runners
func (s *Scheduler) Stop() {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.cancel != nil {
		s.cancel()
	}
	for id, runner := range s.runners {
		runner.Stop()
		s.logger.Debug("stopped job runner", "job", id)
	}
	s.runners = make(map[string]*JobRunner)
	s.logger.Info("scheduler stopped")
}

// AddJob adds a new job to the scheduler
func (s *Scheduler) AddJob(job *Job) error {
	if err := job.Validate(); err != nil {
		return fmt.Errorf("invalid job: %w", err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.jobs[job.ID]; exists {
		return fmt.Errorf("job with ID %s already exists", job.ID)
	}
	s.jobs[job.ID] = job

	if s.ctx != nil && s.ctx.Err() == nil && job.Enabled {
		s.startLocked(job)
		s.logger.Info("job added and started", "job", job.ID)
	} else {
		s.logger.Debug("job added", "job", job.ID, "enabled", job.Enabled)
	}
	return nil
}

// RemoveJob removes a job from the scheduler
func (s *Scheduler) RemoveJob(id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.jobs[id]; !exists {
		return fmt.Errorf("job not found: %s", id)
	}
	if runner, exists := s.runners[id]; exists {
		runner.Stop()
		delete(s.runners, id)
	}
	delete(s.jobs, id)
	s.logger.Info("job removed", "job", id)
	return nil
}

// RunJobNow triggers a job immediately (bypassing schedule)
func (s *Scheduler) RunJobNow(ctx context.Context, id string) error {
	s.mu.RLock()
	job, exists := s.jobs[id]
	s.mu.RUnlock()

	if !exists {
		return fmt.Errorf("job not found: %s", id)
	}
	NewJobRunner(job, s.tick, s.reporter, s.logger).executeJob(ctx)
	if st := job.State(); st.LastError != "" {
		return fmt.Errorf("job %s: %s", id, st.LastError)
	}
	return nil
}

// JobStatus is a read-only view of a job.
type JobStatus struct {
	ID      string   `json:"id"`
	Name    string   `json:"name"`
	Enabled bool     `json:"enabled"`
	State   JobState `json:"state"`
}

// ListJobs returns every job's status sorted by ID.
func (s *Scheduler) ListJobs() []JobStatus {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]JobStatus, 0, len(s.jobs))
	for _, job := range s.jobs {
		out = append(out, JobStatus{ID: job.ID, Name: job.Name, Enabled: job.Enabled, State: job.State()})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// GetStats returns scheduler statistics
func (s *Scheduler) GetStats() map[string]interface{} {
	s.mu.RLock()
	defer s.mu.RUnlock()

	totalRuns := int64(0)
	totalErrors := int64(0)
	activeJobs := 0
	for _, job := range s.jobs {
		st := job.State()
		totalRuns += st.RunCount
		totalErrors += st.ErrorCount
		if job.Enabled {
			activeJobs++
		}
	}

	return map[string]interface{}{
		"total_jobs":   len(s.jobs),
		"active_jobs":  activeJobs,
		"running_jobs": len(s.runners),
		"total_runs":   totalRuns,
		"total_errors": totalErrors,
	}
}

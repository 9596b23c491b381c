package scheduler

import (
	"context"
	"fmt"
	"log/slog"
	"time"
)

// Reporter receives job outcomes. *health.Registry satisfies it.
type Reporter interface {
	MarkOK(name string)
	MarkError(name string, err error)
}

type nopReporter struct{}

func (nopReporter) MarkOK(string)           {}
func (nopReporter) MarkError(string, error) {}

// JobRunner executes a single job on schedule
type JobRunner struct {
	job      *Job
	tick     time.Duration
	logger   *slog.Logger
	reporter Reporter
	stopCh   chan struct{}
	doneCh   chan struct{}
}

// NewJobRunner creates a new job runner. tick is how often cron and at
// schedules are checked.
func NewJobRunner(job *Job, tick time.Duration, reporter Reporter, log *slog.Logger) *JobRunner {
	if log == nil {
		log = slog.Default()
	}
	if reporter == nil {
		reporter = nopReporter{}
	}
	if tick <= 0 {
		tick = time.Minute
	}
	return &JobRunner{
		job:      job,
		tick:     tick,
		reporter: reporter,
		logger:   log.With("job", job.ID),
		stopCh:   make(chan struct{}),
		doneCh:   make(chan struct{}),
	}
}

// Start begins executing the job on schedule
func (r *JobRunner) Start(ctx context.Context) {
	defer close(r.doneCh)

	if !r.job.Enabled {
		r.logger.Debug("job disabled, not starting")
		return
	}

	nextRun, err := r.job.NextRun(time.Now())
	if err != nil {
		r.logger.Error("failed to calculate next run", "error", err)
		return
	}
	r.job.updateState(func(s *JobState) { s.NextRunAt = nextRun })
	r.logger.Info("job runner started", "next_run", nextRun.Format(time.RFC3339))

	tickerDuration := r.tick
	if r.job.Schedule.Kind == "interval" {
		tickerDuration = r.job.Schedule.Interval
	}
	ticker := time.NewTicker(tickerDuration)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			r.logger.Debug("job runner stopped (context cancelled)")
			return
		case <-r.stopCh:
			r.logger.Debug("job runner stopped")
			return
		case now := <-ticker.C:
			if r.job.Schedule.Kind != "interval" && now.Before(r.job.State().NextRunAt) {
				continue
			}
			r.executeJob(ctx)

			nextRun, err := r.job.NextRun(time.Now())
			if err != nil {
				r.logger.Error("failed to calculate next run", "error", err)
				continue
			}
			r.job.updateState(func(s *JobState) { s.NextRunAt = nextRun })
			r.logger.Debug("next run scheduled", "next_run", nextRun.Format(time.RFC3339))
		}
	}
}

// Stop stops the job runner
func (r *JobRunner) Stop() {
	close(r.stopCh)
	<-r.doneCh
}

// executeJob runs the job once. A panicking task counts as a failure.
func (r *JobRunner) executeJob(ctx context.Context) {
	start := time.Now()
	r.logger.Debug("executing job")

	err := r.runTask(ctx)
	duration := time.Since(start)

	var state JobState
	r.job.updateState(func(s *JobState) {
		s.LastRunAt = time.Now()
		s.LastDuration = duration
		s.RunCount++
		if err != nil {
			s.ErrorCount++
			s.LastError = err.Error()
		} else {
			s.LastError = ""
		}
		state = *s
	})

	name := "job:" + r.job.ID
	if err != nil {
		r.reporter.MarkError(name, err)
		r.logger.Error("job failed",
			"error", err,
			"duration", duration,
			"run_count", state.RunCount,
			"error_count", state.ErrorCount)
		return
	}
	r.reporter.MarkOK(name)
	r.logger.Debug("job completed", "duration", duration, "run_count", state.RunCount)
}

func (r *JobRunner) runTask(ctx context.Context) (err error) {
	defer func() {
		if p := recover(); p != nil {
			err = fmt.Errorf("job panicked: %v", p)
		}
	}()
	return r.job.Task(ctx)
}

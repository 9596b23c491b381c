package scheduler

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/robfig/cron/v3"
)

// Task is the work a job performs.
type Task func(ctx context.Context) error

// Job represents a scheduled maintenance task
type Job struct {
	ID       string
	Name     string
	Schedule ScheduleConfig
	Task     Task
	Enabled  bool

	mu    sync.Mutex
	state JobState
}

// ScheduleConfig defines when a job runs
type ScheduleConfig struct {
	Kind     string        // "interval", "cron", "at"
	Interval time.Duration // interval schedules
	Expr     string        // cron expression, descriptors such as @daily allowed
	Time     string        // "HH:MM" for daily
	Timezone string
}

// JobState tracks job execution state
type JobState struct {
	LastRunAt    time.Time     `json:"last_run_at,omitempty"`
	NextRunAt    time.Time     `json:"next_run_at,omitempty"`
	RunCount     int64         `json:"run_count"`
	ErrorCount   int64         `json:"error_count"`
	LastError    string        `json:"last_error,omitempty"`
	LastDuration time.Duration `json:"last_duration,omitempty"`
}

// Validate checks if job configuration is valid
func (j *Job) Validate() error {
	if j.ID == "" {
		return fmt.Errorf("job ID required")
	}
	if j.Name == "" {
		return fmt.Errorf("job name required")
	}
	if j.Task == nil {
		return fmt.Errorf("job %s has no task", j.ID)
	}

	switch j.Schedule.Kind {
	case "interval":
		if j.Schedule.Interval <= 0 {
			return fmt.Errorf("interval must be positive")
		}
	case "cron":
		if j.Schedule.Expr == "" {
			return fmt.Errorf("cron expression required")
		}
		if _, err := cron.ParseStandard(j.Schedule.Expr); err != nil {
			return fmt.Errorf("invalid cron expression: %w", err)
		}
	case "at":
		if j.Schedule.Time == "" {
			return fmt.Errorf("time required for 'at' schedule")
		}
		if _, err := time.Parse("15:04", j.Schedule.Time); err != nil {
			return fmt.Errorf("invalid time format (use HH:MM): %w", err)
		}
	default:
		return fmt.Errorf("unknown schedule kind: %s (use interval, cron, or at)", j.Schedule.Kind)
	}
	return nil
}

// NextRun calculates the next run time based on schedule
func (j *Job) NextRun(from time.Time) (time.Time, error) {
	switch j.Schedule.Kind {
	case "interval":
		return from.Add(j.Schedule.Interval), nil

	case "cron":
		schedule, err := cron.ParseStandard(j.Schedule.Expr)
		if err != nil {
			return time.Time{}, fmt.Errorf("parse cron: %w", err)
		}
		return schedule.Next(from), nil

	case "at":
		t, err := time.Parse("15:04", j.Schedule.Time)
		if err != nil {
			return time.Time{}, fmt.Errorf("parse time: %w", err)
		}
		loc := time.Local
		if j.Schedule.Timezone != "" {
			loc, err = time.LoadLocation(j.Schedule.Timezone)
			if err != nil {
				return time.Time{}, fmt.Errorf("load timezone: %w", err)
			}
		}
		local := from.In(loc)
		next := time.Date(local.Year(), local.Month(), local.Day(), t.Hour(), t.Minute(), 0, 0, loc)
		if !next.After(from) {
			next = next.AddDate(0, 0, 1)
		}
		return next, nil

	default:
		return time.Time{}, fmt.Errorf("unknown schedule kind: %s", j.Schedule.Kind)
	}
}

// State returns a copy of the execution state.
func (j *Job) State() JobState {
	j.mu.Lock()
	defer j.mu.Unlock()
	return j.state
}

func (j *Job) updateState(fn func(*JobState)) {
	j.mu.Lock()
	fn(&j.state)
	j.mu.Unlock()
}

package audit

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
)

// Recorder fans events out to its sinks. A failing sink is logged and skipped;
// the remaining sinks still receive the event.
type Recorder struct {
	mu     sync.RWMutex
	sinks  []Sink
	logger *slog.Logger
	now    func() time.Time
}

// NewRecorder creates a Recorder writing to sinks.
func NewRecorder(logger *slog.Logger, sinks ...Sink) *Recorder {
	return &Recorder{
		sinks:  sinks,
		logger: logger.With("component", "audit"),
		now:    time.Now,
	}
}

// AddSink attaches another sink.
func (r *Recorder) AddSink(s Sink) {
	r.mu.Lock()
	r.sinks = append(r.sinks, s)
	r.mu.Unlock()
}

// Emit stamps the event with an ID and time when missing and delivers it.
func (r *Recorder) Emit(ctx context.Context, ev Event) {
	if ev.ID == "" {
		ev.ID = uuid.NewString()
	}
	if ev.Time.IsZero() {
		ev.Time = r.now().UTC()
	}

	r.mu.RLock()
	sinks := r.sinks
	r.mu.RUnlock()

	for _, s := range sinks {
		if err := s.Record(ctx, ev); err != nil {
			r.logger.Error("audit sink failed", "kind", ev.Kind, "error", err)
		}
	}
}

// Close closes every sink and returns the joined errors.
func (r *Recorder) Close() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	var errs []error
	for _, s := range r.sinks {
		if err := s.Close(); err != nil {
			errs = append(errs, err)
		}
	}
	r.sinks = nil
	return errors.Join(errs...)
}

// LogSink writes events to a structured logger at Warn level.
type LogSink struct {
	logger *slog.Logger
}

// NewLogSink creates a LogSink.
func NewLogSink(logger *slog.Logger) *LogSink {
	return &LogSink{logger: logger.With("component", "security")}
}

func (s *LogSink) Record(ctx context.Context, ev Event) error {
	attrs := []any{
		"event_id", ev.ID,
		"kind", string(ev.Kind),
		"source", ev.Component,
	}
	if ev.Subject != "" {
		attrs = append(attrs, "subject", ev.Subject)
	}
	if ev.Reason != "" {
		attrs = append(attrs, "reason", ev.Reason)
	}
	if ev.Remote != "" {
		attrs = append(attrs, "remote", ev.Remote)
	}
	level := slog.LevelWarn
	if ev.Kind == KindPaired || ev.Kind == KindSecretMigrated {
		level = slog.LevelInfo
	}
	s.logger.Log(ctx, level, "security event", attrs...)
	return nil
}

func (s *LogSink) Close() error { return nil }

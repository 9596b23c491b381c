// Package health tracks the state of long-running daemon components for the
// gateway's /health endpoint.
package health

import (
	"log/slog"
	"sort"
	"sync"
	"time"
)

// State is a component's health state.
type State string

const (
	StateStarting State = "starting"
	StateOK       State = "ok"
	StateError    State = "error"
	StateStopped  State = "stopped"
)

// Component is the health record for one component.
type Component struct {
	State        State      `json:"status"`
	UpdatedAt    time.Time  `json:"updated_at"`
	LastOK       *time.Time `json:"last_ok,omitempty"`
	LastError    string     `json:"last_error,omitempty"`
	RestartCount uint64     `json:"restart_count"`
}

// Snapshot is the serialisable registry state.
type Snapshot struct {
	PID           int                  `json:"pid"`
	UpdatedAt     time.Time            `json:"updated_at"`
	UptimeSeconds int64                `json:"uptime_seconds"`
	Components    map[string]Component `json:"components"`
}

// Registry holds component health. The zero value is not usable; call
// NewRegistry.
type Registry struct {
	mu         sync.RWMutex
	started    time.Time
	pid        int
	components map[string]*Component
	now        func() time.Time
	logger     *slog.Logger
}

// NewRegistry creates a registry. pid is reported verbatim.
func NewRegistry(pid int, logger *slog.Logger) *Registry {
	if logger == nil {
		logger = slog.Default()
	}
	return &Registry{
		started:    time.Now(),
		pid:        pid,
		components: make(map[string]*Component),
		now:        time.Now,
		logger:     logger.With("component", "health"),
	}
}

func (r *Registry) getOrCreate(name string) *Component {
	if c, ok := r.components[name]; ok {
		return c
	}
	c := &Component{State: StateStarting, UpdatedAt: r.now()}
	r.components[name] = c
	return c
}

// MarkOK records a healthy heartbeat and clears the last error.
func (r *Registry) MarkOK(name string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	c := r.getOrCreate(name)
	now := r.now()
	if c.State == StateError {
		r.logger.Info("component recovered", "name", name)
	}
	c.State = StateOK
	c.UpdatedAt = now
	c.LastOK = &now
	c.LastError = ""
}

// MarkError records a failure.
func (r *Registry) MarkError(name string, err error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	c := r.getOrCreate(name)
	c.State = StateError
	c.UpdatedAt = r.now()
	if err != nil {
		c.LastError = err.Error()
	}
	r.logger.Warn("component unhealthy", "name", name, "error", err)
}

// MarkStopped records a clean shutdown.
func (r *Registry) MarkStopped(name string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	c := r.getOrCreate(name)
	c.State = StateStopped
	c.UpdatedAt = r.now()
}

// BumpRestart increments a component's restart counter.
func (r *Registry) BumpRestart(name string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	c := r.getOrCreate(name)
	c.RestartCount++
	c.UpdatedAt = r.now()
}

// Healthy reports whether no component is in the error state.
func (r *Registry) Healthy() bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	for _, c := range r.components {
		if c.State == StateError {
			return false
		}
	}
	return true
}

// Names returns the registered component names in order.
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.components))
	for n := range r.components {
		names = append(names, n)
	}
	sort.Strings(names)
	return names
}

// Snapshot returns a copy of the current state.
func (r *Registry) Snapshot() Snapshot {
	r.mu.RLock()
	defer r.mu.RUnlock()
	now := r.now()
	out := Snapshot{
		PID:           r.pid,
		UpdatedAt:     now,
		UptimeSeconds: int64(now.Sub(r.started) / time.Second),
		Components:    make(map[string]Component, len(r.components)),
	}
	for name, c := range r.components {
		cp := *c
		if c.LastOK != nil {
			t := *c.LastOK
			cp.LastOK = &t
		}
		out.Components[name] = cp
	}
	return out
}

// Package tools holds the built-in agent tools. Every tool asks the security
// policy before touching the filesystem or spawning a process, and a denial
// is returned to the model as a failed result rather than an error.
package tools

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"sync"

	"github.com/clawinfra/clawguard/internal/security"
)

// Result is what a tool hands back to the model.
type Result struct {
	Success bool   `json:"success"`
	Output  string `json:"output"`
	Error   string `json:"error,omitempty"`
}

// Tool is a self-describing capability the agent may invoke.
type Tool interface {
	Name() string
	Description() string
	Schema() map[string]any
	Execute(ctx context.Context, args map[string]any) (*Result, error)
}

// Spec describes a tool for function-calling registration.
type Spec struct {
	Name        string         `json:"name"`
	Description string         `json:"description"`
	Parameters  map[string]any `json:"parameters"`
}

// Authorizer gates tool actions. *security.Policy satisfies it.
type Authorizer interface {
	Authorize(a security.Action) security.Decision
	ValidatePath(path string) security.Decision
	Workspace() string
}

type identityKey struct{}

// WithIdentity tags ctx with the caller charged for rate limiting.
func WithIdentity(ctx context.Context, id string) context.Context {
	return context.WithValue(ctx, identityKey{}, id)
}

// IdentityFrom returns the identity set by WithIdentity, or
// security.DefaultIdentity.
func IdentityFrom(ctx context.Context) string {
	if id, ok := ctx.Value(identityKey{}).(string); ok && id != "" {
		return id
	}
	return security.DefaultIdentity
}

func denied(d security.Decision) *Result {
	return &Result{Error: d.Err().Error()}
}

func stringArg(args map[string]any, key string) (string, error) {
	v, ok := args[key]
	if !ok {
		return "", fmt.Errorf("missing %q parameter", key)
	}
	s, ok := v.(string)
	if !ok {
		return "", fmt.Errorf("parameter %q must be a string", key)
	}
	return s, nil
}

// Registry holds the tools available to the agent.
type Registry struct {
	mu     sync.RWMutex
	tools  map[string]Tool
	logger *slog.Logger
}

// NewRegistry creates a registry holding tools.
func NewRegistry(logger *slog.Logger, tools ...Tool) *Registry {
	if logger == nil {
		logger = slog.Default()
	}
	r := &Registry{tools: make(map[string]Tool), logger: logger.With("component", "tools")}
	for _, t := range tools {
		r.Register(t)
	}
	return r
}

// Register adds or replaces a tool.
func (r *Registry) Register(t Tool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.tools[t.Name()] = t
}

// Get returns the named tool.
func (r *Registry) Get(name string) (Tool, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	t, ok := r.tools[name]
	return t, ok
}

// Specs lists every tool sorted by name.
func (r *Registry) Specs() []Spec {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]Spec, 0, len(r.tools))
	for _, t := range r.tools {
		out = append(out, Spec{Name: t.Name(), Description: t.Description(), Parameters: t.Schema()})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

// Execute runs the named tool.
func (r *Registry) Execute(ctx context.Context, name string, args map[string]any) (*Result, error) {
	t, ok := r.Get(name)
	if !ok {
		return nil, fmt.Errorf("tools: unknown tool %q", name)
	}
	res, err := t.Execute(ctx, args)
	if err != nil {
		r.logger.Warn("tool failed", "tool", name, "error", err)
		return nil, err
	}
	if !res.Success {
		r.logger.Debug("tool returned failure", "tool", name, "error", res.Error)
	}
	return res, nil
}

// Builtins returns the standard tool set bound to auth.
func Builtins(auth Authorizer) []Tool {
	return []Tool{
		NewShellTool(auth),
		NewFileReadTool(auth),
		NewFileWriteTool(auth),
	}
}

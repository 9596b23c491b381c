// Package security gates tool execution: a workspace path sandbox, a command
// allowlist, a per-identity rate limiter and the autonomy level that sits in
// front of all three.
package security

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/clawinfra/clawguard/internal/audit"
)

// AutonomyLevel bounds what the agent may do without a human.
type AutonomyLevel string

const (
	AutonomyReadOnly   AutonomyLevel = "readonly"
	AutonomySupervised AutonomyLevel = "supervised"
	AutonomyFull       AutonomyLevel = "full"
)

// ParseAutonomy validates a configured level.
func ParseAutonomy(s string) (AutonomyLevel, error) {
	switch l := AutonomyLevel(s); l {
	case AutonomyReadOnly, AutonomySupervised, AutonomyFull:
		return l, nil
	default:
		return "", fmt.Errorf("security: unknown autonomy level %q", s)
	}
}

// ActionType classifies a tool action.
type ActionType string

const (
	ActionRead    ActionType = "read"
	ActionWrite   ActionType = "write"
	ActionExecute ActionType = "execute"
	ActionDelete  ActionType = "delete"
)

// Action represents a tool action to be validated by the security policy.
type Action struct {
	Type     ActionType
	Path     string // file path (if applicable)
	Command  string // command line (if applicable)
	Tool     string // tool name
	Identity string // who is acting; rate limits are per identity
}

// DefaultIdentity is charged for actions that carry no identity.
const DefaultIdentity = "agent"

// Backend is what tool executors consult. *Policy is the production
// implementation.
type Backend interface {
	ValidatePath(path string) Decision
	ValidateCommand(line string) Decision
	CheckRate(identity string) Decision
}

// Policy is the façade over sandbox, command policy and rate limiter.
type Policy struct {
	level    AutonomyLevel
	sandbox  *PathSandbox
	commands *CommandPolicy
	limiter  *RateLimiter
	events   audit.Emitter
	logger   *slog.Logger
}

// Option configures a Policy.
type Option func(*Policy)

// WithEmitter sends denials to e.
func WithEmitter(e audit.Emitter) Option {
	return func(p *Policy) { p.events = audit.OrNop(e) }
}

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(p *Policy) { p.logger = l }
}

// WithClock replaces the rate limiter's clock.
func WithClock(now func() time.Time) Option {
	return func(p *Policy) { p.limiter.now = now }
}

// NewPolicy creates a Policy from a SecurityConfig. The workspace root must
// exist.
func NewPolicy(cfg SecurityConfig, opts ...Option) (*Policy, error) {
	level, err := ParseAutonomy(cfg.Autonomy.Level)
	if err != nil {
		return nil, err
	}
	sandbox, err := NewPathSandbox(cfg.Sandbox.WorkspacePath, SandboxOptions{
		RelativeOnly:   cfg.Sandbox.RelativeOnly,
		ForbiddenPaths: cfg.Autonomy.ForbiddenPaths,
	})
	if err != nil {
		return nil, err
	}
	window := time.Duration(cfg.RateLimit.WindowSeconds) * time.Second

	p := &Policy{
		level:    level,
		sandbox:  sandbox,
		commands: NewCommandPolicy(cfg.Autonomy.AllowedCommands),
		limiter:  NewRateLimiter(cfg.RateLimit.MaxActionsPerHour, window),
		events:   audit.Nop{},
		logger:   slog.Default(),
	}
	for _, o := range opts {
		o(p)
	}
	p.logger = p.logger.With("component", "policy")
	return p, nil
}

// Level returns the autonomy level.
func (p *Policy) Level() AutonomyLevel { return p.level }

// Workspace returns the canonical workspace root.
func (p *Policy) Workspace() string { return p.sandbox.Root() }

// Limiter exposes the rate limiter for maintenance sweeps.
func (p *Policy) Limiter() *RateLimiter { return p.limiter }

// ValidatePath checks a path against the sandbox.
func (p *Policy) ValidatePath(path string) Decision {
	d := p.sandbox.Validate(path)
	if !d.Allowed {
		p.report(audit.KindPathDenied, path, d)
	}
	return d
}

// ValidateCommand checks a command line against the allowlist.
func (p *Policy) ValidateCommand(line string) Decision {
	d := p.commands.Validate(line)
	if !d.Allowed {
		p.report(audit.KindCommandDenied, commandName(line), d)
	}
	return d
}

// CheckRate charges one action to identity.
func (p *Policy) CheckRate(identity string) Decision {
	if identity == "" {
		identity = DefaultIdentity
	}
	d := p.limiter.CheckAndRecord(identity)
	if !d.Allowed {
		p.report(audit.KindRateLimited, identity, d)
	}
	return d
}

// Authorize runs the full gate for an action: autonomy level first, then the
// path and command checks, and finally the rate limit for acting tools, so a
// denied action never consumes budget.
func (p *Policy) Authorize(a Action) Decision {
	switch p.level {
	case AutonomyReadOnly:
		if a.Type == ActionWrite || a.Type == ActionExecute || a.Type == ActionDelete {
			d := Deny(CategoryAutonomy, "autonomy level 'readonly' blocks %s actions", a.Type)
			p.report(audit.KindAutonomyDenied, a.Tool, d)
			return d
		}
	case AutonomySupervised:
		if a.Type == ActionDelete {
			d := Deny(CategoryAutonomy, "autonomy level 'supervised' blocks delete actions without approval")
			p.report(audit.KindAutonomyDenied, a.Tool, d)
			return d
		}
	case AutonomyFull:
	default:
		return Deny(CategoryAutonomy, "unknown autonomy level: %s", p.level)
	}

	var result Decision
	switch a.Type {
	case ActionRead, ActionWrite, ActionExecute, ActionDelete:
		result = Allow(CategoryAutonomy)
	default:
		return Deny(CategoryAutonomy, "unknown action type %q", a.Type)
	}

	if a.Path != "" {
		d := p.ValidatePath(a.Path)
		if !d.Allowed {
			return d
		}
		result = d
	}
	if a.Command != "" {
		if d := p.ValidateCommand(a.Command); !d.Allowed {
			return d
		}
	}
	if a.Type != ActionRead {
		if d := p.CheckRate(a.Identity); !d.Allowed {
			return d
		}
	}
	return result
}

func (p *Policy) report(kind audit.Kind, subject string, d Decision) {
	p.logger.Debug("denied", "category", d.Category, "reason", d.Reason)
	p.events.Emit(context.Background(), audit.Event{
		Kind:      kind,
		Component: "policy",
		Subject:   subject,
		Reason:    d.Reason,
	})
}

// commandName keeps only the first word of a command line for audit records,
// so arguments that may contain secrets are not logged.
func commandName(line string) string {
	fields := strings.Fields(line)
	if len(fields) == 0 {
		return ""
	}
	return fields[0]
}

var _ Backend = (*Policy)(nil)

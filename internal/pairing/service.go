// Package pairing authenticates gateway clients. On first start the operator
// sees a six-digit code; a client that presents it receives a bearer token,
// which is then required on every protected request.
package pairing

import (
	"context"
	"crypto/rand"
	"crypto/sha256"
	"crypto/subtle"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/clawinfra/clawguard/internal/audit"
)

// Defaults for brute-force protection.
const (
	DefaultMaxAttempts = 5
	DefaultLockout     = 5 * time.Minute
)

var (
	ErrAuthenticationFailed = errors.New("pairing: authentication failed")
	ErrLockedOut            = errors.New("pairing: locked out")
)

// State is the pairing session state.
type State int

const (
	StateUnpaired State = iota
	StateCodeIssued
	StatePaired
	StateLocked
)

func (s State) String() string {
	switch s {
	case StateUnpaired:
		return "unpaired"
	case StateCodeIssued:
		return "code_issued"
	case StatePaired:
		return "paired"
	case StateLocked:
		return "locked"
	default:
		return fmt.Sprintf("state(%d)", int(s))
	}
}

// Outcome is the result class of a verification attempt.
type Outcome int

const (
	Rejected Outcome = iota
	Accepted
	Locked
)

// Result of Verify. Token is set only when Accepted; RetryAfter only when
// Locked.
type Result struct {
	Outcome    Outcome
	Token      string
	RetryAfter time.Duration
	Reason     string
}

// Err maps a non-accepted result to ErrAuthenticationFailed or ErrLockedOut.
func (r Result) Err() error {
	switch r.Outcome {
	case Accepted:
		return nil
	case Locked:
		return fmt.Errorf("%w: retry after %s", ErrLockedOut, r.RetryAfter.Round(time.Second))
	default:
		return ErrAuthenticationFailed
	}
}

// Sealer encrypts tokens for persistence. *secrets.Store satisfies it.
type Sealer interface {
	EncryptString(plaintext string) (string, error)
	DecryptAndMigrate(envelope string) ([]byte, string, error)
}

// Persister stores the sealed token list. The config layer implements it.
type Persister interface {
	SavePairedTokens(sealed []string) error
}

// PersistFunc adapts a function to Persister.
type PersistFunc func(sealed []string) error

func (f PersistFunc) SavePairedTokens(sealed []string) error { return f(sealed) }

// Config configures a Service.
type Config struct {
	RequirePairing bool
	MaxAttempts    int
	Lockout        time.Duration
}

// Service holds the pairing session and the set of paired tokens. Tokens
// live in memory only as SHA-256 digests and on disk only as sealed
// envelopes.
type Service struct {
	mu sync.Mutex
	// saveMu orders snapshots of sealed with the saves that write them.
	saveMu      sync.Mutex
	require     bool
	code        string
	issuedAt    time.Time
	attempts    int
	lockedUntil time.Time
	digests     [][sha256.Size]byte
	sealed      []string

	maxAttempts int
	lockout     time.Duration
	sealer      Sealer
	persist     Persister
	now         func() time.Time
	rand        io.Reader
	events      audit.Emitter
	logger      *slog.Logger
}

// Option configures a Service.
type Option func(*Service)

// WithClock replaces the clock.
func WithClock(now func() time.Time) Option { return func(s *Service) { s.now = now } }

// WithRand replaces the randomness source.
func WithRand(r io.Reader) Option { return func(s *Service) { s.rand = r } }

// WithEmitter sends pairing events to e.
func WithEmitter(e audit.Emitter) Option { return func(s *Service) { s.events = audit.OrNop(e) } }

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option { return func(s *Service) { s.logger = l } }

// New restores paired tokens from their sealed form, migrating legacy
// envelopes, and issues a code if pairing is required and nobody is paired.
// Envelopes that fail to open are dropped.
func New(cfg Config, sealer Sealer, persist Persister, sealedTokens []string, opts ...Option) (*Service, error) {
	if sealer == nil || persist == nil {
		return nil, errors.New("pairing: sealer and persister are required")
	}
	s := &Service{
		require:     cfg.RequirePairing,
		maxAttempts: cfg.MaxAttempts,
		lockout:     cfg.Lockout,
		sealer:      sealer,
		persist:     persist,
		now:         time.Now,
		rand:        rand.Reader,
		events:      audit.Nop{},
		logger:      slog.Default(),
	}
	if s.maxAttempts <= 0 {
		s.maxAttempts = DefaultMaxAttempts
	}
	if s.lockout <= 0 {
		s.lockout = DefaultLockout
	}
	for _, o := range opts {
		o(s)
	}
	s.logger = s.logger.With("component", "pairing")

	dirty := false
	for _, env := range sealedTokens {
		plain, upgraded, err := sealer.DecryptAndMigrate(env)
		if err != nil {
			s.logger.Warn("dropping unreadable paired token", "error", err)
			dirty = true
			continue
		}
		if upgraded != "" {
			env = upgraded
			dirty = true
		}
		s.digests = append(s.digests, sha256.Sum256(plain))
		s.sealed = append(s.sealed, env)
		wipe(plain)
	}
	if dirty {
		if err := persist.SavePairedTokens(append([]string(nil), s.sealed...)); err != nil {
			return nil, fmt.Errorf("pairing: persist migrated tokens: %w", err)
		}
	}

	if s.require && len(s.digests) == 0 {
		if _, err := s.IssueCode(); err != nil {
			return nil, err
		}
	}
	return s, nil
}

// RequirePairing reports whether authentication is enforced.
func (s *Service) RequirePairing() bool { return s.require }

// IssueCode starts a new pairing session, replacing any active code and
// clearing attempts and lockout.
func (s *Service) IssueCode() (string, error) {
	code, err := newCode(s.rand)
	if err != nil {
		return "", err
	}
	s.mu.Lock()
	s.code = code
	s.issuedAt = s.now()
	s.attempts = 0
	s.lockedUntil = time.Time{}
	s.mu.Unlock()
	s.logger.Info("pairing code issued")
	return code, nil
}

// Code returns the active pairing code, or "" when none is active.
func (s *Service) Code() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.code
}

// State returns the current session state.
func (s *Service) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.stateLocked(s.now())
}

func (s *Service) stateLocked(now time.Time) State {
	switch {
	case now.Before(s.lockedUntil):
		return StateLocked
	case s.code != "":
		return StateCodeIssued
	case len(s.digests) > 0:
		return StatePaired
	default:
		return StateUnpaired
	}
}

// IsPaired reports whether at least one token is registered.
func (s *Service) IsPaired() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.digests) > 0
}

// Verify checks candidate against the active code. While locked out it
// answers Locked without comparing. Each mismatch counts toward the lockout;
// the attempt that reaches the limit is rejected and starts the cool-down.
// A match consumes the code and returns a new bearer token. remote is used
// only for audit records.
func (s *Service) Verify(ctx context.Context, candidate, remote string) Result {
	candidate = strings.TrimSpace(candidate)

	s.mu.Lock()
	now := s.now()
	if now.Before(s.lockedUntil) {
		remaining := s.lockedUntil.Sub(now)
		s.mu.Unlock()
		s.emit(ctx, audit.KindPairingLocked, remote, "attempt during lockout")
		return Result{Outcome: Locked, RetryAfter: remaining, Reason: "too many failed attempts"}
	}
	if s.code == "" {
		s.mu.Unlock()
		s.emit(ctx, audit.KindPairingFailed, remote, "no active pairing code")
		return Result{Outcome: Rejected, Reason: "no active pairing code"}
	}

	if !ConstantTimeEqual(candidate, s.code) {
		s.attempts++
		attempts := s.attempts
		if attempts >= s.maxAttempts {
			s.lockedUntil = now.Add(s.lockout)
		}
		s.mu.Unlock()
		if attempts >= s.maxAttempts {
			s.emit(ctx, audit.KindPairingLocked, remote, fmt.Sprintf("%d consecutive failures", attempts))
		} else {
			s.emit(ctx, audit.KindPairingFailed, remote, "invalid pairing code")
		}
		return Result{Outcome: Rejected, Reason: "invalid pairing code"}
	}

	token, err := newToken(s.rand)
	if err != nil {
		s.mu.Unlock()
		s.logger.Error("token generation failed", "error", err)
		return Result{Outcome: Rejected, Reason: "internal error"}
	}
	s.code = ""
	s.attempts = 0
	s.lockedUntil = time.Time{}
	digest := sha256.Sum256([]byte(token))
	s.digests = append(s.digests, digest)
	s.mu.Unlock()

	if err := s.persistToken(token, digest); err != nil {
		s.logger.Error("paired token not persisted; it is valid until restart", "error", err)
	}
	s.emit(ctx, audit.KindPaired, remote, "")
	return Result{Outcome: Accepted, Token: token}
}

// persistToken seals token and saves the full sealed list. It runs without
// the session lock held; a token revoked by Reset in the meantime is not
// written.
func (s *Service) persistToken(token string, digest [sha256.Size]byte) error {
	env, err := s.sealer.EncryptString(token)
	if err != nil {
		return err
	}
	s.saveMu.Lock()
	defer s.saveMu.Unlock()
	s.mu.Lock()
	if !s.registeredLocked(digest) {
		s.mu.Unlock()
		s.logger.Info("paired token revoked before it was persisted")
		return nil
	}
	s.sealed = append(s.sealed, env)
	list := append([]string(nil), s.sealed...)
	s.mu.Unlock()
	return s.persist.SavePairedTokens(list)
}

func (s *Service) registeredLocked(d [sha256.Size]byte) bool {
	for i := range s.digests {
		if s.digests[i] == d {
			return true
		}
	}
	return false
}

// Authenticate reports whether token belongs to a paired client. When
// pairing is not required every caller is accepted. The digest is compared
// against every registered digest with no early exit.
func (s *Service) Authenticate(token string) bool {
	if !s.require {
		return true
	}
	if token == "" {
		return false
	}
	d := sha256.Sum256([]byte(token))

	s.mu.Lock()
	defer s.mu.Unlock()
	match := 0
	for i := range s.digests {
		match |= subtle.ConstantTimeCompare(d[:], s.digests[i][:])
	}
	return match == 1
}

// Reset forgets every paired token and issues a fresh code.
func (s *Service) Reset() (string, error) {
	s.saveMu.Lock()
	s.mu.Lock()
	s.digests = nil
	s.sealed = nil
	s.mu.Unlock()
	err := s.persist.SavePairedTokens(nil)
	s.saveMu.Unlock()
	if err != nil {
		return "", fmt.Errorf("pairing: persist reset: %w", err)
	}
	return s.IssueCode()
}

func (s *Service) emit(ctx context.Context, kind audit.Kind, remote, reason string) {
	s.events.Emit(ctx, audit.Event{
		Kind:      kind,
		Component: "pairing",
		Remote:    remote,
		Reason:    reason,
	})
}

func wipe(b []byte) {
	for i := range b {
		b[i] = 0
	}
}

// Package audit records security events: every denial, lockout, SSRF block
// and credential change the trust layer produces. Producers hold an Emitter;
// the Recorder fans events out to any number of sinks (log, SQLite, MQTT,
// live WebSocket subscribers).
package audit

import (
	"context"
	"time"
)

// Kind classifies a security event.
type Kind string

const (
	KindPathDenied     Kind = "path_denied"
	KindCommandDenied  Kind = "command_denied"
	KindRateLimited    Kind = "rate_limited"
	KindAutonomyDenied Kind = "autonomy_denied"
	KindSSRFBlocked    Kind = "ssrf_blocked"
	KindPairingFailed  Kind = "pairing_failed"
	KindPairingLocked  Kind = "pairing_locked"
	KindPaired         Kind = "paired"
	KindAuthFailed     Kind = "auth_failed"
	KindCryptoFailure  Kind = "crypto_failure"
	KindSecretMigrated Kind = "secret_migrated"
	KindPermRepaired   Kind = "permissions_repaired"
)

// Event is one security-relevant occurrence. Subject names what was acted on
// (a path, a command name, a host, a client address) and must never carry a
// secret value, pairing code or token.
type Event struct {
	ID        string    `json:"id"`
	Time      time.Time `json:"time"`
	Kind      Kind      `json:"kind"`
	Component string    `json:"component"`
	Subject   string    `json:"subject,omitempty"`
	Reason    string    `json:"reason,omitempty"`
	Remote    string    `json:"remote,omitempty"`
}

// Emitter accepts security events. Emit never blocks on slow sinks for long
// and never fails the caller's operation.
type Emitter interface {
	Emit(ctx context.Context, ev Event)
}

// Sink persists or forwards events.
type Sink interface {
	Record(ctx context.Context, ev Event) error
	Close() error
}

// Nop discards events.
type Nop struct{}

func (Nop) Emit(context.Context, Event) {}

// OrNop returns e, or Nop when e is nil.
func OrNop(e Emitter) Emitter {
	if e == nil {
		return Nop{}
	}
	return e
}

package security

import (
	"errors"
	"fmt"
	"time"
)

// ErrValidationDenied is the root of every path, command, rate, autonomy and
// network denial.
var ErrValidationDenied = errors.New("security: validation denied")

// Category names the check that produced a decision.
type Category string

const (
	CategoryPath     Category = "path"
	CategoryCommand  Category = "command"
	CategoryRate     Category = "rate"
	CategoryAutonomy Category = "autonomy"
	CategoryNetwork  Category = "network"
)

// Decision is the result of a single validation. The zero value denies.
type Decision struct {
	Allowed  bool
	Category Category
	// Canonical is the fully resolved path for allowed path decisions.
	// Callers must operate on it rather than on the path they submitted.
	Canonical string
	Reason    string
	// RetryAfter is set on rate denials.
	RetryAfter time.Duration
}

// Allow returns an allowing decision.
func Allow(cat Category) Decision {
	return Decision{Allowed: true, Category: cat}
}

// AllowPath returns an allowing path decision carrying the canonical path.
func AllowPath(canonical string) Decision {
	return Decision{Allowed: true, Category: CategoryPath, Canonical: canonical}
}

// Deny returns a denying decision with a formatted reason.
func Deny(cat Category, format string, args ...any) Decision {
	return Decision{Category: cat, Reason: fmt.Sprintf(format, args...)}
}

// DenyRetry returns a rate denial.
func DenyRetry(reason string, after time.Duration) Decision {
	return Decision{Category: CategoryRate, Reason: reason, RetryAfter: after}
}

// Err converts a denial into a *DeniedError; nil when allowed.
func (d Decision) Err() error {
	if d.Allowed {
		return nil
	}
	return &DeniedError{Category: d.Category, Reason: d.Reason, RetryAfter: d.RetryAfter}
}

// DeniedError describes a denial. It unwraps to ErrValidationDenied.
type DeniedError struct {
	Category   Category
	Reason     string
	RetryAfter time.Duration
}

func (e *DeniedError) Error() string {
	reason := e.Reason
	if reason == "" {
		reason = "denied"
	}
	if e.RetryAfter > 0 {
		return fmt.Sprintf("security: %s denied: %s (retry after %s)", e.Category, reason, e.RetryAfter.Round(time.Second))
	}
	return fmt.Sprintf("security: %s denied: %s", e.Category, reason)
}

func (e *DeniedError) Unwrap() error { return ErrValidationDenied }

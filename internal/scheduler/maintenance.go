package scheduler

import (
	"context"
	"log/slog"
	"time"
)

// Pruner deletes audit events older than a cutoff. *audit.Store satisfies it.
type Pruner interface {
	Prune(ctx context.Context, before time.Time) (int64, error)
}

// Sweeper drops idle rate-limit buckets. *security.RateLimiter satisfies it.
type Sweeper interface {
	Sweep() int
}

// KeyChecker repairs secret file permissions. *secrets.Store satisfies it.
type KeyChecker interface {
	CheckKeyFile() error
}

// PruneAuditJob deletes audit events older than retention() on the given
// cron schedule. A non-positive retention keeps everything.
func PruneAuditJob(expr string, store Pruner, retention func() time.Duration, logger *slog.Logger) *Job {
	return &Job{
		ID:       "audit-prune",
		Name:     "Prune audit events",
		Enabled:  true,
		Schedule: ScheduleConfig{Kind: "cron", Expr: expr},
		Task: func(ctx context.Context) error {
			keep := retention()
			if keep <= 0 {
				return nil
			}
			n, err := store.Prune(ctx, time.Now().Add(-keep))
			if err != nil {
				return err
			}
			if n > 0 {
				logger.Info("pruned audit events", "count", n)
			}
			return nil
		},
	}
}

// SweepLimiterJob drops idle rate-limit buckets every interval.
func SweepLimiterJob(interval time.Duration, limiter Sweeper, logger *slog.Logger) *Job {
	return &Job{
		ID:       "ratelimit-sweep",
		Name:     "Sweep idle rate-limit buckets",
		Enabled:  true,
		Schedule: ScheduleConfig{Kind: "interval", Interval: interval},
		Task: func(context.Context) error {
			if n := limiter.Sweep(); n > 0 {
				logger.Debug("swept idle rate-limit buckets", "count", n)
			}
			return nil
		},
	}
}

// KeyFileCheckJob re-asserts owner-only permissions on the key file.
func KeyFileCheckJob(interval time.Duration, checker KeyChecker) *Job {
	return &Job{
		ID:       "keyfile-check",
		Name:     "Check secret key permissions",
		Enabled:  true,
		Schedule: ScheduleConfig{Kind: "interval", Interval: interval},
		Task:     func(context.Context) error { return checker.CheckKeyFile() },
	}
}

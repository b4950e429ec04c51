package cron

import (
	"context"
	"fmt"
	"log/slog"
	"time"
)

const (
	JobSessionSweep  = "session_sweep"
	JobPresencePrune = "presence_prune"
)

type SessionSweeper interface {
	SweepExpired() int
}

type PresencePruner interface {
	PruneStalePresence(ctx context.Context, retention time.Duration) (int64, error)
}

// SessionSweepJob drops expired dashboard sessions.
func SessionSweepJob(spec string, sessions SessionSweeper, logger *slog.Logger) Job {
	return Job{
		Name: JobSessionSweep,
		Spec: spec,
		Run: func(ctx context.Context) error {
			if n := sessions.SweepExpired(); n > 0 {
				logger.InfoContext(ctx, "cron: expired sessions removed", "count", n)
			}
			return nil
		},
	}
}

// PresencePruneJob deletes presence rows not refreshed within retention.
func PresencePruneJob(spec string, pruner PresencePruner, retention time.Duration, logger *slog.Logger) Job {
	return Job{
		Name: JobPresencePrune,
		Spec: spec,
		Run: func(ctx context.Context) error {
			n, err := pruner.PruneStalePresence(ctx, retention)
			if err != nil {
				return fmt.Errorf("prune presence: %w", err)
			}
			if n > 0 {
				logger.InfoContext(ctx, "cron: stale presence pruned", "count", n, "retention", retention)
			}
			return nil
		},
	}
}

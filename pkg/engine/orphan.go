package engine

import (
	"context"
	"fmt"

	"github.com/strandlabs/strand/pkg/models"
)

// RecoverOrphans settles runs a previous process left in pending or
// running: each is marked interrupted and its thread reset to idle. Runs
// are never restarted; the client decides whether to resubmit. Call once
// at startup, before the engine serves traffic.
func (e *Engine) RecoverOrphans(ctx context.Context) (int, error) {
	runs, err := e.store.Runs().ListNonTerminal(ctx)
	if err != nil {
		return 0, fmt.Errorf("failed to list non-terminal runs: %w", err)
	}
	if len(runs) == 0 {
		return 0, nil
	}

	recovered := 0
	for _, run := range runs {
		if err := e.store.Runs().SetStatus(ctx, run.RunID, models.RunStatusInterrupted); err != nil {
			e.logger.Error("Failed to interrupt orphaned run",
				"run_id", run.RunID, "thread_id", run.ThreadID, "error", err)
			continue
		}
		if err := e.store.Threads().SetStatus(ctx, run.ThreadID, models.ThreadStatusIdle); err != nil {
			e.logger.Warn("Failed to reset thread of orphaned run",
				"run_id", run.RunID, "thread_id", run.ThreadID, "error", err)
		}
		e.logger.Warn("Recovered orphaned run",
			"run_id", run.RunID,
			"thread_id", run.ThreadID,
			"previous_status", string(run.Status))
		recovered++
	}
	e.logger.Info("Startup orphan recovery complete", "recovered", recovered)
	return recovered, nil
}

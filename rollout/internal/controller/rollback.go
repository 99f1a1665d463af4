package controller

import (
	"context"
	"fmt"
	"time"

	"github.com/OptiInfra/Platform/rollout/internal/metrics"
	"github.com/OptiInfra/Platform/rollout/internal/migrate"
	"github.com/OptiInfra/Platform/rollout/internal/models"
)

// RollbackManager restores migrated resources to their previous
// configuration. Reverts are tracked per resource so repeated calls on the
// same phase results never restore a resource twice.
type RollbackManager struct {
	executor migrate.Executor
	timeout  time.Duration
	reverted map[string]bool
}

func NewRollbackManager(executor migrate.Executor, timeout time.Duration) *RollbackManager {
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	return &RollbackManager{
		executor: executor,
		timeout:  timeout,
		reverted: make(map[string]bool),
	}
}

// Revert restores every resource migrated in the given phase, most recently
// migrated first. Each restore runs under its own timeout; failures are
// recorded and the remaining resources are still attempted. Resources already
// reverted by an earlier call are skipped, so the second Revert of the same
// phase is a no-op reporting success.
func (r *RollbackManager) Revert(ctx context.Context, phase models.PhaseResult) models.RollbackOutcome {
	outcome := models.RollbackOutcome{Phase: phase.Phase}
	for i := len(phase.MigratedResources) - 1; i >= 0; i-- {
		resourceID := phase.MigratedResources[i]
		if r.reverted[resourceID] {
			continue
		}
		callCtx, cancel := context.WithTimeout(ctx, r.timeout)
		err := r.executor.Restore(callCtx, resourceID)
		cancel()
		if err != nil {
			outcome.Errors = append(outcome.Errors, fmt.Sprintf("%s: %v", resourceID, err))
			continue
		}
		r.reverted[resourceID] = true
		outcome.RevertedResourceIDs = append(outcome.RevertedResourceIDs, resourceID)
	}
	outcome.Success = len(outcome.Errors) == 0
	outcome.CompletedAt = time.Now().UTC()
	return outcome
}

// RevertAll rolls back completed phases in reverse chronological order and
// returns one outcome per phase.
func (r *RollbackManager) RevertAll(ctx context.Context, phases []models.PhaseResult) []models.RollbackOutcome {
	metrics.RecordRollback()
	outcomes := make([]models.RollbackOutcome, 0, len(phases))
	for i := len(phases) - 1; i >= 0; i-- {
		outcomes = append(outcomes, r.Revert(ctx, phases[i]))
	}
	return outcomes
}

// Unrecovered lists the resource ids that failed to restore across the given
// outcomes.
func Unrecovered(outcomes []models.RollbackOutcome) []string {
	var ids []string
	for _, o := range outcomes {
		for _, e := range o.Errors {
			for j := 0; j < len(e); j++ {
				if e[j] == ':' {
					ids = append(ids, e[:j])
					break
				}
			}
		}
	}
	return ids
}

package controller

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/OptiInfra/Platform/rollout/internal/metrics"
	"github.com/OptiInfra/Platform/rollout/internal/migrate"
	"github.com/OptiInfra/Platform/rollout/internal/models"
)

// PhaseExecutor applies one bounded-percentage slice of the rollout.
type PhaseExecutor struct {
	executor   migrate.Executor
	maxWorkers int
	timeout    time.Duration
}

func NewPhaseExecutor(executor migrate.Executor, maxWorkers int, timeout time.Duration) *PhaseExecutor {
	if maxWorkers <= 0 {
		maxWorkers = 4
	}
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	return &PhaseExecutor{executor: executor, maxWorkers: maxWorkers, timeout: timeout}
}

// Execute migrates the phase's prefix of targets: floor(len*percent/100)
// resources, raised to one while targets remain so small fleets still make
// progress. Per-resource calls run concurrently up to the worker bound, each
// under its own timeout; a failure is recorded and does not abort the rest of
// the phase. No resource is retried within a phase, and the result is only
// emitted after every dispatched call has returned.
func (e *PhaseExecutor) Execute(ctx context.Context, percent int, targets []string) models.PhaseResult {
	started := time.Now().UTC()

	count := len(targets) * percent / 100
	if count == 0 && len(targets) > 0 {
		count = 1
	}
	if count > len(targets) {
		count = len(targets)
	}
	selected := targets[:count]

	var (
		mu       sync.Mutex
		migrated []string
		errs     []string
	)
	sem := make(chan struct{}, e.maxWorkers)
	var wg sync.WaitGroup
	for _, resourceID := range selected {
		sem <- struct{}{}
		wg.Add(1)
		go func(resourceID string) {
			defer func() {
				<-sem
				wg.Done()
			}()
			callCtx, cancel := context.WithTimeout(ctx, e.timeout)
			defer cancel()
			if err := e.executor.Migrate(callCtx, resourceID, percent); err != nil {
				mu.Lock()
				errs = append(errs, fmt.Sprintf("%s: %v", resourceID, err))
				mu.Unlock()
				return
			}
			mu.Lock()
			migrated = append(migrated, resourceID)
			mu.Unlock()
		}(resourceID)
	}
	wg.Wait()

	result := models.PhaseResult{
		Phase:             models.LabelForPercent(percent),
		StartedAt:         started,
		CompletedAt:       time.Now().UTC(),
		InstancesTotal:    len(selected),
		InstancesMigrated: len(migrated),
		MigratedResources: migrated,
		Errors:            errs,
	}
	if result.InstancesTotal > 0 {
		result.SuccessRate = float64(result.InstancesMigrated) / float64(result.InstancesTotal)
	}
	metrics.RecordPhase(string(result.Phase), result.CompletedAt.Sub(result.StartedAt), result.SuccessRate)
	return result
}

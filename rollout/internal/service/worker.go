package service

import (
	"context"
	"errors"
	"fmt"
	"log"
	"time"

	"github.com/google/uuid"

	"github.com/OptiInfra/Platform/rollout/internal/controller"
	"github.com/OptiInfra/Platform/rollout/internal/events"
	"github.com/OptiInfra/Platform/rollout/internal/metrics"
	"github.com/OptiInfra/Platform/rollout/internal/models"
	"github.com/OptiInfra/Platform/rollout/internal/store"
)

// RunWorker polls for pending workflows and runs them until ctx is
// cancelled. Safe to run on every replica; the claim query keeps two
// workers off the same workflow.
func (s *Service) RunWorker(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		interval = 5 * time.Second
	}
	log.Printf("[worker] polling for pending rollouts every %s", interval)
	for {
		if ctx.Err() != nil {
			return
		}
		processed, err := s.ProcessNext(ctx)
		if err != nil && !errors.Is(err, context.Canceled) {
			log.Printf("[worker] process rollout: %v", err)
		}
		if !processed {
			select {
			case <-ctx.Done():
				return
			case <-time.After(interval):
			}
		}
	}
}

// ProcessNext claims one pending workflow and drives it to a terminal
// status, returning whether any work was done.
func (s *Service) ProcessNext(ctx context.Context) (bool, error) {
	if ctx.Err() != nil {
		return false, ctx.Err()
	}
	st, err := s.store.ClaimNextPending(ctx)
	if errors.Is(err, store.ErrNotFound) {
		return false, nil
	}
	if err != nil {
		return false, err
	}

	runErr := s.newController().Run(ctx, st)
	if runErr != nil {
		// Run only errors on broken invariants, never on business
		// outcomes. Close the workflow so it cannot wedge mid-state.
		log.Printf("[worker] workflow %s run error: %v", st.ID, runErr)
		if !st.Status.IsTerminal() && st.Status.CanTransitionTo(models.StatusFailed) {
			st.ErrorMessage = fmt.Sprintf("run aborted: %v", runErr)
			_ = st.TransitionTo(models.StatusFailed, st.ErrorMessage)
		}
	}

	s.finalize(ctx, st)
	return true, runErr
}

// finalize persists the terminal record, emits the finish event, and
// archives the workflow. Runs under a detached timeout when the worker
// context died so a shutdown still lands the final state.
func (s *Service) finalize(ctx context.Context, st *models.WorkflowState) {
	if ctx.Err() != nil {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()
	}

	finished, err := s.store.SaveWorkflow(ctx, st)
	if err != nil {
		log.Printf("[worker] persist workflow %s: %v", st.ID, err)
		finished = st
	}
	metrics.RecordWorkflowFinished(string(finished.Status))
	s.publish(events.New(events.TypeFinished, finished, map[string]interface{}{
		"finalSavings": finished.FinalSavings,
		"errorMessage": finished.ErrorMessage,
	}))

	if s.archiver != nil && finished.Status.IsTerminal() {
		key, err := s.archiver.ArchiveWorkflow(ctx, finished)
		if err != nil {
			log.Printf("[worker] archive workflow %s: %v", finished.ID, err)
		} else {
			log.Printf("[worker] archived workflow %s to %s", finished.ID, key)
		}
	}
}

// newController assembles a fresh controller for one run. The rollback
// manager memoizes reverted resources per run, so it must never be shared.
func (s *Service) newController() *controller.Controller {
	return controller.New(controller.Params{
		Analysis:      s.analysis,
		Approval:      controller.NewApprovalAggregator(s.reviewers, s.reviewTimeout),
		Phases:        controller.NewPhaseExecutor(s.executor, s.phaseWorkers, s.phaseTimeout),
		Quality:       controller.NewQualityMonitor(s.sampler, s.policy.LatencyWeight, s.policy.ErrorRateWeight, s.policy.MaxDegradationPct),
		Rollback:      controller.NewRollbackManager(s.executor, s.phaseTimeout),
		Recorder:      &storeRecorder{svc: s},
		GateThreshold: s.policy.SuccessRateThreshold,
		MinTargets:    s.policy.MinTargetResources,
		Dwells:        s.policy.Dwells(),
		CancelCheck:   s.cancelRequested,
	})
}

func (s *Service) cancelRequested(ctx context.Context, id uuid.UUID) bool {
	cancelled, err := s.store.CancelRequested(ctx, id)
	if err != nil {
		log.Printf("[worker] cancel check %s: %v", id, err)
		return false
	}
	return cancelled
}

// storeRecorder persists every controller mutation and mirrors it onto the
// event stream. Both are best effort; the rollout itself never blocks on
// them.
type storeRecorder struct {
	svc *Service
}

func (r *storeRecorder) RecordTransition(ctx context.Context, st *models.WorkflowState, from, to models.WorkflowStatus, reason string) {
	r.persist(ctx, st)
	r.svc.publish(events.New(events.TypeTransitioned, st, map[string]string{
		"from":   string(from),
		"to":     string(to),
		"reason": reason,
	}))
}

func (r *storeRecorder) RecordPhase(ctx context.Context, st *models.WorkflowState, result models.PhaseResult) {
	r.persist(ctx, st)
	r.svc.publish(events.New(events.TypePhaseCompleted, st, result))
}

func (r *storeRecorder) RecordRollback(ctx context.Context, st *models.WorkflowState, outcomes []models.RollbackOutcome) {
	r.persist(ctx, st)
	r.svc.publish(events.New(events.TypeRolledBack, st, outcomes))
}

func (r *storeRecorder) persist(ctx context.Context, st *models.WorkflowState) {
	if ctx.Err() != nil {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
	}
	if _, err := r.svc.store.SaveWorkflow(ctx, st); err != nil {
		log.Printf("[worker] persist workflow %s: %v", st.ID, err)
	}
}

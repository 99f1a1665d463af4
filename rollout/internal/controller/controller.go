package controller

import (
	"context"
	"fmt"
	"log"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/OptiInfra/Platform/rollout/internal/analysis"
	"github.com/OptiInfra/Platform/rollout/internal/models"
	"github.com/OptiInfra/Platform/rollout/internal/review"
)

// Recorder observes workflow progress. Implementations persist state and
// publish events; the controller never blocks on them returning an error.
type Recorder interface {
	RecordTransition(ctx context.Context, st *models.WorkflowState, from, to models.WorkflowStatus, reason string)
	RecordPhase(ctx context.Context, st *models.WorkflowState, result models.PhaseResult)
	RecordRollback(ctx context.Context, st *models.WorkflowState, outcomes []models.RollbackOutcome)
}

// NoopRecorder discards all observations.
type NoopRecorder struct{}

func (NoopRecorder) RecordTransition(context.Context, *models.WorkflowState, models.WorkflowStatus, models.WorkflowStatus, string) {
}
func (NoopRecorder) RecordPhase(context.Context, *models.WorkflowState, models.PhaseResult) {}
func (NoopRecorder) RecordRollback(context.Context, *models.WorkflowState, []models.RollbackOutcome) {
}

// Params configures a Controller.
type Params struct {
	Analysis analysis.Client
	Approval *ApprovalAggregator
	Phases   *PhaseExecutor
	Quality  *QualityMonitor
	Rollback *RollbackManager
	Retry    RetryPolicy
	Recorder Recorder

	// GateThreshold is the minimum phase success rate; below it the rollout
	// is rolled back. Defaults to 0.95.
	GateThreshold float64
	// MinTargets is the smallest resource set worth staging through three
	// phases. Smaller sets fail during analysis. Defaults to 3.
	MinTargets int
	// Dwells maps a phase percent to how long that phase is monitored
	// before quality is assessed. Missing entries mean no dwell.
	Dwells map[int]time.Duration
	// CancelCheck reports whether cancellation has been requested for the
	// workflow. Consulted at phase boundaries. Optional.
	CancelCheck func(ctx context.Context, workflowID uuid.UUID) bool
}

// Controller drives a single rollout workflow through its lifecycle:
// analysis, approval, then staged 10/50/100 percent migration with quality
// monitoring between phases and automatic rollback on regression.
type Controller struct {
	analysis analysis.Client
	approval *ApprovalAggregator
	phases   *PhaseExecutor
	quality  *QualityMonitor
	rollback *RollbackManager
	retry    RetryPolicy
	recorder Recorder

	gateThreshold float64
	minTargets    int
	dwells        map[int]time.Duration
	cancelCheck   func(ctx context.Context, workflowID uuid.UUID) bool
}

var phasePercents = []int{10, 50, 100}

func New(p Params) *Controller {
	if p.GateThreshold <= 0 {
		p.GateThreshold = 0.95
	}
	if p.MinTargets <= 0 {
		p.MinTargets = 3
	}
	if p.Recorder == nil {
		p.Recorder = NoopRecorder{}
	}
	if p.Retry.MaxRetries == 0 && p.Retry.BaseDelay == 0 {
		p.Retry = DefaultRetryPolicy()
	}
	return &Controller{
		analysis:      p.Analysis,
		approval:      p.Approval,
		phases:        p.Phases,
		quality:       p.Quality,
		rollback:      p.Rollback,
		retry:         p.Retry,
		recorder:      p.Recorder,
		gateThreshold: p.GateThreshold,
		minTargets:    p.MinTargets,
		dwells:        p.Dwells,
		cancelCheck:   p.CancelCheck,
	}
}

// Run executes the workflow to a terminal status. Business outcomes such as
// approval denial, a failed gate, or quality degradation are recorded on the
// state and return nil; a non-nil error means the run itself broke (invalid
// transition, interrupted context) and the state may be non-terminal.
func (c *Controller) Run(ctx context.Context, st *models.WorkflowState) error {
	if st.Status != models.StatusPending {
		return fmt.Errorf("workflow %s not runnable in status %s", st.ID, st.Status)
	}
	if err := c.transition(ctx, st, models.StatusAnalyzing, "starting analysis"); err != nil {
		return err
	}

	if err := c.analyze(ctx, st); err != nil {
		return c.fail(ctx, st, fmt.Sprintf("analysis failed: %v", err))
	}
	if len(st.Opportunities) == 0 {
		return c.fail(ctx, st, "no optimization opportunities found")
	}
	if ids := st.ResourceIDs(); len(ids) < c.minTargets {
		return c.fail(ctx, st, fmt.Sprintf("insufficient target resources: have %d, need at least %d", len(ids), c.minTargets))
	}

	baseline, err := c.quality.CaptureBaseline(ctx)
	if err != nil {
		return c.fail(ctx, st, err.Error())
	}
	st.Baseline = &baseline

	if err := c.transition(ctx, st, models.StatusCoordinating, "analysis complete"); err != nil {
		return err
	}
	st.CoordinationComplete = true
	if err := c.transition(ctx, st, models.StatusAwaitingApproval, "coordination complete"); err != nil {
		return err
	}

	records, allApproved := c.approval.Collect(ctx, review.Request{
		WorkflowID:    st.ID,
		CustomerID:    st.CustomerID,
		Opportunities: st.Opportunities,
	})
	st.Approvals = records
	if !allApproved {
		return c.fail(ctx, st, "approval denied by "+strings.Join(deniers(records), ", "))
	}

	remaining := st.ResourceIDs()
	for _, percent := range phasePercents {
		if c.cancelled(ctx, st) {
			return c.closeCancelled(ctx, st)
		}

		executing, monitoring, ok := models.PhaseStatuses(percent)
		if !ok {
			return fmt.Errorf("no statuses for %d%% phase", percent)
		}
		if err := c.transition(ctx, st, executing, fmt.Sprintf("starting %d%% phase", percent)); err != nil {
			return err
		}

		result := c.phases.Execute(ctx, percent, remaining)
		st.Phases = append(st.Phases, result)
		c.recorder.RecordPhase(ctx, st, result)
		remaining = remaining[result.InstancesTotal:]

		if result.SuccessRate < c.gateThreshold {
			reason := fmt.Sprintf("%d%% phase success rate %.2f below %.2f", percent, result.SuccessRate, c.gateThreshold)
			return c.rollbackAndClose(ctx, st, reason)
		}

		if err := c.transition(ctx, st, monitoring, fmt.Sprintf("%d%% phase migrated %d/%d", percent, result.InstancesMigrated, result.InstancesTotal)); err != nil {
			return err
		}

		if err := c.waitDwell(ctx, percent); err != nil {
			return c.rollbackAndClose(ctx, st, "monitoring interrupted: "+err.Error())
		}
		if c.cancelled(ctx, st) {
			return c.closeCancelled(ctx, st)
		}

		snapshot, err := c.quality.Assess(ctx, *st.Baseline)
		if err != nil {
			return c.rollbackAndClose(ctx, st, err.Error())
		}
		st.Current = &snapshot
		if !snapshot.Acceptable {
			reason := fmt.Sprintf("quality degraded %.1f%% after %d%% phase", snapshot.DegradationPct, percent)
			return c.rollbackAndClose(ctx, st, reason)
		}
	}

	st.FinalSavings = c.realizedSavings(st)
	return c.transition(ctx, st, models.StatusComplete, "all phases migrated with acceptable quality")
}

// analyze fills in opportunities, discovering them when the submission did
// not carry any. Discovery is retried on transient provider errors.
func (c *Controller) analyze(ctx context.Context, st *models.WorkflowState) error {
	if len(st.Opportunities) == 0 && c.analysis != nil {
		err := c.retry.Do(ctx, func(ctx context.Context) error {
			opps, err := c.analysis.Discover(ctx, st.CustomerID)
			if err != nil {
				return err
			}
			st.Opportunities = opps
			return nil
		})
		if err != nil {
			return err
		}
	}
	for i := range st.Opportunities {
		if err := st.Opportunities[i].Validate(); err != nil {
			return err
		}
	}
	return nil
}

func (c *Controller) cancelled(ctx context.Context, st *models.WorkflowState) bool {
	if st.CancelRequested {
		return true
	}
	if c.cancelCheck != nil && c.cancelCheck(ctx, st.ID) {
		st.CancelRequested = true
		return true
	}
	return false
}

// closeCancelled honors an operator cancellation. Migrated resources are
// restored first; a cancellation before any migration simply fails the
// workflow since there is nothing to revert.
func (c *Controller) closeCancelled(ctx context.Context, st *models.WorkflowState) error {
	if migratedCount(st) == 0 {
		return c.fail(ctx, st, "cancelled by request")
	}
	return c.rollbackAndClose(ctx, st, "cancelled by request")
}

// rollbackAndClose reverts every completed phase and moves the workflow to
// rolled_back. Restores run under a detached timeout when the run context is
// already dead so an interrupted worker still cleans up. Resources that fail
// to restore are named in the error message; the workflow still closes as
// rolled_back.
func (c *Controller) rollbackAndClose(ctx context.Context, st *models.WorkflowState, reason string) error {
	rbCtx := ctx
	if ctx.Err() != nil {
		var cancel context.CancelFunc
		rbCtx, cancel = context.WithTimeout(context.Background(), 2*time.Minute)
		defer cancel()
	}

	st.RollbackTriggered = true
	outcomes := c.rollback.RevertAll(rbCtx, st.Phases)
	st.Rollbacks = append(st.Rollbacks, outcomes...)
	c.recorder.RecordRollback(rbCtx, st, outcomes)

	msg := reason
	if unrec := Unrecovered(outcomes); len(unrec) > 0 {
		msg = fmt.Sprintf("%s; unrecovered resources: %s", reason, strings.Join(unrec, ", "))
	}
	st.ErrorMessage = msg
	return c.transition(rbCtx, st, models.StatusRolledBack, reason)
}

func (c *Controller) fail(ctx context.Context, st *models.WorkflowState, msg string) error {
	st.ErrorMessage = msg
	return c.transition(ctx, st, models.StatusFailed, msg)
}

func (c *Controller) transition(ctx context.Context, st *models.WorkflowState, next models.WorkflowStatus, reason string) error {
	from := st.Status
	if err := st.TransitionTo(next, reason); err != nil {
		return err
	}
	log.Printf("[controller] workflow %s: %s -> %s (%s)", st.ID, from, next, reason)
	c.recorder.RecordTransition(ctx, st, from, next, reason)
	return nil
}

// waitDwell lets a freshly migrated phase settle before its quality is
// assessed. Larger phases usually dwell longer.
func (c *Controller) waitDwell(ctx context.Context, percent int) error {
	d := c.dwells[percent]
	if d <= 0 {
		return nil
	}
	select {
	case <-time.After(d):
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// realizedSavings sums the projected savings of resources that actually
// migrated, which can be less than the full plan when a passing phase had
// individual failures.
func (c *Controller) realizedSavings(st *models.WorkflowState) float64 {
	migrated := make(map[string]bool)
	for _, p := range st.Phases {
		for _, id := range p.MigratedResources {
			migrated[id] = true
		}
	}
	var total float64
	for _, opp := range st.Opportunities {
		if migrated[opp.ResourceID] {
			total += opp.EstimatedSavings
		}
	}
	return total
}

func migratedCount(st *models.WorkflowState) int {
	n := 0
	for _, p := range st.Phases {
		n += p.InstancesMigrated
	}
	return n
}

func deniers(records []models.ApprovalRecord) []string {
	var names []string
	for _, r := range records {
		if !r.Approved {
			names = append(names, r.Reviewer)
		}
	}
	return names
}

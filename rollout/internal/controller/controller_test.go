package controller_test

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/OptiInfra/Platform/rollout/internal/analysis"
	"github.com/OptiInfra/Platform/rollout/internal/controller"
	"github.com/OptiInfra/Platform/rollout/internal/faults"
	"github.com/OptiInfra/Platform/rollout/internal/migrate"
	"github.com/OptiInfra/Platform/rollout/internal/models"
	"github.com/OptiInfra/Platform/rollout/internal/probe"
	"github.com/OptiInfra/Platform/rollout/internal/review"
)

func testOpportunities(n int) []models.Opportunity {
	opps := make([]models.Opportunity, n)
	for i := range opps {
		opps[i] = models.Opportunity{
			ResourceID:           fmt.Sprintf("i-%03d", i),
			ResourceType:         "compute-instance",
			CurrentMonthlyCost:   100,
			ProjectedMonthlyCost: 60,
			EstimatedSavings:     40,
			RiskTier:             models.RiskLow,
		}
	}
	return opps
}

func steadySampler() *probe.StaticSampler {
	return probe.NewStaticSampler(probe.Reading{LatencyMS: 100, ErrorRate: 1.0})
}

func newTestController(exec *migrate.StaticExecutor, sampler probe.Sampler, reviewers []review.Client, mutate func(*controller.Params)) *controller.Controller {
	p := controller.Params{
		Approval: controller.NewApprovalAggregator(reviewers, time.Second),
		Phases:   controller.NewPhaseExecutor(exec, 4, time.Second),
		Quality:  controller.NewQualityMonitor(sampler, 0, 0, 0),
		Rollback: controller.NewRollbackManager(exec, time.Second),
		Retry:    controller.RetryPolicy{MaxRetries: 2, BaseDelay: time.Millisecond},
	}
	if mutate != nil {
		mutate(&p)
	}
	return controller.New(p)
}

func TestRunHappyPath(t *testing.T) {
	exec := &migrate.StaticExecutor{}
	ctrl := newTestController(exec, steadySampler(), []review.Client{&review.StaticReviewer{ID: "sre-review"}}, nil)
	st := models.NewWorkflowState("cust-1", testOpportunities(10))

	err := ctrl.Run(context.Background(), st)

	require.NoError(t, err)
	assert.Equal(t, models.StatusComplete, st.Status)
	assert.True(t, st.CoordinationComplete)
	assert.Empty(t, st.ErrorMessage)

	// 10% of 10, then 50% of the remaining 9, then all of the last 5.
	require.Len(t, st.Phases, 3)
	assert.Equal(t, 1, st.Phases[0].InstancesTotal)
	assert.Equal(t, 4, st.Phases[1].InstancesTotal)
	assert.Equal(t, 5, st.Phases[2].InstancesTotal)
	for _, phase := range st.Phases {
		assert.Equal(t, 1.0, phase.SuccessRate)
	}
	assert.Len(t, exec.MigrateCalls(), 10)
	assert.Empty(t, exec.RestoreCalls())

	require.Len(t, st.Approvals, 1)
	assert.True(t, st.Approvals[0].Approved)
	require.NotNil(t, st.Baseline)
	require.NotNil(t, st.Current)
	assert.True(t, st.Current.Acceptable)

	assert.InDelta(t, 400.0, st.FinalSavings, 1e-9)
	assert.False(t, st.RollbackTriggered)

	require.Len(t, st.StatusHistory, 10)
	assert.Equal(t, models.StatusPending, st.StatusHistory[0].From)
	assert.Equal(t, models.StatusComplete, st.StatusHistory[9].To)
}

func TestRun_ApprovalDeniedFailsWithoutExecuting(t *testing.T) {
	exec := &migrate.StaticExecutor{}
	opps := testOpportunities(4)
	opps[2].RiskTier = models.RiskHigh
	ctrl := newTestController(exec, steadySampler(), []review.Client{
		&review.StaticReviewer{ID: "sre-review", MaxRisk: models.RiskHigh},
		&review.StaticReviewer{ID: "risk-review", MaxRisk: models.RiskLow},
	}, nil)
	st := models.NewWorkflowState("cust-1", opps)

	err := ctrl.Run(context.Background(), st)

	require.NoError(t, err)
	assert.Equal(t, models.StatusFailed, st.Status)
	assert.Contains(t, st.ErrorMessage, "approval denied")
	assert.Contains(t, st.ErrorMessage, "risk-review")
	assert.Empty(t, st.Phases)
	assert.Empty(t, exec.MigrateCalls())

	// Both verdicts are on the record, including the denial's concerns.
	require.Len(t, st.Approvals, 2)
	assert.True(t, st.Approvals[0].Approved)
	assert.False(t, st.Approvals[1].Approved)
	assert.NotEmpty(t, st.Approvals[1].Concerns)
}

func TestRun_FirstPhaseGateFailureRollsBack(t *testing.T) {
	exec := &migrate.StaticExecutor{FailMigrate: map[string]string{"i-000": "instance wedged"}}
	ctrl := newTestController(exec, steadySampler(), []review.Client{&review.StaticReviewer{ID: "sre-review"}}, nil)
	st := models.NewWorkflowState("cust-1", testOpportunities(10))

	err := ctrl.Run(context.Background(), st)

	require.NoError(t, err)
	assert.Equal(t, models.StatusRolledBack, st.Status)
	assert.True(t, st.RollbackTriggered)
	assert.Contains(t, st.ErrorMessage, "success rate")

	// The rollout never reached the 50% phase.
	require.Len(t, st.Phases, 1)
	assert.Equal(t, 0.0, st.Phases[0].SuccessRate)
	assert.Empty(t, exec.RestoreCalls())
	require.Len(t, st.Rollbacks, 1)
	assert.True(t, st.Rollbacks[0].Success)
}

func TestRun_MidPhaseGateFailureRestoresEarlierPhases(t *testing.T) {
	exec := &migrate.StaticExecutor{FailMigrate: map[string]string{"i-001": "instance wedged"}}
	ctrl := newTestController(exec, steadySampler(), []review.Client{&review.StaticReviewer{ID: "sre-review"}}, nil)
	st := models.NewWorkflowState("cust-1", testOpportunities(10))

	err := ctrl.Run(context.Background(), st)

	require.NoError(t, err)
	assert.Equal(t, models.StatusRolledBack, st.Status)
	require.Len(t, st.Phases, 2)
	assert.InDelta(t, 0.75, st.Phases[1].SuccessRate, 1e-9)

	// Everything that migrated comes back; the failed resource never moved.
	assert.ElementsMatch(t, []string{"i-000", "i-002", "i-003", "i-004"}, exec.RestoreCalls())
	require.Len(t, st.Rollbacks, 2)
}

func TestRun_QualityDegradationRollsBack(t *testing.T) {
	exec := &migrate.StaticExecutor{}
	sampler := probe.NewStaticSampler(
		probe.Reading{LatencyMS: 100, ErrorRate: 1.0},
		probe.Reading{LatencyMS: 100, ErrorRate: 1.0},
		probe.Reading{LatencyMS: 130, ErrorRate: 1.0},
	)
	ctrl := newTestController(exec, sampler, []review.Client{&review.StaticReviewer{ID: "sre-review"}}, nil)
	st := models.NewWorkflowState("cust-1", testOpportunities(10))

	err := ctrl.Run(context.Background(), st)

	require.NoError(t, err)
	assert.Equal(t, models.StatusRolledBack, st.Status)
	assert.Contains(t, st.ErrorMessage, "quality degraded 21.0% after 50% phase")
	require.Len(t, st.Phases, 2)
	require.NotNil(t, st.Current)
	assert.InDelta(t, 21.0, st.Current.DegradationPct, 1e-9)
	assert.False(t, st.Current.Acceptable)
	assert.Len(t, exec.RestoreCalls(), 5)
	assert.Equal(t, 0.0, st.FinalSavings)
}

func TestRun_RollbackFailureStillClosesRolledBack(t *testing.T) {
	exec := &migrate.StaticExecutor{FailRestore: map[string]string{"i-000": "snapshot missing"}}
	sampler := probe.NewStaticSampler(
		probe.Reading{LatencyMS: 100, ErrorRate: 1.0},
		probe.Reading{LatencyMS: 130, ErrorRate: 1.0},
	)
	ctrl := newTestController(exec, sampler, []review.Client{&review.StaticReviewer{ID: "sre-review"}}, nil)
	st := models.NewWorkflowState("cust-1", testOpportunities(10))

	err := ctrl.Run(context.Background(), st)

	require.NoError(t, err)
	assert.Equal(t, models.StatusRolledBack, st.Status)
	assert.Contains(t, st.ErrorMessage, "unrecovered resources")
	assert.Contains(t, st.ErrorMessage, "i-000")
	require.Len(t, st.Rollbacks, 1)
	assert.False(t, st.Rollbacks[0].Success)
}

// flakyAnalysis fails a configured number of times before serving.
type flakyAnalysis struct {
	mu       sync.Mutex
	failures int
	calls    int
	opps     []models.Opportunity
}

func (f *flakyAnalysis) Discover(ctx context.Context, customerID string) ([]models.Opportunity, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls++
	if f.calls <= f.failures {
		return nil, faults.Transient("discover opportunities", errors.New("upstream timeout"))
	}
	return f.opps, nil
}

func TestRun_DiscoversOpportunitiesWhenNoneSubmitted(t *testing.T) {
	exec := &migrate.StaticExecutor{}
	ctrl := newTestController(exec, steadySampler(), []review.Client{&review.StaticReviewer{ID: "sre-review"}}, func(p *controller.Params) {
		p.Analysis = &analysis.StaticClient{Opportunities: testOpportunities(4)}
	})
	st := models.NewWorkflowState("cust-1", nil)

	err := ctrl.Run(context.Background(), st)

	require.NoError(t, err)
	assert.Equal(t, models.StatusComplete, st.Status)
	assert.Len(t, st.Opportunities, 4)
	require.Len(t, st.Phases, 3)
	assert.Equal(t, 1, st.Phases[0].InstancesTotal)
	assert.Equal(t, 1, st.Phases[1].InstancesTotal)
	assert.Equal(t, 2, st.Phases[2].InstancesTotal)
}

func TestRun_TransientDiscoveryFailuresRetried(t *testing.T) {
	exec := &migrate.StaticExecutor{}
	flaky := &flakyAnalysis{failures: 2, opps: testOpportunities(3)}
	ctrl := newTestController(exec, steadySampler(), []review.Client{&review.StaticReviewer{ID: "sre-review"}}, func(p *controller.Params) {
		p.Analysis = flaky
	})
	st := models.NewWorkflowState("cust-1", nil)

	err := ctrl.Run(context.Background(), st)

	require.NoError(t, err)
	assert.Equal(t, models.StatusComplete, st.Status)
	assert.Equal(t, 3, flaky.calls)
}

func TestRun_ExhaustedDiscoveryFails(t *testing.T) {
	exec := &migrate.StaticExecutor{}
	flaky := &flakyAnalysis{failures: 10, opps: testOpportunities(3)}
	ctrl := newTestController(exec, steadySampler(), []review.Client{&review.StaticReviewer{ID: "sre-review"}}, func(p *controller.Params) {
		p.Analysis = flaky
	})
	st := models.NewWorkflowState("cust-1", nil)

	err := ctrl.Run(context.Background(), st)

	require.NoError(t, err)
	assert.Equal(t, models.StatusFailed, st.Status)
	assert.Contains(t, st.ErrorMessage, "analysis failed")
	assert.Equal(t, 3, flaky.calls)
	assert.Empty(t, exec.MigrateCalls())
}

func TestRun_NoOpportunitiesFails(t *testing.T) {
	ctrl := newTestController(&migrate.StaticExecutor{}, steadySampler(), nil, func(p *controller.Params) {
		p.Analysis = &analysis.StaticClient{}
	})
	st := models.NewWorkflowState("cust-1", nil)

	err := ctrl.Run(context.Background(), st)

	require.NoError(t, err)
	assert.Equal(t, models.StatusFailed, st.Status)
	assert.Contains(t, st.ErrorMessage, "no optimization opportunities")
}

func TestRun_InvalidOpportunityFails(t *testing.T) {
	opps := testOpportunities(2)
	opps[1].ResourceID = ""
	ctrl := newTestController(&migrate.StaticExecutor{}, steadySampler(), nil, nil)
	st := models.NewWorkflowState("cust-1", opps)

	err := ctrl.Run(context.Background(), st)

	require.NoError(t, err)
	assert.Equal(t, models.StatusFailed, st.Status)
	assert.Contains(t, st.ErrorMessage, "analysis failed")
}

func TestRun_TooFewTargetsFails(t *testing.T) {
	exec := &migrate.StaticExecutor{}
	ctrl := newTestController(exec, steadySampler(), []review.Client{&review.StaticReviewer{ID: "sre-review"}}, nil)
	st := models.NewWorkflowState("cust-1", testOpportunities(2))

	err := ctrl.Run(context.Background(), st)

	require.NoError(t, err)
	assert.Equal(t, models.StatusFailed, st.Status)
	assert.Contains(t, st.ErrorMessage, "insufficient target resources")
	assert.Empty(t, st.Approvals, "reviewers should never be consulted")
	assert.Empty(t, exec.MigrateCalls())
}

func TestRun_DwellsBeforeAssessment(t *testing.T) {
	exec := &migrate.StaticExecutor{}
	ctrl := newTestController(exec, steadySampler(), []review.Client{&review.StaticReviewer{ID: "sre-review"}}, func(p *controller.Params) {
		p.Dwells = map[int]time.Duration{10: time.Millisecond, 50: time.Millisecond, 100: 2 * time.Millisecond}
	})
	st := models.NewWorkflowState("cust-1", testOpportunities(4))

	start := time.Now()
	err := ctrl.Run(context.Background(), st)

	require.NoError(t, err)
	assert.Equal(t, models.StatusComplete, st.Status)
	assert.GreaterOrEqual(t, time.Since(start), 4*time.Millisecond)
}

func TestRun_BaselineCaptureFailureFails(t *testing.T) {
	exec := &migrate.StaticExecutor{}
	sampler := probe.NewStaticSampler()
	sampler.Err = errors.New("metrics source offline")
	ctrl := newTestController(exec, sampler, []review.Client{&review.StaticReviewer{ID: "sre-review"}}, nil)
	st := models.NewWorkflowState("cust-1", testOpportunities(5))

	err := ctrl.Run(context.Background(), st)

	require.NoError(t, err)
	assert.Equal(t, models.StatusFailed, st.Status)
	assert.Contains(t, st.ErrorMessage, "capture baseline")
	assert.Empty(t, exec.MigrateCalls())
}

// baselineOnlySampler serves the baseline capture and errors afterwards.
type baselineOnlySampler struct{ baseline probe.Reading }

func (s *baselineOnlySampler) Sample(ctx context.Context, baseline bool) (probe.Reading, error) {
	if baseline {
		return s.baseline, nil
	}
	return probe.Reading{}, errors.New("metrics source offline")
}

func TestRun_AssessmentFailureRollsBack(t *testing.T) {
	exec := &migrate.StaticExecutor{}
	ctrl := newTestController(exec, &baselineOnlySampler{baseline: probe.Reading{LatencyMS: 100, ErrorRate: 1.0}},
		[]review.Client{&review.StaticReviewer{ID: "sre-review"}}, nil)
	st := models.NewWorkflowState("cust-1", testOpportunities(10))

	err := ctrl.Run(context.Background(), st)

	require.NoError(t, err)
	assert.Equal(t, models.StatusRolledBack, st.Status)
	assert.Contains(t, st.ErrorMessage, "assess quality")
	require.Len(t, st.Phases, 1)
	assert.Len(t, exec.RestoreCalls(), 1)
}

func TestRun_CancelBeforeExecutionFails(t *testing.T) {
	exec := &migrate.StaticExecutor{}
	ctrl := newTestController(exec, steadySampler(), []review.Client{&review.StaticReviewer{ID: "sre-review"}}, func(p *controller.Params) {
		p.CancelCheck = func(ctx context.Context, workflowID uuid.UUID) bool { return true }
	})
	st := models.NewWorkflowState("cust-1", testOpportunities(5))

	err := ctrl.Run(context.Background(), st)

	require.NoError(t, err)
	assert.Equal(t, models.StatusFailed, st.Status)
	assert.Equal(t, "cancelled by request", st.ErrorMessage)
	assert.True(t, st.CancelRequested)
	assert.Empty(t, exec.MigrateCalls())
}

func TestRun_CancelAfterFirstPhaseRollsBack(t *testing.T) {
	exec := &migrate.StaticExecutor{}
	ctrl := newTestController(exec, steadySampler(), []review.Client{&review.StaticReviewer{ID: "sre-review"}}, func(p *controller.Params) {
		p.CancelCheck = func(ctx context.Context, workflowID uuid.UUID) bool {
			return len(exec.MigrateCalls()) > 0
		}
	})
	st := models.NewWorkflowState("cust-1", testOpportunities(10))

	err := ctrl.Run(context.Background(), st)

	require.NoError(t, err)
	assert.Equal(t, models.StatusRolledBack, st.Status)
	assert.Contains(t, st.ErrorMessage, "cancelled by request")
	require.Len(t, st.Phases, 1)
	assert.Equal(t, []string{"i-000"}, exec.RestoreCalls())
}

func TestRun_RejectsNonPendingWorkflow(t *testing.T) {
	ctrl := newTestController(&migrate.StaticExecutor{}, steadySampler(), nil, nil)
	st := models.NewWorkflowState("cust-1", testOpportunities(3))
	st.Status = models.StatusComplete

	err := ctrl.Run(context.Background(), st)

	assert.Error(t, err)
	assert.Contains(t, err.Error(), "not runnable")
}

// captureRecorder counts observer callbacks.
type captureRecorder struct {
	mu          sync.Mutex
	transitions []models.WorkflowStatus
	phases      int
	rollbacks   int
}

func (c *captureRecorder) RecordTransition(ctx context.Context, st *models.WorkflowState, from, to models.WorkflowStatus, reason string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.transitions = append(c.transitions, to)
}

func (c *captureRecorder) RecordPhase(ctx context.Context, st *models.WorkflowState, result models.PhaseResult) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.phases++
}

func (c *captureRecorder) RecordRollback(ctx context.Context, st *models.WorkflowState, outcomes []models.RollbackOutcome) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.rollbacks++
}

func TestRun_RecorderObservesLifecycle(t *testing.T) {
	rec := &captureRecorder{}
	ctrl := newTestController(&migrate.StaticExecutor{}, steadySampler(), []review.Client{&review.StaticReviewer{ID: "sre-review"}}, func(p *controller.Params) {
		p.Recorder = rec
	})
	st := models.NewWorkflowState("cust-1", testOpportunities(10))

	err := ctrl.Run(context.Background(), st)

	require.NoError(t, err)
	assert.Len(t, rec.transitions, 10)
	assert.Equal(t, models.StatusComplete, rec.transitions[len(rec.transitions)-1])
	assert.Equal(t, 3, rec.phases)
	assert.Equal(t, 0, rec.rollbacks)
}

// Package service owns the rollout workflow lifecycle outside the
// controller: intake and validation, reads, cancellation, and the worker
// that claims pending workflows and drives them to a terminal status.
package service

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"

	"github.com/OptiInfra/Platform/rollout/internal/analysis"
	"github.com/OptiInfra/Platform/rollout/internal/events"
	"github.com/OptiInfra/Platform/rollout/internal/faults"
	"github.com/OptiInfra/Platform/rollout/internal/metrics"
	"github.com/OptiInfra/Platform/rollout/internal/migrate"
	"github.com/OptiInfra/Platform/rollout/internal/models"
	"github.com/OptiInfra/Platform/rollout/internal/policy"
	"github.com/OptiInfra/Platform/rollout/internal/probe"
	"github.com/OptiInfra/Platform/rollout/internal/review"
	"github.com/OptiInfra/Platform/rollout/internal/store"
)

// ErrAlreadyTerminal rejects operations on workflows that already reached a
// terminal status.
var ErrAlreadyTerminal = errors.New("workflow already terminal")

// Archiver stores terminal workflow records out of band.
type Archiver interface {
	ArchiveWorkflow(ctx context.Context, st *models.WorkflowState) (string, error)
}

type Params struct {
	Store     store.Store
	Analysis  analysis.Client
	Sampler   probe.Sampler
	Executor  migrate.Executor
	Reviewers []review.Client
	Policy    policy.Policy
	Events    *events.Publisher
	Archiver  Archiver

	PhaseWorkers  int
	PhaseTimeout  time.Duration
	ReviewTimeout time.Duration
}

type Service struct {
	store     store.Store
	analysis  analysis.Client
	sampler   probe.Sampler
	executor  migrate.Executor
	reviewers []review.Client
	policy    policy.Policy
	events    *events.Publisher
	archiver  Archiver

	phaseWorkers  int
	phaseTimeout  time.Duration
	reviewTimeout time.Duration
}

func New(p Params) *Service {
	if len(p.Policy.Phases) == 0 {
		p.Policy = policy.Default()
	}
	if p.PhaseWorkers <= 0 {
		p.PhaseWorkers = 4
	}
	if p.PhaseTimeout <= 0 {
		p.PhaseTimeout = 30 * time.Second
	}
	if p.ReviewTimeout <= 0 {
		p.ReviewTimeout = 30 * time.Second
	}
	return &Service{
		store:         p.Store,
		analysis:      p.Analysis,
		sampler:       p.Sampler,
		executor:      p.Executor,
		reviewers:     p.Reviewers,
		policy:        p.Policy,
		events:        p.Events,
		archiver:      p.Archiver,
		phaseWorkers:  p.PhaseWorkers,
		phaseTimeout:  p.PhaseTimeout,
		reviewTimeout: p.ReviewTimeout,
	}
}

type SubmitRequest struct {
	CustomerID    string               `json:"customerId"`
	Opportunities []models.Opportunity `json:"opportunities"`
}

// SubmitRollout validates and persists a new pending workflow. Opportunities
// are optional; when absent the worker discovers them through the analyzer.
func (s *Service) SubmitRollout(ctx context.Context, req SubmitRequest) (*models.WorkflowState, error) {
	if req.CustomerID == "" {
		return nil, faults.Input("submit rollout", "customer id required")
	}
	for i := range req.Opportunities {
		if err := req.Opportunities[i].Validate(); err != nil {
			return nil, faults.Input("submit rollout", "opportunity %d: %v", i, err)
		}
	}
	st := models.NewWorkflowState(req.CustomerID, req.Opportunities)
	if len(req.Opportunities) > 0 {
		if ids := st.ResourceIDs(); len(ids) < s.policy.MinTargetResources {
			return nil, faults.Input("submit rollout",
				"%d target resources, need at least %d for a staged rollout", len(ids), s.policy.MinTargetResources)
		}
	}

	created, err := s.store.CreateWorkflow(ctx, st)
	if err != nil {
		return nil, err
	}
	metrics.RecordWorkflowStarted()
	s.publish(events.New(events.TypeSubmitted, created, nil))
	return created, nil
}

func (s *Service) GetRollout(ctx context.Context, id uuid.UUID) (*models.WorkflowState, error) {
	return s.store.GetWorkflow(ctx, id)
}

func (s *Service) ListRollouts(ctx context.Context, filter store.ListFilter) ([]*models.WorkflowState, error) {
	return s.store.ListWorkflows(ctx, filter)
}

// Cancel flags a workflow for cancellation. The worker honors the flag at
// the next phase boundary; already terminal workflows are rejected.
func (s *Service) Cancel(ctx context.Context, id uuid.UUID) (*models.WorkflowState, error) {
	st, err := s.store.GetWorkflow(ctx, id)
	if err != nil {
		return nil, err
	}
	if st.Status.IsTerminal() {
		return nil, ErrAlreadyTerminal
	}
	return s.store.RequestCancel(ctx, id)
}

// Ping reports storage health.
func (s *Service) Ping(ctx context.Context) error {
	return s.store.Ping(ctx)
}

func (s *Service) publish(ev events.Event) {
	if s.events != nil {
		s.events.Publish(ev)
	}
}

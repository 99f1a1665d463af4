package models

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// RiskTier classifies how risky a proposed change is.
type RiskTier string

const (
	RiskLow    RiskTier = "low"
	RiskMedium RiskTier = "medium"
	RiskHigh   RiskTier = "high"
)

func (r RiskTier) Valid() bool {
	switch r {
	case RiskLow, RiskMedium, RiskHigh:
		return true
	}
	return false
}

// PhaseLabel identifies one slice of the fixed rollout schedule.
type PhaseLabel string

const (
	Phase10  PhaseLabel = "10%"
	Phase50  PhaseLabel = "50%"
	Phase100 PhaseLabel = "100%"
)

// LabelForPercent maps a schedule percentage to its phase label.
func LabelForPercent(percent int) PhaseLabel {
	return PhaseLabel(fmt.Sprintf("%d%%", percent))
}

// Opportunity is a candidate infrastructure change proposed by an external
// analyzer. Immutable once handed to the controller.
type Opportunity struct {
	ResourceID           string          `json:"resourceId"`
	ResourceType         string          `json:"resourceType,omitempty"`
	CurrentConfig        json.RawMessage `json:"currentConfig,omitempty"`
	ProposedConfig       json.RawMessage `json:"proposedConfig,omitempty"`
	CurrentMonthlyCost   float64         `json:"currentMonthlyCost"`
	ProjectedMonthlyCost float64         `json:"projectedMonthlyCost"`
	EstimatedSavings     float64         `json:"estimatedSavings"`
	RiskTier             RiskTier        `json:"riskTier"`
}

// Validate reports the first problem that makes the opportunity unusable as
// controller input.
func (o Opportunity) Validate() error {
	if o.ResourceID == "" {
		return fmt.Errorf("opportunity missing resource id")
	}
	if !o.RiskTier.Valid() {
		return fmt.Errorf("opportunity %s: unknown risk tier %q", o.ResourceID, o.RiskTier)
	}
	if o.CurrentMonthlyCost < 0 || o.ProjectedMonthlyCost < 0 {
		return fmt.Errorf("opportunity %s: negative monthly cost", o.ResourceID)
	}
	if o.EstimatedSavings < 0 {
		return fmt.Errorf("opportunity %s: negative estimated savings", o.ResourceID)
	}
	return nil
}

// ApprovalRecord is one reviewer's verdict for a workflow run. Created once
// per reviewer per run, never mutated.
type ApprovalRecord struct {
	Reviewer        string    `json:"reviewer"`
	Approved        bool      `json:"approved"`
	Confidence      float64   `json:"confidence"`
	Concerns        []string  `json:"concerns,omitempty"`
	Recommendations []string  `json:"recommendations,omitempty"`
	RespondedAt     time.Time `json:"respondedAt"`
}

// PhaseResult is the outcome of executing one percentage slice.
// Appended to WorkflowState by the controller, immutable afterward.
type PhaseResult struct {
	Phase             PhaseLabel `json:"phase"`
	StartedAt         time.Time  `json:"startedAt"`
	CompletedAt       time.Time  `json:"completedAt"`
	InstancesTotal    int        `json:"instancesTotal"`
	InstancesMigrated int        `json:"instancesMigrated"`
	SuccessRate       float64    `json:"successRate"`
	MigratedResources []string   `json:"migratedResources,omitempty"`
	Errors            []string   `json:"errors,omitempty"`
}

// QualitySnapshot is a metric reading, optionally evaluated against a
// baseline. ErrorRate is a percentage (0.5 means 0.5%).
type QualitySnapshot struct {
	LatencyMS      float64   `json:"latencyMs"`
	ErrorRate      float64   `json:"errorRate"`
	DegradationPct float64   `json:"degradationPct"`
	QualityScore   float64   `json:"qualityScore"`
	Acceptable     bool      `json:"acceptable"`
	CapturedAt     time.Time `json:"capturedAt"`
}

// RollbackOutcome reports what a rollback of one phase restored.
type RollbackOutcome struct {
	Phase               PhaseLabel `json:"phase"`
	Success             bool       `json:"success"`
	RevertedResourceIDs []string   `json:"revertedResourceIds,omitempty"`
	Errors              []string   `json:"errors,omitempty"`
	CompletedAt         time.Time  `json:"completedAt"`
}

// StatusChange records one workflow transition for the audit history.
type StatusChange struct {
	From   WorkflowStatus `json:"from"`
	To     WorkflowStatus `json:"to"`
	Reason string         `json:"reason,omitempty"`
	At     time.Time      `json:"at"`
}

// WorkflowState is the aggregate root for one rollout run. The controller
// exclusively owns and mutates it; every other component returns pure values.
type WorkflowState struct {
	ID                   uuid.UUID         `json:"id"`
	CustomerID           string            `json:"customerId"`
	Opportunities        []Opportunity     `json:"opportunities,omitempty"`
	Approvals            []ApprovalRecord  `json:"approvals,omitempty"`
	CoordinationComplete bool              `json:"coordinationComplete"`
	Phases               []PhaseResult     `json:"phases,omitempty"`
	Baseline             *QualitySnapshot  `json:"baseline,omitempty"`
	Current              *QualitySnapshot  `json:"current,omitempty"`
	RollbackTriggered    bool              `json:"rollbackTriggered"`
	Rollbacks            []RollbackOutcome `json:"rollbacks,omitempty"`
	Status               WorkflowStatus    `json:"status"`
	StatusHistory        []StatusChange    `json:"statusHistory,omitempty"`
	FinalSavings         float64           `json:"finalSavings"`
	ErrorMessage         string            `json:"errorMessage,omitempty"`
	CancelRequested      bool              `json:"cancelRequested"`
	CreatedAt            time.Time         `json:"createdAt"`
	UpdatedAt            time.Time         `json:"updatedAt"`
}

// NewWorkflowState builds a pending workflow for the given customer.
func NewWorkflowState(customerID string, opportunities []Opportunity) *WorkflowState {
	now := time.Now().UTC()
	return &WorkflowState{
		ID:            uuid.New(),
		CustomerID:    customerID,
		Opportunities: opportunities,
		Status:        StatusPending,
		CreatedAt:     now,
		UpdatedAt:     now,
	}
}

// ResourceIDs returns the distinct target resource ids in opportunity order.
func (w *WorkflowState) ResourceIDs() []string {
	seen := make(map[string]struct{}, len(w.Opportunities))
	ids := make([]string, 0, len(w.Opportunities))
	for _, opp := range w.Opportunities {
		if _, ok := seen[opp.ResourceID]; ok {
			continue
		}
		seen[opp.ResourceID] = struct{}{}
		ids = append(ids, opp.ResourceID)
	}
	return ids
}

// Clone returns a deep copy safe to hand across ownership boundaries.
func (w *WorkflowState) Clone() *WorkflowState {
	if w == nil {
		return nil
	}
	out := *w
	out.Opportunities = cloneOpportunities(w.Opportunities)
	out.Approvals = cloneApprovals(w.Approvals)
	out.Phases = clonePhases(w.Phases)
	out.Rollbacks = cloneRollbacks(w.Rollbacks)
	out.StatusHistory = append([]StatusChange(nil), w.StatusHistory...)
	if w.Baseline != nil {
		b := *w.Baseline
		out.Baseline = &b
	}
	if w.Current != nil {
		c := *w.Current
		out.Current = &c
	}
	return &out
}

func cloneOpportunities(in []Opportunity) []Opportunity {
	if in == nil {
		return nil
	}
	out := make([]Opportunity, len(in))
	for i, o := range in {
		out[i] = o
		out[i].CurrentConfig = copyJSON(o.CurrentConfig)
		out[i].ProposedConfig = copyJSON(o.ProposedConfig)
	}
	return out
}

func cloneApprovals(in []ApprovalRecord) []ApprovalRecord {
	if in == nil {
		return nil
	}
	out := make([]ApprovalRecord, len(in))
	for i, r := range in {
		out[i] = r
		out[i].Concerns = append([]string(nil), r.Concerns...)
		out[i].Recommendations = append([]string(nil), r.Recommendations...)
	}
	return out
}

func clonePhases(in []PhaseResult) []PhaseResult {
	if in == nil {
		return nil
	}
	out := make([]PhaseResult, len(in))
	for i, p := range in {
		out[i] = p
		out[i].MigratedResources = append([]string(nil), p.MigratedResources...)
		out[i].Errors = append([]string(nil), p.Errors...)
	}
	return out
}

func cloneRollbacks(in []RollbackOutcome) []RollbackOutcome {
	if in == nil {
		return nil
	}
	out := make([]RollbackOutcome, len(in))
	for i, r := range in {
		out[i] = r
		out[i].RevertedResourceIDs = append([]string(nil), r.RevertedResourceIDs...)
		out[i].Errors = append([]string(nil), r.Errors...)
	}
	return out
}

func copyJSON(in json.RawMessage) json.RawMessage {
	if in == nil {
		return nil
	}
	out := make(json.RawMessage, len(in))
	copy(out, in)
	return out
}

// Package review reaches the independent reviewers whose approval gates every
// rollout. A reviewer may be a human queue or another agent; either way the
// aggregator only sees this request/response interface.
package review

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/OptiInfra/Platform/rollout/internal/models"
)

// Request is the change set put in front of a reviewer.
type Request struct {
	WorkflowID    uuid.UUID            `json:"workflowId"`
	CustomerID    string               `json:"customerId"`
	Opportunities []models.Opportunity `json:"opportunities"`
}

type Client interface {
	Name() string
	Evaluate(ctx context.Context, req Request) (models.ApprovalRecord, error)
}

var riskRank = map[models.RiskTier]int{
	models.RiskLow:    0,
	models.RiskMedium: 1,
	models.RiskHigh:   2,
}

// StaticReviewer approves or denies by fixed policy: any opportunity above
// MaxRisk, or touching a resource costing more than MaxMonthlyCost (0 means
// unlimited), is denied. Used in dev mode and tests.
type StaticReviewer struct {
	ID             string
	MaxRisk        models.RiskTier
	MaxMonthlyCost float64
}

func (r *StaticReviewer) Name() string {
	if r.ID == "" {
		return "static-reviewer"
	}
	return r.ID
}

func (r *StaticReviewer) Evaluate(ctx context.Context, req Request) (models.ApprovalRecord, error) {
	maxRisk := r.MaxRisk
	if maxRisk == "" {
		maxRisk = models.RiskMedium
	}
	record := models.ApprovalRecord{
		Reviewer:    r.Name(),
		Approved:    true,
		Confidence:  0.9,
		RespondedAt: time.Now().UTC(),
	}
	for _, opp := range req.Opportunities {
		if riskRank[opp.RiskTier] > riskRank[maxRisk] {
			record.Approved = false
			record.Confidence = 0.95
			record.Concerns = append(record.Concerns,
				fmt.Sprintf("resource %s carries %s risk, above the %s limit", opp.ResourceID, opp.RiskTier, maxRisk))
			record.Recommendations = append(record.Recommendations,
				fmt.Sprintf("split %s into a dedicated low-risk change request", opp.ResourceID))
		}
		if r.MaxMonthlyCost > 0 && opp.CurrentMonthlyCost > r.MaxMonthlyCost {
			record.Approved = false
			record.Confidence = 0.95
			record.Concerns = append(record.Concerns,
				fmt.Sprintf("resource %s monthly cost %.2f exceeds the %.2f review limit", opp.ResourceID, opp.CurrentMonthlyCost, r.MaxMonthlyCost))
		}
	}
	if record.Approved && len(req.Opportunities) > 3 {
		record.Recommendations = append(record.Recommendations, "consider batching future change sets below four resources")
	}
	return record, nil
}

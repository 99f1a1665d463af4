// Package analysis talks to the external analyzer that proposes optimization
// opportunities for a customer's fleet.
package analysis

import (
	"context"

	"github.com/OptiInfra/Platform/rollout/internal/models"
)

// Client provides the opportunity set consumed while a workflow analyzes.
// An empty list is a valid, non-error response.
type Client interface {
	Discover(ctx context.Context, customerID string) ([]models.Opportunity, error)
}

// StaticClient serves a fixed opportunity set. Used by tests and by the
// service's dev mode when no analyzer endpoint is configured.
type StaticClient struct {
	Opportunities []models.Opportunity
	Err           error
}

func (s *StaticClient) Discover(ctx context.Context, customerID string) ([]models.Opportunity, error) {
	if s.Err != nil {
		return nil, s.Err
	}
	out := make([]models.Opportunity, len(s.Opportunities))
	copy(out, s.Opportunities)
	return out, nil
}

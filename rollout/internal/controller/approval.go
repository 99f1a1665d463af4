package controller

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/OptiInfra/Platform/rollout/internal/metrics"
	"github.com/OptiInfra/Platform/rollout/internal/models"
	"github.com/OptiInfra/Platform/rollout/internal/review"
)

// ApprovalAggregator collects independent verdicts from the configured
// reviewers and reduces them to a single go/no-go decision.
type ApprovalAggregator struct {
	reviewers []review.Client
	timeout   time.Duration
}

func NewApprovalAggregator(reviewers []review.Client, timeout time.Duration) *ApprovalAggregator {
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	return &ApprovalAggregator{reviewers: reviewers, timeout: timeout}
}

// Collect invokes every reviewer concurrently, each under its own timeout.
// A reviewer error or timeout becomes a non-approval record carrying the
// failure as a concern; a reviewer is never silently omitted. Records come
// back in reviewer configuration order and allApproved is the AND of every
// record's verdict.
func (a *ApprovalAggregator) Collect(ctx context.Context, req review.Request) (records []models.ApprovalRecord, allApproved bool) {
	records = make([]models.ApprovalRecord, len(a.reviewers))

	var wg sync.WaitGroup
	for i, client := range a.reviewers {
		wg.Add(1)
		go func(i int, client review.Client) {
			defer wg.Done()
			callCtx, cancel := context.WithTimeout(ctx, a.timeout)
			defer cancel()
			record, err := client.Evaluate(callCtx, req)
			if err != nil {
				records[i] = models.ApprovalRecord{
					Reviewer:    client.Name(),
					Approved:    false,
					Confidence:  0,
					Concerns:    []string{fmt.Sprintf("reviewer unavailable: %v", err)},
					RespondedAt: time.Now().UTC(),
				}
				return
			}
			if record.Reviewer == "" {
				record.Reviewer = client.Name()
			}
			records[i] = record
		}(i, client)
	}
	wg.Wait()

	allApproved = true
	for _, record := range records {
		metrics.RecordReviewerDecision(record.Reviewer, record.Approved)
		if !record.Approved {
			allApproved = false
		}
	}
	return records, allApproved
}

package review

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/OptiInfra/Platform/rollout/internal/models"
)

type HTTPReviewerConfig struct {
	Name       string
	BaseURL    string
	Path       string
	Timeout    time.Duration
	Retries    int
	HTTPClient *http.Client
}

// HTTPReviewer calls a remote reviewer endpoint. Internal retries stay inside
// the aggregator's per-reviewer deadline; silence past that deadline is
// treated as non-approval by the aggregator.
type HTTPReviewer struct {
	name    string
	baseURL string
	path    string
	client  *http.Client
	timeout time.Duration
	retries int
}

func NewHTTPReviewer(cfg HTTPReviewerConfig) (*HTTPReviewer, error) {
	if cfg.Name == "" {
		return nil, fmt.Errorf("reviewer name required")
	}
	if cfg.BaseURL == "" {
		return nil, fmt.Errorf("reviewer %s: base url required", cfg.Name)
	}
	path := cfg.Path
	if path == "" {
		path = "/v1/reviews"
	}
	client := cfg.HTTPClient
	if client == nil {
		client = &http.Client{Timeout: 10 * time.Second}
	}
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	retries := cfg.Retries
	if retries < 0 {
		retries = 0
	}
	return &HTTPReviewer{
		name:    cfg.Name,
		baseURL: strings.TrimSuffix(cfg.BaseURL, "/"),
		path:    path,
		client:  client,
		timeout: timeout,
		retries: retries,
	}, nil
}

func (r *HTTPReviewer) Name() string { return r.name }

func (r *HTTPReviewer) Evaluate(ctx context.Context, req Request) (models.ApprovalRecord, error) {
	body, err := json.Marshal(req)
	if err != nil {
		return models.ApprovalRecord{}, fmt.Errorf("reviewer %s marshal request: %w", r.name, err)
	}

	attempts := r.retries + 1
	var lastErr error
	for i := 0; i < attempts; i++ {
		if ctx.Err() != nil {
			return models.ApprovalRecord{}, ctx.Err()
		}
		reqCtx, cancel := context.WithTimeout(ctx, r.timeout)
		httpReq, err := http.NewRequestWithContext(reqCtx, http.MethodPost, r.baseURL+r.path, bytes.NewReader(body))
		if err != nil {
			cancel()
			return models.ApprovalRecord{}, fmt.Errorf("reviewer %s build request: %w", r.name, err)
		}
		httpReq.Header.Set("Content-Type", "application/json")
		resp, err := r.client.Do(httpReq)
		cancel()
		if err != nil {
			lastErr = err
		} else {
			record, parseErr := r.decodeRecord(resp)
			resp.Body.Close()
			if parseErr == nil {
				return record, nil
			}
			lastErr = parseErr
		}
		if i < attempts-1 {
			time.Sleep(time.Duration(i+1) * 100 * time.Millisecond)
		}
	}
	return models.ApprovalRecord{}, fmt.Errorf("reviewer %s unavailable: %w", r.name, lastErr)
}

func (r *HTTPReviewer) decodeRecord(resp *http.Response) (models.ApprovalRecord, error) {
	if resp.StatusCode >= 500 {
		return models.ApprovalRecord{}, fmt.Errorf("reviewer %s unavailable: %s", r.name, resp.Status)
	}
	if resp.StatusCode != http.StatusOK {
		return models.ApprovalRecord{}, fmt.Errorf("reviewer %s rejected request: %s", r.name, resp.Status)
	}
	var record models.ApprovalRecord
	if err := json.NewDecoder(resp.Body).Decode(&record); err != nil {
		return models.ApprovalRecord{}, fmt.Errorf("reviewer %s decode response: %w", r.name, err)
	}
	if record.Reviewer == "" {
		record.Reviewer = r.name
	}
	if record.Confidence < 0 {
		record.Confidence = 0
	}
	if record.Confidence > 1 {
		record.Confidence = 1
	}
	if record.RespondedAt.IsZero() {
		record.RespondedAt = time.Now().UTC()
	}
	return record, nil
}

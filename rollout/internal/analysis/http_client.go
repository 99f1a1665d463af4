package analysis

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/OptiInfra/Platform/rollout/internal/faults"
	"github.com/OptiInfra/Platform/rollout/internal/models"
)

type HTTPClientConfig struct {
	BaseURL    string
	Path       string
	Timeout    time.Duration
	HTTPClient *http.Client
}

// HTTPClient performs a single discovery attempt per call. Retrying transient
// analyzer failures is the controller's retry policy, not the client's.
type HTTPClient struct {
	baseURL string
	path    string
	client  *http.Client
	timeout time.Duration
}

func NewHTTPClient(cfg HTTPClientConfig) (*HTTPClient, error) {
	if cfg.BaseURL == "" {
		return nil, fmt.Errorf("analyzer base url required")
	}
	path := cfg.Path
	if path == "" {
		path = "/v1/opportunities/discover"
	}
	client := cfg.HTTPClient
	if client == nil {
		client = &http.Client{Timeout: 10 * time.Second}
	}
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	return &HTTPClient{
		baseURL: strings.TrimSuffix(cfg.BaseURL, "/"),
		path:    path,
		client:  client,
		timeout: timeout,
	}, nil
}

func (c *HTTPClient) Discover(ctx context.Context, customerID string) ([]models.Opportunity, error) {
	payload := map[string]interface{}{"customerId": customerID}
	body, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("analyzer marshal request: %w", err)
	}

	reqCtx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()
	httpReq, err := http.NewRequestWithContext(reqCtx, http.MethodPost, c.baseURL+c.path, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("analyzer build request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")

	resp, err := c.client.Do(httpReq)
	if err != nil {
		return nil, faults.Transient("discover opportunities", err)
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode == http.StatusTooManyRequests || resp.StatusCode >= 500:
		return nil, faults.Transient("discover opportunities", fmt.Errorf("analyzer unavailable: %s", resp.Status))
	case resp.StatusCode != http.StatusOK:
		return nil, fmt.Errorf("analyzer rejected request: %s", resp.Status)
	}

	var decoded struct {
		Opportunities []models.Opportunity `json:"opportunities"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&decoded); err != nil {
		return nil, fmt.Errorf("analyzer decode response: %w", err)
	}
	return decoded.Opportunities, nil
}

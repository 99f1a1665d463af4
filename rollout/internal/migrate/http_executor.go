package migrate

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"time"
)

type HTTPExecutorConfig struct {
	BaseURL     string
	MigratePath string
	RestorePath string
	Timeout     time.Duration
	HTTPClient  *http.Client
}

// HTTPExecutor calls the remote migration backend. No client-side retries:
// a migrate POST is not known to be idempotent, and the phase executor
// records failures instead of retrying.
type HTTPExecutor struct {
	baseURL     string
	migratePath string
	restorePath string
	client      *http.Client
	timeout     time.Duration
}

func NewHTTPExecutor(cfg HTTPExecutorConfig) (*HTTPExecutor, error) {
	if cfg.BaseURL == "" {
		return nil, fmt.Errorf("migration executor base url required")
	}
	migratePath := cfg.MigratePath
	if migratePath == "" {
		migratePath = "/v1/migrations"
	}
	restorePath := cfg.RestorePath
	if restorePath == "" {
		restorePath = "/v1/restorations"
	}
	client := cfg.HTTPClient
	if client == nil {
		client = &http.Client{Timeout: 30 * time.Second}
	}
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 20 * time.Second
	}
	return &HTTPExecutor{
		baseURL:     strings.TrimSuffix(cfg.BaseURL, "/"),
		migratePath: migratePath,
		restorePath: restorePath,
		client:      client,
		timeout:     timeout,
	}, nil
}

func (e *HTTPExecutor) Migrate(ctx context.Context, resourceID string, phasePercent int) error {
	payload := map[string]interface{}{
		"resourceId":   resourceID,
		"phasePercent": phasePercent,
	}
	return e.post(ctx, e.migratePath, payload, fmt.Sprintf("migrate %s", resourceID))
}

func (e *HTTPExecutor) Restore(ctx context.Context, resourceID string) error {
	payload := map[string]interface{}{"resourceId": resourceID}
	return e.post(ctx, e.restorePath, payload, fmt.Sprintf("restore %s", resourceID))
}

func (e *HTTPExecutor) post(ctx context.Context, path string, payload interface{}, op string) error {
	body, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("%s: marshal request: %w", op, err)
	}
	reqCtx, cancel := context.WithTimeout(ctx, e.timeout)
	defer cancel()
	httpReq, err := http.NewRequestWithContext(reqCtx, http.MethodPost, e.baseURL+path, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("%s: build request: %w", op, err)
	}
	httpReq.Header.Set("Content-Type", "application/json")

	resp, err := e.client.Do(httpReq)
	if err != nil {
		return fmt.Errorf("%s: %w", op, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("%s: executor returned %s", op, resp.Status)
	}

	var decoded struct {
		Success bool   `json:"success"`
		Detail  string `json:"detail"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&decoded); err != nil {
		return fmt.Errorf("%s: decode response: %w", op, err)
	}
	if !decoded.Success {
		if decoded.Detail == "" {
			decoded.Detail = "executor reported failure"
		}
		return fmt.Errorf("%s: %s", op, decoded.Detail)
	}
	return nil
}

package probe

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"time"
)

type HTTPSamplerConfig struct {
	BaseURL    string
	Path       string
	Timeout    time.Duration
	Retries    int
	HTTPClient *http.Client
}

// HTTPSampler reads the metrics endpoint of the observability stack.
type HTTPSampler struct {
	baseURL string
	path    string
	client  *http.Client
	timeout time.Duration
	retries int
}

func NewHTTPSampler(cfg HTTPSamplerConfig) (*HTTPSampler, error) {
	if cfg.BaseURL == "" {
		return nil, fmt.Errorf("metrics source base url required")
	}
	path := cfg.Path
	if path == "" {
		path = "/v1/metrics/quality"
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
	return &HTTPSampler{
		baseURL: strings.TrimSuffix(cfg.BaseURL, "/"),
		path:    path,
		client:  client,
		timeout: timeout,
		retries: retries,
	}, nil
}

func (s *HTTPSampler) Sample(ctx context.Context, baseline bool) (Reading, error) {
	url := fmt.Sprintf("%s%s?baseline=%t", s.baseURL, s.path, baseline)

	attempts := s.retries + 1
	var lastErr error
	for i := 0; i < attempts; i++ {
		if ctx.Err() != nil {
			return Reading{}, ctx.Err()
		}
		reqCtx, cancel := context.WithTimeout(ctx, s.timeout)
		httpReq, err := http.NewRequestWithContext(reqCtx, http.MethodGet, url, nil)
		if err != nil {
			cancel()
			return Reading{}, fmt.Errorf("metrics build request: %w", err)
		}
		resp, err := s.client.Do(httpReq)
		cancel()
		if err != nil {
			lastErr = err
		} else {
			reading, parseErr := decodeReading(resp)
			resp.Body.Close()
			if parseErr == nil {
				return reading, nil
			}
			lastErr = parseErr
		}
		if i < attempts-1 {
			time.Sleep(time.Duration(i+1) * 100 * time.Millisecond)
		}
	}
	return Reading{}, fmt.Errorf("metrics source unavailable: %w", lastErr)
}

func decodeReading(resp *http.Response) (Reading, error) {
	if resp.StatusCode >= 500 {
		return Reading{}, fmt.Errorf("metrics source unavailable: %s", resp.Status)
	}
	if resp.StatusCode != http.StatusOK {
		return Reading{}, fmt.Errorf("metrics source rejected request: %s", resp.Status)
	}
	var reading Reading
	if err := json.NewDecoder(resp.Body).Decode(&reading); err != nil {
		return Reading{}, fmt.Errorf("metrics decode response: %w", err)
	}
	return reading, nil
}

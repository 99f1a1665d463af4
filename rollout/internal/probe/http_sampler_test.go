package probe_test

import (
	"bytes"
	"context"
	"io"
	"net/http"
	"sync/atomic"
	"testing"
	"time"

	"github.com/OptiInfra/Platform/rollout/internal/probe"
)

func TestSampleSendsBaselineFlag(t *testing.T) {
	transport := roundTripFunc(func(r *http.Request) (*http.Response, error) {
		if r.URL.Path != "/v1/metrics/quality" {
			t.Fatalf("unexpected path %s", r.URL.Path)
		}
		if r.URL.Query().Get("baseline") != "true" {
			t.Fatalf("baseline flag missing from query: %s", r.URL.RawQuery)
		}
		return jsonResponse(http.StatusOK, `{"latencyMs": 104.5, "errorRate": 0.4}`), nil
	})

	sampler := newTestSampler(t, transport, 0)
	reading, err := sampler.Sample(context.Background(), true)
	if err != nil {
		t.Fatalf("sample: %v", err)
	}
	if reading.LatencyMS != 104.5 || reading.ErrorRate != 0.4 {
		t.Fatalf("unexpected reading: %+v", reading)
	}
}

func TestSampleRetriesUntilSuccess(t *testing.T) {
	var calls atomic.Int32
	transport := roundTripFunc(func(r *http.Request) (*http.Response, error) {
		if calls.Add(1) < 3 {
			return jsonResponse(http.StatusBadGateway, `{}`), nil
		}
		return jsonResponse(http.StatusOK, `{"latencyMs": 100, "errorRate": 1}`), nil
	})

	sampler := newTestSampler(t, transport, 3)
	reading, err := sampler.Sample(context.Background(), false)
	if err != nil {
		t.Fatalf("sample after retries: %v", err)
	}
	if calls.Load() != 3 {
		t.Fatalf("expected 3 attempts, got %d", calls.Load())
	}
	if reading.LatencyMS != 100 {
		t.Fatalf("unexpected reading: %+v", reading)
	}
}

func TestSampleGivesUpAfterRetries(t *testing.T) {
	transport := roundTripFunc(func(r *http.Request) (*http.Response, error) {
		return jsonResponse(http.StatusInternalServerError, `{}`), nil
	})

	sampler := newTestSampler(t, transport, 1)
	if _, err := sampler.Sample(context.Background(), false); err == nil {
		t.Fatal("expected error when metrics source stays down")
	}
}

func TestSampleHonorsContextCancellation(t *testing.T) {
	transport := roundTripFunc(func(r *http.Request) (*http.Response, error) {
		return jsonResponse(http.StatusInternalServerError, `{}`), nil
	})

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	sampler := newTestSampler(t, transport, 3)
	if _, err := sampler.Sample(ctx, false); err == nil {
		t.Fatal("expected context error")
	}
}

func newTestSampler(t *testing.T, transport http.RoundTripper, retries int) *probe.HTTPSampler {
	t.Helper()
	sampler, err := probe.NewHTTPSampler(probe.HTTPSamplerConfig{
		BaseURL:    "http://metrics",
		Timeout:    time.Second,
		Retries:    retries,
		HTTPClient: &http.Client{Transport: transport},
	})
	if err != nil {
		t.Fatalf("new sampler: %v", err)
	}
	return sampler
}

func jsonResponse(status int, body string) *http.Response {
	return &http.Response{
		StatusCode: status,
		Status:     http.StatusText(status),
		Body:       io.NopCloser(bytes.NewReader([]byte(body))),
		Header:     make(http.Header),
	}
}

type roundTripFunc func(*http.Request) (*http.Response, error)

func (f roundTripFunc) RoundTrip(req *http.Request) (*http.Response, error) {
	return f(req)
}

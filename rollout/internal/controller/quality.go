package controller

import (
	"context"
	"fmt"
	"time"

	"github.com/OptiInfra/Platform/rollout/internal/metrics"
	"github.com/OptiInfra/Platform/rollout/internal/models"
	"github.com/OptiInfra/Platform/rollout/internal/probe"
)

// QualityMonitor samples workload quality and scores post-phase readings
// against the pre-rollout baseline.
type QualityMonitor struct {
	sampler       probe.Sampler
	latencyWeight float64
	errorWeight   float64
	threshold     float64
}

func NewQualityMonitor(sampler probe.Sampler, latencyWeight, errorWeight, threshold float64) *QualityMonitor {
	if latencyWeight <= 0 {
		latencyWeight = 0.7
	}
	if errorWeight <= 0 {
		errorWeight = 0.3
	}
	if threshold <= 0 {
		threshold = 5.0
	}
	return &QualityMonitor{
		sampler:       sampler,
		latencyWeight: latencyWeight,
		errorWeight:   errorWeight,
		threshold:     threshold,
	}
}

// CaptureBaseline records the reference reading taken before any traffic
// moves. A baseline is by definition undegraded.
func (m *QualityMonitor) CaptureBaseline(ctx context.Context) (models.QualitySnapshot, error) {
	reading, err := m.sampler.Sample(ctx, true)
	if err != nil {
		return models.QualitySnapshot{}, fmt.Errorf("capture baseline: %w", err)
	}
	return models.QualitySnapshot{
		LatencyMS:      reading.LatencyMS,
		ErrorRate:      reading.ErrorRate,
		DegradationPct: 0,
		QualityScore:   1,
		Acceptable:     true,
		CapturedAt:     time.Now().UTC(),
	}, nil
}

// Assess samples current quality and scores it against the baseline.
// Degradation is the weighted sum of the relative latency and error-rate
// changes, in percent. A baseline error rate of zero contributes no error
// term; likewise a zero baseline latency. Improvements come out negative and
// are always acceptable.
func (m *QualityMonitor) Assess(ctx context.Context, baseline models.QualitySnapshot) (models.QualitySnapshot, error) {
	reading, err := m.sampler.Sample(ctx, false)
	if err != nil {
		return models.QualitySnapshot{}, fmt.Errorf("assess quality: %w", err)
	}

	var latencyChange float64
	if baseline.LatencyMS > 0 {
		latencyChange = (reading.LatencyMS - baseline.LatencyMS) / baseline.LatencyMS * 100
	}
	var errorChange float64
	if baseline.ErrorRate > 0 {
		errorChange = (reading.ErrorRate - baseline.ErrorRate) / baseline.ErrorRate * 100
	}
	degradation := m.latencyWeight*latencyChange + m.errorWeight*errorChange

	score := 1 - degradation/100
	if score < 0 {
		score = 0
	}

	snapshot := models.QualitySnapshot{
		LatencyMS:      reading.LatencyMS,
		ErrorRate:      reading.ErrorRate,
		DegradationPct: degradation,
		QualityScore:   score,
		Acceptable:     degradation < m.threshold,
		CapturedAt:     time.Now().UTC(),
	}
	metrics.RecordQualityDegradation(degradation)
	return snapshot, nil
}

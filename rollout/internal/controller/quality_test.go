package controller_test

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/OptiInfra/Platform/rollout/internal/controller"
	"github.com/OptiInfra/Platform/rollout/internal/models"
	"github.com/OptiInfra/Platform/rollout/internal/probe"
)

func TestCaptureBaseline(t *testing.T) {
	sampler := probe.NewStaticSampler(probe.Reading{LatencyMS: 100, ErrorRate: 1.0})
	qm := controller.NewQualityMonitor(sampler, 0, 0, 0)

	baseline, err := qm.CaptureBaseline(context.Background())

	assert.NoError(t, err)
	assert.Equal(t, 100.0, baseline.LatencyMS)
	assert.Equal(t, 1.0, baseline.ErrorRate)
	assert.Equal(t, 0.0, baseline.DegradationPct)
	assert.Equal(t, 1.0, baseline.QualityScore)
	assert.True(t, baseline.Acceptable)
	assert.False(t, baseline.CapturedAt.IsZero())
}

func TestAssess_UnchangedMetricsNoDegradation(t *testing.T) {
	sampler := probe.NewStaticSampler(probe.Reading{LatencyMS: 100, ErrorRate: 1.0})
	qm := controller.NewQualityMonitor(sampler, 0, 0, 0)
	baseline := models.QualitySnapshot{LatencyMS: 100, ErrorRate: 1.0}

	snapshot, err := qm.Assess(context.Background(), baseline)

	assert.NoError(t, err)
	assert.Equal(t, 0.0, snapshot.DegradationPct)
	assert.Equal(t, 1.0, snapshot.QualityScore)
	assert.True(t, snapshot.Acceptable)
}

func TestAssess_SmallRegressionAcceptable(t *testing.T) {
	// 100ms -> 106ms with a flat error rate weighs in at 4.2%, under the
	// default 5% threshold.
	sampler := probe.NewStaticSampler(probe.Reading{LatencyMS: 106, ErrorRate: 1.0})
	qm := controller.NewQualityMonitor(sampler, 0, 0, 0)
	baseline := models.QualitySnapshot{LatencyMS: 100, ErrorRate: 1.0}

	snapshot, err := qm.Assess(context.Background(), baseline)

	assert.NoError(t, err)
	assert.InDelta(t, 4.2, snapshot.DegradationPct, 1e-9)
	assert.InDelta(t, 0.958, snapshot.QualityScore, 1e-9)
	assert.True(t, snapshot.Acceptable)
}

func TestAssess_LatencyRegressionUnacceptable(t *testing.T) {
	sampler := probe.NewStaticSampler(probe.Reading{LatencyMS: 130, ErrorRate: 1.0})
	qm := controller.NewQualityMonitor(sampler, 0, 0, 0)
	baseline := models.QualitySnapshot{LatencyMS: 100, ErrorRate: 1.0}

	snapshot, err := qm.Assess(context.Background(), baseline)

	assert.NoError(t, err)
	assert.InDelta(t, 21.0, snapshot.DegradationPct, 1e-9)
	assert.InDelta(t, 0.79, snapshot.QualityScore, 1e-9)
	assert.False(t, snapshot.Acceptable)
}

func TestAssess_ZeroBaselineErrorRateContributesNothing(t *testing.T) {
	sampler := probe.NewStaticSampler(probe.Reading{LatencyMS: 110, ErrorRate: 5.0})
	qm := controller.NewQualityMonitor(sampler, 0, 0, 0)
	baseline := models.QualitySnapshot{LatencyMS: 100, ErrorRate: 0}

	snapshot, err := qm.Assess(context.Background(), baseline)

	assert.NoError(t, err)
	assert.InDelta(t, 7.0, snapshot.DegradationPct, 1e-9)
	assert.False(t, snapshot.Acceptable)
}

func TestAssess_ImprovementIsAcceptable(t *testing.T) {
	sampler := probe.NewStaticSampler(probe.Reading{LatencyMS: 90, ErrorRate: 0.5})
	qm := controller.NewQualityMonitor(sampler, 0, 0, 0)
	baseline := models.QualitySnapshot{LatencyMS: 100, ErrorRate: 1.0}

	snapshot, err := qm.Assess(context.Background(), baseline)

	assert.NoError(t, err)
	assert.InDelta(t, -22.0, snapshot.DegradationPct, 1e-9)
	assert.True(t, snapshot.Acceptable)
}

func TestAssess_CustomWeightsAndThreshold(t *testing.T) {
	sampler := probe.NewStaticSampler(probe.Reading{LatencyMS: 110, ErrorRate: 1.0})
	qm := controller.NewQualityMonitor(sampler, 0.5, 0.5, 10.0)
	baseline := models.QualitySnapshot{LatencyMS: 100, ErrorRate: 1.0}

	snapshot, err := qm.Assess(context.Background(), baseline)

	assert.NoError(t, err)
	assert.InDelta(t, 5.0, snapshot.DegradationPct, 1e-9)
	assert.True(t, snapshot.Acceptable)
}

func TestAssess_SamplerError(t *testing.T) {
	sampler := probe.NewStaticSampler(probe.Reading{LatencyMS: 100})
	sampler.Err = errors.New("metrics source offline")
	qm := controller.NewQualityMonitor(sampler, 0, 0, 0)

	_, err := qm.Assess(context.Background(), models.QualitySnapshot{LatencyMS: 100})

	assert.Error(t, err)
	assert.Contains(t, err.Error(), "assess quality")
}

func TestCaptureBaseline_SamplerError(t *testing.T) {
	sampler := probe.NewStaticSampler()
	sampler.Err = errors.New("metrics source offline")
	qm := controller.NewQualityMonitor(sampler, 0, 0, 0)

	_, err := qm.CaptureBaseline(context.Background())

	assert.Error(t, err)
	assert.Contains(t, err.Error(), "capture baseline")
}

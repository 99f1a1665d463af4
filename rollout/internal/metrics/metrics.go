// Package metrics exposes Prometheus instrumentation for the rollout
// service. Collectors register on the default registry the first time any
// recording helper runs, so importing the package has no side effects.
package metrics

import (
	"strconv"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	registerOnce sync.Once

	workflowsStarted   prometheus.Counter
	workflowsFinished  *prometheus.CounterVec
	phaseDuration      *prometheus.HistogramVec
	phaseSuccessRate   *prometheus.GaugeVec
	rollbacks          prometheus.Counter
	qualityDegradation prometheus.Gauge
	reviewerDecisions  *prometheus.CounterVec
)

func register() {
	registerOnce.Do(func() {
		workflowsStarted = promauto.NewCounter(prometheus.CounterOpts{
			Name: "optiinfra_rollout_workflows_started_total",
			Help: "Workflows claimed and started by the controller.",
		})
		workflowsFinished = promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "optiinfra_rollout_workflows_finished_total",
			Help: "Workflows that reached a terminal status.",
		}, []string{"status"})
		phaseDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "optiinfra_rollout_phase_duration_seconds",
			Help:    "Wall time spent executing a migration phase.",
			Buckets: prometheus.ExponentialBuckets(0.1, 2, 12),
		}, []string{"phase"})
		phaseSuccessRate = promauto.NewGaugeVec(prometheus.GaugeOpts{
			Name: "optiinfra_rollout_phase_success_rate",
			Help: "Success rate of the most recent execution of each phase.",
		}, []string{"phase"})
		rollbacks = promauto.NewCounter(prometheus.CounterOpts{
			Name: "optiinfra_rollout_rollbacks_total",
			Help: "Rollbacks triggered by gate failures, degradation, or cancellation.",
		})
		qualityDegradation = promauto.NewGauge(prometheus.GaugeOpts{
			Name: "optiinfra_rollout_quality_degradation_pct",
			Help: "Most recent weighted quality degradation, in percent.",
		})
		reviewerDecisions = promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "optiinfra_rollout_reviewer_decisions_total",
			Help: "Approval decisions returned by reviewers.",
		}, []string{"reviewer", "approved"})
	})
}

func RecordWorkflowStarted() {
	register()
	workflowsStarted.Inc()
}

func RecordWorkflowFinished(status string) {
	register()
	workflowsFinished.WithLabelValues(status).Inc()
}

func RecordPhase(phase string, elapsed time.Duration, successRate float64) {
	register()
	phaseDuration.WithLabelValues(phase).Observe(elapsed.Seconds())
	phaseSuccessRate.WithLabelValues(phase).Set(successRate)
}

func RecordRollback() {
	register()
	rollbacks.Inc()
}

func RecordQualityDegradation(pct float64) {
	register()
	qualityDegradation.Set(pct)
}

func RecordReviewerDecision(reviewer string, approved bool) {
	register()
	reviewerDecisions.WithLabelValues(reviewer, strconv.FormatBool(approved)).Inc()
}

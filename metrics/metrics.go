package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	PoolInstances = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "judgebox_pool_instances",
			Help: "Live sandbox instances by state",
		},
		[]string{"state"},
	)

	AdmissionRejected = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "judgebox_admission_rejected_total",
			Help: "Acquire calls rejected because the pool was at capacity",
		},
	)

	ProvisionDuration = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "judgebox_provision_duration_seconds",
			Help:    "Time to provision a sandbox instance, retries included",
			Buckets: []float64{0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30, 60},
		},
	)

	ProvisionFailures = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "judgebox_provision_failures_total",
			Help: "Provisioning attempts that failed, by error kind",
		},
		[]string{"kind"},
	)

	InstancesDestroyed = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "judgebox_instances_destroyed_total",
			Help: "Destroyed sandbox instances by reason",
		},
		[]string{"reason"}, // reason: "reaped", "evicted", "discarded", "reset_failed", "shutdown"
	)

	InstancesReused = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "judgebox_instances_reused_total",
			Help: "Acquire calls served by an existing instance",
		},
	)

	Verdicts = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "judgebox_test_case_verdicts_total",
			Help: "Test case verdicts by language",
		},
		[]string{"language", "verdict"},
	)

	Executions = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "judgebox_executions_total",
			Help: "Execution requests by language and outcome",
		},
		[]string{"language", "outcome"},
	)

	ExecutionDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "judgebox_execution_duration_seconds",
			Help:    "Wall time of execution phases",
			Buckets: []float64{0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30},
		},
		[]string{"language", "phase"}, // phase: "compile", "run", "total"
	)

	RateLimitHits = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "judgebox_rate_limit_hits_total",
			Help: "Requests rejected by the HTTP rate limiter",
		},
	)
)

package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// Fleet metrics
	DronesTotal = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "drillmaster_drones_total",
			Help: "Total number of drones by kind and status",
		},
		[]string{"kind", "status"},
	)

	DronesGrounded = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "drillmaster_drones_grounded",
			Help: "Number of drones currently grounded by the health circuit breaker",
		},
	)

	// Queue metrics
	QueueItemsTotal = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "drillmaster_queue_items_total",
			Help: "Total number of queue items by status",
		},
		[]string{"status"},
	)

	SchedulingLatency = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "drillmaster_scheduling_latency_seconds",
			Help:    "Time taken to assign a queue item to a drone",
			Buckets: prometheus.DefBuckets,
		},
	)

	AssignmentsTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "drillmaster_assignments_total",
			Help: "Total number of queue items assigned to drones",
		},
	)

	CompletionsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "drillmaster_completions_total",
			Help: "Total number of completion reports by outcome",
		},
		[]string{"status"},
	)

	StaleCompletionsTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "drillmaster_stale_completions_total",
			Help: "Total number of completion reports rejected as stale",
		},
	)

	ReclaimsTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "drillmaster_reclaims_total",
			Help: "Total number of queue items reclaimed from unresponsive drones",
		},
	)

	RebalancesTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "drillmaster_rebalances_total",
			Help: "Total number of queue items stolen by idle drones",
		},
	)

	// Health / self-healing metrics
	EscalationLevel = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "drillmaster_escalation_level",
			Help: "Current self-healing escalation level per drone",
		},
		[]string{"drone"},
	)

	EscalationActionsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "drillmaster_escalation_actions_total",
			Help: "Total number of self-healing actions taken, by level and action",
		},
		[]string{"level", "action"},
	)

	ProbeDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "drillmaster_probe_duration_seconds",
			Help:    "Time taken for an SSH liveness probe",
			Buckets: prometheus.DefBuckets,
		},
	)

	// API metrics
	APIRequestsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "drillmaster_api_requests_total",
			Help: "Total number of API requests by route tag and status",
		},
		[]string{"tag", "status"},
	)

	APIRequestDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "drillmaster_api_request_duration_seconds",
			Help:    "API request duration in seconds",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"tag"},
	)

	// Payload/release metrics
	DeploymentsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "drillmaster_payload_deployments_total",
			Help: "Total number of payload deployments by kind and status",
		},
		[]string{"kind", "status"},
	)

	DeploymentDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "drillmaster_payload_deployment_duration_seconds",
			Help:    "Payload deployment duration in seconds by kind",
			Buckets: []float64{1, 5, 10, 30, 60, 120, 300, 600},
		},
		[]string{"kind"},
	)

	RolledBackDeploymentsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "drillmaster_payload_deployments_rolled_back_total",
			Help: "Total number of payload deployments that were rolled back",
		},
		[]string{"kind"},
	)

	// Protocol log metrics
	ProtocolEntriesTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "drillmaster_protocol_entries_total",
			Help: "Total number of recorded drone protocol exchanges by classification",
		},
		[]string{"classification"},
	)
)

func init() {
	prometheus.MustRegister(
		DronesTotal, DronesGrounded,
		QueueItemsTotal, SchedulingLatency, AssignmentsTotal, CompletionsTotal,
		StaleCompletionsTotal, ReclaimsTotal, RebalancesTotal,
		EscalationLevel, EscalationActionsTotal, ProbeDuration,
		APIRequestsTotal, APIRequestDuration,
		DeploymentsTotal, DeploymentDuration, RolledBackDeploymentsTotal,
		ProtocolEntriesTotal,
	)
}

// Handler returns the Prometheus HTTP handler, mounted by the serve
// command on its own metrics listener (127.0.0.1:9090).
func Handler() http.Handler {
	return promhttp.Handler()
}

// Timer is a helper for timing operations
type Timer struct {
	start time.Time
}

// NewTimer creates a new timer
func NewTimer() *Timer {
	return &Timer{start: time.Now()}
}

// ObserveDuration records the duration to a histogram
func (t *Timer) ObserveDuration(histogram prometheus.Histogram) {
	duration := time.Since(t.start).Seconds()
	histogram.Observe(duration)
}

// ObserveDurationVec records the duration to a histogram vec with labels
func (t *Timer) ObserveDurationVec(histogram prometheus.ObserverVec, labels ...string) {
	duration := time.Since(t.start).Seconds()
	histogram.WithLabelValues(labels...).Observe(duration)
}

// Duration returns the elapsed time since timer started
func (t *Timer) Duration() time.Duration {
	return time.Since(t.start)
}

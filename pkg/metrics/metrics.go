package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// Fleet metrics
	ActiveVMs = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "paddock_active_vms",
			Help: "Number of VMs not yet terminated",
		},
	)

	LaunchRequestsTotal = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "paddock_launch_requests_total",
			Help: "Number of launch requests by status",
		},
		[]string{"status"},
	)

	CandidatesTotal = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "paddock_candidates_total",
			Help: "Number of candidates by role",
		},
		[]string{"role"},
	)

	SeedClaimsTotal = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "paddock_seed_claims_total",
			Help: "Number of seed claims by state",
		},
		[]string{"state"},
	)

	// Scheduler metrics
	LaunchesTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "paddock_launches_total",
			Help: "Total number of VM launches accepted upstream",
		},
	)

	LaunchFailuresTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "paddock_launch_failures_total",
			Help: "Total number of failed upstream launch attempts",
		},
	)

	LoadersLaunchedTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "paddock_seed_loaders_launched_total",
			Help: "Total number of loader VMs launched for filesystem seeding",
		},
	)

	// Reconciler metrics
	TerminationsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "paddock_terminations_total",
			Help: "Total number of VM terminations by reason",
		},
		[]string{"reason"},
	)

	ReconcileCyclesTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "paddock_reconcile_cycles_total",
			Help: "Total number of reconcile cycles completed",
		},
	)

	ReconcileDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "paddock_reconcile_duration_seconds",
			Help:    "Reconcile cycle duration in seconds",
			Buckets: prometheus.DefBuckets,
		},
	)

	// API metrics
	APIRequestsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "paddock_api_requests_total",
			Help: "Total number of API requests by method and status",
		},
		[]string{"method", "status"},
	)

	APIRequestDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "paddock_api_request_duration_seconds",
			Help:    "API request duration in seconds",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"method"},
	)
)

func init() {
	// Register all metrics
	prometheus.MustRegister(ActiveVMs)
	prometheus.MustRegister(LaunchRequestsTotal)
	prometheus.MustRegister(CandidatesTotal)
	prometheus.MustRegister(SeedClaimsTotal)
	prometheus.MustRegister(LaunchesTotal)
	prometheus.MustRegister(LaunchFailuresTotal)
	prometheus.MustRegister(LoadersLaunchedTotal)
	prometheus.MustRegister(TerminationsTotal)
	prometheus.MustRegister(ReconcileCyclesTotal)
	prometheus.MustRegister(ReconcileDuration)
	prometheus.MustRegister(APIRequestsTotal)
	prometheus.MustRegister(APIRequestDuration)
}

// Handler returns the Prometheus HTTP handler
func Handler() http.Handler {
	return promhttp.Handler()
}

// Timer measures elapsed time for histogram observation
type Timer struct {
	start time.Time
}

// NewTimer starts a new timer
func NewTimer() *Timer {
	return &Timer{start: time.Now()}
}

// Duration returns the elapsed time since the timer started
func (t *Timer) Duration() time.Duration {
	return time.Since(t.start)
}

// ObserveDuration records the elapsed time in the given histogram
func (t *Timer) ObserveDuration(histogram prometheus.Histogram) {
	histogram.Observe(t.Duration().Seconds())
}

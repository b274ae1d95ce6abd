package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
)

var (
	// Apply metrics
	ApplyRunsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "topo_apply_runs_total",
			Help: "Total number of apply runs by result",
		},
		[]string{"result"},
	)

	ApplyDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "topo_apply_duration_seconds",
			Help:    "Time taken to apply a topology in seconds",
			Buckets: prometheus.DefBuckets,
		},
	)

	ServiceResultsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "topo_service_results_total",
			Help: "Total number of per-service apply outcomes by status",
		},
		[]string{"status"},
	)

	// Resource metrics
	NetworksCreatedTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "topo_networks_created_total",
			Help: "Total number of networks created",
		},
	)

	VolumesCreatedTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "topo_volumes_created_total",
			Help: "Total number of named volumes created",
		},
	)

	// Readiness metrics
	HealthProbeDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "topo_health_probe_duration_seconds",
			Help:    "Time taken for a service to become healthy in seconds",
			Buckets: []float64{0.1, 0.5, 1, 2.5, 5, 10, 30, 60, 120},
		},
		[]string{"type"},
	)

	HealthProbeFailuresTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "topo_health_probe_failures_total",
			Help: "Total number of services that never became healthy by probe type",
		},
		[]string{"type"},
	)
)

func init() {
	prometheus.MustRegister(ApplyRunsTotal)
	prometheus.MustRegister(ApplyDuration)
	prometheus.MustRegister(ServiceResultsTotal)
	prometheus.MustRegister(NetworksCreatedTotal)
	prometheus.MustRegister(VolumesCreatedTotal)
	prometheus.MustRegister(HealthProbeDuration)
	prometheus.MustRegister(HealthProbeFailuresTotal)
}

// WriteTextfile writes every registered metric to path in the text
// exposition format, for node_exporter's textfile collector
func WriteTextfile(path string) error {
	return prometheus.WriteToTextfile(path, prometheus.DefaultGatherer)
}

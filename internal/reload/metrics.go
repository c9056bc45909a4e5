package reload

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics holds the Prometheus collectors for reload attempts, phase
// durations, rollbacks, and the current-version gauge.
type Metrics struct {
	ReloadTotal          *prometheus.CounterVec
	ReloadDuration       prometheus.Histogram
	PhaseDuration        *prometheus.HistogramVec
	ComponentDuration    *prometheus.HistogramVec
	ReloadErrors         *prometheus.CounterVec
	ReloadRollbacks      prometheus.Counter
	LastSuccessTimestamp prometheus.Gauge
	CurrentVersion       *prometheus.GaugeVec
}

// NewMetrics registers and returns the reload metric collectors against
// the default Prometheus registerer.
func NewMetrics() *Metrics {
	return &Metrics{
		ReloadTotal: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "config_reload_total",
			Help: "Total number of configuration reload attempts by outcome",
		}, []string{"outcome"}),
		ReloadDuration: promauto.NewHistogram(prometheus.HistogramOpts{
			Name:    "config_reload_duration_seconds",
			Help:    "Duration of a full reload attempt",
			Buckets: prometheus.DefBuckets,
		}),
		PhaseDuration: promauto.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "config_reload_phase_duration_seconds",
			Help:    "Duration of one reload-sequence phase",
			Buckets: prometheus.DefBuckets,
		}, []string{"phase"}),
		ComponentDuration: promauto.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "config_reload_component_duration_seconds",
			Help:    "Duration of one AtomicUpdateManager phase",
			Buckets: prometheus.DefBuckets,
		}, []string{"component"}),
		ReloadErrors: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "config_reload_errors_total",
			Help: "Total number of reload errors by taxonomy kind",
		}, []string{"kind"}),
		ReloadRollbacks: promauto.NewCounter(prometheus.CounterOpts{
			Name: "config_reload_rollbacks_total",
			Help: "Total number of AtomicUpdateManager rollbacks",
		}),
		LastSuccessTimestamp: promauto.NewGauge(prometheus.GaugeOpts{
			Name: "config_reload_last_success_timestamp_seconds",
			Help: "Unix timestamp of the last successful reload",
		}),
		CurrentVersion: promauto.NewGaugeVec(prometheus.GaugeOpts{
			Name: "config_reload_current_version_info",
			Help: "Always 1; labeled with the current snapshot version",
		}, []string{"version"}),
	}
}

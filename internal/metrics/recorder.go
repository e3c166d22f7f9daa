package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Result labels for refresh and provisioning counters.
const (
	ResultSuccess = "success"
)

// Recorder holds the Prometheus collectors for one device. A nil *Recorder
// is valid and records nothing.
type Recorder struct {
	registry        *prometheus.Registry
	refreshTotal    *prometheus.CounterVec
	refreshDuration prometheus.Histogram
	lastSuccess     prometheus.Gauge
	provisionTotal  *prometheus.CounterVec
}

// NewRecorder registers the collectors on a private registry labelled with the device name.
func NewRecorder(device string) *Recorder {
	labels := prometheus.Labels{"device": device}
	r := &Recorder{
		registry: prometheus.NewRegistry(),
		refreshTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name:        "onemeter_refresh_total",
				Help:        "Refresh attempts by result (success or error kind)",
				ConstLabels: labels,
			},
			[]string{"result"},
		),
		refreshDuration: prometheus.NewHistogram(
			prometheus.HistogramOpts{
				Name:        "onemeter_refresh_duration_seconds",
				Help:        "Latency of device fetches in seconds",
				ConstLabels: labels,
				Buckets:     []float64{0.1, 0.25, 0.5, 1.0, 2.0, 5.0, 10.0},
			},
		),
		lastSuccess: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Name:        "onemeter_last_success_timestamp_seconds",
				Help:        "Unix time of the last successful refresh",
				ConstLabels: labels,
			},
		),
		provisionTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name:        "onemeter_provision_total",
				Help:        "Utility meter provisioning runs by terminal state",
				ConstLabels: labels,
			},
			[]string{"result"},
		),
	}

	r.registry.MustRegister(
		r.refreshTotal,
		r.refreshDuration,
		r.lastSuccess,
		r.provisionTotal,
	)

	return r
}

// ObserveRefresh records one completed refresh attempt. result is ResultSuccess
// or the error kind of the failure.
func (r *Recorder) ObserveRefresh(result string, took time.Duration, finished time.Time) {
	if r == nil {
		return
	}
	r.refreshTotal.WithLabelValues(result).Inc()
	r.refreshDuration.Observe(took.Seconds())
	if result == ResultSuccess {
		r.lastSuccess.Set(float64(finished.Unix()))
	}
}

// ObserveProvision records the terminal state of a provisioning run.
func (r *Recorder) ObserveProvision(state string) {
	if r == nil {
		return
	}
	r.provisionTotal.WithLabelValues(state).Inc()
}

// Handler serves the recorder's collectors in the Prometheus text format.
func (r *Recorder) Handler() http.Handler {
	if r == nil {
		return promhttp.HandlerFor(prometheus.NewRegistry(), promhttp.HandlerOpts{})
	}
	return promhttp.HandlerFor(r.registry, promhttp.HandlerOpts{})
}

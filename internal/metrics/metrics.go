// Package metrics records per-run metrics on a private prometheus registry.
//
// kiln is a one-shot CLI, so nothing is served; the registry is written out
// in node-exporter textfile format when a run ends.
package metrics

import (
	"fmt"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// Recorder holds one run's metrics.
type Recorder struct {
	registry      *prometheus.Registry
	phaseDuration *prometheus.HistogramVec
	pollAttempts  *prometheus.CounterVec
	runSuccess    prometheus.Gauge
}

// New returns a Recorder backed by a fresh registry.
func New() *Recorder {
	r := &Recorder{
		registry: prometheus.NewRegistry(),
		phaseDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "kiln_phase_duration_seconds",
			Help:    "Time spent in each configure phase.",
			Buckets: []float64{0.1, 0.5, 1, 5, 15, 30, 60, 120, 300, 600, 1800},
		}, []string{"phase"}),
		pollAttempts: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "kiln_poll_attempts_total",
			Help: "Polls issued while waiting on the configure VM.",
		}, []string{"wait"}),
		runSuccess: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "kiln_run_success",
			Help: "1 if the last run succeeded, 0 otherwise.",
		}),
	}
	r.registry.MustRegister(r.phaseDuration, r.pollAttempts, r.runSuccess)
	return r
}

// Registry exposes the underlying registry.
func (r *Recorder) Registry() *prometheus.Registry { return r.registry }

// ObservePhase records how long phase took.
func (r *Recorder) ObservePhase(phase string, d time.Duration) {
	r.phaseDuration.WithLabelValues(phase).Observe(d.Seconds())
}

// IncPoll counts one poll for wait.
func (r *Recorder) IncPoll(wait string) {
	r.pollAttempts.WithLabelValues(wait).Inc()
}

// SetSuccess records the run outcome.
func (r *Recorder) SetSuccess(ok bool) {
	if ok {
		r.runSuccess.Set(1)
		return
	}
	r.runSuccess.Set(0)
}

// WriteTextfile atomically writes the registry to path.
func (r *Recorder) WriteTextfile(path string) error {
	if err := prometheus.WriteToTextfile(path, r.registry); err != nil {
		return fmt.Errorf("failed to write metrics to %s: %w", path, err)
	}
	return nil
}

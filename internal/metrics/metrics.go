// Package metrics exposes kiln's lifecycle measurements to Prometheus.
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/jbweber/kiln/api/v1alpha1"
)

const namespace = "kiln"

// Result label values.
const (
	resultSuccess = "success"
	resultError   = "error"
)

// Metrics records operation outcomes, status observations and teardown
// steps. It implements the cloud package's Recorder.
type Metrics struct {
	operations *prometheus.CounterVec
	duration   *prometheus.HistogramVec
	statuses   *prometheus.CounterVec
	teardown   *prometheus.CounterVec
}

// New creates the collectors and registers them with reg.
func New(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		operations: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "operations_total",
			Help:      "Lifecycle operations by outcome.",
		}, []string{"operation", "result"}),
		duration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "operation_duration_seconds",
			Help:      "Lifecycle operation latency.",
			Buckets:   []float64{.01, .05, .1, .25, .5, 1, 2.5, 5, 10, 30, 60},
		}, []string{"operation"}),
		statuses: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "status_observations_total",
			Help:      "Instance status evaluations by reported status.",
		}, []string{"status"}),
		teardown: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "teardown_steps_total",
			Help:      "Termination steps by action and outcome.",
		}, []string{"action", "result"}),
	}
	reg.MustRegister(m.operations, m.duration, m.statuses, m.teardown)
	return m
}

func result(failed bool) string {
	if failed {
		return resultError
	}
	return resultSuccess
}

// ObserveOperation records one facade call.
func (m *Metrics) ObserveOperation(op string, err error, d time.Duration) {
	m.operations.WithLabelValues(op, result(err != nil)).Inc()
	m.duration.WithLabelValues(op).Observe(d.Seconds())
}

// ObserveStatus records one status evaluation.
func (m *Metrics) ObserveStatus(s v1alpha1.InstanceStatus) {
	m.statuses.WithLabelValues(string(s)).Inc()
}

// ObserveTeardownStep records one termination step.
func (m *Metrics) ObserveTeardownStep(a v1alpha1.TerminationAction, failed bool) {
	m.teardown.WithLabelValues(string(a), result(failed)).Inc()
}

// Handler serves the metrics gathered by g.
func Handler(g prometheus.Gatherer) http.Handler {
	return promhttp.HandlerFor(g, promhttp.HandlerOpts{})
}

// RegisterHandler mounts Handler at /metrics on mux.
func RegisterHandler(mux *http.ServeMux, g prometheus.Gatherer) {
	mux.Handle("/metrics", Handler(g))
}

// Package metrics exposes Prometheus collectors for backtest runs. A nil
// *Metrics is valid and records nothing.
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const namespace = "backtest"

// Ignored-order reasons.
const (
	ReasonInvalidQuantity = "invalid_quantity"
	ReasonInvalidSide     = "invalid_side"
	ReasonZeroFill        = "zero_fill"
)

// Metrics holds the backtester's collectors.
type Metrics struct {
	fills       *prometheus.CounterVec
	ignored     *prometheus.CounterVec
	runs        *prometheus.CounterVec
	runDuration prometheus.Histogram
	samples     prometheus.Counter
}

// New registers the collectors on reg.
func New(reg prometheus.Registerer) *Metrics {
	f := promauto.With(reg)
	return &Metrics{
		fills: f.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "fills_total",
				Help:      "Accepted fills by side",
			},
			[]string{"side"},
		),
		ignored: f.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "ignored_orders_total",
				Help:      "Strategy orders the simulator treated as no-ops",
			},
			[]string{"reason"},
		),
		runs: f.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "runs_total",
				Help:      "Finished backtest runs by status",
			},
			[]string{"status"},
		),
		runDuration: f.NewHistogram(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "run_duration_seconds",
				Help:      "Wall-clock time spent replaying a run",
				Buckets:   prometheus.ExponentialBuckets(0.001, 4, 10),
			},
		),
		samples: f.NewCounter(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "samples_total",
				Help:      "Market samples replayed",
			},
		),
	}
}

// Fill counts an accepted fill.
func (m *Metrics) Fill(side string) {
	if m == nil {
		return
	}
	m.fills.WithLabelValues(side).Inc()
}

// Ignored counts an order the simulator did not execute.
func (m *Metrics) Ignored(reason string) {
	if m == nil {
		return
	}
	m.ignored.WithLabelValues(reason).Inc()
}

// Sample counts one replayed sample.
func (m *Metrics) Sample() {
	if m == nil {
		return
	}
	m.samples.Inc()
}

// RunFinished records a run's terminal status and duration.
func (m *Metrics) RunFinished(status string, elapsed time.Duration) {
	if m == nil {
		return
	}
	m.runs.WithLabelValues(status).Inc()
	m.runDuration.Observe(elapsed.Seconds())
}

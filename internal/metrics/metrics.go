// Package metrics provides constructors for the propagator's prometheus
// collectors. Registration against the controller-runtime registry happens in
// the owning packages' init functions.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
)

// Namespace is the metric namespace shared by all propagator collectors.
const Namespace = "project_label_propagator"

// NewCounterVec creates a counter vector in the propagator namespace.
func NewCounterVec(subsystem, name, help string, labelNames ...string) *prometheus.CounterVec {
	return prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: Namespace,
		Subsystem: subsystem,
		Name:      name,
		Help:      help,
	}, labelNames)
}

// NewGaugeFunc creates a gauge in the propagator namespace whose value is
// sampled at scrape time.
func NewGaugeFunc(subsystem, name, help string, value func() float64) prometheus.GaugeFunc {
	return prometheus.NewGaugeFunc(prometheus.GaugeOpts{
		Namespace: Namespace,
		Subsystem: subsystem,
		Name:      name,
		Help:      help,
	}, value)
}

package upstream

import (
	"sync/atomic"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/rancher-sandbox/project-label-propagator/internal/metrics"
)

// ConnectivityMonitor tracks the time since the last successful upstream
// observation. The Watcher is the only writer (Beat, ReportFailure); the
// reconciler reads Healthy to choose between the live view and the snapshot
// store.
//
// Health is passive: a heartbeat within the grace period means healthy, one
// successful event flips the state back immediately. There is no active
// probing of the upstream API server.
type ConnectivityMonitor struct {
	grace time.Duration

	// lastBeat is the unix-nano time of the last successful observation,
	// zero when none happened since startup or the last reported failure.
	lastBeat atomic.Int64

	// now is replaceable in tests.
	now func() time.Time
}

// NewConnectivityMonitor returns a monitor that declares the upstream
// unhealthy after grace without a heartbeat. The monitor starts unhealthy:
// nothing has been observed yet.
func NewConnectivityMonitor(grace time.Duration) *ConnectivityMonitor {
	return &ConnectivityMonitor{
		grace: grace,
		now:   time.Now,
	}
}

// Beat records a successful upstream observation.
func (m *ConnectivityMonitor) Beat() {
	m.lastBeat.Store(m.now().UnixNano())
}

// ReportFailure marks the upstream unreachable immediately, without waiting
// for the grace period to lapse.
func (m *ConnectivityMonitor) ReportFailure() {
	m.lastBeat.Store(0)
}

// Healthy reports whether a successful observation happened within the grace
// period.
func (m *ConnectivityMonitor) Healthy() bool {
	last := m.lastBeat.Load()
	if last == 0 {
		return false
	}

	return m.now().Sub(time.Unix(0, last)) <= m.grace
}

// RegisterMetrics registers the upstream health gauge for this monitor. The
// gauge samples Healthy at scrape time, so passive grace-period lapses are
// reflected without a writer.
func (m *ConnectivityMonitor) RegisterMetrics(registerer prometheus.Registerer) {
	registerer.MustRegister(metrics.NewGaugeFunc(
		"upstream",
		"healthy",
		"Whether the upstream cluster connection is considered healthy (1) or not (0).",
		func() float64 {
			if m.Healthy() {
				return 1
			}
			return 0
		},
	))
}

package upstream

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestConnectivityMonitorStartsUnhealthy(t *testing.T) {
	monitor := NewConnectivityMonitor(90 * time.Second)
	assert.False(t, monitor.Healthy())
}

func TestConnectivityMonitorGracePeriod(t *testing.T) {
	now := time.Date(2026, 2, 3, 10, 0, 0, 0, time.UTC)
	monitor := NewConnectivityMonitor(90 * time.Second)
	monitor.now = func() time.Time { return now }

	monitor.Beat()
	assert.True(t, monitor.Healthy())

	// Still inside the grace period.
	now = now.Add(90 * time.Second)
	assert.True(t, monitor.Healthy())

	// One tick past it.
	now = now.Add(time.Nanosecond)
	assert.False(t, monitor.Healthy())

	// A single successful observation flips it back.
	monitor.Beat()
	assert.True(t, monitor.Healthy())
}

func TestConnectivityMonitorReportFailure(t *testing.T) {
	monitor := NewConnectivityMonitor(time.Hour)
	monitor.Beat()
	assert.True(t, monitor.Healthy())

	// An explicit failure does not wait for the grace period.
	monitor.ReportFailure()
	assert.False(t, monitor.Healthy())

	monitor.Beat()
	assert.True(t, monitor.Healthy())
}

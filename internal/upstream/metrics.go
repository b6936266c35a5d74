package upstream

import (
	ctrlmetrics "sigs.k8s.io/controller-runtime/pkg/metrics"

	"github.com/rancher-sandbox/project-label-propagator/internal/metrics"
)

func init() {
	ctrlmetrics.Registry.MustRegister(
		reconnectsTotal,
		watchEventsTotal,
		changeDropsTotal,
	)
}

// reconnectsTotal counts watch connection attempts that failed and entered
// backoff.
var reconnectsTotal = metrics.NewCounterVec(
	"upstream",
	"reconnects_total",
	"Number of upstream watch failures that triggered a reconnect with backoff.",
	"reason",
)

// watchEventsTotal counts consumed project watch events by type.
var watchEventsTotal = metrics.NewCounterVec(
	"upstream",
	"watch_events_total",
	"Number of project watch events consumed, by event type.",
	"type",
)

// changeDropsTotal counts project change notifications dropped because the
// change channel was full. Dropped notifications are healed by the periodic
// namespace resync.
var changeDropsTotal = metrics.NewCounterVec(
	"upstream",
	"change_notifications_dropped_total",
	"Number of project change notifications dropped due to channel overflow.",
	"project",
)

package cache

import (
	ctrlmetrics "sigs.k8s.io/controller-runtime/pkg/metrics"

	"github.com/rancher-sandbox/project-label-propagator/internal/metrics"
)

func init() {
	ctrlmetrics.Registry.MustRegister(snapshotWritesTotal)
}

// snapshotWritesTotal counts snapshot write attempts by outcome:
// "applied", "ignored" (stale observation discarded) or "error".
var snapshotWritesTotal = metrics.NewCounterVec(
	"cache",
	"snapshot_writes_total",
	"Number of project snapshot writes by outcome.",
	"outcome",
)

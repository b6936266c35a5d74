package namespace

import (
	ctrlmetrics "sigs.k8s.io/controller-runtime/pkg/metrics"

	"github.com/rancher-sandbox/project-label-propagator/internal/metrics"
)

func init() {
	ctrlmetrics.Registry.MustRegister(
		patchesTotal,
		conflictRetriesTotal,
		cacheFallbacksTotal,
	)
}

// patchesTotal counts label patches applied to namespaces, by the source the
// propagated labels came from.
var patchesTotal = metrics.NewCounterVec(
	"reconciler",
	"label_patches_total",
	"Number of namespace label patches applied, by label source.",
	"source",
)

// conflictRetriesTotal counts optimistic concurrency conflicts on the label
// patch that triggered the inline retry.
var conflictRetriesTotal = metrics.NewCounterVec(
	"reconciler",
	"patch_conflict_retries_total",
	"Number of namespace patch conflicts retried inline.",
	"outcome",
)

// cacheFallbacksTotal counts reconciliations served from the snapshot store
// because the upstream connection was unhealthy.
var cacheFallbacksTotal = metrics.NewCounterVec(
	"reconciler",
	"cache_fallbacks_total",
	"Number of reconciliations that read project labels from the durable cache.",
	"project",
)

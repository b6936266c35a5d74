package namespace

import (
	"context"

	"github.com/rancher-sandbox/project-label-propagator/internal/cache"
	"github.com/rancher-sandbox/project-label-propagator/internal/upstream"
)

// labelSource yields the propagated label set of a project. Which
// implementation a reconciliation uses is decided by the connectivity state:
// the live in-memory view while the upstream connection is healthy, the
// durable snapshot store otherwise.
type labelSource interface {
	// PropagatedLabels returns the stripped propagated labels of a project.
	// found is false when the source has no entry, which callers treat as
	// an empty propagation set (the namespace's own labels stand).
	PropagatedLabels(ctx context.Context, project string) (labels map[string]string, found bool, err error)

	// Name identifies the source in logs and events.
	Name() string
}

type liveSource struct {
	view *upstream.LiveView
}

func (s liveSource) PropagatedLabels(_ context.Context, project string) (map[string]string, bool, error) {
	labels, ok := s.view.Get(project)

	return labels, ok, nil
}

func (s liveSource) Name() string { return "live" }

type cachedSource struct {
	store *cache.Store
}

func (s cachedSource) PropagatedLabels(ctx context.Context, project string) (map[string]string, bool, error) {
	snapshot, err := s.store.Get(ctx, project)
	if err != nil {
		return nil, false, err
	}
	if snapshot == nil {
		return nil, false, nil
	}

	return snapshot.Labels, true, nil
}

func (s cachedSource) Name() string { return "cache" }

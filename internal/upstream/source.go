package upstream

import (
	"context"

	corev1 "k8s.io/api/core/v1"
	"k8s.io/apimachinery/pkg/types"
	"k8s.io/client-go/util/workqueue"
	ctrl "sigs.k8s.io/controller-runtime"
	"sigs.k8s.io/controller-runtime/pkg/client"
	"sigs.k8s.io/controller-runtime/pkg/reconcile"
	"sigs.k8s.io/controller-runtime/pkg/source"

	apiv3 "github.com/rancher-sandbox/project-label-propagator/api/v3"
)

// EventSource is a controller-runtime source that turns project change
// notifications from the Watcher into reconcile requests for every Namespace
// belonging to the changed project. Requests go through the controller's
// workqueue, so per-namespace coalescing still applies.
type EventSource struct {
	watcher *Watcher

	// reader lists Namespaces on the local cluster.
	reader client.Reader
}

var _ source.Source = (*EventSource)(nil)

// NewEventSource creates an event source from a watcher and a local-cluster
// reader.
func NewEventSource(watcher *Watcher, reader client.Reader) *EventSource {
	return &EventSource{
		watcher: watcher,
		reader:  reader,
	}
}

// Start implements source.Source.
func (es *EventSource) Start(ctx context.Context, queue workqueue.TypedRateLimitingInterface[reconcile.Request]) error {
	logger := ctrl.LoggerFrom(ctx).WithName("project-change-source")

	go func() {
		for {
			select {
			case <-ctx.Done():
				logger.Info("stopping project change source")
				return
			case id := <-es.watcher.Changes():
				for _, namespace := range es.memberNamespaces(ctx, id) {
					queue.Add(reconcile.Request{NamespacedName: types.NamespacedName{Name: namespace}})
					logger.V(1).Info("enqueued namespace for changed project",
						"project", id.String(),
						"namespace", namespace,
					)
				}
			}
		}
	}()

	return nil
}

// String implements source.Source.
func (es *EventSource) String() string {
	return "project-change-source"
}

// WaitForSync implements source.SyncingSource. A channel-backed source is
// always synced.
func (es *EventSource) WaitForSync(ctx context.Context) error {
	return nil
}

// memberNamespaces resolves the Namespaces owned by a project. The list is
// filtered by the project-id label because labels are indexed, then narrowed
// by the annotation, which carries the authoritative association including
// the project namespace.
func (es *EventSource) memberNamespaces(ctx context.Context, id apiv3.ProjectID) []string {
	list := &corev1.NamespaceList{}
	if err := es.reader.List(ctx, list, client.MatchingLabels{apiv3.ProjectIDAnnotation: id.Name}); err != nil {
		ctrl.LoggerFrom(ctx).Error(err, "cannot list namespaces of project", "project", id.String())
		return nil
	}

	var names []string
	for i := range list.Items {
		namespace := &list.Items[i]
		owner, ok := apiv3.ProjectIDOf(namespace)
		if !ok || owner.Name != id.Name {
			continue
		}
		// A notification without a project namespace (cluster-wide mode,
		// or a project that vanished while disconnected) matches by name.
		if id.Namespace != "" && owner.Namespace != id.Namespace {
			continue
		}
		names = append(names, namespace.Name)
	}

	return names
}

// Package namespace reconciles the labels of Namespaces that belong to a
// Project: it resolves the owning project, pulls its propagated label set
// from the live view or the durable cache, merges and applies the result.
package namespace

import (
	"context"
	"fmt"
	"sync"
	"time"

	eventv1 "github.com/fluxcd/pkg/apis/event/v1beta1"
	"github.com/go-logr/logr"
	corev1 "k8s.io/api/core/v1"
	apierrors "k8s.io/apimachinery/pkg/api/errors"
	"k8s.io/apimachinery/pkg/runtime"
	kuberecorder "k8s.io/client-go/tools/record"
	ctrl "sigs.k8s.io/controller-runtime"
	"sigs.k8s.io/controller-runtime/pkg/builder"
	"sigs.k8s.io/controller-runtime/pkg/client"
	"sigs.k8s.io/controller-runtime/pkg/controller"
	"sigs.k8s.io/controller-runtime/pkg/event"
	"sigs.k8s.io/controller-runtime/pkg/log"
	"sigs.k8s.io/controller-runtime/pkg/predicate"
	"sigs.k8s.io/controller-runtime/pkg/source"

	apiv3 "github.com/rancher-sandbox/project-label-propagator/api/v3"
	"github.com/rancher-sandbox/project-label-propagator/internal/cache"
	propagatorevent "github.com/rancher-sandbox/project-label-propagator/internal/event"
	"github.com/rancher-sandbox/project-label-propagator/internal/labels"
	"github.com/rancher-sandbox/project-label-propagator/internal/upstream"
)

const (
	// ReasonPropagated is the event reason recorded when labels were applied.
	ReasonPropagated = "LabelsPropagated"
	// ReasonPatchFailed is the event reason recorded when the patch failed.
	ReasonPatchFailed = "LabelPatchFailed"

	defaultResyncInterval = 5 * time.Minute
)

// Reconciler reconciles the labels of project-owned Namespaces.
type Reconciler struct {
	client.Client

	Scheme        *runtime.Scheme
	EventRecorder kuberecorder.EventRecorder

	// View is the live project label view of the current upstream
	// connection epoch.
	View *upstream.LiveView

	// Store is the durable snapshot cache used while the upstream is
	// unreachable.
	Store *cache.Store

	// Monitor decides per reconciliation which of the two sources serves.
	Monitor *upstream.ConnectivityMonitor

	// ProjectChanges re-enqueues member namespaces when a project's
	// propagated labels change.
	ProjectChanges source.Source

	// ResyncInterval bounds the staleness window for namespaces whose
	// events were missed; every terminal reconcile requeues after it.
	// Zero picks the default of five minutes.
	ResyncInterval time.Duration

	applied     *appliedTracker
	appliedOnce sync.Once
}

// tracker returns the applied-labels tracker, initializing it on first use.
func (r *Reconciler) tracker() *appliedTracker {
	r.appliedOnce.Do(func() { r.applied = newAppliedTracker() })

	return r.applied
}

// SetupWithManager sets up the controller with the Manager.
func (r *Reconciler) SetupWithManager(mgr ctrl.Manager, concurrency int) error {
	if r.ResyncInterval <= 0 {
		r.ResyncInterval = defaultResyncInterval
	}

	c := ctrl.NewControllerManagedBy(mgr).
		For(&corev1.Namespace{}, builder.WithPredicates(r.namespacePredicate())).
		WithOptions(controller.Options{MaxConcurrentReconciles: concurrency})

	if r.ProjectChanges != nil {
		c = c.WatchesRawSource(r.ProjectChanges)
	}

	return c.Complete(r)
}

// namespacePredicate drops delete events and update events that merely echo
// this controller's own previous patch. Everything else reconciles; the
// workqueue coalesces per namespace, so at most one task per namespace is in
// flight and a newer event supersedes a queued one.
func (r *Reconciler) namespacePredicate() predicate.Funcs {
	return predicate.Funcs{
		CreateFunc: func(event.CreateEvent) bool { return true },
		UpdateFunc: func(e event.UpdateEvent) bool {
			return !r.tracker().Matches(e.ObjectNew.GetName(), e.ObjectNew.GetLabels())
		},
		DeleteFunc: func(e event.DeleteEvent) bool {
			r.tracker().Forget(e.Object.GetName())
			return false
		},
		GenericFunc: func(event.GenericEvent) bool { return true },
	}
}

// +kubebuilder:rbac:groups="",resources=namespaces,verbs=get;list;watch;patch
// +kubebuilder:rbac:groups="",resources=events,verbs=create;patch
// +kubebuilder:rbac:groups=management.cattle.io,resources=projects,verbs=get;list;watch

// Reconcile computes and, when needed, applies the effective label set for
// one Namespace.
func (r *Reconciler) Reconcile(ctx context.Context, req ctrl.Request) (ctrl.Result, error) {
	logger := log.FromContext(ctx)

	namespace := &corev1.Namespace{}
	if err := r.Get(ctx, req.NamespacedName, namespace); err != nil {
		return ctrl.Result{}, client.IgnoreNotFound(err)
	}

	if !namespace.DeletionTimestamp.IsZero() {
		return ctrl.Result{}, nil
	}

	id, ok := apiv3.ProjectIDOf(namespace)
	if !ok {
		// No resolvable project association: the namespace is left
		// untouched, and there is nothing to requeue for.
		return ctrl.Result{}, nil
	}

	src := r.labelSource(logger, id.Name)
	propagated, found, err := src.PropagatedLabels(ctx, id.Name)
	if err != nil {
		return ctrl.Result{}, fmt.Errorf("reading propagated labels of project %s: %w", id.Name, err)
	}
	if !found {
		logger.V(1).Info("project not known to any source, leaving namespace untouched",
			"project", id.String(), "source", src.Name())
		return ctrl.Result{RequeueAfter: r.ResyncInterval}, nil
	}

	merged, changed := labels.Merge(namespace.Labels, propagated)
	if !changed {
		return ctrl.Result{RequeueAfter: r.ResyncInterval}, nil
	}

	if err := r.patchLabels(ctx, namespace, propagated, merged); err != nil {
		propagatorevent.New(r.EventRecorder, namespace, eventv1.EventSeverityError, ReasonPatchFailed, "%v", err)

		return ctrl.Result{}, err
	}

	r.tracker().Record(namespace.Name, merged)
	patchesTotal.WithLabelValues(src.Name()).Inc()
	propagatorevent.New(r.EventRecorder, namespace, eventv1.EventSeverityInfo, ReasonPropagated,
		"propagated labels of project %s (source: %s)", id.Name, src.Name())
	logger.Info("labels propagated", "project", id.String(), "source", src.Name())

	return ctrl.Result{RequeueAfter: r.ResyncInterval}, nil
}

// labelSource selects the live view while the upstream connection is healthy
// and the snapshot store otherwise.
func (r *Reconciler) labelSource(logger logr.Logger, project string) labelSource {
	if r.Monitor.Healthy() {
		return liveSource{view: r.View}
	}

	cacheFallbacksTotal.WithLabelValues(project).Inc()
	logger.Info("upstream connection unhealthy, serving project labels from cache", "project", project)

	return cachedSource{store: r.Store}
}

// patchLabels applies the merged label set with optimistic concurrency. A
// version conflict means a concurrent external edit; the namespace is
// re-read and the merge re-applied once before giving the error back to the
// workqueue's backoff.
func (r *Reconciler) patchLabels(ctx context.Context, namespace *corev1.Namespace, propagated, merged map[string]string) error {
	if err := r.tryPatch(ctx, namespace, merged); err != nil {
		if !apierrors.IsConflict(err) {
			return fmt.Errorf("patching labels of namespace %s: %w", namespace.Name, err)
		}

		fresh := &corev1.Namespace{}
		if err := r.Get(ctx, client.ObjectKeyFromObject(namespace), fresh); err != nil {
			conflictRetriesTotal.WithLabelValues("failed").Inc()
			return fmt.Errorf("re-reading namespace %s after conflict: %w", namespace.Name, err)
		}

		merged, changed := labels.Merge(fresh.Labels, propagated)
		if !changed {
			conflictRetriesTotal.WithLabelValues("noop").Inc()
			return nil
		}

		if err := r.tryPatch(ctx, fresh, merged); err != nil {
			conflictRetriesTotal.WithLabelValues("failed").Inc()
			return fmt.Errorf("patching labels of namespace %s after conflict: %w", namespace.Name, err)
		}

		conflictRetriesTotal.WithLabelValues("retried").Inc()
		*namespace = *fresh
	}

	return nil
}

// tryPatch issues a single label-only merge patch carrying the namespace's
// resourceVersion, so a concurrent edit fails the patch instead of being
// silently clobbered.
func (r *Reconciler) tryPatch(ctx context.Context, namespace *corev1.Namespace, merged map[string]string) error {
	base := namespace.DeepCopy()
	namespace.Labels = merged

	return r.Patch(ctx, namespace, client.MergeFromWithOptions(base, client.MergeFromWithOptimisticLock{}))
}

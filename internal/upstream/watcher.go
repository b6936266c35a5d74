// Package upstream maintains the dual source of truth for propagated labels:
// a live in-memory view fed by a long-lived watch on the upstream cluster's
// Project resources, and a durable write-through snapshot cache consulted
// when that connection is down.
package upstream

import (
	"context"
	"fmt"
	"maps"
	"time"

	"github.com/go-logr/logr"
	apierrors "k8s.io/apimachinery/pkg/api/errors"
	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"
	"k8s.io/apimachinery/pkg/util/wait"
	"k8s.io/apimachinery/pkg/watch"
	"k8s.io/utils/ptr"
	"sigs.k8s.io/controller-runtime/pkg/client"
	"sigs.k8s.io/controller-runtime/pkg/manager"

	apiv3 "github.com/rancher-sandbox/project-label-propagator/api/v3"
	"github.com/rancher-sandbox/project-label-propagator/internal/cache"
	"github.com/rancher-sandbox/project-label-propagator/internal/labels"
)

const (
	defaultInitialBackoff = time.Second
	defaultMaxBackoff     = 5 * time.Minute
	backoffJitter         = 0.2

	// listTimeout bounds the full relist call; the watch itself is bounded
	// server-side via TimeoutSeconds and ends in a clean relist.
	listTimeout         = 30 * time.Second
	watchTimeoutSeconds = int64(30 * 60)

	changeBuffer = 256
)

// Options configures a Watcher.
type Options struct {
	// Client reaches the cluster hosting the Project resources. In a
	// downstream deployment this is the upstream cluster, otherwise the
	// local one.
	Client client.WithWatch

	// Namespace scopes the watch to the upstream namespace named after this
	// downstream cluster. Empty means cluster-wide (same-cluster mode).
	Namespace string

	// Cluster is the source cluster identifier recorded in snapshots.
	Cluster string

	// Store receives a write-through snapshot for every observed project.
	Store *cache.Store

	// View is the live in-memory map rebuilt on every (re)connect.
	View *LiveView

	// Monitor receives heartbeats and failure reports.
	Monitor *ConnectivityMonitor

	Logger logr.Logger

	// InitialBackoff and MaxBackoff bound the reconnect backoff. Zero
	// values pick the defaults.
	InitialBackoff time.Duration
	MaxBackoff     time.Duration
}

// Watcher is the long-lived subscription to Project events. It runs as a
// manager.Runnable for the lifetime of the process: connection failures are
// never fatal, they are retried indefinitely with capped jittered backoff.
type Watcher struct {
	Options

	changes chan apiv3.ProjectID

	// now is replaceable in tests.
	now func() time.Time
}

var (
	_ manager.Runnable               = (*Watcher)(nil)
	_ manager.LeaderElectionRunnable = (*Watcher)(nil)
)

// NewWatcher creates a watcher from options.
func NewWatcher(opts Options) *Watcher {
	if opts.InitialBackoff <= 0 {
		opts.InitialBackoff = defaultInitialBackoff
	}
	if opts.MaxBackoff <= 0 {
		opts.MaxBackoff = defaultMaxBackoff
	}

	return &Watcher{
		Options: opts,
		changes: make(chan apiv3.ProjectID, changeBuffer),
		now:     time.Now,
	}
}

// Changes delivers a notification whenever the observed state of a project
// changes. Notifications are best-effort; overflow is dropped and healed by
// the periodic namespace resync.
func (w *Watcher) Changes() <-chan apiv3.ProjectID {
	return w.changes
}

// NeedLeaderElection makes the watch wait for leadership so standby replicas
// do not write snapshots concurrently.
func (w *Watcher) NeedLeaderElection() bool {
	return true
}

// Start runs the list+watch loop until the context is cancelled. Every
// (re)connect performs a full list and rebuilds the live view from scratch;
// incremental state is never trusted across a connection gap.
func (w *Watcher) Start(ctx context.Context) error {
	w.Logger.Info("starting project watcher",
		"namespace", w.Namespace,
		"cluster", w.Cluster,
	)

	backoff := w.InitialBackoff
	for {
		err := w.runOnce(ctx)
		if ctx.Err() != nil {
			w.Logger.Info("project watcher stopped")
			return nil
		}

		if err == nil {
			// Clean watch expiry: relist immediately, this is routine.
			backoff = w.InitialBackoff
			continue
		}

		w.Monitor.ReportFailure()
		reconnectsTotal.WithLabelValues(reason(err)).Inc()
		w.Logger.Error(err, "upstream connection lost, reconnecting", "backoff", backoff)

		select {
		case <-ctx.Done():
			w.Logger.Info("project watcher stopped")
			return nil
		case <-time.After(wait.Jitter(backoff, backoffJitter)):
		}

		backoff = min(backoff*2, w.MaxBackoff)
	}
}

// runOnce performs one full list followed by one watch session. A nil return
// means the watch ended cleanly (server-side expiry or shutdown) and the
// caller should relist without backoff.
func (w *Watcher) runOnce(ctx context.Context) error {
	list, err := w.relist(ctx)
	if err != nil {
		return err
	}

	opts := w.scope()
	opts = append(opts, &client.ListOptions{Raw: &metav1.ListOptions{
		ResourceVersion:     list.ResourceVersion,
		AllowWatchBookmarks: true,
		TimeoutSeconds:      ptr.To(watchTimeoutSeconds),
	}})

	session, err := w.Client.Watch(ctx, &apiv3.ProjectList{}, opts...)
	if err != nil {
		return fmt.Errorf("watching projects: %w", err)
	}
	defer session.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case event, ok := <-session.ResultChan():
			if !ok {
				return nil
			}
			if err := w.handleEvent(ctx, event); err != nil {
				return err
			}
		}
	}
}

// relist fetches the full project set, swaps the live view and writes every
// snapshot through to the store. Projects whose labels differ from the
// previous epoch (or that vanished while disconnected) get a change
// notification.
func (w *Watcher) relist(ctx context.Context) (*apiv3.ProjectList, error) {
	listCtx, cancel := context.WithTimeout(ctx, listTimeout)
	defer cancel()

	list := &apiv3.ProjectList{}
	if err := w.Client.List(listCtx, list, w.scope()...); err != nil {
		return nil, fmt.Errorf("listing projects: %w", err)
	}

	observed := make(map[string]map[string]string, len(list.Items))
	ids := make(map[string]apiv3.ProjectID, len(list.Items))
	for i := range list.Items {
		project := &list.Items[i]
		observed[project.Name] = w.capture(ctx, project)
		ids[project.Name] = apiv3.ProjectID{Namespace: project.Namespace, Name: project.Name}
	}

	previous := w.View.Replace(observed)
	w.Monitor.Beat()
	w.Logger.Info("rebuilt live project view", "projects", len(observed))

	for name, labelSet := range observed {
		if maps.Equal(previous[name], labelSet) {
			continue
		}
		w.notify(ids[name])
	}
	for name := range previous {
		if _, still := observed[name]; !still {
			w.notify(apiv3.ProjectID{Namespace: w.Namespace, Name: name})
		}
	}

	return list, nil
}

func (w *Watcher) handleEvent(ctx context.Context, event watch.Event) error {
	watchEventsTotal.WithLabelValues(string(event.Type)).Inc()

	switch event.Type {
	case watch.Error:
		return fmt.Errorf("project watch error: %w", apierrors.FromObject(event.Object))

	case watch.Bookmark:
		w.Monitor.Beat()
		return nil

	case watch.Added, watch.Modified:
		project, ok := event.Object.(*apiv3.Project)
		if !ok {
			return fmt.Errorf("project watch delivered unexpected object %T", event.Object)
		}

		labelSet := w.capture(ctx, project)
		previous, _ := w.View.Get(project.Name)
		w.View.Set(project.Name, labelSet)
		w.Monitor.Beat()

		if !maps.Equal(previous, labelSet) {
			w.notify(apiv3.ProjectID{Namespace: project.Namespace, Name: project.Name})
		}

		return nil

	case watch.Deleted:
		project, ok := event.Object.(*apiv3.Project)
		if !ok {
			return fmt.Errorf("project watch delivered unexpected object %T", event.Object)
		}

		// A delete seen here may still be a partition artifact upstream.
		// The live view drops the project, but the persisted snapshot is
		// retained as last-known-good: member namespaces keep their labels
		// until the project reappears with different ones.
		w.View.Delete(project.Name)
		w.Monitor.Beat()
		w.notify(apiv3.ProjectID{Namespace: project.Namespace, Name: project.Name})

		return nil

	default:
		return nil
	}
}

// capture extracts the stripped propagated labels of a project and writes the
// snapshot through to the store. A store write failure is logged and left for
// the next observation; the in-memory pipeline continues.
func (w *Watcher) capture(ctx context.Context, project *apiv3.Project) map[string]string {
	propagated, skipped := labels.Propagated(project.Labels)
	if len(skipped) > 0 {
		w.Logger.Info("skipping malformed propagation labels",
			"project", project.Name,
			"keys", skipped,
		)
	}

	if _, err := w.Store.Put(ctx, cache.Snapshot{
		Project:         project.Name,
		Labels:          propagated,
		ResourceVersion: project.ResourceVersion,
		ObservedAt:      w.now(),
		Cluster:         w.Cluster,
	}); err != nil {
		w.Logger.Error(err, "cannot persist project snapshot", "project", project.Name)
	}

	return propagated
}

func (w *Watcher) notify(id apiv3.ProjectID) {
	select {
	case w.changes <- id:
	default:
		changeDropsTotal.WithLabelValues(id.Name).Inc()
		w.Logger.V(1).Info("change notification dropped, resync will catch up", "project", id.Name)
	}
}

func (w *Watcher) scope() []client.ListOption {
	if w.Namespace == "" {
		return nil
	}

	return []client.ListOption{client.InNamespace(w.Namespace)}
}

func reason(err error) string {
	switch {
	case apierrors.IsTimeout(err) || apierrors.IsServerTimeout(err):
		return "timeout"
	case apierrors.IsResourceExpired(err) || apierrors.IsGone(err):
		return "expired"
	default:
		return "error"
	}
}

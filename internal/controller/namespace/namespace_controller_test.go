package namespace

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/go-logr/logr"
	. "github.com/onsi/gomega"
	corev1 "k8s.io/api/core/v1"
	apierrors "k8s.io/apimachinery/pkg/api/errors"
	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"
	"k8s.io/apimachinery/pkg/runtime/schema"
	"k8s.io/apimachinery/pkg/types"
	"k8s.io/client-go/kubernetes/scheme"
	"k8s.io/client-go/tools/record"
	ctrl "sigs.k8s.io/controller-runtime"
	"sigs.k8s.io/controller-runtime/pkg/client"
	"sigs.k8s.io/controller-runtime/pkg/client/fake"
	"sigs.k8s.io/controller-runtime/pkg/client/interceptor"
	"sigs.k8s.io/controller-runtime/pkg/event"

	apiv3 "github.com/rancher-sandbox/project-label-propagator/api/v3"
	"github.com/rancher-sandbox/project-label-propagator/internal/cache"
	"github.com/rancher-sandbox/project-label-propagator/internal/upstream"
)

const testResync = 42 * time.Minute

type fixture struct {
	client   client.Client
	recorder *record.FakeRecorder
	view     *upstream.LiveView
	store    *cache.Store
	monitor  *upstream.ConnectivityMonitor

	reconciler *Reconciler
}

func newFixture(t *testing.T, funcs interceptor.Funcs, objs ...client.Object) *fixture {
	t.Helper()

	store, err := cache.Open(t.TempDir(), logr.Discard())
	if err != nil {
		t.Fatalf("opening store: %v", err)
	}
	t.Cleanup(func() {
		if err := store.Close(); err != nil {
			t.Errorf("closing store: %v", err)
		}
	})

	fakeClient := fake.NewClientBuilder().
		WithScheme(scheme.Scheme).
		WithObjects(objs...).
		WithInterceptorFuncs(funcs).
		Build()

	f := &fixture{
		client:   fakeClient,
		recorder: record.NewFakeRecorder(32),
		view:     upstream.NewLiveView(),
		store:    store,
		monitor:  upstream.NewConnectivityMonitor(time.Minute),
	}
	f.reconciler = &Reconciler{
		Client:         fakeClient,
		Scheme:         scheme.Scheme,
		EventRecorder:  f.recorder,
		View:           f.view,
		Store:          f.store,
		Monitor:        f.monitor,
		ResyncInterval: testResync,
	}

	return f
}

func (f *fixture) reconcile(t *testing.T, name string) ctrl.Result {
	t.Helper()

	result, err := f.reconciler.Reconcile(t.Context(), ctrl.Request{
		NamespacedName: types.NamespacedName{Name: name},
	})
	if err != nil {
		t.Fatalf("reconciling %s: %v", name, err)
	}

	return result
}

func (f *fixture) namespaceLabels(t *testing.T, name string) map[string]string {
	t.Helper()

	namespace := &corev1.Namespace{}
	if err := f.client.Get(t.Context(), types.NamespacedName{Name: name}, namespace); err != nil {
		t.Fatalf("getting namespace %s: %v", name, err)
	}

	return namespace.Labels
}

func ownedNamespace(name, project string, labels map[string]string) *corev1.Namespace {
	return &corev1.Namespace{
		ObjectMeta: metav1.ObjectMeta{
			Name:        name,
			Labels:      labels,
			Annotations: map[string]string{apiv3.ProjectIDAnnotation: "c-123:" + project},
		},
	}
}

func TestReconcilePropagatesFromLiveView(t *testing.T) {
	g := NewWithT(t)

	f := newFixture(t, interceptor.Funcs{},
		ownedNamespace("ns1", "p1", map[string]string{"team": "legacy", "env": "prod"}),
	)
	f.monitor.Beat()
	f.view.Set("p1", map[string]string{"team": "payments"})

	result := f.reconcile(t, "ns1")

	g.Expect(result.RequeueAfter).To(Equal(testResync))
	g.Expect(f.namespaceLabels(t, "ns1")).To(Equal(map[string]string{
		"team": "payments",
		"env":  "prod",
	}))
	g.Expect(f.recorder.Events).To(Receive(ContainSubstring(ReasonPropagated)))
}

func TestReconcileFallsBackToCache(t *testing.T) {
	g := NewWithT(t)

	f := newFixture(t, interceptor.Funcs{},
		ownedNamespace("ns2", "p1", nil),
	)

	// The upstream has never been observed this run, but a snapshot from an
	// earlier run is on disk: the cache serves.
	_, err := f.store.Put(t.Context(), cache.Snapshot{
		Project:    "p1",
		Labels:     map[string]string{"team": "payments"},
		ObservedAt: time.Now(),
		Cluster:    "c-123",
	})
	g.Expect(err).ToNot(HaveOccurred())
	g.Expect(f.monitor.Healthy()).To(BeFalse())

	result := f.reconcile(t, "ns2")

	g.Expect(result.RequeueAfter).To(Equal(testResync))
	g.Expect(f.namespaceLabels(t, "ns2")).To(Equal(map[string]string{
		"team": "payments",
	}))
}

func TestReconcileUnknownProject(t *testing.T) {
	g := NewWithT(t)

	f := newFixture(t, interceptor.Funcs{},
		ownedNamespace("ns1", "p-unknown", map[string]string{"env": "prod"}),
	)
	f.monitor.Beat()

	result := f.reconcile(t, "ns1")

	// Neither source knows the project: the namespace stands, the resync
	// will pick it up once the project appears.
	g.Expect(result.RequeueAfter).To(Equal(testResync))
	g.Expect(f.namespaceLabels(t, "ns1")).To(Equal(map[string]string{"env": "prod"}))
	g.Expect(f.recorder.Events).ToNot(Receive())
}

func TestReconcileWithoutAssociation(t *testing.T) {
	g := NewWithT(t)

	f := newFixture(t, interceptor.Funcs{}, &corev1.Namespace{
		ObjectMeta: metav1.ObjectMeta{
			Name:   "plain",
			Labels: map[string]string{"env": "prod"},
		},
	})
	f.monitor.Beat()
	f.view.Set("p1", map[string]string{"team": "payments"})

	result := f.reconcile(t, "plain")

	g.Expect(result).To(Equal(ctrl.Result{}))
	g.Expect(f.namespaceLabels(t, "plain")).To(Equal(map[string]string{"env": "prod"}))
}

func TestReconcileMalformedAssociation(t *testing.T) {
	g := NewWithT(t)

	f := newFixture(t, interceptor.Funcs{}, &corev1.Namespace{
		ObjectMeta: metav1.ObjectMeta{
			Name:        "odd",
			Annotations: map[string]string{apiv3.ProjectIDAnnotation: "no-separator"},
		},
	})
	f.monitor.Beat()

	result := f.reconcile(t, "odd")
	g.Expect(result).To(Equal(ctrl.Result{}))
}

func TestReconcileIsIdempotent(t *testing.T) {
	g := NewWithT(t)

	f := newFixture(t, interceptor.Funcs{},
		ownedNamespace("ns1", "p1", map[string]string{"team": "legacy"}),
	)
	f.monitor.Beat()
	f.view.Set("p1", map[string]string{"team": "payments"})

	f.reconcile(t, "ns1")

	settled := &corev1.Namespace{}
	g.Expect(f.client.Get(t.Context(), types.NamespacedName{Name: "ns1"}, settled)).To(Succeed())

	// The second pass finds nothing to change and must not patch.
	f.reconcile(t, "ns1")

	again := &corev1.Namespace{}
	g.Expect(f.client.Get(t.Context(), types.NamespacedName{Name: "ns1"}, again)).To(Succeed())
	g.Expect(again.ResourceVersion).To(Equal(settled.ResourceVersion))
}

func TestReconcileMissingNamespace(t *testing.T) {
	g := NewWithT(t)

	f := newFixture(t, interceptor.Funcs{})

	result := f.reconcile(t, "gone")
	g.Expect(result).To(Equal(ctrl.Result{}))
}

func TestReconcileRetriesOnceOnConflict(t *testing.T) {
	g := NewWithT(t)

	conflicts := 1
	funcs := interceptor.Funcs{
		Patch: func(ctx context.Context, c client.WithWatch, obj client.Object, patch client.Patch, opts ...client.PatchOption) error {
			if conflicts > 0 {
				conflicts--
				return apierrors.NewConflict(
					schema.GroupResource{Resource: "namespaces"},
					obj.GetName(),
					errors.New("the object has been modified"),
				)
			}
			return c.Patch(ctx, obj, patch, opts...)
		},
	}

	f := newFixture(t, funcs,
		ownedNamespace("ns1", "p1", map[string]string{"team": "legacy"}),
	)
	f.monitor.Beat()
	f.view.Set("p1", map[string]string{"team": "payments"})

	f.reconcile(t, "ns1")

	g.Expect(conflicts).To(Equal(0))
	g.Expect(f.namespaceLabels(t, "ns1")).To(Equal(map[string]string{"team": "payments"}))
}

func TestReconcilePatchFailureEmitsEvent(t *testing.T) {
	g := NewWithT(t)

	funcs := interceptor.Funcs{
		Patch: func(ctx context.Context, c client.WithWatch, obj client.Object, patch client.Patch, opts ...client.PatchOption) error {
			return apierrors.NewServiceUnavailable("apiserver down")
		},
	}

	f := newFixture(t, funcs,
		ownedNamespace("ns1", "p1", nil),
	)
	f.monitor.Beat()
	f.view.Set("p1", map[string]string{"team": "payments"})

	_, err := f.reconciler.Reconcile(t.Context(), ctrl.Request{
		NamespacedName: types.NamespacedName{Name: "ns1"},
	})
	g.Expect(err).To(HaveOccurred())
	g.Expect(f.recorder.Events).To(Receive(ContainSubstring(ReasonPatchFailed)))
}

func TestNamespacePredicateSuppressesSelfInflictedEvents(t *testing.T) {
	g := NewWithT(t)

	f := newFixture(t, interceptor.Funcs{})
	predicate := f.reconciler.namespacePredicate()

	applied := map[string]string{"team": "payments", "env": "prod"}
	f.reconciler.tracker().Record("ns1", applied)

	echo := ownedNamespace("ns1", "p1", applied)
	g.Expect(predicate.Update(event.UpdateEvent{ObjectNew: echo})).To(BeFalse())

	edited := ownedNamespace("ns1", "p1", map[string]string{"team": "legacy"})
	g.Expect(predicate.Update(event.UpdateEvent{ObjectNew: edited})).To(BeTrue())

	g.Expect(predicate.Create(event.CreateEvent{Object: echo})).To(BeTrue())

	// A delete drops the record, so the same label set reconciles again.
	g.Expect(predicate.Delete(event.DeleteEvent{Object: echo})).To(BeFalse())
	g.Expect(predicate.Update(event.UpdateEvent{ObjectNew: echo})).To(BeTrue())
}

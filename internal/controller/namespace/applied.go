package namespace

import (
	"maps"
	"sync"
)

// appliedTracker remembers the last full label set this controller wrote to
// each Namespace. Watch events whose labels equal the remembered set are
// self-inflicted (our own patch coming back) and are filtered out before
// they reach the workqueue, which breaks the patch/event feedback loop
// without any marker on the object.
type appliedTracker struct {
	mu     sync.Mutex
	labels map[string]map[string]string
}

func newAppliedTracker() *appliedTracker {
	return &appliedTracker{labels: make(map[string]map[string]string)}
}

// Record stores the label set just written to a namespace.
func (t *appliedTracker) Record(namespace string, labels map[string]string) {
	copied := make(map[string]string, len(labels))
	maps.Copy(copied, labels)

	t.mu.Lock()
	defer t.mu.Unlock()
	t.labels[namespace] = copied
}

// Matches reports whether the given labels equal the last set written to the
// namespace by this controller.
func (t *appliedTracker) Matches(namespace string, labels map[string]string) bool {
	t.mu.Lock()
	defer t.mu.Unlock()

	applied, ok := t.labels[namespace]

	return ok && maps.Equal(applied, labels)
}

// Forget drops the record of a namespace, typically on deletion.
func (t *appliedTracker) Forget(namespace string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	delete(t.labels, namespace)
}

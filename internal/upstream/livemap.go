package upstream

import (
	"sync"
)

// LiveView is the in-memory view of the propagated label sets currently
// served by the upstream cluster. It is single-writer (the Watcher) and
// multi-reader (the namespace reconciler). Entries are replaced wholesale,
// never mutated in place, so a reader can hold a returned map without
// observing partial writes.
//
// The view is valid only for the current connection epoch: every reconnect
// rebuilds it from a full list via Replace.
type LiveView struct {
	mu       sync.RWMutex
	projects map[string]map[string]string
}

// NewLiveView returns an empty view.
func NewLiveView() *LiveView {
	return &LiveView{projects: make(map[string]map[string]string)}
}

// Get returns the propagated labels of a project and whether the project is
// known in the current epoch. The returned map must not be modified.
func (v *LiveView) Get(project string) (map[string]string, bool) {
	v.mu.RLock()
	defer v.mu.RUnlock()

	labels, ok := v.projects[project]

	return labels, ok
}

// Len returns the number of projects in the view.
func (v *LiveView) Len() int {
	v.mu.RLock()
	defer v.mu.RUnlock()

	return len(v.projects)
}

// Replace swaps the entire view with the result of a fresh full list and
// returns the previous contents so the caller can diff the epochs.
func (v *LiveView) Replace(projects map[string]map[string]string) map[string]map[string]string {
	if projects == nil {
		projects = make(map[string]map[string]string)
	}

	v.mu.Lock()
	defer v.mu.Unlock()

	previous := v.projects
	v.projects = projects

	return previous
}

// Set replaces the entry of one project.
func (v *LiveView) Set(project string, labels map[string]string) {
	v.mu.Lock()
	defer v.mu.Unlock()

	v.projects[project] = labels
}

// Delete removes a project from the view. The persisted snapshot is kept by
// the watcher, deletion here only means the project is gone from the live
// upstream state.
func (v *LiveView) Delete(project string) {
	v.mu.Lock()
	defer v.mu.Unlock()

	delete(v.projects, project)
}

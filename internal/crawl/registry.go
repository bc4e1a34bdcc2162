package crawl

import (
	"context"
	"errors"
	"sync"
)

// ErrJobActive is returned by Registry.Start while another job is still
// running.
var ErrJobActive = errors.New("a crawl job is already active")

// Registry enforces the single-active-job rule: at most one non-terminal
// job per process. Finished jobs stay retrievable by ID until evicted by
// the next Start.
type Registry struct {
	mu     sync.Mutex
	active *Job
	recent map[string]*Job
}

// NewRegistry returns an empty registry.
func NewRegistry() *Registry {
	return &Registry{recent: make(map[string]*Job)}
}

// Start launches a new job unless one is still active.
func (r *Registry) Start(ctx context.Context, targets []string, opts Options, deps Deps) (*Job, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.active != nil && !r.active.Status().Terminal() {
		return nil, ErrJobActive
	}

	// Evict finished jobs so the map does not grow with every run.
	// Lookups for evicted IDs fall through to the store.
	for id, j := range r.recent {
		if j.Status().Terminal() {
			delete(r.recent, id)
		}
	}

	j, err := newJob(ctx, targets, opts, deps)
	if err != nil {
		return nil, err
	}
	r.active = j
	r.recent[j.ID()] = j
	return j, nil
}

// Active returns the current job when it is still running.
func (r *Registry) Active() (*Job, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.active == nil || r.active.Status().Terminal() {
		return nil, false
	}
	return r.active, true
}

// Get returns a job this registry started, running or finished.
func (r *Registry) Get(id string) (*Job, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	j, ok := r.recent[id]
	return j, ok
}

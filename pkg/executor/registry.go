package executor

import "sync"

// ActiveRun identifies one in-flight remote run.
type ActiveRun struct {
	CacheID string
	Title   string
}

// Registry tracks currently active remote runs keyed by task index. It
// is the source of truth the interrupt supervisor consults to know what
// to cancel.
type Registry struct {
	mu   sync.Mutex
	runs map[int]ActiveRun
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{
		runs: make(map[int]ActiveRun),
	}
}

// Register records an active run for the given task index. At most one
// run is active per task at a time.
func (r *Registry) Register(key int, run ActiveRun) {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.runs[key] = run
}

// Unregister removes the run for the given task index.
func (r *Registry) Unregister(key int) {
	r.mu.Lock()
	defer r.mu.Unlock()

	delete(r.runs, key)
}

// Snapshot returns a copy of all currently active runs.
func (r *Registry) Snapshot() []ActiveRun {
	r.mu.Lock()
	defer r.mu.Unlock()

	runs := make([]ActiveRun, 0, len(r.runs))
	for _, run := range r.runs {
		runs = append(runs, run)
	}

	return runs
}

// Len returns the number of currently active runs.
func (r *Registry) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()

	return len(r.runs)
}

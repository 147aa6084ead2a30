// internal/ingest/registry.go
package ingest

import "sync"

// run is one in-flight operation on a user. done is closed once result and err are set.
type run struct {
	done   chan struct{}
	result *Result
	err    error
}

// Registry tracks which users have an operation in flight. At most one run exists per handle.
type Registry struct {
	mu   sync.Mutex
	runs map[string]*run
}

func NewRegistry() *Registry {
	return &Registry{runs: make(map[string]*run)}
}

// acquire registers a run for handle. When one is already in flight it is returned with
// leader=false and the caller must wait on it instead of starting its own.
func (r *Registry) acquire(handle string) (rn *run, leader bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if existing, ok := r.runs[handle]; ok {
		return existing, false
	}
	rn = &run{done: make(chan struct{})}
	r.runs[handle] = rn
	return rn, true
}

// release publishes the outcome of rn to every waiter and frees the handle.
func (r *Registry) release(handle string, rn *run, result *Result, err error) {
	r.mu.Lock()
	delete(r.runs, handle)
	r.mu.Unlock()

	rn.result = result
	rn.err = err
	close(rn.done)
}

// InFlight reports whether an operation is currently running for handle.
func (r *Registry) InFlight(handle string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	_, ok := r.runs[handle]
	return ok
}

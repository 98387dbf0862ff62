package logsink

import "sync"

// Registry tracks the currently-active Sink for each running build, so an
// external caller (the API's log-tail endpoint) can subscribe to a build's
// live stream without the orchestrator exposing any other internal state.
type Registry struct {
	mu    sync.Mutex
	sinks map[int64]*Sink
}

// NewRegistry constructs an empty Registry.
func NewRegistry() *Registry {
	return &Registry{sinks: make(map[int64]*Sink)}
}

// Register associates buildID with sink for the duration of its run.
func (r *Registry) Register(buildID int64, sink *Sink) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.sinks[buildID] = sink
}

// Unregister removes buildID once its build has reached a terminal state.
func (r *Registry) Unregister(buildID int64) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.sinks, buildID)
}

// Get returns the active Sink for buildID, if any.
func (r *Registry) Get(buildID int64) (*Sink, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	sink, ok := r.sinks[buildID]
	return sink, ok
}

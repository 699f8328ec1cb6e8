package queue

import "sync"

// Registry is the in-process set of channels currently being driven. It is a
// fast path only: the persisted is_processing flag remains the cross-process
// truth. Injected rather than global so multiple queue instances can be
// tested in isolation.
type Registry struct {
	mu     sync.Mutex
	active map[string]struct{}
}

func NewRegistry() *Registry {
	return &Registry{active: make(map[string]struct{})}
}

// TryAdd marks the channel active and reports whether this call did the
// marking. A false return means a drive is already running here.
func (r *Registry) TryAdd(channelID string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.active[channelID]; ok {
		return false
	}
	r.active[channelID] = struct{}{}
	return true
}

func (r *Registry) Remove(channelID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.active, channelID)
}

func (r *Registry) Contains(channelID string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	_, ok := r.active[channelID]
	return ok
}

func (r *Registry) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.active)
}

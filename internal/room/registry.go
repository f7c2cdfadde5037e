package room

import "sync"

// Registry maps participants by name and by the connection id of the
// client socket they arrived on (spec.md §4.5 "Registry"). The
// connection id is the dispatcher's per-socket identifier (see
// internal/signaling), not a Session field, so Session itself never
// needs to know about transport-level connection identity.
type Registry struct {
	mu         sync.Mutex
	byName     map[string]*Session
	bySession  map[string]*Session
}

// NewRegistry returns an empty Registry.
func NewRegistry() *Registry {
	return &Registry{
		byName:    make(map[string]*Session),
		bySession: make(map[string]*Session),
	}
}

// Register inserts user under both its name and connID (spec.md §4.5
// "register").
func (r *Registry) Register(connID string, user *Session) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.byName[user.Name] = user
	r.bySession[connID] = user
}

// GetByName is a pure lookup by participant name.
func (r *Registry) GetByName(name string) (*Session, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	s, ok := r.byName[name]
	return s, ok
}

// GetBySession is a pure lookup by client connection id.
func (r *Registry) GetBySession(connID string) (*Session, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	s, ok := r.bySession[connID]
	return s, ok
}

// RemoveBySession deletes the participant associated with connID from
// both mappings (spec.md §4.5 "removeBySession").
func (r *Registry) RemoveBySession(connID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	s, ok := r.bySession[connID]
	if !ok {
		return
	}
	delete(r.bySession, connID)
	if r.byName[s.Name] == s {
		delete(r.byName, s.Name)
	}
}

package monitor

import (
	"fmt"
	"sync"
)

// MonitorID derives the tool-surface identifier for a PR number.
func MonitorID(number int) string {
	return fmt.Sprintf("pr-%d", number)
}

// Registry is the process-scoped mapping from monitor identifier to
// session. It lives for the lifetime of the process and is only reached
// through the tool surface.
type Registry struct {
	mu       sync.RWMutex
	sessions map[string]*Session
}

// NewRegistry creates an empty Registry.
func NewRegistry() *Registry {
	return &Registry{sessions: make(map[string]*Session)}
}

// Get returns the session for the identifier, or nil.
func (r *Registry) Get(id string) *Session {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.sessions[id]
}

// Register stores a session under the identifier.
func (r *Registry) Register(id string, s *Session) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.sessions[id] = s
}

// Remove deletes and returns the session for the identifier, or nil.
func (r *Registry) Remove(id string) *Session {
	r.mu.Lock()
	defer r.mu.Unlock()
	s := r.sessions[id]
	delete(r.sessions, id)
	return s
}

// Shutdown stops every session: a STOPPED record is written to each log,
// every cancellation signal trips, and the map empties.
func (r *Registry) Shutdown() {
	r.mu.Lock()
	defer r.mu.Unlock()
	for id, s := range r.sessions {
		s.Log.Stopped("agent shutting down")
		s.Close()
		delete(r.sessions, id)
	}
}

package relay

import (
	"fmt"
	"sync"
)

// Registry is the process-wide map of client id → live Session. It is the
// only structure shared across connections; all access goes through the
// mutex. Sessions are inserted on connect and removed on disconnect by the
// owning connection handler, which keeps single-writer semantics per entry.
type Registry struct {
	mu       sync.Mutex
	sessions map[string]*Session
}

// NewRegistry creates an empty Registry.
func NewRegistry() *Registry {
	return &Registry{sessions: make(map[string]*Session)}
}

// Add registers a session under its client id. Returns an error when the id
// is already connected.
func (r *Registry) Add(s *Session) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, dup := r.sessions[s.ClientID()]; dup {
		return fmt.Errorf("relay: client %q already connected", s.ClientID())
	}
	r.sessions[s.ClientID()] = s
	return nil
}

// Remove deletes the session registered under clientID. Idempotent.
func (r *Registry) Remove(clientID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.sessions, clientID)
}

// Len returns the number of registered sessions.
func (r *Registry) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.sessions)
}

// Stats is a point-in-time snapshot of registry state. It carries no live
// session references.
type Stats struct {
	// ActiveSessions is the number of connected clients.
	ActiveSessions int `json:"active_sessions"`

	// Personas counts sessions per active persona id. Sessions that have not
	// selected a persona yet are not counted.
	Personas map[string]int `json:"personas"`
}

// Stats returns a snapshot of the active session count and the persona
// distribution.
func (r *Registry) Stats() Stats {
	r.mu.Lock()
	sessions := make([]*Session, 0, len(r.sessions))
	for _, s := range r.sessions {
		sessions = append(sessions, s)
	}
	r.mu.Unlock()

	stats := Stats{
		ActiveSessions: len(sessions),
		Personas:       make(map[string]int),
	}
	for _, s := range sessions {
		if id := s.PersonaID(); id != "" {
			stats.Personas[id]++
		}
	}
	return stats
}

// Broadcast delivers an event to every connected client, best effort.
// Returns the number of clients that accepted the event.
func (r *Registry) Broadcast(evt Event) int {
	r.mu.Lock()
	sessions := make([]*Session, 0, len(r.sessions))
	for _, s := range r.sessions {
		sessions = append(sessions, s)
	}
	r.mu.Unlock()

	delivered := 0
	for _, s := range sessions {
		if err := s.Notify(evt); err == nil {
			delivered++
		}
	}
	return delivered
}

package server

import (
	"errors"
	"sync"
)

// ErrDuplicateName is returned by SetName when another live session already
// holds the requested name.
var ErrDuplicateName = errors.New("name already taken")

// Registry is the process-wide map of live sessions, keyed by session id.
//
// A single mutex protects the map and every session's name field: name
// uniqueness can only be asserted under the same lock that protects name
// mutation. Membership churn is low (connect, disconnect, rename), so one
// coarse lock is plenty.
type Registry struct {
	mu       sync.Mutex
	sessions map[string]*Session
}

// NewRegistry returns an empty registry.
func NewRegistry() *Registry {
	return &Registry{sessions: make(map[string]*Session)}
}

// Add registers a session under its id.
func (r *Registry) Add(s *Session) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.sessions[s.id] = s
}

// Remove deletes the session with the given id, if present.
func (r *Registry) Remove(id string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.sessions, id)
}

// Lookup returns the session with the given id, or nil.
func (r *Registry) Lookup(id string) *Session {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.sessions[id]
}

// FindByName returns the session registered under name, or nil. Unnamed
// sessions never match.
func (r *Registry) FindByName(name string) *Session {
	if name == "" {
		return nil
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, s := range r.sessions {
		if s.name == name {
			return s
		}
	}
	return nil
}

// NameExistsOther reports whether any session other than exceptID holds name.
func (r *Registry) NameExistsOther(name, exceptID string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.nameExistsOtherLocked(name, exceptID)
}

func (r *Registry) nameExistsOtherLocked(name, exceptID string) bool {
	for id, s := range r.sessions {
		if id != exceptID && s.name == name {
			return true
		}
	}
	return false
}

// SetName assigns name to s if no other session holds it, returning the
// previous name. Check and mutation happen in one critical section so two
// concurrent registrations cannot both win the same name.
func (r *Registry) SetName(s *Session, name string) (old string, err error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.nameExistsOtherLocked(name, s.id) {
		return "", ErrDuplicateName
	}
	old = s.name
	s.name = name
	return old, nil
}

// SnapshotExcept returns the live sessions other than exceptID. The slice is
// safe to iterate without the lock; deliveries to a session that disconnects
// mid-iteration simply fail on its closed queue.
func (r *Registry) SnapshotExcept(exceptID string) []*Session {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]*Session, 0, len(r.sessions))
	for id, s := range r.sessions {
		if id != exceptID {
			out = append(out, s)
		}
	}
	return out
}

// Len reports the number of live sessions.
func (r *Registry) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.sessions)
}

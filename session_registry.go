package main

import (
	"sync"

	"github.com/google/uuid"
)

// SessionRegistry tracks every connected miner session keyed by connection
// id (spec §4.3). Reads (iteration for broadcast, lookup) are far more
// frequent than writes (accept, close), so it holds the lock as a reader for
// the common path, taking the writer lock only for the O(1) insert/erase a
// worker_registry.go-style map would use a plain mutex for.
type SessionRegistry struct {
	mu       sync.RWMutex
	sessions map[uuid.UUID]*MinerSession
}

func NewSessionRegistry() *SessionRegistry {
	return &SessionRegistry{sessions: make(map[uuid.UUID]*MinerSession)}
}

// Add registers a newly accepted session.
func (r *SessionRegistry) Add(s *MinerSession) {
	r.mu.Lock()
	r.sessions[s.id] = s
	r.mu.Unlock()
}

// Remove drops a session, typically on close or ban.
func (r *SessionRegistry) Remove(id uuid.UUID) {
	r.mu.Lock()
	delete(r.sessions, id)
	r.mu.Unlock()
}

// Get looks up a session by connection id.
func (r *SessionRegistry) Get(id uuid.UUID) (*MinerSession, bool) {
	r.mu.RLock()
	s, ok := r.sessions[id]
	r.mu.RUnlock()
	return s, ok
}

// Len reports the number of currently registered sessions.
func (r *SessionRegistry) Len() int {
	r.mu.RLock()
	n := len(r.sessions)
	r.mu.RUnlock()
	return n
}

// Broadcast calls fn for every session registered at the time of the call.
// It copies the session list under the read lock and calls fn after
// releasing it (spec §5: "no component may hold a lock across a suspension
// point"), so fn may call back into the registry. fn runs synchronously on
// the caller's goroutine, one session after another.
func (r *SessionRegistry) Broadcast(fn func(*MinerSession)) {
	r.mu.RLock()
	snapshot := make([]*MinerSession, 0, len(r.sessions))
	for _, s := range r.sessions {
		snapshot = append(snapshot, s)
	}
	r.mu.RUnlock()

	for _, s := range snapshot {
		fn(s)
	}
}

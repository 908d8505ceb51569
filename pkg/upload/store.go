package upload

import (
	"sync"
	"time"
)

// Store is the process-local session registry, keyed by the identifier
// embedded in the upload URL. Durability across restarts comes from the
// session files written next to the temp chunk files, not from the map.
type Store struct {
	mu       sync.RWMutex
	sessions map[string]*Session
}

// NewStore creates an empty session store.
func NewStore() *Store {
	return &Store{sessions: make(map[string]*Session)}
}

// Put registers a session.
func (st *Store) Put(s *Session) {
	st.mu.Lock()
	st.sessions[s.ID] = s
	st.mu.Unlock()
}

// Get returns the session for id, or nil.
func (st *Store) Get(id string) *Session {
	st.mu.RLock()
	defer st.mu.RUnlock()
	return st.sessions[id]
}

// Remove drops the session for id.
func (st *Store) Remove(id string) {
	st.mu.Lock()
	delete(st.sessions, id)
	st.mu.Unlock()
}

// Len returns the number of live sessions.
func (st *Store) Len() int {
	st.mu.RLock()
	defer st.mu.RUnlock()
	return len(st.sessions)
}

// ExpiredBefore returns the sessions whose last activity is older than
// cutoff. Terminal sessions are never returned; they leave the map on
// commit or abandon.
func (st *Store) ExpiredBefore(cutoff time.Time) []*Session {
	st.mu.RLock()
	defer st.mu.RUnlock()

	var expired []*Session
	for _, s := range st.sessions {
		if s.LastTouched().Before(cutoff) {
			expired = append(expired, s)
		}
	}
	return expired
}

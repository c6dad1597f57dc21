// Package registry keeps the in-memory state of every bridged call.
package registry

import (
	"sync"
	"time"
)

// Transport is the open connection to the AI service attached to a call.
type Transport interface {
	Close() error
}

// Media is the outbound/inbound audio pipeline attached to a call.
type Media interface {
	Stop()
}

// Session stores per-call state. Copies returned by Get are snapshots.
type Session struct {
	ID        string
	From      string
	To        string
	MediaHost string
	MediaPort int
	LocalPort int

	Transport       Transport
	Media           Media
	DeltaBytes      int
	TransportClosed bool

	CreatedAt time.Time
}

// Store maps channel ids to sessions and holds pending cleanup signals.
type Store struct {
	mu       sync.RWMutex
	sessions map[string]*Session
	cleanups map[string]*Signal
}

// New creates an empty Store.
func New() *Store {
	return &Store{
		sessions: make(map[string]*Session),
		cleanups: make(map[string]*Signal),
	}
}

// Get returns a copy of the session for id.
func (s *Store) Get(id string) (Session, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	sess, ok := s.sessions[id]
	if !ok {
		return Session{}, false
	}
	return *sess, true
}

// Set stores sess under id, replacing any previous entry.
func (s *Store) Set(id string, sess *Session) {
	if sess.CreatedAt.IsZero() {
		sess.CreatedAt = time.Now()
	}
	sess.ID = id
	s.mu.Lock()
	s.sessions[id] = sess
	s.mu.Unlock()
}

// Has reports whether id is still registered.
func (s *Store) Has(id string) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	_, ok := s.sessions[id]
	return ok
}

// Delete removes id and reports whether it was present.
func (s *Store) Delete(id string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.sessions[id]
	delete(s.sessions, id)
	return ok
}

// Update applies fn to the stored session under the write lock. It returns
// false without calling fn when the session is gone.
func (s *Store) Update(id string, fn func(*Session)) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	sess, ok := s.sessions[id]
	if !ok {
		return false
	}
	fn(sess)
	return true
}

// Len returns the number of registered sessions.
func (s *Store) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.sessions)
}

// IDs returns the registered channel ids in no particular order.
func (s *Store) IDs() []string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	ids := make([]string, 0, len(s.sessions))
	for id := range s.sessions {
		ids = append(ids, id)
	}
	return ids
}

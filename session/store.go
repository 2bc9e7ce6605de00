package session

import (
	"errors"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
)

// ErrNotFound is returned by Update for an unknown session id.
var ErrNotFound = errors.New("session not found")

// Store is the concurrent session registry.
//
// All accessors hand out clones, so a caller can hold a Session across
// blocking work without racing other loops. Writes go through Merge
// (fill what the writer populated) or Update (arbitrary edit under the lock).
// Two writers merging different non-empty values into the same field race;
// the later Merge wins.
type Store struct {
	mu       sync.RWMutex
	sessions map[string]*Session
	now      func() time.Time
}

// NewStore creates an empty session store.
func NewStore() *Store {
	return &Store{
		sessions: make(map[string]*Session),
		now:      time.Now,
	}
}

// Get returns a clone of the session with the given id, creating it if it
// does not exist yet.
func (s *Store) Get(id string) *Session {
	s.mu.RLock()
	existing, ok := s.sessions[id]
	s.mu.RUnlock()
	if ok {
		return existing.Clone()
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if existing, ok = s.sessions[id]; ok {
		return existing.Clone()
	}
	created := &Session{ID: id, CreatedAt: s.now()}
	s.sessions[id] = created

	logrus.WithFields(logrus.Fields{
		"function":   "Store.Get",
		"session_id": id,
		"sessions":   len(s.sessions),
	}).Info("Created session")

	return created.Clone()
}

// Lookup returns a clone of an existing session without creating one.
func (s *Store) Lookup(id string) (*Session, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	existing, ok := s.sessions[id]
	if !ok {
		return nil, false
	}
	return existing.Clone(), true
}

// Merge writes the populated fields of in onto the stored session with the
// same id and returns a clone of the result. An unknown id is created.
func (s *Store) Merge(in *Session) *Session {
	if in == nil {
		return nil
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	stored, ok := s.sessions[in.ID]
	if !ok {
		stored = &Session{ID: in.ID, CreatedAt: s.now()}
		s.sessions[in.ID] = stored
	}
	stored.mergeFrom(in)
	return stored.Clone()
}

// Update runs fn on the stored session under the store lock. Use it for
// edits Merge cannot express, such as clearing a processor handle.
func (s *Store) Update(id string, fn func(*Session)) (*Session, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	stored, ok := s.sessions[id]
	if !ok {
		return nil, ErrNotFound
	}
	fn(stored)
	return stored.Clone(), nil
}

// Remove deletes a session and returns its last state.
func (s *Store) Remove(id string) (*Session, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	stored, ok := s.sessions[id]
	if !ok {
		return nil, false
	}
	delete(s.sessions, id)

	logrus.WithFields(logrus.Fields{
		"function":   "Store.Remove",
		"session_id": id,
		"sessions":   len(s.sessions),
	}).Info("Removed session")

	return stored, true
}

// Len returns the number of live sessions.
func (s *Store) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.sessions)
}

// IDs returns the ids of all live sessions.
func (s *Store) IDs() []string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	ids := make([]string, 0, len(s.sessions))
	for id := range s.sessions {
		ids = append(ids, id)
	}
	return ids
}

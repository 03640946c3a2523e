package state

import (
	"sync"
	"time"
)

// SessionStore tracks live transport sessions keyed by remote endpoint
// ("ip:port"). It is the bookkeeping side of the connection manager: the
// manager owns the connections themselves, the store answers who is connected
// and who went stale.
type SessionStore struct {
	mu       sync.RWMutex
	sessions map[string]Session
}

type Session struct {
	Endpoint    string
	ConnectCode uint32
	ConnectedAt time.Time
	LastSeen    time.Time
}

func NewSessionStore() *SessionStore {
	return &SessionStore{sessions: map[string]Session{}}
}

func (s *SessionStore) Upsert(endpoint string, connectCode uint32, now time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if now.IsZero() {
		now = time.Now().UTC()
	}
	if existing, ok := s.sessions[endpoint]; ok {
		existing.ConnectCode = connectCode
		existing.LastSeen = now
		s.sessions[endpoint] = existing
		return
	}
	s.sessions[endpoint] = Session{
		Endpoint:    endpoint,
		ConnectCode: connectCode,
		ConnectedAt: now,
		LastSeen:    now,
	}
}

func (s *SessionStore) Touch(endpoint string, now time.Time) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	sess, ok := s.sessions[endpoint]
	if !ok {
		return false
	}
	if now.IsZero() {
		now = time.Now().UTC()
	}
	sess.LastSeen = now
	s.sessions[endpoint] = sess
	return true
}

func (s *SessionStore) Remove(endpoint string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.sessions[endpoint]
	delete(s.sessions, endpoint)
	return ok
}

func (s *SessionStore) Get(endpoint string) (Session, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	sess, ok := s.sessions[endpoint]
	return sess, ok
}

func (s *SessionStore) Count() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.sessions)
}

// Snapshot returns a copy of every live session, for the status page.
func (s *SessionStore) Snapshot() []Session {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]Session, 0, len(s.sessions))
	for _, sess := range s.sessions {
		out = append(out, sess)
	}
	return out
}

// SweepStale removes sessions not seen for maxAge and returns the endpoints
// removed in this sweep.
func (s *SessionStore) SweepStale(now time.Time, maxAge time.Duration) []string {
	if maxAge <= 0 {
		return nil
	}
	if now.IsZero() {
		now = time.Now().UTC()
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	var removed []string
	for endpoint, sess := range s.sessions {
		last := sess.LastSeen
		if last.IsZero() {
			last = sess.ConnectedAt
		}
		if last.IsZero() || now.Sub(last) >= maxAge {
			delete(s.sessions, endpoint)
			removed = append(removed, endpoint)
		}
	}
	return removed
}

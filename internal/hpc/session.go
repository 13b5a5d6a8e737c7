package hpc

import (
	"sync"
	"time"
)

// session caches the gateway session id and tracks its age
type session struct {
	mu       sync.Mutex
	token    string
	acquired time.Time
	ttl      time.Duration
	now      func() time.Time
}

func newSession(ttl time.Duration, now func() time.Time) *session {
	if now == nil {
		now = time.Now
	}
	return &session{ttl: ttl, now: now}
}

// current returns the cached token if it is still fresh
func (s *session) current() (string, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.token == "" {
		return "", false
	}
	if s.ttl > 0 && s.now().Sub(s.acquired) >= s.ttl {
		return "", false
	}
	return s.token, true
}

func (s *session) store(token string) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.token = token
	s.acquired = s.now()
}

// invalidate drops token if it is still the cached one
func (s *session) invalidate(token string) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.token == token {
		s.token = ""
	}
}

// Package authmw provides the session acknowledgement gate. Operating the
// orchestrator requires accepting the terms of autonomous operation once per
// session; acceptance issues a capability token which every other endpoint
// requires as a bearer credential. The core never sees this state.
package authmw

import (
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/oklog/ulid/v2"
)

// Sessions tracks acknowledgement tokens issued to accepted sessions.
type Sessions struct {
	mu     sync.RWMutex
	tokens map[string]time.Time // token -> issue time
}

// NewSessions initializes an empty session registry.
func NewSessions() *Sessions {
	return &Sessions{tokens: make(map[string]time.Time)}
}

// Issue mints and records a new acknowledgement token.
func (s *Sessions) Issue() string {
	token := ulid.Make().String()
	s.mu.Lock()
	s.tokens[token] = time.Now()
	s.mu.Unlock()
	return token
}

// Valid reports whether the token was issued by this registry.
func (s *Sessions) Valid(token string) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	_, ok := s.tokens[token]
	return ok
}

// Require returns middleware that rejects requests without a valid
// acknowledgement token in the Authorization header.
func (s *Sessions) Require(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		auth := r.Header.Get("Authorization")

		if !strings.HasPrefix(auth, "Bearer ") {
			http.Error(w, `{"error":"missing or malformed authorization header"}`, http.StatusUnauthorized)
			return
		}

		if !s.Valid(auth[len("Bearer "):]) {
			http.Error(w, `{"error":"terms not accepted for this session"}`, http.StatusUnauthorized)
			return
		}

		next.ServeHTTP(w, r)
	})
}

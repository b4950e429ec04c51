// Package auth holds dashboard credentials: the shared password that opens
// sessions, static API keys, and the in-memory session table.
package auth

import (
	"crypto/subtle"
	"errors"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/basket/clawboard/internal/config"
)

var (
	ErrInvalidCredentials = errors.New("invalid credentials")
	ErrPasswordDisabled   = errors.New("password login is not configured")
)

const defaultSessionTTL = 24 * time.Hour

// Session is an opaque bearer token with an expiry.
type Session struct {
	Token     string    `json:"token"`
	ExpiresAt time.Time `json:"expires_at"`
}

// Principal describes how a request authenticated.
type Principal struct {
	// Kind is "session" or "api_key".
	Kind string
	// Subject is the actor recorded for the request.
	Subject string
}

type Authenticator struct {
	password []byte
	keys     [][]byte
	ttl      time.Duration
	now      func() time.Time

	mu       sync.Mutex
	sessions map[string]time.Time
}

func New(cfg config.AuthConfig) *Authenticator {
	a := &Authenticator{
		ttl:      time.Duration(cfg.SessionTTLHours) * time.Hour,
		now:      time.Now,
		sessions: make(map[string]time.Time),
	}
	if a.ttl <= 0 {
		a.ttl = defaultSessionTTL
	}
	if cfg.Password != "" {
		a.password = []byte(cfg.Password)
	}
	for _, k := range cfg.APIKeys {
		if k != "" {
			a.keys = append(a.keys, []byte(k))
		}
	}
	return a
}

// SetClock overrides the time source. Used by tests.
func (a *Authenticator) SetClock(now func() time.Time) {
	a.now = now
}

// Enabled reports whether any credential is configured. When it is not,
// every request is allowed.
func (a *Authenticator) Enabled() bool {
	return len(a.password) > 0 || len(a.keys) > 0
}

// Login exchanges the dashboard password for a new session.
func (a *Authenticator) Login(password string) (Session, error) {
	if len(a.password) == 0 {
		return Session{}, ErrPasswordDisabled
	}
	if subtle.ConstantTimeCompare([]byte(password), a.password) != 1 {
		return Session{}, ErrInvalidCredentials
	}
	s := Session{Token: uuid.NewString(), ExpiresAt: a.now().Add(a.ttl).UTC()}
	a.mu.Lock()
	a.sessions[s.Token] = s.ExpiresAt
	a.mu.Unlock()
	return s, nil
}

// Logout drops the session. Unknown tokens are ignored.
func (a *Authenticator) Logout(token string) {
	a.mu.Lock()
	delete(a.sessions, token)
	a.mu.Unlock()
}

// Authenticate accepts either a live session token or an API key.
func (a *Authenticator) Authenticate(token string) (Principal, bool) {
	if token == "" {
		return Principal{}, false
	}
	a.mu.Lock()
	exp, ok := a.sessions[token]
	if ok && !a.now().Before(exp) {
		delete(a.sessions, token)
		ok = false
	}
	a.mu.Unlock()
	if ok {
		return Principal{Kind: "session", Subject: "dashboard"}, true
	}
	if a.matchKey(token) {
		return Principal{Kind: "api_key", Subject: "api-key"}, true
	}
	return Principal{}, false
}

// matchKey compares against every key in constant time.
func (a *Authenticator) matchKey(candidate string) bool {
	found := 0
	for _, k := range a.keys {
		found |= subtle.ConstantTimeCompare([]byte(candidate), k)
	}
	return found == 1
}

// SweepExpired removes expired sessions and returns how many were removed.
func (a *Authenticator) SweepExpired() int {
	now := a.now()
	a.mu.Lock()
	defer a.mu.Unlock()
	n := 0
	for token, exp := range a.sessions {
		if !now.Before(exp) {
			delete(a.sessions, token)
			n++
		}
	}
	return n
}

// ActiveSessions returns the number of sessions currently held.
func (a *Authenticator) ActiveSessions() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return len(a.sessions)
}

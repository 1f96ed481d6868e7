package session

import (
	"crypto/rand"
	"encoding/hex"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/hashicorp/golang-lru/v2/expirable"
)

// ErrNotFound is returned when a session does not exist or has expired.
var ErrNotFound = errors.New("session not found")

// Options configures a Store.
type Options struct {
	// CookieName is the name of the session cookie
	CookieName string

	// Path is the cookie path, usually the application context path
	Path string

	// Timeout is the idle timeout; every lookup extends it
	Timeout time.Duration

	// MaxSessions bounds the number of sessions kept in memory
	MaxSessions int

	// Secure marks the session cookie as HTTPS-only
	Secure bool

	// OnEvict, if set, receives every session the store lets go of: idle
	// expiry, size-limit eviction, Rename and Invalidate. It runs with the
	// store locked and must not call back into the store.
	OnEvict func(Session)
}

// Store keeps sessions in memory with idle-timeout expiry.
// It is safe for concurrent use; callers always receive copies, and every
// mutation replaces the stored session in one step.
type Store struct {
	mu    sync.Mutex
	cache *expirable.LRU[string, *Session]
	opts  Options
}

// NewStore creates a session store with the given options.
func NewStore(opts Options) *Store {
	if opts.Path == "" {
		opts.Path = "/"
	}

	s := &Store{opts: opts}
	s.cache = expirable.NewLRU[string, *Session](opts.MaxSessions, s.onEvict, opts.Timeout)
	return s
}

// onEvict is called when a session is removed, expired or pushed out by the size limit.
func (s *Store) onEvict(id string, sess *Session) {
	slog.Debug("session removed",
		"session_id", id,
		"authenticated", sess.Authenticated(),
	)

	if s.opts.OnEvict != nil {
		evicted := *sess
		evicted.ID = id
		s.opts.OnEvict(evicted)
	}
}

// Create creates a new anonymous session.
func (s *Store) Create() (Session, error) {
	id, err := generateSessionID()
	if err != nil {
		return Session{}, fmt.Errorf("failed to generate session ID: %w", err)
	}

	now := time.Now()
	sess := &Session{
		ID:             id,
		CreatedAt:      now,
		LastAccessedAt: now,
	}

	s.mu.Lock()
	s.cache.Add(id, sess)
	s.mu.Unlock()

	return *sess, nil
}

// Get returns a copy of the session and extends its idle timeout.
func (s *Store) Get(id string) (Session, bool) {
	if id == "" {
		return Session{}, false
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	sess, ok := s.cache.Get(id)
	if !ok {
		return Session{}, false
	}

	touched := *sess
	touched.LastAccessedAt = time.Now()
	s.cache.Add(id, &touched)

	return touched, true
}

// Bind sets principal and account of a session in a single update.
// Passing a nil account binds a local (non-Keycloak) logon.
func (s *Store) Bind(id string, principal *Principal, account *Account) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	sess, ok := s.cache.Get(id)
	if !ok {
		return ErrNotFound
	}

	bound := *sess
	bound.Principal = principal
	bound.Account = account
	bound.LastAccessedAt = time.Now()
	s.cache.Add(id, &bound)

	return nil
}

// Rename moves a session to a freshly generated id and removes the old one.
// It is used on login to prevent session fixation. OnEvict sees the old id.
func (s *Store) Rename(id string) (Session, error) {
	newID, err := generateSessionID()
	if err != nil {
		return Session{}, fmt.Errorf("failed to generate session ID: %w", err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	sess, ok := s.cache.Get(id)
	if !ok {
		return Session{}, ErrNotFound
	}

	renamed := *sess
	renamed.ID = newID
	renamed.LastAccessedAt = time.Now()
	s.cache.Add(newID, &renamed)
	s.cache.Remove(id)

	return renamed, nil
}

// Invalidate destroys a session. It reports whether the session existed.
func (s *Store) Invalidate(id string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.cache.Remove(id)
}

// Count returns the current number of sessions.
// Useful for monitoring and testing.
func (s *Store) Count() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.cache.Len()
}

// SessionID returns the session id carried by the request cookie, if any.
func (s *Store) SessionID(r *http.Request) string {
	cookie, err := r.Cookie(s.opts.CookieName)
	if err != nil {
		return ""
	}
	return cookie.Value
}

// SetCookie issues the session cookie for id.
func (s *Store) SetCookie(w http.ResponseWriter, id string) {
	http.SetCookie(w, &http.Cookie{
		Name:     s.opts.CookieName,
		Value:    id,
		Path:     s.opts.Path,
		HttpOnly: true,
		Secure:   s.opts.Secure,
		SameSite: http.SameSiteLaxMode,
	})
}

// ClearCookie removes the session cookie from the client.
func (s *Store) ClearCookie(w http.ResponseWriter) {
	http.SetCookie(w, &http.Cookie{
		Name:     s.opts.CookieName,
		Value:    "",
		Path:     s.opts.Path,
		MaxAge:   -1,
		HttpOnly: true,
		Secure:   s.opts.Secure,
		SameSite: http.SameSiteLaxMode,
	})
}

// generateSessionID generates a cryptographically secure random session ID.
// The ID is 64 hex characters (32 random bytes).
func generateSessionID() (string, error) {
	b := make([]byte, 32)
	if _, err := rand.Read(b); err != nil {
		return "", err
	}
	return hex.EncodeToString(b), nil
}

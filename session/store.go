// Package session stores short-lived OAuth redirect state. The authorize and
// callback legs of the flow are separate HTTP round-trips that may be served
// by different processes, so the state must live in a shared store rather
// than request memory. Each session is claimed exactly once by the matching
// callback and expires on its own if never claimed.
package session

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
)

// ErrNotFound is returned when no live session matches the given state. An
// expired or already-claimed session is indistinguishable from one that
// never existed; callers treat all three as an invalid callback.
var ErrNotFound = errors.New("session: not found")

// DefaultTTL bounds how long an authorize redirect may stay outstanding.
const DefaultTTL = 10 * time.Minute

// Session is one outstanding authorize redirect.
type Session struct {
	// State is the CSRF nonce carried through the redirect; it keys the
	// session.
	State        string
	Method       string
	RedirectURI  string
	DocumentHash string
	CreatedAt    time.Time
	ExpiresAt    time.Time
}

// New creates a session with a fresh random state nonce.
func New(method, redirectURI, documentHash string, ttl time.Duration) *Session {
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	now := time.Now().UTC()
	return &Session{
		State:        uuid.NewString(),
		Method:       method,
		RedirectURI:  redirectURI,
		DocumentHash: documentHash,
		CreatedAt:    now,
		ExpiresAt:    now.Add(ttl),
	}
}

// Expired reports whether the session is past its expiry at the given time.
func (s *Session) Expired(now time.Time) bool {
	return !now.Before(s.ExpiresAt)
}

// Store is the session backend. Claim is single-use: it removes the session
// so a replayed callback with the same state fails with ErrNotFound.
type Store interface {
	Put(ctx context.Context, s *Session) error
	Claim(ctx context.Context, state string) (*Session, error)
	PurgeExpired(ctx context.Context, now time.Time) (int64, error)
	Close() error
}

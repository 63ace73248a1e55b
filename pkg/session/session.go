// Package session manages the authenticated PMS session shared by all document
// fetches of a process.
//
// The PMS authenticates with a cookie set on its login response. A Manager logs
// in on demand, keeps the cookie header in a Store until it expires, and lets
// fetchers drop it again when the PMS redirects them back to the login page.
//
// Two stores are provided:
//
//   - MemoryStore keeps the session in process (default).
//   - RedisStore keeps it in Redis so several bundler replicas share one login.
//
// Basic usage:
//
//	mgr, err := session.NewManager(session.DefaultConfig(baseURL, company, user, pass), session.NewMemoryStore())
//	if err != nil {
//		return err
//	}
//	cookie, err := mgr.GetValidSession(ctx)
package session

import (
	"context"
	"errors"
	"sync/atomic"
	"time"
)

// ErrNoSession is returned by a Store that holds no session.
var ErrNoSession = errors.New("no session")

// Session is the cached authentication state for the PMS.
// Sessions are immutable; a new login replaces the stored value as a whole.
type Session struct {
	// Cookie is the Cookie header value ("a=1; b=2").
	Cookie string

	// ExpiresAt is when the session must no longer be used.
	ExpiresAt time.Time
}

// ValidAt reports whether the session may authorize a request at t.
func (s *Session) ValidAt(t time.Time) bool {
	return s != nil && s.Cookie != "" && t.Before(s.ExpiresAt)
}

// Store holds at most one session.
type Store interface {
	// Load returns the stored session or ErrNoSession.
	Load(ctx context.Context) (*Session, error)

	// Save replaces the stored session.
	Save(ctx context.Context, s *Session) error

	// Clear removes the stored session.
	Clear(ctx context.Context) error

	// ClearIf removes the stored session only if it still carries cookie.
	ClearIf(ctx context.Context, cookie string) error
}

// MemoryStore is an in-process Store.
type MemoryStore struct {
	current atomic.Pointer[Session]
}

// NewMemoryStore creates an empty in-process store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{}
}

// Load implements Store.
func (m *MemoryStore) Load(_ context.Context) (*Session, error) {
	s := m.current.Load()
	if s == nil {
		return nil, ErrNoSession
	}
	return s, nil
}

// Save implements Store.
func (m *MemoryStore) Save(_ context.Context, s *Session) error {
	if s == nil {
		m.current.Store(nil)
		return nil
	}
	cp := *s
	m.current.Store(&cp)
	return nil
}

// Clear implements Store.
func (m *MemoryStore) Clear(_ context.Context) error {
	m.current.Store(nil)
	return nil
}

// ClearIf implements Store.
func (m *MemoryStore) ClearIf(_ context.Context, cookie string) error {
	for {
		cur := m.current.Load()
		if cur == nil || cur.Cookie != cookie {
			return nil
		}
		if m.current.CompareAndSwap(cur, nil) {
			return nil
		}
	}
}

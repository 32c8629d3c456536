// Package todolane is the client side of the todo API: it holds the
// identity-provider session and attaches its access token to API calls.
package todolane

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/todolane/todolane/pkg/identity"
)

var ErrNoSession = errors.New("todolane: no active session")

type Session = identity.Session

type User = identity.User

type Event string

const (
	EventInitialSession Event = "INITIAL_SESSION"
	EventSignedIn       Event = "SIGNED_IN"
	EventTokenRefreshed Event = "TOKEN_REFRESHED"
	EventSignedOut      Event = "SIGNED_OUT"
)

// IdentityProvider is implemented by *identity.Client.
type IdentityProvider interface {
	SignUp(ctx context.Context, email, password string) (*identity.Session, *identity.User, error)
	SignInWithPassword(ctx context.Context, email, password string) (*identity.Session, error)
	RefreshSession(ctx context.Context, refreshToken string) (*identity.Session, error)
	SignOut(ctx context.Context, accessToken string) error
}

// SessionStore persists the session between process runs.
type SessionStore interface {
	Load() (*Session, error)
	Save(*Session) error
	Clear() error
}

type SessionManager struct {
	provider IdentityProvider
	store    SessionStore
	skew     time.Duration
	now      func() time.Time

	refreshMu sync.Mutex

	mu      sync.Mutex
	checked bool
	current *Session
	nextSub int
	subs    map[int]func(Event, *Session)
}

type SessionOption func(*SessionManager)

// WithRefreshSkew refreshes tokens this long before they expire.
func WithRefreshSkew(d time.Duration) SessionOption {
	return func(m *SessionManager) { m.skew = d }
}

func WithClock(now func() time.Time) SessionOption {
	return func(m *SessionManager) { m.now = now }
}

func NewSessionManager(provider IdentityProvider, store SessionStore, opts ...SessionOption) *SessionManager {
	if store == nil {
		store = &MemorySessionStore{}
	}
	m := &SessionManager{
		provider: provider,
		store:    store,
		skew:     30 * time.Second,
		now:      time.Now,
		subs:     map[int]func(Event, *Session){},
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// Subscribe registers fn for session changes and returns its unsubscribe func.
func (m *SessionManager) Subscribe(fn func(Event, *Session)) func() {
	m.mu.Lock()
	id := m.nextSub
	m.nextSub++
	m.subs[id] = fn
	m.mu.Unlock()
	return func() {
		m.mu.Lock()
		delete(m.subs, id)
		m.mu.Unlock()
	}
}

// CheckSession loads the persisted session on first use and returns the
// cached result afterwards. It returns (nil, nil) when nobody is signed in.
func (m *SessionManager) CheckSession(ctx context.Context) (*Session, error) {
	m.mu.Lock()
	if m.checked {
		s := m.current
		m.mu.Unlock()
		return s, nil
	}
	m.mu.Unlock()

	loaded, err := m.store.Load()
	if err != nil {
		return nil, fmt.Errorf("load session: %w", err)
	}

	m.mu.Lock()
	if m.checked {
		s := m.current
		m.mu.Unlock()
		return s, nil
	}
	m.checked = true
	m.current = loaded
	m.mu.Unlock()
	m.emit(EventInitialSession, loaded)
	return loaded, nil
}

// SignUp registers the user. When the provider returns a session the user
// is signed in; otherwise confirmation is pending and the session is nil.
func (m *SessionManager) SignUp(ctx context.Context, email, password string) (*Session, *User, error) {
	sess, user, err := m.provider.SignUp(ctx, email, password)
	if err != nil {
		return nil, nil, err
	}
	if sess != nil {
		if err := m.setSession(EventSignedIn, sess); err != nil {
			return nil, nil, err
		}
	}
	return sess, user, nil
}

func (m *SessionManager) SignIn(ctx context.Context, email, password string) (*Session, error) {
	sess, err := m.provider.SignInWithPassword(ctx, email, password)
	if err != nil {
		return nil, err
	}
	if err := m.setSession(EventSignedIn, sess); err != nil {
		return nil, err
	}
	return sess, nil
}

// SignOut revokes the session at the provider (best effort) and clears it
// locally.
func (m *SessionManager) SignOut(ctx context.Context) error {
	sess, err := m.CheckSession(ctx)
	if err != nil {
		return err
	}
	var remoteErr error
	if sess != nil && sess.AccessToken != "" {
		remoteErr = m.provider.SignOut(ctx, sess.AccessToken)
	}
	if err := m.setSession(EventSignedOut, nil); err != nil {
		return err
	}
	return remoteErr
}

// Token returns a usable access token, refreshing it when it is about to
// expire. It fails with ErrNoSession when there is nothing to send.
func (m *SessionManager) Token(ctx context.Context) (string, error) {
	sess, err := m.CheckSession(ctx)
	if err != nil {
		return "", err
	}
	if sess == nil {
		return "", ErrNoSession
	}
	if !sess.Expired(m.now(), m.skew) {
		return sess.AccessToken, nil
	}

	// One refresh at a time; later callers pick up the refreshed session.
	m.refreshMu.Lock()
	defer m.refreshMu.Unlock()
	m.mu.Lock()
	sess = m.current
	m.mu.Unlock()
	if sess == nil {
		return "", ErrNoSession
	}
	if !sess.Expired(m.now(), m.skew) {
		return sess.AccessToken, nil
	}
	if sess.RefreshToken == "" {
		_ = m.setSession(EventSignedOut, nil)
		return "", ErrNoSession
	}
	refreshed, err := m.provider.RefreshSession(ctx, sess.RefreshToken)
	if err != nil {
		if !refreshRejected(err) {
			// Keep the refresh token; the caller may retry.
			return "", fmt.Errorf("refresh session: %w", err)
		}
		_ = m.setSession(EventSignedOut, nil)
		return "", fmt.Errorf("%w: refresh failed: %v", ErrNoSession, err)
	}
	if err := m.setSession(EventTokenRefreshed, refreshed); err != nil {
		return "", err
	}
	return refreshed.AccessToken, nil
}

// refreshRejected reports whether the provider refused the refresh token
// itself, as opposed to a transport failure or a server-side error.
func refreshRejected(err error) bool {
	var idErr *identity.Error
	if !errors.As(err, &idErr) {
		return false
	}
	return idErr.StatusCode >= 400 && idErr.StatusCode < 500 && idErr.StatusCode != http.StatusTooManyRequests
}

func (m *SessionManager) setSession(ev Event, sess *Session) error {
	var err error
	if sess == nil {
		err = m.store.Clear()
	} else {
		err = m.store.Save(sess)
	}
	m.mu.Lock()
	m.checked = true
	m.current = sess
	m.mu.Unlock()
	m.emit(ev, sess)
	if err != nil {
		return fmt.Errorf("persist session: %w", err)
	}
	return nil
}

func (m *SessionManager) emit(ev Event, sess *Session) {
	m.mu.Lock()
	fns := make([]func(Event, *Session), 0, len(m.subs))
	for _, fn := range m.subs {
		fns = append(fns, fn)
	}
	m.mu.Unlock()
	for _, fn := range fns {
		fn(ev, sess)
	}
}

type MemorySessionStore struct {
	mu   sync.Mutex
	sess *Session
}

func (s *MemorySessionStore) Load() (*Session, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.sess == nil {
		return nil, nil
	}
	cp := *s.sess
	return &cp, nil
}

func (s *MemorySessionStore) Save(sess *Session) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	cp := *sess
	s.sess = &cp
	return nil
}

func (s *MemorySessionStore) Clear() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.sess = nil
	return nil
}

// FileSessionStore keeps the session as JSON in a 0600 file.
type FileSessionStore struct {
	Path string
}

// DefaultSessionPath is <user config dir>/todolane/session.json.
func DefaultSessionPath() (string, error) {
	dir, err := os.UserConfigDir()
	if err != nil {
		return "", err
	}
	return filepath.Join(dir, "todolane", "session.json"), nil
}

func (f FileSessionStore) Load() (*Session, error) {
	b, err := os.ReadFile(f.Path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, nil
		}
		return nil, err
	}
	var sess Session
	if err := json.Unmarshal(b, &sess); err != nil {
		return nil, fmt.Errorf("decode %s: %w", f.Path, err)
	}
	if sess.AccessToken == "" {
		return nil, nil
	}
	return &sess, nil
}

func (f FileSessionStore) Save(sess *Session) error {
	if err := os.MkdirAll(filepath.Dir(f.Path), 0o700); err != nil {
		return err
	}
	b, err := json.MarshalIndent(sess, "", "  ")
	if err != nil {
		return err
	}
	tmp := f.Path + ".tmp"
	if err := os.WriteFile(tmp, b, 0o600); err != nil {
		return err
	}
	return os.Rename(tmp, f.Path)
}

func (f FileSessionStore) Clear() error {
	if err := os.Remove(f.Path); err != nil && !errors.Is(err, os.ErrNotExist) {
		return err
	}
	return nil
}

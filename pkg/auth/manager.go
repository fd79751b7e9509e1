package auth

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/jameshartig/emporiasync/pkg/log"
	"github.com/jameshartig/emporiasync/pkg/types"
)

// Manager owns the single account session.
type Manager struct {
	provider IdentityProvider
	store    Store
	verify   TokenVerifier
	now      func() time.Time

	// credentials from flags, used by DefaultCredentials
	creds Credentials

	mu      sync.Mutex
	session *Session
}

// NewManager returns a manager using provider. store and verify may be nil.
func NewManager(provider IdentityProvider, store Store, verify TokenVerifier) *Manager {
	return &Manager{
		provider: provider,
		store:    store,
		verify:   verify,
		now:      time.Now,
	}
}

// DefaultCredentials returns the credentials configured by flags.
func (m *Manager) DefaultCredentials() Credentials {
	return m.creds
}

// Login establishes the session. A complete bundle is used directly (and
// renewed if it is about to expire); otherwise username and password run the
// password flow. With neither, the bundle is read from the store.
func (m *Manager) Login(ctx context.Context, creds Credentials) (Session, error) {
	if creds.Password == "" && !creds.Bundle.Complete() && m.store != nil {
		b, err := m.store.Load(ctx)
		switch {
		case err == nil:
			creds.Bundle = b
			if creds.Username == "" {
				creds.Username = b.Email
			}
		case errors.Is(err, ErrBundleNotFound):
		default:
			return Session{}, &AuthError{Reason: "failed to load stored tokens", Err: err}
		}
	}

	var tokens Tokens
	switch {
	case creds.Bundle.Complete():
		tokens = Tokens{
			IDToken:      creds.Bundle.IDToken,
			AccessToken:  creds.Bundle.AccessToken,
			RefreshToken: creds.Bundle.RefreshToken,
		}
	case creds.Username != "" && creds.Password != "":
		t, err := m.provider.Authenticate(ctx, creds.Username, creds.Password)
		if err != nil {
			return Session{}, &AuthError{Reason: "login rejected", Err: err}
		}
		tokens = t
	default:
		return Session{}, &AuthError{Reason: "no authentication method found: username/password or id/access/refresh tokens are required"}
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	s := &Session{
		Bundle: Bundle{
			IDToken:      tokens.IDToken,
			AccessToken:  tokens.AccessToken,
			RefreshToken: tokens.RefreshToken,
		},
	}
	s.Expiry = m.expiry(ctx, s.Bundle.IDToken)
	if err := m.refreshLocked(ctx, s); err != nil {
		return Session{}, err
	}

	email, err := m.provider.Email(ctx, s.Bundle.AccessToken)
	if err != nil {
		return Session{}, &AuthError{Reason: "failed to look up account", Err: err}
	}
	s.Email = email
	s.Bundle.Email = email
	m.session = s
	m.persistLocked(ctx)

	log.Ctx(ctx).InfoContext(ctx, "logged in", slog.String("email", email), slog.Time("expiry", s.Expiry))
	return *s, nil
}

// EnsureFresh renews the id token if it expires within RefreshWindow.
func (m *Manager) EnsureFresh(ctx context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.session == nil {
		return ErrNotAuthenticated
	}
	return m.refreshLocked(ctx, m.session)
}

// IDToken returns a fresh id token for the authtoken header.
func (m *Manager) IDToken(ctx context.Context) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.session == nil {
		return "", ErrNotAuthenticated
	}
	if err := m.refreshLocked(ctx, m.session); err != nil {
		return "", err
	}
	return m.session.Bundle.IDToken, nil
}

// Session returns a copy of the current session.
func (m *Manager) Session() (Session, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.session == nil {
		return Session{}, false
	}
	return *m.session, true
}

// SetCustomer attaches the account profile to the session.
func (m *Manager) SetCustomer(c types.Customer) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.session == nil {
		return ErrNotAuthenticated
	}
	m.session.Customer = &c
	return nil
}

// refreshLocked renews s in place when needed. The caller holds m.mu unless s
// is not yet published.
func (m *Manager) refreshLocked(ctx context.Context, s *Session) error {
	if m.now().Add(RefreshWindow).Before(s.Expiry) {
		tokenValid.Set(1)
		return nil
	}

	tokens, err := m.provider.Refresh(ctx, s.Bundle.RefreshToken)
	if err != nil {
		refreshFailure.Inc()
		tokenValid.Set(0)
		return &AuthError{Reason: "token refresh failed", Err: err}
	}
	refreshSuccess.Inc()
	tokenValid.Set(1)

	s.Bundle.IDToken = tokens.IDToken
	if tokens.AccessToken != "" {
		s.Bundle.AccessToken = tokens.AccessToken
	}
	if tokens.RefreshToken != "" {
		s.Bundle.RefreshToken = tokens.RefreshToken
	}
	s.Expiry = m.expiry(ctx, s.Bundle.IDToken)
	log.Ctx(ctx).DebugContext(ctx, "refreshed id token", slog.Time("expiry", s.Expiry))

	if s == m.session {
		m.persistLocked(ctx)
	}
	return nil
}

// expiry returns when raw stops being valid. An unreadable token is treated
// as already expired.
func (m *Manager) expiry(ctx context.Context, raw string) time.Time {
	if m.verify != nil {
		tok, err := m.verify(ctx, raw)
		if err != nil {
			log.Ctx(ctx).WarnContext(ctx, "id token failed verification", slog.Any("error", err))
			return time.Time{}
		}
		return tok.Expiry
	}
	exp, err := tokenExpiry(raw)
	if err != nil {
		log.Ctx(ctx).WarnContext(ctx, "failed to read id token expiry", slog.Any("error", err))
		return time.Time{}
	}
	return exp
}

func (m *Manager) persistLocked(ctx context.Context) {
	if m.store == nil || m.session == nil {
		return
	}
	if err := m.store.Save(ctx, m.session.Bundle); err != nil {
		log.Ctx(ctx).ErrorContext(ctx, "failed to persist token bundle", slog.Any("error", err))
	}
}

// Package vault owns the OAuth login flow and the encrypted per-session
// token records, and hands out access tokens that are always fresh.
package vault

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"golang.org/x/oauth2"
	"golang.org/x/sync/singleflight"

	"github.com/YKarmar/JobFunnel/internal/apperr"
	"github.com/YKarmar/JobFunnel/internal/client"
	"github.com/YKarmar/JobFunnel/internal/config"
	"github.com/YKarmar/JobFunnel/internal/metrics"
	"github.com/YKarmar/JobFunnel/internal/types"
)

const (
	StateTTL          = 10 * time.Minute
	defaultSessionTTL = 14 * 24 * time.Hour
	defaultMargin     = 60 * time.Second
)

type Options struct {
	Credentials   map[types.Provider]config.ProviderCredentials
	Store         Store
	SessionSecret string
	EncryptionKey string
	SessionTTL    time.Duration
	// RefreshMargin is the minimum remaining lifetime of a returned token.
	RefreshMargin time.Duration
	HTTPClient    *http.Client
	Logger        *zap.Logger
	Now           func() time.Time
}

type pendingAuth struct {
	provider types.Provider
	verifier string
	expires  time.Time
}

// AuthStart is what the caller needs to redirect a user to the provider.
type AuthStart struct {
	URL   string
	State string
}

type Manager struct {
	oauth      map[types.Provider]*oauth2.Config
	store      Store
	cipher     *Cipher
	signer     *Signer
	sessionTTL time.Duration
	margin     time.Duration
	httpClient *http.Client
	log        *zap.Logger
	now        func() time.Time

	refreshes singleflight.Group

	mu      sync.Mutex
	pending map[string]pendingAuth
}

func NewManager(opts Options) (*Manager, error) {
	if opts.Store == nil {
		return nil, errors.New("vault: store is required")
	}
	if opts.SessionSecret == "" {
		return nil, errors.New("vault: session secret is required")
	}
	c, err := NewCipher(opts.EncryptionKey)
	if err != nil {
		return nil, fmt.Errorf("vault: %w", err)
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	if opts.Logger == nil {
		opts.Logger = zap.NewNop()
	}
	if opts.SessionTTL <= 0 {
		opts.SessionTTL = defaultSessionTTL
	}
	if opts.RefreshMargin <= 0 {
		opts.RefreshMargin = defaultMargin
	}

	m := &Manager{
		oauth:      make(map[types.Provider]*oauth2.Config),
		store:      opts.Store,
		cipher:     c,
		signer:     NewSigner(opts.SessionSecret, opts.Now),
		sessionTTL: opts.SessionTTL,
		margin:     opts.RefreshMargin,
		httpClient: opts.HTTPClient,
		log:        opts.Logger,
		now:        opts.Now,
		pending:    make(map[string]pendingAuth),
	}
	for p, creds := range opts.Credentials {
		if !creds.Configured() {
			continue
		}
		oc, err := client.OAuthConfig(p, creds)
		if err != nil {
			return nil, fmt.Errorf("vault: %w", err)
		}
		m.oauth[p] = oc
	}
	return m, nil
}

// SessionTTL is how long an idle session stays valid.
func (m *Manager) SessionTTL() time.Duration { return m.sessionTTL }

func (m *Manager) oauthCtx(ctx context.Context) context.Context {
	if m.httpClient == nil {
		return ctx
	}
	return context.WithValue(ctx, oauth2.HTTPClient, m.httpClient)
}

// BeginAuth starts a PKCE authorization-code login. The returned state is
// bound to a pending login that CompleteAuth consumes exactly once.
func (m *Manager) BeginAuth(provider types.Provider, nextPath string) (*AuthStart, error) {
	oc, ok := m.oauth[provider]
	if !ok {
		return nil, apperr.New(apperr.KindInvalidRequest, fmt.Sprintf("provider %q is not configured", provider))
	}
	nonce := uuid.NewString()
	state, err := m.signer.SignState(nonce, provider, safeNextPath(nextPath), StateTTL)
	if err != nil {
		return nil, err
	}
	verifier := oauth2.GenerateVerifier()

	m.mu.Lock()
	m.gcPendingLocked()
	m.pending[nonce] = pendingAuth{provider: provider, verifier: verifier, expires: m.now().Add(StateTTL)}
	m.mu.Unlock()

	opts := []oauth2.AuthCodeOption{oauth2.AccessTypeOffline, oauth2.S256ChallengeOption(verifier)}
	if provider == types.ProviderGoogle {
		opts = append(opts, oauth2.ApprovalForce, oauth2.SetAuthURLParam("include_granted_scopes", "true"))
	}
	return &AuthStart{URL: oc.AuthCodeURL(state, opts...), State: state}, nil
}

func (m *Manager) gcPendingLocked() {
	now := m.now()
	for k, p := range m.pending {
		if now.After(p.expires) {
			delete(m.pending, k)
		}
	}
}

// CompleteAuth validates state, exchanges the code and stores a new
// session. It also returns the post-login path carried in the state.
func (m *Manager) CompleteAuth(ctx context.Context, provider types.Provider, code, state string) (*types.Session, string, error) {
	claims, err := m.signer.ParseState(state)
	if err != nil || claims.Provider != provider {
		return nil, "", apperr.Wrap(apperr.KindAuthStateMismatch, "login state is invalid or expired; start sign-in again", err)
	}
	m.mu.Lock()
	p, ok := m.pending[claims.ID]
	delete(m.pending, claims.ID)
	m.mu.Unlock()
	if !ok || p.provider != provider || m.now().After(p.expires) {
		return nil, "", apperr.New(apperr.KindAuthStateMismatch, "login state was already used or is unknown; start sign-in again")
	}

	oc := m.oauth[provider]
	if oc == nil {
		return nil, "", apperr.New(apperr.KindInvalidRequest, fmt.Sprintf("provider %q is not configured", provider))
	}
	if strings.TrimSpace(code) == "" {
		return nil, "", apperr.New(apperr.KindAuthProviderError, "provider did not return an authorization code")
	}
	tok, err := oc.Exchange(m.oauthCtx(ctx), code, oauth2.VerifierOption(p.verifier))
	if err != nil {
		metrics.RecordTokenRefresh(string(provider), "exchange_failed")
		return nil, "", apperr.Wrap(apperr.KindAuthProviderError, "provider rejected the authorization code", err)
	}

	now := m.now()
	s := &types.Session{
		ID:         uuid.NewString(),
		Provider:   provider,
		Expiry:     tokenExpiry(tok, now),
		OwnerEmail: ownerEmailFromIDToken(idToken(tok)),
		CreatedAt:  now,
		UpdatedAt:  now,
	}
	if err := m.sealTokens(s, tok.AccessToken, tok.RefreshToken); err != nil {
		return nil, "", err
	}
	if err := m.store.Put(ctx, s); err != nil {
		return nil, "", fmt.Errorf("store session: %w", err)
	}
	m.log.Info("session created", zap.String("session_id", s.ID), zap.String("provider", string(provider)))
	return s, claims.Next, nil
}

// Session returns the stored record, enforcing the session TTL.
func (m *Manager) Session(ctx context.Context, id string) (*types.Session, error) {
	s, err := m.store.Get(ctx, id)
	if errors.Is(err, ErrNotFound) {
		return nil, apperr.New(apperr.KindAuthExpired, "no active session; sign in again")
	}
	if err != nil {
		return nil, err
	}
	if m.now().Sub(s.UpdatedAt) > m.sessionTTL {
		_ = m.store.Delete(ctx, id)
		return nil, apperr.New(apperr.KindAuthExpired, "session expired; sign in again")
	}
	return s, nil
}

// GetValidAccessToken returns an access token with at least the refresh
// margin of lifetime left, refreshing it first when needed.
func (m *Manager) GetValidAccessToken(ctx context.Context, id string) (string, error) {
	s, err := m.Session(ctx, id)
	if err != nil {
		return "", err
	}
	if m.fresh(s) {
		return m.open(s.ID, s.EncryptedAccessToken)
	}
	return m.refresh(ctx, id, "")
}

// RefreshRejected refreshes after the provider refused rejected. If a
// concurrent caller already replaced that token the newer one is returned.
func (m *Manager) RefreshRejected(ctx context.Context, id, rejected string) (string, error) {
	return m.refresh(ctx, id, rejected)
}

func (m *Manager) fresh(s *types.Session) bool {
	return s.Expiry.Sub(m.now()) > m.margin
}

// refresh is collapsed per session id so racing callers share one
// provider round trip and one stored record.
func (m *Manager) refresh(ctx context.Context, id, rejected string) (string, error) {
	v, err, _ := m.refreshes.Do(id, func() (any, error) {
		s, err := m.Session(ctx, id)
		if err != nil {
			return "", err
		}
		if m.fresh(s) {
			current, err := m.open(s.ID, s.EncryptedAccessToken)
			if err != nil {
				return "", err
			}
			if rejected == "" || current != rejected {
				return current, nil
			}
		}
		return m.refreshLocked(ctx, s)
	})
	if err != nil {
		return "", err
	}
	return v.(string), nil
}

func (m *Manager) refreshLocked(ctx context.Context, s *types.Session) (string, error) {
	provider := string(s.Provider)
	oc := m.oauth[s.Provider]
	refreshToken := ""
	if len(s.EncryptedRefreshToken) > 0 {
		rt, err := m.open(s.ID, s.EncryptedRefreshToken)
		if err != nil {
			return "", m.invalidate(ctx, s, "stored credentials are unreadable", err)
		}
		refreshToken = rt
	}
	if oc == nil || refreshToken == "" {
		metrics.RecordTokenRefresh(provider, "unavailable")
		return "", m.invalidate(ctx, s, "session cannot be refreshed", nil)
	}

	tok, err := oc.TokenSource(m.oauthCtx(ctx), &oauth2.Token{RefreshToken: refreshToken}).Token()
	if err != nil {
		metrics.RecordTokenRefresh(provider, "failed")
		return "", m.invalidate(ctx, s, "provider refused to refresh the session", err)
	}
	now := m.now()
	expiry := tokenExpiry(tok, now)
	if expiry.Sub(now) <= m.margin {
		metrics.RecordTokenRefresh(provider, "short_lived")
		return "", m.invalidate(ctx, s, "provider issued a token that expires immediately", nil)
	}
	if tok.RefreshToken == "" {
		tok.RefreshToken = refreshToken
	}
	if err := m.sealTokens(s, tok.AccessToken, tok.RefreshToken); err != nil {
		return "", err
	}
	s.Expiry = expiry
	s.UpdatedAt = now
	if err := m.store.Put(ctx, s); err != nil {
		return "", fmt.Errorf("store refreshed session: %w", err)
	}
	metrics.RecordTokenRefresh(provider, "ok")
	m.log.Debug("session refreshed", zap.String("session_id", s.ID), zap.Time("expiry", expiry))
	return tok.AccessToken, nil
}

// invalidate drops the session after an irrecoverable refresh failure.
func (m *Manager) invalidate(ctx context.Context, s *types.Session, reason string, cause error) error {
	if err := m.store.Delete(ctx, s.ID); err != nil {
		m.log.Warn("delete invalid session", zap.String("session_id", s.ID), zap.Error(err))
	}
	m.log.Info("session invalidated", zap.String("session_id", s.ID), zap.String("reason", reason))
	return apperr.Wrap(apperr.KindAuthExpired, reason+"; sign in again", cause)
}

// Logout deletes the stored tokens for a session.
func (m *Manager) Logout(ctx context.Context, id string) error {
	if err := m.store.Delete(ctx, id); err != nil {
		return fmt.Errorf("logout: %w", err)
	}
	return nil
}

// IssueCookie signs a session id for the session cookie.
func (m *Manager) IssueCookie(id string) (string, error) {
	return m.signer.SignSession(id, m.sessionTTL)
}

// SessionIDFromCookie verifies a cookie value and returns its session id.
func (m *Manager) SessionIDFromCookie(value string) (string, error) {
	id, err := m.signer.ParseSession(value)
	if err != nil {
		return "", apperr.Wrap(apperr.KindAuthExpired, "session cookie is invalid; sign in again", err)
	}
	return id, nil
}

// TokenSource binds the manager to one session for a Mailbox.
func (m *Manager) TokenSource(id string) client.TokenSource {
	return sessionTokens{m: m, id: id}
}

type sessionTokens struct {
	m  *Manager
	id string
}

func (t sessionTokens) Token(ctx context.Context) (string, error) {
	return t.m.GetValidAccessToken(ctx, t.id)
}

func (t sessionTokens) RefreshRejected(ctx context.Context, rejected string) (string, error) {
	return t.m.RefreshRejected(ctx, t.id, rejected)
}

func (m *Manager) sealTokens(s *types.Session, access, refresh string) error {
	enc, err := m.cipher.Seal([]byte(access), []byte(s.ID))
	if err != nil {
		return fmt.Errorf("encrypt access token: %w", err)
	}
	s.EncryptedAccessToken = enc
	s.EncryptedRefreshToken = nil
	if refresh != "" {
		enc, err := m.cipher.Seal([]byte(refresh), []byte(s.ID))
		if err != nil {
			return fmt.Errorf("encrypt refresh token: %w", err)
		}
		s.EncryptedRefreshToken = enc
	}
	return nil
}

func (m *Manager) open(id string, sealed []byte) (string, error) {
	b, err := m.cipher.Open(sealed, []byte(id))
	if err != nil {
		return "", apperr.Wrap(apperr.KindAuthExpired, "stored credentials are unreadable; sign in again", err)
	}
	return string(b), nil
}

func tokenExpiry(tok *oauth2.Token, now time.Time) time.Time {
	if tok.Expiry.IsZero() {
		return now.Add(time.Hour)
	}
	return tok.Expiry.UTC()
}

func idToken(tok *oauth2.Token) string {
	if v, ok := tok.Extra("id_token").(string); ok {
		return v
	}
	return ""
}

// safeNextPath only allows local absolute paths as post-login targets.
func safeNextPath(p string) string {
	if !strings.HasPrefix(p, "/") || strings.HasPrefix(p, "//") || strings.Contains(p, "\\") {
		return "/"
	}
	return p
}

package graph

import (
	"context"
	"fmt"
	"sync"
	"time"

	"golang.org/x/oauth2"

	"github.com/ignite/inbox-harvester/internal/store"
)

// tokenExpirySlack refreshes tokens this long before their actual expiry.
const tokenExpirySlack = 60 * time.Second

// Scopes requested for the mailbox. offline_access yields the refresh token.
var Scopes = []string{"offline_access", "Mail.Read", "Mail.ReadWrite"}

// OAuthConfig builds the oauth2 config for the tenant.
func OAuthConfig(clientID, clientSecret, tenantID, redirectURI string) *oauth2.Config {
	if tenantID == "" {
		tenantID = "common"
	}
	base := fmt.Sprintf("https://login.microsoftonline.com/%s/oauth2/v2.0", tenantID)
	return &oauth2.Config{
		ClientID:     clientID,
		ClientSecret: clientSecret,
		RedirectURL:  redirectURI,
		Scopes:       Scopes,
		Endpoint: oauth2.Endpoint{
			AuthURL:  base + "/authorize",
			TokenURL: base + "/token",
		},
	}
}

// TokenProvider exchanges the stored refresh token for short-lived access
// tokens, caching them in the store until near expiry. Concurrent callers
// share one refresh (single-flight).
type TokenProvider struct {
	store *store.Store
	conf  *oauth2.Config

	mu     sync.Mutex
	cached string
	expiry time.Time
}

// NewTokenProvider creates a token provider over the store and OAuth config.
func NewTokenProvider(st *store.Store, conf *oauth2.Config) *TokenProvider {
	return &TokenProvider{store: st, conf: conf}
}

// AccessToken returns a valid access token, refreshing if needed.
func (p *TokenProvider) AccessToken(ctx context.Context) (string, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.cached != "" && time.Now().Before(p.expiry.Add(-tokenExpirySlack)) {
		return p.cached, nil
	}

	// The store copy may have been refreshed by another process.
	if tok, ok, err := p.store.Get(ctx, store.KeyAccessToken); err != nil {
		return "", err
	} else if ok {
		p.cached = tok
		p.expiry = time.Now().Add(tokenExpirySlack * 2)
		return tok, nil
	}

	refresh, ok, err := p.store.Get(ctx, store.KeyRefreshToken)
	if err != nil {
		return "", err
	}
	if !ok {
		return "", fmt.Errorf("graph: no refresh token stored; run the login bootstrap first")
	}

	ts := p.conf.TokenSource(ctx, &oauth2.Token{RefreshToken: refresh})
	tok, err := ts.Token()
	if err != nil {
		return "", fmt.Errorf("graph: token refresh: %w", err)
	}

	ttl := time.Until(tok.Expiry) - tokenExpirySlack
	if ttl < time.Minute {
		ttl = time.Minute
	}
	if err := p.store.SetEx(ctx, store.KeyAccessToken, tok.AccessToken, ttl); err != nil {
		return "", err
	}
	// Providers may rotate the refresh token on use.
	if tok.RefreshToken != "" && tok.RefreshToken != refresh {
		if err := p.store.SetEx(ctx, store.KeyRefreshToken, tok.RefreshToken, 0); err != nil {
			return "", err
		}
	}

	p.cached = tok.AccessToken
	p.expiry = tok.Expiry
	return tok.AccessToken, nil
}

// StoreRefreshToken persists a refresh token captured by the interactive
// login bootstrap.
func StoreRefreshToken(ctx context.Context, st *store.Store, refreshToken string) error {
	return st.SetEx(ctx, store.KeyRefreshToken, refreshToken, 0)
}

// Invalidate drops the cached access token, forcing a refresh on next use.
func (p *TokenProvider) Invalidate(ctx context.Context) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.cached = ""
	p.expiry = time.Time{}
	return p.store.Del(ctx, store.KeyAccessToken)
}

package mcp

import (
	"fmt"
	"sync"

	"golang.org/x/oauth2"
)

// AuthProvider supplies the Authorization header for outbound client
// requests.
type AuthProvider interface {
	AuthHeader() (string, error)
}

// BearerTokenAuth sends a static bearer token.
type BearerTokenAuth struct {
	token string
}

func NewBearerTokenAuth(token string) *BearerTokenAuth {
	return &BearerTokenAuth{token: token}
}

func (b *BearerTokenAuth) AuthHeader() (string, error) {
	return "Bearer " + b.token, nil
}

// TokenSourceAuth draws tokens from an oauth2.TokenSource, which handles
// refresh internally. Wrap the source with oauth2.ReuseTokenSource to avoid
// a token fetch per request.
type TokenSourceAuth struct {
	mu     sync.Mutex
	source oauth2.TokenSource
}

func NewTokenSourceAuth(source oauth2.TokenSource) *TokenSourceAuth {
	return &TokenSourceAuth{source: oauth2.ReuseTokenSource(nil, source)}
}

func (t *TokenSourceAuth) AuthHeader() (string, error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	token, err := t.source.Token()
	if err != nil {
		return "", fmt.Errorf("fetch token: %w", err)
	}
	return "Bearer " + token.AccessToken, nil
}

// OAuthConfig builds an oauth2.Config pointed at this server's endpoints.
// Clients use it for the authorization-code exchange, then wrap the
// resulting TokenSource with NewTokenSourceAuth.
func OAuthConfig(issuer, clientID, clientSecret, redirectURL string, scopes []string) *oauth2.Config {
	return &oauth2.Config{
		ClientID:     clientID,
		ClientSecret: clientSecret,
		RedirectURL:  redirectURL,
		Scopes:       scopes,
		Endpoint: oauth2.Endpoint{
			AuthURL:  issuer + "/oauth/authorize",
			TokenURL: issuer + "/oauth/token",
		},
	}
}

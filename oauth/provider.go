// Package oauth implements the subset of OAuth 2.1 the hosted LLM connector
// flow requires: RFC 8414 discovery, RFC 7591 dynamic client registration,
// the authorization code grant with PKCE, refresh token rotation and a
// minimal userinfo endpoint. All state lives in per-map-locked in-memory
// maps; clients can optionally be written through to a JSON file.
package oauth

import (
	"context"
	"crypto/rand"
	"encoding/base64"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
)

const (
	// DefaultCodeTTL is the authorization code lifetime.
	DefaultCodeTTL = 10 * time.Minute
	// DefaultAccessTTL is the access token lifetime.
	DefaultAccessTTL = time.Hour
	// DefaultRefreshTTL is the refresh token lifetime.
	DefaultRefreshTTL = 7 * 24 * time.Hour
)

// Config for the provider.
type Config struct {
	// Issuer is the public base URL, used in discovery metadata and
	// redirect construction.
	Issuer string

	// SkipOAuth makes the vendor start-auth endpoint report that no auth is
	// required. The rest of the flow keeps working for clients that want it.
	SkipOAuth bool

	// AutoApprove lists client_id / redirect_uri patterns (exact, or prefix
	// with a trailing *) that skip the consent page. A policy, not a
	// bypass: code, PKCE, token and refresh still execute.
	AutoApprove []string

	// ClientsFile optionally persists registered clients as a single JSON
	// document, rewritten atomically. Not required for correctness.
	ClientsFile string

	CodeTTL    time.Duration
	AccessTTL  time.Duration
	RefreshTTL time.Duration
}

func (c Config) withDefaults() Config {
	if c.CodeTTL <= 0 {
		c.CodeTTL = DefaultCodeTTL
	}
	if c.AccessTTL <= 0 {
		c.AccessTTL = DefaultAccessTTL
	}
	if c.RefreshTTL <= 0 {
		c.RefreshTTL = DefaultRefreshTTL
	}
	c.Issuer = strings.TrimSuffix(c.Issuer, "/")
	return c
}

// Client is a dynamically registered OAuth client.
type Client struct {
	ID                      string    `json:"client_id"`
	Secret                  string    `json:"client_secret,omitempty"`
	Name                    string    `json:"client_name,omitempty"`
	RedirectURIs            []string  `json:"redirect_uris"`
	GrantTypes              []string  `json:"grant_types"`
	TokenEndpointAuthMethod string    `json:"token_endpoint_auth_method"`
	SoftwareID              string    `json:"software_id,omitempty"`
	Scope                   string    `json:"scope,omitempty"`
	CreatedAt               time.Time `json:"created_at"`
}

// Public reports whether the client authenticates at the token endpoint.
func (c *Client) Public() bool {
	return c.TokenEndpointAuthMethod == "" || c.TokenEndpointAuthMethod == "none"
}

func (c *Client) allowsRedirect(uri string) bool {
	for _, registered := range c.RedirectURIs {
		if registered == uri {
			return true
		}
	}
	return false
}

type authCode struct {
	Code            string
	ClientID        string
	RedirectURI     string
	Scope           string
	Challenge       string
	ChallengeMethod string
	ExpiresAt       time.Time
	Consumed        bool
}

type tokenRecord struct {
	ClientID  string
	Scope     string
	IssuedAt  time.Time
	ExpiresAt time.Time
	// Refresh links the paired refresh token so rotation can revoke both.
	Refresh string
}

type refreshRecord struct {
	ClientID  string
	Scope     string
	ExpiresAt time.Time
	Access    string
}

// Provider is the authorization server.
type Provider struct {
	cfg Config

	clientsMu  sync.RWMutex
	clients    map[string]*Client
	bySoftware map[string]string // software_id -> client_id, DCR idempotence

	codesMu sync.Mutex
	codes   map[string]*authCode

	tokensMu sync.Mutex
	tokens   map[string]*tokenRecord
	refresh  map[string]*refreshRecord
}

// NewProvider creates the authorization server, loading any persisted
// clients from the configured file.
func NewProvider(cfg Config) *Provider {
	p := &Provider{
		cfg:        cfg.withDefaults(),
		clients:    make(map[string]*Client),
		bySoftware: make(map[string]string),
		codes:      make(map[string]*authCode),
		tokens:     make(map[string]*tokenRecord),
		refresh:    make(map[string]*refreshRecord),
	}
	if cfg.ClientsFile != "" {
		if err := p.loadClients(); err != nil {
			slog.Warn("could not load persisted oauth clients", "file", cfg.ClientsFile, "error", err)
		}
	}
	return p
}

// Issuer returns the configured issuer URL.
func (p *Provider) Issuer() string { return p.cfg.Issuer }

// Endpoints lists the mounted OAuth paths, for the health document.
func (p *Provider) Endpoints() []string {
	return []string{
		"/.well-known/oauth-authorization-server",
		"/.well-known/oauth-protected-resource",
		"/oauth/register",
		"/oauth/authorize",
		"/oauth/token",
		"/oauth/userinfo",
	}
}

// newToken mints an opaque token with 256 bits of entropy.
func newToken() string {
	buf := make([]byte, 32)
	if _, err := rand.Read(buf); err != nil {
		// crypto/rand failure is unrecoverable
		panic(err)
	}
	return base64.RawURLEncoding.EncodeToString(buf)
}

// RegisterClient records a client. Registration is idempotent per
// software_id: re-registering returns the existing client.
func (p *Provider) RegisterClient(c *Client) *Client {
	p.clientsMu.Lock()
	defer p.clientsMu.Unlock()

	if c.SoftwareID != "" {
		if id, ok := p.bySoftware[c.SoftwareID]; ok {
			if existing, ok := p.clients[id]; ok {
				return existing
			}
		}
	}

	c.ID = uuid.NewString()
	if !c.Public() {
		c.Secret = newToken()
	}
	c.CreatedAt = time.Now()

	p.clients[c.ID] = c
	if c.SoftwareID != "" {
		p.bySoftware[c.SoftwareID] = c.ID
	}
	if err := p.saveClientsLocked(); err != nil {
		slog.Warn("could not persist oauth clients", "error", err)
	}

	slog.Info("registered oauth client", "client_id", c.ID, "client_name", c.Name, "public", c.Public())
	return c
}

// LookupClient returns a registered client by id.
func (p *Provider) LookupClient(id string) (*Client, bool) {
	p.clientsMu.RLock()
	defer p.clientsMu.RUnlock()
	c, ok := p.clients[id]
	return c, ok
}

// autoApproved reports whether the consent page may be skipped for this
// client and redirect target.
func (p *Provider) autoApproved(client *Client, redirectURI string) bool {
	for _, pattern := range p.cfg.AutoApprove {
		if matchPattern(pattern, redirectURI) || matchPattern(pattern, client.ID) || matchPattern(pattern, client.Name) {
			return true
		}
	}
	return false
}

func matchPattern(pattern, value string) bool {
	if pattern == "" || value == "" {
		return false
	}
	if strings.HasSuffix(pattern, "*") {
		return strings.HasPrefix(value, strings.TrimSuffix(pattern, "*"))
	}
	return pattern == value
}

// issueCode mints a single-use authorization code bound to the client.
func (p *Provider) issueCode(clientID, redirectURI, scope, challenge, challengeMethod string) string {
	code := newToken()
	p.codesMu.Lock()
	p.codes[code] = &authCode{
		Code:            code,
		ClientID:        clientID,
		RedirectURI:     redirectURI,
		Scope:           scope,
		Challenge:       challenge,
		ChallengeMethod: challengeMethod,
		ExpiresAt:       time.Now().Add(p.cfg.CodeTTL),
	}
	p.codesMu.Unlock()
	return code
}

// redeemCode consumes an authorization code. A code is redeemable at most
// once and only by the client it was issued to.
func (p *Provider) redeemCode(code, clientID string) (*authCode, bool) {
	p.codesMu.Lock()
	defer p.codesMu.Unlock()

	ac, ok := p.codes[code]
	if !ok || ac.Consumed || ac.ClientID != clientID || time.Now().After(ac.ExpiresAt) {
		// Replay of a consumed code revokes nothing here; the token
		// endpoint answers invalid_grant.
		return nil, false
	}
	ac.Consumed = true
	delete(p.codes, code)
	return ac, true
}

// IssueTokens mints a paired access and refresh token.
func (p *Provider) IssueTokens(clientID, scope string) (access, refreshTok string, expiresIn int) {
	access = newToken()
	refreshTok = newToken()
	now := time.Now()

	p.tokensMu.Lock()
	p.tokens[access] = &tokenRecord{
		ClientID:  clientID,
		Scope:     scope,
		IssuedAt:  now,
		ExpiresAt: now.Add(p.cfg.AccessTTL),
		Refresh:   refreshTok,
	}
	p.refresh[refreshTok] = &refreshRecord{
		ClientID:  clientID,
		Scope:     scope,
		ExpiresAt: now.Add(p.cfg.RefreshTTL),
		Access:    access,
	}
	p.tokensMu.Unlock()

	return access, refreshTok, int(p.cfg.AccessTTL.Seconds())
}

// rotateRefresh redeems a refresh token: the old pair is invalidated and a
// fresh pair issued.
func (p *Provider) rotateRefresh(refreshTok, clientID string) (access, newRefresh string, scope string, expiresIn int, ok bool) {
	p.tokensMu.Lock()
	rec, found := p.refresh[refreshTok]
	if !found || rec.ClientID != clientID || time.Now().After(rec.ExpiresAt) {
		p.tokensMu.Unlock()
		return "", "", "", 0, false
	}
	delete(p.refresh, refreshTok)
	delete(p.tokens, rec.Access)
	scope = rec.Scope
	p.tokensMu.Unlock()

	access, newRefresh, expiresIn = p.IssueTokens(clientID, scope)
	return access, newRefresh, scope, expiresIn, true
}

// ValidateToken checks a bearer token and returns its client and scope.
func (p *Provider) ValidateToken(token string) (clientID, scope string, ok bool) {
	p.tokensMu.Lock()
	defer p.tokensMu.Unlock()

	rec, found := p.tokens[token]
	if !found || time.Now().After(rec.ExpiresAt) {
		return "", "", false
	}
	return rec.ClientID, rec.Scope, true
}

// Run sweeps expired codes and tokens until ctx is cancelled.
func (p *Provider) Run(ctx context.Context) {
	ticker := time.NewTicker(time.Minute)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			p.sweep(time.Now())
		}
	}
}

func (p *Provider) sweep(now time.Time) {
	p.codesMu.Lock()
	for code, ac := range p.codes {
		if now.After(ac.ExpiresAt) {
			delete(p.codes, code)
		}
	}
	p.codesMu.Unlock()

	p.tokensMu.Lock()
	for tok, rec := range p.tokens {
		if now.After(rec.ExpiresAt) {
			delete(p.tokens, tok)
		}
	}
	for tok, rec := range p.refresh {
		if now.After(rec.ExpiresAt) {
			delete(p.refresh, tok)
		}
	}
	p.tokensMu.Unlock()
}

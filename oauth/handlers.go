package oauth

import (
	"encoding/json"
	"fmt"
	"html"
	"log/slog"
	"net/http"
	"net/url"
	"strings"

	"github.com/go-chi/chi/v5"
)

// Mount registers every OAuth route on the router. These routes bypass the
// MCP dispatcher entirely and are reachable without a bearer token, except
// userinfo.
func (p *Provider) Mount(r chi.Router) {
	r.Get("/.well-known/oauth-authorization-server", p.handleMetadata)
	r.Get("/.well-known/oauth-protected-resource", p.handleProtectedResource)
	r.Post("/oauth/register", p.handleRegister)
	r.Get("/oauth/authorize", p.handleAuthorize)
	r.Post("/oauth/authorize", p.handleAuthorize)
	r.Post("/oauth/token", p.handleToken)
	r.Get("/oauth/userinfo", p.handleUserinfo)
	r.Get("/api/organizations/{orgID}/mcp/start-auth/{authID}", p.handleStartAuth)
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.Header().Set("Cache-Control", "no-store")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func oauthError(w http.ResponseWriter, status int, code, description string) {
	writeJSON(w, status, map[string]string{
		"error":             code,
		"error_description": description,
	})
}

// handleMetadata serves RFC 8414 discovery metadata.
func (p *Provider) handleMetadata(w http.ResponseWriter, r *http.Request) {
	issuer := p.cfg.Issuer
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"issuer":                                issuer,
		"authorization_endpoint":                issuer + "/oauth/authorize",
		"token_endpoint":                        issuer + "/oauth/token",
		"registration_endpoint":                 issuer + "/oauth/register",
		"userinfo_endpoint":                     issuer + "/oauth/userinfo",
		"response_types_supported":              []string{"code"},
		"grant_types_supported":                 []string{"authorization_code", "refresh_token"},
		"code_challenge_methods_supported":      []string{"S256", "plain"},
		"token_endpoint_auth_methods_supported": []string{"none", "client_secret_basic", "client_secret_post"},
		"scopes_supported":                      []string{"read", "search"},
	})
}

// handleProtectedResource points resource consumers back at the
// authorization server.
func (p *Provider) handleProtectedResource(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"resource":              p.cfg.Issuer,
		"authorization_servers": []string{p.cfg.Issuer},
		"bearer_methods_supported": []string{
			"header",
		},
	})
}

type registrationRequest struct {
	ClientName              string   `json:"client_name"`
	RedirectURIs            []string `json:"redirect_uris"`
	GrantTypes              []string `json:"grant_types"`
	ResponseTypes           []string `json:"response_types"`
	TokenEndpointAuthMethod string   `json:"token_endpoint_auth_method"`
	SoftwareID              string   `json:"software_id"`
	Scope                   string   `json:"scope"`
}

// handleRegister implements RFC 7591 dynamic client registration.
func (p *Provider) handleRegister(w http.ResponseWriter, r *http.Request) {
	var req registrationRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		oauthError(w, http.StatusBadRequest, "invalid_client_metadata", "request body is not valid JSON")
		return
	}
	if len(req.RedirectURIs) == 0 {
		oauthError(w, http.StatusBadRequest, "invalid_redirect_uri", "redirect_uris is required")
		return
	}
	for _, uri := range req.RedirectURIs {
		u, err := url.Parse(uri)
		if err != nil || !u.IsAbs() {
			oauthError(w, http.StatusBadRequest, "invalid_redirect_uri", "redirect_uris must be absolute URLs")
			return
		}
	}

	grants := req.GrantTypes
	if len(grants) == 0 {
		grants = []string{"authorization_code", "refresh_token"}
	}

	client := p.RegisterClient(&Client{
		Name:                    req.ClientName,
		RedirectURIs:            req.RedirectURIs,
		GrantTypes:              grants,
		TokenEndpointAuthMethod: req.TokenEndpointAuthMethod,
		SoftwareID:              req.SoftwareID,
		Scope:                   req.Scope,
	})

	resp := map[string]interface{}{
		"client_id":                  client.ID,
		"client_name":                client.Name,
		"redirect_uris":              client.RedirectURIs,
		"grant_types":                client.GrantTypes,
		"response_types":             []string{"code"},
		"token_endpoint_auth_method": client.TokenEndpointAuthMethod,
		"client_id_issued_at":        client.CreatedAt.Unix(),
	}
	if client.Secret != "" {
		resp["client_secret"] = client.Secret
	}
	writeJSON(w, http.StatusCreated, resp)
}

// handleAuthorize validates the authorization request, then either
// auto-approves (allow-listed hosted LLM clients), renders the consent
// page, or processes the consent form submission.
func (p *Provider) handleAuthorize(w http.ResponseWriter, r *http.Request) {
	if err := r.ParseForm(); err != nil {
		oauthError(w, http.StatusBadRequest, "invalid_request", "malformed request")
		return
	}

	q := r.Form
	clientID := q.Get("client_id")
	redirectURI := q.Get("redirect_uri")
	state := q.Get("state")
	scope := q.Get("scope")
	challenge := q.Get("code_challenge")
	challengeMethod := q.Get("code_challenge_method")
	if challengeMethod == "" {
		challengeMethod = "S256"
	}

	client, ok := p.LookupClient(clientID)
	if !ok {
		// Unknown client: never redirect, the target is unverified.
		oauthError(w, http.StatusBadRequest, "invalid_client", "unknown client_id")
		return
	}
	if !client.allowsRedirect(redirectURI) {
		oauthError(w, http.StatusBadRequest, "invalid_request", "redirect_uri is not registered for this client")
		return
	}

	fail := func(code, description string) {
		redirectError(w, r, redirectURI, state, code, description)
	}

	if q.Get("response_type") != "code" {
		fail("unsupported_response_type", "only response_type=code is supported")
		return
	}
	if challenge == "" {
		fail("invalid_request", "code_challenge is required")
		return
	}
	switch challengeMethod {
	case "S256":
	case "plain":
		// plain is only acceptable from clients that will authenticate at
		// the token endpoint.
		if client.Public() {
			fail("invalid_request", "public clients must use code_challenge_method=S256")
			return
		}
	default:
		fail("invalid_request", "unsupported code_challenge_method")
		return
	}

	approved := p.autoApproved(client, redirectURI)
	if approved {
		slog.Info("auto-approving authorization request",
			"client_id", client.ID, "client_name", client.Name, "redirect_uri", redirectURI)
	}

	if !approved {
		switch {
		case r.Method == http.MethodPost && r.PostFormValue("action") == "approve":
			approved = true
		case r.Method == http.MethodPost:
			fail("access_denied", "the resource owner denied the request")
			return
		default:
			p.renderConsent(w, client, q)
			return
		}
	}

	code := p.issueCode(client.ID, redirectURI, scope, challenge, challengeMethod)

	target, _ := url.Parse(redirectURI)
	params := target.Query()
	params.Set("code", code)
	if state != "" {
		params.Set("state", state)
	}
	target.RawQuery = params.Encode()
	http.Redirect(w, r, target.String(), http.StatusFound)
}

func redirectError(w http.ResponseWriter, r *http.Request, redirectURI, state, code, description string) {
	target, err := url.Parse(redirectURI)
	if err != nil {
		oauthError(w, http.StatusBadRequest, code, description)
		return
	}
	params := target.Query()
	params.Set("error", code)
	params.Set("error_description", description)
	if state != "" {
		params.Set("state", state)
	}
	target.RawQuery = params.Encode()
	http.Redirect(w, r, target.String(), http.StatusFound)
}

const consentPage = `<!DOCTYPE html>
<html>
<head><title>Authorize access</title></head>
<body>
<h1>Authorize %s</h1>
<p>The application requests access with scope: <code>%s</code></p>
<form method="post" action="/oauth/authorize">
%s<button name="action" value="approve" type="submit">Approve</button>
<button name="action" value="deny" type="submit">Deny</button>
</form>
</body>
</html>`

func (p *Provider) renderConsent(w http.ResponseWriter, client *Client, q url.Values) {
	var hidden strings.Builder
	for _, key := range []string{"client_id", "redirect_uri", "response_type", "scope", "state", "code_challenge", "code_challenge_method"} {
		if v := q.Get(key); v != "" {
			fmt.Fprintf(&hidden, `<input type="hidden" name="%s" value="%s">`+"\n",
				html.EscapeString(key), html.EscapeString(v))
		}
	}

	name := client.Name
	if name == "" {
		name = client.ID
	}

	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	fmt.Fprintf(w, consentPage,
		html.EscapeString(name),
		html.EscapeString(q.Get("scope")),
		hidden.String())
}

// authenticateClient resolves the caller at the token endpoint. Confidential
// clients present their secret via basic auth or form fields; public clients
// just name themselves.
func (p *Provider) authenticateClient(r *http.Request) (*Client, bool) {
	clientID, secret, hasBasic := r.BasicAuth()
	if !hasBasic {
		clientID = r.PostFormValue("client_id")
		secret = r.PostFormValue("client_secret")
	}

	client, ok := p.LookupClient(clientID)
	if !ok {
		return nil, false
	}
	if client.Public() {
		return client, true
	}
	if secret == "" || secret != client.Secret {
		return nil, false
	}
	return client, true
}

// handleToken serves the authorization_code and refresh_token grants.
// Refresh tokens rotate on use.
func (p *Provider) handleToken(w http.ResponseWriter, r *http.Request) {
	if err := r.ParseForm(); err != nil {
		oauthError(w, http.StatusBadRequest, "invalid_request", "malformed request")
		return
	}

	client, ok := p.authenticateClient(r)
	if !ok {
		w.Header().Set("WWW-Authenticate", `Basic realm="oauth"`)
		oauthError(w, http.StatusUnauthorized, "invalid_client", "client authentication failed")
		return
	}

	switch r.PostFormValue("grant_type") {
	case "authorization_code":
		code := r.PostFormValue("code")
		verifier := r.PostFormValue("code_verifier")
		redirectURI := r.PostFormValue("redirect_uri")

		ac, ok := p.redeemCode(code, client.ID)
		if !ok {
			oauthError(w, http.StatusBadRequest, "invalid_grant", "authorization code is invalid, expired or already used")
			return
		}
		if redirectURI != "" && redirectURI != ac.RedirectURI {
			oauthError(w, http.StatusBadRequest, "invalid_grant", "redirect_uri does not match the authorization request")
			return
		}
		if !verifyPKCE(ac.Challenge, ac.ChallengeMethod, verifier) {
			oauthError(w, http.StatusBadRequest, "invalid_grant", "code_verifier does not match the challenge")
			return
		}

		access, refreshTok, expiresIn := p.IssueTokens(client.ID, ac.Scope)
		writeJSON(w, http.StatusOK, map[string]interface{}{
			"access_token":  access,
			"refresh_token": refreshTok,
			"token_type":    "Bearer",
			"expires_in":    expiresIn,
			"scope":         ac.Scope,
		})

	case "refresh_token":
		access, refreshTok, scope, expiresIn, ok := p.rotateRefresh(r.PostFormValue("refresh_token"), client.ID)
		if !ok {
			oauthError(w, http.StatusBadRequest, "invalid_grant", "refresh token is invalid or expired")
			return
		}
		writeJSON(w, http.StatusOK, map[string]interface{}{
			"access_token":  access,
			"refresh_token": refreshTok,
			"token_type":    "Bearer",
			"expires_in":    expiresIn,
			"scope":         scope,
		})

	default:
		oauthError(w, http.StatusBadRequest, "unsupported_grant_type", "grant_type must be authorization_code or refresh_token")
	}
}

// handleUserinfo returns a minimal profile for a valid bearer token.
func (p *Provider) handleUserinfo(w http.ResponseWriter, r *http.Request) {
	token := bearerToken(r)
	clientID, scope, ok := p.ValidateToken(token)
	if !ok {
		w.Header().Set("WWW-Authenticate", `Bearer realm="oauth", error="invalid_token"`)
		oauthError(w, http.StatusUnauthorized, "invalid_token", "the access token is missing, invalid or expired")
		return
	}

	client, _ := p.LookupClient(clientID)
	name := ""
	if client != nil {
		name = client.Name
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"sub":   clientID,
		"name":  name,
		"scope": scope,
		"iss":   p.cfg.Issuer,
	})
}

// bearerToken extracts the token from an Authorization header.
func bearerToken(r *http.Request) string {
	auth := r.Header.Get("Authorization")
	if len(auth) > 7 && strings.EqualFold(auth[:7], "Bearer ") {
		return strings.TrimSpace(auth[7:])
	}
	return ""
}

// handleStartAuth is the vendor-specific shortcut one hosted LLM client
// calls before opening the OAuth flow. Two observed modes: report that auth
// is not required, or bounce to the authorize endpoint.
func (p *Provider) handleStartAuth(w http.ResponseWriter, r *http.Request) {
	orgID := chi.URLParam(r, "orgID")
	authID := chi.URLParam(r, "authID")
	slog.Debug("start-auth request", "org_id", orgID, "auth_id", authID, "skip_oauth", p.cfg.SkipOAuth)

	if p.cfg.SkipOAuth {
		writeJSON(w, http.StatusOK, map[string]interface{}{
			"status":            "success",
			"auth_not_required": true,
			"server_url":        p.cfg.Issuer,
		})
		return
	}

	target := p.cfg.Issuer + "/oauth/authorize"
	if r.URL.RawQuery != "" {
		target += "?" + r.URL.RawQuery
	}
	http.Redirect(w, r, target, http.StatusFound)
}

package oauth

import (
	"crypto/sha256"
	"encoding/base64"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"
)

func newTestProvider(t *testing.T, mutate func(*Config)) (*Provider, *httptest.Server) {
	t.Helper()
	r := chi.NewRouter()
	ts := httptest.NewServer(r)
	t.Cleanup(ts.Close)

	cfg := Config{
		Issuer:      ts.URL,
		AutoApprove: []string{"https://claude.ai/*", "https://claude.com/*"},
	}
	if mutate != nil {
		mutate(&cfg)
	}
	p := NewProvider(cfg)
	p.Mount(r)
	return p, ts
}

// noRedirect follows nothing so tests can inspect 302 responses.
var noRedirect = &http.Client{
	CheckRedirect: func(req *http.Request, via []*http.Request) error {
		return http.ErrUseLastResponse
	},
}

func registerTestClient(t *testing.T, ts *httptest.Server, body map[string]interface{}) map[string]interface{} {
	t.Helper()
	raw, _ := json.Marshal(body)
	resp, err := http.Post(ts.URL+"/oauth/register", "application/json", strings.NewReader(string(raw)))
	if err != nil {
		t.Fatalf("register: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusCreated {
		t.Fatalf("register: status %d", resp.StatusCode)
	}
	var out map[string]interface{}
	json.NewDecoder(resp.Body).Decode(&out)
	return out
}

func s256Challenge(verifier string) string {
	sum := sha256.Sum256([]byte(verifier))
	return base64.RawURLEncoding.EncodeToString(sum[:])
}

func postToken(t *testing.T, ts *httptest.Server, form url.Values) (*http.Response, map[string]interface{}) {
	t.Helper()
	resp, err := http.PostForm(ts.URL+"/oauth/token", form)
	if err != nil {
		t.Fatalf("token: %v", err)
	}
	defer resp.Body.Close()
	var out map[string]interface{}
	json.NewDecoder(resp.Body).Decode(&out)
	return resp, out
}

func TestDiscoveryMetadata(t *testing.T) {
	_, ts := newTestProvider(t, nil)

	resp, err := http.Get(ts.URL + "/.well-known/oauth-authorization-server")
	if err != nil {
		t.Fatalf("discovery: %v", err)
	}
	defer resp.Body.Close()

	var meta map[string]interface{}
	json.NewDecoder(resp.Body).Decode(&meta)
	if meta["issuer"] != ts.URL {
		t.Errorf("issuer: %v", meta["issuer"])
	}
	if meta["authorization_endpoint"] != ts.URL+"/oauth/authorize" {
		t.Errorf("authorization_endpoint: %v", meta["authorization_endpoint"])
	}
	methods, _ := meta["code_challenge_methods_supported"].([]interface{})
	if len(methods) != 2 || methods[0] != "S256" {
		t.Errorf("code_challenge_methods_supported: %v", methods)
	}
}

func TestAutoApprovedAuthorizationCodeFlow(t *testing.T) {
	const (
		redirectURI = "https://claude.ai/api/mcp/auth_callback"
		verifier    = "dBjftJeZ4CVP-mB92K27uhbUJU1p1r_wW1gFWFOEjXk"
	)

	_, ts := newTestProvider(t, nil)

	reg := registerTestClient(t, ts, map[string]interface{}{
		"client_name":                "hosted-llm",
		"redirect_uris":              []string{redirectURI},
		"token_endpoint_auth_method": "none",
	})
	clientID := reg["client_id"].(string)
	if clientID == "" {
		t.Fatal("no client_id issued")
	}
	if _, hasSecret := reg["client_secret"]; hasSecret {
		t.Error("public client must not receive a secret")
	}

	// Authorize: the claude.ai redirect is allow-listed, so no consent
	// page; straight 302 with code and state.
	authURL := ts.URL + "/oauth/authorize?" + url.Values{
		"response_type":         {"code"},
		"client_id":             {clientID},
		"redirect_uri":          {redirectURI},
		"code_challenge":        {s256Challenge(verifier)},
		"code_challenge_method": {"S256"},
		"state":                 {"abc"},
		"scope":                 {"read"},
	}.Encode()

	resp, err := noRedirect.Get(authURL)
	if err != nil {
		t.Fatalf("authorize: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusFound {
		t.Fatalf("authorize: expected 302, got %d", resp.StatusCode)
	}
	loc, err := url.Parse(resp.Header.Get("Location"))
	if err != nil {
		t.Fatalf("parse location: %v", err)
	}
	if !strings.HasPrefix(loc.String(), redirectURI) {
		t.Fatalf("redirected to %q", loc)
	}
	code := loc.Query().Get("code")
	if code == "" {
		t.Fatal("no code in redirect")
	}
	if loc.Query().Get("state") != "abc" {
		t.Errorf("state not preserved: %q", loc.Query().Get("state"))
	}

	// Token exchange with the matching verifier.
	tokResp, tok := postToken(t, ts, url.Values{
		"grant_type":    {"authorization_code"},
		"code":          {code},
		"code_verifier": {verifier},
		"redirect_uri":  {redirectURI},
		"client_id":     {clientID},
	})
	if tokResp.StatusCode != http.StatusOK {
		t.Fatalf("token: status %d body %v", tokResp.StatusCode, tok)
	}
	access, _ := tok["access_token"].(string)
	refresh, _ := tok["refresh_token"].(string)
	if access == "" || refresh == "" {
		t.Fatalf("incomplete token response: %v", tok)
	}
	if tok["token_type"] != "Bearer" {
		t.Errorf("token_type: %v", tok["token_type"])
	}
	if tok["expires_in"].(float64) != 3600 {
		t.Errorf("expires_in: %v", tok["expires_in"])
	}

	// Replaying the code is invalid_grant.
	replayResp, replay := postToken(t, ts, url.Values{
		"grant_type":    {"authorization_code"},
		"code":          {code},
		"code_verifier": {verifier},
		"client_id":     {clientID},
	})
	if replayResp.StatusCode != http.StatusBadRequest || replay["error"] != "invalid_grant" {
		t.Fatalf("replay: status %d body %v", replayResp.StatusCode, replay)
	}

	// Userinfo accepts the access token.
	req, _ := http.NewRequest(http.MethodGet, ts.URL+"/oauth/userinfo", nil)
	req.Header.Set("Authorization", "Bearer "+access)
	uiResp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("userinfo: %v", err)
	}
	defer uiResp.Body.Close()
	if uiResp.StatusCode != http.StatusOK {
		t.Fatalf("userinfo: status %d", uiResp.StatusCode)
	}
	var ui map[string]interface{}
	json.NewDecoder(uiResp.Body).Decode(&ui)
	if ui["sub"] != clientID {
		t.Errorf("sub: %v", ui["sub"])
	}
}

func TestWrongVerifierRejected(t *testing.T) {
	const redirectURI = "https://claude.ai/api/mcp/auth_callback"
	_, ts := newTestProvider(t, nil)

	reg := registerTestClient(t, ts, map[string]interface{}{
		"client_name":                "hosted-llm",
		"redirect_uris":              []string{redirectURI},
		"token_endpoint_auth_method": "none",
	})
	clientID := reg["client_id"].(string)

	resp, _ := noRedirect.Get(ts.URL + "/oauth/authorize?" + url.Values{
		"response_type":         {"code"},
		"client_id":             {clientID},
		"redirect_uri":          {redirectURI},
		"code_challenge":        {s256Challenge("correct-verifier-value-0123456789abcdef")},
		"code_challenge_method": {"S256"},
	}.Encode())
	resp.Body.Close()
	loc, _ := url.Parse(resp.Header.Get("Location"))
	code := loc.Query().Get("code")

	tokResp, tok := postToken(t, ts, url.Values{
		"grant_type":    {"authorization_code"},
		"code":          {code},
		"code_verifier": {"wrong-verifier-value-0123456789abcdefgh"},
		"client_id":     {clientID},
	})
	if tokResp.StatusCode != http.StatusBadRequest || tok["error"] != "invalid_grant" {
		t.Fatalf("expected invalid_grant, got %d %v", tokResp.StatusCode, tok)
	}
}

func TestPublicClientMustUseS256(t *testing.T) {
	const redirectURI = "https://claude.ai/api/mcp/auth_callback"
	_, ts := newTestProvider(t, nil)

	reg := registerTestClient(t, ts, map[string]interface{}{
		"client_name":                "hosted-llm",
		"redirect_uris":              []string{redirectURI},
		"token_endpoint_auth_method": "none",
	})
	clientID := reg["client_id"].(string)

	resp, _ := noRedirect.Get(ts.URL + "/oauth/authorize?" + url.Values{
		"response_type":         {"code"},
		"client_id":             {clientID},
		"redirect_uri":          {redirectURI},
		"code_challenge":        {"plain-challenge-value"},
		"code_challenge_method": {"plain"},
	}.Encode())
	resp.Body.Close()
	if resp.StatusCode != http.StatusFound {
		t.Fatalf("errors redirect back to the client, got %d", resp.StatusCode)
	}
	loc, _ := url.Parse(resp.Header.Get("Location"))
	if loc.Query().Get("error") != "invalid_request" {
		t.Errorf("expected invalid_request, got %q", loc.Query().Get("error"))
	}
	if loc.Query().Get("code") != "" {
		t.Error("no code may be issued for plain PKCE on a public client")
	}
}

func TestMissingChallengeRejected(t *testing.T) {
	const redirectURI = "https://claude.ai/api/mcp/auth_callback"
	_, ts := newTestProvider(t, nil)

	reg := registerTestClient(t, ts, map[string]interface{}{
		"client_name":                "hosted-llm",
		"redirect_uris":              []string{redirectURI},
		"token_endpoint_auth_method": "none",
	})
	clientID := reg["client_id"].(string)

	resp, _ := noRedirect.Get(ts.URL + "/oauth/authorize?" + url.Values{
		"response_type": {"code"},
		"client_id":     {clientID},
		"redirect_uri":  {redirectURI},
	}.Encode())
	resp.Body.Close()
	loc, _ := url.Parse(resp.Header.Get("Location"))
	if loc.Query().Get("error") != "invalid_request" {
		t.Errorf("expected invalid_request for missing code_challenge, got %q", loc.Query().Get("error"))
	}
}

func TestRefreshTokenRotation(t *testing.T) {
	p, ts := newTestProvider(t, nil)

	client := p.RegisterClient(&Client{
		Name:         "rotator",
		RedirectURIs: []string{"https://claude.ai/cb"},
	})
	access1, refresh1, _ := p.IssueTokens(client.ID, "read")

	resp, tok := postToken(t, ts, url.Values{
		"grant_type":    {"refresh_token"},
		"refresh_token": {refresh1},
		"client_id":     {client.ID},
	})
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("refresh: status %d body %v", resp.StatusCode, tok)
	}
	access2 := tok["access_token"].(string)
	refresh2 := tok["refresh_token"].(string)
	if access2 == access1 || refresh2 == refresh1 {
		t.Fatal("rotation must mint a fresh pair")
	}

	// Old pair is dead.
	if _, _, ok := p.ValidateToken(access1); ok {
		t.Error("old access token must be revoked on rotation")
	}
	replayResp, replay := postToken(t, ts, url.Values{
		"grant_type":    {"refresh_token"},
		"refresh_token": {refresh1},
		"client_id":     {client.ID},
	})
	if replayResp.StatusCode != http.StatusBadRequest || replay["error"] != "invalid_grant" {
		t.Fatalf("old refresh token replay: %d %v", replayResp.StatusCode, replay)
	}

	// New pair works.
	if _, _, ok := p.ValidateToken(access2); !ok {
		t.Error("rotated access token must validate")
	}
}

func TestUserinfoRejectsBadToken(t *testing.T) {
	_, ts := newTestProvider(t, nil)

	req, _ := http.NewRequest(http.MethodGet, ts.URL+"/oauth/userinfo", nil)
	req.Header.Set("Authorization", "Bearer nonsense")
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("userinfo: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusUnauthorized {
		t.Fatalf("expected 401, got %d", resp.StatusCode)
	}
	if !strings.Contains(resp.Header.Get("WWW-Authenticate"), "invalid_token") {
		t.Errorf("WWW-Authenticate: %q", resp.Header.Get("WWW-Authenticate"))
	}
}

func TestRegistrationIdempotentPerSoftwareID(t *testing.T) {
	_, ts := newTestProvider(t, nil)

	body := map[string]interface{}{
		"client_name":                "connector",
		"redirect_uris":              []string{"https://claude.ai/cb"},
		"software_id":                "com.example.connector",
		"token_endpoint_auth_method": "none",
	}
	first := registerTestClient(t, ts, body)
	second := registerTestClient(t, ts, body)
	if first["client_id"] != second["client_id"] {
		t.Errorf("same software_id must return the same client: %v vs %v",
			first["client_id"], second["client_id"])
	}
}

func TestConsentFlowForUnlistedClient(t *testing.T) {
	const redirectURI = "https://example.com/callback"
	_, ts := newTestProvider(t, nil)

	reg := registerTestClient(t, ts, map[string]interface{}{
		"client_name":                "third-party",
		"redirect_uris":              []string{redirectURI},
		"token_endpoint_auth_method": "none",
	})
	clientID := reg["client_id"].(string)

	query := url.Values{
		"response_type":         {"code"},
		"client_id":             {clientID},
		"redirect_uri":          {redirectURI},
		"code_challenge":        {s256Challenge("consent-flow-verifier-0123456789abcdef")},
		"code_challenge_method": {"S256"},
		"state":                 {"xyz"},
	}

	// GET renders the consent page instead of redirecting.
	resp, err := noRedirect.Get(ts.URL + "/oauth/authorize?" + query.Encode())
	if err != nil {
		t.Fatalf("authorize: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("expected consent page, got %d", resp.StatusCode)
	}
	if ct := resp.Header.Get("Content-Type"); !strings.HasPrefix(ct, "text/html") {
		t.Fatalf("consent page content type %q", ct)
	}

	// Approving the form issues a code.
	form := url.Values{"action": {"approve"}}
	for k, vs := range query {
		form[k] = vs
	}
	postResp, err := noRedirect.PostForm(ts.URL+"/oauth/authorize", form)
	if err != nil {
		t.Fatalf("consent post: %v", err)
	}
	postResp.Body.Close()
	if postResp.StatusCode != http.StatusFound {
		t.Fatalf("approve: expected 302, got %d", postResp.StatusCode)
	}
	loc, _ := url.Parse(postResp.Header.Get("Location"))
	if loc.Query().Get("code") == "" {
		t.Error("approval must issue a code")
	}

	// Denying redirects with access_denied.
	form.Set("action", "deny")
	denyResp, err := noRedirect.PostForm(ts.URL+"/oauth/authorize", form)
	if err != nil {
		t.Fatalf("deny post: %v", err)
	}
	denyResp.Body.Close()
	loc, _ = url.Parse(denyResp.Header.Get("Location"))
	if loc.Query().Get("error") != "access_denied" {
		t.Errorf("deny: expected access_denied, got %q", loc.Query().Get("error"))
	}
}

func TestStartAuthSkipMode(t *testing.T) {
	_, ts := newTestProvider(t, func(cfg *Config) { cfg.SkipOAuth = true })

	resp, err := http.Get(ts.URL + "/api/organizations/org-1/mcp/start-auth/auth-9")
	if err != nil {
		t.Fatalf("start-auth: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("expected 200, got %d", resp.StatusCode)
	}
	var out map[string]interface{}
	json.NewDecoder(resp.Body).Decode(&out)
	if out["status"] != "success" || out["auth_not_required"] != true {
		t.Errorf("unexpected body: %v", out)
	}
}

func TestStartAuthRedirectMode(t *testing.T) {
	_, ts := newTestProvider(t, nil)

	resp, err := noRedirect.Get(ts.URL + "/api/organizations/org-1/mcp/start-auth/auth-9?redirect_uri=https%3A%2F%2Fclaude.ai%2Fcb")
	if err != nil {
		t.Fatalf("start-auth: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusFound {
		t.Fatalf("expected 302, got %d", resp.StatusCode)
	}
	loc := resp.Header.Get("Location")
	if !strings.HasPrefix(loc, ts.URL+"/oauth/authorize?") {
		t.Errorf("redirect target: %q", loc)
	}
	if !strings.Contains(loc, "redirect_uri=") {
		t.Errorf("query not preserved: %q", loc)
	}
}

func TestExpiredCodeRejected(t *testing.T) {
	p, ts := newTestProvider(t, nil)

	client := p.RegisterClient(&Client{
		Name:         "expired",
		RedirectURIs: []string{"https://claude.ai/cb"},
	})
	code := p.issueCode(client.ID, "https://claude.ai/cb", "read", s256Challenge("v"), "S256")
	p.codesMu.Lock()
	p.codes[code].ExpiresAt = time.Now().Add(-time.Minute)
	p.codesMu.Unlock()

	resp, tok := postToken(t, ts, url.Values{
		"grant_type":    {"authorization_code"},
		"code":          {code},
		"code_verifier": {"v"},
		"client_id":     {client.ID},
	})
	if resp.StatusCode != http.StatusBadRequest || tok["error"] != "invalid_grant" {
		t.Fatalf("expired code: %d %v", resp.StatusCode, tok)
	}
}

func TestVerifyPKCE(t *testing.T) {
	verifier := "dBjftJeZ4CVP-mB92K27uhbUJU1p1r_wW1gFWFOEjXk"
	if !verifyPKCE(s256Challenge(verifier), "S256", verifier) {
		t.Error("S256 round trip failed")
	}
	if verifyPKCE(s256Challenge(verifier), "S256", "other") {
		t.Error("S256 accepted wrong verifier")
	}
	if !verifyPKCE("same-value", "plain", "same-value") {
		t.Error("plain equality failed")
	}
	if verifyPKCE("same-value", "plain", "different") {
		t.Error("plain accepted mismatch")
	}
	if verifyPKCE("x", "unknown-method", "x") {
		t.Error("unknown method must fail closed")
	}
}

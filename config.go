package mcp

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

// Transport selects how the process speaks MCP.
type Transport string

const (
	TransportStdio Transport = "stdio"
	TransportHTTP  Transport = "http"
)

// Config is the whole behaviour surface of the process. Everything comes
// from environment variables; the binary accepts no positional arguments.
type Config struct {
	Transport Transport
	Host      string
	Port      int

	// PublicURL is used for the OAuth issuer and redirect construction.
	PublicURL string

	SkipOAuth          bool
	AllowedOrigins     []string
	AutoApproveClients []string
	OAuthClientsFile   string

	SessionIdleTimeout    time.Duration
	PerSessionConcurrency int
	ToolTimeout           time.Duration

	// VendorMountPath additionally exposes the SSE pair under a prefix one
	// hosted LLM client insists on. Wire format is identical.
	VendorMountPath string

	// IndexPath points at the persisted vector index directory.
	IndexPath string

	// RateLimitPerToken is the per-token bucket refill rate in requests per
	// second; zero disables the limiter.
	RateLimitPerToken float64
}

// defaultAutoApproveClients covers the hosted LLM domains whose connector
// flow breaks on a second consent page.
var defaultAutoApproveClients = []string{
	"https://claude.ai/*",
	"https://claude.com/*",
}

// ConfigFromEnv loads configuration from the environment, honouring a .env
// file when present. Real environment variables always win over .env.
func ConfigFromEnv() (*Config, error) {
	// Best effort; a missing .env is the normal case.
	_ = godotenv.Load()

	cfg := &Config{
		Host:                  envOr("HOST", "0.0.0.0"),
		PublicURL:             strings.TrimSuffix(os.Getenv("PUBLIC_URL"), "/"),
		SkipOAuth:             envBool("SKIP_OAUTH"),
		OAuthClientsFile:      os.Getenv("OAUTH_CLIENTS_FILE"),
		VendorMountPath:       envOr("VENDOR_MOUNT_PATH", "/mcp"),
		IndexPath:             envOr("INDEX_PATH", "data/index"),
		SessionIdleTimeout:    time.Duration(envInt("SESSION_IDLE_SECONDS", 600)) * time.Second,
		PerSessionConcurrency: envInt("PER_SESSION_CONCURRENCY", 8),
		ToolTimeout:           time.Duration(envInt("TOOL_TIMEOUT_SECONDS", 30)) * time.Second,
	}

	port, err := strconv.Atoi(envOr("PORT", "8000"))
	if err != nil {
		return nil, fmt.Errorf("invalid PORT: %w", err)
	}
	cfg.Port = port

	switch strings.ToLower(os.Getenv("TRANSPORT")) {
	case "stdio":
		cfg.Transport = TransportStdio
	case "http":
		cfg.Transport = TransportHTTP
	case "":
		// No explicit choice: hosted platforms hand us a port, local MCP
		// hosts pipe stdio.
		if os.Getenv("PORT") != "" || os.Getenv("RAILWAY_ENVIRONMENT") != "" {
			cfg.Transport = TransportHTTP
		} else {
			cfg.Transport = TransportStdio
		}
	default:
		return nil, fmt.Errorf("invalid TRANSPORT %q (want stdio or http)", os.Getenv("TRANSPORT"))
	}

	cfg.AllowedOrigins = envList("ALLOWED_ORIGINS")
	cfg.AutoApproveClients = envList("AUTO_APPROVE_CLIENTS")
	if len(cfg.AutoApproveClients) == 0 {
		cfg.AutoApproveClients = defaultAutoApproveClients
	}

	if v := os.Getenv("RATE_LIMIT_PER_TOKEN"); v != "" {
		f, err := strconv.ParseFloat(v, 64)
		if err != nil {
			return nil, fmt.Errorf("invalid RATE_LIMIT_PER_TOKEN: %w", err)
		}
		cfg.RateLimitPerToken = f
	}

	if cfg.PublicURL == "" {
		cfg.PublicURL = fmt.Sprintf("http://%s:%d", cfg.Host, cfg.Port)
	}

	return cfg, nil
}

// ServerOptions maps the config onto the runtime options.
func (c *Config) ServerOptions() Options {
	return Options{
		SessionIdleTimeout:    c.SessionIdleTimeout,
		PerSessionConcurrency: c.PerSessionConcurrency,
		ToolTimeout:           c.ToolTimeout,
	}
}

func envOr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func envInt(key string, fallback int) int {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			return n
		}
	}
	return fallback
}

func envBool(key string) bool {
	switch strings.ToLower(os.Getenv(key)) {
	case "1", "true", "yes", "on":
		return true
	}
	return false
}

func envList(key string) []string {
	raw := os.Getenv(key)
	if raw == "" {
		return nil
	}
	var out []string
	for _, part := range strings.Split(raw, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}

// Package pool provides shared HTTP clients for MCP connections. An SSE
// stream stays open for the life of the session, so the streaming client
// carries no overall timeout; the posting client does.
package pool

import (
	"crypto/tls"
	"net/http"
	"sync"
	"time"

	"golang.org/x/net/http2"
)

// HTTPPool supplies the two clients an MCP connection needs.
type HTTPPool interface {
	// StreamClient is used for the long-lived SSE GET. No client timeout;
	// cancellation happens through the request context.
	StreamClient() *http.Client
	// PostClient is used for message posts and OAuth calls.
	PostClient() *http.Client
}

// Config tunes the shared transport.
type Config struct {
	// InsecureSkipVerify accepts self-signed certificates. Leave false
	// outside local development.
	InsecureSkipVerify bool

	MaxIdleConns        int
	MaxIdleConnsPerHost int
	IdleConnTimeout     time.Duration

	// PostTimeout bounds non-streaming requests.
	PostTimeout time.Duration
}

// DefaultConfig suits long-lived sessions against one server.
func DefaultConfig() Config {
	return Config{
		MaxIdleConns:        100,
		MaxIdleConnsPerHost: 10,
		IdleConnTimeout:     90 * time.Second,
		PostTimeout:         30 * time.Second,
	}
}

// Pool implements HTTPPool over one shared transport.
type Pool struct {
	stream *http.Client
	post   *http.Client
}

// New builds a pool from cfg. Zero fields take the defaults.
func New(cfg Config) *Pool {
	def := DefaultConfig()
	if cfg.MaxIdleConns == 0 {
		cfg.MaxIdleConns = def.MaxIdleConns
	}
	if cfg.MaxIdleConnsPerHost == 0 {
		cfg.MaxIdleConnsPerHost = def.MaxIdleConnsPerHost
	}
	if cfg.IdleConnTimeout == 0 {
		cfg.IdleConnTimeout = def.IdleConnTimeout
	}
	if cfg.PostTimeout == 0 {
		cfg.PostTimeout = def.PostTimeout
	}

	transport := &http.Transport{
		TLSClientConfig: &tls.Config{
			InsecureSkipVerify: cfg.InsecureSkipVerify,
		},
		MaxIdleConns:        cfg.MaxIdleConns,
		MaxIdleConnsPerHost: cfg.MaxIdleConnsPerHost,
		IdleConnTimeout:     cfg.IdleConnTimeout,
		ForceAttemptHTTP2:   true,
	}
	http2.ConfigureTransport(transport)

	return &Pool{
		stream: &http.Client{Transport: transport},
		post:   &http.Client{Transport: transport, Timeout: cfg.PostTimeout},
	}
}

func (p *Pool) StreamClient() *http.Client { return p.stream }
func (p *Pool) PostClient() *http.Client   { return p.post }

var (
	defaultPool *Pool
	defaultOnce sync.Once
)

// Default returns the process-wide pool, built lazily with DefaultConfig.
func Default() *Pool {
	defaultOnce.Do(func() {
		defaultPool = New(DefaultConfig())
	})
	return defaultPool
}

var _ HTTPPool = (*Pool)(nil)

package mcp

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"golang.org/x/sync/errgroup"
	"golang.org/x/time/rate"

	"github.com/corpusforge/mcp/oauth"
)

// HTTPServer binds the SSE transport, the OAuth endpoints and the health
// probes onto one listener.
type HTTPServer struct {
	cfg      *Config
	server   *Server
	provider *oauth.Provider
	health   *HealthHandler
	limiters *tokenLimiters
}

// NewHTTPServer wires the full HTTP surface. provider may be nil only when
// cfg.SkipOAuth is set.
func NewHTTPServer(cfg *Config, s *Server, provider *oauth.Provider, indexStatus IndexStatusFunc) *HTTPServer {
	var endpoints []string
	if provider != nil {
		endpoints = provider.Endpoints()
	}

	h := &HTTPServer{
		cfg:      cfg,
		server:   s,
		provider: provider,
		health:   NewHealthHandler(s.name, s.version, indexStatus, !cfg.SkipOAuth, endpoints),
	}
	if cfg.RateLimitPerToken > 0 {
		h.limiters = newTokenLimiters(cfg.RateLimitPerToken)
	}
	return h
}

// Router builds the chi router. Health and OAuth routes accept any origin;
// the MCP routes honour the configured allow-list and require a bearer token
// unless OAuth is disabled.
func (h *HTTPServer) Router() chi.Router {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.Recoverer)
	r.Use(requestLogger)

	// Probes and discovery are origin-unrestricted so browser consoles and
	// platform health checks can reach them.
	r.Group(func(r chi.Router) {
		r.Use(corsAnyOrigin)
		r.HandleFunc("/", h.health.ServeRoot)
		r.Get("/railway-health", h.health.ServeLiveness)
		if h.provider != nil {
			h.provider.Mount(r)
		}
	})

	mountMCP := func(r chi.Router, messagesPath string) {
		sse := NewSSEHandler(h.server, messagesPath)
		r.Group(func(r chi.Router) {
			r.Use(corsAllowList(h.cfg.AllowedOrigins))
			if h.provider != nil && !h.cfg.SkipOAuth {
				r.Use(h.requireBearer)
			}
			if h.limiters != nil {
				r.Use(h.rateLimit)
			}
			ssePath := strings.TrimSuffix(messagesPath, "/messages") + "/sse"
			r.Get(ssePath, sse.ServeSSE)
			r.Post(messagesPath, sse.ServeMessages)
			// Preflight terminates in the CORS middleware; chi only runs
			// route middleware for registered methods.
			noop := func(http.ResponseWriter, *http.Request) {}
			r.Options(ssePath, noop)
			r.Options(messagesPath, noop)
		})
	}

	mountMCP(r, "/messages")
	if p := h.cfg.VendorMountPath; p != "" && p != "/" {
		mountMCP(r, strings.TrimSuffix(p, "/")+"/messages")
	}

	return r
}

// Run serves until ctx is cancelled, then drains with a 10 second grace
// window.
func (h *HTTPServer) Run(ctx context.Context) error {
	srv := &http.Server{
		Addr:              fmt.Sprintf("%s:%d", h.cfg.Host, h.cfg.Port),
		Handler:           h.Router(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		slog.Info("http server listening", "addr", srv.Addr, "public_url", h.cfg.PublicURL)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			return err
		}
		return nil
	})
	g.Go(func() error {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	})
	if h.provider != nil {
		g.Go(func() error {
			h.provider.Run(ctx)
			return nil
		})
	}
	return g.Wait()
}

// requireBearer rejects MCP requests without a live access token.
func (h *HTTPServer) requireBearer(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		token := bearerFromRequest(r)
		if token == "" {
			w.Header().Set("WWW-Authenticate", `Bearer realm="mcp"`)
			http.Error(w, "missing bearer token", http.StatusUnauthorized)
			return
		}
		if _, _, ok := h.provider.ValidateToken(token); !ok {
			w.Header().Set("WWW-Authenticate", `Bearer realm="mcp", error="invalid_token"`)
			http.Error(w, "invalid or expired token", http.StatusUnauthorized)
			return
		}
		next.ServeHTTP(w, r)
	})
}

// rateLimit enforces the per-token request budget. Unauthenticated requests
// (SkipOAuth mode) share one bucket keyed by remote address.
func (h *HTTPServer) rateLimit(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		key := bearerFromRequest(r)
		if key == "" {
			key = r.RemoteAddr
		}
		if !h.limiters.allow(key) {
			w.Header().Set("Retry-After", "1")
			http.Error(w, "rate limit exceeded", http.StatusTooManyRequests)
			return
		}
		next.ServeHTTP(w, r)
	})
}

func bearerFromRequest(r *http.Request) string {
	auth := r.Header.Get("Authorization")
	if len(auth) > 7 && strings.EqualFold(auth[:7], "Bearer ") {
		return strings.TrimSpace(auth[7:])
	}
	return ""
}

// tokenLimiters tracks one token bucket per access token. Entries idle for
// more than an hour are dropped on the next sweep.
type tokenLimiters struct {
	mu      sync.Mutex
	rps     float64
	buckets map[string]*limiterEntry
}

type limiterEntry struct {
	limiter  *rate.Limiter
	lastSeen time.Time
}

func newTokenLimiters(rps float64) *tokenLimiters {
	return &tokenLimiters{
		rps:     rps,
		buckets: make(map[string]*limiterEntry),
	}
}

func (t *tokenLimiters) allow(key string) bool {
	t.mu.Lock()
	defer t.mu.Unlock()

	now := time.Now()
	entry, ok := t.buckets[key]
	if !ok {
		burst := int(t.rps)
		if burst < 1 {
			burst = 1
		}
		entry = &limiterEntry{limiter: rate.NewLimiter(rate.Limit(t.rps), burst)}
		t.buckets[key] = entry

		if len(t.buckets) > 1024 {
			for k, e := range t.buckets {
				if now.Sub(e.lastSeen) > time.Hour {
					delete(t.buckets, k)
				}
			}
		}
	}
	entry.lastSeen = now
	return entry.limiter.Allow()
}

// requestLogger emits one structured line per request.
func requestLogger(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		next.ServeHTTP(ww, r)
		slog.Debug("http request",
			"method", r.Method,
			"path", r.URL.Path,
			"status", ww.Status(),
			"duration_ms", time.Since(start).Milliseconds())
	})
}

// corsAnyOrigin reflects any origin. Used only for health and OAuth routes,
// which carry no session state.
func corsAnyOrigin(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if origin := r.Header.Get("Origin"); origin != "" {
			w.Header().Set("Access-Control-Allow-Origin", origin)
			w.Header().Set("Access-Control-Allow-Methods", "GET, POST, OPTIONS")
			w.Header().Set("Access-Control-Allow-Headers", "Authorization, Content-Type")
		}
		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusNoContent)
			return
		}
		next.ServeHTTP(w, r)
	})
}

// corsAllowList admits only configured origins on the MCP routes. An empty
// list admits every origin.
func corsAllowList(origins []string) func(http.Handler) http.Handler {
	allowed := make(map[string]bool, len(origins))
	for _, o := range origins {
		allowed[strings.TrimSuffix(o, "/")] = true
	}

	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			origin := r.Header.Get("Origin")
			if origin != "" {
				if len(allowed) > 0 && !allowed[strings.TrimSuffix(origin, "/")] {
					http.Error(w, "origin not allowed", http.StatusForbidden)
					return
				}
				w.Header().Set("Access-Control-Allow-Origin", origin)
				w.Header().Set("Access-Control-Allow-Methods", "GET, POST, OPTIONS")
				w.Header().Set("Access-Control-Allow-Headers", "Authorization, Content-Type")
			}
			if r.Method == http.MethodOptions {
				w.WriteHeader(http.StatusNoContent)
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

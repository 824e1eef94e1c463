package mcp

import (
	"encoding/json"
	"net/http"
	"time"
)

// IndexStatusFunc reports warmup state without blocking on the load; the
// health surface must answer fast even while the index is still warming.
type IndexStatusFunc func() (ready bool, documentCount int)

// HealthHandler serves the status document on / and the unconditional
// liveness probe the hosting platform polls.
type HealthHandler struct {
	name    string
	version string
	started time.Time

	indexStatus    IndexStatusFunc
	oauthEnabled   bool
	oauthEndpoints []string
}

func NewHealthHandler(name, version string, indexStatus IndexStatusFunc, oauthEnabled bool, oauthEndpoints []string) *HealthHandler {
	return &HealthHandler{
		name:           name,
		version:        version,
		started:        time.Now(),
		indexStatus:    indexStatus,
		oauthEnabled:   oauthEnabled,
		oauthEndpoints: oauthEndpoints,
	}
}

// ServeRoot answers GET, HEAD and POST (some clients probe with POST; the
// body is the same either way).
func (h *HealthHandler) ServeRoot(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodGet, http.MethodHead, http.MethodPost:
	default:
		w.Header().Set("Allow", "GET, HEAD, POST")
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}

	ready, docs := false, 0
	if h.indexStatus != nil {
		ready, docs = h.indexStatus()
	}

	endpoints := h.oauthEndpoints
	if endpoints == nil {
		endpoints = []string{}
	}

	doc := map[string]interface{}{
		"status":           "ok",
		"version":          h.version,
		"protocol_version": MCPProtocolVersionLatest,
		"uptime_seconds":   int(time.Since(h.started).Seconds()),
		"index": map[string]interface{}{
			"ready":          ready,
			"document_count": docs,
		},
		"oauth": map[string]interface{}{
			"enabled":   h.oauthEnabled,
			"endpoints": endpoints,
		},
	}

	w.Header().Set("Content-Type", "application/json")
	if r.Method == http.MethodHead {
		w.WriteHeader(http.StatusOK)
		return
	}
	json.NewEncoder(w).Encode(doc)
}

// ServeLiveness is what the hosting platform probes; it answers ok
// unconditionally.
func (h *HealthHandler) ServeLiveness(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	if r.Method == http.MethodHead {
		w.WriteHeader(http.StatusOK)
		return
	}
	json.NewEncoder(w).Encode(map[string]string{"status": "ok"})
}

package mcp

import (
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"time"
)

// sseKeepaliveInterval is how often a comment frame is written to hold the
// stream open through proxies.
const sseKeepaliveInterval = 15 * time.Second

// SSEHandler pairs the GET /sse stream with its POST /messages endpoint.
// The two routes form the bidirectional MCP channel: the client posts
// JSON-RPC frames and receives responses as SSE message events.
type SSEHandler struct {
	server       *Server
	messagesPath string
	keepalive    time.Duration
}

// NewSSEHandler creates the SSE transport. messagesPath is the path the
// endpoint event advertises, relative to the mount point (e.g. "/messages").
func NewSSEHandler(s *Server, messagesPath string) *SSEHandler {
	return &SSEHandler{
		server:       s,
		messagesPath: messagesPath,
		keepalive:    sseKeepaliveInterval,
	}
}

// ServeSSE opens the server-to-client stream. The first event tells the
// client where to POST; subsequent events carry JSON-RPC response frames.
func (h *SSEHandler) ServeSSE(w http.ResponseWriter, r *http.Request) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		http.Error(w, "streaming unsupported", http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)

	sess := h.server.sessions.Create()
	defer h.server.sessions.Close(sess)
	sess.bindAuthToken(bearerFromRequest(r))

	fmt.Fprintf(w, "event: endpoint\ndata: %s?session_id=%s\n\n", h.messagesPath, sess.ID)
	flusher.Flush()

	slog.Debug("sse stream opened", "session_id", sess.ID)

	keepalive := time.NewTicker(h.keepalive)
	defer keepalive.Stop()

	clientGone := r.Context().Done()
	for {
		select {
		case resp := <-sess.outbound:
			data, err := json.Marshal(resp)
			if err != nil {
				slog.Error("failed to marshal response frame", "error", err)
				continue
			}
			fmt.Fprintf(w, "event: message\ndata: %s\n\n", data)
			flusher.Flush()

		case <-keepalive.C:
			fmt.Fprint(w, ": ping\n\n")
			flusher.Flush()

		case <-clientGone:
			slog.Debug("sse client disconnected", "session_id", sess.ID)
			return

		case <-sess.ctx.Done():
			slog.Debug("sse session closed by server", "session_id", sess.ID)
			return
		}
	}
}

// ServeMessages accepts a posted JSON-RPC frame for an open SSE session and
// returns 202 immediately; the response is delivered on the stream.
func (h *SSEHandler) ServeMessages(w http.ResponseWriter, r *http.Request) {
	sessionID := r.URL.Query().Get("session_id")
	if sessionID == "" {
		http.Error(w, "missing session_id", http.StatusBadRequest)
		return
	}

	sess, err := h.server.sessions.Get(sessionID)
	if err != nil {
		http.Error(w, "unknown session", http.StatusNotFound)
		return
	}

	// The session belongs to the bearer that opened its stream; another
	// caller knowing the session id is not enough.
	if !sess.authTokenMatches(bearerFromRequest(r)) {
		http.Error(w, "session does not belong to caller", http.StatusForbidden)
		return
	}

	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, 4*1024*1024))
	if err != nil {
		http.Error(w, "failed to read body", http.StatusBadRequest)
		return
	}

	var req MCPRequest
	if err := json.Unmarshal(body, &req); err != nil {
		sess.send(errorResponse(nil, ErrorCodeParseError, "Parse error", map[string]interface{}{
			"details": err.Error(),
		}))
		w.WriteHeader(http.StatusAccepted)
		return
	}

	h.server.HandleFrame(sess, &req)
	w.WriteHeader(http.StatusAccepted)
}

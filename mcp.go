package mcp

import (
	"encoding/json"
	"log/slog"
	"time"
)

const (
	MCPProtocolVersionLatest = "2025-06-18"
	MCPProtocolVersionMin    = "2024-11-05"
)

var supportedProtocolVersions = []string{
	"2024-11-05",
	"2025-03-26",
	"2025-06-18",
}

// Options tunes the server runtime. Zero values fall back to defaults.
type Options struct {
	// Instructions is advertised to the client at initialize.
	Instructions string

	// SessionIdleTimeout closes sessions with no traffic (default 10m).
	SessionIdleTimeout time.Duration

	// CancelGrace is how long a cancelled tool gets to return before it is
	// abandoned (default 5s).
	CancelGrace time.Duration

	// ToolTimeout is the per-invocation soft timeout (default 30s).
	ToolTimeout time.Duration

	// PerSessionConcurrency bounds parallel tool invocations within one
	// session (default 8); further invocations queue.
	PerSessionConcurrency int

	// GlobalConcurrency bounds tool invocations across all sessions
	// (default 64).
	GlobalConcurrency int
}

func (o Options) withDefaults() Options {
	if o.SessionIdleTimeout <= 0 {
		o.SessionIdleTimeout = 10 * time.Minute
	}
	if o.CancelGrace <= 0 {
		o.CancelGrace = 5 * time.Second
	}
	if o.ToolTimeout <= 0 {
		o.ToolTimeout = 30 * time.Second
	}
	if o.PerSessionConcurrency <= 0 {
		o.PerSessionConcurrency = 8
	}
	if o.GlobalConcurrency <= 0 {
		o.GlobalConcurrency = 64
	}
	return o
}

// Server represents an MCP server instance: one registry, one session
// manager, shared by whichever transport the entrypoint selects.
type Server struct {
	name         string
	version      string
	instructions string
	opts         Options

	registry *Registry
	sessions *SessionManager

	// global worker pool for tool execution across sessions
	workers chan struct{}
}

// NewServer creates a new MCP server instance.
func NewServer(name, version string, opts Options) *Server {
	opts = opts.withDefaults()
	return &Server{
		name:         name,
		version:      version,
		instructions: opts.Instructions,
		opts:         opts,
		registry:     NewRegistry(),
		sessions:     NewSessionManager(opts.SessionIdleTimeout, opts.CancelGrace, opts.PerSessionConcurrency),
		workers:      make(chan struct{}, opts.GlobalConcurrency),
	}
}

// Registry exposes the tool/prompt registry for startup registration.
func (s *Server) Registry() *Registry { return s.registry }

// Sessions exposes the session manager to transports.
func (s *Server) Sessions() *SessionManager { return s.sessions }

// RegisterTool registers a tool with the server.
func (s *Server) RegisterTool(tool *ToolBuilder, handler ToolHandler) {
	s.registry.RegisterTool(tool, handler)
}

// RegisterPrompt registers a prompt with the server.
func (s *Server) RegisterPrompt(name, description string, arguments []PromptArgument, handler PromptHandler) {
	s.registry.RegisterPrompt(name, description, arguments, handler)
}

// HandleFrame feeds one parsed JSON-RPC frame from a transport into the
// session. Responses, if any, are delivered on the session's outbound queue.
func (s *Server) HandleFrame(sess *Session, req *MCPRequest) {
	sess.touch()

	if req.JSONRPC != "2.0" {
		if !req.IsNotification() {
			sess.send(errorResponse(req.ID, ErrorCodeInvalidRequest, "Invalid Request", map[string]interface{}{
				"details": "jsonrpc field must be '2.0'",
			}))
		}
		return
	}

	if req.IsNotification() {
		s.handleNotification(sess, req)
		return
	}

	sess.mu.Lock()
	state := sess.state
	if state == StateInitializing {
		// Requests arriving while initialize is in flight are processed
		// after the initialize response has been flushed.
		sess.buffered = append(sess.buffered, req)
		sess.mu.Unlock()
		return
	}
	sess.mu.Unlock()

	switch state {
	case StateNew:
		if req.Method != "initialize" {
			sess.send(errorResponse(req.ID, ErrorCodeUnauthorized, "server not initialized", nil))
			s.sessions.Close(sess)
			return
		}
		s.handleInitialize(sess, req)

	case StateReady:
		s.handleRequest(sess, req)

	default:
		// Closing or Closed: the peer is gone, drop the frame.
		slog.Debug("dropping frame on closing session", "session_id", sess.ID, "method", req.Method)
	}
}

func (s *Server) handleNotification(sess *Session, req *MCPRequest) {
	switch req.Method {
	case "initialized", "notifications/initialized":
		// Acknowledged readiness; observed but a noop.
		slog.Debug("client initialized", "session_id", sess.ID)

	case "$/cancelRequest", "notifications/cancelled":
		var params cancelParams
		if err := reparseParams(req.Params, &params); err != nil || params.ID == nil {
			slog.Debug("malformed cancel notification", "session_id", sess.ID)
			return
		}
		if sess.cancelPending(params.ID) {
			slog.Debug("cancel requested", "session_id", sess.ID, "request_id", params.ID)
		}

	default:
		slog.Debug("ignoring unknown notification", "method", req.Method)
	}
}

func (s *Server) handleInitialize(sess *Session, req *MCPRequest) {
	if !sess.transition(StateInitializing) {
		return
	}

	var params initializeParams
	if req.Params != nil {
		if err := reparseParams(req.Params, &params); err != nil {
			sess.send(errorResponse(req.ID, ErrorCodeInvalidParams, "Invalid params", nil))
			s.sessions.Close(sess)
			return
		}
	}

	// Echo the client's version when it is in the supported set, otherwise
	// advertise our latest and let the client decide whether to proceed.
	protocolVersion := MCPProtocolVersionLatest
	if params.ProtocolVersion != "" && isSupportedProtocolVersion(params.ProtocolVersion) {
		protocolVersion = params.ProtocolVersion
	}

	sess.mu.Lock()
	sess.protocolVersion = protocolVersion
	sess.client = params.ClientInfo
	sess.mu.Unlock()

	slog.Info("session initialized",
		"session_id", sess.ID,
		"protocol_version", protocolVersion,
		"client", params.ClientInfo.Name,
		"client_version", params.ClientInfo.Version)

	result := initializeResult{
		ProtocolVersion: protocolVersion,
		Capabilities: capabilities{
			Tools:   map[string]interface{}{"listChanged": false},
			Prompts: map[string]interface{}{"listChanged": false},
		},
		ServerInfo:   serverInfo{Name: s.name, Version: s.version},
		Instructions: s.instructions,
	}
	sess.send(&MCPResponse{JSONRPC: "2.0", ID: req.ID, Result: result})

	// The initialize response is queued ahead of anything buffered, so the
	// transport flushes it first.
	sess.mu.Lock()
	buffered := sess.buffered
	sess.buffered = nil
	sess.state = StateReady
	sess.mu.Unlock()

	for _, queued := range buffered {
		s.HandleFrame(sess, queued)
	}
}

func isSupportedProtocolVersion(version string) bool {
	for _, supported := range supportedProtocolVersions {
		if supported == version {
			return true
		}
	}
	return false
}

// reparseParams round-trips loosely decoded params into a typed struct.
func reparseParams(params interface{}, out interface{}) error {
	raw, err := json.Marshal(params)
	if err != nil {
		return err
	}
	return json.Unmarshal(raw, out)
}

func errorResponse(id interface{}, code int, message string, data interface{}) *MCPResponse {
	return &MCPResponse{
		JSONRPC: "2.0",
		ID:      id,
		Error:   &MCPError{Code: code, Message: message, Data: data},
	}
}

// SupportedProtocolVersions returns the protocol versions the server accepts.
func SupportedProtocolVersions() []string {
	out := make([]string, len(supportedProtocolVersions))
	copy(out, supportedProtocolVersions)
	return out
}

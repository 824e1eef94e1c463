package mcp

import (
	"context"
	"errors"
	"log/slog"
	"time"
)

// handleRequest routes a validated request on a Ready session. Tool and
// prompt invocations run on the worker pool; cheap introspection methods are
// answered inline since they never suspend.
func (s *Server) handleRequest(sess *Session, req *MCPRequest) {
	switch req.Method {
	case "initialize":
		// Re-initialize on a live session: echo the negotiated state again
		// rather than disturbing the FSM.
		sess.send(&MCPResponse{JSONRPC: "2.0", ID: req.ID, Result: initializeResult{
			ProtocolVersion: sess.ProtocolVersion(),
			Capabilities: capabilities{
				Tools:   map[string]interface{}{"listChanged": false},
				Prompts: map[string]interface{}{"listChanged": false},
			},
			ServerInfo:   serverInfo{Name: s.name, Version: s.version},
			Instructions: s.instructions,
		}})

	case "ping":
		sess.send(&MCPResponse{JSONRPC: "2.0", ID: req.ID, Result: map[string]interface{}{}})

	case "tools/list":
		sess.send(&MCPResponse{JSONRPC: "2.0", ID: req.ID, Result: map[string]interface{}{
			"tools": s.registry.ListTools(),
		}})

	case "prompts/list":
		sess.send(&MCPResponse{JSONRPC: "2.0", ID: req.ID, Result: map[string]interface{}{
			"prompts": s.registry.ListPrompts(),
		}})

	case "prompts/get":
		sess.send(s.handlePromptGet(sess, req))

	case "tools/call":
		sess.inflight.Add(1)
		go func() {
			defer sess.inflight.Add(-1)
			s.runToolCall(sess, req)
		}()

	default:
		sess.send(errorResponse(req.ID, ErrorCodeMethodNotFound, "Method not found", map[string]interface{}{
			"method": req.Method,
		}))
	}
}

func (s *Server) handlePromptGet(sess *Session, req *MCPRequest) *MCPResponse {
	var params promptGetParams
	if err := reparseParams(req.Params, &params); err != nil || params.Name == "" {
		return errorResponse(req.ID, ErrorCodeInvalidParams, "Invalid params", nil)
	}

	meta, handler, err := s.registry.Prompt(params.Name)
	if err != nil {
		return errorResponse(req.ID, ErrorCodeInvalidParams, "unknown prompt: "+params.Name, nil)
	}

	for _, arg := range meta.Arguments {
		if arg.Required {
			if v, ok := params.Arguments[arg.Name]; !ok || v == "" {
				return errorResponse(req.ID, ErrorCodeInvalidParams, "missing required argument: "+arg.Name, nil)
			}
		}
	}

	messages, err := handler(params.Arguments)
	if err != nil {
		return errorResponse(req.ID, ErrorCodeInternalError, "prompt render failed", nil)
	}
	return &MCPResponse{JSONRPC: "2.0", ID: req.ID, Result: promptGetResult{
		Description: meta.Description,
		Messages:    messages,
	}}
}

// runToolCall executes one tools/call on the worker pool. Exactly one
// response frame is emitted for the originating id unless the session closes
// first, in which case the pending request is cancelled and its result
// discarded by the outbound queue.
func (s *Server) runToolCall(sess *Session, req *MCPRequest) {
	// Session gate first, then the global pool; queued invocations bail out
	// if the session goes away while waiting.
	select {
	case sess.sem <- struct{}{}:
	case <-sess.ctx.Done():
		return
	}
	defer func() { <-sess.sem }()

	select {
	case s.workers <- struct{}{}:
	case <-sess.ctx.Done():
		return
	}
	defer func() { <-s.workers }()

	var params ToolCallParams
	if err := reparseParams(req.Params, &params); err != nil || params.Name == "" {
		sess.send(errorResponse(req.ID, ErrorCodeInvalidParams, "Invalid params", nil))
		return
	}
	if params.Arguments == nil {
		params.Arguments = map[string]interface{}{}
	}

	meta, handler, err := s.registry.Tool(params.Name)
	if err != nil {
		sess.send(errorResponse(req.ID, ErrorCodeInvalidParams, "unknown tool: "+params.Name, nil))
		return
	}

	// Hosted LLM clients inject extra keys; drop them rather than reject.
	if stripped := stripUnknownArguments(meta.InputSchema, params.Arguments); len(stripped) > 0 {
		slog.Debug("stripped unknown tool arguments",
			"session_id", sess.ID, "tool", params.Name, "stripped", stripped)
	}

	if err := validateRequiredParameters(meta.InputSchema, params.Arguments); err != nil {
		var toolErr *ToolError
		if errors.As(err, &toolErr) {
			sess.send(errorResponse(req.ID, toolErr.Code, toolErr.Message, toolErr.Data))
		} else {
			sess.send(errorResponse(req.ID, ErrorCodeInvalidParams, err.Error(), nil))
		}
		return
	}

	// One cancel signal per request: fired by $/cancelRequest, session
	// close, or the soft timeout.
	reqCtx, cancel := context.WithCancel(sess.ctx)
	defer cancel()
	sess.registerPending(req.ID, cancel)
	defer sess.completePending(req.ID)

	toolCtx, timeoutCancel := context.WithTimeout(reqCtx, s.opts.ToolTimeout)
	defer timeoutCancel()

	done := make(chan *MCPResponse, 1)
	go func() {
		done <- s.invokeTool(toolCtx, req.ID, params.Name, handler, params.Arguments)
	}()

	select {
	case resp := <-done:
		sess.send(resp)
	case <-toolCtx.Done():
		// Cancelled or timed out; the handler gets the grace period to
		// observe the signal before it is abandoned.
		select {
		case resp := <-done:
			sess.send(resp)
		case <-time.After(s.opts.CancelGrace):
			msg := "request cancelled"
			if errors.Is(toolCtx.Err(), context.DeadlineExceeded) {
				msg = "tool timed out"
			}
			slog.Warn("abandoning tool invocation", "tool", params.Name, "reason", msg)
			sess.send(&MCPResponse{JSONRPC: "2.0", ID: req.ID, Result: errorResult(msg)})
		}
	}
}

// invokeTool calls the handler, converting failures into the response frame:
// ToolError values become JSON-RPC errors, everything else (including
// panics) becomes an in-band isError result so the LLM can reason about it.
func (s *Server) invokeTool(ctx context.Context, id interface{}, name string, handler ToolHandler, args map[string]interface{}) (resp *MCPResponse) {
	defer func() {
		if r := recover(); r != nil {
			slog.Error("tool handler panicked", "tool", name, "panic", r)
			resp = errorResponse(id, ErrorCodeInternalError, "internal error", nil)
		}
	}()

	result, err := handler(ctx, NewToolRequest(args))
	if err != nil {
		var toolErr *ToolError
		if errors.As(err, &toolErr) {
			return errorResponse(id, toolErr.Code, toolErr.Message, toolErr.Data)
		}
		if errors.Is(err, context.Canceled) {
			return &MCPResponse{JSONRPC: "2.0", ID: id, Result: errorResult("request cancelled")}
		}
		if errors.Is(err, context.DeadlineExceeded) {
			return &MCPResponse{JSONRPC: "2.0", ID: id, Result: errorResult("tool timed out")}
		}
		return &MCPResponse{JSONRPC: "2.0", ID: id, Result: errorResult(err.Error())}
	}
	return &MCPResponse{JSONRPC: "2.0", ID: id, Result: successResult(result)}
}

// CallTool invokes a registered tool directly, outside any session. The
// same argument stripping and required-parameter validation as the
// dispatch path applies. Embedding callers and tests use this.
func (s *Server) CallTool(ctx context.Context, name string, args map[string]interface{}) (*ToolResponse, error) {
	meta, handler, err := s.registry.Tool(name)
	if err != nil {
		return nil, err
	}
	if args == nil {
		args = map[string]interface{}{}
	}

	if stripped := stripUnknownArguments(meta.InputSchema, args); len(stripped) > 0 {
		slog.Debug("stripped unknown tool arguments", "tool", name, "stripped", stripped)
	}
	if err := validateRequiredParameters(meta.InputSchema, args); err != nil {
		return nil, err
	}
	return handler(ctx, NewToolRequest(args))
}

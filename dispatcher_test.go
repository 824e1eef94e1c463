package mcp

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"
)

// recvResponse reads one frame off the session's outbound queue.
func recvResponse(t *testing.T, sess *Session) *MCPResponse {
	t.Helper()
	select {
	case resp := <-sess.Outbound():
		return resp
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for response")
		return nil
	}
}

func newTestSession(s *Server) *Session {
	return s.Sessions().Create()
}

func initRequest(id interface{}, version string) *MCPRequest {
	return &MCPRequest{
		JSONRPC: "2.0",
		ID:      id,
		Method:  "initialize",
		Params: map[string]interface{}{
			"protocolVersion": version,
			"clientInfo":      map[string]interface{}{"name": "test-client", "version": "0.0.1"},
		},
	}
}

func initializeSession(t *testing.T, s *Server, sess *Session) {
	t.Helper()
	s.HandleFrame(sess, initRequest(1, MCPProtocolVersionLatest))
	resp := recvResponse(t, sess)
	if resp.Error != nil {
		t.Fatalf("initialize failed: %+v", resp.Error)
	}
	s.HandleFrame(sess, &MCPRequest{JSONRPC: "2.0", Method: "notifications/initialized"})
}

func TestInitializeAdvertisesCapabilities(t *testing.T) {
	s := NewServer("caps", "1.0", Options{Instructions: "hello"})
	sess := newTestSession(s)

	s.HandleFrame(sess, initRequest(1, "2025-03-26"))
	resp := recvResponse(t, sess)
	if resp.Error != nil {
		t.Fatalf("initialize error: %+v", resp.Error)
	}

	var result initializeResult
	raw, _ := json.Marshal(resp.Result)
	if err := json.Unmarshal(raw, &result); err != nil {
		t.Fatalf("unmarshal result: %v", err)
	}
	if result.ProtocolVersion != "2025-03-26" {
		t.Errorf("expected echoed client version, got %q", result.ProtocolVersion)
	}
	if result.Capabilities.Tools == nil || result.Capabilities.Prompts == nil {
		t.Errorf("capabilities not advertised: %+v", result.Capabilities)
	}
	if result.ServerInfo.Name != "caps" {
		t.Errorf("unexpected server info: %+v", result.ServerInfo)
	}
	if result.Instructions != "hello" {
		t.Errorf("instructions not carried: %q", result.Instructions)
	}
	if sess.State() != StateReady && sess.State() != StateInitializing {
		t.Errorf("unexpected state after initialize: %v", sess.State())
	}
}

func TestUnsupportedVersionFallsBackToLatest(t *testing.T) {
	s := NewServer("caps", "1.0", Options{})
	sess := newTestSession(s)

	s.HandleFrame(sess, initRequest(1, "1999-01-01"))
	resp := recvResponse(t, sess)
	if resp.Error != nil {
		t.Fatalf("negotiation must not error: %+v", resp.Error)
	}

	var result initializeResult
	raw, _ := json.Marshal(resp.Result)
	json.Unmarshal(raw, &result)
	if result.ProtocolVersion != MCPProtocolVersionLatest {
		t.Errorf("expected fallback to %q, got %q", MCPProtocolVersionLatest, result.ProtocolVersion)
	}
}

func TestRequestBeforeInitializeClosesSession(t *testing.T) {
	s := NewServer("fsm", "1.0", Options{})
	sess := newTestSession(s)

	s.HandleFrame(sess, &MCPRequest{JSONRPC: "2.0", ID: 9, Method: "tools/list"})
	resp := recvResponse(t, sess)
	if resp.Error == nil || resp.Error.Code != ErrorCodeUnauthorized {
		t.Fatalf("expected code %d, got %+v", ErrorCodeUnauthorized, resp.Error)
	}

	deadline := time.Now().Add(2 * time.Second)
	for sess.State() != StateClosed && time.Now().Before(deadline) {
		time.Sleep(10 * time.Millisecond)
	}
	if sess.State() != StateClosed {
		t.Errorf("session should close, state is %v", sess.State())
	}
}

func TestRequestsBufferedDuringInitializing(t *testing.T) {
	s := NewServer("buf", "1.0", Options{})
	s.RegisterTool(NewTool("ping", ""), okHandler("pong"))
	sess := newTestSession(s)

	// Pin the session mid-handshake and deliver a request; it must be
	// buffered, not answered and not rejected.
	sess.transition(StateInitializing)
	s.HandleFrame(sess, &MCPRequest{JSONRPC: "2.0", ID: 2, Method: "tools/list"})

	select {
	case resp := <-sess.Outbound():
		t.Fatalf("request must be buffered, got response %+v", resp)
	case <-time.After(100 * time.Millisecond):
	}

	sess.mu.Lock()
	buffered := len(sess.buffered)
	sess.buffered = nil
	sess.state = StateReady
	sess.mu.Unlock()
	if buffered != 1 {
		t.Fatalf("expected 1 buffered frame, got %d", buffered)
	}

	// Once ready, the same frame is answered.
	s.HandleFrame(sess, &MCPRequest{JSONRPC: "2.0", ID: 2, Method: "tools/list"})
	resp := recvResponse(t, sess)
	if resp.Error != nil {
		t.Fatalf("replayed request failed: %+v", resp.Error)
	}
	result := resp.Result.(map[string]interface{})
	tools := result["tools"].([]MCPTool)
	if len(tools) != 1 || tools[0].Name != "ping" {
		t.Errorf("unexpected tool list: %+v", tools)
	}
}

func TestPingRoundTrip(t *testing.T) {
	s := NewServer("ping", "1.0", Options{})
	s.RegisterTool(NewTool("ping", "liveness"), okHandler("pong"))
	sess := newTestSession(s)
	initializeSession(t, s, sess)

	s.HandleFrame(sess, &MCPRequest{JSONRPC: "2.0", ID: 2, Method: "ping"})
	resp := recvResponse(t, sess)
	if resp.Error != nil {
		t.Fatalf("ping: %+v", resp.Error)
	}

	s.HandleFrame(sess, &MCPRequest{JSONRPC: "2.0", ID: 3, Method: "tools/call",
		Params: map[string]interface{}{"name": "ping"}})
	resp = recvResponse(t, sess)
	if resp.Error != nil {
		t.Fatalf("tools/call ping: %+v", resp.Error)
	}
	raw, _ := json.Marshal(resp.Result)
	var result ToolResult
	json.Unmarshal(raw, &result)
	if result.IsError {
		t.Fatalf("ping returned isError: %+v", result)
	}
	if len(result.Content) != 1 || result.Content[0].Text != "pong" {
		t.Errorf("unexpected ping result: %+v", result)
	}
}

func TestUnknownMethod(t *testing.T) {
	s := NewServer("m", "1.0", Options{})
	sess := newTestSession(s)
	initializeSession(t, s, sess)

	s.HandleFrame(sess, &MCPRequest{JSONRPC: "2.0", ID: 5, Method: "resources/list"})
	resp := recvResponse(t, sess)
	if resp.Error == nil || resp.Error.Code != ErrorCodeMethodNotFound {
		t.Fatalf("expected %d, got %+v", ErrorCodeMethodNotFound, resp.Error)
	}
}

func TestToolFailureIsInBand(t *testing.T) {
	s := NewServer("fail", "1.0", Options{})
	s.RegisterTool(NewTool("boom", ""), func(ctx context.Context, req *ToolRequest) (*ToolResponse, error) {
		return nil, errors.New("it broke")
	})
	sess := newTestSession(s)
	initializeSession(t, s, sess)

	s.HandleFrame(sess, &MCPRequest{JSONRPC: "2.0", ID: 7, Method: "tools/call",
		Params: map[string]interface{}{"name": "boom"}})
	resp := recvResponse(t, sess)
	if resp.Error != nil {
		t.Fatalf("tool failure must not become a JSON-RPC error: %+v", resp.Error)
	}
	raw, _ := json.Marshal(resp.Result)
	var result ToolResult
	json.Unmarshal(raw, &result)
	if !result.IsError {
		t.Fatal("expected isError result")
	}
	if result.Content[0].Text != "it broke" {
		t.Errorf("error message not surfaced: %+v", result.Content)
	}
}

func TestCancelRequestProducesInBandError(t *testing.T) {
	s := NewServer("cancel", "1.0", Options{CancelGrace: time.Second})
	blocked := make(chan struct{})
	s.RegisterTool(NewTool("slow", "", String("query", "")),
		func(ctx context.Context, req *ToolRequest) (*ToolResponse, error) {
			close(blocked)
			<-ctx.Done()
			return nil, ctx.Err()
		})
	sess := newTestSession(s)
	initializeSession(t, s, sess)

	s.HandleFrame(sess, &MCPRequest{JSONRPC: "2.0", ID: 42, Method: "tools/call",
		Params: map[string]interface{}{"name": "slow", "arguments": map[string]interface{}{"query": "x"}}})

	select {
	case <-blocked:
	case <-time.After(2 * time.Second):
		t.Fatal("tool never started")
	}

	s.HandleFrame(sess, &MCPRequest{JSONRPC: "2.0", Method: "$/cancelRequest",
		Params: map[string]interface{}{"id": 42}})

	resp := recvResponse(t, sess)
	if resp.Error != nil {
		t.Fatalf("cancellation must be in-band: %+v", resp.Error)
	}
	raw, _ := json.Marshal(resp.Result)
	var result ToolResult
	json.Unmarshal(raw, &result)
	if !result.IsError {
		t.Fatal("expected isError result for cancelled call")
	}

	// No duplicate response for the same id.
	select {
	case dup := <-sess.Outbound():
		t.Fatalf("duplicate response: %+v", dup)
	case <-time.After(200 * time.Millisecond):
	}
}

func TestToolTimeout(t *testing.T) {
	s := NewServer("timeout", "1.0", Options{ToolTimeout: 50 * time.Millisecond, CancelGrace: 100 * time.Millisecond})
	s.RegisterTool(NewTool("stuck", ""), func(ctx context.Context, req *ToolRequest) (*ToolResponse, error) {
		<-ctx.Done()
		return nil, ctx.Err()
	})
	sess := newTestSession(s)
	initializeSession(t, s, sess)

	s.HandleFrame(sess, &MCPRequest{JSONRPC: "2.0", ID: 8, Method: "tools/call",
		Params: map[string]interface{}{"name": "stuck"}})
	resp := recvResponse(t, sess)
	raw, _ := json.Marshal(resp.Result)
	var result ToolResult
	json.Unmarshal(raw, &result)
	if !result.IsError {
		t.Fatalf("expected in-band timeout, got %+v", resp)
	}
}

func TestSessionTransitionsAreForwardOnly(t *testing.T) {
	m := NewSessionManager(time.Minute, time.Second, 4)
	sess := m.Create()

	if !sess.transition(StateInitializing) {
		t.Fatal("new -> initializing should succeed")
	}
	if !sess.transition(StateReady) {
		t.Fatal("initializing -> ready should succeed")
	}
	if sess.transition(StateInitializing) {
		t.Fatal("ready -> initializing must be rejected")
	}
	if sess.transition(StateNew) {
		t.Fatal("ready -> new must be rejected")
	}
	if !sess.transition(StateClosing) {
		t.Fatal("any -> closing should succeed")
	}
	if sess.transition(StateReady) {
		t.Fatal("closing -> ready must be rejected")
	}
	if !sess.transition(StateClosed) {
		t.Fatal("closing -> closed should succeed")
	}
}

func TestResponsesDiscardedAfterClose(t *testing.T) {
	m := NewSessionManager(time.Minute, 50*time.Millisecond, 4)
	sess := m.Create()
	sess.transition(StateInitializing)
	sess.transition(StateReady)

	m.Close(sess)
	deadline := time.Now().Add(2 * time.Second)
	for sess.State() != StateClosed && time.Now().Before(deadline) {
		time.Sleep(10 * time.Millisecond)
	}

	if sess.send(&MCPResponse{JSONRPC: "2.0", ID: 1}) {
		t.Error("send after close must report discard")
	}
}

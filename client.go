package mcp

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"sync/atomic"

	"github.com/corpusforge/mcp/pool"
)

// Client speaks MCP over the HTTP+SSE transport. It opens the event stream,
// waits for the server to announce its message endpoint, then posts
// JSON-RPC frames and correlates responses by id.
type Client struct {
	baseURL string
	pool    pool.HTTPPool
	auth    AuthProvider

	name    string
	version string

	mu          sync.Mutex
	pending     map[string]chan *MCPResponse
	messagesURL string

	nextID        atomic.Int64
	endpointReady chan struct{}

	protocolVersion string
	server          serverInfo

	cancel context.CancelFunc
	done   chan struct{}
}

// ClientOption customizes a Client.
type ClientOption func(*Client)

// WithAuth attaches an auth provider to every request.
func WithAuth(auth AuthProvider) ClientOption {
	return func(c *Client) { c.auth = auth }
}

// WithPool overrides the shared HTTP pool.
func WithPool(p pool.HTTPPool) ClientOption {
	return func(c *Client) { c.pool = p }
}

// WithClientInfo sets the name and version announced during initialize.
func WithClientInfo(name, version string) ClientOption {
	return func(c *Client) { c.name, c.version = name, version }
}

// NewClient prepares a client for the server at baseURL (scheme and host,
// no trailing path). Call Connect before anything else.
func NewClient(baseURL string, opts ...ClientOption) *Client {
	c := &Client{
		baseURL:       strings.TrimSuffix(baseURL, "/"),
		pool:          pool.Default(),
		name:          "corpus-mcp-client",
		version:       "1.0.0",
		pending:       make(map[string]chan *MCPResponse),
		endpointReady: make(chan struct{}),
		done:          make(chan struct{}),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Connect opens the SSE stream and performs the initialize handshake.
func (c *Client) Connect(ctx context.Context) error {
	streamCtx, cancel := context.WithCancel(context.Background())
	c.cancel = cancel

	req, err := http.NewRequestWithContext(streamCtx, http.MethodGet, c.baseURL+"/sse", nil)
	if err != nil {
		cancel()
		return err
	}
	req.Header.Set("Accept", "text/event-stream")
	if err := c.applyAuth(req); err != nil {
		cancel()
		return err
	}

	resp, err := c.pool.StreamClient().Do(req)
	if err != nil {
		cancel()
		return fmt.Errorf("open event stream: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		resp.Body.Close()
		cancel()
		return fmt.Errorf("open event stream: unexpected status %d", resp.StatusCode)
	}

	go c.readStream(resp.Body)

	select {
	case <-c.endpointReady:
	case <-ctx.Done():
		c.Close()
		return ctx.Err()
	case <-c.done:
		return fmt.Errorf("event stream closed before endpoint announcement")
	}

	return c.initialize(ctx)
}

// readStream consumes SSE frames until the connection drops.
func (c *Client) readStream(body io.ReadCloser) {
	defer body.Close()
	defer close(c.done)

	var event, data string
	scanner := bufio.NewScanner(body)
	scanner.Buffer(make([]byte, 0, 64*1024), 4*1024*1024)
	for scanner.Scan() {
		line := scanner.Text()
		switch {
		case line == "":
			c.handleEvent(event, data)
			event, data = "", ""
		case strings.HasPrefix(line, "event:"):
			event = strings.TrimSpace(line[len("event:"):])
		case strings.HasPrefix(line, "data:"):
			data = strings.TrimSpace(line[len("data:"):])
		}
		// Comment lines (": ping") fall through and are ignored.
	}
}

func (c *Client) handleEvent(event, data string) {
	switch event {
	case "endpoint":
		base, err := url.Parse(c.baseURL)
		if err != nil {
			return
		}
		ep, err := url.Parse(data)
		if err != nil {
			return
		}
		c.mu.Lock()
		c.messagesURL = base.ResolveReference(ep).String()
		c.mu.Unlock()
		close(c.endpointReady)

	case "message":
		var resp MCPResponse
		if err := json.Unmarshal([]byte(data), &resp); err != nil {
			return
		}
		key := fmt.Sprintf("%v", resp.ID)
		c.mu.Lock()
		ch, ok := c.pending[key]
		if ok {
			delete(c.pending, key)
		}
		c.mu.Unlock()
		if ok {
			ch <- &resp
		}
	}
}

func (c *Client) applyAuth(req *http.Request) error {
	if c.auth == nil {
		return nil
	}
	header, err := c.auth.AuthHeader()
	if err != nil {
		return err
	}
	req.Header.Set("Authorization", header)
	return nil
}

// post sends one frame to the message endpoint. Responses arrive over the
// stream, not in the POST body.
func (c *Client) post(ctx context.Context, frame interface{}) error {
	c.mu.Lock()
	target := c.messagesURL
	c.mu.Unlock()
	if target == "" {
		return fmt.Errorf("not connected")
	}

	body, err := json.Marshal(frame)
	if err != nil {
		return err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, target, bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	if err := c.applyAuth(req); err != nil {
		return err
	}

	resp, err := c.pool.PostClient().Do(req)
	if err != nil {
		return err
	}
	io.Copy(io.Discard, resp.Body)
	resp.Body.Close()
	if resp.StatusCode != http.StatusAccepted {
		return fmt.Errorf("post message: unexpected status %d", resp.StatusCode)
	}
	return nil
}

// call sends a request and waits for its correlated response.
func (c *Client) call(ctx context.Context, method string, params interface{}) (*MCPResponse, error) {
	id := c.nextID.Add(1)
	ch := make(chan *MCPResponse, 1)
	key := fmt.Sprintf("%v", id)

	c.mu.Lock()
	c.pending[key] = ch
	c.mu.Unlock()

	cleanup := func() {
		c.mu.Lock()
		delete(c.pending, key)
		c.mu.Unlock()
	}

	req := &MCPRequest{
		JSONRPC: "2.0",
		ID:      id,
		Method:  method,
		Params:  params,
	}
	if err := c.post(ctx, req); err != nil {
		cleanup()
		return nil, err
	}

	select {
	case resp := <-ch:
		if resp.Error != nil {
			return nil, fmt.Errorf("%s: %s (code %d)", method, resp.Error.Message, resp.Error.Code)
		}
		return resp, nil
	case <-ctx.Done():
		cleanup()
		return nil, ctx.Err()
	case <-c.done:
		cleanup()
		return nil, fmt.Errorf("event stream closed")
	}
}

// notify sends a notification frame; no response follows.
func (c *Client) notify(ctx context.Context, method string, params interface{}) error {
	return c.post(ctx, &MCPRequest{JSONRPC: "2.0", Method: method, Params: params})
}

func (c *Client) initialize(ctx context.Context) error {
	resp, err := c.call(ctx, "initialize", initializeParams{
		ProtocolVersion: MCPProtocolVersionLatest,
		ClientInfo:      clientInfo{Name: c.name, Version: c.version},
	})
	if err != nil {
		return err
	}

	var result initializeResult
	if err := reparseParams(resp.Result, &result); err != nil {
		return fmt.Errorf("parse initialize result: %w", err)
	}
	c.protocolVersion = result.ProtocolVersion
	c.server = result.ServerInfo

	return c.notify(ctx, "notifications/initialized", nil)
}

// ProtocolVersion reports the negotiated protocol version.
func (c *Client) ProtocolVersion() string { return c.protocolVersion }

// ServerName reports the connected server's advertised name.
func (c *Client) ServerName() string { return c.server.Name }

// Ping checks liveness through the protocol.
func (c *Client) Ping(ctx context.Context) error {
	_, err := c.call(ctx, "ping", nil)
	return err
}

// ListTools fetches the server's tool metadata.
func (c *Client) ListTools(ctx context.Context) ([]MCPTool, error) {
	resp, err := c.call(ctx, "tools/list", nil)
	if err != nil {
		return nil, err
	}
	var result struct {
		Tools []MCPTool `json:"tools"`
	}
	if err := reparseParams(resp.Result, &result); err != nil {
		return nil, err
	}
	return result.Tools, nil
}

// CallTool invokes a tool and returns its result, including in-band errors.
func (c *Client) CallTool(ctx context.Context, name string, args map[string]interface{}) (*ToolResult, error) {
	resp, err := c.call(ctx, "tools/call", ToolCallParams{Name: name, Arguments: args})
	if err != nil {
		return nil, err
	}
	var result ToolResult
	if err := reparseParams(resp.Result, &result); err != nil {
		return nil, err
	}
	return &result, nil
}

// ListPrompts fetches the server's prompt metadata.
func (c *Client) ListPrompts(ctx context.Context) ([]MCPPrompt, error) {
	resp, err := c.call(ctx, "prompts/list", nil)
	if err != nil {
		return nil, err
	}
	var result struct {
		Prompts []MCPPrompt `json:"prompts"`
	}
	if err := reparseParams(resp.Result, &result); err != nil {
		return nil, err
	}
	return result.Prompts, nil
}

// GetPrompt renders a prompt with arguments.
func (c *Client) GetPrompt(ctx context.Context, name string, args map[string]string) ([]PromptMessage, error) {
	resp, err := c.call(ctx, "prompts/get", promptGetParams{Name: name, Arguments: args})
	if err != nil {
		return nil, err
	}
	var result promptGetResult
	if err := reparseParams(resp.Result, &result); err != nil {
		return nil, err
	}
	return result.Messages, nil
}

// CancelRequest asks the server to cancel an in-flight request.
func (c *Client) CancelRequest(ctx context.Context, id interface{}) error {
	return c.notify(ctx, "$/cancelRequest", map[string]interface{}{"id": id})
}

// Close tears down the stream. Safe to call more than once.
func (c *Client) Close() {
	if c.cancel != nil {
		c.cancel()
	}
}

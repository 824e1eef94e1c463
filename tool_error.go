package mcp

import (
	"errors"
	"fmt"
)

// JSON-RPC 2.0 error codes used by the MCP protocol.
// See: https://www.jsonrpc.org/specification#error_object
const (
	// ErrorCodeParseError indicates invalid JSON was received by the server.
	ErrorCodeParseError = -32700

	// ErrorCodeInvalidRequest indicates the JSON sent is not a valid Request object.
	ErrorCodeInvalidRequest = -32600

	// ErrorCodeMethodNotFound indicates the method does not exist or is not available.
	ErrorCodeMethodNotFound = -32601

	// ErrorCodeInvalidParams indicates invalid method parameters.
	ErrorCodeInvalidParams = -32602

	// ErrorCodeInternalError indicates an internal JSON-RPC error.
	ErrorCodeInternalError = -32603

	// Server-defined codes (-32000 to -32099).

	// ErrorCodeIndexUnavailable indicates the knowledge index failed to load
	// and a search was attempted against it.
	ErrorCodeIndexUnavailable = -32001

	// ErrorCodeUnauthorized indicates a protocol violation (e.g. a method
	// before initialize) or a missing/invalid bearer token.
	ErrorCodeUnauthorized = -32002

	// ErrorCodeRateLimited indicates the caller exceeded its token bucket.
	ErrorCodeRateLimited = -32003
)

var (
	ErrUnknownTool      = errors.New("unknown tool")
	ErrUnknownPrompt    = errors.New("unknown prompt")
	ErrUnknownParameter = errors.New("unknown parameter")
	ErrSessionNotFound  = errors.New("session not found")
)

// ToolError is a JSON-RPC level error that tool handlers may return when the
// failure should surface as a protocol error rather than an in-band tool
// result. Handlers returning any other error get wrapped into an
// isError:true tool result instead.
type ToolError struct {
	Code    int
	Message string
	Data    interface{}
}

func (e *ToolError) Error() string {
	return fmt.Sprintf("MCP Error %d: %s", e.Code, e.Message)
}

// NewToolErrorInvalidParams creates an error for invalid or missing parameters.
func NewToolErrorInvalidParams(message string) error {
	return &ToolError{Code: ErrorCodeInvalidParams, Message: message}
}

// NewToolError creates a custom MCP error. Use codes in the range
// -32000 to -32099 for application-specific errors.
func NewToolError(code int, message string, data interface{}) error {
	return &ToolError{Code: code, Message: message, Data: data}
}

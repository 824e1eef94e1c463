package mcp

import (
	"encoding/json"
	"fmt"
)

// ToolResponse represents the successful response from a tool handler.
type ToolResponse struct {
	Content []ToolContent `json:"content"`
}

func NewToolResponseText(text string) *ToolResponse {
	return &ToolResponse{Content: []ToolContent{{Type: "text", Text: text}}}
}

func NewToolResponseJSON(data interface{}) *ToolResponse {
	jsonData, err := json.Marshal(data)
	if err != nil {
		return &ToolResponse{Content: []ToolContent{{Type: "text", Text: fmt.Sprintf("Error marshaling data: %v", err)}}}
	}
	return NewToolResponseText(string(jsonData))
}

// errorResult wraps a handler failure as an in-band tool result so the LLM
// sees the message as tool output rather than a protocol error.
func errorResult(message string) ToolResult {
	return ToolResult{
		Content: []ToolContent{{Type: "text", Text: message}},
		IsError: true,
	}
}

func successResult(resp *ToolResponse) ToolResult {
	if resp == nil {
		return ToolResult{Content: []ToolContent{}, IsError: false}
	}
	content := resp.Content
	if content == nil {
		content = []ToolContent{}
	}
	return ToolResult{Content: content, IsError: false}
}

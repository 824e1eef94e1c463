package mcp

import (
	"log/slog"
	"sync"
)

// PromptHandler renders a prompt with the supplied arguments.
type PromptHandler func(args map[string]string) ([]PromptMessage, error)

// registeredTool represents a registered tool
type registeredTool struct {
	meta    *MCPTool
	handler ToolHandler
}

// registeredPrompt represents a registered prompt
type registeredPrompt struct {
	meta    *MCPPrompt
	handler PromptHandler
}

// Registry maps tool and prompt names to their schema and implementation.
// Registration happens during startup; afterwards the registry is only read,
// so list calls return a stable insertion ordering for the process lifetime.
type Registry struct {
	mu          sync.RWMutex
	tools       map[string]*registeredTool
	toolOrder   []string
	prompts     map[string]*registeredPrompt
	promptOrder []string
}

func NewRegistry() *Registry {
	return &Registry{
		tools:   make(map[string]*registeredTool),
		prompts: make(map[string]*registeredPrompt),
	}
}

// RegisterTool registers a tool built with the declarative API.
// Registering the same name twice replaces the earlier definition.
func (r *Registry) RegisterTool(tool *ToolBuilder, handler ToolHandler) {
	r.mu.Lock()
	defer r.mu.Unlock()

	name := tool.Name()
	if _, exists := r.tools[name]; exists {
		slog.Warn("tool registered twice, replacing earlier definition", "tool", name)
	} else {
		r.toolOrder = append(r.toolOrder, name)
	}

	r.tools[name] = &registeredTool{
		meta: &MCPTool{
			Name:        name,
			Description: tool.Description(),
			InputSchema: tool.BuildSchema(),
		},
		handler: handler,
	}
}

// RegisterPrompt registers a named prompt template.
func (r *Registry) RegisterPrompt(name, description string, arguments []PromptArgument, handler PromptHandler) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.prompts[name]; exists {
		slog.Warn("prompt registered twice, replacing earlier definition", "prompt", name)
	} else {
		r.promptOrder = append(r.promptOrder, name)
	}

	r.prompts[name] = &registeredPrompt{
		meta: &MCPPrompt{
			Name:        name,
			Description: description,
			Arguments:   arguments,
		},
		handler: handler,
	}
}

// ListTools returns tool metadata in registration order.
func (r *Registry) ListTools() []MCPTool {
	r.mu.RLock()
	defer r.mu.RUnlock()

	tools := make([]MCPTool, 0, len(r.toolOrder))
	for _, name := range r.toolOrder {
		tools = append(tools, *r.tools[name].meta)
	}
	return tools
}

// ListPrompts returns prompt metadata in registration order.
func (r *Registry) ListPrompts() []MCPPrompt {
	r.mu.RLock()
	defer r.mu.RUnlock()

	prompts := make([]MCPPrompt, 0, len(r.promptOrder))
	for _, name := range r.promptOrder {
		prompts = append(prompts, *r.prompts[name].meta)
	}
	return prompts
}

// Tool looks up a registered tool by name.
func (r *Registry) Tool(name string) (*MCPTool, ToolHandler, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	rt, exists := r.tools[name]
	if !exists {
		return nil, nil, ErrUnknownTool
	}
	return rt.meta, rt.handler, nil
}

// Prompt looks up a registered prompt by name.
func (r *Registry) Prompt(name string) (*MCPPrompt, PromptHandler, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	rp, exists := r.prompts[name]
	if !exists {
		return nil, nil, ErrUnknownPrompt
	}
	return rp.meta, rp.handler, nil
}

// stripUnknownArguments removes argument keys that are not declared in the
// tool's schema. Hosted LLM clients inject extras (legacy alias names such as
// filter_source), so unknown keys are dropped rather than rejected. Returns
// the names that were removed.
func stripUnknownArguments(inputSchema interface{}, args map[string]interface{}) []string {
	schema, ok := inputSchema.(map[string]interface{})
	if !ok {
		return nil
	}
	properties, ok := schema["properties"].(map[string]interface{})
	if !ok {
		return nil
	}

	var stripped []string
	for key := range args {
		if _, declared := properties[key]; !declared {
			stripped = append(stripped, key)
			delete(args, key)
		}
	}
	return stripped
}

// validateRequiredParameters checks that all required parameters are present
// and non-empty. A violation is a JSON-RPC invalid params error, not an
// in-band tool failure.
func validateRequiredParameters(inputSchema interface{}, args map[string]interface{}) error {
	schema, ok := inputSchema.(map[string]interface{})
	if !ok {
		return nil
	}

	var names []string
	switch req := schema["required"].(type) {
	case []string:
		names = req
	case []interface{}:
		for _, v := range req {
			if s, ok := v.(string); ok {
				names = append(names, s)
			}
		}
	}

	for _, paramName := range names {
		val, exists := args[paramName]
		if !exists {
			return NewToolError(ErrorCodeInvalidParams, "missing required parameter: "+paramName, nil)
		}
		if val == nil {
			return NewToolError(ErrorCodeInvalidParams, "required parameter cannot be null: "+paramName, nil)
		}
		if strVal, ok := val.(string); ok && strVal == "" {
			return NewToolError(ErrorCodeInvalidParams, "required parameter cannot be empty: "+paramName, nil)
		}
	}

	return nil
}

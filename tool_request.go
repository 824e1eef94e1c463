package mcp

import (
	"context"
	"fmt"
)

// ToolHandler represents a function that handles tool calls.
// The context carries the per-request cancel signal; long-running handlers
// must observe ctx.Done() or they will be abandoned after the grace period.
type ToolHandler func(ctx context.Context, req *ToolRequest) (*ToolResponse, error)

// ToolRequest provides typed access to tool arguments
type ToolRequest struct {
	args map[string]interface{}
}

// NewToolRequest creates a new ToolRequest with the given arguments
func NewToolRequest(args map[string]interface{}) *ToolRequest {
	if args == nil {
		args = map[string]interface{}{}
	}
	return &ToolRequest{args: args}
}

// Arguments exposes the raw argument map after stripping. Handlers that
// forward arguments wholesale use this instead of the typed accessors.
func (r *ToolRequest) Arguments() map[string]interface{} {
	return r.args
}

func (r *ToolRequest) String(name string) (string, error) {
	val, ok := r.args[name]
	if !ok {
		return "", ErrUnknownParameter
	}
	if str, ok := val.(string); ok {
		return str, nil
	}
	return "", fmt.Errorf("parameter '%s' is not a string", name)
}

func (r *ToolRequest) StringOr(name, defaultValue string) string {
	if val, err := r.String(name); err == nil {
		return val
	}
	return defaultValue
}

func (r *ToolRequest) Int(name string) (int, error) {
	val, ok := r.args[name]
	if !ok {
		return 0, ErrUnknownParameter
	}
	switch v := val.(type) {
	case int:
		return v, nil
	case float64:
		return int(v), nil
	default:
		return 0, fmt.Errorf("parameter '%s' is not a number", name)
	}
}

func (r *ToolRequest) IntOr(name string, defaultValue int) int {
	if val, err := r.Int(name); err == nil {
		return val
	}
	return defaultValue
}

func (r *ToolRequest) Bool(name string) (bool, error) {
	val, ok := r.args[name]
	if !ok {
		return false, ErrUnknownParameter
	}
	if b, ok := val.(bool); ok {
		return b, nil
	}
	return false, fmt.Errorf("parameter '%s' is not a boolean", name)
}

func (r *ToolRequest) BoolOr(name string, defaultValue bool) bool {
	if val, err := r.Bool(name); err == nil {
		return val
	}
	return defaultValue
}

func (r *ToolRequest) StringSlice(name string) ([]string, error) {
	val, ok := r.args[name]
	if !ok {
		return nil, ErrUnknownParameter
	}
	if arr, ok := val.([]interface{}); ok {
		result := make([]string, len(arr))
		for i, item := range arr {
			if str, ok := item.(string); ok {
				result[i] = str
			} else {
				return nil, fmt.Errorf("parameter '%s' contains non-string element at index %d", name, i)
			}
		}
		return result, nil
	}
	return nil, fmt.Errorf("parameter '%s' is not an array", name)
}

func (r *ToolRequest) StringSliceOr(name string, defaultValue []string) []string {
	if val, err := r.StringSlice(name); err == nil {
		return val
	}
	return defaultValue
}

// Object returns a parameter as a map[string]interface{} (generic object)
func (r *ToolRequest) Object(name string) (map[string]interface{}, error) {
	val, ok := r.args[name]
	if !ok {
		return nil, ErrUnknownParameter
	}
	if obj, ok := val.(map[string]interface{}); ok {
		return obj, nil
	}
	return nil, fmt.Errorf("parameter '%s' is not an object", name)
}

// ObjectOr returns a parameter as an object or the default value
func (r *ToolRequest) ObjectOr(name string, defaultValue map[string]interface{}) map[string]interface{} {
	if val, err := r.Object(name); err == nil {
		return val
	}
	return defaultValue
}

// Has reports whether the argument was supplied at all.
func (r *ToolRequest) Has(name string) bool {
	_, ok := r.args[name]
	return ok
}

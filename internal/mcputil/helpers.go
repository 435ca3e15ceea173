// Package mcputil decodes raw MCP tool arguments and builds tool results
// for servers written against the go-sdk.
package mcputil

import (
	"encoding/json"
	"fmt"

	"github.com/modelcontextprotocol/go-sdk/mcp"
)

// Args is a decoded tool argument object.
type Args map[string]any

// ParseArgs decodes raw arguments. Empty input is an empty object; anything
// that is not a JSON object is an error.
func ParseArgs(raw json.RawMessage) (Args, error) {
	if len(raw) == 0 {
		return Args{}, nil
	}
	var m map[string]any
	if err := json.Unmarshal(raw, &m); err != nil {
		return nil, fmt.Errorf("arguments must be a JSON object: %w", err)
	}
	if m == nil {
		m = map[string]any{}
	}
	return Args(m), nil
}

// String returns key as a string, or def when absent or mistyped.
func (a Args) String(key, def string) string {
	if s, ok := a[key].(string); ok {
		return s
	}
	return def
}

// Int truncates a JSON number; def when absent or mistyped.
func (a Args) Int(key string, def int) int {
	if f, ok := a[key].(float64); ok {
		return int(f)
	}
	return def
}

// Float returns a JSON number; def when absent or mistyped.
func (a Args) Float(key string, def float64) float64 {
	if f, ok := a[key].(float64); ok {
		return f
	}
	return def
}

// Bool returns key as a bool, or def when absent or mistyped.
func (a Args) Bool(key string, def bool) bool {
	if b, ok := a[key].(bool); ok {
		return b
	}
	return def
}

// StringMap returns an object of string values. Non-string values are
// dropped.
func (a Args) StringMap(key string) map[string]string {
	obj, ok := a[key].(map[string]any)
	if !ok {
		return nil
	}
	out := make(map[string]string, len(obj))
	for k, v := range obj {
		if s, ok := v.(string); ok {
			out[k] = s
		}
	}
	return out
}

// Text creates a successful result with text content.
func Text(text string) *mcp.CallToolResult {
	return &mcp.CallToolResult{
		Content: []mcp.Content{&mcp.TextContent{Text: text}},
	}
}

// JSON renders v indented as the text content of a successful result.
func JSON(v any) *mcp.CallToolResult {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return Error(fmt.Errorf("encoding result: %w", err))
	}
	return Text(string(data))
}

// Error creates a tool-level error result. The protocol call itself
// succeeds; the model sees the message.
func Error(err error) *mcp.CallToolResult {
	var r mcp.CallToolResult
	r.SetError(err)
	return &r
}

// Errorf formats an Error result.
func Errorf(format string, args ...any) *mcp.CallToolResult {
	return Error(fmt.Errorf(format, args...))
}

// TextOf concatenates the text content of r.
func TextOf(r *mcp.CallToolResult) string {
	var out string
	for _, c := range r.Content {
		if tc, ok := c.(*mcp.TextContent); ok {
			out += tc.Text
		}
	}
	return out
}

// Package broker discovers tools from heterogeneous downstream MCP servers
// and routes streaming tool calls to them.
package broker

import "encoding/json"

// Protocol tags for tool descriptors.
const (
	ProtocolHTTP  = "http"
	ProtocolSSE   = "sse"
	ProtocolStdio = "stdio"
)

// ToolDescriptor describes one downstream tool as exposed upstream.
// The upstream-visible name is "{server prefix}_{original name}".
type ToolDescriptor struct {
	PrefixedName    string          `json:"prefixed_name"`
	Description     string          `json:"description,omitempty"`
	ParameterSchema json.RawMessage `json:"parameter_schema,omitempty"`
	Protocol        string          `json:"protocol"`

	// Endpoint is set for http/sse downstreams.
	Endpoint string `json:"endpoint,omitempty"`

	// Command, Alias and ConfigDir identify a stdio downstream.
	Command   string `json:"command,omitempty"`
	Alias     string `json:"alias,omitempty"`
	ConfigDir string `json:"config_dir,omitempty"`

	OriginalName string `json:"original_name"`
}

// ExecutionEvent is one piece of a tool call's output stream.
// Non-final events carry partial chunks; exactly one final event
// terminates each call and carries the full accumulated content.
type ExecutionEvent struct {
	ToolCallID string `json:"tool_call_id"`
	ToolName   string `json:"tool_name"`
	Content    string `json:"content"`
	IsFinal    bool   `json:"is_final"`
	IsError    bool   `json:"is_error,omitempty"`
}

// HTTPServer is a configured HTTP downstream MCP server.
type HTTPServer struct {
	Name string
	URL  string
}

// StdioServer is a configured stdio downstream MCP server.
type StdioServer struct {
	Name      string
	Command   string
	Alias     string
	ConfigDir string
}

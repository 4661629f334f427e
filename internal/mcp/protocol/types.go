package protocol

import "encoding/json"

// MCP method constants.
const (
	MethodInitialize  = "initialize"
	MethodInitialized = "notifications/initialized"
	MethodToolsList   = "tools/list"
	MethodToolsCall   = "tools/call"
	MethodToolInfo    = "tool_info"
	MethodCallStream  = "call"
	MethodCallChunk   = "call/chunk"
	MethodPing        = "ping"
	MethodCancelled   = "notifications/cancelled"
)

// MCP protocol version.
const ProtocolVersion = "2024-11-05"

// InitializeParams represents the parameters for the initialize request.
type InitializeParams struct {
	ProtocolVersion string       `json:"protocolVersion"`
	Capabilities    Capabilities `json:"capabilities"`
	ClientInfo      ClientInfo   `json:"clientInfo"`
}

// InitializeResult represents the result of the initialize request.
type InitializeResult struct {
	ProtocolVersion string       `json:"protocolVersion"`
	Capabilities    Capabilities `json:"capabilities"`
	ServerInfo      ServerInfo   `json:"serverInfo"`
}

// ServerInfo contains information about the MCP server.
type ServerInfo struct {
	Name    string `json:"name"`
	Version string `json:"version"`
}

// ClientInfo contains information about the MCP client.
type ClientInfo struct {
	Name    string `json:"name"`
	Version string `json:"version"`
}

// Capabilities declares the capabilities supported by client or server.
type Capabilities struct {
	// Tools capability indicates support for tool-related operations.
	Tools *ToolsCapability `json:"tools,omitempty"`

	// Experimental contains experimental capabilities.
	Experimental map[string]any `json:"experimental,omitempty"`
}

// ToolsCapability declares tool-related capabilities.
type ToolsCapability struct {
	// ListChanged indicates the server will send notifications when tools change.
	ListChanged bool `json:"listChanged,omitempty"`

	// Streaming indicates the server supports the streaming "call" method
	// with incremental "call/chunk" notifications.
	Streaming bool `json:"streaming,omitempty"`
}

// Tool represents an MCP tool definition.
type Tool struct {
	Name        string          `json:"name"`
	Description string          `json:"description,omitempty"`
	InputSchema json.RawMessage `json:"inputSchema,omitempty"`
	// Parameters is an alternative schema field used by some downstreams.
	Parameters json.RawMessage `json:"parameters,omitempty"`
}

// Schema returns whichever schema field the downstream populated.
func (t Tool) Schema() json.RawMessage {
	if len(t.InputSchema) > 0 {
		return t.InputSchema
	}
	return t.Parameters
}

// ListToolsParams represents parameters for tools/list request.
// Role optionally filters the advertised tools by a host-configured role tag.
type ListToolsParams struct {
	Cursor string `json:"cursor,omitempty"`
	Role   string `json:"role,omitempty"`
}

// ListToolsResult represents the result of tools/list request.
type ListToolsResult struct {
	Tools      []Tool  `json:"tools"`
	NextCursor *string `json:"nextCursor,omitempty"`
}

// ToolInfoParams represents parameters for the tool_info request.
type ToolInfoParams struct {
	Name string `json:"name"`
}

// ToolInfoResult represents the result of the tool_info request.
type ToolInfoResult struct {
	Tool Tool `json:"tool"`
}

// CallToolParams represents parameters for tools/call and streaming call requests.
type CallToolParams struct {
	Name      string         `json:"name"`
	Arguments map[string]any `json:"arguments,omitempty"`
	// CallID correlates call/chunk notifications with a streaming call.
	CallID string `json:"call_id,omitempty"`
}

// CallToolResult represents the result of a tools/call or streaming call request.
type CallToolResult struct {
	Content []Content `json:"content"`
	IsError bool      `json:"isError,omitempty"`
}

// Text concatenates all text content items.
func (r *CallToolResult) Text() string {
	var out string
	for _, c := range r.Content {
		if c.Type == ContentTypeText {
			out += c.Text
		}
	}
	return out
}

// CallChunkParams is the payload of a call/chunk notification emitted while
// a streaming call is in flight. Done marks the final chunk for the call.
type CallChunkParams struct {
	CallID string `json:"call_id"`
	Chunk  string `json:"chunk,omitempty"`
	Done   bool   `json:"done,omitempty"`
	Error  string `json:"error,omitempty"`
}

// Content represents a content item in tool results.
type Content struct {
	Type     string `json:"type"`
	Text     string `json:"text,omitempty"`
	Data     string `json:"data,omitempty"`
	MimeType string `json:"mimeType,omitempty"`
	URI      string `json:"uri,omitempty"`
}

// Content type constants.
const (
	ContentTypeText     = "text"
	ContentTypeImage    = "image"
	ContentTypeResource = "resource"
)

// NewTextContent creates a text content item.
func NewTextContent(text string) Content {
	return Content{
		Type: ContentTypeText,
		Text: text,
	}
}

// PingParams represents parameters for ping request.
type PingParams struct{}

// PingResult represents the result of ping request.
type PingResult struct{}

// CancelledParams represents parameters for notifications/cancelled.
type CancelledParams struct {
	RequestID any    `json:"requestId"`
	Reason    string `json:"reason,omitempty"`
}

// ToolInputSchema creates a JSON Schema for tool parameters.
func ToolInputSchema(properties map[string]any, required []string) json.RawMessage {
	schema := map[string]any{
		"type":       "object",
		"properties": properties,
	}
	if len(required) > 0 {
		schema["required"] = required
	}

	data, _ := json.Marshal(schema)
	return data
}

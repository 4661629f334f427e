// Package llm implements a streaming client for OpenAI-compatible
// chat-completion endpoints.
package llm

import "encoding/json"

// Role constants.
const (
	RoleSystem    = "system"
	RoleUser      = "user"
	RoleAssistant = "assistant"
	RoleTool      = "tool"
)

// FinishReason constants.
const (
	FinishReasonStop      = "stop"
	FinishReasonToolCalls = "tool_calls"
	FinishReasonLength    = "length"
)

// Message represents a chat message.
type Message struct {
	Role       string     `json:"role"`
	Content    string     `json:"content"`
	ToolCalls  []ToolCall `json:"tool_calls,omitempty"`
	ToolCallID string     `json:"tool_call_id,omitempty"`
	Name       string     `json:"name,omitempty"`
}

// ByteSize returns the approximate serialized size of a message list.
// Used by the driver's summary-length trigger.
func ByteSize(messages []Message) int {
	total := 0
	for _, m := range messages {
		total += len(m.Role) + len(m.Content) + len(m.ToolCallID) + len(m.Name)
		for _, tc := range m.ToolCalls {
			total += len(tc.ID) + len(tc.Name) + len(tc.Arguments)
		}
	}
	return total
}

// ToolCall represents a tool/function call requested by the model.
// Streaming responses deliver these piecewise; the driver reassembles
// them by Index.
type ToolCall struct {
	ID        string `json:"id"`
	Index     int    `json:"index,omitempty"`
	Name      string `json:"name,omitempty"`
	Arguments string `json:"arguments,omitempty"`
}

// Tool represents a tool definition sent with a chat request.
type Tool struct {
	Type     string       `json:"type"`
	Function ToolFunction `json:"function"`
}

// ToolFunction describes a function tool.
type ToolFunction struct {
	Name        string          `json:"name"`
	Description string          `json:"description,omitempty"`
	Parameters  json.RawMessage `json:"parameters,omitempty"`
}

// ChatRequest represents a chat completion request.
type ChatRequest struct {
	Model       string
	Messages    []Message
	Tools       []Tool
	Temperature float64
	MaxTokens   int
}

// ChatEvent represents one streaming chat event.
type ChatEvent struct {
	// Delta is an incremental piece of assistant content.
	Delta string
	// ToolCall is an incremental piece of a tool call, keyed by Index.
	ToolCall *ToolCall
	// FinishReason is set on the terminating event.
	FinishReason string
	// Err terminates the stream when non-nil.
	Err error
}

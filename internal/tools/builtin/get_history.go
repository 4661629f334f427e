package builtin

import (
	"context"
	"fmt"
	"strings"
	"time"

	"expertstream/internal/history"
	"expertstream/internal/tools"
)

// HistoryTool returns recent records of a stored conversation.
type HistoryTool struct {
	tools.BaseTool
	store *history.Store
	limit int
}

// NewHistoryTool creates the get_conversation_history tool. limit caps
// how many records a single call may return (the configured
// history_limit); requests above it are clamped.
func NewHistoryTool(store *history.Store, limit int) *HistoryTool {
	if limit <= 0 {
		limit = 100
	}
	return &HistoryTool{
		BaseTool: tools.BaseTool{
			ToolName:        "get_conversation_history",
			ToolDescription: "Return the stored records of a conversation, oldest first.",
			ToolParameters: objectSchema(map[string]any{
				"conversation_id": prop("string", "Conversation to look up"),
				"limit":           prop("integer", fmt.Sprintf("Maximum records to return (default and cap %d)", limit)),
			}, "conversation_id"),
		},
		store: store,
		limit: limit,
	}
}

// Execute fetches the records and renders a readable transcript.
func (t *HistoryTool) Execute(ctx context.Context, args map[string]any) (tools.ToolResult, error) {
	conversationID, _ := args["conversation_id"].(string)
	if conversationID == "" {
		return tools.ToolResult{}, tools.NewInvalidArgsError(t.Name(), "conversation_id is required", nil)
	}

	limit := intArg(args, "limit")
	if limit <= 0 || limit > t.limit {
		limit = t.limit
	}

	records, err := t.store.Get(ctx, conversationID, limit)
	if err != nil {
		return tools.ToolResult{}, fmt.Errorf("get history: %w", err)
	}
	if len(records) == 0 {
		return tools.NewSuccessResult(fmt.Sprintf("No history for conversation %s.", conversationID)), nil
	}

	var b strings.Builder
	fmt.Fprintf(&b, "Conversation %s, %d record(s):\n\n", conversationID, len(records))
	for _, rec := range records {
		fmt.Fprintf(&b, "[%s] %s: %s\n", rec.Timestamp.Format(time.RFC3339), rec.Role, rec.Content)
	}
	return tools.NewSuccessResult(b.String()), nil
}

package builtin

import (
	"context"
	"encoding/json"

	"github.com/google/uuid"

	"expertstream/internal/driver"
	"expertstream/internal/llm"
	"expertstream/internal/tools"
)

// QueryTool is the upstream entry point: it drives a full streaming
// conversation through the LLM and the tool broker, emitting one JSON
// chunk per line.
type QueryTool struct {
	tools.BaseTool
	newDriver    func() *driver.Driver
	systemPrompt string
}

// NewQueryTool creates the query_expert_stream tool. newDriver must
// return a fresh driver per invocation so turns never share abort state.
func NewQueryTool(newDriver func() *driver.Driver, systemPrompt string) *QueryTool {
	return &QueryTool{
		BaseTool: tools.BaseTool{
			ToolName: "query_expert_stream",
			ToolDescription: "Ask the expert stream a question. Streams assistant text, " +
				"incremental tool output and errors as JSON chunks.",
			ToolParameters: objectSchema(map[string]any{
				"question": prop("string", "The question to answer"),
			}, "question"),
		},
		newDriver:    newDriver,
		systemPrompt: systemPrompt,
	}
}

// Execute runs the conversation and returns the concatenated chunks.
func (t *QueryTool) Execute(ctx context.Context, args map[string]any) (tools.ToolResult, error) {
	return t.ExecuteStream(ctx, args, func(string) {})
}

// ExecuteStream runs the conversation, emitting each chunk as a JSON line.
func (t *QueryTool) ExecuteStream(ctx context.Context, args map[string]any, emit func(string)) (tools.ToolResult, error) {
	question, _ := args["question"].(string)
	if question == "" {
		return tools.ToolResult{}, tools.NewInvalidArgsError(t.Name(), "question is required", nil)
	}

	var messages []llm.Message
	if t.systemPrompt != "" {
		messages = append(messages, llm.Message{Role: llm.RoleSystem, Content: t.systemPrompt})
	}
	messages = append(messages, llm.Message{Role: llm.RoleUser, Content: question})

	conversationID := uuid.New().String()
	d := t.newDriver()

	var all string
	var failed bool
	for chunk := range d.Drive(ctx, conversationID, messages) {
		line, err := json.Marshal(chunk)
		if err != nil {
			continue
		}
		emit(string(line) + "\n")
		all += string(line) + "\n"
		if chunk.Type == driver.ChunkError {
			failed = true
		}
	}

	if failed {
		return tools.ToolResult{Content: all, IsError: true}, nil
	}
	return tools.NewSuccessResult(all), nil
}

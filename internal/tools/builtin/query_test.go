package builtin

import (
	"context"
	"encoding/json"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"expertstream/internal/broker"
	"expertstream/internal/driver"
	"expertstream/internal/llm"
)

type cannedChat struct {
	events []llm.ChatEvent
	last   llm.ChatRequest
}

func (c *cannedChat) Stream(ctx context.Context, req llm.ChatRequest) (<-chan llm.ChatEvent, error) {
	c.last = req
	out := make(chan llm.ChatEvent, len(c.events))
	for _, ev := range c.events {
		out <- ev
	}
	close(out)
	return out, nil
}

type noopExecutor struct{}

func (noopExecutor) Catalog() []broker.ToolDescriptor { return nil }

func (noopExecutor) Execute(ctx context.Context, calls []broker.CallRequest) <-chan broker.ExecutionEvent {
	out := make(chan broker.ExecutionEvent)
	close(out)
	return out
}

func queryTool(chat *cannedChat) *QueryTool {
	newDriver := func() *driver.Driver {
		return driver.New(chat, noopExecutor{}, nil, nil, driver.Options{})
	}
	return NewQueryTool(newDriver, "be brief")
}

func decodeChunks(t *testing.T, payload string) []driver.Chunk {
	t.Helper()
	var chunks []driver.Chunk
	for _, line := range strings.Split(payload, "\n") {
		if strings.TrimSpace(line) == "" {
			continue
		}
		var c driver.Chunk
		require.NoError(t, json.Unmarshal([]byte(line), &c))
		chunks = append(chunks, c)
	}
	return chunks
}

func TestQueryTool_StreamsJSONLines(t *testing.T) {
	chat := &cannedChat{events: []llm.ChatEvent{
		{Delta: "the answer"},
		{FinishReason: llm.FinishReasonStop},
	}}
	tool := queryTool(chat)

	var streamed strings.Builder
	result, err := tool.ExecuteStream(context.Background(), map[string]any{"question": "what?"},
		func(s string) { streamed.WriteString(s) })
	require.NoError(t, err)
	require.False(t, result.IsError)

	chunks := decodeChunks(t, streamed.String())
	require.Len(t, chunks, 1)
	assert.Equal(t, driver.ChunkContent, chunks[0].Type)
	assert.Equal(t, "the answer", chunks[0].Data)

	// Execute returns the same payload it streams.
	assert.Equal(t, streamed.String(), result.Content)

	// The configured system prompt leads the conversation.
	require.NotEmpty(t, chat.last.Messages)
	assert.Equal(t, llm.RoleSystem, chat.last.Messages[0].Role)
	assert.Equal(t, "be brief", chat.last.Messages[0].Content)
	assert.Equal(t, "what?", chat.last.Messages[1].Content)
}

func TestQueryTool_ErrorChunkFlagsResult(t *testing.T) {
	chat := &cannedChat{events: []llm.ChatEvent{
		{Err: assert.AnError},
	}}
	tool := queryTool(chat)

	result, err := tool.Execute(context.Background(), map[string]any{"question": "what?"})
	require.NoError(t, err)
	assert.True(t, result.IsError)

	chunks := decodeChunks(t, result.Content)
	require.NotEmpty(t, chunks)
	assert.Equal(t, driver.ChunkError, chunks[len(chunks)-1].Type)
}

func TestQueryTool_RequiresQuestion(t *testing.T) {
	tool := queryTool(&cannedChat{})
	_, err := tool.Execute(context.Background(), map[string]any{})
	assert.Error(t, err)
}

package driver

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"expertstream/internal/broker"
	"expertstream/internal/llm"
)

// scriptedChat replays one canned event sequence per completion request.
type scriptedChat struct {
	mu       sync.Mutex
	turns    [][]llm.ChatEvent
	requests []llm.ChatRequest
	err      error
}

func (c *scriptedChat) Stream(ctx context.Context, req llm.ChatRequest) (<-chan llm.ChatEvent, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.err != nil {
		return nil, c.err
	}
	c.requests = append(c.requests, req)

	var events []llm.ChatEvent
	if len(c.turns) > 0 {
		events = c.turns[0]
		c.turns = c.turns[1:]
	}

	out := make(chan llm.ChatEvent, len(events))
	for _, ev := range events {
		out <- ev
	}
	close(out)
	return out, nil
}

func (c *scriptedChat) requestCount() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.requests)
}

// scriptedExecutor replays canned execution events per call id.
type scriptedExecutor struct {
	chunks map[string][]string // call id -> non-final chunks
	errIDs map[string]string   // call id -> error message
	calls  [][]broker.CallRequest
	mu     sync.Mutex
}

func (e *scriptedExecutor) Catalog() []broker.ToolDescriptor { return nil }

func (e *scriptedExecutor) Execute(ctx context.Context, calls []broker.CallRequest) <-chan broker.ExecutionEvent {
	e.mu.Lock()
	e.calls = append(e.calls, calls)
	e.mu.Unlock()

	out := make(chan broker.ExecutionEvent, 64)
	go func() {
		defer close(out)
		for _, call := range calls {
			var acc string
			for _, chunk := range e.chunks[call.ID] {
				acc += chunk
				out <- broker.ExecutionEvent{ToolCallID: call.ID, ToolName: call.Name, Content: chunk}
			}
			if msg, ok := e.errIDs[call.ID]; ok {
				out <- broker.ExecutionEvent{
					ToolCallID: call.ID, ToolName: call.Name,
					Content: acc + `{"error":"` + msg + `"}`, IsFinal: true, IsError: true,
				}
				continue
			}
			out <- broker.ExecutionEvent{ToolCallID: call.ID, ToolName: call.Name, Content: acc, IsFinal: true}
		}
	}()
	return out
}

func toolCallEvent(index int, id, name, args string) llm.ChatEvent {
	return llm.ChatEvent{ToolCall: &llm.ToolCall{Index: index, ID: id, Name: name, Arguments: args}}
}

func collect(chunks <-chan Chunk) []Chunk {
	var out []Chunk
	for c := range chunks {
		out = append(out, c)
	}
	return out
}

func filterType(chunks []Chunk, typ string) []Chunk {
	var out []Chunk
	for _, c := range chunks {
		if c.Type == typ {
			out = append(out, c)
		}
	}
	return out
}

func TestSingleContentRound(t *testing.T) {
	chat := &scriptedChat{turns: [][]llm.ChatEvent{
		{{Delta: "4"}, {FinishReason: llm.FinishReasonStop}},
	}}
	d := New(chat, &scriptedExecutor{}, nil, nil, Options{})

	chunks := collect(d.Drive(context.Background(), "c1", []llm.Message{
		{Role: llm.RoleSystem, Content: "be brief"},
		{Role: llm.RoleUser, Content: "what is 2+2"},
	}))

	content := filterType(chunks, ChunkContent)
	require.Len(t, content, 1)
	assert.Equal(t, "4", content[0].Data)
	assert.Equal(t, 1, chat.requestCount())
}

func TestTwoToolCallsThenAnswer(t *testing.T) {
	chat := &scriptedChat{turns: [][]llm.ChatEvent{
		{
			toolCallEvent(0, "a", "P_foo", "{}"),
			toolCallEvent(1, "b", "P_bar", "{}"),
			{FinishReason: llm.FinishReasonToolCalls},
		},
		{{Delta: "done"}, {FinishReason: llm.FinishReasonStop}},
	}}
	exec := &scriptedExecutor{chunks: map[string][]string{
		"a": {"x", "y"},
		"b": {"1"},
	}}
	d := New(chat, exec, nil, nil, Options{})

	chunks := collect(d.Drive(context.Background(), "c1", []llm.Message{
		{Role: llm.RoleUser, Content: "go"},
	}))

	streams := filterType(chunks, ChunkToolStream)
	require.Len(t, streams, 3)
	assert.Equal(t, "a", streams[0].ToolCallID)
	assert.Equal(t, "x", streams[0].Content)
	assert.Equal(t, "a", streams[1].ToolCallID)
	assert.Equal(t, "y", streams[1].Content)
	assert.Equal(t, "b", streams[2].ToolCallID)
	assert.Equal(t, "1", streams[2].Content)

	// The final content delta follows the tool streams.
	var sawDone bool
	for _, c := range filterType(chunks, ChunkContent) {
		if c.Data == "done" {
			sawDone = true
		}
	}
	assert.True(t, sawDone)

	// Second completion observed the tool results in call order.
	require.Equal(t, 2, chat.requestCount())
	msgs := chat.requests[1].Messages
	require.GreaterOrEqual(t, len(msgs), 4)
	assistant := msgs[1]
	require.Len(t, assistant.ToolCalls, 2)
	assert.Equal(t, "a", msgs[2].ToolCallID)
	assert.Equal(t, "xy", msgs[2].Content)
	assert.Equal(t, "b", msgs[3].ToolCallID)
	assert.Equal(t, "1", msgs[3].Content)
}

func TestToolCallDeltaReassembly(t *testing.T) {
	chat := &scriptedChat{turns: [][]llm.ChatEvent{
		{
			toolCallEvent(0, "a", "P_foo", ""),
			toolCallEvent(0, "", "", `{"x":`),
			toolCallEvent(0, "", "", `1}`),
			{FinishReason: llm.FinishReasonToolCalls},
		},
		{{Delta: "ok"}, {FinishReason: llm.FinishReasonStop}},
	}}
	exec := &scriptedExecutor{}
	d := New(chat, exec, nil, nil, Options{})

	collect(d.Drive(context.Background(), "c1", []llm.Message{{Role: llm.RoleUser, Content: "go"}}))

	require.Len(t, exec.calls, 1)
	require.Len(t, exec.calls[0], 1)
	assert.Equal(t, "a", exec.calls[0][0].ID)
	assert.Equal(t, "P_foo", exec.calls[0][0].Name)
	assert.Equal(t, `{"x":1}`, exec.calls[0][0].Arguments)
}

func TestDropsToolCallWithoutID(t *testing.T) {
	chat := &scriptedChat{turns: [][]llm.ChatEvent{
		{
			toolCallEvent(0, "", "P_ghost", "{}"),
			{Delta: "no tools"},
			{FinishReason: llm.FinishReasonStop},
		},
	}}
	exec := &scriptedExecutor{}
	d := New(chat, exec, nil, nil, Options{})

	collect(d.Drive(context.Background(), "c1", []llm.Message{{Role: llm.RoleUser, Content: "go"}}))

	assert.Empty(t, exec.calls)
	assert.Equal(t, 1, chat.requestCount())
}

func TestRoundBound(t *testing.T) {
	// The model asks for a tool forever; the driver must stop at MaxRounds.
	endless := func() []llm.ChatEvent {
		return []llm.ChatEvent{
			toolCallEvent(0, "a", "P_loop", "{}"),
			{FinishReason: llm.FinishReasonToolCalls},
		}
	}
	turns := make([][]llm.ChatEvent, 20)
	for i := range turns {
		turns[i] = endless()
	}
	chat := &scriptedChat{turns: turns}
	exec := &scriptedExecutor{chunks: map[string][]string{"a": {"out"}}}
	d := New(chat, exec, nil, nil, Options{MaxRounds: 3, SummaryInterval: 100})

	collect(d.Drive(context.Background(), "c1", []llm.Message{{Role: llm.RoleUser, Content: "go"}}))

	assert.LessOrEqual(t, chat.requestCount(), 3)
}

func TestSummaryAtInterval(t *testing.T) {
	chat := &scriptedChat{turns: [][]llm.ChatEvent{
		// Round 1: tool call.
		{toolCallEvent(0, "a", "P_t1", "{}"), {FinishReason: llm.FinishReasonToolCalls}},
		// Round 2: tool call.
		{toolCallEvent(0, "b", "P_t2", "{}"), {FinishReason: llm.FinishReasonToolCalls}},
		// Summarizer sub-call.
		{{Delta: "compressed history"}, {FinishReason: llm.FinishReasonStop}},
		// Post-summary completion.
		{{Delta: "final"}, {FinishReason: llm.FinishReasonStop}},
	}}
	exec := &scriptedExecutor{chunks: map[string][]string{"a": {"r1"}, "b": {"r2"}}}
	sum := NewSummarizer(chat, "", "")
	d := New(chat, exec, sum, nil, Options{MaxRounds: 10, SummaryInterval: 2})

	collect(d.Drive(context.Background(), "c1", []llm.Message{
		{Role: llm.RoleSystem, Content: "sys"},
		{Role: llm.RoleUser, Content: "question"},
	}))

	require.Equal(t, 4, chat.requestCount())

	// The post-summary completion sees the replaced transcript:
	// [system, first user, assistant summary].
	msgs := chat.requests[3].Messages
	require.Len(t, msgs, 3)
	assert.Equal(t, llm.RoleSystem, msgs[0].Role)
	assert.Equal(t, "question", msgs[1].Content)
	assert.Equal(t, llm.RoleAssistant, msgs[2].Role)
	assert.Contains(t, msgs[2].Content, "compressed history")
}

func TestSummaryByteThreshold(t *testing.T) {
	big := make([]byte, 200)
	for i := range big {
		big[i] = 'x'
	}
	chat := &scriptedChat{turns: [][]llm.ChatEvent{
		{toolCallEvent(0, "a", "P_t", "{}"), {FinishReason: llm.FinishReasonToolCalls}},
		// Summarizer sub-call.
		{{Delta: "short"}, {FinishReason: llm.FinishReasonStop}},
		// Post-summary completion.
		{{Delta: "final"}, {FinishReason: llm.FinishReasonStop}},
	}}
	exec := &scriptedExecutor{chunks: map[string][]string{"a": {string(big)}}}
	sum := NewSummarizer(chat, "", "")
	d := New(chat, exec, sum, nil, Options{MaxRounds: 10, SummaryInterval: 100, SummaryLengthThreshold: 100})

	collect(d.Drive(context.Background(), "c1", []llm.Message{{Role: llm.RoleUser, Content: "q"}}))

	require.Equal(t, 3, chat.requestCount())
	msgs := chat.requests[2].Messages
	assert.Len(t, msgs, 2) // no system message in this transcript
	assert.Contains(t, msgs[len(msgs)-1].Content, "short")
}

func TestStopSentinel(t *testing.T) {
	chat := &scriptedChat{turns: [][]llm.ChatEvent{
		{toolCallEvent(0, "a", StopTool, "{}"), {FinishReason: llm.FinishReasonToolCalls}},
	}}
	exec := &scriptedExecutor{}
	d := New(chat, exec, nil, nil, Options{})

	chunks := collect(d.Drive(context.Background(), "c1", []llm.Message{{Role: llm.RoleUser, Content: "go"}}))

	assert.Empty(t, exec.calls, "sentinel must not reach the executor")
	assert.Empty(t, filterType(chunks, ChunkToolStream))
	assert.Equal(t, 1, chat.requestCount())
}

func TestToolErrorContinuesLoop(t *testing.T) {
	chat := &scriptedChat{turns: [][]llm.ChatEvent{
		{toolCallEvent(0, "a", "P_boom", "{}"), {FinishReason: llm.FinishReasonToolCalls}},
		{{Delta: "recovered"}, {FinishReason: llm.FinishReasonStop}},
	}}
	exec := &scriptedExecutor{
		chunks: map[string][]string{"a": {"abc"}},
		errIDs: map[string]string{"a": "boom"},
	}
	d := New(chat, exec, nil, nil, Options{})

	chunks := collect(d.Drive(context.Background(), "c1", []llm.Message{{Role: llm.RoleUser, Content: "go"}}))

	// The model observed the failure payload and the loop continued.
	require.Equal(t, 2, chat.requestCount())
	toolMsg := chat.requests[1].Messages[2]
	assert.Contains(t, toolMsg.Content, "abc")
	assert.Contains(t, toolMsg.Content, `{"error":"boom"}`)
	assert.Empty(t, filterType(chunks, ChunkError))
}

func TestLLMErrorEmitsErrorChunk(t *testing.T) {
	chat := &scriptedChat{err: errors.New("connection refused")}
	d := New(chat, &scriptedExecutor{}, nil, nil, Options{})

	chunks := collect(d.Drive(context.Background(), "c1", []llm.Message{{Role: llm.RoleUser, Content: "go"}}))

	errs := filterType(chunks, ChunkError)
	require.Len(t, errs, 1)
	assert.Contains(t, errs[0].Data, "connection refused")
}

func TestAbortIdempotent(t *testing.T) {
	chat := &scriptedChat{}
	d := New(chat, &scriptedExecutor{}, nil, nil, Options{})

	d.Abort()
	d.Abort()
	assert.True(t, d.isAborted())
}

func TestAbortStopsForwarding(t *testing.T) {
	// A slow executor lets us abort mid tool phase.
	exec := &blockingExecutor{release: make(chan struct{})}
	chat := &scriptedChat{turns: [][]llm.ChatEvent{
		{toolCallEvent(0, "a", "P_slow", "{}"), {FinishReason: llm.FinishReasonToolCalls}},
	}}
	d := New(chat, exec, nil, nil, Options{})

	chunks := d.Drive(context.Background(), "c1", []llm.Message{{Role: llm.RoleUser, Content: "go"}})

	// Drain until the executor is running, then abort and release it.
	go func() {
		<-exec.started()
		d.Abort()
		close(exec.release)
	}()

	deadline := time.After(5 * time.Second)
	var streamed int
	for {
		select {
		case c, ok := <-chunks:
			if !ok {
				assert.Zero(t, streamed, "no tool chunks forwarded after abort")
				return
			}
			if c.Type == ChunkToolStream {
				streamed++
			}
		case <-deadline:
			t.Fatal("driver did not terminate after abort")
		}
	}
}

type blockingExecutor struct {
	release  chan struct{}
	startMu  sync.Mutex
	startSig chan struct{}
}

func (e *blockingExecutor) started() chan struct{} {
	e.startMu.Lock()
	defer e.startMu.Unlock()
	if e.startSig == nil {
		e.startSig = make(chan struct{})
	}
	return e.startSig
}

func (e *blockingExecutor) Catalog() []broker.ToolDescriptor { return nil }

func (e *blockingExecutor) Execute(ctx context.Context, calls []broker.CallRequest) <-chan broker.ExecutionEvent {
	out := make(chan broker.ExecutionEvent, 8)
	go func() {
		defer close(out)
		close(e.started())
		<-e.release
		for _, call := range calls {
			out <- broker.ExecutionEvent{ToolCallID: call.ID, ToolName: call.Name, Content: "late", IsFinal: false}
			out <- broker.ExecutionEvent{ToolCallID: call.ID, ToolName: call.Name, Content: "late", IsFinal: true}
		}
	}()
	return out
}

func TestCatalogIncludesStopTool(t *testing.T) {
	chat := &scriptedChat{turns: [][]llm.ChatEvent{
		{{Delta: "hi"}, {FinishReason: llm.FinishReasonStop}},
	}}
	d := New(chat, &scriptedExecutor{}, nil, nil, Options{})

	collect(d.Drive(context.Background(), "c1", []llm.Message{{Role: llm.RoleUser, Content: "go"}}))

	require.Equal(t, 1, chat.requestCount())
	var names []string
	for _, tool := range chat.requests[0].Tools {
		names = append(names, tool.Function.Name)
	}
	assert.Contains(t, names, StopTool)
}

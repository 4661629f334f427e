// Package driver runs the streaming conversation loop: it interleaves
// LLM chat completions with tool execution rounds, summarizing the
// transcript in flight when it grows too large.
package driver

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"sync"
	"sync/atomic"

	"expertstream/internal/broker"
	"expertstream/internal/llm"
	"expertstream/pkg/logger"
)

// Chunk type tags, matching the upstream wire shapes.
const (
	ChunkContent    = "content"
	ChunkToolStream = "tool_stream"
	ChunkError      = "error"
)

// StopTool is the sentinel tool name that ends the turn without execution.
const StopTool = "stop_conversation"

// Chunk is one piece of the driver's output stream.
type Chunk struct {
	Type       string `json:"type"`
	Data       string `json:"data,omitempty"`
	ToolName   string `json:"tool_name,omitempty"`
	ToolCallID string `json:"tool_call_id,omitempty"`
	Content    string `json:"content,omitempty"`
}

// ChatStreamer is the streaming chat-completion dependency.
type ChatStreamer interface {
	Stream(ctx context.Context, req llm.ChatRequest) (<-chan llm.ChatEvent, error)
}

// ToolExecutor is the tool broker dependency.
type ToolExecutor interface {
	Catalog() []broker.ToolDescriptor
	Execute(ctx context.Context, calls []broker.CallRequest) <-chan broker.ExecutionEvent
}

// Recorder persists conversation history. Implementations must never
// block the streaming path on backend failures.
type Recorder interface {
	Save(ctx context.Context, conversationID, role, content string, metadata map[string]any)
}

// Options bound the conversation loop.
type Options struct {
	// MaxRounds is the hard upper bound on tool rounds per turn.
	MaxRounds int
	// SummaryInterval is the number of rounds between forced summaries.
	SummaryInterval int
	// SummaryLengthThreshold triggers a summary when the transcript
	// byte size crosses it.
	SummaryLengthThreshold int
}

// Defaults for Options.
const (
	DefaultMaxRounds              = 25
	DefaultSummaryInterval        = 5
	DefaultSummaryLengthThreshold = 30000
)

func (o Options) withDefaults() Options {
	if o.MaxRounds <= 0 {
		o.MaxRounds = DefaultMaxRounds
	}
	if o.SummaryInterval <= 0 {
		o.SummaryInterval = DefaultSummaryInterval
	}
	if o.SummaryLengthThreshold <= 0 {
		o.SummaryLengthThreshold = DefaultSummaryLengthThreshold
	}
	return o
}

// Driver owns one conversation turn at a time. A Driver may be reused
// across turns but not concurrently.
type Driver struct {
	chat       ChatStreamer
	executor   ToolExecutor
	summarizer *Summarizer
	recorder   Recorder
	opts       Options

	aborted atomic.Bool

	cancelMu     sync.Mutex
	cancelActive context.CancelFunc
}

// New creates a conversation driver. summarizer and recorder may be nil.
func New(chat ChatStreamer, executor ToolExecutor, summarizer *Summarizer, recorder Recorder, opts Options) *Driver {
	return &Driver{
		chat:       chat,
		executor:   executor,
		summarizer: summarizer,
		recorder:   recorder,
		opts:       opts.withDefaults(),
	}
}

// Abort stops the conversation at the next chunk boundary. Idempotent.
// The active chat-completion stream is cancelled; in-flight tool streams
// are allowed to finish but their chunks are no longer forwarded.
func (d *Driver) Abort() {
	d.aborted.Store(true)
	d.cancelMu.Lock()
	if d.cancelActive != nil {
		d.cancelActive()
	}
	d.cancelMu.Unlock()
}

func (d *Driver) isAborted() bool {
	return d.aborted.Load()
}

func (d *Driver) setActiveCancel(cancel context.CancelFunc) {
	d.cancelMu.Lock()
	d.cancelActive = cancel
	d.cancelMu.Unlock()
}

// Drive runs one conversation turn over the initial messages and streams
// chunks until the turn completes. The channel is closed at end of turn.
func (d *Driver) Drive(ctx context.Context, conversationID string, initial []llm.Message) <-chan Chunk {
	out := make(chan Chunk, 32)
	d.aborted.Store(false)

	go func() {
		defer close(out)
		d.run(ctx, conversationID, initial, out)
	}()

	return out
}

func (d *Driver) run(ctx context.Context, conversationID string, initial []llm.Message, out chan<- Chunk) {
	messages := append([]llm.Message(nil), initial...)
	round := 0

	logger.Info().Str("conversation", conversationID).Int("messages", len(messages)).Msg("Conversation started")
	d.record(ctx, conversationID, messages)

	for !d.isAborted() {
		if round >= d.opts.MaxRounds {
			logger.Warn().Str("conversation", conversationID).Int("round", round).Msg("Round bound reached, ending turn")
			return
		}

		if hasPendingToolCalls(messages) {
			stopped := d.toolPhase(ctx, conversationID, &messages, out)
			if stopped || d.isAborted() {
				return
			}

			// Summary trigger: enough rounds, or the transcript outgrew
			// the byte threshold. A summary always restarts the counter.
			if round+1 >= d.opts.SummaryInterval || llm.ByteSize(messages) >= d.opts.SummaryLengthThreshold {
				messages = d.summarize(ctx, conversationID, messages)
				round = 0
				continue
			}
			round++
			continue
		}

		assistant, err := d.chatPhase(ctx, messages, out)
		if err != nil {
			if d.isAborted() {
				return
			}
			d.emit(ctx, out, Chunk{Type: ChunkError, Data: err.Error()})
			logger.Error().Err(err).Str("conversation", conversationID).Msg("Chat completion failed")
			return
		}

		messages = append(messages, assistant)
		d.save(ctx, conversationID, llm.RoleAssistant, assistant.Content, nil)

		if len(assistant.ToolCalls) == 0 {
			// Turn complete.
			return
		}
	}
}

func (d *Driver) summarize(ctx context.Context, conversationID string, messages []llm.Message) []llm.Message {
	if d.summarizer == nil {
		return messages
	}
	return d.summarizer.Summarize(ctx, conversationID, messages)
}

// chatPhase streams one completion and reassembles the assistant message.
func (d *Driver) chatPhase(ctx context.Context, messages []llm.Message, out chan<- Chunk) (llm.Message, error) {
	streamCtx, cancel := context.WithCancel(ctx)
	d.setActiveCancel(cancel)
	defer func() {
		cancel()
		d.setActiveCancel(nil)
	}()

	events, err := d.chat.Stream(streamCtx, llm.ChatRequest{
		Messages: messages,
		Tools:    d.catalogTools(),
	})
	if err != nil {
		return llm.Message{}, err
	}

	var content string
	calls := map[int]*llm.ToolCall{}

	for ev := range events {
		if d.isAborted() {
			return llm.Message{}, context.Canceled
		}
		if ev.Err != nil {
			return llm.Message{}, ev.Err
		}
		if ev.Delta != "" {
			content += ev.Delta
			d.emit(ctx, out, Chunk{Type: ChunkContent, Data: ev.Delta})
		}
		if ev.ToolCall != nil {
			mergeToolCallDelta(calls, ev.ToolCall)
		}
	}

	return llm.Message{
		Role:      llm.RoleAssistant,
		Content:   content,
		ToolCalls: assembleToolCalls(calls),
	}, nil
}

// mergeToolCallDelta folds one streamed tool-call delta into the
// per-index accumulator. ID and name are set by the first non-empty
// delta and never overwritten; argument fragments are appended.
func mergeToolCallDelta(calls map[int]*llm.ToolCall, delta *llm.ToolCall) {
	tc, ok := calls[delta.Index]
	if !ok {
		tc = &llm.ToolCall{Index: delta.Index}
		calls[delta.Index] = tc
	}
	if tc.ID == "" && delta.ID != "" {
		tc.ID = delta.ID
	}
	if tc.Name == "" && delta.Name != "" {
		tc.Name = delta.Name
	}
	tc.Arguments += delta.Arguments
}

// assembleToolCalls orders the reassembled calls by index, dropping any
// call that never received an id.
func assembleToolCalls(calls map[int]*llm.ToolCall) []llm.ToolCall {
	indexes := make([]int, 0, len(calls))
	for i := range calls {
		indexes = append(indexes, i)
	}
	sort.Ints(indexes)

	out := make([]llm.ToolCall, 0, len(calls))
	for _, i := range indexes {
		tc := calls[i]
		if tc.ID == "" {
			logger.Warn().Str("name", tc.Name).Msg("Dropping tool call without id")
			continue
		}
		out = append(out, *tc)
	}
	return out
}

// toolPhase executes the pending tool calls of the last assistant
// message, appending one tool message per call. Returns true when the
// turn should end (stop sentinel).
func (d *Driver) toolPhase(ctx context.Context, conversationID string, messages *[]llm.Message, out chan<- Chunk) (stopped bool) {
	last := (*messages)[len(*messages)-1]

	for _, tc := range last.ToolCalls {
		if tc.Name == StopTool {
			d.emit(ctx, out, Chunk{Type: ChunkContent, Data: "\n\nConversation stopped at the assistant's request.\n"})
			logger.Info().Str("conversation", conversationID).Msg("Stop sentinel received")
			return true
		}
	}

	calls := make([]broker.CallRequest, 0, len(last.ToolCalls))
	byID := make(map[string]llm.ToolCall, len(last.ToolCalls))
	for _, tc := range last.ToolCalls {
		calls = append(calls, broker.CallRequest{ID: tc.ID, Name: tc.Name, Arguments: tc.Arguments})
		byID[tc.ID] = tc
	}

	events := d.executor.Execute(ctx, calls)
	started := map[string]bool{}

	for ev := range events {
		if !started[ev.ToolCallID] {
			started[ev.ToolCallID] = true
			if !d.isAborted() {
				d.emit(ctx, out, Chunk{Type: ChunkContent, Data: toolHeader(byID[ev.ToolCallID])})
			}
		}

		if ev.IsFinal {
			*messages = append(*messages, llm.Message{
				Role:       llm.RoleTool,
				ToolCallID: ev.ToolCallID,
				Name:       ev.ToolName,
				Content:    ev.Content,
			})
			d.save(ctx, conversationID, llm.RoleTool, ev.Content, map[string]any{
				"tool_call_id": ev.ToolCallID,
			})
			if !d.isAborted() {
				d.emit(ctx, out, Chunk{Type: ChunkContent, Data: toolFooter(ev)})
			}
			continue
		}

		// Aborted turns keep draining so the broker can finalize, but
		// nothing more goes upstream.
		if d.isAborted() {
			continue
		}
		d.emit(ctx, out, Chunk{
			Type:       ChunkToolStream,
			ToolName:   ev.ToolName,
			ToolCallID: ev.ToolCallID,
			Content:    ev.Content,
		})
	}

	return false
}

// toolHeader renders the markdown frame opening a tool invocation.
func toolHeader(tc llm.ToolCall) string {
	args := tc.Arguments
	if args == "" {
		args = "{}"
	}
	return fmt.Sprintf("\n\n**Calling tool `%s`**\n```json\n%s\n```\n", tc.Name, args)
}

// toolFooter renders the completion notice after a tool invocation.
func toolFooter(ev broker.ExecutionEvent) string {
	if ev.IsError {
		return fmt.Sprintf("\n*Tool `%s` failed.*\n\n", ev.ToolName)
	}
	return fmt.Sprintf("\n*Tool `%s` completed.*\n\n", ev.ToolName)
}

// catalogTools converts broker descriptors into LLM tool definitions.
func (d *Driver) catalogTools() []llm.Tool {
	descriptors := d.executor.Catalog()
	tools := make([]llm.Tool, 0, len(descriptors)+1)
	for _, desc := range descriptors {
		tools = append(tools, llm.Tool{
			Type: "function",
			Function: llm.ToolFunction{
				Name:        desc.PrefixedName,
				Description: desc.Description,
				Parameters:  desc.ParameterSchema,
			},
		})
	}
	tools = append(tools, stopTool())
	return tools
}

func stopTool() llm.Tool {
	params, _ := json.Marshal(map[string]any{"type": "object", "properties": map[string]any{}})
	return llm.Tool{
		Type: "function",
		Function: llm.ToolFunction{
			Name:        StopTool,
			Description: "End the conversation immediately when the user's request is fully answered or cannot be advanced further.",
			Parameters:  params,
		},
	}
}

func (d *Driver) emit(ctx context.Context, out chan<- Chunk, c Chunk) {
	select {
	case out <- c:
	case <-ctx.Done():
	}
}

// record persists the initial transcript's user messages.
func (d *Driver) record(ctx context.Context, conversationID string, messages []llm.Message) {
	if d.recorder == nil {
		return
	}
	for _, m := range messages {
		if m.Role == llm.RoleUser {
			d.save(ctx, conversationID, m.Role, m.Content, nil)
		}
	}
}

func (d *Driver) save(ctx context.Context, conversationID, role, content string, metadata map[string]any) {
	if d.recorder == nil || content == "" {
		return
	}
	d.recorder.Save(ctx, conversationID, role, content, metadata)
}

// hasPendingToolCalls reports whether the last message is an assistant
// message with unanswered tool calls.
func hasPendingToolCalls(messages []llm.Message) bool {
	if len(messages) == 0 {
		return false
	}
	last := messages[len(messages)-1]
	return last.Role == llm.RoleAssistant && len(last.ToolCalls) > 0
}

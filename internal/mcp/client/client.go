// Package client implements the MCP client for connecting to downstream MCP servers.
package client

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"expertstream/internal/mcp/protocol"
	"expertstream/internal/mcp/transport"
	"expertstream/pkg/logger"
)

// ConnectionState represents the state of the client connection.
type ConnectionState int

const (
	// StateDisconnected means the client is not connected.
	StateDisconnected ConnectionState = iota
	// StateConnecting means the client is in the process of connecting.
	StateConnecting
	// StateConnected means the client is connected and ready.
	StateConnected
	// StateError means the client encountered an error.
	StateError
)

// String returns a string representation of the connection state.
func (s ConnectionState) String() string {
	switch s {
	case StateDisconnected:
		return "disconnected"
	case StateConnecting:
		return "connecting"
	case StateConnected:
		return "connected"
	case StateError:
		return "error"
	default:
		return "unknown"
	}
}

// Config holds configuration for a stdio MCP client.
type Config struct {
	// Command is the command to run for the subprocess server.
	Command string
	// Args are the arguments for the command.
	Args []string
	// Alias is the logical name of the downstream server.
	Alias string
	// ConfigDir is passed to the subprocess as its working directory.
	ConfigDir string
	// Env are extra environment variables for the subprocess.
	Env map[string]string

	// Timeout is the per-request timeout.
	Timeout time.Duration
}

// StreamChunk is one piece of a streaming tool call's output.
type StreamChunk struct {
	Text string
	Err  error
}

// Client is an MCP client speaking newline-framed JSON-RPC to a subprocess.
type Client struct {
	name   string
	config Config

	transport  transport.Transport
	serverInfo protocol.ServerInfo
	tools      []protocol.Tool

	pending   map[int64]chan *protocol.Response
	pendingMu sync.Mutex
	nextID    int64

	chunkSubs map[string]chan protocol.CallChunkParams
	chunkMu   sync.Mutex

	state   ConnectionState
	stateMu sync.RWMutex
	lastErr error

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// New creates a new MCP client.
func New(name string, config Config) *Client {
	if config.Timeout == 0 {
		config.Timeout = 30 * time.Second
	}
	return &Client{
		name:      name,
		config:    config,
		pending:   make(map[int64]chan *protocol.Response),
		chunkSubs: make(map[string]chan protocol.CallChunkParams),
		state:     StateDisconnected,
	}
}

// Name returns the client name.
func (c *Client) Name() string {
	return c.name
}

// State returns the current connection state.
func (c *Client) State() ConnectionState {
	c.stateMu.RLock()
	defer c.stateMu.RUnlock()
	return c.state
}

// LastError returns the last error encountered.
func (c *Client) LastError() error {
	c.stateMu.RLock()
	defer c.stateMu.RUnlock()
	return c.lastErr
}

// ServerInfo returns the server info from the initialize response.
func (c *Client) ServerInfo() protocol.ServerInfo {
	return c.serverInfo
}

// Tools returns the tool list cached at connect time.
func (c *Client) Tools() []protocol.Tool {
	return c.tools
}

// IsConnected returns true if the client is currently connected.
func (c *Client) IsConnected() bool {
	return c.State() == StateConnected
}

func (c *Client) setState(state ConnectionState, err error) {
	c.stateMu.Lock()
	defer c.stateMu.Unlock()
	c.state = state
	c.lastErr = err
}

// Connect spawns the subprocess and performs the MCP handshake.
func (c *Client) Connect(ctx context.Context) error {
	c.setState(StateConnecting, nil)

	t := transport.NewStdioClientTransport(
		c.config.Command,
		c.config.Args,
		transport.WithEnv(c.config.Env),
		transport.WithWorkDir(c.config.ConfigDir),
	)
	if err := t.Start(); err != nil {
		c.setState(StateError, err)
		return fmt.Errorf("start transport: %w", err)
	}

	c.transport = t
	c.ctx, c.cancel = context.WithCancel(context.Background())

	c.wg.Add(1)
	go c.receiveLoop()

	if err := c.initialize(ctx); err != nil {
		c.Close()
		c.setState(StateError, err)
		return fmt.Errorf("initialize: %w", err)
	}

	if err := c.refreshTools(ctx, ""); err != nil {
		c.Close()
		c.setState(StateError, err)
		return fmt.Errorf("list tools: %w", err)
	}

	c.setState(StateConnected, nil)
	return nil
}

// initialize performs the MCP initialization handshake.
func (c *Client) initialize(ctx context.Context) error {
	params := protocol.InitializeParams{
		ProtocolVersion: protocol.ProtocolVersion,
		ClientInfo: protocol.ClientInfo{
			Name:    c.name,
			Version: "1.0.0",
		},
		Capabilities: protocol.Capabilities{},
	}

	var result protocol.InitializeResult
	if err := c.call(ctx, protocol.MethodInitialize, params, &result); err != nil {
		return err
	}

	c.serverInfo = result.ServerInfo

	notif, err := protocol.NewNotification(protocol.MethodInitialized, nil)
	if err != nil {
		return fmt.Errorf("create initialized notification: %w", err)
	}
	data, err := json.Marshal(notif)
	if err != nil {
		return fmt.Errorf("marshal initialized notification: %w", err)
	}
	if err := c.transport.Send(ctx, data); err != nil {
		return fmt.Errorf("send initialized notification: %w", err)
	}

	return nil
}

// refreshTools retrieves the list of available tools from the server.
func (c *Client) refreshTools(ctx context.Context, role string) error {
	var result protocol.ListToolsResult
	params := protocol.ListToolsParams{Role: role}
	if err := c.call(ctx, protocol.MethodToolsList, params, &result); err != nil {
		return err
	}
	c.tools = result.Tools
	return nil
}

// ListTools re-queries the downstream tool list, optionally filtered by role.
func (c *Client) ListTools(ctx context.Context, role string) ([]protocol.Tool, error) {
	var result protocol.ListToolsResult
	params := protocol.ListToolsParams{Role: role}
	if err := c.call(ctx, protocol.MethodToolsList, params, &result); err != nil {
		return nil, err
	}
	c.tools = result.Tools
	return result.Tools, nil
}

// ToolInfo fetches the full descriptor (including schema) for one tool.
func (c *Client) ToolInfo(ctx context.Context, name string) (*protocol.Tool, error) {
	params := protocol.ToolInfoParams{Name: name}

	var result protocol.ToolInfoResult
	if err := c.call(ctx, protocol.MethodToolInfo, params, &result); err != nil {
		return nil, err
	}

	return &result.Tool, nil
}

// CallTool calls a tool and waits for the complete result.
func (c *Client) CallTool(ctx context.Context, name string, args map[string]any) (*protocol.CallToolResult, error) {
	params := protocol.CallToolParams{
		Name:      name,
		Arguments: args,
	}

	var result protocol.CallToolResult
	if err := c.call(ctx, protocol.MethodToolsCall, params, &result); err != nil {
		return nil, err
	}

	return &result, nil
}

// CallStream invokes a tool via the streaming "call" method. Incremental
// output arrives on the returned channel; the channel is closed after the
// final response. A chunk with a non-nil Err terminates the stream.
func (c *Client) CallStream(ctx context.Context, name string, args map[string]any) (<-chan StreamChunk, error) {
	callID := uuid.New().String()

	chunkCh := make(chan protocol.CallChunkParams, 32)
	c.chunkMu.Lock()
	c.chunkSubs[callID] = chunkCh
	c.chunkMu.Unlock()

	unsubscribe := func() {
		c.chunkMu.Lock()
		delete(c.chunkSubs, callID)
		c.chunkMu.Unlock()
	}

	params := protocol.CallToolParams{
		Name:      name,
		Arguments: args,
		CallID:    callID,
	}

	id := atomic.AddInt64(&c.nextID, 1)
	req, err := protocol.NewRequestWithID(id, protocol.MethodCallStream, params)
	if err != nil {
		unsubscribe()
		return nil, fmt.Errorf("create request: %w", err)
	}

	respCh := make(chan *protocol.Response, 1)
	c.pendingMu.Lock()
	c.pending[id] = respCh
	c.pendingMu.Unlock()

	data, err := json.Marshal(req)
	if err != nil {
		c.dropPending(id)
		unsubscribe()
		return nil, fmt.Errorf("marshal request: %w", err)
	}
	if err := c.transport.Send(ctx, data); err != nil {
		c.dropPending(id)
		unsubscribe()
		return nil, fmt.Errorf("send request: %w", err)
	}

	out := make(chan StreamChunk, 32)

	go func() {
		defer close(out)
		defer c.dropPending(id)
		defer unsubscribe()

		// Streaming calls can legitimately outlast the per-request timeout;
		// the deadline applies between chunks, not to the whole call.
		idle := time.NewTimer(c.config.Timeout)
		defer idle.Stop()

		for {
			select {
			case <-ctx.Done():
				out <- StreamChunk{Err: ctx.Err()}
				return
			case <-idle.C:
				out <- StreamChunk{Err: errors.New("stream timeout: no chunks received")}
				return
			case chunk := <-chunkCh:
				if !idle.Stop() {
					<-idle.C
				}
				idle.Reset(c.config.Timeout)

				if chunk.Error != "" {
					out <- StreamChunk{Err: errors.New(chunk.Error)}
					return
				}
				if chunk.Chunk != "" {
					select {
					case out <- StreamChunk{Text: chunk.Chunk}:
					case <-ctx.Done():
						out <- StreamChunk{Err: ctx.Err()}
						return
					}
				}
				if chunk.Done {
					return
				}
			case resp := <-respCh:
				if resp.Error != nil {
					out <- StreamChunk{Err: resp.Error}
					return
				}
				// Final response without a done chunk: forward any result text.
				if resp.Result != nil {
					var result protocol.CallToolResult
					if err := json.Unmarshal(resp.Result, &result); err == nil {
						if text := result.Text(); text != "" {
							select {
							case out <- StreamChunk{Text: text}:
							case <-ctx.Done():
							}
						}
						if result.IsError {
							out <- StreamChunk{Err: errors.New(result.Text())}
						}
					}
				}
				return
			}
		}
	}()

	return out, nil
}

func (c *Client) dropPending(id int64) {
	c.pendingMu.Lock()
	delete(c.pending, id)
	c.pendingMu.Unlock()
}

// call sends a request and waits for the response.
func (c *Client) call(ctx context.Context, method string, params, result any) error {
	id := atomic.AddInt64(&c.nextID, 1)

	req, err := protocol.NewRequestWithID(id, method, params)
	if err != nil {
		return fmt.Errorf("create request: %w", err)
	}

	respCh := make(chan *protocol.Response, 1)

	c.pendingMu.Lock()
	c.pending[id] = respCh
	c.pendingMu.Unlock()

	defer c.dropPending(id)

	data, err := json.Marshal(req)
	if err != nil {
		return fmt.Errorf("marshal request: %w", err)
	}
	if err := c.transport.Send(ctx, data); err != nil {
		return fmt.Errorf("send request: %w", err)
	}

	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-time.After(c.config.Timeout):
		return errors.New("request timeout")
	case resp := <-respCh:
		if resp.Error != nil {
			return resp.Error
		}
		if result != nil && resp.Result != nil {
			if err := json.Unmarshal(resp.Result, result); err != nil {
				return fmt.Errorf("unmarshal result: %w", err)
			}
		}
		return nil
	}
}

// receiveLoop reads messages from the transport and dispatches them.
func (c *Client) receiveLoop() {
	defer c.wg.Done()

	for {
		select {
		case <-c.ctx.Done():
			return
		default:
		}

		data, err := c.transport.Receive(c.ctx)
		if err != nil {
			if c.ctx.Err() != nil {
				return
			}
			continue
		}

		msg, err := protocol.ParseMessage(data)
		if err != nil {
			continue
		}

		switch {
		case msg.IsResponse():
			c.handleResponse(msg)
		case msg.IsNotification() && msg.Method == protocol.MethodCallChunk:
			c.handleChunk(msg)
		}
	}
}

// handleChunk routes a call/chunk notification to its streaming subscriber.
func (c *Client) handleChunk(msg *protocol.Message) {
	var params protocol.CallChunkParams
	if err := json.Unmarshal(msg.Params, &params); err != nil {
		logger.Warn().Err(err).Str("client", c.name).Msg("Malformed call/chunk notification")
		return
	}

	c.chunkMu.Lock()
	ch, ok := c.chunkSubs[params.CallID]
	c.chunkMu.Unlock()

	if !ok {
		// Stale chunk for a finished or aborted call.
		return
	}

	select {
	case ch <- params:
	default:
		logger.Warn().Str("client", c.name).Str("callID", params.CallID).Msg("Chunk subscriber slow, dropping chunk")
	}
}

// handleResponse dispatches a response to the waiting caller.
func (c *Client) handleResponse(msg *protocol.Message) {
	id := protocol.GetRequestID(msg.ID)
	if id == 0 {
		return
	}

	c.pendingMu.Lock()
	ch, ok := c.pending[id]
	c.pendingMu.Unlock()

	if ok {
		resp := &protocol.Response{
			Jsonrpc: msg.Jsonrpc,
			ID:      msg.ID,
			Result:  msg.Result,
			Error:   msg.Error,
		}
		select {
		case ch <- resp:
		default:
		}
	}
}

// Close terminates the subprocess and stops the receive loop.
func (c *Client) Close() error {
	if c.cancel != nil {
		c.cancel()
	}
	c.wg.Wait()

	var err error
	if c.transport != nil {
		err = c.transport.Close()
	}

	c.setState(StateDisconnected, nil)
	return err
}

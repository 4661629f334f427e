// Package server implements the MCP server exposing the expert-stream
// tools over newline-framed JSON-RPC, including the streaming call
// method with incremental call/chunk notifications.
package server

import (
	"context"
	"encoding/json"
	"sync"

	"expertstream/internal/mcp/protocol"
	"expertstream/internal/mcp/transport"
	"expertstream/internal/tools"
	"expertstream/pkg/logger"
)

// Server speaks MCP over a transport and dispatches to a tool registry.
type Server struct {
	name    string
	version string

	transport transport.Transport
	registry  *tools.Registry
	handler   *MethodHandler

	initialized bool
	initMu      sync.RWMutex

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// Option is a functional option for configuring a Server.
type Option func(*Server)

// WithRegistry sets the tool registry for the server.
func WithRegistry(registry *tools.Registry) Option {
	return func(s *Server) {
		s.registry = registry
	}
}

// New creates a new MCP server.
func New(name, version string, opts ...Option) *Server {
	ctx, cancel := context.WithCancel(context.Background())
	s := &Server{
		name:     name,
		version:  version,
		registry: tools.NewRegistry(),
		ctx:      ctx,
		cancel:   cancel,
	}

	for _, opt := range opts {
		opt(s)
	}

	s.handler = NewMethodHandler(s)
	return s
}

// Name returns the server name.
func (s *Server) Name() string {
	return s.name
}

// Version returns the server version.
func (s *Server) Version() string {
	return s.version
}

// Registry returns the tool registry.
func (s *Server) Registry() *tools.Registry {
	return s.registry
}

// IsInitialized returns whether the server has been initialized by a client.
func (s *Server) IsInitialized() bool {
	s.initMu.RLock()
	defer s.initMu.RUnlock()
	return s.initialized
}

func (s *Server) setInitialized(v bool) {
	s.initMu.Lock()
	defer s.initMu.Unlock()
	s.initialized = v
}

// Serve starts the server on the default stdio transport and blocks.
func (s *Server) Serve() error {
	return s.ServeTransport(transport.NewStdioServerTransport())
}

// ServeTransport starts the server on the specified transport and blocks.
func (s *Server) ServeTransport(t transport.Transport) error {
	s.transport = t
	s.wg.Add(1)
	go s.messageLoop()
	s.wg.Wait()
	return nil
}

// Close shuts down the server.
func (s *Server) Close() error {
	s.cancel()
	s.wg.Wait()
	if s.transport != nil {
		return s.transport.Close()
	}
	return nil
}

// messageLoop is the main message processing loop.
func (s *Server) messageLoop() {
	defer s.wg.Done()

	for {
		select {
		case <-s.ctx.Done():
			return
		default:
		}

		data, err := s.transport.Receive(s.ctx)
		if err != nil {
			if s.ctx.Err() != nil {
				return
			}
			s.sendError(nil, protocol.NewParseError(err.Error()))
			continue
		}

		response := s.parseAndHandle(data)
		if response == nil {
			continue
		}
		s.sendResponse(response)
	}
}

// parseAndHandle parses a message and handles it. Streaming calls are
// dispatched to their own goroutine so long-running tools do not block
// the message loop; they return nil here and respond asynchronously.
func (s *Server) parseAndHandle(data []byte) *protocol.Response {
	msg, err := protocol.ParseMessage(data)
	if err != nil {
		return protocol.NewErrorResponse(nil, protocol.NewParseError(err.Error()))
	}

	if msg.IsNotification() {
		s.handler.HandleNotification(s.ctx, msg.ToNotification())
		return nil
	}

	if msg.IsRequest() {
		req := msg.ToRequest()
		if req.Method == protocol.MethodCallStream {
			if !s.IsInitialized() {
				return protocol.NewErrorResponse(req.ID, protocol.NewNotInitializedError())
			}
			s.wg.Add(1)
			go func() {
				defer s.wg.Done()
				s.sendResponse(s.handler.HandleStreamingCall(s.ctx, req))
			}()
			return nil
		}
		return s.handler.HandleRequest(s.ctx, req)
	}

	return protocol.NewErrorResponse(nil, protocol.NewInvalidRequestError("unexpected message type"))
}

func (s *Server) sendResponse(response *protocol.Response) {
	data, err := json.Marshal(response)
	if err != nil {
		s.sendError(response.ID, protocol.NewInternalError(err.Error()))
		return
	}
	if err := s.transport.Send(s.ctx, data); err != nil {
		logger.Warn().Err(err).Msg("Failed to send response")
	}
}

// sendChunk emits a call/chunk notification for a streaming call.
func (s *Server) sendChunk(params protocol.CallChunkParams) {
	notif, err := protocol.NewNotification(protocol.MethodCallChunk, params)
	if err != nil {
		return
	}
	data, err := json.Marshal(notif)
	if err != nil {
		return
	}
	if err := s.transport.Send(s.ctx, data); err != nil {
		logger.Warn().Err(err).Str("callID", params.CallID).Msg("Failed to send chunk notification")
	}
}

// sendError sends an error response.
func (s *Server) sendError(id any, rpcErr *protocol.RPCError) {
	response := protocol.NewErrorResponse(id, rpcErr)
	data, err := json.Marshal(response)
	if err != nil {
		return
	}
	_ = s.transport.Send(s.ctx, data)
}

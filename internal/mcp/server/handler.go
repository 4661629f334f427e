package server

import (
	"context"
	"encoding/json"
	"fmt"

	"expertstream/internal/mcp/protocol"
	"expertstream/internal/tools"
)

// HandlerFunc is a function that handles an MCP method.
type HandlerFunc func(ctx context.Context, params json.RawMessage) (any, error)

// MethodHandler handles MCP method calls.
type MethodHandler struct {
	server   *Server
	handlers map[string]HandlerFunc
}

// NewMethodHandler creates a new MethodHandler.
func NewMethodHandler(server *Server) *MethodHandler {
	h := &MethodHandler{
		server:   server,
		handlers: make(map[string]HandlerFunc),
	}
	h.registerHandlers()
	return h
}

func (h *MethodHandler) registerHandlers() {
	h.handlers[protocol.MethodInitialize] = h.handleInitialize
	h.handlers[protocol.MethodToolsList] = h.handleToolsList
	h.handlers[protocol.MethodToolInfo] = h.handleToolInfo
	h.handlers[protocol.MethodToolsCall] = h.handleToolsCall
	h.handlers[protocol.MethodPing] = h.handlePing
}

// HandleRequest handles a request message and returns a response.
func (h *MethodHandler) HandleRequest(ctx context.Context, req *protocol.Request) *protocol.Response {
	if req.Method != protocol.MethodInitialize && !h.server.IsInitialized() {
		return protocol.NewErrorResponse(req.ID, protocol.NewNotInitializedError())
	}

	handler, ok := h.handlers[req.Method]
	if !ok {
		return protocol.NewErrorResponse(req.ID, protocol.NewMethodNotFoundError(req.Method))
	}

	result, err := handler(ctx, req.Params)
	if err != nil {
		if rpcErr, ok := err.(*protocol.RPCError); ok {
			return protocol.NewErrorResponse(req.ID, rpcErr)
		}
		return protocol.NewErrorResponse(req.ID, protocol.NewInternalError(err.Error()))
	}

	resp, err := protocol.NewResponse(req.ID, result)
	if err != nil {
		return protocol.NewErrorResponse(req.ID, protocol.NewInternalError(err.Error()))
	}
	return resp
}

// HandleNotification handles a notification message.
func (h *MethodHandler) HandleNotification(ctx context.Context, notif *protocol.Notification) {
	switch notif.Method {
	case protocol.MethodInitialized:
		// Client acknowledges initialization
	case protocol.MethodCancelled:
		// Streaming calls observe their context instead
	default:
	}
}

// HandleStreamingCall executes a tool via the streaming "call" method.
// Incremental output is forwarded as call/chunk notifications correlated
// by the caller-provided call id; the returned response is final.
func (h *MethodHandler) HandleStreamingCall(ctx context.Context, req *protocol.Request) *protocol.Response {
	var callParams protocol.CallToolParams
	if err := json.Unmarshal(req.Params, &callParams); err != nil {
		return protocol.NewErrorResponse(req.ID, protocol.NewInvalidParamsError(err.Error()))
	}
	if callParams.Name == "" {
		return protocol.NewErrorResponse(req.ID, protocol.NewInvalidParamsError("tool name is required"))
	}

	tool, ok := h.server.registry.Get(callParams.Name)
	if !ok {
		return protocol.NewErrorResponse(req.ID, protocol.NewToolNotFoundError(callParams.Name))
	}

	emit := func(text string) {
		if callParams.CallID == "" || text == "" {
			return
		}
		h.server.sendChunk(protocol.CallChunkParams{
			CallID: callParams.CallID,
			Chunk:  text,
		})
	}

	var result tools.ToolResult
	var err error
	if streamer, ok := tool.(tools.StreamingTool); ok {
		result, err = streamer.ExecuteStream(ctx, callParams.Arguments, emit)
	} else {
		result, err = tool.Execute(ctx, callParams.Arguments)
	}
	if err != nil {
		if callParams.CallID != "" {
			h.server.sendChunk(protocol.CallChunkParams{CallID: callParams.CallID, Error: err.Error()})
		}
		return protocol.NewErrorResponse(req.ID, protocol.NewToolExecutionError(callParams.Name, err))
	}

	if callParams.CallID != "" {
		h.server.sendChunk(protocol.CallChunkParams{CallID: callParams.CallID, Done: true})
	}

	resp, respErr := protocol.NewResponse(req.ID, protocol.CallToolResult{
		Content: []protocol.Content{protocol.NewTextContent(result.Content)},
		IsError: result.IsError,
	})
	if respErr != nil {
		return protocol.NewErrorResponse(req.ID, protocol.NewInternalError(respErr.Error()))
	}
	return resp
}

// handleInitialize handles the initialize method.
func (h *MethodHandler) handleInitialize(ctx context.Context, params json.RawMessage) (any, error) {
	var initParams protocol.InitializeParams
	if err := json.Unmarshal(params, &initParams); err != nil {
		return nil, protocol.NewInvalidParamsError(err.Error())
	}

	if initParams.ProtocolVersion != protocol.ProtocolVersion {
		return nil, protocol.NewInvalidParamsError(
			fmt.Sprintf("unsupported protocol version: %s, expected: %s",
				initParams.ProtocolVersion, protocol.ProtocolVersion))
	}

	h.server.setInitialized(true)

	return protocol.InitializeResult{
		ProtocolVersion: protocol.ProtocolVersion,
		ServerInfo: protocol.ServerInfo{
			Name:    h.server.Name(),
			Version: h.server.Version(),
		},
		Capabilities: protocol.Capabilities{
			Tools: &protocol.ToolsCapability{
				Streaming: true,
			},
		},
	}, nil
}

// handleToolsList handles the tools/list method. The optional role
// filter is accepted for wire compatibility; every local tool is
// visible to every role.
func (h *MethodHandler) handleToolsList(ctx context.Context, params json.RawMessage) (any, error) {
	var listParams protocol.ListToolsParams
	if len(params) > 0 && string(params) != "null" {
		if err := json.Unmarshal(params, &listParams); err != nil {
			return nil, protocol.NewInvalidParamsError(err.Error())
		}
	}

	registered := h.server.registry.List()
	out := make([]protocol.Tool, 0, len(registered))
	for _, tool := range registered {
		pt, err := toProtocolTool(tool)
		if err != nil {
			return nil, err
		}
		out = append(out, pt)
	}

	return protocol.ListToolsResult{Tools: out}, nil
}

// handleToolInfo handles the tool_info method.
func (h *MethodHandler) handleToolInfo(ctx context.Context, params json.RawMessage) (any, error) {
	var infoParams protocol.ToolInfoParams
	if err := json.Unmarshal(params, &infoParams); err != nil {
		return nil, protocol.NewInvalidParamsError(err.Error())
	}
	if infoParams.Name == "" {
		return nil, protocol.NewInvalidParamsError("tool name is required")
	}

	tool, ok := h.server.registry.Get(infoParams.Name)
	if !ok {
		return nil, protocol.NewToolNotFoundError(infoParams.Name)
	}

	pt, err := toProtocolTool(tool)
	if err != nil {
		return nil, err
	}
	return protocol.ToolInfoResult{Tool: pt}, nil
}

// handleToolsCall handles the non-streaming tools/call method.
func (h *MethodHandler) handleToolsCall(ctx context.Context, params json.RawMessage) (any, error) {
	var callParams protocol.CallToolParams
	if err := json.Unmarshal(params, &callParams); err != nil {
		return nil, protocol.NewInvalidParamsError(err.Error())
	}
	if callParams.Name == "" {
		return nil, protocol.NewInvalidParamsError("tool name is required")
	}

	tool, ok := h.server.registry.Get(callParams.Name)
	if !ok {
		return nil, protocol.NewToolNotFoundError(callParams.Name)
	}

	result, err := tool.Execute(ctx, callParams.Arguments)
	if err != nil {
		return nil, protocol.NewToolExecutionError(callParams.Name, err)
	}

	return protocol.CallToolResult{
		Content: []protocol.Content{protocol.NewTextContent(result.Content)},
		IsError: result.IsError,
	}, nil
}

// handlePing handles the ping method.
func (h *MethodHandler) handlePing(ctx context.Context, params json.RawMessage) (any, error) {
	return struct{}{}, nil
}

// toProtocolTool converts a registered tool into its wire descriptor.
func toProtocolTool(tool tools.Tool) (protocol.Tool, error) {
	schema, err := json.Marshal(tool.Parameters())
	if err != nil {
		return protocol.Tool{}, protocol.NewInternalError(fmt.Sprintf("marshal schema for %s: %v", tool.Name(), err))
	}
	return protocol.Tool{
		Name:        tool.Name(),
		Description: tool.Description(),
		InputSchema: schema,
	}, nil
}

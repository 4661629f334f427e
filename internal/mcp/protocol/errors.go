package protocol

import "fmt"

// JSON-RPC 2.0 standard error codes.
const (
	ErrCodeParseError     = -32700
	ErrCodeInvalidRequest = -32600
	ErrCodeMethodNotFound = -32601
	ErrCodeInvalidParams  = -32602
	ErrCodeInternalError  = -32603
)

// Implementation-defined error codes for the tool surface.
const (
	ErrCodeToolNotFound        = -32001
	ErrCodeToolExecutionFailed = -32002
	ErrCodeNotInitialized      = -32003
)

func rpcError(code int, message string, data any) *RPCError {
	return &RPCError{Code: code, Message: message, Data: data}
}

// NewParseError reports unparseable input; data carries the detail.
func NewParseError(data any) *RPCError {
	return rpcError(ErrCodeParseError, "Parse error", data)
}

// NewInvalidRequestError reports a frame that is not a valid request.
func NewInvalidRequestError(msg string) *RPCError {
	return rpcError(ErrCodeInvalidRequest, fmt.Sprintf("Invalid request: %s", msg), nil)
}

// NewMethodNotFoundError reports an unknown method name.
func NewMethodNotFoundError(method string) *RPCError {
	return rpcError(ErrCodeMethodNotFound, fmt.Sprintf("Method not found: %s", method), nil)
}

// NewInvalidParamsError reports malformed or missing parameters.
func NewInvalidParamsError(msg string) *RPCError {
	return rpcError(ErrCodeInvalidParams, fmt.Sprintf("Invalid params: %s", msg), nil)
}

// NewInternalError reports a server-side failure.
func NewInternalError(msg string) *RPCError {
	return rpcError(ErrCodeInternalError, fmt.Sprintf("Internal error: %s", msg), nil)
}

// NewToolNotFoundError reports a call against an unregistered tool.
func NewToolNotFoundError(name string) *RPCError {
	return rpcError(ErrCodeToolNotFound, fmt.Sprintf("Tool not found: %s", name), nil)
}

// NewToolExecutionError reports a tool that ran and failed; the
// underlying error travels in data so the caller keeps the structured
// code and message.
func NewToolExecutionError(name string, err error) *RPCError {
	return rpcError(ErrCodeToolExecutionFailed, fmt.Sprintf("Tool execution failed: %s", name), err.Error())
}

// NewNotInitializedError reports a request that arrived before the
// initialize handshake completed.
func NewNotInitializedError() *RPCError {
	return rpcError(ErrCodeNotInitialized, "Server not initialized", nil)
}

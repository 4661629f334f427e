package protocol

import (
	"encoding/json"
	"errors"
	"strings"
	"testing"
)

func TestErrorConstructors(t *testing.T) {
	tests := []struct {
		name     string
		err      *RPCError
		wantCode int
		wantMsg  string
		wantData any
	}{
		{"parse", NewParseError("bad json"), ErrCodeParseError, "Parse error", "bad json"},
		{"invalid request", NewInvalidRequestError("no method"), ErrCodeInvalidRequest, "Invalid request: no method", nil},
		{"method not found", NewMethodNotFoundError("x/y"), ErrCodeMethodNotFound, "Method not found: x/y", nil},
		{"invalid params", NewInvalidParamsError("missing id"), ErrCodeInvalidParams, "Invalid params: missing id", nil},
		{"internal", NewInternalError("boom"), ErrCodeInternalError, "Internal error: boom", nil},
		{"tool not found", NewToolNotFoundError("ghost"), ErrCodeToolNotFound, "Tool not found: ghost", nil},
		{"tool execution", NewToolExecutionError("write_file", errors.New("denied")), ErrCodeToolExecutionFailed, "Tool execution failed: write_file", "denied"},
		{"not initialized", NewNotInitializedError(), ErrCodeNotInitialized, "Server not initialized", nil},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if tt.err.Code != tt.wantCode {
				t.Errorf("code = %d, want %d", tt.err.Code, tt.wantCode)
			}
			if tt.err.Message != tt.wantMsg {
				t.Errorf("message = %q, want %q", tt.err.Message, tt.wantMsg)
			}
			if tt.err.Data != tt.wantData {
				t.Errorf("data = %v, want %v", tt.err.Data, tt.wantData)
			}
		})
	}
}

func TestRPCErrorString(t *testing.T) {
	withData := &RPCError{Code: -32600, Message: "Invalid Request", Data: "extra"}
	if !strings.Contains(withData.Error(), "extra") {
		t.Errorf("expected data in error string, got %q", withData.Error())
	}
	withoutData := &RPCError{Code: -32600, Message: "Invalid Request"}
	if strings.Contains(withoutData.Error(), "data") {
		t.Errorf("unexpected data segment in %q", withoutData.Error())
	}
}

func TestConstructorsOmitNilPayloads(t *testing.T) {
	req, err := NewRequestWithID(7, "tools/list", nil)
	if err != nil {
		t.Fatalf("NewRequestWithID: %v", err)
	}
	if req.Params != nil {
		t.Errorf("expected nil params, got %s", req.Params)
	}

	notif, err := NewNotification("call/chunk", nil)
	if err != nil {
		t.Fatalf("NewNotification: %v", err)
	}
	if notif.Params != nil {
		t.Errorf("expected nil params, got %s", notif.Params)
	}

	resp, err := NewResponse(7, nil)
	if err != nil {
		t.Fatalf("NewResponse: %v", err)
	}
	if resp.Result != nil {
		t.Errorf("expected nil result, got %s", resp.Result)
	}
}

func TestConstructorsEncodePayloads(t *testing.T) {
	req, err := NewRequest("tools/call", map[string]string{"name": "read_file"})
	if err != nil {
		t.Fatalf("NewRequest: %v", err)
	}
	if req.ID == nil {
		t.Error("expected auto-generated ID")
	}
	var params map[string]string
	if err := json.Unmarshal(req.Params, &params); err != nil {
		t.Fatalf("unmarshal params: %v", err)
	}
	if params["name"] != "read_file" {
		t.Errorf("params = %v", params)
	}

	resp, err := NewResponse(1, map[string]int{"count": 3})
	if err != nil {
		t.Fatalf("NewResponse: %v", err)
	}
	var result map[string]int
	if err := json.Unmarshal(resp.Result, &result); err != nil {
		t.Fatalf("unmarshal result: %v", err)
	}
	if result["count"] != 3 {
		t.Errorf("result = %v", result)
	}
}

func TestConstructorsRejectUnmarshalable(t *testing.T) {
	if _, err := NewRequestWithID(1, "m", func() {}); err == nil {
		t.Error("expected marshal error for request params")
	}
	if _, err := NewNotification("m", func() {}); err == nil {
		t.Error("expected marshal error for notification params")
	}
	if _, err := NewResponse(1, func() {}); err == nil {
		t.Error("expected marshal error for response result")
	}
}

func TestParseMessageKinds(t *testing.T) {
	tests := []struct {
		name    string
		input   string
		wantErr bool
		check   func(*Message) bool
	}{
		{
			name:  "request",
			input: `{"jsonrpc":"2.0","id":1,"method":"initialize"}`,
			check: func(m *Message) bool { return m.IsRequest() && m.ToRequest() != nil },
		},
		{
			name:  "notification",
			input: `{"jsonrpc":"2.0","method":"call/chunk","params":{}}`,
			check: func(m *Message) bool { return m.IsNotification() && m.ToNotification() != nil },
		},
		{
			name:  "response",
			input: `{"jsonrpc":"2.0","id":2,"result":{"ok":true}}`,
			check: func(m *Message) bool { return m.IsResponse() && m.ToResponse() != nil },
		},
		{
			name:  "error response",
			input: `{"jsonrpc":"2.0","id":2,"error":{"code":-32601,"message":"nope"}}`,
			check: func(m *Message) bool { return m.IsResponse() && m.Error.Code == -32601 },
		},
		{name: "invalid json", input: `{`, wantErr: true},
		{name: "wrong version", input: `{"jsonrpc":"1.0","method":"m"}`, wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			msg, err := ParseMessage([]byte(tt.input))
			if tt.wantErr {
				if err == nil {
					t.Error("expected error")
				}
				return
			}
			if err != nil {
				t.Fatalf("ParseMessage: %v", err)
			}
			if !tt.check(msg) {
				t.Error("message kind check failed")
			}
		})
	}
}

func TestGetRequestID(t *testing.T) {
	tests := []struct {
		input any
		want  int64
	}{
		{int64(9), 9},
		{float64(9), 9},
		{int(9), 9},
		{"not-a-number", 0},
		{nil, 0},
	}
	for _, tt := range tests {
		if got := GetRequestID(tt.input); got != tt.want {
			t.Errorf("GetRequestID(%v) = %d, want %d", tt.input, got, tt.want)
		}
	}
}

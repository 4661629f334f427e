package broker

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"

	"expertstream/internal/mcp/protocol"
)

// listTools discovers the tool catalog of an HTTP downstream by POSTing a
// JSON-RPC tools/list request to its MCP endpoint. role is optional and
// forwarded when non-empty.
func listTools(ctx context.Context, httpClient *http.Client, serverURL, role string) ([]protocol.Tool, error) {
	params := map[string]any{}
	if role != "" {
		params["role"] = role
	}

	req, err := protocol.NewRequest(protocol.MethodToolsList, params)
	if err != nil {
		return nil, fmt.Errorf("build tools/list request: %w", err)
	}
	payload, err := json.Marshal(req)
	if err != nil {
		return nil, fmt.Errorf("marshal tools/list request: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, serverURL, bytes.NewReader(payload))
	if err != nil {
		return nil, fmt.Errorf("create tools/list request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("Accept", "application/json")

	resp, err := httpClient.Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("tools/list request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		data, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return nil, fmt.Errorf("tools/list: status %d: %s", resp.StatusCode, strings.TrimSpace(string(data)))
	}

	body, err := io.ReadAll(io.LimitReader(resp.Body, 16*1024*1024))
	if err != nil {
		return nil, fmt.Errorf("read tools/list response: %w", err)
	}

	var rpcResp protocol.Response
	if err := json.Unmarshal(body, &rpcResp); err != nil {
		return nil, fmt.Errorf("parse tools/list response: %w", err)
	}
	if rpcResp.Error != nil {
		return nil, fmt.Errorf("tools/list: %s (code %d)", rpcResp.Error.Message, rpcResp.Error.Code)
	}

	var result protocol.ListToolsResult
	if err := json.Unmarshal(rpcResp.Result, &result); err != nil {
		return nil, fmt.Errorf("parse tools/list result: %w", err)
	}

	return result.Tools, nil
}

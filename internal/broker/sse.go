package broker

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"

	"expertstream/pkg/logger"
)

// sseCallPath is the per-call endpoint derived from a downstream's MCP URL.
const (
	mcpPathSuffix = "/mcp"
	sseCallPath   = "/sse/openai/tool/call"
)

// CallEndpoint rewrites a downstream MCP URL into its SSE tool-call endpoint.
func CallEndpoint(serverURL string) string {
	if strings.Contains(serverURL, mcpPathSuffix) {
		return strings.Replace(serverURL, mcpPathSuffix, sseCallPath, 1)
	}
	return strings.TrimRight(serverURL, "/") + sseCallPath
}

// streamPart is one parsed piece of an SSE tool-call stream.
type streamPart struct {
	Text string
	Err  error
}

type sseCallRequest struct {
	ToolName  string         `json:"tool_name"`
	Arguments map[string]any `json:"arguments"`
}

// invokeSSE POSTs a tool call to an SSE endpoint and streams parsed text
// chunks. The channel is closed when the downstream sends "event: end",
// the body ends, or an error part is emitted.
func invokeSSE(ctx context.Context, httpClient *http.Client, endpoint, toolName string, args map[string]any) (<-chan streamPart, error) {
	payload, err := json.Marshal(sseCallRequest{ToolName: toolName, Arguments: args})
	if err != nil {
		return nil, fmt.Errorf("marshal call request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(payload))
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "text/event-stream")

	resp, err := httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("tool call request: %w", err)
	}

	if resp.StatusCode != http.StatusOK {
		defer resp.Body.Close()
		data, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return nil, fmt.Errorf("tool call: status %d: %s", resp.StatusCode, strings.TrimSpace(string(data)))
	}

	contentType := resp.Header.Get("Content-Type")
	if !strings.HasPrefix(contentType, "text/event-stream") {
		resp.Body.Close()
		return nil, fmt.Errorf("tool call: unexpected content type %q", contentType)
	}

	parts := make(chan streamPart, 32)

	go func() {
		defer close(parts)
		defer resp.Body.Close()
		parseSSEBody(resp.Body, parts)
	}()

	return parts, nil
}

// parseSSEBody reads blank-line-delimited SSE events from r and emits text
// parts. Recognized event names: "end" (clean termination), "error"
// (terminate with the payload as error), anything else is a data event.
func parseSSEBody(r io.Reader, parts chan<- streamPart) {
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)

	eventType := ""
	var dataLines []string

	flush := func() (terminal bool) {
		defer func() {
			eventType = ""
			dataLines = nil
		}()

		if len(dataLines) == 0 && eventType == "" {
			return false
		}
		payload := strings.Join(dataLines, "\n")

		switch eventType {
		case "end":
			return true
		case "error":
			msg := payload
			var errBody struct {
				Message string `json:"message"`
			}
			if json.Unmarshal([]byte(payload), &errBody) == nil && errBody.Message != "" {
				msg = errBody.Message
			}
			parts <- streamPart{Err: errors.New(msg)}
			return true
		default:
			if text, ok := extractChunkText(payload); ok && text != "" {
				parts <- streamPart{Text: text}
			}
			return false
		}
	}

	for scanner.Scan() {
		line := scanner.Text()

		if line == "" {
			if flush() {
				return
			}
			continue
		}
		if strings.HasPrefix(line, ":") {
			continue
		}
		if strings.HasPrefix(line, "event:") {
			eventType = strings.TrimSpace(strings.TrimPrefix(line, "event:"))
			continue
		}
		if strings.HasPrefix(line, "data:") {
			dataLines = append(dataLines, strings.TrimSpace(strings.TrimPrefix(line, "data:")))
			continue
		}
	}

	if err := scanner.Err(); err != nil {
		parts <- streamPart{Err: err}
		return
	}

	// Leftover non-terminated event at EOF is dropped.
	if len(dataLines) > 0 {
		logger.Warn().Str("buffer", strings.Join(dataLines, "\n")).Msg("Dropping non-terminated SSE buffer at EOF")
	}
}

// extractChunkText pulls a text chunk out of one SSE data payload.
// Non-JSON payloads are forwarded verbatim. Structural markers
// (structure_start / structure_complete) are skipped.
func extractChunkText(payload string) (string, bool) {
	var obj map[string]any
	if err := json.Unmarshal([]byte(payload), &obj); err != nil {
		// Not JSON: forward raw text.
		return payload, true
	}

	if t, ok := obj["type"].(string); ok {
		if t == "structure_start" || t == "structure_complete" {
			return "", false
		}
	}

	if text, ok := chunkFields(obj); ok {
		return text, true
	}

	if nested, ok := obj["data"].(map[string]any); ok {
		if text, ok := chunkFields(nested); ok {
			return text, true
		}
	}

	if text, ok := openAIDelta(obj); ok {
		return text, true
	}

	return "", false
}

// chunkFields tries the plain chunk field names in priority order.
// Values are normalized, so downstreams may send string lists or
// structured payloads where text is expected.
func chunkFields(obj map[string]any) (string, bool) {
	if v, ok := obj["chunk"]; ok && v != nil {
		return NormalizeChunk(v), true
	}
	if v, ok := obj["display"]; ok && v != nil {
		return NormalizeChunk(v) + "\n", true
	}
	if v, ok := obj["content"]; ok && v != nil {
		return NormalizeChunk(v), true
	}
	return "", false
}

// openAIDelta extracts choices[0].delta.{content|function_call.arguments}.
func openAIDelta(obj map[string]any) (string, bool) {
	choices, ok := obj["choices"].([]any)
	if !ok || len(choices) == 0 {
		return "", false
	}
	first, ok := choices[0].(map[string]any)
	if !ok {
		return "", false
	}
	delta, ok := first["delta"].(map[string]any)
	if !ok {
		return "", false
	}
	if v, ok := delta["content"]; ok && v != nil {
		return NormalizeChunk(v), true
	}
	if fc, ok := delta["function_call"].(map[string]any); ok {
		if v, ok := fc["arguments"]; ok && v != nil {
			return NormalizeChunk(v), true
		}
	}
	return "", false
}

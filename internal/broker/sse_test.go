package broker

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func collectParts(t *testing.T, body string) ([]string, error) {
	t.Helper()
	parts := make(chan streamPart, 64)
	go func() {
		defer close(parts)
		parseSSEBody(strings.NewReader(body), parts)
	}()

	var texts []string
	for p := range parts {
		if p.Err != nil {
			return texts, p.Err
		}
		texts = append(texts, p.Text)
	}
	return texts, nil
}

func TestCallEndpoint(t *testing.T) {
	assert.Equal(t, "http://host:8080/sse/openai/tool/call",
		CallEndpoint("http://host:8080/mcp"))
	assert.Equal(t, "http://host:8080/sse/openai/tool/call",
		CallEndpoint("http://host:8080/"))
}

func TestParseSSEBodyChunks(t *testing.T) {
	body := "data: {\"chunk\": \"hello \"}\n\n" +
		"data: {\"chunk\": \"world\"}\n\n" +
		"event: end\ndata: {}\n\n"

	texts, err := collectParts(t, body)
	require.NoError(t, err)
	assert.Equal(t, []string{"hello ", "world"}, texts)
}

func TestParseSSEBodyError(t *testing.T) {
	body := "data: {\"chunk\": \"partial\"}\n\n" +
		"event: error\ndata: {\"message\": \"backend exploded\"}\n\n"

	texts, err := collectParts(t, body)
	require.Error(t, err)
	assert.Equal(t, "backend exploded", err.Error())
	assert.Equal(t, []string{"partial"}, texts)
}

func TestParseSSEBodyNormalizesListChunks(t *testing.T) {
	body := "data: {\"content\": [\"a\", \"b\"]}\n\n" +
		"event: end\ndata: {}\n\n"

	texts, err := collectParts(t, body)
	require.NoError(t, err)
	assert.Equal(t, []string{"ab"}, texts)
}

func TestParseSSEBodyNonJSONForwarded(t *testing.T) {
	body := "data: plain text line\n\nevent: end\ndata: {}\n\n"

	texts, err := collectParts(t, body)
	require.NoError(t, err)
	assert.Equal(t, []string{"plain text line"}, texts)
}

func TestParseSSEBodySkipsStructureMarkers(t *testing.T) {
	body := "data: {\"type\": \"structure_start\", \"content\": \"x\"}\n\n" +
		"data: {\"content\": \"kept\"}\n\n" +
		"data: {\"type\": \"structure_complete\", \"content\": \"y\"}\n\n" +
		"event: end\ndata: {}\n\n"

	texts, err := collectParts(t, body)
	require.NoError(t, err)
	assert.Equal(t, []string{"kept"}, texts)
}

func TestExtractChunkText(t *testing.T) {
	tests := []struct {
		name    string
		payload string
		want    string
		ok      bool
	}{
		{"chunk", `{"chunk": "a"}`, "a", true},
		{"display gets newline", `{"display": "row"}`, "row\n", true},
		{"content", `{"content": "c"}`, "c", true},
		{"nested data chunk", `{"data": {"chunk": "n"}}`, "n", true},
		{"nested data display", `{"data": {"display": "d"}}`, "d\n", true},
		{"openai delta content", `{"choices": [{"delta": {"content": "o"}}]}`, "o", true},
		{"openai function args", `{"choices": [{"delta": {"function_call": {"arguments": "{}"}}}]}`, "{}", true},
		{"unknown shape", `{"other": 1}`, "", false},
		{"not json", "raw", "raw", true},
		{"content string list concatenated", `{"content": ["a", "b"]}`, "ab", true},
		{"chunk string list concatenated", `{"chunk": ["x", "y", "z"]}`, "xyz", true},
		{"content dict rendered as json", `{"content": {"k": "v"}}`, `{"k":"v"}`, true},
		{"null content falls through", `{"content": null}`, "", false},
		{"nested data content list", `{"data": {"content": ["n1", "n2"]}}`, "n1n2", true},
		{"openai delta content list", `{"choices": [{"delta": {"content": ["p", "q"]}}]}`, "pq", true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, ok := extractChunkText(tt.payload)
			assert.Equal(t, tt.ok, ok)
			assert.Equal(t, tt.want, got)
		})
	}
}

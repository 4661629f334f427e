package gateway

import (
	"bufio"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"expertstream/internal/broker"
	"expertstream/internal/driver"
	"expertstream/internal/llm"
)

// cannedChat replays one event sequence per completion request.
type cannedChat struct {
	events []llm.ChatEvent
}

func (c *cannedChat) Stream(ctx context.Context, req llm.ChatRequest) (<-chan llm.ChatEvent, error) {
	out := make(chan llm.ChatEvent, len(c.events))
	for _, ev := range c.events {
		out <- ev
	}
	close(out)
	return out, nil
}

type noopExecutor struct{}

func (noopExecutor) Catalog() []broker.ToolDescriptor { return nil }

func (noopExecutor) Execute(ctx context.Context, calls []broker.CallRequest) <-chan broker.ExecutionEvent {
	out := make(chan broker.ExecutionEvent)
	close(out)
	return out
}

func testGateway(events ...llm.ChatEvent) *Gateway {
	newDriver := func() *driver.Driver {
		return driver.New(&cannedChat{events: events}, noopExecutor{}, nil, nil, driver.Options{})
	}
	return New(":0", newDriver, "you are terse")
}

func TestQuery_StreamsChunks(t *testing.T) {
	g := testGateway(
		llm.ChatEvent{Delta: "hello "},
		llm.ChatEvent{Delta: "world"},
		llm.ChatEvent{FinishReason: llm.FinishReasonStop},
	)

	body := strings.NewReader(`{"question":"say hello"}`)
	req := httptest.NewRequest(http.MethodPost, "/v1/query", body)
	rec := httptest.NewRecorder()
	g.Handler().ServeHTTP(rec, req)

	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "application/x-ndjson", rec.Header().Get("Content-Type"))

	var chunks []driver.Chunk
	scanner := bufio.NewScanner(rec.Body)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}
		var c driver.Chunk
		require.NoError(t, json.Unmarshal([]byte(line), &c))
		chunks = append(chunks, c)
	}

	require.Len(t, chunks, 2)
	assert.Equal(t, driver.ChunkContent, chunks[0].Type)
	assert.Equal(t, "hello ", chunks[0].Data)
	assert.Equal(t, "world", chunks[1].Data)
}

func TestQuery_RequiresQuestion(t *testing.T) {
	g := testGateway()

	req := httptest.NewRequest(http.MethodPost, "/v1/query", strings.NewReader(`{}`))
	rec := httptest.NewRecorder()
	g.Handler().ServeHTTP(rec, req)

	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestQuery_RejectsBadJSON(t *testing.T) {
	g := testGateway()

	req := httptest.NewRequest(http.MethodPost, "/v1/query", strings.NewReader("{not json"))
	rec := httptest.NewRecorder()
	g.Handler().ServeHTTP(rec, req)

	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestQuery_MethodNotAllowed(t *testing.T) {
	g := testGateway()

	req := httptest.NewRequest(http.MethodGet, "/v1/query", nil)
	rec := httptest.NewRecorder()
	g.Handler().ServeHTTP(rec, req)

	assert.Equal(t, http.StatusMethodNotAllowed, rec.Code)
}

func TestHealth(t *testing.T) {
	g := testGateway()

	req := httptest.NewRequest(http.MethodGet, "/healthz", nil)
	rec := httptest.NewRecorder()
	g.Handler().ServeHTTP(rec, req)

	require.Equal(t, http.StatusOK, rec.Code)
	assert.JSONEq(t, `{"status":"ok"}`, rec.Body.String())
}

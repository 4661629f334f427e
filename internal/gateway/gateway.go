// Package gateway exposes the conversation driver over HTTP for
// clients that cannot speak MCP stdio. It is off by default.
package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/mux"

	"expertstream/internal/driver"
	"expertstream/internal/llm"
	"expertstream/pkg/logger"
)

// Gateway serves streaming query requests over HTTP.
type Gateway struct {
	addr         string
	newDriver    func() *driver.Driver
	systemPrompt string

	srv *http.Server
}

// New creates a gateway listening on addr. newDriver must return a
// fresh driver per request so concurrent queries never share state.
func New(addr string, newDriver func() *driver.Driver, systemPrompt string) *Gateway {
	g := &Gateway{
		addr:         addr,
		newDriver:    newDriver,
		systemPrompt: systemPrompt,
	}

	r := mux.NewRouter()
	r.HandleFunc("/v1/query", g.handleQuery).Methods(http.MethodPost)
	r.HandleFunc("/healthz", g.handleHealth).Methods(http.MethodGet)

	g.srv = &http.Server{
		Addr:              addr,
		Handler:           r,
		ReadHeaderTimeout: 10 * time.Second,
	}
	return g
}

// Handler returns the underlying HTTP handler, used by tests.
func (g *Gateway) Handler() http.Handler {
	return g.srv.Handler
}

// Start begins serving and blocks until the listener fails or the
// gateway is shut down.
func (g *Gateway) Start() error {
	logger.Info().Str("addr", g.addr).Msg("HTTP gateway listening")
	if err := g.srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("gateway listen on %s: %w", g.addr, err)
	}
	return nil
}

// Shutdown stops the gateway gracefully.
func (g *Gateway) Shutdown(ctx context.Context) error {
	return g.srv.Shutdown(ctx)
}

type queryRequest struct {
	Question     string `json:"question"`
	SystemPrompt string `json:"system_prompt,omitempty"`
}

// handleQuery drives one conversation turn and streams each chunk as a
// newline-delimited JSON object, flushed as it is produced.
func (g *Gateway) handleQuery(w http.ResponseWriter, r *http.Request) {
	var req queryRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, fmt.Sprintf("invalid request body: %v", err), http.StatusBadRequest)
		return
	}
	if req.Question == "" {
		http.Error(w, "question is required", http.StatusBadRequest)
		return
	}

	prompt := req.SystemPrompt
	if prompt == "" {
		prompt = g.systemPrompt
	}

	var messages []llm.Message
	if prompt != "" {
		messages = append(messages, llm.Message{Role: llm.RoleSystem, Content: prompt})
	}
	messages = append(messages, llm.Message{Role: llm.RoleUser, Content: req.Question})

	w.Header().Set("Content-Type", "application/x-ndjson")
	w.Header().Set("Cache-Control", "no-cache")
	w.WriteHeader(http.StatusOK)

	flusher, _ := w.(http.Flusher)
	conversationID := uuid.New().String()
	d := g.newDriver()

	// Client disconnect aborts the turn through the request context.
	go func() {
		<-r.Context().Done()
		d.Abort()
	}()

	enc := json.NewEncoder(w)
	for chunk := range d.Drive(r.Context(), conversationID, messages) {
		if err := enc.Encode(chunk); err != nil {
			logger.Warn().Err(err).Str("conversationID", conversationID).Msg("Client write failed, aborting turn")
			d.Abort()
			break
		}
		if flusher != nil {
			flusher.Flush()
		}
	}
}

func (g *Gateway) handleHealth(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	_, _ = w.Write([]byte(`{"status":"ok"}`))
}

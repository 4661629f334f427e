package broker

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"sync"
	"time"

	"expertstream/internal/mcp/client"
	"expertstream/pkg/logger"
)

const (
	discoveryTimeout = 15 * time.Second
	callTimeout      = 120 * time.Second
)

// Config configures a Broker.
type Config struct {
	HTTPServers  []HTTPServer
	StdioServers []StdioServer

	// Role optionally filters the tools advertised by HTTP downstreams.
	Role string

	// LazyDiscovery skips the startup catalog build; downstreams are
	// discovered on first call instead.
	LazyDiscovery bool
}

// CallRequest is one tool call to execute.
type CallRequest struct {
	ID        string
	Name      string
	Arguments any
}

// Broker aggregates tools from configured downstream MCP servers and
// routes streaming calls to them by prefixed tool name.
type Broker struct {
	cfg Config

	discoveryClient *http.Client
	callClient      *http.Client
	cache           *client.Cache

	mu         sync.RWMutex
	catalog    map[string]*ToolDescriptor
	order      []string
	discovered map[string]bool
}

// New creates a broker over the configured downstreams. cache holds the
// long-lived stdio clients and may be shared with other components.
func New(cfg Config, cache *client.Cache) *Broker {
	if cache == nil {
		cache = client.NewCache()
	}
	return &Broker{
		cfg:             cfg,
		discoveryClient: &http.Client{Timeout: discoveryTimeout},
		callClient:      &http.Client{Timeout: callTimeout},
		cache:           cache,
		catalog:         make(map[string]*ToolDescriptor),
		discovered:      make(map[string]bool),
	}
}

// Init builds the tool catalog from every configured downstream. A
// downstream that fails discovery is logged and skipped; its tools can
// still be resolved lazily at call time once it recovers.
func (b *Broker) Init(ctx context.Context) {
	if b.cfg.LazyDiscovery {
		return
	}
	for _, srv := range b.cfg.HTTPServers {
		if err := b.discoverHTTP(ctx, srv); err != nil {
			logger.Warn().Err(err).Str("server", srv.Name).Msg("HTTP downstream discovery failed")
		}
	}
	for _, srv := range b.cfg.StdioServers {
		if err := b.discoverStdio(ctx, srv); err != nil {
			logger.Warn().Err(err).Str("server", srv.Name).Msg("Stdio downstream discovery failed")
		}
	}
}

// discoverHTTP queries one HTTP downstream and registers its tools.
func (b *Broker) discoverHTTP(ctx context.Context, srv HTTPServer) error {
	ctx, cancel := context.WithTimeout(ctx, discoveryTimeout)
	defer cancel()

	tools, err := listTools(ctx, b.discoveryClient, srv.URL, b.cfg.Role)
	if err != nil {
		return err
	}

	endpoint := CallEndpoint(srv.URL)

	b.mu.Lock()
	defer b.mu.Unlock()
	for _, t := range tools {
		b.register(&ToolDescriptor{
			PrefixedName:    srv.Name + "_" + t.Name,
			Description:     t.Description,
			ParameterSchema: t.Schema(),
			Protocol:        ProtocolSSE,
			Endpoint:        endpoint,
			OriginalName:    t.Name,
		})
	}
	b.discovered[srv.Name] = true
	logger.Info().Str("server", srv.Name).Int("tools", len(tools)).Msg("Discovered HTTP downstream")
	return nil
}

// discoverStdio spawns (or reuses) the downstream subprocess and registers
// its tools.
func (b *Broker) discoverStdio(ctx context.Context, srv StdioServer) error {
	key := client.CacheKey{Command: srv.Command, Alias: srv.Alias, ConfigDir: srv.ConfigDir}
	cl, err := b.cache.GetOrCreate(ctx, key)
	if err != nil {
		return err
	}

	tools, err := cl.ListTools(ctx, b.cfg.Role)
	if err != nil {
		b.cache.Remove(key)
		return err
	}

	b.mu.Lock()
	defer b.mu.Unlock()
	for _, t := range tools {
		b.register(&ToolDescriptor{
			PrefixedName:    srv.Name + "_" + t.Name,
			Description:     t.Description,
			ParameterSchema: t.Schema(),
			Protocol:        ProtocolStdio,
			Command:         srv.Command,
			Alias:           srv.Alias,
			ConfigDir:       srv.ConfigDir,
			OriginalName:    t.Name,
		})
	}
	b.discovered[srv.Name] = true
	logger.Info().Str("server", srv.Name).Int("tools", len(tools)).Msg("Discovered stdio downstream")
	return nil
}

// register inserts or replaces a descriptor. Caller holds b.mu.
func (b *Broker) register(d *ToolDescriptor) {
	if _, exists := b.catalog[d.PrefixedName]; !exists {
		b.order = append(b.order, d.PrefixedName)
	}
	b.catalog[d.PrefixedName] = d
}

// Catalog returns the known descriptors in registration order.
func (b *Broker) Catalog() []ToolDescriptor {
	b.mu.RLock()
	defer b.mu.RUnlock()
	out := make([]ToolDescriptor, 0, len(b.order))
	for _, name := range b.order {
		out = append(out, *b.catalog[name])
	}
	return out
}

// Lookup returns the descriptor for a prefixed tool name.
func (b *Broker) Lookup(name string) (*ToolDescriptor, bool) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	d, ok := b.catalog[name]
	return d, ok
}

// Resolve finds the descriptor for a prefixed name, discovering the owning
// downstream on demand when it is not in the catalog yet.
func (b *Broker) Resolve(ctx context.Context, name string) (*ToolDescriptor, error) {
	if d, ok := b.Lookup(name); ok {
		return d, nil
	}

	// The prefix identifies which configured server owns the tool.
	for _, srv := range b.cfg.HTTPServers {
		if strings.HasPrefix(name, srv.Name+"_") {
			if err := b.discoverHTTP(ctx, srv); err != nil {
				return nil, fmt.Errorf("discover %s: %w", srv.Name, err)
			}
			break
		}
	}
	for _, srv := range b.cfg.StdioServers {
		if strings.HasPrefix(name, srv.Name+"_") {
			if err := b.discoverStdio(ctx, srv); err != nil {
				return nil, fmt.Errorf("discover %s: %w", srv.Name, err)
			}
			break
		}
	}

	if d, ok := b.Lookup(name); ok {
		return d, nil
	}
	return nil, fmt.Errorf("unknown tool: %s", name)
}

// Execute runs the given tool calls sequentially and streams their output.
// Every call produces zero or more partial events followed by exactly one
// final event carrying the accumulated content; failures produce an error
// final whose content ends with a JSON error payload.
func (b *Broker) Execute(ctx context.Context, calls []CallRequest) <-chan ExecutionEvent {
	events := make(chan ExecutionEvent, 32)

	go func() {
		defer close(events)
		for _, call := range calls {
			b.executeOne(ctx, call, events)
			if ctx.Err() != nil {
				return
			}
		}
	}()

	return events
}

// executeOne runs a single call and emits its events, always ending with
// exactly one final event.
func (b *Broker) executeOne(ctx context.Context, call CallRequest, events chan<- ExecutionEvent) {
	var accumulated strings.Builder

	emitPartial := func(text string) {
		if text == "" {
			return
		}
		accumulated.WriteString(text)
		select {
		case events <- ExecutionEvent{
			ToolCallID: call.ID,
			ToolName:   call.Name,
			Content:    text,
		}:
		case <-ctx.Done():
		}
	}

	finish := func(callErr error) {
		content := accumulated.String()
		isError := callErr != nil
		if isError {
			payload, _ := json.Marshal(map[string]string{"error": callErr.Error()})
			content += string(payload)
			logger.Error().Err(callErr).Str("tool", call.Name).Msg("Tool call failed")
		}
		events <- ExecutionEvent{
			ToolCallID: call.ID,
			ToolName:   call.Name,
			Content:    content,
			IsFinal:    true,
			IsError:    isError,
		}
	}

	desc, err := b.Resolve(ctx, call.Name)
	if err != nil {
		finish(err)
		return
	}

	args := NormalizeArguments(call.Arguments)

	switch desc.Protocol {
	case ProtocolStdio:
		finish(b.streamStdio(ctx, desc, args, emitPartial))
	case ProtocolSSE, ProtocolHTTP:
		finish(b.streamSSE(ctx, desc, args, emitPartial))
	default:
		finish(fmt.Errorf("unsupported protocol %q for tool %s", desc.Protocol, call.Name))
	}
}

// streamSSE executes an HTTP downstream call over its SSE endpoint.
func (b *Broker) streamSSE(ctx context.Context, desc *ToolDescriptor, args map[string]any, emit func(string)) error {
	parts, err := invokeSSE(ctx, b.callClient, desc.Endpoint, desc.OriginalName, args)
	if err != nil {
		return err
	}
	for part := range parts {
		if part.Err != nil {
			return part.Err
		}
		emit(part.Text)
	}
	return ctx.Err()
}

// streamStdio executes a call through the cached subprocess client. Any
// transport failure evicts the cache entry so the next call re-spawns.
func (b *Broker) streamStdio(ctx context.Context, desc *ToolDescriptor, args map[string]any, emit func(string)) error {
	key := client.CacheKey{Command: desc.Command, Alias: desc.Alias, ConfigDir: desc.ConfigDir}

	cl, err := b.cache.GetOrCreate(ctx, key)
	if err != nil {
		return err
	}

	chunks, err := cl.CallStream(ctx, desc.OriginalName, args)
	if err != nil {
		b.cache.Remove(key)
		return err
	}

	for chunk := range chunks {
		if chunk.Err != nil {
			b.cache.Remove(key)
			return chunk.Err
		}
		emit(chunk.Text)
	}
	return ctx.Err()
}

// Close releases the stdio client pool.
func (b *Broker) Close() {
	b.cache.CloseAll()
}

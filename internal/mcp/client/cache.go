package client

import (
	"context"
	"sync"

	"expertstream/pkg/logger"
)

// CacheKey identifies a long-lived stdio client by how it is spawned.
type CacheKey struct {
	Command   string
	Alias     string
	ConfigDir string
}

// Cache is a keyed pool of long-lived stdio MCP clients. Entries are
// created on first use; creation is single-flight per key so N concurrent
// requests for a cold key spawn exactly one subprocess.
type Cache struct {
	clients map[CacheKey]*Client
	keyMu   map[CacheKey]*sync.Mutex
	mu      sync.Mutex

	// spawn is replaceable in tests.
	spawn func(ctx context.Context, key CacheKey) (*Client, error)
}

// NewCache creates an empty client cache.
func NewCache() *Cache {
	c := &Cache{
		clients: make(map[CacheKey]*Client),
		keyMu:   make(map[CacheKey]*sync.Mutex),
	}
	c.spawn = c.spawnClient
	return c
}

func (c *Cache) spawnClient(ctx context.Context, key CacheKey) (*Client, error) {
	cl := New(key.Alias, Config{
		Command:   key.Command,
		Alias:     key.Alias,
		ConfigDir: key.ConfigDir,
	})
	if err := cl.Connect(ctx); err != nil {
		return nil, err
	}
	return cl, nil
}

// keyMutex returns the per-key creation mutex, creating it on demand.
func (c *Cache) keyMutex(key CacheKey) *sync.Mutex {
	c.mu.Lock()
	defer c.mu.Unlock()
	m, ok := c.keyMu[key]
	if !ok {
		m = &sync.Mutex{}
		c.keyMu[key] = m
	}
	return m
}

// GetOrCreate returns the cached client for key, spawning one on a miss.
// The cache-wide mutex is never held across subprocess IO; only the
// per-key mutex guards the spawn.
func (c *Cache) GetOrCreate(ctx context.Context, key CacheKey) (*Client, error) {
	c.mu.Lock()
	if cl, ok := c.clients[key]; ok && cl.IsConnected() {
		c.mu.Unlock()
		return cl, nil
	}
	c.mu.Unlock()

	km := c.keyMutex(key)
	km.Lock()
	defer km.Unlock()

	// Double-check after acquiring the key mutex: a concurrent caller may
	// have finished the spawn while we were waiting.
	c.mu.Lock()
	if cl, ok := c.clients[key]; ok && cl.IsConnected() {
		c.mu.Unlock()
		return cl, nil
	}
	c.mu.Unlock()

	cl, err := c.spawn(ctx, key)
	if err != nil {
		return nil, err
	}

	c.mu.Lock()
	c.clients[key] = cl
	c.mu.Unlock()

	logger.Info().Str("alias", key.Alias).Str("command", key.Command).Msg("Spawned stdio MCP client")
	return cl, nil
}

// Get returns the cached client for key without creating one.
func (c *Cache) Get(key CacheKey) (*Client, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	cl, ok := c.clients[key]
	return cl, ok
}

// Remove evicts the entry and terminates its subprocess. The next
// GetOrCreate for the key re-spawns. Shutdown errors are swallowed
// with a warning.
func (c *Cache) Remove(key CacheKey) {
	c.mu.Lock()
	cl, ok := c.clients[key]
	if ok {
		delete(c.clients, key)
	}
	c.mu.Unlock()

	if !ok {
		return
	}
	if err := cl.Close(); err != nil {
		logger.Warn().Err(err).Str("alias", key.Alias).Msg("Error shutting down evicted stdio client")
	}
}

// CloseAll releases every entry and clears the per-key mutex map.
func (c *Cache) CloseAll() {
	c.mu.Lock()
	clients := c.clients
	c.clients = make(map[CacheKey]*Client)
	c.keyMu = make(map[CacheKey]*sync.Mutex)
	c.mu.Unlock()

	for key, cl := range clients {
		if err := cl.Close(); err != nil {
			logger.Warn().Err(err).Str("alias", key.Alias).Msg("Error closing stdio client")
		}
	}
}

// Len returns the number of cached clients.
func (c *Cache) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.clients)
}

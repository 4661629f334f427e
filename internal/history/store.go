// Package history persists conversation records to a document database
// when one is reachable, falling back to a local JSON file otherwise.
package history

import (
	"context"
	"sync"
	"time"

	"expertstream/pkg/logger"
)

const (
	initTimeout  = 3 * time.Second
	probeTimeout = 2 * time.Second

	// fileRecordCap bounds the file backend; oldest records are dropped.
	fileRecordCap = 1000
)

// Record is one persisted conversation entry.
type Record struct {
	ConversationID string         `json:"conversation_id" bson:"conversation_id"`
	Role           string         `json:"role" bson:"role"`
	Content        string         `json:"content" bson:"content"`
	Timestamp      time.Time      `json:"timestamp" bson:"timestamp"`
	Metadata       map[string]any `json:"metadata,omitempty" bson:"metadata,omitempty"`
}

// Backend stores and retrieves records.
type Backend interface {
	Save(ctx context.Context, rec Record) error
	Get(ctx context.Context, conversationID string, limit int) ([]Record, error)
	Close(ctx context.Context) error
}

// Config configures the store.
type Config struct {
	// Enabled turns persistence on. A disabled store is a no-op.
	Enabled bool
	// DocumentURI is the optional document-database connection string.
	DocumentURI string
	// Database is the document database name.
	Database string
	// FilePath is the JSON fallback file.
	FilePath string
	// Testing forces the file backend without probing the document one.
	Testing bool
}

// Store selects its backend lazily on first use. The probe is bounded so
// an unreachable document database never blocks the streaming path.
type Store struct {
	cfg Config

	initMu      sync.Mutex
	initialized bool
	backend     Backend
}

// New creates a store. No IO happens until the first Save or Get.
func New(cfg Config) *Store {
	return &Store{cfg: cfg}
}

// ensureInitialized picks the backend, single-flight. It always succeeds:
// any document-backend failure falls back to the file backend.
func (s *Store) ensureInitialized(ctx context.Context) Backend {
	s.initMu.Lock()
	defer s.initMu.Unlock()

	if s.initialized {
		return s.backend
	}

	ctx, cancel := context.WithTimeout(ctx, initTimeout)
	defer cancel()

	file := newFileBackend(s.cfg.FilePath)
	if err := file.ensureExists(); err != nil {
		logger.Warn().Err(err).Str("path", s.cfg.FilePath).Msg("Could not create history file")
	}

	s.backend = file
	s.initialized = true

	if s.cfg.Testing || s.cfg.DocumentURI == "" {
		return s.backend
	}

	doc, err := newDocumentBackend(ctx, s.cfg.DocumentURI, s.cfg.Database, probeTimeout)
	if err != nil {
		logger.Warn().Err(err).Msg("Document history backend unavailable, using file backend")
		return s.backend
	}

	logger.Info().Str("database", s.cfg.Database).Msg("Using document history backend")
	s.backend = doc
	return s.backend
}

// Save appends one record. Backend errors are logged, never raised, so
// history persistence cannot break a conversation.
func (s *Store) Save(ctx context.Context, conversationID, role, content string, metadata map[string]any) {
	if !s.cfg.Enabled {
		return
	}
	backend := s.ensureInitialized(ctx)
	rec := Record{
		ConversationID: conversationID,
		Role:           role,
		Content:        content,
		Timestamp:      time.Now().UTC(),
		Metadata:       metadata,
	}
	if err := backend.Save(ctx, rec); err != nil {
		logger.Warn().Err(err).Str("conversation", conversationID).Msg("Failed to save history record")
	}
}

// Get returns up to limit records for a conversation, oldest first.
func (s *Store) Get(ctx context.Context, conversationID string, limit int) ([]Record, error) {
	if !s.cfg.Enabled {
		return nil, nil
	}
	backend := s.ensureInitialized(ctx)
	return backend.Get(ctx, conversationID, limit)
}

// Close releases the backend if one was opened.
func (s *Store) Close(ctx context.Context) error {
	s.initMu.Lock()
	defer s.initMu.Unlock()
	if !s.initialized || s.backend == nil {
		return nil
	}
	return s.backend.Close(ctx)
}

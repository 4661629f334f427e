package history

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
)

// fileBackend stores records as a single JSON array, capped at
// fileRecordCap with the most recent records winning.
type fileBackend struct {
	path string
	mu   sync.Mutex
}

func newFileBackend(path string) *fileBackend {
	return &fileBackend{path: path}
}

// ensureExists creates the file (and parent directories) with an empty
// record array if it does not exist yet.
func (f *fileBackend) ensureExists() error {
	f.mu.Lock()
	defer f.mu.Unlock()

	if _, err := os.Stat(f.path); err == nil {
		return nil
	}
	if err := os.MkdirAll(filepath.Dir(f.path), 0o755); err != nil {
		return fmt.Errorf("create history dir: %w", err)
	}
	return os.WriteFile(f.path, []byte("[]"), 0o644)
}

// load reads the full record array. A missing or corrupt file yields an
// empty slice so a torn write only loses history, never availability.
func (f *fileBackend) load() []Record {
	data, err := os.ReadFile(f.path)
	if err != nil {
		return nil
	}
	var records []Record
	if err := json.Unmarshal(data, &records); err != nil {
		return nil
	}
	return records
}

func (f *fileBackend) Save(_ context.Context, rec Record) error {
	f.mu.Lock()
	defer f.mu.Unlock()

	records := f.load()
	records = append(records, rec)
	if len(records) > fileRecordCap {
		records = records[len(records)-fileRecordCap:]
	}

	data, err := json.MarshalIndent(records, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal history: %w", err)
	}
	return os.WriteFile(f.path, data, 0o644)
}

func (f *fileBackend) Get(_ context.Context, conversationID string, limit int) ([]Record, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	var out []Record
	for _, rec := range f.load() {
		if rec.ConversationID == conversationID {
			out = append(out, rec)
		}
	}
	if limit > 0 && len(out) > limit {
		out = out[len(out)-limit:]
	}
	return out, nil
}

func (f *fileBackend) Close(context.Context) error {
	return nil
}

package history

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestStore(t *testing.T) (*Store, string) {
	t.Helper()
	path := filepath.Join(t.TempDir(), "history.json")
	return New(Config{Enabled: true, FilePath: path, Testing: true}), path
}

func TestSaveAndGet(t *testing.T) {
	s, _ := newTestStore(t)
	ctx := context.Background()

	s.Save(ctx, "c1", "user", "hello", nil)
	s.Save(ctx, "c1", "assistant", "hi", nil)
	s.Save(ctx, "c2", "user", "other", nil)

	records, err := s.Get(ctx, "c1", 0)
	require.NoError(t, err)
	require.Len(t, records, 2)
	assert.Equal(t, "hello", records[0].Content)
	assert.Equal(t, "hi", records[1].Content)
}

func TestGetLimitKeepsMostRecent(t *testing.T) {
	s, _ := newTestStore(t)
	ctx := context.Background()

	for i := 0; i < 5; i++ {
		s.Save(ctx, "c1", "user", fmt.Sprintf("msg-%d", i), nil)
	}

	records, err := s.Get(ctx, "c1", 2)
	require.NoError(t, err)
	require.Len(t, records, 2)
	assert.Equal(t, "msg-3", records[0].Content)
	assert.Equal(t, "msg-4", records[1].Content)
}

func TestDisabledStoreIsNoop(t *testing.T) {
	path := filepath.Join(t.TempDir(), "history.json")
	s := New(Config{Enabled: false, FilePath: path})
	ctx := context.Background()

	s.Save(ctx, "c1", "user", "hello", nil)

	_, err := os.Stat(path)
	assert.True(t, os.IsNotExist(err))

	records, err := s.Get(ctx, "c1", 0)
	require.NoError(t, err)
	assert.Empty(t, records)
}

func TestFileCapDropsOldest(t *testing.T) {
	path := filepath.Join(t.TempDir(), "history.json")
	backend := newFileBackend(path)
	require.NoError(t, backend.ensureExists())
	ctx := context.Background()

	for i := 0; i < fileRecordCap+10; i++ {
		require.NoError(t, backend.Save(ctx, Record{
			ConversationID: "c1",
			Role:           "user",
			Content:        fmt.Sprintf("msg-%d", i),
			Timestamp:      time.Now().UTC(),
		}))
	}

	records := backend.load()
	require.Len(t, records, fileRecordCap)
	assert.Equal(t, "msg-10", records[0].Content)
}

func TestCorruptFileTreatedAsEmpty(t *testing.T) {
	path := filepath.Join(t.TempDir(), "history.json")
	require.NoError(t, os.WriteFile(path, []byte("{not valid"), 0o644))
	backend := newFileBackend(path)
	ctx := context.Background()

	require.NoError(t, backend.Save(ctx, Record{ConversationID: "c1", Role: "user", Content: "fresh"}))

	records, err := backend.Get(ctx, "c1", 0)
	require.NoError(t, err)
	require.Len(t, records, 1)
}

func TestUnreachableDocumentBackendFallsBack(t *testing.T) {
	path := filepath.Join(t.TempDir(), "history.json")
	s := New(Config{
		Enabled: true,
		// Non-routable address: the probe must time out quickly.
		DocumentURI: "mongodb://127.0.0.1:1/?connectTimeoutMS=500&serverSelectionTimeoutMS=500",
		Database:    "expertstream",
		FilePath:    path,
	})
	ctx := context.Background()

	start := time.Now()
	s.Save(ctx, "c1", "user", "survives", nil)
	elapsed := time.Since(start)

	assert.Less(t, elapsed, 10*time.Second)

	records, err := s.Get(ctx, "c1", 0)
	require.NoError(t, err)
	require.Len(t, records, 1)
	assert.Equal(t, "survives", records[0].Content)
}

func TestTimestampSerializedISO8601(t *testing.T) {
	s, path := newTestStore(t)
	ctx := context.Background()

	s.Save(ctx, "c1", "user", "hello", nil)

	data, err := os.ReadFile(path)
	require.NoError(t, err)

	var raw []map[string]any
	require.NoError(t, json.Unmarshal(data, &raw))
	require.Len(t, raw, 1)

	ts, ok := raw[0]["timestamp"].(string)
	require.True(t, ok)
	_, err = time.Parse(time.RFC3339Nano, ts)
	assert.NoError(t, err)
}

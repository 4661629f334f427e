package indexer

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestIndexer(t *testing.T) (*Indexer, string) {
	t.Helper()
	root := t.TempDir()
	idx, err := New(root, t.TempDir(), Options{})
	require.NoError(t, err)
	t.Cleanup(func() { idx.Close() })
	return idx, root
}

func writeFile(t *testing.T, root, name, content string) string {
	t.Helper()
	path := filepath.Join(root, name)
	require.NoError(t, os.MkdirAll(filepath.Dir(path), 0o755))
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
	return path
}

func TestScanIndexesSupportedFiles(t *testing.T) {
	idx, root := newTestIndexer(t)
	writeFile(t, root, "main.go", "package main\nfunc main() {}\n")
	writeFile(t, root, "notes.md", "remember the milk\n")
	writeFile(t, root, "image.png", "binarydata")

	require.NoError(t, idx.Scan())
	assert.Equal(t, 2, idx.Len())
}

func TestScanSkipsIgnoredDirs(t *testing.T) {
	idx, root := newTestIndexer(t)
	writeFile(t, root, "keep.go", "package keep\n")
	writeFile(t, root, ".git/config.md", "should not index\n")
	writeFile(t, root, "node_modules/pkg/index.js", "var x = 1\n")

	require.NoError(t, idx.Scan())
	assert.Equal(t, 1, idx.Len())
}

func TestSearchReturnsLineMatches(t *testing.T) {
	idx, root := newTestIndexer(t)
	writeFile(t, root, "a.go", "package a\n\nfunc HandleRequest() {}\nvar handler = HandleRequest\n")
	writeFile(t, root, "b.go", "package b\n// nothing relevant\n")

	require.NoError(t, idx.Scan())

	results := idx.Search("handlerequest", 0)
	require.Len(t, results, 1)
	assert.Equal(t, 4, results[0].TotalLines)
	require.Len(t, results[0].Matches, 2)
	assert.Equal(t, 3, results[0].Matches[0].Line)
	assert.Equal(t, 4, results[0].Matches[1].Line)
}

func TestSearchCaseInsensitive(t *testing.T) {
	idx, root := newTestIndexer(t)
	writeFile(t, root, "a.md", "The QUICK brown fox\n")

	require.NoError(t, idx.Scan())

	assert.Len(t, idx.Search("quick", 0), 1)
	assert.Len(t, idx.Search("QuIcK", 0), 1)
}

func TestSearchMaxMatchesPerFile(t *testing.T) {
	idx, root := newTestIndexer(t)
	content := ""
	for i := 0; i < 10; i++ {
		content += "needle here\n"
	}
	writeFile(t, root, "big.txt", content)

	require.NoError(t, idx.Scan())

	results := idx.Search("needle", 3)
	require.Len(t, results, 1)
	assert.Len(t, results[0].Matches, 3)
	assert.Equal(t, 10, results[0].TotalLines)
}

func TestHashSkipsNoopReindex(t *testing.T) {
	idx, root := newTestIndexer(t)
	path := writeFile(t, root, "a.go", "package a\n")
	require.NoError(t, idx.Scan())

	before := idx.docs[path]
	require.NoError(t, idx.IndexFile(path))
	assert.Same(t, before, idx.docs[path], "unchanged file must not be replaced")

	// Changed content is replaced.
	require.NoError(t, os.WriteFile(path, []byte("package a\nvar x = 1\n"), 0o644))
	require.NoError(t, idx.IndexFile(path))
	assert.NotSame(t, before, idx.docs[path])
}

func TestRemoveDropsFromSearch(t *testing.T) {
	idx, root := newTestIndexer(t)
	path := writeFile(t, root, "a.go", "package gone\n")
	require.NoError(t, idx.Scan())
	require.Len(t, idx.Search("gone", 0), 1)

	require.NoError(t, os.Remove(path))
	idx.Remove(path)

	assert.Empty(t, idx.Search("gone", 0))
	assert.Zero(t, idx.Len())
}

func TestIndexPersistsAcrossReopen(t *testing.T) {
	root := t.TempDir()
	dataDir := t.TempDir()

	idx, err := New(root, dataDir, Options{})
	require.NoError(t, err)
	writeFile(t, root, "a.go", "package persisted\n")
	require.NoError(t, idx.Scan())
	require.NoError(t, idx.Close())

	reopened, err := New(root, dataDir, Options{})
	require.NoError(t, err)
	defer reopened.Close()

	assert.Equal(t, 1, reopened.Len())
	assert.Len(t, reopened.Search("persisted", 0), 1)
}

func TestWatcherPicksUpNewFile(t *testing.T) {
	idx, root := newTestIndexer(t)
	require.NoError(t, idx.Scan())
	require.NoError(t, idx.Watch())

	writeFile(t, root, "fresh.go", "package fresh\nvar marker = \"watched_content\"\n")

	require.Eventually(t, func() bool {
		return len(idx.Search("watched_content", 0)) == 1
	}, 10*time.Second, 100*time.Millisecond)
}

func TestWatcherRemovesDeletedFile(t *testing.T) {
	idx, root := newTestIndexer(t)
	path := writeFile(t, root, "doomed.go", "package doomed\n")
	require.NoError(t, idx.Scan())
	require.NoError(t, idx.Watch())

	require.NoError(t, os.Remove(path))

	require.Eventually(t, func() bool {
		return idx.Len() == 0
	}, 10*time.Second, 100*time.Millisecond)
}

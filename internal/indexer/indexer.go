// Package indexer maintains a persistent full-text index over a
// workspace tree and keeps it current through filesystem events.
package indexer

import (
	"crypto/sha256"
	"database/sql"
	"encoding/hex"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"unicode"

	_ "modernc.org/sqlite"

	"expertstream/pkg/logger"
)

// DefaultExtensions are the text file types indexed by default.
var DefaultExtensions = []string{
	".go", ".py", ".js", ".ts", ".json", ".yaml", ".yml", ".toml",
	".md", ".txt", ".sh", ".sql", ".html", ".css", ".xml", ".proto",
}

// DefaultIgnoredDirs are skipped during scanning and watching.
var DefaultIgnoredDirs = []string{
	".git", "node_modules", "vendor", "dist", "build", "__pycache__", ".idea", ".vscode",
}

// maxFileSize caps the content read per file.
const maxFileSize = 2 * 1024 * 1024

// Options tunes what the indexer covers.
type Options struct {
	Extensions  []string
	IgnoredDirs []string
}

// document is the in-memory view of one indexed file.
type document struct {
	content string
	modTime int64
	hash    string
}

// Indexer owns the sqlite store and the in-memory inverted index.
// All mutations hold the write lock.
type Indexer struct {
	root string
	db   *sql.DB
	opts Options

	mu       sync.RWMutex
	docs     map[string]*document
	inverted map[string]map[string]struct{}

	watch *watcher
}

// New opens (or creates) the index database under dataDir and loads the
// persisted entries into memory.
func New(root, dataDir string, opts Options) (*Indexer, error) {
	if len(opts.Extensions) == 0 {
		opts.Extensions = DefaultExtensions
	}
	if len(opts.IgnoredDirs) == 0 {
		opts.IgnoredDirs = DefaultIgnoredDirs
	}

	if err := os.MkdirAll(dataDir, 0o755); err != nil {
		return nil, fmt.Errorf("create index dir: %w", err)
	}

	db, err := sql.Open("sqlite", filepath.Join(dataDir, "index.db"))
	if err != nil {
		return nil, fmt.Errorf("open index db: %w", err)
	}
	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		db.Close()
		return nil, fmt.Errorf("enable WAL: %w", err)
	}
	if _, err := db.Exec("PRAGMA busy_timeout=5000"); err != nil {
		db.Close()
		return nil, fmt.Errorf("set busy timeout: %w", err)
	}
	if _, err := db.Exec(`CREATE TABLE IF NOT EXISTS files (
		path TEXT PRIMARY KEY,
		content TEXT NOT NULL,
		mtime INTEGER NOT NULL,
		hash TEXT NOT NULL
	)`); err != nil {
		db.Close()
		return nil, fmt.Errorf("create files table: %w", err)
	}

	idx := &Indexer{
		root:     root,
		db:       db,
		opts:     opts,
		docs:     make(map[string]*document),
		inverted: make(map[string]map[string]struct{}),
	}

	if err := idx.loadPersisted(); err != nil {
		db.Close()
		return nil, err
	}
	return idx, nil
}

// loadPersisted fills the in-memory maps from the database.
func (idx *Indexer) loadPersisted() error {
	rows, err := idx.db.Query("SELECT path, content, mtime, hash FROM files")
	if err != nil {
		return fmt.Errorf("load index: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		var path, content, hash string
		var mtime int64
		if err := rows.Scan(&path, &content, &mtime, &hash); err != nil {
			return fmt.Errorf("scan index row: %w", err)
		}
		idx.docs[path] = &document{content: content, modTime: mtime, hash: hash}
		idx.addTokens(path, content)
	}
	return rows.Err()
}

// Scan walks the workspace and (re)indexes every matching file. Entries
// whose files vanished are removed.
func (idx *Indexer) Scan() error {
	seen := make(map[string]bool)

	err := filepath.WalkDir(idx.root, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return nil
		}
		if d.IsDir() {
			if idx.ignoredDir(d.Name()) {
				return filepath.SkipDir
			}
			return nil
		}
		if !idx.supported(path) {
			return nil
		}
		seen[path] = true
		if err := idx.IndexFile(path); err != nil {
			logger.Warn().Err(err).Str("path", path).Msg("Could not index file")
		}
		return nil
	})
	if err != nil {
		return fmt.Errorf("scan workspace: %w", err)
	}

	idx.mu.Lock()
	var stale []string
	for path := range idx.docs {
		if !seen[path] {
			stale = append(stale, path)
		}
	}
	idx.mu.Unlock()

	for _, path := range stale {
		idx.Remove(path)
	}

	logger.Info().Str("root", idx.root).Int("files", len(seen)).Msg("Workspace scan complete")
	return nil
}

func (idx *Indexer) ignoredDir(name string) bool {
	for _, dir := range idx.opts.IgnoredDirs {
		if name == dir {
			return true
		}
	}
	return false
}

func (idx *Indexer) supported(path string) bool {
	ext := strings.ToLower(filepath.Ext(path))
	for _, e := range idx.opts.Extensions {
		if ext == e {
			return true
		}
	}
	return false
}

// IndexFile reads one file and updates the index, skipping the rewrite
// when the content hash is unchanged.
func (idx *Indexer) IndexFile(path string) error {
	info, err := os.Stat(path)
	if err != nil {
		return err
	}
	if info.Size() > maxFileSize {
		return nil
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return err
	}

	sum := sha256.Sum256(data)
	hash := hex.EncodeToString(sum[:])

	idx.mu.Lock()
	defer idx.mu.Unlock()

	if doc, ok := idx.docs[path]; ok && doc.hash == hash {
		return nil
	}

	content := string(data)
	if doc, ok := idx.docs[path]; ok {
		idx.removeTokens(path, doc.content)
	}
	idx.docs[path] = &document{content: content, modTime: info.ModTime().Unix(), hash: hash}
	idx.addTokens(path, content)

	_, err = idx.db.Exec(
		`INSERT INTO files (path, content, mtime, hash) VALUES (?, ?, ?, ?)
		 ON CONFLICT(path) DO UPDATE SET content=excluded.content, mtime=excluded.mtime, hash=excluded.hash`,
		path, content, info.ModTime().Unix(), hash)
	return err
}

// Remove drops a file from the index.
func (idx *Indexer) Remove(path string) {
	idx.mu.Lock()
	defer idx.mu.Unlock()

	doc, ok := idx.docs[path]
	if !ok {
		return
	}
	idx.removeTokens(path, doc.content)
	delete(idx.docs, path)

	if _, err := idx.db.Exec("DELETE FROM files WHERE path = ?", path); err != nil {
		logger.Warn().Err(err).Str("path", path).Msg("Could not delete index entry")
	}
}

// Len returns the number of indexed files.
func (idx *Indexer) Len() int {
	idx.mu.RLock()
	defer idx.mu.RUnlock()
	return len(idx.docs)
}

// Close stops the watcher if running and closes the database.
func (idx *Indexer) Close() error {
	if idx.watch != nil {
		idx.watch.stop()
	}
	return idx.db.Close()
}

// addTokens registers the file's tokens. Caller holds the write lock.
func (idx *Indexer) addTokens(path, content string) {
	for token := range tokenize(content) {
		posting, ok := idx.inverted[token]
		if !ok {
			posting = make(map[string]struct{})
			idx.inverted[token] = posting
		}
		posting[path] = struct{}{}
	}
}

// removeTokens unregisters the file's tokens. Caller holds the write lock.
func (idx *Indexer) removeTokens(path, content string) {
	for token := range tokenize(content) {
		posting, ok := idx.inverted[token]
		if !ok {
			continue
		}
		delete(posting, path)
		if len(posting) == 0 {
			delete(idx.inverted, token)
		}
	}
}

// tokenize splits content into lowercase alphanumeric words.
func tokenize(content string) map[string]struct{} {
	tokens := make(map[string]struct{})
	var b strings.Builder
	flush := func() {
		if b.Len() > 1 {
			tokens[strings.ToLower(b.String())] = struct{}{}
		}
		b.Reset()
	}
	for _, r := range content {
		if unicode.IsLetter(r) || unicode.IsDigit(r) || r == '_' {
			b.WriteRune(r)
		} else {
			flush()
		}
	}
	flush()
	return tokens
}

package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
)

// DefaultConfigDir returns the default configuration directory (~/.expertstream).
func DefaultConfigDir() (string, error) {
	home, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("get home dir: %w", err)
	}
	return filepath.Join(home, ".expertstream"), nil
}

// DefaultHistoryPath returns the fallback history file path.
func DefaultHistoryPath() (string, error) {
	dir, err := DefaultConfigDir()
	if err != nil {
		return "", err
	}
	return filepath.Join(dir, "chat_history.json"), nil
}

// DefaultTasksDir returns the directory holding task session files.
func DefaultTasksDir() (string, error) {
	dir, err := DefaultConfigDir()
	if err != nil {
		return "", err
	}
	return filepath.Join(dir, "tasks"), nil
}

// DefaultIndexDir returns the indexer data directory for a workspace.
// Each workspace gets its own subdirectory keyed by a sanitized path.
func DefaultIndexDir(workspace string) (string, error) {
	dir, err := DefaultConfigDir()
	if err != nil {
		return "", err
	}
	abs, err := filepath.Abs(workspace)
	if err != nil {
		abs = workspace
	}
	key := strings.NewReplacer("/", "_", "\\", "_", ":", "_").Replace(strings.TrimPrefix(abs, "/"))
	if key == "" {
		key = "root"
	}
	return filepath.Join(dir, "index", key), nil
}

// ExpandPath expands a ~ prefix in path to the user home directory.
func ExpandPath(path string) (string, error) {
	if path == "" {
		return "", nil
	}

	if strings.HasPrefix(path, "~/") {
		home, err := os.UserHomeDir()
		if err != nil {
			return "", fmt.Errorf("get home dir: %w", err)
		}
		return filepath.Join(home, path[2:]), nil
	}

	if path == "~" {
		return os.UserHomeDir()
	}

	return path, nil
}

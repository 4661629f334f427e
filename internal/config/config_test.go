package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoad_Defaults(t *testing.T) {
	cfg, err := Load(writeConfig(t, ""))
	require.NoError(t, err)

	assert.Equal(t, "https://api.openai.com/v1", cfg.BaseURL)
	assert.Equal(t, "gpt-4o", cfg.ModelName)
	assert.Equal(t, 5, cfg.SummaryInterval)
	assert.Equal(t, 25, cfg.MaxRounds)
	assert.Equal(t, 30000, cfg.SummaryLengthThreshold)
	assert.True(t, cfg.EnableHistory)
	assert.Equal(t, 100, cfg.HistoryLimit)
	assert.Equal(t, ".", cfg.Workspace)
	assert.False(t, cfg.Gateway.Enabled)
	assert.Equal(t, ":8090", cfg.Gateway.Addr)
	assert.Equal(t, "info", cfg.Log.Level)
}

func TestLoad_FileOverridesDefaults(t *testing.T) {
	path := writeConfig(t, `
model_name: local-model
max_rounds: 3
summary_interval: 2
gateway:
  enabled: true
  addr: ":9999"
`)

	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, "local-model", cfg.ModelName)
	assert.Equal(t, 3, cfg.MaxRounds)
	assert.Equal(t, 2, cfg.SummaryInterval)
	assert.True(t, cfg.Gateway.Enabled)
	assert.Equal(t, ":9999", cfg.Gateway.Addr)
	// Untouched keys keep their defaults.
	assert.Equal(t, "https://api.openai.com/v1", cfg.BaseURL)
}

func TestLoad_EnvOverrides(t *testing.T) {
	t.Setenv("EXPERTSTREAM_MODEL_NAME", "env-model")
	t.Setenv("EXPERTSTREAM_MAX_ROUNDS", "7")

	cfg, err := Load(writeConfig(t, "model_name: file-model\n"))
	require.NoError(t, err)

	assert.Equal(t, "env-model", cfg.ModelName)
	assert.Equal(t, 7, cfg.MaxRounds)
}

func TestLoad_MissingExplicitFile(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "nope.yaml"))
	assert.Error(t, err)
}

func TestHTTPServers(t *testing.T) {
	cfg := &Config{MCPServers: "files:http://localhost:8081/mcp, search:https://tools.example.com/mcp"}

	servers := cfg.HTTPServers()
	require.Len(t, servers, 2)
	assert.Equal(t, "files", servers[0].Name)
	assert.Equal(t, "http://localhost:8081/mcp", servers[0].URL)
	assert.Equal(t, "search", servers[1].Name)
	assert.Equal(t, "https://tools.example.com/mcp", servers[1].URL)
}

func TestHTTPServers_SkipsMalformed(t *testing.T) {
	cfg := &Config{MCPServers: "no-colon-entry,ok:http://x, :http://y,empty:"}

	servers := cfg.HTTPServers()
	require.Len(t, servers, 1)
	assert.Equal(t, "ok", servers[0].Name)
}

func TestHTTPServers_Empty(t *testing.T) {
	cfg := &Config{}
	assert.Empty(t, cfg.HTTPServers())
}

func TestStdioServers(t *testing.T) {
	cfg := &Config{StdioMCPServers: "local:/usr/bin/tool-server--files,plain:/opt/bin/other"}

	servers := cfg.StdioServers()
	require.Len(t, servers, 2)

	assert.Equal(t, "local", servers[0].Name)
	assert.Equal(t, "/usr/bin/tool-server", servers[0].Command)
	assert.Equal(t, "files", servers[0].Alias)

	// Alias falls back to the server name when omitted.
	assert.Equal(t, "plain", servers[1].Name)
	assert.Equal(t, "/opt/bin/other", servers[1].Command)
	assert.Equal(t, "plain", servers[1].Alias)
}

func TestStdioServers_SkipsEmptyCommand(t *testing.T) {
	cfg := &Config{StdioMCPServers: "bad:--alias,good:/bin/srv--a"}

	servers := cfg.StdioServers()
	require.Len(t, servers, 1)
	assert.Equal(t, "good", servers[0].Name)
}

func TestExpandPath(t *testing.T) {
	home, err := os.UserHomeDir()
	require.NoError(t, err)

	got, err := ExpandPath("~/data/x.json")
	require.NoError(t, err)
	assert.Equal(t, filepath.Join(home, "data/x.json"), got)

	got, err = ExpandPath("/abs/path")
	require.NoError(t, err)
	assert.Equal(t, "/abs/path", got)

	got, err = ExpandPath("")
	require.NoError(t, err)
	assert.Equal(t, "", got)
}

func writeConfig(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.yaml")
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatal(err)
	}
	return path
}

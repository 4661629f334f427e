// Package config loads the expert-stream configuration from file,
// environment and defaults.
package config

import (
	"fmt"
	"strings"

	"github.com/spf13/viper"

	"expertstream/internal/broker"
	"expertstream/pkg/logger"
)

// Config is the application configuration root.
type Config struct {
	// LLM chat-completion endpoint.
	APIKey    string `mapstructure:"api_key" yaml:"api_key"`
	BaseURL   string `mapstructure:"base_url" yaml:"base_url"`
	ModelName string `mapstructure:"model_name" yaml:"model_name"`

	// SystemPrompt is the initial system message for conversations.
	SystemPrompt string `mapstructure:"system_prompt" yaml:"system_prompt"`

	// MCPServers lists HTTP downstreams as "name1:url1,name2:url2".
	MCPServers string `mapstructure:"mcp_servers" yaml:"mcp_servers"`
	// StdioMCPServers lists stdio downstreams as "name:command--alias[,...]".
	StdioMCPServers string `mapstructure:"stdio_mcp_servers" yaml:"stdio_mcp_servers"`
	// Role optionally filters discovered tools.
	Role string `mapstructure:"role" yaml:"role"`
	// LazyDiscovery defers downstream discovery to first use.
	LazyDiscovery bool `mapstructure:"lazy_discovery" yaml:"lazy_discovery"`

	// Conversation loop bounds.
	SummaryInterval        int    `mapstructure:"summary_interval" yaml:"summary_interval"`
	MaxRounds              int    `mapstructure:"max_rounds" yaml:"max_rounds"`
	SummaryLengthThreshold int    `mapstructure:"summary_length_threshold" yaml:"summary_length_threshold"`
	SummaryInstruction     string `mapstructure:"summary_instruction" yaml:"summary_instruction"`
	SummaryRequest         string `mapstructure:"summary_request" yaml:"summary_request"`

	// History store.
	EnableHistory     bool   `mapstructure:"enable_history" yaml:"enable_history"`
	HistoryBackendURI string `mapstructure:"history_backend_uri" yaml:"history_backend_uri"`
	HistoryDatabase   string `mapstructure:"history_database" yaml:"history_database"`
	HistoryLimit      int    `mapstructure:"history_limit" yaml:"history_limit"`

	// Workspace is the root the indexer and file tools operate on.
	Workspace string `mapstructure:"workspace" yaml:"workspace"`

	Gateway GatewayConfig    `mapstructure:"gateway" yaml:"gateway"`
	Log     logger.LogConfig `mapstructure:"log" yaml:"log"`
}

// GatewayConfig configures the optional HTTP gateway.
type GatewayConfig struct {
	Enabled bool   `mapstructure:"enabled" yaml:"enabled"`
	Addr    string `mapstructure:"addr" yaml:"addr"`
}

// setDefaults registers the documented defaults on a viper instance.
func setDefaults(v *viper.Viper) {
	v.SetDefault("base_url", "https://api.openai.com/v1")
	v.SetDefault("model_name", "gpt-4o")
	v.SetDefault("summary_interval", 5)
	v.SetDefault("max_rounds", 25)
	v.SetDefault("summary_length_threshold", 30000)
	v.SetDefault("enable_history", true)
	v.SetDefault("history_database", "expertstream")
	v.SetDefault("history_limit", 100)
	v.SetDefault("workspace", ".")
	v.SetDefault("gateway.enabled", false)
	v.SetDefault("gateway.addr", ":8090")
	v.SetDefault("log.level", "info")
	v.SetDefault("log.format", "console")
}

// Load reads configuration from path (or the default location when
// empty), layered under environment variables prefixed EXPERTSTREAM_.
func Load(path string) (*Config, error) {
	v := viper.New()
	setDefaults(v)

	v.SetEnvPrefix("EXPERTSTREAM")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("read config %s: %w", path, err)
		}
	} else {
		dir, err := DefaultConfigDir()
		if err == nil {
			v.SetConfigName("config")
			v.SetConfigType("yaml")
			v.AddConfigPath(dir)
			if err := v.ReadInConfig(); err != nil {
				if _, notFound := err.(viper.ConfigFileNotFoundError); !notFound {
					return nil, fmt.Errorf("read config: %w", err)
				}
			}
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}
	return &cfg, nil
}

// HTTPServers parses the mcp_servers string into broker descriptors.
// Malformed entries are skipped with a warning.
func (c *Config) HTTPServers() []broker.HTTPServer {
	var out []broker.HTTPServer
	for _, entry := range splitList(c.MCPServers) {
		parts := strings.SplitN(entry, ":", 2)
		if len(parts) != 2 || parts[0] == "" || parts[1] == "" {
			logger.Warn().Str("entry", entry).Msg("Skipping malformed mcp_servers entry")
			continue
		}
		out = append(out, broker.HTTPServer{Name: parts[0], URL: parts[1]})
	}
	return out
}

// StdioServers parses the stdio_mcp_servers string into broker
// descriptors. Each entry is "name:command--alias"; the alias defaults
// to the server name when omitted.
func (c *Config) StdioServers() []broker.StdioServer {
	var out []broker.StdioServer
	for _, entry := range splitList(c.StdioMCPServers) {
		parts := strings.SplitN(entry, ":", 2)
		if len(parts) != 2 || parts[0] == "" || parts[1] == "" {
			logger.Warn().Str("entry", entry).Msg("Skipping malformed stdio_mcp_servers entry")
			continue
		}

		command := parts[1]
		alias := parts[0]
		if idx := strings.Index(command, "--"); idx >= 0 {
			if a := command[idx+2:]; a != "" {
				alias = a
			}
			command = command[:idx]
		}
		if command == "" {
			logger.Warn().Str("entry", entry).Msg("Skipping stdio_mcp_servers entry with empty command")
			continue
		}
		out = append(out, broker.StdioServer{Name: parts[0], Command: command, Alias: alias})
	}
	return out
}

func splitList(s string) []string {
	var out []string
	for _, item := range strings.Split(s, ",") {
		item = strings.TrimSpace(item)
		if item != "" {
			out = append(out, item)
		}
	}
	return out
}

package cli

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"expertstream/internal/broker"
	"expertstream/internal/config"
	"expertstream/internal/driver"
	"expertstream/internal/gateway"
	"expertstream/internal/history"
	"expertstream/internal/indexer"
	"expertstream/internal/llm"
	mcpclient "expertstream/internal/mcp/client"
	mcpserver "expertstream/internal/mcp/server"
	"expertstream/internal/tasks"
	"expertstream/internal/tools"
	"expertstream/internal/tools/builtin"
	"expertstream/pkg/logger"
)

const defaultSystemPrompt = `You are an expert assistant with access to tools.
Use the available tools to answer the user's question. Call stop_conversation
when the answer is complete.`

// NewServeCmd creates the serve command.
func NewServeCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Start the expert-stream MCP server on stdio",
		Long: `Start the MCP server on stdin/stdout.

The server exposes the query_expert_stream streaming tool plus the
workspace file, search and task tools over newline-framed JSON-RPC.
Downstream MCP tool servers from the configuration are discovered and
brokered into the conversation loop. With gateway.enabled an HTTP
endpoint serves the same conversations at POST /v1/query.`,
		Example: `  # Serve with the default configuration
  expertstream serve

  # Serve a specific workspace with the HTTP gateway enabled
  expertstream serve --workspace /src/project --gateway`,
		RunE: runServe,
	}

	cmd.Flags().String("workspace", "", "workspace root to index and operate on (overrides config)")
	cmd.Flags().Bool("gateway", false, "enable the HTTP gateway (overrides config)")

	return cmd
}

func runServe(cmd *cobra.Command, args []string) error {
	cliCtx := GetCLIContext(cmd)
	if cliCtx == nil {
		return fmt.Errorf("CLI context not initialized")
	}
	cfg := cliCtx.Config

	if ws, _ := cmd.Flags().GetString("workspace"); ws != "" {
		cfg.Workspace = ws
	}
	if gw, _ := cmd.Flags().GetBool("gateway"); gw {
		cfg.Gateway.Enabled = true
	}

	workspace, err := filepath.Abs(cfg.Workspace)
	if err != nil {
		return fmt.Errorf("resolve workspace: %w", err)
	}

	ctx, cancel := context.WithCancel(cmd.Context())
	defer cancel()

	// Tool broker over the configured HTTP and stdio downstreams. The
	// subprocess cache outlives individual calls.
	cache := mcpclient.NewCache()
	brk := broker.New(broker.Config{
		HTTPServers:   cfg.HTTPServers(),
		StdioServers:  cfg.StdioServers(),
		Role:          cfg.Role,
		LazyDiscovery: cfg.LazyDiscovery,
	}, cache)
	brk.Init(ctx)
	defer brk.Close()

	// Conversation history, document backend probed lazily.
	historyPath, err := config.DefaultHistoryPath()
	if err != nil {
		return err
	}
	store := history.New(history.Config{
		Enabled:     cfg.EnableHistory,
		DocumentURI: cfg.HistoryBackendURI,
		Database:    cfg.HistoryDatabase,
		FilePath:    historyPath,
	})
	defer func() {
		closeCtx, closeCancel := context.WithTimeout(context.Background(), 3*time.Second)
		defer closeCancel()
		if err := store.Close(closeCtx); err != nil {
			logger.Warn().Err(err).Msg("History store close failed")
		}
	}()

	// Workspace index with live filesystem updates.
	indexDir, err := config.DefaultIndexDir(workspace)
	if err != nil {
		return err
	}
	idx, err := indexer.New(workspace, indexDir, indexer.Options{})
	if err != nil {
		return fmt.Errorf("open workspace index: %w", err)
	}
	defer idx.Close()
	if err := idx.Scan(); err != nil {
		logger.Warn().Err(err).Msg("Initial workspace scan failed")
	}
	if err := idx.Watch(); err != nil {
		logger.Warn().Err(err).Msg("Workspace watcher unavailable, index is scan-only")
	}

	// Task scheduler under the config directory.
	tasksDir, err := config.DefaultTasksDir()
	if err != nil {
		return err
	}
	scheduler, err := tasks.NewScheduler(tasksDir)
	if err != nil {
		return fmt.Errorf("open task scheduler: %w", err)
	}

	// Each conversation turn gets a fresh driver so abort state and the
	// active completion never leak across turns.
	llmClient := llm.NewClient(cfg.BaseURL, cfg.APIKey, cfg.ModelName)
	summarizer := driver.NewSummarizer(llmClient, cfg.SummaryInstruction, cfg.SummaryRequest)
	newDriver := func() *driver.Driver {
		return driver.New(llmClient, brk, summarizer, store, driver.Options{
			MaxRounds:              cfg.MaxRounds,
			SummaryInterval:        cfg.SummaryInterval,
			SummaryLengthThreshold: cfg.SummaryLengthThreshold,
		})
	}

	systemPrompt := cfg.SystemPrompt
	if systemPrompt == "" {
		systemPrompt = defaultSystemPrompt
	}

	registry := tools.NewRegistry()
	registry.MustRegister(builtin.NewQueryTool(newDriver, systemPrompt))
	registry.MustRegister(builtin.NewReadFileTool(workspace))
	registry.MustRegister(builtin.NewWriteFileTool(workspace))
	registry.MustRegister(builtin.NewTerminalTool(workspace))
	registry.MustRegister(builtin.NewSearchTool(idx))
	registry.MustRegister(builtin.NewHistoryTool(store, cfg.HistoryLimit))
	registry.MustRegister(builtin.NewCreateTasksTool(scheduler))
	registry.MustRegister(builtin.NewNextTaskTool(scheduler))
	registry.MustRegister(builtin.NewSaveExecutionTool(scheduler))
	registry.MustRegister(builtin.NewCurrentTaskTool(scheduler))
	registry.MustRegister(builtin.NewCompleteTaskTool(scheduler))
	registry.MustRegister(builtin.NewTaskStatsTool(scheduler))

	srv := mcpserver.New("expert-stream", Version, mcpserver.WithRegistry(registry))

	var gw *gateway.Gateway
	if cfg.Gateway.Enabled {
		gw = gateway.New(cfg.Gateway.Addr, newDriver, systemPrompt)
		go func() {
			if err := gw.Start(); err != nil {
				logger.Error().Err(err).Msg("HTTP gateway stopped")
			}
		}()
	}

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)
	go func() {
		sig := <-sigCh
		logger.Info().Str("signal", sig.String()).Msg("Shutting down")
		if gw != nil {
			shutCtx, shutCancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer shutCancel()
			if err := gw.Shutdown(shutCtx); err != nil {
				logger.Warn().Err(err).Msg("Gateway shutdown failed")
			}
		}
		if err := srv.Close(); err != nil {
			logger.Warn().Err(err).Msg("Server close failed")
		}
		cancel()
	}()

	logger.Info().
		Str("workspace", workspace).
		Int("tools", registry.Len()).
		Msg("MCP server listening on stdio")

	return srv.Serve()
}

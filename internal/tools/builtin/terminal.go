package builtin

import (
	"context"
	"fmt"
	"os/exec"
	"strings"
	"time"

	"expertstream/internal/tools"
)

const (
	defaultCommandTimeout = 60 * time.Second
	maxCommandTimeout     = 10 * time.Minute
	maxOutputBytes        = 256 * 1024
)

// TerminalTool runs shell commands in the workspace directory.
type TerminalTool struct {
	tools.BaseTool
	workDir string
}

// NewTerminalTool creates the execute_command tool.
func NewTerminalTool(workDir string) *TerminalTool {
	return &TerminalTool{
		BaseTool: tools.BaseTool{
			ToolName:        "execute_command",
			ToolDescription: "Execute a shell command in the workspace directory and return its combined output.",
			ToolParameters: objectSchema(map[string]any{
				"command":         prop("string", "The shell command to run"),
				"timeout_seconds": prop("integer", "Command timeout in seconds (default 60, max 600)"),
			}, "command"),
		},
		workDir: workDir,
	}
}

// Execute runs the command with a bounded timeout.
func (t *TerminalTool) Execute(ctx context.Context, args map[string]any) (tools.ToolResult, error) {
	command, _ := args["command"].(string)
	if command == "" {
		return tools.ToolResult{}, tools.NewInvalidArgsError(t.Name(), "command is required", nil)
	}

	timeout := defaultCommandTimeout
	if secs := intArg(args, "timeout_seconds"); secs > 0 {
		timeout = time.Duration(secs) * time.Second
		if timeout > maxCommandTimeout {
			timeout = maxCommandTimeout
		}
	}

	cmdCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	cmd := exec.CommandContext(cmdCtx, "sh", "-c", command)
	cmd.Dir = t.workDir

	output, err := cmd.CombinedOutput()
	text := string(output)
	if len(text) > maxOutputBytes {
		text = text[:maxOutputBytes] + "\n... (output truncated)"
	}

	if cmdCtx.Err() == context.DeadlineExceeded {
		return tools.NewErrorResult(fmt.Sprintf("command timed out after %s\n%s", timeout, text)), nil
	}
	if err != nil {
		return tools.NewErrorResult(fmt.Sprintf("command failed: %v\n%s", err, text)), nil
	}

	if strings.TrimSpace(text) == "" {
		text = "(no output)"
	}
	return tools.NewSuccessResult(text), nil
}

package builtin

import (
	"context"
	"fmt"
	"os"
	"path/filepath"

	"expertstream/internal/tools"
)

// WriteFileTool creates or overwrites a workspace file.
type WriteFileTool struct {
	tools.BaseTool
	root string
}

// NewWriteFileTool creates the write_file tool rooted at the workspace.
func NewWriteFileTool(root string) *WriteFileTool {
	return &WriteFileTool{
		BaseTool: tools.BaseTool{
			ToolName:        "write_file",
			ToolDescription: "Write content to a workspace file, creating parent directories as needed. Overwrites existing content unless append is set.",
			ToolParameters: objectSchema(map[string]any{
				"path":    prop("string", "File path, absolute or relative to the workspace root"),
				"content": prop("string", "The full content to write"),
				"append":  prop("boolean", "Append to the file instead of overwriting"),
			}, "path", "content"),
		},
		root: root,
	}
}

// Execute writes the file.
func (t *WriteFileTool) Execute(ctx context.Context, args map[string]any) (tools.ToolResult, error) {
	path, _ := args["path"].(string)
	if path == "" {
		return tools.ToolResult{}, tools.NewInvalidArgsError(t.Name(), "path is required", nil)
	}
	content, ok := args["content"].(string)
	if !ok {
		return tools.ToolResult{}, tools.NewInvalidArgsError(t.Name(), "content is required", nil)
	}

	if !filepath.IsAbs(path) {
		path = filepath.Join(t.root, path)
	}

	select {
	case <-ctx.Done():
		return tools.ToolResult{}, ctx.Err()
	default:
	}

	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return tools.NewErrorResult(fmt.Sprintf("failed to create directories: %v", err)), nil
	}

	if appendMode, _ := args["append"].(bool); appendMode {
		f, err := os.OpenFile(path, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644)
		if err != nil {
			return tools.NewErrorResult(fmt.Sprintf("failed to open file: %v", err)), nil
		}
		defer f.Close()
		if _, err := f.WriteString(content); err != nil {
			return tools.NewErrorResult(fmt.Sprintf("failed to append to file: %v", err)), nil
		}
		return tools.NewSuccessResult(fmt.Sprintf("Appended %d bytes to %s", len(content), path)), nil
	}

	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		return tools.NewErrorResult(fmt.Sprintf("failed to write file: %v", err)), nil
	}

	return tools.NewSuccessResult(fmt.Sprintf("Wrote %d bytes to %s", len(content), path)), nil
}

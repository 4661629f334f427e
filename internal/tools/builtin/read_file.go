package builtin

import (
	"bufio"
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"expertstream/internal/tools"
)

// ReadFileTool reads workspace files, optionally by line range.
// Relative paths are resolved against the workspace root.
type ReadFileTool struct {
	tools.BaseTool
	root        string
	maxFileSize int64
}

// NewReadFileTool creates the read_file tool rooted at the workspace.
func NewReadFileTool(root string) *ReadFileTool {
	return &ReadFileTool{
		BaseTool: tools.BaseTool{
			ToolName:        "read_file",
			ToolDescription: "Read the contents of a workspace file. Supports reading specific line ranges for large files.",
			ToolParameters: objectSchema(map[string]any{
				"path":       prop("string", "File path, absolute or relative to the workspace root"),
				"start_line": prop("integer", "Start line number (1-based). Defaults to the beginning"),
				"end_line":   prop("integer", "End line number (1-based, inclusive). Defaults to the end"),
			}, "path"),
		},
		root:        root,
		maxFileSize: 10 * 1024 * 1024,
	}
}

func (t *ReadFileTool) resolve(path string) string {
	if filepath.IsAbs(path) {
		return path
	}
	return filepath.Join(t.root, path)
}

// Execute reads the file.
func (t *ReadFileTool) Execute(ctx context.Context, args map[string]any) (tools.ToolResult, error) {
	path, _ := args["path"].(string)
	if path == "" {
		return tools.ToolResult{}, tools.NewInvalidArgsError(t.Name(), "path is required", nil)
	}
	path = t.resolve(path)

	startLine := intArg(args, "start_line")
	endLine := intArg(args, "end_line")

	select {
	case <-ctx.Done():
		return tools.ToolResult{}, ctx.Err()
	default:
	}

	info, err := os.Stat(path)
	if err != nil {
		if os.IsNotExist(err) {
			return tools.NewErrorResult(fmt.Sprintf("file not found: %s", path)), nil
		}
		return tools.NewErrorResult(fmt.Sprintf("failed to stat file: %v", err)), nil
	}
	if info.IsDir() {
		return tools.NewErrorResult(fmt.Sprintf("path is a directory: %s", path)), nil
	}
	if info.Size() > t.maxFileSize {
		return tools.NewErrorResult(fmt.Sprintf("file too large (%d bytes), use line ranges on a smaller file", info.Size())), nil
	}

	f, err := os.Open(path)
	if err != nil {
		return tools.NewErrorResult(fmt.Sprintf("failed to open file: %v", err)), nil
	}
	defer f.Close()

	var b strings.Builder
	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)

	lineNo := 0
	for scanner.Scan() {
		lineNo++
		if startLine > 0 && lineNo < startLine {
			continue
		}
		if endLine > 0 && lineNo > endLine {
			break
		}
		fmt.Fprintf(&b, "%d: %s\n", lineNo, scanner.Text())
	}
	if err := scanner.Err(); err != nil {
		return tools.NewErrorResult(fmt.Sprintf("failed to read file: %v", err)), nil
	}

	if b.Len() == 0 {
		return tools.NewSuccessResult("(no lines in the requested range)"), nil
	}
	return tools.NewSuccessResult(b.String()), nil
}

// intArg extracts a positive integer argument (JSON numbers arrive as float64).
func intArg(args map[string]any, key string) int {
	switch v := args[key].(type) {
	case float64:
		if v > 0 {
			return int(v)
		}
	case int:
		if v > 0 {
			return v
		}
	}
	return 0
}

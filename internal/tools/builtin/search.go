package builtin

import (
	"context"
	"fmt"
	"strings"

	"expertstream/internal/indexer"
	"expertstream/internal/tools"
)

// SearchTool queries the workspace full-text index.
type SearchTool struct {
	tools.BaseTool
	index *indexer.Indexer
}

// NewSearchTool creates the search_workspace tool over the given index.
func NewSearchTool(index *indexer.Indexer) *SearchTool {
	return &SearchTool{
		BaseTool: tools.BaseTool{
			ToolName:        "search_workspace",
			ToolDescription: "Search the workspace file index for a text query and return matching files with line numbers.",
			ToolParameters: objectSchema(map[string]any{
				"query":            prop("string", "Text to search for (case-insensitive)"),
				"max_matches_per_file": prop("integer", "Maximum matching lines reported per file (default 20)"),
			}, "query"),
		},
		index: index,
	}
}

// Execute runs the search and renders a readable report.
func (t *SearchTool) Execute(ctx context.Context, args map[string]any) (tools.ToolResult, error) {
	query, _ := args["query"].(string)
	if query == "" {
		return tools.ToolResult{}, tools.NewInvalidArgsError(t.Name(), "query is required", nil)
	}

	select {
	case <-ctx.Done():
		return tools.ToolResult{}, ctx.Err()
	default:
	}

	results := t.index.Search(query, intArg(args, "max_matches_per_file"))
	if len(results) == 0 {
		return tools.NewSuccessResult(fmt.Sprintf("No matches for %q.", query)), nil
	}

	var b strings.Builder
	fmt.Fprintf(&b, "Found matches in %d file(s) for %q:\n\n", len(results), query)
	for _, file := range results {
		fmt.Fprintf(&b, "%s (%d lines, %d match(es)):\n", file.Path, file.TotalLines, len(file.Matches))
		for _, m := range file.Matches {
			fmt.Fprintf(&b, "  %d: %s\n", m.Line, strings.TrimSpace(m.Text))
		}
		b.WriteString("\n")
	}
	return tools.NewSuccessResult(b.String()), nil
}

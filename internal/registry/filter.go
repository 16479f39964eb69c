package registry

import (
    "context"
    "os"
    "strings"

    "github.com/mark3labs/mcp-go/mcp"
)

// WriteToolFilter conditionally hides mutating tools unless explicitly enabled.
// Enable by setting environment variable SHEETGUARD_ENABLE_WRITES=true.
type WriteToolFilter struct {
    allowWrites bool
}

// NewWriteToolFilterFromEnv constructs a filter using SHEETGUARD_ENABLE_WRITES.
func NewWriteToolFilterFromEnv() *WriteToolFilter {
    v := strings.ToLower(strings.TrimSpace(os.Getenv("SHEETGUARD_ENABLE_WRITES")))
    allow := v == "1" || v == "true" || v == "yes"
    return &WriteToolFilter{allowWrites: allow}
}

// mutatingTools names the executor tools that change workbook state, the
// same set the executor itself short-circuits under preview mode. Discovery
// hides these by default so a read-only client never sees them offered.
var mutatingTools = map[string]bool{
    "write_cell":           true,
    "set_range":            true,
    "apply_formula_column": true,
    "create_pivot_table":   true,
    "sort_range":           true,
    "apply_formatting":     true,
    "fetch_external_data":  true,
}

// FilterTools implements server tool filtering semantics: when writes are
// disabled, mutatingTools are excluded from discovery.
func (f *WriteToolFilter) FilterTools(ctx context.Context, tools []mcp.Tool) []mcp.Tool {
    if f.allowWrites {
        return tools
    }
    out := make([]mcp.Tool, 0, len(tools))
    for _, t := range tools {
        if mutatingTools[strings.ToLower(t.Name)] {
            continue
        }
        out = append(out, t)
    }
    return out
}


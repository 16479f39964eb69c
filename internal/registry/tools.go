package registry

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"

	"github.com/sheetforge/sheetguard/internal/dlp"
	"github.com/sheetforge/sheetguard/internal/executor"
	"github.com/sheetforge/sheetguard/internal/preview"
	"github.com/sheetforge/sheetguard/internal/workbook"
	"github.com/sheetforge/sheetguard/internal/workbooks"
	"github.com/sheetforge/sheetguard/pkg/a1"
	"github.com/sheetforge/sheetguard/pkg/cache"
	"github.com/sheetforge/sheetguard/pkg/mcperr"
)

// executorErrCodes maps the Executor's transport-independent error taxonomy
// onto the MCP-facing catalog's codes.
var executorErrCodes = map[executor.ErrorCode]mcperr.Code{
	executor.ErrValidation:       mcperr.Validation,
	executor.ErrNotImplemented:   mcperr.NotImplemented,
	executor.ErrPermissionDenied: mcperr.PermissionDenied,
	executor.ErrRuntime:          mcperr.RuntimeError,
}

// executorToolInput is the uniform MCP-facing shape for every tool bridged
// to the Executor: resolve a workbook by path, then forward the tool's own
// parameters verbatim. The Executor is the validation boundary for those
// parameters (spec §4.2's error taxonomy), not the MCP schema layer, so
// there is no per-tool field duplication here.
type executorToolInput struct {
	Path       string          `json:"path" jsonschema_description:"Absolute or allowed path to a workbook"`
	Parameters json.RawMessage `json:"parameters,omitempty" jsonschema_description:"Tool-specific parameters, forwarded to the executor unchanged"`
}

// executorTool describes one Executor-backed MCP tool registration.
type executorTool struct {
	name        string
	description string
}

var executorTools = []executorTool{
	{"read_range", "Read a rectangular range of cells, subject to DLP redaction"},
	{"write_cell", "Write a single cell's value or formula"},
	{"set_range", "Write a rectangular block of values in one call"},
	{"apply_formula_column", "Replicate a templated formula down a single column"},
	{"sort_range", "Sort the rows of a range by one or more columns"},
	{"filter_range", "Return the rows of a range matching a predicate, subject to DLP"},
	{"apply_formatting", "Apply cell formatting to a range"},
	{"create_pivot_table", "Build a pivot table from a source range into a destination cell"},
	{"fetch_external_data", "Fetch a remote payload into a cell (gated by host allow-list)"},
	{"compute_statistics", "Compute descriptive statistics over a column, subject to DLP"},
	{"detect_anomalies", "Flag statistical outliers in a column, subject to DLP"},
}

// ExecutorDeps bundles the collaborators RegisterExecutorTools needs beyond
// the workbook handle cache: the shared executor configuration template,
// the external-fetch transport, and the optional DLP enforcer (nil disables
// enforcement entirely, e.g. when no classification file is configured).
type ExecutorDeps struct {
	Config      executor.Config
	Fetcher     executor.Fetcher
	DLP         *dlp.Enforcer
	PreviewGate *preview.Gate

	// Cache, when non-nil, memoizes read-only tool results (spec §4.6's
	// "cached if appropriate"): a hit skips the executor and DLP entirely
	// and returns the previously enforced result verbatim. Mutating tools
	// (mutatingTools) are never read from or written to the cache.
	Cache    *cache.Manager
	CacheTTL time.Duration

	// Security resolves a requested path to a canonical, allow-listed path
	// before mgr ever touches the filesystem. A nil Security denies every
	// request, matching the fail-safe default of security.Manager itself.
	Security interface {
		ValidateOpenPath(path string) (string, error)
	}
}

// resolvePath validates and canonicalizes a workbook path through deps'
// security gate, then opens (or reuses) the handle via mgr.
func resolvePath(ctx context.Context, mgr *workbooks.Manager, deps ExecutorDeps, requested string) (handleID, canonical string, err error) {
	if deps.Security == nil {
		return "", "", fmt.Errorf("security: no allow-list configured")
	}
	allowed, err := deps.Security.ValidateOpenPath(requested)
	if err != nil {
		return "", "", err
	}
	return mgr.GetOrOpenByPath(ctx, allowed)
}

// cacheKey derives a stable key for a (document, tool, parameters) triple.
// Parameters are hashed rather than embedded so keys stay a fixed, short
// size regardless of range payload; this mirrors the teacher's
// canonical-path-as-handle-key idiom, generalized to include the tool name
// and its arguments.
func cacheKey(documentID, toolName string, params json.RawMessage) string {
	h := sha256.New()
	h.Write([]byte(documentID))
	h.Write([]byte{0})
	h.Write([]byte(toolName))
	h.Write([]byte{0})
	h.Write(params)
	return "tool:" + hex.EncodeToString(h.Sum(nil))
}

// RegisterExecutorTools registers the executor-backed tool set plus the
// preview/approval gate tool, all resolving their workbook via mgr.
func RegisterExecutorTools(s *server.MCPServer, reg *Registry, mgr *workbooks.Manager, deps ExecutorDeps) {
	for _, t := range executorTools {
		t := t
		tool := mcp.NewTool(
			t.name,
			mcp.WithDescription(t.description),
			mcp.WithString("path", mcp.Required(), mcp.Description("Absolute or allowed path to a workbook")),
			mcp.WithObject("parameters", mcp.Description("Tool-specific parameters")),
		)
		reg.Register(tool)
		s.AddTool(tool, mcp.NewTypedToolHandler(func(ctx context.Context, req mcp.CallToolRequest, in executorToolInput) (*mcp.CallToolResult, error) {
			return runExecutorTool(ctx, mgr, deps, t.name, in)
		}))
	}

	registerPreviewTool(s, reg, mgr, deps)
	registerCacheListTool(s, reg, deps)
}

type listCacheKeysInput struct {
	Store    string `json:"store" jsonschema_description:"Cache store/bucket name to list keys for" validate:"required"`
	Cursor   string `json:"cursor,omitempty" jsonschema_description:"Opaque cursor from a previous call's next_cursor"`
	PageSize int    `json:"page_size,omitempty" jsonschema_description:"Max keys to return (default: all remaining)"`
}

// registerCacheListTool exposes cache.Manager.ListKeys as an operator tool
// so a cached-store sweep doesn't require loading every entry at once
// (spec §4 supplement: cursor-paginated cache listing).
func registerCacheListTool(s *server.MCPServer, reg *Registry, deps ExecutorDeps) {
	if deps.Cache == nil {
		return
	}
	tool := mcp.NewTool(
		"list_cache_keys",
		mcp.WithDescription("List tool-result cache keys for a store, cursor-paginated"),
		mcp.WithString("store", mcp.Required(), mcp.Description("Cache store/bucket name")),
		mcp.WithString("cursor", mcp.Description("Opaque pagination cursor")),
		mcp.WithNumber("page_size", mcp.Description("Max keys to return")),
	)
	reg.Register(tool)
	s.AddTool(tool, mcp.NewTypedToolHandler(func(ctx context.Context, req mcp.CallToolRequest, in listCacheKeysInput) (*mcp.CallToolResult, error) {
		store := strings.TrimSpace(in.Store)
		if store == "" {
			return mcperr.New(mcperr.Validation, "store is required"), nil
		}
		keys, next, err := deps.Cache.ListKeys(ctx, store, in.Cursor, in.PageSize)
		if err != nil {
			return mcperr.Wrapf(mcperr.CursorInvalid, "%v", err), nil
		}
		text := fmt.Sprintf("%d key(s)", len(keys))
		return mcp.NewToolResultStructured(map[string]any{"keys": keys, "next_cursor": next}, text), nil
	}))
}

func runExecutorTool(ctx context.Context, mgr *workbooks.Manager, deps ExecutorDeps, toolName string, in executorToolInput) (*mcp.CallToolResult, error) {
	path := strings.TrimSpace(in.Path)
	if path == "" {
		return mcperr.New(mcperr.Validation, "path is required"), nil
	}

	handleID, canonical, err := resolvePath(ctx, mgr, deps, path)
	if err != nil {
		return mcperr.Wrapf(mcperr.PermissionDenied, "%v", err), nil
	}

	cacheable := deps.Cache != nil && !mutatingTools[toolName]
	var key string
	if cacheable {
		key = cacheKey(canonical, toolName, in.Parameters)
		if cached, ok, err := deps.Cache.Get(ctx, key); err == nil && ok {
			if c, ok := cached.(map[string]any); ok {
				return mcp.NewToolResultStructured(c, fmt.Sprintf("%s completed (cached)", toolName)), nil
			}
		}
	}

	wb := &workbook.ExcelizeWorkbook{Mgr: mgr, HandleID: handleID}
	exec := executor.New(wb, deps.Config, deps.Fetcher)

	result := exec.Execute(ctx, executor.Call{Tool: toolName, Parameters: in.Parameters})
	if result.Error != nil {
		code, ok := executorErrCodes[result.Error.Code]
		if !ok {
			code = mcperr.RuntimeError
		}
		return mcperr.Wrapf(code, "%s: %s", toolName, result.Error.Message), nil
	}

	data, warnings := applyDLP(deps.DLP, toolName, canonical, in.Parameters, result.Data)
	allWarnings := append(append([]string{}, result.Warnings...), warnings...)

	summary := fmt.Sprintf("%s completed", toolName)
	if len(allWarnings) > 0 {
		summary = fmt.Sprintf("%s (%d warning(s))", summary, len(allWarnings))
	}

	if cacheable {
		ttl := deps.CacheTTL
		var ttlPtr *time.Duration
		if ttl > 0 {
			ttlPtr = &ttl
		}
		_ = deps.Cache.Set(ctx, key, map[string]any{
			"data":     data,
			"warnings": allWarnings,
			"timing":   result.Timing,
		}, ttlPtr)
	}

	res := mcp.NewToolResultStructured(map[string]any{
		"data":     data,
		"warnings": allWarnings,
		"timing":   result.Timing,
	}, summary)
	return res, nil
}

// aiCloudProcessing is the only DLP action this server enforces: every tool
// call here routes cell data to an AI model, so every selector/policy rule
// is keyed by this one action (spec §4.4).
const aiCloudProcessing = dlp.Action("AI_CLOUD_PROCESSING")

// dlpParams is the shape every DLP-relevant tool's parameters share: a
// single A1 range string. compute_statistics, detect_anomalies, and
// filter_range all key enforcement off this one field (spec §4.5).
type dlpParams struct {
	Range string `json:"range"`
}

// applyDLP re-evaluates a successful result's output against the DLP policy
// when an Enforcer is configured. read_range gets per-cell redaction since
// it returns cell values; filter_range returns only matching row numbers
// (no cell content), so it shares the derived-output rule with
// compute_statistics/detect_anomalies (pass/null/block at the whole-result
// level).
func applyDLP(enf *dlp.Enforcer, toolName, documentID string, params json.RawMessage, data any) (any, []string) {
	if enf == nil {
		return data, nil
	}
	var p dlpParams
	if err := json.Unmarshal(params, &p); err != nil || p.Range == "" {
		return data, nil
	}
	rng, err := a1.ParseRangeAddress(p.Range, "")
	if err != nil || rng.Sheet == "" {
		return data, nil
	}
	dctx := dlp.Context{
		DocumentID: documentID,
		Tool:       toolName,
		Action:     aiCloudProcessing,
		Sheet:      rng.Sheet,
		StartRow:   rng.StartRow,
		StartCol:   rng.StartCol,
		EndRow:     rng.EndRow,
		EndCol:     rng.EndCol,
	}

	switch toolName {
	case "read_range":
		m, ok := data.(map[string]any)
		if !ok {
			return data, nil
		}
		grid, ok := m["values"].([][]workbook.CellData)
		if !ok {
			return data, nil
		}
		mutated, warnings, blocked := enf.EnforceReadRange(dctx, grid)
		if blocked {
			return map[string]any{"blocked": true, "reason": "dlp_policy"}, []string{"DLP: result blocked by policy."}
		}
		m["values"] = mutated
		return m, warnings
	case "compute_statistics", "detect_anomalies", "filter_range":
		decision, warnings := enf.EnforceDerivedOutput(dctx)
		switch decision {
		case dlp.Block:
			return map[string]any{"blocked": true, "reason": "dlp_policy"}, warnings
		case dlp.Redact:
			return nil, warnings
		default:
			return data, warnings
		}
	default:
		return data, nil
	}
}

type previewPlanCall struct {
	Tool       string          `json:"tool" validate:"required"`
	Parameters json.RawMessage `json:"parameters,omitempty"`
}

type previewPlanInput struct {
	Path              string            `json:"path" jsonschema_description:"Absolute or allowed path to a workbook"`
	Calls             []previewPlanCall `json:"calls" jsonschema_description:"Plan of tool calls to simulate"`
	ApprovalThreshold int               `json:"approval_threshold,omitempty" jsonschema_description:"Effective touched-cell count above which approval is required"`
	MaxPreviewChanges int               `json:"max_preview_changes,omitempty" jsonschema_description:"Cap on returned change entries (total count is always reported)"`
}

func registerPreviewTool(s *server.MCPServer, reg *Registry, mgr *workbooks.Manager, deps ExecutorDeps) {
	tool := mcp.NewTool(
		"preview_plan",
		mcp.WithDescription("Simulate a plan of tool calls on a disposable clone and report what would change (spec preview/approval gate)"),
		mcp.WithString("path", mcp.Required(), mcp.Description("Absolute or allowed path to a workbook")),
		mcp.WithArray("calls", mcp.Required(), mcp.Description("Plan of {tool, parameters} calls to simulate")),
		mcp.WithNumber("approval_threshold", mcp.Description("Effective touched-cell count above which approval is required")),
		mcp.WithNumber("max_preview_changes", mcp.Description("Cap on returned change entries")),
	)
	reg.Register(tool)
	s.AddTool(tool, mcp.NewTypedToolHandler(func(ctx context.Context, req mcp.CallToolRequest, in previewPlanInput) (*mcp.CallToolResult, error) {
		path := strings.TrimSpace(in.Path)
		if path == "" {
			return mcperr.New(mcperr.Validation, "path is required"), nil
		}
		handleID, _, err := resolvePath(ctx, mgr, deps, path)
		if err != nil {
			return mcperr.Wrapf(mcperr.PermissionDenied, "%v", err), nil
		}

		wb := &workbook.ExcelizeWorkbook{Mgr: mgr, HandleID: handleID}
		src := executor.New(wb, deps.Config, deps.Fetcher)

		calls := make([]executor.Call, len(in.Calls))
		for i, c := range in.Calls {
			calls[i] = executor.Call{Tool: c.Tool, Parameters: c.Parameters}
		}

		gate := deps.PreviewGate
		if gate == nil {
			gate = preview.NewGate(in.ApprovalThreshold, in.MaxPreviewChanges)
		} else if in.ApprovalThreshold > 0 || in.MaxPreviewChanges > 0 {
			g := *gate
			if in.ApprovalThreshold > 0 {
				g.ApprovalThreshold = in.ApprovalThreshold
			}
			if in.MaxPreviewChanges > 0 {
				g.MaxPreviewChanges = in.MaxPreviewChanges
			}
			gate = &g
		}

		summary, err := gate.Preview(ctx, src, calls)
		if err != nil {
			return mcperr.Wrapf(mcperr.PreviewFailed, "%v", err), nil
		}

		text := fmt.Sprintf("%d change(s), requires_approval=%v", summary.TotalChanges, summary.RequiresApproval)
		return mcp.NewToolResultStructured(summary, text), nil
	}))
}

package main

import (
	"context"
	"encoding/hex"
	"flag"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"
	"github.com/rs/zerolog"
	zlog "github.com/rs/zerolog/log"

	"github.com/sheetforge/sheetguard/config"
	"github.com/sheetforge/sheetguard/internal/dlp"
	"github.com/sheetforge/sheetguard/internal/executor"
	"github.com/sheetforge/sheetguard/internal/preview"
	"github.com/sheetforge/sheetguard/internal/registry"
	"github.com/sheetforge/sheetguard/internal/runtime"
	"github.com/sheetforge/sheetguard/internal/security"
	"github.com/sheetforge/sheetguard/internal/telemetry"
	"github.com/sheetforge/sheetguard/internal/workbooks"
	"github.com/sheetforge/sheetguard/pkg/cache"
	"github.com/sheetforge/sheetguard/pkg/cryptobox"
	"github.com/sheetforge/sheetguard/pkg/version"
)

func main() {
	zerolog.TimeFieldFormat = zerolog.TimeFormatUnix

	var (
		useStdio        bool
		shutdownTimeout time.Duration
	)

	flag.BoolVar(&useStdio, "stdio", false, "Run server over stdio transport")
	flag.DurationVar(&shutdownTimeout, "shutdown-timeout", 5*time.Second, "Graceful shutdown timeout")
	flag.Parse()

	logger := zlog.With().Str("service", "sheetguard-server").Logger()
	ctx := logger.WithContext(context.Background())

	// Security: validate allow-list directories on startup (fail-safe on error)
	secMgr, err := security.NewManagerFromEnv()
	if err != nil {
		logger.Error().Err(err).Msg("security: failed to initialize manager from env")
		fmt.Fprintln(os.Stderr, "invalid security configuration; set SHEETGUARD_ALLOWED_DIRS")
		os.Exit(1)
	}
	if err := secMgr.ValidateConfig(); err != nil {
		logger.Error().Err(err).Msg("security: invalid allow-list configuration")
		fmt.Fprintln(os.Stderr, "no allowed directories configured; set SHEETGUARD_ALLOWED_DIRS")
		os.Exit(1)
	}
	logger.Info().Strs("allowed_dirs", secMgr.AllowedDirectories()).Msg("security allow-list configured")

	limits := runtime.NewLimits(10, 4)
	runtimeController := runtime.NewController(limits)
	runtimeMW := runtime.NewMiddleware(runtimeController)

	workbookMgr := workbooks.NewManager(0, 0, runtimeController, nil)
	workbookMgr.Start()
	defer workbookMgr.Close(ctx)

	enforcer := buildEnforcer(logger)
	cacheMgr := buildCacheManager(logger)

	toolRegistry := registry.New()

	writeFilter := registry.NewWriteToolFilterFromEnv()

	srv := server.NewMCPServer(
		"sheetguard MCP server",
		version.Version(),
		server.WithToolCapabilities(true),
		server.WithResourceCapabilities(true, false),
		server.WithRecovery(),
		server.WithHooks(buildHooks(logger)),
		server.WithToolHandlerMiddleware(runtimeMW.ToolMiddleware),
		server.WithToolFilter(func(ctx context.Context, tools []mcp.Tool) []mcp.Tool { return writeFilter.FilterTools(ctx, tools) }),
	)

	execCfg := executor.DefaultConfig()
	execCfg.AllowExternalData = strings.EqualFold(strings.TrimSpace(os.Getenv("SHEETGUARD_ALLOW_EXTERNAL_DATA")), "true")
	if hosts := strings.TrimSpace(os.Getenv("SHEETGUARD_EXTERNAL_ALLOWED_HOSTS")); hosts != "" {
		execCfg.AllowedExternalHosts = strings.Split(hosts, ",")
	}

	deps := registry.ExecutorDeps{
		Config:      execCfg,
		Fetcher:     executor.NewHTTPFetcher(config.DefaultOperationTimeout),
		DLP:         enforcer,
		PreviewGate: preview.NewGate(config.DefaultApprovalCellsLimit, config.DefaultMaxPreviewChanges),
		Cache:       cacheMgr,
		CacheTTL:    5 * time.Minute,
		Security:    secMgr,
	}
	registry.RegisterExecutorTools(srv, toolRegistry, workbookMgr, deps)

	toolContextSize := toolRegistry.ModelContextSize("gpt-4o")

	logger.Info().
		Ctx(ctx).
		Str("version", version.Version()).
		Int("max_concurrent_requests", limits.MaxConcurrentRequests).
		Int("max_open_workbooks", limits.MaxOpenWorkbooks).
		Int("model_context_size", toolContextSize).
		Bool("stdio", useStdio).
		Msg("server bootstrap configured")

	if useStdio {
		if err := server.ServeStdio(srv); err != nil {
			// Use stderr for transport errors so clients don't misinterpret output
			fmt.Fprintf(os.Stderr, "Server error: %v\n", err)
			os.Exit(1)
		}
		return
	}

	// If no transport flags provided, print usage and exit non-zero
	fmt.Fprintln(os.Stderr, "no transport selected; use --stdio to run over stdio")
	os.Exit(2)
}

// zerologAudit adapts the request logger into a dlp.AuditLogger so every
// redact/block decision shows up in the same structured log stream as the
// rest of the server (spec §4.5 audit events).
type zerologAudit struct {
	logger zerolog.Logger
}

func (a zerologAudit) LogDLPEvent(ev dlp.AuditEvent) {
	a.logger.Info().
		Str("type", ev.Type).
		Str("document_id", ev.DocumentID).
		Str("tool", ev.Tool).
		Str("action", string(ev.Action)).
		Str("decision", string(ev.Decision)).
		Int("redacted_cells", ev.RedactedCellCount).
		Bool("redacted_derived", ev.RedactedDerived).
		Msg("dlp decision")
}

// buildEnforcer wires classification records and policy rules from the
// files named by SHEETGUARD_DLP_CLASSIFICATION_FILE and
// SHEETGUARD_DLP_POLICY_FILE. Either being unset disables DLP entirely
// (nil Enforcer): tool results pass through unexamined, since there is
// nothing to classify or enforce against.
func buildEnforcer(logger zerolog.Logger) *dlp.Enforcer {
	classPath := strings.TrimSpace(os.Getenv("SHEETGUARD_DLP_CLASSIFICATION_FILE"))
	policyPath := strings.TrimSpace(os.Getenv("SHEETGUARD_DLP_POLICY_FILE"))
	if classPath == "" || policyPath == "" {
		logger.Warn().Msg("dlp: no classification/policy file configured, enforcement disabled")
		return nil
	}

	records, err := dlp.LoadClassificationRecords(classPath)
	if err != nil {
		logger.Error().Err(err).Msg("dlp: failed to load classification records")
		return nil
	}
	policy, err := dlp.LoadPolicy(policyPath)
	if err != nil {
		logger.Error().Err(err).Msg("dlp: failed to load policy")
		return nil
	}

	idx := dlp.BuildIndex(records)
	logger.Info().Int("records", len(records)).Int("rules", len(policy.Rules)).Msg("dlp enforcer configured")
	return dlp.NewEnforcer(idx, policy, config.DefaultRedactPlaceholder, zerologAudit{logger: logger})
}

// buildCacheManager builds the tool-result cache. With SHEETGUARD_CACHE_DIR
// and a 32-byte hex SHEETGUARD_CACHE_KEY set, entries persist to disk under
// AES-256-GCM envelope encryption (pkg/cache.EncryptedStore); otherwise an
// unencrypted in-process MemoryStore is used, which is fine for a
// single-process server that restarts cold.
func buildCacheManager(logger zerolog.Logger) *cache.Manager {
	limits := cache.Limits{MaxEntries: config.DefaultCacheMaxEntries, MaxBytes: config.DefaultCacheMaxBytes}

	dir := strings.TrimSpace(os.Getenv("SHEETGUARD_CACHE_DIR"))
	keyHex := strings.TrimSpace(os.Getenv("SHEETGUARD_CACHE_KEY"))
	if dir == "" || keyHex == "" {
		logger.Info().Msg("cache: using in-memory store (set SHEETGUARD_CACHE_DIR and SHEETGUARD_CACHE_KEY to persist)")
		return cache.NewManager(cache.NewMemoryStore(), limits)
	}

	root, err := hex.DecodeString(keyHex)
	if err != nil {
		logger.Error().Err(err).Msg("cache: invalid SHEETGUARD_CACHE_KEY, falling back to in-memory store")
		return cache.NewManager(cache.NewMemoryStore(), limits)
	}
	key, err := cryptobox.DeriveKey(root, "sheetguard-tool-cache")
	if err != nil {
		logger.Error().Err(err).Msg("cache: deriving store key, falling back to in-memory store")
		return cache.NewManager(cache.NewMemoryStore(), limits)
	}
	box, err := cryptobox.NewBox(key)
	if err != nil {
		logger.Error().Err(err).Msg("cache: constructing cipher, falling back to in-memory store")
		return cache.NewManager(cache.NewMemoryStore(), limits)
	}
	fileStore, err := cache.NewFileStore(dir)
	if err != nil {
		logger.Error().Err(err).Msg("cache: opening file store, falling back to in-memory store")
		return cache.NewManager(cache.NewMemoryStore(), limits)
	}
	logger.Info().Str("dir", dir).Msg("cache: using encrypted file store")
	return cache.NewManager(cache.NewEncryptedStore(fileStore, box, 1, 1, "tool-cache"), limits)
}

// buildHooks constructs mcp-go server hooks, delegating every lifecycle
// callback to telemetry.Hooks so session/tool/resource events share one
// structured logging surface.
func buildHooks(logger zerolog.Logger) *server.Hooks {
	t := telemetry.NewHooks(logger)
	hooks := &server.Hooks{}

	hooks.AddOnRegisterSession(func(ctx context.Context, session server.ClientSession) {
		t.OnSessionStart(session.SessionID())
	})

	hooks.AddOnUnregisterSession(func(ctx context.Context, session server.ClientSession) {
		t.OnSessionEnd(session.SessionID())
	})

	hooks.AddAfterListTools(func(ctx context.Context, id any, req *mcp.ListToolsRequest, res *mcp.ListToolsResult) {
		t.OnListTools(len(res.Tools))
	})

	hooks.AddAfterReadResource(func(ctx context.Context, id any, req *mcp.ReadResourceRequest, res *mcp.ReadResourceResult) {
		t.OnResourceRead(req.Params.URI)
	})

	hooks.AddAfterCallTool(func(ctx context.Context, id any, req *mcp.CallToolRequest, res *mcp.CallToolResult) {
		t.OnToolCall(req.Params.Name)
	})

	hooks.AddOnError(func(ctx context.Context, id any, method mcp.MCPMethod, message any, err error) {
		t.OnError(string(method), err)
	})

	return hooks
}

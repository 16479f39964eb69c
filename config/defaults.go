package config

import "time"

// Default runtime limits and guardrails for the spreadsheet tool executor,
// DLP layer, and cache core. These values are conservative and can be
// overridden by operator configuration (env, CLI flags, or files). They are
// referenced by internal/runtime, internal/executor, internal/workbooks, and
// pkg/cache.

const (
	// Concurrency
	DefaultMaxConcurrentRequests = 10
	DefaultMaxOpenWorkbooks      = 4

	// Payload and row limits
	DefaultMaxPayloadBytes = 128 * 1024 // 128KB
	DefaultMaxCellsPerOp   = 10_000
	DefaultPreviewRowLimit = 10 // First 10 rows by default

	// Range-size gate (spec §4.2, §6.4)
	DefaultMaxToolRangeCells = 200_000
	DefaultMaxReadRangeCells = 200_000

	// External fetch guardrails (spec §4.2 fetch_external_data)
	DefaultMaxExternalBytes = 5 * 1024 * 1024 // 5MB

	// Preview / approval gate (spec §4.8)
	DefaultMaxPreviewChanges  = 500
	DefaultApprovalCellsLimit = 1_000

	// Retrieval dedup (spec §4.9)
	DefaultOverlapRatio = 0.8
)

const (
	// Timeouts
	DefaultOperationTimeout      = 30 * time.Second
	DefaultAcquireRequestTimeout = 2 * time.Second

	// Workbook handle lifecycle (internal/workbooks)
	DefaultWorkbookIdleTTL       = 10 * time.Minute
	DefaultWorkbookCleanupPeriod = time.Minute
)

const (
	// Cache core defaults (spec §4.6)
	DefaultCacheMaxEntries  = 10_000
	DefaultCacheMaxBytes    = 64 * 1024 * 1024 // 64MB
	DefaultCachePruneEvery  = time.Minute
	DefaultCacheTempGrace   = 10 * time.Minute
	DefaultRedactPlaceholder = "[REDACTED]"
)

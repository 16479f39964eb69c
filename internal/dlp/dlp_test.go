package dlp

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sheetforge/sheetguard/internal/workbook"
)

func TestPolicyEvaluate(t *testing.T) {
	rule := RuleConfig{MaxAllowed: Internal, AllowRestrictedContent: false, RedactDisallowed: true}
	assert.Equal(t, Allow, Evaluate(rule, Classification{Level: Public}))
	assert.Equal(t, Allow, Evaluate(rule, Classification{Level: Internal}))
	assert.Equal(t, Redact, Evaluate(rule, Classification{Level: Confidential}))
	assert.Equal(t, Redact, Evaluate(rule, Classification{Level: Restricted}))

	allowRestricted := RuleConfig{MaxAllowed: Internal, AllowRestrictedContent: true, RedactDisallowed: true}
	assert.Equal(t, Allow, Evaluate(allowRestricted, Classification{Level: Restricted}))

	blockRule := RuleConfig{MaxAllowed: Internal, RedactDisallowed: false}
	assert.Equal(t, Block, Evaluate(blockRule, Classification{Level: Confidential}))
}

// TestReadRangeRedaction mirrors the spec's worked example 3: a single
// restricted cell selector redacts only that cell.
func TestReadRangeRedaction(t *testing.T) {
	idx := BuildIndex([]ClassificationRecord{
		{Selector: Selector{Scope: ScopeCell, Sheet: "Sheet1", Row: 1, Col: 2}, Classification: Classification{Level: Restricted}},
	})
	policy := Policy{Rules: map[Action]RuleConfig{
		"AI_CLOUD_PROCESSING": {MaxAllowed: Internal, AllowRestrictedContent: false, RedactDisallowed: true},
	}}
	enf := NewEnforcer(idx, policy, "", nil)

	grid := [][]workbook.CellData{{{Value: "ok"}, {Value: "secret"}}}
	out, warnings, blocked := enf.EnforceReadRange(Context{
		Tool: "read_range", Action: "AI_CLOUD_PROCESSING", Sheet: "Sheet1",
		StartRow: 1, StartCol: 1, EndRow: 1, EndCol: 2,
	}, grid)

	require.False(t, blocked)
	require.Len(t, out, 1)
	assert.Equal(t, "ok", out[0][0].Value)
	assert.Equal(t, "[REDACTED]", out[0][1].Value)
	assert.Contains(t, warnings[0], "1 cells redacted")
}

// TestMaxOverScopes mirrors the spec's worked example 4: document-level
// Internal classification plus a range override plus a cell override, all
// composed via max-over-scopes rather than finest-wins.
func TestMaxOverScopes(t *testing.T) {
	idx := BuildIndex([]ClassificationRecord{
		{Selector: Selector{Scope: ScopeDocument}, Classification: Classification{Level: Internal}},
		{Selector: Selector{Scope: ScopeRange, Sheet: "Sheet1", StartRow: 2, StartCol: 1, EndRow: 2, EndCol: 3}, Classification: Classification{Level: Restricted}},
		{Selector: Selector{Scope: ScopeCell, Sheet: "Sheet1", Row: 3, Col: 3}, Classification: Classification{Level: Restricted}},
		{Selector: Selector{Scope: ScopeCell, Sheet: "Sheet1", Row: 1, Col: 1}, Classification: Classification{Level: Confidential}},
	})
	policy := Policy{Rules: map[Action]RuleConfig{
		"AI_CLOUD_PROCESSING": {MaxAllowed: Internal, AllowRestrictedContent: false, RedactDisallowed: true},
	}}
	enf := NewEnforcer(idx, policy, "", nil)

	grid := [][]workbook.CellData{
		{{Value: "a1"}, {Value: "b1"}, {Value: "c1"}},
		{{Value: "a2"}, {Value: "b2"}, {Value: "c2"}},
		{{Value: "a3"}, {Value: "b3"}, {Value: "c3"}},
	}
	out, _, blocked := enf.EnforceReadRange(Context{
		Tool: "read_range", Action: "AI_CLOUD_PROCESSING", Sheet: "Sheet1",
		StartRow: 1, StartCol: 1, EndRow: 3, EndCol: 3,
	}, grid)
	require.False(t, blocked)

	// A1 carries an explicit Confidential cell override over the document's
	// Internal baseline, so it redacts even though the rest of row 1 (only
	// covered by the document-level selector) passes through.
	assert.Equal(t, "[REDACTED]", out[0][0].Value)
	assert.Equal(t, "b1", out[0][1].Value)
	assert.Equal(t, "c1", out[0][2].Value)
	// Row 2 is wholly covered by the A2:C2 Restricted range selector.
	assert.Equal(t, "[REDACTED]", out[1][0].Value)
	assert.Equal(t, "[REDACTED]", out[1][1].Value)
	assert.Equal(t, "[REDACTED]", out[1][2].Value)
	// Row 3 only has C3 overridden to Restricted; A3/B3 stay at the
	// document's Internal baseline, which the policy allows.
	assert.Equal(t, "a3", out[2][0].Value)
	assert.Equal(t, "b3", out[2][1].Value)
	assert.Equal(t, "[REDACTED]", out[2][2].Value)
}

func TestEnforceReadRangeBlocksOnSelectionBlock(t *testing.T) {
	idx := BuildIndex([]ClassificationRecord{
		{Selector: Selector{Scope: ScopeSheet, Sheet: "Sheet1"}, Classification: Classification{Level: Confidential}},
	})
	policy := Policy{Rules: map[Action]RuleConfig{
		"AI_CLOUD_PROCESSING": {MaxAllowed: Public, RedactDisallowed: false},
	}}
	enf := NewEnforcer(idx, policy, "", nil)
	_, _, blocked := enf.EnforceReadRange(Context{Tool: "read_range", Action: "AI_CLOUD_PROCESSING", Sheet: "Sheet1", StartRow: 1, StartCol: 1, EndRow: 1, EndCol: 1}, [][]workbook.CellData{{{Value: "x"}}})
	assert.True(t, blocked)
}

func TestEnforceDerivedOutputRedacts(t *testing.T) {
	idx := BuildIndex([]ClassificationRecord{
		{Selector: Selector{Scope: ScopeSheet, Sheet: "Sheet1"}, Classification: Classification{Level: Confidential}},
	})
	policy := Policy{Rules: map[Action]RuleConfig{
		"AI_CLOUD_PROCESSING": {MaxAllowed: Internal, RedactDisallowed: true},
	}}
	enf := NewEnforcer(idx, policy, "", nil)
	decision, warnings := enf.EnforceDerivedOutput(Context{Tool: "compute_statistics", Action: "AI_CLOUD_PROCESSING", Sheet: "Sheet1", StartRow: 1, StartCol: 1, EndRow: 5, EndCol: 1})
	assert.Equal(t, Redact, decision)
	assert.NotEmpty(t, warnings)
}

type fakeAudit struct{ events []AuditEvent }

func (f *fakeAudit) LogDLPEvent(ev AuditEvent) { f.events = append(f.events, ev) }

func TestAuditEventEmitted(t *testing.T) {
	idx := BuildIndex(nil)
	policy := Policy{Rules: map[Action]RuleConfig{"AI_CLOUD_PROCESSING": {MaxAllowed: Restricted}}}
	audit := &fakeAudit{}
	enf := NewEnforcer(idx, policy, "", audit)
	_, _, _ = enf.EnforceReadRange(Context{DocumentID: "doc1", ToolCallID: "call1", Tool: "read_range", Action: "AI_CLOUD_PROCESSING", Sheet: "Sheet1", StartRow: 1, StartCol: 1, EndRow: 1, EndCol: 1}, [][]workbook.CellData{{{Value: "x"}}})
	require.Len(t, audit.events, 1)
	assert.Equal(t, "ai.tool_dlp", audit.events[0].Type)
	assert.Equal(t, "doc1", audit.events[0].DocumentID)
}

package dlp

// Decision is the outcome of evaluating a classification against a policy rule.
type Decision string

const (
	Allow  Decision = "ALLOW"
	Redact Decision = "REDACT"
	Block  Decision = "BLOCK"
)

// RuleConfig governs how one action treats classified content.
type RuleConfig struct {
	MaxAllowed            Level
	AllowRestrictedContent bool
	RedactDisallowed       bool
}

// Action names an operation a policy rule is keyed by (e.g. AI_CLOUD_PROCESSING).
type Action string

// Policy groups rules per action, plus a document-override flag (spec §4.4).
type Policy struct {
	Version                int
	AllowDocumentOverrides  bool
	Rules                   map[Action]RuleConfig
}

// Evaluate applies a single rule to a classification (spec §4.4):
// ALLOW if level <= maxAllowed, or level is Restricted and the rule
// explicitly allows restricted content; REDACT if over the limit and the
// rule permits redaction; BLOCK otherwise.
func Evaluate(rule RuleConfig, c Classification) Decision {
	if c.Level <= rule.MaxAllowed {
		return Allow
	}
	if c.Level == Restricted && rule.AllowRestrictedContent {
		return Allow
	}
	if rule.RedactDisallowed {
		return Redact
	}
	return Block
}

// RuleFor looks up the rule for an action, returning the zero RuleConfig
// (MaxAllowed: Public, so Public content is allowed and anything above it
// is blocked) when undefined.
func (p Policy) RuleFor(action Action) RuleConfig {
	if p.Rules == nil {
		return RuleConfig{}
	}
	return p.Rules[action]
}

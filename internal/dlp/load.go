package dlp

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"
)

// classificationRecordYAML and policyYAML mirror the on-disk seed formats
// for classification records and policy rules, kept separate from the
// in-memory types so the YAML shape can evolve without touching the engine.
type classificationRecordYAML struct {
	Scope      string   `yaml:"scope"`
	DocumentID string   `yaml:"document_id,omitempty"`
	Sheet      string   `yaml:"sheet,omitempty"`
	Column     int      `yaml:"column,omitempty"`
	Row        int      `yaml:"row,omitempty"`
	Col        int      `yaml:"col,omitempty"`
	StartRow   int      `yaml:"start_row,omitempty"`
	StartCol   int      `yaml:"start_col,omitempty"`
	EndRow     int      `yaml:"end_row,omitempty"`
	EndCol     int      `yaml:"end_col,omitempty"`
	Level      string   `yaml:"level"`
	Labels     []string `yaml:"labels,omitempty"`
}

type classificationFileYAML struct {
	Records []classificationRecordYAML `yaml:"records"`
}

// LoadClassificationRecords parses a YAML seed file of classification
// records into the engine's in-memory representation.
func LoadClassificationRecords(path string) ([]ClassificationRecord, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("dlp: reading classification file: %w", err)
	}
	var doc classificationFileYAML
	if err := yaml.Unmarshal(data, &doc); err != nil {
		return nil, fmt.Errorf("dlp: parsing classification file: %w", err)
	}
	out := make([]ClassificationRecord, 0, len(doc.Records))
	for i, r := range doc.Records {
		level, ok := ParseLevel(r.Level)
		if !ok {
			return nil, fmt.Errorf("dlp: record %d: unknown level %q", i, r.Level)
		}
		sel := Selector{
			Scope:      SelectorScope(r.Scope),
			DocumentID: r.DocumentID,
			Sheet:      r.Sheet,
			Column:     r.Column,
			Row:        r.Row,
			Col:        r.Col,
			StartRow:   r.StartRow,
			StartCol:   r.StartCol,
			EndRow:     r.EndRow,
			EndCol:     r.EndCol,
		}
		out = append(out, ClassificationRecord{Selector: sel, Classification: Classification{Level: level, Labels: r.Labels}})
	}
	return out, nil
}

type ruleYAML struct {
	MaxAllowed             string `yaml:"max_allowed"`
	AllowRestrictedContent bool   `yaml:"allow_restricted_content"`
	RedactDisallowed       bool   `yaml:"redact_disallowed"`
}

type policyYAML struct {
	Version                int                 `yaml:"version"`
	AllowDocumentOverrides bool                `yaml:"allow_document_overrides"`
	Rules                  map[string]ruleYAML `yaml:"rules"`
}

// LoadPolicy parses a YAML policy definition file (spec §4.4 Policy type).
func LoadPolicy(path string) (Policy, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return Policy{}, fmt.Errorf("dlp: reading policy file: %w", err)
	}
	var doc policyYAML
	if err := yaml.Unmarshal(data, &doc); err != nil {
		return Policy{}, fmt.Errorf("dlp: parsing policy file: %w", err)
	}
	rules := make(map[Action]RuleConfig, len(doc.Rules))
	for action, r := range doc.Rules {
		level, ok := ParseLevel(r.MaxAllowed)
		if !ok {
			return Policy{}, fmt.Errorf("dlp: action %s: unknown max_allowed %q", action, r.MaxAllowed)
		}
		rules[Action(action)] = RuleConfig{MaxAllowed: level, AllowRestrictedContent: r.AllowRestrictedContent, RedactDisallowed: r.RedactDisallowed}
	}
	return Policy{Version: doc.Version, AllowDocumentOverrides: doc.AllowDocumentOverrides, Rules: rules}, nil
}

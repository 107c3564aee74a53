// Package alert implements the alert rule evaluation engine.
//
// The engine loads rules from rules.yaml (custom) and merges them with
// built-in detection rules. Every record appended to the audit log is
// evaluated against the rule set in order. First match wins.
//
// Rule matching supports:
//   - Event type (string or list, case-insensitive, OR logic)
//   - Actor (exact match)
//   - Status (string or list, case-insensitive, OR logic)
//   - Target resource glob patterns (string or list, OR logic)
//   - Substrings over description and metadata (string or list,
//     case-insensitive, OR logic)
//   - Action regex (for the machine action code, e.g. "^auth\.")
//   - Description regex
package alert

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"
)

// Alert severities, in ascending order of urgency. SeverityIgnore is a
// suppression: the rule matched, but the record should not be surfaced.
const (
	SeverityIgnore   = "ignore"
	SeverityInfo     = "info"
	SeverityWarning  = "warning"
	SeverityCritical = "critical"
)

func validSeverity(s string) bool {
	switch s {
	case SeverityIgnore, SeverityInfo, SeverityWarning, SeverityCritical:
		return true
	}
	return false
}

// Rule defines a single alert rule. Each rule has a match condition and a
// severity assigned when the condition is met.
type Rule struct {
	Name     string    `yaml:"name"`
	Match    RuleMatch `yaml:"match"`
	Severity string    `yaml:"severity"` // ignore, info, warning or critical.
	Message  string    `yaml:"message"`  // Human-readable explanation.
	Builtin  bool      `yaml:"-"`        // True for built-in rules (not serialized).

	// compiled holds pre-compiled matchers (regex, glob).
	// Set by compileMatcher() after loading.
	compiled *compiledMatcher
}

// RuleMatch defines the conditions under which a rule fires.
// All non-empty fields must match for the rule to trigger (AND logic).
// Within list fields, any value matching is sufficient (OR logic).
type RuleMatch struct {
	EventType        stringOrList `yaml:"event_type"`
	Actor            string       `yaml:"actor"`
	Status           stringOrList `yaml:"status"`
	Target           stringOrList `yaml:"target"`
	Contains         stringOrList `yaml:"contains"`
	ActionRegex      string       `yaml:"action_regex"`
	DescriptionRegex string       `yaml:"description_regex"`
}

// stringOrList handles YAML fields that can be either a single string
// or a list of strings. In rules.yaml, users can write either:
//
//	event_type: LOGIN                  # single string
//	event_type: [LOGIN, USER_DELETED]  # list of strings
type stringOrList []string

// UnmarshalYAML handles both scalar and sequence forms.
func (s *stringOrList) UnmarshalYAML(value *yaml.Node) error {
	switch value.Kind {
	case yaml.ScalarNode:
		*s = []string{value.Value}
		return nil
	case yaml.SequenceNode:
		var list []string
		if err := value.Decode(&list); err != nil {
			return err
		}
		*s = list
		return nil
	default:
		return fmt.Errorf("expected string or list, got %v", value.Kind)
	}
}

// RuleWatchlistActivity names alerts raised when a watched actor shows
// up in the stream. Raised by the daemon fan-out, not by pattern rules,
// so watchlist churn never requires a rules reload.
const RuleWatchlistActivity = "watchlist_activity"

// Alert is the outcome of evaluating an audit record against the rule set.
// A zero Alert (empty Severity) means no rule matched.
type Alert struct {
	Severity string `json:"severity"`
	Rule     string `json:"rule"`
	Message  string `json:"message"`
}

// Actionable reports whether the alert should be surfaced to operators.
// Unmatched records and ignore-severity matches are not actionable.
func (a Alert) Actionable() bool {
	return a.Severity != "" && a.Severity != SeverityIgnore
}

// RuleInfo is a summary of a rule for display (used by `chainlog rules list`).
type RuleInfo struct {
	Name     string `json:"name"`
	Builtin  bool   `json:"builtin"`
	Severity string `json:"severity"`
	Message  string `json:"message"`
}

// rulesFile is the YAML envelope for rules.yaml.
type rulesFile struct {
	Rules   []Rule          `yaml:"rules"`
	Builtin map[string]bool `yaml:"builtin"`
}

// loadRulesFromFile reads and parses custom rules from the given YAML path.
// Returns an empty slice if the file doesn't exist (not an error).
func loadRulesFromFile(path string) ([]Rule, map[string]bool, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil, nil
		}
		return nil, nil, fmt.Errorf("reading rules %s: %w", path, err)
	}

	if len(data) == 0 {
		return nil, nil, nil
	}

	var file rulesFile
	if err := yaml.Unmarshal(data, &file); err != nil {
		return nil, nil, fmt.Errorf("parsing rules %s: %w", path, err)
	}

	return file.Rules, file.Builtin, nil
}

// saveRulesToFile writes custom rules to the given YAML path.
// Only saves custom rules (not built-in) and the builtin toggle map.
func saveRulesToFile(path string, customRules []Rule, builtinToggles map[string]bool) error {
	file := rulesFile{
		Rules:   customRules,
		Builtin: builtinToggles,
	}

	data, err := yaml.Marshal(&file)
	if err != nil {
		return fmt.Errorf("marshaling rules: %w", err)
	}

	header := "# Chainlog Alert Rules\n# Rules are evaluated in order against every appended record. First match wins.\n\n"
	return os.WriteFile(path, []byte(header+string(data)), 0o644)
}

// WriteDefaultRules writes a default rules.yaml with the built-in rule
// toggles at their defaults. Used by the first-run setup.
func WriteDefaultRules(path string) error {
	builtinToggles := defaultBuiltinToggles()
	return saveRulesToFile(path, nil, builtinToggles)
}

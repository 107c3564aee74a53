package alert

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"

	"gopkg.in/yaml.v3"

	"github.com/chainlog/chainlog/internal/audit"
)

// Engine is the alert rule evaluation engine. It holds the combined set of
// built-in and custom rules and evaluates appended audit records against
// them.
//
// Thread-safe: Evaluate() is called from the append fan-out while Reload()
// modifies the rule set on config changes. Uses RWMutex so evaluations
// don't block each other.
type Engine struct {
	mu             sync.RWMutex
	rules          []Rule          // Combined built-in + custom rules, in evaluation order.
	customRules    []Rule          // Custom rules only (for serialization).
	builtinToggles map[string]bool // Toggle map for built-in rules.
	builtinCount   int
	customCount    int
}

// New creates a rule engine, loading custom rules from the given YAML path
// and merging them with the built-in detection rules.
//
// Returns an error if the rules file is malformed or contains invalid
// regex/glob patterns. Missing file is not an error (empty custom rules).
func New(rulesPath string) (*Engine, error) {
	e := &Engine{}
	if err := e.load(rulesPath); err != nil {
		return nil, err
	}
	return e, nil
}

// Evaluate checks an audit record against all rules in order.
// First matching rule wins. If no rule matches, the zero Alert is returned
// (empty severity, not actionable).
func (e *Engine) Evaluate(rec *audit.Record) Alert {
	e.mu.RLock()
	defer e.mu.RUnlock()

	for _, rule := range e.rules {
		if matchesRule(&rule, rec) {
			return Alert{
				Severity: rule.Severity,
				Rule:     rule.Name,
				Message:  rule.Message,
			}
		}
	}

	return Alert{}
}

// TestJSON evaluates an audit record provided as a JSON string.
// Used by `chainlog rules test` to verify rules without appending a live
// record. The JSON uses the record field names (event_type, actor, ...).
func (e *Engine) TestJSON(jsonStr string) (Alert, error) {
	var rec audit.Record
	if err := json.Unmarshal([]byte(jsonStr), &rec); err != nil {
		return Alert{}, fmt.Errorf("parsing record JSON: %w", err)
	}
	return e.Evaluate(&rec), nil
}

// TotalRules returns the total number of active rules (builtin + custom).
func (e *Engine) TotalRules() int {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return len(e.rules)
}

// BuiltinCount returns the number of active built-in rules.
func (e *Engine) BuiltinCount() int {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.builtinCount
}

// CustomCount returns the number of custom rules.
func (e *Engine) CustomCount() int {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.customCount
}

// ListRules returns summary info for all active rules.
// Used by `chainlog rules list`.
func (e *Engine) ListRules() []RuleInfo {
	e.mu.RLock()
	defer e.mu.RUnlock()

	infos := make([]RuleInfo, 0, len(e.rules))
	for _, r := range e.rules {
		infos = append(infos, RuleInfo{
			Name:     r.Name,
			Builtin:  r.Builtin,
			Severity: r.Severity,
			Message:  r.Message,
		})
	}
	return infos
}

// AddRule parses a rule from a YAML string and adds it to the custom rules.
// The new rule is compiled (regex/glob patterns validated) before adding.
func (e *Engine) AddRule(yamlStr string) error {
	var rule Rule
	if err := yaml.Unmarshal([]byte(yamlStr), &rule); err != nil {
		return fmt.Errorf("parsing rule YAML: %w", err)
	}

	if rule.Name == "" {
		return fmt.Errorf("rule must have a name")
	}
	if rule.Severity == "" {
		rule.Severity = SeverityWarning
	}
	if !validSeverity(rule.Severity) {
		return fmt.Errorf("rule %q: unknown severity %q", rule.Name, rule.Severity)
	}

	if err := compileMatcher(&rule); err != nil {
		return err
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	e.customRules = append(e.customRules, rule)
	e.rebuild()
	return nil
}

// RemoveRule removes a custom rule by name.
// Returns an error if the rule is a built-in (can't be removed, only toggled)
// or doesn't exist.
func (e *Engine) RemoveRule(name string) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	found := false
	filtered := make([]Rule, 0, len(e.customRules))
	for _, r := range e.customRules {
		if r.Name == name {
			found = true
			continue
		}
		filtered = append(filtered, r)
	}

	if !found {
		return fmt.Errorf("custom rule %q not found (built-in rules can only be toggled)", name)
	}

	e.customRules = filtered
	e.rebuild()
	return nil
}

// Save persists the current custom rules and builtin toggles to rules.yaml.
func (e *Engine) Save(path string) error {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return saveRulesToFile(path, e.customRules, e.builtinToggles)
}

// Reload reloads rules from the given YAML path.
// Called by the file watcher when rules.yaml changes.
func (e *Engine) Reload(path string) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	if err := e.loadUnlocked(path); err != nil {
		return err
	}

	slog.Info("alert rules reloaded", "total", len(e.rules), "builtin", e.builtinCount, "custom", e.customCount)
	return nil
}

// load reads rules from file and builds the combined rule set.
func (e *Engine) load(rulesPath string) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.loadUnlocked(rulesPath)
}

// loadUnlocked does the actual loading. Caller must hold the mutex.
func (e *Engine) loadUnlocked(rulesPath string) error {
	customRules, builtinToggles, err := loadRulesFromFile(rulesPath)
	if err != nil {
		return err
	}

	// Merge file toggles with defaults. If the file specifies a toggle, use it.
	// Otherwise, fall back to the default (some builtins are off by default).
	defaults := defaultBuiltinToggles()
	if builtinToggles == nil {
		builtinToggles = defaults
	} else {
		for name, defaultVal := range defaults {
			if _, exists := builtinToggles[name]; !exists {
				builtinToggles[name] = defaultVal
			}
		}
	}

	// Compile matchers and validate severities for custom rules.
	for i := range customRules {
		if customRules[i].Severity == "" {
			customRules[i].Severity = SeverityWarning
		}
		if !validSeverity(customRules[i].Severity) {
			return fmt.Errorf("rule %q: unknown severity %q", customRules[i].Name, customRules[i].Severity)
		}
		if err := compileMatcher(&customRules[i]); err != nil {
			return err
		}
	}

	e.customRules = customRules
	e.builtinToggles = builtinToggles
	e.rebuild()
	return nil
}

// rebuild merges built-in and custom rules into the combined evaluation list.
// Custom rules come first so operators can suppress or escalate anything the
// built-ins would catch. Caller must hold the mutex.
func (e *Engine) rebuild() {
	combined := make([]Rule, 0, len(e.customRules))
	combined = append(combined, e.customRules...)

	// Add enabled built-in rules after the custom ones.
	builtins := builtinRules()
	builtinCount := 0
	for _, r := range builtins {
		enabled, exists := e.builtinToggles[r.Name]
		if !exists {
			// Unknown built-in, default to enabled.
			enabled = true
		}
		if !enabled {
			continue
		}

		if err := compileMatcher(&r); err != nil {
			slog.Error("failed to compile built-in rule", "rule", r.Name, "error", err)
			continue
		}
		combined = append(combined, r)
		builtinCount++
	}

	e.rules = combined
	e.builtinCount = builtinCount
	e.customCount = len(e.customRules)
}

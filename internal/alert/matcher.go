package alert

import (
	"fmt"
	"regexp"
	"strings"

	"github.com/gobwas/glob"

	"github.com/chainlog/chainlog/internal/audit"
)

// compiledMatcher holds pre-compiled patterns for a rule.
// Compiling regex and glob patterns once at load time keeps the per-append
// evaluation cost negligible next to the fsync in the write path.
type compiledMatcher struct {
	actionRegex      *regexp.Regexp
	descriptionRegex *regexp.Regexp
	targetGlobs      []glob.Glob
}

// compileMatcher pre-compiles all pattern matchers for a rule.
// Returns an error if any regex or glob pattern is invalid.
func compileMatcher(r *Rule) error {
	r.compiled = &compiledMatcher{}

	if r.Match.ActionRegex != "" {
		re, err := regexp.Compile(r.Match.ActionRegex)
		if err != nil {
			return fmt.Errorf("rule %q: invalid action_regex: %w", r.Name, err)
		}
		r.compiled.actionRegex = re
	}

	if r.Match.DescriptionRegex != "" {
		re, err := regexp.Compile(r.Match.DescriptionRegex)
		if err != nil {
			return fmt.Errorf("rule %q: invalid description_regex: %w", r.Name, err)
		}
		r.compiled.descriptionRegex = re
	}

	for _, p := range r.Match.Target {
		g, err := glob.Compile(p)
		if err != nil {
			return fmt.Errorf("rule %q: invalid target glob %q: %w", r.Name, p, err)
		}
		r.compiled.targetGlobs = append(r.compiled.targetGlobs, g)
	}

	return nil
}

// matchesRule checks whether an audit record matches a rule's conditions.
// All non-empty match fields must be satisfied (AND logic).
// Returns true if the rule fires for this record.
//
// Match logic:
//   - event_type:        case-insensitive match (OR across list)
//   - actor:             exact match
//   - status:            case-insensitive match (OR across list)
//   - target:            glob match on target_resource (OR across list)
//   - contains:          case-insensitive substring in description or
//     metadata values (OR across list)
//   - action_regex:      regex match on the action code
//   - description_regex: regex match on the description
func matchesRule(r *Rule, rec *audit.Record) bool {
	m := r.Match

	// Event type match (case-insensitive, OR across list).
	if len(m.EventType) > 0 {
		matched := false
		for _, t := range m.EventType {
			if strings.EqualFold(t, string(rec.EventType)) {
				matched = true
				break
			}
		}
		if !matched {
			return false
		}
	}

	// Actor match (exact).
	if m.Actor != "" && m.Actor != rec.Actor {
		return false
	}

	// Status match (case-insensitive, OR across list).
	if len(m.Status) > 0 {
		matched := false
		for _, s := range m.Status {
			if strings.EqualFold(s, string(rec.Status)) {
				matched = true
				break
			}
		}
		if !matched {
			return false
		}
	}

	// Target glob match (OR across list).
	if len(m.Target) > 0 && r.compiled != nil && len(r.compiled.targetGlobs) > 0 {
		matched := false
		for _, g := range r.compiled.targetGlobs {
			if g.Match(rec.TargetResource) {
				matched = true
				break
			}
		}
		if !matched {
			return false
		}
	}

	// Substring match (case-insensitive, OR across list).
	// Searches the description and all metadata values.
	if len(m.Contains) > 0 {
		haystack := strings.ToLower(rec.Description)
		for k, v := range rec.Metadata {
			haystack += "\n" + strings.ToLower(k) + "=" + strings.ToLower(v)
		}
		matched := false
		for _, s := range m.Contains {
			if strings.Contains(haystack, strings.ToLower(s)) {
				matched = true
				break
			}
		}
		if !matched {
			return false
		}
	}

	// Action regex match.
	if r.compiled != nil && r.compiled.actionRegex != nil {
		if rec.Action == "" || !r.compiled.actionRegex.MatchString(rec.Action) {
			return false
		}
	}

	// Description regex match.
	if r.compiled != nil && r.compiled.descriptionRegex != nil {
		if rec.Description == "" || !r.compiled.descriptionRegex.MatchString(rec.Description) {
			return false
		}
	}

	// All non-empty conditions matched.
	return true
}

package alert

// builtinRules returns all built-in detection rules.
// These are always loaded and can be individually toggled on/off
// via the "builtin" section in rules.yaml.
//
// Built-in rules cover the events a security team almost always wants
// surfaced from an incident-response audit trail:
//   - Account lifecycle (user deletion)
//   - Privilege changes (permission / role modification)
//   - Data leaving the system (exports)
//   - Failed logins and failed automated responses
//   - Configuration changes
func builtinRules() []Rule {
	return []Rule{
		// --- Account and privilege rules ---
		{
			Name:     "watch_user_deleted",
			Match:    RuleMatch{EventType: stringOrList{"USER_DELETED"}},
			Severity: SeverityWarning,
			Message:  "User account deleted",
			Builtin:  true,
		},
		{
			Name:     "watch_permission_changed",
			Match:    RuleMatch{EventType: stringOrList{"PERMISSION_CHANGED"}},
			Severity: SeverityWarning,
			Message:  "Permission or role modified",
			Builtin:  true,
		},

		// --- Data handling rules ---
		{
			Name:     "watch_data_export",
			Match:    RuleMatch{EventType: stringOrList{"DATA_EXPORTED"}},
			Severity: SeverityInfo,
			Message:  "Data exported from the system",
			Builtin:  true,
		},

		// --- Failure rules ---
		{
			Name:     "watch_failed_login",
			Match:    RuleMatch{EventType: stringOrList{"LOGIN"}, Status: stringOrList{"failure"}},
			Severity: SeverityInfo,
			Message:  "Failed login attempt",
			Builtin:  true,
		},
		{
			Name:     "watch_failed_response",
			Match:    RuleMatch{EventType: stringOrList{"RESPONSE_TRIGGERED"}, Status: stringOrList{"failure"}},
			Severity: SeverityCritical,
			Message:  "Automated response action failed",
			Builtin:  true,
		},
		{
			Name:     "watch_failed_workflow",
			Match:    RuleMatch{EventType: stringOrList{"WORKFLOW_EXECUTED"}, Status: stringOrList{"failure"}},
			Severity: SeverityWarning,
			Message:  "Response workflow failed",
			Builtin:  true,
		},

		// --- Configuration rules ---
		{
			Name:     "watch_config_changed",
			Match:    RuleMatch{EventType: stringOrList{"CONFIG_CHANGED"}},
			Severity: SeverityInfo,
			Message:  "System configuration changed",
			Builtin:  true,
		},
	}
}

// defaultBuiltinToggles returns the default enable/disable state for each
// built-in rule.
func defaultBuiltinToggles() map[string]bool {
	return map[string]bool{
		// Account and privilege rules, on by default.
		"watch_user_deleted":       true,
		"watch_permission_changed": true,

		// Data handling, on by default.
		"watch_data_export": true,

		// Failures, on by default.
		"watch_failed_login":    true,
		"watch_failed_response": true,
		"watch_failed_workflow": true,

		// Config changes are noisy in staging environments, off by default.
		"watch_config_changed": false,
	}
}

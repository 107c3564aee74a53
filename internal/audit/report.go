package audit

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"time"
)

// ReportType selects which findings and recommendation templates a
// compliance report carries. The underlying statistics are computed the
// same way for every type.
type ReportType string

const (
	ReportSOC2     ReportType = "SOC2"
	ReportHIPAA    ReportType = "HIPAA"
	ReportISO27001 ReportType = "ISO27001"
)

// Valid reports whether the report type is supported.
func (t ReportType) Valid() bool {
	switch t {
	case ReportSOC2, ReportHIPAA, ReportISO27001:
		return true
	}
	return false
}

// ParseReportType normalizes and validates a report type string.
func ParseReportType(s string) (ReportType, error) {
	t := ReportType(strings.ToUpper(strings.TrimSpace(s)))
	if !t.Valid() {
		return "", fmt.Errorf("%w: unknown report type %q (use SOC2, HIPAA, or ISO27001)", ErrValidation, s)
	}
	return t, nil
}

// Event classification buckets. Disjoint over event_type: every type
// belongs to exactly one bucket. Failed attempts are counted on the
// status dimension and may overlap any bucket.
var (
	securityEventTypes = map[EventType]bool{
		EventIncidentCreated:   true,
		EventIncidentUpdated:   true,
		EventIncidentResolved:  true,
		EventResponseTriggered: true,
		EventWorkflowExecuted:  true,
		EventDataExported:      true,
	}
	userActionTypes = map[EventType]bool{
		EventLogin:       true,
		EventLogout:      true,
		EventUserCreated: true,
		EventUserDeleted: true,
	}
	systemChangeTypes = map[EventType]bool{
		EventConfigChanged:     true,
		EventPermissionChanged: true,
	}
)

// ReportStatistics aggregates the reporting period's record set.
type ReportStatistics struct {
	TotalEvents    int               `json:"total_events"`
	SecurityEvents int               `json:"security_events"`
	UserActions    int               `json:"user_actions"`
	SystemChanges  int               `json:"system_changes"`
	FailedAttempts int               `json:"failed_attempts"`
	UniqueActors   int               `json:"unique_actors"`
	ByEventType    map[EventType]int `json:"by_event_type,omitempty"`
}

// ReportFinding is a single observation derived from the period's
// statistics against fixed thresholds.
type ReportFinding struct {
	Severity    string `json:"severity"` // "info", "warning" or "critical".
	Category    string `json:"category"`
	Description string `json:"description"`
	Remediation string `json:"remediation,omitempty"`
}

// ComplianceReport is a derived view over a reporting period. It is not
// itself stored in the chain; callers that hand it out log their own
// DATA_EXPORTED event.
type ComplianceReport struct {
	ReportType      ReportType       `json:"report_type"`
	PeriodStart     string           `json:"period_start"`
	PeriodEnd       string           `json:"period_end"`
	GeneratedAt     string           `json:"generated_at"`
	Statistics      ReportStatistics `json:"statistics"`
	Findings        []ReportFinding  `json:"findings"`
	Recommendations []string         `json:"recommendations"`
}

// GenerateReport builds a compliance report over [start, end] inclusive.
// Statistics, findings and recommendations are a deterministic function
// of the period's record set; only generated_at varies between calls.
func (l *Log) GenerateReport(ctx context.Context, typ ReportType, start, end time.Time) (*ComplianceReport, error) {
	if !typ.Valid() {
		return nil, fmt.Errorf("%w: unknown report type %q", ErrValidation, typ)
	}
	if end.Before(start) {
		return nil, fmt.Errorf("%w: report period ends before it starts", ErrValidation)
	}

	records, err := l.Search(ctx, Filter{From: start, To: end})
	if err != nil {
		return nil, err
	}

	stats := classify(records)
	return &ComplianceReport{
		ReportType:      typ,
		PeriodStart:     start.UTC().Format(time.RFC3339),
		PeriodEnd:       end.UTC().Format(time.RFC3339),
		GeneratedAt:     time.Now().UTC().Format(time.RFC3339),
		Statistics:      stats,
		Findings:        buildFindings(typ, stats),
		Recommendations: buildRecommendations(typ, stats),
	}, nil
}

// classify sorts the record set into the report buckets.
func classify(records []Record) ReportStatistics {
	stats := ReportStatistics{
		TotalEvents: len(records),
		ByEventType: make(map[EventType]int),
	}

	actors := make(map[string]bool)
	for _, r := range records {
		stats.ByEventType[r.EventType]++
		actors[r.Actor] = true

		switch {
		case securityEventTypes[r.EventType]:
			stats.SecurityEvents++
		case userActionTypes[r.EventType]:
			stats.UserActions++
		case systemChangeTypes[r.EventType]:
			stats.SystemChanges++
		}
		if r.Status == StatusFailure {
			stats.FailedAttempts++
		}
	}
	stats.UniqueActors = len(actors)
	return stats
}

// buildFindings derives observations from the statistics. Thresholds are
// fixed so the same record set always yields the same findings.
func buildFindings(typ ReportType, stats ReportStatistics) []ReportFinding {
	var findings []ReportFinding

	if stats.TotalEvents == 0 {
		return append(findings, ReportFinding{
			Severity:    "warning",
			Category:    "coverage",
			Description: "No audit activity recorded in the reporting period.",
			Remediation: "Confirm producers are connected and the ingest pipeline is running.",
		})
	}

	if stats.FailedAttempts > 0 {
		severity := "warning"
		if stats.FailedAttempts*10 >= stats.TotalEvents {
			severity = "critical"
		}
		findings = append(findings, ReportFinding{
			Severity: severity,
			Category: "failed-operations",
			Description: fmt.Sprintf("%d of %d events in the period failed.",
				stats.FailedAttempts, stats.TotalEvents),
			Remediation: "Review failed operations for denied access attempts and broken response workflows.",
		})
	}

	if n := stats.ByEventType[EventPermissionChanged]; n > 0 {
		findings = append(findings, ReportFinding{
			Severity:    "info",
			Category:    "access-control",
			Description: fmt.Sprintf("%d permission change(s) recorded.", n),
			Remediation: "Confirm each permission change maps to an approved access request.",
		})
	}

	if n := stats.ByEventType[EventUserDeleted]; n > 0 {
		findings = append(findings, ReportFinding{
			Severity:    "info",
			Category:    "account-lifecycle",
			Description: fmt.Sprintf("%d user account(s) deleted.", n),
			Remediation: "Verify offboarding tickets exist for the deleted accounts.",
		})
	}

	if n := stats.ByEventType[EventDataExported]; n > 0 {
		severity := "info"
		if typ == ReportHIPAA {
			severity = "warning"
		}
		findings = append(findings, ReportFinding{
			Severity:    severity,
			Category:    "data-handling",
			Description: fmt.Sprintf("%d data export(s) recorded.", n),
			Remediation: "Check each export against the data handling policy for the destination.",
		})
	}

	return findings
}

// buildRecommendations returns the template recommendations for the
// report type plus any triggered by the statistics.
func buildRecommendations(typ ReportType, stats ReportStatistics) []string {
	var recs []string

	switch typ {
	case ReportSOC2:
		recs = append(recs,
			"Retain audit records for at least one year to cover the full observation window.",
			"Keep scheduled chain verification enabled and alert on any integrity failure.",
			"Restrict audit log access to the admin and auditor roles.",
		)
	case ReportHIPAA:
		recs = append(recs,
			"Map every actor identity to a named workforce member.",
			"Review all data export events against PHI access policies.",
			"Retain audit records for a minimum of six years.",
		)
	case ReportISO27001:
		recs = append(recs,
			"Review logging coverage against the A.8.15 logging control.",
			"Protect audit records from unauthorized modification (hash chain verification).",
			"Schedule periodic access reviews for accounts appearing in permission changes.",
		)
	}

	if stats.FailedAttempts*10 >= stats.TotalEvents && stats.FailedAttempts > 0 {
		recs = append(recs, "Investigate the elevated failure rate before the next reporting period.")
	}
	return recs
}

// Markdown renders the report for terminal output and ticket attachments.
func (r *ComplianceReport) Markdown() string {
	var b strings.Builder

	fmt.Fprintf(&b, "# %s Compliance Report\n\n", r.ReportType)
	fmt.Fprintf(&b, "Period: %s to %s\n\n", r.PeriodStart, r.PeriodEnd)
	fmt.Fprintf(&b, "Generated: %s\n\n", r.GeneratedAt)

	b.WriteString("## Statistics\n\n")
	fmt.Fprintf(&b, "| Metric | Count |\n|---|---|\n")
	fmt.Fprintf(&b, "| Total events | %d |\n", r.Statistics.TotalEvents)
	fmt.Fprintf(&b, "| Security events | %d |\n", r.Statistics.SecurityEvents)
	fmt.Fprintf(&b, "| User actions | %d |\n", r.Statistics.UserActions)
	fmt.Fprintf(&b, "| System changes | %d |\n", r.Statistics.SystemChanges)
	fmt.Fprintf(&b, "| Failed attempts | %d |\n", r.Statistics.FailedAttempts)
	fmt.Fprintf(&b, "| Unique actors | %d |\n", r.Statistics.UniqueActors)

	if len(r.Statistics.ByEventType) > 0 {
		b.WriteString("\n## Events by type\n\n")
		types := make([]string, 0, len(r.Statistics.ByEventType))
		for t := range r.Statistics.ByEventType {
			types = append(types, string(t))
		}
		sort.Strings(types)
		for _, t := range types {
			fmt.Fprintf(&b, "- %s: %d\n", t, r.Statistics.ByEventType[EventType(t)])
		}
	}

	if len(r.Findings) > 0 {
		b.WriteString("\n## Findings\n\n")
		for _, f := range r.Findings {
			fmt.Fprintf(&b, "- [%s] %s %s", strings.ToUpper(f.Severity), f.Category, f.Description)
			if f.Remediation != "" {
				fmt.Fprintf(&b, " Remediation: %s", f.Remediation)
			}
			b.WriteByte('\n')
		}
	}

	if len(r.Recommendations) > 0 {
		b.WriteString("\n## Recommendations\n\n")
		for _, rec := range r.Recommendations {
			fmt.Fprintf(&b, "- %s\n", rec)
		}
	}

	return b.String()
}

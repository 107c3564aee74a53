package audit

import (
	"fmt"
	"strings"
	"time"
)

// EventType classifies an audit record. The set is closed: unknown values
// are rejected at the append boundary, never stored.
type EventType string

const (
	EventLogin             EventType = "LOGIN"
	EventLogout            EventType = "LOGOUT"
	EventIncidentCreated   EventType = "INCIDENT_CREATED"
	EventIncidentUpdated   EventType = "INCIDENT_UPDATED"
	EventIncidentResolved  EventType = "INCIDENT_RESOLVED"
	EventResponseTriggered EventType = "RESPONSE_TRIGGERED"
	EventWorkflowExecuted  EventType = "WORKFLOW_EXECUTED"
	EventConfigChanged     EventType = "CONFIG_CHANGED"
	EventUserCreated       EventType = "USER_CREATED"
	EventUserDeleted       EventType = "USER_DELETED"
	EventPermissionChanged EventType = "PERMISSION_CHANGED"
	EventDataExported      EventType = "DATA_EXPORTED"
)

// defaultActions maps each event type to its machine action code, used
// when a producer omits the action field. The reverse mapping drives
// event bus ingestion, where messages often carry only an action.
var defaultActions = map[EventType]string{
	EventLogin:             "auth.login",
	EventLogout:            "auth.logout",
	EventIncidentCreated:   "incident.created",
	EventIncidentUpdated:   "incident.updated",
	EventIncidentResolved:  "incident.resolved",
	EventResponseTriggered: "response.triggered",
	EventWorkflowExecuted:  "workflow.executed",
	EventConfigChanged:     "config.changed",
	EventUserCreated:       "user.created",
	EventUserDeleted:       "user.deleted",
	EventPermissionChanged: "permission.changed",
	EventDataExported:      "data.exported",
}

// Valid reports whether the event type is in the closed set.
func (t EventType) Valid() bool {
	_, ok := defaultActions[t]
	return ok
}

// ParseEventType normalizes and validates an event type string
// (case-insensitive, e.g. "login" -> LOGIN).
func ParseEventType(s string) (EventType, error) {
	t := EventType(strings.ToUpper(strings.TrimSpace(s)))
	if !t.Valid() {
		return "", fmt.Errorf("%w: unknown event type %q", ErrValidation, s)
	}
	return t, nil
}

// EventTypeForAction returns the event type whose default action code
// matches the given action (e.g. "incident.created" -> INCIDENT_CREATED).
// Returns false when no event type claims the action.
func EventTypeForAction(action string) (EventType, bool) {
	for t, a := range defaultActions {
		if a == action {
			return t, true
		}
	}
	return "", false
}

// ActorRole identifies the privilege class of the acting principal.
type ActorRole string

const (
	RoleAdmin   ActorRole = "admin"
	RoleAnalyst ActorRole = "analyst"
	RoleAuditor ActorRole = "auditor"
)

// Valid reports whether the role is in the closed set.
func (r ActorRole) Valid() bool {
	switch r {
	case RoleAdmin, RoleAnalyst, RoleAuditor:
		return true
	}
	return false
}

// TargetType classifies the resource an event acted on.
type TargetType string

const (
	TargetIncident TargetType = "incident"
	TargetWorkflow TargetType = "workflow"
	TargetUser     TargetType = "user"
	TargetConfig   TargetType = "config"
	TargetSystem   TargetType = "system"
)

// Valid reports whether the target type is in the closed set.
func (t TargetType) Valid() bool {
	switch t {
	case TargetIncident, TargetWorkflow, TargetUser, TargetConfig, TargetSystem:
		return true
	}
	return false
}

// Status is the outcome of the audited action.
type Status string

const (
	StatusSuccess Status = "success"
	StatusFailure Status = "failure"
	StatusPending Status = "pending"
)

// Valid reports whether the status is in the closed set.
func (s Status) Valid() bool {
	switch s {
	case StatusSuccess, StatusFailure, StatusPending:
		return true
	}
	return false
}

// Record is a single sealed audit log record. Records are immutable once
// appended: every field below participates in the integrity hash, so any
// post-hoc modification is detectable by chain verification.
type Record struct {
	LogID          string            `json:"log_id"`
	Seq            uint64            `json:"seq"`
	Timestamp      string            `json:"timestamp"`
	EventType      EventType         `json:"event_type"`
	Actor          string            `json:"actor"`
	ActorRole      ActorRole         `json:"actor_role"`
	TargetResource string            `json:"target_resource"`
	TargetType     TargetType        `json:"target_type"`
	Action         string            `json:"action"`
	Status         Status            `json:"status"`
	Description    string            `json:"description"`
	Metadata       map[string]string `json:"metadata,omitempty"`
	PreviousHash   string            `json:"previous_hash"`
	IntegrityHash  string            `json:"integrity_hash"`
}

// Time parses the record's stored RFC3339Nano timestamp.
func (r *Record) Time() (time.Time, error) {
	return time.Parse(time.RFC3339Nano, r.Timestamp)
}

// Event is the producer-supplied input to Append. EventType, Actor and
// TargetResource are required; everything else has a deterministic default.
type Event struct {
	EventType      EventType         `json:"event_type"`
	Actor          string            `json:"actor"`
	ActorRole      ActorRole         `json:"actor_role,omitempty"`
	TargetResource string            `json:"target_resource"`
	TargetType     TargetType        `json:"target_type,omitempty"`
	Action         string            `json:"action,omitempty"`
	Status         Status            `json:"status,omitempty"`
	Description    string            `json:"description,omitempty"`
	Metadata       map[string]string `json:"metadata,omitempty"`
	Timestamp      time.Time         `json:"timestamp,omitempty"`
}

// buildRecord validates an event and assembles an unsealed record from it.
// Sequence number, previous hash and integrity hash are filled in later by
// the append path; validation failures happen before any sequence number
// is allocated.
//
// Defaults: timestamp=now, status=success, actor_role=analyst,
// target_type=system, action from the event type table, description
// "<action> on <target_resource>".
func buildRecord(ev Event) (*Record, error) {
	if ev.EventType == "" {
		return nil, fmt.Errorf("%w: event_type is required", ErrValidation)
	}
	if !ev.EventType.Valid() {
		return nil, fmt.Errorf("%w: unknown event type %q", ErrValidation, ev.EventType)
	}
	if strings.TrimSpace(ev.Actor) == "" {
		return nil, fmt.Errorf("%w: actor is required", ErrValidation)
	}
	if strings.TrimSpace(ev.TargetResource) == "" {
		return nil, fmt.Errorf("%w: target_resource is required", ErrValidation)
	}

	role := ev.ActorRole
	if role == "" {
		role = RoleAnalyst
	} else if !role.Valid() {
		return nil, fmt.Errorf("%w: unknown actor role %q", ErrValidation, role)
	}

	target := ev.TargetType
	if target == "" {
		target = TargetSystem
	} else if !target.Valid() {
		return nil, fmt.Errorf("%w: unknown target type %q", ErrValidation, target)
	}

	status := ev.Status
	if status == "" {
		status = StatusSuccess
	} else if !status.Valid() {
		return nil, fmt.Errorf("%w: unknown status %q", ErrValidation, status)
	}

	action := ev.Action
	if action == "" {
		action = defaultActions[ev.EventType]
	}

	desc := ev.Description
	if desc == "" {
		desc = action + " on " + ev.TargetResource
	}

	ts := ev.Timestamp
	if ts.IsZero() {
		ts = time.Now()
	}

	var meta map[string]string
	if len(ev.Metadata) > 0 {
		meta = make(map[string]string, len(ev.Metadata))
		for k, v := range ev.Metadata {
			meta[k] = v
		}
	}

	return &Record{
		EventType:      ev.EventType,
		Actor:          ev.Actor,
		ActorRole:      role,
		TargetResource: ev.TargetResource,
		TargetType:     target,
		Action:         action,
		Status:         status,
		Description:    desc,
		Metadata:       meta,
		Timestamp:      ts.UTC().Format(time.RFC3339Nano),
	}, nil
}

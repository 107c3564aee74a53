package ingest

import (
	"context"
	"errors"
	"testing"

	"github.com/chainlog/chainlog/internal/audit"
)

// fakeAppender records appended events and can be primed to fail.
type fakeAppender struct {
	events []audit.Event
	err    error
}

func (f *fakeAppender) Append(ctx context.Context, ev audit.Event) (*audit.Record, error) {
	if f.err != nil {
		return nil, f.err
	}
	f.events = append(f.events, ev)
	return &audit.Record{
		LogID:          "test-id",
		Seq:            uint64(len(f.events)),
		EventType:      ev.EventType,
		Actor:          ev.Actor,
		TargetResource: ev.TargetResource,
	}, nil
}

func newTestConsumer(app Appender, onRecord func(*audit.Record)) *Consumer {
	return &Consumer{log: app, onRecord: onRecord}
}

func TestHandle_FullEnvelope(t *testing.T) {
	app := &fakeAppender{}
	c := newTestConsumer(app, nil)

	payload := `{
		"event_type": "INCIDENT_CREATED",
		"action": "incident.created",
		"actor": "responder-1",
		"target_resource": "INC-500",
		"target_type": "incident",
		"status": "success",
		"description": "ransomware detected on fileserver",
		"metadata": {"severity": "high"}
	}`

	if err := c.handle(context.Background(), "audit.events", []byte(payload)); err != nil {
		t.Fatalf("handle: %v", err)
	}

	if len(app.events) != 1 {
		t.Fatalf("expected 1 appended event, got %d", len(app.events))
	}
	ev := app.events[0]
	if ev.EventType != audit.EventIncidentCreated {
		t.Errorf("event_type: expected INCIDENT_CREATED, got %s", ev.EventType)
	}
	if ev.Actor != "responder-1" {
		t.Errorf("actor: expected responder-1, got %q", ev.Actor)
	}
	if ev.TargetResource != "INC-500" {
		t.Errorf("target_resource: expected INC-500, got %q", ev.TargetResource)
	}
	if ev.Metadata["severity"] != "high" {
		t.Errorf("metadata not carried through: %v", ev.Metadata)
	}
}

func TestHandle_DefaultsApplied(t *testing.T) {
	app := &fakeAppender{}
	c := newTestConsumer(app, nil)

	// Minimal envelope: action plus target only.
	payload := `{"action": "workflow.executed", "target": "wf-isolate-host"}`

	if err := c.handle(context.Background(), "audit.events", []byte(payload)); err != nil {
		t.Fatalf("handle: %v", err)
	}

	ev := app.events[0]
	if ev.EventType != audit.EventWorkflowExecuted {
		t.Errorf("event_type should derive from action, got %s", ev.EventType)
	}
	if ev.Actor != "system" {
		t.Errorf("actor: expected default system, got %q", ev.Actor)
	}
	if ev.TargetResource != "wf-isolate-host" {
		t.Errorf("target alias should map to target_resource, got %q", ev.TargetResource)
	}
	if ev.TargetType != audit.TargetSystem {
		t.Errorf("target_type: expected default system, got %s", ev.TargetType)
	}
	if ev.Status != audit.StatusSuccess {
		t.Errorf("status: expected default success, got %s", ev.Status)
	}
}

func TestHandle_EventTypeWinsOverAction(t *testing.T) {
	app := &fakeAppender{}
	c := newTestConsumer(app, nil)

	// Explicit event_type takes precedence over the action-derived one.
	payload := `{"event_type": "CONFIG_CHANGED", "action": "incident.created", "target": "cfg-1"}`

	if err := c.handle(context.Background(), "audit.events", []byte(payload)); err != nil {
		t.Fatalf("handle: %v", err)
	}
	if app.events[0].EventType != audit.EventConfigChanged {
		t.Errorf("expected CONFIG_CHANGED, got %s", app.events[0].EventType)
	}
}

func TestHandle_Rejections(t *testing.T) {
	tests := []struct {
		name    string
		payload string
	}{
		{"malformed json", `{not json`},
		{"unknown action", `{"action": "nonsense.op", "target": "x"}`},
		{"unknown event type", `{"event_type": "EXPLODED", "target": "x"}`},
		{"no action or event type", `{"actor": "someone", "target": "x"}`},
		{"missing target", `{"action": "incident.created"}`},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			app := &fakeAppender{}
			c := newTestConsumer(app, nil)

			err := c.handle(context.Background(), "audit.events", []byte(tt.payload))
			if err == nil {
				t.Error("expected a drop reason")
			}
			if len(app.events) != 0 {
				t.Errorf("rejected envelope should not append, got %d events", len(app.events))
			}
		})
	}
}

func TestHandle_StoreErrorPropagates(t *testing.T) {
	app := &fakeAppender{err: errors.New("disk full")}
	c := newTestConsumer(app, nil)

	err := c.handle(context.Background(), "audit.events", []byte(`{"action": "auth.login", "target": "sso"}`))
	if err == nil {
		t.Fatal("expected store error")
	}
}

func TestHandle_FanOutHook(t *testing.T) {
	app := &fakeAppender{}
	var got *audit.Record
	c := newTestConsumer(app, func(r *audit.Record) { got = r })

	payload := `{"action": "data.exported", "actor": "backup-runner", "target": "report-42"}`
	if err := c.handle(context.Background(), "audit.events", []byte(payload)); err != nil {
		t.Fatalf("handle: %v", err)
	}

	if got == nil {
		t.Fatal("onRecord hook not invoked")
	}
	if got.EventType != audit.EventDataExported {
		t.Errorf("hook record event_type: expected DATA_EXPORTED, got %s", got.EventType)
	}
}

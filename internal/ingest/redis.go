// Package ingest consumes audit events from a Redis event bus.
//
// Response platforms publish JSON event envelopes on channels like
// audit.events or incident.created. The consumer PSUBSCRIBEs to the
// configured patterns, maps each envelope to an audit event, and appends
// it to the chain. Invalid envelopes are counted and dropped, never fatal.
//
// Pub/sub is fire-and-forget: the client re-subscribes automatically after
// a connection loss, but messages published while disconnected are gone.
// Producers that need delivery guarantees should call the append API.
package ingest

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/chainlog/chainlog/internal/audit"
	"github.com/chainlog/chainlog/internal/metrics"
)

// Appender is the slice of the audit log the consumer needs.
type Appender interface {
	Append(ctx context.Context, ev audit.Event) (*audit.Record, error)
}

// Consumer subscribes to the event bus and appends incoming events.
type Consumer struct {
	client   *redis.Client
	patterns []string
	log      Appender
	onRecord func(*audit.Record) // Fan-out hook for appended records. May be nil.
}

// New creates a consumer for the given Redis server and channel patterns.
// onRecord, if non-nil, is invoked for every record appended from the bus
// (the daemon uses it to feed the alert engine and the live feed).
func New(addr string, db int, patterns []string, log Appender, onRecord func(*audit.Record)) *Consumer {
	return &Consumer{
		client: redis.NewClient(&redis.Options{
			Addr: addr,
			DB:   db,
		}),
		patterns: patterns,
		log:      log,
		onRecord: onRecord,
	}
}

// Run subscribes and consumes messages until the context is cancelled.
// A Redis server that is down at startup is not an error: the client keeps
// retrying in the background and the subscription activates when the
// server appears.
func (c *Consumer) Run(ctx context.Context) error {
	// Probe connectivity once so a misconfigured address is visible in the
	// logs immediately rather than as silent message loss.
	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	if err := c.client.Ping(pingCtx).Err(); err != nil {
		slog.Warn("event bus unreachable, will keep retrying", "error", err)
	}
	cancel()

	pubsub := c.client.PSubscribe(ctx, c.patterns...)
	defer pubsub.Close()

	slog.Info("event bus consumer started", "patterns", c.patterns)

	ch := pubsub.Channel()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case msg, ok := <-ch:
			if !ok {
				return nil
			}
			if err := c.handle(ctx, msg.Channel, []byte(msg.Payload)); err != nil {
				slog.Warn("event bus message dropped", "channel", msg.Channel, "error", err)
			}
		}
	}
}

// Close releases the Redis client. Closing while Run is still consuming
// is fine: the message channel closes and Run returns nil.
func (c *Consumer) Close() error {
	return c.client.Close()
}

// envelope is the JSON message format producers publish on the bus.
// Only action (or event_type) and a target are mandatory; everything else
// has a documented default.
type envelope struct {
	EventType      string            `json:"event_type"`
	Action         string            `json:"action"`
	Actor          string            `json:"actor"`
	TargetResource string            `json:"target_resource"`
	Target         string            `json:"target"` // Accepted alias for target_resource.
	TargetType     string            `json:"target_type"`
	Status         string            `json:"status"`
	Description    string            `json:"description"`
	Metadata       map[string]string `json:"metadata"`
}

// handle decodes one bus message and appends it. Returns the reason the
// message was dropped, nil on success.
func (c *Consumer) handle(ctx context.Context, channel string, payload []byte) error {
	var env envelope
	if err := json.Unmarshal(payload, &env); err != nil {
		metrics.IngestRejectedTotal.WithLabelValues("decode").Inc()
		return fmt.Errorf("decoding envelope: %w", err)
	}

	ev, err := mapEnvelope(env)
	if err != nil {
		metrics.IngestRejectedTotal.WithLabelValues("validation").Inc()
		return err
	}

	rec, err := c.log.Append(ctx, ev)
	if err != nil {
		if errors.Is(err, audit.ErrValidation) {
			metrics.IngestRejectedTotal.WithLabelValues("validation").Inc()
		} else {
			metrics.IngestRejectedTotal.WithLabelValues("store").Inc()
		}
		return fmt.Errorf("appending bus event: %w", err)
	}

	metrics.IngestMessagesTotal.WithLabelValues(channel).Inc()
	if c.onRecord != nil {
		c.onRecord(rec)
	}
	return nil
}

// mapEnvelope converts a bus envelope into an audit event, filling the
// bus defaults: actor "system", target_type "system", status "success",
// event type derived from the action code when absent.
func mapEnvelope(env envelope) (audit.Event, error) {
	var eventType audit.EventType
	switch {
	case env.EventType != "":
		t, err := audit.ParseEventType(env.EventType)
		if err != nil {
			return audit.Event{}, err
		}
		eventType = t
	case env.Action != "":
		t, ok := audit.EventTypeForAction(env.Action)
		if !ok {
			return audit.Event{}, fmt.Errorf("%w: no event type for action %q", audit.ErrValidation, env.Action)
		}
		eventType = t
	default:
		return audit.Event{}, fmt.Errorf("%w: envelope needs event_type or action", audit.ErrValidation)
	}

	actor := env.Actor
	if actor == "" {
		actor = "system"
	}

	target := env.TargetResource
	if target == "" {
		target = env.Target
	}
	if target == "" {
		return audit.Event{}, fmt.Errorf("%w: envelope needs target_resource or target", audit.ErrValidation)
	}

	targetType := audit.TargetType(env.TargetType)
	if targetType == "" {
		targetType = audit.TargetSystem
	}

	status := audit.Status(env.Status)
	if status == "" {
		status = audit.StatusSuccess
	}

	return audit.Event{
		EventType:      eventType,
		Actor:          actor,
		TargetResource: target,
		TargetType:     targetType,
		Action:         env.Action,
		Status:         status,
		Description:    env.Description,
		Metadata:       env.Metadata,
	}, nil
}

package notify

import (
	"context"
	"encoding/json"
	"fmt"
	"time"
)

// Routing keys of published job events.
const (
	RoutingKeyCompleted = "job.completed"
	RoutingKeyFailed    = "job.failed"
)

// Publisher sends a message to the event exchange.
type Publisher interface {
	Publish(ctx context.Context, routingKey string, body []byte) error
}

// JobEvent is the JSON body of a published job event.
type JobEvent struct {
	Event       string    `json:"event"`
	JobID       string    `json:"job_id"`
	UserID      string    `json:"user_id"`
	Service     string    `json:"service"`
	OutputURL   string    `json:"output_url,omitempty"`
	Reason      string    `json:"reason,omitempty"`
	Attempts    int       `json:"attempts"`
	CreditsUsed int       `json:"credits_used"`
	OccurredAt  time.Time `json:"occurred_at"`
}

// Events publishes job outcomes for downstream consumers.
type Events struct {
	publisher Publisher
}

// NewEvents creates the event channel.
func NewEvents(publisher Publisher) *Events {
	return &Events{publisher: publisher}
}

func (c *Events) Name() string { return "events" }

func (c *Events) Deliver(ctx context.Context, ev Event) error {
	msg := JobEvent{
		Event:       string(ev.Kind),
		JobID:       ev.Meta.JobID,
		UserID:      ev.Meta.UserID,
		Service:     ev.Meta.Service,
		OutputURL:   ev.Meta.OutputURL,
		Reason:      ev.Reason,
		Attempts:    ev.Meta.Attempts,
		CreditsUsed: ev.Meta.CreditsUsed,
		OccurredAt:  ev.OccurredAt.UTC(),
	}

	var routingKey string
	switch ev.Kind {
	case KindCompleted:
		routingKey = RoutingKeyCompleted
	case KindFailed:
		routingKey = RoutingKeyFailed
	default:
		return fmt.Errorf("unknown event kind %q", ev.Kind)
	}

	body, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("failed to encode job event: %w", err)
	}
	if err := c.publisher.Publish(ctx, routingKey, body); err != nil {
		return fmt.Errorf("failed to publish %s: %w", routingKey, err)
	}
	return nil
}

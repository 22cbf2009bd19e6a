// Package jobs publishes background work and analytics events.
package jobs

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"time"

	"cloud.google.com/go/pubsub"

	domain "github.com/shoe-studio/api/internal/domain"
)

// EventPublisher sends generation outcome events to a Pub/Sub topic. Only identifiers and
// counts are sent; user prompts never leave the service.
type EventPublisher struct {
	topic   *pubsub.Topic
	ordered bool
}

// PublisherOption configures NewEventPublisher.
type PublisherOption func(*EventPublisher)

// WithSessionOrdering delivers the events of one session in publish order by using the
// session ID as ordering key. The subscription must have ordering enabled to benefit.
func WithSessionOrdering() PublisherOption {
	return func(p *EventPublisher) { p.ordered = true }
}

func NewEventPublisher(topic *pubsub.Topic, opts ...PublisherOption) (*EventPublisher, error) {
	if topic == nil {
		return nil, errors.New("event publisher: topic is required")
	}
	p := &EventPublisher{topic: topic}
	for _, opt := range opts {
		opt(p)
	}
	if p.ordered {
		topic.EnableMessageOrdering = true
	}
	return p, nil
}

// PublishGenerationEvent blocks until Pub/Sub acknowledges the message and returns its ID.
func (p *EventPublisher) PublishGenerationEvent(ctx context.Context, event domain.GenerationEvent) (string, error) {
	data, err := json.Marshal(event)
	if err != nil {
		return "", fmt.Errorf("event publisher: encode: %w", err)
	}

	msg := &pubsub.Message{Data: data, Attributes: attributes(event)}
	if p.ordered {
		msg.OrderingKey = event.SessionID
	}

	id, err := p.topic.Publish(ctx, msg).Get(ctx)
	if err != nil {
		if msg.OrderingKey != "" {
			// A failed ordered publish pauses the key until resumed.
			p.topic.ResumePublish(msg.OrderingKey)
		}
		return "", fmt.Errorf("event publisher: publish %s: %w", event.EventID, err)
	}
	return id, nil
}

// attributes lets subscribers filter without decoding the payload.
func attributes(event domain.GenerationEvent) map[string]string {
	attrs := map[string]string{
		"eventId":   event.EventID,
		"sessionId": event.SessionID,
		"status":    event.Status,
		"partCount": strconv.Itoa(event.PartCount),
	}
	if event.Mode != "" {
		attrs["mode"] = event.Mode
	}
	if !event.OccurredAt.IsZero() {
		attrs["occurredAt"] = event.OccurredAt.UTC().Format(time.RFC3339)
	}
	return attrs
}

package jobs

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"cloud.google.com/go/pubsub"
)

// PubSubEventPublisher publishes order domain events to a Pub/Sub topic. It
// satisfies services.EventPublisher.
type PubSubEventPublisher struct {
	topic   *pubsub.Topic
	marshal func(any) ([]byte, error)
	now     func() time.Time
}

type eventEnvelope struct {
	Type       string         `json:"type"`
	OrderID    string         `json:"orderId"`
	OccurredAt time.Time      `json:"occurredAt"`
	Payload    map[string]any `json:"payload,omitempty"`
}

// NewPubSubEventPublisher constructs a Pub/Sub backed order event publisher.
func NewPubSubEventPublisher(topic *pubsub.Topic) (*PubSubEventPublisher, error) {
	if topic == nil {
		return nil, errors.New("pubsub event publisher: topic is required")
	}
	return &PubSubEventPublisher{
		topic:   topic,
		marshal: json.Marshal,
		now:     time.Now,
	}, nil
}

// Publish enqueues one order event on the configured topic. Attributes carry
// the event type and order ID so subscribers can filter without decoding.
func (p *PubSubEventPublisher) Publish(ctx context.Context, eventType, orderID string, payload map[string]any) error {
	if p == nil || p.topic == nil {
		return errors.New("pubsub event publisher: not initialised")
	}
	if strings.TrimSpace(eventType) == "" {
		return errors.New("pubsub event publisher: event type is required")
	}

	data, err := p.marshal(eventEnvelope{
		Type:       eventType,
		OrderID:    orderID,
		OccurredAt: p.now().UTC(),
		Payload:    payload,
	})
	if err != nil {
		return fmt.Errorf("marshal order event: %w", err)
	}

	attrs := make(map[string]string)
	setAttr(attrs, "eventType", eventType)
	setAttr(attrs, "orderId", orderID)

	result := p.topic.Publish(ctx, &pubsub.Message{
		Data:       data,
		Attributes: attrs,
	})

	if _, err := result.Get(ctx); err != nil {
		return fmt.Errorf("publish order event: %w", err)
	}
	return nil
}

func setAttr(attrs map[string]string, key string, value string) {
	if v := strings.TrimSpace(value); v != "" {
		attrs[key] = v
	}
}

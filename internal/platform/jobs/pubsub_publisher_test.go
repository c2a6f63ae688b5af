package jobs

import (
	"context"
	"encoding/json"
	"testing"

	"cloud.google.com/go/pubsub"
	"cloud.google.com/go/pubsub/pstest"
	"google.golang.org/api/option"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"
)

func TestPubSubEventPublisherPublishesMessage(t *testing.T) {
	ctx := context.Background()
	srv := pstest.NewServer()
	defer srv.Close()

	client, err := pubsub.NewClient(ctx, "test-project",
		option.WithEndpoint(srv.Addr),
		option.WithoutAuthentication(),
		option.WithGRPCDialOption(grpc.WithTransportCredentials(insecure.NewCredentials())),
	)
	if err != nil {
		t.Fatalf("pubsub.NewClient: %v", err)
	}
	defer func() {
		_ = client.Close()
	}()

	topic, err := client.CreateTopic(ctx, "order-events")
	if err != nil {
		t.Fatalf("CreateTopic: %v", err)
	}

	publisher, err := NewPubSubEventPublisher(topic)
	if err != nil {
		t.Fatalf("NewPubSubEventPublisher: %v", err)
	}

	payload := map[string]any{"amount": float64(5000), "currency": "JPY"}
	if err := publisher.Publish(ctx, "order.payment.succeeded", "ord_1", payload); err != nil {
		t.Fatalf("Publish: %v", err)
	}

	messages := srv.Messages()
	if len(messages) != 1 {
		t.Fatalf("expected 1 message, got %d", len(messages))
	}

	var envelope eventEnvelope
	if err := json.Unmarshal(messages[0].Data, &envelope); err != nil {
		t.Fatalf("unmarshal payload: %v", err)
	}
	if envelope.Type != "order.payment.succeeded" || envelope.OrderID != "ord_1" {
		t.Fatalf("unexpected envelope %#v", envelope)
	}
	if envelope.OccurredAt.IsZero() {
		t.Fatalf("occurredAt must be stamped")
	}
	if got := envelope.Payload["currency"]; got != "JPY" {
		t.Fatalf("unexpected payload %#v", envelope.Payload)
	}
	if attr := messages[0].Attributes["eventType"]; attr != "order.payment.succeeded" {
		t.Fatalf("expected eventType attribute, got %q", attr)
	}
	if attr := messages[0].Attributes["orderId"]; attr != "ord_1" {
		t.Fatalf("expected orderId attribute, got %q", attr)
	}
}

func TestPubSubEventPublisherValidatesInput(t *testing.T) {
	if _, err := NewPubSubEventPublisher(nil); err == nil {
		t.Fatal("expected error for nil topic")
	}

	publisher := &PubSubEventPublisher{}
	if err := publisher.Publish(context.Background(), "order.created", "ord_1", nil); err == nil {
		t.Fatal("expected error for uninitialised publisher")
	}
}

package jobs

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"cloud.google.com/go/pubsub"
	"cloud.google.com/go/pubsub/pstest"
	"google.golang.org/api/option"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"

	"github.com/crownacademy/api/internal/services"
)

func newTestTopics(t *testing.T) (*pubsub.Topic, *pubsub.Topic, *pstest.Server) {
	t.Helper()
	ctx := context.Background()
	srv := pstest.NewServer()
	t.Cleanup(func() { _ = srv.Close() })

	client, err := pubsub.NewClient(ctx, "test-project",
		option.WithEndpoint(srv.Addr),
		option.WithoutAuthentication(),
		option.WithGRPCDialOption(grpc.WithTransportCredentials(insecure.NewCredentials())),
	)
	if err != nil {
		t.Fatalf("pubsub.NewClient: %v", err)
	}
	t.Cleanup(func() { _ = client.Close() })

	orderTopic, err := client.CreateTopic(ctx, "order-events")
	if err != nil {
		t.Fatalf("CreateTopic: %v", err)
	}
	subTopic, err := client.CreateTopic(ctx, "subscription-events")
	if err != nil {
		t.Fatalf("CreateTopic: %v", err)
	}
	return orderTopic, subTopic, srv
}

func TestPubSubEventPublisherPublishesOrderEvent(t *testing.T) {
	ctx := context.Background()
	orderTopic, subTopic, srv := newTestTopics(t)

	publisher, err := NewPubSubEventPublisher(orderTopic, subTopic)
	if err != nil {
		t.Fatalf("NewPubSubEventPublisher: %v", err)
	}

	occurredAt := time.Date(2025, 5, 6, 9, 0, 0, 0, time.UTC)
	msg := services.OrderEventMessage{
		Event:       "order.paid",
		OrderNumber: "20250506-01J8ZK",
		UserID:      "user-1",
		Total:       3500,
		Currency:    "usd",
		OccurredAt:  occurredAt,
	}

	if _, err := publisher.PublishOrderEvent(ctx, msg); err != nil {
		t.Fatalf("PublishOrderEvent: %v", err)
	}

	messages := srv.Messages()
	if len(messages) != 1 {
		t.Fatalf("expected 1 message, got %d", len(messages))
	}

	var payload services.OrderEventMessage
	if err := json.Unmarshal(messages[0].Data, &payload); err != nil {
		t.Fatalf("unmarshal payload: %v", err)
	}
	if payload.OrderNumber != msg.OrderNumber || payload.Total != msg.Total {
		t.Fatalf("unexpected payload %#v", payload)
	}
	if attr := messages[0].Attributes["event"]; attr != "order.paid" {
		t.Fatalf("expected event attribute, got %q", attr)
	}
	if attr := messages[0].Attributes["orderNumber"]; attr != msg.OrderNumber {
		t.Fatalf("expected order number attribute, got %q", attr)
	}
}

func TestPubSubEventPublisherPublishesSubscriptionEvent(t *testing.T) {
	ctx := context.Background()
	orderTopic, subTopic, srv := newTestTopics(t)

	publisher, err := NewPubSubEventPublisher(orderTopic, subTopic)
	if err != nil {
		t.Fatalf("NewPubSubEventPublisher: %v", err)
	}

	msg := services.SubscriptionEventMessage{
		Event:      "subscription.canceled",
		UserID:     "user-2",
		PlanSlug:   "royalty",
		FromStatus: "cancel_scheduled",
		ToStatus:   "canceled",
		OccurredAt: time.Date(2025, 5, 7, 10, 0, 0, 0, time.UTC),
	}

	if _, err := publisher.PublishSubscriptionEvent(ctx, msg); err != nil {
		t.Fatalf("PublishSubscriptionEvent: %v", err)
	}

	messages := srv.Messages()
	if len(messages) != 1 {
		t.Fatalf("expected 1 message, got %d", len(messages))
	}
	if attr := messages[0].Attributes["planSlug"]; attr != "royalty" {
		t.Fatalf("expected plan slug attribute, got %q", attr)
	}
}

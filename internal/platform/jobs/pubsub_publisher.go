package jobs

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"cloud.google.com/go/pubsub"

	"github.com/crownacademy/api/internal/services"
)

// PubSubEventPublisher publishes order and subscription lifecycle events.
// Downstream fulfillment and entitlement workers consume these topics.
type PubSubEventPublisher struct {
	orderTopic        *pubsub.Topic
	subscriptionTopic *pubsub.Topic
	marshal           func(any) ([]byte, error)
}

// NewPubSubEventPublisher constructs a Pub/Sub backed lifecycle event publisher.
func NewPubSubEventPublisher(orderTopic, subscriptionTopic *pubsub.Topic) (*PubSubEventPublisher, error) {
	if orderTopic == nil {
		return nil, errors.New("pubsub event publisher: order topic is required")
	}
	if subscriptionTopic == nil {
		return nil, errors.New("pubsub event publisher: subscription topic is required")
	}
	return &PubSubEventPublisher{
		orderTopic:        orderTopic,
		subscriptionTopic: subscriptionTopic,
		marshal:           json.Marshal,
	}, nil
}

// PublishOrderEvent enqueues an order lifecycle event on the order topic.
func (p *PubSubEventPublisher) PublishOrderEvent(ctx context.Context, message services.OrderEventMessage) (string, error) {
	if p == nil || p.orderTopic == nil {
		return "", errors.New("pubsub event publisher: not initialised")
	}

	data, err := p.marshal(message)
	if err != nil {
		return "", fmt.Errorf("marshal order event: %w", err)
	}

	attrs := make(map[string]string)
	setAttr(attrs, "event", message.Event)
	setAttr(attrs, "orderNumber", message.OrderNumber)
	setAttr(attrs, "userId", message.UserID)

	result := p.orderTopic.Publish(ctx, &pubsub.Message{
		Data:       data,
		Attributes: attrs,
	})

	id, err := result.Get(ctx)
	if err != nil {
		return "", fmt.Errorf("publish order event: %w", err)
	}
	return id, nil
}

// PublishSubscriptionEvent enqueues a subscription lifecycle event.
func (p *PubSubEventPublisher) PublishSubscriptionEvent(ctx context.Context, message services.SubscriptionEventMessage) (string, error) {
	if p == nil || p.subscriptionTopic == nil {
		return "", errors.New("pubsub event publisher: not initialised")
	}

	data, err := p.marshal(message)
	if err != nil {
		return "", fmt.Errorf("marshal subscription event: %w", err)
	}

	attrs := make(map[string]string)
	setAttr(attrs, "event", message.Event)
	setAttr(attrs, "userId", message.UserID)
	setAttr(attrs, "planSlug", message.PlanSlug)

	result := p.subscriptionTopic.Publish(ctx, &pubsub.Message{
		Data:       data,
		Attributes: attrs,
	})

	id, err := result.Get(ctx)
	if err != nil {
		return "", fmt.Errorf("publish subscription event: %w", err)
	}
	return id, nil
}

func setAttr(attrs map[string]string, key string, value string) {
	if v := strings.TrimSpace(value); v != "" {
		attrs[key] = v
	}
}

package jobs

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"strings"

	"cloud.google.com/go/pubsub"

	domain "github.com/protea-commerce/api/internal/domain"
	"github.com/protea-commerce/api/internal/services"
)

// PubSubEmailPublisher publishes email jobs to a Pub/Sub topic. A mail
// worker consumes the topic and does the actual rendering and sending.
type PubSubEmailPublisher struct {
	topic   *pubsub.Topic
	marshal func(any) ([]byte, error)
}

// NewPubSubEmailPublisher constructs a Pub/Sub backed email job publisher.
func NewPubSubEmailPublisher(topic *pubsub.Topic) (*PubSubEmailPublisher, error) {
	if topic == nil {
		return nil, errors.New("pubsub email publisher: topic is required")
	}
	return &PubSubEmailPublisher{
		topic:   topic,
		marshal: json.Marshal,
	}, nil
}

// PublishEmailJob enqueues an email job message on the configured topic.
func (p *PubSubEmailPublisher) PublishEmailJob(ctx context.Context, message services.EmailJobMessage) (string, error) {
	if p == nil || p.topic == nil {
		return "", errors.New("pubsub email publisher: not initialised")
	}

	data, err := p.marshal(message)
	if err != nil {
		return "", fmt.Errorf("marshal email job: %w", err)
	}

	attrs := make(map[string]string)
	setAttr(attrs, "jobId", message.JobID)
	setAttr(attrs, "template", message.Template)
	setAttr(attrs, "orderId", message.OrderID)
	setAttr(attrs, "deduplicate", message.Deduplicate)

	result := p.topic.Publish(ctx, &pubsub.Message{
		Data:       data,
		Attributes: attrs,
	})

	id, err := result.Get(ctx)
	if err != nil {
		return "", fmt.Errorf("publish email job: %w", err)
	}
	return id, nil
}

// PubSubOrderEventPublisher emits order lifecycle events for downstream
// consumers such as analytics and fulfilment tooling.
type PubSubOrderEventPublisher struct {
	topic   *pubsub.Topic
	marshal func(any) ([]byte, error)
}

// NewPubSubOrderEventPublisher constructs a Pub/Sub backed order event publisher.
func NewPubSubOrderEventPublisher(topic *pubsub.Topic) (*PubSubOrderEventPublisher, error) {
	if topic == nil {
		return nil, errors.New("pubsub order event publisher: topic is required")
	}
	return &PubSubOrderEventPublisher{
		topic:   topic,
		marshal: json.Marshal,
	}, nil
}

// PublishOrderEvent emits a single order lifecycle event.
func (p *PubSubOrderEventPublisher) PublishOrderEvent(ctx context.Context, event services.OrderEvent) error {
	if p == nil || p.topic == nil {
		return errors.New("pubsub order event publisher: not initialised")
	}

	data, err := p.marshal(event)
	if err != nil {
		return fmt.Errorf("marshal order event: %w", err)
	}

	attrs := make(map[string]string)
	setAttr(attrs, "type", event.Type)
	setAttr(attrs, "orderId", event.OrderID)
	setAttr(attrs, "status", string(event.Status))

	result := p.topic.Publish(ctx, &pubsub.Message{
		Data:       data,
		Attributes: attrs,
	})
	if _, err := result.Get(ctx); err != nil {
		return fmt.Errorf("publish order event: %w", err)
	}
	return nil
}

// PubSubStockEventPublisher emits stock ledger movements. One message per
// movement keeps consumers free of batch-splitting logic.
type PubSubStockEventPublisher struct {
	topic   *pubsub.Topic
	marshal func(any) ([]byte, error)
}

// NewPubSubStockEventPublisher constructs a Pub/Sub backed stock event publisher.
func NewPubSubStockEventPublisher(topic *pubsub.Topic) (*PubSubStockEventPublisher, error) {
	if topic == nil {
		return nil, errors.New("pubsub stock event publisher: topic is required")
	}
	return &PubSubStockEventPublisher{
		topic:   topic,
		marshal: json.Marshal,
	}, nil
}

// PublishStockMovements emits the supplied ledger movements.
func (p *PubSubStockEventPublisher) PublishStockMovements(ctx context.Context, movements []domain.StockMovement) error {
	if p == nil || p.topic == nil {
		return errors.New("pubsub stock event publisher: not initialised")
	}

	results := make([]*pubsub.PublishResult, 0, len(movements))
	for _, movement := range movements {
		data, err := p.marshal(movement)
		if err != nil {
			return fmt.Errorf("marshal stock movement: %w", err)
		}
		attrs := make(map[string]string)
		setAttr(attrs, "productId", movement.ProductID)
		setAttr(attrs, "variantId", movement.VariantID)
		setAttr(attrs, "reason", movement.Reason)
		setAttr(attrs, "reference", movement.Reference)
		attrs["delta"] = strconv.Itoa(movement.Delta)

		results = append(results, p.topic.Publish(ctx, &pubsub.Message{
			Data:       data,
			Attributes: attrs,
		}))
	}

	for _, result := range results {
		if _, err := result.Get(ctx); err != nil {
			return fmt.Errorf("publish stock movement: %w", err)
		}
	}
	return nil
}

func setAttr(attrs map[string]string, key string, value string) {
	if v := strings.TrimSpace(value); v != "" {
		attrs[key] = v
	}
}

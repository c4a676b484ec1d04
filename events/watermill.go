package events

import (
	"context"
	"encoding/json"
	"fmt"
	"log"

	"github.com/ThreeDotsLabs/watermill/message"
	"github.com/google/uuid"
)

// DefaultTopic is the topic hook events are published to.
const DefaultTopic = "agentkit.events"

// WatermillPublisher delivers hook events over a Watermill publisher, so
// deployments can fan them out to whatever broker they already run.
type WatermillPublisher struct {
	publisher message.Publisher
	topic     string
}

// NewWatermillPublisher wraps a Watermill publisher. An empty topic selects
// DefaultTopic.
func NewWatermillPublisher(publisher message.Publisher, topic string) *WatermillPublisher {
	if topic == "" {
		topic = DefaultTopic
	}
	return &WatermillPublisher{publisher: publisher, topic: topic}
}

func (p *WatermillPublisher) Publish(ctx context.Context, event Event) error {
	payload, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("failed to marshal event: %w", err)
	}

	msg := message.NewMessage(uuid.NewString(), payload)
	msg.Metadata.Set("type", event.Type)

	if err := p.publisher.Publish(p.topic, msg); err != nil {
		return fmt.Errorf("failed to publish event: %w", err)
	}
	return nil
}

// LogPublisher writes events to the standard logger, for deployments without
// a broker. It is not installed automatically: hooks configured without a
// publisher drop their events.
type LogPublisher struct{}

func (LogPublisher) Publish(ctx context.Context, event Event) error {
	log.Printf("agentkit: %s resource=%s address=%s humanId=%s error=%s",
		event.Type, event.Resource, event.Address, event.HumanID, event.Error)
	return nil
}

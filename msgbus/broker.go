// Package msgbus relays persisted events to a message broker.
package msgbus

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"

	"github.com/0m3kk/eventually/eventsrc"
	"github.com/0m3kk/eventually/serde"
	"github.com/0m3kk/eventually/subscription"
)

// Message is the broker representation of a persisted event.
type Message struct {
	StreamID       string            `json:"stream_id"`
	Version        uint64            `json:"version"`
	SequenceNumber uint64            `json:"sequence_number"`
	Type           string            `json:"type"`
	Payload        json.RawMessage   `json:"payload"`
	Metadata       map[string]string `json:"metadata,omitempty"`
}

// Broker defines the interface for a message broker used to publish events.
type Broker interface {
	// Publish sends a message to a specific topic.
	Publish(ctx context.Context, topic string, msg Message) error
	// Subscribe creates a durable subscription to a topic and handles incoming
	// messages using the provided handler function until ctx is done.
	Subscribe(ctx context.Context, topic, subscriberID string, handler func(ctx context.Context, msg Message) error) error
	// Close gracefully shuts down the broker connection.
	Close()
}

// NewMessage converts a persisted event into a broker message. The payload
// must serialize to valid JSON.
func NewMessage[E eventsrc.Message](evt eventsrc.Persisted[E], s serde.Serde[E]) (Message, error) {
	payload, err := s.Serialize(evt.Message)
	if err != nil {
		return Message{}, fmt.Errorf("failed to serialize event: %w", err)
	}
	if !json.Valid(payload) {
		return Message{}, fmt.Errorf("event %s does not serialize to json", evt.Message.Name())
	}
	return Message{
		StreamID:       evt.StreamID,
		Version:        evt.Version,
		SequenceNumber: evt.SequenceNumber,
		Type:           evt.Message.Name(),
		Payload:        payload,
		Metadata:       evt.Metadata,
	}, nil
}

// Decode converts a broker message back into a persisted event.
func Decode[E eventsrc.Message](msg Message, s serde.Serde[E]) (eventsrc.Persisted[E], error) {
	evt, err := s.Deserialize(msg.Payload)
	if err != nil {
		return eventsrc.Persisted[E]{}, fmt.Errorf("failed to deserialize event %s: %w", msg.Type, err)
	}
	return eventsrc.Persisted[E]{
		StreamID:       msg.StreamID,
		Version:        msg.Version,
		SequenceNumber: msg.SequenceNumber,
		Envelope:       eventsrc.Envelope[E]{Message: evt, Metadata: msg.Metadata},
	}, nil
}

// TopicMapper returns the topic an event type is published to.
type TopicMapper func(eventType string) string

// Forward returns a subscription handler publishing every event to the topic
// chosen by mapper. Events mapped to an empty topic are skipped. Combined with a subscription.Runner it replaces a
// transactional outbox: the checkpoint only advances once the broker accepted
// the message.
func Forward[E eventsrc.Message](broker Broker, mapper TopicMapper, s serde.Serde[E]) subscription.Handler[E] {
	return func(ctx context.Context, evt eventsrc.Persisted[E]) error {
		msg, err := NewMessage(evt, s)
		if err != nil {
			return err
		}
		topic := mapper(msg.Type)
		if topic == "" {
			slog.WarnContext(ctx, "No topic mapped for event type, skipping", "eventType", msg.Type, "sequenceNumber", evt.SequenceNumber)
			return nil
		}
		if err := broker.Publish(ctx, topic, msg); err != nil {
			return fmt.Errorf("failed to publish event %d: %w", evt.SequenceNumber, err)
		}
		slog.DebugContext(ctx, "Event forwarded", "topic", topic, "streamID", evt.StreamID, "sequenceNumber", evt.SequenceNumber)
		return nil
	}
}

// SingleTopic maps every event type to topic.
func SingleTopic(topic string) TopicMapper {
	return func(string) string { return topic }
}

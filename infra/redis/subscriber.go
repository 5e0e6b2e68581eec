package redis

import (
	"context"
	"encoding/json"
	"fmt"
	"iter"
	"log/slog"

	"github.com/redis/go-redis/v9"

	"github.com/0m3kk/eventually/eventsrc"
	"github.com/0m3kk/eventually/serde"
)

// published is the message sent by the append script on the type channel.
type published struct {
	SourceID       string            `json:"source_id"`
	SequenceNumber uint64            `json:"sequence_number"`
	Version        uint64            `json:"version"`
	Type           string            `json:"type"`
	Event          []byte            `json:"event"`
	Metadata       map[string]string `json:"metadata"`
}

// Subscriber receives events live, as they are appended, through pub/sub.
// Events published while nobody is subscribed are not replayed; use a
// subscription.Runner for catch-up.
type Subscriber[E eventsrc.Message] struct {
	client     redis.UniversalClient
	streamType string
	serde      serde.Serde[E]
}

func NewSubscriber[E eventsrc.Message](client redis.UniversalClient, streamType string, s serde.Serde[E]) *Subscriber[E] {
	return &Subscriber[E]{client: client, streamType: streamType, serde: s}
}

// SubscribeAll subscribes to the type channel and returns the events received
// from now on. The subscription is released when ctx is done or the caller
// stops ranging.
func (s *Subscriber[E]) SubscribeAll(ctx context.Context) (iter.Seq2[eventsrc.Persisted[E], error], error) {
	pubsub := s.client.Subscribe(ctx, globalKey(s.streamType))
	if _, err := pubsub.Receive(ctx); err != nil {
		_ = pubsub.Close()
		return nil, fmt.Errorf("failed to subscribe to %s: %w", s.streamType, err)
	}
	stop := context.AfterFunc(ctx, func() { _ = pubsub.Close() })

	return func(yield func(eventsrc.Persisted[E], error) bool) {
		defer func() {
			stop()
			_ = pubsub.Close()
		}()

		ch := pubsub.Channel()
		for {
			select {
			case <-ctx.Done():
				return
			case msg, ok := <-ch:
				if !ok {
					return
				}
				evt, err := s.decode(msg.Payload)
				if err != nil {
					slog.ErrorContext(ctx, "Failed to decode published event", "channel", msg.Channel, "error", err)
				}
				if !yield(evt, err) {
					return
				}
			}
		}
	}, nil
}

func (s *Subscriber[E]) decode(payload string) (eventsrc.Persisted[E], error) {
	var p published
	if err := json.Unmarshal([]byte(payload), &p); err != nil {
		return eventsrc.Persisted[E]{}, fmt.Errorf("failed to unmarshal published message: %w", err)
	}
	msg, err := s.serde.Deserialize(p.Event)
	if err != nil {
		return eventsrc.Persisted[E]{}, fmt.Errorf("failed to deserialize %s event: %w", p.Type, err)
	}
	return eventsrc.Persisted[E]{
		StreamID:       p.SourceID,
		Version:        p.Version,
		SequenceNumber: p.SequenceNumber,
		Envelope:       eventsrc.Envelope[E]{Message: msg, Metadata: p.Metadata},
	}, nil
}

// Notifier wakes subscription runners up on every publish of a stream type.
type Notifier struct {
	client     redis.UniversalClient
	streamType string
}

func NewNotifier(client redis.UniversalClient, streamType string) *Notifier {
	return &Notifier{client: client, streamType: streamType}
}

// Listen implements subscription.Notifier.
func (n *Notifier) Listen(ctx context.Context) (<-chan struct{}, error) {
	pubsub := n.client.Subscribe(ctx, globalKey(n.streamType))
	if _, err := pubsub.Receive(ctx); err != nil {
		_ = pubsub.Close()
		return nil, fmt.Errorf("failed to subscribe to %s: %w", n.streamType, err)
	}

	wake := make(chan struct{}, 1)
	go func() {
		defer pubsub.Close()
		ch := pubsub.Channel()
		for {
			select {
			case <-ctx.Done():
				return
			case _, ok := <-ch:
				if !ok {
					return
				}
				select {
				case wake <- struct{}{}:
				default:
				}
			}
		}
	}()
	return wake, nil
}

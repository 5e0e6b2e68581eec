// Package nats implements msgbus.Broker on NATS JetStream.
package nats

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/nats-io/nats.go"

	"github.com/0m3kk/eventually/msgbus"
)

// Broker is an implementation of the msgbus.Broker interface using NATS JetStream.
// Every topic is backed by a stream of the same name capturing "<topic>.*".
type Broker struct {
	conn      *nats.Conn
	js        nats.JetStreamContext
	batchSize int
	maxWait   time.Duration
}

// NewBroker connects to the NATS server at url.
func NewBroker(url string) (*Broker, error) {
	nc, err := nats.Connect(
		url,
		nats.Timeout(10*time.Second),
		nats.RetryOnFailedConnect(true),
		nats.MaxReconnects(5),
		nats.ReconnectWait(2*time.Second),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to NATS: %w", err)
	}

	js, err := nc.JetStream()
	if err != nil {
		nc.Close()
		return nil, fmt.Errorf("failed to create JetStream context: %w", err)
	}

	return &Broker{conn: nc, js: js, batchSize: 10, maxWait: 5 * time.Second}, nil
}

// Subject returns the subject a message of streamID is published on. Stream ids
// are sanitized so they always form a single subject token.
func Subject(topic, streamID string) string {
	token := strings.Map(func(r rune) rune {
		switch r {
		case '.', '*', '>', ' ', '\t', '\n', '\r':
			return '_'
		}
		return r
	}, streamID)
	if token == "" {
		token = "_"
	}
	return topic + "." + token
}

func (b *Broker) ensureStream(ctx context.Context, topic string) error {
	_, err := b.js.StreamInfo(topic, nats.Context(ctx))
	if err == nil {
		return nil
	}
	if !errors.Is(err, nats.ErrStreamNotFound) {
		return fmt.Errorf("failed to get stream info for %s: %w", topic, err)
	}

	slog.InfoContext(ctx, "Stream not found, creating it", "stream", topic)
	_, err = b.js.AddStream(&nats.StreamConfig{
		Name:     topic,
		Subjects: []string{topic + ".*"},
	}, nats.Context(ctx))
	if err != nil && !errors.Is(err, nats.ErrStreamNameAlreadyInUse) {
		return fmt.Errorf("failed to create stream %s: %w", topic, err)
	}
	return nil
}

// Publish sends a message to a NATS topic. The stream id is the subject suffix,
// so consumers can filter on a single stream.
func (b *Broker) Publish(ctx context.Context, topic string, msg msgbus.Message) error {
	if err := b.ensureStream(ctx, topic); err != nil {
		return err
	}

	data, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("failed to marshal message: %w", err)
	}

	subject := Subject(topic, msg.StreamID)
	// The sequence number deduplicates redeliveries from an at-least-once relay.
	_, err = b.js.Publish(subject, data,
		nats.Context(ctx),
		nats.MsgId(fmt.Sprintf("%s-%d", topic, msg.SequenceNumber)),
	)
	if err != nil {
		return fmt.Errorf("failed to publish message to NATS: %w", err)
	}

	slog.DebugContext(ctx, "Message published successfully",
		"topic", topic, "subject", subject, "sequenceNumber", msg.SequenceNumber)
	return nil
}

// Subscribe creates a durable, pull-based subscription. Messages are fetched in
// a background goroutine until ctx is done.
func (b *Broker) Subscribe(
	ctx context.Context,
	topic, subscriberID string,
	handler func(context.Context, msgbus.Message) error,
) error {
	if err := b.ensureStream(ctx, topic); err != nil {
		return err
	}

	// A durable consumer resumes where it left off after a restart.
	consumerName := fmt.Sprintf("%s-%s", topic, subscriberID)
	sub, err := b.js.PullSubscribe(topic+".*", consumerName, nats.PullMaxWaiting(128))
	if err != nil {
		return fmt.Errorf("failed to create pull subscription: %w", err)
	}

	go func() {
		defer func() {
			if err := sub.Unsubscribe(); err != nil && !errors.Is(err, nats.ErrConnectionClosed) {
				slog.WarnContext(ctx, "Failed to unsubscribe", "error", err, "topic", topic)
			}
		}()

		slog.InfoContext(ctx, "Subscriber started", "topic", topic, "subscriberID", subscriberID)
		for {
			select {
			case <-ctx.Done():
				slog.InfoContext(ctx, "Subscriber stopping", "topic", topic, "subscriberID", subscriberID)
				return
			default:
			}

			msgs, err := sub.Fetch(b.batchSize, nats.MaxWait(b.maxWait))
			if err != nil {
				if errors.Is(err, nats.ErrConnectionClosed) {
					return
				}
				if !errors.Is(err, nats.ErrTimeout) {
					slog.ErrorContext(ctx, "Failed to fetch messages", "error", err, "topic", topic)
				}
				continue
			}

			for _, m := range msgs {
				b.dispatch(ctx, topic, m, handler)
			}
		}
	}()

	return nil
}

func (b *Broker) dispatch(ctx context.Context, topic string, m *nats.Msg, handler func(context.Context, msgbus.Message) error) {
	var msg msgbus.Message
	if err := json.Unmarshal(m.Data, &msg); err != nil {
		// Redelivery cannot fix a malformed message.
		slog.ErrorContext(ctx, "Failed to unmarshal message, terminating", "error", err, "topic", topic)
		if err := m.Term(); err != nil {
			slog.WarnContext(ctx, "Failed to terminate message", "error", err)
		}
		return
	}

	if err := handler(ctx, msg); err != nil {
		slog.ErrorContext(ctx, "Handler failed to process message",
			"error", err, "streamID", msg.StreamID, "sequenceNumber", msg.SequenceNumber)
		if err := m.Nak(); err != nil {
			slog.WarnContext(ctx, "Failed to nak message", "error", err)
		}
		return
	}
	if err := m.Ack(); err != nil {
		slog.WarnContext(ctx, "Failed to ack message", "error", err)
	}
}

// Close gracefully closes the NATS connection.
func (b *Broker) Close() {
	if b.conn != nil {
		b.conn.Close()
	}
}

var _ msgbus.Broker = (*Broker)(nil)

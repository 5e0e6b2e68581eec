package msgbus_test

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/0m3kk/eventually/eventsrc"
	"github.com/0m3kk/eventually/msgbus"
	"github.com/0m3kk/eventually/sample/bank"
	"github.com/0m3kk/eventually/subscription"
	"github.com/0m3kk/eventually/testutil"
)

// MockBroker is a simple mock for the msgbus.Broker interface.
type MockBroker struct {
	mu           sync.Mutex
	Published    map[string][]msgbus.Message
	PublishError error
}

func (m *MockBroker) Publish(ctx context.Context, topic string, msg msgbus.Message) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.PublishError != nil {
		return m.PublishError
	}
	if m.Published == nil {
		m.Published = make(map[string][]msgbus.Message)
	}
	m.Published[topic] = append(m.Published[topic], msg)
	return nil
}

func (m *MockBroker) Subscribe(
	ctx context.Context,
	topic, subscriberID string,
	handler func(context.Context, msgbus.Message) error,
) error {
	return nil
}

func (m *MockBroker) Close() {}

func (m *MockBroker) count(topic string) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.Published[topic])
}

func TestForward_PublishesEveryEventInOrder(t *testing.T) {
	// GIVEN
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	store := eventsrc.NewInMemoryStore[bank.Event]()
	_, err := store.Append(ctx, "acct-1", eventsrc.MustBe(0), testutil.Envelopes[bank.Event](
		bank.Opened{AccountID: "acct-1", Balance: 10},
		bank.Deposited{Amount: 5},
	))
	require.NoError(t, err)
	_, err = store.Append(ctx, "acct-2", eventsrc.MustBe(0), testutil.Envelopes[bank.Event](bank.Opened{AccountID: "acct-2"}))
	require.NoError(t, err)

	broker := &MockBroker{}
	checkpoints := subscription.NewInMemoryCheckpoints()
	runner := subscription.NewRunner[bank.Event]("relay", "account", store, checkpoints,
		msgbus.Forward(broker, msgbus.SingleTopic("accounts"), bank.NewSerde()),
		subscription.WithPollInterval(10*time.Millisecond),
	)

	// WHEN
	runner.Start(ctx)
	require.Eventually(t, func() bool { return broker.count("accounts") == 3 }, 5*time.Second, 10*time.Millisecond)
	runner.Stop()

	// THEN
	require.NoError(t, runner.Err())
	msgs := broker.Published["accounts"]
	for i, msg := range msgs {
		assert.Equal(t, uint64(i), msg.SequenceNumber)
	}
	assert.Equal(t, "acct-1", msgs[1].StreamID)
	assert.Equal(t, uint64(2), msgs[1].Version)
	assert.Equal(t, "AccountDeposited", msgs[1].Type)
	assert.NotEmpty(t, msgs[1].Metadata[eventsrc.MetadataEventID])

	decoded, err := msgbus.Decode(msgs[1], bank.NewSerde())
	require.NoError(t, err)
	assert.Equal(t, bank.Deposited{Amount: 5}, decoded.Message)
	assert.Equal(t, uint64(1), decoded.SequenceNumber)
}

func TestForward_PublishFailureIsReturned(t *testing.T) {
	// GIVEN
	broker := &MockBroker{PublishError: errors.New("broker unavailable")}
	forward := msgbus.Forward(broker, msgbus.SingleTopic("accounts"), bank.NewSerde())
	evt := eventsrc.Persisted[bank.Event]{
		StreamID: "acct-1",
		Version:  1,
		Envelope: eventsrc.NewEnvelope[bank.Event](bank.Opened{AccountID: "acct-1"}),
	}

	// WHEN
	err := forward(context.Background(), evt)

	// THEN
	assert.ErrorIs(t, err, broker.PublishError)
	assert.Zero(t, broker.count("accounts"))
}

func TestForward_UsesTopicMapper(t *testing.T) {
	// GIVEN
	broker := &MockBroker{}
	mapper := func(eventType string) string {
		if eventType == "AccountOpened" {
			return "onboarding"
		}
		return "ledger"
	}
	forward := msgbus.Forward(broker, mapper, bank.NewSerde())

	// WHEN
	for i, evt := range []bank.Event{bank.Opened{AccountID: "acct-1"}, bank.Withdrawn{Amount: 3}} {
		err := forward(context.Background(), eventsrc.Persisted[bank.Event]{
			StreamID:       "acct-1",
			Version:        uint64(i + 1),
			SequenceNumber: uint64(i),
			Envelope:       eventsrc.NewEnvelope(evt),
		})
		require.NoError(t, err)
	}

	// THEN
	assert.Equal(t, 1, broker.count("onboarding"))
	assert.Equal(t, 1, broker.count("ledger"))
}

func TestForward_SkipsUnmappedEventTypes(t *testing.T) {
	// GIVEN
	broker := &MockBroker{}
	mapper := func(eventType string) string {
		if eventType == "AccountOpened" {
			return "onboarding"
		}
		return ""
	}
	forward := msgbus.Forward(broker, mapper, bank.NewSerde())

	// WHEN
	var errs []error
	for i, evt := range []bank.Event{bank.Opened{AccountID: "acct-1"}, bank.Deposited{Amount: 3}} {
		errs = append(errs, forward(context.Background(), eventsrc.Persisted[bank.Event]{
			StreamID:       "acct-1",
			Version:        uint64(i + 1),
			SequenceNumber: uint64(i),
			Envelope:       eventsrc.NewEnvelope(evt),
		}))
	}

	// THEN
	for _, err := range errs {
		require.NoError(t, err)
	}
	assert.Equal(t, 1, broker.count("onboarding"))
	assert.Zero(t, broker.count(""))
}

// Package commandtest runs given/when/then scenarios against command handlers
// backed by an in-memory event store.
package commandtest

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/0m3kk/eventually/command"
	"github.com/0m3kk/eventually/eventsrc"
)

// Scenario describes the events already in the store, the command handled,
// and the outcome expected. E is the event type, T the command type.
type Scenario[E eventsrc.Message, T eventsrc.Message] struct {
	given   []eventsrc.Persisted[E]
	when    command.Envelope[T]
	then    []eventsrc.Persisted[E]
	fails   bool
	wantErr error
}

// Given sets the events stored before the command is handled. Each event is
// appended expecting its stream to be at the previous version.
func (s Scenario[E, T]) Given(events ...eventsrc.Persisted[E]) Scenario[E, T] {
	s.given = events
	return s
}

// When sets the command to handle.
func (s Scenario[E, T]) When(cmd command.Envelope[T]) Scenario[E, T] {
	s.when = cmd
	return s
}

// Then expects the handler to succeed and append exactly events.
// Metadata and sequence numbers are not compared.
func (s Scenario[E, T]) Then(events ...eventsrc.Persisted[E]) Scenario[E, T] {
	s.then = events
	s.fails = false
	return s
}

// ThenFails expects the handler to fail. A nil err accepts any error.
func (s Scenario[E, T]) ThenFails(err error) Scenario[E, T] {
	s.fails = true
	s.wantErr = err
	return s
}

// AssertOn builds the handler from a tracking store holding the given events,
// handles the command and checks the outcome.
func (s Scenario[E, T]) AssertOn(t *testing.T, factory func(eventsrc.Store[E]) command.Handler[T]) {
	t.Helper()
	ctx := context.Background()

	store := eventsrc.NewInMemoryStore[E]()
	for _, evt := range s.given {
		_, err := store.Append(ctx, evt.StreamID, eventsrc.MustBe(evt.Version-1), []eventsrc.Envelope[E]{evt.Envelope})
		require.NoError(t, err, "given event %d of stream %s", evt.Version, evt.StreamID)
	}
	tracking := eventsrc.NewTrackingStore[E](store)

	err := factory(tracking).Handle(ctx, s.when)

	if s.fails {
		require.Error(t, err)
		if s.wantErr != nil {
			assert.ErrorIs(t, err, s.wantErr)
		}
		assert.Empty(t, tracking.Recorded(), "a failed command must not append events")
		return
	}
	require.NoError(t, err)
	assert.Equal(t, strip(s.then), strip(tracking.Recorded()))
}

type recorded[E eventsrc.Message] struct {
	StreamID string
	Version  eventsrc.Version
	Message  E
}

func strip[E eventsrc.Message](events []eventsrc.Persisted[E]) []recorded[E] {
	out := make([]recorded[E], 0, len(events))
	for _, evt := range events {
		out = append(out, recorded[E]{StreamID: evt.StreamID, Version: evt.Version, Message: evt.Message})
	}
	return out
}

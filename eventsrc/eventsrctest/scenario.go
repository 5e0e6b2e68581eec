// Package eventsrctest checks aggregate behaviour with given/when/then
// scenarios, without a store.
package eventsrctest

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/0m3kk/eventually/eventsrc"
)

// AggregateScenario folds the given events into a root, runs an operation on
// it and compares the events it recorded.
type AggregateScenario[T eventsrc.Aggregate[T, E], E eventsrc.Message] struct {
	given   []E
	when    func(*eventsrc.Root[T, E]) error
	create  func() (*eventsrc.Root[T, E], error)
	then    []E
	wantErr error
	fails   bool
}

// Given sets the history of the aggregate, from its first event.
func (s AggregateScenario[T, E]) Given(events ...E) AggregateScenario[T, E] {
	s.given = events
	return s
}

// When sets the operation run on the rehydrated root.
func (s AggregateScenario[T, E]) When(op func(*eventsrc.Root[T, E]) error) AggregateScenario[T, E] {
	s.when = op
	s.create = nil
	return s
}

// WhenCreated sets an operation creating a new root. Given events are ignored.
func (s AggregateScenario[T, E]) WhenCreated(create func() (*eventsrc.Root[T, E], error)) AggregateScenario[T, E] {
	s.create = create
	s.when = nil
	return s
}

// Then expects the operation to succeed and record exactly events.
func (s AggregateScenario[T, E]) Then(events ...E) AggregateScenario[T, E] {
	s.then = events
	s.fails = false
	return s
}

// ThenError expects the operation to fail with an error matching err.
func (s AggregateScenario[T, E]) ThenError(err error) AggregateScenario[T, E] {
	s.wantErr = err
	s.fails = true
	return s
}

// Assert runs the scenario.
func (s AggregateScenario[T, E]) Assert(t *testing.T) {
	t.Helper()

	var (
		root *eventsrc.Root[T, E]
		err  error
	)
	if s.create != nil {
		root, err = s.create()
	} else {
		history := make([]eventsrc.Persisted[E], len(s.given))
		for i, evt := range s.given {
			history[i] = eventsrc.Persisted[E]{Version: eventsrc.Version(i + 1), Envelope: eventsrc.NewEnvelope(evt)}
		}
		root, err = eventsrc.Rehydrate[T](history)
		require.NoError(t, err, "given events must fold")
		err = s.when(root)
	}

	if s.fails {
		assert.ErrorIs(t, err, s.wantErr)
		return
	}
	require.NoError(t, err)
	recorded := make([]E, 0, len(root.UncommittedEvents()))
	for _, evt := range root.UncommittedEvents() {
		recorded = append(recorded, evt.Message)
	}
	if len(s.then) == 0 {
		assert.Empty(t, recorded)
		return
	}
	assert.Equal(t, s.then, recorded)
}

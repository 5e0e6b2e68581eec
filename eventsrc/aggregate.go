package eventsrc

import (
	"fmt"
)

// Aggregate is the fold protocol of an event-sourced entity.
//
// T is the aggregate state type itself, usually a pointer. The zero value of T
// stands for an aggregate that has not been created yet: Apply is called on it
// for the first event of a stream, so implementations must handle a nil receiver.
// E is the closed set of events of the aggregate, typically a sealed interface
// handled with an exhaustive type switch.
type Aggregate[T any, E Message] interface {
	// AggregateID returns the id of the aggregate, which is also its stream id.
	AggregateID() string
	// Apply folds evt into the current state and returns the new state.
	// Errors are domain errors and are propagated to the caller unchanged.
	Apply(evt E) (T, error)
}

// Root tracks a live aggregate instance: its state, the last version known to
// be persisted, and the events recorded since then.
type Root[T Aggregate[T, E], E Message] struct {
	state       T
	version     Version
	uncommitted []Envelope[E]
}

// NewRoot returns a root for an aggregate that has no events yet.
func NewRoot[T Aggregate[T, E], E Message]() *Root[T, E] {
	return &Root[T, E]{}
}

// Rehydrate folds events starting from the not-yet-created state.
// The resulting root is clean, at the version of the last event.
func Rehydrate[T Aggregate[T, E], E Message](events []Persisted[E]) (*Root[T, E], error) {
	root := NewRoot[T, E]()
	for _, evt := range events {
		next, err := root.state.Apply(evt.Message)
		if err != nil {
			return nil, &RehydrateError{Version: evt.Version, Err: err}
		}
		root.state = next
		root.version = evt.Version
	}
	return root, nil
}

// State returns the current state, including recorded but unsaved events.
func (r *Root[T, E]) State() T { return r.state }

// Version returns the version of the stream as of the last load or save.
// It does not account for uncommitted events.
func (r *Root[T, E]) Version() Version { return r.version }

// AggregateID returns the id of the underlying aggregate.
func (r *Root[T, E]) AggregateID() string { return r.state.AggregateID() }

// UncommittedEvents returns the events recorded since the last load or save.
func (r *Root[T, E]) UncommittedEvents() []Envelope[E] { return r.uncommitted }

// RecordThat applies the event to the current state and, if the transition is
// valid, buffers it for the next save. The version is left unchanged.
func (r *Root[T, E]) RecordThat(evt Envelope[E]) error {
	next, err := r.state.Apply(evt.Message)
	if err != nil {
		return err
	}
	r.state = next
	r.uncommitted = append(r.uncommitted, evt)
	return nil
}

// Record is RecordThat for an event without metadata.
func (r *Root[T, E]) Record(evt E) error {
	return r.RecordThat(NewEnvelope(evt))
}

// markCommitted moves the root to the version returned by the store and
// drops the flushed events.
func (r *Root[T, E]) markCommitted(v Version) {
	r.version = v
	r.uncommitted = nil
}

// RehydrateError is returned when a stored event cannot be folded into the state.
type RehydrateError struct {
	Version Version
	Err     error
}

func (e *RehydrateError) Error() string {
	return fmt.Sprintf("failed to rehydrate aggregate at version %d: %v", e.Version, e.Err)
}

func (e *RehydrateError) Unwrap() error { return e.Err }

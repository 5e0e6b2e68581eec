package eventsrc

import (
	"context"
	"iter"
	"sync"
)

// TrackingStore decorates a Store and records every successfully appended event.
// SequenceNumber is not tracked and is left at zero.
type TrackingStore[E Message] struct {
	Store[E]

	mu       sync.Mutex
	recorded []Persisted[E]
}

// NewTrackingStore wraps store.
func NewTrackingStore[E Message](store Store[E]) *TrackingStore[E] {
	return &TrackingStore[E]{Store: store}
}

// Append forwards to the underlying store and tracks the events on success.
func (t *TrackingStore[E]) Append(ctx context.Context, id string, check Check, events []Envelope[E]) (Version, error) {
	newVersion, err := t.Store.Append(ctx, id, check, events)
	if err != nil {
		return newVersion, err
	}

	t.mu.Lock()
	defer t.mu.Unlock()
	t.recorded = append(t.recorded, ToPersisted(id, newVersion-Version(len(events)), events)...)
	return newVersion, nil
}

// Stream forwards to the underlying store.
func (t *TrackingStore[E]) Stream(ctx context.Context, id string, sel VersionSelect) iter.Seq2[Persisted[E], error] {
	return t.Store.Stream(ctx, id, sel)
}

// Recorded returns a copy of the events appended so far.
func (t *TrackingStore[E]) Recorded() []Persisted[E] {
	t.mu.Lock()
	defer t.mu.Unlock()
	out := make([]Persisted[E], len(t.recorded))
	copy(out, t.recorded)
	return out
}

// Reset forgets the tracked events.
func (t *TrackingStore[E]) Reset() {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.recorded = nil
}

package eventsrc

import (
	"context"
	"iter"
	"sync"
	"time"
)

// InMemoryStore is a Store kept in process memory, mostly useful for tests.
type InMemoryStore[E Message] struct {
	mu      sync.RWMutex
	streams map[string][]Persisted[E]
	log     []Persisted[E]
	now     func() time.Time
}

// NewInMemoryStore returns an empty store.
func NewInMemoryStore[E Message]() *InMemoryStore[E] {
	return &InMemoryStore[E]{
		streams: make(map[string][]Persisted[E]),
		now:     time.Now,
	}
}

// Append implements Appender.
func (s *InMemoryStore[E]) Append(ctx context.Context, id string, check Check, events []Envelope[E]) (Version, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}
	stamped := Stamp(events, s.now())

	s.mu.Lock()
	defer s.mu.Unlock()

	stream := s.streams[id]
	current := Version(len(stream))
	if err := check.Verify(current); err != nil {
		return current, err
	}
	if len(stamped) == 0 {
		return current, nil
	}

	for i, evt := range stamped {
		persisted := Persisted[E]{
			StreamID:       id,
			Version:        current + Version(i) + 1,
			SequenceNumber: uint64(len(s.log)),
			Envelope:       evt,
		}
		stream = append(stream, persisted)
		s.log = append(s.log, persisted)
	}
	s.streams[id] = stream

	return Version(len(stream)), nil
}

// Stream implements Streamer.
func (s *InMemoryStore[E]) Stream(ctx context.Context, id string, sel VersionSelect) iter.Seq2[Persisted[E], error] {
	return func(yield func(Persisted[E], error) bool) {
		s.mu.RLock()
		stream := s.streams[id]
		s.mu.RUnlock()

		for _, evt := range stream {
			if !sel.Includes(evt.Version) {
				continue
			}
			if err := ctx.Err(); err != nil {
				yield(Persisted[E]{}, err)
				return
			}
			if !yield(evt, nil) {
				return
			}
		}
	}
}

// StreamAll implements GlobalStreamer.
func (s *InMemoryStore[E]) StreamAll(ctx context.Context, from uint64) iter.Seq2[Persisted[E], error] {
	return func(yield func(Persisted[E], error) bool) {
		s.mu.RLock()
		log := s.log
		s.mu.RUnlock()

		if from >= uint64(len(log)) {
			return
		}
		for _, evt := range log[from:] {
			if err := ctx.Err(); err != nil {
				yield(Persisted[E]{}, err)
				return
			}
			if !yield(evt, nil) {
				return
			}
		}
	}
}

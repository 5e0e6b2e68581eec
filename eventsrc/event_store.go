package eventsrc

import (
	"context"
	"iter"
)

// Appender appends events to a stream.
type Appender[E Message] interface {
	// Append atomically appends events to the stream identified by id after
	// verifying check against the current stream version. Either every event is
	// stored and the new version is returned, or nothing is stored.
	// A failed check returns a ConflictError.
	Append(ctx context.Context, id string, check Check, events []Envelope[E]) (Version, error)
}

// Streamer reads back a single event stream.
type Streamer[E Message] interface {
	// Stream lazily reads the events of a stream in ascending version order.
	// A missing stream yields nothing. Every call re-reads from storage.
	Stream(ctx context.Context, id string, sel VersionSelect) iter.Seq2[Persisted[E], error]
}

// Store is the event store used by the repository.
type Store[E Message] interface {
	Appender[E]
	Streamer[E]
}

// GlobalStreamer reads events across all streams in store order.
type GlobalStreamer[E Message] interface {
	// StreamAll lazily reads every event with a sequence number greater than or
	// equal to from, in ascending sequence order.
	StreamAll(ctx context.Context, from uint64) iter.Seq2[Persisted[E], error]
}

// Collect drains seq into a slice, stopping at the first error.
func Collect[E Message](seq iter.Seq2[Persisted[E], error]) ([]Persisted[E], error) {
	var events []Persisted[E]
	for evt, err := range seq {
		if err != nil {
			return nil, err
		}
		events = append(events, evt)
	}
	return events, nil
}

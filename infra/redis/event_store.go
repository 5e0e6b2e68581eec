// Package redis implements the event store on Redis streams, with appends
// executed atomically by a server-side Lua script.
package redis

import (
	"context"
	_ "embed"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"iter"
	"log/slog"
	"strconv"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/0m3kk/eventually/eventsrc"
	"github.com/0m3kk/eventually/serde"
)

//go:embed append_to_store.lua
var appendScriptSource string

var appendScript = redis.NewScript(appendScriptSource)

// DefaultPageSize is the number of entries fetched per XRANGE call.
const DefaultPageSize = 128

const conflictPrefix = "CONFLICT "

// EventStore implements eventsrc.Store and eventsrc.GlobalStreamer on Redis.
//
// Every event stream is a Redis stream at "{<type>}:stream:<id>" whose entry
// ids encode the event version. All events of the type are also written to
// "{<type>}:all", keyed by their sequence number, and published on a channel
// of the same name. Counters and checkpoints live under "{<type>}:meta:", so no
// stream id can name one of them. The "{<type>}" hash tag keeps every key of a
// type in one cluster slot.
type EventStore[E eventsrc.Message] struct {
	client     redis.UniversalClient
	streamType string
	serde      serde.Serde[E]
	pageSize   int64
	now        func() time.Time
}

// NewEventStore creates an event store for the streams of streamType.
func NewEventStore[E eventsrc.Message](client redis.UniversalClient, streamType string, s serde.Serde[E]) *EventStore[E] {
	return &EventStore[E]{
		client:     client,
		streamType: streamType,
		serde:      s,
		pageSize:   DefaultPageSize,
		now:        time.Now,
	}
}

// WithPageSize sets how many entries are fetched per round trip while streaming.
func (s *EventStore[E]) WithPageSize(n int) *EventStore[E] {
	if n > 0 {
		s.pageSize = int64(n)
	}
	return s
}

// StreamType returns the type the store was created for.
func (s *EventStore[E]) StreamType() string { return s.streamType }


// Append runs the append script, which checks the stream length against the
// expected version and writes all events or none.
func (s *EventStore[E]) Append(
	ctx context.Context,
	id string,
	check eventsrc.Check,
	events []eventsrc.Envelope[E],
) (eventsrc.Version, error) {
	expected := int64(-1)
	if v, ok := check.Expected(); ok {
		expected = int64(v)
	}

	args := make([]any, 0, 2+3*len(events))
	args = append(args, id, expected)
	for _, evt := range eventsrc.Stamp(events, s.now()) {
		payload, err := s.serde.Serialize(evt.Message)
		if err != nil {
			return 0, fmt.Errorf("failed to serialize event %s: %w", evt.Message.Name(), err)
		}
		metadata, err := json.Marshal(evt.Metadata)
		if err != nil {
			return 0, fmt.Errorf("failed to marshal event metadata: %w", err)
		}
		args = append(args, evt.Message.Name(), base64.StdEncoding.EncodeToString(payload), string(metadata))
	}

	keys := []string{globalKey(s.streamType), streamKey(s.streamType, id), sequenceKey(s.streamType)}
	newVersion, err := appendScript.Run(ctx, s.client, keys, args...).Int64()
	if err != nil {
		if conflict, ok := parseConflict(err); ok {
			return 0, conflict
		}
		return 0, fmt.Errorf("failed to append events to stream %s: %w", id, err)
	}

	slog.DebugContext(ctx, "Events appended", "streamType", s.streamType, "streamID", id, "version", newVersion)
	return eventsrc.Version(newVersion), nil
}

func parseConflict(err error) (eventsrc.ConflictError, bool) {
	msg := err.Error()
	idx := strings.Index(msg, conflictPrefix)
	if idx < 0 {
		return eventsrc.ConflictError{}, false
	}
	var expected, actual uint64
	if _, scanErr := fmt.Sscanf(msg[idx:], "CONFLICT %d %d", &expected, &actual); scanErr != nil {
		return eventsrc.ConflictError{}, false
	}
	return eventsrc.ConflictError{Expected: expected, Actual: actual}, true
}

// Stream reads an event stream with paginated XRANGE calls.
func (s *EventStore[E]) Stream(
	ctx context.Context,
	id string,
	sel eventsrc.VersionSelect,
) iter.Seq2[eventsrc.Persisted[E], error] {
	start := "-"
	if from := sel.From(); from > 0 {
		start = fmt.Sprintf("%d-1", from)
	}
	return s.paginate(ctx, streamKey(s.streamType, id), start, func(msg redis.XMessage) (eventsrc.Persisted[E], error) {
		version, err := entryNumber(msg.ID)
		if err != nil {
			return eventsrc.Persisted[E]{}, err
		}
		seq, err := strconv.ParseUint(field(msg, "sequence_number"), 10, 64)
		if err != nil {
			return eventsrc.Persisted[E]{}, fmt.Errorf("invalid sequence number in entry %s: %w", msg.ID, err)
		}
		return s.decode(id, version, seq, msg)
	})
}

// StreamAll reads every event of the stream type from sequence number from onwards.
func (s *EventStore[E]) StreamAll(ctx context.Context, from uint64) iter.Seq2[eventsrc.Persisted[E], error] {
	start := fmt.Sprintf("%d-1", from)
	return s.paginate(ctx, globalKey(s.streamType), start, func(msg redis.XMessage) (eventsrc.Persisted[E], error) {
		seq, err := entryNumber(msg.ID)
		if err != nil {
			return eventsrc.Persisted[E]{}, err
		}
		version, err := strconv.ParseUint(field(msg, "version"), 10, 64)
		if err != nil {
			return eventsrc.Persisted[E]{}, fmt.Errorf("invalid version in entry %s: %w", msg.ID, err)
		}
		return s.decode(field(msg, "source_id"), version, seq, msg)
	})
}

func (s *EventStore[E]) paginate(
	ctx context.Context,
	key, start string,
	convert func(redis.XMessage) (eventsrc.Persisted[E], error),
) iter.Seq2[eventsrc.Persisted[E], error] {
	return func(yield func(eventsrc.Persisted[E], error) bool) {
		for {
			msgs, err := s.client.XRangeN(ctx, key, start, "+", s.pageSize).Result()
			if err != nil {
				yield(eventsrc.Persisted[E]{}, fmt.Errorf("failed to read range of %s: %w", key, err))
				return
			}
			for _, msg := range msgs {
				evt, err := convert(msg)
				if !yield(evt, err) || err != nil {
					return
				}
			}
			if int64(len(msgs)) < s.pageSize {
				return
			}
			start = "(" + msgs[len(msgs)-1].ID
		}
	}
}

func (s *EventStore[E]) decode(streamID string, version, seq uint64, msg redis.XMessage) (eventsrc.Persisted[E], error) {
	payload, err := base64.StdEncoding.DecodeString(field(msg, "event"))
	if err != nil {
		return eventsrc.Persisted[E]{}, fmt.Errorf("invalid payload encoding in entry %s: %w", msg.ID, err)
	}
	evt, err := s.serde.Deserialize(payload)
	if err != nil {
		return eventsrc.Persisted[E]{}, fmt.Errorf("failed to deserialize event %d of stream %s: %w", version, streamID, err)
	}
	var metadata eventsrc.Metadata
	if raw := field(msg, "metadata"); raw != "" {
		if err := json.Unmarshal([]byte(raw), &metadata); err != nil {
			return eventsrc.Persisted[E]{}, fmt.Errorf("invalid metadata in entry %s: %w", msg.ID, err)
		}
	}
	return eventsrc.Persisted[E]{
		StreamID:       streamID,
		Version:        version,
		SequenceNumber: seq,
		Envelope:       eventsrc.Envelope[E]{Message: evt, Metadata: metadata},
	}, nil
}

// entryNumber returns the millisecond part of a stream entry id, which the
// append script sets to the event version or sequence number.
func entryNumber(id string) (uint64, error) {
	ms, _, _ := strings.Cut(id, "-")
	n, err := strconv.ParseUint(ms, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("invalid stream entry id %s: %w", id, err)
	}
	return n, nil
}

func field(msg redis.XMessage, name string) string {
	v, _ := msg.Values[name].(string)
	return v
}

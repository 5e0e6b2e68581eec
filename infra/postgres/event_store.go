package postgres

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"iter"
	"log/slog"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"

	"github.com/0m3kk/eventually/eventsrc"
	"github.com/0m3kk/eventually/serde"
)

const (
	codeUniqueViolation = "23505"
	codeVersionConflict = "ES409"
	codeCheckpoint      = "ES422"
)

// DefaultPageSize is the number of rows fetched per query while streaming.
const DefaultPageSize = 256

// EventStore implements eventsrc.Store and eventsrc.GlobalStreamer for PostgreSQL.
// Appends join the transaction carried by the context, if any.
type EventStore[E eventsrc.Message] struct {
	db       *DB
	serde    serde.Serde[E]
	pageSize int
	now      func() time.Time
}

// NewEventStore creates a new PostgreSQL event store.
func NewEventStore[E eventsrc.Message](db *DB, s serde.Serde[E]) *EventStore[E] {
	return &EventStore[E]{
		db:       db,
		serde:    s,
		pageSize: DefaultPageSize,
		now:      time.Now,
	}
}

// WithPageSize sets how many events are fetched per round trip while streaming.
func (s *EventStore[E]) WithPageSize(n int) *EventStore[E] {
	if n > 0 {
		s.pageSize = n
	}
	return s
}

// Append calls append_to_store, which checks the version, stores the events
// and advances the stream in one statement.
//
// Every append locks the global sequence counter until its transaction ends,
// so appends from concurrent transactions are serialized.
func (s *EventStore[E]) Append(
	ctx context.Context,
	id string,
	check eventsrc.Check,
	events []eventsrc.Envelope[E],
) (eventsrc.Version, error) {
	expected, enforced := check.Expected()
	stamped := eventsrc.Stamp(events, s.now())

	types := make([]string, len(stamped))
	payloads := make([][]byte, len(stamped))
	metadata := make([]eventsrc.Metadata, len(stamped))
	for i, evt := range stamped {
		payload, err := s.serde.Serialize(evt.Message)
		if err != nil {
			return 0, fmt.Errorf("failed to serialize event %s: %w", evt.Message.Name(), err)
		}
		types[i] = evt.Message.Name()
		payloads[i] = payload
		metadata[i] = evt.Metadata
	}
	metadataJSON, err := json.Marshal(metadata)
	if err != nil {
		return 0, fmt.Errorf("failed to marshal event metadata: %w", err)
	}

	var newVersion int64
	err = s.db.Querier(ctx).
		QueryRow(ctx, `SELECT append_to_store($1, $2, $3, $4, $5, $6)`,
			id, int64(expected), enforced, types, payloads, string(metadataJSON)).
		Scan(&newVersion)
	if err != nil {
		return 0, s.appendError(ctx, id, expected, err)
	}

	slog.DebugContext(ctx, "Events appended", "streamID", id, "count", len(events), "version", newVersion)
	return eventsrc.Version(newVersion), nil
}

func (s *EventStore[E]) appendError(ctx context.Context, id string, expected eventsrc.Version, err error) error {
	var pgErr *pgconn.PgError
	if !errors.As(err, &pgErr) {
		return fmt.Errorf("failed to append events to stream %s: %w", id, err)
	}

	switch pgErr.Code {
	case codeVersionConflict:
		var want, got uint64
		if _, scanErr := fmt.Sscanf(pgErr.Detail, "expected version: %d, actual version: %d", &want, &got); scanErr != nil {
			return fmt.Errorf("failed to parse conflict detail %q: %w", pgErr.Detail, scanErr)
		}
		return eventsrc.ConflictError{Expected: want, Actual: got}
	case codeUniqueViolation:
		// The caller's transaction is aborted, read through the pool instead.
		actual, verr := s.version(context.WithoutCancel(ctx), s.db.Pool, id)
		if verr != nil {
			return fmt.Errorf("concurrency error on stream %s: %w", id, err)
		}
		return eventsrc.ConflictError{Expected: expected, Actual: actual}
	default:
		return fmt.Errorf("failed to append events to stream %s: %w", id, err)
	}
}

// Version returns the current version of a stream, 0 when it does not exist.
func (s *EventStore[E]) Version(ctx context.Context, id string) (eventsrc.Version, error) {
	return s.version(ctx, s.db.Querier(ctx), id)
}

func (s *EventStore[E]) version(ctx context.Context, q Querier, id string) (eventsrc.Version, error) {
	var version int64
	err := q.QueryRow(ctx, `SELECT "version" FROM event_streams WHERE event_stream_id = $1`, id).Scan(&version)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return 0, nil
		}
		return 0, fmt.Errorf("failed to read stream version: %w", err)
	}
	return eventsrc.Version(version), nil
}

// Remove deletes a stream and all of its events.
func (s *EventStore[E]) Remove(ctx context.Context, id string) error {
	_, err := s.db.Querier(ctx).Exec(ctx, `DELETE FROM event_streams WHERE event_stream_id = $1`, id)
	if err != nil {
		return fmt.Errorf("failed to remove stream %s: %w", id, err)
	}
	return nil
}

// Stream reads a stream in ascending version order, one page at a time.
func (s *EventStore[E]) Stream(
	ctx context.Context,
	id string,
	sel eventsrc.VersionSelect,
) iter.Seq2[eventsrc.Persisted[E], error] {
	query := `
        SELECT event_stream_id, "version", sequence_number, event, metadata
        FROM events
        WHERE event_stream_id = $1 AND "version" >= $2
        ORDER BY "version" ASC
        LIMIT $3
    `
	return s.paginate(ctx, func(next eventsrc.Persisted[E], started bool) (string, []any) {
		from := int64(sel.From())
		if started {
			from = int64(next.Version) + 1
		}
		return query, []any{id, from, s.pageSize}
	})
}

// StreamAll reads every event from sequence number from onwards in store order.
func (s *EventStore[E]) StreamAll(ctx context.Context, from uint64) iter.Seq2[eventsrc.Persisted[E], error] {
	query := `
        SELECT event_stream_id, "version", sequence_number, event, metadata
        FROM events
        WHERE sequence_number >= $1
        ORDER BY sequence_number ASC
        LIMIT $2
    `
	return s.paginate(ctx, func(last eventsrc.Persisted[E], started bool) (string, []any) {
		seq := int64(from)
		if started {
			seq = int64(last.SequenceNumber) + 1
		}
		return query, []any{seq, s.pageSize}
	})
}

// paginate runs the query returned by page until a short page is read. page
// receives the last event yielded so far, if any.
func (s *EventStore[E]) paginate(
	ctx context.Context,
	page func(last eventsrc.Persisted[E], started bool) (string, []any),
) iter.Seq2[eventsrc.Persisted[E], error] {
	return func(yield func(eventsrc.Persisted[E], error) bool) {
		var (
			last    eventsrc.Persisted[E]
			started bool
		)
		for {
			query, args := page(last, started)
			events, err := s.loadEvents(ctx, query, args...)
			if err != nil {
				yield(eventsrc.Persisted[E]{}, err)
				return
			}
			for _, evt := range events {
				if !yield(evt, nil) {
					return
				}
				last, started = evt, true
			}
			if len(events) < s.pageSize {
				return
			}
		}
	}
}

func (s *EventStore[E]) loadEvents(ctx context.Context, query string, args ...any) ([]eventsrc.Persisted[E], error) {
	rows, err := s.db.Querier(ctx).Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query events: %w", err)
	}
	defer rows.Close()

	var events []eventsrc.Persisted[E]
	for rows.Next() {
		var (
			streamID string
			version  int64
			seq      int64
			payload  []byte
			metadata eventsrc.Metadata
		)
		if err := rows.Scan(&streamID, &version, &seq, &payload, &metadata); err != nil {
			return nil, fmt.Errorf("failed to scan event row: %w", err)
		}

		msg, err := s.serde.Deserialize(payload)
		if err != nil {
			return nil, fmt.Errorf("failed to deserialize event %d of stream %s: %w", version, streamID, err)
		}
		events = append(events, eventsrc.Persisted[E]{
			StreamID:       streamID,
			Version:        eventsrc.Version(version),
			SequenceNumber: uint64(seq),
			Envelope:       eventsrc.Envelope[E]{Message: msg, Metadata: metadata},
		})
	}
	return events, rows.Err()
}

package observability

import (
	"context"
	"errors"
	"fmt"
	"iter"
	"time"

	"go.opentelemetry.io/otel/trace"

	"github.com/0m3kk/eventually/eventsrc"
)

// ErrNoGlobalStream is returned by StreamAll when the wrapped store cannot
// read across streams.
var ErrNoGlobalStream = errors.New("store does not support reading all streams")

// Store wraps an event store, recording a span and metrics for every append
// and read.
type Store[E eventsrc.Message] struct {
	inner   eventsrc.Store[E]
	name    string
	tracer  trace.Tracer
	metrics *storeMetrics
}

// NewStore instruments inner.
func NewStore[E eventsrc.Message](inner eventsrc.Store[E], opts ...Option) (*Store[E], error) {
	o := newOptions(opts)
	m, err := newStoreMetrics(o.meterProvider)
	if err != nil {
		return nil, fmt.Errorf("failed to create store metrics: %w", err)
	}
	return &Store[E]{
		inner:   inner,
		name:    o.name,
		tracer:  o.tracerProvider.Tracer(instrumentationName),
		metrics: m,
	}, nil
}

// Append implements eventsrc.Appender.
func (s *Store[E]) Append(ctx context.Context, id string, check eventsrc.Check, events []eventsrc.Envelope[E]) (eventsrc.Version, error) {
	ctx, span := s.tracer.Start(ctx, "eventually.append",
		trace.WithSpanKind(trace.SpanKindClient),
		trace.WithAttributes(
			AttrStore.String(s.name),
			AttrStreamID.String(id),
			AttrEventCount.Int(len(events)),
		),
	)
	if expected, ok := check.Expected(); ok {
		span.SetAttributes(AttrExpected.Int64(int64(expected)))
	}

	start := time.Now()
	version, err := s.inner.Append(ctx, id, check, events)

	outcome := OutcomeOK
	switch {
	case errors.Is(err, eventsrc.ErrConflict):
		outcome = OutcomeConflict
	case err != nil:
		outcome = OutcomeError
	default:
		span.SetAttributes(AttrVersion.Int64(int64(version)))
	}
	s.metrics.recordAppend(ctx, s.name, outcome, len(events), time.Since(start))
	endSpan(span, err)

	return version, err
}

// Stream implements eventsrc.Streamer. The span covers the whole iteration.
func (s *Store[E]) Stream(ctx context.Context, id string, sel eventsrc.VersionSelect) iter.Seq2[eventsrc.Persisted[E], error] {
	return func(yield func(eventsrc.Persisted[E], error) bool) {
		ctx, span := s.tracer.Start(ctx, "eventually.stream",
			trace.WithSpanKind(trace.SpanKindClient),
			trace.WithAttributes(
				AttrStore.String(s.name),
				AttrStreamID.String(id),
				AttrVersion.Int64(int64(sel.From())),
			),
		)
		s.traceIteration(ctx, span, "stream", s.inner.Stream(ctx, id, sel), yield)
	}
}

// StreamAll implements eventsrc.GlobalStreamer when the wrapped store does.
func (s *Store[E]) StreamAll(ctx context.Context, from uint64) iter.Seq2[eventsrc.Persisted[E], error] {
	return func(yield func(eventsrc.Persisted[E], error) bool) {
		global, ok := s.inner.(eventsrc.GlobalStreamer[E])
		if !ok {
			yield(eventsrc.Persisted[E]{}, ErrNoGlobalStream)
			return
		}
		ctx, span := s.tracer.Start(ctx, "eventually.stream_all",
			trace.WithSpanKind(trace.SpanKindClient),
			trace.WithAttributes(
				AttrStore.String(s.name),
				AttrFromSequence.Int64(int64(from)),
			),
		)
		s.traceIteration(ctx, span, "stream_all", global.StreamAll(ctx, from), yield)
	}
}

func (s *Store[E]) traceIteration(
	ctx context.Context,
	span trace.Span,
	operation string,
	seq iter.Seq2[eventsrc.Persisted[E], error],
	yield func(eventsrc.Persisted[E], error) bool,
) {
	var (
		read int
		err  error
	)
	defer func() {
		span.SetAttributes(AttrEventCount.Int(read))
		s.metrics.recordRead(ctx, s.name, operation, read)
		endSpan(span, err)
	}()

	for evt, iterErr := range seq {
		if iterErr != nil {
			err = iterErr
			yield(evt, iterErr)
			return
		}
		read++
		if !yield(evt, nil) {
			return
		}
	}
}

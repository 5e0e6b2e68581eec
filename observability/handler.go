package observability

import (
	"context"
	"fmt"
	"time"

	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"

	"github.com/0m3kk/eventually/eventsrc"
	"github.com/0m3kk/eventually/subscription"
)

// Handler wraps a subscription handler so every handled event gets a span and
// is counted by outcome.
func Handler[E eventsrc.Message](subscriptionName string, h subscription.Handler[E], opts ...Option) (subscription.Handler[E], error) {
	o := newOptions(opts)
	m, err := newHandlerMetrics(o.meterProvider)
	if err != nil {
		return nil, fmt.Errorf("failed to create handler metrics: %w", err)
	}
	tracer := o.tracerProvider.Tracer(instrumentationName)

	return func(ctx context.Context, evt eventsrc.Persisted[E]) error {
		ctx, span := tracer.Start(ctx, "eventually.handle",
			trace.WithSpanKind(trace.SpanKindConsumer),
			trace.WithAttributes(
				AttrSubscription.String(subscriptionName),
				AttrStreamID.String(evt.StreamID),
				AttrVersion.Int64(int64(evt.Version)),
				AttrSequence.Int64(int64(evt.SequenceNumber)),
				AttrEventType.String(evt.Message.Name()),
			),
		)

		start := time.Now()
		err := h(ctx, evt)

		outcome := OutcomeOK
		if err != nil {
			outcome = OutcomeError
		}
		attrs := metric.WithAttributes(AttrSubscription.String(subscriptionName), AttrOutcome.String(outcome))
		m.handled.Add(ctx, 1, attrs)
		m.latency.Record(ctx, float64(time.Since(start).Microseconds())/1000, attrs)
		endSpan(span, err)

		return err
	}, nil
}

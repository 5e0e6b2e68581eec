package observability

import (
	"context"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

// storeMetrics holds the instruments recorded by Store.
type storeMetrics struct {
	appends        metric.Int64Counter
	appendLatency  metric.Float64Histogram
	eventsAppended metric.Int64Counter
	eventsRead     metric.Int64Counter
}

func newStoreMetrics(mp metric.MeterProvider) (*storeMetrics, error) {
	meter := mp.Meter(instrumentationName)

	appends, err := meter.Int64Counter("eventually.store.appends",
		metric.WithDescription("Number of append calls"),
	)
	if err != nil {
		return nil, err
	}

	appendLatency, err := meter.Float64Histogram("eventually.store.append.latency_ms",
		metric.WithDescription("Append latency in milliseconds"),
		metric.WithUnit("ms"),
	)
	if err != nil {
		return nil, err
	}

	eventsAppended, err := meter.Int64Counter("eventually.store.events.appended",
		metric.WithDescription("Number of events appended"),
	)
	if err != nil {
		return nil, err
	}

	eventsRead, err := meter.Int64Counter("eventually.store.events.read",
		metric.WithDescription("Number of events read back"),
	)
	if err != nil {
		return nil, err
	}

	return &storeMetrics{
		appends:        appends,
		appendLatency:  appendLatency,
		eventsAppended: eventsAppended,
		eventsRead:     eventsRead,
	}, nil
}

func (m *storeMetrics) recordAppend(ctx context.Context, store, outcome string, events int, duration time.Duration) {
	attrs := metric.WithAttributes(AttrStore.String(store), AttrOutcome.String(outcome))
	m.appends.Add(ctx, 1, attrs)
	m.appendLatency.Record(ctx, float64(duration.Microseconds())/1000, attrs)
	if outcome == OutcomeOK {
		m.eventsAppended.Add(ctx, int64(events), metric.WithAttributes(AttrStore.String(store)))
	}
}

func (m *storeMetrics) recordRead(ctx context.Context, store, operation string, events int) {
	m.eventsRead.Add(ctx, int64(events), metric.WithAttributes(
		AttrStore.String(store),
		attribute.String("operation", operation),
	))
}

// handlerMetrics holds the instruments recorded by Handler.
type handlerMetrics struct {
	handled metric.Int64Counter
	latency metric.Float64Histogram
}

func newHandlerMetrics(mp metric.MeterProvider) (*handlerMetrics, error) {
	meter := mp.Meter(instrumentationName)

	handled, err := meter.Int64Counter("eventually.subscription.events.handled",
		metric.WithDescription("Number of events handled by subscriptions"),
	)
	if err != nil {
		return nil, err
	}

	latency, err := meter.Float64Histogram("eventually.subscription.handle.latency_ms",
		metric.WithDescription("Event handling latency in milliseconds"),
		metric.WithUnit("ms"),
	)
	if err != nil {
		return nil, err
	}

	return &handlerMetrics{handled: handled, latency: latency}, nil
}

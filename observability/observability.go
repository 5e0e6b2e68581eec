// Package observability instruments event stores and subscription handlers
// with OpenTelemetry tracing and metrics.
//
// Instruments use the global OTel providers unless overridden with
// WithTracerProvider and WithMeterProvider. Configure the providers before
// wrapping:
//
//	otel.SetTracerProvider(yourTracerProvider)
//	otel.SetMeterProvider(yourMeterProvider)
package observability

import (
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"
)

const instrumentationName = "github.com/0m3kk/eventually"

// Attribute keys shared by spans and metrics.
const (
	AttrStore        = attribute.Key("eventually.store")
	AttrStreamID     = attribute.Key("eventually.stream.id")
	AttrEventCount   = attribute.Key("eventually.event.count")
	AttrExpected     = attribute.Key("eventually.version.expected")
	AttrVersion      = attribute.Key("eventually.version")
	AttrFromSequence = attribute.Key("eventually.sequence.from")
	AttrSequence     = attribute.Key("eventually.sequence")
	AttrSubscription = attribute.Key("eventually.subscription")
	AttrEventType    = attribute.Key("eventually.event.type")
	AttrOutcome      = attribute.Key("outcome")
)

// Outcomes recorded on operation metrics.
const (
	OutcomeOK       = "ok"
	OutcomeConflict = "conflict"
	OutcomeError    = "error"
)

// Option configures instrumentation.
type Option func(*options)

type options struct {
	tracerProvider trace.TracerProvider
	meterProvider  metric.MeterProvider
	name           string
}

// WithTracerProvider sets the provider used to create spans.
func WithTracerProvider(tp trace.TracerProvider) Option {
	return func(o *options) { o.tracerProvider = tp }
}

// WithMeterProvider sets the provider used to create instruments.
func WithMeterProvider(mp metric.MeterProvider) Option {
	return func(o *options) { o.meterProvider = mp }
}

// WithName labels every span and metric with name, e.g. the backend in use.
func WithName(name string) Option {
	return func(o *options) { o.name = name }
}

func newOptions(opts []Option) options {
	o := options{
		tracerProvider: otel.GetTracerProvider(),
		meterProvider:  otel.GetMeterProvider(),
		name:           "default",
	}
	for _, opt := range opts {
		opt(&o)
	}
	return o
}

// endSpan completes a span, optionally recording an error.
func endSpan(span trace.Span, err error) {
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	} else {
		span.SetStatus(codes.Ok, "")
	}
	span.End()
}

// Package projection decorates subscription handlers that maintain read models.
package projection

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/cenkalti/backoff/v5"

	"github.com/0m3kk/eventually/eventsrc"
	"github.com/0m3kk/eventually/subscription"
)

// ErrOutOfOrderEvent is returned when an event is received with a version that is not the expected next version.
var ErrOutOfOrderEvent = errors.New("out of order event")

// IdempotencyStore defines the interface for checking and storing processed events.
type IdempotencyStore interface {
	IsProcessed(ctx context.Context, seq uint64, subscriberID string) (bool, error)
	MarkAsProcessed(ctx context.Context, seq uint64, subscriberID string) error
}

// VersionedStore defines an interface for read models that support versioning.
type VersionedStore interface {
	// GetVersion retrieves the stream version the view of streamID reflects.
	// It should return 0 if the view does not exist yet.
	GetVersion(ctx context.Context, streamID string) (uint64, error)
}

// Projection is a decorator that wraps a read model handler with idempotency,
// per-stream ordering checks and retry logic.
type Projection[E eventsrc.Message] struct {
	subscriberID   string
	idempStore     IdempotencyStore
	versionStore   VersionedStore
	transactor     subscription.Transactor
	handler        subscription.Handler[E]
	maxElapsedTime time.Duration
}

// Option configures a Projection.
type Option func(*options)

type options struct {
	maxElapsedTime time.Duration
}

// WithMaxElapsedTime is an option to provide a custom backoff max elapsed time.
func WithMaxElapsedTime(maxElapsedTime time.Duration) Option {
	return func(o *options) {
		o.maxElapsedTime = maxElapsedTime
	}
}

// New creates a new projection around handler.
func New[E eventsrc.Message](
	subscriberID string,
	idempStore IdempotencyStore,
	versionStore VersionedStore,
	transactor subscription.Transactor,
	handler subscription.Handler[E],
	opts ...Option,
) *Projection[E] {
	o := options{maxElapsedTime: time.Minute}
	for _, opt := range opts {
		opt(&o)
	}

	return &Projection[E]{
		subscriberID:   subscriberID,
		idempStore:     idempStore,
		versionStore:   versionStore,
		transactor:     transactor,
		handler:        handler,
		maxElapsedTime: o.maxElapsedTime,
	}
}

// Handle processes an event with idempotency and retry logic. It has the
// signature of a subscription.Handler.
func (p *Projection[E]) Handle(ctx context.Context, evt eventsrc.Persisted[E]) error {
	isProcessed, err := p.idempStore.IsProcessed(ctx, evt.SequenceNumber, p.subscriberID)
	if err != nil {
		return fmt.Errorf("failed to check for event idempotency: %w", err)
	}
	if isProcessed {
		slog.WarnContext(ctx, "Event already processed, skipping",
			"sequenceNumber", evt.SequenceNumber, "subscriber", p.subscriberID)
		return nil
	}

	operation := func() (any, error) {
		currentVersion, err := p.versionStore.GetVersion(ctx, evt.StreamID)
		if err != nil {
			return nil, fmt.Errorf("failed to get current view version: %w", err)
		}
		if evt.Version <= currentVersion {
			slog.WarnContext(ctx, "Received old or duplicate event version, skipping",
				"streamID", evt.StreamID, "eventVersion", evt.Version, "currentVersion", currentVersion)
			// Still marked, so a redelivery skips the version lookup.
			return nil, backoff.Permanent(p.transactor.WithTransaction(ctx, func(txCtx context.Context) error {
				return p.idempStore.MarkAsProcessed(txCtx, evt.SequenceNumber, p.subscriberID)
			}))
		}
		if evt.Version != currentVersion+1 {
			slog.WarnContext(ctx, "Received out-of-order event",
				"streamID", evt.StreamID, "eventVersion", evt.Version, "expectedVersion", currentVersion+1)
			return nil, backoff.Permanent(ErrOutOfOrderEvent)
		}

		txErr := p.transactor.WithTransaction(ctx, func(txCtx context.Context) error {
			if err := p.handler(txCtx, evt); err != nil {
				return fmt.Errorf("handler business logic failed: %w", err)
			}
			if err := p.idempStore.MarkAsProcessed(txCtx, evt.SequenceNumber, p.subscriberID); err != nil {
				return fmt.Errorf("failed to mark event as processed: %w", err)
			}
			return nil
		})
		if txErr != nil && errors.Is(txErr, context.Canceled) {
			return nil, backoff.Permanent(txErr)
		}
		return nil, txErr
	}

	bo := backoff.NewExponentialBackOff()

	_, err = backoff.Retry(ctx, operation, backoff.WithBackOff(bo), backoff.WithMaxElapsedTime(p.maxElapsedTime))
	if err != nil {
		slog.ErrorContext(ctx, "Failed to process event after multiple retries",
			"error", err, "sequenceNumber", evt.SequenceNumber, "subscriber", p.subscriberID)
		return err
	}

	slog.DebugContext(ctx, "Event processed by projection",
		"sequenceNumber", evt.SequenceNumber, "subscriber", p.subscriberID)
	return nil
}

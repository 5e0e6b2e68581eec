package subscription

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v5"

	"github.com/0m3kk/eventually/eventsrc"
)

// Handler processes one event of a subscription. It runs inside the
// transaction that also advances the checkpoint.
type Handler[E eventsrc.Message] func(ctx context.Context, evt eventsrc.Persisted[E]) error

// Notifier signals that new events may have been appended.
type Notifier interface {
	// Listen delivers a signal on the returned channel after each append,
	// until ctx is done. Signals may be coalesced.
	Listen(ctx context.Context) (<-chan struct{}, error)
}

// Runner is a persistent catch-up subscription. It reads events in store order
// from its checkpoint onwards and checkpoints each one after handling it.
// Delivery is at least once; a single Runner must own each subscription name.
type Runner[E eventsrc.Message] struct {
	name           string
	sourceType     string
	source         eventsrc.GlobalStreamer[E]
	checkpoints    Checkpointer
	handler        Handler[E]
	transactor     Transactor
	notifier       Notifier
	batchSize      int
	interval       time.Duration
	maxElapsedTime time.Duration

	wg     sync.WaitGroup
	cancel context.CancelFunc
	mu     sync.Mutex
	err    error
}

// Option configures a Runner.
type Option func(*options)

type options struct {
	transactor     Transactor
	notifier       Notifier
	batchSize      int
	interval       time.Duration
	maxElapsedTime time.Duration
}

// WithTransactor runs each handler and checkpoint inside the same transaction.
func WithTransactor(t Transactor) Option {
	return func(o *options) { o.transactor = t }
}

// WithNotifier wakes the runner as soon as new events are appended instead of
// waiting for the next poll.
func WithNotifier(n Notifier) Option {
	return func(o *options) { o.notifier = n }
}

// WithBatchSize sets how many events are read before yielding to the poll loop.
func WithBatchSize(n int) Option {
	return func(o *options) {
		if n > 0 {
			o.batchSize = n
		}
	}
}

// WithPollInterval sets the polling interval.
func WithPollInterval(d time.Duration) Option {
	return func(o *options) {
		if d > 0 {
			o.interval = d
		}
	}
}

// WithMaxElapsedTime is an option to provide a custom backoff max elapsed time.
func WithMaxElapsedTime(d time.Duration) Option {
	return func(o *options) { o.maxElapsedTime = d }
}

// NewRunner creates a subscription named name over the events of sourceType.
func NewRunner[E eventsrc.Message](
	name, sourceType string,
	source eventsrc.GlobalStreamer[E],
	checkpoints Checkpointer,
	handler Handler[E],
	opts ...Option,
) *Runner[E] {
	o := options{
		transactor:     NoTransaction{},
		batchSize:      100,
		interval:       time.Second,
		maxElapsedTime: time.Minute,
	}
	for _, opt := range opts {
		opt(&o)
	}

	return &Runner[E]{
		name:           name,
		sourceType:     sourceType,
		source:         source,
		checkpoints:    checkpoints,
		handler:        handler,
		transactor:     o.transactor,
		notifier:       o.notifier,
		batchSize:      o.batchSize,
		interval:       o.interval,
		maxElapsedTime: o.maxElapsedTime,
	}
}

// Run processes events until ctx is done or a handler keeps failing past the
// backoff limit. It returns nil when stopped through ctx.
func (r *Runner[E]) Run(ctx context.Context) error {
	last, err := r.checkpoints.GetOrCreate(ctx, r.name, r.sourceType)
	if err != nil {
		return fmt.Errorf("failed to load checkpoint for subscription %s: %w", r.name, err)
	}

	var wake <-chan struct{}
	if r.notifier != nil {
		if wake, err = r.notifier.Listen(ctx); err != nil {
			return fmt.Errorf("failed to listen for notifications: %w", err)
		}
	}

	slog.InfoContext(ctx, "Subscription started", "subscription", r.name, "checkpoint", last)
	ticker := time.NewTicker(r.interval)
	defer ticker.Stop()

	for {
		if err := r.catchUp(ctx, &last); err != nil {
			if ctx.Err() != nil && errors.Is(err, ctx.Err()) {
				break
			}
			slog.ErrorContext(ctx, "Subscription failed", "subscription", r.name, "checkpoint", last, "error", err)
			return err
		}

		select {
		case <-ticker.C:
		case <-wake:
		case <-ctx.Done():
		}
		if ctx.Err() != nil {
			break
		}
	}

	slog.InfoContext(ctx, "Subscription shutting down", "subscription", r.name, "checkpoint", last)
	return nil
}

// Start runs the subscription in a separate goroutine.
func (r *Runner[E]) Start(ctx context.Context) {
	ctx, r.cancel = context.WithCancel(ctx)
	r.wg.Add(1)
	go func() {
		defer r.wg.Done()
		if err := r.Run(ctx); err != nil {
			r.mu.Lock()
			r.err = err
			r.mu.Unlock()
		}
	}()
}

// Stop gracefully stops a started subscription and waits for it to return.
func (r *Runner[E]) Stop() {
	if r.cancel != nil {
		r.cancel()
	}
	r.wg.Wait()
}

// Err returns the error that terminated a started subscription, if any.
func (r *Runner[E]) Err() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.err
}

// catchUp handles batches until the source has no more events past last.
func (r *Runner[E]) catchUp(ctx context.Context, last *int64) error {
	for {
		processed := 0
		for evt, err := range r.source.StreamAll(ctx, uint64(*last+1)) {
			if err != nil {
				return fmt.Errorf("failed to read events: %w", err)
			}
			seq := int64(evt.SequenceNumber)
			if seq <= *last {
				continue
			}
			if err := r.process(ctx, evt); err != nil {
				return err
			}
			*last = seq
			processed++
			if processed == r.batchSize {
				break
			}
		}
		if processed < r.batchSize {
			return nil
		}
		slog.DebugContext(ctx, "Processed subscription batch", "subscription", r.name, "count", processed)
	}
}

func (r *Runner[E]) process(ctx context.Context, evt eventsrc.Persisted[E]) error {
	seq := int64(evt.SequenceNumber)
	operation := func() (any, error) {
		err := r.transactor.WithTransaction(ctx, func(txCtx context.Context) error {
			if err := r.handler(txCtx, evt); err != nil {
				return fmt.Errorf("handler failed: %w", err)
			}
			return r.checkpoints.Checkpoint(txCtx, r.name, r.sourceType, seq)
		})
		if err != nil && (errors.Is(err, context.Canceled) || errors.Is(err, ErrCheckpointNotIncreasing)) {
			return nil, backoff.Permanent(err)
		}
		return nil, err
	}

	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = 50 * time.Millisecond

	_, err := backoff.Retry(ctx, operation, backoff.WithBackOff(bo), backoff.WithMaxElapsedTime(r.maxElapsedTime))
	if err != nil {
		return fmt.Errorf("failed to process event %d of stream %s: %w", seq, evt.StreamID, err)
	}
	return nil
}

package eventsrc

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
)

// ErrRootNotFound is returned by Get when the aggregate stream has no events.
var ErrRootNotFound = errors.New("aggregate root not found")

// Repository loads and saves event-sourced aggregates through a Store.
type Repository[T Aggregate[T, E], E Message] struct {
	store Store[E]
}

// NewRepository creates a new generic repository for a specific aggregate type.
func NewRepository[T Aggregate[T, E], E Message](store Store[E]) *Repository[T, E] {
	return &Repository[T, E]{store: store}
}

// Get rehydrates the aggregate with the given id by folding its whole stream.
func (r *Repository[T, E]) Get(ctx context.Context, id string) (*Root[T, E], error) {
	events, err := Collect(r.store.Stream(ctx, id, SelectAll()))
	if err != nil {
		return nil, fmt.Errorf("failed to stream events for aggregate %s: %w", id, err)
	}
	if len(events) == 0 {
		return nil, fmt.Errorf("failed to get aggregate %s: %w", id, ErrRootNotFound)
	}

	root, err := Rehydrate[T](events)
	if err != nil {
		slog.ErrorContext(ctx, "Failed to rehydrate aggregate", "aggregateID", id, "error", err)
		return nil, err
	}
	return root, nil
}

// Save appends the uncommitted events of root, expecting the stream to still be
// at the root's version. On success the buffer is cleared and the version
// advanced; on failure the root is left untouched.
func (r *Repository[T, E]) Save(ctx context.Context, root *Root[T, E]) error {
	events := root.UncommittedEvents()
	if len(events) == 0 {
		return nil // Nothing to save
	}

	id := root.AggregateID()
	newVersion, err := r.store.Append(ctx, id, MustBe(root.Version()), events)
	if err != nil {
		return fmt.Errorf("failed to save aggregate %s: %w", id, err)
	}

	root.markCommitted(newVersion)
	slog.DebugContext(ctx, "Aggregate saved", "aggregateID", id, "version", newVersion, "events", len(events))
	return nil
}

// Package subscription runs persistent catch-up subscriptions over an event store.
package subscription

import (
	"context"
	"errors"
	"fmt"
	"sync"
)

// NoCheckpoint is the checkpoint of a subscription that has not processed anything yet.
const NoCheckpoint int64 = -1

// ErrCheckpointNotIncreasing is returned when a checkpoint would not move forward.
var ErrCheckpointNotIncreasing = errors.New("checkpoint sequence number must be increasing")

// Checkpointer stores the last sequence number processed by each subscription.
type Checkpointer interface {
	// GetOrCreate returns the checkpoint of the named subscription, creating it
	// at NoCheckpoint when missing.
	GetOrCreate(ctx context.Context, name, sourceType string) (int64, error)
	// Checkpoint moves the subscription to seq. It fails with
	// ErrCheckpointNotIncreasing unless seq is greater than the stored value.
	Checkpoint(ctx context.Context, name, sourceType string, seq int64) error
}

// TransactionalHandler defines a function that executes business logic within a transaction.
type TransactionalHandler func(ctx context.Context) error

// Transactor defines an interface for an object that can execute a function within a transaction.
type Transactor interface {
	WithTransaction(ctx context.Context, fn TransactionalHandler) error
}

// NoTransaction runs handlers directly, for backends without transactions.
type NoTransaction struct{}

func (NoTransaction) WithTransaction(ctx context.Context, fn TransactionalHandler) error {
	return fn(ctx)
}

type checkpointKey struct {
	name       string
	sourceType string
}

// InMemoryCheckpoints is a Checkpointer kept in process memory.
type InMemoryCheckpoints struct {
	mu     sync.Mutex
	values map[checkpointKey]int64
}

func NewInMemoryCheckpoints() *InMemoryCheckpoints {
	return &InMemoryCheckpoints{values: make(map[checkpointKey]int64)}
}

func (c *InMemoryCheckpoints) GetOrCreate(_ context.Context, name, sourceType string) (int64, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	key := checkpointKey{name: name, sourceType: sourceType}
	seq, ok := c.values[key]
	if !ok {
		c.values[key] = NoCheckpoint
		return NoCheckpoint, nil
	}
	return seq, nil
}

func (c *InMemoryCheckpoints) Checkpoint(_ context.Context, name, sourceType string, seq int64) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	key := checkpointKey{name: name, sourceType: sourceType}
	current, ok := c.values[key]
	if !ok {
		current = NoCheckpoint
	}
	if seq <= current {
		return fmt.Errorf("subscription %s at %d, got %d: %w", name, current, seq, ErrCheckpointNotIncreasing)
	}
	c.values[key] = seq
	return nil
}

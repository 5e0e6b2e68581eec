package postgres

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5"
)

// IdempotencyStore implements projection.IdempotencyStore for PostgreSQL.
type IdempotencyStore struct {
	db *DB
}

func NewIdempotencyStore(db *DB) *IdempotencyStore {
	return &IdempotencyStore{db: db}
}

// IsProcessed checks if an event has already been processed by a subscriber.
func (s *IdempotencyStore) IsProcessed(ctx context.Context, seq uint64, subscriberID string) (bool, error) {
	var exists bool
	query := `SELECT EXISTS(SELECT 1 FROM processed_events WHERE sequence_number = $1 AND subscriber_id = $2)`
	err := s.db.Querier(ctx).QueryRow(ctx, query, int64(seq), subscriberID).Scan(&exists)
	if err != nil {
		return false, fmt.Errorf("failed to check for processed event: %w", err)
	}
	return exists, nil
}

// MarkAsProcessed marks an event as processed. It expects to be called within a transaction.
func (s *IdempotencyStore) MarkAsProcessed(ctx context.Context, seq uint64, subscriberID string) error {
	tx, ok := ctx.Value(txKey{}).(pgx.Tx)
	if !ok {
		return fmt.Errorf("MarkAsProcessed must be called within a transaction")
	}

	// A row inserted concurrently by another worker is not an error.
	query := `
        INSERT INTO processed_events (sequence_number, subscriber_id) VALUES ($1, $2)
        ON CONFLICT (sequence_number, subscriber_id) DO NOTHING
    `
	if _, err := tx.Exec(ctx, query, int64(seq), subscriberID); err != nil {
		return fmt.Errorf("failed to mark event as processed: %w", err)
	}
	return nil
}

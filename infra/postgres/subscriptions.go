package postgres

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/jackc/pgx/v5/pgconn"

	"github.com/0m3kk/eventually/subscription"
)

// NotificationChannel is the channel append_to_store notifies on.
const NotificationChannel = "eventually_events"

// Subscriptions implements subscription.Checkpointer on the subscriptions table.
type Subscriptions struct {
	db *DB
}

func NewSubscriptions(db *DB) *Subscriptions {
	return &Subscriptions{db: db}
}

// GetOrCreate returns the checkpoint of the named subscription, creating it if needed.
func (s *Subscriptions) GetOrCreate(ctx context.Context, name, sourceType string) (int64, error) {
	var seq int64
	err := s.db.Querier(ctx).
		QueryRow(ctx, `SELECT get_or_create_subscription($1, $2)`, name, sourceType).
		Scan(&seq)
	if err != nil {
		return 0, fmt.Errorf("failed to get or create subscription %s: %w", name, err)
	}
	return seq, nil
}

// Checkpoint advances the subscription. Called with a transaction in ctx, the
// checkpoint commits together with the work done by the handler.
func (s *Subscriptions) Checkpoint(ctx context.Context, name, sourceType string, seq int64) error {
	_, err := s.db.Querier(ctx).Exec(ctx, `SELECT checkpoint_subscription($1, $2, $3)`, name, sourceType, seq)
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == codeCheckpoint {
			return fmt.Errorf("subscription %s (%s): %w", name, pgErr.Detail, subscription.ErrCheckpointNotIncreasing)
		}
		return fmt.Errorf("failed to checkpoint subscription %s: %w", name, err)
	}
	return nil
}

// Notifier wakes subscriptions up on LISTEN notifications sent by append_to_store.
type Notifier struct {
	db *DB
}

func NewNotifier(db *DB) *Notifier {
	return &Notifier{db: db}
}

// Listen holds a dedicated connection listening on NotificationChannel until
// ctx is done. If the connection fails the channel goes quiet and callers fall
// back to polling.
func (n *Notifier) Listen(ctx context.Context) (<-chan struct{}, error) {
	conn, err := n.db.Pool.Acquire(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to acquire listen connection: %w", err)
	}
	if _, err := conn.Exec(ctx, "LISTEN "+NotificationChannel); err != nil {
		conn.Release()
		return nil, fmt.Errorf("failed to listen on %s: %w", NotificationChannel, err)
	}

	wake := make(chan struct{}, 1)
	go func() {
		defer conn.Release()
		defer func() {
			if _, err := conn.Exec(context.Background(), "UNLISTEN "+NotificationChannel); err != nil {
				conn.Conn().Close(context.Background())
			}
		}()

		for {
			notification, err := conn.Conn().WaitForNotification(ctx)
			if err != nil {
				if ctx.Err() == nil {
					slog.ErrorContext(ctx, "Stopped listening for notifications", "error", err)
				}
				return
			}
			slog.DebugContext(ctx, "Received notification", "payload", notification.Payload)
			select {
			case wake <- struct{}{}:
			default:
			}
		}
	}()

	return wake, nil
}

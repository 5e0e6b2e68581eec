// Package balances keeps a PostgreSQL read model of account balances.
package balances

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/jackc/pgx/v5"

	"github.com/0m3kk/eventually/eventsrc"
	"github.com/0m3kk/eventually/infra/postgres"
	"github.com/0m3kk/eventually/sample/bank"
)

// Schema defines the SQL statement for creating the account_balances table.
const Schema = `
CREATE TABLE IF NOT EXISTS account_balances (
    id TEXT PRIMARY KEY,
    balance BIGINT NOT NULL,
    closed BOOLEAN NOT NULL DEFAULT FALSE,
    version BIGINT NOT NULL,
    updated_at TIMESTAMPTZ NOT NULL
);`

// Balance is one row of the read model.
type Balance struct {
	ID        string
	Balance   int64
	Closed    bool
	Version   uint64
	UpdatedAt time.Time
}

// View is the account balance read model. It satisfies projection.VersionedStore
// and its Handle method is the projection handler. Every statement runs in the
// transaction carried by ctx, if any.
type View struct {
	db *postgres.DB
}

func NewView(db *postgres.DB) *View {
	return &View{db: db}
}

// CreateTable ensures the account_balances table exists.
func (v *View) CreateTable(ctx context.Context) error {
	if _, err := v.db.Pool.Exec(ctx, Schema); err != nil {
		return fmt.Errorf("failed to create account balances table: %w", err)
	}
	return nil
}

// GetVersion retrieves the stream version the balance of streamID reflects.
func (v *View) GetVersion(ctx context.Context, streamID string) (uint64, error) {
	var version int64
	err := v.db.Querier(ctx).QueryRow(ctx, `SELECT version FROM account_balances WHERE id = $1`, streamID).Scan(&version)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return 0, nil // Return 0 if the view doesn't exist yet.
		}
		return 0, fmt.Errorf("failed to get account balance version: %w", err)
	}
	return uint64(version), nil
}

// Get retrieves the balance of an account, or nil if it is not projected yet.
func (v *View) Get(ctx context.Context, id string) (*Balance, error) {
	var (
		b       Balance
		version int64
	)
	err := v.db.Querier(ctx).QueryRow(ctx,
		`SELECT id, balance, closed, version, updated_at FROM account_balances WHERE id = $1`, id,
	).Scan(&b.ID, &b.Balance, &b.Closed, &version, &b.UpdatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to get account balance: %w", err)
	}
	b.Version = uint64(version)
	return &b, nil
}

// Handle projects one account event.
func (v *View) Handle(ctx context.Context, evt eventsrc.Persisted[bank.Event]) error {
	q := v.db.Querier(ctx)
	now := time.Now().UTC()
	version := int64(evt.Version)

	var err error
	switch e := evt.Message.(type) {
	case bank.Opened:
		_, err = q.Exec(ctx, `
            INSERT INTO account_balances (id, balance, version, updated_at)
            VALUES ($1, $2, $3, $4)
            ON CONFLICT (id) DO UPDATE SET
                balance = EXCLUDED.balance,
                version = EXCLUDED.version,
                updated_at = EXCLUDED.updated_at
        `, evt.StreamID, e.Balance, version, now)
	case bank.Deposited:
		err = v.update(ctx, q, `balance = balance + $2`, evt.StreamID, e.Amount, version, now)
	case bank.Withdrawn:
		err = v.update(ctx, q, `balance = balance - $2`, evt.StreamID, e.Amount, version, now)
	case bank.Closed:
		err = v.update(ctx, q, `closed = $2`, evt.StreamID, true, version, now)
	default:
		slog.WarnContext(ctx, "Unknown account event, skipping", "type", evt.Message.Name())
		return nil
	}
	if err != nil {
		return fmt.Errorf("failed to project %s: %w", evt.Message.Name(), err)
	}

	slog.DebugContext(ctx, "Projected account balance", "accountID", evt.StreamID, "version", evt.Version)
	return nil
}

func (v *View) update(ctx context.Context, q postgres.Querier, set, id string, value any, version int64, now time.Time) error {
	tag, err := q.Exec(ctx,
		`UPDATE account_balances SET `+set+`, version = $3, updated_at = $4 WHERE id = $1`,
		id, value, version, now,
	)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("account %s: %w", id, bank.ErrAccountNotOpened)
	}
	return nil
}

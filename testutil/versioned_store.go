package testutil

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

// VersionedRepository is a read model table that satisfies projection.VersionedStore.
type VersionedRepository struct {
	pool *pgxpool.Pool
}

func NewVersionedRepository(pool *pgxpool.Pool) *VersionedRepository {
	return &VersionedRepository{pool: pool}
}

func (r *VersionedRepository) CreateTable() error {
	createTableSQL := `
CREATE TABLE IF NOT EXISTS versioned_views (
    id TEXT PRIMARY KEY,
    version INT NOT NULL
);`

	_, err := r.pool.Exec(context.Background(), createTableSQL)
	return err
}

// GetVersion retrieves the current version of the versioned view.
func (r *VersionedRepository) GetVersion(ctx context.Context, streamID string) (uint64, error) {
	var version int64
	query := `SELECT version FROM versioned_views WHERE id = $1`
	err := r.pool.QueryRow(ctx, query, streamID).Scan(&version)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return 0, nil // Return 0 if the view doesn't exist yet.
		}
		return 0, fmt.Errorf("failed to get versioned view version: %w", err)
	}
	return uint64(version), nil
}

// SetVersion upserts the version of a view.
func (r *VersionedRepository) SetVersion(ctx context.Context, streamID string, version uint64) error {
	query := `
        INSERT INTO versioned_views (id, version) VALUES ($1, $2)
        ON CONFLICT (id) DO UPDATE SET version = EXCLUDED.version
    `
	if _, err := r.pool.Exec(ctx, query, streamID, int64(version)); err != nil {
		return fmt.Errorf("failed to set versioned view version: %w", err)
	}
	return nil
}

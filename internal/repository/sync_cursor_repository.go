package repository

import (
	"context"
	"errors"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

// SyncCursorRepository persists per-job extraction watermarks.
type SyncCursorRepository interface {
	// Get returns the stored cursor; ok is false before the first advance.
	Get(ctx context.Context, job string) (cursor time.Time, ok bool, err error)
	// Advance stores at, never moving an existing cursor backwards, and returns the stored value.
	Advance(ctx context.Context, job string, at time.Time) (time.Time, error)
}

type syncCursorRepository struct {
	pool *pgxpool.Pool
}

// NewSyncCursorRepository instantiates repository.
func NewSyncCursorRepository(pool *pgxpool.Pool) SyncCursorRepository {
	return &syncCursorRepository{pool: pool}
}

func (r *syncCursorRepository) Get(ctx context.Context, job string) (time.Time, bool, error) {
	var at time.Time
	err := r.pool.QueryRow(ctx, `SELECT cursor_at FROM sync_cursors WHERE job=$1`, job).Scan(&at)
	if errors.Is(err, pgx.ErrNoRows) {
		return time.Time{}, false, nil
	}
	if err != nil {
		return time.Time{}, false, err
	}
	return at, true, nil
}

func (r *syncCursorRepository) Advance(ctx context.Context, job string, at time.Time) (time.Time, error) {
	const query = `
        INSERT INTO sync_cursors (job, cursor_at) VALUES ($1,$2)
        ON CONFLICT (job) DO UPDATE SET
            cursor_at = GREATEST(sync_cursors.cursor_at, EXCLUDED.cursor_at),
            updated_at = NOW()
        RETURNING cursor_at`
	var stored time.Time
	if err := r.pool.QueryRow(ctx, query, job, at).Scan(&stored); err != nil {
		return time.Time{}, err
	}
	return stored, nil
}

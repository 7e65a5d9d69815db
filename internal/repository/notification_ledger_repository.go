package repository

import (
	"context"
	"errors"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/spec-kit/consultation-sync/internal/domain"
)

// NotificationLedgerRepository guards outbound messages against duplicates.
type NotificationLedgerRepository interface {
	// Insert records the entry in its own transaction. inserted is false when
	// the content hash was already present.
	Insert(ctx context.Context, entry *domain.LedgerEntry) (inserted bool, err error)
}

type notificationLedgerRepository struct {
	pool *pgxpool.Pool
}

// NewNotificationLedgerRepository instantiates repository.
func NewNotificationLedgerRepository(pool *pgxpool.Pool) NotificationLedgerRepository {
	return &notificationLedgerRepository{pool: pool}
}

func (r *notificationLedgerRepository) Insert(ctx context.Context, entry *domain.LedgerEntry) (bool, error) {
	const query = `
        INSERT INTO notification_ledger (kind, entity_id, content_hash)
        VALUES ($1,$2,$3)
        ON CONFLICT (content_hash) DO NOTHING
        RETURNING id, created_at`
	err := r.pool.QueryRow(ctx, query, entry.Kind, entry.EntityID, entry.ContentHash).Scan(&entry.ID, &entry.CreatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return true, nil
}

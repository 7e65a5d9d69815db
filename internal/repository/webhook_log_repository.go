package repository

import (
	"context"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/spec-kit/consultation-sync/internal/domain"
)

// WebhookLogRepository appends every inbound webhook for forensic replay.
type WebhookLogRepository interface {
	Append(ctx context.Context, entry *domain.WebhookLogEntry) error
	MarkResult(ctx context.Context, id string, processed bool, errMessage string) error
}

type webhookLogRepository struct {
	pool *pgxpool.Pool
}

// NewWebhookLogRepository instantiates repository.
func NewWebhookLogRepository(pool *pgxpool.Pool) WebhookLogRepository {
	return &webhookLogRepository{pool: pool}
}

func (r *webhookLogRepository) Append(ctx context.Context, entry *domain.WebhookLogEntry) error {
	const query = `
        INSERT INTO webhook_log (id, event, payload, signature_valid)
        VALUES ($1,$2,$3,$4)
        RETURNING received_at`
	return r.pool.QueryRow(ctx, query, entry.ID, entry.Event, entry.Payload, entry.SignatureValid).Scan(&entry.ReceivedAt)
}

func (r *webhookLogRepository) MarkResult(ctx context.Context, id string, processed bool, errMessage string) error {
	cmd, err := r.pool.Exec(ctx,
		`UPDATE webhook_log SET processed=$1, error_message=NULLIF($2,'') WHERE id=$3`,
		processed, errMessage, id)
	if err != nil {
		return err
	}
	if cmd.RowsAffected() == 0 {
		return pgx.ErrNoRows
	}
	return nil
}

package repository

import (
	"context"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/spec-kit/consultation-sync/internal/domain"
)

// ChangeLogRepository reads the audit trail written by consultation merges.
type ChangeLogRepository interface {
	ListByConsultation(ctx context.Context, consultationID string) ([]domain.ConsultationChange, error)
}

type changeLogRepository struct {
	pool *pgxpool.Pool
}

// NewChangeLogRepository builds repository.
func NewChangeLogRepository(pool *pgxpool.Pool) ChangeLogRepository {
	return &changeLogRepository{pool: pool}
}

func insertChange(ctx context.Context, tx pgx.Tx, change *domain.ConsultationChange) error {
	const query = `
        INSERT INTO consultation_change_log (consultation_id, field, old_value, new_value, source)
        VALUES ($1,$2,$3,$4,$5)
        RETURNING id, changed_at`
	return tx.QueryRow(ctx, query,
		change.ConsultationID,
		change.Field,
		change.OldValue,
		change.NewValue,
		change.Source,
	).Scan(&change.ID, &change.ChangedAt)
}

func (r *changeLogRepository) ListByConsultation(ctx context.Context, consultationID string) ([]domain.ConsultationChange, error) {
	const query = `
        SELECT id, consultation_id, field, COALESCE(old_value,''), COALESCE(new_value,''), source, changed_at
        FROM consultation_change_log WHERE consultation_id=$1 ORDER BY changed_at ASC, id ASC`
	rows, err := r.pool.Query(ctx, query, consultationID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var result []domain.ConsultationChange
	for rows.Next() {
		var change domain.ConsultationChange
		if err := rows.Scan(
			&change.ID,
			&change.ConsultationID,
			&change.Field,
			&change.OldValue,
			&change.NewValue,
			&change.Source,
			&change.ChangedAt,
		); err != nil {
			return nil, err
		}
		result = append(result, change)
	}
	return result, rows.Err()
}

package repository

import (
	"context"
	"errors"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/spec-kit/consultation-sync/internal/domain"
)

// ActivityRepository stores the append-only records the ERP reports about consultations.
// Every Insert returns inserted=false when the natural key was already present.
type ActivityRepository interface {
	InsertReschedule(ctx context.Context, r *domain.Reschedule) (bool, error)
	InsertRating(ctx context.Context, r *domain.Rating) (bool, error)
	InsertCallAttempt(ctx context.Context, c *domain.CallAttempt) (bool, error)
}

type activityRepository struct {
	pool *pgxpool.Pool
}

// NewActivityRepository instantiates repository.
func NewActivityRepository(pool *pgxpool.Pool) ActivityRepository {
	return &activityRepository{pool: pool}
}

func (r *activityRepository) InsertReschedule(ctx context.Context, rec *domain.Reschedule) (bool, error) {
	const query = `
        INSERT INTO reschedules (consultation_id, erp_ref_key, agent_key, old_at, new_at, period)
        VALUES ($1,$2,NULLIF($3,''),$4,$5,$6)
        ON CONFLICT (erp_ref_key, period) DO NOTHING
        RETURNING id`
	return insertReturningID(r.pool.QueryRow(ctx, query,
		rec.ConsultationID, rec.ERPRefKey, rec.AgentKey, rec.OldAt, rec.NewAt, rec.Period,
	), &rec.ID)
}

func (r *activityRepository) InsertRating(ctx context.Context, rec *domain.Rating) (bool, error) {
	const query = `
        INSERT INTO ratings (consultation_id, erp_ref_key, agent_key, question, score, rated_at)
        VALUES ($1,$2,$3,$4,$5,$6)
        ON CONFLICT (erp_ref_key, agent_key, question) DO NOTHING
        RETURNING id`
	return insertReturningID(r.pool.QueryRow(ctx, query,
		rec.ConsultationID, rec.ERPRefKey, rec.AgentKey, rec.Question, rec.Score, rec.RatedAt,
	), &rec.ID)
}

func (r *activityRepository) InsertCallAttempt(ctx context.Context, rec *domain.CallAttempt) (bool, error) {
	const query = `
        INSERT INTO call_attempts (consultation_id, erp_ref_key, agent_key, period)
        VALUES ($1,$2,$3,$4)
        ON CONFLICT (period, erp_ref_key, agent_key) DO NOTHING
        RETURNING id`
	return insertReturningID(r.pool.QueryRow(ctx, query,
		rec.ConsultationID, rec.ERPRefKey, rec.AgentKey, rec.Period,
	), &rec.ID)
}

func insertReturningID(row pgx.Row, id *int64) (bool, error) {
	err := row.Scan(id)
	if errors.Is(err, pgx.ErrNoRows) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return true, nil
}

// QueueClosureRepository stores per-day queue closures.
type QueueClosureRepository interface {
	// Close marks the agent's queue closed for day; created is false if it already was.
	Close(ctx context.Context, closure domain.QueueClosure) (created bool, err error)
	// Reopen removes the closure for day.
	Reopen(ctx context.Context, closure domain.QueueClosure) error
	ClosedAgents(ctx context.Context, day time.Time) (map[string]bool, error)
}

type queueClosureRepository struct {
	pool *pgxpool.Pool
}

// NewQueueClosureRepository instantiates repository.
func NewQueueClosureRepository(pool *pgxpool.Pool) QueueClosureRepository {
	return &queueClosureRepository{pool: pool}
}

func (r *queueClosureRepository) Close(ctx context.Context, closure domain.QueueClosure) (bool, error) {
	cmd, err := r.pool.Exec(ctx,
		`INSERT INTO queue_closures (day, agent_key) VALUES ($1,$2) ON CONFLICT DO NOTHING`,
		closure.Day, closure.AgentKey)
	if err != nil {
		return false, err
	}
	return cmd.RowsAffected() > 0, nil
}

func (r *queueClosureRepository) Reopen(ctx context.Context, closure domain.QueueClosure) error {
	_, err := r.pool.Exec(ctx, `DELETE FROM queue_closures WHERE day=$1 AND agent_key=$2`, closure.Day, closure.AgentKey)
	return err
}

func (r *queueClosureRepository) ClosedAgents(ctx context.Context, day time.Time) (map[string]bool, error) {
	rows, err := r.pool.Query(ctx, `SELECT agent_key FROM queue_closures WHERE day=$1`, day)
	if err != nil {
		return nil, err
	}
	keys, err := pgx.CollectRows(rows, pgx.RowTo[string])
	if err != nil {
		return nil, err
	}
	closed := make(map[string]bool, len(keys))
	for _, key := range keys {
		closed[key] = true
	}
	return closed, nil
}

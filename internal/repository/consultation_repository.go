package repository

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/spec-kit/consultation-sync/internal/domain"
)

// ErrEmptyLookup is returned when neither identity of a consultation is known.
var ErrEmptyLookup = errors.New("consultation lookup needs a chat id or an erp ref key")

// ErrCreateRace is returned when a concurrent writer kept inserting the same identity.
var ErrCreateRace = errors.New("consultation create lost to concurrent insert")

const maxCreateAttempts = 3

// ConsultationLookup addresses a consultation by either of its identities.
type ConsultationLookup struct {
	ChatID    string
	ERPRefKey string
}

// MutateFunc receives a copy of the locked row (nil when absent) and returns
// the row to persist plus audit entries. A nil row leaves storage untouched.
// It may run more than once and must not have side effects.
type MutateFunc func(current *domain.Consultation) (*domain.Consultation, []domain.ConsultationChange, error)

// ConsultationRepository encapsulates consultation persistence.
type ConsultationRepository interface {
	Mutate(ctx context.Context, lookup ConsultationLookup, fn MutateFunc) (*domain.Consultation, bool, error)
	GetByID(ctx context.Context, id string) (*domain.Consultation, error)
	GetByChatID(ctx context.Context, chatID string) (*domain.Consultation, error)
	GetByERPRefKey(ctx context.Context, refKey string) (*domain.Consultation, error)
	ListOpenERPRefKeys(ctx context.Context, afterKey string, limit int) ([]string, error)
	ListQueuedByAgent(ctx context.Context, agentKey string) ([]domain.Consultation, error)
	QueueDepths(ctx context.Context, agentKeys []string) (map[string]int, error)
	AverageCloseMinutes(ctx context.Context, agentKey string, since time.Time) (float64, int, error)
}

type consultationRepository struct {
	pool *pgxpool.Pool
}

// NewConsultationRepository instantiates repository.
func NewConsultationRepository(pool *pgxpool.Pool) ConsultationRepository {
	return &consultationRepository{pool: pool}
}

const consultationColumns = `
        id, external_key, COALESCE(chat_id,''), COALESCE(erp_ref_key,''), scope, source, status,
        consultation_type, COALESCE(agent_key,''), COALESCE(category_key,''), COALESCE(language,''),
        COALESCE(number,''), start_at, end_at, denied, erp_modified_at, created_at, updated_at`

func (r *consultationRepository) Mutate(ctx context.Context, lookup ConsultationLookup, fn MutateFunc) (*domain.Consultation, bool, error) {
	if lookup.ChatID == "" && lookup.ERPRefKey == "" {
		return nil, false, ErrEmptyLookup
	}
	for attempt := 0; attempt < maxCreateAttempts; attempt++ {
		result, created, err := r.mutateOnce(ctx, lookup, fn)
		if errors.Is(err, ErrCreateRace) {
			continue
		}
		return result, created, err
	}
	return nil, false, fmt.Errorf("consultation chat=%q erp=%q: %w", lookup.ChatID, lookup.ERPRefKey, ErrCreateRace)
}

func (r *consultationRepository) mutateOnce(ctx context.Context, lookup ConsultationLookup, fn MutateFunc) (result *domain.Consultation, created bool, err error) {
	tx, err := r.pool.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return nil, false, err
	}
	defer func() {
		if err != nil {
			_ = tx.Rollback(ctx)
		}
	}()

	query := `SELECT ` + consultationColumns + `
        FROM consultations
        WHERE ($1 <> '' AND chat_id = $1) OR ($2 <> '' AND erp_ref_key = $2)
        ORDER BY (chat_id = $1) DESC NULLS LAST
        LIMIT 1
        FOR UPDATE`
	current, err := scanConsultation(tx.QueryRow(ctx, query, lookup.ChatID, lookup.ERPRefKey))
	if errors.Is(err, pgx.ErrNoRows) {
		current, err = nil, nil
	}
	if err != nil {
		return nil, false, err
	}

	var snapshot *domain.Consultation
	if current != nil {
		cp := *current
		snapshot = &cp
	}
	next, changes, err := fn(snapshot)
	if err != nil {
		return nil, false, err
	}
	if next == nil {
		if err = tx.Commit(ctx); err != nil {
			return nil, false, err
		}
		return current, false, nil
	}

	if current == nil {
		if next.ID == "" {
			next.ID = uuid.NewString()
		}
		if err = insertConsultation(ctx, tx, next); err != nil {
			return nil, false, err
		}
		created = true
	} else {
		next.ID = current.ID
		if err = updateConsultation(ctx, tx, next); err != nil {
			return nil, false, err
		}
	}

	for i := range changes {
		changes[i].ConsultationID = next.ID
		if err = insertChange(ctx, tx, &changes[i]); err != nil {
			return nil, false, err
		}
	}

	if err = tx.Commit(ctx); err != nil {
		return nil, false, err
	}
	return next, created, nil
}

func insertConsultation(ctx context.Context, tx pgx.Tx, c *domain.Consultation) error {
	const query = `
        INSERT INTO consultations (id, external_key, chat_id, erp_ref_key, scope, source, status, consultation_type,
            agent_key, category_key, language, number, start_at, end_at, denied, erp_modified_at)
        VALUES ($1,$2,NULLIF($3,''),NULLIF($4,''),$5,$6,$7,$8,NULLIF($9,''),NULLIF($10,''),NULLIF($11,''),
            NULLIF($12,''),$13,$14,$15,$16)
        ON CONFLICT DO NOTHING
        RETURNING created_at, updated_at`
	err := tx.QueryRow(ctx, query,
		c.ID, c.ExternalKey, c.ChatID, c.ERPRefKey, c.Scope, c.Source, c.Status, c.Type,
		c.AgentKey, c.CategoryKey, c.Language, c.Number, c.StartAt, c.EndAt, c.Denied, c.ERPModifiedAt,
	).Scan(&c.CreatedAt, &c.UpdatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return ErrCreateRace
	}
	return err
}

func updateConsultation(ctx context.Context, tx pgx.Tx, c *domain.Consultation) error {
	const query = `
        UPDATE consultations SET external_key=$1, chat_id=NULLIF($2,''), erp_ref_key=NULLIF($3,''), scope=$4,
            status=$5, consultation_type=$6, agent_key=NULLIF($7,''), category_key=NULLIF($8,''),
            language=NULLIF($9,''), number=NULLIF($10,''), start_at=$11, end_at=$12, denied=$13,
            erp_modified_at=$14, updated_at=NOW()
        WHERE id=$15
        RETURNING updated_at`
	return tx.QueryRow(ctx, query,
		c.ExternalKey, c.ChatID, c.ERPRefKey, c.Scope, c.Status, c.Type, c.AgentKey, c.CategoryKey,
		c.Language, c.Number, c.StartAt, c.EndAt, c.Denied, c.ERPModifiedAt, c.ID,
	).Scan(&c.UpdatedAt)
}

func (r *consultationRepository) GetByID(ctx context.Context, id string) (*domain.Consultation, error) {
	return scanConsultation(r.pool.QueryRow(ctx, `SELECT `+consultationColumns+` FROM consultations WHERE id=$1`, id))
}

func (r *consultationRepository) GetByChatID(ctx context.Context, chatID string) (*domain.Consultation, error) {
	return scanConsultation(r.pool.QueryRow(ctx, `SELECT `+consultationColumns+` FROM consultations WHERE chat_id=$1`, chatID))
}

func (r *consultationRepository) GetByERPRefKey(ctx context.Context, refKey string) (*domain.Consultation, error) {
	return scanConsultation(r.pool.QueryRow(ctx, `SELECT `+consultationColumns+` FROM consultations WHERE erp_ref_key=$1`, refKey))
}

func (r *consultationRepository) ListOpenERPRefKeys(ctx context.Context, afterKey string, limit int) ([]string, error) {
	const query = `
        SELECT erp_ref_key FROM consultations
        WHERE erp_ref_key IS NOT NULL AND erp_ref_key > $1
          AND scope = 'tenant'
          AND status NOT IN ('resolved', 'closed', 'cancelled')
        ORDER BY erp_ref_key
        LIMIT $2`
	if limit <= 0 {
		limit = 50
	}
	rows, err := r.pool.Query(ctx, query, afterKey, limit)
	if err != nil {
		return nil, err
	}
	return pgx.CollectRows(rows, pgx.RowTo[string])
}

func (r *consultationRepository) ListQueuedByAgent(ctx context.Context, agentKey string) ([]domain.Consultation, error) {
	query := `SELECT ` + consultationColumns + `
        FROM consultations
        WHERE agent_key = $1 AND status = ANY($2) AND denied = FALSE
        ORDER BY created_at ASC`
	rows, err := r.pool.Query(ctx, query, agentKey, statusStrings(domain.QueueStatuses))
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var result []domain.Consultation
	for rows.Next() {
		c, err := scanConsultation(rows)
		if err != nil {
			return nil, err
		}
		result = append(result, *c)
	}
	return result, rows.Err()
}

func (r *consultationRepository) QueueDepths(ctx context.Context, agentKeys []string) (map[string]int, error) {
	const query = `
        SELECT agent_key, COUNT(*)
        FROM consultations
        WHERE agent_key = ANY($1) AND status = ANY($2) AND denied = FALSE
        GROUP BY agent_key`
	depths := make(map[string]int, len(agentKeys))
	if len(agentKeys) == 0 {
		return depths, nil
	}
	rows, err := r.pool.Query(ctx, query, agentKeys, statusStrings(domain.QueueStatuses))
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	for rows.Next() {
		var key string
		var count int
		if err := rows.Scan(&key, &count); err != nil {
			return nil, err
		}
		depths[key] = count
	}
	return depths, rows.Err()
}

func (r *consultationRepository) AverageCloseMinutes(ctx context.Context, agentKey string, since time.Time) (float64, int, error) {
	const query = `
        SELECT COALESCE(AVG(EXTRACT(EPOCH FROM (end_at - start_at)) / 60), 0)::float8, COUNT(*)
        FROM consultations
        WHERE agent_key = $1
          AND status IN ('resolved', 'closed')
          AND denied = FALSE
          AND start_at IS NOT NULL AND end_at IS NOT NULL AND end_at > start_at
          AND end_at >= $2`
	var avg float64
	var samples int
	if err := r.pool.QueryRow(ctx, query, agentKey, since).Scan(&avg, &samples); err != nil {
		return 0, 0, err
	}
	return avg, samples, nil
}

func scanConsultation(row pgx.Row) (*domain.Consultation, error) {
	var c domain.Consultation
	if err := row.Scan(
		&c.ID,
		&c.ExternalKey,
		&c.ChatID,
		&c.ERPRefKey,
		&c.Scope,
		&c.Source,
		&c.Status,
		&c.Type,
		&c.AgentKey,
		&c.CategoryKey,
		&c.Language,
		&c.Number,
		&c.StartAt,
		&c.EndAt,
		&c.Denied,
		&c.ERPModifiedAt,
		&c.CreatedAt,
		&c.UpdatedAt,
	); err != nil {
		return nil, err
	}
	return &c, nil
}

func statusStrings(statuses []domain.ConsultationStatus) []string {
	out := make([]string, len(statuses))
	for i, s := range statuses {
		out[i] = string(s)
	}
	return out
}

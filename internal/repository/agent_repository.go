package repository

import (
	"context"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/spec-kit/consultation-sync/internal/domain"
)

// AgentRepository encapsulates agent persistence.
type AgentRepository interface {
	Upsert(ctx context.Context, agent *domain.Agent) error
	GetByERPKey(ctx context.Context, key string) (*domain.Agent, error)
	GetByChatUserID(ctx context.Context, chatUserID string) (*domain.Agent, error)
	ListActive(ctx context.Context) ([]domain.Agent, error)
}

type agentRepository struct {
	pool *pgxpool.Pool
}

// NewAgentRepository instantiates repository.
func NewAgentRepository(pool *pgxpool.Pool) AgentRepository {
	return &agentRepository{pool: pool}
}

const agentColumns = `erp_key, COALESCE(chat_user_id,''), name, capacity, work_start_minute, work_end_minute,
        skills, languages, active, updated_at`

func (r *agentRepository) Upsert(ctx context.Context, agent *domain.Agent) error {
	const query = `
        INSERT INTO agents (erp_key, chat_user_id, name, capacity, work_start_minute, work_end_minute, skills, languages, active)
        VALUES ($1,NULLIF($2,''),$3,$4,$5,$6,$7,$8,$9)
        ON CONFLICT (erp_key) DO UPDATE SET
            chat_user_id = COALESCE(EXCLUDED.chat_user_id, agents.chat_user_id),
            name = EXCLUDED.name,
            capacity = EXCLUDED.capacity,
            work_start_minute = EXCLUDED.work_start_minute,
            work_end_minute = EXCLUDED.work_end_minute,
            skills = EXCLUDED.skills,
            languages = EXCLUDED.languages,
            active = EXCLUDED.active,
            updated_at = NOW()
        RETURNING updated_at`
	var start, end *int
	if agent.Hours != nil {
		start, end = &agent.Hours.StartMinute, &agent.Hours.EndMinute
	}
	skills := agent.Skills
	if skills == nil {
		skills = []string{}
	}
	languages := agent.Languages
	if languages == nil {
		languages = []string{}
	}
	return r.pool.QueryRow(ctx, query,
		agent.ERPKey, agent.ChatUserID, agent.Name, agent.Capacity, start, end, skills, languages, agent.Active,
	).Scan(&agent.UpdatedAt)
}

func (r *agentRepository) GetByERPKey(ctx context.Context, key string) (*domain.Agent, error) {
	return scanAgent(r.pool.QueryRow(ctx, `SELECT `+agentColumns+` FROM agents WHERE erp_key=$1`, key))
}

func (r *agentRepository) GetByChatUserID(ctx context.Context, chatUserID string) (*domain.Agent, error) {
	return scanAgent(r.pool.QueryRow(ctx, `SELECT `+agentColumns+` FROM agents WHERE chat_user_id=$1 LIMIT 1`, chatUserID))
}

func (r *agentRepository) ListActive(ctx context.Context) ([]domain.Agent, error) {
	rows, err := r.pool.Query(ctx, `SELECT `+agentColumns+` FROM agents WHERE active ORDER BY erp_key`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var result []domain.Agent
	for rows.Next() {
		agent, err := scanAgent(rows)
		if err != nil {
			return nil, err
		}
		result = append(result, *agent)
	}
	return result, rows.Err()
}

func scanAgent(row pgx.Row) (*domain.Agent, error) {
	var agent domain.Agent
	var start, end *int
	if err := row.Scan(
		&agent.ERPKey,
		&agent.ChatUserID,
		&agent.Name,
		&agent.Capacity,
		&start,
		&end,
		&agent.Skills,
		&agent.Languages,
		&agent.Active,
		&agent.UpdatedAt,
	); err != nil {
		return nil, err
	}
	if start != nil && end != nil {
		agent.Hours = &domain.WorkingHours{StartMinute: *start, EndMinute: *end}
	}
	return &agent, nil
}

// AgentMappingRepository stores the Chat user to ERP agent correspondence.
type AgentMappingRepository interface {
	Upsert(ctx context.Context, mapping *domain.AgentMapping) error
	GetByChatUserID(ctx context.Context, chatUserID string) (*domain.AgentMapping, error)
	GetByERPKey(ctx context.Context, erpKey string) (*domain.AgentMapping, error)
}

type agentMappingRepository struct {
	pool *pgxpool.Pool
}

// NewAgentMappingRepository instantiates repository.
func NewAgentMappingRepository(pool *pgxpool.Pool) AgentMappingRepository {
	return &agentMappingRepository{pool: pool}
}

// Upsert keeps both sides unique: a reassigned ERP key moves to the new Chat user.
func (r *agentMappingRepository) Upsert(ctx context.Context, mapping *domain.AgentMapping) error {
	tx, err := r.pool.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback(ctx) }()

	if _, err := tx.Exec(ctx, `DELETE FROM agent_mappings WHERE erp_agent_key=$1 AND chat_user_id<>$2`,
		mapping.ERPAgentKey, mapping.ChatUserID); err != nil {
		return err
	}
	const query = `
        INSERT INTO agent_mappings (chat_user_id, erp_agent_key)
        VALUES ($1,$2)
        ON CONFLICT (chat_user_id) DO UPDATE SET erp_agent_key = EXCLUDED.erp_agent_key, updated_at = NOW()
        RETURNING updated_at`
	if err := tx.QueryRow(ctx, query, mapping.ChatUserID, mapping.ERPAgentKey).Scan(&mapping.UpdatedAt); err != nil {
		return err
	}
	return tx.Commit(ctx)
}

func (r *agentMappingRepository) GetByChatUserID(ctx context.Context, chatUserID string) (*domain.AgentMapping, error) {
	const query = `SELECT chat_user_id, erp_agent_key, updated_at FROM agent_mappings WHERE chat_user_id=$1`
	var m domain.AgentMapping
	if err := r.pool.QueryRow(ctx, query, chatUserID).Scan(&m.ChatUserID, &m.ERPAgentKey, &m.UpdatedAt); err != nil {
		return nil, err
	}
	return &m, nil
}

func (r *agentMappingRepository) GetByERPKey(ctx context.Context, erpKey string) (*domain.AgentMapping, error) {
	const query = `SELECT chat_user_id, erp_agent_key, updated_at FROM agent_mappings WHERE erp_agent_key=$1`
	var m domain.AgentMapping
	if err := r.pool.QueryRow(ctx, query, erpKey).Scan(&m.ChatUserID, &m.ERPAgentKey, &m.UpdatedAt); err != nil {
		return nil, err
	}
	return &m, nil
}

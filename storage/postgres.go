package storage

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"emodal_harvester/models"
)

type PostgresStore struct {
	pool *pgxpool.Pool
}

func NewPostgresStore(ctx context.Context, connString string) (*PostgresStore, error) {
	config, err := pgxpool.ParseConfig(connString)
	if err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}

	config.MaxConns = 10
	config.MinConns = 2
	config.MaxConnLifetime = 30 * time.Minute
	config.MaxConnIdleTime = 5 * time.Minute

	pool, err := pgxpool.NewWithConfig(ctx, config)
	if err != nil {
		return nil, fmt.Errorf("create pool: %w", err)
	}

	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("ping: %w", err)
	}

	store := &PostgresStore{pool: pool}
	if err := store.migrate(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("migrate: %w", err)
	}

	return store, nil
}

func (s *PostgresStore) Close() error {
	s.pool.Close()
	return nil
}

func (s *PostgresStore) Ping(ctx context.Context) error {
	return s.pool.Ping(ctx)
}

func (s *PostgresStore) migrate(ctx context.Context) error {
	schema := `
	CREATE TABLE IF NOT EXISTS tenants (
		id BIGSERIAL PRIMARY KEY,
		name TEXT NOT NULL,
		username TEXT NOT NULL UNIQUE,
		token TEXT NOT NULL UNIQUE,
		folder_path TEXT NOT NULL DEFAULT '',
		session_id TEXT,
		schedule_enabled BOOLEAN NOT NULL DEFAULT FALSE,
		schedule_frequency INTEGER NOT NULL DEFAULT 60,
		created_at TIMESTAMPTZ NOT NULL,
		updated_at TIMESTAMPTZ NOT NULL
	);

	CREATE TABLE IF NOT EXISTS queries (
		id BIGSERIAL PRIMARY KEY,
		query_id TEXT NOT NULL UNIQUE,
		tenant_id BIGINT NOT NULL REFERENCES tenants(id),
		platform TEXT NOT NULL,
		status TEXT NOT NULL,
		folder_path TEXT NOT NULL DEFAULT '',
		summary_stats JSONB,
		error_message TEXT,
		started_at TIMESTAMPTZ NOT NULL,
		completed_at TIMESTAMPTZ,
		archived BOOLEAN NOT NULL DEFAULT FALSE
	);

	CREATE INDEX IF NOT EXISTS idx_queries_tenant ON queries(tenant_id, started_at DESC);
	CREATE INDEX IF NOT EXISTS idx_queries_status ON queries(tenant_id, status);
	`

	_, err := s.pool.Exec(ctx, schema)
	return err
}

// =============================================================================
// Tenants
// =============================================================================

func (s *PostgresStore) CreateTenant(ctx context.Context, t *models.Tenant) error {
	now := time.Now().UTC()
	t.CreatedAt = now
	t.UpdatedAt = now

	return s.pool.QueryRow(ctx, `
		INSERT INTO tenants (name, username, token, folder_path, session_id,
			schedule_enabled, schedule_frequency, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
		RETURNING id`,
		t.Name, t.Username, t.Token, t.FolderPath, t.SessionID,
		t.ScheduleEnabled, t.ScheduleFrequency, t.CreatedAt, t.UpdatedAt,
	).Scan(&t.ID)
}

const pgTenantColumns = `id, name, username, token, folder_path, session_id,
	schedule_enabled, schedule_frequency, created_at, updated_at`

func scanPgTenant(row pgx.Row) (*models.Tenant, error) {
	var t models.Tenant
	err := row.Scan(&t.ID, &t.Name, &t.Username, &t.Token, &t.FolderPath, &t.SessionID,
		&t.ScheduleEnabled, &t.ScheduleFrequency, &t.CreatedAt, &t.UpdatedAt)
	if err == pgx.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &t, nil
}

func (s *PostgresStore) GetTenant(ctx context.Context, id int64) (*models.Tenant, error) {
	return scanPgTenant(s.pool.QueryRow(ctx,
		`SELECT `+pgTenantColumns+` FROM tenants WHERE id = $1`, id))
}

func (s *PostgresStore) GetTenantByToken(ctx context.Context, token string) (*models.Tenant, error) {
	return scanPgTenant(s.pool.QueryRow(ctx,
		`SELECT `+pgTenantColumns+` FROM tenants WHERE token = $1`, token))
}

func (s *PostgresStore) GetTenantByUsername(ctx context.Context, username string) (*models.Tenant, error) {
	return scanPgTenant(s.pool.QueryRow(ctx,
		`SELECT `+pgTenantColumns+` FROM tenants WHERE username = $1`, username))
}

func (s *PostgresStore) listTenants(ctx context.Context, where string, args ...any) ([]models.Tenant, error) {
	rows, err := s.pool.Query(ctx, `SELECT `+pgTenantColumns+` FROM tenants `+where+` ORDER BY id`, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var tenants []models.Tenant
	for rows.Next() {
		t, err := scanPgTenant(rows)
		if err != nil {
			return nil, err
		}
		tenants = append(tenants, *t)
	}
	return tenants, rows.Err()
}

func (s *PostgresStore) ListTenants(ctx context.Context) ([]models.Tenant, error) {
	return s.listTenants(ctx, "")
}

func (s *PostgresStore) ListScheduledTenants(ctx context.Context) ([]models.Tenant, error) {
	return s.listTenants(ctx, "WHERE schedule_enabled = TRUE")
}

func (s *PostgresStore) UpdateTenantFolder(ctx context.Context, id int64, folderPath string) error {
	_, err := s.pool.Exec(ctx,
		`UPDATE tenants SET folder_path = $1, updated_at = NOW() WHERE id = $2`,
		folderPath, id)
	return err
}

func (s *PostgresStore) UpdateTenantSession(ctx context.Context, id int64, sessionID *string) error {
	_, err := s.pool.Exec(ctx,
		`UPDATE tenants SET session_id = $1, updated_at = NOW() WHERE id = $2`,
		sessionID, id)
	return err
}

func (s *PostgresStore) UpdateTenantSchedule(ctx context.Context, id int64, enabled bool, frequencyMinutes int) error {
	_, err := s.pool.Exec(ctx,
		`UPDATE tenants SET schedule_enabled = $1, schedule_frequency = $2, updated_at = NOW() WHERE id = $3`,
		enabled, frequencyMinutes, id)
	return err
}

func (s *PostgresStore) DeleteTenant(ctx context.Context, id int64) error {
	_, err := s.pool.Exec(ctx, `DELETE FROM tenants WHERE id = $1`, id)
	return err
}

// =============================================================================
// Queries
// =============================================================================

func (s *PostgresStore) CreateQuery(ctx context.Context, q *models.Query) error {
	return s.pool.QueryRow(ctx, `
		INSERT INTO queries (query_id, tenant_id, platform, status, folder_path, started_at)
		VALUES ($1, $2, $3, $4, $5, $6)
		RETURNING id`,
		q.QueryID, q.TenantID, q.Platform, q.Status, q.FolderPath, q.StartedAt,
	).Scan(&q.ID)
}

const pgQueryColumns = `id, query_id, tenant_id, platform, status, folder_path,
	summary_stats, error_message, started_at, completed_at, archived`

func scanPgQuery(row pgx.Row) (*models.Query, error) {
	var q models.Query
	var stats []byte
	err := row.Scan(&q.ID, &q.QueryID, &q.TenantID, &q.Platform, &q.Status, &q.FolderPath,
		&stats, &q.ErrorMessage, &q.StartedAt, &q.CompletedAt, &q.Archived)
	if err == pgx.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	if len(stats) > 0 {
		var ss models.SummaryStats
		if json.Unmarshal(stats, &ss) == nil {
			q.SummaryStats = &ss
		}
	}
	return &q, nil
}

func (s *PostgresStore) GetQuery(ctx context.Context, queryID string) (*models.Query, error) {
	return scanPgQuery(s.pool.QueryRow(ctx,
		`SELECT `+pgQueryColumns+` FROM queries WHERE query_id = $1`, queryID))
}

func (s *PostgresStore) SetQueryInProgress(ctx context.Context, queryID string) error {
	_, err := s.pool.Exec(ctx,
		`UPDATE queries SET status = $1 WHERE query_id = $2`,
		models.QueryStatusInProgress, queryID)
	return err
}

func (s *PostgresStore) FinishQuery(ctx context.Context, queryID string, status models.QueryStatus, stats *models.SummaryStats, errorMessage *string) error {
	var statsJSON []byte
	if stats != nil {
		var err error
		statsJSON, err = json.Marshal(stats)
		if err != nil {
			return err
		}
	}

	_, err := s.pool.Exec(ctx, `
		UPDATE queries SET status = $1, summary_stats = $2, error_message = $3, completed_at = NOW()
		WHERE query_id = $4`,
		status, statsJSON, errorMessage, queryID)
	return err
}

func (s *PostgresStore) queryRows(ctx context.Context, where string, args ...any) ([]models.Query, error) {
	rows, err := s.pool.Query(ctx, `SELECT `+pgQueryColumns+` FROM queries `+where, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var queries []models.Query
	for rows.Next() {
		q, err := scanPgQuery(rows)
		if err != nil {
			return nil, err
		}
		queries = append(queries, *q)
	}
	return queries, rows.Err()
}

func (s *PostgresStore) ListQueries(ctx context.Context, tenantID int64, filter QueryFilter) ([]models.Query, int, error) {
	where := `WHERE tenant_id = $1`
	args := []any{tenantID}
	if filter.Status != "" {
		where += ` AND status = $2`
		args = append(args, filter.Status)
	}

	var total int
	if err := s.pool.QueryRow(ctx, `SELECT COUNT(*) FROM queries `+where, args...).Scan(&total); err != nil {
		return nil, 0, err
	}

	limit := filter.Limit
	if limit <= 0 {
		limit = 50
	}
	paged := fmt.Sprintf(`%s ORDER BY started_at DESC LIMIT $%d OFFSET $%d`,
		where, len(args)+1, len(args)+2)
	queries, err := s.queryRows(ctx, paged, append(args, limit, filter.Offset)...)
	if err != nil {
		return nil, 0, err
	}
	return queries, total, nil
}

func (s *PostgresStore) ListRecentQueries(ctx context.Context, limit int) ([]models.Query, error) {
	if limit <= 0 {
		limit = 50
	}
	return s.queryRows(ctx, `ORDER BY started_at DESC LIMIT $1`, limit)
}

func (s *PostgresStore) LatestQuery(ctx context.Context, tenantID int64) (*models.Query, error) {
	return scanPgQuery(s.pool.QueryRow(ctx,
		`SELECT `+pgQueryColumns+` FROM queries WHERE tenant_id = $1 ORDER BY started_at DESC, id DESC LIMIT 1`,
		tenantID))
}

func (s *PostgresStore) HasInProgress(ctx context.Context, tenantID int64) (bool, error) {
	var n int
	err := s.pool.QueryRow(ctx,
		`SELECT COUNT(*) FROM queries WHERE tenant_id = $1 AND status = $2`,
		tenantID, models.QueryStatusInProgress).Scan(&n)
	return n > 0, err
}

func (s *PostgresStore) FindNewer(ctx context.Context, tenantID int64, ordinal int64) (bool, error) {
	rows, err := s.pool.Query(ctx, `SELECT query_id FROM queries WHERE tenant_id = $1`, tenantID)
	if err != nil {
		return false, err
	}
	defer rows.Close()

	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return false, err
		}
		ids = append(ids, id)
	}
	if err := rows.Err(); err != nil {
		return false, err
	}
	return hasNewer(ids, ordinal), nil
}

func (s *PostgresStore) ListUnarchivedCompleted(ctx context.Context, limit int) ([]models.Query, error) {
	if limit <= 0 {
		limit = 20
	}
	return s.queryRows(ctx,
		`WHERE status = $1 AND archived = FALSE ORDER BY completed_at LIMIT $2`,
		models.QueryStatusCompleted, limit)
}

func (s *PostgresStore) MarkQueryArchived(ctx context.Context, queryID string) error {
	_, err := s.pool.Exec(ctx, `UPDATE queries SET archived = TRUE WHERE query_id = $1`, queryID)
	return err
}

func (s *PostgresStore) DeleteQuery(ctx context.Context, queryID string) error {
	_, err := s.pool.Exec(ctx, `DELETE FROM queries WHERE query_id = $1`, queryID)
	return err
}

func (s *PostgresStore) DeleteTenantQueries(ctx context.Context, tenantID int64) error {
	_, err := s.pool.Exec(ctx, `DELETE FROM queries WHERE tenant_id = $1`, tenantID)
	return err
}

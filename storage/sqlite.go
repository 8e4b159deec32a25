package storage

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	_ "github.com/mattn/go-sqlite3"

	"emodal_harvester/models"
)

type SQLiteStore struct {
	db *sql.DB
}

func NewSQLiteStore(dbPath string) (*SQLiteStore, error) {
	db, err := sql.Open("sqlite3", dbPath+"?_journal_mode=WAL&_busy_timeout=5000")
	if err != nil {
		return nil, err
	}

	store := &SQLiteStore{db: db}
	if err := store.migrate(); err != nil {
		db.Close()
		return nil, err
	}

	return store, nil
}

func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

func (s *SQLiteStore) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

func (s *SQLiteStore) migrate() error {
	schema := `
	CREATE TABLE IF NOT EXISTS tenants (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		name TEXT NOT NULL,
		username TEXT NOT NULL UNIQUE,
		token TEXT NOT NULL UNIQUE,
		folder_path TEXT NOT NULL DEFAULT '',
		session_id TEXT,
		schedule_enabled BOOLEAN NOT NULL DEFAULT FALSE,
		schedule_frequency INTEGER NOT NULL DEFAULT 60,
		created_at DATETIME NOT NULL,
		updated_at DATETIME NOT NULL
	);

	CREATE TABLE IF NOT EXISTS queries (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		query_id TEXT NOT NULL UNIQUE,
		tenant_id INTEGER NOT NULL,
		platform TEXT NOT NULL,
		status TEXT NOT NULL,
		folder_path TEXT NOT NULL DEFAULT '',
		summary_stats TEXT,
		error_message TEXT,
		started_at DATETIME NOT NULL,
		completed_at DATETIME,
		archived BOOLEAN NOT NULL DEFAULT FALSE,
		FOREIGN KEY (tenant_id) REFERENCES tenants(id)
	);

	CREATE INDEX IF NOT EXISTS idx_queries_tenant ON queries(tenant_id, started_at DESC);
	CREATE INDEX IF NOT EXISTS idx_queries_status ON queries(tenant_id, status);
	`

	_, err := s.db.Exec(schema)
	return err
}

// =============================================================================
// Tenants
// =============================================================================

func (s *SQLiteStore) CreateTenant(ctx context.Context, t *models.Tenant) error {
	now := time.Now().UTC()
	t.CreatedAt = now
	t.UpdatedAt = now

	res, err := s.db.ExecContext(ctx, `
		INSERT INTO tenants (name, username, token, folder_path, session_id,
			schedule_enabled, schedule_frequency, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		t.Name, t.Username, t.Token, t.FolderPath, t.SessionID,
		t.ScheduleEnabled, t.ScheduleFrequency, t.CreatedAt, t.UpdatedAt)
	if err != nil {
		return fmt.Errorf("insert tenant: %w", err)
	}

	t.ID, err = res.LastInsertId()
	return err
}

const tenantColumns = `id, name, username, token, folder_path, session_id,
	schedule_enabled, schedule_frequency, created_at, updated_at`

func (s *SQLiteStore) scanTenant(row interface{ Scan(...any) error }) (*models.Tenant, error) {
	var t models.Tenant
	err := row.Scan(&t.ID, &t.Name, &t.Username, &t.Token, &t.FolderPath, &t.SessionID,
		&t.ScheduleEnabled, &t.ScheduleFrequency, &t.CreatedAt, &t.UpdatedAt)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &t, nil
}

func (s *SQLiteStore) GetTenant(ctx context.Context, id int64) (*models.Tenant, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+tenantColumns+` FROM tenants WHERE id = ?`, id)
	return s.scanTenant(row)
}

func (s *SQLiteStore) GetTenantByToken(ctx context.Context, token string) (*models.Tenant, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+tenantColumns+` FROM tenants WHERE token = ?`, token)
	return s.scanTenant(row)
}

func (s *SQLiteStore) GetTenantByUsername(ctx context.Context, username string) (*models.Tenant, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+tenantColumns+` FROM tenants WHERE username = ?`, username)
	return s.scanTenant(row)
}

func (s *SQLiteStore) listTenants(ctx context.Context, where string, args ...any) ([]models.Tenant, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT `+tenantColumns+` FROM tenants `+where+` ORDER BY id`, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var tenants []models.Tenant
	for rows.Next() {
		t, err := s.scanTenant(rows)
		if err != nil {
			return nil, err
		}
		tenants = append(tenants, *t)
	}
	return tenants, rows.Err()
}

func (s *SQLiteStore) ListTenants(ctx context.Context) ([]models.Tenant, error) {
	return s.listTenants(ctx, "")
}

func (s *SQLiteStore) ListScheduledTenants(ctx context.Context) ([]models.Tenant, error) {
	return s.listTenants(ctx, "WHERE schedule_enabled = TRUE")
}

func (s *SQLiteStore) UpdateTenantFolder(ctx context.Context, id int64, folderPath string) error {
	_, err := s.db.ExecContext(ctx,
		`UPDATE tenants SET folder_path = ?, updated_at = ? WHERE id = ?`,
		folderPath, time.Now().UTC(), id)
	return err
}

func (s *SQLiteStore) UpdateTenantSession(ctx context.Context, id int64, sessionID *string) error {
	_, err := s.db.ExecContext(ctx,
		`UPDATE tenants SET session_id = ?, updated_at = ? WHERE id = ?`,
		sessionID, time.Now().UTC(), id)
	return err
}

func (s *SQLiteStore) UpdateTenantSchedule(ctx context.Context, id int64, enabled bool, frequencyMinutes int) error {
	_, err := s.db.ExecContext(ctx,
		`UPDATE tenants SET schedule_enabled = ?, schedule_frequency = ?, updated_at = ? WHERE id = ?`,
		enabled, frequencyMinutes, time.Now().UTC(), id)
	return err
}

func (s *SQLiteStore) DeleteTenant(ctx context.Context, id int64) error {
	_, err := s.db.ExecContext(ctx, `DELETE FROM tenants WHERE id = ?`, id)
	return err
}

// =============================================================================
// Queries
// =============================================================================

func (s *SQLiteStore) CreateQuery(ctx context.Context, q *models.Query) error {
	res, err := s.db.ExecContext(ctx, `
		INSERT INTO queries (query_id, tenant_id, platform, status, folder_path, started_at)
		VALUES (?, ?, ?, ?, ?, ?)`,
		q.QueryID, q.TenantID, q.Platform, q.Status, q.FolderPath, q.StartedAt)
	if err != nil {
		return fmt.Errorf("insert query: %w", err)
	}

	q.ID, err = res.LastInsertId()
	return err
}

const queryColumns = `id, query_id, tenant_id, platform, status, folder_path,
	summary_stats, error_message, started_at, completed_at, archived`

func (s *SQLiteStore) scanQuery(row interface{ Scan(...any) error }) (*models.Query, error) {
	var q models.Query
	var stats sql.NullString
	err := row.Scan(&q.ID, &q.QueryID, &q.TenantID, &q.Platform, &q.Status, &q.FolderPath,
		&stats, &q.ErrorMessage, &q.StartedAt, &q.CompletedAt, &q.Archived)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	if stats.Valid && stats.String != "" {
		var ss models.SummaryStats
		if json.Unmarshal([]byte(stats.String), &ss) == nil {
			q.SummaryStats = &ss
		}
	}
	return &q, nil
}

func (s *SQLiteStore) GetQuery(ctx context.Context, queryID string) (*models.Query, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+queryColumns+` FROM queries WHERE query_id = ?`, queryID)
	return s.scanQuery(row)
}

func (s *SQLiteStore) SetQueryInProgress(ctx context.Context, queryID string) error {
	_, err := s.db.ExecContext(ctx,
		`UPDATE queries SET status = ? WHERE query_id = ?`,
		models.QueryStatusInProgress, queryID)
	return err
}

func (s *SQLiteStore) FinishQuery(ctx context.Context, queryID string, status models.QueryStatus, stats *models.SummaryStats, errorMessage *string) error {
	var statsJSON *string
	if stats != nil {
		data, err := json.Marshal(stats)
		if err != nil {
			return err
		}
		str := string(data)
		statsJSON = &str
	}

	_, err := s.db.ExecContext(ctx, `
		UPDATE queries SET status = ?, summary_stats = ?, error_message = ?, completed_at = ?
		WHERE query_id = ?`,
		status, statsJSON, errorMessage, time.Now().UTC(), queryID)
	return err
}

func (s *SQLiteStore) queryRows(ctx context.Context, where string, args ...any) ([]models.Query, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT `+queryColumns+` FROM queries `+where, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var queries []models.Query
	for rows.Next() {
		q, err := s.scanQuery(rows)
		if err != nil {
			return nil, err
		}
		queries = append(queries, *q)
	}
	return queries, rows.Err()
}

func (s *SQLiteStore) ListQueries(ctx context.Context, tenantID int64, filter QueryFilter) ([]models.Query, int, error) {
	where := `WHERE tenant_id = ?`
	args := []any{tenantID}
	if filter.Status != "" {
		where += ` AND status = ?`
		args = append(args, filter.Status)
	}

	var total int
	if err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM queries `+where, args...).Scan(&total); err != nil {
		return nil, 0, err
	}

	limit := filter.Limit
	if limit <= 0 {
		limit = 50
	}
	queries, err := s.queryRows(ctx, where+` ORDER BY started_at DESC LIMIT ? OFFSET ?`,
		append(args, limit, filter.Offset)...)
	if err != nil {
		return nil, 0, err
	}
	return queries, total, nil
}

func (s *SQLiteStore) ListRecentQueries(ctx context.Context, limit int) ([]models.Query, error) {
	if limit <= 0 {
		limit = 50
	}
	return s.queryRows(ctx, `ORDER BY started_at DESC LIMIT ?`, limit)
}

func (s *SQLiteStore) LatestQuery(ctx context.Context, tenantID int64) (*models.Query, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+queryColumns+` FROM queries WHERE tenant_id = ? ORDER BY started_at DESC, id DESC LIMIT 1`,
		tenantID)
	return s.scanQuery(row)
}

func (s *SQLiteStore) HasInProgress(ctx context.Context, tenantID int64) (bool, error) {
	var n int
	err := s.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM queries WHERE tenant_id = ? AND status = ?`,
		tenantID, models.QueryStatusInProgress).Scan(&n)
	return n > 0, err
}

func (s *SQLiteStore) FindNewer(ctx context.Context, tenantID int64, ordinal int64) (bool, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT query_id FROM queries WHERE tenant_id = ?`, tenantID)
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

func (s *SQLiteStore) ListUnarchivedCompleted(ctx context.Context, limit int) ([]models.Query, error) {
	if limit <= 0 {
		limit = 20
	}
	return s.queryRows(ctx,
		`WHERE status = ? AND archived = FALSE ORDER BY completed_at LIMIT ?`,
		models.QueryStatusCompleted, limit)
}

func (s *SQLiteStore) MarkQueryArchived(ctx context.Context, queryID string) error {
	_, err := s.db.ExecContext(ctx, `UPDATE queries SET archived = TRUE WHERE query_id = ?`, queryID)
	return err
}

func (s *SQLiteStore) DeleteQuery(ctx context.Context, queryID string) error {
	_, err := s.db.ExecContext(ctx, `DELETE FROM queries WHERE query_id = ?`, queryID)
	return err
}

func (s *SQLiteStore) DeleteTenantQueries(ctx context.Context, tenantID int64) error {
	_, err := s.db.ExecContext(ctx, `DELETE FROM queries WHERE tenant_id = ?`, tenantID)
	return err
}

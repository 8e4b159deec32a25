package storage

import (
	"context"

	"emodal_harvester/models"
)

// QueryFilter narrows ListQueries.
type QueryFilter struct {
	Status string
	Limit  int
	Offset int
}

// Store is the relational layer behind tenants and queries. Writes are
// independent short transactions; nothing is held across upstream calls.
type Store interface {
	Close() error
	Ping(ctx context.Context) error

	CreateTenant(ctx context.Context, t *models.Tenant) error
	GetTenant(ctx context.Context, id int64) (*models.Tenant, error)
	GetTenantByToken(ctx context.Context, token string) (*models.Tenant, error)
	GetTenantByUsername(ctx context.Context, username string) (*models.Tenant, error)
	ListTenants(ctx context.Context) ([]models.Tenant, error)
	ListScheduledTenants(ctx context.Context) ([]models.Tenant, error)
	UpdateTenantFolder(ctx context.Context, id int64, folderPath string) error
	UpdateTenantSession(ctx context.Context, id int64, sessionID *string) error
	UpdateTenantSchedule(ctx context.Context, id int64, enabled bool, frequencyMinutes int) error
	DeleteTenant(ctx context.Context, id int64) error

	CreateQuery(ctx context.Context, q *models.Query) error
	GetQuery(ctx context.Context, queryID string) (*models.Query, error)
	SetQueryInProgress(ctx context.Context, queryID string) error
	FinishQuery(ctx context.Context, queryID string, status models.QueryStatus, stats *models.SummaryStats, errorMessage *string) error
	ListQueries(ctx context.Context, tenantID int64, filter QueryFilter) ([]models.Query, int, error)
	ListRecentQueries(ctx context.Context, limit int) ([]models.Query, error)
	LatestQuery(ctx context.Context, tenantID int64) (*models.Query, error)
	HasInProgress(ctx context.Context, tenantID int64) (bool, error)
	FindNewer(ctx context.Context, tenantID int64, ordinal int64) (bool, error)
	ListUnarchivedCompleted(ctx context.Context, limit int) ([]models.Query, error)
	MarkQueryArchived(ctx context.Context, queryID string) error
	DeleteQuery(ctx context.Context, queryID string) error
	DeleteTenantQueries(ctx context.Context, tenantID int64) error
}

// hasNewer reports whether any other query carries a strictly greater
// embedded ordinal. Unparseable ids count as "no newer" so a malformed
// row can never cancel a healthy run.
func hasNewer(queryIDs []string, ordinal int64) bool {
	for _, id := range queryIDs {
		n, ok := models.Ordinal(id)
		if !ok {
			continue
		}
		if n > ordinal {
			return true
		}
	}
	return false
}

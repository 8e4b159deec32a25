package storage

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"emodal_harvester/models"
)

func testStore(t *testing.T) *SQLiteStore {
	t.Helper()
	store, err := NewSQLiteStore(filepath.Join(t.TempDir(), "test.db"))
	if err != nil {
		t.Fatalf("open store failed: %v", err)
	}
	t.Cleanup(func() { store.Close() })
	return store
}

func seedTenant(t *testing.T, store *SQLiteStore) *models.Tenant {
	t.Helper()
	tenant := &models.Tenant{
		Name:              "Test Co",
		Username:          "jdoe",
		Token:             "tok-1",
		ScheduleEnabled:   true,
		ScheduleFrequency: 60,
	}
	if err := store.CreateTenant(context.Background(), tenant); err != nil {
		t.Fatalf("create tenant failed: %v", err)
	}
	return tenant
}

func seedQuery(t *testing.T, store *SQLiteStore, tenantID, ordinal int64, status models.QueryStatus) *models.Query {
	t.Helper()
	ctx := context.Background()
	q := &models.Query{
		QueryID:   models.NewQueryID(tenantID, time.Unix(ordinal, 0)),
		TenantID:  tenantID,
		Platform:  models.PlatformEModal,
		Status:    models.QueryStatusPending,
		StartedAt: time.Unix(ordinal, 0).UTC(),
	}
	if err := store.CreateQuery(ctx, q); err != nil {
		t.Fatalf("create query failed: %v", err)
	}
	switch status {
	case models.QueryStatusInProgress:
		if err := store.SetQueryInProgress(ctx, q.QueryID); err != nil {
			t.Fatalf("set in progress failed: %v", err)
		}
	case models.QueryStatusCompleted, models.QueryStatusFailed:
		if err := store.FinishQuery(ctx, q.QueryID, status, nil, nil); err != nil {
			t.Fatalf("finish failed: %v", err)
		}
	}
	q.Status = status
	return q
}

func TestTenantLifecycle(t *testing.T) {
	store := testStore(t)
	ctx := context.Background()
	tenant := seedTenant(t, store)

	got, err := store.GetTenant(ctx, tenant.ID)
	if err != nil || got == nil {
		t.Fatalf("get failed: %v", err)
	}
	if got.Username != "jdoe" || !got.ScheduleEnabled {
		t.Fatalf("unexpected tenant %+v", got)
	}

	byToken, err := store.GetTenantByToken(ctx, "tok-1")
	if err != nil || byToken == nil || byToken.ID != tenant.ID {
		t.Fatalf("token lookup failed: %v %v", byToken, err)
	}
	if missing, err := store.GetTenantByToken(ctx, "nope"); err != nil || missing != nil {
		t.Fatalf("expected nil for unknown token, got %v %v", missing, err)
	}

	sid := "sess-1"
	if err := store.UpdateTenantSession(ctx, tenant.ID, &sid); err != nil {
		t.Fatalf("update session failed: %v", err)
	}
	got, _ = store.GetTenant(ctx, tenant.ID)
	if got.SessionID == nil || *got.SessionID != "sess-1" {
		t.Fatalf("session not persisted: %v", got.SessionID)
	}
	if err := store.UpdateTenantSession(ctx, tenant.ID, nil); err != nil {
		t.Fatalf("clear session failed: %v", err)
	}
	got, _ = store.GetTenant(ctx, tenant.ID)
	if got.SessionID != nil {
		t.Fatalf("session not cleared: %v", got.SessionID)
	}

	if err := store.UpdateTenantSchedule(ctx, tenant.ID, false, 120); err != nil {
		t.Fatalf("update schedule failed: %v", err)
	}
	scheduled, err := store.ListScheduledTenants(ctx)
	if err != nil {
		t.Fatalf("list scheduled failed: %v", err)
	}
	if len(scheduled) != 0 {
		t.Fatalf("expected no scheduled tenants, got %d", len(scheduled))
	}

	if err := store.DeleteTenant(ctx, tenant.ID); err != nil {
		t.Fatalf("delete failed: %v", err)
	}
	if got, _ := store.GetTenant(ctx, tenant.ID); got != nil {
		t.Fatalf("tenant not deleted")
	}
}

func TestQueryLifecycle(t *testing.T) {
	store := testStore(t)
	ctx := context.Background()
	tenant := seedTenant(t, store)

	q := seedQuery(t, store, tenant.ID, 1700000000, models.QueryStatusInProgress)

	stats := &models.SummaryStats{TotalsList: 10, TotalsFiltered: 3, ProbesOK: 3, DurationSeconds: 42}
	if err := store.FinishQuery(ctx, q.QueryID, models.QueryStatusCompleted, stats, nil); err != nil {
		t.Fatalf("finish failed: %v", err)
	}

	got, err := store.GetQuery(ctx, q.QueryID)
	if err != nil || got == nil {
		t.Fatalf("get failed: %v", err)
	}
	if got.Status != models.QueryStatusCompleted {
		t.Fatalf("unexpected status %s", got.Status)
	}
	if got.CompletedAt == nil {
		t.Fatalf("completed_at not set")
	}
	if got.SummaryStats == nil || got.SummaryStats.TotalsFiltered != 3 {
		t.Fatalf("stats not round-tripped: %+v", got.SummaryStats)
	}
}

func TestFinishQuery_Failed(t *testing.T) {
	store := testStore(t)
	ctx := context.Background()
	tenant := seedTenant(t, store)
	q := seedQuery(t, store, tenant.ID, 1700000000, models.QueryStatusInProgress)

	msg := "cancelled by newer job"
	if err := store.FinishQuery(ctx, q.QueryID, models.QueryStatusFailed, nil, &msg); err != nil {
		t.Fatalf("finish failed: %v", err)
	}

	got, _ := store.GetQuery(ctx, q.QueryID)
	if got.Status != models.QueryStatusFailed {
		t.Fatalf("unexpected status %s", got.Status)
	}
	if got.ErrorMessage == nil || *got.ErrorMessage != msg {
		t.Fatalf("error message not persisted: %v", got.ErrorMessage)
	}
}

func TestHasInProgress(t *testing.T) {
	store := testStore(t)
	ctx := context.Background()
	tenant := seedTenant(t, store)

	busy, err := store.HasInProgress(ctx, tenant.ID)
	if err != nil || busy {
		t.Fatalf("expected idle, got %v %v", busy, err)
	}

	seedQuery(t, store, tenant.ID, 1700000000, models.QueryStatusInProgress)
	busy, err = store.HasInProgress(ctx, tenant.ID)
	if err != nil || !busy {
		t.Fatalf("expected busy, got %v %v", busy, err)
	}
}

func TestFindNewer(t *testing.T) {
	store := testStore(t)
	ctx := context.Background()
	tenant := seedTenant(t, store)

	seedQuery(t, store, tenant.ID, 1700000000, models.QueryStatusInProgress)

	newer, err := store.FindNewer(ctx, tenant.ID, 1700000000)
	if err != nil || newer {
		t.Fatalf("expected no newer job, got %v %v", newer, err)
	}

	seedQuery(t, store, tenant.ID, 1700000500, models.QueryStatusPending)
	newer, err = store.FindNewer(ctx, tenant.ID, 1700000000)
	if err != nil || !newer {
		t.Fatalf("expected newer job, got %v %v", newer, err)
	}

	// The newer job itself sees nothing newer.
	newer, err = store.FindNewer(ctx, tenant.ID, 1700000500)
	if err != nil || newer {
		t.Fatalf("newest job must see no newer job, got %v %v", newer, err)
	}
}

func TestFindNewer_MalformedIDsIgnored(t *testing.T) {
	store := testStore(t)
	ctx := context.Background()
	tenant := seedTenant(t, store)

	q := &models.Query{
		QueryID:   "bogus_id",
		TenantID:  tenant.ID,
		Platform:  models.PlatformEModal,
		Status:    models.QueryStatusPending,
		StartedAt: time.Now().UTC(),
	}
	if err := store.CreateQuery(ctx, q); err != nil {
		t.Fatalf("create query failed: %v", err)
	}

	newer, err := store.FindNewer(ctx, tenant.ID, 1)
	if err != nil || newer {
		t.Fatalf("malformed id must not read as newer, got %v %v", newer, err)
	}
}

func TestListQueries_FilterAndPagination(t *testing.T) {
	store := testStore(t)
	ctx := context.Background()
	tenant := seedTenant(t, store)

	seedQuery(t, store, tenant.ID, 1700000000, models.QueryStatusCompleted)
	seedQuery(t, store, tenant.ID, 1700000100, models.QueryStatusFailed)
	seedQuery(t, store, tenant.ID, 1700000200, models.QueryStatusCompleted)

	queries, total, err := store.ListQueries(ctx, tenant.ID, QueryFilter{Status: "completed"})
	if err != nil {
		t.Fatalf("list failed: %v", err)
	}
	if total != 2 || len(queries) != 2 {
		t.Fatalf("expected 2 completed, got total=%d len=%d", total, len(queries))
	}

	queries, total, err = store.ListQueries(ctx, tenant.ID, QueryFilter{Limit: 1, Offset: 1})
	if err != nil {
		t.Fatalf("list failed: %v", err)
	}
	if total != 3 || len(queries) != 1 {
		t.Fatalf("expected page of 1 from 3, got total=%d len=%d", total, len(queries))
	}
}

func TestLatestQuery(t *testing.T) {
	store := testStore(t)
	ctx := context.Background()
	tenant := seedTenant(t, store)

	if latest, err := store.LatestQuery(ctx, tenant.ID); err != nil || latest != nil {
		t.Fatalf("expected nil for no queries, got %v %v", latest, err)
	}

	seedQuery(t, store, tenant.ID, 1700000000, models.QueryStatusCompleted)
	newest := seedQuery(t, store, tenant.ID, 1700000500, models.QueryStatusPending)

	latest, err := store.LatestQuery(ctx, tenant.ID)
	if err != nil || latest == nil {
		t.Fatalf("latest failed: %v", err)
	}
	if latest.QueryID != newest.QueryID {
		t.Fatalf("expected %s, got %s", newest.QueryID, latest.QueryID)
	}
}

func TestArchiveFlow(t *testing.T) {
	store := testStore(t)
	ctx := context.Background()
	tenant := seedTenant(t, store)

	done := seedQuery(t, store, tenant.ID, 1700000000, models.QueryStatusCompleted)
	seedQuery(t, store, tenant.ID, 1700000100, models.QueryStatusInProgress)

	pending, err := store.ListUnarchivedCompleted(ctx, 10)
	if err != nil {
		t.Fatalf("list failed: %v", err)
	}
	if len(pending) != 1 || pending[0].QueryID != done.QueryID {
		t.Fatalf("expected only the completed query, got %+v", pending)
	}

	if err := store.MarkQueryArchived(ctx, done.QueryID); err != nil {
		t.Fatalf("mark failed: %v", err)
	}
	pending, _ = store.ListUnarchivedCompleted(ctx, 10)
	if len(pending) != 0 {
		t.Fatalf("expected nothing left to archive, got %d", len(pending))
	}
}

package pipeline

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"emodal_harvester/artifacts"
	"emodal_harvester/config"
	"emodal_harvester/emodal"
	"emodal_harvester/httputil"
	"emodal_harvester/models"
	"emodal_harvester/session"
	"emodal_harvester/storage"
)

// fakeUpstream stands in for the browser-automation gateway.
type fakeUpstream struct {
	t   *testing.T
	srv *httptest.Server

	mu         sync.Mutex
	sessionSeq int
	valid      map[string]bool
	active     []string
	authFail   bool

	containersXLSX   []byte
	appointmentsXLSX []byte
	bulkResponse     map[string]any

	probeTransientFail    map[string]int
	invalidateBeforeProbe int // 1-based probe call index, 0 = never
	probeCalls            int
}

func newFakeUpstream(t *testing.T) *fakeUpstream {
	f := &fakeUpstream{
		t:                  t,
		valid:              make(map[string]bool),
		probeTransientFail: make(map[string]int),
		appointmentsXLSX: xlsxBytes(t, &artifacts.Table{
			Header: []string{"Appointment #", "Terminal"},
			Rows:   [][]string{{"APT001", "TTI"}, {"APT002", "ITS"}},
		}),
	}
	f.srv = httptest.NewServer(http.HandlerFunc(f.handle))
	t.Cleanup(f.srv.Close)
	return f
}

func (f *fakeUpstream) handle(w http.ResponseWriter, r *http.Request) {
	f.mu.Lock()
	defer f.mu.Unlock()

	switch r.URL.Path {
	case "/get_session":
		if f.authFail {
			w.WriteHeader(http.StatusUnauthorized)
			fmt.Fprint(w, `{"error":"bad credentials"}`)
			return
		}
		f.sessionSeq++
		sid := fmt.Sprintf("sess-%d", f.sessionSeq)
		f.valid[sid] = true
		writeJSON(w, map[string]any{"success": true, "session_id": sid, "is_new": true})

	case "/get_active_sessions":
		writeJSON(w, map[string]any{"success": true, "sessions": f.active})

	case "/get_containers":
		if !f.checkSession(w, r) {
			return
		}
		writeJSON(w, map[string]any{
			"success": true, "file_url": f.srv.URL + "/files/containers.xlsx", "count": 5,
		})

	case "/get_appointments":
		if !f.checkSession(w, r) {
			return
		}
		writeJSON(w, map[string]any{
			"success": true, "file_url": f.srv.URL + "/files/appointments.xlsx", "count": 2,
		})

	case "/get_info_bulk":
		if !f.checkSession(w, r) {
			return
		}
		writeJSON(w, f.bulkResponse)

	case "/check_appointments":
		f.handleProbe(w, r)

	case "/files/containers.xlsx":
		w.Write(f.containersXLSX)
	case "/files/appointments.xlsx":
		w.Write(f.appointmentsXLSX)
	case "/files/shot.png":
		w.Write([]byte("\x89PNG fake"))

	default:
		w.WriteHeader(http.StatusNotFound)
	}
}

func (f *fakeUpstream) handleProbe(w http.ResponseWriter, r *http.Request) {
	var req struct {
		SessionID       string `json:"session_id"`
		TradeType       string `json:"trade_type"`
		ContainerNumber string `json:"container_number"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		w.WriteHeader(http.StatusBadRequest)
		return
	}

	f.probeCalls++
	if f.invalidateBeforeProbe > 0 && f.probeCalls == f.invalidateBeforeProbe {
		f.valid[req.SessionID] = false
		f.invalidateBeforeProbe = 0
	}
	if !f.valid[req.SessionID] {
		w.WriteHeader(http.StatusBadRequest)
		fmt.Fprint(w, `{"error":"session expired"}`)
		return
	}
	if n := f.probeTransientFail[req.ContainerNumber]; n > 0 {
		f.probeTransientFail[req.ContainerNumber] = n - 1
		w.WriteHeader(http.StatusBadGateway)
		return
	}

	if req.TradeType == "IMPORT" {
		writeJSON(w, map[string]any{
			"success": true,
			"available_times": []string{
				"10/12/2025 08:00 AM - 09:00 AM",
				"10/10/2025 07:00 AM - 08:00 AM",
			},
			"dropdown_screenshot_url": f.srv.URL + "/files/shot.png",
		})
		return
	}
	writeJSON(w, map[string]any{
		"success": true, "calendar_found": true,
		"dropdown_screenshot_url": f.srv.URL + "/files/shot.png",
	})
}

func (f *fakeUpstream) checkSession(w http.ResponseWriter, r *http.Request) bool {
	var req struct {
		SessionID string `json:"session_id"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || !f.valid[req.SessionID] {
		w.WriteHeader(http.StatusBadRequest)
		fmt.Fprint(w, `{"error":"session expired"}`)
		return false
	}
	return true
}

func writeJSON(w http.ResponseWriter, v any) {
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(v)
}

func xlsxBytes(t *testing.T, table *artifacts.Table) []byte {
	t.Helper()
	dir := t.TempDir()
	store := artifacts.NewStore(dir)
	path := filepath.Join(dir, "fixture.xlsx")
	if err := store.WriteTable(path, table); err != nil {
		t.Fatalf("fixture write failed: %v", err)
	}
	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("fixture read failed: %v", err)
	}
	return data
}

// mixedContainers yields 3 filtered rows: two imports and one export.
func mixedContainers(t *testing.T) []byte {
	return xlsxBytes(t, &artifacts.Table{
		Header: []string{"Container #", "Trade Type", "Holds", "Pregate Ticket#", "Current Loc", "Origin", "Destination"},
		Rows: [][]string{
			{"CONT001", "IMPORT", "NO", "N/A", "TTI", "", ""},
			{"CONT002", "IMPORT", "YES", "N/A", "ITS", "", ""},
			{"CONT003", "EXPORT", "NO", "TK-5512", "", "", "PCT"},
			{"CONT004", "EXPORT", "NO", "N/A", "", "", "PCT"},
			{"CONT005", "IMPORT", "NO", "N/A", "", "ETSLAX", ""},
		},
	})
}

func mixedBulk() map[string]any {
	return map[string]any{
		"success": true,
		"import_results": []map[string]any{
			{"container_id": "CONT001", "pregate_passed": false, "timeline": []map[string]any{
				{"milestone": "Manifested", "date": "03/24/2025 13:10"},
				{"milestone": "Departed Terminal", "date": "N/A"},
			}},
			{"container_id": "CONT005", "pregate_passed": true, "timeline": []map[string]any{
				{"milestone": "Manifested", "date": "03/20/2025"},
				{"milestone": "Empty Received", "date": "04/02/2025 09:15"},
			}},
		},
		"export_results": []map[string]any{
			{"container_id": "CONT004", "booking_number": "BKG1234"},
		},
	}
}

type harness struct {
	store  *storage.SQLiteStore
	art    *artifacts.Store
	exec   *Executor
	tenant *models.Tenant
}

func newHarness(t *testing.T, fake *fakeUpstream) *harness {
	t.Helper()
	ctx := context.Background()

	store, err := storage.NewSQLiteStore(filepath.Join(t.TempDir(), "test.db"))
	if err != nil {
		t.Fatalf("open store failed: %v", err)
	}
	t.Cleanup(func() { store.Close() })

	art := artifacts.NewStore(t.TempDir())
	clients := httputil.NewClients(30 * time.Second)
	client := emodal.New(fake.srv.URL, clients)

	sessions := session.NewManager(store, art, client, 3, 100*time.Millisecond)
	sessions.PollEvery = 20 * time.Millisecond

	cfg := &config.Config{Pipeline: config.PipelineConfig{CheckpointEvery: 5}}
	exec := New(ctx, store, art, sessions, client, cfg)

	tenant := &models.Tenant{Name: "Test Co", Username: "jdoe", Token: "tok-1"}
	if err := store.CreateTenant(ctx, tenant); err != nil {
		t.Fatalf("create tenant failed: %v", err)
	}
	tenant.FolderPath = art.TenantRoot(tenant.ID)
	if err := store.UpdateTenantFolder(ctx, tenant.ID, tenant.FolderPath); err != nil {
		t.Fatalf("update folder failed: %v", err)
	}
	if err := art.EnsureTenantDirs(tenant.ID); err != nil {
		t.Fatalf("ensure dirs failed: %v", err)
	}
	if err := art.WriteCredentials(tenant.ID, models.CredentialFile{
		"emodal": {Username: "jdoe", Password: "pw", CaptchaAPIKey: "key"},
	}); err != nil {
		t.Fatalf("write credentials failed: %v", err)
	}

	return &harness{store: store, art: art, exec: exec, tenant: tenant}
}

// runQuery creates a query record with the given ordinal and runs it
// synchronously, returning the finished record.
func (h *harness) runQuery(t *testing.T, ordinal int64) *models.Query {
	t.Helper()
	ctx := context.Background()

	queryID := models.NewQueryID(h.tenant.ID, time.Unix(ordinal, 0))
	query := &models.Query{
		QueryID:    queryID,
		TenantID:   h.tenant.ID,
		Platform:   models.PlatformEModal,
		Status:     models.QueryStatusPending,
		FolderPath: h.art.QueryFolder(h.tenant.ID, models.PlatformEModal, queryID),
		StartedAt:  time.Now().UTC(),
	}
	if err := h.store.CreateQuery(ctx, query); err != nil {
		t.Fatalf("create query failed: %v", err)
	}

	h.exec.Run(h.tenant, query)

	got, err := h.store.GetQuery(ctx, queryID)
	if err != nil || got == nil {
		t.Fatalf("query not found after run: %v", err)
	}
	return got
}

func TestRun_HappyPath(t *testing.T) {
	fake := newFakeUpstream(t)
	fake.containersXLSX = mixedContainers(t)
	fake.bulkResponse = mixedBulk()

	h := newHarness(t, fake)
	query := h.runQuery(t, 1700000000)

	if query.Status != models.QueryStatusCompleted {
		t.Fatalf("expected completed, got %s (%v)", query.Status, query.ErrorMessage)
	}
	stats := query.SummaryStats
	if stats == nil {
		t.Fatalf("expected summary stats")
	}
	if stats.TotalsList != 5 || stats.TotalsFiltered != 3 {
		t.Fatalf("unexpected totals: %+v", stats)
	}
	if stats.TotalsImport != 2 || stats.TotalsExport != 1 {
		t.Fatalf("unexpected partition: %+v", stats)
	}
	if stats.ProbesOK != 3 || stats.ProbesFailed != 0 {
		t.Fatalf("unexpected probe counts: %+v", stats)
	}
	if stats.TotalAppointments != 2 {
		t.Fatalf("unexpected appointment count: %+v", stats)
	}

	filtered, err := artifacts.ReadTable(filepath.Join(query.FolderPath, artifacts.FilteredFile))
	if err != nil {
		t.Fatalf("read filtered failed: %v", err)
	}
	if len(filtered.Rows) != 3 {
		t.Fatalf("expected 3 filtered rows, got %d", len(filtered.Rows))
	}

	// CONT001: import before pregate -> PICK FULL -> Before column.
	if got := filtered.Get(0, "First Appointment Available (Before)"); got != "10/10/2025" {
		t.Fatalf("CONT001 before: %q", got)
	}
	if got := filtered.Get(0, "First Appointment Available (After)"); got != "N/A" {
		t.Fatalf("CONT001 after: %q", got)
	}
	if got := filtered.Get(0, "Manifested"); got != "03/24/2025" {
		t.Fatalf("CONT001 manifested: %q", got)
	}
	if got := filtered.Get(0, "Departed Terminal"); got != "N/A" {
		t.Fatalf("CONT001 departed: %q", got)
	}

	// CONT004: export keeps every appended column at N/A.
	for _, col := range []string{
		"Manifested", "First Appointment Available (Before)", "Departed Terminal",
		"First Appointment Available (After)", "Empty Received",
	} {
		if got := filtered.Get(1, col); got != "N/A" {
			t.Fatalf("export row %s: expected N/A, got %q", col, got)
		}
	}

	// CONT005: import past pregate -> DROP EMPTY -> After column.
	if got := filtered.Get(2, "First Appointment Available (After)"); got != "10/10/2025" {
		t.Fatalf("CONT005 after: %q", got)
	}
	if got := filtered.Get(2, "Empty Received"); got != "04/02/2025" {
		t.Fatalf("CONT005 empty received: %q", got)
	}

	// Stage outputs and master mirrors on disk.
	for _, path := range []string{
		filepath.Join(query.FolderPath, artifacts.ContainersFile),
		filepath.Join(query.FolderPath, artifacts.AppointmentsFile),
		filepath.Join(h.art.PlatformRoot(h.tenant.ID, "emodal"), artifacts.ContainersFile),
		filepath.Join(h.art.PlatformRoot(h.tenant.ID, "emodal"), artifacts.AppointmentsFile),
	} {
		if _, err := os.Stat(path); err != nil {
			t.Fatalf("missing artifact %s: %v", path, err)
		}
	}

	progress := h.art.ReadProgress(query.FolderPath)
	if len(progress) != 3 {
		t.Fatalf("expected 3 progress entries, got %d", len(progress))
	}
	for id, entry := range progress {
		if entry.Status != models.CheckStatusOK {
			t.Fatalf("item %s: expected ok, got %s", id, entry.Status)
		}
	}

	// Session used by the run is persisted on the tenant.
	stored, err := h.store.GetTenant(context.Background(), h.tenant.ID)
	if err != nil {
		t.Fatalf("get tenant failed: %v", err)
	}
	if stored.SessionID == nil || *stored.SessionID != "sess-1" {
		t.Fatalf("expected sess-1 persisted, got %v", stored.SessionID)
	}
}

func TestRun_SessionInvalidationMidStage4(t *testing.T) {
	fake := newFakeUpstream(t)
	fake.containersXLSX = xlsxBytes(t, &artifacts.Table{
		Header: []string{"Container #", "Trade Type", "Holds", "Pregate Ticket#", "Current Loc", "Origin", "Destination"},
		Rows: [][]string{
			{"IMP001", "IMPORT", "NO", "N/A", "TTI", "", ""},
			{"IMP002", "IMPORT", "NO", "N/A", "TTI", "", ""},
			{"IMP003", "IMPORT", "NO", "N/A", "TTI", "", ""},
			{"IMP004", "IMPORT", "NO", "N/A", "TTI", "", ""},
			{"IMP005", "IMPORT", "NO", "N/A", "TTI", "", ""},
		},
	})
	imports := make([]map[string]any, 0, 5)
	for i := 1; i <= 5; i++ {
		imports = append(imports, map[string]any{
			"container_id": fmt.Sprintf("IMP%03d", i), "pregate_passed": false, "timeline": []map[string]any{},
		})
	}
	fake.bulkResponse = map[string]any{"success": true, "import_results": imports, "export_results": []map[string]any{}}
	fake.invalidateBeforeProbe = 3 // third probe call finds its session expired

	h := newHarness(t, fake)
	query := h.runQuery(t, 1700000000)

	if query.Status != models.QueryStatusCompleted {
		t.Fatalf("expected completed, got %s (%v)", query.Status, query.ErrorMessage)
	}
	if query.SummaryStats.ProbesOK != 5 || query.SummaryStats.ProbesFailed != 0 {
		t.Fatalf("unexpected probe counts: %+v", query.SummaryStats)
	}

	// Exactly one recovery happened.
	if fake.sessionSeq != 2 {
		t.Fatalf("expected 2 sessions acquired, got %d", fake.sessionSeq)
	}
	stored, _ := h.store.GetTenant(context.Background(), h.tenant.ID)
	if stored.SessionID == nil || *stored.SessionID != "sess-2" {
		t.Fatalf("expected sess-2 persisted, got %v", stored.SessionID)
	}
}

func TestRun_PartialProbeFailure(t *testing.T) {
	fake := newFakeUpstream(t)
	fake.containersXLSX = mixedContainers(t)
	fake.bulkResponse = mixedBulk()
	fake.probeTransientFail["CONT001"] = 2 // both attempts fail

	h := newHarness(t, fake)
	query := h.runQuery(t, 1700000000)

	if query.Status != models.QueryStatusCompleted {
		t.Fatalf("expected completed despite item failure, got %s (%v)", query.Status, query.ErrorMessage)
	}
	if query.SummaryStats.ProbesOK != 2 || query.SummaryStats.ProbesFailed != 1 {
		t.Fatalf("unexpected probe counts: %+v", query.SummaryStats)
	}

	progress := h.art.ReadProgress(query.FolderPath)
	if progress["CONT001"].Status != models.CheckStatusFailed {
		t.Fatalf("expected CONT001 failed in progress, got %+v", progress["CONT001"])
	}

	filtered, err := artifacts.ReadTable(filepath.Join(query.FolderPath, artifacts.FilteredFile))
	if err != nil {
		t.Fatalf("read filtered failed: %v", err)
	}
	if got := filtered.Get(0, "First Appointment Available (Before)"); got != "N/A" {
		t.Fatalf("failed item should keep N/A, got %q", got)
	}
}

func TestRun_ExportWithoutBookingFails(t *testing.T) {
	fake := newFakeUpstream(t)
	fake.containersXLSX = mixedContainers(t)
	bulk := mixedBulk()
	bulk["export_results"] = []map[string]any{} // no booking for CONT004
	fake.bulkResponse = bulk

	h := newHarness(t, fake)
	query := h.runQuery(t, 1700000000)

	if query.Status != models.QueryStatusCompleted {
		t.Fatalf("expected completed, got %s (%v)", query.Status, query.ErrorMessage)
	}
	if query.SummaryStats.ProbesOK != 2 || query.SummaryStats.ProbesFailed != 1 {
		t.Fatalf("unexpected probe counts: %+v", query.SummaryStats)
	}
	progress := h.art.ReadProgress(query.FolderPath)
	if progress["CONT004"].Status != models.CheckStatusFailed {
		t.Fatalf("expected CONT004 failed, got %+v", progress["CONT004"])
	}
}

func TestRun_CancelledByNewerJob(t *testing.T) {
	fake := newFakeUpstream(t)
	fake.containersXLSX = mixedContainers(t)
	fake.bulkResponse = mixedBulk()

	h := newHarness(t, fake)

	// A newer query already exists when this run reaches stage 4.
	newerID := models.NewQueryID(h.tenant.ID, time.Unix(1700000500, 0))
	newer := &models.Query{
		QueryID:   newerID,
		TenantID:  h.tenant.ID,
		Platform:  models.PlatformEModal,
		Status:    models.QueryStatusPending,
		StartedAt: time.Now().UTC(),
	}
	if err := h.store.CreateQuery(context.Background(), newer); err != nil {
		t.Fatalf("create newer query failed: %v", err)
	}

	query := h.runQuery(t, 1700000000)

	if query.Status != models.QueryStatusFailed {
		t.Fatalf("expected failed, got %s", query.Status)
	}
	if query.ErrorMessage == nil || *query.ErrorMessage != "cancelled by newer job" {
		t.Fatalf("unexpected error message: %v", query.ErrorMessage)
	}

	// Artifacts written before the cancellation point remain.
	if _, err := os.Stat(filepath.Join(query.FolderPath, artifacts.ContainersFile)); err != nil {
		t.Fatalf("pre-cancellation artifact missing: %v", err)
	}
}

func TestLaunch_MonotonicOrdinals(t *testing.T) {
	fake := newFakeUpstream(t)
	fake.containersXLSX = mixedContainers(t)
	fake.bulkResponse = mixedBulk()
	h := newHarness(t, fake)

	first := h.exec.nextOrdinal(h.tenant.ID)
	second := h.exec.nextOrdinal(h.tenant.ID)
	if second <= first {
		t.Fatalf("ordinals not monotonic: %d then %d", first, second)
	}
}

package pipeline

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"emodal_harvester/artifacts"
	"emodal_harvester/config"
	"emodal_harvester/emodal"
	"emodal_harvester/models"
	"emodal_harvester/session"
	"emodal_harvester/storage"
)

// Executor drives one harvest run through its five stages: list the
// containers, filter them, enrich in bulk, probe appointments per item,
// and list the appointments. Each run owns one worker; stages and items
// are strictly sequential because the upstream is a shared browser.
type Executor struct {
	bg        context.Context
	store     storage.Store
	artifacts *artifacts.Store
	sessions  *session.Manager
	client    *emodal.Client

	checkpointEvery int
	trucking        string
	terminals       map[string]string

	mu          sync.Mutex
	tenantLocks map[int64]*sync.Mutex
	lastOrdinal map[int64]int64
}

func New(bg context.Context, store storage.Store, art *artifacts.Store, sessions *session.Manager, client *emodal.Client, cfg *config.Config) *Executor {
	e := &Executor{
		bg:              bg,
		store:           store,
		artifacts:       art,
		sessions:        sessions,
		client:          client,
		checkpointEvery: cfg.Pipeline.CheckpointEvery,
		trucking:        defaultTruckingCompany,
		terminals:       defaultTerminals,
		tenantLocks:     make(map[int64]*sync.Mutex),
		lastOrdinal:     make(map[int64]int64),
	}

	if platform, ok := cfg.Platforms[models.PlatformEModal]; ok {
		if len(platform.TruckingCompanies) > 0 {
			e.trucking = platform.TruckingCompanies[0]
		}
		if len(platform.Terminals) > 0 {
			merged := make(map[string]string, len(defaultTerminals)+len(platform.Terminals))
			for k, v := range defaultTerminals {
				merged[k] = v
			}
			for k, v := range platform.Terminals {
				merged[k] = v
			}
			e.terminals = merged
		}
	}
	return e
}

// Launch creates a pending query record and starts its run in the
// background. Returns immediately with the new record.
func (e *Executor) Launch(ctx context.Context, tenant *models.Tenant) (*models.Query, error) {
	ordinal := e.nextOrdinal(tenant.ID)
	queryID := fmt.Sprintf("q_%d_%d", tenant.ID, ordinal)

	query := &models.Query{
		QueryID:    queryID,
		TenantID:   tenant.ID,
		Platform:   models.PlatformEModal,
		Status:     models.QueryStatusPending,
		FolderPath: e.artifacts.QueryFolder(tenant.ID, models.PlatformEModal, queryID),
		StartedAt:  time.Now().UTC(),
	}
	if err := e.store.CreateQuery(ctx, query); err != nil {
		return nil, err
	}

	snapshot := *tenant
	go e.Run(&snapshot, query)
	return query, nil
}

// nextOrdinal hands out unix-second job ordinals, monotonic per tenant
// even when two triggers land within the same second.
func (e *Executor) nextOrdinal(tenantID int64) int64 {
	e.mu.Lock()
	defer e.mu.Unlock()

	ordinal := time.Now().Unix()
	if last := e.lastOrdinal[tenantID]; ordinal <= last {
		ordinal = last + 1
	}
	e.lastOrdinal[tenantID] = ordinal
	return ordinal
}

func (e *Executor) tenantLock(tenantID int64) *sync.Mutex {
	e.mu.Lock()
	defer e.mu.Unlock()
	lock, ok := e.tenantLocks[tenantID]
	if !ok {
		lock = &sync.Mutex{}
		e.tenantLocks[tenantID] = lock
	}
	return lock
}

// Run executes the full pipeline for one query. The per-tenant lock
// keeps at most one query in_progress per tenant; a queued run waits its
// turn (and is typically cancelled moments later by the newer-job rule
// if yet another trigger arrives).
func (e *Executor) Run(tenant *models.Tenant, query *models.Query) {
	lock := e.tenantLock(tenant.ID)
	lock.Lock()
	defer lock.Unlock()

	ctx := e.bg
	ordinal, _ := models.Ordinal(query.QueryID)

	folder, err := e.artifacts.EnsureQueryDirs(tenant.ID, query.Platform, query.QueryID)
	if err != nil {
		e.finish(ctx, query, nil, err)
		return
	}
	query.FolderPath = folder

	if err := e.store.SetQueryInProgress(ctx, query.QueryID); err != nil {
		log.Printf("pipeline: %s: mark in_progress failed: %v", query.QueryID, err)
		return
	}
	log.Printf("pipeline: %s: started for tenant %d", query.QueryID, tenant.ID)

	stats := &models.SummaryStats{}
	start := time.Now()
	err = e.execute(ctx, tenant, query, ordinal, stats)
	stats.DurationSeconds = int(time.Since(start).Seconds())
	e.finish(ctx, query, stats, err)
}

func (e *Executor) finish(ctx context.Context, query *models.Query, stats *models.SummaryStats, err error) {
	if err != nil {
		msg := err.Error()
		if ferr := e.store.FinishQuery(ctx, query.QueryID, models.QueryStatusFailed, stats, &msg); ferr != nil {
			log.Printf("pipeline: %s: finish failed: %v", query.QueryID, ferr)
		}
		log.Printf("pipeline: %s: failed: %v", query.QueryID, err)
		return
	}
	if ferr := e.store.FinishQuery(ctx, query.QueryID, models.QueryStatusCompleted, stats, nil); ferr != nil {
		log.Printf("pipeline: %s: finish failed: %v", query.QueryID, ferr)
	}
	log.Printf("pipeline: %s: completed: %d listed, %d filtered, %d ok, %d failed",
		query.QueryID, stats.TotalsList, stats.TotalsFiltered, stats.ProbesOK, stats.ProbesFailed)
}

// runStage runs fn once and, when the failure is recoverable, once more
// with a fresh session. Session recovery itself can end the job with
// ErrCancelledByNewerJob.
func (e *Executor) runStage(ctx context.Context, tenant *models.Tenant, ordinal int64, sess *string, fn func(string) error) error {
	err := fn(*sess)
	if err == nil {
		return nil
	}
	if !emodal.IsSessionInvalid(err) && !emodal.IsTransient(err) {
		return err
	}

	log.Printf("pipeline: tenant %d: stage error (%v), recovering session", tenant.ID, err)
	newSess, rerr := e.sessions.Recover(ctx, tenant, ordinal)
	if rerr != nil {
		return rerr
	}
	*sess = newSess
	return fn(*sess)
}

func (e *Executor) execute(ctx context.Context, tenant *models.Tenant, query *models.Query, ordinal int64, stats *models.SummaryStats) error {
	sess, err := e.sessions.Ensure(ctx, tenant, ordinal)
	if err != nil {
		return fmt.Errorf("ensure session: %w", err)
	}

	folder := query.FolderPath
	containersPath := filepath.Join(folder, artifacts.ContainersFile)
	filteredPath := filepath.Join(folder, artifacts.FilteredFile)
	appointmentsPath := filepath.Join(folder, artifacts.AppointmentsFile)

	// Stage 1: list containers.
	err = e.runStage(ctx, tenant, ordinal, &sess, func(s string) error {
		resp, err := e.client.ListContainers(ctx, s)
		if err != nil {
			return err
		}
		data, _, err := e.client.Download(ctx, resp.FileURL)
		if err != nil {
			return err
		}
		return e.artifacts.WriteFile(containersPath, data)
	})
	if err != nil {
		return fmt.Errorf("list containers: %w", err)
	}
	if err := e.artifacts.MirrorMaster(tenant.ID, query.Platform, artifacts.ContainersFile, containersPath); err != nil {
		log.Printf("pipeline: %s: master mirror update failed: %v", query.QueryID, err)
	}

	all, err := artifacts.ReadTable(containersPath)
	if err != nil {
		return fmt.Errorf("read containers: %w", err)
	}
	stats.TotalsList = len(all.Rows)

	// Stage 2: filter.
	filtered := filterContainers(all)
	if err := e.artifacts.WriteTable(filteredPath, filtered); err != nil {
		return fmt.Errorf("write filtered: %w", err)
	}
	stats.TotalsFiltered = len(filtered.Rows)
	log.Printf("pipeline: %s: filtered %d of %d containers", query.QueryID, len(filtered.Rows), len(all.Rows))

	// Stage 3: bulk enrich.
	imports, bookings, err := e.bulkEnrich(ctx, tenant, ordinal, &sess, filtered, stats)
	if err != nil {
		return fmt.Errorf("bulk enrich: %w", err)
	}
	if err := e.artifacts.WriteTable(filteredPath, filtered); err != nil {
		return fmt.Errorf("write filtered: %w", err)
	}

	// Stage 4: per-item appointment probes.
	if err := e.probeItems(ctx, tenant, query, ordinal, &sess, filtered, filteredPath, imports, bookings, stats); err != nil {
		return err
	}

	// Stage 5: list appointments.
	var appointmentsCount int
	err = e.runStage(ctx, tenant, ordinal, &sess, func(s string) error {
		resp, err := e.client.ListAppointments(ctx, s)
		if err != nil {
			return err
		}
		data, _, err := e.client.Download(ctx, resp.FileURL)
		if err != nil {
			return err
		}
		appointmentsCount = resp.Count
		return e.artifacts.WriteFile(appointmentsPath, data)
	})
	if err != nil {
		return fmt.Errorf("list appointments: %w", err)
	}
	if err := e.artifacts.MirrorMaster(tenant.ID, query.Platform, artifacts.AppointmentsFile, appointmentsPath); err != nil {
		log.Printf("pipeline: %s: master mirror update failed: %v", query.QueryID, err)
	}
	stats.TotalAppointments = appointmentsCount

	return nil
}

// bulkEnrich partitions the filtered rows by trade type, fetches the
// enrichment batch in one call, and fills the three timeline columns on
// import rows. Returns the import records and the export booking map.
func (e *Executor) bulkEnrich(ctx context.Context, tenant *models.Tenant, ordinal int64, sess *string, filtered *artifacts.Table, stats *models.SummaryStats) (map[string]emodal.ImportInfo, map[string]string, error) {
	var importIDs, exportIDs []string
	for i := range filtered.Rows {
		id := strings.TrimSpace(filtered.Get(i, colContainer))
		if id == "" {
			continue
		}
		if isImportRow(filtered, i) {
			importIDs = append(importIDs, id)
		} else {
			exportIDs = append(exportIDs, id)
		}
	}
	stats.TotalsImport = len(importIDs)
	stats.TotalsExport = len(exportIDs)

	imports := make(map[string]emodal.ImportInfo)
	bookings := make(map[string]string)
	if len(importIDs) == 0 && len(exportIDs) == 0 {
		return imports, bookings, nil
	}

	var resp *emodal.BulkInfoResponse
	err := e.runStage(ctx, tenant, ordinal, sess, func(s string) error {
		var err error
		resp, err = e.client.GetBulkInfo(ctx, s, importIDs, exportIDs)
		return err
	})
	if err != nil {
		return nil, nil, err
	}

	for _, info := range resp.Imports {
		imports[info.ContainerID] = info
	}
	for _, info := range resp.Exports {
		if info.BookingNumber != "" {
			bookings[info.ContainerID] = info.BookingNumber
		}
	}

	for i := range filtered.Rows {
		if !isImportRow(filtered, i) {
			continue
		}
		info, ok := imports[strings.TrimSpace(filtered.Get(i, colContainer))]
		if !ok {
			continue
		}
		filtered.Set(i, colManifested, milestoneDate(info.Timeline, colManifested))
		filtered.Set(i, colDepartedTerminal, milestoneDate(info.Timeline, colDepartedTerminal))
		filtered.Set(i, colEmptyReceived, milestoneDate(info.Timeline, colEmptyReceived))
	}

	return imports, bookings, nil
}

func (e *Executor) probeItems(ctx context.Context, tenant *models.Tenant, query *models.Query, ordinal int64, sess *string, filtered *artifacts.Table, filteredPath string, imports map[string]emodal.ImportInfo, bookings map[string]string, stats *models.SummaryStats) error {
	folder := query.FolderPath
	progress := e.artifacts.ReadProgress(folder)
	processed := 0

	flushTable := func() {
		if err := e.artifacts.WriteTable(filteredPath, filtered); err != nil {
			log.Printf("pipeline: %s: filtered flush failed: %v", query.QueryID, err)
		}
	}

	for i := range filtered.Rows {
		containerID := strings.TrimSpace(filtered.Get(i, colContainer))
		if containerID == "" {
			continue
		}
		if entry, ok := progress[containerID]; ok && entry.Status == models.CheckStatusOK {
			continue
		}

		// Newer-job cancellation point, observed between items.
		if newer, err := e.store.FindNewer(ctx, tenant.ID, ordinal); err == nil && newer {
			return session.ErrCancelledByNewerJob
		}

		isImport := isImportRow(filtered, i)
		code := terminalCode(
			filtered.Get(i, colCurrentLoc),
			filtered.Get(i, colOrigin),
			filtered.Get(i, colDestination),
			isImport,
		)
		terminal := resolveTerminal(e.terminals, code)

		info, hasInfo := imports[containerID]
		move := moveType(isImport, hasInfo && info.PregatePassed)

		identifier := containerID
		if !isImport {
			booking, ok := bookings[containerID]
			if !ok {
				log.Printf("pipeline: %s: export %s has no booking number, marking failed", query.QueryID, containerID)
				e.recordItem(folder, progress, containerID, models.CheckStatusFailed)
				stats.ProbesFailed++
				processed++
				continue
			}
			identifier = booking
		}

		resp, err := e.probeWithRetry(ctx, tenant, ordinal, sess, emodal.ProbeRequest{
			TradeType:       strings.ToUpper(strings.TrimSpace(filtered.Get(i, colTradeType))),
			TruckingCompany: e.trucking,
			Terminal:        terminal,
			MoveType:        move,
			ContainerID:     identifier,
			ContainerNumber: containerID,
			TruckPlate:      "ABC123",
			OwnChassis:      false,
		})
		if err != nil {
			if err == session.ErrCancelledByNewerJob || ctx.Err() != nil {
				return err
			}
			if _, fatal := err.(*recoveryError); fatal {
				return err
			}
			log.Printf("pipeline: %s: probe failed for %s: %v", query.QueryID, containerID, err)
			e.recordItem(folder, progress, containerID, models.CheckStatusFailed)
			stats.ProbesFailed++
			processed++
			continue
		}

		epoch := time.Now().Unix()
		e.saveProbeArtifacts(ctx, query, containerID, epoch, terminal, move, identifier, resp)

		if isImport {
			date := earliestAppointment(resp.AvailableTimes)
			if move == MovePickFull {
				filtered.Set(i, colApptBefore, date)
			} else {
				filtered.Set(i, colApptAfter, date)
			}
		} else if resp.CalendarFound != nil && !*resp.CalendarFound {
			log.Printf("pipeline: %s: export %s: no appointment calendar found", query.QueryID, containerID)
		}

		e.recordItem(folder, progress, containerID, models.CheckStatusOK)
		stats.ProbesOK++
		processed++

		if processed%e.checkpointEvery == 0 {
			flushTable()
		}
	}

	flushTable()
	if err := e.artifacts.WriteProgress(folder, progress); err != nil {
		log.Printf("pipeline: %s: progress write failed: %v", query.QueryID, err)
	}
	return nil
}

// recoveryError marks a session recovery failure inside the probe loop;
// unlike a per-item failure it ends the whole job.
type recoveryError struct{ err error }

func (r *recoveryError) Error() string { return r.err.Error() }
func (r *recoveryError) Unwrap() error { return r.err }

// probeWithRetry gives each item two attempts: the second after session
// recovery for SessionInvalid, or plain for Transient and upstream-side
// per-item failures.
func (e *Executor) probeWithRetry(ctx context.Context, tenant *models.Tenant, ordinal int64, sess *string, req emodal.ProbeRequest) (*emodal.ProbeResponse, error) {
	var lastErr error
	for attempt := 0; attempt < 2; attempt++ {
		req.SessionID = *sess
		resp, err := e.client.ProbeAppointments(ctx, req)
		if err == nil {
			if resp.Success {
				return resp, nil
			}
			lastErr = fmt.Errorf("probe unsuccessful: %s", orUnknown(resp.Error))
			continue
		}

		lastErr = err
		if emodal.IsSessionInvalid(err) {
			newSess, rerr := e.sessions.Recover(ctx, tenant, ordinal)
			if rerr != nil {
				if rerr == session.ErrCancelledByNewerJob {
					return nil, rerr
				}
				return nil, &recoveryError{err: rerr}
			}
			*sess = newSess
			continue
		}
		if emodal.IsTransient(err) {
			continue
		}
		break // permanent, no point retrying
	}
	return nil, lastErr
}

func orUnknown(msg string) string {
	if msg == "" {
		return "unknown error"
	}
	return msg
}

// saveProbeArtifacts persists the combined response payload and the
// screenshot. Artifact failures are logged, not fatal; the probe itself
// succeeded.
func (e *Executor) saveProbeArtifacts(ctx context.Context, query *models.Query, containerID string, epoch int64, terminal, move, identifier string, resp *emodal.ProbeResponse) {
	payload, err := json.MarshalIndent(map[string]any{
		"container_number":  containerID,
		"identifier":        identifier,
		"terminal":          terminal,
		"move_type":         move,
		"trucking_company":  e.trucking,
		"appointment_check": resp,
		"timestamp":         epoch,
	}, "", "  ")
	if err == nil {
		if err := e.artifacts.WriteResponse(query.FolderPath, containerID, epoch, payload); err != nil {
			log.Printf("pipeline: %s: response write failed for %s: %v", query.QueryID, containerID, err)
		}
	}

	if resp.ScreenshotURL == "" {
		return
	}
	shot, _, err := e.client.Download(ctx, resp.ScreenshotURL)
	if err != nil {
		log.Printf("pipeline: %s: screenshot download failed for %s: %v", query.QueryID, containerID, err)
		return
	}
	if err := e.artifacts.WriteScreenshot(query.FolderPath, containerID, epoch, shot); err != nil {
		log.Printf("pipeline: %s: screenshot write failed for %s: %v", query.QueryID, containerID, err)
	}
}

func (e *Executor) recordItem(folder string, progress models.CheckProgress, containerID string, status models.CheckStatus) {
	progress[containerID] = models.CheckEntry{Status: status, Epoch: time.Now().Unix()}
	if err := e.artifacts.WriteProgress(folder, progress); err != nil {
		log.Printf("pipeline: progress write failed for %s: %v", containerID, err)
	}
}

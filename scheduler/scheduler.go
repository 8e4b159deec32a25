package scheduler

import (
	"context"
	"fmt"
	"log"
	"sync"

	"github.com/robfig/cron/v3"

	"emodal_harvester/models"
	"emodal_harvester/storage"
)

// Launcher starts a background pipeline run for a tenant.
type Launcher interface {
	Launch(ctx context.Context, tenant *models.Tenant) (*models.Query, error)
}

// Scheduler owns one cron entry per schedule-enabled tenant. Ticks
// coalesce: a tick is skipped outright while the tenant still has a
// query in progress.
type Scheduler struct {
	store    storage.Store
	launcher Launcher
	cron     *cron.Cron

	mu      sync.Mutex
	entries map[int64]cron.EntryID
}

func New(store storage.Store, launcher Launcher) *Scheduler {
	return &Scheduler{
		store:    store,
		launcher: launcher,
		cron:     cron.New(),
		entries:  make(map[int64]cron.EntryID),
	}
}

// Start arms an entry for every schedule-enabled tenant and starts the
// cron loop.
func (s *Scheduler) Start(ctx context.Context) error {
	tenants, err := s.store.ListScheduledTenants(ctx)
	if err != nil {
		return fmt.Errorf("list scheduled tenants: %w", err)
	}

	for i := range tenants {
		t := tenants[i]
		if err := s.arm(ctx, t.ID, t.ScheduleFrequency); err != nil {
			log.Printf("scheduler: arm tenant %d: %v", t.ID, err)
		}
	}

	s.cron.Start()
	log.Printf("scheduler: started with %d tenant entries", len(tenants))
	return nil
}

func (s *Scheduler) Stop() {
	s.cron.Stop()
}

func (s *Scheduler) arm(ctx context.Context, tenantID int64, frequencyMinutes int) error {
	if frequencyMinutes < 1 {
		return fmt.Errorf("frequency must be at least 1 minute")
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if id, ok := s.entries[tenantID]; ok {
		s.cron.Remove(id)
		delete(s.entries, tenantID)
	}

	spec := fmt.Sprintf("@every %dm", frequencyMinutes)
	id, err := s.cron.AddFunc(spec, func() {
		s.tick(ctx, tenantID)
	})
	if err != nil {
		return err
	}
	s.entries[tenantID] = id
	return nil
}

func (s *Scheduler) disarm(tenantID int64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if id, ok := s.entries[tenantID]; ok {
		s.cron.Remove(id)
		delete(s.entries, tenantID)
	}
}

// tick enqueues one run for a tenant unless one is already in progress.
func (s *Scheduler) tick(ctx context.Context, tenantID int64) {
	tenant, err := s.store.GetTenant(ctx, tenantID)
	if err != nil || tenant == nil {
		log.Printf("scheduler: tick tenant %d: %v", tenantID, err)
		return
	}
	if !tenant.ScheduleEnabled {
		return
	}

	busy, err := s.store.HasInProgress(ctx, tenantID)
	if err != nil {
		log.Printf("scheduler: tick tenant %d: in-progress check: %v", tenantID, err)
		return
	}
	if busy {
		log.Printf("scheduler: tenant %d still has a query in progress, skipping tick", tenantID)
		return
	}

	query, err := s.launcher.Launch(ctx, tenant)
	if err != nil {
		log.Printf("scheduler: tenant %d: launch failed: %v", tenantID, err)
		return
	}
	log.Printf("scheduler: tenant %d: launched %s", tenantID, query.QueryID)
}

// Pause disables a tenant's schedule and cancels future ticks. A run
// already in flight is unaffected.
func (s *Scheduler) Pause(ctx context.Context, tenant *models.Tenant) error {
	if err := s.store.UpdateTenantSchedule(ctx, tenant.ID, false, tenant.ScheduleFrequency); err != nil {
		return err
	}
	tenant.ScheduleEnabled = false
	s.disarm(tenant.ID)
	log.Printf("scheduler: tenant %d paused", tenant.ID)
	return nil
}

// Resume re-enables and re-arms a tenant's schedule.
func (s *Scheduler) Resume(ctx context.Context, tenant *models.Tenant) error {
	if err := s.store.UpdateTenantSchedule(ctx, tenant.ID, true, tenant.ScheduleFrequency); err != nil {
		return err
	}
	tenant.ScheduleEnabled = true
	log.Printf("scheduler: tenant %d resumed", tenant.ID)
	return s.arm(ctx, tenant.ID, tenant.ScheduleFrequency)
}

// UpdateSchedule persists new settings and re-arms or disarms the entry.
func (s *Scheduler) UpdateSchedule(ctx context.Context, tenant *models.Tenant, enabled bool, frequencyMinutes int) error {
	if frequencyMinutes < 1 {
		return fmt.Errorf("frequency must be at least 1 minute")
	}
	if err := s.store.UpdateTenantSchedule(ctx, tenant.ID, enabled, frequencyMinutes); err != nil {
		return err
	}
	tenant.ScheduleEnabled = enabled
	tenant.ScheduleFrequency = frequencyMinutes

	if !enabled {
		s.disarm(tenant.ID)
		return nil
	}
	return s.arm(ctx, tenant.ID, frequencyMinutes)
}

// Register arms a newly created tenant if its schedule is enabled.
func (s *Scheduler) Register(ctx context.Context, tenant *models.Tenant) error {
	if !tenant.ScheduleEnabled {
		return nil
	}
	return s.arm(ctx, tenant.ID, tenant.ScheduleFrequency)
}

// Unregister disarms a deleted tenant.
func (s *Scheduler) Unregister(tenantID int64) {
	s.disarm(tenantID)
}

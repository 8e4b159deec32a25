package session

import (
	"context"
	"errors"
	"fmt"
	"log"
	"time"

	"emodal_harvester/artifacts"
	"emodal_harvester/emodal"
	"emodal_harvester/models"
	"emodal_harvester/storage"
)

// ErrCancelledByNewerJob ends a run whose tenant has triggered a newer
// job. It is terminal and never retried.
var ErrCancelledByNewerJob = errors.New("cancelled by newer job")

// Manager owns each tenant's upstream session: reuse, invalidation, and
// re-acquisition with a cancelable backoff on auth failures.
type Manager struct {
	store     storage.Store
	artifacts *artifacts.Store
	client    *emodal.Client

	MaxRetries int
	RetryDelay time.Duration
	PollEvery  time.Duration
}

func NewManager(store storage.Store, art *artifacts.Store, client *emodal.Client, maxRetries int, retryDelay time.Duration) *Manager {
	return &Manager{
		store:      store,
		artifacts:  art,
		client:     client,
		MaxRetries: maxRetries,
		RetryDelay: retryDelay,
		PollEvery:  time.Minute,
	}
}

// Ensure returns the tenant's current session if one is known, without
// touching the upstream; otherwise it acquires a new one. ordinal is the
// calling job's ordinal, 0 when no job is driving the call.
func (m *Manager) Ensure(ctx context.Context, tenant *models.Tenant, ordinal int64) (string, error) {
	if tenant.SessionID != nil && *tenant.SessionID != "" {
		return *tenant.SessionID, nil
	}
	return m.acquire(ctx, tenant, ordinal)
}

// Recover drops the current session unconditionally, persisting the nil
// first so a crash mid-recovery never leaves a dead session behind, then
// acquires a fresh one.
func (m *Manager) Recover(ctx context.Context, tenant *models.Tenant, ordinal int64) (string, error) {
	log.Printf("session: recovering session for tenant %d", tenant.ID)
	tenant.SessionID = nil
	if err := m.store.UpdateTenantSession(ctx, tenant.ID, nil); err != nil {
		return "", fmt.Errorf("drop session: %w", err)
	}
	return m.acquire(ctx, tenant, ordinal)
}

func (m *Manager) acquire(ctx context.Context, tenant *models.Tenant, ordinal int64) (string, error) {
	creds, err := m.credentials(tenant)
	if err != nil {
		return "", err
	}

	// Prefer adopting a session the upstream already holds for this
	// username over spending a fresh captcha solve.
	sessions, err := m.client.ListActiveSessions(ctx, creds.Username)
	if err != nil {
		log.Printf("session: active-session lookup failed for tenant %d: %v", tenant.ID, err)
	} else if len(sessions) > 0 {
		log.Printf("session: adopting active session for tenant %d", tenant.ID)
		return m.persist(ctx, tenant, sessions[0])
	}

	for attempt := 1; ; attempt++ {
		resp, err := m.client.AcquireSession(ctx, creds)
		if err == nil {
			return m.persist(ctx, tenant, resp.SessionID)
		}
		if !emodal.IsAuthInvalid(err) {
			return "", err
		}
		if attempt >= m.MaxRetries {
			return "", fmt.Errorf("session acquisition failed after %d attempts: %w", attempt, err)
		}

		log.Printf("session: upstream rejected credentials for tenant %d (attempt %d/%d), waiting %s",
			tenant.ID, attempt, m.MaxRetries, m.RetryDelay)
		if err := m.wait(ctx, tenant.ID, ordinal); err != nil {
			return "", err
		}
	}
}

// wait sleeps RetryDelay in PollEvery quanta, checking between quanta
// whether a newer job for the tenant has appeared.
func (m *Manager) wait(ctx context.Context, tenantID, ordinal int64) error {
	deadline := time.Now().Add(m.RetryDelay)
	for {
		remaining := time.Until(deadline)
		if remaining <= 0 {
			return nil
		}
		quantum := m.PollEvery
		if remaining < quantum {
			quantum = remaining
		}

		timer := time.NewTimer(quantum)
		select {
		case <-ctx.Done():
			timer.Stop()
			return ctx.Err()
		case <-timer.C:
		}

		if ordinal > 0 {
			newer, err := m.store.FindNewer(ctx, tenantID, ordinal)
			if err != nil {
				log.Printf("session: find-newer check failed for tenant %d: %v", tenantID, err)
				continue
			}
			if newer {
				return ErrCancelledByNewerJob
			}
		}
	}
}

func (m *Manager) persist(ctx context.Context, tenant *models.Tenant, sessionID string) (string, error) {
	if err := m.store.UpdateTenantSession(ctx, tenant.ID, &sessionID); err != nil {
		return "", fmt.Errorf("persist session: %w", err)
	}
	tenant.SessionID = &sessionID
	return sessionID, nil
}

func (m *Manager) credentials(tenant *models.Tenant) (models.Credentials, error) {
	file, err := m.artifacts.ReadCredentials(tenant.ID)
	if err != nil {
		return models.Credentials{}, err
	}
	creds, ok := file[models.PlatformEModal]
	if !ok || creds.Username == "" {
		return models.Credentials{}, fmt.Errorf("tenant %d has no emodal credentials", tenant.ID)
	}
	return creds, nil
}

package artifacts

import (
	"archive/zip"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strconv"

	"emodal_harvester/models"
)

const (
	ProgressFile     = "check_progress.json"
	ContainersFile   = "all_containers.xlsx"
	FilteredFile     = "filtered_containers.xlsx"
	AppointmentsFile = "all_appointments.xlsx"
	CredentialsFile  = "user_cre_env.json"

	attemptsDir = "containers_checking_attempts"
)

// Store owns the on-disk tree under the storage root:
//
//	{root}/users/{tenant_id}/{platform}/...
//	{root}/users/{tenant_id}/emodal/queries/{query_id}/...
//
// Every write is an atomic replace so a crash never leaves a partial file.
type Store struct {
	root string
}

func NewStore(root string) *Store {
	return &Store{root: root}
}

func (s *Store) Root() string {
	return s.root
}

func (s *Store) TenantRoot(tenantID int64) string {
	return filepath.Join(s.root, "users", strconv.FormatInt(tenantID, 10))
}

// PlatformRoot is where a platform's master mirrors live.
func (s *Store) PlatformRoot(tenantID int64, platform string) string {
	return filepath.Join(s.TenantRoot(tenantID), platform)
}

func (s *Store) QueryFolder(tenantID int64, platform, queryID string) string {
	return filepath.Join(s.PlatformRoot(tenantID, platform), "queries", queryID)
}

// EnsureTenantDirs creates the per-platform folder tree for a tenant.
func (s *Store) EnsureTenantDirs(tenantID int64) error {
	for _, platform := range models.Platforms {
		dir := s.PlatformRoot(tenantID, platform)
		if platform == models.PlatformEModal {
			dir = filepath.Join(dir, "queries")
		}
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return fmt.Errorf("create tenant dirs: %w", err)
		}
	}
	return nil
}

// EnsureQueryDirs creates the job root and the probe-attempt subtree,
// returning the job root path.
func (s *Store) EnsureQueryDirs(tenantID int64, platform, queryID string) (string, error) {
	folder := s.QueryFolder(tenantID, platform, queryID)
	for _, sub := range []string{
		filepath.Join(attemptsDir, "responses"),
		filepath.Join(attemptsDir, "screenshots"),
	} {
		if err := os.MkdirAll(filepath.Join(folder, sub), 0o755); err != nil {
			return "", fmt.Errorf("create query dirs: %w", err)
		}
	}
	return folder, nil
}

// WriteFile atomically replaces path with data: write a temp file in the
// same directory, fsync, rename.
func (s *Store) WriteFile(path string, data []byte) error {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return err
	}

	tmp, err := os.CreateTemp(dir, ".tmp-*")
	if err != nil {
		return err
	}
	tmpPath := tmp.Name()

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmpPath)
		return err
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		os.Remove(tmpPath)
		return err
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpPath)
		return err
	}
	if err := os.Rename(tmpPath, path); err != nil {
		os.Remove(tmpPath)
		return err
	}
	return nil
}

// WriteResponse stores a probe's combined response payload.
func (s *Store) WriteResponse(queryFolder, containerID string, epoch int64, data []byte) error {
	name := fmt.Sprintf("%s_%d.json", containerID, epoch)
	return s.WriteFile(filepath.Join(queryFolder, attemptsDir, "responses", name), data)
}

// WriteScreenshot stores a probe's screenshot bytes.
func (s *Store) WriteScreenshot(queryFolder, containerID string, epoch int64, data []byte) error {
	name := fmt.Sprintf("%s_%d.png", containerID, epoch)
	return s.WriteFile(filepath.Join(queryFolder, attemptsDir, "screenshots", name), data)
}

// WriteProgress replaces the job's check_progress.json checkpoint.
func (s *Store) WriteProgress(queryFolder string, progress models.CheckProgress) error {
	data, err := json.MarshalIndent(progress, "", "  ")
	if err != nil {
		return err
	}
	return s.WriteFile(filepath.Join(queryFolder, ProgressFile), data)
}

// ReadProgress loads the checkpoint. A missing or corrupt file yields an
// empty map so the run starts from the top.
func (s *Store) ReadProgress(queryFolder string) models.CheckProgress {
	progress := models.CheckProgress{}
	data, err := os.ReadFile(filepath.Join(queryFolder, ProgressFile))
	if err != nil {
		return progress
	}
	if err := json.Unmarshal(data, &progress); err != nil {
		return models.CheckProgress{}
	}
	return progress
}

// MirrorMaster copies a finished stage spreadsheet to the tenant's
// platform root. Every job overwrites the mirror.
func (s *Store) MirrorMaster(tenantID int64, platform, name string, src string) error {
	data, err := os.ReadFile(src)
	if err != nil {
		return err
	}
	return s.WriteFile(filepath.Join(s.PlatformRoot(tenantID, platform), name), data)
}

// WriteCredentials writes the tenant's user_cre_env.json.
func (s *Store) WriteCredentials(tenantID int64, creds models.CredentialFile) error {
	data, err := json.MarshalIndent(creds, "", "  ")
	if err != nil {
		return err
	}
	return s.WriteFile(filepath.Join(s.TenantRoot(tenantID), CredentialsFile), data)
}

// ReadCredentials loads the tenant's user_cre_env.json.
func (s *Store) ReadCredentials(tenantID int64) (models.CredentialFile, error) {
	data, err := os.ReadFile(filepath.Join(s.TenantRoot(tenantID), CredentialsFile))
	if err != nil {
		return nil, fmt.Errorf("read credentials: %w", err)
	}
	var creds models.CredentialFile
	if err := json.Unmarshal(data, &creds); err != nil {
		return nil, fmt.Errorf("parse credentials: %w", err)
	}
	return creds, nil
}

// RemoveTenant deletes a tenant's entire subtree. Used on tenant flush.
func (s *Store) RemoveTenant(tenantID int64) error {
	return os.RemoveAll(s.TenantRoot(tenantID))
}

// ZipQuery streams the job directory as a zip archive.
func (s *Store) ZipQuery(queryFolder string, w io.Writer) error {
	zw := zip.NewWriter(w)

	err := filepath.Walk(queryFolder, func(path string, info os.FileInfo, err error) error {
		if err != nil {
			return err
		}
		if info.IsDir() {
			return nil
		}
		rel, err := filepath.Rel(queryFolder, path)
		if err != nil {
			return err
		}
		f, err := zw.Create(filepath.ToSlash(rel))
		if err != nil {
			return err
		}
		src, err := os.Open(path)
		if err != nil {
			return err
		}
		defer src.Close()
		_, err = io.Copy(f, src)
		return err
	})
	if err != nil {
		zw.Close()
		return err
	}
	return zw.Close()
}

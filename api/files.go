package api

import (
	"fmt"
	"net/http"
	"net/url"
	"os"
	"path/filepath"

	"github.com/gin-gonic/gin"

	"emodal_harvester/artifacts"
	"emodal_harvester/models"
)

// Spreadsheet kinds served by the files surface. The latest_* kinds
// point at the tenant's master mirrors; the job_* kinds at a specific
// query's stage outputs.
const (
	kindLatestList         = "latest_list"
	kindLatestAppointments = "latest_appointments"
	kindJobList            = "job_list"
	kindJobFiltered        = "job_filtered"
	kindJobAppointments    = "job_appointments"
)

func (r *Router) resolveSpreadsheet(c *gin.Context) (string, string, bool) {
	tenant := currentTenant(c)
	kind := c.Query("kind")

	platformRoot := r.artifacts.PlatformRoot(tenant.ID, models.PlatformEModal)
	switch kind {
	case kindLatestList:
		return filepath.Join(platformRoot, artifacts.ContainersFile), kind, true
	case kindLatestAppointments:
		return filepath.Join(platformRoot, artifacts.AppointmentsFile), kind, true
	case kindJobList, kindJobFiltered, kindJobAppointments:
	default:
		c.JSON(http.StatusBadRequest, gin.H{"error": "unknown kind"})
		return "", "", false
	}

	queryID := c.Query("query_id")
	if queryID == "" {
		latest, err := r.store.LatestQuery(c.Request.Context(), tenant.ID)
		if err != nil {
			c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
			return "", "", false
		}
		if latest == nil {
			c.JSON(http.StatusNotFound, gin.H{"error": "no queries yet"})
			return "", "", false
		}
		queryID = latest.QueryID
	}

	query, err := r.store.GetQuery(c.Request.Context(), queryID)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return "", "", false
	}
	if query == nil || query.TenantID != tenant.ID {
		c.JSON(http.StatusNotFound, gin.H{"error": "query not found"})
		return "", "", false
	}

	name := artifacts.ContainersFile
	switch kind {
	case kindJobFiltered:
		name = artifacts.FilteredFile
	case kindJobAppointments:
		name = artifacts.AppointmentsFile
	}
	return filepath.Join(query.FolderPath, name), kind, true
}

// getSpreadsheet returns metadata plus a ready-to-fetch download URL.
func (r *Router) getSpreadsheet(c *gin.Context) {
	tenant := currentTenant(c)

	path, kind, ok := r.resolveSpreadsheet(c)
	if !ok {
		return
	}

	info, err := os.Stat(path)
	if err != nil {
		c.JSON(http.StatusNotFound, gin.H{"error": "spreadsheet not found"})
		return
	}

	downloadURL := fmt.Sprintf("/files/download?kind=%s&token=%s", kind, url.QueryEscape(tenant.Token))
	if queryID := c.Query("query_id"); queryID != "" {
		downloadURL += "&query_id=" + url.QueryEscape(queryID)
	}

	c.JSON(http.StatusOK, gin.H{
		"success":      true,
		"filename":     filepath.Base(path),
		"size":         info.Size(),
		"download_url": downloadURL,
	})
}

// downloadSpreadsheet serves the bytes. The token travels as a query
// parameter here so the URL works without headers.
func (r *Router) downloadSpreadsheet(c *gin.Context) {
	path, _, ok := r.resolveSpreadsheet(c)
	if !ok {
		return
	}
	if _, err := os.Stat(path); err != nil {
		c.JSON(http.StatusNotFound, gin.H{"error": "spreadsheet not found"})
		return
	}
	c.FileAttachment(path, filepath.Base(path))
}

package api

import (
	"fmt"
	"net/http"
	"os"
	"strconv"

	"github.com/gin-gonic/gin"

	"emodal_harvester/storage"
)

// triggerQuery creates a pending query and starts its run in the
// background. No idempotency: two concurrent triggers create two
// queries, and the newer one cancels the older at its next observation
// point.
func (r *Router) triggerQuery(c *gin.Context) {
	tenant := currentTenant(c)

	query, err := r.executor.Launch(c.Request.Context(), tenant)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}

	c.JSON(http.StatusAccepted, gin.H{
		"success":  true,
		"query_id": query.QueryID,
		"status":   query.Status,
		"message":  "Query started",
	})
}

func (r *Router) listQueries(c *gin.Context) {
	tenant := currentTenant(c)

	limit, _ := strconv.Atoi(c.DefaultQuery("limit", "50"))
	offset, _ := strconv.Atoi(c.DefaultQuery("offset", "0"))
	filter := storage.QueryFilter{
		Status: c.Query("status"),
		Limit:  limit,
		Offset: offset,
	}

	queries, total, err := r.store.ListQueries(c.Request.Context(), tenant.ID, filter)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"success": true,
		"queries": queries,
		"total":   total,
		"limit":   limit,
		"offset":  offset,
	})
}

func (r *Router) getQuery(c *gin.Context) {
	tenant := currentTenant(c)

	query, err := r.store.GetQuery(c.Request.Context(), c.Param("query_id"))
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	if query == nil || query.TenantID != tenant.ID {
		c.JSON(http.StatusNotFound, gin.H{"error": "query not found"})
		return
	}

	c.JSON(http.StatusOK, gin.H{"success": true, "query": query})
}

// downloadQuery streams the entire query folder as a zip.
func (r *Router) downloadQuery(c *gin.Context) {
	tenant := currentTenant(c)

	query, err := r.store.GetQuery(c.Request.Context(), c.Param("query_id"))
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	if query == nil || query.TenantID != tenant.ID {
		c.JSON(http.StatusNotFound, gin.H{"error": "query not found"})
		return
	}
	if _, err := os.Stat(query.FolderPath); err != nil {
		c.JSON(http.StatusNotFound, gin.H{"error": "query folder not found"})
		return
	}

	c.Header("Content-Type", "application/zip")
	c.Header("Content-Disposition", fmt.Sprintf("attachment; filename=%s.zip", query.QueryID))
	if err := r.artifacts.ZipQuery(query.FolderPath, c.Writer); err != nil {
		// Headers are gone already; the error is only recorded on the gin
		// context.
		_ = c.Error(err)
	}
}

func (r *Router) deleteQuery(c *gin.Context) {
	tenant := currentTenant(c)

	query, err := r.store.GetQuery(c.Request.Context(), c.Param("query_id"))
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	if query == nil || query.TenantID != tenant.ID {
		c.JSON(http.StatusNotFound, gin.H{"error": "query not found"})
		return
	}

	if err := os.RemoveAll(query.FolderPath); err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	if err := r.store.DeleteQuery(c.Request.Context(), query.QueryID); err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}

	c.JSON(http.StatusOK, gin.H{"success": true, "message": "Query deleted"})
}

package api

import (
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"

	"emodal_harvester/models"
)

type createTenantRequest struct {
	Name              string `json:"name" binding:"required"`
	Username          string `json:"username" binding:"required"`
	EModalUsername    string `json:"emodal_username"`
	EModalPassword    string `json:"emodal_password"`
	EModalCaptchaKey  string `json:"emodal_captcha_key"`
	ScheduleEnabled   bool   `json:"schedule_enabled"`
	ScheduleFrequency int    `json:"schedule_frequency"`
}

// createTenant provisions a tenant: DB row, bearer token, per-platform
// folder tree, and the credentials file the session manager reads.
func (r *Router) createTenant(c *gin.Context) {
	var req createTenantRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	ctx := c.Request.Context()
	if existing, err := r.store.GetTenantByUsername(ctx, req.Username); err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	} else if existing != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "username already exists"})
		return
	}

	frequency := req.ScheduleFrequency
	if frequency < 1 {
		frequency = 60
	}

	tenant := &models.Tenant{
		Name:              req.Name,
		Username:          req.Username,
		Token:             uuid.NewString(),
		ScheduleEnabled:   req.ScheduleEnabled,
		ScheduleFrequency: frequency,
	}
	if err := r.store.CreateTenant(ctx, tenant); err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}

	tenant.FolderPath = r.artifacts.TenantRoot(tenant.ID)
	if err := r.store.UpdateTenantFolder(ctx, tenant.ID, tenant.FolderPath); err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	if err := r.artifacts.EnsureTenantDirs(tenant.ID); err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}

	creds := models.CredentialFile{}
	for _, platform := range models.Platforms {
		creds[platform] = models.Credentials{}
	}
	creds[models.PlatformEModal] = models.Credentials{
		Username:      req.EModalUsername,
		Password:      req.EModalPassword,
		CaptchaAPIKey: req.EModalCaptchaKey,
	}
	if err := r.artifacts.WriteCredentials(tenant.ID, creds); err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}

	if err := r.scheduler.Register(ctx, tenant); err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}

	c.JSON(http.StatusCreated, gin.H{"success": true, "tenant": tenant})
}

func (r *Router) listTenants(c *gin.Context) {
	tenants, err := r.store.ListTenants(c.Request.Context())
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"success": true, "tenants": tenants})
}

func (r *Router) tenantByParam(c *gin.Context) *models.Tenant {
	id, err := strconv.ParseInt(c.Param("id"), 10, 64)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid tenant id"})
		return nil
	}
	tenant, err := r.store.GetTenant(c.Request.Context(), id)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return nil
	}
	if tenant == nil {
		c.JSON(http.StatusNotFound, gin.H{"error": "tenant not found"})
		return nil
	}
	return tenant
}

func (r *Router) getTenant(c *gin.Context) {
	tenant := r.tenantByParam(c)
	if tenant == nil {
		return
	}
	c.JSON(http.StatusOK, gin.H{"success": true, "tenant": tenant})
}

// deleteTenant flushes a tenant: query rows, the tenant row, the cron
// entry, and the whole on-disk subtree.
func (r *Router) deleteTenant(c *gin.Context) {
	tenant := r.tenantByParam(c)
	if tenant == nil {
		return
	}

	ctx := c.Request.Context()
	if err := r.store.DeleteTenantQueries(ctx, tenant.ID); err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	if err := r.store.DeleteTenant(ctx, tenant.ID); err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	r.scheduler.Unregister(tenant.ID)
	if err := r.artifacts.RemoveTenant(tenant.ID); err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}

	c.JSON(http.StatusOK, gin.H{"success": true, "message": "Tenant deleted"})
}

func (r *Router) adminListQueries(c *gin.Context) {
	limit, _ := strconv.Atoi(c.DefaultQuery("limit", "50"))
	queries, err := r.store.ListRecentQueries(c.Request.Context(), limit)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"success": true, "queries": queries})
}

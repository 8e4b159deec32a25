package api

import (
	"net/http"

	"github.com/gin-gonic/gin"
)

func (r *Router) getSchedule(c *gin.Context) {
	tenant := currentTenant(c)
	c.JSON(http.StatusOK, gin.H{
		"success": true,
		"schedule": gin.H{
			"enabled":   tenant.ScheduleEnabled,
			"frequency": tenant.ScheduleFrequency,
		},
	})
}

type scheduleRequest struct {
	Enabled   *bool `json:"enabled"`
	Frequency *int  `json:"frequency"`
}

func (r *Router) updateSchedule(c *gin.Context) {
	tenant := currentTenant(c)

	var req scheduleRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	enabled := tenant.ScheduleEnabled
	if req.Enabled != nil {
		enabled = *req.Enabled
	}
	frequency := tenant.ScheduleFrequency
	if req.Frequency != nil {
		frequency = *req.Frequency
	}
	if frequency < 1 {
		c.JSON(http.StatusBadRequest, gin.H{"error": "frequency must be at least 1 minute"})
		return
	}

	if err := r.scheduler.UpdateSchedule(c.Request.Context(), tenant, enabled, frequency); err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"success": true,
		"schedule": gin.H{
			"enabled":   tenant.ScheduleEnabled,
			"frequency": tenant.ScheduleFrequency,
		},
	})
}

func (r *Router) pauseSchedule(c *gin.Context) {
	tenant := currentTenant(c)
	if err := r.scheduler.Pause(c.Request.Context(), tenant); err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"success": true, "message": "Schedule paused"})
}

func (r *Router) resumeSchedule(c *gin.Context) {
	tenant := currentTenant(c)
	if err := r.scheduler.Resume(c.Request.Context(), tenant); err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"success": true, "message": "Schedule resumed"})
}

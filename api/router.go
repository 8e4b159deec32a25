package api

import (
	"net/http"

	"github.com/gin-gonic/gin"

	"emodal_harvester/artifacts"
	"emodal_harvester/pipeline"
	"emodal_harvester/scheduler"
	"emodal_harvester/storage"
)

// Router wires the admin and tenant request surfaces over the engine.
type Router struct {
	store       storage.Store
	artifacts   *artifacts.Store
	executor    *pipeline.Executor
	scheduler   *scheduler.Scheduler
	adminSecret string
}

func NewRouter(store storage.Store, art *artifacts.Store, executor *pipeline.Executor, sched *scheduler.Scheduler, adminSecret string) *Router {
	return &Router{
		store:       store,
		artifacts:   art,
		executor:    executor,
		scheduler:   sched,
		adminSecret: adminSecret,
	}
}

func (r *Router) Setup() *gin.Engine {
	gin.SetMode(gin.ReleaseMode)

	engine := gin.New()
	engine.Use(gin.Recovery())

	engine.GET("/health", r.health)

	admin := engine.Group("/admin")
	admin.Use(r.adminAuth())
	{
		admin.POST("/tenants", r.createTenant)
		admin.GET("/tenants", r.listTenants)
		admin.GET("/tenants/:id", r.getTenant)
		admin.DELETE("/tenants/:id", r.deleteTenant)
		admin.GET("/queries", r.adminListQueries)
	}

	tenant := engine.Group("")
	tenant.Use(r.tenantAuth())
	{
		tenant.POST("/queries/trigger", r.triggerQuery)
		tenant.GET("/queries", r.listQueries)
		tenant.GET("/queries/:query_id", r.getQuery)
		tenant.GET("/queries/:query_id/download", r.downloadQuery)
		tenant.DELETE("/queries/:query_id", r.deleteQuery)

		tenant.GET("/schedule", r.getSchedule)
		tenant.PUT("/schedule", r.updateSchedule)
		tenant.POST("/schedule/pause", r.pauseSchedule)
		tenant.POST("/schedule/resume", r.resumeSchedule)

		tenant.GET("/files/spreadsheet", r.getSpreadsheet)
		tenant.GET("/files/download", r.downloadSpreadsheet)
	}

	return engine
}

func (r *Router) health(c *gin.Context) {
	if err := r.store.Ping(c.Request.Context()); err != nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{"status": "degraded", "error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "ok"})
}

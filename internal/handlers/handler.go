// Package handlers exposes the lifecycle and workflow service as a JSON API.
package handlers

import (
	"context"
	"net/http"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/aegisshield/lifecycle-engine/internal/anomaly"
	"github.com/aegisshield/lifecycle-engine/internal/apperr"
	"github.com/aegisshield/lifecycle-engine/internal/events"
	"github.com/aegisshield/lifecycle-engine/internal/lifecycle"
	"github.com/aegisshield/lifecycle-engine/internal/models"
	"github.com/aegisshield/lifecycle-engine/internal/scheduler"
	"github.com/aegisshield/lifecycle-engine/internal/stats"
	"github.com/aegisshield/lifecycle-engine/internal/store"
	"github.com/aegisshield/lifecycle-engine/internal/workflow"
)

// HistoriqueReader loads archived requests.
type HistoriqueReader interface {
	Get(ctx context.Context, id string) (*models.Historique, error)
}

// HealthCheck reports the state of one dependency.
type HealthCheck func(ctx context.Context) error

// Dependencies are the components served by the API.
type Dependencies struct {
	Stores      *store.Stores
	Engine      *lifecycle.Engine
	Detector    *anomaly.Detector
	Dispatcher  *workflow.Dispatcher
	Historiques HistoriqueReader
	Stats       *stats.Aggregator
	Events      *events.Bus
	Scheduler   *scheduler.Scheduler
	Checks      map[string]HealthCheck
}

// Handler handles HTTP requests for the lifecycle service
type Handler struct {
	deps   Dependencies
	logger *zap.Logger
}

// NewHandler creates a new HTTP handler
func NewHandler(deps Dependencies, logger *zap.Logger) *Handler {
	return &Handler{
		deps:   deps,
		logger: logger.Named("handlers"),
	}
}

// RegisterRoutes registers the /api/v1 routes on api.
func (h *Handler) RegisterRoutes(api *gin.RouterGroup) {
	demandes := api.Group("/demandes")
	{
		demandes.GET("", h.ListDemandes)
		demandes.POST("", h.CreateDemande)
		demandes.GET("/:id", h.GetDemande)
		demandes.PATCH("/:id", h.UpdateDemande)
		demandes.POST("/:id/workflow", h.DemandeWorkflow)
	}

	api.GET("/historiques/:id", h.GetHistorique)

	cycles := api.Group("/cycles")
	{
		cycles.GET("", h.ListCycles)
		cycles.POST("", h.CreateCycle)
		cycles.GET("/:id", h.GetCycle)
		cycles.PATCH("/:id", h.UpdateCycle)
		cycles.POST("/:id/transitions", h.TransitionCycle)
		cycles.GET("/:id/transitions", h.ListTransitions)
		cycles.POST("/:id/premiums", h.RecordPremium)
		cycles.POST("/:id/indemnities", h.RecordIndemnity)
	}

	api.GET("/lifecycle/rules", h.ListRules)

	anomalies := api.Group("/anomalies")
	{
		anomalies.GET("", h.ListAnomalies)
		anomalies.POST("/detect", h.DetectAnomalies)
	}

	alerts := api.Group("/alerts")
	{
		alerts.GET("", h.ListAlerts)
		alerts.POST("", h.CreateAlert)
		alerts.GET("/:id", h.GetAlert)
		alerts.PATCH("/:id", h.UpdateAlert)
	}

	cases := api.Group("/cases")
	{
		cases.GET("", h.ListCases)
		cases.POST("", h.CreateCase)
		cases.GET("/:id", h.GetCase)
		cases.PATCH("/:id", h.UpdateCase)
		cases.POST("/:id/workflow", h.CaseWorkflow)
	}

	statsGroup := api.Group("/stats")
	{
		statsGroup.GET("", h.Overview)
		statsGroup.GET("/demandes", h.DemandeStats)
		statsGroup.GET("/cycles", h.CycleStats)
		statsGroup.GET("/fraud", h.FraudStats)
	}

	api.GET("/scheduler/tasks", h.SchedulerTasks)
}

// Health reports the service status and the result of every dependency check.
func (h *Handler) Health(c *gin.Context) {
	ctx, cancel := context.WithTimeout(c.Request.Context(), 5*time.Second)
	defer cancel()

	status := http.StatusOK
	checks := gin.H{}
	for name, check := range h.deps.Checks {
		if err := check(ctx); err != nil {
			h.logger.Warn("Health check failed", zap.String("check", name), zap.Error(err))
			checks[name] = err.Error()
			status = http.StatusServiceUnavailable
			continue
		}
		checks[name] = "ok"
	}

	state := "ok"
	if status != http.StatusOK {
		state = "degraded"
	}
	c.JSON(status, gin.H{
		"status":  state,
		"service": "lifecycle-engine",
		"checks":  checks,
	})
}

// SchedulerTasks lists the periodic jobs.
func (h *Handler) SchedulerTasks(c *gin.Context) {
	tasks := []scheduler.TaskStatus{}
	if h.deps.Scheduler != nil {
		tasks = h.deps.Scheduler.Tasks()
	}
	c.JSON(http.StatusOK, gin.H{"tasks": tasks})
}

// respondError writes err with the status of its kind. Unexpected errors are
// logged.
func (h *Handler) respondError(c *gin.Context, message string, err error) {
	status := apperr.HTTPStatus(err)
	if status >= http.StatusInternalServerError {
		h.logger.Error(message, zap.Error(err), zap.String("path", c.FullPath()))
	}
	c.JSON(status, gin.H{"error": message, "details": err.Error()})
}

func badRequest(c *gin.Context, err error) {
	c.JSON(http.StatusBadRequest, gin.H{"error": "Invalid request format", "details": err.Error()})
}

// listParam splits a comma separated query parameter.
func listParam[T ~string](c *gin.Context, key string) []T {
	raw := c.Query(key)
	if raw == "" {
		return nil
	}
	var out []T
	for _, part := range strings.Split(raw, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, T(part))
		}
	}
	return out
}

func stringParam(c *gin.Context, key string) *string {
	if v, ok := c.GetQuery(key); ok && v != "" {
		return &v
	}
	return nil
}

// timeParam parses an RFC 3339 timestamp or a plain date. A plain date used
// as the end of a range covers the whole day.
func timeParam(c *gin.Context, key string, rangeEnd bool) (*time.Time, error) {
	raw := c.Query(key)
	if raw == "" {
		return nil, nil
	}
	if t, err := time.Parse(time.RFC3339, raw); err == nil {
		return &t, nil
	}
	t, err := time.Parse("2006-01-02", raw)
	if err != nil {
		return nil, apperr.NewValidation(key, "must be an RFC 3339 timestamp or a YYYY-MM-DD date")
	}
	if rangeEnd {
		t = t.AddDate(0, 0, 1).Add(-time.Nanosecond)
	}
	return &t, nil
}

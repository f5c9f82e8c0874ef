package handlers

import (
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/aegisshield/lifecycle-engine/internal/apperr"
	"github.com/aegisshield/lifecycle-engine/internal/events"
	"github.com/aegisshield/lifecycle-engine/internal/middleware"
	"github.com/aegisshield/lifecycle-engine/internal/models"
	"github.com/aegisshield/lifecycle-engine/internal/workflow"
)

// ListAlerts lists fraud alerts.
func (h *Handler) ListAlerts(c *gin.Context) {
	items, err := h.deps.Stores.Alerts.List(c.Request.Context(), models.AlertFilter{
		Statuses:   listParam[models.AlertStatus](c, "status"),
		Severities: listParam[models.Severity](c, "severity"),
		Priorities: listParam[models.Priority](c, "priority"),
		AssignedTo: stringParam(c, "assigned_to"),
		CaseID:     stringParam(c, "case_id"),
	})
	if err != nil {
		h.respondError(c, "Failed to list alerts", err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"alerts": items, "total": len(items)})
}

// CreateAlert records a fraud alert.
func (h *Handler) CreateAlert(c *gin.Context) {
	var req models.CreateAlertRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, err)
		return
	}
	actor := middleware.Actor(c)
	req.CreatedBy = actor

	a, err := h.deps.Stores.Alerts.Create(c.Request.Context(), req)
	if err != nil {
		h.respondError(c, "Failed to create alert", err)
		return
	}
	h.deps.Events.Emit(c.Request.Context(), events.AlertCreated, a.ID, actor, a)
	c.JSON(http.StatusCreated, a)
}

// GetAlert returns one alert.
func (h *Handler) GetAlert(c *gin.Context) {
	a, err := h.deps.Stores.Alerts.Get(c.Request.Context(), c.Param("id"))
	if err != nil {
		h.respondError(c, "Failed to get alert", err)
		return
	}
	c.JSON(http.StatusOK, a)
}

// UpdateAlert applies a partial update to an alert.
func (h *Handler) UpdateAlert(c *gin.Context) {
	var patch models.AlertPatch
	if err := c.ShouldBindJSON(&patch); err != nil {
		badRequest(c, err)
		return
	}
	if err := apperr.Validate(patch); err != nil {
		h.respondError(c, "Invalid alert update", err)
		return
	}

	a, err := h.deps.Stores.Alerts.Update(c.Request.Context(), c.Param("id"), patch)
	if err != nil {
		h.respondError(c, "Failed to update alert", err)
		return
	}
	h.deps.Events.Emit(c.Request.Context(), events.AlertUpdated, a.ID, middleware.Actor(c), a)
	c.JSON(http.StatusOK, a)
}

// ListCases lists fraud cases.
func (h *Handler) ListCases(c *gin.Context) {
	items, err := h.deps.Stores.Cases.List(c.Request.Context(), models.CaseFilter{
		Statuses:   listParam[models.CaseStatus](c, "status"),
		Priorities: listParam[models.Priority](c, "priority"),
		AssignedTo: stringParam(c, "assigned_to"),
	})
	if err != nil {
		h.respondError(c, "Failed to list cases", err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"cases": items, "total": len(items)})
}

// CreateCase opens a fraud case.
func (h *Handler) CreateCase(c *gin.Context) {
	var req models.CreateCaseRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, err)
		return
	}
	actor := middleware.Actor(c)
	req.CreatedBy = actor

	fc, err := h.deps.Stores.Cases.Create(c.Request.Context(), req)
	if err != nil {
		h.respondError(c, "Failed to create case", err)
		return
	}
	h.deps.Events.Emit(c.Request.Context(), events.CaseCreated, fc.ID, actor, fc)
	c.JSON(http.StatusCreated, fc)
}

// GetCase returns one case.
func (h *Handler) GetCase(c *gin.Context) {
	fc, err := h.deps.Stores.Cases.Get(c.Request.Context(), c.Param("id"))
	if err != nil {
		h.respondError(c, "Failed to get case", err)
		return
	}
	c.JSON(http.StatusOK, fc)
}

// UpdateCase applies a partial update to a case.
func (h *Handler) UpdateCase(c *gin.Context) {
	var patch models.CasePatch
	if err := c.ShouldBindJSON(&patch); err != nil {
		badRequest(c, err)
		return
	}
	if err := apperr.Validate(patch); err != nil {
		h.respondError(c, "Invalid case update", err)
		return
	}

	fc, err := h.deps.Stores.Cases.Update(c.Request.Context(), c.Param("id"), patch)
	if err != nil {
		h.respondError(c, "Failed to update case", err)
		return
	}
	h.deps.Events.Emit(c.Request.Context(), events.CaseUpdated, fc.ID, middleware.Actor(c), fc)
	c.JSON(http.StatusOK, fc)
}

// CaseWorkflow runs a workflow action against a case.
func (h *Handler) CaseWorkflow(c *gin.Context) {
	var req workflowRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, err)
		return
	}

	fc, err := h.deps.Dispatcher.ProcessCase(c.Request.Context(), workflow.Action{
		ID:    c.Param("id"),
		Kind:  req.Action,
		Notes: req.Notes,
		Actor: middleware.Actor(c),
	})
	if err != nil {
		h.respondError(c, "Failed to process workflow action", err)
		return
	}
	c.JSON(http.StatusOK, fc)
}

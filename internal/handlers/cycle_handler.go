package handlers

import (
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/aegisshield/lifecycle-engine/internal/apperr"
	"github.com/aegisshield/lifecycle-engine/internal/events"
	"github.com/aegisshield/lifecycle-engine/internal/lifecycle"
	"github.com/aegisshield/lifecycle-engine/internal/middleware"
	"github.com/aegisshield/lifecycle-engine/internal/models"
)

type transitionRequest struct {
	TargetStage models.Stage   `json:"target_stage"`
	Documents   []string       `json:"documents"`
	Context     map[string]any `json:"context"`
	Notes       string         `json:"notes"`
}

type amountRequest struct {
	Amount float64 `json:"amount"`
}

// ListCycles lists lifecycles matching the query filters.
func (h *Handler) ListCycles(c *gin.Context) {
	from, err := timeParam(c, "created_from", false)
	if err != nil {
		h.respondError(c, "Invalid filter", err)
		return
	}
	to, err := timeParam(c, "created_to", true)
	if err != nil {
		h.respondError(c, "Invalid filter", err)
		return
	}
	items, err := h.deps.Stores.Cycles.List(c.Request.Context(), models.CycleVieFilter{
		Stages:      listParam[models.Stage](c, "stage"),
		Statuses:    listParam[models.CycleStatus](c, "status"),
		AssureID:    stringParam(c, "assure_id"),
		ContratID:   stringParam(c, "contrat_id"),
		CreatedFrom: from,
		CreatedTo:   to,
	})
	if err != nil {
		h.respondError(c, "Failed to list cycles", err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"cycles_vie": items, "total": len(items)})
}

// CreateCycle opens a lifecycle at souscription.
func (h *Handler) CreateCycle(c *gin.Context) {
	var req models.CreateCycleVieRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, err)
		return
	}
	req.CreatedBy = middleware.Actor(c)

	cv, err := h.deps.Engine.Create(c.Request.Context(), req)
	if err != nil {
		h.respondError(c, "Failed to create cycle", err)
		return
	}
	c.JSON(http.StatusCreated, cv)
}

// GetCycle returns one lifecycle.
func (h *Handler) GetCycle(c *gin.Context) {
	cv, err := h.deps.Stores.Cycles.Get(c.Request.Context(), c.Param("id"))
	if err != nil {
		h.respondError(c, "Failed to get cycle", err)
		return
	}
	c.JSON(http.StatusOK, cv)
}

// UpdateCycle applies a partial update to the non-derived fields.
func (h *Handler) UpdateCycle(c *gin.Context) {
	var patch models.CycleViePatch
	if err := c.ShouldBindJSON(&patch); err != nil {
		badRequest(c, err)
		return
	}
	if err := apperr.Validate(patch); err != nil {
		h.respondError(c, "Invalid cycle update", err)
		return
	}

	cv, err := h.deps.Stores.Cycles.Update(c.Request.Context(), c.Param("id"), patch)
	if err != nil {
		h.respondError(c, "Failed to update cycle", err)
		return
	}
	h.deps.Events.Emit(c.Request.Context(), events.CycleVieUpdated, cv.ID, middleware.Actor(c), cv)
	c.JSON(http.StatusOK, cv)
}

// TransitionCycle moves a lifecycle to another stage. A request for the
// current stage returns the record unchanged with a null transition.
func (h *Handler) TransitionCycle(c *gin.Context) {
	var req transitionRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, err)
		return
	}

	cv, transition, err := h.deps.Engine.Transition(c.Request.Context(), lifecycle.Request{
		CycleVieID:  c.Param("id"),
		TargetStage: req.TargetStage,
		ActorID:     middleware.Actor(c),
		Documents:   req.Documents,
		Context:     req.Context,
		Notes:       req.Notes,
	})
	if err != nil {
		h.respondError(c, "Failed to apply transition", err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"cycle_vie": cv, "transition": transition})
}

// ListTransitions returns the transition audit trail of a lifecycle.
func (h *Handler) ListTransitions(c *gin.Context) {
	items, err := h.deps.Engine.History(c.Request.Context(), c.Param("id"))
	if err != nil {
		h.respondError(c, "Failed to list transitions", err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"transitions": items, "total": len(items)})
}

// RecordPremium adds a collected premium.
func (h *Handler) RecordPremium(c *gin.Context) {
	var req amountRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, err)
		return
	}
	cv, err := h.deps.Engine.RecordPremium(c.Request.Context(), c.Param("id"), req.Amount, middleware.Actor(c))
	if err != nil {
		h.respondError(c, "Failed to record premium", err)
		return
	}
	c.JSON(http.StatusOK, cv)
}

// RecordIndemnity adds a paid indemnity.
func (h *Handler) RecordIndemnity(c *gin.Context) {
	var req amountRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, err)
		return
	}
	cv, err := h.deps.Engine.RecordIndemnity(c.Request.Context(), c.Param("id"), req.Amount, middleware.Actor(c))
	if err != nil {
		h.respondError(c, "Failed to record indemnity", err)
		return
	}
	c.JSON(http.StatusOK, cv)
}

// ListRules returns the active stage rule table.
func (h *Handler) ListRules(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"rules": h.deps.Engine.Rules()})
}

// ListAnomalies lists recorded anomaly alerts.
func (h *Handler) ListAnomalies(c *gin.Context) {
	items, err := h.deps.Stores.Anomalies.List(c.Request.Context(), models.CycleVieAlertFilter{
		CycleVieID: stringParam(c, "cycle_vie_id"),
		Types:      listParam[models.AnomalyType](c, "type"),
		Severities: listParam[models.Severity](c, "severity"),
	})
	if err != nil {
		h.respondError(c, "Failed to list anomalies", err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"anomalies": items, "total": len(items)})
}

// DetectAnomalies runs one sweep and returns the alerts it created.
func (h *Handler) DetectAnomalies(c *gin.Context) {
	created, err := h.deps.Detector.Detect(c.Request.Context())
	if err != nil {
		h.respondError(c, "Failed to run anomaly detection", err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"anomalies": created, "total": len(created)})
}

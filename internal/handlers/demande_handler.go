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

type workflowRequest struct {
	Action workflow.ActionKind `json:"action"`
	Notes  string              `json:"notes"`
}

func demandeFilter(c *gin.Context) (models.DemandeFilter, error) {
	from, err := timeParam(c, "received_from", false)
	if err != nil {
		return models.DemandeFilter{}, err
	}
	to, err := timeParam(c, "received_to", true)
	if err != nil {
		return models.DemandeFilter{}, err
	}
	return models.DemandeFilter{
		Types:        listParam[models.DemandeType](c, "type"),
		Categories:   listParam[models.DemandeCategory](c, "category"),
		Statuses:     listParam[models.DemandeStatus](c, "status"),
		Priorities:   listParam[models.Priority](c, "priority"),
		Channels:     listParam[models.Channel](c, "channel"),
		Origins:      listParam[models.Origin](c, "origin"),
		ContratID:    stringParam(c, "contrat_id"),
		CycleVieID:   stringParam(c, "cycle_vie_id"),
		ReceivedFrom: from,
		ReceivedTo:   to,
	}, nil
}

// ListDemandes lists requests matching the query filters.
func (h *Handler) ListDemandes(c *gin.Context) {
	filter, err := demandeFilter(c)
	if err != nil {
		h.respondError(c, "Invalid filter", err)
		return
	}
	items, err := h.deps.Stores.Demandes.List(c.Request.Context(), filter)
	if err != nil {
		h.respondError(c, "Failed to list demandes", err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"demandes": items, "total": len(items)})
}

// CreateDemande registers a new request.
func (h *Handler) CreateDemande(c *gin.Context) {
	var req models.CreateDemandeRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, err)
		return
	}
	actor := middleware.Actor(c)
	req.CreatedBy = actor

	d, err := h.deps.Stores.Demandes.Create(c.Request.Context(), req)
	if err != nil {
		h.respondError(c, "Failed to create demande", err)
		return
	}
	h.deps.Events.Emit(c.Request.Context(), events.DemandeCreated, d.ID, actor, d)
	c.JSON(http.StatusCreated, d)
}

// GetDemande returns one request.
func (h *Handler) GetDemande(c *gin.Context) {
	d, err := h.deps.Stores.Demandes.Get(c.Request.Context(), c.Param("id"))
	if err != nil {
		h.respondError(c, "Failed to get demande", err)
		return
	}
	c.JSON(http.StatusOK, d)
}

// UpdateDemande applies a partial update.
func (h *Handler) UpdateDemande(c *gin.Context) {
	var patch models.DemandePatch
	if err := c.ShouldBindJSON(&patch); err != nil {
		badRequest(c, err)
		return
	}
	if err := apperr.Validate(patch); err != nil {
		h.respondError(c, "Invalid demande update", err)
		return
	}

	d, err := h.deps.Stores.Demandes.Update(c.Request.Context(), c.Param("id"), patch)
	if err != nil {
		h.respondError(c, "Failed to update demande", err)
		return
	}
	h.deps.Events.Emit(c.Request.Context(), events.DemandeUpdated, d.ID, middleware.Actor(c), d)
	c.JSON(http.StatusOK, d)
}

// DemandeWorkflow runs a workflow action against a request.
func (h *Handler) DemandeWorkflow(c *gin.Context) {
	var req workflowRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, err)
		return
	}

	d, err := h.deps.Dispatcher.Process(c.Request.Context(), workflow.Action{
		ID:    c.Param("id"),
		Kind:  req.Action,
		Notes: req.Notes,
		Actor: middleware.Actor(c),
	})
	if err != nil {
		h.respondError(c, "Failed to process workflow action", err)
		return
	}
	c.JSON(http.StatusOK, d)
}

// GetHistorique returns an archived request.
func (h *Handler) GetHistorique(c *gin.Context) {
	if h.deps.Historiques == nil {
		h.respondError(c, "Failed to get historique", apperr.NewNotFound("historique", c.Param("id")))
		return
	}
	hist, err := h.deps.Historiques.Get(c.Request.Context(), c.Param("id"))
	if err != nil {
		h.respondError(c, "Failed to get historique", err)
		return
	}
	c.JSON(http.StatusOK, hist)
}

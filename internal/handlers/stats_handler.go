package handlers

import (
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/aegisshield/lifecycle-engine/internal/models"
)

// Overview returns every dashboard aggregate.
func (h *Handler) Overview(c *gin.Context) {
	overview, err := h.deps.Stats.Overview(c.Request.Context())
	if err != nil {
		h.respondError(c, "Failed to compute statistics", err)
		return
	}
	c.JSON(http.StatusOK, overview)
}

// DemandeStats aggregates the requests matching the query filters.
func (h *Handler) DemandeStats(c *gin.Context) {
	filter, err := demandeFilter(c)
	if err != nil {
		h.respondError(c, "Invalid filter", err)
		return
	}
	s, err := h.deps.Stats.Demandes(c.Request.Context(), filter)
	if err != nil {
		h.respondError(c, "Failed to compute statistics", err)
		return
	}
	c.JSON(http.StatusOK, s)
}

// CycleStats aggregates lifecycles.
func (h *Handler) CycleStats(c *gin.Context) {
	s, err := h.deps.Stats.Cycles(c.Request.Context(), models.CycleVieFilter{
		Stages:   listParam[models.Stage](c, "stage"),
		Statuses: listParam[models.CycleStatus](c, "status"),
		AssureID: stringParam(c, "assure_id"),
	})
	if err != nil {
		h.respondError(c, "Failed to compute statistics", err)
		return
	}
	c.JSON(http.StatusOK, s)
}

// FraudStats aggregates alerts and cases.
func (h *Handler) FraudStats(c *gin.Context) {
	s, err := h.deps.Stats.Fraud(c.Request.Context())
	if err != nil {
		h.respondError(c, "Failed to compute statistics", err)
		return
	}
	c.JSON(http.StatusOK, s)
}

package handlers

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/aegisshield/lifecycle-engine/internal/anomaly"
	"github.com/aegisshield/lifecycle-engine/internal/apperr"
	"github.com/aegisshield/lifecycle-engine/internal/config"
	"github.com/aegisshield/lifecycle-engine/internal/lifecycle"
	"github.com/aegisshield/lifecycle-engine/internal/middleware"
	"github.com/aegisshield/lifecycle-engine/internal/stats"
	"github.com/aegisshield/lifecycle-engine/internal/store"
	"github.com/aegisshield/lifecycle-engine/internal/workflow"
)

type api struct {
	router *gin.Engine
	checks map[string]HealthCheck
}

func newAPI(t *testing.T) *api {
	t.Helper()
	gin.SetMode(gin.TestMode)
	logger := zap.NewNop()

	s := store.New()
	archiver := workflow.NewMemoryArchiver(nil)
	checks := map[string]HealthCheck{"store": func(context.Context) error { return nil }}
	h := NewHandler(Dependencies{
		Stores:      s,
		Engine:      lifecycle.NewEngine(s.Cycles, s.Transitions, logger),
		Detector:    anomaly.NewDetector(s.Cycles, s.Anomalies, config.AnomalyConfig{}, logger),
		Dispatcher:  workflow.NewDispatcher(s.Demandes, s.Cases, archiver, logger),
		Historiques: archiver,
		Stats: stats.NewAggregator(stats.Sources{
			Demandes:  s.Demandes,
			Cycles:    s.Cycles,
			Anomalies: s.Anomalies,
			Alerts:    s.Alerts,
			Cases:     s.Cases,
		}, nil, nil),
		Checks: checks,
	}, logger)

	r := gin.New()
	r.Use(middleware.Auth(config.SecurityConfig{ActorHeader: "X-User-ID"}))
	r.GET("/health", h.Health)
	h.RegisterRoutes(r.Group("/api/v1"))
	return &api{router: r, checks: checks}
}

func (a *api) do(t *testing.T, method, path string, body any) (int, map[string]any) {
	t.Helper()
	var reader *bytes.Reader
	if body != nil {
		raw, err := json.Marshal(body)
		require.NoError(t, err)
		reader = bytes.NewReader(raw)
	} else {
		reader = bytes.NewReader(nil)
	}
	req := httptest.NewRequest(method, path, reader)
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-User-ID", "agent-9")
	w := httptest.NewRecorder()
	a.router.ServeHTTP(w, req)

	out := map[string]any{}
	if w.Body.Len() > 0 {
		require.NoError(t, json.Unmarshal(w.Body.Bytes(), &out), w.Body.String())
	}
	return w.Code, out
}

func TestDemandeEndpoints(t *testing.T) {
	a := newAPI(t)

	code, created := a.do(t, http.MethodPost, "/api/v1/demandes", map[string]any{
		"type":     "reclamation",
		"priorite": "medium",
		"canal":    "email",
		"origine":  "client",
		"objet":    "Retard de remboursement",
	})
	require.Equal(t, http.StatusCreated, code, created)
	id := created["id"].(string)
	assert.Equal(t, "new", created["statut"])
	assert.True(t, strings.HasPrefix(created["numero_suivi"].(string), "DEM-"))

	t.Run("Validation", func(t *testing.T) {
		code, body := a.do(t, http.MethodPost, "/api/v1/demandes", map[string]any{"priorite": "medium"})
		assert.Equal(t, http.StatusBadRequest, code)
		assert.Contains(t, body["details"], "type")
	})

	t.Run("List With Filters", func(t *testing.T) {
		code, body := a.do(t, http.MethodGet, "/api/v1/demandes?type=reclamation,attestation&channel=email", nil)
		assert.Equal(t, http.StatusOK, code)
		assert.Equal(t, 1.0, body["total"])

		_, body = a.do(t, http.MethodGet, "/api/v1/demandes?channel=telephone", nil)
		assert.Equal(t, 0.0, body["total"])

		code, _ = a.do(t, http.MethodGet, "/api/v1/demandes?received_from=yesterday", nil)
		assert.Equal(t, http.StatusBadRequest, code)

		today := time.Now().UTC().Format("2006-01-02")
		_, body = a.do(t, http.MethodGet, "/api/v1/demandes?received_from="+today+"&received_to="+today, nil)
		assert.Equal(t, 1.0, body["total"], "a plain end date covers the whole day")
	})

	t.Run("Patch", func(t *testing.T) {
		code, body := a.do(t, http.MethodPatch, "/api/v1/demandes/"+id, map[string]any{
			"objet": "Retard de remboursement (relance)",
			"extra": map[string]any{"source": "portail"},
		})
		assert.Equal(t, http.StatusOK, code)
		assert.Equal(t, "Retard de remboursement (relance)", body["objet"])
	})

	t.Run("Not Found", func(t *testing.T) {
		code, body := a.do(t, http.MethodGet, "/api/v1/demandes/missing", nil)
		assert.Equal(t, http.StatusNotFound, code)
		assert.NotEmpty(t, body["error"])
	})

	t.Run("Workflow", func(t *testing.T) {
		code, body := a.do(t, http.MethodPost, "/api/v1/demandes/"+id+"/workflow", map[string]any{"action": "archive"})
		assert.Equal(t, http.StatusConflict, code, "archive requires a completed request")

		code, body = a.do(t, http.MethodPost, "/api/v1/demandes/"+id+"/workflow", map[string]any{"action": "teleport"})
		assert.Equal(t, http.StatusBadRequest, code)

		code, body = a.do(t, http.MethodPost, "/api/v1/demandes/"+id+"/workflow", map[string]any{"action": "approve", "notes": "ok"})
		require.Equal(t, http.StatusOK, code, body)
		assert.Equal(t, "completed", body["statut"])

		code, body = a.do(t, http.MethodPost, "/api/v1/demandes/"+id+"/workflow", map[string]any{"action": "archive"})
		require.Equal(t, http.StatusOK, code, body)
		assert.Equal(t, "archived", body["statut"])
		historiqueID := body["historique_id"].(string)

		code, body = a.do(t, http.MethodGet, "/api/v1/historiques/"+historiqueID, nil)
		assert.Equal(t, http.StatusOK, code)
		assert.Equal(t, id, body["demande_id"])
	})
}

func TestCycleEndpoints(t *testing.T) {
	a := newAPI(t)

	code, created := a.do(t, http.MethodPost, "/api/v1/cycles", map[string]any{
		"assure_id":  "assure-1",
		"contrat_id": "contrat-1",
	})
	require.Equal(t, http.StatusCreated, code, created)
	id := created["id"].(string)
	assert.Equal(t, "souscription", created["current_stage"])

	t.Run("Transition", func(t *testing.T) {
		code, body := a.do(t, http.MethodPost, "/api/v1/cycles/"+id+"/transitions", map[string]any{
			"target_stage": "vie_contrat",
			"documents":    []string{"contrat_signe", "piece_identite"},
		})
		require.Equal(t, http.StatusOK, code, body)
		cv := body["cycle_vie"].(map[string]any)
		assert.Equal(t, "vie_contrat", cv["current_stage"])
		assert.NotNil(t, body["transition"])

		code, body = a.do(t, http.MethodPost, "/api/v1/cycles/"+id+"/transitions", map[string]any{"target_stage": "vie_contrat"})
		assert.Equal(t, http.StatusOK, code)
		assert.Nil(t, body["transition"])

		code, _ = a.do(t, http.MethodPost, "/api/v1/cycles/"+id+"/transitions", map[string]any{"target_stage": "souscription"})
		assert.Equal(t, http.StatusConflict, code)

		code, _ = a.do(t, http.MethodPost, "/api/v1/cycles/"+id+"/transitions", map[string]any{"target_stage": "nowhere"})
		assert.Equal(t, http.StatusBadRequest, code)

		_, body = a.do(t, http.MethodGet, "/api/v1/cycles/"+id+"/transitions", nil)
		assert.Equal(t, 1.0, body["total"])
	})

	t.Run("Financials", func(t *testing.T) {
		code, _ := a.do(t, http.MethodPost, "/api/v1/cycles/"+id+"/premiums", map[string]any{"amount": 1200})
		assert.Equal(t, http.StatusOK, code)
		code, body := a.do(t, http.MethodPost, "/api/v1/cycles/"+id+"/indemnities", map[string]any{"amount": 300})
		assert.Equal(t, http.StatusOK, code)
		assert.Equal(t, 25.0, body["metriques"].(map[string]any)["ratio_sinistralite"])

		code, _ = a.do(t, http.MethodPost, "/api/v1/cycles/"+id+"/premiums", map[string]any{"amount": 0})
		assert.Equal(t, http.StatusBadRequest, code)
	})

	t.Run("Patch And Filters", func(t *testing.T) {
		code, _ := a.do(t, http.MethodPatch, "/api/v1/cycles/"+id, map[string]any{"status": "unknown"})
		assert.Equal(t, http.StatusBadRequest, code)

		code, _ = a.do(t, http.MethodPatch, "/api/v1/cycles/"+id, map[string]any{"tags": []string{"vip"}})
		assert.Equal(t, http.StatusOK, code)

		code, _ = a.do(t, http.MethodPatch, "/api/v1/cycles/"+id, map[string]any{"status": "completed"})
		assert.Equal(t, http.StatusConflict, code)
		code, body := a.do(t, http.MethodPatch, "/api/v1/cycles/"+id, map[string]any{"status": "cancelled"})
		require.Equal(t, http.StatusOK, code, body)
		assert.Equal(t, "cancelled", body["status"])
		code, _ = a.do(t, http.MethodPatch, "/api/v1/cycles/"+id, map[string]any{"status": "active"})
		assert.Equal(t, http.StatusConflict, code)

		_, body = a.do(t, http.MethodGet, "/api/v1/cycles?stage=vie_contrat&assure_id=assure-1", nil)
		assert.Equal(t, 1.0, body["total"])
		_, body = a.do(t, http.MethodGet, "/api/v1/cycles?stage=resiliation", nil)
		assert.Equal(t, 0.0, body["total"])
	})

	t.Run("Rules", func(t *testing.T) {
		code, body := a.do(t, http.MethodGet, "/api/v1/lifecycle/rules", nil)
		assert.Equal(t, http.StatusOK, code)
		assert.Len(t, body["rules"], len(lifecycle.DefaultRules()))
	})
}

func TestAnomalyEndpoints(t *testing.T) {
	a := newAPI(t)

	_, created := a.do(t, http.MethodPost, "/api/v1/cycles", map[string]any{"assure_id": "assure-2", "contrat_id": "contrat-2"})
	id := created["id"].(string)
	code, _ := a.do(t, http.MethodPost, "/api/v1/cycles/"+id+"/transitions", map[string]any{"target_stage": "vie_contrat"})
	require.Equal(t, http.StatusOK, code)

	code, body := a.do(t, http.MethodPost, "/api/v1/anomalies/detect", nil)
	require.Equal(t, http.StatusOK, code)
	assert.Equal(t, 2.0, body["total"], "rapid progression and missing documents")

	_, body = a.do(t, http.MethodPost, "/api/v1/anomalies/detect", nil)
	assert.Equal(t, 0.0, body["total"], "suppressed by the cooldown")

	_, body = a.do(t, http.MethodGet, "/api/v1/anomalies?type=document_missing&cycle_vie_id="+id, nil)
	assert.Equal(t, 1.0, body["total"])

	_, cv := a.do(t, http.MethodGet, "/api/v1/cycles/"+id, nil)
	code, body = a.do(t, http.MethodPatch, "/api/v1/cycles/"+id, map[string]any{"documents_fournis": cv["documents_manquants"]})
	require.Equal(t, http.StatusOK, code, body)
	assert.Empty(t, body["documents_manquants"])
}

func TestFraudEndpoints(t *testing.T) {
	a := newAPI(t)

	code, alert := a.do(t, http.MethodPost, "/api/v1/alerts", map[string]any{"title": "Montant inhabituel", "severity": "high"})
	require.Equal(t, http.StatusCreated, code, alert)
	alertID := alert["id"].(string)

	code, _ = a.do(t, http.MethodPatch, "/api/v1/alerts/"+alertID, map[string]any{"status": "closed"})
	assert.Equal(t, http.StatusBadRequest, code)

	code, body := a.do(t, http.MethodPatch, "/api/v1/alerts/"+alertID, map[string]any{"status": "investigating"})
	assert.Equal(t, http.StatusOK, code)
	assert.Equal(t, "investigating", body["status"])

	_, body = a.do(t, http.MethodGet, "/api/v1/alerts?severity=high", nil)
	assert.Equal(t, 1.0, body["total"])

	code, fc := a.do(t, http.MethodPost, "/api/v1/cases", map[string]any{
		"title":          "Réseau de fausses déclarations",
		"priority":       "high",
		"alert_ids":      []string{alertID},
		"amount_at_risk": 15000,
	})
	require.Equal(t, http.StatusCreated, code, fc)
	caseID := fc["id"].(string)

	code, body = a.do(t, http.MethodPost, "/api/v1/cases/"+caseID+"/workflow", map[string]any{"action": "approve"})
	require.Equal(t, http.StatusOK, code, body)
	assert.Equal(t, "resolved", body["status"])

	code, _ = a.do(t, http.MethodPost, "/api/v1/cases/"+caseID+"/workflow", map[string]any{"action": "escalate"})
	assert.Equal(t, http.StatusConflict, code)

	code, body = a.do(t, http.MethodGet, "/api/v1/stats/fraud", nil)
	assert.Equal(t, http.StatusOK, code)
	assert.Equal(t, 100.0, body["resolution_rate"])
}

func TestStatsAndHealth(t *testing.T) {
	a := newAPI(t)

	code, body := a.do(t, http.MethodGet, "/api/v1/stats", nil)
	assert.Equal(t, http.StatusOK, code)
	assert.Contains(t, body, "demandes")
	assert.Contains(t, body, "cycles_vie")
	assert.Contains(t, body, "fraud")

	code, _ = a.do(t, http.MethodGet, "/api/v1/stats/demandes?status=new", nil)
	assert.Equal(t, http.StatusOK, code)

	code, body = a.do(t, http.MethodGet, "/api/v1/scheduler/tasks", nil)
	assert.Equal(t, http.StatusOK, code)
	assert.Empty(t, body["tasks"])

	code, body = a.do(t, http.MethodGet, "/health", nil)
	assert.Equal(t, http.StatusOK, code)
	assert.Equal(t, "ok", body["status"])

	a.checks["redis"] = func(context.Context) error { return errors.New("connection refused") }
	code, body = a.do(t, http.MethodGet, "/health", nil)
	assert.Equal(t, http.StatusServiceUnavailable, code)
	assert.Equal(t, "degraded", body["status"])
}

func TestTimeParam(t *testing.T) {
	gin.SetMode(gin.TestMode)
	query := func(raw string) *gin.Context {
		c, _ := gin.CreateTestContext(httptest.NewRecorder())
		c.Request = httptest.NewRequest(http.MethodGet, "/?"+raw, nil)
		return c
	}

	t.Run("Missing", func(t *testing.T) {
		got, err := timeParam(query(""), "created_to", true)
		require.NoError(t, err)
		assert.Nil(t, got)
	})

	t.Run("Plain Date Start", func(t *testing.T) {
		got, err := timeParam(query("created_from=2024-03-10"), "created_from", false)
		require.NoError(t, err)
		assert.Equal(t, time.Date(2024, 3, 10, 0, 0, 0, 0, time.UTC), *got)
	})

	t.Run("Plain Date End Covers Day", func(t *testing.T) {
		got, err := timeParam(query("created_to=2024-03-10"), "created_to", true)
		require.NoError(t, err)
		assert.Equal(t, time.Date(2024, 3, 10, 23, 59, 59, 999999999, time.UTC), *got)
	})

	t.Run("Timestamp Is Exact", func(t *testing.T) {
		got, err := timeParam(query("created_to=2024-03-10T12:00:00Z"), "created_to", true)
		require.NoError(t, err)
		assert.Equal(t, time.Date(2024, 3, 10, 12, 0, 0, 0, time.UTC), got.UTC())
	})

	t.Run("Invalid", func(t *testing.T) {
		_, err := timeParam(query("created_to=soon"), "created_to", true)
		var ve *apperr.ValidationError
		require.ErrorAs(t, err, &ve)
		assert.Equal(t, "created_to", ve.Field)
	})
}

package server

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/aegisshield/lifecycle-engine/internal/config"
	"github.com/aegisshield/lifecycle-engine/internal/middleware"
	"github.com/aegisshield/lifecycle-engine/internal/models"
)

func testConfig() *config.Config {
	return &config.Config{
		Environment: "test",
		Server: config.ServerConfig{
			HTTPPort:        8090,
			ReadTimeout:     5 * time.Second,
			WriteTimeout:    5 * time.Second,
			ShutdownTimeout: 5 * time.Second,
		},
		Scheduler: config.SchedulerConfig{
			Enabled:   true,
			SweepSpec: "0 */15 * * * *",
		},
		Security: config.SecurityConfig{
			ActorHeader: "X-User-ID",
		},
	}
}

func newServer(t *testing.T, cfg *config.Config) *Server {
	t.Helper()
	gin.SetMode(gin.TestMode)
	s := New(cfg, zap.NewNop(), WithRegistry(prometheus.NewRegistry()))
	require.NoError(t, s.Initialize(context.Background()))
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), time.Second)
		defer cancel()
		assert.NoError(t, s.Shutdown(ctx))
	})
	return s
}

func get(s *Server, path, token string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(http.MethodGet, path, nil)
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	w := httptest.NewRecorder()
	s.Handler().ServeHTTP(w, req)
	return w
}

func TestServerRoutes(t *testing.T) {
	s := newServer(t, testConfig())

	t.Run("Health", func(t *testing.T) {
		w := get(s, "/health", "")
		require.Equal(t, http.StatusOK, w.Code)

		var body map[string]any
		require.NoError(t, json.Unmarshal(w.Body.Bytes(), &body))
		assert.Equal(t, "ok", body["status"])
		assert.Equal(t, "lifecycle-engine", body["service"])
	})

	t.Run("Metrics", func(t *testing.T) {
		get(s, "/api/v1/stats", "")
		w := get(s, "/metrics", "")
		require.Equal(t, http.StatusOK, w.Code)
		assert.True(t, strings.Contains(w.Body.String(), "lifecycle_engine_http_requests_total"))
		assert.True(t, strings.Contains(w.Body.String(), "lifecycle_engine_demande_sla_compliance_ratio"))
	})

	t.Run("Scheduler Tasks", func(t *testing.T) {
		w := get(s, "/api/v1/scheduler/tasks", "")
		require.Equal(t, http.StatusOK, w.Code)

		var body struct {
			Tasks []struct {
				ID string `json:"id"`
			} `json:"tasks"`
		}
		require.NoError(t, json.Unmarshal(w.Body.Bytes(), &body))
		ids := make([]string, 0, len(body.Tasks))
		for _, task := range body.Tasks {
			ids = append(ids, task.ID)
		}
		assert.ElementsMatch(t, []string{"anomaly_sweep", "kpi_refresh"}, ids)
	})

	t.Run("No Websocket Without Hub", func(t *testing.T) {
		assert.Equal(t, http.StatusNotFound, get(s, "/ws", "").Code)
	})
}

func TestServerAuthentication(t *testing.T) {
	cfg := testConfig()
	cfg.Security.EnableAuthentication = true
	cfg.Security.JWTSecret = "server-test-secret"
	s := newServer(t, cfg)

	t.Run("Health Is Public", func(t *testing.T) {
		assert.Equal(t, http.StatusOK, get(s, "/health", "").Code)
	})

	t.Run("API Requires Token", func(t *testing.T) {
		assert.Equal(t, http.StatusUnauthorized, get(s, "/api/v1/stats", "").Code)
	})

	t.Run("API Accepts Token", func(t *testing.T) {
		token, err := middleware.GenerateToken("analyst-1", cfg.Security.JWTSecret, time.Hour)
		require.NoError(t, err)
		assert.Equal(t, http.StatusOK, get(s, "/api/v1/stats", token).Code)
	})
}

func TestServerInvalidRules(t *testing.T) {
	cfg := testConfig()
	cfg.Lifecycle.Rules = []models.StageRule{
		{FromStage: models.StageSinistrePaiement, ToStage: models.StageSouscription},
	}

	s := New(cfg, zap.NewNop(), WithRegistry(prometheus.NewRegistry()))
	assert.Error(t, s.Initialize(context.Background()))
}

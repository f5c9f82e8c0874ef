package config

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadDefaults(t *testing.T) {
	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, "development", cfg.Environment)
	assert.Equal(t, 8090, cfg.Server.HTTPPort)
	assert.Equal(t, 90, cfg.Anomaly.StagnationDays)
	assert.Equal(t, 1, cfg.Anomaly.RapidProgressionDays)
	assert.Equal(t, 24*time.Hour, cfg.Anomaly.Cooldown)
	assert.False(t, cfg.Scheduler.Enabled)
	assert.False(t, cfg.Redis.Enabled)
	assert.Equal(t, "localhost:6379", cfg.Redis.Addr())
	assert.Equal(t, []string{"localhost:9092"}, cfg.Kafka.Brokers)
	assert.Equal(t, "X-User-ID", cfg.Security.ActorHeader)
	assert.False(t, cfg.IsProduction())
}

func TestLoadEnvOverrides(t *testing.T) {
	t.Setenv("LIFECYCLE_ENVIRONMENT", "production")
	t.Setenv("LIFECYCLE_SERVER_HTTP_PORT", "9999")
	t.Setenv("LIFECYCLE_ANOMALY_COOLDOWN", "2h")

	cfg, err := Load()
	require.NoError(t, err)

	assert.True(t, cfg.IsProduction())
	assert.Equal(t, 9999, cfg.Server.HTTPPort)
	assert.Equal(t, 2*time.Hour, cfg.Anomaly.Cooldown)
}

func TestValidate(t *testing.T) {
	valid := func() *Config {
		return &Config{
			Server:  ServerConfig{HTTPPort: 8090},
			Anomaly: AnomalyConfig{StagnationDays: 90, Cooldown: time.Hour},
		}
	}

	t.Run("Valid", func(t *testing.T) {
		assert.NoError(t, valid().Validate())
	})

	t.Run("Port Out Of Range", func(t *testing.T) {
		cfg := valid()
		cfg.Server.HTTPPort = 70000
		assert.Error(t, cfg.Validate())
	})

	t.Run("Auth Without Secret", func(t *testing.T) {
		cfg := valid()
		cfg.Security.EnableAuthentication = true
		assert.ErrorContains(t, cfg.Validate(), "jwt_secret")
	})

	t.Run("Scheduler Without Sweep Schedule", func(t *testing.T) {
		cfg := valid()
		cfg.Scheduler.Enabled = true
		assert.ErrorContains(t, cfg.Validate(), "sweep_spec")
	})

	t.Run("Non Positive SLA Override", func(t *testing.T) {
		cfg := valid()
		cfg.SLA.BaseDays = map[string]int{"reclamation": 0}
		assert.ErrorContains(t, cfg.Validate(), "reclamation")
	})
}

func TestDatabaseDSN(t *testing.T) {
	d := DatabaseConfig{Host: "db", Port: 5432, Username: "u", Password: "p", Name: "n", SSLMode: "disable"}
	assert.Equal(t, "host=db port=5432 user=u password=p dbname=n sslmode=disable", d.DSN())
}

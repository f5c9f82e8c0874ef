package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"

	"github.com/aegisshield/lifecycle-engine/internal/models"
)

// Config holds the complete configuration for the lifecycle engine service
type Config struct {
	Environment string          `mapstructure:"environment"`
	Debug       bool            `mapstructure:"debug"`
	Server      ServerConfig    `mapstructure:"server"`
	SLA         SLAConfig       `mapstructure:"sla"`
	Lifecycle   LifecycleConfig `mapstructure:"lifecycle"`
	Anomaly     AnomalyConfig   `mapstructure:"anomaly"`
	Scheduler   SchedulerConfig `mapstructure:"scheduler"`
	Redis       RedisConfig     `mapstructure:"redis"`
	Database    DatabaseConfig  `mapstructure:"database"`
	Kafka       KafkaConfig     `mapstructure:"kafka"`
	Security    SecurityConfig  `mapstructure:"security"`
	Realtime    RealtimeConfig  `mapstructure:"realtime"`
}

// ServerConfig contains HTTP server configuration
type ServerConfig struct {
	HTTPPort        int           `mapstructure:"http_port"`
	ReadTimeout     time.Duration `mapstructure:"read_timeout"`
	WriteTimeout    time.Duration `mapstructure:"write_timeout"`
	ShutdownTimeout time.Duration `mapstructure:"shutdown_timeout"`
}

// SLAConfig overrides the base commercial delay, in days, per request type
type SLAConfig struct {
	BaseDays map[string]int `mapstructure:"base_days"`
}

// LifecycleConfig replaces the default stage rule table when Rules is set
type LifecycleConfig struct {
	Rules []models.StageRule `mapstructure:"rules"`
}

// AnomalyConfig contains anomaly detector thresholds
type AnomalyConfig struct {
	StagnationDays       int           `mapstructure:"stagnation_days"`
	RapidProgressionDays int           `mapstructure:"rapid_progression_days"`
	Cooldown             time.Duration `mapstructure:"cooldown"`
}

// SchedulerConfig contains the periodic sweep configuration
type SchedulerConfig struct {
	Enabled   bool   `mapstructure:"enabled"`
	SweepSpec string `mapstructure:"sweep_spec"`
}

// RedisConfig contains Redis configuration for store snapshots
type RedisConfig struct {
	Enabled   bool   `mapstructure:"enabled"`
	Host      string `mapstructure:"host"`
	Port      int    `mapstructure:"port"`
	Password  string `mapstructure:"password"`
	DB        int    `mapstructure:"db"`
	PoolSize  int    `mapstructure:"pool_size"`
	KeyPrefix string `mapstructure:"key_prefix"`
}

// Addr returns host:port
func (r RedisConfig) Addr() string {
	return fmt.Sprintf("%s:%d", r.Host, r.Port)
}

// DatabaseConfig contains PostgreSQL configuration for the historique archive
type DatabaseConfig struct {
	Enabled         bool          `mapstructure:"enabled"`
	Host            string        `mapstructure:"host"`
	Port            int           `mapstructure:"port"`
	Name            string        `mapstructure:"name"`
	Username        string        `mapstructure:"username"`
	Password        string        `mapstructure:"password"`
	SSLMode         string        `mapstructure:"ssl_mode"`
	MaxOpenConns    int           `mapstructure:"max_open_conns"`
	MaxIdleConns    int           `mapstructure:"max_idle_conns"`
	ConnMaxLifetime time.Duration `mapstructure:"conn_max_lifetime"`
}

// DSN returns the PostgreSQL connection string
func (d DatabaseConfig) DSN() string {
	return fmt.Sprintf("host=%s port=%d user=%s password=%s dbname=%s sslmode=%s",
		d.Host, d.Port, d.Username, d.Password, d.Name, d.SSLMode)
}

// KafkaConfig contains Kafka configuration
type KafkaConfig struct {
	Enabled      bool          `mapstructure:"enabled"`
	Brokers      []string      `mapstructure:"brokers"`
	Topic        string        `mapstructure:"topic"`
	BatchTimeout time.Duration `mapstructure:"batch_timeout"`
}

// SecurityConfig contains authentication configuration
type SecurityConfig struct {
	EnableAuthentication bool   `mapstructure:"enable_authentication"`
	JWTSecret            string `mapstructure:"jwt_secret"`
	ActorHeader          string `mapstructure:"actor_header"`
}

// RealtimeConfig contains websocket hub configuration
type RealtimeConfig struct {
	Enabled        bool          `mapstructure:"enabled"`
	PingInterval   time.Duration `mapstructure:"ping_interval"`
	WriteWait      time.Duration `mapstructure:"write_wait"`
	MaxMessageSize int64         `mapstructure:"max_message_size"`
	BufferSize     int           `mapstructure:"buffer_size"`
}

// Load loads configuration from environment variables and config files
func Load() (*Config, error) {
	v := viper.New()
	v.SetConfigName("config")
	v.SetConfigType("yaml")
	v.AddConfigPath(".")
	v.AddConfigPath("./config")
	v.AddConfigPath("/etc/lifecycle-engine")

	setDefaults(v)

	v.SetEnvPrefix("LIFECYCLE")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	// Config file is optional
	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, fmt.Errorf("error reading config file: %w", err)
		}
	}

	var config Config
	if err := v.Unmarshal(&config); err != nil {
		return nil, fmt.Errorf("error unmarshaling config: %w", err)
	}

	if err := config.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}

	return &config, nil
}

// Validate checks values that would otherwise fail at runtime
func (c *Config) Validate() error {
	if c.Server.HTTPPort <= 0 || c.Server.HTTPPort > 65535 {
		return fmt.Errorf("server.http_port out of range: %d", c.Server.HTTPPort)
	}
	if c.Anomaly.StagnationDays <= 0 {
		return fmt.Errorf("anomaly.stagnation_days must be positive")
	}
	if c.Anomaly.Cooldown < 0 {
		return fmt.Errorf("anomaly.cooldown must not be negative")
	}
	if c.Scheduler.Enabled && c.Scheduler.SweepSpec == "" {
		return fmt.Errorf("scheduler.sweep_spec is required when the scheduler is enabled")
	}
	if c.Security.EnableAuthentication && c.Security.JWTSecret == "" {
		return fmt.Errorf("security.jwt_secret is required when authentication is enabled")
	}
	if c.Kafka.Enabled && len(c.Kafka.Brokers) == 0 {
		return fmt.Errorf("kafka.brokers is required when kafka is enabled")
	}
	for name, days := range c.SLA.BaseDays {
		if days <= 0 {
			return fmt.Errorf("sla.base_days.%s must be positive", name)
		}
	}
	return nil
}

// IsProduction reports whether the service runs with production settings
func (c *Config) IsProduction() bool {
	return c.Environment == "production"
}

// setDefaults sets default configuration values
func setDefaults(v *viper.Viper) {
	// General
	v.SetDefault("environment", "development")
	v.SetDefault("debug", false)

	// Server
	v.SetDefault("server.http_port", 8090)
	v.SetDefault("server.read_timeout", "15s")
	v.SetDefault("server.write_timeout", "15s")
	v.SetDefault("server.shutdown_timeout", "30s")

	// Anomaly detection
	v.SetDefault("anomaly.stagnation_days", 90)
	v.SetDefault("anomaly.rapid_progression_days", 1)
	v.SetDefault("anomaly.cooldown", "24h")

	// Scheduler
	v.SetDefault("scheduler.enabled", false)
	v.SetDefault("scheduler.sweep_spec", "0 */15 * * * *")

	// Redis
	v.SetDefault("redis.enabled", false)
	v.SetDefault("redis.host", "localhost")
	v.SetDefault("redis.port", 6379)
	v.SetDefault("redis.password", "")
	v.SetDefault("redis.db", 0)
	v.SetDefault("redis.pool_size", 10)
	v.SetDefault("redis.key_prefix", "lifecycle")

	// Database
	v.SetDefault("database.enabled", false)
	v.SetDefault("database.host", "localhost")
	v.SetDefault("database.port", 5432)
	v.SetDefault("database.name", "aegisshield_lifecycle")
	v.SetDefault("database.username", "postgres")
	v.SetDefault("database.password", "postgres")
	v.SetDefault("database.ssl_mode", "disable")
	v.SetDefault("database.max_open_conns", 25)
	v.SetDefault("database.max_idle_conns", 5)
	v.SetDefault("database.conn_max_lifetime", "5m")

	// Kafka
	v.SetDefault("kafka.enabled", false)
	v.SetDefault("kafka.brokers", []string{"localhost:9092"})
	v.SetDefault("kafka.topic", "lifecycle-events")
	v.SetDefault("kafka.batch_timeout", "50ms")

	// Security
	v.SetDefault("security.enable_authentication", false)
	v.SetDefault("security.actor_header", "X-User-ID")

	// Realtime
	v.SetDefault("realtime.enabled", true)
	v.SetDefault("realtime.ping_interval", "54s")
	v.SetDefault("realtime.write_wait", "10s")
	v.SetDefault("realtime.max_message_size", 512)
	v.SetDefault("realtime.buffer_size", 256)
}

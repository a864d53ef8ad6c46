package main

import (
	"fmt"
	"log/slog"
	"os"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// =============================================================================
// Config Types
// =============================================================================

// Config holds all application configuration.
type Config struct {
	Server       ServerConfig       `mapstructure:"server"`
	Database     DatabaseConfig     `mapstructure:"database"`
	Log          LogConfig          `mapstructure:"log"`
	Platform     PlatformConfig     `mapstructure:"platform"`
	Resilience   ResilienceConfig   `mapstructure:"resilience"`
	Pool         PoolConfig         `mapstructure:"pool"`
	Health       HealthConfig       `mapstructure:"health"`
	Orchestrator OrchestratorConfig `mapstructure:"orchestrator"`
	Rollout      RolloutConfig      `mapstructure:"rollout"`
	Events       EventsConfig       `mapstructure:"events"`
}

// ServerConfig holds HTTP server configuration.
type ServerConfig struct {
	Host            string        `mapstructure:"host"`
	Port            int           `mapstructure:"port"`
	ReadTimeout     time.Duration `mapstructure:"read_timeout"`
	WriteTimeout    time.Duration `mapstructure:"write_timeout"`
	ShutdownTimeout time.Duration `mapstructure:"shutdown_timeout"`
}

// Address returns the server address in host:port format.
func (c ServerConfig) Address() string {
	return fmt.Sprintf("%s:%d", c.Host, c.Port)
}

// DatabaseConfig holds control-store configuration.
type DatabaseConfig struct {
	DSN string `mapstructure:"dsn"`
}

// LogConfig holds logging configuration.
type LogConfig struct {
	Level  string `mapstructure:"level"`
	Format string `mapstructure:"format"`
}

// PlatformConfig holds the deployment platform's two outward faces: the
// control-plane API and the deploy CLI.
type PlatformConfig struct {
	APIURL            string        `mapstructure:"api_url"`
	APIKey            string        `mapstructure:"api_key"`
	APITimeout        time.Duration `mapstructure:"api_timeout"`
	RequestsPerSecond float64       `mapstructure:"requests_per_second"`
	Burst             int           `mapstructure:"burst"`
	DeployBinary      string        `mapstructure:"deploy_binary"`
	WorkDir           string        `mapstructure:"work_dir"`
	HealthScheme      string        `mapstructure:"health_scheme"`
	DefaultHealthPath string        `mapstructure:"default_health_path"`
}

// ResilienceConfig holds retry and circuit breaker configuration.
type ResilienceConfig struct {
	MaxRetries       int           `mapstructure:"max_retries"`
	BaseDelay        time.Duration `mapstructure:"base_delay"`
	CapDelay         time.Duration `mapstructure:"cap_delay"`
	AttemptTimeout   time.Duration `mapstructure:"attempt_timeout"`
	CircuitThreshold int           `mapstructure:"circuit_threshold"`
	CircuitTimeout   time.Duration `mapstructure:"circuit_timeout"`
}

// PoolConfig holds resource pool configuration. DataDir is where the
// per-resource data stores live.
type PoolConfig struct {
	DataDir        string        `mapstructure:"data_dir"`
	MaxSize        int           `mapstructure:"max_size"`
	IdleTimeout    time.Duration `mapstructure:"idle_timeout"`
	PollInterval   time.Duration `mapstructure:"poll_interval"`
	AcquireTimeout time.Duration `mapstructure:"acquire_timeout"`
	QueryTimeout   time.Duration `mapstructure:"query_timeout"`
	TxTimeout      time.Duration `mapstructure:"tx_timeout"`
	SweepInterval  time.Duration `mapstructure:"sweep_interval"`
}

// HealthConfig holds post-deploy health verification configuration.
type HealthConfig struct {
	MaxAttempts  int           `mapstructure:"max_attempts"`
	BaseDelay    time.Duration `mapstructure:"base_delay"`
	CapDelay     time.Duration `mapstructure:"cap_delay"`
	Deadline     time.Duration `mapstructure:"deadline"`
	CheckTimeout time.Duration `mapstructure:"check_timeout"`
}

// OrchestratorConfig holds per-session lifecycle configuration.
type OrchestratorConfig struct {
	PhaseTimeout time.Duration `mapstructure:"phase_timeout"`
}

// RolloutConfig holds multi-target rollout configuration. PlanPath, when
// set, names a YAML plan the server launches once at startup.
type RolloutConfig struct {
	MaxConcurrent int           `mapstructure:"max_concurrent"`
	TargetTimeout time.Duration `mapstructure:"target_timeout"`
	PlanPath      string        `mapstructure:"plan_path"`
}

// EventsConfig holds event stream configuration.
type EventsConfig struct {
	Enabled bool `mapstructure:"enabled"`
}

// =============================================================================
// Config Loading
// =============================================================================

// LoadConfig loads configuration from file and environment.
func LoadConfig(configPath string) (*Config, error) {
	v := viper.New()

	// Set defaults
	v.SetDefault("server.host", "0.0.0.0")
	v.SetDefault("server.port", 8080)
	v.SetDefault("server.read_timeout", "30s")
	v.SetDefault("server.write_timeout", "30s")
	v.SetDefault("server.shutdown_timeout", "30s")
	v.SetDefault("database.dsn", "./data/shipway.db")
	v.SetDefault("log.level", "info")
	v.SetDefault("log.format", "json")

	// Platform defaults
	v.SetDefault("platform.api_url", "")
	v.SetDefault("platform.api_key", "")
	v.SetDefault("platform.api_timeout", "10s")
	v.SetDefault("platform.requests_per_second", 0)
	v.SetDefault("platform.burst", 0)
	v.SetDefault("platform.deploy_binary", "shipctl")
	v.SetDefault("platform.work_dir", "")
	v.SetDefault("platform.health_scheme", "https")
	v.SetDefault("platform.default_health_path", "/health")

	// Resilience defaults
	v.SetDefault("resilience.max_retries", 3)
	v.SetDefault("resilience.base_delay", "200ms")
	v.SetDefault("resilience.cap_delay", "30s")
	v.SetDefault("resilience.attempt_timeout", "30s")
	v.SetDefault("resilience.circuit_threshold", 5)
	v.SetDefault("resilience.circuit_timeout", "30s")

	// Pool defaults
	v.SetDefault("pool.data_dir", "./data/resources")
	v.SetDefault("pool.max_size", 10)
	v.SetDefault("pool.idle_timeout", "5m")
	v.SetDefault("pool.poll_interval", "50ms")
	v.SetDefault("pool.acquire_timeout", "10s")
	v.SetDefault("pool.query_timeout", "10s")
	v.SetDefault("pool.tx_timeout", "30s")
	v.SetDefault("pool.sweep_interval", "1m")

	// Health defaults
	v.SetDefault("health.max_attempts", 10)
	v.SetDefault("health.base_delay", "500ms")
	v.SetDefault("health.cap_delay", "10s")
	v.SetDefault("health.deadline", "2m")
	v.SetDefault("health.check_timeout", "5s")

	// Orchestrator defaults
	v.SetDefault("orchestrator.phase_timeout", "10m")

	// Rollout defaults
	v.SetDefault("rollout.max_concurrent", 4)
	v.SetDefault("rollout.target_timeout", "30m")
	v.SetDefault("rollout.plan_path", "")

	// Events defaults
	v.SetDefault("events.enabled", true)

	// Load from file if provided
	if configPath != "" {
		v.SetConfigFile(configPath)
		if err := v.ReadInConfig(); err != nil {
			// Only return error if file was explicitly specified and is invalid
			if _, ok := err.(viper.ConfigParseError); ok {
				return nil, fmt.Errorf("failed to parse config file: %w", err)
			}
			// File not found is OK, we'll use defaults
		}
	}

	// Enable environment variable overrides
	v.SetEnvPrefix("SHIPWAY")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	// Unmarshal config
	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return &cfg, nil
}

// Validate rejects configurations the server cannot start with. Zero values
// mean "use the component default" throughout, so only impossible values
// fail here.
func (c *Config) Validate() error {
	if c.Server.Port < 1 || c.Server.Port > 65535 {
		return fmt.Errorf("server.port must be between 1 and 65535, got %d", c.Server.Port)
	}
	if c.Database.DSN == "" {
		return fmt.Errorf("database.dsn must not be empty")
	}
	if c.Resilience.MaxRetries < 0 {
		return fmt.Errorf("resilience.max_retries must not be negative, got %d", c.Resilience.MaxRetries)
	}
	if c.Rollout.MaxConcurrent < 0 {
		return fmt.Errorf("rollout.max_concurrent must not be negative, got %d", c.Rollout.MaxConcurrent)
	}
	return nil
}

// =============================================================================
// Logger Setup
// =============================================================================

// SetupLogger creates a logger with the configured level and format.
func SetupLogger(cfg *Config) *slog.Logger {
	var level slog.Level
	switch strings.ToLower(cfg.Log.Level) {
	case "debug":
		level = slog.LevelDebug
	case "info":
		level = slog.LevelInfo
	case "warn", "warning":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	default:
		level = slog.LevelInfo
	}

	opts := &slog.HandlerOptions{
		Level: level,
	}

	var handler slog.Handler
	if strings.ToLower(cfg.Log.Format) == "text" {
		handler = slog.NewTextHandler(os.Stdout, opts)
	} else {
		handler = slog.NewJSONHandler(os.Stdout, opts)
	}

	return slog.New(handler)
}

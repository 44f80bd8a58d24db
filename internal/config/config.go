// Package config provides configuration loading for conductor.
//
// Configuration is read from a YAML file and overridden by CONDUCTOR_*
// environment variables. Sections owned by other packages (logging,
// telemetry) are decoded on demand with Config.Section so those packages
// can keep depending on this one for Duration and Secret.
package config

import (
	"errors"
	"fmt"
	"time"

	"github.com/knadh/koanf/v2"
)

// Config holds the complete conductor configuration.
type Config struct {
	Server       ServerConfig       `koanf:"server"`
	Pipeline     PipelineConfig     `koanf:"pipeline"`
	Convergence  ConvergenceConfig  `koanf:"convergence"`
	Orchestrator OrchestratorConfig `koanf:"orchestrator"`
	Roles        RolesConfig        `koanf:"roles"`
	Backend      BackendConfig      `koanf:"backend"`
	Store        StoreConfig        `koanf:"store"`
	NATS         NATSConfig         `koanf:"nats"`
	Temporal     TemporalConfig     `koanf:"temporal"`

	raw *koanf.Koanf
}

// ServerConfig holds HTTP server configuration.
type ServerConfig struct {
	Host            string   `koanf:"host"`
	Port            int      `koanf:"http_port"`
	ShutdownTimeout Duration `koanf:"shutdown_timeout"`
}

// PipelineConfig controls the pipeline runner.
type PipelineConfig struct {
	PollInterval   Duration `koanf:"poll_interval"`
	StepTimeout    Duration `koanf:"step_timeout"`
	DefinitionsDir string   `koanf:"definitions_dir"`
	WatchDir       bool     `koanf:"watch_dir"`
}

// ConvergenceConfig controls the review/improve loop defaults.
type ConvergenceConfig struct {
	MaxIterations      int      `koanf:"max_iterations"`
	MinScore           *float64 `koanf:"min_score"`
	ReviewTimeout      Duration `koanf:"review_timeout"`
	ImprovementTimeout Duration `koanf:"improvement_timeout"`
	ReviewerRole       string   `koanf:"reviewer_role"`
}

// OrchestratorConfig controls worker supervision.
type OrchestratorConfig struct {
	StaleThreshold  Duration `koanf:"stale_threshold"`
	CleanupInterval Duration `koanf:"cleanup_interval"`
	CleanupMaxAge   Duration `koanf:"cleanup_max_age"`
	CancelStaleWork *bool    `koanf:"cancel_stale_work"`
	AutoHeal        bool     `koanf:"auto_heal"`
}

// RolesConfig locates role definitions.
type RolesConfig struct {
	File         string `koanf:"file"`
	WatchPrompts bool   `koanf:"watch_prompts"`
}

// Backend kinds.
const (
	BackendEcho    = "echo"
	BackendProcess = "process"
	BackendGateway = "gateway"
)

// BackendConfig selects and configures the execution backend.
type BackendConfig struct {
	Kind    string               `koanf:"kind"`
	Process ProcessBackendConfig `koanf:"process"`
	Gateway GatewayBackendConfig `koanf:"gateway"`
}

// ProcessBackendConfig runs each session as a local subprocess.
type ProcessBackendConfig struct {
	Command       string            `koanf:"command"`
	Args          []string          `koanf:"args"`
	WorkDir       string            `koanf:"work_dir"`
	Env           map[string]string `koanf:"env"`
	KeepStdinOpen bool              `koanf:"keep_stdin_open"`
}

// GatewayBackendConfig drives sessions on a remote gateway over HTTP.
type GatewayBackendConfig struct {
	URL          string   `koanf:"url"`
	Token        Secret   `koanf:"token"`
	RateLimit    float64  `koanf:"rate_limit"`
	Burst        int      `koanf:"burst"`
	PollInterval Duration `koanf:"poll_interval"`
	Timeout      Duration `koanf:"timeout"`
	MaxRetries   int      `koanf:"max_retries"`
}

// Store drivers.
const (
	StoreMemory   = "memory"
	StorePostgres = "postgres"
)

// StoreConfig selects persistence for work items and runs.
type StoreConfig struct {
	Driver   string         `koanf:"driver"`
	Postgres PostgresConfig `koanf:"postgres"`
}

// PostgresConfig holds the connection settings for the postgres driver.
type PostgresConfig struct {
	DSN      Secret `koanf:"dsn"`
	MaxConns int32  `koanf:"max_conns"`
}

// NATSConfig controls event publishing.
type NATSConfig struct {
	Enabled       bool   `koanf:"enabled"`
	URL           string `koanf:"url"`
	SubjectPrefix string `koanf:"subject_prefix"`
}

// TemporalConfig controls the maintenance workflow worker.
type TemporalConfig struct {
	Enabled   bool   `koanf:"enabled"`
	HostPort  string `koanf:"host_port"`
	Namespace string `koanf:"namespace"`
	TaskQueue string `koanf:"task_queue"`
	Cron      string `koanf:"cron"`
}

// Default returns a configuration with every default applied.
func Default() *Config {
	cfg := &Config{}
	applyDefaults(cfg)
	return cfg
}

// Section decodes the named top-level section into out. Fields absent from
// the loaded sources keep whatever value out already holds.
func (c *Config) Section(name string, out any) error {
	if c.raw == nil || !c.raw.Exists(name) {
		return nil
	}
	if err := c.raw.Unmarshal(name, out); err != nil {
		return fmt.Errorf("failed to decode %s section: %w", name, err)
	}
	return nil
}

// CancelStaleWorkEnabled resolves the tri-state flag, defaulting to true.
func (o OrchestratorConfig) CancelStaleWorkEnabled() bool {
	return o.CancelStaleWork == nil || *o.CancelStaleWork
}

// Validate validates the configuration.
func (c *Config) Validate() error {
	if c.Server.Port < 1 || c.Server.Port > 65535 {
		return fmt.Errorf("invalid server port: %d (must be 1-65535)", c.Server.Port)
	}
	if c.Server.ShutdownTimeout <= 0 {
		return errors.New("shutdown timeout must be positive")
	}
	if c.Pipeline.PollInterval <= 0 || c.Pipeline.StepTimeout <= 0 {
		return errors.New("pipeline poll interval and step timeout must be positive")
	}
	if c.Convergence.MaxIterations < 1 {
		return fmt.Errorf("invalid convergence max iterations: %d (must be >= 1)", c.Convergence.MaxIterations)
	}
	if m := c.Convergence.MinScore; m != nil && (*m < 0 || *m > 1) {
		return fmt.Errorf("invalid convergence min score: %v (must be 0-1)", *m)
	}
	if c.Convergence.ReviewTimeout <= 0 || c.Convergence.ImprovementTimeout <= 0 {
		return errors.New("convergence timeouts must be positive")
	}
	if c.Orchestrator.StaleThreshold <= 0 {
		return errors.New("orchestrator stale threshold must be positive")
	}

	switch c.Backend.Kind {
	case BackendEcho:
	case BackendProcess:
		if c.Backend.Process.Command == "" {
			return errors.New("process backend requires a command")
		}
	case BackendGateway:
		if c.Backend.Gateway.URL == "" {
			return errors.New("gateway backend requires a url")
		}
	default:
		return fmt.Errorf("unknown backend kind: %q", c.Backend.Kind)
	}

	switch c.Store.Driver {
	case StoreMemory:
	case StorePostgres:
		if !c.Store.Postgres.DSN.IsSet() {
			return errors.New("postgres store requires a dsn")
		}
	default:
		return fmt.Errorf("unknown store driver: %q", c.Store.Driver)
	}

	if c.NATS.Enabled && c.NATS.URL == "" {
		return errors.New("nats url required when nats is enabled")
	}
	if c.Temporal.Enabled && c.Temporal.HostPort == "" {
		return errors.New("temporal host_port required when temporal is enabled")
	}
	return nil
}

// applyDefaults sets default values for missing configuration fields.
func applyDefaults(cfg *Config) {
	if cfg.Server.Host == "" {
		cfg.Server.Host = "127.0.0.1"
	}
	if cfg.Server.Port == 0 {
		cfg.Server.Port = 9780
	}
	if cfg.Server.ShutdownTimeout == 0 {
		cfg.Server.ShutdownTimeout = Duration(10 * time.Second)
	}

	if cfg.Pipeline.PollInterval == 0 {
		cfg.Pipeline.PollInterval = Duration(time.Second)
	}
	if cfg.Pipeline.StepTimeout == 0 {
		cfg.Pipeline.StepTimeout = Duration(300 * time.Second)
	}

	if cfg.Convergence.MaxIterations == 0 {
		cfg.Convergence.MaxIterations = 3
	}
	if cfg.Convergence.MinScore == nil {
		minScore := 0.8
		cfg.Convergence.MinScore = &minScore
	}
	if cfg.Convergence.ReviewTimeout == 0 {
		cfg.Convergence.ReviewTimeout = Duration(180 * time.Second)
	}
	if cfg.Convergence.ImprovementTimeout == 0 {
		cfg.Convergence.ImprovementTimeout = Duration(300 * time.Second)
	}
	if cfg.Convergence.ReviewerRole == "" {
		cfg.Convergence.ReviewerRole = "reviewer"
	}

	if cfg.Orchestrator.StaleThreshold == 0 {
		cfg.Orchestrator.StaleThreshold = Duration(300 * time.Second)
	}
	if cfg.Orchestrator.CleanupInterval == 0 {
		cfg.Orchestrator.CleanupInterval = Duration(5 * time.Minute)
	}
	if cfg.Orchestrator.CleanupMaxAge == 0 {
		cfg.Orchestrator.CleanupMaxAge = Duration(time.Hour)
	}

	if cfg.Backend.Kind == "" {
		cfg.Backend.Kind = BackendEcho
	}
	if cfg.Backend.Gateway.RateLimit == 0 {
		cfg.Backend.Gateway.RateLimit = 5
	}
	if cfg.Backend.Gateway.Burst == 0 {
		cfg.Backend.Gateway.Burst = 10
	}
	if cfg.Backend.Gateway.PollInterval == 0 {
		cfg.Backend.Gateway.PollInterval = Duration(2 * time.Second)
	}
	if cfg.Backend.Gateway.Timeout == 0 {
		cfg.Backend.Gateway.Timeout = Duration(30 * time.Second)
	}
	if cfg.Backend.Gateway.MaxRetries == 0 {
		cfg.Backend.Gateway.MaxRetries = 3
	}

	if cfg.Store.Driver == "" {
		cfg.Store.Driver = StoreMemory
	}
	if cfg.Store.Postgres.MaxConns == 0 {
		cfg.Store.Postgres.MaxConns = 10
	}

	if cfg.NATS.URL == "" {
		cfg.NATS.URL = "nats://localhost:4222"
	}
	if cfg.NATS.SubjectPrefix == "" {
		cfg.NATS.SubjectPrefix = "conductor"
	}

	if cfg.Temporal.HostPort == "" {
		cfg.Temporal.HostPort = "localhost:7233"
	}
	if cfg.Temporal.Namespace == "" {
		cfg.Temporal.Namespace = "default"
	}
	if cfg.Temporal.TaskQueue == "" {
		cfg.Temporal.TaskQueue = "conductor-maintenance"
	}
	if cfg.Temporal.Cron == "" {
		cfg.Temporal.Cron = "*/5 * * * *"
	}
}

// Package config loads node configuration with the three-layer priority used
// throughout the node: defaults, then environment variables, then explicit
// functional options.
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

// StateBackend selects the StateStore implementation the node wires up.
type StateBackend string

const (
	StateBackendMemory StateBackend = "memory"
	StateBackendRedis  StateBackend = "redis"
)

// OTelExporter selects the OpenTelemetry trace exporter.
type OTelExporter string

const (
	OTelExporterStdout OTelExporter = "stdout"
	OTelExporterOTLP   OTelExporter = "otlp"
	OTelExporterNone   OTelExporter = "none"
)

// Config holds every environment-tunable knob of the node.
type Config struct {
	NodeAddr string `env:"NODE_ADDR" default:"0.0.0.0:3000"`

	StateBackend  StateBackend `env:"STATE_BACKEND" default:"memory"`
	RedisAddr     string       `env:"REDIS_ADDR" default:"localhost:6379"`
	RedisPassword string       `env:"REDIS_PASSWORD" default:""`
	RedisDB       int          `env:"REDIS_DB" default:"0"`

	EngineWorkerPoolSize         int   `env:"ENGINE_WORKER_POOL_SIZE" default:"5"`
	EngineNegotiationRequired    bool  `env:"ENGINE_NEGOTIATION_REQUIRED" default:"false"`
	EngineCompensationEnabled    bool  `env:"ENGINE_COMPENSATION_ENABLED" default:"false"`
	EngineNegotiationTimeoutSecs int64 `env:"ENGINE_NEGOTIATION_TIMEOUT_SECONDS" default:"300"`
	EngineNegotiationMaxRounds   int   `env:"ENGINE_NEGOTIATION_MAX_ROUNDS" default:"5"`

	PlannerMaxSteps          int `env:"PLANNER_MAX_STEPS" default:"100"`
	PlannerMaxPlanningTimeMs int `env:"PLANNER_MAX_PLANNING_TIME_MS" default:"30000"`
	PlannerMaxStatesExplored int `env:"PLANNER_MAX_STATES_EXPLORED" default:"10000"`

	ActionCatalogPath string `env:"ACTION_CATALOG_PATH" default:""`

	OTelExporter       OTelExporter `env:"OTEL_EXPORTER" default:"stdout"`
	OTelEndpoint       string       `env:"OTEL_ENDPOINT" default:""`
	OTelServiceName    string       `env:"OTEL_SERVICE_NAME" default:"orpheon-node"`
	CORSAllowedOrigins []string     `env:"CORS_ALLOWED_ORIGINS" default:"*"`
}

// Option mutates a Config after defaults and environment variables have been
// applied, taking the highest priority.
type Option func(*Config)

func WithNodeAddr(addr string) Option {
	return func(c *Config) { c.NodeAddr = addr }
}

func WithStateBackend(backend StateBackend) Option {
	return func(c *Config) { c.StateBackend = backend }
}

func WithEngineWorkerPoolSize(n int) Option {
	return func(c *Config) { c.EngineWorkerPoolSize = n }
}

// Default returns a Config populated entirely from struct-tag defaults.
func Default() *Config {
	return &Config{
		NodeAddr:                     "0.0.0.0:3000",
		StateBackend:                 StateBackendMemory,
		RedisAddr:                    "localhost:6379",
		RedisDB:                      0,
		EngineWorkerPoolSize:         5,
		EngineNegotiationRequired:    false,
		EngineCompensationEnabled:    false,
		EngineNegotiationTimeoutSecs: 300,
		EngineNegotiationMaxRounds:   5,
		PlannerMaxSteps:              100,
		PlannerMaxPlanningTimeMs:     30000,
		PlannerMaxStatesExplored:     10000,
		OTelExporter:                 OTelExporterStdout,
		OTelServiceName:              "orpheon-node",
		CORSAllowedOrigins:           []string{"*"},
	}
}

// Load builds a Config by layering defaults, then environment variables,
// then the supplied options, in that priority order.
func Load(opts ...Option) (*Config, error) {
	cfg := Default()
	if err := cfg.loadFromEnv(); err != nil {
		return nil, fmt.Errorf("config: failed to load environment: %w", err)
	}
	for _, opt := range opts {
		opt(cfg)
	}
	if err := cfg.validate(); err != nil {
		return nil, fmt.Errorf("config: invalid configuration: %w", err)
	}
	return cfg, nil
}

func (c *Config) loadFromEnv() error {
	if v := os.Getenv("NODE_ADDR"); v != "" {
		c.NodeAddr = v
	}
	if v := os.Getenv("STATE_BACKEND"); v != "" {
		c.StateBackend = StateBackend(v)
	}
	if v := os.Getenv("REDIS_ADDR"); v != "" {
		c.RedisAddr = v
	}
	if v := os.Getenv("REDIS_PASSWORD"); v != "" {
		c.RedisPassword = v
	}
	if v := os.Getenv("REDIS_DB"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil {
			return fmt.Errorf("REDIS_DB: %w", err)
		}
		c.RedisDB = n
	}
	if v := os.Getenv("ENGINE_WORKER_POOL_SIZE"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil {
			return fmt.Errorf("ENGINE_WORKER_POOL_SIZE: %w", err)
		}
		c.EngineWorkerPoolSize = n
	}
	if v := os.Getenv("ENGINE_NEGOTIATION_REQUIRED"); v != "" {
		b, err := strconv.ParseBool(v)
		if err != nil {
			return fmt.Errorf("ENGINE_NEGOTIATION_REQUIRED: %w", err)
		}
		c.EngineNegotiationRequired = b
	}
	if v := os.Getenv("ENGINE_COMPENSATION_ENABLED"); v != "" {
		b, err := strconv.ParseBool(v)
		if err != nil {
			return fmt.Errorf("ENGINE_COMPENSATION_ENABLED: %w", err)
		}
		c.EngineCompensationEnabled = b
	}
	if v := os.Getenv("ENGINE_NEGOTIATION_TIMEOUT_SECONDS"); v != "" {
		n, err := strconv.ParseInt(v, 10, 64)
		if err != nil {
			return fmt.Errorf("ENGINE_NEGOTIATION_TIMEOUT_SECONDS: %w", err)
		}
		c.EngineNegotiationTimeoutSecs = n
	}
	if v := os.Getenv("ENGINE_NEGOTIATION_MAX_ROUNDS"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil {
			return fmt.Errorf("ENGINE_NEGOTIATION_MAX_ROUNDS: %w", err)
		}
		c.EngineNegotiationMaxRounds = n
	}
	if v := os.Getenv("PLANNER_MAX_STEPS"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil {
			return fmt.Errorf("PLANNER_MAX_STEPS: %w", err)
		}
		c.PlannerMaxSteps = n
	}
	if v := os.Getenv("PLANNER_MAX_PLANNING_TIME_MS"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil {
			return fmt.Errorf("PLANNER_MAX_PLANNING_TIME_MS: %w", err)
		}
		c.PlannerMaxPlanningTimeMs = n
	}
	if v := os.Getenv("PLANNER_MAX_STATES_EXPLORED"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil {
			return fmt.Errorf("PLANNER_MAX_STATES_EXPLORED: %w", err)
		}
		c.PlannerMaxStatesExplored = n
	}
	if v := os.Getenv("ACTION_CATALOG_PATH"); v != "" {
		c.ActionCatalogPath = v
	}
	if v := os.Getenv("OTEL_EXPORTER"); v != "" {
		c.OTelExporter = OTelExporter(v)
	}
	if v := os.Getenv("OTEL_ENDPOINT"); v != "" {
		c.OTelEndpoint = v
	}
	if v := os.Getenv("OTEL_SERVICE_NAME"); v != "" {
		c.OTelServiceName = v
	}
	if v := os.Getenv("CORS_ALLOWED_ORIGINS"); v != "" {
		c.CORSAllowedOrigins = strings.Split(v, ",")
	}
	return nil
}

func (c *Config) validate() error {
	if c.NodeAddr == "" {
		return fmt.Errorf("NodeAddr must not be empty")
	}
	switch c.StateBackend {
	case StateBackendMemory, StateBackendRedis:
	default:
		return fmt.Errorf("unknown state backend %q", c.StateBackend)
	}
	if c.EngineWorkerPoolSize < 1 {
		return fmt.Errorf("EngineWorkerPoolSize must be >= 1")
	}
	return nil
}

// PlanningTimeout returns PlannerMaxPlanningTimeMs as a time.Duration.
func (c *Config) PlanningTimeout() time.Duration {
	return time.Duration(c.PlannerMaxPlanningTimeMs) * time.Millisecond
}

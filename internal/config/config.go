package config

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"gopkg.in/yaml.v3"
)

// Config is the application configuration. Values come from defaults, then an
// optional YAML file, then environment variables — later sources win.
type Config struct {
	Server    ServerConfig    `json:"server" yaml:"server"`
	Bus       BusConfig       `json:"bus" yaml:"bus"`
	Store     StoreConfig     `json:"store" yaml:"store"`
	Persist   PersistConfig   `json:"persist" yaml:"persist"`
	Exec      ExecConfig      `json:"exec" yaml:"exec"`
	Workflow  WorkflowConfig  `json:"workflow" yaml:"workflow"`
	Balancer  BalancerConfig  `json:"lb" yaml:"lb"`
	Selector  SelectorConfig  `json:"selector" yaml:"selector"`
	State     StateConfig     `json:"state" yaml:"state"`
	Messaging MessagingConfig `json:"messaging" yaml:"messaging"`
	Logging   LoggingConfig   `json:"logging" yaml:"logging"`
	Telemetry TelemetryConfig `json:"telemetry" yaml:"telemetry"`
}

// ServerConfig contains HTTP server settings
type ServerConfig struct {
	Host         string        `json:"host" yaml:"host"`
	Port         string        `json:"port" yaml:"port"`
	ReadTimeout  time.Duration `json:"read_timeout" yaml:"read_timeout"`
	WriteTimeout time.Duration `json:"write_timeout" yaml:"write_timeout"`
	IdleTimeout  time.Duration `json:"idle_timeout" yaml:"idle_timeout"`
	AuthSecret   string        `json:"-" yaml:"auth_secret"`
}

// BusConfig contains event bus settings
type BusConfig struct {
	MaxHistorySize int `json:"max_history_size" yaml:"max_history_size"`
}

// StoreConfig contains event store settings
type StoreConfig struct {
	Backend       string        `json:"backend" yaml:"backend"` // memory | postgres
	DatabaseURL   string        `json:"database_url" yaml:"database_url"`
	MaxOpenConns  int           `json:"max_open_conns" yaml:"max_open_conns"`
	BatchSize     int           `json:"batch_size" yaml:"batch_size"`
	FlushInterval time.Duration `json:"flush_interval" yaml:"flush_interval"`
}

// PersistConfig contains agent state persistence settings
type PersistConfig struct {
	Backend      string        `json:"backend" yaml:"backend"` // memory | file | redis
	Directory    string        `json:"directory" yaml:"directory"`
	RedisURL     string        `json:"redis_url" yaml:"redis_url"`
	SaveDebounce time.Duration `json:"save_debounce" yaml:"save_debounce"`
}

// ExecConfig contains execution engine settings
type ExecConfig struct {
	MaxConcurrency    int           `json:"max_concurrency" yaml:"max_concurrency"`
	RetryAttempts     int           `json:"retry_attempts" yaml:"retry_attempts"`
	RetryDelay        time.Duration `json:"retry_delay" yaml:"retry_delay"`
	ContinueOnFailure bool          `json:"continue_on_failure" yaml:"continue_on_failure"`
}

// WorkflowConfig contains workflow engine settings
type WorkflowConfig struct {
	MaxConcurrentNodes  int           `json:"max_concurrent_nodes" yaml:"max_concurrent_nodes"`
	DefaultTaskTimeout  time.Duration `json:"default_task_timeout" yaml:"default_task_timeout"`
	SubWorkflowTimeout  time.Duration `json:"sub_workflow_timeout" yaml:"sub_workflow_timeout"`
	MaxSubWorkflowDepth int           `json:"max_sub_workflow_depth" yaml:"max_sub_workflow_depth"`
}

// BalancerConfig contains load balancer settings
type BalancerConfig struct {
	CircuitBreakerThreshold int           `json:"circuit_breaker_threshold" yaml:"circuit_breaker_threshold"`
	MaxAlternatives         int           `json:"max_alternatives" yaml:"max_alternatives"`
	AffinityTTL             time.Duration `json:"affinity_ttl" yaml:"affinity_ttl"`
}

// SelectorConfig contains agent selector settings
type SelectorConfig struct {
	SkillWeight       float64 `json:"skill_weight" yaml:"skill_weight"`
	CostWeight        float64 `json:"cost_weight" yaml:"cost_weight"`
	ReliabilityWeight float64 `json:"reliability_weight" yaml:"reliability_weight"`
	LoadWeight        float64 `json:"load_weight" yaml:"load_weight"`
}

// StateConfig contains agent state machine settings
type StateConfig struct {
	ErrorRetryLimit   int           `json:"error_retry_limit" yaml:"error_retry_limit"`
	HeartbeatTimeout  time.Duration `json:"heartbeat_timeout" yaml:"heartbeat_timeout"`
	HeartbeatInterval time.Duration `json:"heartbeat_interval" yaml:"heartbeat_interval"`
}

// MessagingConfig contains Kafka bridge settings
type MessagingConfig struct {
	Enabled       bool     `json:"enabled" yaml:"enabled"`
	Brokers       []string `json:"brokers" yaml:"brokers"`
	PublishTopic  string   `json:"publish_topic" yaml:"publish_topic"`
	ConsumeTopics []string `json:"consume_topics" yaml:"consume_topics"`
	ConsumerGroup string   `json:"consumer_group" yaml:"consumer_group"`
}

// LoggingConfig contains logging settings
type LoggingConfig struct {
	Level       string `json:"level" yaml:"level"`
	Environment string `json:"environment" yaml:"environment"`
}

// TelemetryConfig contains observability settings
type TelemetryConfig struct {
	EnableTracing bool `json:"enable_tracing" yaml:"enable_tracing"`
	EnableMetrics bool `json:"enable_metrics" yaml:"enable_metrics"`
}

// Default returns the configuration defaults
func Default() *Config {
	return &Config{
		Server: ServerConfig{
			Host:         "0.0.0.0",
			Port:         "8080",
			ReadTimeout:  15 * time.Second,
			WriteTimeout: 15 * time.Second,
			IdleTimeout:  60 * time.Second,
		},
		Bus: BusConfig{
			MaxHistorySize: 1000,
		},
		Store: StoreConfig{
			Backend:       "memory",
			DatabaseURL:   "postgres://localhost/agentmesh?sslmode=disable",
			MaxOpenConns:  10,
			BatchSize:     100,
			FlushInterval: 5000 * time.Millisecond,
		},
		Persist: PersistConfig{
			Backend:      "memory",
			Directory:    "data/agent-state",
			RedisURL:     "redis://localhost:6379",
			SaveDebounce: 100 * time.Millisecond,
		},
		Exec: ExecConfig{
			MaxConcurrency:    10,
			RetryAttempts:     1,
			RetryDelay:        0,
			ContinueOnFailure: false,
		},
		Workflow: WorkflowConfig{
			MaxConcurrentNodes:  10,
			DefaultTaskTimeout:  5 * time.Minute,
			SubWorkflowTimeout:  10 * time.Minute,
			MaxSubWorkflowDepth: 8,
		},
		Balancer: BalancerConfig{
			CircuitBreakerThreshold: 3,
			MaxAlternatives:         3,
			AffinityTTL:             30 * time.Minute,
		},
		Selector: SelectorConfig{
			SkillWeight:       0.4,
			CostWeight:        0.2,
			ReliabilityWeight: 0.2,
			LoadWeight:        0.2,
		},
		State: StateConfig{
			ErrorRetryLimit:   3,
			HeartbeatTimeout:  90 * time.Second,
			HeartbeatInterval: 30 * time.Second,
		},
		Messaging: MessagingConfig{
			Enabled:       false,
			Brokers:       []string{"localhost:9092"},
			PublishTopic:  "agentmesh.events",
			ConsumeTopics: []string{"agentmesh.agent-reports"},
			ConsumerGroup: "agentmesh-orchestrator",
		},
		Logging: LoggingConfig{
			Level:       "info",
			Environment: "development",
		},
		Telemetry: TelemetryConfig{
			EnableTracing: true,
			EnableMetrics: true,
		},
	}
}

// Load builds the configuration from defaults, the optional file named by
// AGENTMESH_CONFIG, and environment variables.
func Load() (*Config, error) {
	cfg := Default()

	if path := os.Getenv("AGENTMESH_CONFIG"); path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("failed to read config file %q: %w", path, err)
		}
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("failed to parse config file %q: %w", path, err)
		}
	}

	cfg.Server.Host = getEnv("HOST", cfg.Server.Host)
	cfg.Server.Port = getEnv("PORT", cfg.Server.Port)
	cfg.Server.AuthSecret = getEnv("AUTH_SECRET", cfg.Server.AuthSecret)

	cfg.Bus.MaxHistorySize = getIntEnv("BUS_MAX_HISTORY_SIZE", cfg.Bus.MaxHistorySize)

	cfg.Store.Backend = getEnv("STORE_BACKEND", cfg.Store.Backend)
	cfg.Store.DatabaseURL = getEnv("DATABASE_URL", cfg.Store.DatabaseURL)
	cfg.Store.BatchSize = getIntEnv("STORE_BATCH_SIZE", cfg.Store.BatchSize)
	cfg.Store.FlushInterval = getDurationEnv("STORE_FLUSH_INTERVAL_MS", cfg.Store.FlushInterval)

	cfg.Persist.Backend = getEnv("PERSIST_BACKEND", cfg.Persist.Backend)
	cfg.Persist.Directory = getEnv("PERSIST_DIRECTORY", cfg.Persist.Directory)
	cfg.Persist.RedisURL = getEnv("REDIS_URL", cfg.Persist.RedisURL)
	cfg.Persist.SaveDebounce = getDurationEnv("PERSIST_SAVE_DEBOUNCE_MS", cfg.Persist.SaveDebounce)

	cfg.Exec.MaxConcurrency = getIntEnv("EXEC_MAX_CONCURRENCY", cfg.Exec.MaxConcurrency)
	cfg.Exec.RetryAttempts = getIntEnv("EXEC_RETRY_ATTEMPTS", cfg.Exec.RetryAttempts)
	cfg.Exec.RetryDelay = getDurationEnv("EXEC_RETRY_DELAY_MS", cfg.Exec.RetryDelay)
	cfg.Exec.ContinueOnFailure = getBoolEnv("EXEC_CONTINUE_ON_FAILURE", cfg.Exec.ContinueOnFailure)

	cfg.Workflow.MaxConcurrentNodes = getIntEnv("WORKFLOW_MAX_CONCURRENT_NODES", cfg.Workflow.MaxConcurrentNodes)
	cfg.Workflow.DefaultTaskTimeout = getDurationEnv("WORKFLOW_DEFAULT_TASK_TIMEOUT_MS", cfg.Workflow.DefaultTaskTimeout)
	cfg.Workflow.SubWorkflowTimeout = getDurationEnv("WORKFLOW_SUB_WORKFLOW_TIMEOUT_MS", cfg.Workflow.SubWorkflowTimeout)
	cfg.Workflow.MaxSubWorkflowDepth = getIntEnv("WORKFLOW_MAX_SUB_WORKFLOW_DEPTH", cfg.Workflow.MaxSubWorkflowDepth)

	cfg.Balancer.CircuitBreakerThreshold = getIntEnv("LB_CIRCUIT_BREAKER_THRESHOLD", cfg.Balancer.CircuitBreakerThreshold)
	cfg.Balancer.MaxAlternatives = getIntEnv("LB_MAX_ALTERNATIVES", cfg.Balancer.MaxAlternatives)

	cfg.State.ErrorRetryLimit = getIntEnv("STATE_ERROR_RETRY_LIMIT", cfg.State.ErrorRetryLimit)
	cfg.State.HeartbeatTimeout = getDurationEnv("STATE_HEARTBEAT_TIMEOUT_MS", cfg.State.HeartbeatTimeout)

	cfg.Messaging.Enabled = getBoolEnv("MESSAGING_ENABLED", cfg.Messaging.Enabled)
	cfg.Logging.Level = getEnv("LOG_LEVEL", cfg.Logging.Level)
	cfg.Logging.Environment = getEnv("ENVIRONMENT", cfg.Logging.Environment)

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate rejects configurations that cannot work
func (c *Config) Validate() error {
	if c.Bus.MaxHistorySize <= 0 {
		return fmt.Errorf("bus.max_history_size must be positive")
	}
	if c.Store.BatchSize <= 0 {
		return fmt.Errorf("store.batch_size must be positive")
	}
	if c.Exec.MaxConcurrency <= 0 {
		return fmt.Errorf("exec.max_concurrency must be positive")
	}
	if c.Exec.RetryAttempts <= 0 {
		return fmt.Errorf("exec.retry_attempts must be positive")
	}
	if c.Workflow.MaxConcurrentNodes <= 0 {
		return fmt.Errorf("workflow.max_concurrent_nodes must be positive")
	}
	if c.Balancer.CircuitBreakerThreshold <= 0 {
		return fmt.Errorf("lb.circuit_breaker_threshold must be positive")
	}
	switch c.Store.Backend {
	case "memory", "postgres":
	default:
		return fmt.Errorf("unknown store backend %q", c.Store.Backend)
	}
	switch c.Persist.Backend {
	case "memory", "file", "redis":
	default:
		return fmt.Errorf("unknown persist backend %q", c.Persist.Backend)
	}
	weightSum := c.Selector.SkillWeight + c.Selector.CostWeight + c.Selector.ReliabilityWeight + c.Selector.LoadWeight
	if weightSum <= 0 {
		return fmt.Errorf("selector weights must sum to a positive value")
	}
	return nil
}

func getEnv(key, fallback string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return fallback
}

func getIntEnv(key string, fallback int) int {
	if value := os.Getenv(key); value != "" {
		if parsed, err := strconv.Atoi(value); err == nil {
			return parsed
		}
	}
	return fallback
}

func getBoolEnv(key string, fallback bool) bool {
	if value := os.Getenv(key); value != "" {
		if parsed, err := strconv.ParseBool(value); err == nil {
			return parsed
		}
	}
	return fallback
}

// getDurationEnv reads a millisecond count
func getDurationEnv(key string, fallback time.Duration) time.Duration {
	if value := os.Getenv(key); value != "" {
		if parsed, err := strconv.Atoi(value); err == nil {
			return time.Duration(parsed) * time.Millisecond
		}
	}
	return fallback
}

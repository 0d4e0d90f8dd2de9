package domain

import (
	"fmt"
	"time"
)

// Config holds the complete Kite configuration.
type Config struct {
	// Server settings
	Server ServerConfig `json:"server"`

	// Component configurations
	Repository RepositoryConfig `json:"repository"`
	Cache      CacheConfig      `json:"cache"`
	EventBus   EventBusConfig   `json:"eventBus"`

	// Detection is the hot-reloadable portion of the configuration;
	// the rest requires a restart.
	Detection DetectionConfig `json:"detection"`

	// Model scorer endpoint. Empty means the scorer is disabled and
	// detection runs rule-only regardless of EnableAIDetection.
	ModelEndpoint string `json:"modelEndpoint"`

	// Case-management endpoint fraud reports are forwarded to.
	// Empty means reports are acknowledged locally.
	CaseManagementEndpoint string `json:"caseManagementEndpoint"`

	// Observability
	Logging LoggingConfig `json:"logging"`
	Tracing TracingConfig `json:"tracing"`
}

// DetectionConfig is the hot-reloadable detection configuration.
type DetectionConfig struct {
	// FraudThreshold marks a decision as fraud at or above this score.
	// Valid range 50-100.
	FraudThreshold int `json:"fraud_threshold"`

	// AlertThreshold emits an alert event at or above this score.
	// Valid range 10-70.
	AlertThreshold int `json:"alert_threshold"`

	// Engine toggles. At least one must stay enabled.
	EnableAIDetection bool `json:"enable_ai_detection"`
	EnableRuleEngine  bool `json:"enable_rule_engine"`

	// APITimeoutMs bounds the model scoring call.
	APITimeoutMs int `json:"api_timeout_ms"`

	// BatchSize bounds concurrent scoring inside detect/batch.
	BatchSize int `json:"batch_size"`

	// MaxPageSize caps the query read path.
	MaxPageSize int `json:"max_page_size"`
}

// Validate checks threshold ranges and engine toggles.
func (c DetectionConfig) Validate() error {
	if c.FraudThreshold < 50 || c.FraudThreshold > 100 {
		return fmt.Errorf("fraud_threshold must be in [50,100], got %d", c.FraudThreshold)
	}
	if c.AlertThreshold < 10 || c.AlertThreshold > 70 {
		return fmt.Errorf("alert_threshold must be in [10,70], got %d", c.AlertThreshold)
	}
	if c.AlertThreshold > c.FraudThreshold {
		return fmt.Errorf("alert_threshold %d exceeds fraud_threshold %d", c.AlertThreshold, c.FraudThreshold)
	}
	if !c.EnableAIDetection && !c.EnableRuleEngine {
		return fmt.Errorf("at least one of enable_ai_detection and enable_rule_engine must be enabled")
	}
	if c.APITimeoutMs <= 0 {
		return fmt.Errorf("api_timeout_ms must be positive, got %d", c.APITimeoutMs)
	}
	if c.BatchSize <= 0 {
		return fmt.Errorf("batch_size must be positive, got %d", c.BatchSize)
	}
	if c.MaxPageSize <= 0 {
		return fmt.Errorf("max_page_size must be positive, got %d", c.MaxPageSize)
	}
	return nil
}

// ServerConfig holds HTTP server settings.
type ServerConfig struct {
	Host         string `json:"host"`
	Port         int    `json:"port"`
	ReadTimeout  int    `json:"readTimeout"`  // seconds
	WriteTimeout int    `json:"writeTimeout"` // seconds
}

// LoggingConfig holds logging settings.
type LoggingConfig struct {
	Level  string `json:"level"`  // debug, info, warn, error
	Format string `json:"format"` // json, text
}

// TracingConfig holds OpenTelemetry settings.
type TracingConfig struct {
	Enabled      bool   `json:"enabled"`
	ServiceName  string `json:"serviceName"`
	ExporterType string `json:"exporterType"` // stdout, otlp, jaeger
	Endpoint     string `json:"endpoint"`
}

// DefaultDetectionConfig returns the detection defaults.
func DefaultDetectionConfig() DetectionConfig {
	return DetectionConfig{
		FraudThreshold:    70,
		AlertThreshold:    40,
		EnableAIDetection: true,
		EnableRuleEngine:  true,
		APITimeoutMs:      300,
		BatchSize:         50,
		MaxPageSize:       500,
	}
}

// DefaultConfig returns a single-node configuration: SQLite, in-process
// LRU cache, and channel bus.
func DefaultConfig() *Config {
	return &Config{
		Server: ServerConfig{
			Host:         "0.0.0.0",
			Port:         8080,
			ReadTimeout:  30,
			WriteTimeout: 30,
		},
		Repository: RepositoryConfig{
			Driver:     "sqlite",
			SQLitePath: "./kite.db",
		},
		Cache: CacheConfig{
			Type:         "memory",
			LocalMaxSize: 10000,
			LocalTTL:     5 * time.Minute,
		},
		EventBus: EventBusConfig{
			Type:              "channel",
			ChannelBufferSize: 1000,
		},
		Detection: DefaultDetectionConfig(),
		Logging: LoggingConfig{
			Level:  "info",
			Format: "json",
		},
		Tracing: TracingConfig{
			Enabled:     false,
			ServiceName: "kite",
		},
	}
}

// ClusterConfig returns a multi-node configuration: PostgreSQL, two-phase
// Redis cache, and NATS bus.
func ClusterConfig() *Config {
	cfg := DefaultConfig()
	cfg.Repository = RepositoryConfig{
		Driver:       "postgres",
		PostgresHost: "localhost",
		PostgresPort: 5432,
		PostgresDB:   "kite",
	}
	cfg.Cache = CacheConfig{
		Type:           "redis",
		RedisAddr:      "localhost:6379",
		EnableTwoPhase: true,
		LocalMaxSize:   1000,
	}
	cfg.EventBus = EventBusConfig{
		Type:              "nats",
		NATSUrl:           "nats://localhost:4222",
		NATSMaxReconnects: 10,
		NATSReconnectWait: 5,
	}
	cfg.Tracing.Enabled = true
	return cfg
}

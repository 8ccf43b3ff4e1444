// Package config provides configuration loading and management for Semflow.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"gopkg.in/yaml.v3"
)

// Config represents the complete Semflow configuration
type Config struct {
	NATS        NATSConfig        `yaml:"nats"`
	Database    DatabaseConfig    `yaml:"database"`
	Coordinator CoordinatorConfig `yaml:"coordinator"`
	Worker      WorkerConfig      `yaml:"worker"`
	Metrics     MetricsConfig     `yaml:"metrics"`
	Workflows   WorkflowsConfig   `yaml:"workflows"`
}

// NATSConfig configures the NATS connection and the JetStream streams
type NATSConfig struct {
	// URL is the NATS server URL
	URL string `yaml:"url"`
	// Storage is the JetStream storage type: "file" or "memory"
	Storage string `yaml:"storage"`
	// Replicas is the stream replica count
	Replicas int `yaml:"replicas"`
	// OutputMaxAge bounds how long task outputs are retained
	OutputMaxAge time.Duration `yaml:"output_max_age"`
	// AckWait is how long a job may stay unacknowledged before redelivery
	AckWait time.Duration `yaml:"ack_wait"`
	// MaxDeliver bounds redeliveries of one job
	MaxDeliver int `yaml:"max_deliver"`
	// StoreDir holds JetStream files of the embedded server used by "semflow dev"
	StoreDir string `yaml:"store_dir"`
}

// DatabaseConfig configures the run store
type DatabaseConfig struct {
	// Driver is "sqlite" or "postgres"
	Driver string `yaml:"driver"`
	// DSN is the driver specific data source name
	DSN             string        `yaml:"dsn"`
	MaxOpenConns    int           `yaml:"max_open_conns"`
	MaxIdleConns    int           `yaml:"max_idle_conns"`
	ConnMaxLifetime time.Duration `yaml:"conn_max_lifetime"`
}

// CoordinatorConfig configures the coordinator loop
type CoordinatorConfig struct {
	TickInterval time.Duration `yaml:"tick_interval"`
	FetchTimeout time.Duration `yaml:"fetch_timeout"`
}

// WorkerConfig configures the worker slots
type WorkerConfig struct {
	// NumWorkers is the number of slots; -1 uses one per CPU
	NumWorkers       int           `yaml:"num_workers"`
	TickInterval     time.Duration `yaml:"tick_interval"`
	FetchTimeout     time.Duration `yaml:"fetch_timeout"`
	ExecutionTimeout time.Duration `yaml:"execution_timeout"`
	// ReclaimAfter is the idle time after which a redelivered assignment
	// takes over a claimed task; zero derives it from ExecutionTimeout
	ReclaimAfter time.Duration `yaml:"reclaim_after,omitempty"`
}

// MetricsConfig configures the Prometheus endpoint
type MetricsConfig struct {
	// Addr is the listen address; empty disables the endpoint
	Addr string `yaml:"addr"`
}

// WorkflowsConfig locates workflow definitions
type WorkflowsConfig struct {
	// Dir holds workflow YAML files; empty registers only built-in workflows
	Dir string `yaml:"dir"`
}

// DefaultConfig returns a Config with sensible defaults
func DefaultConfig() *Config {
	return &Config{
		NATS: NATSConfig{
			URL:          "nats://localhost:4222",
			Storage:      "file",
			Replicas:     1,
			OutputMaxAge: 7 * 24 * time.Hour,
			AckWait:      10 * time.Minute,
			MaxDeliver:   5,
		},
		Database: DatabaseConfig{
			Driver: "sqlite",
			DSN:    "semflow.db",
		},
		Coordinator: CoordinatorConfig{
			TickInterval: 10 * time.Second,
			FetchTimeout: 5 * time.Second,
		},
		Worker: WorkerConfig{
			NumWorkers:       2,
			TickInterval:     10 * time.Second,
			FetchTimeout:     5 * time.Second,
			ExecutionTimeout: 5 * time.Minute,
		},
	}
}

// Validate checks that the configuration is valid
func (c *Config) Validate() error {
	if c.NATS.URL == "" {
		return fmt.Errorf("nats.url is required")
	}
	if c.NATS.Storage != "file" && c.NATS.Storage != "memory" {
		return fmt.Errorf("nats.storage must be file or memory")
	}
	if c.Database.Driver != "sqlite" && c.Database.Driver != "postgres" {
		return fmt.Errorf("database.driver must be sqlite or postgres")
	}
	if c.Database.DSN == "" {
		return fmt.Errorf("database.dsn is required")
	}
	if c.Coordinator.TickInterval <= 0 {
		return fmt.Errorf("coordinator.tick_interval must be positive")
	}
	if c.Worker.TickInterval <= 0 {
		return fmt.Errorf("worker.tick_interval must be positive")
	}
	if c.Worker.NumWorkers == 0 || c.Worker.NumWorkers < -1 {
		return fmt.Errorf("worker.num_workers must be positive or -1")
	}
	if c.Worker.ReclaimAfter != 0 && c.Worker.ReclaimAfter <= c.Worker.ExecutionTimeout {
		return fmt.Errorf("worker.reclaim_after must exceed worker.execution_timeout")
	}
	return nil
}

// LoadFromFile loads configuration from a YAML file
func LoadFromFile(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	config := &Config{}
	if err := yaml.Unmarshal(data, config); err != nil {
		return nil, fmt.Errorf("failed to parse config file: %w", err)
	}

	return config, nil
}

// SaveToFile saves configuration to a YAML file
func (c *Config) SaveToFile(path string) error {
	// Ensure parent directory exists
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return fmt.Errorf("failed to create config directory: %w", err)
	}

	data, err := yaml.Marshal(c)
	if err != nil {
		return fmt.Errorf("failed to marshal config: %w", err)
	}

	if err := os.WriteFile(path, data, 0644); err != nil {
		return fmt.Errorf("failed to write config file: %w", err)
	}

	return nil
}

// Merge merges another config into this one (other takes precedence for non-zero values)
func (c *Config) Merge(other *Config) {
	if other == nil {
		return
	}

	// NATS
	setString(&c.NATS.URL, other.NATS.URL)
	setString(&c.NATS.Storage, other.NATS.Storage)
	setString(&c.NATS.StoreDir, other.NATS.StoreDir)
	setInt(&c.NATS.Replicas, other.NATS.Replicas)
	setInt(&c.NATS.MaxDeliver, other.NATS.MaxDeliver)
	setDuration(&c.NATS.OutputMaxAge, other.NATS.OutputMaxAge)
	setDuration(&c.NATS.AckWait, other.NATS.AckWait)

	// Database
	setString(&c.Database.Driver, other.Database.Driver)
	setString(&c.Database.DSN, other.Database.DSN)
	setInt(&c.Database.MaxOpenConns, other.Database.MaxOpenConns)
	setInt(&c.Database.MaxIdleConns, other.Database.MaxIdleConns)
	setDuration(&c.Database.ConnMaxLifetime, other.Database.ConnMaxLifetime)

	// Coordinator
	setDuration(&c.Coordinator.TickInterval, other.Coordinator.TickInterval)
	setDuration(&c.Coordinator.FetchTimeout, other.Coordinator.FetchTimeout)

	// Worker
	setInt(&c.Worker.NumWorkers, other.Worker.NumWorkers)
	setDuration(&c.Worker.TickInterval, other.Worker.TickInterval)
	setDuration(&c.Worker.FetchTimeout, other.Worker.FetchTimeout)
	setDuration(&c.Worker.ExecutionTimeout, other.Worker.ExecutionTimeout)
	setDuration(&c.Worker.ReclaimAfter, other.Worker.ReclaimAfter)

	setString(&c.Metrics.Addr, other.Metrics.Addr)
	setString(&c.Workflows.Dir, other.Workflows.Dir)
}

func setString(dst *string, v string) {
	if v != "" {
		*dst = v
	}
}

func setInt(dst *int, v int) {
	if v != 0 {
		*dst = v
	}
}

func setDuration(dst *time.Duration, v time.Duration) {
	if v != 0 {
		*dst = v
	}
}

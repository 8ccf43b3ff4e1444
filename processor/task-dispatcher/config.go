package taskdispatcher

import (
	"fmt"
	"reflect"
	"runtime"
	"time"

	"github.com/c360studio/semstreams/component"

	"github.com/c360studio/semflow/bus"
)

// taskDispatcherSchema defines the configuration schema.
var taskDispatcherSchema = component.GenerateConfigSchema(reflect.TypeOf(Config{}))

// Config holds configuration for the task-dispatcher component.
type Config struct {
	// NumWorkers is the number of dispatch slots; -1 uses one per CPU.
	NumWorkers int `json:"num_workers" schema:"type:int,description:Number of dispatch slots (-1 for one per CPU),category:basic,default:2,min:-1"`

	// TickInterval is the fixed polling period while the assignment queue is idle.
	TickInterval string `json:"tick_interval" schema:"type:string,description:Polling period while the assignment queue is idle,category:basic,default:10s"`

	// FetchTimeout bounds how long one fetch waits for an assignment.
	FetchTimeout string `json:"fetch_timeout" schema:"type:string,description:Maximum wait for one assignment,category:advanced,default:5s"`

	// ExecutionTimeout bounds a single executor invocation.
	ExecutionTimeout string `json:"execution_timeout" schema:"type:string,description:Timeout for one task execution,category:advanced,default:300s"`

	// ReclaimAfter is how long a claimed task may go without an update before
	// a redelivered assignment takes it over. Empty means execution_timeout
	// plus one minute.
	ReclaimAfter string `json:"reclaim_after,omitempty" schema:"type:string,description:Idle time after which a redelivered assignment takes over a claimed task,category:advanced"`

	// Ports contains input/output port definitions.
	Ports *component.PortConfig `json:"ports,omitempty" schema:"type:ports,description:Input/output port definitions,category:basic"`
}

// DefaultConfig returns sensible default configuration.
func DefaultConfig() Config {
	return Config{
		NumWorkers:       2,
		TickInterval:     "10s",
		FetchTimeout:     "5s",
		ExecutionTimeout: "300s",
		Ports: &component.PortConfig{
			Inputs: []component.PortDefinition{
				{
					Name:        "assignments",
					Type:        "jetstream",
					Subject:     bus.SubjectAssignments,
					StreamName:  bus.DefaultJobsStream,
					Description: "Receive task assignments",
					Required:    true,
				},
				{
					Name:        "task-inputs",
					Type:        "jetstream",
					Subject:     bus.OutputSubjectPrefix + ".>",
					StreamName:  bus.DefaultOutputsStream,
					Description: "Read parent task outputs",
					Required:    true,
				},
			},
			Outputs: []component.PortDefinition{
				{
					Name:        "task-outputs",
					Type:        "jetstream",
					Subject:     bus.OutputSubjectPrefix + ".>",
					StreamName:  bus.DefaultOutputsStream,
					Description: "Publish task outputs for descendants",
					Required:    true,
				},
				{
					Name:        "completions",
					Type:        "jetstream",
					Subject:     bus.SubjectCompletions,
					StreamName:  bus.DefaultJobsStream,
					Description: "Notify the coordinator of finished tasks",
					Required:    true,
				},
			},
		},
	}
}

// Validate validates the configuration.
func (c *Config) Validate() error {
	if c.NumWorkers == 0 || c.NumWorkers < -1 {
		return fmt.Errorf("num_workers must be positive or -1")
	}

	// Validate durations
	if c.TickInterval != "" {
		d, err := time.ParseDuration(c.TickInterval)
		if err != nil {
			return fmt.Errorf("invalid tick_interval: %w", err)
		}
		if d <= 0 {
			return fmt.Errorf("tick_interval must be positive")
		}
	}
	if c.FetchTimeout != "" {
		if _, err := time.ParseDuration(c.FetchTimeout); err != nil {
			return fmt.Errorf("invalid fetch_timeout: %w", err)
		}
	}
	if c.ExecutionTimeout != "" {
		if _, err := time.ParseDuration(c.ExecutionTimeout); err != nil {
			return fmt.Errorf("invalid execution_timeout: %w", err)
		}
	}
	if c.ReclaimAfter != "" {
		d, err := time.ParseDuration(c.ReclaimAfter)
		if err != nil {
			return fmt.Errorf("invalid reclaim_after: %w", err)
		}
		// A live execution must never be taken over.
		if d <= c.GetExecutionTimeout() {
			return fmt.Errorf("reclaim_after must exceed execution_timeout")
		}
	}
	return nil
}

// Slots returns the effective number of dispatch slots.
func (c *Config) Slots() int {
	if c.NumWorkers == -1 {
		return runtime.NumCPU()
	}
	if c.NumWorkers < 1 {
		return 1
	}
	return c.NumWorkers
}

// GetTickInterval returns the tick interval.
// Returns default 10s if parsing fails.
func (c *Config) GetTickInterval() time.Duration {
	d, err := time.ParseDuration(c.TickInterval)
	if err != nil || d <= 0 {
		return 10 * time.Second
	}
	return d
}

// GetFetchTimeout returns the fetch timeout.
// Returns default 5s if parsing fails.
func (c *Config) GetFetchTimeout() time.Duration {
	d, err := time.ParseDuration(c.FetchTimeout)
	if err != nil || d <= 0 {
		return 5 * time.Second
	}
	return d
}

// GetExecutionTimeout returns the execution timeout duration.
// Returns default 300s if parsing fails.
func (c *Config) GetExecutionTimeout() time.Duration {
	d, err := time.ParseDuration(c.ExecutionTimeout)
	if err != nil || d <= 0 {
		return 300 * time.Second
	}
	return d
}

// GetReclaimAfter returns the claim takeover threshold.
// Returns execution timeout plus one minute when unset or invalid.
func (c *Config) GetReclaimAfter() time.Duration {
	d, err := time.ParseDuration(c.ReclaimAfter)
	if err != nil || d <= 0 {
		return c.GetExecutionTimeout() + time.Minute
	}
	return d
}

func (c *Config) applyDefaults() {
	defaults := DefaultConfig()
	if c.NumWorkers == 0 {
		c.NumWorkers = defaults.NumWorkers
	}
	if c.TickInterval == "" {
		c.TickInterval = defaults.TickInterval
	}
	if c.FetchTimeout == "" {
		c.FetchTimeout = defaults.FetchTimeout
	}
	if c.ExecutionTimeout == "" {
		c.ExecutionTimeout = defaults.ExecutionTimeout
	}
	if c.Ports == nil {
		c.Ports = defaults.Ports
	}
}

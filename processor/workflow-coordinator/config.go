package workflowcoordinator

import (
	"fmt"
	"reflect"
	"time"

	"github.com/c360studio/semstreams/component"

	"github.com/c360studio/semflow/bus"
)

// coordinatorSchema defines the configuration schema.
var coordinatorSchema = component.GenerateConfigSchema(reflect.TypeOf(Config{}))

// Config holds configuration for the workflow-coordinator component.
type Config struct {
	// TickInterval is the fixed polling period while the completions queue is idle.
	TickInterval string `json:"tick_interval" schema:"type:string,description:Polling period while the completions queue is idle,category:basic,default:10s"`

	// FetchTimeout bounds how long one fetch waits for a completion.
	FetchTimeout string `json:"fetch_timeout" schema:"type:string,description:Maximum wait for one completion,category:advanced,default:5s"`

	// Ports contains input/output port definitions.
	Ports *component.PortConfig `json:"ports,omitempty" schema:"type:ports,description:Input/output port definitions,category:basic"`
}

// DefaultConfig returns sensible default configuration.
func DefaultConfig() Config {
	return Config{
		TickInterval: "10s",
		FetchTimeout: "5s",
		Ports: &component.PortConfig{
			Inputs: []component.PortDefinition{
				{
					Name:        "completions",
					Type:        "jetstream",
					Subject:     bus.SubjectCompletions,
					StreamName:  bus.DefaultJobsStream,
					Description: "Receive task completion notifications",
					Required:    true,
				},
			},
			Outputs: []component.PortDefinition{
				{
					Name:        "assignments",
					Type:        "jetstream",
					Subject:     bus.SubjectAssignments,
					StreamName:  bus.DefaultJobsStream,
					Description: "Enqueue the tasks of the next phase",
					Required:    true,
				},
				{
					Name:        "state-inputs",
					Type:        "jetstream",
					Subject:     bus.OutputSubjectPrefix + ".>",
					StreamName:  bus.DefaultOutputsStream,
					Description: "Publish the input of the state a transition enters",
					Required:    false,
				},
			},
		},
	}
}

// Validate validates the configuration.
func (c *Config) Validate() error {
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
	return nil
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

func (c *Config) applyDefaults() {
	defaults := DefaultConfig()
	if c.TickInterval == "" {
		c.TickInterval = defaults.TickInterval
	}
	if c.FetchTimeout == "" {
		c.FetchTimeout = defaults.FetchTimeout
	}
	if c.Ports == nil {
		c.Ports = defaults.Ports
	}
}

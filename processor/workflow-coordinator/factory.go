package workflowcoordinator

import (
	"encoding/json"
	"fmt"

	"github.com/c360studio/semstreams/component"
)

// RegistryInterface defines the minimal interface needed for registration.
type RegistryInterface interface {
	RegisterWithConfig(component.RegistrationConfig) error
}

// Register registers the workflow-coordinator component with the given
// registry. Instances created by the registry share deps.
func Register(registry RegistryInterface, deps Deps) error {
	if registry == nil {
		return fmt.Errorf("registry cannot be nil")
	}
	return registry.RegisterWithConfig(component.RegistrationConfig{
		Name: "workflow-coordinator",
		Factory: func(rawConfig json.RawMessage, fw component.Dependencies) (component.Discoverable, error) {
			return NewComponent(rawConfig, fw, deps)
		},
		Schema:      coordinatorSchema,
		Type:        "processor",
		Protocol:    "workflow",
		Domain:      "semflow",
		Description: "Advances workflow runs on task completions",
		Version:     "0.1.0",
	})
}

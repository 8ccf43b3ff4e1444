package workflow

import (
	"errors"
	"fmt"
	"regexp"
)

// Workflow definition errors.
var (
	// ErrInvalidWorkflow is returned for malformed workflow authoring.
	ErrInvalidWorkflow = errors.New("invalid workflow")

	// ErrInvalidTasksDag is returned when a state's task graph has a cycle.
	ErrInvalidTasksDag = errors.New("invalid tasks dag")

	// ErrWorkflowImport is returned when a workflow definition cannot be located or loaded.
	ErrWorkflowImport = errors.New("workflow import failed")
)

// validName matches names that can appear as a single NATS subject token.
var validName = regexp.MustCompile(`^[A-Za-z0-9_-]+$`)

func checkName(kind, name string) error {
	if name == "" {
		return fmt.Errorf("%w: %s name is required", ErrInvalidWorkflow, kind)
	}
	if !validName.MatchString(name) {
		return fmt.Errorf("%w: %s name %q may only contain letters, digits, '_' and '-'", ErrInvalidWorkflow, kind, name)
	}
	return nil
}

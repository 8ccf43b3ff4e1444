package main

import (
	"fmt"

	"github.com/c360studio/semflow/capability"
	"github.com/c360studio/semflow/workflow"
)

// doubler is the smallest useful workflow: one state whose single task
// doubles the numeric field q.
func doubler() *workflow.Workflow {
	w := workflow.New("doubler", "1")
	s, _ := w.AddState("double")
	_, _ = s.AddTask("double", "builtin.double")
	return w
}

// loadCatalog registers the built-in workflows and every workflow found in
// dir, and checks that each one resolves against registry.
func loadCatalog(dir string, registry *capability.Registry) (*workflow.Catalog, error) {
	workflows := []*workflow.Workflow{doubler()}
	if dir != "" {
		loaded, err := workflow.LoadDir(dir)
		if err != nil {
			return nil, fmt.Errorf("load workflows: %w", err)
		}
		workflows = append(workflows, loaded...)
	}

	catalog := workflow.NewCatalog()
	for _, w := range workflows {
		if err := catalog.Register(w); err != nil {
			return nil, fmt.Errorf("register workflow %s: %w", w.ID(), err)
		}
		if err := w.RegisterExecutors(registry); err != nil {
			return nil, fmt.Errorf("register executors of %s: %w", w.ID(), err)
		}
		if err := w.Verify(registry); err != nil {
			return nil, fmt.Errorf("workflow %s: %w", w.ID(), err)
		}
	}
	return catalog, nil
}

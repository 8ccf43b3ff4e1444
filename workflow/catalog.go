package workflow

import (
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"

	"github.com/c360studio/semflow/capability"
)

// Catalog resolves workflow references ("name" or "name:version") to built
// definitions. Processes construct one catalog at start-up and register every
// workflow they can launch.
type Catalog struct {
	mu        sync.RWMutex
	workflows map[string]*Workflow
	latest    map[string]*Workflow
}

// NewCatalog creates an empty catalog.
func NewCatalog() *Catalog {
	return &Catalog{
		workflows: make(map[string]*Workflow),
		latest:    make(map[string]*Workflow),
	}
}

// Register builds w and adds it. The most recently registered version of a
// name is returned for unversioned lookups.
func (c *Catalog) Register(w *Workflow) error {
	if err := w.Build(); err != nil {
		return err
	}
	c.mu.Lock()
	defer c.mu.Unlock()

	if _, exists := c.workflows[w.ID()]; exists {
		return fmt.Errorf("%w: workflow %s already registered", ErrInvalidWorkflow, w.ID())
	}
	c.workflows[w.ID()] = w
	c.latest[w.Name] = w
	return nil
}

// Lookup resolves ref.
func (c *Catalog) Lookup(ref string) (*Workflow, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()

	if strings.Contains(ref, ":") {
		if w, ok := c.workflows[ref]; ok {
			return w, nil
		}
	} else if w, ok := c.latest[ref]; ok {
		return w, nil
	}
	return nil, fmt.Errorf("%w: no workflow registered as %q", ErrWorkflowImport, ref)
}

// IDs returns registered workflow ids in sorted order.
func (c *Catalog) IDs() []string {
	c.mu.RLock()
	defer c.mu.RUnlock()

	ids := make([]string, 0, len(c.workflows))
	for id := range c.workflows {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

// RegisterExecutors adds the workflow's concrete executors to reg. Executors
// already registered under the same key by the same definition are skipped.
func (w *Workflow) RegisterExecutors(reg *capability.Registry) error {
	for key, e := range w.Executors() {
		existing, err := reg.Lookup(key)
		if err == nil {
			if existing != e {
				return fmt.Errorf("%w: %s", capability.ErrDuplicateCapability, key)
			}
			continue
		}
		if err := reg.Register(e); err != nil {
			return err
		}
	}
	return nil
}

// Verify checks that every capability the workflow references resolves in reg.
func (w *Workflow) Verify(reg *capability.Registry) error {
	var errs []error
	for _, key := range w.Capabilities() {
		if _, err := reg.Lookup(key); err != nil {
			errs = append(errs, err)
		}
	}
	if len(errs) > 0 {
		return fmt.Errorf("workflow %s: %w", w.ID(), errors.Join(errs...))
	}
	return nil
}

package workflow

import (
	"fmt"
	"os"
	"path/filepath"
	"sort"

	"gopkg.in/yaml.v3"
)

// Document is the YAML representation of a workflow. Tasks and conditions
// reference capabilities by registry key, so a document can be loaded by any
// process whose registry provides those keys.
type Document struct {
	Name         string               `yaml:"name"`
	Version      string               `yaml:"version"`
	InitialState string               `yaml:"initial_state"`
	States       []StateDocument      `yaml:"states"`
	Transitions  []TransitionDocument `yaml:"transitions"`
}

// StateDocument describes one state.
type StateDocument struct {
	Name  string         `yaml:"name"`
	Tasks []TaskDocument `yaml:"tasks"`
}

// TaskDocument describes one task.
type TaskDocument struct {
	Name       string   `yaml:"name"`
	Capability string   `yaml:"capability"`
	DependsOn  []string `yaml:"depends_on"`
}

// TransitionDocument describes one transition.
type TransitionDocument struct {
	From      string `yaml:"from"`
	Condition string `yaml:"condition"`
	To        string `yaml:"to"`
}

// LoadFile reads and builds a workflow from a YAML file.
func LoadFile(path string) (*Workflow, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("%w: read %s: %v", ErrWorkflowImport, path, err)
	}
	return Parse(data)
}

// LoadDir builds every workflow defined by a .yaml or .yml file in dir, in
// file name order.
func LoadDir(dir string) ([]*Workflow, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, fmt.Errorf("%w: read %s: %v", ErrWorkflowImport, dir, err)
	}
	var names []string
	for _, e := range entries {
		ext := filepath.Ext(e.Name())
		if e.IsDir() || (ext != ".yaml" && ext != ".yml") {
			continue
		}
		names = append(names, e.Name())
	}
	sort.Strings(names)

	workflows := make([]*Workflow, 0, len(names))
	for _, name := range names {
		w, err := LoadFile(filepath.Join(dir, name))
		if err != nil {
			return nil, fmt.Errorf("%s: %w", name, err)
		}
		workflows = append(workflows, w)
	}
	return workflows, nil
}

// Parse builds a workflow from a YAML document.
func Parse(data []byte) (*Workflow, error) {
	var doc Document
	if err := yaml.Unmarshal(data, &doc); err != nil {
		return nil, fmt.Errorf("%w: parse: %v", ErrWorkflowImport, err)
	}
	return doc.Workflow()
}

// Workflow converts the document into a built workflow.
func (d *Document) Workflow() (*Workflow, error) {
	w := New(d.Name, d.Version)

	for _, sd := range d.States {
		s, err := w.AddState(sd.Name)
		if err != nil {
			return nil, err
		}
		for _, td := range sd.Tasks {
			if _, err := s.AddTask(td.Name, td.Capability); err != nil {
				return nil, err
			}
		}
		for _, td := range sd.Tasks {
			parents := make([]*Task, 0, len(td.DependsOn))
			for _, dep := range td.DependsOn {
				p := s.Task(dep)
				if p == nil {
					return nil, fmt.Errorf("%w: task %s.%s depends on unknown task %s", ErrInvalidWorkflow, sd.Name, td.Name, dep)
				}
				parents = append(parents, p)
			}
			if err := s.AddDependency(s.Task(td.Name), parents...); err != nil {
				return nil, err
			}
		}
	}

	if d.InitialState != "" {
		if err := w.SetInitialState(w.State(d.InitialState)); err != nil {
			return nil, err
		}
	}

	for _, td := range d.Transitions {
		if _, err := w.AddTransition(w.State(td.From), td.Condition, w.State(td.To)); err != nil {
			return nil, fmt.Errorf("transition %s -> %s: %w", td.From, td.To, err)
		}
	}

	if err := w.Build(); err != nil {
		return nil, err
	}
	return w, nil
}

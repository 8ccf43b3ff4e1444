// Package storage persists workflow run progress in a relational database
// through GORM. The store is the single source of truth for runs, state
// instances and task instances.
package storage

import (
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"
)

// Status is the lifecycle status shared by runs, states and tasks.
type Status string

const (
	StatusCreated    Status = "created"
	StatusQueued     Status = "queued"
	StatusInProgress Status = "in_progress"
	StatusCompleted  Status = "completed"
	StatusFailed     Status = "failed"
	StatusCanceled   Status = "canceled"
)

// IsTerminal reports whether no further progress is possible.
func (s Status) IsTerminal() bool {
	return s == StatusCompleted || s == StatusFailed || s == StatusCanceled
}

// TransitionRef is the persisted form of a transition: the condition task
// whose output gates it and the name of the target state.
type TransitionRef struct {
	Condition string `json:"condition"`
	Target    string `json:"target"`
}

// WorkflowRun is one execution of a workflow.
type WorkflowRun struct {
	ID              uuid.UUID  `gorm:"type:uuid;primaryKey" json:"id"`
	WorkflowName    string     `gorm:"type:varchar(255);index" json:"workflow_name"`
	WorkflowVersion string     `gorm:"type:varchar(64)" json:"workflow_version"`
	WorkflowID      string     `gorm:"type:varchar(320)" json:"workflow_id"`
	Status          Status     `gorm:"type:varchar(32);index" json:"status"`
	InitialState    string     `gorm:"type:varchar(255)" json:"initial_state"`
	CurrentStateID  *uuid.UUID `gorm:"type:uuid" json:"current_state_id,omitempty"`

	Input      map[string]any `gorm:"serializer:json;type:text" json:"input,omitempty"`
	Output     map[string]any `gorm:"serializer:json;type:text" json:"output,omitempty"`
	Attributes map[string]any `gorm:"serializer:json;type:text" json:"attributes,omitempty"`

	// FailedTask and Error record the task that failed the run.
	FailedTask string `gorm:"type:varchar(255)" json:"failed_task,omitempty"`
	Error      string `gorm:"type:text" json:"error,omitempty"`

	CreatedAt   time.Time  `json:"created_at"`
	UpdatedAt   time.Time  `json:"updated_at"`
	CompletedAt *time.Time `json:"completed_at,omitempty"`

	States []StateInstance `gorm:"foreignKey:RunID;constraint:OnDelete:CASCADE" json:"states,omitempty"`
}

// StateInstance is the run-time progress of one state within a run.
type StateInstance struct {
	ID     uuid.UUID `gorm:"type:uuid;primaryKey" json:"id"`
	RunID  uuid.UUID `gorm:"type:uuid;index" json:"run_id"`
	Name   string    `gorm:"type:varchar(255)" json:"name"`
	Status Status    `gorm:"type:varchar(32)" json:"status"`

	// SortedTasksPhases is frozen at run creation.
	SortedTasksPhases [][]string      `gorm:"serializer:json;type:text" json:"sorted_tasks_phases"`
	CurrentPhaseIndex int             `json:"current_phase_index"`
	Transitions       []TransitionRef `gorm:"serializer:json;type:text" json:"transitions,omitempty"`

	Input      map[string]any `gorm:"serializer:json;type:text" json:"input,omitempty"`
	Output     map[string]any `gorm:"serializer:json;type:text" json:"output,omitempty"`
	Payload    map[string]any `gorm:"serializer:json;type:text" json:"payload,omitempty"`
	Attributes map[string]any `gorm:"serializer:json;type:text" json:"attributes,omitempty"`

	// Entries counts how many times the run has entered this state.
	Entries int `json:"entries"`

	CreatedAt   time.Time  `json:"created_at"`
	UpdatedAt   time.Time  `json:"updated_at"`
	CompletedAt *time.Time `json:"completed_at,omitempty"`

	Tasks []TaskInstance `gorm:"foreignKey:StateInstanceID;constraint:OnDelete:CASCADE" json:"tasks,omitempty"`
}

// TaskInstance is the run-time progress of one task within a state instance.
type TaskInstance struct {
	ID              uuid.UUID `gorm:"type:uuid;primaryKey" json:"id"`
	StateInstanceID uuid.UUID `gorm:"type:uuid;uniqueIndex:idx_task_state_name" json:"state_instance_id"`
	Name            string    `gorm:"type:varchar(255);uniqueIndex:idx_task_state_name" json:"name"`

	// Position is the task's declaration order within its state.
	Position int `json:"position"`

	// DependsOn names parent tasks; first phase tasks depend on "start".
	DependsOn []string `gorm:"serializer:json;type:text" json:"depends_on"`

	// Capability is the registry key resolved by workers.
	Capability  string `gorm:"type:varchar(255)" json:"capability"`
	IsCondition bool   `json:"is_condition"`
	Status      Status `gorm:"type:varchar(32)" json:"status"`

	Input   map[string]any `gorm:"serializer:json;type:text" json:"input,omitempty"`
	Output  map[string]any `gorm:"serializer:json;type:text" json:"output,omitempty"`
	Payload map[string]any `gorm:"serializer:json;type:text" json:"payload,omitempty"`
	Error   string         `gorm:"type:text" json:"error,omitempty"`

	Attempts int `json:"attempts"`

	CreatedAt   time.Time  `json:"created_at"`
	UpdatedAt   time.Time  `json:"updated_at"`
	StartedAt   *time.Time `json:"started_at,omitempty"`
	CompletedAt *time.Time `json:"completed_at,omitempty"`
}

// BeforeCreate assigns an ID when none is set.
func (r *WorkflowRun) BeforeCreate(*gorm.DB) error {
	if r.ID == uuid.Nil {
		r.ID = uuid.New()
	}
	return nil
}

// BeforeCreate assigns an ID when none is set.
func (s *StateInstance) BeforeCreate(*gorm.DB) error {
	if s.ID == uuid.Nil {
		s.ID = uuid.New()
	}
	return nil
}

// BeforeCreate assigns an ID when none is set.
func (t *TaskInstance) BeforeCreate(*gorm.DB) error {
	if t.ID == uuid.Nil {
		t.ID = uuid.New()
	}
	return nil
}

// State returns the state instance with name, or nil. States must be loaded.
func (r *WorkflowRun) State(name string) *StateInstance {
	for i := range r.States {
		if r.States[i].Name == name {
			return &r.States[i]
		}
	}
	return nil
}

// CurrentState returns the current state instance, or nil. States must be loaded.
func (r *WorkflowRun) CurrentState() *StateInstance {
	if r.CurrentStateID == nil {
		return nil
	}
	for i := range r.States {
		if r.States[i].ID == *r.CurrentStateID {
			return &r.States[i]
		}
	}
	return nil
}

// LastCompletedState returns the most recently completed state instance, or
// nil. States must be loaded.
func (r *WorkflowRun) LastCompletedState() *StateInstance {
	var last *StateInstance
	for i := range r.States {
		s := &r.States[i]
		if s.Status != StatusCompleted || s.CompletedAt == nil {
			continue
		}
		if last == nil || s.CompletedAt.After(*last.CompletedAt) {
			last = s
		}
	}
	return last
}

func now() *time.Time {
	t := time.Now().UTC()
	return &t
}

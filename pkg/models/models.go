// Package models defines the domain models for the generation workflow engine
package models

import (
	"time"

	"github.com/google/uuid"
)

// WorkflowKind names a generation pipeline.
type WorkflowKind string

const (
	KindCourseGeneration   WorkflowKind = "course-generation"
	KindChapterGeneration  WorkflowKind = "chapter-generation"
	KindLessonGeneration   WorkflowKind = "lesson-generation"
	KindActivityGeneration WorkflowKind = "activity-generation"
)

// RunStatus represents the lifecycle state of a workflow run.
type RunStatus string

const (
	RunStatusRunning   RunStatus = "running"
	RunStatusCompleted RunStatus = "completed"
	RunStatusFailed    RunStatus = "failed"
)

// StepStatus represents the state of a single step within a run.
type StepStatus string

const (
	StepStatusStarted   StepStatus = "started"
	StepStatusCompleted StepStatus = "completed"
	StepStatusError     StepStatus = "error"
)

// Synthetic terminal step names. Every run ends with exactly one of these,
// independent of workflow kind, so clients never have to know which ordinary
// step happens to be last in a given pipeline.
const (
	StepWorkflowComplete = "__workflow_complete__"
	StepWorkflowError    = "__workflow_error__"
)

// WorkflowRun represents one execution of a generation pipeline against one
// target entity. Status is a cache over the event log, reconciled on every
// terminal append.
type WorkflowRun struct {
	ID             uuid.UUID    `json:"id" db:"id"`
	Kind           WorkflowKind `json:"kind" db:"kind"`
	TargetEntityID string       `json:"target_entity_id" db:"target_entity_id"`
	Status         RunStatus    `json:"status" db:"status"`
	CreatedAt      time.Time    `json:"created_at" db:"created_at"`
}

// StepEvent is one entry in a run's append-only event log. Events are ordered
// by Index starting at 0 and are never mutated after being appended.
type StepEvent struct {
	RunID     uuid.UUID  `json:"run_id" db:"run_id"`
	Index     int        `json:"index" db:"index"`
	Step      string     `json:"step" db:"step"`
	Status    StepStatus `json:"status" db:"status"`
	Reason    string     `json:"reason,omitempty" db:"reason"`
	Timestamp time.Time  `json:"timestamp" db:"created_at"`
}

// Terminal reports whether this event ends its run.
func (e StepEvent) Terminal() bool {
	return e.Step == StepWorkflowComplete || e.Step == StepWorkflowError
}

// Frame is the wire representation of a StepEvent on the event stream.
// Timestamp is unix milliseconds to keep frames trivially parseable by
// browser clients.
type Frame struct {
	Step      string     `json:"step"`
	Status    StepStatus `json:"status"`
	Reason    string     `json:"reason,omitempty"`
	Timestamp int64      `json:"timestamp"`
}

// NewFrame converts a StepEvent into its stream frame.
func NewFrame(e StepEvent) Frame {
	return Frame{
		Step:      e.Step,
		Status:    e.Status,
		Reason:    e.Reason,
		Timestamp: e.Timestamp.UnixMilli(),
	}
}

package models

import (
	"fmt"
	"time"

	"github.com/google/uuid"
)

// WorkflowStatus represents the current state of a workflow.
type WorkflowStatus string

const (
	// WorkflowStatusPending indicates the workflow is created but not started.
	WorkflowStatusPending WorkflowStatus = "pending"
	// WorkflowStatusRunning indicates steps are being dispatched.
	WorkflowStatusRunning WorkflowStatus = "running"
	// WorkflowStatusPaused indicates no further steps will be dispatched
	// until the workflow is resumed. A running step finishes normally.
	WorkflowStatusPaused WorkflowStatus = "paused"
	// WorkflowStatusCompleted indicates all steps finished.
	WorkflowStatusCompleted WorkflowStatus = "completed"
	// WorkflowStatusFailed indicates a step failed and no further steps ran.
	WorkflowStatusFailed WorkflowStatus = "failed"
	// WorkflowStatusCancelled indicates the workflow was cancelled. Terminal.
	WorkflowStatusCancelled WorkflowStatus = "cancelled"
)

// Valid returns true if the status is a known value.
func (s WorkflowStatus) Valid() bool {
	switch s {
	case WorkflowStatusPending, WorkflowStatusRunning, WorkflowStatusPaused,
		WorkflowStatusCompleted, WorkflowStatusFailed, WorkflowStatusCancelled:
		return true
	default:
		return false
	}
}

// Terminal returns true if the workflow can no longer change state.
func (s WorkflowStatus) Terminal() bool {
	switch s {
	case WorkflowStatusCompleted, WorkflowStatusFailed, WorkflowStatusCancelled:
		return true
	default:
		return false
	}
}

// WorkflowType names a step-list template.
type WorkflowType string

const (
	// WorkflowTypeCreate generates a new site: architect -> design -> code.
	WorkflowTypeCreate WorkflowType = "create"
	// WorkflowTypeClone rebuilds an existing site: analyze -> architect -> design -> code.
	WorkflowTypeClone WorkflowType = "clone"
	// WorkflowTypeDesignOnly produces a design system only.
	WorkflowTypeDesignOnly WorkflowType = "design-only"
	// WorkflowTypeCodeOnly generates code from supplied architecture/design.
	WorkflowTypeCodeOnly WorkflowType = "code-only"
)

// Valid returns true if the workflow type is a known template.
func (t WorkflowType) Valid() bool {
	switch t {
	case WorkflowTypeCreate, WorkflowTypeClone, WorkflowTypeDesignOnly, WorkflowTypeCodeOnly:
		return true
	default:
		return false
	}
}

// StepStatus represents the state of one workflow step.
type StepStatus string

const (
	StepStatusPending   StepStatus = "pending"
	StepStatusRunning   StepStatus = "running"
	StepStatusComplete  StepStatus = "complete"
	StepStatusFailed    StepStatus = "failed"
	// StepStatusSkipped marks steps omitted at construction time.
	// A step is never skipped mid-run.
	StepStatusSkipped StepStatus = "skipped"
)

// WorkflowStep is one entry in a workflow's ordered step list.
type WorkflowStep struct {
	// TaskType is the step function this step invokes.
	TaskType TaskType `json:"task_type"`
	// Status is the current step state.
	Status StepStatus `json:"status"`
	// TaskID is set once the step is dispatched through the queue.
	TaskID string `json:"task_id,omitempty"`
	// StartedAt is when the step began executing.
	StartedAt *time.Time `json:"started_at,omitempty"`
	// CompletedAt is when the step finished.
	CompletedAt *time.Time `json:"completed_at,omitempty"`
	// Error holds failure details if the step failed.
	Error *TaskError `json:"error,omitempty"`
}

// WorkflowOutput accumulates each step's typed result as steps complete.
// Fields are append-only: later steps never erase earlier ones.
type WorkflowOutput struct {
	Analysis     *SiteAnalysis `json:"analysis,omitempty"`
	Architecture *Architecture `json:"architecture,omitempty"`
	Design       *DesignSystem `json:"design,omitempty"`
	Code         *CodeBundle   `json:"code,omitempty"`
	Deployment   *Deployment   `json:"deployment,omitempty"`
	Export       *ExportBundle `json:"export,omitempty"`
}

// Merge folds a step output into the accumulator. Existing fields are never
// overwritten with nil; a later step of the same kind replaces its own field.
func (o *WorkflowOutput) Merge(out *StepOutput) {
	if out == nil {
		return
	}
	switch out.Kind {
	case OutputKindAnalysis:
		if out.Analysis != nil {
			o.Analysis = out.Analysis
		}
	case OutputKindArchitecture:
		if out.Architecture != nil {
			o.Architecture = out.Architecture
		}
	case OutputKindDesign:
		if out.Design != nil {
			o.Design = out.Design
		}
	case OutputKindCode:
		if out.Code != nil {
			o.Code = out.Code
		}
	case OutputKindDeployment:
		if out.Deployment != nil {
			o.Deployment = out.Deployment
		}
	case OutputKindExport:
		if out.Export != nil {
			o.Export = out.Export
		}
	}
}

// WorkflowContext supports iterative refinement. A refinement creates a new
// workflow that references the prior one through PreviousVersions.
type WorkflowContext struct {
	// UserFeedback accumulates refinement feedback across versions.
	UserFeedback []string `json:"user_feedback,omitempty"`
	// IterationCount is how many refinements preceded this workflow.
	IterationCount int `json:"iteration_count,omitempty"`
	// PreviousVersions lists prior workflow ids, oldest first.
	PreviousVersions []string `json:"previous_versions,omitempty"`
}

// WorkflowMetrics aggregates usage across steps.
type WorkflowMetrics struct {
	StartedAt     *time.Time    `json:"started_at,omitempty"`
	CompletedAt   *time.Time    `json:"completed_at,omitempty"`
	TotalDuration time.Duration `json:"total_duration,omitempty"`
	TotalTokens   int64         `json:"total_tokens,omitempty"`
	TotalCost     float64       `json:"total_cost,omitempty"`
}

// Workflow is a named, ordered composition of tasks whose outputs feed
// forward into subsequent tasks. Steps execute in list order.
type Workflow struct {
	ID       string         `json:"id"`
	Type     WorkflowType   `json:"type"`
	TenantID string         `json:"tenant_id"`
	OwnerID  string         `json:"owner_id,omitempty"`
	Status   WorkflowStatus `json:"status"`
	Steps    []WorkflowStep `json:"steps"`
	Input    StepInput      `json:"input"`
	Output   WorkflowOutput `json:"output"`
	Context  WorkflowContext `json:"context"`
	Metrics  WorkflowMetrics `json:"metrics"`
	// Suggestions are derived from the final output on completion.
	Suggestions []Suggestion `json:"suggestions,omitempty"`
	// CreatedAt is when the workflow record was created.
	CreatedAt time.Time `json:"created_at"`
}

// NewWorkflowID generates a workflow id embedding the workflow type, a
// millisecond timestamp, and a short random suffix.
func NewWorkflowID(workflowType WorkflowType) string {
	return fmt.Sprintf("wf-%s-%d-%s", workflowType, time.Now().UnixMilli(), uuid.New().String()[:8])
}

// NextPendingStep returns the index of the first pending step, or -1 when
// every step is terminal or skipped.
func (w *Workflow) NextPendingStep() int {
	for i := range w.Steps {
		if w.Steps[i].Status == StepStatusPending {
			return i
		}
	}
	return -1
}

package models

import (
	"fmt"
	"time"

	"github.com/google/uuid"
)

// TaskStatus represents the current state of a task.
type TaskStatus string

const (
	// TaskStatusPending indicates the task is queued and waiting for a worker.
	TaskStatusPending TaskStatus = "pending"
	// TaskStatusProcessing indicates a worker has claimed the task.
	TaskStatusProcessing TaskStatus = "processing"
	// TaskStatusComplete indicates the task finished successfully.
	TaskStatusComplete TaskStatus = "complete"
	// TaskStatusFailed indicates the task failed terminally.
	TaskStatusFailed TaskStatus = "failed"
	// TaskStatusRetrying indicates the task failed transiently and is waiting
	// for its backoff delay before re-entering the queue.
	TaskStatusRetrying TaskStatus = "retrying"
	// TaskStatusCancelled indicates the task was cancelled. Terminal.
	TaskStatusCancelled TaskStatus = "cancelled"
)

// Valid returns true if the status is a known value.
func (s TaskStatus) Valid() bool {
	switch s {
	case TaskStatusPending, TaskStatusProcessing, TaskStatusComplete,
		TaskStatusFailed, TaskStatusRetrying, TaskStatusCancelled:
		return true
	default:
		return false
	}
}

// Terminal returns true if no further status transitions are allowed,
// except failed -> retrying which is handled by the worker's retry budget.
func (s TaskStatus) Terminal() bool {
	switch s {
	case TaskStatusComplete, TaskStatusCancelled:
		return true
	default:
		return false
	}
}

// TaskType identifies which registered step function executes a task.
type TaskType string

const (
	// TaskTypeArchitect produces a site architecture from a brief.
	TaskTypeArchitect TaskType = "architect"
	// TaskTypeDesign produces a design system from an architecture.
	TaskTypeDesign TaskType = "design"
	// TaskTypeCode produces source code from architecture and design.
	TaskTypeCode TaskType = "code"
	// TaskTypeAnalyze produces a site analysis from an existing site.
	TaskTypeAnalyze TaskType = "analyze"
	// TaskTypeDeploy publishes generated code to a hosting target.
	TaskTypeDeploy TaskType = "deploy"
	// TaskTypeExport packages generated code for download.
	TaskTypeExport TaskType = "export"
)

// KnownTaskTypes lists the built-in task types. The step registry accepts
// additional types beyond this set.
func KnownTaskTypes() []TaskType {
	return []TaskType{
		TaskTypeArchitect, TaskTypeDesign, TaskTypeCode,
		TaskTypeAnalyze, TaskTypeDeploy, TaskTypeExport,
	}
}

// TaskError describes why a task failed. Only the message, code, and
// retryable flag are exposed to callers; stack traces never leave the engine.
type TaskError struct {
	// Message is the human-readable error description.
	Message string `json:"message"`
	// Code is a short machine-readable error code.
	Code string `json:"code,omitempty"`
	// Retryable indicates whether the failure was classified as transient.
	Retryable bool `json:"retryable"`
}

// TaskMetrics records timing and usage figures for a task. Token and cost
// values are opaque to the engine and supplied by the step function.
type TaskMetrics struct {
	// QueuedAt is when the task was admitted to the queue.
	QueuedAt time.Time `json:"queued_at"`
	// StartedAt is when a worker claimed the task.
	StartedAt *time.Time `json:"started_at,omitempty"`
	// CompletedAt is when the task reached a terminal status.
	CompletedAt *time.Time `json:"completed_at,omitempty"`
	// Duration is CompletedAt - StartedAt.
	Duration time.Duration `json:"duration,omitempty"`
	// TokensUsed is the number of generation tokens consumed.
	TokensUsed int64 `json:"tokens_used,omitempty"`
	// Cost is the estimated cost in USD.
	Cost float64 `json:"cost,omitempty"`
}

// TaskContext carries cross-step information so a step function can recover
// upstream outputs that were not passed explicitly in its input.
type TaskContext struct {
	// PreviousTaskIDs lists upstream task ids whose results this task may read.
	PreviousTaskIDs []string `json:"previous_task_ids,omitempty"`
	// IterationCount is the refinement iteration this task belongs to.
	IterationCount int `json:"iteration_count,omitempty"`
	// MaxIterations caps refinement iterations.
	MaxIterations int `json:"max_iterations,omitempty"`
	// WorkflowID links the task to its workflow, if any.
	WorkflowID string `json:"workflow_id,omitempty"`
}

// Task is the atomic unit of scheduled work. A Task's ID is immutable;
// status transitions are monotonic except failed -> retrying -> processing,
// which may repeat up to MaxRetries.
type Task struct {
	// ID is the unique identifier, generated at submission.
	ID string `json:"id"`
	// Type selects the registered step function.
	Type TaskType `json:"type"`
	// TenantID is the organization the task is billed and rate-limited against.
	TenantID string `json:"tenant_id"`
	// OwnerID is the submitting user, for access control by callers.
	OwnerID string `json:"owner_id,omitempty"`
	// Priority orders the queue; 0 is highest. Valid range 0-3.
	Priority int `json:"priority"`
	// Input is the step payload, typed per task type.
	Input StepInput `json:"input"`
	// Context carries cross-step linkage.
	Context TaskContext `json:"context"`
	// Status is the current state.
	Status TaskStatus `json:"status"`
	// Result holds the step output on completion.
	Result *StepOutput `json:"result,omitempty"`
	// Error holds failure details on terminal failure.
	Error *TaskError `json:"error,omitempty"`
	// Metrics records timing and usage.
	Metrics TaskMetrics `json:"metrics"`
	// RetryCount is the number of automatic retries performed so far.
	RetryCount int `json:"retry_count"`
	// MaxRetries bounds automatic retries for transient failures.
	MaxRetries int `json:"max_retries"`
	// TTLSeconds is how long the task record survives in the result store.
	TTLSeconds int `json:"ttl_seconds"`
}

// NewTaskID generates a task id embedding the task type, a millisecond
// timestamp, and a short random suffix so ids sort readably by creation time.
func NewTaskID(taskType TaskType) string {
	return fmt.Sprintf("task-%s-%d-%s", taskType, time.Now().UnixMilli(), uuid.New().String()[:8])
}

// TTL returns the record TTL as a duration.
func (t *Task) TTL() time.Duration {
	return time.Duration(t.TTLSeconds) * time.Second
}

// Finished returns true once the task has a terminal outcome recorded.
func (t *Task) Finished() bool {
	switch t.Status {
	case TaskStatusComplete, TaskStatusFailed, TaskStatusCancelled:
		return true
	default:
		return false
	}
}

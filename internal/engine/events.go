package engine

import (
	"time"

	"github.com/sitesmith/sitesmith/pkg/models"
)

// EventType represents the type of engine event.
type EventType string

const (
	// EventTaskQueued indicates a task was admitted to the queue.
	EventTaskQueued EventType = "task_queued"
	// EventTaskStarted indicates a worker claimed a task.
	EventTaskStarted EventType = "task_started"
	// EventTaskCompleted indicates a task completed successfully.
	EventTaskCompleted EventType = "task_completed"
	// EventTaskFailed indicates a task failed terminally.
	EventTaskFailed EventType = "task_failed"
	// EventTaskRetrying indicates a task hit a transient failure and is
	// waiting out its backoff delay.
	EventTaskRetrying EventType = "task_retrying"
	// EventStepStarted indicates a workflow step began executing.
	EventStepStarted EventType = "step_started"
	// EventStepCompleted indicates a workflow step finished.
	EventStepCompleted EventType = "step_completed"
	// EventContent carries incremental generation output for a step.
	EventContent EventType = "content"
	// EventProgress provides periodic usage updates during execution.
	EventProgress EventType = "progress"
	// EventSuggestion carries derived follow-up suggestions.
	EventSuggestion EventType = "suggestion"
	// EventWorkflowCompleted indicates the workflow finished with output.
	EventWorkflowCompleted EventType = "complete"
	// EventWorkflowFailed indicates the workflow aborted on a step failure.
	EventWorkflowFailed EventType = "error"
)

// Event is emitted by the engine as tasks and workflows progress. A stream
// consumer sees events for one workflow in step order: content events for a
// step never precede its step_started nor follow its step_completed.
type Event struct {
	// Type is the kind of event.
	Type EventType
	// WorkflowID is the related workflow, if any.
	WorkflowID string
	// TaskID is the related task, if any.
	TaskID string
	// StepType is the related step's task type, if any.
	StepType models.TaskType
	// Message provides human-readable context.
	Message string
	// Content is an incremental generation fragment (content events only).
	Content string
	// Error contains failure details for error events.
	Error error
	// Suggestions carries derived suggestions (suggestion events only).
	Suggestions []models.Suggestion
	// Output is the accumulated workflow output (complete events only).
	Output *models.WorkflowOutput
	// TokensUsed is the running token total, if known.
	TokensUsed int64
	// Cost is the running cost in USD, if known.
	Cost float64
	// Timestamp is when the event occurred.
	Timestamp time.Time
}

// eventSink receives events from the queue, workers, and coordinator.
// The engine's shared bus drops on overflow; per-stream sinks block so a
// streaming caller never misses an event it has not yet consumed.
type eventSink func(Event)

// nopSink discards events.
func nopSink(Event) {}

package engine

import (
	"context"
	"fmt"
	"sync"

	"github.com/sitesmith/sitesmith/pkg/models"
)

// StepFunc is the pluggable logic executed per task type. The engine is
// opaque to what a step produces; it only persists the output and threads it
// into downstream steps.
//
// Contract: cancellation and pause are cooperative. A step function must poll
// ctx at safe points and return ctx.Err() before writing partial results; the
// engine never preempts a running step. Steps that stream may write fragments
// to the sink installed via WithContentSink.
type StepFunc func(ctx context.Context, task *models.Task) (*models.StepOutput, error)

// StepRegistry maps task types to their step functions. Registration is the
// engine's only required integration point.
type StepRegistry struct {
	mu    sync.RWMutex
	steps map[models.TaskType]StepFunc
}

// NewStepRegistry creates an empty registry.
func NewStepRegistry() *StepRegistry {
	return &StepRegistry{steps: make(map[models.TaskType]StepFunc)}
}

// Register binds fn to taskType, replacing any previous binding.
func (r *StepRegistry) Register(taskType models.TaskType, fn StepFunc) error {
	if taskType == "" {
		return fmt.Errorf("task type must not be empty")
	}
	if fn == nil {
		return fmt.Errorf("step function for %q must not be nil", taskType)
	}

	r.mu.Lock()
	r.steps[taskType] = fn
	r.mu.Unlock()
	return nil
}

// Get returns the step function for taskType.
func (r *StepRegistry) Get(taskType models.TaskType) (StepFunc, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	fn, ok := r.steps[taskType]
	return fn, ok
}

// Types returns the registered task types.
func (r *StepRegistry) Types() []models.TaskType {
	r.mu.RLock()
	defer r.mu.RUnlock()

	types := make([]models.TaskType, 0, len(r.steps))
	for t := range r.steps {
		types = append(types, t)
	}
	return types
}

// contentSinkKey is the context key for streaming content sinks.
type contentSinkKey struct{}

// WithContentSink attaches a content sink to ctx. Step functions that
// support incremental output write fragments to it as they arrive.
func WithContentSink(ctx context.Context, sink func(fragment string)) context.Context {
	return context.WithValue(ctx, contentSinkKey{}, sink)
}

// ContentSink returns the sink attached to ctx, or nil.
func ContentSink(ctx context.Context) func(fragment string) {
	sink, _ := ctx.Value(contentSinkKey{}).(func(string))
	return sink
}

package engine

import (
	"context"
	"fmt"
	"time"

	"github.com/sitesmith/sitesmith/pkg/models"
)

// RunWorkflow executes a workflow synchronously, invoking step functions
// inline on the calling goroutine, and returns the final record. A transient
// step failure is re-invoked once after the backoff delay; a second failure
// terminates the workflow. Admission control and quota apply exactly as in
// asynchronous submission.
func (c *Coordinator) RunWorkflow(ctx context.Context, spec WorkflowSpec) (*models.Workflow, error) {
	wf, err := c.createWorkflow(spec, models.WorkflowContext{})
	if err != nil {
		return nil, err
	}

	runErr := c.runInline(ctx, wf, c.emit)
	final := c.GetWorkflow(wf.ID)
	return final, runErr
}

// StreamWorkflow executes a workflow synchronously and returns a channel of
// its events, including incremental content fragments from streaming step
// functions. The channel preserves step order and is closed when the workflow
// reaches a terminal status or ctx is cancelled. Events are also mirrored to
// the engine's shared event bus.
func (c *Coordinator) StreamWorkflow(ctx context.Context, spec WorkflowSpec) (<-chan Event, error) {
	wf, err := c.createWorkflow(spec, models.WorkflowContext{})
	if err != nil {
		return nil, err
	}

	events := make(chan Event, eventBufferSize)
	sink := func(ev Event) {
		c.emit(ev)
		// Per-stream delivery blocks so the caller never misses an event it
		// has not yet consumed.
		select {
		case events <- ev:
		case <-ctx.Done():
		}
	}

	go func() {
		defer close(events)
		if err := c.runInline(ctx, wf, sink); err != nil && ctx.Err() != nil {
			c.CancelWorkflow(wf.ID)
		}
	}()
	return events, nil
}

// runInline drives a workflow's steps on the current goroutine, bypassing the
// queue and worker pools. Used by the synchronous and streaming entry points.
func (c *Coordinator) runInline(ctx context.Context, wf *models.Workflow, sink eventSink) error {
	c.mu.Lock()
	now := time.Now()
	wf.Status = models.WorkflowStatusRunning
	wf.Metrics.StartedAt = &now
	c.mu.Unlock()
	if err := c.persistWorkflow(wf); err != nil {
		return err
	}

	for i := range wf.Steps {
		c.mu.Lock()
		step := &wf.Steps[i]
		if step.Status == models.StepStatusSkipped {
			c.mu.Unlock()
			continue
		}
		c.mu.Unlock()

		// Pause parks the runner here, between steps, exactly as in queued
		// execution.
		if !c.gateStep(ctx, wf) || ctx.Err() != nil {
			c.mu.Lock()
			if !wf.Status.Terminal() {
				wf.Status = models.WorkflowStatusCancelled
			}
			c.mu.Unlock()
			if err := c.persistWorkflow(wf); err != nil {
				return err
			}
			return ctx.Err()
		}

		fn, ok := c.registry.Get(step.TaskType)
		if !ok {
			stepErr := FatalError(CodeInternal, fmt.Errorf("no step registered for task type %q", step.TaskType))
			c.failWorkflow(wf, step, stepErr, sink)
			return stepErr
		}

		task := c.queue.buildTask(TaskSpec{
			Type:     step.TaskType,
			TenantID: wf.TenantID,
			OwnerID:  wf.OwnerID,
			Input:    wf.Input,
			Context: models.TaskContext{
				WorkflowID:     wf.ID,
				IterationCount: wf.Context.IterationCount,
			},
		})

		c.mu.Lock()
		threadInput(&task.Input, &wf.Output)
		started := time.Now()
		step.Status = models.StepStatusRunning
		step.TaskID = task.ID
		step.StartedAt = &started
		c.mu.Unlock()

		sink(Event{
			Type:       EventStepStarted,
			WorkflowID: wf.ID,
			TaskID:     task.ID,
			StepType:   step.TaskType,
			Message:    fmt.Sprintf("Step started: %s", step.TaskType),
			Timestamp:  started,
		})
		if err := c.persistWorkflow(wf); err != nil {
			return err
		}

		stepCtx := WithContentSink(ctx, func(fragment string) {
			sink(Event{
				Type:       EventContent,
				WorkflowID: wf.ID,
				TaskID:     task.ID,
				StepType:   step.TaskType,
				Content:    fragment,
				Timestamp:  time.Now(),
			})
		})

		out, err := c.invokeWithRecovery(stepCtx, fn, task)
		if err != nil {
			stepErr := ClassifyStepError(err)
			if !stepErr.Retryable {
				c.failWorkflow(wf, step, stepErr, sink)
				return stepErr
			}

			// One delayed re-invoke for transient failures; a second failure
			// of any kind is terminal.
			select {
			case <-time.After(c.backoff.Delay(0)):
			case <-ctx.Done():
				c.failWorkflow(wf, step, FatalError(CodeCancelled, ctx.Err()), sink)
				return ctx.Err()
			}
			out, err = c.invokeWithRecovery(stepCtx, fn, task)
			if err != nil {
				stepErr = ClassifyStepError(err)
				c.failWorkflow(wf, step, stepErr, sink)
				return stepErr
			}
		}

		task.Result = out
		if out != nil {
			task.Metrics.TokensUsed = out.TokensUsed
			task.Metrics.Cost = out.Cost
		}
		c.completeStep(wf, step, task, sink)
	}

	c.finishWorkflow(wf, sink)
	return nil
}

// invokeWithRecovery calls a step function with panic recovery so an inline
// step cannot take down the caller.
func (c *Coordinator) invokeWithRecovery(ctx context.Context, fn StepFunc, task *models.Task) (out *models.StepOutput, err error) {
	defer func() {
		if r := recover(); r != nil {
			out = nil
			err = FatalError(CodeInternal, fmt.Errorf("step panic: %v", r))
		}
	}()
	return fn(ctx, task)
}

package engine

import (
	"context"
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/sitesmith/sitesmith/internal/store"
	"github.com/sitesmith/sitesmith/pkg/models"
)

// DefaultWorkflowTTL is how long workflow records are retained.
const DefaultWorkflowTTL = 7 * 24 * time.Hour

// WorkflowSpec describes a workflow submission.
type WorkflowSpec struct {
	// Type selects the step-list template. Required.
	Type models.WorkflowType
	// TenantID attributes the workflow for rate limiting and quotas. Required.
	TenantID string
	// OwnerID is the submitting user.
	OwnerID string
	// Priority applies to every task the workflow dispatches.
	Priority int
	// Input seeds the first step and carries option toggles.
	Input models.StepInput
}

// Coordinator owns workflow lifecycle: template expansion, sequential step
// dispatch through the queue, output threading, pause/resume/cancel, and
// refinement. All engine-side workflow state transitions happen here.
type Coordinator struct {
	store    store.Store
	queue    *Queue
	registry *StepRegistry
	quotas   *QuotaLedger
	limiter  *RateLimiter
	emit     eventSink
	backoff  BackoffConfig
	ttl      time.Duration

	// maxIterations bounds chained refinements per workflow lineage.
	maxIterations int

	mu        sync.Mutex
	workflows map[string]*models.Workflow
	tasks     map[string][]*models.Task
	resume    map[string]chan struct{}
}

// NewCoordinator creates a coordinator. The limiter and quotas may be nil to
// disable the corresponding admission check.
func NewCoordinator(st store.Store, queue *Queue, registry *StepRegistry, quotas *QuotaLedger, limiter *RateLimiter, emit eventSink, backoff BackoffConfig, maxIterations int) *Coordinator {
	if emit == nil {
		emit = nopSink
	}
	if maxIterations <= 0 {
		maxIterations = 5
	}
	return &Coordinator{
		store:         st,
		queue:         queue,
		registry:      registry,
		quotas:        quotas,
		limiter:       limiter,
		emit:          emit,
		backoff:       backoff,
		ttl:           DefaultWorkflowTTL,
		maxIterations: maxIterations,
		workflows:     make(map[string]*models.Workflow),
		tasks:         make(map[string][]*models.Task),
		resume:        make(map[string]chan struct{}),
	}
}

// stepPlan expands a workflow type and its options into the ordered step
// list. Optional steps omitted by options are recorded as skipped so the
// record shows the full template shape; skipped steps are decided here and
// never revisited mid-run.
func stepPlan(workflowType models.WorkflowType, opts models.WorkflowOptions) ([]models.WorkflowStep, error) {
	var types []models.TaskType
	switch workflowType {
	case models.WorkflowTypeCreate:
		types = []models.TaskType{models.TaskTypeArchitect, models.TaskTypeDesign, models.TaskTypeCode}
	case models.WorkflowTypeClone:
		types = []models.TaskType{models.TaskTypeAnalyze, models.TaskTypeArchitect, models.TaskTypeDesign, models.TaskTypeCode}
	case models.WorkflowTypeDesignOnly:
		types = []models.TaskType{models.TaskTypeDesign}
	case models.WorkflowTypeCodeOnly:
		types = []models.TaskType{models.TaskTypeCode}
	default:
		return nil, fmt.Errorf("unknown workflow type %q", workflowType)
	}

	steps := make([]models.WorkflowStep, 0, len(types)+2)
	codeActive := false
	for _, t := range types {
		status := models.StepStatusPending
		switch {
		case t == models.TaskTypeDesign && opts.SkipDesign && workflowType != models.WorkflowTypeDesignOnly:
			status = models.StepStatusSkipped
		case t == models.TaskTypeCode && opts.SkipCode && workflowType != models.WorkflowTypeCodeOnly:
			status = models.StepStatusSkipped
		}
		if t == models.TaskTypeCode && status == models.StepStatusPending {
			codeActive = true
		}
		steps = append(steps, models.WorkflowStep{TaskType: t, Status: status})
	}

	// Deploy and export need a code bundle; without an active code step they
	// have nothing to publish.
	if codeActive {
		if opts.Deploy {
			steps = append(steps, models.WorkflowStep{TaskType: models.TaskTypeDeploy, Status: models.StepStatusPending})
		}
		if opts.Export {
			steps = append(steps, models.WorkflowStep{TaskType: models.TaskTypeExport, Status: models.StepStatusPending})
		}
	}
	return steps, nil
}

// activeTypes lists the task types of non-skipped steps, one entry per step.
func activeTypes(steps []models.WorkflowStep) []models.TaskType {
	types := make([]models.TaskType, 0, len(steps))
	for _, s := range steps {
		if s.Status != models.StepStatusSkipped {
			types = append(types, s.TaskType)
		}
	}
	return types
}

// createWorkflow validates a spec, runs admission control, and persists the
// pending workflow record. On any rejection nothing is persisted and no
// quota is consumed.
func (c *Coordinator) createWorkflow(spec WorkflowSpec, wfCtx models.WorkflowContext) (*models.Workflow, error) {
	if !spec.Type.Valid() {
		return nil, fmt.Errorf("unknown workflow type %q", spec.Type)
	}
	if spec.TenantID == "" {
		return nil, fmt.Errorf("tenant id is required")
	}

	// Code-only has a hard precondition: code generation needs an
	// architecture or design to work from. Checked before anything persists.
	if spec.Type == models.WorkflowTypeCodeOnly && spec.Input.Architecture == nil && spec.Input.Design == nil {
		return nil, fmt.Errorf("code-only workflow requires an architecture or design: %w", ErrMissingUpstream)
	}

	steps, err := stepPlan(spec.Type, spec.Input.Options)
	if err != nil {
		return nil, err
	}
	active := activeTypes(steps)
	if len(active) == 0 {
		return nil, fmt.Errorf("workflow %s has no steps to run with the given options", spec.Type)
	}

	if c.limiter != nil {
		if err := c.limiter.Allow(spec.TenantID); err != nil {
			return nil, err
		}
	}
	// Quota for the whole workflow is consumed up front, all or nothing.
	if c.quotas != nil {
		if err := c.quotas.AdmitAll(spec.TenantID, active); err != nil {
			return nil, err
		}
	}

	wf := &models.Workflow{
		ID:        models.NewWorkflowID(spec.Type),
		Type:      spec.Type,
		TenantID:  spec.TenantID,
		OwnerID:   spec.OwnerID,
		Status:    models.WorkflowStatusPending,
		Steps:     steps,
		Input:     spec.Input,
		Context:   wfCtx,
		CreatedAt: time.Now(),
	}
	if err := c.persistWorkflow(wf); err != nil {
		return nil, err
	}

	c.mu.Lock()
	c.workflows[wf.ID] = wf
	c.mu.Unlock()
	return wf, nil
}

// persistWorkflow writes a consistent snapshot of the record; the live
// struct may be mutated concurrently by control operations.
func (c *Coordinator) persistWorkflow(wf *models.Workflow) error {
	c.mu.Lock()
	snapshot := *wf
	snapshot.Steps = append([]models.WorkflowStep(nil), wf.Steps...)
	c.mu.Unlock()

	if err := c.store.Put(store.WorkflowKey(snapshot.ID), &snapshot, c.ttl); err != nil {
		return fmt.Errorf("persist workflow %s: %w", snapshot.ID, err)
	}
	return nil
}

// GetWorkflow returns a snapshot of the workflow, or nil if unknown.
func (c *Coordinator) GetWorkflow(id string) *models.Workflow {
	c.mu.Lock()
	wf, ok := c.workflows[id]
	if ok {
		snapshot := *wf
		snapshot.Steps = append([]models.WorkflowStep(nil), wf.Steps...)
		c.mu.Unlock()
		return &snapshot
	}
	c.mu.Unlock()

	var stored models.Workflow
	if err := c.store.Get(store.WorkflowKey(id), &stored); err != nil {
		return nil
	}
	return &stored
}

// StartWorkflow submits a workflow for asynchronous execution and returns its
// id immediately. Every step's task record is created up front so the full
// plan is visible; each task is enqueued only once its predecessor completes.
func (c *Coordinator) StartWorkflow(spec WorkflowSpec) (string, error) {
	wf, err := c.createWorkflow(spec, models.WorkflowContext{})
	if err != nil {
		return "", err
	}
	if err := c.prepareTasks(wf, spec.Priority); err != nil {
		return "", err
	}
	go c.runAsync(wf)
	return wf.ID, nil
}

// prepareTasks creates a tracked (not yet enqueued) task record for each
// active step and links it on the step.
func (c *Coordinator) prepareTasks(wf *models.Workflow, priority int) error {
	tasks := make([]*models.Task, len(wf.Steps))
	for i := range wf.Steps {
		step := &wf.Steps[i]
		if step.Status == models.StepStatusSkipped {
			continue
		}
		task := c.queue.buildTask(TaskSpec{
			Type:     step.TaskType,
			TenantID: wf.TenantID,
			OwnerID:  wf.OwnerID,
			Priority: priority,
			Input:    wf.Input,
			Context: models.TaskContext{
				WorkflowID:     wf.ID,
				IterationCount: wf.Context.IterationCount,
			},
		})
		if err := c.queue.track(task); err != nil {
			return err
		}
		step.TaskID = task.ID
		tasks[i] = task
	}

	c.mu.Lock()
	c.tasks[wf.ID] = tasks
	c.mu.Unlock()
	return c.persistWorkflow(wf)
}

// runAsync drives a workflow's steps through the queue in order. It blocks on
// each step's terminal status before dispatching the next, honouring pause
// between steps and stopping on the first failure or cancellation.
func (c *Coordinator) runAsync(wf *models.Workflow) {
	c.mu.Lock()
	now := time.Now()
	wf.Status = models.WorkflowStatusRunning
	wf.Metrics.StartedAt = &now
	tasks := c.tasks[wf.ID]
	c.mu.Unlock()
	if err := c.persistWorkflow(wf); err != nil {
		log.Printf("[coordinator] warning: %v", err)
	}

	for i := range wf.Steps {
		if !c.gateStep(context.Background(), wf) {
			return
		}

		c.mu.Lock()
		step := &wf.Steps[i]
		if step.Status == models.StepStatusSkipped {
			c.mu.Unlock()
			continue
		}
		task := tasks[i]
		// Thread accumulated upstream outputs into the step's input. The task
		// record is shared with the queue's live index, so the write goes
		// through the queue's own lock.
		input := task.Input
		threadInput(&input, &wf.Output)
		started := time.Now()
		step.Status = models.StepStatusRunning
		step.StartedAt = &started
		c.mu.Unlock()
		c.queue.setInput(task.ID, input)

		c.emit(Event{
			Type:       EventStepStarted,
			WorkflowID: wf.ID,
			TaskID:     task.ID,
			StepType:   step.TaskType,
			Message:    fmt.Sprintf("Step started: %s", step.TaskType),
			Timestamp:  started,
		})
		if err := c.persistWorkflow(wf); err != nil {
			log.Printf("[coordinator] warning: %v", err)
		}

		if err := c.queue.dispatch(task.ID); err != nil {
			c.failWorkflow(wf, step, FatalError(CodeInternal, err), c.emit)
			return
		}

		final, err := c.queue.WaitForTask(context.Background(), task.ID)
		if err != nil {
			c.failWorkflow(wf, step, FatalError(CodeInternal, err), c.emit)
			return
		}

		// A step that exhausted its automatic retries on a transient failure
		// gets one delayed re-dispatch; a second failure of any kind is
		// terminal.
		if final.Status == models.TaskStatusFailed && final.Error != nil && final.Error.Retryable {
			time.Sleep(c.backoff.Delay(0))
			c.mu.Lock()
			active := !wf.Status.Terminal()
			c.mu.Unlock()
			if active && c.queue.RetryTask(task.ID) {
				final, err = c.queue.WaitForTask(context.Background(), task.ID)
				if err != nil {
					c.failWorkflow(wf, step, FatalError(CodeInternal, err), c.emit)
					return
				}
			}
		}

		switch final.Status {
		case models.TaskStatusComplete:
			c.completeStep(wf, step, final, c.emit)
		case models.TaskStatusCancelled:
			c.mu.Lock()
			if !wf.Status.Terminal() {
				wf.Status = models.WorkflowStatusCancelled
			}
			c.mu.Unlock()
			if err := c.persistWorkflow(wf); err != nil {
				log.Printf("[coordinator] warning: %v", err)
			}
			return
		default:
			stepErr := FatalError(CodeInternal, fmt.Errorf("step %s failed", step.TaskType))
			if final.Error != nil {
				stepErr = &StepError{
					Code:      StepErrorCode(final.Error.Code),
					Retryable: final.Error.Retryable,
					Err:       fmt.Errorf("%s", final.Error.Message),
				}
			}
			c.failWorkflow(wf, step, stepErr, c.emit)
			return
		}
	}

	c.finishWorkflow(wf, c.emit)
}

// gateStep blocks while the workflow is paused and reports whether the next
// step may dispatch. It returns false once the workflow is cancelled or
// failed, or when ctx ends while the runner is parked at the pause gate.
func (c *Coordinator) gateStep(ctx context.Context, wf *models.Workflow) bool {
	for {
		c.mu.Lock()
		switch wf.Status {
		case models.WorkflowStatusCancelled, models.WorkflowStatusFailed:
			c.mu.Unlock()
			return false
		case models.WorkflowStatusPaused:
			ch := c.resume[wf.ID]
			if ch == nil {
				ch = make(chan struct{})
				c.resume[wf.ID] = ch
			}
			c.mu.Unlock()
			select {
			case <-ch:
			case <-ctx.Done():
				return false
			}
		default:
			c.mu.Unlock()
			return true
		}
	}
}

// completeStep folds a finished task into the workflow record.
func (c *Coordinator) completeStep(wf *models.Workflow, step *models.WorkflowStep, task *models.Task, sink eventSink) {
	c.mu.Lock()
	now := time.Now()
	step.Status = models.StepStatusComplete
	step.CompletedAt = &now
	wf.Output.Merge(task.Result)
	wf.Metrics.TotalTokens += task.Metrics.TokensUsed
	wf.Metrics.TotalCost += task.Metrics.Cost
	c.mu.Unlock()

	sink(Event{
		Type:       EventStepCompleted,
		WorkflowID: wf.ID,
		TaskID:     task.ID,
		StepType:   step.TaskType,
		Message:    fmt.Sprintf("Step completed: %s", step.TaskType),
		TokensUsed: task.Metrics.TokensUsed,
		Cost:       task.Metrics.Cost,
		Timestamp:  now,
	})
	if err := c.persistWorkflow(wf); err != nil {
		log.Printf("[coordinator] warning: %v", err)
	}
}

// failWorkflow marks the step and workflow failed. Completed step outputs are
// retained on the record.
func (c *Coordinator) failWorkflow(wf *models.Workflow, step *models.WorkflowStep, stepErr *StepError, sink eventSink) {
	c.mu.Lock()
	now := time.Now()
	step.Status = models.StepStatusFailed
	step.CompletedAt = &now
	step.Error = taskError(stepErr)
	if !wf.Status.Terminal() {
		wf.Status = models.WorkflowStatusFailed
	}
	wf.Metrics.CompletedAt = &now
	if wf.Metrics.StartedAt != nil {
		wf.Metrics.TotalDuration = now.Sub(*wf.Metrics.StartedAt)
	}
	c.mu.Unlock()

	sink(Event{
		Type:       EventWorkflowFailed,
		WorkflowID: wf.ID,
		StepType:   step.TaskType,
		Message:    fmt.Sprintf("Workflow failed at step %s", step.TaskType),
		Error:      stepErr,
		Timestamp:  now,
	})
	if err := c.persistWorkflow(wf); err != nil {
		log.Printf("[coordinator] warning: %v", err)
	}
}

// finishWorkflow marks the workflow completed, derives suggestions, and emits
// the terminal events.
func (c *Coordinator) finishWorkflow(wf *models.Workflow, sink eventSink) {
	c.mu.Lock()
	now := time.Now()
	wf.Status = models.WorkflowStatusCompleted
	wf.Metrics.CompletedAt = &now
	if wf.Metrics.StartedAt != nil {
		wf.Metrics.TotalDuration = now.Sub(*wf.Metrics.StartedAt)
	}
	wf.Suggestions = deriveSuggestions(wf)
	output := wf.Output
	suggestions := wf.Suggestions
	tokens := wf.Metrics.TotalTokens
	cost := wf.Metrics.TotalCost
	c.mu.Unlock()

	if len(suggestions) > 0 {
		sink(Event{
			Type:        EventSuggestion,
			WorkflowID:  wf.ID,
			Suggestions: suggestions,
			Timestamp:   now,
		})
	}
	sink(Event{
		Type:       EventWorkflowCompleted,
		WorkflowID: wf.ID,
		Message:    "Workflow completed",
		Output:     &output,
		TokensUsed: tokens,
		Cost:       cost,
		Timestamp:  now,
	})
	if err := c.persistWorkflow(wf); err != nil {
		log.Printf("[coordinator] warning: %v", err)
	}
}

// threadInput copies accumulated upstream outputs into a step's input.
// A produced output wins over whatever the submitter seeded.
func threadInput(input *models.StepInput, output *models.WorkflowOutput) {
	if output.Analysis != nil {
		input.Analysis = output.Analysis
	}
	if output.Architecture != nil {
		input.Architecture = output.Architecture
	}
	if output.Design != nil {
		input.Design = output.Design
	}
	if output.Code != nil {
		input.Code = output.Code
	}
}

package engine

import (
	"context"
	"fmt"
	"log"
	"time"

	"github.com/sitesmith/sitesmith/internal/store"
	"github.com/sitesmith/sitesmith/pkg/models"
)

// eventBufferSize is the shared event bus capacity. Emission never blocks;
// events beyond the buffer are dropped.
const eventBufferSize = 100

// Config holds engine construction parameters. Zero values get sensible
// defaults; a nil Store gets an in-memory store.
type Config struct {
	// Store persists task, workflow, and result records.
	Store store.Store
	// Workers sets the pool size per task type.
	Workers map[models.TaskType]int
	// DefaultWorkers is the pool size for types absent from Workers.
	DefaultWorkers int
	// RateLimitWindow and RateLimitMax bound per-tenant submissions.
	// RateLimitMax <= 0 disables rate limiting.
	RateLimitWindow time.Duration
	RateLimitMax    int
	// QuotaLimits caps monthly admissions per tier and task type.
	QuotaLimits QuotaLimits
	// TierResolver maps tenants to subscription tiers.
	TierResolver TierResolver
	// Backoff is the retry schedule for transient task failures.
	Backoff BackoffConfig
	// MaxRetries bounds automatic retries per task.
	MaxRetries int
	// TaskTTL is the default task record lifetime.
	TaskTTL time.Duration
	// MaxIterations bounds chained workflow refinements.
	MaxIterations int
}

// Engine is the orchestration engine: task queue, worker pools, workflow
// coordinator, and result store behind one façade. Multiple engines can
// coexist in a process; no state is global.
type Engine struct {
	store       store.Store
	registry    *StepRegistry
	limiter     *RateLimiter
	quotas      *QuotaLedger
	queue       *Queue
	coordinator *Coordinator

	workers        map[models.TaskType]int
	defaultWorkers int
	backoff        BackoffConfig

	events chan Event
	pools  []*WorkerPool
	cancel context.CancelFunc
}

// New creates an engine from cfg. The engine is inert until Start.
func New(cfg Config) *Engine {
	st := cfg.Store
	if st == nil {
		st = store.NewMemory(time.Minute)
	}
	if cfg.DefaultWorkers <= 0 {
		cfg.DefaultWorkers = 2
	}
	if cfg.MaxRetries <= 0 {
		cfg.MaxRetries = 3
	}
	if cfg.TaskTTL <= 0 {
		cfg.TaskTTL = 24 * time.Hour
	}
	if cfg.Backoff == (BackoffConfig{}) {
		cfg.Backoff = DefaultBackoff()
	}
	if cfg.RateLimitWindow <= 0 {
		cfg.RateLimitWindow = time.Minute
	}

	e := &Engine{
		store:          st,
		registry:       NewStepRegistry(),
		workers:        cfg.Workers,
		defaultWorkers: cfg.DefaultWorkers,
		backoff:        cfg.Backoff,
		events:         make(chan Event, eventBufferSize),
	}
	e.limiter = NewRateLimiter(cfg.RateLimitWindow, cfg.RateLimitMax)
	e.quotas = NewQuotaLedger(cfg.QuotaLimits, cfg.TierResolver)
	e.queue = NewQueue(st, e.limiter, e.quotas, e.emit, cfg.MaxRetries, cfg.TaskTTL)
	e.coordinator = NewCoordinator(st, e.queue, e.registry, e.quotas, e.limiter, e.emit, cfg.Backoff, cfg.MaxIterations)
	return e
}

// emit publishes to the shared event bus, dropping when the buffer is full
// so a slow or absent consumer never stalls the engine.
func (e *Engine) emit(ev Event) {
	select {
	case e.events <- ev:
	default:
	}
}

// Events returns the shared event bus. Events are dropped, not queued,
// beyond the buffer; callers needing lossless delivery use StreamWorkflow.
func (e *Engine) Events() <-chan Event {
	return e.events
}

// RegisterStep binds a step function to a task type. Steps must be
// registered before Start so every type gets a worker pool.
func (e *Engine) RegisterStep(taskType models.TaskType, fn StepFunc) error {
	return e.registry.Register(taskType, fn)
}

// Start launches one worker pool per registered task type. It returns an
// error if no steps are registered.
func (e *Engine) Start(ctx context.Context) error {
	types := e.registry.Types()
	if len(types) == 0 {
		return fmt.Errorf("no step functions registered")
	}

	ctx, e.cancel = context.WithCancel(ctx)
	for _, t := range types {
		size := e.workers[t]
		if size <= 0 {
			size = e.defaultWorkers
		}
		pool := NewWorkerPool(t, size, e.queue, e.registry, e.backoff, e.emit)
		pool.Start(ctx)
		e.pools = append(e.pools, pool)
	}
	log.Printf("[engine] started with %d worker pools", len(e.pools))
	return nil
}

// Stop shuts the engine down: no new claims, in-flight tasks settle, then
// the queue closes. The store is left open for the owner to close.
func (e *Engine) Stop() {
	if e.cancel != nil {
		e.cancel()
	}
	for _, pool := range e.pools {
		pool.Stop()
	}
	e.queue.Close()
	log.Printf("[engine] stopped")
}

// SubmitTask validates and enqueues a standalone task, returning its id.
func (e *Engine) SubmitTask(spec TaskSpec) (string, error) {
	return e.queue.AddTask(spec)
}

// GetTask returns a snapshot of a task, or nil if unknown or expired.
func (e *Engine) GetTask(id string) *models.Task {
	return e.queue.GetTask(id)
}

// CancelTask cancels a task; see Queue.CancelTask for race semantics.
func (e *Engine) CancelTask(id string) bool {
	return e.queue.CancelTask(id)
}

// RetryTask manually re-queues a terminally failed task.
func (e *Engine) RetryTask(id string) bool {
	return e.queue.RetryTask(id)
}

// WaitForTask blocks until the task settles and returns the final record.
func (e *Engine) WaitForTask(ctx context.Context, id string) (*models.Task, error) {
	return e.queue.WaitForTask(ctx, id)
}

// QueueStats reports per-type queue counters; empty type means all types.
func (e *Engine) QueueStats(taskType models.TaskType) []QueueStats {
	return e.queue.Stats(taskType)
}

// OrganizationTasks lists a tenant's task records, newest first.
func (e *Engine) OrganizationTasks(tenantID string, filter TaskFilter) ([]*models.Task, error) {
	return e.queue.OrganizationTasks(tenantID, filter)
}

// StartWorkflow submits a workflow for asynchronous execution.
func (e *Engine) StartWorkflow(spec WorkflowSpec) (string, error) {
	return e.coordinator.StartWorkflow(spec)
}

// RunWorkflow executes a workflow synchronously and returns the final record.
func (e *Engine) RunWorkflow(ctx context.Context, spec WorkflowSpec) (*models.Workflow, error) {
	return e.coordinator.RunWorkflow(ctx, spec)
}

// StreamWorkflow executes a workflow and streams its events, including
// incremental content, in step order.
func (e *Engine) StreamWorkflow(ctx context.Context, spec WorkflowSpec) (<-chan Event, error) {
	return e.coordinator.StreamWorkflow(ctx, spec)
}

// GetWorkflow returns a snapshot of a workflow, or nil if unknown.
func (e *Engine) GetWorkflow(id string) *models.Workflow {
	return e.coordinator.GetWorkflow(id)
}

// PauseWorkflow stops further step dispatch at the next step boundary.
func (e *Engine) PauseWorkflow(id string) bool {
	return e.coordinator.PauseWorkflow(id)
}

// ResumeWorkflow resumes a paused workflow.
func (e *Engine) ResumeWorkflow(id string) bool {
	return e.coordinator.ResumeWorkflow(id)
}

// CancelWorkflow cancels a workflow and its in-flight step.
func (e *Engine) CancelWorkflow(id string) bool {
	return e.coordinator.CancelWorkflow(id)
}

// RefineWorkflow starts a new iteration of a completed workflow.
func (e *Engine) RefineWorkflow(id, feedback string) (string, error) {
	return e.coordinator.RefineWorkflow(id, feedback)
}

// SetQuotaLimits replaces the quota table, for config hot-reload.
func (e *Engine) SetQuotaLimits(limits QuotaLimits) {
	e.quotas.SetLimits(limits)
}

// QuotaUsed reports a tenant's admissions for a task type this billing month.
func (e *Engine) QuotaUsed(tenantID string, taskType models.TaskType) int {
	return e.quotas.Used(tenantID, taskType)
}

// RateRemaining reports how many submissions a tenant has left in the
// current rate-limit window; -1 when limiting is disabled.
func (e *Engine) RateRemaining(tenantID string) int {
	return e.limiter.Remaining(tenantID)
}

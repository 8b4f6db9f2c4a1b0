package engine

import (
	"context"
	"fmt"
	"log"
	"runtime/debug"
	"sync"
	"time"

	"github.com/sitesmith/sitesmith/pkg/models"
)

// WorkerPool runs a fixed number of goroutines claiming tasks of one type
// from the queue and executing the registered step function. Each worker
// classifies failures, schedules transient retries with backoff, and records
// terminal outcomes on the queue.
type WorkerPool struct {
	taskType models.TaskType
	size     int
	queue    *Queue
	registry *StepRegistry
	backoff  BackoffConfig
	emit     eventSink

	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// NewWorkerPool creates a pool of size workers for taskType.
func NewWorkerPool(taskType models.TaskType, size int, queue *Queue, registry *StepRegistry, backoff BackoffConfig, emit eventSink) *WorkerPool {
	if size < 1 {
		size = 1
	}
	if emit == nil {
		emit = nopSink
	}
	return &WorkerPool{
		taskType: taskType,
		size:     size,
		queue:    queue,
		registry: registry,
		backoff:  backoff,
		emit:     emit,
	}
}

// Start launches the workers. They run until Stop or ctx cancellation.
func (p *WorkerPool) Start(ctx context.Context) {
	ctx, p.cancel = context.WithCancel(ctx)
	for i := 0; i < p.size; i++ {
		p.wg.Add(1)
		go p.run(ctx, i)
	}
	log.Printf("[worker] started %d workers for %s tasks", p.size, p.taskType)
}

// Stop signals the workers and waits for in-flight tasks to settle.
func (p *WorkerPool) Stop() {
	if p.cancel != nil {
		p.cancel()
	}
	p.wg.Wait()
}

func (p *WorkerPool) run(ctx context.Context, id int) {
	defer p.wg.Done()

	for {
		task := p.queue.Claim(ctx, p.taskType)
		if task == nil {
			return
		}
		p.execute(ctx, task)
	}
}

// execute runs one claimed task through its step function and settles it.
func (p *WorkerPool) execute(ctx context.Context, task *models.Task) {
	fn, ok := p.registry.Get(task.Type)
	if !ok {
		p.queue.Fail(task.ID, FatalError(CodeInternal, fmt.Errorf("no step registered for task type %q", task.Type)))
		return
	}

	taskCtx, cancel := context.WithCancel(ctx)
	p.queue.RegisterCancel(task.ID, cancel)
	defer func() {
		p.queue.UnregisterCancel(task.ID)
		cancel()
	}()

	out, err := p.invoke(taskCtx, fn, task)
	if err == nil {
		p.queue.Complete(task.ID, out)
		return
	}

	stepErr := ClassifyStepError(err)
	if stepErr.Retryable && task.RetryCount < task.MaxRetries {
		delay := p.backoff.Delay(task.RetryCount)
		log.Printf("[worker] task %s failed transiently (%s), retry %d/%d in %s",
			task.ID, stepErr.Code, task.RetryCount+1, task.MaxRetries, delay.Round(time.Millisecond))
		p.queue.RetryLater(task.ID, stepErr, delay)
		return
	}

	p.queue.Fail(task.ID, stepErr)
}

// invoke calls the step function with panic recovery. A panicking step fails
// its task; it never takes the worker down.
func (p *WorkerPool) invoke(ctx context.Context, fn StepFunc, task *models.Task) (out *models.StepOutput, err error) {
	defer func() {
		if r := recover(); r != nil {
			log.Printf("[worker] step panic on task %s: %v\n%s", task.ID, r, debug.Stack())
			out = nil
			err = FatalError(CodeInternal, fmt.Errorf("step panic: %v", r))
		}
	}()
	return fn(ctx, task)
}

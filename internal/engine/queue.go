package engine

import (
	"container/heap"
	"context"
	"fmt"
	"log"
	"sort"
	"sync"
	"time"

	"github.com/sitesmith/sitesmith/internal/store"
	"github.com/sitesmith/sitesmith/pkg/models"
)

// Priority bounds. 0 is the highest priority; equal-priority tasks are FIFO
// by admission order.
const (
	MinPriority = 0
	MaxPriority = 3
)

// TaskSpec describes a task submission.
type TaskSpec struct {
	// Type selects the step function. Required.
	Type models.TaskType
	// TenantID attributes the task for rate limiting and quotas. Required.
	TenantID string
	// OwnerID is the submitting user.
	OwnerID string
	// Priority orders the queue; clamped to [MinPriority, MaxPriority].
	Priority int
	// Input is the step payload.
	Input models.StepInput
	// Context carries cross-step linkage.
	Context models.TaskContext
	// MaxRetries bounds automatic retries; 0 uses the queue default.
	MaxRetries int
	// TTLSeconds is the record lifetime; 0 uses the queue default.
	TTLSeconds int
}

// QueueStats summarizes one task type's queue.
type QueueStats struct {
	Type      models.TaskType `json:"type"`
	Waiting   int             `json:"waiting"`
	Active    int             `json:"active"`
	Completed int             `json:"completed"`
	Failed    int             `json:"failed"`
	Delayed   int             `json:"delayed"`
}

// TaskFilter narrows an organization task scan. Zero values match everything.
type TaskFilter struct {
	Status models.TaskStatus
	Type   models.TaskType
	Offset int
	Limit  int
}

// Queue owns the per-type priority queues, admission control, the live task
// index, and task status transitions. Workers claim tasks from it; the
// coordinator dispatches workflow steps through it.
type Queue struct {
	store   store.Store
	limiter *RateLimiter
	quotas  *QuotaLedger
	emit    eventSink

	defaultMaxRetries int
	defaultTTL        time.Duration

	mu      sync.Mutex
	queues  map[models.TaskType]*taskHeap
	signals map[models.TaskType]chan struct{}
	tasks   map[string]*models.Task
	cancels map[string]func()
	seq     uint64
	active  map[models.TaskType]int
	delayed map[models.TaskType]int
	done    map[models.TaskType]int
	failed  map[models.TaskType]int
	waiters map[string][]chan *models.Task
	closed  bool
}

// queueItem is one heap entry. Lower priority value wins; ties break FIFO
// by admission sequence.
type queueItem struct {
	task     *models.Task
	priority int
	seq      uint64
	index    int
}

type taskHeap []*queueItem

func (h taskHeap) Len() int { return len(h) }

func (h taskHeap) Less(i, j int) bool {
	if h[i].priority != h[j].priority {
		return h[i].priority < h[j].priority
	}
	return h[i].seq < h[j].seq
}

func (h taskHeap) Swap(i, j int) {
	h[i], h[j] = h[j], h[i]
	h[i].index = i
	h[j].index = j
}

func (h *taskHeap) Push(x any) {
	item := x.(*queueItem)
	item.index = len(*h)
	*h = append(*h, item)
}

func (h *taskHeap) Pop() any {
	old := *h
	n := len(old)
	item := old[n-1]
	old[n-1] = nil
	*h = old[:n-1]
	return item
}

// NewQueue creates a queue backed by st. The limiter and quotas guard
// public admission; emit receives task lifecycle events.
func NewQueue(st store.Store, limiter *RateLimiter, quotas *QuotaLedger, emit eventSink, defaultMaxRetries int, defaultTTL time.Duration) *Queue {
	if emit == nil {
		emit = nopSink
	}
	return &Queue{
		store:             st,
		limiter:           limiter,
		quotas:            quotas,
		emit:              emit,
		defaultMaxRetries: defaultMaxRetries,
		defaultTTL:        defaultTTL,
		queues:            make(map[models.TaskType]*taskHeap),
		signals:           make(map[models.TaskType]chan struct{}),
		tasks:             make(map[string]*models.Task),
		cancels:           make(map[string]func()),
		active:            make(map[models.TaskType]int),
		delayed:           make(map[models.TaskType]int),
		done:              make(map[models.TaskType]int),
		failed:            make(map[models.TaskType]int),
		waiters:           make(map[string][]chan *models.Task),
	}
}

// buildTask materializes a TaskSpec into a pending task record.
func (q *Queue) buildTask(spec TaskSpec) *models.Task {
	priority := spec.Priority
	if priority < MinPriority {
		priority = MinPriority
	}
	if priority > MaxPriority {
		priority = MaxPriority
	}

	maxRetries := spec.MaxRetries
	if maxRetries <= 0 {
		maxRetries = q.defaultMaxRetries
	}

	ttlSeconds := spec.TTLSeconds
	if ttlSeconds <= 0 {
		ttlSeconds = int(q.defaultTTL.Seconds())
	}

	return &models.Task{
		ID:         models.NewTaskID(spec.Type),
		Type:       spec.Type,
		TenantID:   spec.TenantID,
		OwnerID:    spec.OwnerID,
		Priority:   priority,
		Input:      spec.Input,
		Context:    spec.Context,
		Status:     models.TaskStatusPending,
		Metrics:    models.TaskMetrics{QueuedAt: time.Now()},
		MaxRetries: maxRetries,
		TTLSeconds: ttlSeconds,
	}
}

// AddTask validates the tenant's rate limit and monthly quota, then persists
// and enqueues the task. On rejection nothing is persisted or counted beyond
// the rate-limit window itself.
func (q *Queue) AddTask(spec TaskSpec) (string, error) {
	if spec.Type == "" {
		return "", fmt.Errorf("task type is required")
	}
	if spec.TenantID == "" {
		return "", fmt.Errorf("tenant id is required")
	}

	if q.limiter != nil {
		if err := q.limiter.Allow(spec.TenantID); err != nil {
			return "", err
		}
	}
	if q.quotas != nil {
		if err := q.quotas.Admit(spec.TenantID, spec.Type, 1); err != nil {
			return "", err
		}
	}

	task := q.buildTask(spec)
	if err := q.admit(task); err != nil {
		return "", err
	}
	return task.ID, nil
}

// admit persists a task and places it on its type's priority queue.
// Admission control has already run; workflow steps use this path directly
// because their quota is consumed at workflow submission.
func (q *Queue) admit(task *models.Task) error {
	if err := q.persistTask(task); err != nil {
		return err
	}

	q.mu.Lock()
	if q.closed {
		q.mu.Unlock()
		return fmt.Errorf("queue is closed")
	}
	q.tasks[task.ID] = task
	q.pushLocked(task)
	q.mu.Unlock()

	q.emit(Event{
		Type:       EventTaskQueued,
		TaskID:     task.ID,
		StepType:   task.Type,
		WorkflowID: task.Context.WorkflowID,
		Message:    fmt.Sprintf("Task queued: %s", task.Type),
		Timestamp:  time.Now(),
	})
	return nil
}

// track registers a task record without enqueueing it. The coordinator uses
// this for workflow steps created up-front but dispatched later.
func (q *Queue) track(task *models.Task) error {
	if err := q.persistTask(task); err != nil {
		return err
	}

	q.mu.Lock()
	q.tasks[task.ID] = task
	q.mu.Unlock()
	return nil
}

// dispatch enqueues a previously tracked pending task.
func (q *Queue) dispatch(taskID string) error {
	q.mu.Lock()
	task, ok := q.tasks[taskID]
	if !ok || task.Status != models.TaskStatusPending {
		q.mu.Unlock()
		return fmt.Errorf("task %s is not pending", taskID)
	}
	q.pushLocked(task)
	q.mu.Unlock()

	q.emit(Event{
		Type:       EventTaskQueued,
		TaskID:     task.ID,
		StepType:   task.Type,
		WorkflowID: task.Context.WorkflowID,
		Message:    fmt.Sprintf("Task queued: %s", task.Type),
		Timestamp:  time.Now(),
	})
	return nil
}

// setInput replaces a tracked pending task's input. The coordinator threads
// upstream outputs in here before dispatch; the write happens under q.mu so
// concurrent GetTask snapshots always observe a consistent record.
func (q *Queue) setInput(id string, input models.StepInput) {
	q.mu.Lock()
	if task, ok := q.tasks[id]; ok && task.Status == models.TaskStatusPending {
		task.Input = input
	}
	q.mu.Unlock()
}

// pushLocked adds a task to its heap and nudges a waiting worker.
// Caller must hold q.mu.
func (q *Queue) pushLocked(task *models.Task) {
	h := q.queues[task.Type]
	if h == nil {
		h = &taskHeap{}
		q.queues[task.Type] = h
	}
	q.seq++
	heap.Push(h, &queueItem{task: task, priority: task.Priority, seq: q.seq})

	signal := q.signalLocked(task.Type)
	select {
	case signal <- struct{}{}:
	default:
	}
}

// signalLocked returns the nudge channel for a task type.
// Caller must hold q.mu.
func (q *Queue) signalLocked(taskType models.TaskType) chan struct{} {
	s := q.signals[taskType]
	if s == nil {
		s = make(chan struct{}, 1)
		q.signals[taskType] = s
	}
	return s
}

// persistTask writes the task record to the result store under its TTL.
func (q *Queue) persistTask(task *models.Task) error {
	if err := q.store.Put(store.TaskKey(task.ID), task, task.TTL()); err != nil {
		return fmt.Errorf("persist task %s: %w", task.ID, err)
	}
	return nil
}

// GetTask returns a snapshot of the task, or nil if unknown. The live index
// is consulted first; records from previous processes are read from the store.
func (q *Queue) GetTask(id string) *models.Task {
	q.mu.Lock()
	task, ok := q.tasks[id]
	if ok {
		snapshot := *task
		q.mu.Unlock()
		return &snapshot
	}
	q.mu.Unlock()

	var stored models.Task
	if err := q.store.Get(store.TaskKey(id), &stored); err != nil {
		return nil
	}
	return &stored
}

// CancelTask cancels a task. Pending tasks never reach a worker; processing
// tasks are signalled cooperatively and keep running until their step
// function observes cancellation. Returns false once a task already has a
// result or terminal failure recorded; cancel loses that race gracefully.
func (q *Queue) CancelTask(id string) bool {
	q.mu.Lock()
	task, ok := q.tasks[id]
	if !ok || task.Finished() {
		q.mu.Unlock()
		return false
	}

	switch task.Status {
	case models.TaskStatusPending, models.TaskStatusRetrying:
		if task.Status == models.TaskStatusRetrying {
			q.delayed[task.Type]--
		}
		task.Status = models.TaskStatusCancelled
	case models.TaskStatusProcessing:
		task.Status = models.TaskStatusCancelled
		if cancel := q.cancels[id]; cancel != nil {
			cancel()
		}
	default:
		q.mu.Unlock()
		return false
	}
	now := time.Now()
	task.Metrics.CompletedAt = &now
	snapshot := *task
	q.mu.Unlock()

	if err := q.persistTask(&snapshot); err != nil {
		log.Printf("[queue] warning: persist cancelled task %s: %v", id, err)
	}
	q.notifyWaiters(&snapshot)
	return true
}

// RetryTask manually re-queues a failed task. It is only valid from the
// failed status and does not touch the automatic retry counter.
func (q *Queue) RetryTask(id string) bool {
	q.mu.Lock()
	task, ok := q.tasks[id]
	if !ok || task.Status != models.TaskStatusFailed {
		q.mu.Unlock()
		return false
	}

	task.Status = models.TaskStatusPending
	task.Error = nil
	task.Metrics.CompletedAt = nil
	q.failed[task.Type]--
	q.pushLocked(task)
	snapshot := *task
	q.mu.Unlock()

	if err := q.persistTask(&snapshot); err != nil {
		log.Printf("[queue] warning: persist retried task %s: %v", id, err)
	}
	return true
}

// Claim blocks until a task of the given type is available, then transitions
// it to processing and returns it. Returns nil when ctx is cancelled or the
// queue is closed. The worker must pair the claim with RegisterCancel so
// cooperative cancellation can reach the step function.
func (q *Queue) Claim(ctx context.Context, taskType models.TaskType) *models.Task {
	for {
		q.mu.Lock()
		if q.closed {
			q.mu.Unlock()
			return nil
		}

		var claimed *models.Task
		h := q.queues[taskType]
		if h != nil {
			for h.Len() > 0 {
				item := heap.Pop(h).(*queueItem)
				// Cancelled-while-queued entries are dropped here so their
				// step function is never invoked.
				if item.task.Status != models.TaskStatusPending {
					continue
				}
				claimed = item.task
				break
			}
		}

		if claimed != nil {
			now := time.Now()
			claimed.Status = models.TaskStatusProcessing
			claimed.Metrics.StartedAt = &now
			q.active[taskType]++
			// A burst can push more tasks than the signal channel buffers, so
			// a successful claim passes the nudge along while work remains.
			if h.Len() > 0 {
				select {
				case q.signalLocked(taskType) <- struct{}{}:
				default:
				}
			}
			snapshot := *claimed
			q.mu.Unlock()

			if err := q.persistTask(&snapshot); err != nil {
				log.Printf("[queue] warning: persist claimed task %s: %v", snapshot.ID, err)
			}
			q.emit(Event{
				Type:       EventTaskStarted,
				TaskID:     snapshot.ID,
				StepType:   snapshot.Type,
				WorkflowID: snapshot.Context.WorkflowID,
				Message:    fmt.Sprintf("Task started: %s", snapshot.Type),
				Timestamp:  now,
			})
			return claimed
		}

		signal := q.signalLocked(taskType)
		q.mu.Unlock()

		select {
		case <-ctx.Done():
			return nil
		case <-signal:
		}
	}
}

// RegisterCancel records the cooperative cancellation hook for a processing
// task. UnregisterCancel must be called once the task settles.
func (q *Queue) RegisterCancel(id string, cancel func()) {
	q.mu.Lock()
	q.cancels[id] = cancel
	q.mu.Unlock()
}

// UnregisterCancel removes a task's cancellation hook.
func (q *Queue) UnregisterCancel(id string) {
	q.mu.Lock()
	delete(q.cancels, id)
	q.mu.Unlock()
}

// Complete records a successful result. If the task was cancelled after the
// worker started, the cancellation stands only when no result was written;
// here the result arrived first, unless the record already says cancelled,
// in which case the result is discarded without error.
func (q *Queue) Complete(id string, out *models.StepOutput) {
	q.mu.Lock()
	task, ok := q.tasks[id]
	if !ok {
		q.mu.Unlock()
		return
	}
	q.active[task.Type]--
	if task.Status == models.TaskStatusCancelled {
		q.mu.Unlock()
		return
	}

	now := time.Now()
	task.Status = models.TaskStatusComplete
	task.Result = out
	task.Metrics.CompletedAt = &now
	if task.Metrics.StartedAt != nil {
		task.Metrics.Duration = now.Sub(*task.Metrics.StartedAt)
	}
	if out != nil {
		task.Metrics.TokensUsed = out.TokensUsed
		task.Metrics.Cost = out.Cost
	}
	q.done[task.Type]++
	snapshot := *task
	q.mu.Unlock()

	if err := q.persistTask(&snapshot); err != nil {
		log.Printf("[queue] warning: persist completed task %s: %v", id, err)
	}
	if out != nil {
		if err := q.store.Put(store.ResultKey(id, string(out.Kind)), out, snapshot.TTL()); err != nil {
			log.Printf("[queue] warning: persist result for task %s: %v", id, err)
		}
	}

	q.emit(Event{
		Type:       EventTaskCompleted,
		TaskID:     id,
		StepType:   snapshot.Type,
		WorkflowID: snapshot.Context.WorkflowID,
		Message:    fmt.Sprintf("Task completed: %s", snapshot.Type),
		TokensUsed: snapshot.Metrics.TokensUsed,
		Cost:       snapshot.Metrics.Cost,
		Timestamp:  now,
	})
	q.notifyWaiters(&snapshot)
}

// Fail records a terminal failure.
func (q *Queue) Fail(id string, stepErr *StepError) {
	q.mu.Lock()
	task, ok := q.tasks[id]
	if !ok {
		q.mu.Unlock()
		return
	}
	q.active[task.Type]--
	if task.Status == models.TaskStatusCancelled {
		q.mu.Unlock()
		return
	}

	now := time.Now()
	task.Status = models.TaskStatusFailed
	task.Error = taskError(stepErr)
	task.Metrics.CompletedAt = &now
	if task.Metrics.StartedAt != nil {
		task.Metrics.Duration = now.Sub(*task.Metrics.StartedAt)
	}
	q.failed[task.Type]++
	snapshot := *task
	q.mu.Unlock()

	if err := q.persistTask(&snapshot); err != nil {
		log.Printf("[queue] warning: persist failed task %s: %v", id, err)
	}

	q.emit(Event{
		Type:       EventTaskFailed,
		TaskID:     id,
		StepType:   snapshot.Type,
		WorkflowID: snapshot.Context.WorkflowID,
		Message:    fmt.Sprintf("Task failed: %s", snapshot.Type),
		Error:      stepErr,
		Timestamp:  now,
	})
	q.notifyWaiters(&snapshot)
}

// RetryLater schedules a transiently failed task for re-admission after the
// backoff delay. The retry counter moves here; manual RetryTask does not
// touch it.
func (q *Queue) RetryLater(id string, stepErr *StepError, delay time.Duration) {
	q.mu.Lock()
	task, ok := q.tasks[id]
	if !ok {
		q.mu.Unlock()
		return
	}
	q.active[task.Type]--
	if task.Status == models.TaskStatusCancelled {
		q.mu.Unlock()
		return
	}

	task.Status = models.TaskStatusRetrying
	task.RetryCount++
	task.Error = taskError(stepErr)
	q.delayed[task.Type]++
	snapshot := *task
	q.mu.Unlock()

	if err := q.persistTask(&snapshot); err != nil {
		log.Printf("[queue] warning: persist retrying task %s: %v", id, err)
	}

	q.emit(Event{
		Type:       EventTaskRetrying,
		TaskID:     id,
		StepType:   snapshot.Type,
		WorkflowID: snapshot.Context.WorkflowID,
		Message:    fmt.Sprintf("Task retrying in %s (attempt %d/%d)", delay.Round(time.Millisecond), snapshot.RetryCount, snapshot.MaxRetries),
		Error:      stepErr,
		Timestamp:  time.Now(),
	})

	time.AfterFunc(delay, func() {
		q.mu.Lock()
		task, ok := q.tasks[id]
		if !ok || task.Status != models.TaskStatusRetrying {
			q.mu.Unlock()
			return
		}
		task.Status = models.TaskStatusPending
		task.Metrics.StartedAt = nil
		q.delayed[task.Type]--
		if q.closed {
			q.mu.Unlock()
			return
		}
		q.pushLocked(task)
		snapshot := *task
		q.mu.Unlock()

		if err := q.persistTask(&snapshot); err != nil {
			log.Printf("[queue] warning: persist re-queued task %s: %v", id, err)
		}
	})
}

// WaitForTask blocks until the task reaches a terminal status and returns
// the final record.
func (q *Queue) WaitForTask(ctx context.Context, id string) (*models.Task, error) {
	q.mu.Lock()
	task, ok := q.tasks[id]
	if !ok {
		q.mu.Unlock()
		return nil, fmt.Errorf("task %s not found", id)
	}
	if task.Finished() {
		snapshot := *task
		q.mu.Unlock()
		return &snapshot, nil
	}

	ch := make(chan *models.Task, 1)
	q.waiters[id] = append(q.waiters[id], ch)
	q.mu.Unlock()

	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case final := <-ch:
		return final, nil
	}
}

// notifyWaiters delivers a terminal snapshot to everyone blocked on the task.
func (q *Queue) notifyWaiters(task *models.Task) {
	q.mu.Lock()
	waiters := q.waiters[task.ID]
	delete(q.waiters, task.ID)
	q.mu.Unlock()

	for _, ch := range waiters {
		ch <- task
	}
}

// Stats reports queue counters. With taskType empty, all known types are
// reported sorted by type name.
func (q *Queue) Stats(taskType models.TaskType) []QueueStats {
	q.mu.Lock()
	defer q.mu.Unlock()

	types := make(map[models.TaskType]bool)
	if taskType != "" {
		types[taskType] = true
	} else {
		for t := range q.queues {
			types[t] = true
		}
		for t := range q.active {
			types[t] = true
		}
		for t := range q.done {
			types[t] = true
		}
		for t := range q.failed {
			types[t] = true
		}
	}

	stats := make([]QueueStats, 0, len(types))
	for t := range types {
		waiting := 0
		if h := q.queues[t]; h != nil {
			for _, item := range *h {
				if item.task.Status == models.TaskStatusPending {
					waiting++
				}
			}
		}
		stats = append(stats, QueueStats{
			Type:      t,
			Waiting:   waiting,
			Active:    q.active[t],
			Completed: q.done[t],
			Failed:    q.failed[t],
			Delayed:   q.delayed[t],
		})
	}

	sort.Slice(stats, func(i, j int) bool { return stats[i].Type < stats[j].Type })
	return stats
}

// OrganizationTasks scans the store for a tenant's task records, filtered by
// status and type, newest first, paginated by filter.Offset/Limit.
func (q *Queue) OrganizationTasks(tenantID string, filter TaskFilter) ([]*models.Task, error) {
	keys, err := q.store.Keys(store.TaskPrefix())
	if err != nil {
		return nil, fmt.Errorf("scan tasks: %w", err)
	}

	var matched []*models.Task
	for _, key := range keys {
		var task models.Task
		if err := q.store.Get(key, &task); err != nil {
			// Expired between listing and read; skip.
			continue
		}
		if task.TenantID != tenantID {
			continue
		}
		if filter.Status != "" && task.Status != filter.Status {
			continue
		}
		if filter.Type != "" && task.Type != filter.Type {
			continue
		}
		matched = append(matched, &task)
	}

	sort.Slice(matched, func(i, j int) bool {
		return matched[i].Metrics.QueuedAt.After(matched[j].Metrics.QueuedAt)
	})

	if filter.Offset > 0 {
		if filter.Offset >= len(matched) {
			return nil, nil
		}
		matched = matched[filter.Offset:]
	}
	if filter.Limit > 0 && filter.Limit < len(matched) {
		matched = matched[:filter.Limit]
	}
	return matched, nil
}

// Close stops admission and wakes blocked claims.
func (q *Queue) Close() {
	q.mu.Lock()
	if q.closed {
		q.mu.Unlock()
		return
	}
	q.closed = true
	signals := make([]chan struct{}, 0, len(q.signals))
	for _, s := range q.signals {
		signals = append(signals, s)
	}
	q.mu.Unlock()

	for _, s := range signals {
		close(s)
	}
}

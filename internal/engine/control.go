package engine

import (
	"log"

	"github.com/sitesmith/sitesmith/pkg/models"
)

// PauseWorkflow stops further step dispatch for a running workflow. A step
// already executing finishes normally; the pause takes effect at the next
// step boundary. Returns false if the workflow is not running.
func (c *Coordinator) PauseWorkflow(id string) bool {
	c.mu.Lock()
	wf, ok := c.workflows[id]
	if !ok || wf.Status != models.WorkflowStatusRunning {
		c.mu.Unlock()
		return false
	}
	wf.Status = models.WorkflowStatusPaused
	c.mu.Unlock()

	if err := c.persistWorkflow(wf); err != nil {
		log.Printf("[coordinator] warning: %v", err)
	}
	log.Printf("[coordinator] workflow %s paused", id)
	return true
}

// ResumeWorkflow resumes a paused workflow. Dispatch continues from the next
// pending step. Returns false if the workflow is not paused.
func (c *Coordinator) ResumeWorkflow(id string) bool {
	c.mu.Lock()
	wf, ok := c.workflows[id]
	if !ok || wf.Status != models.WorkflowStatusPaused {
		c.mu.Unlock()
		return false
	}
	wf.Status = models.WorkflowStatusRunning
	if ch := c.resume[id]; ch != nil {
		close(ch)
		delete(c.resume, id)
	}
	c.mu.Unlock()

	if err := c.persistWorkflow(wf); err != nil {
		log.Printf("[coordinator] warning: %v", err)
	}
	log.Printf("[coordinator] workflow %s resumed", id)
	return true
}

// CancelWorkflow cancels a workflow. The currently executing step's task is
// cancelled cooperatively; tasks created for steps not yet dispatched are
// cancelled in place so no record is left pending. Returns false once the
// workflow is already terminal.
func (c *Coordinator) CancelWorkflow(id string) bool {
	c.mu.Lock()
	wf, ok := c.workflows[id]
	if !ok || wf.Status.Terminal() {
		c.mu.Unlock()
		return false
	}
	wf.Status = models.WorkflowStatusCancelled

	taskIDs := make([]string, 0, len(wf.Steps))
	for i := range wf.Steps {
		if taskID := wf.Steps[i].TaskID; taskID != "" {
			taskIDs = append(taskIDs, taskID)
		}
	}
	// Wake the runner if it is parked at a pause gate.
	if ch := c.resume[id]; ch != nil {
		close(ch)
		delete(c.resume, id)
	}
	c.mu.Unlock()

	// CancelTask refuses tasks that already finished, so completed steps
	// keep their results.
	for _, taskID := range taskIDs {
		c.queue.CancelTask(taskID)
	}
	if err := c.persistWorkflow(wf); err != nil {
		log.Printf("[coordinator] warning: %v", err)
	}
	log.Printf("[coordinator] workflow %s cancelled", id)
	return true
}

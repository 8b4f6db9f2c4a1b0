package engine

import (
	"fmt"

	"github.com/sitesmith/sitesmith/pkg/models"
)

// RefineWorkflow starts a new workflow iterating on a completed one with the
// user's feedback. The original record is never mutated: the refinement is a
// fresh workflow whose input is seeded from the original's output and whose
// context links back through PreviousVersions. Refining the same workflow
// twice with the same feedback yields two independent refinements.
func (c *Coordinator) RefineWorkflow(id, feedback string) (string, error) {
	original := c.GetWorkflow(id)
	if original == nil {
		return "", fmt.Errorf("workflow %s not found", id)
	}
	if original.Status != models.WorkflowStatusCompleted {
		return "", fmt.Errorf("workflow %s is %s; only completed workflows can be refined", id, original.Status)
	}

	iteration := original.Context.IterationCount + 1
	if iteration > c.maxIterations {
		return "", fmt.Errorf("workflow %s reached the refinement limit (%d)", id, c.maxIterations)
	}

	input := original.Input
	input.Feedback = append(append([]string(nil), original.Input.Feedback...), feedback)
	// Seed the previous version's outputs so steps refine rather than restart.
	threadInput(&input, &original.Output)

	wfCtx := models.WorkflowContext{
		UserFeedback:     append(append([]string(nil), original.Context.UserFeedback...), feedback),
		IterationCount:   iteration,
		PreviousVersions: append(append([]string(nil), original.Context.PreviousVersions...), original.ID),
	}

	wf, err := c.createWorkflow(WorkflowSpec{
		Type:     original.Type,
		TenantID: original.TenantID,
		OwnerID:  original.OwnerID,
		Input:    input,
	}, wfCtx)
	if err != nil {
		return "", err
	}
	if err := c.prepareTasks(wf, 0); err != nil {
		return "", err
	}
	go c.runAsync(wf)
	return wf.ID, nil
}

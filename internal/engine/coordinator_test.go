package engine

import (
	"context"
	"errors"
	"fmt"
	"sync/atomic"
	"testing"
	"time"

	"github.com/sitesmith/sitesmith/pkg/models"
)

// newTestEngine starts an engine with step functions that thread their
// upstream outputs through, so tests can assert sequencing end to end.
func newTestEngine(t *testing.T, cfg Config) *Engine {
	t.Helper()

	if cfg.Backoff == (BackoffConfig{}) {
		cfg.Backoff = fastBackoff()
	}
	e := New(cfg)

	e.RegisterStep(models.TaskTypeAnalyze, func(ctx context.Context, task *models.Task) (*models.StepOutput, error) {
		return &models.StepOutput{
			Kind:     models.OutputKindAnalysis,
			Analysis: &models.SiteAnalysis{URL: task.Input.SourceURL, Summary: "marketing site"},
		}, nil
	})
	e.RegisterStep(models.TaskTypeArchitect, func(ctx context.Context, task *models.Task) (*models.StepOutput, error) {
		name := task.Input.Brief
		if task.Input.Analysis != nil {
			name = "rebuild of " + task.Input.Analysis.URL
		}
		return &models.StepOutput{
			Kind:         models.OutputKindArchitecture,
			Architecture: &models.Architecture{SiteName: name, Pages: []models.PageSpec{{Path: "/", Title: "Home"}}},
			TokensUsed:   10,
		}, nil
	})
	e.RegisterStep(models.TaskTypeDesign, func(ctx context.Context, task *models.Task) (*models.StepOutput, error) {
		tone := "fresh"
		if task.Input.Architecture != nil {
			tone = "matched to " + task.Input.Architecture.SiteName
		}
		return &models.StepOutput{
			Kind:       models.OutputKindDesign,
			Design:     &models.DesignSystem{Tone: tone},
			TokensUsed: 10,
		}, nil
	})
	e.RegisterStep(models.TaskTypeCode, func(ctx context.Context, task *models.Task) (*models.StepOutput, error) {
		if task.Input.Architecture == nil && task.Input.Design == nil {
			return nil, fmt.Errorf("code step: %w", ErrMissingUpstream)
		}
		return &models.StepOutput{
			Kind:       models.OutputKindCode,
			Code:       &models.CodeBundle{Files: []models.CodeFile{{Path: "index.html", Content: "<html/>"}}},
			TokensUsed: 10,
		}, nil
	})
	e.RegisterStep(models.TaskTypeDeploy, func(ctx context.Context, task *models.Task) (*models.StepOutput, error) {
		return &models.StepOutput{
			Kind:       models.OutputKindDeployment,
			Deployment: &models.Deployment{URL: "https://example.test"},
		}, nil
	})
	e.RegisterStep(models.TaskTypeExport, func(ctx context.Context, task *models.Task) (*models.StepOutput, error) {
		return &models.StepOutput{
			Kind:   models.OutputKindExport,
			Export: &models.ExportBundle{Format: "zip"},
		}, nil
	})

	if err := e.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}
	t.Cleanup(e.Stop)
	return e
}

// waitWorkflow polls until the workflow reaches a terminal status.
func waitWorkflow(t *testing.T, e *Engine, id string) *models.Workflow {
	t.Helper()

	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		wf := e.GetWorkflow(id)
		if wf != nil && wf.Status.Terminal() {
			return wf
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("workflow %s did not settle", id)
	return nil
}

func TestWorkflowCreateSequencing(t *testing.T) {
	e := newTestEngine(t, Config{})

	id, err := e.StartWorkflow(WorkflowSpec{
		Type:     models.WorkflowTypeCreate,
		TenantID: "org-1",
		Input:    models.StepInput{Brief: "bakery site"},
	})
	if err != nil {
		t.Fatalf("StartWorkflow: %v", err)
	}

	wf := waitWorkflow(t, e, id)
	if wf.Status != models.WorkflowStatusCompleted {
		t.Fatalf("status = %s, want completed", wf.Status)
	}

	// Steps ran in order: the design saw the architect's output, the code
	// step saw both.
	if wf.Output.Architecture == nil || wf.Output.Architecture.SiteName != "bakery site" {
		t.Errorf("architecture = %+v, want bakery site", wf.Output.Architecture)
	}
	if wf.Output.Design == nil || wf.Output.Design.Tone != "matched to bakery site" {
		t.Errorf("design = %+v, want tone threaded from architecture", wf.Output.Design)
	}
	if wf.Output.Code == nil {
		t.Error("code output missing")
	}
	if wf.Metrics.TotalTokens != 30 {
		t.Errorf("total tokens = %d, want 30", wf.Metrics.TotalTokens)
	}
	for _, step := range wf.Steps {
		if step.Status != models.StepStatusComplete {
			t.Errorf("step %s = %s, want complete", step.TaskType, step.Status)
		}
	}
}

func TestWorkflowCloneIncludesAnalysis(t *testing.T) {
	e := newTestEngine(t, Config{})

	id, err := e.StartWorkflow(WorkflowSpec{
		Type:     models.WorkflowTypeClone,
		TenantID: "org-1",
		Input:    models.StepInput{SourceURL: "https://old.example"},
	})
	if err != nil {
		t.Fatalf("StartWorkflow: %v", err)
	}

	wf := waitWorkflow(t, e, id)
	if wf.Status != models.WorkflowStatusCompleted {
		t.Fatalf("status = %s, want completed", wf.Status)
	}
	if wf.Output.Analysis == nil || wf.Output.Analysis.URL != "https://old.example" {
		t.Errorf("analysis = %+v, want source url", wf.Output.Analysis)
	}
	if wf.Output.Architecture == nil || wf.Output.Architecture.SiteName != "rebuild of https://old.example" {
		t.Errorf("architecture = %+v, want analysis threaded in", wf.Output.Architecture)
	}
}

func TestWorkflowSkipOptions(t *testing.T) {
	e := newTestEngine(t, Config{})

	id, err := e.StartWorkflow(WorkflowSpec{
		Type:     models.WorkflowTypeCreate,
		TenantID: "org-1",
		Input: models.StepInput{
			Brief:   "landing page",
			Options: models.WorkflowOptions{SkipDesign: true},
		},
	})
	if err != nil {
		t.Fatalf("StartWorkflow: %v", err)
	}

	wf := waitWorkflow(t, e, id)
	if wf.Status != models.WorkflowStatusCompleted {
		t.Fatalf("status = %s, want completed", wf.Status)
	}
	if wf.Output.Design != nil {
		t.Error("design output present despite SkipDesign")
	}
	for _, step := range wf.Steps {
		if step.TaskType == models.TaskTypeDesign && step.Status != models.StepStatusSkipped {
			t.Errorf("design step = %s, want skipped", step.Status)
		}
	}
}

func TestWorkflowDeployAndExportSteps(t *testing.T) {
	e := newTestEngine(t, Config{})

	id, err := e.StartWorkflow(WorkflowSpec{
		Type:     models.WorkflowTypeCreate,
		TenantID: "org-1",
		Input: models.StepInput{
			Brief:   "portfolio",
			Options: models.WorkflowOptions{Deploy: true, Export: true},
		},
	})
	if err != nil {
		t.Fatalf("StartWorkflow: %v", err)
	}

	wf := waitWorkflow(t, e, id)
	if wf.Status != models.WorkflowStatusCompleted {
		t.Fatalf("status = %s, want completed", wf.Status)
	}
	if wf.Output.Deployment == nil || wf.Output.Deployment.URL == "" {
		t.Errorf("deployment = %+v, want live url", wf.Output.Deployment)
	}
	if wf.Output.Export == nil || wf.Output.Export.Format != "zip" {
		t.Errorf("export = %+v, want zip bundle", wf.Output.Export)
	}
}

func TestWorkflowCodeOnlyRequiresUpstream(t *testing.T) {
	e := newTestEngine(t, Config{})

	_, err := e.StartWorkflow(WorkflowSpec{
		Type:     models.WorkflowTypeCodeOnly,
		TenantID: "org-1",
		Input:    models.StepInput{Brief: "just code it"},
	})
	if !errors.Is(err, ErrMissingUpstream) {
		t.Fatalf("expected ErrMissingUpstream, got %v", err)
	}

	// With a supplied architecture the same submission is accepted.
	id, err := e.StartWorkflow(WorkflowSpec{
		Type:     models.WorkflowTypeCodeOnly,
		TenantID: "org-1",
		Input: models.StepInput{
			Architecture: &models.Architecture{SiteName: "provided"},
		},
	})
	if err != nil {
		t.Fatalf("StartWorkflow with architecture: %v", err)
	}
	wf := waitWorkflow(t, e, id)
	if wf.Status != models.WorkflowStatusCompleted {
		t.Errorf("status = %s, want completed", wf.Status)
	}
}

func TestWorkflowQuotaAllOrNothing(t *testing.T) {
	e := newTestEngine(t, Config{
		QuotaLimits: QuotaLimits{"free": {models.TaskTypeCode: 0}},
	})

	_, err := e.StartWorkflow(WorkflowSpec{
		Type:     models.WorkflowTypeCreate,
		TenantID: "org-1",
		Input:    models.StepInput{Brief: "site"},
	})
	var qe *QuotaError
	if !errors.As(err, &qe) {
		t.Fatalf("expected QuotaError, got %v", err)
	}
	// Rejection left no partial usage behind.
	if got := e.QuotaUsed("org-1", models.TaskTypeArchitect); got != 0 {
		t.Errorf("architect usage = %d, want 0 after rejected workflow", got)
	}
}

func TestWorkflowFailureStopsDispatch(t *testing.T) {
	e := newTestEngine(t, Config{})
	var codeRuns atomic.Int32
	e.RegisterStep(models.TaskTypeDesign, func(ctx context.Context, task *models.Task) (*models.StepOutput, error) {
		return nil, FatalError(CodeValidation, errors.New("unusable architecture"))
	})
	e.RegisterStep(models.TaskTypeCode, func(ctx context.Context, task *models.Task) (*models.StepOutput, error) {
		codeRuns.Add(1)
		return &models.StepOutput{Kind: models.OutputKindCode, Code: &models.CodeBundle{}}, nil
	})

	id, err := e.StartWorkflow(WorkflowSpec{
		Type:     models.WorkflowTypeCreate,
		TenantID: "org-1",
		Input:    models.StepInput{Brief: "site"},
	})
	if err != nil {
		t.Fatalf("StartWorkflow: %v", err)
	}

	wf := waitWorkflow(t, e, id)
	if wf.Status != models.WorkflowStatusFailed {
		t.Fatalf("status = %s, want failed", wf.Status)
	}
	// The architect's output survives the failure.
	if wf.Output.Architecture == nil {
		t.Error("completed step output dropped on failure")
	}
	if got := codeRuns.Load(); got != 0 {
		t.Errorf("code step ran %d times after upstream failure, want 0", got)
	}
	for _, step := range wf.Steps {
		if step.TaskType == models.TaskTypeDesign {
			if step.Status != models.StepStatusFailed || step.Error == nil {
				t.Errorf("design step = %+v, want failed with error", step)
			}
		}
	}
}

func TestWorkflowTaskSnapshotsDuringRun(t *testing.T) {
	e := newTestEngine(t, Config{})

	id, err := e.StartWorkflow(WorkflowSpec{
		Type:     models.WorkflowTypeCreate,
		TenantID: "org-1",
		Input:    models.StepInput{Brief: "busy site"},
	})
	if err != nil {
		t.Fatalf("StartWorkflow: %v", err)
	}

	// Every step's task id is visible before its step runs; hammer GetTask
	// on all of them while the coordinator threads inputs between steps.
	wf := e.GetWorkflow(id)
	var taskIDs []string
	for _, step := range wf.Steps {
		if step.TaskID != "" {
			taskIDs = append(taskIDs, step.TaskID)
		}
	}
	if len(taskIDs) == 0 {
		t.Fatal("no task ids recorded on the workflow steps")
	}

	stop := make(chan struct{})
	done := make(chan struct{})
	go func() {
		defer close(done)
		for {
			select {
			case <-stop:
				return
			default:
			}
			for _, taskID := range taskIDs {
				if task := e.GetTask(taskID); task != nil {
					_ = task.Input
				}
			}
		}
	}()

	final := waitWorkflow(t, e, id)
	close(stop)
	<-done
	if final.Status != models.WorkflowStatusCompleted {
		t.Fatalf("status = %s, want completed", final.Status)
	}
	if final.Output.Design == nil || final.Output.Design.Tone != "matched to busy site" {
		t.Errorf("design = %+v, want tone threaded from architecture", final.Output.Design)
	}
}

func TestWorkflowRedispatchesExhaustedTransientFailure(t *testing.T) {
	e := newTestEngine(t, Config{MaxRetries: 1})
	var attempts atomic.Int32
	e.RegisterStep(models.TaskTypeDesign, func(ctx context.Context, task *models.Task) (*models.StepOutput, error) {
		if attempts.Add(1) <= 2 {
			return nil, RetryableError(CodeServiceUnavailable, errors.New("503"))
		}
		return &models.StepOutput{Kind: models.OutputKindDesign, Design: &models.DesignSystem{Tone: "recovered"}}, nil
	})

	id, err := e.StartWorkflow(WorkflowSpec{
		Type:     models.WorkflowTypeCreate,
		TenantID: "org-1",
		Input:    models.StepInput{Brief: "flaky site"},
	})
	if err != nil {
		t.Fatalf("StartWorkflow: %v", err)
	}

	// The worker's own retry budget (initial attempt + one retry) fails the
	// task; the coordinator re-dispatches it once and the third attempt lands.
	wf := waitWorkflow(t, e, id)
	if wf.Status != models.WorkflowStatusCompleted {
		t.Fatalf("status = %s, want completed after re-dispatch", wf.Status)
	}
	if got := attempts.Load(); got != 3 {
		t.Errorf("design attempts = %d, want 3", got)
	}
	if wf.Output.Design == nil || wf.Output.Design.Tone != "recovered" {
		t.Errorf("design = %+v, want recovered output", wf.Output.Design)
	}
}

func TestWorkflowFatalFailureNotRedispatched(t *testing.T) {
	e := newTestEngine(t, Config{MaxRetries: 1})
	var attempts atomic.Int32
	e.RegisterStep(models.TaskTypeArchitect, func(ctx context.Context, task *models.Task) (*models.StepOutput, error) {
		attempts.Add(1)
		return nil, FatalError(CodeValidation, errors.New("bad brief"))
	})

	id, err := e.StartWorkflow(WorkflowSpec{
		Type:     models.WorkflowTypeCreate,
		TenantID: "org-1",
		Input:    models.StepInput{Brief: "broken site"},
	})
	if err != nil {
		t.Fatalf("StartWorkflow: %v", err)
	}

	wf := waitWorkflow(t, e, id)
	if wf.Status != models.WorkflowStatusFailed {
		t.Fatalf("status = %s, want failed", wf.Status)
	}
	if got := attempts.Load(); got != 1 {
		t.Errorf("attempts = %d, want 1 for a fatal failure", got)
	}
}

func TestWorkflowPauseResume(t *testing.T) {
	e := newTestEngine(t, Config{})
	release := make(chan struct{})
	e.RegisterStep(models.TaskTypeArchitect, func(ctx context.Context, task *models.Task) (*models.StepOutput, error) {
		<-release
		return &models.StepOutput{
			Kind:         models.OutputKindArchitecture,
			Architecture: &models.Architecture{SiteName: task.Input.Brief},
		}, nil
	})

	id, err := e.StartWorkflow(WorkflowSpec{
		Type:     models.WorkflowTypeCreate,
		TenantID: "org-1",
		Input:    models.StepInput{Brief: "paused site"},
	})
	if err != nil {
		t.Fatalf("StartWorkflow: %v", err)
	}

	// Pause while the first step is still executing, then let it finish.
	deadline := time.Now().Add(2 * time.Second)
	for !e.PauseWorkflow(id) {
		if time.Now().After(deadline) {
			t.Fatal("workflow never became pausable")
		}
		time.Sleep(2 * time.Millisecond)
	}
	close(release)

	// The in-flight step completes but no further step dispatches.
	time.Sleep(50 * time.Millisecond)
	wf := e.GetWorkflow(id)
	if wf.Status != models.WorkflowStatusPaused {
		t.Fatalf("status = %s, want paused", wf.Status)
	}
	if wf.Output.Design != nil {
		t.Error("design ran while paused")
	}

	if !e.ResumeWorkflow(id) {
		t.Fatal("resume returned false")
	}
	final := waitWorkflow(t, e, id)
	if final.Status != models.WorkflowStatusCompleted {
		t.Errorf("status after resume = %s, want completed", final.Status)
	}
	if final.Output.Design == nil || final.Output.Code == nil {
		t.Error("remaining steps did not run after resume")
	}
}

func TestWorkflowCancelStopsRemainingSteps(t *testing.T) {
	e := newTestEngine(t, Config{})
	started := make(chan struct{})
	e.RegisterStep(models.TaskTypeArchitect, func(ctx context.Context, task *models.Task) (*models.StepOutput, error) {
		close(started)
		<-ctx.Done()
		return nil, ctx.Err()
	})

	id, err := e.StartWorkflow(WorkflowSpec{
		Type:     models.WorkflowTypeCreate,
		TenantID: "org-1",
		Input:    models.StepInput{Brief: "doomed site"},
	})
	if err != nil {
		t.Fatalf("StartWorkflow: %v", err)
	}

	select {
	case <-started:
	case <-time.After(2 * time.Second):
		t.Fatal("first step never started")
	}

	if !e.CancelWorkflow(id) {
		t.Fatal("cancel returned false")
	}
	wf := waitWorkflow(t, e, id)
	if wf.Status != models.WorkflowStatusCancelled {
		t.Fatalf("status = %s, want cancelled", wf.Status)
	}
	if e.CancelWorkflow(id) {
		t.Error("second cancel of terminal workflow should return false")
	}
	if wf.Output.Design != nil || wf.Output.Code != nil {
		t.Error("steps ran after cancellation")
	}
}

func TestWorkflowCancelSettlesPreparedTasks(t *testing.T) {
	e := newTestEngine(t, Config{})
	started := make(chan struct{})
	e.RegisterStep(models.TaskTypeArchitect, func(ctx context.Context, task *models.Task) (*models.StepOutput, error) {
		close(started)
		<-ctx.Done()
		return nil, ctx.Err()
	})

	id, err := e.StartWorkflow(WorkflowSpec{
		Type:     models.WorkflowTypeCreate,
		TenantID: "org-1",
		Input:    models.StepInput{Brief: "abandoned site"},
	})
	if err != nil {
		t.Fatalf("StartWorkflow: %v", err)
	}

	select {
	case <-started:
	case <-time.After(2 * time.Second):
		t.Fatal("first step never started")
	}
	if !e.CancelWorkflow(id) {
		t.Fatal("cancel returned false")
	}

	// Cancellation settles every step's task, including the ones created up
	// front that never dispatched; none may linger pending.
	wf := waitWorkflow(t, e, id)
	for _, step := range wf.Steps {
		if step.TaskID == "" {
			continue
		}
		task := e.GetTask(step.TaskID)
		if task == nil {
			t.Fatalf("task %s for step %s missing", step.TaskID, step.TaskType)
		}
		if task.Status != models.TaskStatusCancelled {
			t.Errorf("step %s task status = %s, want cancelled", step.TaskType, task.Status)
		}
	}
}

func TestWorkflowRefinementLeavesOriginalUntouched(t *testing.T) {
	e := newTestEngine(t, Config{})

	id, err := e.StartWorkflow(WorkflowSpec{
		Type:     models.WorkflowTypeCreate,
		TenantID: "org-1",
		Input:    models.StepInput{Brief: "v1 site"},
	})
	if err != nil {
		t.Fatalf("StartWorkflow: %v", err)
	}
	original := waitWorkflow(t, e, id)
	if original.Status != models.WorkflowStatusCompleted {
		t.Fatalf("original status = %s, want completed", original.Status)
	}

	refinedID, err := e.RefineWorkflow(id, "make it darker")
	if err != nil {
		t.Fatalf("RefineWorkflow: %v", err)
	}
	if refinedID == id {
		t.Fatal("refinement reused the original workflow id")
	}

	refined := waitWorkflow(t, e, refinedID)
	if refined.Status != models.WorkflowStatusCompleted {
		t.Fatalf("refined status = %s, want completed", refined.Status)
	}
	if refined.Context.IterationCount != 1 {
		t.Errorf("iteration = %d, want 1", refined.Context.IterationCount)
	}
	if len(refined.Context.PreviousVersions) != 1 || refined.Context.PreviousVersions[0] != id {
		t.Errorf("previous versions = %v, want [%s]", refined.Context.PreviousVersions, id)
	}
	if len(refined.Input.Feedback) != 1 || refined.Input.Feedback[0] != "make it darker" {
		t.Errorf("feedback = %v, want the refinement note", refined.Input.Feedback)
	}

	// The original record is byte-for-byte what it was.
	after := e.GetWorkflow(id)
	if after.Status != models.WorkflowStatusCompleted {
		t.Errorf("original status changed to %s", after.Status)
	}
	if len(after.Context.UserFeedback) != 0 || after.Context.IterationCount != 0 {
		t.Errorf("original context mutated: %+v", after.Context)
	}

	// Refining the same workflow again is independent, not cumulative.
	secondID, err := e.RefineWorkflow(id, "make it darker")
	if err != nil {
		t.Fatalf("second RefineWorkflow: %v", err)
	}
	second := waitWorkflow(t, e, secondID)
	if second.Context.IterationCount != 1 {
		t.Errorf("second refinement iteration = %d, want 1", second.Context.IterationCount)
	}
}

func TestWorkflowRefinementRequiresCompleted(t *testing.T) {
	e := newTestEngine(t, Config{})
	release := make(chan struct{})
	defer close(release)
	e.RegisterStep(models.TaskTypeArchitect, func(ctx context.Context, task *models.Task) (*models.StepOutput, error) {
		<-release
		return nil, ctx.Err()
	})

	id, err := e.StartWorkflow(WorkflowSpec{
		Type:     models.WorkflowTypeCreate,
		TenantID: "org-1",
		Input:    models.StepInput{Brief: "in flight"},
	})
	if err != nil {
		t.Fatalf("StartWorkflow: %v", err)
	}

	if _, err := e.RefineWorkflow(id, "too early"); err == nil {
		t.Error("refinement of a running workflow should be rejected")
	}
}

func TestWorkflowSuggestionsDerived(t *testing.T) {
	e := newTestEngine(t, Config{})

	id, err := e.StartWorkflow(WorkflowSpec{
		Type:     models.WorkflowTypeCreate,
		TenantID: "org-1",
		Input:    models.StepInput{Brief: "suggest things"},
	})
	if err != nil {
		t.Fatalf("StartWorkflow: %v", err)
	}

	wf := waitWorkflow(t, e, id)
	if len(wf.Suggestions) == 0 {
		t.Fatal("completed workflow has no suggestions")
	}
	types := make(map[string]bool)
	for _, s := range wf.Suggestions {
		types[s.Type] = true
	}
	// Code exists but no deployment: deploy must be among the suggestions.
	if !types["deploy"] {
		t.Errorf("suggestion types = %v, want deploy included", types)
	}
	if !types["refine"] {
		t.Errorf("suggestion types = %v, want refine included", types)
	}
}

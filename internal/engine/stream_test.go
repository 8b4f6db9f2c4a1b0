package engine

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/sitesmith/sitesmith/pkg/models"
)

func TestRunWorkflowSynchronous(t *testing.T) {
	e := newTestEngine(t, Config{})

	wf, err := e.RunWorkflow(context.Background(), WorkflowSpec{
		Type:     models.WorkflowTypeCreate,
		TenantID: "org-1",
		Input:    models.StepInput{Brief: "sync site"},
	})
	if err != nil {
		t.Fatalf("RunWorkflow: %v", err)
	}
	if wf.Status != models.WorkflowStatusCompleted {
		t.Fatalf("status = %s, want completed", wf.Status)
	}
	if wf.Output.Architecture == nil || wf.Output.Design == nil || wf.Output.Code == nil {
		t.Errorf("output incomplete: %+v", wf.Output)
	}
	if wf.Metrics.CompletedAt == nil {
		t.Error("completion time not recorded")
	}
}

func TestRunWorkflowRetriesTransientOnce(t *testing.T) {
	e := newTestEngine(t, Config{})
	var attempts atomic.Int32
	e.RegisterStep(models.TaskTypeDesign, func(ctx context.Context, task *models.Task) (*models.StepOutput, error) {
		if attempts.Add(1) == 1 {
			return nil, RetryableError(CodeUpstreamRateLimited, errors.New("429"))
		}
		return &models.StepOutput{Kind: models.OutputKindDesign, Design: &models.DesignSystem{Tone: "recovered"}}, nil
	})

	wf, err := e.RunWorkflow(context.Background(), WorkflowSpec{
		Type:     models.WorkflowTypeCreate,
		TenantID: "org-1",
		Input:    models.StepInput{Brief: "flaky site"},
	})
	if err != nil {
		t.Fatalf("RunWorkflow: %v", err)
	}
	if wf.Status != models.WorkflowStatusCompleted {
		t.Fatalf("status = %s, want completed after one retry", wf.Status)
	}
	if got := attempts.Load(); got != 2 {
		t.Errorf("design attempts = %d, want 2", got)
	}
}

func TestRunWorkflowSecondTransientFailureIsTerminal(t *testing.T) {
	e := newTestEngine(t, Config{})
	var attempts atomic.Int32
	e.RegisterStep(models.TaskTypeArchitect, func(ctx context.Context, task *models.Task) (*models.StepOutput, error) {
		attempts.Add(1)
		return nil, RetryableError(CodeServiceUnavailable, errors.New("503"))
	})

	wf, err := e.RunWorkflow(context.Background(), WorkflowSpec{
		Type:     models.WorkflowTypeCreate,
		TenantID: "org-1",
		Input:    models.StepInput{Brief: "down site"},
	})
	if err == nil {
		t.Fatal("expected error from failed workflow")
	}
	if wf.Status != models.WorkflowStatusFailed {
		t.Fatalf("status = %s, want failed", wf.Status)
	}
	// Synchronous mode re-invokes exactly once.
	if got := attempts.Load(); got != 2 {
		t.Errorf("attempts = %d, want 2", got)
	}
}

func TestRunWorkflowHonorsPause(t *testing.T) {
	e := newTestEngine(t, Config{})
	paused := make(chan string, 1)
	var designRuns atomic.Int32
	e.RegisterStep(models.TaskTypeArchitect, func(ctx context.Context, task *models.Task) (*models.StepOutput, error) {
		if !e.PauseWorkflow(task.Context.WorkflowID) {
			t.Error("pause of running workflow returned false")
		}
		paused <- task.Context.WorkflowID
		return &models.StepOutput{
			Kind:         models.OutputKindArchitecture,
			Architecture: &models.Architecture{SiteName: task.Input.Brief},
		}, nil
	})
	e.RegisterStep(models.TaskTypeDesign, func(ctx context.Context, task *models.Task) (*models.StepOutput, error) {
		designRuns.Add(1)
		return &models.StepOutput{Kind: models.OutputKindDesign, Design: &models.DesignSystem{Tone: "resumed"}}, nil
	})

	done := make(chan *models.Workflow, 1)
	go func() {
		wf, _ := e.RunWorkflow(context.Background(), WorkflowSpec{
			Type:     models.WorkflowTypeCreate,
			TenantID: "org-1",
			Input:    models.StepInput{Brief: "paused sync site"},
		})
		done <- wf
	}()

	var id string
	select {
	case id = <-paused:
	case <-time.After(2 * time.Second):
		t.Fatal("architect step never ran")
	}

	// The runner parks at the next step boundary; design must not dispatch
	// while the workflow stays paused.
	time.Sleep(50 * time.Millisecond)
	if got := designRuns.Load(); got != 0 {
		t.Fatalf("design ran %d times while paused, want 0", got)
	}
	if wf := e.GetWorkflow(id); wf.Status != models.WorkflowStatusPaused {
		t.Fatalf("status = %s, want paused", wf.Status)
	}

	if !e.ResumeWorkflow(id) {
		t.Fatal("resume returned false")
	}
	select {
	case wf := <-done:
		if wf.Status != models.WorkflowStatusCompleted {
			t.Fatalf("status after resume = %s, want completed", wf.Status)
		}
		if got := designRuns.Load(); got != 1 {
			t.Errorf("design runs = %d, want 1 after resume", got)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("workflow did not finish after resume")
	}
}

func TestStreamWorkflowEventOrder(t *testing.T) {
	e := newTestEngine(t, Config{})
	e.RegisterStep(models.TaskTypeArchitect, func(ctx context.Context, task *models.Task) (*models.StepOutput, error) {
		if sink := ContentSink(ctx); sink != nil {
			sink("planning ")
			sink("pages")
		}
		return &models.StepOutput{
			Kind:         models.OutputKindArchitecture,
			Architecture: &models.Architecture{SiteName: task.Input.Brief},
		}, nil
	})

	events, err := e.StreamWorkflow(context.Background(), WorkflowSpec{
		Type:     models.WorkflowTypeDesignOnly,
		TenantID: "org-1",
		Input:    models.StepInput{Brief: "streamed site"},
	})
	if err != nil {
		t.Fatalf("StreamWorkflow: %v", err)
	}

	var seen []EventType
	for ev := range events {
		seen = append(seen, ev.Type)
	}
	if len(seen) == 0 {
		t.Fatal("no events received")
	}
	if seen[len(seen)-1] != EventWorkflowCompleted {
		t.Errorf("last event = %s, want %s", seen[len(seen)-1], EventWorkflowCompleted)
	}

	// Step boundaries arrive in order around the step's own events.
	first, last := -1, -1
	for i, et := range seen {
		if et == EventStepStarted && first == -1 {
			first = i
		}
		if et == EventStepCompleted {
			last = i
		}
	}
	if first == -1 || last == -1 || first > last {
		t.Errorf("event order = %v, want step_started before step_completed", seen)
	}
}

func TestStreamWorkflowDeliversContent(t *testing.T) {
	e := newTestEngine(t, Config{})
	e.RegisterStep(models.TaskTypeDesign, func(ctx context.Context, task *models.Task) (*models.StepOutput, error) {
		if sink := ContentSink(ctx); sink != nil {
			sink("picking ")
			sink("palette")
		}
		return &models.StepOutput{Kind: models.OutputKindDesign, Design: &models.DesignSystem{Tone: "calm"}}, nil
	})

	events, err := e.StreamWorkflow(context.Background(), WorkflowSpec{
		Type:     models.WorkflowTypeDesignOnly,
		TenantID: "org-1",
		Input:    models.StepInput{Brief: "content stream"},
	})
	if err != nil {
		t.Fatalf("StreamWorkflow: %v", err)
	}

	var content string
	sawStepStart := false
	for ev := range events {
		switch ev.Type {
		case EventStepStarted:
			sawStepStart = true
		case EventContent:
			if !sawStepStart {
				t.Error("content event before step_started")
			}
			content += ev.Content
		}
	}
	if content != "picking palette" {
		t.Errorf("streamed content = %q, want %q", content, "picking palette")
	}
}

func TestStreamWorkflowRejectedBeforeChannel(t *testing.T) {
	e := newTestEngine(t, Config{
		QuotaLimits: QuotaLimits{"free": {models.TaskTypeDesign: 0}},
	})

	_, err := e.StreamWorkflow(context.Background(), WorkflowSpec{
		Type:     models.WorkflowTypeDesignOnly,
		TenantID: "org-1",
		Input:    models.StepInput{Brief: "no quota"},
	})
	var qe *QuotaError
	if !errors.As(err, &qe) {
		t.Fatalf("expected QuotaError before any channel, got %v", err)
	}
}

package main

import (
	"context"
	"fmt"
	"io"
	"log"
	"os"
	"os/signal"
	"time"

	"github.com/fatih/color"
	"github.com/spf13/cobra"

	"github.com/sitesmith/sitesmith/internal/config"
	"github.com/sitesmith/sitesmith/internal/engine"
	"github.com/sitesmith/sitesmith/internal/tui"
	"github.com/sitesmith/sitesmith/pkg/models"
)

var (
	flagTenant     string
	flagOwner      string
	flagPriority   int
	flagSkipDesign bool
	flagSkipCode   bool
	flagDeploy     bool
	flagExport     bool
	flagWatch      bool
	flagQuiet      bool
)

// addWorkflowFlags attaches the flags shared by every workflow command.
func addWorkflowFlags(cmd *cobra.Command) {
	cmd.Flags().StringVar(&flagTenant, "tenant", "default", "Tenant (organization) the workflow runs under")
	cmd.Flags().StringVar(&flagOwner, "owner", "", "Owner id recorded on the workflow")
	cmd.Flags().IntVar(&flagPriority, "priority", 1, "Task priority (0 highest, 3 lowest)")
	cmd.Flags().BoolVar(&flagSkipDesign, "skip-design", false, "Skip the design step")
	cmd.Flags().BoolVar(&flagSkipCode, "skip-code", false, "Skip code generation")
	cmd.Flags().BoolVar(&flagDeploy, "deploy", false, "Deploy the generated site locally")
	cmd.Flags().BoolVar(&flagExport, "export", false, "Export the generated site as a zip archive")
	cmd.Flags().BoolVar(&flagWatch, "watch", false, "Watch progress in a full-screen TUI")
	cmd.Flags().BoolVar(&flagQuiet, "quiet", false, "Suppress streamed generation output")
}

// workflowSpec builds a WorkflowSpec from the shared flags.
func workflowSpec(wfType models.WorkflowType, input models.StepInput) engine.WorkflowSpec {
	input.Options = models.WorkflowOptions{
		SkipDesign: flagSkipDesign,
		SkipCode:   flagSkipCode,
		Deploy:     flagDeploy,
		Export:     flagExport,
	}
	return engine.WorkflowSpec{
		Type:     wfType,
		TenantID: flagTenant,
		OwnerID:  flagOwner,
		Priority: flagPriority,
		Input:    input,
	}
}

// runWorkflow executes a workflow to completion, either streaming progress
// to stdout or rendering the watch TUI.
func runWorkflow(spec engine.WorkflowSpec) error {
	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt)
	defer cancel()

	eng, cleanup, err := buildEngine(ctx, cfg)
	if err != nil {
		return err
	}
	defer cleanup()

	if flagWatch {
		return runWatched(ctx, eng, spec)
	}
	return runStreamed(ctx, eng, spec)
}

// runStreamed drives StreamWorkflow and prints events as they arrive.
func runStreamed(ctx context.Context, eng *engine.Engine, spec engine.WorkflowSpec) error {
	events, err := eng.StreamWorkflow(ctx, spec)
	if err != nil {
		return err
	}

	var (
		workflowID string
		runErr     error
		streaming  bool
	)
	for ev := range events {
		if workflowID == "" && ev.WorkflowID != "" {
			workflowID = ev.WorkflowID
			fmt.Printf("Workflow %s\n", color.CyanString(workflowID))
		}

		switch ev.Type {
		case engine.EventStepStarted:
			fmt.Printf("%s %s\n", color.CyanString("→"), ev.StepType)

		case engine.EventContent:
			if !flagQuiet {
				fmt.Print(ev.Content)
				streaming = true
			}

		case engine.EventStepCompleted:
			if streaming {
				fmt.Println()
				streaming = false
			}
			fmt.Printf("%s %s\n", color.GreenString("✓"), ev.StepType)

		case engine.EventTaskRetrying:
			if streaming {
				fmt.Println()
				streaming = false
			}
			fmt.Printf("%s %s\n", color.YellowString("⟳"), ev.Message)

		case engine.EventSuggestion:
			printSuggestions(ev.Suggestions)

		case engine.EventWorkflowCompleted:
			fmt.Printf("\n%s Workflow complete", color.GreenString("✓"))
			if ev.TokensUsed > 0 {
				fmt.Printf("  (%d tokens, $%.4f)", ev.TokensUsed, ev.Cost)
			}
			fmt.Println()
			printOutput(ev.Output)

		case engine.EventWorkflowFailed:
			if streaming {
				fmt.Println()
				streaming = false
			}
			if ev.Error != nil {
				runErr = ev.Error
			} else {
				runErr = fmt.Errorf("workflow failed")
			}
			fmt.Printf("\n%s %v\n", color.RedString("✗"), runErr)
		}
	}
	return runErr
}

// runWatched starts the workflow asynchronously and renders live progress in
// the watch TUI until the workflow settles.
func runWatched(ctx context.Context, eng *engine.Engine, spec engine.WorkflowSpec) (retErr error) {
	// Suppress log output while the TUI is active (it corrupts the display)
	originalOutput := log.Writer()
	log.SetOutput(io.Discard)
	defer log.SetOutput(originalOutput)

	defer func() {
		if r := recover(); r != nil {
			retErr = fmt.Errorf("panic in watch TUI: %v", r)
		}
	}()

	program, app := tui.NewWatchProgram()

	id, err := eng.StartWorkflow(spec)
	if err != nil {
		return err
	}

	go tui.ForwardEvents(program, eng.Events())

	// Poll as a backstop: a cancelled workflow settles without a terminal
	// event on the shared bus.
	go func() {
		ticker := time.NewTicker(250 * time.Millisecond)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				wf := eng.GetWorkflow(id)
				if wf != nil && wf.Status.Terminal() {
					program.Send(tui.WatchDoneMsg{Err: workflowErr(wf)})
					return
				}
			}
		}
	}()

	if _, err := program.Run(); err != nil {
		return err
	}

	wf := eng.GetWorkflow(id)
	if wf != nil && !wf.Status.Terminal() {
		eng.CancelWorkflow(id)
		return nil
	}
	return app.Err()
}

// workflowErr extracts the failed step's error from a terminal workflow.
func workflowErr(wf *models.Workflow) error {
	if wf.Status != models.WorkflowStatusFailed {
		return nil
	}
	for _, step := range wf.Steps {
		if step.Error != nil {
			return fmt.Errorf("%s: %s", step.TaskType, step.Error.Message)
		}
	}
	return fmt.Errorf("workflow failed")
}

// printOutput summarizes the accumulated workflow output.
func printOutput(out *models.WorkflowOutput) {
	if out == nil {
		return
	}
	if out.Analysis != nil {
		fmt.Printf("  Analysis:     %s (%d pages)\n", out.Analysis.URL, len(out.Analysis.Pages))
	}
	if out.Architecture != nil {
		fmt.Printf("  Architecture: %s (%d pages)\n", out.Architecture.SiteName, len(out.Architecture.Pages))
	}
	if out.Design != nil {
		fmt.Printf("  Design:       %d colors, %s / %s\n",
			len(out.Design.Palette), out.Design.FontHeading, out.Design.FontBody)
	}
	if out.Code != nil {
		fmt.Printf("  Code:         %d files (%s)\n", len(out.Code.Files), out.Code.Framework)
	}
	if out.Deployment != nil {
		fmt.Printf("  Deployed:     %s\n", out.Deployment.URL)
	}
	if out.Export != nil {
		fmt.Printf("  Export:       %s (%d bytes)\n", out.Export.Location, out.Export.SizeBytes)
	}
}

// printSuggestions lists derived follow-up suggestions.
func printSuggestions(suggestions []models.Suggestion) {
	if len(suggestions) == 0 {
		return
	}
	fmt.Println("\nNext steps:")
	for _, s := range suggestions {
		fmt.Printf("  %s %s: %s\n", color.CyanString("•"), s.Title, s.Description)
	}
}

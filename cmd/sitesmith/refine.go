package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"time"

	"github.com/fatih/color"
	"github.com/spf13/cobra"

	"github.com/sitesmith/sitesmith/internal/config"
	"github.com/sitesmith/sitesmith/internal/engine"
	"github.com/sitesmith/sitesmith/pkg/models"
)

var refineCmd = &cobra.Command{
	Use:   "refine <workflow-id> <feedback>",
	Short: "Iterate on a completed workflow",
	Long: `Start a refinement of a completed workflow.

The original workflow is left untouched; refinement creates a new
workflow seeded with the original's outputs and your feedback. Each
workflow can only be refined a bounded number of times.

Example:
  sitesmith refine wf-create-1724900000000-a1b2c3d4 "make the palette warmer"`,
	Args: cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
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

		id, err := eng.RefineWorkflow(args[0], args[1])
		if err != nil {
			return err
		}
		fmt.Printf("Refinement %s\n", color.CyanString(id))

		return followWorkflow(ctx, eng, id)
	},
}

// followWorkflow prints events for one workflow from the shared bus until it
// settles, polling its record as a backstop for dropped events.
func followWorkflow(ctx context.Context, eng *engine.Engine, id string) error {
	ticker := time.NewTicker(250 * time.Millisecond)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			eng.CancelWorkflow(id)
			return ctx.Err()

		case ev := <-eng.Events():
			if ev.WorkflowID != id {
				continue
			}
			switch ev.Type {
			case engine.EventStepStarted:
				fmt.Printf("%s %s\n", color.CyanString("→"), ev.StepType)
			case engine.EventStepCompleted:
				fmt.Printf("%s %s\n", color.GreenString("✓"), ev.StepType)
			case engine.EventTaskRetrying:
				fmt.Printf("%s %s\n", color.YellowString("⟳"), ev.Message)
			case engine.EventSuggestion:
				printSuggestions(ev.Suggestions)
			}

		case <-ticker.C:
			wf := eng.GetWorkflow(id)
			if wf == nil || !wf.Status.Terminal() {
				continue
			}
			switch wf.Status {
			case models.WorkflowStatusCompleted:
				fmt.Printf("\n%s Workflow complete", color.GreenString("✓"))
				if wf.Metrics.TotalTokens > 0 {
					fmt.Printf("  (%d tokens, $%.4f)", wf.Metrics.TotalTokens, wf.Metrics.TotalCost)
				}
				fmt.Println()
				printOutput(&wf.Output)
				return nil
			case models.WorkflowStatusCancelled:
				fmt.Printf("\n%s Workflow cancelled\n", color.YellowString("⚠"))
				return nil
			default:
				err := workflowErr(wf)
				fmt.Printf("\n%s %v\n", color.RedString("✗"), err)
				return err
			}
		}
	}
}

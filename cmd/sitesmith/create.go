package main

import (
	"github.com/spf13/cobra"

	"github.com/sitesmith/sitesmith/pkg/models"
)

var createCmd = &cobra.Command{
	Use:   "create <brief>",
	Short: "Generate a new site from a brief",
	Long: `Generate a new site from a natural-language brief.

Runs the create workflow: architect -> design -> code. Use --skip-design
or --skip-code to stop earlier, and --deploy / --export to publish or
package the result.

Examples:
  sitesmith create "landing page for a coffee roastery"
  sitesmith create "portfolio site, dark theme" --deploy
  sitesmith create "docs site" --skip-code`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return runWorkflow(workflowSpec(models.WorkflowTypeCreate, models.StepInput{
			Brief: args[0],
		}))
	},
}

func init() {
	addWorkflowFlags(createCmd)
}

package main

import (
	"github.com/spf13/cobra"

	"github.com/sitesmith/sitesmith/pkg/models"
)

var designCmd = &cobra.Command{
	Use:   "design <brief>",
	Short: "Produce a design system only",
	Long: `Produce a design system from a brief without generating code.

Runs the design-only workflow: a single design step yielding a palette,
typography, and spacing scale.

Example:
  sitesmith design "warm, editorial feel for a food blog"`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return runWorkflow(workflowSpec(models.WorkflowTypeDesignOnly, models.StepInput{
			Brief: args[0],
		}))
	},
}

func init() {
	addWorkflowFlags(designCmd)
}

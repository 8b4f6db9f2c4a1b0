package main

import (
	"github.com/spf13/cobra"

	"github.com/sitesmith/sitesmith/pkg/models"
)

var cloneBrief string

var cloneCmd = &cobra.Command{
	Use:   "clone <url>",
	Short: "Rebuild an existing site",
	Long: `Analyze an existing site and rebuild it.

Runs the clone workflow: analyze -> architect -> design -> code. The
analysis captures the source site's structure, palette, and tone so the
rebuilt site keeps its character. An optional brief steers the rebuild.

Examples:
  sitesmith clone https://example.com
  sitesmith clone https://example.com --brief "modernize the layout"`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return runWorkflow(workflowSpec(models.WorkflowTypeClone, models.StepInput{
			SourceURL: args[0],
			Brief:     cloneBrief,
		}))
	},
}

func init() {
	addWorkflowFlags(cloneCmd)
	cloneCmd.Flags().StringVar(&cloneBrief, "brief", "", "Steer the rebuild with additional direction")
}

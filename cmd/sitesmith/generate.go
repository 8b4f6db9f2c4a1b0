package main

import (
	"encoding/json"
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/sitesmith/sitesmith/pkg/models"
)

var (
	generateArchPath   string
	generateDesignPath string
	generateBrief      string
)

var generateCmd = &cobra.Command{
	Use:   "generate",
	Short: "Generate code from an existing architecture or design",
	Long: `Generate site code from a previously produced architecture or
design system.

Runs the code-only workflow. At least one of --architecture or --design
must point at a JSON file; without upstream input the workflow is
rejected before anything is queued.

Examples:
  sitesmith generate --architecture arch.json --design design.json
  sitesmith generate --design design.json --brief "single-page layout"`,
	RunE: func(cmd *cobra.Command, args []string) error {
		input := models.StepInput{Brief: generateBrief}

		if generateArchPath != "" {
			arch := &models.Architecture{}
			if err := readJSONFile(generateArchPath, arch); err != nil {
				return err
			}
			input.Architecture = arch
		}
		if generateDesignPath != "" {
			design := &models.DesignSystem{}
			if err := readJSONFile(generateDesignPath, design); err != nil {
				return err
			}
			input.Design = design
		}

		return runWorkflow(workflowSpec(models.WorkflowTypeCodeOnly, input))
	},
}

func init() {
	addWorkflowFlags(generateCmd)
	generateCmd.Flags().StringVar(&generateArchPath, "architecture", "", "Architecture JSON file")
	generateCmd.Flags().StringVar(&generateDesignPath, "design", "", "Design system JSON file")
	generateCmd.Flags().StringVar(&generateBrief, "brief", "", "Additional direction for code generation")
}

// readJSONFile decodes a JSON file into dest.
func readJSONFile(path string, dest any) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("read %s: %w", path, err)
	}
	if err := json.Unmarshal(data, dest); err != nil {
		return fmt.Errorf("parse %s: %w", path, err)
	}
	return nil
}

package main

import (
	"os"

	"github.com/spf13/cobra"
)

var rootCmd = &cobra.Command{
	Use:   "sitesmith",
	Short: "AI site generation studio",
	Long: `SiteSmith orchestrates AI generation steps into site-building
workflows: analyze an existing site, plan its architecture, produce a
design system, generate code, then deploy or export the result.

Workflows run through a tenant-aware task queue with rate limits,
monthly quotas, automatic retries, and live progress streaming.

Examples:
  sitesmith create "landing page for a coffee roastery"
  sitesmith clone https://example.com
  sitesmith refine wf-create-... "make the palette warmer"
  sitesmith status wf-create-...`,
}

// Execute runs the root command
func Execute() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func init() {
	rootCmd.AddCommand(createCmd)
	rootCmd.AddCommand(cloneCmd)
	rootCmd.AddCommand(designCmd)
	rootCmd.AddCommand(generateCmd)
	rootCmd.AddCommand(refineCmd)
	rootCmd.AddCommand(statusCmd)
	rootCmd.AddCommand(configCmd)
	rootCmd.AddCommand(tiersCmd)
	rootCmd.AddCommand(versionCmd)
}

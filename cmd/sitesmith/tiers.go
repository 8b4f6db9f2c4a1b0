package main

import (
	"errors"
	"fmt"
	"os"
	"sort"

	"github.com/spf13/cobra"

	"github.com/sitesmith/sitesmith/internal/config"
	"github.com/sitesmith/sitesmith/pkg/models"
)

var tiersCmd = &cobra.Command{
	Use:   "tiers",
	Short: "Manage subscription tier quotas",
	Long: `Manage the subscription tier quota file.

Tiers cap how many tasks of each type a tenant may run per calendar
month. With tiers.watch enabled, edits to the file apply to a running
engine without a restart.`,
}

var tiersShowCmd = &cobra.Command{
	Use:   "show",
	Short: "Show the current tier limits",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := config.Load()
		if err != nil {
			return fmt.Errorf("load config: %w", err)
		}

		path := tiersPath(cfg)
		limits, err := config.LoadTiers(path)
		if err != nil {
			if errors.Is(err, os.ErrNotExist) {
				fmt.Printf("No tiers file at %s; built-in defaults apply.\n", path)
				limits = config.DefaultTiers()
			} else {
				return err
			}
		}

		tiers := make([]string, 0, len(limits))
		for tier := range limits {
			tiers = append(tiers, tier)
		}
		sort.Strings(tiers)

		for _, tier := range tiers {
			fmt.Printf("%s:\n", tier)
			perType := limits[tier]
			types := make([]string, 0, len(perType))
			for t := range perType {
				types = append(types, string(t))
			}
			sort.Strings(types)
			for _, t := range types {
				limit := perType[models.TaskType(t)]
				if limit < 0 {
					fmt.Printf("  %-10s unlimited\n", t)
				} else {
					fmt.Printf("  %-10s %d/month\n", t, limit)
				}
			}
		}
		return nil
	},
}

var tiersInitCmd = &cobra.Command{
	Use:   "init",
	Short: "Write the default tiers file",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := config.Load()
		if err != nil {
			return fmt.Errorf("load config: %w", err)
		}

		path := tiersPath(cfg)
		if _, err := os.Stat(path); err == nil {
			return fmt.Errorf("tiers file already exists at %s", path)
		}

		if err := config.SaveTiers(path, config.DefaultTiers()); err != nil {
			return err
		}
		fmt.Printf("Wrote default tiers to %s\n", path)
		return nil
	},
}

func init() {
	tiersCmd.AddCommand(tiersShowCmd)
	tiersCmd.AddCommand(tiersInitCmd)
}

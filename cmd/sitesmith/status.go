package main

import (
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/fatih/color"
	"github.com/spf13/cobra"

	"github.com/sitesmith/sitesmith/internal/config"
	"github.com/sitesmith/sitesmith/internal/store"
	"github.com/sitesmith/sitesmith/pkg/models"
)

var statusTenant string

var statusCmd = &cobra.Command{
	Use:   "status [id]",
	Short: "Show workflow or task status",
	Long: `Display the recorded state of a workflow or task.

With an id, shows that workflow's steps (or that task's record). Without
one, lists recent workflows. Records are read from the result store, so
status works after the run that produced them has exited.

Examples:
  sitesmith status
  sitesmith status wf-create-1724900000000-a1b2c3d4
  sitesmith status task-code-1724900000000-a1b2c3d4
  sitesmith status --tenant acme`,
	Args: cobra.MaximumNArgs(1),
	RunE: runStatus,
}

func init() {
	statusCmd.Flags().StringVar(&statusTenant, "tenant", "", "List recent tasks for a tenant")
}

func runStatus(cmd *cobra.Command, args []string) error {
	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	st, err := openStore(cfg)
	if err != nil {
		return err
	}
	defer st.Close()

	if statusTenant != "" {
		return displayTenantTasks(st, statusTenant)
	}
	if len(args) == 0 {
		return displayRecentWorkflows(st)
	}

	id := args[0]
	if strings.HasPrefix(id, "wf-") {
		return displayWorkflow(st, id)
	}
	return displayTask(st, id)
}

// displayWorkflow prints one workflow's steps and metrics.
func displayWorkflow(st store.Store, id string) error {
	var wf models.Workflow
	if err := st.Get(store.WorkflowKey(id), &wf); err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return fmt.Errorf("workflow %s not found (records expire)", id)
		}
		return fmt.Errorf("read workflow: %w", err)
	}

	fmt.Printf("Workflow %s\n", color.CyanString(wf.ID))
	fmt.Printf("  Type:    %s\n", wf.Type)
	fmt.Printf("  Tenant:  %s\n", wf.TenantID)
	fmt.Printf("  Status:  %s\n", statusColor(string(wf.Status)))
	if wf.Context.IterationCount > 0 {
		fmt.Printf("  Iteration: %d (previous: %s)\n",
			wf.Context.IterationCount, strings.Join(wf.Context.PreviousVersions, ", "))
	}

	fmt.Println("  Steps:")
	for _, step := range wf.Steps {
		line := fmt.Sprintf("    %-10s %s", step.TaskType, statusColor(string(step.Status)))
		if step.StartedAt != nil && step.CompletedAt != nil {
			line += fmt.Sprintf("  %s", step.CompletedAt.Sub(*step.StartedAt).Round(time.Millisecond))
		}
		if step.Error != nil {
			line += fmt.Sprintf("  %s", color.RedString(step.Error.Message))
		}
		fmt.Println(line)
	}

	if wf.Metrics.TotalTokens > 0 {
		fmt.Printf("  Usage:   %d tokens, $%.4f\n", wf.Metrics.TotalTokens, wf.Metrics.TotalCost)
	}
	printOutput(&wf.Output)
	printSuggestions(wf.Suggestions)
	return nil
}

// displayTask prints one task record.
func displayTask(st store.Store, id string) error {
	var task models.Task
	if err := st.Get(store.TaskKey(id), &task); err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return fmt.Errorf("task %s not found (records expire)", id)
		}
		return fmt.Errorf("read task: %w", err)
	}

	fmt.Printf("Task %s\n", color.CyanString(task.ID))
	fmt.Printf("  Type:     %s\n", task.Type)
	fmt.Printf("  Tenant:   %s\n", task.TenantID)
	fmt.Printf("  Status:   %s\n", statusColor(string(task.Status)))
	fmt.Printf("  Priority: %d\n", task.Priority)
	if task.RetryCount > 0 {
		fmt.Printf("  Retries:  %d/%d\n", task.RetryCount, task.MaxRetries)
	}
	if task.Error != nil {
		fmt.Printf("  Error:    %s (%s)\n", color.RedString(task.Error.Message), task.Error.Code)
	}
	if task.Metrics.Duration > 0 {
		fmt.Printf("  Duration: %s\n", task.Metrics.Duration.Round(time.Millisecond))
	}
	if task.Metrics.TokensUsed > 0 {
		fmt.Printf("  Usage:    %d tokens, $%.4f\n", task.Metrics.TokensUsed, task.Metrics.Cost)
	}
	return nil
}

// displayRecentWorkflows lists the newest workflow records.
func displayRecentWorkflows(st store.Store) error {
	keys, err := st.Keys(store.WorkflowKey(""))
	if err != nil {
		return fmt.Errorf("list workflows: %w", err)
	}
	if len(keys) == 0 {
		fmt.Println("No workflows recorded. Run 'sitesmith create \"...\"' to start one.")
		return nil
	}

	var workflows []models.Workflow
	for _, key := range keys {
		var wf models.Workflow
		if err := st.Get(key, &wf); err != nil {
			continue
		}
		workflows = append(workflows, wf)
	}
	sort.Slice(workflows, func(i, j int) bool {
		return workflows[i].CreatedAt.After(workflows[j].CreatedAt)
	})
	if len(workflows) > 10 {
		workflows = workflows[:10]
	}

	fmt.Println("Recent workflows:")
	for _, wf := range workflows {
		fmt.Printf("  %s  %-11s %-9s %s ago\n",
			wf.ID, wf.Type, statusColor(string(wf.Status)),
			formatDuration(time.Since(wf.CreatedAt)))
	}
	return nil
}

// displayTenantTasks lists a tenant's recent task records.
func displayTenantTasks(st store.Store, tenantID string) error {
	keys, err := st.Keys(store.TaskPrefix())
	if err != nil {
		return fmt.Errorf("list tasks: %w", err)
	}

	var tasks []models.Task
	for _, key := range keys {
		var task models.Task
		if err := st.Get(key, &task); err != nil {
			continue
		}
		if task.TenantID == tenantID {
			tasks = append(tasks, task)
		}
	}
	if len(tasks) == 0 {
		fmt.Printf("No tasks recorded for tenant %s.\n", tenantID)
		return nil
	}

	sort.Slice(tasks, func(i, j int) bool {
		return tasks[i].Metrics.QueuedAt.After(tasks[j].Metrics.QueuedAt)
	})
	if len(tasks) > 20 {
		tasks = tasks[:20]
	}

	fmt.Printf("Tasks for %s:\n", tenantID)
	for _, task := range tasks {
		fmt.Printf("  %s  %-9s %-10s %s ago\n",
			task.ID, task.Type, statusColor(string(task.Status)),
			formatDuration(time.Since(task.Metrics.QueuedAt)))
	}
	return nil
}

// statusColor colors a status string by its meaning.
func statusColor(status string) string {
	switch status {
	case "complete", "completed":
		return color.GreenString(status)
	case "failed":
		return color.RedString(status)
	case "processing", "running", "retrying":
		return color.YellowString(status)
	case "cancelled", "paused":
		return color.New(color.Faint).Sprint(status)
	default:
		return status
	}
}

// formatDuration formats a duration in a human-readable way.
func formatDuration(d time.Duration) string {
	if d < time.Minute {
		return fmt.Sprintf("%ds", int(d.Seconds()))
	}
	if d < time.Hour {
		return fmt.Sprintf("%dm", int(d.Minutes()))
	}
	if d < 24*time.Hour {
		h := int(d.Hours())
		m := int(d.Minutes()) % 60
		if m > 0 {
			return fmt.Sprintf("%dh%dm", h, m)
		}
		return fmt.Sprintf("%dh", h)
	}
	days := int(d.Hours()) / 24
	return fmt.Sprintf("%dd", days)
}

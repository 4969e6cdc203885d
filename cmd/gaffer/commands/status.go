package commands

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"time"

	"github.com/gafferhq/gaffer/internal/printer"
	"github.com/gafferhq/gaffer/pkg/blackboard"
	"github.com/spf13/cobra"
)

var statusJSON bool

var statusCmd = &cobra.Command{
	Use:   "status <project-id>",
	Short: "Show a project's current state",
	Long: `Show a project's lifecycle state, budget figures, task breakdown,
pending human gate and recent errors.

Examples:
  gaffer status launch-teaser
  gaffer status launch-teaser --json`,
	Args: cobra.ExactArgs(1),
	RunE: runStatus,
}

func init() {
	statusCmd.Flags().BoolVar(&statusJSON, "json", false, "Print the raw project record as JSON")
	rootCmd.AddCommand(statusCmd)
}

func runStatus(cmd *cobra.Command, args []string) error {
	ctx := context.Background()
	projectID := args[0]

	store, bus, err := connect()
	if err != nil {
		return err
	}
	defer store.Close()
	defer bus.Close()

	project, err := store.GetProject(ctx, projectID)
	if err != nil {
		if blackboard.IsNotFound(err) {
			return printer.Error(
				"project not found",
				fmt.Sprintf("No project with ID %s on instance '%s'.", projectID, store.InstanceName()),
				[]string{"Create one first:\n  gaffer create --id " + projectID + " --duration 90"},
			)
		}
		return fmt.Errorf("failed to load project: %w", err)
	}

	if statusJSON {
		data, err := json.MarshalIndent(project, "", "  ")
		if err != nil {
			return fmt.Errorf("failed to marshal project: %w", err)
		}
		printer.Println(string(data))
		return nil
	}

	printer.Printf("Project:  %s\n", project.ID)
	printer.Printf("Status:   %s (version %d)\n", project.Status, project.Version)
	printer.Printf("Budget:   %.2f / %.2f (%.0f%%) tier=%s\n",
		project.Budget.Spent, project.Budget.Total, project.Budget.Ratio()*100, project.Budget.Tier)

	if len(project.Tasks) > 0 {
		counts := make(map[blackboard.TaskStatus]int)
		for _, task := range project.Tasks {
			counts[task.Status]++
		}
		statuses := make([]string, 0, len(counts))
		for status := range counts {
			statuses = append(statuses, string(status))
		}
		sort.Strings(statuses)

		printer.Printf("Tasks:    %d total\n", len(project.Tasks))
		for _, status := range statuses {
			printer.Printf("  %-26s %d\n", status, counts[blackboard.TaskStatus(status)])
		}
	}

	if gate := project.HumanGate; gate != nil && gate.Resolution == nil {
		printer.Warning("Human gate pending: %s\n", gate.Reason)
		for _, action := range gate.SuggestedActions {
			printer.Printf("  - %s\n", action)
		}
		printer.Printf("  Deadline: %s\n", time.UnixMilli(gate.DeadlineMs()).Local().Format(time.RFC3339))
		printer.Printf("  Resolve with:\n    gaffer resolve %s --decision approved\n", project.ID)
	}

	if n := len(project.ErrorLog); n > 0 {
		printer.Printf("Errors:   %d recorded (last: %s)\n", n, project.ErrorLog[n-1].Message)
	}

	return nil
}

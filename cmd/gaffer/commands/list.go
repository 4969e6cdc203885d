package commands

import (
	"context"
	"fmt"
	"sort"

	"github.com/gafferhq/gaffer/internal/printer"
	"github.com/spf13/cobra"
)

var listCmd = &cobra.Command{
	Use:   "list",
	Short: "List projects on the instance",
	RunE:  runList,
}

func init() {
	rootCmd.AddCommand(listCmd)
}

func runList(cmd *cobra.Command, args []string) error {
	ctx := context.Background()

	store, bus, err := connect()
	if err != nil {
		return err
	}
	defer store.Close()
	defer bus.Close()

	ids, err := store.ListProjectIDs(ctx)
	if err != nil {
		return fmt.Errorf("failed to list projects: %w", err)
	}

	if len(ids) == 0 {
		printer.Info("No projects on instance '%s'.\n", store.InstanceName())
		return nil
	}
	sort.Strings(ids)

	printer.Printf("%-40s %-12s %-8s %s\n", "PROJECT", "STATUS", "TASKS", "BUDGET")
	for _, id := range ids {
		project, err := store.GetProject(ctx, id)
		if err != nil {
			printer.Warning("failed to load %s: %v\n", id, err)
			continue
		}
		printer.Printf("%-40s %-12s %-8d %.2f/%.2f\n",
			project.ID, project.Status, len(project.Tasks), project.Budget.Spent, project.Budget.Total)
	}

	return nil
}

package commands

import (
	"context"
	"fmt"
	"os"

	"github.com/gafferhq/gaffer/internal/printer"
	"github.com/gafferhq/gaffer/pkg/blackboard"
	"github.com/gafferhq/gaffer/pkg/eventbus"
	"github.com/spf13/cobra"
)

var (
	resolveDecision string
	resolveNote     string
)

var resolveCmd = &cobra.Command{
	Use:   "resolve <project-id>",
	Short: "Resolve a pending human gate",
	Long: `Resolve a project's pending human gate.

Decisions:
  approved           - resume the project, re-dispatching the gated task
  revision_requested - supersede the gated task with a remediation task
  rejected           - fail the project

The decision is published as a HUMAN_GATE_RESOLVED event; the
orchestrator applies it exactly once even if several operators race.

Examples:
  gaffer resolve launch-teaser --decision approved
  gaffer resolve launch-teaser --decision rejected --note "out of budget, re-shoot next week"`,
	Args: cobra.ExactArgs(1),
	RunE: runResolve,
}

func init() {
	resolveCmd.Flags().StringVarP(&resolveDecision, "decision", "d", "", "Gate decision: approved, revision_requested or rejected (required)")
	resolveCmd.Flags().StringVar(&resolveNote, "note", "", "Free-form note recorded with the resolution")
	resolveCmd.MarkFlagRequired("decision")
	rootCmd.AddCommand(resolveCmd)
}

func runResolve(cmd *cobra.Command, args []string) error {
	ctx := context.Background()
	projectID := args[0]

	decision := blackboard.HumanGateDecision(resolveDecision)
	if err := decision.Validate(); err != nil {
		return printer.Error(
			"invalid decision",
			fmt.Sprintf("Unknown decision: %s", resolveDecision),
			[]string{"Valid decisions: approved, revision_requested, rejected"},
		)
	}

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
				nil,
			)
		}
		return fmt.Errorf("failed to load project: %w", err)
	}

	if project.HumanGate == nil || project.HumanGate.Resolution != nil {
		return printer.Error(
			"no pending human gate",
			fmt.Sprintf("Project %s has no unresolved human gate.", projectID),
			[]string{"Check project state:\n  gaffer status " + projectID},
		)
	}

	resolvedBy := os.Getenv("USER")
	if resolvedBy == "" {
		resolvedBy = "operator"
	}

	eventID, err := bus.Publish(ctx, &eventbus.Event{
		ProjectID: projectID,
		Type:      eventbus.TypeHumanGateResolved,
		Actor:     resolvedBy,
		Payload: eventbus.MustMarshalPayload(&eventbus.HumanGateResolvedPayload{
			Decision:   string(decision),
			Note:       resolveNote,
			ResolvedBy: resolvedBy,
		}),
	})
	if err != nil {
		return fmt.Errorf("failed to publish resolution: %w", err)
	}

	printer.Success("Gate resolution published\n")
	printer.Printf("  Project:  %s\n", projectID)
	printer.Printf("  Decision: %s\n", decision)
	printer.Printf("  Event ID: %s\n", eventID)

	return nil
}

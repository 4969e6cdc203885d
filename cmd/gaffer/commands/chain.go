package commands

import (
	"context"
	"fmt"
	"os"

	"github.com/gafferhq/gaffer/internal/printer"
	"github.com/gafferhq/gaffer/internal/watch"
	"github.com/gafferhq/gaffer/pkg/eventbus"
	"github.com/spf13/cobra"
)

var chainOutputFormat string

var chainCmd = &cobra.Command{
	Use:   "chain <event-id>",
	Short: "Trace an event's causation chain",
	Long: `Trace an event back through its causation links and print the full
chain, root cause first.

Examples:
  # Why did this task get created?
  gaffer chain 6e1f0db2-6d7e-4d5c-9a3a-0f1c2b3d4e5f

  # Machine-readable chain
  gaffer chain 6e1f0db2-6d7e-4d5c-9a3a-0f1c2b3d4e5f --output=json`,
	Args: cobra.ExactArgs(1),
	RunE: runChain,
}

func init() {
	chainCmd.Flags().StringVarP(&chainOutputFormat, "output", "o", "default", "Output format (default or json)")
	rootCmd.AddCommand(chainCmd)
}

func runChain(cmd *cobra.Command, args []string) error {
	ctx := context.Background()
	eventID := args[0]

	var outputFormat watch.OutputFormat
	switch chainOutputFormat {
	case "default":
		outputFormat = watch.OutputFormatDefault
	case "json":
		outputFormat = watch.OutputFormatJSON
	default:
		return printer.Error(
			"invalid output format",
			fmt.Sprintf("Unknown format: %s", chainOutputFormat),
			[]string{"Valid formats: default, json"},
		)
	}

	store, bus, err := connect()
	if err != nil {
		return err
	}
	defer store.Close()
	defer bus.Close()

	chain, err := bus.CausationChain(ctx, eventID)
	if err != nil {
		if eventbus.IsNotFound(err) {
			return printer.Error(
				"event not found",
				fmt.Sprintf("No event with ID %s on instance '%s'.", eventID, store.InstanceName()),
				[]string{"Find event IDs with:\n  gaffer replay --output=json"},
			)
		}
		return fmt.Errorf("failed to trace causation chain: %w", err)
	}

	for i, event := range chain {
		if outputFormat == watch.OutputFormatJSON {
			if err := watch.WriteEvent(os.Stdout, event, outputFormat); err != nil {
				return err
			}
			continue
		}

		indent := ""
		if i > 0 {
			for j := 0; j < i-1; j++ {
				indent += "  "
			}
			indent += "└→ "
		}
		printer.Printf("%s%s\n", indent, watch.FormatEvent(event))
	}

	return nil
}

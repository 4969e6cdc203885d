package commands

import (
	"context"
	"fmt"
	"os"
	"strings"

	"github.com/gafferhq/gaffer/internal/filter"
	"github.com/gafferhq/gaffer/internal/printer"
	"github.com/gafferhq/gaffer/internal/timespec"
	"github.com/gafferhq/gaffer/internal/watch"
	"github.com/gafferhq/gaffer/pkg/eventbus"
	"github.com/spf13/cobra"
)

var (
	replayProjectID    string
	replaySince        string
	replayUntil        string
	replayTypes        []string
	replayActor        string
	replayOutputFormat string
)

var replayCmd = &cobra.Command{
	Use:   "replay",
	Short: "Replay the durable event log",
	Long: `Replay events from the durable log in their original order.

Replaying is read-only: it never moves any subscriber's delivery
position. Time bounds accept RFC 3339 timestamps or durations relative
to now ("1h30m" means that long ago). Type filters accept exact event
types or glob patterns.

Examples:
  # Everything recorded for one project
  gaffer replay --project launch-teaser

  # Budget activity across all projects in the last two hours
  gaffer replay --type 'BUDGET_*' --since 2h

  # What the orchestrator did in a specific window, as JSON
  gaffer replay --actor orchestrator --since 2026-08-29T00:00:00Z --until 2026-08-29T12:00:00Z --output=json`,
	RunE: runReplay,
}

func init() {
	replayCmd.Flags().StringVarP(&replayProjectID, "project", "p", "", "Only replay events for this project")
	replayCmd.Flags().StringVar(&replaySince, "since", "", "Start of the replay window (RFC 3339 or duration ago)")
	replayCmd.Flags().StringVar(&replayUntil, "until", "", "End of the replay window (RFC 3339 or duration ago)")
	replayCmd.Flags().StringArrayVarP(&replayTypes, "type", "t", nil, "Event type filter, exact or glob (repeatable)")
	replayCmd.Flags().StringVar(&replayActor, "actor", "", "Only replay events emitted by this actor")
	replayCmd.Flags().StringVarP(&replayOutputFormat, "output", "o", "default", "Output format (default or json)")
	rootCmd.AddCommand(replayCmd)
}

func runReplay(cmd *cobra.Command, args []string) error {
	ctx := context.Background()

	var outputFormat watch.OutputFormat
	switch replayOutputFormat {
	case "default":
		outputFormat = watch.OutputFormatDefault
	case "json":
		outputFormat = watch.OutputFormatJSON
	default:
		return printer.Error(
			"invalid output format",
			fmt.Sprintf("Unknown format: %s", replayOutputFormat),
			[]string{"Valid formats: default, json"},
		)
	}

	from, to, err := timespec.ParseRange(replaySince, replayUntil)
	if err != nil {
		return printer.Error(
			"invalid time range",
			fmt.Sprintf("Error: %v", err),
			[]string{
				"Use a duration like '1h30m' for a relative bound",
				"Use RFC 3339 like 2026-08-29T00:00:00Z for an absolute bound",
			},
		)
	}

	// Exact type names go to the stream query; glob patterns are applied
	// client-side after the replay.
	criteria := &filter.Criteria{Actor: replayActor}
	var exactTypes []eventbus.EventType
	for _, t := range replayTypes {
		if strings.ContainsAny(t, "*?[") {
			criteria.TypeGlobs = append(criteria.TypeGlobs, t)
			continue
		}
		et := eventbus.EventType(t)
		if err := et.Validate(); err != nil {
			return printer.Error(
				"invalid event type",
				fmt.Sprintf("Unknown type: %s", t),
				[]string{"Use an exact event type or a glob pattern like 'TASK_*'"},
			)
		}
		exactTypes = append(exactTypes, et)
	}
	if len(criteria.TypeGlobs) > 0 && len(exactTypes) > 0 {
		// Mixing exact and glob type filters would AND them; fold the exact
		// names into the glob set so all --type values stay ORed.
		for _, et := range exactTypes {
			criteria.TypeGlobs = append(criteria.TypeGlobs, string(et))
		}
		exactTypes = nil
	}

	store, bus, err := connect()
	if err != nil {
		return err
	}
	defer store.Close()
	defer bus.Close()

	events, err := bus.Replay(ctx, replayProjectID, from, to, exactTypes...)
	if err != nil {
		return fmt.Errorf("failed to replay events: %w", err)
	}

	written := 0
	for _, event := range events {
		if criteria.HasFilters() && !criteria.Matches(event) {
			continue
		}
		if err := watch.WriteEvent(os.Stdout, event, outputFormat); err != nil {
			return err
		}
		written++
	}

	if outputFormat == watch.OutputFormatDefault {
		printer.Printf("\n%d events\n", written)
	}
	return nil
}

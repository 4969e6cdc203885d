package commands

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/gafferhq/gaffer/internal/printer"
	"github.com/gafferhq/gaffer/internal/watch"
	"github.com/spf13/cobra"
)

var (
	watchProjectID    string
	watchOutputFormat string
)

var watchCmd = &cobra.Command{
	Use:   "watch",
	Short: "Monitor real-time pipeline activity",
	Long: `Monitor real-time pipeline progress and agent activity.

Streams project lifecycle, task, budget and human-gate events as they
occur, providing complete visibility into pipeline execution.

Output Formats:
  default - Human-readable output with timestamps and emojis
  json    - Line-delimited JSON for programmatic processing

Examples:
  # Watch all activity on the instance
  gaffer watch

  # Watch a single project
  gaffer watch --project launch-teaser

  # Export events as JSON
  gaffer watch --output=json > events.jsonl`,
	RunE: runWatch,
}

func init() {
	watchCmd.Flags().StringVarP(&watchProjectID, "project", "p", "", "Only show events for this project")
	watchCmd.Flags().StringVarP(&watchOutputFormat, "output", "o", "default", "Output format (default or json)")
	rootCmd.AddCommand(watchCmd)
}

func runWatch(cmd *cobra.Command, args []string) error {
	var outputFormat watch.OutputFormat
	switch watchOutputFormat {
	case "default":
		outputFormat = watch.OutputFormatDefault
	case "json":
		outputFormat = watch.OutputFormatJSON
	default:
		return printer.Error(
			"invalid output format",
			fmt.Sprintf("Unknown format: %s", watchOutputFormat),
			[]string{"Valid formats: default, json"},
		)
	}

	store, bus, err := connect()
	if err != nil {
		return err
	}
	defer store.Close()
	defer bus.Close()

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGTERM, syscall.SIGINT)
	defer cancel()

	if err := bus.Ping(ctx); err != nil {
		return printer.Error(
			"Redis connection failed",
			fmt.Sprintf("Error: %v", err),
			[]string{"Check the Redis URL:\n  gaffer watch --redis-url redis://host:port"},
		)
	}

	return watch.StreamActivity(ctx, bus, watchProjectID, outputFormat, os.Stdout)
}

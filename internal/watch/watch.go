// Package watch streams workflow activity from the event log for the CLI.
package watch

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"time"

	"github.com/gafferhq/gaffer/pkg/blackboard"
	"github.com/gafferhq/gaffer/pkg/eventbus"
)

// OutputFormat selects how streamed events are rendered.
type OutputFormat string

const (
	// OutputFormatDefault is human-readable output with timestamps and emojis.
	OutputFormatDefault OutputFormat = "default"

	// OutputFormatJSON is line-delimited JSON for programmatic processing.
	OutputFormatJSON OutputFormat = "json"
)

// StreamActivity tails the event log and writes each event to out until the
// context is cancelled. An empty projectID streams every project.
func StreamActivity(ctx context.Context, bus *eventbus.Bus, projectID string, format OutputFormat, out io.Writer) error {
	if format == OutputFormatDefault {
		scope := "all projects"
		if projectID != "" {
			scope = fmt.Sprintf("project %s", projectID)
		}
		fmt.Fprintf(out, "Watching %s (Ctrl+C to stop)...\n\n", scope)
	}

	events, errs := bus.Follow(ctx, "")

	for {
		select {
		case <-ctx.Done():
			return nil

		case event, ok := <-events:
			if !ok {
				return nil
			}
			if projectID != "" && event.ProjectID != projectID {
				continue
			}
			if err := WriteEvent(out, event, format); err != nil {
				return err
			}

		case err, ok := <-errs:
			if !ok {
				return nil
			}
			fmt.Fprintf(out, "watch error: %v\n", err)
		}
	}
}

// WriteEvent renders one event in the given format.
func WriteEvent(out io.Writer, event *eventbus.Event, format OutputFormat) error {
	if format == OutputFormatJSON {
		line, err := json.Marshal(event)
		if err != nil {
			return fmt.Errorf("failed to marshal event: %w", err)
		}
		_, err = fmt.Fprintln(out, string(line))
		return err
	}

	_, err := fmt.Fprintln(out, FormatEvent(event))
	return err
}

// FormatEvent renders one event as a human-readable line:
// timestamp, glyph, type, project, actor, and a type-specific detail.
func FormatEvent(event *eventbus.Event) string {
	line := fmt.Sprintf("[%s] %s %-22s project=%s actor=%s",
		event.Timestamp.Local().Format("15:04:05"),
		eventGlyph(event.Type),
		event.Type,
		shortID(event.ProjectID),
		event.Actor,
	)

	if detail := eventDetail(event); detail != "" {
		line += "  " + detail
	}
	return line
}

func eventGlyph(t eventbus.EventType) string {
	switch t {
	case eventbus.TypeProjectCreated:
		return "🎬"
	case eventbus.TypeProjectFinalized:
		return "✅"
	case eventbus.TypeProjectFailed:
		return "❌"
	case eventbus.TypeProjectPaused, eventbus.TypeHumanGateTriggered:
		return "⏸️"
	case eventbus.TypeProjectResumed, eventbus.TypeHumanGateResolved:
		return "▶️"
	case eventbus.TypeTaskFailed:
		return "💥"
	case eventbus.TypeBudgetExceeded, eventbus.TypeCostOverrunWarning:
		return "💸"
	case eventbus.TypeBudgetDowngraded:
		return "📉"
	default:
		return "•"
	}
}

// eventDetail extracts a one-line summary from the payloads that have one.
func eventDetail(event *eventbus.Event) string {
	switch event.Type {
	case eventbus.TypeTaskCreated, eventbus.TypeTaskDispatched, eventbus.TypeTaskCompleted:
		var p eventbus.TaskEventPayload
		if json.Unmarshal(event.Payload, &p) == nil {
			return fmt.Sprintf("task=%s type=%s agent=%s", shortID(p.TaskID), p.TaskType, p.AssignedTo)
		}

	case eventbus.TypeTaskFailed:
		var p eventbus.TaskFailedPayload
		if json.Unmarshal(event.Payload, &p) == nil {
			return fmt.Sprintf("task=%s class=%s: %s", shortID(p.TaskID), p.Classification, p.Message)
		}

	case eventbus.TypeBudgetDebited, eventbus.TypeBudgetExceeded,
		eventbus.TypeCostOverrunWarning, eventbus.TypeBudgetDowngraded:
		var p eventbus.BudgetPayload
		if json.Unmarshal(event.Payload, &p) == nil {
			return fmt.Sprintf("spent=%.2f/%.2f (%.0f%%) tier=%s", p.Spent, p.Total, p.Ratio*100, p.Tier)
		}

	case eventbus.TypeHumanGateTriggered:
		var p eventbus.HumanGatePayload
		if json.Unmarshal(event.Payload, &p) == nil {
			return p.Reason
		}

	case eventbus.TypeHumanGateResolved:
		var p eventbus.HumanGateResolvedPayload
		if json.Unmarshal(event.Payload, &p) == nil {
			return fmt.Sprintf("decision=%s by=%s", p.Decision, p.ResolvedBy)
		}
	}
	return ""
}

// shortID truncates UUIDs to their first group for display.
func shortID(id string) string {
	if len(id) > 8 {
		return id[:8]
	}
	return id
}

// PollForStatus polls until the project reaches the wanted status or the
// timeout elapses. Polls every 200ms.
func PollForStatus(ctx context.Context, store *blackboard.Store, projectID string, want blackboard.ProjectStatus, timeout time.Duration) (*blackboard.Project, error) {
	ticker := time.NewTicker(200 * time.Millisecond)
	defer ticker.Stop()

	timeoutCh := time.After(timeout)

	for {
		select {
		case <-ctx.Done():
			return nil, ctx.Err()

		case <-timeoutCh:
			return nil, fmt.Errorf("timeout waiting for project %s to reach %s after %v", projectID, want, timeout)

		case <-ticker.C:
			project, err := store.GetProject(ctx, projectID)
			if err != nil {
				if blackboard.IsNotFound(err) {
					continue
				}
				return nil, fmt.Errorf("failed to query project: %w", err)
			}
			if project.Status == want {
				return project, nil
			}
		}
	}
}

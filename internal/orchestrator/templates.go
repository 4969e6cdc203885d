package orchestrator

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/gafferhq/gaffer/pkg/blackboard"
	"github.com/gafferhq/gaffer/pkg/eventbus"
	"github.com/google/uuid"
)

// taskNamespace is the UUIDv5 namespace for deterministic task IDs.
// A task's ID is a pure function of (causation event, template), so a
// redelivered event instantiates the same task ID and the creation is a
// no-op the second time.
var taskNamespace = uuid.MustParse("6ba7b810-9dad-11d1-80b4-00c04fd430c8")

// TaskTemplate describes one unit of work to instantiate in response to an
// inbound event. The template table is the sole place new work enters the
// system.
type TaskTemplate struct {
	ID            string   // Stable identifier, unique within the table
	TaskType      string   // e.g. "script.write"
	AssignedTo    string   // Logical agent name from gaffer.yml
	Priority      int      // Lower dispatches first
	EstimatedCost float64
	DependsOn     []string // Template IDs of sibling templates (same causation event)
}

// TemplateTable maps inbound event types to the task templates they
// instantiate. Event types with no entry produce no work.
type TemplateTable map[eventbus.EventType][]TaskTemplate

// DefaultTemplates is the content-generation pipeline: project creation fans
// out into script, storyboard and per-shot synthesis stages, and shot writes
// trigger a consistency check.
var DefaultTemplates = TemplateTable{
	eventbus.TypeProjectCreated: {
		{ID: "write-script", TaskType: "script.write", AssignedTo: "script-writer", Priority: 10, EstimatedCost: 20},
		{ID: "compose-storyboard", TaskType: "storyboard.compose", AssignedTo: "storyboard-artist", Priority: 20, EstimatedCost: 30, DependsOn: []string{"write-script"}},
		{ID: "synthesize-shots", TaskType: "shots.synthesize", AssignedTo: "shot-synthesizer", Priority: 30, EstimatedCost: 80, DependsOn: []string{"compose-storyboard"}},
		{ID: "assemble-cut", TaskType: "cut.assemble", AssignedTo: "editor", Priority: 40, EstimatedCost: 15, DependsOn: []string{"synthesize-shots"}},
	},
	eventbus.TypeShotUpdated: {
		{ID: "check-consistency", TaskType: "shot.consistency_check", AssignedTo: "consistency-checker", Priority: 25, EstimatedCost: 5},
	},
}

// Validate checks that the table is internally consistent and that every
// assigned agent is declared in the given agent set. Run at startup: a
// template naming an unknown agent is an unrecoverable configuration error.
func (t TemplateTable) Validate(agents map[string]bool) error {
	for eventType, templates := range t {
		seen := make(map[string]bool, len(templates))
		for _, tpl := range templates {
			if tpl.ID == "" {
				return fmt.Errorf("template table for %s: template with empty ID", eventType)
			}
			if seen[tpl.ID] {
				return fmt.Errorf("template table for %s: duplicate template ID %q", eventType, tpl.ID)
			}
			seen[tpl.ID] = true

			if tpl.TaskType == "" {
				return fmt.Errorf("template %q: task type cannot be empty", tpl.ID)
			}
			if !agents[tpl.AssignedTo] {
				return fmt.Errorf("template %q: assigned agent %q is not declared in configuration", tpl.ID, tpl.AssignedTo)
			}
			for _, dep := range tpl.DependsOn {
				if dep == tpl.ID {
					return fmt.Errorf("template %q depends on itself", tpl.ID)
				}
			}
		}
		// Dependencies must reference sibling templates of the same event.
		for _, tpl := range templates {
			for _, dep := range tpl.DependsOn {
				if !seen[dep] {
					return fmt.Errorf("template %q depends on unknown sibling %q", tpl.ID, dep)
				}
			}
		}
	}
	return nil
}

// TaskID derives the deterministic task ID for (causation event, template).
func TaskID(causationEventID, templateID string) string {
	return uuid.NewSHA1(taskNamespace, []byte(causationEventID+"/"+templateID)).String()
}

// Instantiate builds the tasks a template set produces for an event. Sibling
// dependencies are resolved to the deterministic task IDs of the same
// causation event. The returned tasks start pending; readiness promotion
// happens at dispatch time.
func Instantiate(templates []TaskTemplate, event *eventbus.Event, tier blackboard.QualityTier) []*blackboard.Task {
	now := time.Now().UnixMilli()

	tasks := make([]*blackboard.Task, 0, len(templates))
	for _, tpl := range templates {
		deps := make([]string, 0, len(tpl.DependsOn))
		for _, dep := range tpl.DependsOn {
			deps = append(deps, TaskID(event.ID, dep))
		}

		input := event.Payload
		if len(input) == 0 {
			input = json.RawMessage("{}")
		}

		tasks = append(tasks, &blackboard.Task{
			ID:               TaskID(event.ID, tpl.ID),
			Type:             tpl.TaskType,
			AssignedTo:       tpl.AssignedTo,
			InputData:        input,
			Dependencies:     deps,
			Priority:         tpl.Priority,
			Status:           blackboard.TaskStatusPending,
			EstimatedCost:    tpl.EstimatedCost,
			CausationEventID: event.ID,
			TemplateID:       tpl.ID,
			Tier:             tier,
			CreatedAtMs:      now,
		})
	}

	return tasks
}

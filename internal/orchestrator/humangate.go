package orchestrator

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/gafferhq/gaffer/pkg/blackboard"
	"github.com/gafferhq/gaffer/pkg/eventbus"
)

// triggerHumanGate pauses the project with an open gate request. A project
// carries at most one unresolved gate: if one is already open the call is a
// no-op, so concurrently-escalating failures collapse into a single gate.
// task may be nil for project-level gates (e.g. budget exhaustion at the
// minimum tier).
func (e *Engine) triggerHumanGate(ctx context.Context, projectID string, task *blackboard.Task, reason string, suggestedActions []string, causationID string) error {
	gate := &blackboard.HumanGateRequest{
		Reason:           reason,
		SuggestedActions: suggestedActions,
		RequestedAtMs:    time.Now().UnixMilli(),
		TimeoutMs:        e.cfg.Orchestrator.HumanGateTimeout.Std().Milliseconds(),
	}
	if task != nil {
		gate.TaskID = task.ID
		gate.Priority = task.Priority
	}

	var opened bool
	_, err := e.store.UpdateProjectWithRetry(ctx, projectID, actorName, "human_gate", func(p *blackboard.Project) error {
		opened = false

		if p.HumanGate != nil && p.HumanGate.Resolution == nil {
			return nil // a gate is already pending
		}
		switch p.Status {
		case blackboard.ProjectStatusFinalized, blackboard.ProjectStatusFailed:
			return nil
		}

		p.HumanGate = gate
		p.Status = blackboard.ProjectStatusPaused
		if task != nil {
			if t, ok := p.Tasks[task.ID]; ok {
				t.Status = blackboard.TaskStatusAwaitingHuman
			}
		}
		opened = true
		return nil
	}, 0)
	if err != nil {
		return fmt.Errorf("failed to open human gate: %w", err)
	}

	if !opened {
		return nil
	}

	if _, err := e.bus.Publish(ctx, &eventbus.Event{
		ProjectID:   projectID,
		Type:        eventbus.TypeHumanGateTriggered,
		Actor:       actorName,
		CausationID: causationID,
		Payload: eventbus.MustMarshalPayload(&eventbus.HumanGatePayload{
			TaskID:           gate.TaskID,
			Reason:           gate.Reason,
			SuggestedActions: gate.SuggestedActions,
			Priority:         gate.Priority,
		}),
	}); err != nil {
		return fmt.Errorf("failed to publish human gate event: %w", err)
	}

	e.logEvent("human_gate_triggered", map[string]interface{}{
		"project_id": projectID,
		"task_id":    gate.TaskID,
		"reason":     reason,
	})

	return nil
}

// handleGateResolved applies an external gate decision:
//
//   - approved: the gated task re-enters ready with a fresh retry budget and
//     the project resumes.
//   - revision_requested: the gated task is superseded by a remediation task
//     and the project resumes.
//   - rejected: the project moves to failed.
//
// A project whose gate is already resolved ignores further resolutions, so
// racing resolvers and redeliveries settle on the first decision.
func (e *Engine) handleGateResolved(ctx context.Context, event *eventbus.Event) error {
	var payload eventbus.HumanGateResolvedPayload
	if err := json.Unmarshal(event.Payload, &payload); err != nil {
		return fmt.Errorf("malformed HUMAN_GATE_RESOLVED payload: %w", err)
	}

	decision := blackboard.HumanGateDecision(payload.Decision)
	if err := decision.Validate(); err != nil {
		return err
	}

	var applied bool
	var gatedTaskID string
	var remediation *blackboard.Task

	_, err := e.store.UpdateProjectWithRetry(ctx, event.ProjectID, actorName, "human_gate", func(p *blackboard.Project) error {
		applied = false
		remediation = nil

		if p.HumanGate == nil || p.HumanGate.Resolution != nil {
			return nil
		}
		gatedTaskID = p.HumanGate.TaskID

		p.HumanGate.Resolution = &blackboard.HumanGateResolution{
			Decision:     decision,
			Note:         payload.Note,
			ResolvedBy:   payload.ResolvedBy,
			ResolvedAtMs: time.Now().UnixMilli(),
		}
		applied = true

		gated := p.Tasks[gatedTaskID] // nil for project-level gates

		switch decision {
		case blackboard.DecisionApproved:
			if gated != nil {
				gated.Status = blackboard.TaskStatusReady
				gated.RetryCount = 0
				gated.NotBeforeMs = 0
				gated.DispatchedAtMs = 0
			}
			p.Status = blackboard.ProjectStatusInProgress

		case blackboard.DecisionRevisionRequested:
			if gated == nil {
				// Nothing to revise: behave like an approval.
				p.Status = blackboard.ProjectStatusInProgress
				return nil
			}

			replacement := &blackboard.Task{
				ID:               TaskID(event.ID, gated.TemplateID+"/revised"),
				Type:             gated.Type,
				AssignedTo:       gated.AssignedTo,
				InputData:        gated.InputData,
				Dependencies:     gated.Dependencies,
				Priority:         gated.Priority,
				Status:           blackboard.TaskStatusPending,
				EstimatedCost:    gated.EstimatedCost,
				CausationEventID: event.ID,
				TemplateID:       gated.TemplateID,
				Tier:             gated.Tier,
				CreatedAtMs:      time.Now().UnixMilli(),
			}
			if _, exists := p.Tasks[replacement.ID]; !exists {
				gated.Status = blackboard.TaskStatusSuperseded
				p.Tasks[replacement.ID] = replacement
				for _, t := range p.Tasks {
					for i, dep := range t.Dependencies {
						if dep == gatedTaskID {
							t.Dependencies[i] = replacement.ID
						}
					}
				}
				remediation = replacement
			}
			p.Status = blackboard.ProjectStatusInProgress

		case blackboard.DecisionRejected:
			if gated != nil {
				gated.Status = blackboard.TaskStatusFailed
			}
			p.Status = blackboard.ProjectStatusFailed
		}
		return nil
	}, 0)
	if err != nil {
		return fmt.Errorf("failed to apply gate resolution: %w", err)
	}

	if !applied {
		return nil
	}

	e.logEvent("human_gate_resolved", map[string]interface{}{
		"project_id":  event.ProjectID,
		"task_id":     gatedTaskID,
		"decision":    string(decision),
		"resolved_by": payload.ResolvedBy,
	})

	switch decision {
	case blackboard.DecisionRejected:
		if err := e.store.AppendError(ctx, event.ProjectID, blackboard.ErrorEntry{
			Actor:   payload.ResolvedBy,
			TaskID:  gatedTaskID,
			Message: fmt.Sprintf("human gate rejected: %s", payload.Note),
		}); err != nil {
			return err
		}
		if _, err := e.bus.Publish(ctx, &eventbus.Event{
			ProjectID:   event.ProjectID,
			Type:        eventbus.TypeProjectFailed,
			Actor:       actorName,
			CausationID: event.ID,
		}); err != nil {
			return fmt.Errorf("failed to publish project failed event: %w", err)
		}
		return nil

	default:
		if remediation != nil {
			if err := e.publishTaskEvent(ctx, eventbus.TypeTaskCreated, event.ProjectID, remediation, event.ID); err != nil {
				return err
			}
		}
		if _, err := e.bus.Publish(ctx, &eventbus.Event{
			ProjectID:   event.ProjectID,
			Type:        eventbus.TypeProjectResumed,
			Actor:       actorName,
			CausationID: event.ID,
		}); err != nil {
			return fmt.Errorf("failed to publish project resumed event: %w", err)
		}
		return e.promote(ctx, event.ProjectID)
	}
}

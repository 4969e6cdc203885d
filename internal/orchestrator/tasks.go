package orchestrator

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"sort"
	"time"

	"github.com/gafferhq/gaffer/internal/budget"
	"github.com/gafferhq/gaffer/pkg/blackboard"
	"github.com/gafferhq/gaffer/pkg/eventbus"
)

// promote advances the task state machine for one project: pending tasks
// whose dependencies have all completed become ready, and ready tasks whose
// backoff has elapsed are dispatched in (priority, task_id) order, subject to
// the budget check. Dispatching stops entirely while a project is paused.
//
// promote is safe to call repeatedly and from multiple instances: every
// transition runs inside a version-checked update, and dispatch events for a
// task already marked dispatched are simply not re-emitted (the dispatch TTL
// watchdog covers an instance that crashed between marking and publishing).
func (e *Engine) promote(ctx context.Context, projectID string) error {
	now := time.Now().UnixMilli()

	var dispatched []*blackboard.Task
	var blockedPayload *eventbus.BudgetPayload
	var finalized bool

	_, err := e.store.UpdateProjectWithRetry(ctx, projectID, actorName, "tasks", func(p *blackboard.Project) error {
		dispatched = dispatched[:0]
		blockedPayload = nil
		finalized = false

		if p.Status != blackboard.ProjectStatusInProgress {
			return nil
		}

		// pending -> ready once every dependency has completed.
		for _, task := range p.Tasks {
			if task.Status != blackboard.TaskStatusPending {
				continue
			}
			if dependenciesCompleted(p, task) {
				task.Status = blackboard.TaskStatusReady
			}
		}

		// Dispatch due ready tasks, cheapest-priority first. The budget check
		// counts estimates of tasks dispatched in this same pass so one pass
		// cannot collectively overcommit.
		var ready []*blackboard.Task
		for _, task := range p.Tasks {
			if task.Status == blackboard.TaskStatusReady && task.NotBeforeMs <= now {
				ready = append(ready, task)
			}
		}
		sort.Slice(ready, func(i, j int) bool {
			if ready[i].Priority != ready[j].Priority {
				return ready[i].Priority < ready[j].Priority
			}
			return ready[i].ID < ready[j].ID
		})

		committed := 0.0
		for _, task := range ready {
			if !budget.CanAfford(&p.Budget, committed+task.EstimatedCost) {
				if blockedPayload == nil {
					blockedPayload = &eventbus.BudgetPayload{
						Amount: task.EstimatedCost,
						Spent:  p.Budget.Spent,
						Total:  p.Budget.Total,
						Ratio:  p.Budget.Ratio(),
						Tier:   string(p.Budget.Tier),
					}
				}
				continue
			}
			committed += task.EstimatedCost
			task.Status = blackboard.TaskStatusDispatched
			task.DispatchedAtMs = now
			dispatched = append(dispatched, task)
		}

		finalized = allTasksSettled(p)
		if finalized {
			p.Status = blackboard.ProjectStatusFinalized
		}
		return nil
	}, 0)
	if err != nil {
		return fmt.Errorf("failed to promote tasks: %w", err)
	}

	for _, task := range dispatched {
		if err := e.publishTaskEvent(ctx, eventbus.TypeTaskDispatched, projectID, task, task.CausationEventID); err != nil {
			return err
		}

		e.logEvent("task_dispatched", map[string]interface{}{
			"project_id":  projectID,
			"task_id":     task.ID,
			"task_type":   task.Type,
			"assigned_to": task.AssignedTo,
			"priority":    task.Priority,
		})
	}

	if blockedPayload != nil {
		// Dispatch withheld: surface BUDGET_EXCEEDED instead of silently
		// overcommitting. The downgrade flow reacts to this event.
		if _, err := e.bus.Publish(ctx, &eventbus.Event{
			ProjectID: projectID,
			Type:      eventbus.TypeBudgetExceeded,
			Actor:     actorName,
			Payload:   eventbus.MustMarshalPayload(blockedPayload),
		}); err != nil {
			return fmt.Errorf("failed to publish budget exceeded event: %w", err)
		}
	}

	if finalized {
		if _, err := e.bus.Publish(ctx, &eventbus.Event{
			ProjectID: projectID,
			Type:      eventbus.TypeProjectFinalized,
			Actor:     actorName,
		}); err != nil {
			return fmt.Errorf("failed to publish finalization event: %w", err)
		}

		e.logEvent("project_finalized", map[string]interface{}{
			"project_id": projectID,
		})
	}

	return nil
}

// dependenciesCompleted reports whether every dependency of a task has
// reached completed.
func dependenciesCompleted(p *blackboard.Project, task *blackboard.Task) bool {
	for _, dep := range task.Dependencies {
		depTask, ok := p.Tasks[dep]
		if !ok || depTask.Status != blackboard.TaskStatusCompleted {
			return false
		}
	}
	return true
}

// allTasksSettled reports whether the project has work and all of it has
// reached a terminal task state (completed or superseded).
func allTasksSettled(p *blackboard.Project) bool {
	if len(p.Tasks) == 0 {
		return false
	}
	for _, task := range p.Tasks {
		switch task.Status {
		case blackboard.TaskStatusCompleted, blackboard.TaskStatusSuperseded:
		default:
			return false
		}
	}
	return true
}

// handleTaskCompleted marks the task completed, merges any reported
// artifacts into the project's artifact index, debits the actual cost, and
// promotes dependents. The status transition is the idempotency guard: a
// redelivered completion finds the task already completed and does nothing
// (in particular, it does not debit twice).
func (e *Engine) handleTaskCompleted(ctx context.Context, event *eventbus.Event) error {
	var payload eventbus.TaskEventPayload
	if err := json.Unmarshal(event.Payload, &payload); err != nil {
		return fmt.Errorf("malformed TASK_COMPLETED payload: %w", err)
	}

	var transitioned bool
	_, err := e.store.UpdateProjectWithRetry(ctx, event.ProjectID, actorName, "tasks", func(p *blackboard.Project) error {
		transitioned = false

		task, ok := p.Tasks[payload.TaskID]
		if !ok {
			return fmt.Errorf("completion for unknown task %s", payload.TaskID)
		}
		if task.Status == blackboard.TaskStatusCompleted {
			return nil
		}

		task.Status = blackboard.TaskStatusCompleted
		transitioned = true

		if len(payload.Outputs) > 0 {
			var artifacts map[string]string
			if err := json.Unmarshal(payload.Outputs, &artifacts); err == nil {
				for name, ref := range artifacts {
					p.ArtifactIndex[name] = ref
				}
			}
		}
		return nil
	}, 0)
	if err != nil {
		return fmt.Errorf("failed to record task completion: %w", err)
	}

	if !transitioned {
		return nil
	}

	e.logEvent("task_completed", map[string]interface{}{
		"project_id": event.ProjectID,
		"task_id":    payload.TaskID,
		"cost":       event.Metadata.Cost,
		"latency_ms": event.Metadata.LatencyMs,
	})

	if event.Metadata.Cost > 0 {
		if _, err := e.ledger.Debit(ctx, event.ProjectID, event.Metadata.Cost, actorName, event.ID); err != nil {
			return fmt.Errorf("failed to debit task cost: %w", err)
		}
	}

	return e.promote(ctx, event.ProjectID)
}

// handleTaskFailed records the failure and runs the three-tier escalation
// policy. Only a task currently dispatched transitions to failed: failures
// originate from dispatched work (agents and the dispatch-TTL watchdog
// alike), so any other status means this failure was already escalated and
// the event is a redelivery.
func (e *Engine) handleTaskFailed(ctx context.Context, event *eventbus.Event) error {
	var failure eventbus.TaskFailedPayload
	if err := json.Unmarshal(event.Payload, &failure); err != nil {
		return fmt.Errorf("malformed TASK_FAILED payload: %w", err)
	}

	var transitioned bool
	var failedTask *blackboard.Task
	_, err := e.store.UpdateProjectWithRetry(ctx, event.ProjectID, actorName, "tasks", func(p *blackboard.Project) error {
		transitioned = false
		failedTask = nil

		task, ok := p.Tasks[failure.TaskID]
		if !ok {
			return fmt.Errorf("failure for unknown task %s", failure.TaskID)
		}

		if task.Status == blackboard.TaskStatusDispatched {
			task.Status = blackboard.TaskStatusFailed
			transitioned = true
			copied := *task
			failedTask = &copied
		}
		return nil
	}, 0)
	if err != nil {
		return fmt.Errorf("failed to record task failure: %w", err)
	}

	if !transitioned {
		return nil
	}

	if err := e.store.AppendError(ctx, event.ProjectID, blackboard.ErrorEntry{
		Actor:    event.Actor,
		TaskID:   failure.TaskID,
		Severity: string(failure.Classification),
		Message:  failure.Message,
	}); err != nil {
		return err
	}

	decision := Decide(e.policy, failedTask, &failure)

	e.logEvent("task_failed", map[string]interface{}{
		"project_id":     event.ProjectID,
		"task_id":        failure.TaskID,
		"classification": string(failure.Classification),
		"retry_count":    failedTask.RetryCount,
		"decision":       string(decision.Action),
	})

	switch decision.Action {
	case ActionRetry:
		return e.scheduleRetry(ctx, event.ProjectID, failedTask.ID, decision.RetryDelay)

	case ActionDegrade:
		return e.degradeTask(ctx, event, failedTask)

	default:
		return e.triggerHumanGate(ctx, event.ProjectID, failedTask, decision.Reason,
			SuggestedActions(failedTask, &failure), event.ID)
	}
}

// scheduleRetry re-enters a failed task at ready with its backoff recorded on
// the task itself, so a restarted instance honors the delay from the sweep.
func (e *Engine) scheduleRetry(ctx context.Context, projectID, taskID string, delay time.Duration) error {
	notBefore := time.Now().Add(delay).UnixMilli()

	_, err := e.store.UpdateProjectWithRetry(ctx, projectID, actorName, "tasks", func(p *blackboard.Project) error {
		task, ok := p.Tasks[taskID]
		if !ok || task.Status != blackboard.TaskStatusFailed {
			return nil
		}
		task.RetryCount++
		task.Status = blackboard.TaskStatusReady
		task.NotBeforeMs = notBefore
		task.DispatchedAtMs = 0
		return nil
	}, 0)
	if err != nil {
		return fmt.Errorf("failed to schedule retry: %w", err)
	}

	e.logEvent("task_retry_scheduled", map[string]interface{}{
		"project_id": projectID,
		"task_id":    taskID,
		"delay_ms":   delay.Milliseconds(),
	})

	// Prompt in-process redispatch; the periodic sweep covers restarts.
	time.AfterFunc(delay+100*time.Millisecond, func() {
		if err := e.promote(context.WithoutCancel(ctx), projectID); err != nil {
			log.Printf("[Orchestrator] Error promoting after retry delay: %v", err)
		}
	})

	return nil
}

// degradeTask supersedes a failed task with a replacement one quality tier
// down (or on the configured fallback agent), retry count reset. The
// replacement's ID is deterministic in the failure event, so a redelivered
// failure re-creates the same task.
func (e *Engine) degradeTask(ctx context.Context, event *eventbus.Event, failed *blackboard.Task) error {
	lowerTier, ok := blackboard.TierBelow(failed.Tier)
	if !ok {
		// Decide only picks degrade when a lower tier exists; a mismatch
		// here means the task changed underneath us. Gate it.
		return e.triggerHumanGate(ctx, event.ProjectID, failed,
			fmt.Sprintf("task %s cannot degrade below %s", failed.ID, failed.Tier),
			SuggestedActions(failed, nil), event.ID)
	}

	assignedTo := failed.AssignedTo
	if agent, ok := e.cfg.Agents[failed.AssignedTo]; ok && agent.Fallback != "" {
		assignedTo = agent.Fallback
	}

	estimate := failed.EstimatedCost
	oldMult, errOld := e.cfg.TierMultiplier(string(failed.Tier))
	newMult, errNew := e.cfg.TierMultiplier(string(lowerTier))
	if errOld == nil && errNew == nil && oldMult > 0 {
		estimate = failed.EstimatedCost * (newMult / oldMult)
	}

	replacement := &blackboard.Task{
		ID:               TaskID(event.ID, failed.TemplateID+"/degraded"),
		Type:             failed.Type,
		AssignedTo:       assignedTo,
		InputData:        failed.InputData,
		Dependencies:     failed.Dependencies,
		Priority:         failed.Priority,
		Status:           blackboard.TaskStatusPending,
		RetryCount:       0,
		EstimatedCost:    estimate,
		CausationEventID: event.ID,
		TemplateID:       failed.TemplateID,
		Tier:             lowerTier,
		CreatedAtMs:      time.Now().UnixMilli(),
	}

	var created bool
	_, err := e.store.UpdateProjectWithRetry(ctx, event.ProjectID, actorName, "tasks", func(p *blackboard.Project) error {
		created = false

		if _, exists := p.Tasks[replacement.ID]; exists {
			return nil
		}

		original, ok := p.Tasks[failed.ID]
		if !ok || original.Status != blackboard.TaskStatusFailed {
			return nil
		}
		original.Status = blackboard.TaskStatusSuperseded

		p.Tasks[replacement.ID] = replacement
		created = true

		// Tasks that waited on the original now wait on the replacement.
		for _, task := range p.Tasks {
			for i, dep := range task.Dependencies {
				if dep == failed.ID {
					task.Dependencies[i] = replacement.ID
				}
			}
		}
		return nil
	}, 0)
	if err != nil {
		return fmt.Errorf("failed to create degraded replacement: %w", err)
	}

	if !created {
		return nil
	}

	if err := e.publishTaskEvent(ctx, eventbus.TypeTaskCreated, event.ProjectID, replacement, event.ID); err != nil {
		return err
	}

	e.logEvent("task_degraded", map[string]interface{}{
		"project_id":     event.ProjectID,
		"failed_task_id": failed.ID,
		"replacement_id": replacement.ID,
		"new_tier":       string(lowerTier),
		"assigned_to":    assignedTo,
	})

	return e.promote(ctx, event.ProjectID)
}

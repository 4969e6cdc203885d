// Package orchestrator implements the coordination engine: it subscribes to
// the event bus, derives tasks from events through a static template table,
// enforces the project budget before dispatch, and escalates task failures
// through the three-tier policy (retry, degrade, human gate).
//
// Multiple engine instances may process the same project's events. Task
// creation is keyed by (causation event, template), status transitions are
// guarded by the task's current state, and maintenance sweeps are idempotent,
// so redelivered or concurrently-processed events converge to the same state.
package orchestrator

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"time"

	"github.com/gafferhq/gaffer/internal/budget"
	"github.com/gafferhq/gaffer/internal/config"
	"github.com/gafferhq/gaffer/pkg/blackboard"
	"github.com/gafferhq/gaffer/pkg/eventbus"
)

// actorName identifies the orchestrator in events, change-log entries and
// lock records. It doubles as the durable subscriber ID: every orchestrator
// instance shares one delivery position, so instances compete for events
// instead of double-processing them.
const actorName = "orchestrator"

// Engine is the core orchestrator. It owns no state of its own: everything
// durable lives on the blackboard or in the event log, which is what lets a
// restarted or concurrent instance pick up where another left off.
type Engine struct {
	store     *blackboard.Store
	bus       *eventbus.Bus
	ledger    *budget.Ledger
	cfg       *config.GafferConfig
	templates TemplateTable
	policy    Policy
}

// NewEngine creates an orchestrator engine. The template table is validated
// against the configured agents: a template assigning work to an undeclared
// agent is a startup error.
func NewEngine(store *blackboard.Store, bus *eventbus.Bus, ledger *budget.Ledger, cfg *config.GafferConfig, templates TemplateTable) (*Engine, error) {
	if templates == nil {
		templates = DefaultTemplates
	}

	agents := make(map[string]bool, len(cfg.Agents))
	for name := range cfg.Agents {
		agents[name] = true
	}
	if err := templates.Validate(agents); err != nil {
		return nil, fmt.Errorf("invalid template table: %w", err)
	}

	return &Engine{
		store:     store,
		bus:       bus,
		ledger:    ledger,
		cfg:       cfg,
		templates: templates,
		policy: Policy{
			MaxRetries:           *cfg.Orchestrator.MaxRetries,
			InitialRetryDelay:    cfg.Orchestrator.InitialRetryDelay.Std(),
			RetryBackoffFactor:   cfg.Orchestrator.RetryBackoffFactor,
			DegradeCostThreshold: *cfg.Orchestrator.DegradeCostThreshold,
		},
	}, nil
}

// Run starts the engine and blocks until the context is cancelled.
// Events are acknowledged only after successful handling; a handler error
// leaves the event pending for redelivery.
func (e *Engine) Run(ctx context.Context) error {
	log.Printf("[Orchestrator] Starting for instance '%s'", e.store.InstanceName())

	subscription, err := e.bus.Subscribe(ctx, actorName)
	if err != nil {
		return fmt.Errorf("failed to subscribe to event stream: %w", err)
	}
	defer subscription.Close()

	log.Printf("[Orchestrator] Subscribed to event stream")

	go e.runMaintenance(ctx)

	for {
		select {
		case <-ctx.Done():
			log.Printf("[Orchestrator] Shutting down...")
			return nil

		case event, ok := <-subscription.Events():
			if !ok {
				log.Printf("[Orchestrator] Subscription closed")
				return nil
			}

			e.logEvent("event_received", map[string]interface{}{
				"event_id":   event.ID,
				"project_id": event.ProjectID,
				"type":       string(event.Type),
				"actor":      event.Actor,
			})

			if err := e.handleEvent(ctx, event); err != nil {
				// No ack: the event stays pending and is redelivered.
				log.Printf("[Orchestrator] Error processing event %s: %v", event.ID, err)
				continue
			}

			if err := subscription.Ack(ctx, event); err != nil {
				log.Printf("[Orchestrator] Failed to ack event %s: %v", event.ID, err)
			}

		case err, ok := <-subscription.Errors():
			if !ok {
				log.Printf("[Orchestrator] Error channel closed")
				return nil
			}
			log.Printf("[Orchestrator] Subscription error: %v", err)
			// Errors are non-fatal; continue processing.
		}
	}
}

// handleEvent routes one event to its handler. Handlers must be idempotent:
// delivery is at-least-once and multiple instances may race on the same event.
func (e *Engine) handleEvent(ctx context.Context, event *eventbus.Event) error {
	switch event.Type {
	case eventbus.TypeProjectCreated, eventbus.TypeShotUpdated:
		return e.instantiateTemplates(ctx, event)

	case eventbus.TypeTaskCompleted:
		return e.handleTaskCompleted(ctx, event)

	case eventbus.TypeTaskFailed:
		return e.handleTaskFailed(ctx, event)

	case eventbus.TypeBudgetExceeded:
		return e.handleBudgetExceeded(ctx, event)

	case eventbus.TypeHumanGateResolved:
		return e.handleGateResolved(ctx, event)

	default:
		// Audit-only types (debits, warnings, dispatches...) need no action.
		return nil
	}
}

// instantiateTemplates creates the tasks the template table maps an event to.
// Task IDs are deterministic in (event, template), so a redelivered event
// finds its tasks already present and adds nothing.
func (e *Engine) instantiateTemplates(ctx context.Context, event *eventbus.Event) error {
	templates := e.templates[event.Type]
	if len(templates) == 0 {
		return nil
	}

	project, err := e.store.GetProject(ctx, event.ProjectID)
	if err != nil {
		if blackboard.IsNotFound(err) {
			return fmt.Errorf("event %s references unknown project %s", event.ID, event.ProjectID)
		}
		return err
	}

	candidates := Instantiate(templates, event, project.Budget.Tier)

	var created []*blackboard.Task
	_, err = e.store.UpdateProjectWithRetry(ctx, event.ProjectID, actorName, "tasks", func(p *blackboard.Project) error {
		created = created[:0]
		for _, task := range candidates {
			if _, exists := p.Tasks[task.ID]; exists {
				continue
			}
			p.Tasks[task.ID] = task
			created = append(created, task)
		}
		if len(created) > 0 && p.Status == blackboard.ProjectStatusCreated {
			p.Status = blackboard.ProjectStatusInProgress
		}
		return nil
	}, 0)
	if err != nil {
		return fmt.Errorf("failed to persist tasks: %w", err)
	}

	for _, task := range created {
		if err := e.publishTaskEvent(ctx, eventbus.TypeTaskCreated, event.ProjectID, task, event.ID); err != nil {
			return err
		}

		e.logEvent("task_created", map[string]interface{}{
			"project_id":  event.ProjectID,
			"task_id":     task.ID,
			"task_type":   task.Type,
			"assigned_to": task.AssignedTo,
			"template_id": task.TemplateID,
		})
	}

	if len(created) == 0 {
		return nil
	}

	return e.promote(ctx, event.ProjectID)
}

// handleBudgetExceeded runs the downgrade flow. The payload carries the tier
// at emission time, which is the idempotency key: a redelivered event whose
// tier no longer matches the project has already been handled.
func (e *Engine) handleBudgetExceeded(ctx context.Context, event *eventbus.Event) error {
	var payload eventbus.BudgetPayload
	if err := json.Unmarshal(event.Payload, &payload); err != nil {
		return fmt.Errorf("malformed BUDGET_EXCEEDED payload: %w", err)
	}

	project, err := e.store.GetProject(ctx, event.ProjectID)
	if err != nil {
		return err
	}

	if string(project.Budget.Tier) != payload.Tier {
		return nil // already downgraded (or gated) for this crossing
	}

	newTier, err := e.ledger.Downgrade(ctx, event.ProjectID, actorName, event.ID)
	if err != nil {
		if errors.Is(err, budget.ErrAlreadyAtMinimum) {
			reason := fmt.Sprintf("budget exceeded (spent %.2f of %.2f) with quality tier already at minimum",
				payload.Spent, payload.Total)
			return e.triggerHumanGate(ctx, event.ProjectID, nil, reason, []string{
				"approve to keep dispatching against the exceeded budget",
				"reject to fail the project",
			}, event.ID)
		}
		return err
	}

	e.logEvent("budget_downgraded", map[string]interface{}{
		"project_id": event.ProjectID,
		"new_tier":   string(newTier),
		"spent":      payload.Spent,
	})

	return e.promote(ctx, event.ProjectID)
}

// publishTaskEvent publishes a task lifecycle event carrying the task wire shape.
func (e *Engine) publishTaskEvent(ctx context.Context, eventType eventbus.EventType, projectID string, task *blackboard.Task, causationID string) error {
	taskJSON, err := json.Marshal(task)
	if err != nil {
		return fmt.Errorf("failed to marshal task: %w", err)
	}

	_, err = e.bus.Publish(ctx, &eventbus.Event{
		ProjectID:   projectID,
		Type:        eventType,
		Actor:       actorName,
		CausationID: causationID,
		Payload: eventbus.MustMarshalPayload(&eventbus.TaskEventPayload{
			TaskID:     task.ID,
			TaskType:   task.Type,
			AssignedTo: task.AssignedTo,
			Task:       taskJSON,
		}),
	})
	if err != nil {
		return fmt.Errorf("failed to publish %s: %w", eventType, err)
	}
	return nil
}

// logEvent logs a structured event in JSON format.
func (e *Engine) logEvent(eventType string, data map[string]interface{}) {
	data["timestamp"] = time.Now().UTC().Format(time.RFC3339)
	data["level"] = "info"
	data["component"] = "orchestrator"
	data["event_type"] = eventType
	data["instance"] = e.store.InstanceName()

	jsonData, err := json.Marshal(data)
	if err != nil {
		log.Printf("[Orchestrator] Failed to marshal log event: %v", err)
		return
	}

	log.Println(string(jsonData))
}

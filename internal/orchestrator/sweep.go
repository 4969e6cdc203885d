package orchestrator

import (
	"context"
	"fmt"
	"log"
	"time"

	"github.com/gafferhq/gaffer/pkg/blackboard"
	"github.com/gafferhq/gaffer/pkg/eventbus"
)

// runMaintenance runs the periodic sweep until the context is cancelled:
// expired locks are reclaimed, timed-out human gates are force-rejected,
// tasks dispatched longer ago than the dispatch TTL are failed as transient,
// and due retries are re-promoted. Every step is idempotent, so overlapping
// sweeps from multiple instances do no harm.
func (e *Engine) runMaintenance(ctx context.Context) {
	interval := e.cfg.Orchestrator.SweepInterval.Std()
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	log.Printf("[Orchestrator] Maintenance sweep every %v", interval)

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := e.sweep(ctx); err != nil {
				log.Printf("[Orchestrator] Maintenance sweep error: %v", err)
			}
		}
	}
}

// sweep performs one maintenance pass over every project of the instance.
func (e *Engine) sweep(ctx context.Context) error {
	now := time.Now()

	removed, err := e.store.SweepExpiredLocks(ctx, now)
	if err != nil {
		return fmt.Errorf("lock sweep failed: %w", err)
	}
	if removed > 0 {
		e.logEvent("locks_swept", map[string]interface{}{
			"removed": removed,
		})
	}

	projectIDs, err := e.store.ListProjectIDs(ctx)
	if err != nil {
		return fmt.Errorf("failed to list projects: %w", err)
	}

	for _, projectID := range projectIDs {
		if err := e.sweepProject(ctx, projectID, now.UnixMilli()); err != nil {
			log.Printf("[Orchestrator] Error sweeping project %s: %v", projectID, err)
		}
	}
	return nil
}

func (e *Engine) sweepProject(ctx context.Context, projectID string, nowMs int64) error {
	project, err := e.store.GetProject(ctx, projectID)
	if err != nil {
		if blackboard.IsNotFound(err) {
			return nil
		}
		return err
	}

	switch project.Status {
	case blackboard.ProjectStatusPaused:
		return e.sweepGateTimeout(ctx, project, nowMs)

	case blackboard.ProjectStatusInProgress:
		if err := e.sweepStaleDispatches(ctx, project, nowMs); err != nil {
			return err
		}
		// Catch retries whose backoff elapsed with no event to prompt them.
		return e.promote(ctx, projectID)

	default:
		return nil
	}
}

// sweepGateTimeout force-rejects a human gate whose deadline has passed. The
// rejection goes through the event stream like an operator decision would,
// so the regular resolution handler applies it exactly once.
func (e *Engine) sweepGateTimeout(ctx context.Context, project *blackboard.Project, nowMs int64) error {
	gate := project.HumanGate
	if gate == nil || gate.Resolution != nil || nowMs < gate.DeadlineMs() {
		return nil
	}

	if _, err := e.bus.Publish(ctx, &eventbus.Event{
		ProjectID: project.ID,
		Type:      eventbus.TypeHumanGateResolved,
		Actor:     actorName,
		Payload: eventbus.MustMarshalPayload(&eventbus.HumanGateResolvedPayload{
			Decision:   string(blackboard.DecisionRejected),
			Note:       "human gate timed out",
			ResolvedBy: actorName,
		}),
	}); err != nil {
		return fmt.Errorf("failed to publish gate timeout rejection: %w", err)
	}

	e.logEvent("human_gate_timed_out", map[string]interface{}{
		"project_id": project.ID,
		"task_id":    gate.TaskID,
		"deadline":   gate.DeadlineMs(),
	})
	return nil
}

// sweepStaleDispatches fails tasks that have been dispatched longer than the
// dispatch TTL with nothing reported back. A silent agent is
// indistinguishable from a crashed one, so the failure is classified
// transient and takes the normal retry path.
func (e *Engine) sweepStaleDispatches(ctx context.Context, project *blackboard.Project, nowMs int64) error {
	ttlMs := e.cfg.Orchestrator.DispatchTTL.Std().Milliseconds()

	for _, task := range project.Tasks {
		if task.Status != blackboard.TaskStatusDispatched || task.DispatchedAtMs == 0 {
			continue
		}
		if nowMs-task.DispatchedAtMs < ttlMs {
			continue
		}

		if _, err := e.bus.Publish(ctx, &eventbus.Event{
			ProjectID: project.ID,
			Type:      eventbus.TypeTaskFailed,
			Actor:     actorName,
			Payload: eventbus.MustMarshalPayload(&eventbus.TaskFailedPayload{
				TaskID:         task.ID,
				Classification: eventbus.FailureTransient,
				Severity:       "warning",
				Message:        fmt.Sprintf("no result from %s within dispatch TTL", task.AssignedTo),
			}),
		}); err != nil {
			return fmt.Errorf("failed to publish dispatch timeout failure: %w", err)
		}

		e.logEvent("dispatch_timed_out", map[string]interface{}{
			"project_id":  project.ID,
			"task_id":     task.ID,
			"assigned_to": task.AssignedTo,
		})
	}
	return nil
}

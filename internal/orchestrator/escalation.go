package orchestrator

import (
	"fmt"
	"math"
	"time"

	"github.com/gafferhq/gaffer/pkg/blackboard"
	"github.com/gafferhq/gaffer/pkg/eventbus"
)

// Action is the escalation tier chosen for a failed task.
type Action string

const (
	// ActionRetry re-enters the task at ready after a backoff delay.
	ActionRetry Action = "retry"

	// ActionDegrade replaces the task with one at a lower quality tier or
	// alternate provider, resetting the retry count.
	ActionDegrade Action = "degrade"

	// ActionHumanGate pauses the project pending an external decision.
	ActionHumanGate Action = "human_gate"
)

// Policy holds the escalation thresholds. All values come from configuration.
type Policy struct {
	MaxRetries           int
	InitialRetryDelay    time.Duration
	RetryBackoffFactor   float64
	DegradeCostThreshold float64
}

// Decision is the outcome of evaluating a task failure against the policy.
type Decision struct {
	Action     Action
	RetryDelay time.Duration // Set when Action == ActionRetry
	Reason     string        // Set when Action == ActionHumanGate
}

// Decide evaluates the three escalation tiers in order for a failed task.
// It is a pure function over (failure classification, retry count, cost
// impact, severity, current tier) so each tier is testable without invoking
// real agents.
//
// Tier 1, automatic retry: transient failures with retry budget left get an
// exponential backoff (delay = initial x factor^retry_count).
//
// Tier 2, degrade: failures whose cost impact stays under the configured
// threshold, with non-critical severity and room below the current tier.
//
// Tier 3, human gate: everything else.
func Decide(p Policy, task *blackboard.Task, failure *eventbus.TaskFailedPayload) Decision {
	if failure.Classification == eventbus.FailureTransient && task.RetryCount < p.MaxRetries {
		delay := time.Duration(float64(p.InitialRetryDelay) * math.Pow(p.RetryBackoffFactor, float64(task.RetryCount)))
		return Decision{Action: ActionRetry, RetryDelay: delay}
	}

	_, hasLowerTier := blackboard.TierBelow(task.Tier)
	degradable := failure.Classification != eventbus.FailureCritical &&
		failure.Severity != "critical" &&
		failure.CostImpact < p.DegradeCostThreshold &&
		hasLowerTier

	if degradable {
		return Decision{Action: ActionDegrade}
	}

	return Decision{Action: ActionHumanGate, Reason: humanGateReason(task, failure, hasLowerTier)}
}

// humanGateReason explains why the failure escalated past the automatic tiers.
func humanGateReason(task *blackboard.Task, failure *eventbus.TaskFailedPayload, hasLowerTier bool) string {
	switch {
	case failure.Classification == eventbus.FailureCritical || failure.Severity == "critical":
		return fmt.Sprintf("task %s (%s) failed critically: %s", task.ID, task.Type, failure.Message)
	case !hasLowerTier:
		return fmt.Sprintf("task %s (%s) failed at the minimum quality tier: %s", task.ID, task.Type, failure.Message)
	default:
		return fmt.Sprintf("task %s (%s) failed with cost impact %.2f exceeding the degrade threshold: %s",
			task.ID, task.Type, failure.CostImpact, failure.Message)
	}
}

// SuggestedActions produces operator guidance for a human gate request.
func SuggestedActions(task *blackboard.Task, failure *eventbus.TaskFailedPayload) []string {
	actions := []string{
		fmt.Sprintf("approve to retry task %s as-is", task.ID),
		"request a revision to create a remediation task",
	}
	if failure != nil && failure.Classification == eventbus.FailureCritical {
		actions = append(actions, "reject to fail the project and inspect the error log")
	} else {
		actions = append(actions, "reject to fail the project")
	}
	return actions
}

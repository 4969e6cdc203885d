package orchestrator

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"

	"github.com/gafferhq/gaffer/pkg/blackboard"
	"github.com/gafferhq/gaffer/pkg/eventbus"
)

func testPolicy() Policy {
	return Policy{
		MaxRetries:           3,
		InitialRetryDelay:    time.Second,
		RetryBackoffFactor:   2.0,
		DegradeCostThreshold: 50.0,
	}
}

func transientFailure() *eventbus.TaskFailedPayload {
	return &eventbus.TaskFailedPayload{
		TaskID:         "task-1",
		Classification: eventbus.FailureTransient,
		Message:        "connection reset",
	}
}

func TestDecideRetryBackoff(t *testing.T) {
	task := &blackboard.Task{ID: "task-1", Type: "script.write", Tier: blackboard.TierHigh}

	// Backoff doubles per attempt: 1s, 2s, 4s, then the retry budget is spent.
	wantDelays := []time.Duration{time.Second, 2 * time.Second, 4 * time.Second}
	for retryCount, want := range wantDelays {
		task.RetryCount = retryCount
		d := Decide(testPolicy(), task, transientFailure())
		assert.Equal(t, ActionRetry, d.Action, "retry %d", retryCount)
		assert.Equal(t, want, d.RetryDelay, "retry %d", retryCount)
	}

	task.RetryCount = 3
	d := Decide(testPolicy(), task, transientFailure())
	assert.Equal(t, ActionDegrade, d.Action, "retries exhausted falls to tier 2")
}

func TestDecideDegrade(t *testing.T) {
	t.Run("degradable failure skips straight to tier 2", func(t *testing.T) {
		task := &blackboard.Task{ID: "task-1", Type: "shots.synthesize", Tier: blackboard.TierHigh}
		d := Decide(testPolicy(), task, &eventbus.TaskFailedPayload{
			TaskID:         "task-1",
			Classification: eventbus.FailureDegradable,
			Message:        "model refused",
			CostImpact:     10,
		})
		assert.Equal(t, ActionDegrade, d.Action)
	})

	t.Run("cost impact at the threshold escalates to the gate", func(t *testing.T) {
		task := &blackboard.Task{ID: "task-1", Type: "shots.synthesize", Tier: blackboard.TierHigh}
		d := Decide(testPolicy(), task, &eventbus.TaskFailedPayload{
			TaskID:         "task-1",
			Classification: eventbus.FailureDegradable,
			Message:        "model refused",
			CostImpact:     50,
		})
		assert.Equal(t, ActionHumanGate, d.Action)
		assert.NotEmpty(t, d.Reason)
	})

	t.Run("draft tier has no room to degrade", func(t *testing.T) {
		task := &blackboard.Task{ID: "task-1", Type: "shots.synthesize", Tier: blackboard.TierDraft}
		d := Decide(testPolicy(), task, &eventbus.TaskFailedPayload{
			TaskID:         "task-1",
			Classification: eventbus.FailureDegradable,
			Message:        "model refused",
			CostImpact:     10,
		})
		assert.Equal(t, ActionHumanGate, d.Action)
		assert.Contains(t, d.Reason, "minimum quality tier")
	})
}

func TestDecideHumanGate(t *testing.T) {
	t.Run("critical classification bypasses both automatic tiers", func(t *testing.T) {
		task := &blackboard.Task{ID: "task-1", Type: "cut.assemble", Tier: blackboard.TierHigh, RetryCount: 0}
		d := Decide(testPolicy(), task, &eventbus.TaskFailedPayload{
			TaskID:         "task-1",
			Classification: eventbus.FailureCritical,
			Message:        "corrupted source media",
		})
		assert.Equal(t, ActionHumanGate, d.Action)
		assert.Contains(t, d.Reason, "failed critically")
	})

	t.Run("critical severity gates even a transient classification", func(t *testing.T) {
		task := &blackboard.Task{ID: "task-1", Type: "cut.assemble", Tier: blackboard.TierHigh, RetryCount: 3}
		d := Decide(testPolicy(), task, &eventbus.TaskFailedPayload{
			TaskID:         "task-1",
			Classification: eventbus.FailureTransient,
			Severity:       "critical",
			Message:        "disk full",
		})
		assert.Equal(t, ActionHumanGate, d.Action)
	})
}

func TestSuggestedActions(t *testing.T) {
	task := &blackboard.Task{ID: "task-1"}

	actions := SuggestedActions(task, &eventbus.TaskFailedPayload{Classification: eventbus.FailureCritical})
	assert.Len(t, actions, 3)
	assert.Contains(t, actions[0], "task-1")
}

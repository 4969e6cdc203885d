package orchestrator

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/gafferhq/gaffer/internal/budget"
	"github.com/gafferhq/gaffer/internal/config"
	"github.com/gafferhq/gaffer/pkg/blackboard"
	"github.com/gafferhq/gaffer/pkg/eventbus"
)

type testHarness struct {
	engine *Engine
	store  *blackboard.Store
	bus    *eventbus.Bus
	ledger *budget.Ledger
	cfg    *config.GafferConfig
}

func setupTestEngine(t *testing.T) *testHarness {
	mr := miniredis.NewMiniRedis()
	require.NoError(t, mr.Start())
	t.Cleanup(mr.Close)

	opts := &redis.Options{Addr: mr.Addr()}

	store, err := blackboard.NewStore(opts, "test-instance")
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })

	bus, err := eventbus.NewBus(opts, "test-instance")
	require.NoError(t, err)
	t.Cleanup(func() { bus.Close() })

	cfg := &config.GafferConfig{
		Version: "1.0",
		Budget: config.BudgetConfig{
			BaseRatePerSecond: 2.0,
		},
		Agents: map[string]config.Agent{
			"script-writer":       {Role: "script", Fallback: "backup-writer"},
			"backup-writer":       {Role: "script"},
			"storyboard-artist":   {Role: "storyboard"},
			"shot-synthesizer":    {Role: "synthesis"},
			"editor":              {Role: "editing"},
			"consistency-checker": {Role: "qa"},
		},
	}
	require.NoError(t, cfg.Validate())

	ledger := budget.NewLedger(store, bus, cfg)

	engine, err := NewEngine(store, bus, ledger, cfg, nil)
	require.NoError(t, err)

	return &testHarness{engine: engine, store: store, bus: bus, ledger: ledger, cfg: cfg}
}

// startProject creates a budgeted project and runs the PROJECT_CREATED event
// through the engine, returning the creation event.
func (h *testHarness) startProject(t *testing.T, projectID string, duration float64, tier blackboard.QualityTier) *eventbus.Event {
	t.Helper()
	ctx := context.Background()

	allocated, err := h.ledger.Allocate(duration, tier)
	require.NoError(t, err)

	_, err = h.store.CreateProject(ctx, &blackboard.Project{
		ID:         projectID,
		Status:     blackboard.ProjectStatusCreated,
		GlobalSpec: json.RawMessage("{}"),
		Budget:     allocated,
	}, "test")
	require.NoError(t, err)

	event := &eventbus.Event{
		ProjectID: projectID,
		Type:      eventbus.TypeProjectCreated,
		Actor:     "gaffer-cli",
		Payload: eventbus.MustMarshalPayload(&eventbus.ProjectCreatedPayload{
			DurationSeconds: duration,
			QualityTier:     string(tier),
		}),
	}
	_, err = h.bus.Publish(ctx, event)
	require.NoError(t, err)

	require.NoError(t, h.engine.handleEvent(ctx, event))
	return event
}

func (h *testHarness) getProject(t *testing.T, projectID string) *blackboard.Project {
	t.Helper()
	p, err := h.store.GetProject(context.Background(), projectID)
	require.NoError(t, err)
	return p
}

// taskByTemplate finds the live (non-superseded) task instantiated from a template.
func taskByTemplate(p *blackboard.Project, templateID string) *blackboard.Task {
	for _, task := range p.Tasks {
		if task.TemplateID == templateID && task.Status != blackboard.TaskStatusSuperseded {
			return task
		}
	}
	return nil
}

// publishAndHandle publishes an event and runs it through the engine, the way
// the Run loop would deliver it.
func (h *testHarness) publishAndHandle(t *testing.T, event *eventbus.Event) *eventbus.Event {
	t.Helper()
	ctx := context.Background()
	_, err := h.bus.Publish(ctx, event)
	require.NoError(t, err)
	require.NoError(t, h.engine.handleEvent(ctx, event))
	return event
}

func completionEvent(projectID, taskID string, cost float64, causationID string) *eventbus.Event {
	return &eventbus.Event{
		ProjectID:   projectID,
		Type:        eventbus.TypeTaskCompleted,
		Actor:       "script-writer",
		CausationID: causationID,
		Payload: eventbus.MustMarshalPayload(&eventbus.TaskEventPayload{
			TaskID:  taskID,
			Outputs: json.RawMessage(`{"script":"s3://bucket/script.md"}`),
		}),
		Metadata: eventbus.Metadata{Cost: cost},
	}
}

func failureEvent(projectID, taskID string, classification eventbus.FailureClassification, causationID string) *eventbus.Event {
	return &eventbus.Event{
		ProjectID:   projectID,
		Type:        eventbus.TypeTaskFailed,
		Actor:       "script-writer",
		CausationID: causationID,
		Payload: eventbus.MustMarshalPayload(&eventbus.TaskFailedPayload{
			TaskID:         taskID,
			Classification: classification,
			Message:        "agent reported failure",
		}),
	}
}

func TestProjectCreatedInstantiatesPipeline(t *testing.T) {
	h := setupTestEngine(t)
	created := h.startProject(t, "proj-1", 90, blackboard.TierHigh)

	p := h.getProject(t, "proj-1")
	assert.Equal(t, blackboard.ProjectStatusInProgress, p.Status)
	require.Len(t, p.Tasks, 4)

	t.Run("root task dispatches, dependents wait", func(t *testing.T) {
		script := taskByTemplate(p, "write-script")
		require.NotNil(t, script)
		assert.Equal(t, blackboard.TaskStatusDispatched, script.Status)
		assert.NotZero(t, script.DispatchedAtMs)

		storyboard := taskByTemplate(p, "compose-storyboard")
		require.NotNil(t, storyboard)
		assert.Equal(t, blackboard.TaskStatusPending, storyboard.Status)
	})

	t.Run("TASK_CREATED and TASK_DISPATCHED events link back to the cause", func(t *testing.T) {
		events, err := h.bus.Replay(context.Background(), "proj-1", time.Time{}, time.Time{},
			eventbus.TypeTaskCreated, eventbus.TypeTaskDispatched)
		require.NoError(t, err)
		assert.Len(t, events, 5) // 4 created + 1 dispatched
		for _, e := range events {
			assert.Equal(t, created.ID, e.CausationID)
		}
	})

	t.Run("redelivered creation event adds nothing", func(t *testing.T) {
		require.NoError(t, h.engine.handleEvent(context.Background(), created))

		p := h.getProject(t, "proj-1")
		assert.Len(t, p.Tasks, 4)

		events, err := h.bus.Replay(context.Background(), "proj-1", time.Time{}, time.Time{}, eventbus.TypeTaskCreated)
		require.NoError(t, err)
		assert.Len(t, events, 4)
	})
}

func TestTaskCompletionAdvancesPipeline(t *testing.T) {
	h := setupTestEngine(t)
	created := h.startProject(t, "proj-1", 90, blackboard.TierHigh)

	script := taskByTemplate(h.getProject(t, "proj-1"), "write-script")
	completion := h.publishAndHandle(t, completionEvent("proj-1", script.ID, 18.5, created.ID))

	p := h.getProject(t, "proj-1")

	t.Run("task completes and artifacts land in the index", func(t *testing.T) {
		assert.Equal(t, blackboard.TaskStatusCompleted, p.Tasks[script.ID].Status)
		assert.Equal(t, "s3://bucket/script.md", p.ArtifactIndex["script"])
	})

	t.Run("actual cost is debited", func(t *testing.T) {
		assert.Equal(t, 18.5, p.Budget.Spent)
	})

	t.Run("dependent task dispatches", func(t *testing.T) {
		storyboard := taskByTemplate(p, "compose-storyboard")
		assert.Equal(t, blackboard.TaskStatusDispatched, storyboard.Status)
	})

	t.Run("redelivered completion does not debit twice", func(t *testing.T) {
		require.NoError(t, h.engine.handleEvent(context.Background(), completion))
		p := h.getProject(t, "proj-1")
		assert.Equal(t, 18.5, p.Budget.Spent)
	})
}

func TestPipelineFinalizes(t *testing.T) {
	h := setupTestEngine(t)
	created := h.startProject(t, "proj-1", 90, blackboard.TierHigh)

	// Complete tasks as they dispatch until none are left.
	causation := created.ID
	for i := 0; i < 4; i++ {
		p := h.getProject(t, "proj-1")
		var dispatched *blackboard.Task
		for _, task := range p.Tasks {
			if task.Status == blackboard.TaskStatusDispatched {
				dispatched = task
				break
			}
		}
		require.NotNil(t, dispatched, "round %d: expected a dispatched task", i)

		done := h.publishAndHandle(t, completionEvent("proj-1", dispatched.ID, 10, causation))
		causation = done.ID
	}

	p := h.getProject(t, "proj-1")
	assert.Equal(t, blackboard.ProjectStatusFinalized, p.Status)

	events, err := h.bus.Replay(context.Background(), "proj-1", time.Time{}, time.Time{}, eventbus.TypeProjectFinalized)
	require.NoError(t, err)
	assert.Len(t, events, 1)
}

func TestTaskFailureRetries(t *testing.T) {
	h := setupTestEngine(t)
	created := h.startProject(t, "proj-1", 90, blackboard.TierHigh)

	script := taskByTemplate(h.getProject(t, "proj-1"), "write-script")
	failure := h.publishAndHandle(t, failureEvent("proj-1", script.ID, eventbus.FailureTransient, created.ID))

	p := h.getProject(t, "proj-1")
	task := p.Tasks[script.ID]

	t.Run("task re-enters ready with backoff recorded", func(t *testing.T) {
		assert.Equal(t, blackboard.TaskStatusReady, task.Status)
		assert.Equal(t, 1, task.RetryCount)
		assert.Greater(t, task.NotBeforeMs, time.Now().Add(500*time.Millisecond).UnixMilli())
	})

	t.Run("failure is recorded in the error log", func(t *testing.T) {
		require.NotEmpty(t, p.ErrorLog)
		assert.Equal(t, script.ID, p.ErrorLog[len(p.ErrorLog)-1].TaskID)
	})

	t.Run("redelivered failure does not double-count", func(t *testing.T) {
		require.NoError(t, h.engine.handleEvent(context.Background(), failure))
		p := h.getProject(t, "proj-1")
		assert.Equal(t, 1, p.Tasks[script.ID].RetryCount)
	})
}

func TestTaskFailureDegrades(t *testing.T) {
	h := setupTestEngine(t)
	created := h.startProject(t, "proj-1", 90, blackboard.TierHigh)

	script := taskByTemplate(h.getProject(t, "proj-1"), "write-script")
	failure := h.publishAndHandle(t, failureEvent("proj-1", script.ID, eventbus.FailureDegradable, created.ID))

	p := h.getProject(t, "proj-1")

	t.Run("original superseded, replacement at the tier below", func(t *testing.T) {
		assert.Equal(t, blackboard.TaskStatusSuperseded, p.Tasks[script.ID].Status)

		replacement := taskByTemplate(p, "write-script")
		require.NotNil(t, replacement)
		assert.NotEqual(t, script.ID, replacement.ID)
		assert.Equal(t, blackboard.TierStandard, replacement.Tier)
		assert.Equal(t, 0, replacement.RetryCount)
		// Fallback agent from configuration takes over.
		assert.Equal(t, "backup-writer", replacement.AssignedTo)
		// Estimate rescaled by the tier multiplier ratio: 20 x (1.0/1.5).
		assert.InDelta(t, 13.33, replacement.EstimatedCost, 0.01)
		// Replacement has no dependencies, so it dispatches immediately.
		assert.Equal(t, blackboard.TaskStatusDispatched, replacement.Status)
	})

	t.Run("dependents rewire to the replacement", func(t *testing.T) {
		replacement := taskByTemplate(p, "write-script")
		storyboard := taskByTemplate(p, "compose-storyboard")
		require.NotNil(t, storyboard)
		assert.Equal(t, []string{replacement.ID}, storyboard.Dependencies)
	})

	t.Run("redelivered failure creates no second replacement", func(t *testing.T) {
		require.NoError(t, h.engine.handleEvent(context.Background(), failure))
		p := h.getProject(t, "proj-1")
		assert.Len(t, p.Tasks, 5) // 4 original + 1 replacement
	})
}

func TestTaskFailureTriggersHumanGate(t *testing.T) {
	h := setupTestEngine(t)
	created := h.startProject(t, "proj-1", 90, blackboard.TierHigh)

	script := taskByTemplate(h.getProject(t, "proj-1"), "write-script")
	h.publishAndHandle(t, failureEvent("proj-1", script.ID, eventbus.FailureCritical, created.ID))

	p := h.getProject(t, "proj-1")

	assert.Equal(t, blackboard.ProjectStatusPaused, p.Status)
	assert.Equal(t, blackboard.TaskStatusAwaitingHuman, p.Tasks[script.ID].Status)

	require.NotNil(t, p.HumanGate)
	assert.Equal(t, script.ID, p.HumanGate.TaskID)
	assert.Nil(t, p.HumanGate.Resolution)
	assert.NotEmpty(t, p.HumanGate.SuggestedActions)

	events, err := h.bus.Replay(context.Background(), "proj-1", time.Time{}, time.Time{}, eventbus.TypeHumanGateTriggered)
	require.NoError(t, err)
	assert.Len(t, events, 1)
}

func TestGateResolution(t *testing.T) {
	resolution := func(decision string) *eventbus.Event {
		return &eventbus.Event{
			ProjectID: "proj-1",
			Type:      eventbus.TypeHumanGateResolved,
			Actor:     "operator",
			Payload: eventbus.MustMarshalPayload(&eventbus.HumanGateResolvedPayload{
				Decision:   decision,
				ResolvedBy: "operator",
			}),
		}
	}

	gateProject := func(t *testing.T) (*testHarness, *blackboard.Task) {
		h := setupTestEngine(t)
		created := h.startProject(t, "proj-1", 90, blackboard.TierHigh)
		script := taskByTemplate(h.getProject(t, "proj-1"), "write-script")
		h.publishAndHandle(t, failureEvent("proj-1", script.ID, eventbus.FailureCritical, created.ID))
		return h, script
	}

	t.Run("approved resumes at the gated task", func(t *testing.T) {
		h, script := gateProject(t)
		h.publishAndHandle(t, resolution("approved"))

		p := h.getProject(t, "proj-1")
		assert.Equal(t, blackboard.ProjectStatusInProgress, p.Status)
		require.NotNil(t, p.HumanGate.Resolution)
		assert.Equal(t, blackboard.DecisionApproved, p.HumanGate.Resolution.Decision)

		// Fresh retry budget, immediately redispatched.
		task := p.Tasks[script.ID]
		assert.Equal(t, blackboard.TaskStatusDispatched, task.Status)
		assert.Equal(t, 0, task.RetryCount)

		events, err := h.bus.Replay(context.Background(), "proj-1", time.Time{}, time.Time{}, eventbus.TypeProjectResumed)
		require.NoError(t, err)
		assert.Len(t, events, 1)
	})

	t.Run("revision supersedes the gated task", func(t *testing.T) {
		h, script := gateProject(t)
		h.publishAndHandle(t, resolution("revision_requested"))

		p := h.getProject(t, "proj-1")
		assert.Equal(t, blackboard.ProjectStatusInProgress, p.Status)
		assert.Equal(t, blackboard.TaskStatusSuperseded, p.Tasks[script.ID].Status)

		remediation := taskByTemplate(p, "write-script")
		require.NotNil(t, remediation)
		assert.NotEqual(t, script.ID, remediation.ID)
		assert.Equal(t, blackboard.TaskStatusDispatched, remediation.Status)

		storyboard := taskByTemplate(p, "compose-storyboard")
		assert.Equal(t, []string{remediation.ID}, storyboard.Dependencies)
	})

	t.Run("rejected fails the project", func(t *testing.T) {
		h, script := gateProject(t)
		h.publishAndHandle(t, resolution("rejected"))

		p := h.getProject(t, "proj-1")
		assert.Equal(t, blackboard.ProjectStatusFailed, p.Status)
		assert.Equal(t, blackboard.TaskStatusFailed, p.Tasks[script.ID].Status)

		events, err := h.bus.Replay(context.Background(), "proj-1", time.Time{}, time.Time{}, eventbus.TypeProjectFailed)
		require.NoError(t, err)
		assert.Len(t, events, 1)
	})

	t.Run("second resolution is ignored", func(t *testing.T) {
		h, _ := gateProject(t)
		h.publishAndHandle(t, resolution("approved"))
		h.publishAndHandle(t, resolution("rejected"))

		p := h.getProject(t, "proj-1")
		assert.Equal(t, blackboard.ProjectStatusInProgress, p.Status)
		assert.Equal(t, blackboard.DecisionApproved, p.HumanGate.Resolution.Decision)
	})
}

func TestBudgetExceededDowngrades(t *testing.T) {
	h := setupTestEngine(t)
	h.startProject(t, "proj-1", 90, blackboard.TierHigh)

	exceeded := func(tier string) *eventbus.Event {
		return &eventbus.Event{
			ProjectID: "proj-1",
			Type:      eventbus.TypeBudgetExceeded,
			Actor:     "budget-ledger",
			Payload: eventbus.MustMarshalPayload(&eventbus.BudgetPayload{
				Spent: 280, Total: 270, Ratio: 1.03, Tier: tier,
			}),
		}
	}

	t.Run("matching tier downgrades once", func(t *testing.T) {
		h.publishAndHandle(t, exceeded("high"))

		p := h.getProject(t, "proj-1")
		assert.Equal(t, blackboard.TierStandard, p.Budget.Tier)
	})

	t.Run("stale tier is a no-op", func(t *testing.T) {
		// Redelivery carries the old tier; the project has moved on.
		h.publishAndHandle(t, exceeded("high"))

		p := h.getProject(t, "proj-1")
		assert.Equal(t, blackboard.TierStandard, p.Budget.Tier)
	})
}

func TestBudgetExhaustedAtMinimumGates(t *testing.T) {
	h := setupTestEngine(t)
	h.startProject(t, "proj-1", 90, blackboard.TierDraft)

	h.publishAndHandle(t, &eventbus.Event{
		ProjectID: "proj-1",
		Type:      eventbus.TypeBudgetExceeded,
		Actor:     "budget-ledger",
		Payload: eventbus.MustMarshalPayload(&eventbus.BudgetPayload{
			Spent: 120, Total: 108, Ratio: 1.11, Tier: "draft",
		}),
	})

	p := h.getProject(t, "proj-1")
	assert.Equal(t, blackboard.ProjectStatusPaused, p.Status)
	require.NotNil(t, p.HumanGate)
	assert.Contains(t, p.HumanGate.Reason, "minimum")
}

func TestDispatchHonorsBudget(t *testing.T) {
	h := setupTestEngine(t)

	// Tiny budget: only the first (cheapest-priority) task fits.
	// 15s x 2.0 x 1.0 = 30 total; write-script estimates 20,
	// compose-storyboard 30 would overcommit.
	h.startProject(t, "proj-tight", 15, blackboard.TierStandard)

	p := h.getProject(t, "proj-tight")
	script := taskByTemplate(p, "write-script")
	assert.Equal(t, blackboard.TaskStatusDispatched, script.Status)

	// Completing it at its estimate leaves 10: storyboard stays ready.
	created, err := h.bus.Replay(context.Background(), "proj-tight", time.Time{}, time.Time{}, eventbus.TypeProjectCreated)
	require.NoError(t, err)
	require.Len(t, created, 1)

	h.publishAndHandle(t, completionEvent("proj-tight", script.ID, 20, created[0].ID))

	p = h.getProject(t, "proj-tight")
	storyboard := taskByTemplate(p, "compose-storyboard")
	assert.Equal(t, blackboard.TaskStatusReady, storyboard.Status)

	events, err := h.bus.Replay(context.Background(), "proj-tight", time.Time{}, time.Time{}, eventbus.TypeBudgetExceeded)
	require.NoError(t, err)
	assert.NotEmpty(t, events, "withheld dispatch surfaces BUDGET_EXCEEDED")
}

func TestSweepFailsStaleDispatches(t *testing.T) {
	h := setupTestEngine(t)
	h.startProject(t, "proj-1", 90, blackboard.TierHigh)

	// Backdate the dispatch past the TTL.
	script := taskByTemplate(h.getProject(t, "proj-1"), "write-script")
	_, err := h.store.UpdateProjectWithRetry(context.Background(), "proj-1", "test", "tasks", func(p *blackboard.Project) error {
		p.Tasks[script.ID].DispatchedAtMs = time.Now().Add(-time.Hour).UnixMilli()
		return nil
	}, 0)
	require.NoError(t, err)

	require.NoError(t, h.engine.sweep(context.Background()))

	events, err := h.bus.Replay(context.Background(), "proj-1", time.Time{}, time.Time{}, eventbus.TypeTaskFailed)
	require.NoError(t, err)
	require.Len(t, events, 1)

	var payload eventbus.TaskFailedPayload
	require.NoError(t, json.Unmarshal(events[0].Payload, &payload))
	assert.Equal(t, script.ID, payload.TaskID)
	assert.Equal(t, eventbus.FailureTransient, payload.Classification)
}

func TestSweepRejectsTimedOutGate(t *testing.T) {
	h := setupTestEngine(t)
	created := h.startProject(t, "proj-1", 90, blackboard.TierHigh)

	script := taskByTemplate(h.getProject(t, "proj-1"), "write-script")
	h.publishAndHandle(t, failureEvent("proj-1", script.ID, eventbus.FailureCritical, created.ID))

	// Backdate the gate past its deadline.
	_, err := h.store.UpdateProjectWithRetry(context.Background(), "proj-1", "test", "human_gate", func(p *blackboard.Project) error {
		p.HumanGate.RequestedAtMs = time.Now().Add(-2 * time.Hour).UnixMilli()
		return nil
	}, 0)
	require.NoError(t, err)

	require.NoError(t, h.engine.sweep(context.Background()))

	// The sweep publishes the rejection; delivery applies it.
	events, err := h.bus.Replay(context.Background(), "proj-1", time.Time{}, time.Time{}, eventbus.TypeHumanGateResolved)
	require.NoError(t, err)
	require.Len(t, events, 1)
	require.NoError(t, h.engine.handleEvent(context.Background(), events[0]))

	p := h.getProject(t, "proj-1")
	assert.Equal(t, blackboard.ProjectStatusFailed, p.Status)
	require.NotNil(t, p.HumanGate.Resolution)
	assert.Equal(t, blackboard.DecisionRejected, p.HumanGate.Resolution.Decision)
}

func TestShotUpdatedTriggersConsistencyCheck(t *testing.T) {
	h := setupTestEngine(t)
	h.startProject(t, "proj-1", 90, blackboard.TierHigh)

	h.publishAndHandle(t, &eventbus.Event{
		ProjectID: "proj-1",
		Type:      eventbus.TypeShotUpdated,
		Actor:     "shot-synthesizer",
		Payload:   eventbus.MustMarshalPayload(&eventbus.ShotUpdatedPayload{ShotID: "shot-1"}),
	})

	p := h.getProject(t, "proj-1")
	check := taskByTemplate(p, "check-consistency")
	require.NotNil(t, check)
	assert.Equal(t, "consistency-checker", check.AssignedTo)
}

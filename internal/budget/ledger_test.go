package budget

import (
	"context"
	"encoding/json"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/gafferhq/gaffer/internal/config"
	"github.com/gafferhq/gaffer/pkg/blackboard"
	"github.com/gafferhq/gaffer/pkg/eventbus"
)

func setupTestLedger(t *testing.T) (*Ledger, *blackboard.Store, *eventbus.Bus) {
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
			"script-writer": {Role: "script"},
		},
	}
	require.NoError(t, cfg.Validate())

	return NewLedger(store, bus, cfg), store, bus
}

func createBudgetedProject(t *testing.T, ledger *Ledger, store *blackboard.Store, id string, duration float64, tier blackboard.QualityTier) blackboard.Budget {
	t.Helper()
	ctx := context.Background()

	allocated, err := ledger.Allocate(duration, tier)
	require.NoError(t, err)

	_, err = store.CreateProject(ctx, &blackboard.Project{
		ID:         id,
		Status:     blackboard.ProjectStatusInProgress,
		GlobalSpec: json.RawMessage("{}"),
		Budget:     allocated,
	}, "test")
	require.NoError(t, err)

	return allocated
}

// replayTypes collects the types of every event recorded for a project.
func replayTypes(t *testing.T, bus *eventbus.Bus, projectID string) []eventbus.EventType {
	t.Helper()
	events, err := bus.Replay(context.Background(), projectID, time.Time{}, time.Time{})
	require.NoError(t, err)

	types := make([]eventbus.EventType, 0, len(events))
	for _, e := range events {
		types = append(types, e.Type)
	}
	return types
}

func TestAllocate(t *testing.T) {
	ledger, _, _ := setupTestLedger(t)

	t.Run("duration x rate x multiplier", func(t *testing.T) {
		// 90s x 2.0/s x 1.5 (high) = 270
		b, err := ledger.Allocate(90, blackboard.TierHigh)
		require.NoError(t, err)
		assert.Equal(t, 270.0, b.Total)
		assert.Equal(t, 0.0, b.Spent)
		assert.Equal(t, blackboard.TierHigh, b.Tier)
		assert.Equal(t, 0.8, b.WarningThreshold)
		assert.Equal(t, 1.0, b.ExceededThreshold)
	})

	t.Run("rejects non-positive duration", func(t *testing.T) {
		_, err := ledger.Allocate(0, blackboard.TierStandard)
		assert.Error(t, err)
	})

	t.Run("rejects unknown tier", func(t *testing.T) {
		_, err := ledger.Allocate(90, "cinematic")
		assert.Error(t, err)
	})
}

func TestCanAfford(t *testing.T) {
	b := &blackboard.Budget{Total: 100, Spent: 80}

	assert.True(t, CanAfford(b, 20))
	assert.False(t, CanAfford(b, 20.01))
}

func TestDebit(t *testing.T) {
	ctx := context.Background()

	t.Run("increments spent and emits BUDGET_DEBITED", func(t *testing.T) {
		ledger, store, bus := setupTestLedger(t)
		createBudgetedProject(t, ledger, store, "proj-1", 90, blackboard.TierHigh)

		b, err := ledger.Debit(ctx, "proj-1", 100, "test", "")
		require.NoError(t, err)
		assert.Equal(t, 100.0, b.Spent)

		types := replayTypes(t, bus, "proj-1")
		assert.Equal(t, []eventbus.EventType{eventbus.TypeBudgetDebited}, types)
	})

	t.Run("below warning threshold emits no warning", func(t *testing.T) {
		ledger, store, bus := setupTestLedger(t)
		createBudgetedProject(t, ledger, store, "proj-quiet", 90, blackboard.TierHigh)

		// 200/270 = 0.74, under the 0.8 warning band.
		_, err := ledger.Debit(ctx, "proj-quiet", 100, "test", "")
		require.NoError(t, err)
		_, err = ledger.Debit(ctx, "proj-quiet", 100, "test", "")
		require.NoError(t, err)

		types := replayTypes(t, bus, "proj-quiet")
		assert.NotContains(t, types, eventbus.TypeCostOverrunWarning)
		assert.NotContains(t, types, eventbus.TypeBudgetExceeded)
	})

	t.Run("warning band emits COST_OVERRUN_WARNING once", func(t *testing.T) {
		ledger, store, bus := setupTestLedger(t)
		createBudgetedProject(t, ledger, store, "proj-warn", 90, blackboard.TierHigh)

		// 230/270 = 0.85: inside [0.8, 1.0).
		_, err := ledger.Debit(ctx, "proj-warn", 230, "test", "")
		require.NoError(t, err)

		// Still inside the band: latched, no second warning.
		_, err = ledger.Debit(ctx, "proj-warn", 10, "test", "")
		require.NoError(t, err)

		warnings := 0
		for _, typ := range replayTypes(t, bus, "proj-warn") {
			if typ == eventbus.TypeCostOverrunWarning {
				warnings++
			}
		}
		assert.Equal(t, 1, warnings)
	})

	t.Run("crossing the exceeded threshold emits BUDGET_EXCEEDED", func(t *testing.T) {
		ledger, store, bus := setupTestLedger(t)
		createBudgetedProject(t, ledger, store, "proj-over", 90, blackboard.TierHigh)

		b, err := ledger.Debit(ctx, "proj-over", 300, "test", "")
		require.NoError(t, err)
		assert.Greater(t, b.Ratio(), 1.0)

		types := replayTypes(t, bus, "proj-over")
		assert.Contains(t, types, eventbus.TypeBudgetExceeded)
	})

	t.Run("rejects non-positive amounts", func(t *testing.T) {
		ledger, store, _ := setupTestLedger(t)
		createBudgetedProject(t, ledger, store, "proj-neg", 90, blackboard.TierHigh)

		_, err := ledger.Debit(ctx, "proj-neg", 0, "test", "")
		assert.Error(t, err)
		_, err = ledger.Debit(ctx, "proj-neg", -10, "test", "")
		assert.Error(t, err)
	})

	t.Run("releases the budget lock", func(t *testing.T) {
		ledger, store, _ := setupTestLedger(t)
		createBudgetedProject(t, ledger, store, "proj-lock", 90, blackboard.TierHigh)

		_, err := ledger.Debit(ctx, "proj-lock", 10, "test", "")
		require.NoError(t, err)

		_, err = store.GetLock(ctx, blackboard.BudgetLockKey("proj-lock"))
		assert.True(t, blackboard.IsNotFound(err))
	})
}

func TestRefund(t *testing.T) {
	ctx := context.Background()
	ledger, store, _ := setupTestLedger(t)
	createBudgetedProject(t, ledger, store, "proj-refund", 90, blackboard.TierHigh)

	_, err := ledger.Debit(ctx, "proj-refund", 50, "test", "")
	require.NoError(t, err)

	t.Run("decrements spent", func(t *testing.T) {
		b, err := ledger.Refund(ctx, "proj-refund", 20, "test", "")
		require.NoError(t, err)
		assert.Equal(t, 30.0, b.Spent)
	})

	t.Run("clamps at zero", func(t *testing.T) {
		b, err := ledger.Refund(ctx, "proj-refund", 1000, "test", "")
		require.NoError(t, err)
		assert.Equal(t, 0.0, b.Spent)
	})
}

func TestDowngrade(t *testing.T) {
	ctx := context.Background()

	t.Run("steps the tier down and rescales the remaining allowance", func(t *testing.T) {
		ledger, store, bus := setupTestLedger(t)
		createBudgetedProject(t, ledger, store, "proj-down", 90, blackboard.TierHigh)

		_, err := ledger.Debit(ctx, "proj-down", 120, "test", "")
		require.NoError(t, err)

		newTier, err := ledger.Downgrade(ctx, "proj-down", "test", "")
		require.NoError(t, err)
		assert.Equal(t, blackboard.TierStandard, newTier)

		b, _, err := store.GetBudget(ctx, "proj-down")
		require.NoError(t, err)
		// Remaining 150 rescaled by 1.0/1.5: total = 120 + 100 = 220.
		assert.InDelta(t, 220.0, b.Total, 0.001)
		assert.Equal(t, 120.0, b.Spent)
		assert.Equal(t, blackboard.TierStandard, b.Tier)
		assert.False(t, b.WarningEmitted)

		types := replayTypes(t, bus, "proj-down")
		assert.Contains(t, types, eventbus.TypeBudgetDowngraded)
	})

	t.Run("fails at the minimum tier", func(t *testing.T) {
		ledger, store, _ := setupTestLedger(t)
		createBudgetedProject(t, ledger, store, "proj-floor", 90, blackboard.TierDraft)

		_, err := ledger.Downgrade(ctx, "proj-floor", "test", "")
		assert.ErrorIs(t, err, ErrAlreadyAtMinimum)
	})
}

func TestConcurrentDebits(t *testing.T) {
	ledger, store, _ := setupTestLedger(t)
	ctx := context.Background()

	// 90s x 2.0/s x 1.5 (high) = 270 total; the debits stay well under it.
	createBudgetedProject(t, ledger, store, "proj-race", 90, blackboard.TierHigh)

	batches := [][]float64{{1, 2}, {3, 4}, {5, 6}, {7, 8}}

	var wg sync.WaitGroup
	errs := make(chan error, 8)
	for _, batch := range batches {
		wg.Add(1)
		go func(batch []float64) {
			defer wg.Done()
			for _, amount := range batch {
				if _, err := ledger.Debit(ctx, "proj-race", amount, "test", ""); err != nil {
					errs <- err
				}
			}
		}(batch)
	}
	wg.Wait()
	close(errs)
	for err := range errs {
		t.Errorf("concurrent debit failed: %v", err)
	}

	b, _, err := store.GetBudget(ctx, "proj-race")
	require.NoError(t, err)

	// Spent is the exact sum of the debits regardless of interleaving.
	assert.InDelta(t, 36.0, b.Spent, 0.001)
}

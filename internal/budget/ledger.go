// Package budget implements the budget ledger: allocation, debits with
// threshold evaluation, and quality-tier downgrades. The arithmetic is pure;
// persistence goes through the blackboard store and threshold crossings are
// surfaced as events, never silently ignored.
package budget

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/gafferhq/gaffer/internal/config"
	"github.com/gafferhq/gaffer/pkg/blackboard"
	"github.com/gafferhq/gaffer/pkg/eventbus"
)

// ErrAlreadyAtMinimum is returned by Downgrade when the project is already
// at the draft tier.
var ErrAlreadyAtMinimum = errors.New("quality tier already at minimum")

// lockAttempts and lockRetryDelay bound the short backoff-and-retry used when
// the budget lock is briefly held by another writer.
const (
	lockAttempts   = 5
	lockRetryDelay = 100 * time.Millisecond
)

// Ledger coordinates budget arithmetic for projects. Debits run under the
// project's budget lock so two simultaneous debits can never both read the
// same spent figure and lose an update.
type Ledger struct {
	store *blackboard.Store
	bus   *eventbus.Bus
	cfg   *config.GafferConfig
}

// NewLedger creates a budget ledger.
func NewLedger(store *blackboard.Store, bus *eventbus.Bus, cfg *config.GafferConfig) *Ledger {
	return &Ledger{store: store, bus: bus, cfg: cfg}
}

// Allocate computes a fresh budget for a project:
// total = duration x base_rate_per_second x tier_multiplier.
func (l *Ledger) Allocate(durationSeconds float64, tier blackboard.QualityTier) (blackboard.Budget, error) {
	if durationSeconds <= 0 {
		return blackboard.Budget{}, fmt.Errorf("duration must be positive, got %v", durationSeconds)
	}
	if err := tier.Validate(); err != nil {
		return blackboard.Budget{}, err
	}

	mult, err := l.cfg.TierMultiplier(string(tier))
	if err != nil {
		return blackboard.Budget{}, err
	}

	return blackboard.Budget{
		Total:             durationSeconds * l.cfg.Budget.BaseRatePerSecond * mult,
		Spent:             0,
		Tier:              tier,
		WarningThreshold:  l.cfg.Budget.WarningThreshold,
		ExceededThreshold: l.cfg.Budget.ExceededThreshold,
	}, nil
}

// CanAfford reports whether an estimated cost fits the remaining allowance.
func CanAfford(b *blackboard.Budget, estimatedCost float64) bool {
	return b.Spent+estimatedCost <= b.Total
}

// Debit increments spent by amount under the project's budget lock, then
// evaluates the usage ratio: at or past the exceeded threshold a
// BUDGET_EXCEEDED event is published; inside the warning band a
// COST_OVERRUN_WARNING is published once per project. Returns the updated
// budget.
//
// causationID links the emitted events to the event whose work incurred the
// cost; it may be empty.
func (l *Ledger) Debit(ctx context.Context, projectID string, amount float64, actor, causationID string) (*blackboard.Budget, error) {
	if amount <= 0 {
		return nil, fmt.Errorf("debit amount must be positive, got %v", amount)
	}

	release, err := l.acquireBudgetLock(ctx, projectID, actor)
	if err != nil {
		return nil, err
	}
	defer release()

	var warningCrossed bool
	updated, err := l.store.UpdateProjectWithRetry(ctx, projectID, actor, "budget", func(p *blackboard.Project) error {
		p.Budget.Spent += amount

		if !p.Budget.WarningEmitted &&
			p.Budget.Ratio() >= p.Budget.WarningThreshold &&
			p.Budget.Ratio() < p.Budget.ExceededThreshold {
			p.Budget.WarningEmitted = true
			warningCrossed = true
		}
		return nil
	}, 0)
	if err != nil {
		return nil, fmt.Errorf("failed to commit debit: %w", err)
	}

	budget := updated.Budget

	payload := eventbus.MustMarshalPayload(&eventbus.BudgetPayload{
		Amount: amount,
		Spent:  budget.Spent,
		Total:  budget.Total,
		Ratio:  budget.Ratio(),
		Tier:   string(budget.Tier),
	})

	if _, err := l.bus.Publish(ctx, &eventbus.Event{
		ProjectID:   projectID,
		Type:        eventbus.TypeBudgetDebited,
		Actor:       actor,
		CausationID: causationID,
		Payload:     payload,
		Metadata:    eventbus.Metadata{Cost: amount},
	}); err != nil {
		return nil, fmt.Errorf("failed to publish debit event: %w", err)
	}

	switch {
	case budget.Ratio() >= budget.ExceededThreshold:
		if _, err := l.bus.Publish(ctx, &eventbus.Event{
			ProjectID:   projectID,
			Type:        eventbus.TypeBudgetExceeded,
			Actor:       actor,
			CausationID: causationID,
			Payload:     payload,
		}); err != nil {
			return nil, fmt.Errorf("failed to publish budget exceeded event: %w", err)
		}

	case warningCrossed:
		if _, err := l.bus.Publish(ctx, &eventbus.Event{
			ProjectID:   projectID,
			Type:        eventbus.TypeCostOverrunWarning,
			Actor:       actor,
			CausationID: causationID,
			Payload:     payload,
		}); err != nil {
			return nil, fmt.Errorf("failed to publish cost overrun warning: %w", err)
		}
	}

	return &budget, nil
}

// Refund decreases spent: the only path by which spent may go down.
func (l *Ledger) Refund(ctx context.Context, projectID string, amount float64, actor, causationID string) (*blackboard.Budget, error) {
	if amount <= 0 {
		return nil, fmt.Errorf("refund amount must be positive, got %v", amount)
	}

	release, err := l.acquireBudgetLock(ctx, projectID, actor)
	if err != nil {
		return nil, err
	}
	defer release()

	updated, err := l.store.UpdateProjectWithRetry(ctx, projectID, actor, "budget", func(p *blackboard.Project) error {
		p.Budget.Spent -= amount
		if p.Budget.Spent < 0 {
			p.Budget.Spent = 0
		}
		return nil
	}, 0)
	if err != nil {
		return nil, fmt.Errorf("failed to commit refund: %w", err)
	}

	budget := updated.Budget
	return &budget, nil
}

// Downgrade steps the project's quality tier down one level
// (premium -> high -> standard -> draft) and rescales the remaining allowance
// by the multiplier ratio, so the unspent portion buys the same duration at
// the cheaper tier. Fails with ErrAlreadyAtMinimum at draft.
func (l *Ledger) Downgrade(ctx context.Context, projectID, actor, causationID string) (blackboard.QualityTier, error) {
	release, err := l.acquireBudgetLock(ctx, projectID, actor)
	if err != nil {
		return "", err
	}
	defer release()

	var newTier blackboard.QualityTier
	updated, err := l.store.UpdateProjectWithRetry(ctx, projectID, actor, "budget", func(p *blackboard.Project) error {
		below, ok := blackboard.TierBelow(p.Budget.Tier)
		if !ok {
			return ErrAlreadyAtMinimum
		}

		oldMult, err := l.cfg.TierMultiplier(string(p.Budget.Tier))
		if err != nil {
			return err
		}
		newMult, err := l.cfg.TierMultiplier(string(below))
		if err != nil {
			return err
		}

		remaining := p.Budget.Remaining()
		if remaining > 0 {
			p.Budget.Total = p.Budget.Spent + remaining*(newMult/oldMult)
		}
		p.Budget.Tier = below
		p.Budget.WarningEmitted = false
		newTier = below
		return nil
	}, 0)
	if err != nil {
		if errors.Is(err, ErrAlreadyAtMinimum) {
			return "", ErrAlreadyAtMinimum
		}
		return "", fmt.Errorf("failed to commit downgrade: %w", err)
	}

	budget := updated.Budget
	if _, err := l.bus.Publish(ctx, &eventbus.Event{
		ProjectID:   projectID,
		Type:        eventbus.TypeBudgetDowngraded,
		Actor:       actor,
		CausationID: causationID,
		Payload: eventbus.MustMarshalPayload(&eventbus.BudgetPayload{
			Spent: budget.Spent,
			Total: budget.Total,
			Ratio: budget.Ratio(),
			Tier:  string(budget.Tier),
		}),
	}); err != nil {
		return "", fmt.Errorf("failed to publish downgrade event: %w", err)
	}

	return newTier, nil
}

// acquireBudgetLock takes the project's budget lock with a short
// backoff-and-retry, returning a release func. Lock contention here is an
// infrastructure race: it is recovered locally and never escalates.
func (l *Ledger) acquireBudgetLock(ctx context.Context, projectID, holder string) (func(), error) {
	lockKey := blackboard.BudgetLockKey(projectID)
	ttl := l.cfg.Locks.BudgetTTL.Std()

	var lastErr error
	for attempt := 0; attempt < lockAttempts; attempt++ {
		_, err := l.store.AcquireLock(ctx, lockKey, holder, blackboard.LockTypeBudget, ttl)
		if err == nil {
			return func() {
				// Release failures leave the lock to its TTL and the sweep.
				_ = l.store.ReleaseLock(context.WithoutCancel(ctx), lockKey, holder)
			}, nil
		}
		if !errors.Is(err, blackboard.ErrLockHeld) {
			return nil, err
		}
		lastErr = err

		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(lockRetryDelay):
		}
	}

	return nil, fmt.Errorf("budget lock busy after %d attempts: %w", lockAttempts, lastErr)
}

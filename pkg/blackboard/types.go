package blackboard

import (
	"encoding/json"
	"fmt"
	"time"
)

// Project is the aggregate root for one pipeline run. It is owned exclusively
// by the blackboard store and mutated only through version-checked writes.
type Project struct {
	ID            string            `json:"project_id"`     // Caller-chosen identifier for this pipeline run
	Version       int64             `json:"version"`        // Strictly increases by 1 on every successful write
	Status        ProjectStatus     `json:"status"`         // Current lifecycle state
	GlobalSpec    json.RawMessage   `json:"global_spec"`    // Immutable-after-creation configuration blob
	Budget        Budget            `json:"budget"`         // Project budget figures
	Shots         map[string]*Shot  `json:"shots"`          // shot_id -> shot state
	Tasks         map[string]*Task  `json:"tasks"`          // task_id -> task (persisted for durability and observability)
	ArtifactIndex map[string]string `json:"artifact_index"` // artifact name -> storage reference
	ErrorLog      []ErrorEntry      `json:"error_log"`      // Append-only
	HumanGate     *HumanGateRequest `json:"human_gate,omitempty"`
	CreatedAtMs   int64             `json:"created_at_ms"`
	UpdatedAtMs   int64             `json:"updated_at_ms"`
}

// ProjectStatus defines the lifecycle state of a project.
type ProjectStatus string

const (
	ProjectStatusCreated    ProjectStatus = "created"
	ProjectStatusInProgress ProjectStatus = "in_progress"
	ProjectStatusPaused     ProjectStatus = "paused"
	ProjectStatusFinalized  ProjectStatus = "finalized"
	ProjectStatusFailed     ProjectStatus = "failed"
)

// Shot is the per-shot slice of project state that generation agents write.
// Shots are disjoint sub-resources: agents working different shots update the
// same Project without blocking each other.
type Shot struct {
	ID          string          `json:"id"`
	Status      string          `json:"status,omitempty"`
	Data        json.RawMessage `json:"data"`
	UpdatedBy   string          `json:"updated_by,omitempty"`
	UpdatedAtMs int64           `json:"updated_at_ms,omitempty"`
}

// Task is a schedulable unit of work derived from an event and dispatched to
// an external agent. Tasks are created by the orchestrator and persisted into
// the Project's tasks map.
type Task struct {
	ID               string          `json:"task_id"`
	Type             string          `json:"type"`
	AssignedTo       string          `json:"assigned_to"`  // Logical agent name
	InputData        json.RawMessage `json:"input_data"`
	Dependencies     []string        `json:"dependencies"` // Task IDs that must reach completed first
	Priority         int             `json:"priority"`     // Lower dispatches first
	Status           TaskStatus      `json:"status"`
	RetryCount       int             `json:"retry_count"`
	EstimatedCost    float64         `json:"estimated_cost"`
	CausationEventID string          `json:"causation_event_id"`
	TemplateID       string          `json:"template_id,omitempty"` // Template that instantiated this task
	Tier             QualityTier     `json:"tier,omitempty"`        // Quality tier this task runs at
	NotBeforeMs      int64           `json:"not_before_ms,omitempty"` // Earliest dispatch time (retry backoff)
	DispatchedAtMs   int64           `json:"dispatched_at_ms,omitempty"`
	CreatedAtMs      int64           `json:"created_at_ms"`
}

// TaskStatus defines the task state machine:
// pending -> ready -> dispatched -> completed | failed.
// From failed, the escalation policy decides between ready (retry), a
// replacement task at a degraded tier, or awaiting_human_decision.
type TaskStatus string

const (
	TaskStatusPending        TaskStatus = "pending"
	TaskStatusReady          TaskStatus = "ready"
	TaskStatusDispatched     TaskStatus = "dispatched"
	TaskStatusCompleted      TaskStatus = "completed"
	TaskStatusFailed         TaskStatus = "failed"
	TaskStatusAwaitingHuman  TaskStatus = "awaiting_human_decision"
	TaskStatusSuperseded     TaskStatus = "superseded" // Replaced by a degraded-tier task
)

// Budget holds the project budget figures. Spent is non-negative and
// non-decreasing except on explicit refund.
type Budget struct {
	Total             float64     `json:"total"`
	Spent             float64     `json:"spent"`
	Tier              QualityTier `json:"quality_tier"`
	WarningThreshold  float64     `json:"warning_threshold"`  // Usage ratio that triggers COST_OVERRUN_WARNING
	ExceededThreshold float64     `json:"exceeded_threshold"` // Usage ratio that triggers BUDGET_EXCEEDED
	WarningEmitted    bool        `json:"warning_emitted,omitempty"`
}

// Ratio returns spent/total, or 0 when total is 0.
func (b *Budget) Ratio() float64 {
	if b.Total == 0 {
		return 0
	}
	return b.Spent / b.Total
}

// Remaining returns the unspent allowance (may be negative once exceeded).
func (b *Budget) Remaining() float64 {
	return b.Total - b.Spent
}

// QualityTier is a discrete cost/quality level multiplying budget allocation.
type QualityTier string

const (
	TierDraft    QualityTier = "draft"
	TierStandard QualityTier = "standard"
	TierHigh     QualityTier = "high"
	TierPremium  QualityTier = "premium"
)

// TierBelow returns the next tier down, or ("", false) when already at draft.
func TierBelow(t QualityTier) (QualityTier, bool) {
	switch t {
	case TierPremium:
		return TierHigh, true
	case TierHigh:
		return TierStandard, true
	case TierStandard:
		return TierDraft, true
	default:
		return "", false
	}
}

// Lock represents a time-bounded exclusive claim on a sub-resource key.
// Locks are stored in their own Redis keys (the lock keyspace is the Project's
// logical locks map) so Redis TTLs bound them natively.
type Lock struct {
	Key         string   `json:"lock_key"`
	Holder      string   `json:"holder"`
	Type        LockType `json:"lock_type"`
	AcquiredAtMs int64   `json:"acquired_at_ms"`
	ExpiresAtMs  int64   `json:"expires_at_ms"`
}

// Expired reports whether the lock's recorded expiry has passed.
func (l *Lock) Expired(now time.Time) bool {
	return now.UnixMilli() >= l.ExpiresAtMs
}

// LockType categorizes what a lock protects.
type LockType string

const (
	LockTypeBudget LockType = "budget"
	LockTypeShot   LockType = "shot"
	LockTypeTask   LockType = "task"
)

// HumanGateRequest suspends orchestration for a project until an external
// approve/revise/reject decision arrives, or the gate times out.
type HumanGateRequest struct {
	TaskID           string   `json:"task_id"`           // Task whose failure triggered the gate
	Reason           string   `json:"reason"`            // Human-readable explanation
	SuggestedActions []string `json:"suggested_actions"`
	Priority         int      `json:"priority"`
	RequestedAtMs    int64    `json:"requested_at_ms"`
	TimeoutMs        int64    `json:"timeout_ms"` // Gate deadline relative to requested_at_ms

	Resolution *HumanGateResolution `json:"resolution,omitempty"`
}

// DeadlineMs returns the absolute time after which the gate is treated as rejected.
func (g *HumanGateRequest) DeadlineMs() int64 {
	return g.RequestedAtMs + g.TimeoutMs
}

// HumanGateResolution records the external decision on a human gate.
type HumanGateResolution struct {
	Decision     HumanGateDecision `json:"decision"`
	Note         string            `json:"note,omitempty"`
	ResolvedBy   string            `json:"resolved_by"`
	ResolvedAtMs int64             `json:"resolved_at_ms"`
}

// HumanGateDecision is the closed set of human gate outcomes.
type HumanGateDecision string

const (
	// DecisionApproved resumes orchestration at the failing task.
	DecisionApproved HumanGateDecision = "approved"

	// DecisionRevisionRequested creates a remediation task.
	DecisionRevisionRequested HumanGateDecision = "revision_requested"

	// DecisionRejected moves the project to failed.
	DecisionRejected HumanGateDecision = "rejected"
)

// ErrorEntry is one record in a project's append-only error log.
type ErrorEntry struct {
	TimestampMs int64  `json:"timestamp_ms"`
	Actor       string `json:"actor"`
	TaskID      string `json:"task_id,omitempty"`
	Severity    string `json:"severity,omitempty"`
	Message     string `json:"message"`
}

// ChangeEntry is one record in a project's append-only change log: the
// before/after delta of a single successful version-checked write.
type ChangeEntry struct {
	Version     int64           `json:"version"` // Version produced by the write
	Actor       string          `json:"actor"`
	Path        string          `json:"path"` // Sub-resource the write touched, e.g. "tasks", "budget"
	Before      json.RawMessage `json:"before"`
	After       json.RawMessage `json:"after"`
	TimestampMs int64           `json:"timestamp_ms"`
}

// Validate checks if the Project has valid field values.
func (p *Project) Validate() error {
	if p.ID == "" {
		return fmt.Errorf("project ID cannot be empty")
	}

	if p.Version < 1 {
		return fmt.Errorf("invalid version: must be >= 1, got %d", p.Version)
	}

	if err := p.Status.Validate(); err != nil {
		return fmt.Errorf("invalid status: %w", err)
	}

	if err := p.Budget.Validate(); err != nil {
		return fmt.Errorf("invalid budget: %w", err)
	}

	// Every task's dependencies must reference tasks in the same project.
	for taskID, task := range p.Tasks {
		if err := task.Validate(); err != nil {
			return fmt.Errorf("invalid task %s: %w", taskID, err)
		}
		for _, dep := range task.Dependencies {
			if _, ok := p.Tasks[dep]; !ok {
				return fmt.Errorf("task %s depends on unknown task %s", taskID, dep)
			}
		}
	}

	return nil
}

// Validate checks if the ProjectStatus is a valid enum value.
func (ps ProjectStatus) Validate() error {
	switch ps {
	case ProjectStatusCreated, ProjectStatusInProgress, ProjectStatusPaused,
		ProjectStatusFinalized, ProjectStatusFailed:
		return nil
	default:
		return fmt.Errorf("unknown project status: %q", ps)
	}
}

// Validate checks if the Task has valid field values.
func (t *Task) Validate() error {
	if t.ID == "" {
		return fmt.Errorf("task ID cannot be empty")
	}

	if t.Type == "" {
		return fmt.Errorf("task type cannot be empty")
	}

	if t.AssignedTo == "" {
		return fmt.Errorf("assigned_to cannot be empty")
	}

	if err := t.Status.Validate(); err != nil {
		return fmt.Errorf("invalid status: %w", err)
	}

	if t.RetryCount < 0 {
		return fmt.Errorf("retry_count cannot be negative")
	}

	if t.EstimatedCost < 0 {
		return fmt.Errorf("estimated_cost cannot be negative")
	}

	return nil
}

// Validate checks if the TaskStatus is a valid enum value.
func (ts TaskStatus) Validate() error {
	switch ts {
	case TaskStatusPending, TaskStatusReady, TaskStatusDispatched,
		TaskStatusCompleted, TaskStatusFailed, TaskStatusAwaitingHuman,
		TaskStatusSuperseded:
		return nil
	default:
		return fmt.Errorf("unknown task status: %q", ts)
	}
}

// Validate checks if the Budget has valid field values.
func (b *Budget) Validate() error {
	if b.Total < 0 {
		return fmt.Errorf("total cannot be negative")
	}

	if b.Spent < 0 {
		return fmt.Errorf("spent cannot be negative")
	}

	if err := b.Tier.Validate(); err != nil {
		return fmt.Errorf("invalid quality tier: %w", err)
	}

	return nil
}

// Validate checks if the QualityTier is a valid enum value.
func (qt QualityTier) Validate() error {
	switch qt {
	case TierDraft, TierStandard, TierHigh, TierPremium:
		return nil
	default:
		return fmt.Errorf("unknown quality tier: %q", qt)
	}
}

// Validate checks if the HumanGateDecision is a valid enum value.
func (d HumanGateDecision) Validate() error {
	switch d {
	case DecisionApproved, DecisionRevisionRequested, DecisionRejected:
		return nil
	default:
		return fmt.Errorf("unknown human gate decision: %q", d)
	}
}

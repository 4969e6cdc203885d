package eventbus

import (
	"encoding/json"
	"fmt"
	"time"
)

// Event is an immutable, durably-logged fact describing something that
// happened, optionally caused by an earlier event.
type Event struct {
	ID          string          `json:"event_id"`   // UUID, globally unique
	ProjectID   string          `json:"project_id"`
	Type        EventType       `json:"type"`
	Actor       string          `json:"actor"`                  // Name of the emitting component
	CausationID string          `json:"causation_id,omitempty"` // Event that caused this one, if any
	Timestamp   time.Time       `json:"timestamp"`              // ISO-8601 on the wire
	Payload     json.RawMessage `json:"payload"`                // Type-specific structured data
	Metadata    Metadata        `json:"metadata"`

	// StreamID is the Redis stream entry ID assigned at append time.
	// Populated on delivery and replay; not part of the wire envelope.
	StreamID string `json:"-"`
}

// Metadata carries cost, latency and other audit figures.
type Metadata struct {
	Cost      float64 `json:"cost,omitempty"`
	LatencyMs int64   `json:"latency_ms,omitempty"`
}

// EventType is the closed set of event variants.
type EventType string

const (
	TypeProjectCreated     EventType = "PROJECT_CREATED"
	TypeProjectFinalized   EventType = "PROJECT_FINALIZED"
	TypeProjectFailed      EventType = "PROJECT_FAILED"
	TypeProjectPaused      EventType = "PROJECT_PAUSED"
	TypeProjectResumed     EventType = "PROJECT_RESUMED"
	TypeShotUpdated        EventType = "SHOT_UPDATED"
	TypeTaskCreated        EventType = "TASK_CREATED"
	TypeTaskDispatched     EventType = "TASK_DISPATCHED"
	TypeTaskCompleted      EventType = "TASK_COMPLETED"
	TypeTaskFailed         EventType = "TASK_FAILED"
	TypeBudgetDebited      EventType = "BUDGET_DEBITED"
	TypeBudgetExceeded     EventType = "BUDGET_EXCEEDED"
	TypeCostOverrunWarning EventType = "COST_OVERRUN_WARNING"
	TypeBudgetDowngraded   EventType = "BUDGET_DOWNGRADED"
	TypeHumanGateTriggered EventType = "HUMAN_GATE_TRIGGERED"
	TypeHumanGateResolved  EventType = "HUMAN_GATE_RESOLVED"
)

// Validate checks if the EventType is a valid enum value.
func (t EventType) Validate() error {
	switch t {
	case TypeProjectCreated, TypeProjectFinalized, TypeProjectFailed,
		TypeProjectPaused, TypeProjectResumed, TypeShotUpdated,
		TypeTaskCreated, TypeTaskDispatched, TypeTaskCompleted,
		TypeTaskFailed, TypeBudgetDebited, TypeBudgetExceeded,
		TypeCostOverrunWarning, TypeBudgetDowngraded,
		TypeHumanGateTriggered, TypeHumanGateResolved:
		return nil
	default:
		return fmt.Errorf("unknown event type: %q", t)
	}
}

// Validate checks the event envelope. Payload shape is checked separately at
// the publish boundary (see validatePayload).
func (e *Event) Validate() error {
	if e.ProjectID == "" {
		return fmt.Errorf("project_id cannot be empty")
	}

	if err := e.Type.Validate(); err != nil {
		return err
	}

	if e.Actor == "" {
		return fmt.Errorf("actor cannot be empty")
	}

	return nil
}

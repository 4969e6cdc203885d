package eventbus

import (
	"encoding/json"
	"fmt"
)

// Typed payload variants. Each event type carries only the fields it needs;
// the shape is checked at the publish boundary rather than left to consumers.

// FailureClassification categorizes a task failure for the escalation policy.
type FailureClassification string

const (
	// FailureTransient covers timeouts, rate limits and network errors -
	// worth an automatic retry.
	FailureTransient FailureClassification = "transient"

	// FailureDegradable covers failures a lower quality tier or alternate
	// provider could avoid.
	FailureDegradable FailureClassification = "degradable"

	// FailureCritical goes straight to the human gate.
	FailureCritical FailureClassification = "critical"
)

// Validate checks if the FailureClassification is a valid enum value.
func (fc FailureClassification) Validate() error {
	switch fc {
	case FailureTransient, FailureDegradable, FailureCritical:
		return nil
	default:
		return fmt.Errorf("unknown failure classification: %q", fc)
	}
}

// ProjectCreatedPayload accompanies PROJECT_CREATED.
type ProjectCreatedPayload struct {
	DurationSeconds float64 `json:"duration_seconds"`
	QualityTier     string  `json:"quality_tier"`
}

// ShotUpdatedPayload accompanies SHOT_UPDATED.
type ShotUpdatedPayload struct {
	ShotID string `json:"shot_id"`
}

// TaskEventPayload accompanies TASK_CREATED, TASK_DISPATCHED and
// TASK_COMPLETED. Dispatch additionally carries the task wire shape so
// external agents need no blackboard read to start work.
type TaskEventPayload struct {
	TaskID     string          `json:"task_id"`
	TaskType   string          `json:"task_type,omitempty"`
	AssignedTo string          `json:"assigned_to,omitempty"`
	Task       json.RawMessage `json:"task,omitempty"`    // Full task document (dispatch only)
	Outputs    json.RawMessage `json:"outputs,omitempty"` // Completion artifacts (completion only)
}

// TaskFailedPayload accompanies TASK_FAILED.
type TaskFailedPayload struct {
	TaskID         string                `json:"task_id"`
	Classification FailureClassification `json:"classification"`
	Severity       string                `json:"severity,omitempty"`
	Message        string                `json:"message"`
	CostImpact     float64               `json:"cost_impact,omitempty"`
}

// BudgetPayload accompanies BUDGET_DEBITED, BUDGET_EXCEEDED,
// COST_OVERRUN_WARNING and BUDGET_DOWNGRADED.
type BudgetPayload struct {
	Amount float64 `json:"amount,omitempty"`
	Spent  float64 `json:"spent"`
	Total  float64 `json:"total"`
	Ratio  float64 `json:"ratio"`
	Tier   string  `json:"tier,omitempty"`
}

// HumanGatePayload accompanies HUMAN_GATE_TRIGGERED.
type HumanGatePayload struct {
	TaskID           string   `json:"task_id"`
	Reason           string   `json:"reason"`
	SuggestedActions []string `json:"suggested_actions,omitempty"`
	Priority         int      `json:"priority,omitempty"`
}

// HumanGateResolvedPayload accompanies HUMAN_GATE_RESOLVED.
type HumanGateResolvedPayload struct {
	Decision   string `json:"decision"` // approved | revision_requested | rejected
	Note       string `json:"note,omitempty"`
	ResolvedBy string `json:"resolved_by"`
}

// validatePayload checks the payload shape for the event types whose
// consumers depend on specific fields. Types with free-form payloads
// (project lifecycle, shot updates) only need valid JSON.
func validatePayload(e *Event) error {
	if len(e.Payload) > 0 && !json.Valid(e.Payload) {
		return fmt.Errorf("payload is not valid JSON")
	}

	switch e.Type {
	case TypeTaskCreated, TypeTaskDispatched, TypeTaskCompleted:
		var p TaskEventPayload
		if err := json.Unmarshal(e.Payload, &p); err != nil {
			return fmt.Errorf("malformed %s payload: %w", e.Type, err)
		}
		if p.TaskID == "" {
			return fmt.Errorf("%s payload missing task_id", e.Type)
		}

	case TypeTaskFailed:
		var p TaskFailedPayload
		if err := json.Unmarshal(e.Payload, &p); err != nil {
			return fmt.Errorf("malformed TASK_FAILED payload: %w", err)
		}
		if p.TaskID == "" {
			return fmt.Errorf("TASK_FAILED payload missing task_id")
		}
		if err := p.Classification.Validate(); err != nil {
			return fmt.Errorf("TASK_FAILED payload: %w", err)
		}

	case TypeHumanGateTriggered:
		var p HumanGatePayload
		if err := json.Unmarshal(e.Payload, &p); err != nil {
			return fmt.Errorf("malformed HUMAN_GATE_TRIGGERED payload: %w", err)
		}
		if p.Reason == "" {
			return fmt.Errorf("HUMAN_GATE_TRIGGERED payload missing reason")
		}

	case TypeHumanGateResolved:
		var p HumanGateResolvedPayload
		if err := json.Unmarshal(e.Payload, &p); err != nil {
			return fmt.Errorf("malformed HUMAN_GATE_RESOLVED payload: %w", err)
		}
		if p.Decision == "" {
			return fmt.Errorf("HUMAN_GATE_RESOLVED payload missing decision")
		}
	}

	return nil
}

// MustMarshalPayload marshals a payload struct, panicking on failure.
// Payload structs contain only marshalable fields, so failure is a
// programming error.
func MustMarshalPayload(v interface{}) json.RawMessage {
	data, err := json.Marshal(v)
	if err != nil {
		panic(fmt.Sprintf("eventbus: failed to marshal payload: %v", err))
	}
	return data
}

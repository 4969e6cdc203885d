package blackboard

import (
	"encoding/json"
	"fmt"
	"strconv"
)

// Serialization helpers for converting between Go structs and Redis hashes
//
// Redis stores data as string-to-string maps (hashes). Scalar project fields
// map to individual hash fields; document fields (global_spec, budget, shots,
// tasks, artifact_index, error_log, human_gate) are JSON-encoded into single
// hash fields. This provides a balance between queryability (individual
// fields) and flexibility (complex structures).

// ProjectToHash converts a Project struct to a Redis hash format.
// Document fields are JSON-encoded.
func ProjectToHash(p *Project) (map[string]interface{}, error) {
	budgetJSON, err := json.Marshal(&p.Budget)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal budget: %w", err)
	}

	shotsJSON, err := json.Marshal(p.Shots)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal shots: %w", err)
	}

	tasksJSON, err := json.Marshal(p.Tasks)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal tasks: %w", err)
	}

	artifactIndexJSON, err := json.Marshal(p.ArtifactIndex)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal artifact_index: %w", err)
	}

	errorLogJSON, err := json.Marshal(p.ErrorLog)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal error_log: %w", err)
	}

	hash := map[string]interface{}{
		"project_id":     p.ID,
		"version":        p.Version,
		"status":         string(p.Status),
		"global_spec":    string(p.GlobalSpec),
		"budget":         string(budgetJSON),
		"shots":          string(shotsJSON),
		"tasks":          string(tasksJSON),
		"artifact_index": string(artifactIndexJSON),
		"error_log":      string(errorLogJSON),
		"created_at_ms":  p.CreatedAtMs,
		"updated_at_ms":  p.UpdatedAtMs,
	}

	if p.HumanGate != nil {
		gateJSON, err := json.Marshal(p.HumanGate)
		if err != nil {
			return nil, fmt.Errorf("failed to marshal human_gate: %w", err)
		}
		hash["human_gate"] = string(gateJSON)
	} else {
		hash["human_gate"] = ""
	}

	return hash, nil
}

// HashToProject converts a Redis hash to a Project struct.
// JSON fields are decoded back to Go types.
func HashToProject(hash map[string]string) (*Project, error) {
	version, err := strconv.ParseInt(hash["version"], 10, 64)
	if err != nil {
		return nil, fmt.Errorf("invalid version field: %w", err)
	}

	var budget Budget
	if budgetJSON := hash["budget"]; budgetJSON != "" {
		if err := json.Unmarshal([]byte(budgetJSON), &budget); err != nil {
			return nil, fmt.Errorf("failed to unmarshal budget: %w", err)
		}
	}

	var shots map[string]*Shot
	if shotsJSON := hash["shots"]; shotsJSON != "" {
		if err := json.Unmarshal([]byte(shotsJSON), &shots); err != nil {
			return nil, fmt.Errorf("failed to unmarshal shots: %w", err)
		}
	}

	var tasks map[string]*Task
	if tasksJSON := hash["tasks"]; tasksJSON != "" {
		if err := json.Unmarshal([]byte(tasksJSON), &tasks); err != nil {
			return nil, fmt.Errorf("failed to unmarshal tasks: %w", err)
		}
	}

	var artifactIndex map[string]string
	if indexJSON := hash["artifact_index"]; indexJSON != "" {
		if err := json.Unmarshal([]byte(indexJSON), &artifactIndex); err != nil {
			return nil, fmt.Errorf("failed to unmarshal artifact_index: %w", err)
		}
	}

	var errorLog []ErrorEntry
	if errorLogJSON := hash["error_log"]; errorLogJSON != "" {
		if err := json.Unmarshal([]byte(errorLogJSON), &errorLog); err != nil {
			return nil, fmt.Errorf("failed to unmarshal error_log: %w", err)
		}
	}

	var humanGate *HumanGateRequest
	if gateJSON := hash["human_gate"]; gateJSON != "" {
		humanGate = &HumanGateRequest{}
		if err := json.Unmarshal([]byte(gateJSON), humanGate); err != nil {
			return nil, fmt.Errorf("failed to unmarshal human_gate: %w", err)
		}
	}

	// Ensure we have empty containers instead of nil for consistency
	if shots == nil {
		shots = map[string]*Shot{}
	}
	if tasks == nil {
		tasks = map[string]*Task{}
	}
	if artifactIndex == nil {
		artifactIndex = map[string]string{}
	}
	if errorLog == nil {
		errorLog = []ErrorEntry{}
	}

	createdAtMs, _ := strconv.ParseInt(hash["created_at_ms"], 10, 64)
	updatedAtMs, _ := strconv.ParseInt(hash["updated_at_ms"], 10, 64)

	project := &Project{
		ID:            hash["project_id"],
		Version:       version,
		Status:        ProjectStatus(hash["status"]),
		GlobalSpec:    json.RawMessage(hash["global_spec"]),
		Budget:        budget,
		Shots:         shots,
		Tasks:         tasks,
		ArtifactIndex: artifactIndex,
		ErrorLog:      errorLog,
		HumanGate:     humanGate,
		CreatedAtMs:   createdAtMs,
		UpdatedAtMs:   updatedAtMs,
	}

	return project, nil
}

// cloneProject makes a deep copy of a project via a JSON round trip.
// Used to capture change-log "before" snapshots without aliasing the
// mutator's working copy.
func cloneProject(p *Project) (*Project, error) {
	data, err := json.Marshal(p)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal project for clone: %w", err)
	}

	var clone Project
	if err := json.Unmarshal(data, &clone); err != nil {
		return nil, fmt.Errorf("failed to unmarshal project clone: %w", err)
	}

	return &clone, nil
}

package model

import (
	"encoding/json"
	"time"
)

// Job status constants.
const (
	StatusPending   = "pending"
	StatusRunning   = "running"
	StatusCompleted = "completed"
	StatusFailed    = "failed"
)

// validTransitions maps each status to the set of statuses it may transition to.
// Completed and failed are terminal.
var validTransitions = map[string]map[string]bool{
	StatusPending: {
		StatusRunning: true,
		StatusFailed:  true,
	},
	StatusRunning: {
		StatusCompleted: true,
		StatusFailed:    true,
	},
}

// ValidTransition reports whether transitioning from one status to another is allowed.
func ValidTransition(from, to string) bool {
	targets, ok := validTransitions[from]
	if !ok {
		return false
	}
	return targets[to]
}

// Terminal reports whether a status permits no further transitions.
func Terminal(status string) bool {
	return status == StatusCompleted || status == StatusFailed
}

// SimulationJob represents one submitted simulation request and its tracked
// execution state. The record is owned by the store once created; only the
// orchestrator and workers mutate it.
type SimulationJob struct {
	ID             string          `json:"id"`
	Name           string          `json:"simulation_name"`
	Owner          string          `json:"owner"`
	Description    string          `json:"description"`
	ScenarioConfig json.RawMessage `json:"scenario_properties"`
	SpeciesConfig  json.RawMessage `json:"species"`
	Status         string          `json:"status"`
	Error          string          `json:"error,omitempty"`
	ResultRef      string          `json:"result_ref,omitempty"`
	TaskID         string          `json:"task_id,omitempty"`
	Progress       int             `json:"progress"`
	Stage          string          `json:"stage,omitempty"`
	CreatedAt      time.Time       `json:"created"`
	ModifiedAt     time.Time       `json:"modified"`
}

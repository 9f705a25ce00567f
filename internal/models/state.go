// Package models defines state management structures for AffirmFlow flows.
package models

import "time"

// FlowState represents the persisted state of one session in a flow.
type FlowState struct {
	SessionID    string             `json:"session_id"`
	FlowType     FlowType           `json:"flow_type"`
	CurrentState StateType          `json:"current_state"`
	StateData    map[DataKey]string `json:"state_data,omitempty"` // Additional state-specific data
	CreatedAt    time.Time          `json:"created_at"`
	UpdatedAt    time.Time          `json:"updated_at"`
}

// PromptTemplate is one versioned prompt body in the template store.
type PromptTemplate struct {
	Key            string    `json:"key" yaml:"key"`
	Version        int       `json:"version" yaml:"version"`
	Implementation string    `json:"implementation" yaml:"implementation"`
	Body           string    `json:"body" yaml:"body"`
	UpdatedAt      time.Time `json:"updated_at" yaml:"-"`
}

// WorkflowRunRecord is a persisted snapshot of a locally executed workflow run.
type WorkflowRunRecord struct {
	RunID        string    `json:"run_id"`
	WorkflowName string    `json:"workflow_name"`
	Status       string    `json:"status"`
	SnapshotJSON string    `json:"snapshot_json"`
	CreatedAt    time.Time `json:"created_at"`
	UpdatedAt    time.Time `json:"updated_at"`
}

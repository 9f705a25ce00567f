// Package models defines flow type definitions to avoid circular imports.
package models

// FlowType represents a specific kind of persisted flow
type FlowType string

// StateType represents a specific state within a flow
type StateType string

// DataKey represents a key for storing state-specific data
type DataKey string

// Flow type constants.
const (
	FlowTypeOnboarding FlowType = "onboarding"
)

// Data key constants for the onboarding flow.
const (
	DataKeySession DataKey = "session" // JSON-encoded onboarding state
)

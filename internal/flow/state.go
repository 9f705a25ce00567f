// Package flow persists the state of stateful flows, such as onboarding
// sessions, through a store.Store.
package flow

import (
	"context"

	"github.com/BTreeMap/AffirmFlow/internal/models"
)

// StateManager defines the interface for managing flow state.
type StateManager interface {
	// GetCurrentState returns the session's current state, or "" if none is stored.
	GetCurrentState(ctx context.Context, sessionID string, flowType models.FlowType) (models.StateType, error)

	// GetStateData returns one data value, or "" if the session or key is absent.
	GetStateData(ctx context.Context, sessionID string, flowType models.FlowType, key models.DataKey) (string, error)

	// SaveState writes the current state and one data value in a single store write.
	SaveState(ctx context.Context, sessionID string, flowType models.FlowType, state models.StateType, key models.DataKey, value string) error

	// ResetState removes all state for a session in a flow.
	ResetState(ctx context.Context, sessionID string, flowType models.FlowType) error
}

package flow

import (
	"context"
	"log/slog"
	"time"

	"github.com/BTreeMap/AffirmFlow/internal/models"
	"github.com/BTreeMap/AffirmFlow/internal/store"
)

// StoreBasedStateManager implements StateManager on top of a store.Store.
type StoreBasedStateManager struct {
	store store.Store
	now   func() time.Time
}

// NewStoreBasedStateManager creates a new store-based state manager.
func NewStoreBasedStateManager(st store.Store) *StoreBasedStateManager {
	return &StoreBasedStateManager{store: st, now: time.Now}
}

func (sm *StoreBasedStateManager) load(sessionID string, flowType models.FlowType) (*models.FlowState, error) {
	fs, err := sm.store.GetFlowState(sessionID, flowType)
	if err != nil {
		slog.Error("StateManager.load: store error", "error", err, "sessionID", sessionID, "flowType", flowType)
		return nil, err
	}
	return fs, nil
}

// GetCurrentState returns the session's current state.
func (sm *StoreBasedStateManager) GetCurrentState(ctx context.Context, sessionID string, flowType models.FlowType) (models.StateType, error) {
	fs, err := sm.load(sessionID, flowType)
	if err != nil || fs == nil {
		return "", err
	}
	return fs.CurrentState, nil
}

// GetStateData returns the value stored under key.
func (sm *StoreBasedStateManager) GetStateData(ctx context.Context, sessionID string, flowType models.FlowType, key models.DataKey) (string, error) {
	fs, err := sm.load(sessionID, flowType)
	if err != nil || fs == nil {
		return "", err
	}
	value, ok := fs.StateData[key]
	if !ok {
		slog.Debug("StateManager.GetStateData: key not found", "sessionID", sessionID, "flowType", flowType, "key", key)
	}
	return value, nil
}

// SaveState writes state and key=value, creating the record on first use.
// CreatedAt is kept across saves.
func (sm *StoreBasedStateManager) SaveState(ctx context.Context, sessionID string, flowType models.FlowType, state models.StateType, key models.DataKey, value string) error {
	fs, err := sm.load(sessionID, flowType)
	if err != nil {
		return err
	}
	now := sm.now()
	if fs == nil {
		fs = &models.FlowState{SessionID: sessionID, FlowType: flowType, CreatedAt: now}
	}
	if fs.StateData == nil {
		fs.StateData = make(map[models.DataKey]string, 1)
	}
	fs.CurrentState = state
	fs.StateData[key] = value
	fs.UpdatedAt = now

	if err := sm.store.SaveFlowState(*fs); err != nil {
		slog.Error("StateManager.SaveState: save failed", "error", err, "sessionID", sessionID, "flowType", flowType, "state", state)
		return err
	}
	slog.Debug("StateManager.SaveState: saved", "sessionID", sessionID, "flowType", flowType, "state", state, "bytes", len(value))
	return nil
}

// ResetState removes all state for a session in a flow.
func (sm *StoreBasedStateManager) ResetState(ctx context.Context, sessionID string, flowType models.FlowType) error {
	if err := sm.store.DeleteFlowState(sessionID, flowType); err != nil {
		slog.Error("StateManager.ResetState: delete failed", "error", err, "sessionID", sessionID, "flowType", flowType)
		return err
	}
	slog.Info("StateManager.ResetState: state removed", "sessionID", sessionID, "flowType", flowType)
	return nil
}

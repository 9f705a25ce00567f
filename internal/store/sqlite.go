// Package store provides storage backends for AffirmFlow.
//
// This file implements an SQLite-backed store for sessions, templates and runs.
package store

import (
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	_ "embed"

	"github.com/BTreeMap/AffirmFlow/internal/models"
	_ "github.com/mattn/go-sqlite3"
)

// Constants for SQLite store configuration
const (
	// DefaultDirPermissions defines the default permissions for database directories
	DefaultDirPermissions = 0755
)

//go:embed migrations_sqlite.sql
var sqliteMigrations string

type SQLiteStore struct {
	db *sql.DB
}

// NewSQLiteStore creates a new SQLite store with the given DSN.
// The DSN should be a file path to the SQLite database file.
// If the directory doesn't exist, it will be created.
func NewSQLiteStore(opts ...Option) (*SQLiteStore, error) {
	var cfg Opts
	for _, opt := range opts {
		opt(&cfg)
	}
	slog.Debug("NewSQLiteStore invoked", "DSN_set", cfg.DSN != "")

	dsn := cfg.DSN
	if dsn == "" {
		slog.Error("SQLiteStore DSN not set")
		return nil, fmt.Errorf("database DSN not set")
	}

	dir := filepath.Dir(dsn)
	if err := os.MkdirAll(dir, DefaultDirPermissions); err != nil {
		slog.Error("Failed to create database directory", "error", err, "dir", dir)
		return nil, fmt.Errorf("failed to create database directory: %w", err)
	}

	db, err := sql.Open("sqlite3", dsn)
	if err != nil {
		slog.Error("Failed to open SQLite connection", "error", err)
		return nil, err
	}
	// SQLite allows a single writer.
	db.SetMaxOpenConns(1)

	if err := db.Ping(); err != nil {
		slog.Error("SQLite ping failed", "error", err)
		return nil, err
	}

	slog.Debug("Running SQLite migrations")
	if _, err := db.Exec(sqliteMigrations); err != nil {
		slog.Error("Failed to run migrations", "error", err)
		return nil, fmt.Errorf("failed to run migrations: %w", err)
	}
	slog.Debug("SQLite migrations applied successfully")

	return &SQLiteStore{db: db}, nil
}

// Close closes the SQLite database connection.
func (s *SQLiteStore) Close() error {
	slog.Debug("Closing SQLite database connection")
	err := s.db.Close()
	if err != nil {
		slog.Error("Failed to close SQLite database", "error", err)
	}
	return err
}

// SaveFlowState stores or updates flow state for a session.
func (s *SQLiteStore) SaveFlowState(state models.FlowState) error {
	var stateDataJSON []byte
	var err error
	if len(state.StateData) > 0 {
		stateDataJSON, err = json.Marshal(state.StateData)
		if err != nil {
			slog.Error("SQLiteStore SaveFlowState JSON marshal failed", "error", err, "sessionID", state.SessionID)
			return err
		}
	}

	query := `INSERT INTO flow_states (session_id, flow_type, current_state, state_data, created_at, updated_at)
			  VALUES (?, ?, ?, ?, ?, ?)
			  ON CONFLICT (session_id, flow_type) DO UPDATE SET
			      current_state = excluded.current_state,
			      state_data = excluded.state_data,
			      updated_at = excluded.updated_at`
	_, err = s.db.Exec(query, state.SessionID, string(state.FlowType), string(state.CurrentState),
		string(stateDataJSON), state.CreatedAt, state.UpdatedAt)
	if err != nil {
		slog.Error("SQLiteStore SaveFlowState failed", "error", err, "sessionID", state.SessionID, "flowType", state.FlowType)
		return err
	}
	slog.Debug("SQLiteStore SaveFlowState succeeded", "sessionID", state.SessionID, "flowType", state.FlowType, "state", state.CurrentState)
	return nil
}

// GetFlowState retrieves flow state for a session. It returns nil, nil when absent.
func (s *SQLiteStore) GetFlowState(sessionID string, flowType models.FlowType) (*models.FlowState, error) {
	query := `SELECT session_id, flow_type, current_state, state_data, created_at, updated_at
			  FROM flow_states WHERE session_id = ? AND flow_type = ?`

	var state models.FlowState
	var ft, cs string
	var stateDataJSON sql.NullString
	err := s.db.QueryRow(query, sessionID, string(flowType)).Scan(
		&state.SessionID, &ft, &cs, &stateDataJSON, &state.CreatedAt, &state.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		slog.Error("SQLiteStore GetFlowState failed", "error", err, "sessionID", sessionID, "flowType", flowType)
		return nil, err
	}
	state.FlowType = models.FlowType(ft)
	state.CurrentState = models.StateType(cs)

	if stateDataJSON.Valid && stateDataJSON.String != "" {
		state.StateData = make(map[models.DataKey]string)
		if err := json.Unmarshal([]byte(stateDataJSON.String), &state.StateData); err != nil {
			slog.Error("SQLiteStore GetFlowState JSON unmarshal failed", "error", err, "sessionID", sessionID)
			state.StateData = make(map[models.DataKey]string)
		}
	}
	return &state, nil
}

// DeleteFlowState removes flow state for a session.
func (s *SQLiteStore) DeleteFlowState(sessionID string, flowType models.FlowType) error {
	_, err := s.db.Exec(`DELETE FROM flow_states WHERE session_id = ? AND flow_type = ?`, sessionID, string(flowType))
	if err != nil {
		slog.Error("SQLiteStore DeleteFlowState failed", "error", err, "sessionID", sessionID, "flowType", flowType)
		return err
	}
	slog.Debug("SQLiteStore DeleteFlowState succeeded", "sessionID", sessionID, "flowType", flowType)
	return nil
}

func (s *SQLiteStore) SavePromptTemplate(t models.PromptTemplate) error {
	if t.UpdatedAt.IsZero() {
		t.UpdatedAt = time.Now()
	}
	query := `INSERT INTO prompt_templates (template_key, version, implementation, body, updated_at)
			  VALUES (?, ?, ?, ?, ?)
			  ON CONFLICT (template_key, version, implementation) DO UPDATE SET
			      body = excluded.body,
			      updated_at = excluded.updated_at`
	if _, err := s.db.Exec(query, t.Key, t.Version, t.Implementation, t.Body, t.UpdatedAt); err != nil {
		slog.Error("SQLiteStore SavePromptTemplate failed", "error", err, "key", t.Key, "version", t.Version)
		return fmt.Errorf("failed to save template %s: %w", t.Key, err)
	}
	slog.Debug("SQLiteStore SavePromptTemplate succeeded", "key", t.Key, "version", t.Version, "implementation", t.Implementation)
	return nil
}

func (s *SQLiteStore) GetPromptTemplate(key string, version int, implementation string) (*models.PromptTemplate, error) {
	var row *sql.Row
	if version > 0 {
		row = s.db.QueryRow(`SELECT template_key, version, implementation, body, updated_at
			FROM prompt_templates WHERE template_key = ? AND version = ? AND implementation = ?`,
			key, version, implementation)
	} else {
		row = s.db.QueryRow(`SELECT template_key, version, implementation, body, updated_at
			FROM prompt_templates WHERE template_key = ? AND implementation = ?
			ORDER BY version DESC LIMIT 1`, key, implementation)
	}
	var t models.PromptTemplate
	err := row.Scan(&t.Key, &t.Version, &t.Implementation, &t.Body, &t.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrTemplateNotFound
	}
	if err != nil {
		slog.Error("SQLiteStore GetPromptTemplate failed", "error", err, "key", key)
		return nil, err
	}
	return &t, nil
}

func (s *SQLiteStore) ListPromptTemplates() ([]models.PromptTemplate, error) {
	rows, err := s.db.Query(`SELECT template_key, version, implementation, body, updated_at
		FROM prompt_templates ORDER BY template_key, implementation, version`)
	if err != nil {
		slog.Error("SQLiteStore ListPromptTemplates query failed", "error", err)
		return nil, err
	}
	defer rows.Close()
	return scanTemplates(rows)
}

func (s *SQLiteStore) SaveWorkflowRun(r models.WorkflowRunRecord) error {
	now := time.Now()
	if r.CreatedAt.IsZero() {
		r.CreatedAt = now
	}
	if r.UpdatedAt.IsZero() {
		r.UpdatedAt = now
	}
	query := `INSERT INTO workflow_runs (run_id, workflow_name, status, snapshot, created_at, updated_at)
			  VALUES (?, ?, ?, ?, ?, ?)
			  ON CONFLICT (run_id) DO UPDATE SET
			      status = excluded.status,
			      snapshot = excluded.snapshot,
			      updated_at = excluded.updated_at`
	if _, err := s.db.Exec(query, r.RunID, r.WorkflowName, r.Status, r.SnapshotJSON, r.CreatedAt, r.UpdatedAt); err != nil {
		slog.Error("SQLiteStore SaveWorkflowRun failed", "error", err, "runID", r.RunID)
		return fmt.Errorf("failed to save workflow run %s: %w", r.RunID, err)
	}
	slog.Debug("SQLiteStore SaveWorkflowRun succeeded", "runID", r.RunID, "status", r.Status)
	return nil
}

// GetWorkflowRun returns nil, nil when the run is unknown.
func (s *SQLiteStore) GetWorkflowRun(runID string) (*models.WorkflowRunRecord, error) {
	var r models.WorkflowRunRecord
	err := s.db.QueryRow(`SELECT run_id, workflow_name, status, snapshot, created_at, updated_at
		FROM workflow_runs WHERE run_id = ?`, runID).
		Scan(&r.RunID, &r.WorkflowName, &r.Status, &r.SnapshotJSON, &r.CreatedAt, &r.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		slog.Error("SQLiteStore GetWorkflowRun failed", "error", err, "runID", runID)
		return nil, err
	}
	return &r, nil
}

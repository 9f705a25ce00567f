// Package store provides storage backends for AffirmFlow.
//
// This file implements a PostgreSQL-backed store.
package store

import (
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	_ "embed"

	"github.com/BTreeMap/AffirmFlow/internal/models"
	_ "github.com/lib/pq"
)

// Database connection pool configuration constants
const (
	// DefaultMaxOpenConns is the default maximum number of open connections to the database
	DefaultMaxOpenConns = 25
	// DefaultMaxIdleConns is the default maximum number of idle connections in the pool
	DefaultMaxIdleConns = 25
	// DefaultConnMaxLifetime is the default maximum amount of time a connection may be reused
	DefaultConnMaxLifetime = 5 * time.Minute
)

//go:embed migrations_postgres.sql
var postgresMigrations string

type PostgresStore struct {
	db *sql.DB
}

// NewPostgresStore creates a new Postgres store based on provided options.
func NewPostgresStore(opts ...Option) (*PostgresStore, error) {
	var cfg Opts
	for _, opt := range opts {
		opt(&cfg)
	}
	slog.Debug("PostgresStore.NewPostgresStore: creating Postgres store", "DSN_set", cfg.DSN != "")
	dsn := cfg.DSN
	if dsn == "" {
		slog.Error("PostgresStore DSN not set")
		return nil, fmt.Errorf("database DSN not set")
	}

	db, err := sql.Open("postgres", dsn)
	if err != nil {
		slog.Error("Failed to open Postgres connection", "error", err)
		return nil, err
	}

	db.SetMaxOpenConns(DefaultMaxOpenConns)
	db.SetMaxIdleConns(DefaultMaxIdleConns)
	db.SetConnMaxLifetime(DefaultConnMaxLifetime)

	if err := db.Ping(); err != nil {
		slog.Error("Postgres ping failed", "error", err)
		return nil, err
	}
	slog.Debug("Running Postgres migrations")
	if _, err := db.Exec(postgresMigrations); err != nil {
		slog.Error("Failed to run migrations", "error", err)
		return nil, fmt.Errorf("failed to run migrations: %w", err)
	}
	slog.Debug("Postgres migrations applied successfully")
	return &PostgresStore{db: db}, nil
}

// Close closes the PostgreSQL database connection.
func (s *PostgresStore) Close() error {
	slog.Debug("Closing PostgreSQL database connection")
	err := s.db.Close()
	if err != nil {
		slog.Error("Failed to close PostgreSQL database", "error", err)
	} else {
		slog.Debug("PostgreSQL database connection closed successfully")
	}
	return err
}

// SaveFlowState stores or updates flow state for a session.
func (s *PostgresStore) SaveFlowState(state models.FlowState) error {
	query := `
		INSERT INTO flow_states (session_id, flow_type, current_state, state_data, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6)
		ON CONFLICT (session_id, flow_type)
		DO UPDATE SET
			current_state = EXCLUDED.current_state,
			state_data = EXCLUDED.state_data,
			updated_at = EXCLUDED.updated_at`

	var stateDataJSON []byte
	var err error
	if len(state.StateData) > 0 {
		stateDataJSON, err = json.Marshal(state.StateData)
		if err != nil {
			slog.Error("PostgresStore SaveFlowState JSON marshal failed", "error", err, "sessionID", state.SessionID)
			return err
		}
	}

	_, err = s.db.Exec(query, state.SessionID, string(state.FlowType), string(state.CurrentState),
		stateDataJSON, state.CreatedAt, state.UpdatedAt)
	if err != nil {
		slog.Error("PostgresStore SaveFlowState failed", "error", err, "sessionID", state.SessionID, "flowType", state.FlowType)
		return err
	}
	slog.Debug("PostgresStore SaveFlowState succeeded", "sessionID", state.SessionID, "flowType", state.FlowType, "state", state.CurrentState)
	return nil
}

// GetFlowState retrieves flow state for a session.
func (s *PostgresStore) GetFlowState(sessionID string, flowType models.FlowType) (*models.FlowState, error) {
	query := `SELECT session_id, flow_type, current_state, state_data, created_at, updated_at
			  FROM flow_states WHERE session_id = $1 AND flow_type = $2`

	var state models.FlowState
	var ft, cs string
	var stateDataJSON []byte

	err := s.db.QueryRow(query, sessionID, string(flowType)).Scan(
		&state.SessionID, &ft, &cs, &stateDataJSON, &state.CreatedAt, &state.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		slog.Debug("PostgresStore GetFlowState not found", "sessionID", sessionID, "flowType", flowType)
		return nil, nil
	}
	if err != nil {
		slog.Error("PostgresStore GetFlowState failed", "error", err, "sessionID", sessionID, "flowType", flowType)
		return nil, err
	}
	state.FlowType = models.FlowType(ft)
	state.CurrentState = models.StateType(cs)

	if len(stateDataJSON) > 0 {
		state.StateData = make(map[models.DataKey]string)
		if err := json.Unmarshal(stateDataJSON, &state.StateData); err != nil {
			slog.Error("PostgresStore GetFlowState JSON unmarshal failed", "error", err, "sessionID", sessionID)
			state.StateData = make(map[models.DataKey]string)
		}
	}
	return &state, nil
}

// DeleteFlowState removes flow state for a session.
func (s *PostgresStore) DeleteFlowState(sessionID string, flowType models.FlowType) error {
	query := `DELETE FROM flow_states WHERE session_id = $1 AND flow_type = $2`
	if _, err := s.db.Exec(query, sessionID, string(flowType)); err != nil {
		slog.Error("PostgresStore DeleteFlowState failed", "error", err, "sessionID", sessionID, "flowType", flowType)
		return err
	}
	slog.Debug("PostgresStore DeleteFlowState succeeded", "sessionID", sessionID, "flowType", flowType)
	return nil
}

// SavePromptTemplate stores or replaces a template version.
func (s *PostgresStore) SavePromptTemplate(t models.PromptTemplate) error {
	if t.UpdatedAt.IsZero() {
		t.UpdatedAt = time.Now()
	}
	query := `
		INSERT INTO prompt_templates (template_key, version, implementation, body, updated_at)
		VALUES ($1, $2, $3, $4, $5)
		ON CONFLICT (template_key, version, implementation)
		DO UPDATE SET
			body = EXCLUDED.body,
			updated_at = EXCLUDED.updated_at`
	if _, err := s.db.Exec(query, t.Key, t.Version, t.Implementation, t.Body, t.UpdatedAt); err != nil {
		slog.Error("PostgresStore SavePromptTemplate failed", "error", err, "key", t.Key, "version", t.Version)
		return fmt.Errorf("failed to save template %s: %w", t.Key, err)
	}
	slog.Debug("PostgresStore SavePromptTemplate succeeded", "key", t.Key, "version", t.Version, "implementation", t.Implementation)
	return nil
}

// GetPromptTemplate fetches a template; version <= 0 picks the newest.
func (s *PostgresStore) GetPromptTemplate(key string, version int, implementation string) (*models.PromptTemplate, error) {
	var row *sql.Row
	if version > 0 {
		row = s.db.QueryRow(`SELECT template_key, version, implementation, body, updated_at
			FROM prompt_templates WHERE template_key = $1 AND version = $2 AND implementation = $3`,
			key, version, implementation)
	} else {
		row = s.db.QueryRow(`SELECT template_key, version, implementation, body, updated_at
			FROM prompt_templates WHERE template_key = $1 AND implementation = $2
			ORDER BY version DESC LIMIT 1`, key, implementation)
	}
	var t models.PromptTemplate
	err := row.Scan(&t.Key, &t.Version, &t.Implementation, &t.Body, &t.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrTemplateNotFound
	}
	if err != nil {
		slog.Error("PostgresStore GetPromptTemplate failed", "error", err, "key", key)
		return nil, err
	}
	return &t, nil
}

// ListPromptTemplates returns every stored template ordered by key, implementation and version.
func (s *PostgresStore) ListPromptTemplates() ([]models.PromptTemplate, error) {
	rows, err := s.db.Query(`SELECT template_key, version, implementation, body, updated_at
		FROM prompt_templates ORDER BY template_key, implementation, version`)
	if err != nil {
		slog.Error("PostgresStore ListPromptTemplates query failed", "error", err)
		return nil, err
	}
	defer rows.Close()
	return scanTemplates(rows)
}

// SaveWorkflowRun upserts a run snapshot.
func (s *PostgresStore) SaveWorkflowRun(r models.WorkflowRunRecord) error {
	now := time.Now()
	if r.CreatedAt.IsZero() {
		r.CreatedAt = now
	}
	if r.UpdatedAt.IsZero() {
		r.UpdatedAt = now
	}
	query := `
		INSERT INTO workflow_runs (run_id, workflow_name, status, snapshot, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6)
		ON CONFLICT (run_id)
		DO UPDATE SET
			status = EXCLUDED.status,
			snapshot = EXCLUDED.snapshot,
			updated_at = EXCLUDED.updated_at`
	if _, err := s.db.Exec(query, r.RunID, r.WorkflowName, r.Status, r.SnapshotJSON, r.CreatedAt, r.UpdatedAt); err != nil {
		slog.Error("PostgresStore SaveWorkflowRun failed", "error", err, "runID", r.RunID)
		return fmt.Errorf("failed to save workflow run %s: %w", r.RunID, err)
	}
	slog.Debug("PostgresStore SaveWorkflowRun succeeded", "runID", r.RunID, "status", r.Status)
	return nil
}

// GetWorkflowRun returns nil, nil when the run is unknown.
func (s *PostgresStore) GetWorkflowRun(runID string) (*models.WorkflowRunRecord, error) {
	var r models.WorkflowRunRecord
	var snapshot []byte
	err := s.db.QueryRow(`SELECT run_id, workflow_name, status, snapshot, created_at, updated_at
		FROM workflow_runs WHERE run_id = $1`, runID).
		Scan(&r.RunID, &r.WorkflowName, &r.Status, &snapshot, &r.CreatedAt, &r.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		slog.Error("PostgresStore GetWorkflowRun failed", "error", err, "runID", runID)
		return nil, err
	}
	r.SnapshotJSON = string(snapshot)
	return &r, nil
}

// Package store provides storage backends for AffirmFlow.
//
// It persists onboarding sessions (as flow states), versioned prompt templates
// and snapshots of locally executed workflow runs. Backends: in-memory,
// SQLite and PostgreSQL.
package store

import (
	"errors"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/BTreeMap/AffirmFlow/internal/models"
)

// ErrTemplateNotFound is returned when no template matches a lookup.
var ErrTemplateNotFound = errors.New("prompt template not found")

// Store is the persistence contract shared by all backends.
type Store interface {
	SaveFlowState(state models.FlowState) error
	GetFlowState(sessionID string, flowType models.FlowType) (*models.FlowState, error)
	DeleteFlowState(sessionID string, flowType models.FlowType) error

	// SavePromptTemplate inserts or replaces the template at (key, version, implementation).
	SavePromptTemplate(t models.PromptTemplate) error
	// GetPromptTemplate fetches a template; a version <= 0 selects the highest stored version.
	GetPromptTemplate(key string, version int, implementation string) (*models.PromptTemplate, error)
	ListPromptTemplates() ([]models.PromptTemplate, error)

	SaveWorkflowRun(r models.WorkflowRunRecord) error
	GetWorkflowRun(runID string) (*models.WorkflowRunRecord, error)

	Close() error
}

// Opts holds configuration options for store implementations.
type Opts struct {
	DSN string // Data source name (file path for SQLite, connection string for Postgres)
}

// Option defines a functional option for configuring stores.
type Option func(*Opts)

// WithPostgresDSN sets the Postgres connection string.
func WithPostgresDSN(dsn string) Option {
	return func(o *Opts) { o.DSN = dsn }
}

// WithSQLiteDSN sets the SQLite database file path.
func WithSQLiteDSN(dsn string) Option {
	return func(o *Opts) { o.DSN = dsn }
}

// DetectDSNType returns "postgres" for PostgreSQL connection strings and
// "sqlite3" for anything else (treated as a file path).
func DetectDSNType(dsn string) string {
	d := strings.TrimSpace(dsn)
	if strings.HasPrefix(d, "postgres://") || strings.HasPrefix(d, "postgresql://") || strings.Contains(d, "host=") {
		return "postgres"
	}
	return "sqlite3"
}

// New opens the backend matching the DSN, or an in-memory store when the DSN is empty.
func New(opts ...Option) (Store, error) {
	var cfg Opts
	for _, opt := range opts {
		opt(&cfg)
	}
	if cfg.DSN == "" {
		return NewInMemoryStore(), nil
	}
	if DetectDSNType(cfg.DSN) == "postgres" {
		return NewPostgresStore(opts...)
	}
	return NewSQLiteStore(opts...)
}

type flowKey struct {
	sessionID string
	flowType  models.FlowType
}

type templateKey struct {
	key            string
	version        int
	implementation string
}

// InMemoryStore keeps everything in process memory. Used for tests and when
// no DSN is configured.
type InMemoryStore struct {
	mu        sync.RWMutex
	flows     map[flowKey]models.FlowState
	templates map[templateKey]models.PromptTemplate
	runs      map[string]models.WorkflowRunRecord
}

// NewInMemoryStore creates an empty in-memory store.
func NewInMemoryStore() *InMemoryStore {
	return &InMemoryStore{
		flows:     make(map[flowKey]models.FlowState),
		templates: make(map[templateKey]models.PromptTemplate),
		runs:      make(map[string]models.WorkflowRunRecord),
	}
}

func (s *InMemoryStore) SaveFlowState(state models.FlowState) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	cp := state
	if state.StateData != nil {
		cp.StateData = make(map[models.DataKey]string, len(state.StateData))
		for k, v := range state.StateData {
			cp.StateData[k] = v
		}
	}
	s.flows[flowKey{state.SessionID, state.FlowType}] = cp
	return nil
}

func (s *InMemoryStore) GetFlowState(sessionID string, flowType models.FlowType) (*models.FlowState, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	st, ok := s.flows[flowKey{sessionID, flowType}]
	if !ok {
		return nil, nil
	}
	cp := st
	if st.StateData != nil {
		cp.StateData = make(map[models.DataKey]string, len(st.StateData))
		for k, v := range st.StateData {
			cp.StateData[k] = v
		}
	}
	return &cp, nil
}

func (s *InMemoryStore) DeleteFlowState(sessionID string, flowType models.FlowType) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.flows, flowKey{sessionID, flowType})
	return nil
}

func (s *InMemoryStore) SavePromptTemplate(t models.PromptTemplate) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if t.UpdatedAt.IsZero() {
		t.UpdatedAt = time.Now()
	}
	s.templates[templateKey{t.Key, t.Version, t.Implementation}] = t
	return nil
}

func (s *InMemoryStore) GetPromptTemplate(key string, version int, implementation string) (*models.PromptTemplate, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if version > 0 {
		t, ok := s.templates[templateKey{key, version, implementation}]
		if !ok {
			return nil, ErrTemplateNotFound
		}
		return &t, nil
	}
	var best *models.PromptTemplate
	for k, t := range s.templates {
		if k.key != key || k.implementation != implementation {
			continue
		}
		if best == nil || t.Version > best.Version {
			cp := t
			best = &cp
		}
	}
	if best == nil {
		return nil, ErrTemplateNotFound
	}
	return best, nil
}

func (s *InMemoryStore) ListPromptTemplates() ([]models.PromptTemplate, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]models.PromptTemplate, 0, len(s.templates))
	for _, t := range s.templates {
		out = append(out, t)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Key != out[j].Key {
			return out[i].Key < out[j].Key
		}
		if out[i].Implementation != out[j].Implementation {
			return out[i].Implementation < out[j].Implementation
		}
		return out[i].Version < out[j].Version
	})
	return out, nil
}

func (s *InMemoryStore) SaveWorkflowRun(r models.WorkflowRunRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if existing, ok := s.runs[r.RunID]; ok && r.CreatedAt.IsZero() {
		r.CreatedAt = existing.CreatedAt
	}
	s.runs[r.RunID] = r
	return nil
}

func (s *InMemoryStore) GetWorkflowRun(runID string) (*models.WorkflowRunRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	r, ok := s.runs[runID]
	if !ok {
		return nil, nil
	}
	return &r, nil
}

// Close is a no-op for the in-memory store.
func (s *InMemoryStore) Close() error {
	return nil
}

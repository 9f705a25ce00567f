package onboarding

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/BTreeMap/AffirmFlow/internal/affirm"
	"github.com/BTreeMap/AffirmFlow/internal/discovery"
	"github.com/BTreeMap/AffirmFlow/internal/flow"
	"github.com/BTreeMap/AffirmFlow/internal/genai"
	"github.com/BTreeMap/AffirmFlow/internal/models"
	"github.com/BTreeMap/AffirmFlow/internal/prompts"
)

var (
	// ErrSessionBusy is returned when an event arrives while another one for
	// the same session is still being processed.
	ErrSessionBusy = errors.New("session is busy")
	// ErrSessionNotFound is returned for unknown session ids.
	ErrSessionNotFound = errors.New("session not found")
)

// Sources builds the step and batch sources for a variant.
type Sources func(v Variant) (StepSource, BatchSource, error)

// LLMSources wires the discovery controller and batch generator to llm.
func LLMSources(assembler *prompts.Assembler, llm genai.ClientInterface) Sources {
	return func(v Variant) (StepSource, BatchSource, error) {
		cfg, err := v.DiscoveryControllerConfig()
		if err != nil {
			return nil, nil, err
		}
		ref, err := v.Generation.Prompt.Ref(prompts.KeyAffirmationBatch)
		if err != nil {
			return nil, nil, err
		}
		return discovery.NewController(cfg, assembler, llm), affirm.NewGenerator(assembler, llm, ref), nil
	}
}

// Opts holds manager options.
type Opts struct {
	NewID func() string
	Now   func() time.Time
}

// Option configures a Manager.
type Option func(*Opts)

// WithIDGenerator overrides session id generation.
func WithIDGenerator(fn func() string) Option {
	return func(o *Opts) { o.NewID = fn }
}

// WithClock overrides the time source.
func WithClock(fn func() time.Time) Option {
	return func(o *Opts) { o.Now = fn }
}

// Manager loads, applies events to and persists onboarding sessions.
type Manager struct {
	state    flow.StateManager
	variants []Variant
	machines map[string]*Machine
	workflow map[string]bool
	newID    func() string
	now      func() time.Time

	mu   sync.Mutex
	busy map[string]bool
}

// NewManager builds one machine per phase-based variant.
func NewManager(sm flow.StateManager, variants []Variant, sources Sources, opts ...Option) (*Manager, error) {
	o := Opts{NewID: uuid.NewString, Now: time.Now}
	for _, opt := range opts {
		opt(&o)
	}
	m := &Manager{
		state:    sm,
		variants: variants,
		machines: make(map[string]*Machine, len(variants)),
		workflow: make(map[string]bool),
		newID:    o.NewID,
		now:      o.Now,
		busy:     make(map[string]bool),
	}
	for _, v := range variants {
		if v.Workflow {
			m.workflow[v.ID] = true
			continue
		}
		steps, batches, err := sources(v)
		if err != nil {
			return nil, fmt.Errorf("variant %s: %w", v.ID, err)
		}
		mc := NewMachine(v, steps, batches)
		mc.now = o.Now
		m.machines[v.ID] = mc
	}
	slog.Info("Onboarding.NewManager: variants loaded", "phaseVariants", len(m.machines), "workflowVariants", len(m.workflow))
	return m, nil
}

// Variants returns every configured variant.
func (m *Manager) Variants() []Variant {
	return m.variants
}

// Create starts a new session for variantID.
func (m *Manager) Create(ctx context.Context, variantID string) (*Session, error) {
	if m.workflow[variantID] {
		return nil, fmt.Errorf("%w: %s", ErrWorkflowVariant, variantID)
	}
	mc, ok := m.machines[variantID]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrVariantNotFound, variantID)
	}
	s := NewSession(m.newID(), mc.variant, m.now())
	if err := m.save(ctx, s); err != nil {
		return nil, err
	}
	slog.Info("Onboarding.Create: session created", "session", s.ID, "variant", variantID)
	return s, nil
}

// Get loads a session. Loading is true while an event is in flight.
func (m *Manager) Get(ctx context.Context, id string) (*Session, error) {
	s, err := m.load(ctx, id)
	if err != nil {
		return nil, err
	}
	m.mu.Lock()
	s.Loading = m.busy[id]
	m.mu.Unlock()
	return s, nil
}

// Apply runs one event against a session and persists the result. Rejected
// events leave the stored session unchanged.
func (m *Manager) Apply(ctx context.Context, id string, ev Event) (*Session, error) {
	if !m.acquire(id) {
		slog.Warn("Onboarding.Apply: overlapping event rejected", "session", id, "event", ev.Type)
		return nil, ErrSessionBusy
	}
	defer m.release(id)

	current, err := m.load(ctx, id)
	if err != nil {
		return nil, err
	}
	mc, ok := m.machines[current.VariantID]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrVariantNotFound, current.VariantID)
	}

	next := current.Clone()
	if err := mc.Apply(ctx, next, ev); err != nil {
		slog.Debug("Onboarding.Apply: event rejected", "session", id, "event", ev.Type, "phase", current.Phase, "error", err)
		return nil, err
	}
	if err := m.save(ctx, next); err != nil {
		return nil, err
	}
	slog.Debug("Onboarding.Apply: event applied", "session", id, "event", ev.Type, "phase", next.Phase)
	return next, nil
}

// Delete removes a session.
func (m *Manager) Delete(ctx context.Context, id string) error {
	if _, err := m.load(ctx, id); err != nil {
		return err
	}
	return m.state.ResetState(ctx, id, models.FlowTypeOnboarding)
}

func (m *Manager) acquire(id string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.busy[id] {
		return false
	}
	m.busy[id] = true
	return true
}

func (m *Manager) release(id string) {
	m.mu.Lock()
	delete(m.busy, id)
	m.mu.Unlock()
}

func (m *Manager) load(ctx context.Context, id string) (*Session, error) {
	raw, err := m.state.GetStateData(ctx, id, models.FlowTypeOnboarding, models.DataKeySession)
	if err != nil {
		return nil, fmt.Errorf("failed to load session %s: %w", id, err)
	}
	if raw == "" {
		return nil, fmt.Errorf("%w: %s", ErrSessionNotFound, id)
	}
	var s Session
	if err := json.Unmarshal([]byte(raw), &s); err != nil {
		return nil, fmt.Errorf("failed to decode session %s: %w", id, err)
	}
	return &s, nil
}

func (m *Manager) save(ctx context.Context, s *Session) error {
	s.Loading = false
	data, err := json.Marshal(s)
	if err != nil {
		return fmt.Errorf("failed to encode session %s: %w", s.ID, err)
	}
	if err := m.state.SaveState(ctx, s.ID, models.FlowTypeOnboarding, models.StateType(s.Phase), models.DataKeySession, string(data)); err != nil {
		return fmt.Errorf("failed to save session %s: %w", s.ID, err)
	}
	return nil
}

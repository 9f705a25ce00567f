package onboarding

import (
	"context"
	"errors"
	"testing"

	"github.com/BTreeMap/AffirmFlow/internal/flow"
	"github.com/BTreeMap/AffirmFlow/internal/models"
	"github.com/BTreeMap/AffirmFlow/internal/store"
)

func newTestManager(t *testing.T, steps StepSource, batches BatchSource) (*Manager, *store.InMemoryStore) {
	t.Helper()
	st := store.NewInMemoryStore()
	sources := func(v Variant) (StepSource, BatchSource, error) { return steps, batches, nil }
	m, err := NewManager(flow.NewStoreBasedStateManager(st), DefaultVariants(), sources,
		WithIDGenerator(func() string { return "session-1" }))
	if err != nil {
		t.Fatalf("NewManager: %v", err)
	}
	return m, st
}

func TestManager_PersistsSessions(t *testing.T) {
	ctx := context.Background()
	m, st := newTestManager(t, askUntil(1), sized(3))

	s, err := m.Create(ctx, "AP-01")
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	if s.ID != "session-1" || s.Phase != PhaseWelcome {
		t.Fatalf("unexpected new session %+v", s)
	}

	if _, err := m.Apply(ctx, s.ID, Event{Type: EventName, Name: "Alex"}); err != nil {
		t.Fatalf("Apply: %v", err)
	}
	got, err := m.Get(ctx, s.ID)
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if got.Phase != PhaseDiscovery || got.CurrentStep == nil || got.Context.Name != "Alex" {
		t.Errorf("session not persisted: %+v", got)
	}

	fs, _ := st.GetFlowState(s.ID, models.FlowTypeOnboarding)
	if fs == nil || fs.CurrentState != models.StateType(PhaseDiscovery) {
		t.Errorf("flow state should mirror the phase, got %+v", fs)
	}

	// a rejected event leaves the stored session unchanged
	if _, err := m.Apply(ctx, s.ID, Event{Type: EventSwipe, Decision: DecisionApprove}); !errors.Is(err, ErrInvalidTransition) {
		t.Errorf("expected ErrInvalidTransition, got %v", err)
	}
	again, _ := m.Get(ctx, s.ID)
	if again.StepIndex != got.StepIndex || again.Phase != got.Phase {
		t.Error("rejected event changed the stored session")
	}

	if err := m.Delete(ctx, s.ID); err != nil {
		t.Fatalf("Delete: %v", err)
	}
	if _, err := m.Get(ctx, s.ID); !errors.Is(err, ErrSessionNotFound) {
		t.Errorf("expected ErrSessionNotFound after delete, got %v", err)
	}
}

func TestManager_UnknownAndWorkflowVariants(t *testing.T) {
	m, _ := newTestManager(t, askUntil(1), sized(3))
	if _, err := m.Create(context.Background(), "CS-01"); !errors.Is(err, ErrWorkflowVariant) {
		t.Errorf("expected ErrWorkflowVariant, got %v", err)
	}
	if _, err := m.Create(context.Background(), "ZZ-99"); !errors.Is(err, ErrVariantNotFound) {
		t.Errorf("expected ErrVariantNotFound, got %v", err)
	}
	if _, err := m.Apply(context.Background(), "missing", Event{Type: EventReset}); !errors.Is(err, ErrSessionNotFound) {
		t.Errorf("expected ErrSessionNotFound, got %v", err)
	}
}

// blockingSteps holds NextStep until released.
type blockingSteps struct {
	entered chan struct{}
	release chan struct{}
}

func (b *blockingSteps) NextStep(ctx context.Context, g models.GatheringContext) models.DiscoveryStepResponse {
	close(b.entered)
	<-b.release
	return models.DiscoveryStepResponse{Question: "q"}
}

func TestManager_RejectsOverlappingEvents(t *testing.T) {
	ctx := context.Background()
	steps := &blockingSteps{entered: make(chan struct{}), release: make(chan struct{})}
	m, _ := newTestManager(t, steps, sized(3))
	s, err := m.Create(ctx, "AP-01")
	if err != nil {
		t.Fatalf("Create: %v", err)
	}

	done := make(chan error, 1)
	go func() {
		_, err := m.Apply(ctx, s.ID, Event{Type: EventName, Name: "Alex"})
		done <- err
	}()
	<-steps.entered

	if _, err := m.Apply(ctx, s.ID, Event{Type: EventReset}); !errors.Is(err, ErrSessionBusy) {
		t.Errorf("expected ErrSessionBusy, got %v", err)
	}
	loading, err := m.Get(ctx, s.ID)
	if err != nil || !loading.Loading {
		t.Errorf("expected Loading while in flight, got %+v %v", loading, err)
	}

	close(steps.release)
	if err := <-done; err != nil {
		t.Fatalf("first event failed: %v", err)
	}
	after, _ := m.Get(ctx, s.ID)
	if after.Loading || after.Phase != PhaseDiscovery {
		t.Errorf("unexpected session after event: %+v", after)
	}
}

package onboarding

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"

	"github.com/BTreeMap/AffirmFlow/internal/affirm"
	"github.com/BTreeMap/AffirmFlow/internal/models"
)

type stubSteps struct {
	fn    func(g models.GatheringContext) models.DiscoveryStepResponse
	calls int
}

func (s *stubSteps) NextStep(ctx context.Context, g models.GatheringContext) models.DiscoveryStepResponse {
	s.calls++
	return s.fn(g)
}

type stubBatches struct {
	fn       func(req affirm.Request) affirm.Result
	requests []affirm.Request
}

func (s *stubBatches) GenerateBatch(ctx context.Context, req affirm.Request) affirm.Result {
	s.requests = append(s.requests, req)
	return s.fn(req)
}

// askUntil asks questions until n exchanges exist, then reports readiness.
func askUntil(n int) *stubSteps {
	return &stubSteps{fn: func(g models.GatheringContext) models.DiscoveryStepResponse {
		if len(g.Exchanges) >= n {
			return models.DiscoveryStepResponse{ReadyForAffirmations: true, InitialFragments: []string{}, ExpandedFragments: []string{}}
		}
		return models.DiscoveryStepResponse{
			Question:          fmt.Sprintf("Question %d", len(g.Exchanges)+1),
			InitialFragments:  []string{"I feel..."},
			ExpandedFragments: []string{"I feel...", "Lately..."},
		}
	}}
}

// sized returns size distinct affirmations per batch number.
func sized(size int) *stubBatches {
	return &stubBatches{fn: func(req affirm.Request) affirm.Result {
		items := make([]string, size)
		for i := range items {
			items[i] = fmt.Sprintf("I am growing %d.%d", req.BatchNumber, i)
		}
		return affirm.Result{Batch: models.AffirmationBatch{BatchNumber: req.BatchNumber, Affirmations: items}}
	}}
}

func variantByID(t *testing.T, id string) Variant {
	t.Helper()
	for _, v := range DefaultVariants() {
		if v.ID == id {
			return v
		}
	}
	t.Fatalf("variant %s not found", id)
	return Variant{}
}

func apply(t *testing.T, m *Machine, s *Session, ev Event) {
	t.Helper()
	if err := m.Apply(context.Background(), s, ev); err != nil {
		t.Fatalf("Apply(%s) in %s: %v", ev.Type, s.Phase, err)
	}
	if err := CheckInvariants(s); err != nil {
		t.Fatalf("after %s: %v", ev.Type, err)
	}
}

func swipeAll(t *testing.T, m *Machine, s *Session, d Decision) {
	t.Helper()
	for s.Phase == PhaseReview {
		apply(t, m, s, Event{Type: EventSwipe, Decision: d, Affirmation: s.CurrentAffirmation()})
	}
}

func TestMachine_FullFlow(t *testing.T) {
	v := variantByID(t, "FO-05")
	steps, batches := askUntil(2), sized(5)
	m := NewMachine(v, steps, batches)
	s := NewSession("s1", v, time.Now())

	apply(t, m, s, Event{Type: EventName, Name: "  Alex "})
	if s.Phase != PhaseFamiliarity || s.Context.Name != "Alex" {
		t.Fatalf("expected familiarity with trimmed name, got %s %q", s.Phase, s.Context.Name)
	}

	apply(t, m, s, Event{Type: EventFamiliarity, Familiarity: "new"})
	if s.Phase != PhaseDiscovery || s.CurrentStep == nil || s.CurrentStep.Question != "Question 1" {
		t.Fatalf("expected first question, got %s %+v", s.Phase, s.CurrentStep)
	}
	if diff := cmp.Diff([]string{"I feel...", "Lately..."}, s.Suggestions); diff != "" {
		t.Errorf("suggestions should be de-duplicated (-want +got):\n%s", diff)
	}

	apply(t, m, s, Event{Type: EventAnswer, Answer: models.Answer{Text: "Big exam tomorrow"}})
	apply(t, m, s, Event{Type: EventAnswer, Answer: models.Answer{Chips: []string{"nervous"}}})
	if s.Phase != PhasePreSummary {
		t.Fatalf("expected pre-summary, got %s", s.Phase)
	}
	if !strings.Contains(s.Summary, "Alex") || !strings.Contains(s.Summary, "Big exam tomorrow") {
		t.Errorf("unexpected summary %q", s.Summary)
	}
	if s.Context.Exchanges[0].Question != "Question 1" {
		t.Errorf("exchange should record the question asked, got %+v", s.Context.Exchanges[0])
	}

	apply(t, m, s, Event{Type: EventConfirmSummary})
	if s.Phase != PhaseReview || len(s.Unreviewed()) != 5 {
		t.Fatalf("expected review of 5, got %s %d", s.Phase, len(s.Unreviewed()))
	}

	swipeAll(t, m, s, DecisionApprove)
	if s.Phase != PhaseCheckpoint {
		t.Fatalf("below target should reach checkpoint, got %s", s.Phase)
	}
	if got := AvailableEvents(s); !containsEvent(got, EventGenerateMore) || !containsEvent(got, EventFinishEarly) {
		t.Errorf("checkpoint should offer more or finish, got %v", got)
	}

	apply(t, m, s, Event{Type: EventGenerateMore})
	if s.BatchNumber != 2 || s.Phase != PhaseReview {
		t.Fatalf("expected second batch in review, got batch %d %s", s.BatchNumber, s.Phase)
	}
	second := batches.requests[1]
	if second.BatchNumber != 2 || len(second.PreviouslyShown) != 5 || len(second.Approved) != 5 {
		t.Errorf("second request should carry earlier feedback: %+v", second)
	}

	swipeAll(t, m, s, DecisionApprove)
	if s.Phase != PhasePostReview {
		t.Fatalf("target met should skip the checkpoint, got %s", s.Phase)
	}

	apply(t, m, s, Event{Type: EventContinue})
	if s.Phase != PhasePostReview {
		t.Fatalf("first mockup screen should stay in post-review, got %s", s.Phase)
	}
	apply(t, m, s, Event{Type: EventContinue})
	if s.Phase != PhaseCompletion {
		t.Fatalf("expected completion, got %s", s.Phase)
	}
	if len(s.Approved) != 10 || len(s.Discarded) != 0 {
		t.Errorf("expected 10 approved, got %d/%d", len(s.Approved), len(s.Discarded))
	}
}

func containsEvent(list []EventType, e EventType) bool {
	for _, x := range list {
		if x == e {
			return true
		}
	}
	return false
}

// reviewSession builds a session reviewing batch with the given approvals.
func reviewSession(v Variant, approved, batch []string) *Session {
	s := NewSession("s", v, time.Now())
	s.Context = models.GatheringContext{Name: "Alex"}.WithExchange(models.Exchange{Question: "q", Answer: models.Answer{Text: "a"}})
	s.Phase = PhaseReview
	s.Approved = append([]string{}, approved...)
	s.Shown = append(append([]string{}, approved...), batch...)
	s.BatchNumber = 2
	s.BatchesGenerated = 2
	s.CurrentBatch = &models.AffirmationBatch{BatchNumber: 2, Affirmations: batch}
	return s
}

func TestCheckpoint_TargetReachedGoesToPostReview(t *testing.T) {
	if got := CheckpointRoute(30, 30); got != PhasePostReview {
		t.Errorf("CheckpointRoute(30, 30) = %s", got)
	}
	if got := CheckpointRoute(29, 30); got != PhaseCheckpoint {
		t.Errorf("CheckpointRoute(29, 30) = %s", got)
	}

	v := variantByID(t, "FO-05")
	v.Generation.Target = 30
	m := NewMachine(v, askUntil(2), sized(5))

	approved := make([]string, 29)
	for i := range approved {
		approved[i] = fmt.Sprintf("approved %d", i)
	}
	s := reviewSession(v, approved, []string{"last one"})
	s.Target = 30
	apply(t, m, s, Event{Type: EventSwipe, Decision: DecisionApprove})
	if s.Phase != PhasePostReview || len(s.Approved) != 30 {
		t.Fatalf("expected post-review with 30 approved, got %s %d", s.Phase, len(s.Approved))
	}

	// a checkpoint reached with the target already met never offers more
	at := reviewSession(v, append(approved, "last one"), []string{"x"})
	at.Target = 30
	at.Phase = PhaseCheckpoint
	at.ReviewIndex = 1
	at.Discarded = []string{"x"}
	if containsEvent(AvailableEvents(at), EventGenerateMore) {
		t.Error("generate-more offered at target")
	}
	if err := m.Apply(context.Background(), at, Event{Type: EventGenerateMore}); !errors.Is(err, ErrTargetAlreadyMet) {
		t.Errorf("expected ErrTargetAlreadyMet, got %v", err)
	}
}

func TestMachine_GenerationFailureKeepsState(t *testing.T) {
	v := variantByID(t, "FO-05")
	fail := true
	good := sized(5)
	batches := &stubBatches{fn: func(req affirm.Request) affirm.Result {
		if req.BatchNumber == 2 && fail {
			return affirm.Result{Error: "the assistant returned no affirmations", Err: affirm.ErrEmptyBatch, Retryable: true}
		}
		return good.fn(req)
	}}
	m := NewMachine(v, askUntil(1), batches)
	s := NewSession("s", v, time.Now())
	apply(t, m, s, Event{Type: EventName, Name: "Alex"})
	apply(t, m, s, Event{Type: EventFamiliarity, Familiarity: "some"})
	apply(t, m, s, Event{Type: EventAnswer, Answer: models.Answer{Text: "work"}})
	apply(t, m, s, Event{Type: EventConfirmSummary})
	for i := 0; s.Phase == PhaseReview; i++ {
		d := DecisionApprove
		if i%2 == 1 {
			d = DecisionDiscard
		}
		apply(t, m, s, Event{Type: EventSwipe, Decision: d})
	}
	approved, discarded := append([]string{}, s.Approved...), append([]string{}, s.Discarded...)
	exchanges := len(s.Context.Exchanges)

	apply(t, m, s, Event{Type: EventGenerateMore})
	if s.Phase != PhaseGeneration || s.Error == "" || s.RetryAction != RetryGenerate {
		t.Fatalf("expected error banner in generation, got %s %q %q", s.Phase, s.Error, s.RetryAction)
	}
	if !cmp.Equal(approved, s.Approved) || !cmp.Equal(discarded, s.Discarded) || len(s.Context.Exchanges) != exchanges {
		t.Error("accumulated state must not be rolled back")
	}

	fail = false
	apply(t, m, s, Event{Type: EventRetry})
	if s.Phase != PhaseReview || s.Error != "" || s.RetryAction != "" {
		t.Fatalf("retry should recover, got %s %q", s.Phase, s.Error)
	}
	if s.BatchNumber != 2 {
		t.Errorf("retry must reuse the batch number, got %d", s.BatchNumber)
	}
}

func TestMachine_DiscoveryFailureKeepsExchange(t *testing.T) {
	v := variantByID(t, "FO-09")
	failing := false
	inner := askUntil(2)
	steps := &stubSteps{fn: func(g models.GatheringContext) models.DiscoveryStepResponse {
		if failing {
			return models.EmptyDiscoveryStep("Failed to parse agent response")
		}
		return inner.fn(g)
	}}
	m := NewMachine(v, steps, sized(5))
	s := NewSession("s", v, time.Now())
	apply(t, m, s, Event{Type: EventName, Name: "Alex"})
	if s.Phase != PhaseDiscovery {
		t.Fatalf("FO-09 skips familiarity, got %s", s.Phase)
	}

	failing = true
	apply(t, m, s, Event{Type: EventAnswer, Answer: models.Answer{Text: "tired"}})
	if s.Error != "Failed to parse agent response" || s.RetryAction != RetryLoadStep || s.CurrentStep != nil {
		t.Fatalf("expected load-step retry banner, got %q %q", s.Error, s.RetryAction)
	}
	if len(s.Context.Exchanges) != 1 {
		t.Fatal("answer must be kept after a failed step")
	}
	if err := m.Apply(context.Background(), s, Event{Type: EventAnswer, Answer: models.Answer{Text: "again"}}); !errors.Is(err, ErrDiscoveryNotActive) {
		t.Errorf("answer without a question should be rejected, got %v", err)
	}

	failing = false
	apply(t, m, s, Event{Type: EventRetry})
	if s.CurrentStep == nil || s.CurrentStep.Question != "Question 2" || s.Error != "" {
		t.Fatalf("retry should load the next question, got %+v %q", s.CurrentStep, s.Error)
	}
}

func TestMachine_SkipAdvancesScreen(t *testing.T) {
	v := variantByID(t, "FO-08")
	skipped := false
	steps := &stubSteps{fn: func(g models.GatheringContext) models.DiscoveryStepResponse {
		if len(g.Exchanges) == 2 && !skipped {
			skipped = true
			return models.DiscoveryStepResponse{Question: "skip me", Skip: true}
		}
		return models.DiscoveryStepResponse{Question: fmt.Sprintf("screen %d", g.ScreenNumber+1), InitialChips: []string{"a"}}
	}}
	m := NewMachine(v, steps, sized(3))
	s := NewSession("s", v, time.Now())
	apply(t, m, s, Event{Type: EventName, Name: "Alex"})
	apply(t, m, s, Event{Type: EventFamiliarity, Familiarity: "new"})
	apply(t, m, s, Event{Type: EventAnswer, Answer: models.Answer{Text: "a"}})
	apply(t, m, s, Event{Type: EventAnswer, Answer: models.Answer{Text: "b"}})

	if s.CurrentStep == nil || s.CurrentStep.Question != "screen 4" {
		t.Fatalf("expected the skipped screen to be passed, got %+v", s.CurrentStep)
	}
	if len(s.Context.Exchanges) != 2 || s.Context.ScreenNumber != 3 {
		t.Errorf("skip should advance the screen without an exchange, got %d exchanges screen %d",
			len(s.Context.Exchanges), s.Context.ScreenNumber)
	}
}

func TestMachine_ContinuousEmergencyRegeneration(t *testing.T) {
	v := variantByID(t, "FO-12")
	failEmergency := true
	batches := &stubBatches{}
	batches.fn = func(req affirm.Request) affirm.Result {
		switch {
		case len(batches.requests) == 1:
			return affirm.Result{Batch: models.AffirmationBatch{BatchNumber: 1, Affirmations: []string{"I rest", "I try", "I learn"}}}
		case failEmergency:
			failEmergency = false
			return affirm.Result{Error: "failed to get a response from the assistant", Err: affirm.ErrLLMFailure, Retryable: true}
		}
		return sized(40).fn(req)
	}
	m := NewMachine(v, askUntil(1), batches)
	s := NewSession("s", v, time.Now())
	apply(t, m, s, Event{Type: EventName, Name: "Alex"})
	apply(t, m, s, Event{Type: EventFamiliarity, Familiarity: "new"})
	apply(t, m, s, Event{Type: EventAnswer, Answer: models.Answer{Text: "stress"}})
	apply(t, m, s, Event{Type: EventConfirmSummary})

	if s.Phase != PhaseContinuous || s.CurrentCard != "I rest" || len(s.Pool) != 2 {
		t.Fatalf("expected first card drawn from pool, got %s %q %v", s.Phase, s.CurrentCard, s.Pool)
	}
	if got := batches.requests[0].Count; got != affirm.DynamicCount(30, 0) {
		t.Errorf("initial pool should use the dynamic count, got %d", got)
	}

	for i := 0; i < 3; i++ {
		apply(t, m, s, Event{Type: EventSwipe, Decision: DecisionApprove})
	}
	if s.Phase != PhaseContinuous || !s.EmergencyPending || s.RetryAction != RetryNextCard {
		t.Fatalf("expected failed emergency regeneration, got %s pending=%v retry=%q", s.Phase, s.EmergencyPending, s.RetryAction)
	}
	if got := batches.requests[1]; got.Count != affirm.DynamicCount(30, 3) || got.BatchNumber != 2 {
		t.Errorf("emergency request should size for the remaining target: %+v", got)
	}

	apply(t, m, s, Event{Type: EventRetry})
	if s.CurrentCard == "" || s.EmergencyPending || s.EmergencyCount != 1 {
		t.Fatalf("retry should refill the pool, got card %q pending=%v", s.CurrentCard, s.EmergencyPending)
	}

	for s.Phase == PhaseContinuous {
		apply(t, m, s, Event{Type: EventSwipe, Decision: DecisionApprove})
	}
	if s.Phase != PhasePostReview || len(s.Approved) != 30 {
		t.Errorf("expected post-review at 30 approved, got %s %d", s.Phase, len(s.Approved))
	}
}

func TestMachine_SwipeRules(t *testing.T) {
	v := variantByID(t, "FO-05")
	m := NewMachine(v, askUntil(1), sized(3))
	s := reviewSession(v, nil, []string{"one", "two"})

	cases := []struct {
		ev   Event
		want error
	}{
		{Event{Type: EventSwipe, Decision: "maybe"}, ErrInvalidDecision},
		{Event{Type: EventSwipe, Decision: DecisionApprove, Affirmation: "two"}, ErrStaleCard},
		{Event{Type: EventGenerateMore}, ErrInvalidTransition},
		{Event{Type: "dance"}, ErrUnknownEvent},
		{Event{Type: EventRetry}, ErrNothingToRetry},
	}
	for _, c := range cases {
		if err := m.Apply(context.Background(), s, c.ev); !errors.Is(err, c.want) {
			t.Errorf("%+v: expected %v, got %v", c.ev, c.want, err)
		}
	}

	apply(t, m, s, Event{Type: EventSwipe, Decision: DecisionDiscard, Affirmation: "one"})
	if diff := cmp.Diff([]string{"two"}, s.Unreviewed()); diff != "" {
		t.Errorf("unreviewed mismatch (-want +got):\n%s", diff)
	}
	if diff := cmp.Diff([]string{"one"}, s.Discarded); diff != "" {
		t.Errorf("discarded mismatch (-want +got):\n%s", diff)
	}
}

func TestMachine_Validation(t *testing.T) {
	v := variantByID(t, "FO-05")
	m := NewMachine(v, askUntil(1), sized(3))
	s := NewSession("s", v, time.Now())
	if err := m.Apply(context.Background(), s, Event{Type: EventName, Name: "   "}); !errors.Is(err, models.ErrEmptyName) {
		t.Errorf("expected ErrEmptyName, got %v", err)
	}
	if err := m.Apply(context.Background(), s, Event{Type: EventFamiliarity, Familiarity: "new"}); !errors.Is(err, ErrInvalidTransition) {
		t.Errorf("familiarity before name should be rejected, got %v", err)
	}
	apply(t, m, s, Event{Type: EventName, Name: "Alex"})
	if err := m.Apply(context.Background(), s, Event{Type: EventFamiliarity}); !errors.Is(err, ErrEmptyFamiliarity) {
		t.Errorf("expected ErrEmptyFamiliarity, got %v", err)
	}
}

func TestMachine_ResetClearsEverything(t *testing.T) {
	v := variantByID(t, "AP-01")
	m := NewMachine(v, askUntil(1), sized(2))
	s := NewSession("keep-id", v, time.Now())
	created := s.CreatedAt
	apply(t, m, s, Event{Type: EventName, Name: "Alex"})
	apply(t, m, s, Event{Type: EventAnswer, Answer: models.Answer{Text: "x"}})
	swipeAll(t, m, s, DecisionApprove)
	if s.Phase != PhasePostReview {
		t.Fatalf("AP-01 has no checkpoint, expected post-review, got %s", s.Phase)
	}

	apply(t, m, s, Event{Type: EventReset})
	want := NewSession("keep-id", v, created)
	if diff := cmp.Diff(want, s, cmpIgnoreUpdated); diff != "" {
		t.Errorf("reset should restore a fresh session (-want +got):\n%s", diff)
	}
}

var cmpIgnoreUpdated = cmp.FilterPath(func(p cmp.Path) bool {
	return p.Last().String() == ".UpdatedAt"
}, cmp.Ignore())

func TestValidateVariants(t *testing.T) {
	vs := DefaultVariants()
	if len(vs) != 11 {
		t.Errorf("expected 11 embedded variants, got %d", len(vs))
	}
	bad := []string{
		"variants:\n  - id: X\n    phases: [welcome, review, completion]\n",
		"variants:\n  - id: X\n    phases: [welcome, discovery, generation, review, post-review]\n",
		"variants:\n  - id: X\n    phases: [welcome, discovery, generation, continuous, post-review, completion]\n",
		"variants:\n  - id: X\n    workflow: true\n",
		"variants:\n  - id: X\n    phases: [welcome, discovery, generation, review, post-review, completion]\n    discovery:\n      policy: nope\n",
		"variants:\n  - id: X\n    phases: [welcome, discovery, generation, review, post-review, completion]\n  - id: X\n    phases: [welcome, discovery, generation, review, post-review, completion]\n",
	}
	for _, doc := range bad {
		if _, err := ParseVariants([]byte(doc)); err == nil {
			t.Errorf("expected error for:\n%s", doc)
		}
	}
}

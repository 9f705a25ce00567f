package workflow

import (
	"encoding/json"
	"errors"
	"fmt"
	"testing"

	"github.com/google/go-cmp/cmp"
)

type fakeSteps struct {
	ready      []bool
	chatErr    error
	batchErr   error
	chatCalls  []ChatTurnInput
	batchCalls []BatchInput
}

func (f *fakeSteps) ChatTurn(in ChatTurnInput) (ChatTurnOutput, error) {
	f.chatCalls = append(f.chatCalls, in)
	if f.chatErr != nil {
		return ChatTurnOutput{}, f.chatErr
	}
	ready := false
	if len(f.ready) > 0 {
		ready, f.ready = f.ready[0], f.ready[1:]
	}
	return ChatTurnOutput{
		Message:              fmt.Sprintf("question %d", in.TurnNumber),
		SuggestedResponses:   []string{"school", "work"},
		ReadyForAffirmations: ready,
	}, nil
}

func (f *fakeSteps) Batch(in BatchInput) (BatchOutput, error) {
	f.batchCalls = append(f.batchCalls, in)
	if f.batchErr != nil {
		return BatchOutput{}, f.batchErr
	}
	out := make([]string, in.Count)
	for i := range out {
		out[i] = fmt.Sprintf("I am enough %d.%d", in.BatchNumber, i)
	}
	return BatchOutput{Affirmations: out}, nil
}

func mustJSON(t *testing.T, v any) json.RawMessage {
	t.Helper()
	raw, err := json.Marshal(v)
	if err != nil {
		t.Fatal(err)
	}
	return raw
}

func suspendedAt(t *testing.T, pr *Progress) Suspended {
	t.Helper()
	res, err := DecodeSnapshot(pr.Snapshot)
	if err != nil {
		t.Fatalf("DecodeSnapshot: %v", err)
	}
	s, ok := res.(Suspended)
	if !ok {
		t.Fatalf("want suspended run, got %T (%+v)", res, pr.Snapshot)
	}
	return s
}

func TestProcess_ChatThenSwipeToTarget(t *testing.T) {
	p := NewProcess(Settings{MinTurns: 2, MaxTurns: 4, BatchSize: 3, Target: 4})
	steps := &fakeSteps{ready: []bool{true, true, true}}
	pr := &Progress{}

	if err := p.Start(steps, pr, StartInput{Name: " Alex "}); err != nil {
		t.Fatalf("Start: %v", err)
	}
	s := suspendedAt(t, pr)
	if s.Step != StepDiscoveryChat {
		t.Fatalf("step = %q", s.Step)
	}
	var payload ChatPayload
	if err := json.Unmarshal(s.Payload, &payload); err != nil {
		t.Fatal(err)
	}
	if payload.TurnNumber != 1 || payload.AssistantMessage != "question 1" {
		t.Errorf("unexpected payload %+v", payload)
	}
	if pr.Name != "Alex" {
		t.Errorf("name should be trimmed, got %q", pr.Name)
	}

	// One user turn is below the minimum, so the model's readiness is ignored.
	history := []ChatMessage{{Role: RoleAssistant, Content: "question 1"}}
	if err := p.Resume(steps, pr, StepDiscoveryChat, mustJSON(t, ChatResume{Message: "exams", History: history})); err != nil {
		t.Fatalf("Resume chat 1: %v", err)
	}
	if s := suspendedAt(t, pr); s.Step != StepDiscoveryChat {
		t.Fatalf("should still be chatting, at %q", s.Step)
	}

	history = append(history, ChatMessage{Role: RoleUser, Content: "exams"}, ChatMessage{Role: RoleAssistant, Content: "question 2"})
	if err := p.Resume(steps, pr, StepDiscoveryChat, mustJSON(t, ChatResume{Message: "sleep", History: history})); err != nil {
		t.Fatalf("Resume chat 2: %v", err)
	}
	s = suspendedAt(t, pr)
	if s.Step != StepGenerateStream {
		t.Fatalf("want swipe step, got %q", s.Step)
	}
	if pr.Snapshot.Steps[StepDiscoveryChat].Status != StatusCompleted {
		t.Error("discovery step should be completed")
	}
	var swipe SwipePayload
	if err := json.Unmarshal(s.Payload, &swipe); err != nil {
		t.Fatal(err)
	}
	if swipe.BatchNumber != 1 || len(swipe.Affirmations) != 3 || swipe.Target != 4 {
		t.Errorf("unexpected swipe payload %+v", swipe)
	}
	if got := len(Exchanges(steps.batchCalls[0].History)); got != 2 {
		t.Errorf("batch should see 2 exchanges, got %d", got)
	}

	approved := []string{swipe.Affirmations[0], swipe.Affirmations[1]}
	skipped := []string{swipe.Affirmations[2]}
	if err := p.Resume(steps, pr, StepGenerateStream, mustJSON(t, SwipeResume{Approved: approved, Skipped: skipped})); err != nil {
		t.Fatalf("Resume swipe 1: %v", err)
	}
	s = suspendedAt(t, pr)
	var second SwipePayload
	if err := json.Unmarshal(s.Payload, &second); err != nil {
		t.Fatal(err)
	}
	if second.BatchNumber != 2 || second.ApprovedCount != 2 {
		t.Errorf("unexpected second batch %+v", second)
	}
	if got := len(steps.batchCalls[1].Shown); got != 3 {
		t.Errorf("second batch should exclude 3 shown items, got %d", got)
	}

	approved = append(approved, second.Affirmations[0], second.Affirmations[1])
	if err := p.Resume(steps, pr, StepGenerateStream, mustJSON(t, SwipeResume{Approved: approved, Skipped: skipped})); err != nil {
		t.Fatalf("Resume swipe 2: %v", err)
	}
	if pr.Snapshot.Status != StatusCompleted || !pr.Finished() {
		t.Fatalf("run should complete at target, status %q", pr.Snapshot.Status)
	}
	var done Completion
	if err := json.Unmarshal(pr.Snapshot.Result, &done); err != nil {
		t.Fatal(err)
	}
	if diff := cmp.Diff(Completion{Approved: approved, Skipped: skipped}, done); diff != "" {
		t.Errorf("completion mismatch (-want +got):\n%s", diff)
	}
}

func TestProcess_MaxTurnsForcesGeneration(t *testing.T) {
	p := NewProcess(Settings{MinTurns: 1, MaxTurns: 1, BatchSize: 2, Target: 2})
	steps := &fakeSteps{}
	pr := &Progress{}
	if err := p.Start(steps, pr, StartInput{Name: "Alex"}); err != nil {
		t.Fatal(err)
	}
	history := []ChatMessage{{Role: RoleAssistant, Content: "question 1"}}
	if err := p.Resume(steps, pr, StepDiscoveryChat, mustJSON(t, ChatResume{Message: "work", History: history})); err != nil {
		t.Fatal(err)
	}
	if s := suspendedAt(t, pr); s.Step != StepGenerateStream {
		t.Fatalf("max turns should force generation, at %q", s.Step)
	}
	if len(steps.chatCalls) != 1 {
		t.Errorf("no chat call expected once max turns is reached, got %d", len(steps.chatCalls))
	}
}

func TestProcess_SkipDiscovery(t *testing.T) {
	p := NewProcess(Settings{BatchSize: 2})
	steps := &fakeSteps{}
	pr := &Progress{}
	if err := p.Start(steps, pr, StartInput{Name: "Alex", SkipDiscovery: true}); err != nil {
		t.Fatal(err)
	}
	if s := suspendedAt(t, pr); s.Step != StepGenerateStream {
		t.Fatalf("skip should go straight to swipe, at %q", s.Step)
	}
	if len(steps.chatCalls) != 0 {
		t.Error("skip must not call the chat step")
	}
	if pr.Snapshot.Steps[StepDiscoveryChat].Status != StatusCompleted {
		t.Error("skipped discovery should be marked completed")
	}
}

func TestProcess_DoneAndFinish(t *testing.T) {
	p := NewProcess(Settings{MinTurns: 1, MaxTurns: 5, BatchSize: 2, Target: 10})
	steps := &fakeSteps{}
	pr := &Progress{}
	if err := p.Start(steps, pr, StartInput{Name: "Alex"}); err != nil {
		t.Fatal(err)
	}
	history := []ChatMessage{{Role: RoleAssistant, Content: "question 1"}}
	if err := p.Resume(steps, pr, StepDiscoveryChat, mustJSON(t, ChatResume{Message: "work", History: history, Done: true})); err != nil {
		t.Fatal(err)
	}
	if s := suspendedAt(t, pr); s.Step != StepGenerateStream {
		t.Fatalf("done with enough turns should generate, at %q", s.Step)
	}
	if err := p.Resume(steps, pr, StepGenerateStream, mustJSON(t, SwipeResume{Finish: true})); err != nil {
		t.Fatal(err)
	}
	var done Completion
	if err := json.Unmarshal(pr.Snapshot.Result, &done); err != nil {
		t.Fatal(err)
	}
	if done.Approved == nil || done.Skipped == nil {
		t.Error("completion lists should be empty, not null")
	}
}

func TestProcess_RejectsBadCalls(t *testing.T) {
	p := NewProcess(Settings{})
	steps := &fakeSteps{}

	if err := p.Start(steps, &Progress{}, StartInput{Name: "  "}); err == nil {
		t.Error("blank name should be rejected")
	}

	pr := &Progress{}
	if err := p.Resume(steps, pr, StepDiscoveryChat, nil); !errors.Is(err, ErrNotSuspended) {
		t.Errorf("resume before start: got %v", err)
	}
	if err := p.Start(steps, pr, StartInput{Name: "Alex"}); err != nil {
		t.Fatal(err)
	}
	if err := p.Start(steps, pr, StartInput{Name: "Alex"}); !errors.Is(err, ErrAlreadyStarted) {
		t.Errorf("second start: got %v", err)
	}

	before := pr.Snapshot
	if err := p.Resume(steps, pr, StepGenerateStream, mustJSON(t, SwipeResume{})); !errors.Is(err, ErrStepMismatch) {
		t.Errorf("wrong step: got %v", err)
	}
	if err := p.Resume(steps, pr, StepDiscoveryChat, mustJSON(t, ChatResume{Message: " "})); !errors.Is(err, ErrEmptyMessage) {
		t.Errorf("empty message: got %v", err)
	}
	if diff := cmp.Diff(before, pr.Snapshot); diff != "" {
		t.Errorf("rejected resumes must not change the run (-before +after):\n%s", diff)
	}
}

func TestProcess_StepFailureFailsRun(t *testing.T) {
	p := NewProcess(Settings{})
	pr := &Progress{}
	steps := &fakeSteps{chatErr: errors.New("model offline")}
	if err := p.Start(steps, pr, StartInput{Name: "Alex"}); err != nil {
		t.Fatalf("model failures are not call errors: %v", err)
	}
	if pr.Snapshot.Status != StatusFailed || pr.Snapshot.Error != "model offline" {
		t.Errorf("unexpected snapshot %+v", pr.Snapshot)
	}
	if pr.Snapshot.Steps[StepDiscoveryChat].Status != StatusFailed {
		t.Error("the failing step should be marked failed")
	}

	pr = &Progress{}
	steps = &fakeSteps{batchErr: errors.New("empty batch")}
	if err := p.Start(steps, pr, StartInput{Name: "Alex", SkipDiscovery: true}); err != nil {
		t.Fatal(err)
	}
	res, err := DecodeSnapshot(pr.Snapshot)
	if err != nil {
		t.Fatal(err)
	}
	if f, ok := res.(Failed); !ok || f.Error != "empty batch" {
		t.Errorf("want failed result, got %#v", res)
	}
}

func TestExchanges(t *testing.T) {
	got := Exchanges([]ChatMessage{
		{Role: RoleUser, Content: "hello"},
		{Role: RoleAssistant, Content: "What's on your mind?"},
		{Role: RoleUser, Content: "work"},
		{Role: RoleAssistant, Content: "dangling"},
	})
	if len(got) != 2 {
		t.Fatalf("want 2 exchanges, got %d", len(got))
	}
	if got[0].Question != "" || got[1].Question != "What's on your mind?" || got[1].Answer.Text != "work" {
		t.Errorf("unexpected exchanges %+v", got)
	}
}

func TestSettingsDefaults(t *testing.T) {
	got := NewProcess(Settings{MinTurns: 8}).Settings()
	want := Settings{MinTurns: 8, MaxTurns: 8, BatchSize: 10, Target: 15}
	if diff := cmp.Diff(want, got); diff != "" {
		t.Errorf("settings mismatch (-want +got):\n%s", diff)
	}
}

package discovery

import (
	"context"
	"encoding/json"
	"errors"
	"strings"
	"testing"

	"github.com/google/go-cmp/cmp"

	"github.com/BTreeMap/AffirmFlow/internal/models"
	"github.com/BTreeMap/AffirmFlow/internal/parser"
	"github.com/BTreeMap/AffirmFlow/internal/prompts"
)

// mockLLM returns a canned response and records prompts.
type mockLLM struct {
	resp    string
	err     error
	prompts []string
}

func (m *mockLLM) Generate(ctx context.Context, prompt string) (string, error) {
	m.prompts = append(m.prompts, prompt)
	return m.resp, m.err
}

func (m *mockLLM) GeneratePromptWithContext(ctx context.Context, system, user string) (string, error) {
	return m.Generate(ctx, system+"\n"+user)
}

func alexContext() models.GatheringContext {
	return models.GatheringContext{Name: "Alex"}.WithExchange(models.Exchange{
		Question: "What's going on?",
		Answer:   models.Answer{Text: "Big exam tomorrow"},
	})
}

func contextWith(n int) models.GatheringContext {
	g := models.GatheringContext{Name: "Alex"}
	for i := 0; i < n; i++ {
		g = g.WithExchange(models.Exchange{Question: "q", Answer: models.Answer{Text: "a"}})
	}
	return g
}

func newController(cfg Config, llm *mockLLM) *Controller {
	return NewController(cfg, prompts.NewAssembler(prompts.NewDefaultSource()), llm)
}

func TestNextStep_HappyPath(t *testing.T) {
	want := models.DiscoveryStepResponse{
		Question:         "What part worries you most?",
		InitialFragments: []string{"The hardest part is..."},
		ExpandedFragments: []string{
			"I keep thinking...", "What if...", "I'm scared that...", "Part of me...",
			"I wish...", "Lately I...", "It feels like...", "I don't want to...",
		},
		ReadyForAffirmations: false,
	}
	raw, _ := json.Marshal(want)
	llm := &mockLLM{resp: string(raw)}

	got := newController(Config{}, llm).NextStep(context.Background(), alexContext())
	if diff := cmp.Diff(want, got); diff != "" {
		t.Errorf("response changed (-want +got):\n%s", diff)
	}
	if len(llm.prompts) != 1 || !strings.Contains(llm.prompts[0], "Big exam tomorrow") {
		t.Errorf("prompt should embed the exchange history, got %v", llm.prompts)
	}
}

func TestNextStep_MalformedResponse(t *testing.T) {
	llm := &mockLLM{resp: "I think you should ask about how they are feeling today."}
	got := newController(Config{}, llm).NextStep(context.Background(), alexContext())
	want := models.DiscoveryStepResponse{
		Question:             "",
		InitialFragments:     []string{},
		ExpandedFragments:    []string{},
		ReadyForAffirmations: false,
		Error:                "Failed to parse agent response",
	}
	if diff := cmp.Diff(want, got); diff != "" {
		t.Errorf("unexpected error response (-want +got):\n%s", diff)
	}
}

func TestNextStep_LLMFailure(t *testing.T) {
	llm := &mockLLM{err: errors.New("timeout")}
	got := newController(Config{}, llm).NextStep(context.Background(), alexContext())
	if got.Error != ErrMsgLLMFailure || got.Question != "" || len(got.InitialFragments) != 0 {
		t.Errorf("expected empty error response, got %+v", got)
	}
}

func TestNextStep_Validation(t *testing.T) {
	llm := &mockLLM{resp: `{}`}
	c := newController(Config{}, llm)

	if got := c.NextStep(context.Background(), models.GatheringContext{Name: "  "}); got.Error != models.ErrEmptyName.Error() {
		t.Errorf("expected empty-name error, got %q", got.Error)
	}
	if got := c.NextStep(context.Background(), models.GatheringContext{Name: "Alex", ScreenNumber: 2}); got.Error != models.ErrNoExchanges.Error() {
		t.Errorf("expected missing-exchange error, got %q", got.Error)
	}
	if len(llm.prompts) != 0 {
		t.Error("validation failures must not call the LLM")
	}
}

func TestNextStep_ExchangeBounds(t *testing.T) {
	for _, modelReady := range []bool{true, false} {
		for n := 0; n <= 7; n++ {
			resp := `{"question":"q","initialFragments":[],"expandedFragments":[],"readyForAffirmations":` +
				map[bool]string{true: "true", false: "false"}[modelReady] + `}`
			got := newController(Config{}, &mockLLM{resp: resp}).NextStep(context.Background(), contextWith(n))
			switch {
			case n < DefaultMinExchanges && got.ReadyForAffirmations:
				t.Errorf("n=%d model=%v: ready before minimum", n, modelReady)
			case n >= DefaultMaxExchanges && !got.ReadyForAffirmations:
				t.Errorf("n=%d model=%v: not forced ready at maximum", n, modelReady)
			case n >= DefaultMinExchanges && n < DefaultMaxExchanges && got.ReadyForAffirmations != modelReady:
				t.Errorf("n=%d model=%v: model judgement not respected in range", n, modelReady)
			}
		}
	}
}

func TestNextStep_ToneStepNeverSkips(t *testing.T) {
	resp := `{"question":"How do you want these to sound?","initialChips":["gentle"],"expandedChips":["bold"],"readyForAffirmations":false,"skip":true}`
	cfg := Config{Skippable: true, ToneSteps: []int{4}, SuggestionStyle: StyleChips}

	tone := newController(cfg, &mockLLM{resp: resp}).NextStep(context.Background(), contextWith(3))
	if tone.Skip {
		t.Error("tone step must never be skippable")
	}
	if tone.Error != "" || len(tone.InitialChips) != 1 {
		t.Errorf("unexpected tone response %+v", tone)
	}

	other := newController(cfg, &mockLLM{resp: resp}).NextStep(context.Background(), contextWith(2))
	if !other.Skip {
		t.Error("non-tone step in range should honour the model's skip")
	}

	notSkippable := newController(Config{SuggestionStyle: StyleChips}, &mockLLM{resp: resp}).NextStep(context.Background(), contextWith(2))
	if notSkippable.Skip {
		t.Error("variants without skip support must never skip")
	}
}

func TestFixedSequenceUsesScript(t *testing.T) {
	cfg := Config{Policy: PolicyFixedSequence, Questions: []string{"What brings you here?", "What would help?"}}
	resp := `{"question":"model question","initialFragments":["I..."],"expandedFragments":[],"readyForAffirmations":false}`

	llm := &mockLLM{resp: resp}
	got := newController(cfg, llm).NextStep(context.Background(), contextWith(1))
	if got.Question != "What would help?" {
		t.Errorf("expected scripted question, got %q", got.Question)
	}
	if !strings.Contains(llm.prompts[0], "Use exactly this question: What would help?") {
		t.Error("prompt should carry the scripted question")
	}

	done := newController(cfg, &mockLLM{resp: resp}).NextStep(context.Background(), contextWith(2))
	if !done.ReadyForAffirmations {
		t.Error("exhausted script should mark discovery ready")
	}
}

func TestLaneDetection(t *testing.T) {
	lanes := DefaultLanes()
	cases := map[string]string{
		"My boss keeps moving deadlines": "work",
		"I can't sleep and I'm tired":    "wellbeing",
		"I miss my friend":               "relationships",
		"Just curious":                   GeneralLane,
	}
	for answer, want := range cases {
		if got := DetectLane(lanes, answer); got != want {
			t.Errorf("DetectLane(%q) = %s, want %s", answer, got, want)
		}
	}

	g := models.GatheringContext{Name: "Alex"}.WithExchange(models.Exchange{
		Question: "What's on your mind?",
		Answer:   models.Answer{Chips: []string{"work stress"}},
	})
	llm := &mockLLM{resp: `{"question":"q","initialFragments":[],"expandedFragments":[],"readyForAffirmations":false}`}
	newController(Config{Policy: PolicyLaneDetection}, llm).NextStep(context.Background(), g)
	if !strings.Contains(llm.prompts[0], lanes[0].Questions[0]) {
		t.Errorf("expected work lane ladder in prompt:\n%s", llm.prompts[0])
	}
}

func TestChipsStyleKeepsFragmentsEmpty(t *testing.T) {
	resp := `{"question":"q","initialChips":["a"],"expandedChips":["b","c"],"readyForAffirmations":false}`
	got := newController(Config{SuggestionStyle: StyleChips}, &mockLLM{resp: resp}).NextStep(context.Background(), alexContext())
	initial, expanded := got.Suggestions()
	if diff := cmp.Diff([]string{"a"}, initial); diff != "" {
		t.Error(diff)
	}
	if diff := cmp.Diff([]string{"b", "c"}, expanded); diff != "" {
		t.Error(diff)
	}
	if got.InitialFragments == nil || len(got.InitialFragments) != 0 {
		t.Error("fragments should be empty, non-nil slices")
	}

	// a fragments payload does not satisfy the chips schema
	bad := newController(Config{SuggestionStyle: StyleChips}, &mockLLM{resp: `{"question":"q","initialFragments":[],"expandedFragments":[],"readyForAffirmations":false}`}).
		NextStep(context.Background(), alexContext())
	if bad.Error != parser.ParseErrorMessage {
		t.Errorf("expected parse error, got %+v", bad)
	}
}

func TestParsePolicy(t *testing.T) {
	if p, err := ParsePolicy(""); err != nil || p != PolicyEmotionalDimensions {
		t.Errorf("empty policy should default, got %s %v", p, err)
	}
	if _, err := ParsePolicy("random"); err == nil {
		t.Error("expected error for unknown policy")
	}
}

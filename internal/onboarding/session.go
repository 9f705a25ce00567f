package onboarding

import (
	"time"

	"github.com/BTreeMap/AffirmFlow/internal/models"
)

// Retry actions recorded alongside an error banner.
const (
	RetryLoadStep = "load-step"
	RetryGenerate = "generate"
	RetryNextCard = "next-card"
)

// Session is the state of one onboarding run. It is persisted as JSON.
type Session struct {
	ID        string `json:"id"`
	VariantID string `json:"variantId"`
	Phase     Phase  `json:"phase"`
	// StepIndex counts forward steps. It only goes back on reset.
	StepIndex int `json:"stepIndex"`

	Context     models.GatheringContext       `json:"context"`
	CurrentStep *models.DiscoveryStepResponse `json:"currentStep,omitempty"`
	// Suggestions is the de-duplicated union of the step's initial and
	// expanded suggestions.
	Suggestions []string `json:"suggestions,omitempty"`
	Summary     string   `json:"summary,omitempty"`

	BatchNumber      int                      `json:"batchNumber"`
	BatchesGenerated int                      `json:"batchesGenerated"`
	CurrentBatch     *models.AffirmationBatch `json:"currentBatch,omitempty"`
	ReviewIndex      int                      `json:"reviewIndex"`
	Approved         []string                 `json:"approved"`
	Discarded        []string                 `json:"discarded"`
	Shown            []string                 `json:"shown"`
	Target           int                      `json:"target"`

	Pool             []string `json:"pool,omitempty"`
	CurrentCard      string   `json:"currentCard,omitempty"`
	EmergencyPending bool     `json:"emergencyPending,omitempty"`
	EmergencyCount   int      `json:"emergencyCount,omitempty"`

	MockupScreen int `json:"mockupScreen,omitempty"`

	Error       string `json:"error,omitempty"`
	RetryAction string `json:"retryAction,omitempty"`
	Loading     bool   `json:"loading,omitempty"`

	CreatedAt time.Time `json:"createdAt"`
	UpdatedAt time.Time `json:"updatedAt"`
}

// NewSession returns a session at the welcome phase.
func NewSession(id string, v Variant, now time.Time) *Session {
	return &Session{
		ID:        id,
		VariantID: v.ID,
		Phase:     PhaseWelcome,
		Target:    v.Generation.Target,
		Approved:  []string{},
		Discarded: []string{},
		Shown:     []string{},
		CreatedAt: now,
		UpdatedAt: now,
	}
}

// Unreviewed returns the items of the current batch that have not been swiped.
func (s *Session) Unreviewed() []string {
	if s.CurrentBatch == nil || s.ReviewIndex >= len(s.CurrentBatch.Affirmations) {
		return nil
	}
	return s.CurrentBatch.Affirmations[s.ReviewIndex:]
}

// CurrentAffirmation is the card the user is looking at, if any.
func (s *Session) CurrentAffirmation() string {
	switch s.Phase {
	case PhaseReview:
		if u := s.Unreviewed(); len(u) > 0 {
			return u[0]
		}
	case PhaseContinuous:
		return s.CurrentCard
	}
	return ""
}

// TargetReached reports whether the approved count meets the target. A zero
// target means a single pass.
func (s *Session) TargetReached() bool {
	return len(s.Approved) >= s.Target
}

func (s *Session) classified(a string) bool {
	return contains(s.Approved, a) || contains(s.Discarded, a)
}

func (s *Session) setError(msg, retry string) {
	s.Error = msg
	s.RetryAction = retry
}

func (s *Session) clearError() {
	s.Error = ""
	s.RetryAction = ""
}

// Clone returns a deep copy.
func (s *Session) Clone() *Session {
	c := *s
	c.Context.Exchanges = append([]models.Exchange(nil), s.Context.Exchanges...)
	if s.CurrentStep != nil {
		step := *s.CurrentStep
		c.CurrentStep = &step
	}
	if s.CurrentBatch != nil {
		b := *s.CurrentBatch
		b.Affirmations = append([]string(nil), s.CurrentBatch.Affirmations...)
		c.CurrentBatch = &b
	}
	c.Suggestions = append([]string(nil), s.Suggestions...)
	c.Approved = append([]string{}, s.Approved...)
	c.Discarded = append([]string{}, s.Discarded...)
	c.Shown = append([]string{}, s.Shown...)
	c.Pool = append([]string(nil), s.Pool...)
	return &c
}

func contains(list []string, s string) bool {
	for _, x := range list {
		if x == s {
			return true
		}
	}
	return false
}

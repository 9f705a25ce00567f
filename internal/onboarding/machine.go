package onboarding

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/BTreeMap/AffirmFlow/internal/affirm"
	"github.com/BTreeMap/AffirmFlow/internal/discovery"
	"github.com/BTreeMap/AffirmFlow/internal/models"
	"github.com/BTreeMap/AffirmFlow/internal/parser"
)

// EventType names a user or client action.
type EventType string

const (
	EventName           EventType = "name"
	EventFamiliarity    EventType = "familiarity"
	EventLoadStep       EventType = "load-step"
	EventAnswer         EventType = "answer"
	EventConfirmSummary EventType = "confirm-summary"
	EventGenerate       EventType = "generate"
	EventSwipe          EventType = "swipe"
	EventGenerateMore   EventType = "generate-more"
	EventFinishEarly    EventType = "finish-early"
	EventNextCard       EventType = "next-card"
	EventContinue       EventType = "continue"
	EventComplete       EventType = "complete"
	EventReset          EventType = "reset"
	EventRetry          EventType = "retry"
)

// Decision is the outcome of one swipe.
type Decision string

const (
	DecisionApprove Decision = "approve"
	DecisionDiscard Decision = "discard"
)

// Event is the input to Machine.Apply.
type Event struct {
	Type        EventType     `json:"type"`
	Name        string        `json:"name,omitempty"`
	Familiarity string        `json:"familiarity,omitempty"`
	Answer      models.Answer `json:"answer,omitempty"`
	Decision    Decision      `json:"decision,omitempty"`
	// Affirmation optionally names the card being swiped so stale clients
	// are rejected.
	Affirmation string `json:"affirmation,omitempty"`
}

var (
	ErrUnknownEvent       = errors.New("unknown event")
	ErrEmptyFamiliarity   = errors.New("familiarity level is required")
	ErrInvalidDecision    = errors.New("decision must be approve or discard")
	ErrStaleCard          = errors.New("affirmation is not the current card")
	ErrAlreadyClassified  = errors.New("affirmation was already reviewed")
	ErrNothingToRetry     = errors.New("nothing to retry")
	ErrTargetAlreadyMet   = errors.New("target reached, no more batches")
	ErrWorkflowVariant    = errors.New("variant runs on the chat-survey workflow")
	ErrVariantNotFound    = errors.New("variant not found")
	ErrDiscoveryNotActive = errors.New("no discovery question is active")
)

// StepSource produces discovery steps. *discovery.Controller implements it.
type StepSource interface {
	NextStep(ctx context.Context, g models.GatheringContext) models.DiscoveryStepResponse
}

// BatchSource produces affirmation batches. *affirm.Generator implements it.
type BatchSource interface {
	GenerateBatch(ctx context.Context, req affirm.Request) affirm.Result
}

// Machine applies events to sessions of one variant.
type Machine struct {
	variant      Variant
	steps        StepSource
	batches      BatchSource
	count        affirm.CountPolicy
	maxExchanges int
	now          func() time.Time
}

// NewMachine creates a machine for v.
func NewMachine(v Variant, steps StepSource, batches BatchSource) *Machine {
	maxEx := v.Discovery.MaxExchanges
	if maxEx <= 0 {
		maxEx = discovery.DefaultMaxExchanges
	}
	if v.Discovery.MinExchanges > maxEx {
		maxEx = v.Discovery.MinExchanges
	}
	return &Machine{
		variant:      v,
		steps:        steps,
		batches:      batches,
		count:        v.Generation.CountPolicy(),
		maxExchanges: maxEx,
		now:          time.Now,
	}
}

// Variant returns the machine's variant.
func (m *Machine) Variant() Variant {
	return m.variant
}

// Apply mutates s according to ev. A returned error means the event was
// rejected; callers should discard s in that case. Downstream failures are
// not returned: they set s.Error and s.RetryAction instead.
func (m *Machine) Apply(ctx context.Context, s *Session, ev Event) error {
	var err error
	switch ev.Type {
	case EventName:
		err = m.onName(ctx, s, ev)
	case EventFamiliarity:
		err = m.onFamiliarity(ctx, s, ev)
	case EventLoadStep:
		if s.Phase != PhaseDiscovery || s.CurrentStep != nil {
			return m.invalid(s, ev)
		}
		err = m.loadStep(ctx, s)
	case EventAnswer:
		err = m.onAnswer(ctx, s, ev)
	case EventConfirmSummary:
		if s.Phase != PhasePreSummary {
			return m.invalid(s, ev)
		}
		if err = m.enterGeneration(s); err == nil {
			err = m.generate(ctx, s)
		}
	case EventGenerate:
		if s.Phase != PhaseGeneration {
			return m.invalid(s, ev)
		}
		err = m.generate(ctx, s)
	case EventSwipe:
		err = m.onSwipe(ctx, s, ev)
	case EventGenerateMore:
		if s.Phase != PhaseCheckpoint {
			return m.invalid(s, ev)
		}
		if s.TargetReached() {
			return ErrTargetAlreadyMet
		}
		s.BatchNumber++
		s.CurrentBatch = nil
		s.ReviewIndex = 0
		if err = m.enter(s, PhaseGeneration); err == nil {
			err = m.generate(ctx, s)
		}
	case EventFinishEarly:
		if s.Phase != PhaseCheckpoint && s.Phase != PhaseContinuous {
			return m.invalid(s, ev)
		}
		s.CurrentCard = ""
		s.EmergencyPending = false
		s.clearError()
		err = m.enter(s, PhasePostReview)
	case EventNextCard:
		if s.Phase != PhaseContinuous || s.CurrentCard != "" {
			return m.invalid(s, ev)
		}
		err = m.drawCard(ctx, s)
	case EventContinue:
		if s.Phase != PhasePostReview {
			return m.invalid(s, ev)
		}
		s.MockupScreen++
		if s.MockupScreen >= m.variant.MockupScreens {
			err = m.enter(s, PhaseCompletion)
		}
	case EventComplete:
		if s.Phase != PhasePostReview {
			return m.invalid(s, ev)
		}
		err = m.enter(s, PhaseCompletion)
	case EventReset:
		m.reset(s)
	case EventRetry:
		err = m.retry(ctx, s)
	default:
		return fmt.Errorf("%w: %q", ErrUnknownEvent, ev.Type)
	}
	if err != nil {
		return err
	}
	s.UpdatedAt = m.now()
	return nil
}

func (m *Machine) invalid(s *Session, ev Event) error {
	return fmt.Errorf("%w: %s in phase %s", ErrInvalidTransition, ev.Type, s.Phase)
}

// enter moves s to phase to after checking the table and to's requirements.
func (m *Machine) enter(s *Session, to Phase) error {
	if !Allowed(s.Phase, to) || !m.variant.Has(to) {
		return fmt.Errorf("%w: %s -> %s for variant %s", ErrInvalidTransition, s.Phase, to, m.variant.ID)
	}
	if err := Requirements(s, to); err != nil {
		return err
	}
	slog.Debug("Onboarding.enter: phase change", "session", s.ID, "from", s.Phase, "to", to)
	s.Phase = to
	s.StepIndex++
	return nil
}

// following returns the phase after p in the variant's order.
func (m *Machine) following(p Phase) Phase {
	for i, x := range m.variant.Phases {
		if x == p && i+1 < len(m.variant.Phases) {
			return m.variant.Phases[i+1]
		}
	}
	return ""
}

func (m *Machine) onName(ctx context.Context, s *Session, ev Event) error {
	if s.Phase != PhaseWelcome {
		return m.invalid(s, ev)
	}
	g := s.Context
	g.Name = strings.TrimSpace(ev.Name)
	if err := g.ValidateName(); err != nil {
		return err
	}
	s.Context = g
	next := m.following(PhaseWelcome)
	if err := m.enter(s, next); err != nil {
		return err
	}
	if next == PhaseDiscovery {
		return m.loadStep(ctx, s)
	}
	return nil
}

func (m *Machine) onFamiliarity(ctx context.Context, s *Session, ev Event) error {
	if s.Phase != PhaseFamiliarity {
		return m.invalid(s, ev)
	}
	level := strings.TrimSpace(ev.Familiarity)
	if level == "" {
		return ErrEmptyFamiliarity
	}
	s.Context.FamiliarityLevel = level
	if err := m.enter(s, PhaseDiscovery); err != nil {
		return err
	}
	return m.loadStep(ctx, s)
}

func (m *Machine) onAnswer(ctx context.Context, s *Session, ev Event) error {
	if s.Phase != PhaseDiscovery {
		return m.invalid(s, ev)
	}
	if s.CurrentStep == nil {
		return ErrDiscoveryNotActive
	}
	if err := ev.Answer.Validate(); err != nil {
		return err
	}
	s.Context = s.Context.WithExchange(models.Exchange{
		Question: s.CurrentStep.Question,
		Answer:   ev.Answer,
	})
	s.CurrentStep = nil
	s.Suggestions = nil
	return m.loadStep(ctx, s)
}

// loadStep fetches the next discovery step, following skips, and leaves
// discovery once the step reports readiness.
func (m *Machine) loadStep(ctx context.Context, s *Session) error {
	for {
		resp := m.steps.NextStep(ctx, s.Context)
		if resp.Error != "" {
			s.CurrentStep = nil
			s.Suggestions = nil
			s.setError(resp.Error, RetryLoadStep)
			slog.Warn("Onboarding.loadStep: discovery step failed", "session", s.ID, "error", resp.Error)
			return nil
		}
		s.clearError()

		if resp.ReadyForAffirmations && len(s.Context.Exchanges) > 0 {
			s.CurrentStep = nil
			s.Suggestions = nil
			return m.finishDiscovery(ctx, s)
		}
		if resp.Skip && s.Context.ScreenNumber < m.maxExchanges {
			s.Context.ScreenNumber++
			s.StepIndex++
			slog.Debug("Onboarding.loadStep: step skipped", "session", s.ID, "screen", s.Context.ScreenNumber)
			continue
		}

		initial, expanded := resp.Suggestions()
		s.CurrentStep = &resp
		s.Suggestions = parser.MergeSuggestions(initial, expanded)
		s.StepIndex++
		return nil
	}
}

func (m *Machine) finishDiscovery(ctx context.Context, s *Session) error {
	if m.following(PhaseDiscovery) == PhasePreSummary {
		s.Summary = Summarize(s.Context)
		return m.enter(s, PhasePreSummary)
	}
	if err := m.enterGeneration(s); err != nil {
		return err
	}
	return m.generate(ctx, s)
}

func (m *Machine) enterGeneration(s *Session) error {
	if s.BatchNumber == 0 {
		s.BatchNumber = 1
	}
	return m.enter(s, PhaseGeneration)
}

func (m *Machine) request(s *Session, batch, count int) affirm.Request {
	return affirm.Request{
		Context:         s.Context,
		BatchNumber:     batch,
		Approved:        s.Approved,
		Discarded:       s.Discarded,
		PreviouslyShown: s.Shown,
		Count:           count,
	}
}

// accept filters a batch result against everything already shown. It
// returns nil and sets the error banner when nothing usable remains.
func (m *Machine) accept(s *Session, res affirm.Result, retry string) []string {
	if res.Err != nil {
		msg := res.Error
		if msg == "" {
			msg = res.Err.Error()
		}
		s.setError(msg, retry)
		slog.Warn("Onboarding.accept: batch failed", "session", s.ID, "batch", res.Batch.BatchNumber, "error", msg)
		return nil
	}
	items, _ := affirm.FilterRepeats(res.Batch.Affirmations, affirm.SeenSet(s.Approved, s.Discarded, s.Shown))
	if len(items) == 0 {
		err := affirm.ErrEmptyBatch
		if len(res.Batch.Affirmations) > 0 {
			err = affirm.ErrOnlyRepeats
		}
		s.setError(err.Error(), retry)
		return nil
	}
	s.clearError()
	s.Shown = append(s.Shown, items...)
	s.BatchesGenerated++
	return items
}

func (m *Machine) generate(ctx context.Context, s *Session) error {
	res := m.batches.GenerateBatch(ctx, m.request(s, s.BatchNumber, m.count.Count(len(s.Approved))))
	items := m.accept(s, res, RetryGenerate)
	if items == nil {
		return nil
	}
	slog.Info("Onboarding.generate: batch ready", "session", s.ID, "batch", s.BatchNumber, "count", len(items))

	if m.variant.Has(PhaseContinuous) {
		s.Pool = items
		s.CurrentCard = ""
		if err := m.enter(s, PhaseContinuous); err != nil {
			return err
		}
		return m.drawCard(ctx, s)
	}
	s.CurrentBatch = &models.AffirmationBatch{BatchNumber: s.BatchNumber, Affirmations: items}
	s.ReviewIndex = 0
	return m.enter(s, PhaseReview)
}

func (m *Machine) onSwipe(ctx context.Context, s *Session, ev Event) error {
	if s.Phase != PhaseReview && s.Phase != PhaseContinuous {
		return m.invalid(s, ev)
	}
	if ev.Decision != DecisionApprove && ev.Decision != DecisionDiscard {
		return ErrInvalidDecision
	}
	card := s.CurrentAffirmation()
	if card == "" {
		return m.invalid(s, ev)
	}
	if ev.Affirmation != "" && ev.Affirmation != card {
		return ErrStaleCard
	}
	if s.classified(card) {
		return ErrAlreadyClassified
	}
	if ev.Decision == DecisionApprove {
		s.Approved = append(s.Approved, card)
	} else {
		s.Discarded = append(s.Discarded, card)
	}

	if s.Phase == PhaseContinuous {
		s.CurrentCard = ""
		if s.TargetReached() {
			return m.enter(s, PhasePostReview)
		}
		return m.drawCard(ctx, s)
	}

	s.ReviewIndex++
	if len(s.Unreviewed()) > 0 {
		return nil
	}
	if !m.variant.Has(PhaseCheckpoint) {
		return m.enter(s, PhasePostReview)
	}
	return m.enter(s, CheckpointRoute(len(s.Approved), s.Target))
}

// CheckpointRoute picks the phase after a fully reviewed batch: post-review
// once the target is met, otherwise the checkpoint.
func CheckpointRoute(approved, target int) Phase {
	if approved >= target {
		return PhasePostReview
	}
	return PhaseCheckpoint
}

// drawCard shows the next pooled card, regenerating when the pool is empty
// and the target is not yet met.
func (m *Machine) drawCard(ctx context.Context, s *Session) error {
	if len(s.Pool) > 0 {
		s.CurrentCard = s.Pool[0]
		s.Pool = s.Pool[1:]
		s.EmergencyPending = false
		s.clearError()
		return nil
	}
	if s.TargetReached() {
		s.EmergencyPending = false
		return m.enter(s, PhasePostReview)
	}

	s.EmergencyPending = true
	count := affirm.DynamicCount(s.Target, len(s.Approved))
	slog.Info("Onboarding.drawCard: pool exhausted, regenerating", "session", s.ID,
		"approved", len(s.Approved), "target", s.Target, "count", count)
	res := m.batches.GenerateBatch(ctx, m.request(s, s.BatchNumber+1, count))
	items := m.accept(s, res, RetryNextCard)
	if items == nil {
		return nil
	}
	s.BatchNumber++
	s.EmergencyCount++
	s.Pool = items
	return m.drawCard(ctx, s)
}

func (m *Machine) retry(ctx context.Context, s *Session) error {
	switch s.RetryAction {
	case RetryLoadStep:
		if s.Phase != PhaseDiscovery {
			break
		}
		return m.loadStep(ctx, s)
	case RetryGenerate:
		if s.Phase != PhaseGeneration {
			break
		}
		return m.generate(ctx, s)
	case RetryNextCard:
		if s.Phase != PhaseContinuous || s.CurrentCard != "" {
			break
		}
		return m.drawCard(ctx, s)
	}
	return ErrNothingToRetry
}

// reset returns s to the welcome phase and clears everything gathered.
func (m *Machine) reset(s *Session) {
	fresh := NewSession(s.ID, m.variant, s.CreatedAt)
	*s = *fresh
	slog.Info("Onboarding.reset: session reset", "session", s.ID)
}

// AvailableEvents lists the events the session accepts in its current phase.
func AvailableEvents(s *Session) []EventType {
	var out []EventType
	switch s.Phase {
	case PhaseWelcome:
		out = append(out, EventName)
	case PhaseFamiliarity:
		out = append(out, EventFamiliarity)
	case PhaseDiscovery:
		if s.CurrentStep != nil {
			out = append(out, EventAnswer)
		} else {
			out = append(out, EventLoadStep)
		}
	case PhasePreSummary:
		out = append(out, EventConfirmSummary)
	case PhaseGeneration:
		out = append(out, EventGenerate)
	case PhaseReview:
		out = append(out, EventSwipe)
	case PhaseCheckpoint:
		if !s.TargetReached() {
			out = append(out, EventGenerateMore)
		}
		out = append(out, EventFinishEarly)
	case PhaseContinuous:
		if s.CurrentCard != "" {
			out = append(out, EventSwipe)
		} else {
			out = append(out, EventNextCard)
		}
		out = append(out, EventFinishEarly)
	case PhasePostReview:
		out = append(out, EventContinue, EventComplete)
	}
	if s.RetryAction != "" {
		out = append(out, EventRetry)
	}
	return append(out, EventReset)
}

// Summarize builds the pre-summary shown before generation.
func Summarize(g models.GatheringContext) string {
	var b strings.Builder
	fmt.Fprintf(&b, "Here's what I heard, %s:", strings.TrimSpace(g.Name))
	for _, e := range g.Exchanges {
		b.WriteString("\n- ")
		b.WriteString(e.Answer.String())
	}
	return b.String()
}

// Package onboarding implements the per-variant onboarding progression:
// phases, transition rules, and the session aggregate they act on.
package onboarding

import (
	"errors"
	"fmt"
)

// Phase is one stage of the onboarding flow.
type Phase string

const (
	PhaseWelcome     Phase = "welcome"
	PhaseFamiliarity Phase = "familiarity"
	PhaseDiscovery   Phase = "discovery"
	PhasePreSummary  Phase = "pre-summary"
	PhaseGeneration  Phase = "generation"
	PhaseReview      Phase = "review"
	PhaseCheckpoint  Phase = "checkpoint"
	PhaseContinuous  Phase = "continuous"
	PhasePostReview  Phase = "post-review"
	PhaseCompletion  Phase = "completion"
)

// AllPhases in canonical order.
var AllPhases = []Phase{
	PhaseWelcome, PhaseFamiliarity, PhaseDiscovery, PhasePreSummary, PhaseGeneration,
	PhaseReview, PhaseCheckpoint, PhaseContinuous, PhasePostReview, PhaseCompletion,
}

var (
	// ErrInvalidTransition is returned when an event is not allowed in the current phase.
	ErrInvalidTransition = errors.New("invalid transition")
	// ErrInvariant is returned when a target phase's data requirements are unmet.
	ErrInvariant = errors.New("phase requirements not met")
)

// transitions lists the forward edges. Reset is handled separately and is
// the only way back to an earlier phase.
var transitions = map[Phase][]Phase{
	PhaseWelcome:     {PhaseFamiliarity, PhaseDiscovery},
	PhaseFamiliarity: {PhaseDiscovery},
	PhaseDiscovery:   {PhaseDiscovery, PhasePreSummary, PhaseGeneration},
	PhasePreSummary:  {PhaseGeneration},
	PhaseGeneration:  {PhaseReview, PhaseContinuous},
	PhaseReview:      {PhaseReview, PhaseCheckpoint, PhasePostReview},
	PhaseCheckpoint:  {PhaseGeneration, PhasePostReview},
	PhaseContinuous:  {PhaseContinuous, PhasePostReview},
	PhasePostReview:  {PhasePostReview, PhaseCompletion},
	PhaseCompletion:  {},
}

// Allowed reports whether the table has an edge from -> to.
func Allowed(from, to Phase) bool {
	for _, p := range transitions[from] {
		if p == to {
			return true
		}
	}
	return false
}

// Requirements checks the data a session must hold while in phase p.
func Requirements(s *Session, p Phase) error {
	fail := func(msg string) error {
		return fmt.Errorf("%w: %s needs %s", ErrInvariant, p, msg)
	}
	switch p {
	case PhaseWelcome:
		return nil
	case PhaseFamiliarity, PhaseDiscovery:
		if s.Context.ValidateName() != nil {
			return fail("a name")
		}
	case PhasePreSummary:
		if len(s.Context.Exchanges) == 0 {
			return fail("at least one exchange")
		}
	case PhaseGeneration:
		if s.Context.ValidateForGeneration() != nil {
			return fail("a name and at least one exchange")
		}
	case PhaseReview:
		if s.CurrentBatch == nil || len(s.CurrentBatch.Affirmations) == 0 {
			return fail("a non-empty batch")
		}
	case PhaseCheckpoint:
		if s.BatchesGenerated == 0 || len(s.Unreviewed()) != 0 {
			return fail("a fully reviewed batch")
		}
	case PhaseContinuous:
		if len(s.Pool) == 0 && s.CurrentCard == "" && !s.EmergencyPending {
			return fail("a card pool or a pending regeneration")
		}
	case PhasePostReview, PhaseCompletion:
		if s.BatchesGenerated == 0 {
			return fail("a generated batch")
		}
	default:
		return fmt.Errorf("%w: unknown phase %q", ErrInvariant, p)
	}
	return nil
}

// CheckInvariants validates the whole session: phase requirements plus the
// classification rules.
func CheckInvariants(s *Session) error {
	if err := Requirements(s, s.Phase); err != nil {
		return err
	}
	approved := make(map[string]struct{}, len(s.Approved))
	for _, a := range s.Approved {
		if _, dup := approved[a]; dup {
			return fmt.Errorf("%w: %q approved twice", ErrInvariant, a)
		}
		approved[a] = struct{}{}
	}
	discarded := make(map[string]struct{}, len(s.Discarded))
	for _, d := range s.Discarded {
		if _, both := approved[d]; both {
			return fmt.Errorf("%w: %q is both approved and discarded", ErrInvariant, d)
		}
		if _, dup := discarded[d]; dup {
			return fmt.Errorf("%w: %q discarded twice", ErrInvariant, d)
		}
		discarded[d] = struct{}{}
	}
	if s.CurrentBatch != nil && s.Phase == PhaseReview {
		for i, a := range s.CurrentBatch.Affirmations {
			_, inA := approved[a]
			_, inD := discarded[a]
			if i < s.ReviewIndex && !inA && !inD {
				return fmt.Errorf("%w: reviewed %q is unclassified", ErrInvariant, a)
			}
			if i >= s.ReviewIndex && (inA || inD) {
				return fmt.Errorf("%w: unreviewed %q is classified", ErrInvariant, a)
			}
		}
	}
	return nil
}

package discovery

import (
	"fmt"
	"strings"

	"github.com/BTreeMap/AffirmFlow/internal/models"
)

// Policy selects how the next question is chosen.
type Policy string

const (
	// PolicyEmotionalDimensions walks five emotional dimensions and lets the model phrase each question.
	PolicyEmotionalDimensions Policy = "emotional-dimensions"
	// PolicyFixedSequence asks scripted questions; the model only writes suggestions.
	PolicyFixedSequence Policy = "fixed-sequence"
	// PolicyLaneDetection picks a lane from the first answer and follows that lane's ladder.
	PolicyLaneDetection Policy = "lane-detection"
)

// ParsePolicy validates a policy name.
func ParsePolicy(s string) (Policy, error) {
	switch p := Policy(strings.TrimSpace(s)); p {
	case PolicyEmotionalDimensions, PolicyFixedSequence, PolicyLaneDetection:
		return p, nil
	case "":
		return PolicyEmotionalDimensions, nil
	default:
		return "", fmt.Errorf("unknown discovery policy %q", s)
	}
}

// Dimensions are explored in order by the emotional-dimensions policy.
var Dimensions = []string{
	"what is happening in their life right now",
	"how the situation makes them feel",
	"what they need more of",
	"strengths they already have",
	"how they want to feel going forward",
}

// GeneralLane is chosen when no lane keyword matches.
const GeneralLane = "general"

// Lane is one branch of the lane-detection policy.
type Lane struct {
	Name      string   `yaml:"name" json:"name"`
	Keywords  []string `yaml:"keywords" json:"keywords"`
	Questions []string `yaml:"questions" json:"questions"`
}

// DefaultLanes returns the built-in lane ladders.
func DefaultLanes() []Lane {
	return []Lane{
		{
			Name:     "work",
			Keywords: []string{"work", "job", "boss", "career", "exam", "study", "school", "deadline", "interview"},
			Questions: []string{
				"the part of work or study that weighs on them most",
				"a moment they handled well recently",
				"what success would feel like this week",
			},
		},
		{
			Name:     "relationships",
			Keywords: []string{"partner", "friend", "family", "relationship", "lonely", "mom", "dad", "breakup"},
			Questions: []string{
				"the relationship that is on their mind",
				"what they bring to the people they love",
				"how they want to feel around others",
			},
		},
		{
			Name:     "wellbeing",
			Keywords: []string{"sleep", "health", "body", "anxious", "anxiety", "tired", "stress", "burnout"},
			Questions: []string{
				"when the stress or tiredness shows up most",
				"what already helps them recover",
				"what rest would look like for them",
			},
		},
		{
			Name:     "self-worth",
			Keywords: []string{"confidence", "enough", "worth", "myself", "failure", "doubt", "imposter"},
			Questions: []string{
				"the inner voice that is loudest lately",
				"something they are quietly proud of",
				"what they would tell a friend in their place",
			},
		},
	}
}

// DetectLane returns the first lane whose keyword appears in answer.
func DetectLane(lanes []Lane, answer string) string {
	a := lower(answer)
	for _, l := range lanes {
		for _, kw := range l.Keywords {
			if kw != "" && strings.Contains(a, lower(kw)) {
				return l.Name
			}
		}
	}
	return GeneralLane
}

// stepPlan is what a policy contributes to one step.
type stepPlan struct {
	focus    string
	question string // non-empty when the question is scripted
	lane     string
	// exhausted means the policy has nothing left to ask.
	exhausted bool
}

func (c *Controller) plan(step int, g models.GatheringContext) stepPlan {
	switch c.cfg.Policy {
	case PolicyFixedSequence:
		if step > len(c.cfg.Questions) {
			return stepPlan{focus: "wrap up and confirm they are ready", exhausted: true}
		}
		q := c.cfg.Questions[step-1]
		return stepPlan{focus: "Use exactly this question: " + q, question: q}

	case PolicyLaneDetection:
		if len(g.Exchanges) == 0 {
			return stepPlan{focus: "find out which area of life they most want support with"}
		}
		lane := DetectLane(c.cfg.Lanes, g.Exchanges[0].Answer.String())
		var ladder []string
		for _, l := range c.cfg.Lanes {
			if l.Name == lane {
				ladder = l.Questions
				break
			}
		}
		idx := len(g.Exchanges) - 1
		if idx < len(ladder) {
			return stepPlan{focus: ladder[idx], lane: lane}
		}
		return stepPlan{focus: Dimensions[len(Dimensions)-1], lane: lane}

	default:
		idx := step - 1
		if idx >= len(Dimensions) {
			idx = len(Dimensions) - 1
		}
		return stepPlan{focus: Dimensions[idx]}
	}
}

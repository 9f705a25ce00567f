// Package discovery decides the next discovery question for an onboarding
// session and whether enough context has been gathered to write affirmations.
package discovery

import (
	"context"
	"log/slog"
	"strings"

	"github.com/BTreeMap/AffirmFlow/internal/genai"
	"github.com/BTreeMap/AffirmFlow/internal/models"
	"github.com/BTreeMap/AffirmFlow/internal/parser"
	"github.com/BTreeMap/AffirmFlow/internal/prompts"
)

// Default bounds shared by most variants.
const (
	DefaultMinExchanges  = 2
	DefaultMaxExchanges  = 5
	DefaultExpandedCount = 8
)

// ErrMsgLLMFailure is the user-facing message for transport failures.
const ErrMsgLLMFailure = "Failed to get a response from the assistant"

// Suggestion styles.
const (
	StyleFragments = "fragments"
	StyleChips     = "chips"
)

// Config is the per-variant discovery configuration.
type Config struct {
	Policy          Policy
	MinExchanges    int
	MaxExchanges    int
	ExpandedCount   int
	SuggestionStyle string
	// Skippable variants honour the model's skip signal.
	Skippable bool
	// ToneSteps lists 1-based step numbers that may never be skipped.
	ToneSteps []int
	// Questions is the script for the fixed-sequence policy.
	Questions []string
	// Lanes configures the lane-detection policy; DefaultLanes is used when empty.
	Lanes  []Lane
	Prompt prompts.Ref
}

func (c Config) withDefaults() Config {
	if c.Policy == "" {
		c.Policy = PolicyEmotionalDimensions
	}
	if c.MinExchanges <= 0 {
		c.MinExchanges = DefaultMinExchanges
	}
	if c.MaxExchanges <= 0 {
		c.MaxExchanges = DefaultMaxExchanges
	}
	if c.MaxExchanges < c.MinExchanges {
		c.MaxExchanges = c.MinExchanges
	}
	if c.ExpandedCount <= 0 {
		c.ExpandedCount = DefaultExpandedCount
	}
	if c.SuggestionStyle == "" {
		c.SuggestionStyle = StyleFragments
	}
	if c.Prompt.Key == "" {
		c.Prompt.Key = prompts.KeyDiscoveryStep
	}
	if c.Prompt.Implementation == "" {
		c.Prompt.Implementation = prompts.DefaultImplementation
	}
	if c.Policy == PolicyLaneDetection && len(c.Lanes) == 0 {
		c.Lanes = DefaultLanes()
	}
	return c
}

func (c Config) isToneStep(step int) bool {
	for _, s := range c.ToneSteps {
		if s == step {
			return true
		}
	}
	return false
}

// Controller produces DiscoveryStepResponses.
type Controller struct {
	cfg       Config
	assembler *prompts.Assembler
	llm       genai.ClientInterface
}

// NewController creates a controller for one variant configuration.
func NewController(cfg Config, assembler *prompts.Assembler, llm genai.ClientInterface) *Controller {
	return &Controller{cfg: cfg.withDefaults(), assembler: assembler, llm: llm}
}

// Config returns the effective configuration.
func (c *Controller) Config() Config {
	return c.cfg
}

// NextStep asks the model for the next question. It never returns a Go
// error: failures come back as a response with Error set and no data.
func (c *Controller) NextStep(ctx context.Context, g models.GatheringContext) models.DiscoveryStepResponse {
	if err := g.ValidateName(); err != nil {
		return models.EmptyDiscoveryStep(err.Error())
	}
	if g.ScreenNumber > 0 && len(g.Exchanges) == 0 {
		return models.EmptyDiscoveryStep(models.ErrNoExchanges.Error())
	}

	step := g.ScreenNumber + 1
	plan := c.plan(step, g)

	vars := prompts.ContextVars(g)
	vars["stepNumber"] = step
	vars["minExchanges"] = c.cfg.MinExchanges
	vars["maxExchanges"] = c.cfg.MaxExchanges
	vars["expandedCount"] = c.cfg.ExpandedCount
	vars["suggestionStyle"] = c.cfg.SuggestionStyle
	vars["skippable"] = c.cfg.Skippable && !c.cfg.isToneStep(step)
	vars["policy"] = string(c.cfg.Policy)
	vars["focus"] = plan.focus
	if plan.lane != "" {
		vars["lane"] = plan.lane
	}

	prompt := c.assembler.Assemble(ctx, c.cfg.Prompt, vars)
	raw, err := c.llm.Generate(ctx, prompt)
	if err != nil {
		slog.Error("Discovery.NextStep: LLM call failed", "step", step, "error", err)
		return models.EmptyDiscoveryStep(ErrMsgLLMFailure)
	}

	resp, err := parser.Decode[models.DiscoveryStepResponse](raw, c.schema())
	if err != nil {
		slog.Warn("Discovery.NextStep: unparseable response", "step", step, "error", err)
		slog.Debug("Discovery.NextStep: raw response", "step", step, "raw", raw)
		return models.EmptyDiscoveryStep(parser.ParseErrorMessage)
	}
	if c.cfg.SuggestionStyle == StyleChips {
		resp.InitialFragments = []string{}
		resp.ExpandedFragments = []string{}
	}
	resp.Error = ""

	if plan.question != "" {
		resp.Question = plan.question
	}
	if plan.exhausted {
		resp.ReadyForAffirmations = true
	}
	c.clamp(&resp, g, step)

	slog.Debug("Discovery.NextStep: step ready", "step", step, "policy", c.cfg.Policy,
		"ready", resp.ReadyForAffirmations, "skip", resp.Skip)
	return resp
}

func (c *Controller) schema() parser.Schema {
	if c.cfg.SuggestionStyle == StyleChips {
		return parser.Schema{
			{Name: "question", Type: parser.FieldString},
			{Name: "initialChips", Type: parser.FieldStringArray},
			{Name: "expandedChips", Type: parser.FieldStringArray},
			{Name: "readyForAffirmations", Type: parser.FieldBool},
			{Name: "skip", Type: parser.FieldBool, Optional: true},
		}
	}
	return parser.Schema{
		{Name: "question", Type: parser.FieldString},
		{Name: "initialFragments", Type: parser.FieldStringArray},
		{Name: "expandedFragments", Type: parser.FieldStringArray},
		{Name: "readyForAffirmations", Type: parser.FieldBool},
		{Name: "skip", Type: parser.FieldBool, Optional: true},
	}
}

// clamp applies the hard bounds that override the model.
func (c *Controller) clamp(resp *models.DiscoveryStepResponse, g models.GatheringContext, step int) {
	n := len(g.Exchanges)
	resp.ReadyForAffirmations = Clamp(resp.ReadyForAffirmations, n, c.cfg.MinExchanges, c.cfg.MaxExchanges)
	if !c.cfg.Skippable || c.cfg.isToneStep(step) ||
		n < c.cfg.MinExchanges || n >= c.cfg.MaxExchanges ||
		g.ScreenNumber >= c.cfg.MaxExchanges {
		resp.Skip = false
	}
}

// Clamp bounds a readiness signal by the exchange count.
func Clamp(ready bool, exchanges, minExchanges, maxExchanges int) bool {
	if exchanges < minExchanges {
		return false
	}
	if exchanges >= maxExchanges {
		return true
	}
	return ready
}

func lower(s string) string {
	return strings.ToLower(strings.TrimSpace(s))
}

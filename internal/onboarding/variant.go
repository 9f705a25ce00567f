package onboarding

import (
	_ "embed"
	"fmt"
	"os"
	"sort"

	"gopkg.in/yaml.v3"

	"github.com/BTreeMap/AffirmFlow/internal/affirm"
	"github.com/BTreeMap/AffirmFlow/internal/discovery"
	"github.com/BTreeMap/AffirmFlow/internal/prompts"
)

//go:embed variants.yaml
var defaultVariantsYAML []byte

// PromptConfig names a template in variant files.
type PromptConfig struct {
	Key            string `yaml:"key" json:"key"`
	Version        string `yaml:"version" json:"version"`
	Implementation string `yaml:"implementation" json:"implementation"`
}

// Ref converts to a prompts.Ref, defaulting the key.
func (p PromptConfig) Ref(defaultKey string) (prompts.Ref, error) {
	v, err := prompts.ParseVersion(p.Version)
	if err != nil {
		return prompts.Ref{}, err
	}
	ref := prompts.Ref{Key: p.Key, Version: v, Implementation: p.Implementation}
	if ref.Key == "" {
		ref.Key = defaultKey
	}
	if ref.Implementation == "" {
		ref.Implementation = prompts.DefaultImplementation
	}
	return ref, nil
}

// DiscoveryConfig is the discovery block of a variant.
type DiscoveryConfig struct {
	Policy          string           `yaml:"policy" json:"policy"`
	MinExchanges    int              `yaml:"minExchanges" json:"minExchanges"`
	MaxExchanges    int              `yaml:"maxExchanges" json:"maxExchanges"`
	ExpandedCount   int              `yaml:"expandedCount" json:"expandedCount"`
	SuggestionStyle string           `yaml:"suggestionStyle" json:"suggestionStyle"`
	Skippable       bool             `yaml:"skippable" json:"skippable"`
	ToneSteps       []int            `yaml:"toneSteps" json:"toneSteps,omitempty"`
	Questions       []string         `yaml:"questions" json:"questions,omitempty"`
	Lanes           []discovery.Lane `yaml:"lanes" json:"lanes,omitempty"`
	Prompt          PromptConfig     `yaml:"prompt" json:"prompt"`
}

// GenerationConfig is the batch block of a variant.
type GenerationConfig struct {
	Count   int  `yaml:"count" json:"count"`
	Dynamic bool `yaml:"dynamic" json:"dynamic"`
	// Target is the approved count that ends review. Zero means one pass.
	Target int          `yaml:"target" json:"target"`
	Prompt PromptConfig `yaml:"prompt" json:"prompt"`
}

// CountPolicy returns the batch sizing policy.
func (g GenerationConfig) CountPolicy() affirm.CountPolicy {
	return affirm.CountPolicy{Fixed: g.Count, Dynamic: g.Dynamic, Target: g.Target}
}

// ChatSurveyConfig configures workflow-backed variants.
type ChatSurveyConfig struct {
	MinTurns  int          `yaml:"minTurns" json:"minTurns"`
	MaxTurns  int          `yaml:"maxTurns" json:"maxTurns"`
	BatchSize int          `yaml:"batchSize" json:"batchSize"`
	Prompt    PromptConfig `yaml:"prompt" json:"prompt"`
}

// Variant is one onboarding experiment.
type Variant struct {
	ID          string  `yaml:"id" json:"id"`
	Name        string  `yaml:"name" json:"name"`
	Description string  `yaml:"description" json:"description,omitempty"`
	Phases      []Phase `yaml:"phases" json:"phases"`
	// MockupScreens is the number of post-review screens before completion.
	MockupScreens int              `yaml:"mockupScreens" json:"mockupScreens"`
	Discovery     DiscoveryConfig  `yaml:"discovery" json:"discovery"`
	Generation    GenerationConfig `yaml:"generation" json:"generation"`
	// Workflow variants run on the chat-survey workflow engine instead of
	// the phase machine.
	Workflow   bool              `yaml:"workflow" json:"workflow"`
	ChatSurvey *ChatSurveyConfig `yaml:"chatSurvey" json:"chatSurvey,omitempty"`
}

// Has reports whether the variant includes phase p.
func (v Variant) Has(p Phase) bool {
	for _, x := range v.Phases {
		if x == p {
			return true
		}
	}
	return false
}

// DiscoveryControllerConfig converts the discovery block.
func (v Variant) DiscoveryControllerConfig() (discovery.Config, error) {
	policy, err := discovery.ParsePolicy(v.Discovery.Policy)
	if err != nil {
		return discovery.Config{}, err
	}
	ref, err := v.Discovery.Prompt.Ref(prompts.KeyDiscoveryStep)
	if err != nil {
		return discovery.Config{}, err
	}
	return discovery.Config{
		Policy:          policy,
		MinExchanges:    v.Discovery.MinExchanges,
		MaxExchanges:    v.Discovery.MaxExchanges,
		ExpandedCount:   v.Discovery.ExpandedCount,
		SuggestionStyle: v.Discovery.SuggestionStyle,
		Skippable:       v.Discovery.Skippable,
		ToneSteps:       v.Discovery.ToneSteps,
		Questions:       v.Discovery.Questions,
		Lanes:           v.Discovery.Lanes,
		Prompt:          ref,
	}, nil
}

// Validate checks the phase list against the transition table.
func (v Variant) Validate() error {
	if v.ID == "" {
		return fmt.Errorf("variant without id")
	}
	if _, err := v.DiscoveryControllerConfig(); err != nil {
		return fmt.Errorf("variant %s: %w", v.ID, err)
	}
	if _, err := v.Generation.Prompt.Ref(prompts.KeyAffirmationBatch); err != nil {
		return fmt.Errorf("variant %s: %w", v.ID, err)
	}
	if v.Workflow {
		if v.ChatSurvey == nil {
			return fmt.Errorf("variant %s: workflow variants need a chatSurvey block", v.ID)
		}
		return nil
	}
	if len(v.Phases) < 2 || v.Phases[0] != PhaseWelcome || v.Phases[len(v.Phases)-1] != PhaseCompletion {
		return fmt.Errorf("variant %s: phases must run from welcome to completion", v.ID)
	}
	for i := 1; i < len(v.Phases); i++ {
		if !Allowed(v.Phases[i-1], v.Phases[i]) {
			return fmt.Errorf("variant %s: no transition %s -> %s", v.ID, v.Phases[i-1], v.Phases[i])
		}
	}
	for _, p := range []Phase{PhaseDiscovery, PhaseGeneration, PhasePostReview} {
		if !v.Has(p) {
			return fmt.Errorf("variant %s: missing %s phase", v.ID, p)
		}
	}
	if v.Has(PhaseReview) == v.Has(PhaseContinuous) {
		return fmt.Errorf("variant %s: exactly one of review or continuous is required", v.ID)
	}
	if v.Has(PhaseCheckpoint) && !v.Has(PhaseReview) {
		return fmt.Errorf("variant %s: checkpoint requires review", v.ID)
	}
	if v.Has(PhaseContinuous) && v.Generation.Target <= 0 {
		return fmt.Errorf("variant %s: continuous mode requires a target", v.ID)
	}
	return nil
}

type variantFile struct {
	Variants []Variant `yaml:"variants"`
}

// ParseVariants decodes and validates a variants document.
func ParseVariants(data []byte) ([]Variant, error) {
	var f variantFile
	if err := yaml.Unmarshal(data, &f); err != nil {
		return nil, fmt.Errorf("failed to parse variants: %w", err)
	}
	seen := make(map[string]bool, len(f.Variants))
	for _, v := range f.Variants {
		if seen[v.ID] {
			return nil, fmt.Errorf("duplicate variant %s", v.ID)
		}
		seen[v.ID] = true
		if err := v.Validate(); err != nil {
			return nil, err
		}
	}
	sort.Slice(f.Variants, func(i, j int) bool { return f.Variants[i].ID < f.Variants[j].ID })
	return f.Variants, nil
}

// DefaultVariants returns the embedded variant set.
func DefaultVariants() []Variant {
	v, err := ParseVariants(defaultVariantsYAML)
	if err != nil {
		panic(fmt.Sprintf("embedded variants are invalid: %v", err))
	}
	return v
}

// LoadVariants reads variants from path, or returns the embedded set when
// path is empty.
func LoadVariants(path string) ([]Variant, error) {
	if path == "" {
		return DefaultVariants(), nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read variants file %s: %w", path, err)
	}
	return ParseVariants(data)
}

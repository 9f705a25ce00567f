// Package affirm generates batches of affirmations from the gathered
// discovery context and the user's feedback on earlier batches.
package affirm

import (
	"context"
	"errors"
	"log/slog"
	"strings"

	"github.com/BTreeMap/AffirmFlow/internal/genai"
	"github.com/BTreeMap/AffirmFlow/internal/models"
	"github.com/BTreeMap/AffirmFlow/internal/parser"
	"github.com/BTreeMap/AffirmFlow/internal/prompts"
)

// Dynamic count policy constants.
const (
	DynamicFloor      = 20
	DynamicMultiplier = 2
)

var (
	// ErrEmptyBatch means the model produced nothing usable. It is distinct
	// from the user liking none of the affirmations.
	ErrEmptyBatch = errors.New("the assistant returned no affirmations")
	// ErrOnlyRepeats means every returned item had been shown before.
	ErrOnlyRepeats = errors.New("the assistant only repeated earlier affirmations")
	// ErrLLMFailure wraps transport errors.
	ErrLLMFailure = errors.New("failed to get a response from the assistant")
)

// Request is one batch request.
type Request struct {
	Context     models.GatheringContext
	BatchNumber int
	Approved    []string
	Discarded   []string
	// PreviouslyShown holds every item generated in earlier batches.
	PreviouslyShown []string
	Count           int
}

// Result is the outcome of GenerateBatch. On failure Err and Error are set
// and Batch is empty.
type Result struct {
	Batch   models.AffirmationBatch `json:"batch"`
	Removed int                     `json:"removed,omitempty"`
	Error   string                  `json:"error,omitempty"`
	// Retryable is true when the same request may succeed if sent again.
	Retryable bool  `json:"retryable,omitempty"`
	Err       error `json:"-"`
}

func failed(err error, retryable bool) Result {
	return Result{Error: err.Error(), Err: err, Retryable: retryable}
}

// CountPolicy decides how many affirmations to request.
type CountPolicy struct {
	Fixed   int  `yaml:"fixed" json:"fixed"`
	Dynamic bool `yaml:"dynamic" json:"dynamic"`
	Target  int  `yaml:"target" json:"target"`
}

// Count returns the request size given the number approved so far.
func (p CountPolicy) Count(approved int) int {
	if p.Dynamic {
		return DynamicCount(p.Target, approved)
	}
	if p.Fixed > 0 {
		return p.Fixed
	}
	return 5
}

// DynamicCount over-generates so that review attrition still reaches target:
// max(2 × remaining, 20).
func DynamicCount(target, approved int) int {
	remaining := target - approved
	if remaining < 0 {
		remaining = 0
	}
	return max(DynamicMultiplier*remaining, DynamicFloor)
}

// Generator calls the LLM for affirmation batches.
type Generator struct {
	assembler *prompts.Assembler
	llm       genai.ClientInterface
	prompt    prompts.Ref
}

// NewGenerator creates a generator using the given template reference.
func NewGenerator(assembler *prompts.Assembler, llm genai.ClientInterface, ref prompts.Ref) *Generator {
	if ref.Key == "" {
		ref.Key = prompts.KeyAffirmationBatch
	}
	if ref.Implementation == "" {
		ref.Implementation = prompts.DefaultImplementation
	}
	return &Generator{assembler: assembler, llm: llm, prompt: ref}
}

// SeenSet returns approved ∪ discarded ∪ previously shown in first-seen order.
func SeenSet(approved, discarded, shown []string) []string {
	return parser.MergeSuggestions(approved, discarded, shown)
}

// BuildVars builds the template bindings for a request.
func BuildVars(req Request) prompts.Vars {
	vars := prompts.ContextVars(req.Context)
	vars["count"] = req.Count
	vars["batchNumber"] = req.BatchNumber
	vars["approved"] = nonNil(req.Approved)
	vars["discarded"] = nonNil(req.Discarded)
	vars["previouslyShown"] = SeenSet(req.Approved, req.Discarded, req.PreviouslyShown)
	return vars
}

// Prompt returns the assembled prompt for req.
func (g *Generator) Prompt(ctx context.Context, req Request) string {
	return g.assembler.Assemble(ctx, g.prompt, BuildVars(req))
}

// GenerateBatch requests one batch. Validation failures return immediately
// without calling the LLM.
func (g *Generator) GenerateBatch(ctx context.Context, req Request) Result {
	if err := req.Context.ValidateForGeneration(); err != nil {
		return failed(err, false)
	}
	if req.Count <= 0 {
		req.Count = 5
	}
	if req.BatchNumber <= 0 {
		req.BatchNumber = 1
	}

	prompt := g.Prompt(ctx, req)
	raw, err := g.llm.Generate(ctx, prompt)
	if err != nil {
		slog.Error("Affirm.GenerateBatch: LLM call failed", "batch", req.BatchNumber, "error", err)
		return failed(ErrLLMFailure, true)
	}

	items, err := parser.StringArray(raw, "affirmations")
	if err != nil || len(clean(items)) == 0 {
		slog.Warn("Affirm.GenerateBatch: no affirmations parsed", "batch", req.BatchNumber)
		slog.Debug("Affirm.GenerateBatch: raw response", "raw", raw)
		return failed(ErrEmptyBatch, true)
	}

	fresh, removed := FilterRepeats(clean(items), SeenSet(req.Approved, req.Discarded, req.PreviouslyShown))
	if len(fresh) == 0 {
		slog.Warn("Affirm.GenerateBatch: every item was a repeat", "batch", req.BatchNumber, "removed", removed)
		return failed(ErrOnlyRepeats, true)
	}
	if removed > 0 {
		slog.Info("Affirm.GenerateBatch: dropped repeated affirmations", "batch", req.BatchNumber, "removed", removed)
	}

	slog.Debug("Affirm.GenerateBatch: batch generated", "batch", req.BatchNumber, "requested", req.Count, "received", len(fresh))
	return Result{
		Batch:   models.AffirmationBatch{BatchNumber: req.BatchNumber, Affirmations: fresh},
		Removed: removed,
	}
}

// FilterRepeats drops items already in seen and duplicates within items.
// Comparison ignores case and surrounding whitespace.
func FilterRepeats(items, seen []string) ([]string, int) {
	known := make(map[string]struct{}, len(seen)+len(items))
	for _, s := range seen {
		known[normalize(s)] = struct{}{}
	}
	out := make([]string, 0, len(items))
	removed := 0
	for _, it := range items {
		k := normalize(it)
		if _, dup := known[k]; dup {
			removed++
			continue
		}
		known[k] = struct{}{}
		out = append(out, it)
	}
	return out, removed
}

func normalize(s string) string {
	return strings.ToLower(strings.TrimSpace(s))
}

func clean(items []string) []string {
	out := make([]string, 0, len(items))
	for _, it := range items {
		if t := strings.TrimSpace(it); t != "" {
			out = append(out, t)
		}
	}
	return out
}

func nonNil(s []string) []string {
	if s == nil {
		return []string{}
	}
	return s
}

package workflow

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/BTreeMap/AffirmFlow/internal/affirm"
	"github.com/BTreeMap/AffirmFlow/internal/genai"
	"github.com/BTreeMap/AffirmFlow/internal/models"
	"github.com/BTreeMap/AffirmFlow/internal/parser"
	"github.com/BTreeMap/AffirmFlow/internal/prompts"
)

// defaultFocus stands in for discovery when a run skips it.
var defaultFocus = models.Exchange{
	Question: "What would you like affirmations about?",
	Answer:   models.Answer{Text: "general encouragement and self-confidence"},
}

var chatTurnSchema = parser.Schema{
	{Name: "message", Type: parser.FieldString},
	{Name: "suggestedResponses", Type: parser.FieldStringArray, Optional: true},
	{Name: "readyForAffirmations", Type: parser.FieldBool},
}

// Activities performs the model calls of the chat-survey process.
type Activities struct {
	assembler *prompts.Assembler
	llm       genai.ClientInterface
	chatRef   prompts.Ref
	generator *affirm.Generator
}

// NewActivities creates the activity set. Empty refs select the default templates.
func NewActivities(assembler *prompts.Assembler, llm genai.ClientInterface, chatRef, batchRef prompts.Ref) *Activities {
	if chatRef.Key == "" {
		chatRef.Key = prompts.KeyChatTurn
	}
	if chatRef.Implementation == "" {
		chatRef.Implementation = prompts.DefaultImplementation
	}
	return &Activities{
		assembler: assembler,
		llm:       llm,
		chatRef:   chatRef,
		generator: affirm.NewGenerator(assembler, llm, batchRef),
	}
}

// ChatTurn produces the next assistant message.
func (a *Activities) ChatTurn(ctx context.Context, in ChatTurnInput) (ChatTurnOutput, error) {
	history := make([]map[string]any, 0, len(in.History))
	for _, m := range in.History {
		history = append(history, map[string]any{"role": m.Role, "content": m.Content})
	}
	vars := prompts.Vars{
		"name":       in.Name,
		"history":    history,
		"turnNumber": in.TurnNumber,
		"minTurns":   in.MinTurns,
		"maxTurns":   in.MaxTurns,
	}
	raw, err := a.llm.Generate(ctx, a.assembler.Assemble(ctx, a.chatRef, vars))
	if err != nil {
		slog.Error("Workflow.ChatTurn: LLM call failed", "turn", in.TurnNumber, "error", err)
		return ChatTurnOutput{}, fmt.Errorf("failed to get a response from the assistant: %w", err)
	}
	out, err := parser.Decode[ChatTurnOutput](raw, chatTurnSchema)
	if err != nil {
		slog.Warn("Workflow.ChatTurn: unparseable response", "turn", in.TurnNumber)
		slog.Debug("Workflow.ChatTurn: raw response", "raw", raw)
		return ChatTurnOutput{}, fmt.Errorf("%s: %w", parser.ParseErrorMessage, err)
	}
	return out, nil
}

// GenerateBatch produces one batch for the swipe stream.
func (a *Activities) GenerateBatch(ctx context.Context, in BatchInput) (BatchOutput, error) {
	g := models.GatheringContext{Name: in.Name, Exchanges: Exchanges(in.History)}
	if len(g.Exchanges) == 0 {
		g = g.WithExchange(defaultFocus)
	}
	res := a.generator.GenerateBatch(ctx, affirm.Request{
		Context:         g,
		BatchNumber:     in.BatchNumber,
		Approved:        in.Approved,
		Discarded:       in.Skipped,
		PreviouslyShown: in.Shown,
		Count:           in.Count,
	})
	if res.Err != nil {
		return BatchOutput{}, res.Err
	}
	return BatchOutput{Affirmations: res.Batch.Affirmations}, nil
}

// Bind returns Steps that call the activities directly with ctx.
func (a *Activities) Bind(ctx context.Context) Steps {
	return boundSteps{ctx: ctx, acts: a}
}

type boundSteps struct {
	ctx  context.Context
	acts *Activities
}

func (b boundSteps) ChatTurn(in ChatTurnInput) (ChatTurnOutput, error) {
	return b.acts.ChatTurn(b.ctx, in)
}

func (b boundSteps) Batch(in BatchInput) (BatchOutput, error) {
	return b.acts.GenerateBatch(b.ctx, in)
}

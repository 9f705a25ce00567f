package genai

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"strings"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	googlegenai "google.golang.org/genai"
)

// DefaultGeminiModel is used when the Gemini provider is selected without a model.
const DefaultGeminiModel = "gemini-2.5-flash"

// contentService is the subset of the Gemini models API used here.
type contentService interface {
	GenerateContent(ctx context.Context, model string, contents []*googlegenai.Content, config *googlegenai.GenerateContentConfig) (*googlegenai.GenerateContentResponse, error)
}

// GeminiClient generates text through Google's Gemini API.
type GeminiClient struct {
	models       contentService
	model        string
	temperature  float32
	maxTokens    int32
	systemPrompt string
	debugMode    bool
	stateDir     string
}

// NewGeminiClient initializes a Gemini-backed client. The API key falls back
// to GEMINI_API_KEY.
func NewGeminiClient(ctx context.Context, opts ...Option) (*GeminiClient, error) {
	cfg := resolveOpts(opts)
	apiKey := cfg.APIKey
	if apiKey == "" {
		apiKey = os.Getenv("GEMINI_API_KEY")
	}
	if apiKey == "" {
		slog.Error("GenAI NewGeminiClient: GEMINI_API_KEY not set")
		return nil, fmt.Errorf("GEMINI_API_KEY: %w", ErrMissingAPIKey)
	}
	model := cfg.Model
	if model == "" || strings.HasPrefix(model, "gpt-") {
		model = DefaultGeminiModel
	}
	client, err := googlegenai.NewClient(ctx, &googlegenai.ClientConfig{
		APIKey:  apiKey,
		Backend: googlegenai.BackendGeminiAPI,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create Gemini client: %w", err)
	}
	slog.Debug("GenAI NewGeminiClient: Gemini client created", "model", model)
	return &GeminiClient{
		models:       client.Models,
		model:        model,
		temperature:  float32(cfg.Temperature),
		maxTokens:    int32(cfg.MaxTokens),
		systemPrompt: cfg.SystemPrompt,
		debugMode:    cfg.DebugMode,
		stateDir:     cfg.StateDir,
	}, nil
}

// Generate sends a single prompt.
func (g *GeminiClient) Generate(ctx context.Context, prompt string) (string, error) {
	return g.complete(ctx, "Generate", g.systemPrompt, prompt)
}

// GeneratePromptWithContext sends the system prompt as a system instruction.
func (g *GeminiClient) GeneratePromptWithContext(ctx context.Context, systemPrompt, userPrompt string) (string, error) {
	return g.complete(ctx, "GeneratePromptWithContext", systemPrompt, userPrompt)
}

func (g *GeminiClient) complete(ctx context.Context, method, systemPrompt, userPrompt string) (string, error) {
	ctx, span := tracer.Start(ctx, "genai.gemini."+method, trace.WithSpanKind(trace.SpanKindClient))
	defer span.End()
	span.SetAttributes(attribute.String("llm.model", g.model), attribute.Int("llm.prompt_chars", len(userPrompt)))

	config := &googlegenai.GenerateContentConfig{
		Temperature: googlegenai.Ptr(g.temperature),
	}
	if g.maxTokens > 0 {
		config.MaxOutputTokens = g.maxTokens
	}
	if systemPrompt != "" {
		config.SystemInstruction = googlegenai.NewContentFromText(systemPrompt, googlegenai.RoleUser)
	}

	start := time.Now()
	resp, err := g.models.GenerateContent(ctx, g.model, googlegenai.Text(userPrompt), config)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		slog.Error("GenAI.Gemini."+method+": generation failed", "model", g.model, "error", err)
		return "", fmt.Errorf("gemini generation failed: %w", err)
	}
	if resp == nil || len(resp.Candidates) == 0 {
		span.SetStatus(codes.Error, ErrNoChoicesReturned.Error())
		return "", ErrNoChoicesReturned
	}
	text := resp.Text()
	slog.Debug("GenAI.Gemini."+method+": generation succeeded", "model", g.model, "chars", len(text), "elapsed", time.Since(start))
	if g.debugMode {
		writeDebugEntry(g.stateDir, method, g.model, map[string]any{"system": systemPrompt, "user": userPrompt}, text)
	}
	return text, nil
}

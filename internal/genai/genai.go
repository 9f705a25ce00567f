// Package genai provides the LLM text-generation clients used by AffirmFlow.
//
// The core only contracts on plain text output: every client exposes
// Generate(prompt) and GeneratePromptWithContext(system, user). The default
// provider is OpenAI; Gemini is available as an alternate provider.
package genai

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/openai/openai-go"
	"github.com/openai/openai-go/option"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

// Default generation settings
const (
	DefaultModel       = "gpt-4o-mini"
	DefaultTemperature = 0.8
	DefaultMaxTokens   = 2048
)

// Provider names accepted by New.
const (
	ProviderOpenAI = "openai"
	ProviderGemini = "gemini"
)

var (
	// ErrNoChoicesReturned is returned when the model answers with no content.
	ErrNoChoicesReturned = errors.New("no choices returned")
	// ErrMissingAPIKey is returned when no API key could be resolved.
	ErrMissingAPIKey = errors.New("API key not set")
)

var tracer = otel.Tracer("github.com/BTreeMap/AffirmFlow/internal/genai")

// ClientInterface is the LLM collaborator seen by the rest of the system.
type ClientInterface interface {
	// Generate sends a single prompt and returns the model's text.
	Generate(ctx context.Context, prompt string) (string, error)
	// GeneratePromptWithContext sends a system and a user prompt.
	GeneratePromptWithContext(ctx context.Context, systemPrompt, userPrompt string) (string, error)
}

// Opts holds configuration for GenAI clients.
type Opts struct {
	Provider     string
	APIKey       string
	Model        string
	Temperature  float64
	MaxTokens    int
	SystemPrompt string
	DebugMode    bool
	StateDir     string
}

// Option defines a functional option for configuring GenAI clients.
type Option func(*Opts)

// WithProvider selects the LLM provider ("openai" or "gemini").
func WithProvider(p string) Option {
	return func(o *Opts) { o.Provider = p }
}

// WithAPIKey sets the API key.
func WithAPIKey(key string) Option {
	return func(o *Opts) { o.APIKey = key }
}

// WithModel overrides the model name.
func WithModel(model string) Option {
	return func(o *Opts) { o.Model = model }
}

// WithTemperature overrides the sampling temperature.
func WithTemperature(t float64) Option {
	return func(o *Opts) { o.Temperature = t }
}

// WithMaxTokens overrides the completion token limit.
func WithMaxTokens(n int) Option {
	return func(o *Opts) { o.MaxTokens = n }
}

// WithSystemPrompt sets the system prompt sent along with Generate calls.
func WithSystemPrompt(s string) Option {
	return func(o *Opts) { o.SystemPrompt = s }
}

// WithDebugMode enables writing every request/response pair under StateDir/debug.
func WithDebugMode(enabled bool) Option {
	return func(o *Opts) { o.DebugMode = enabled }
}

// WithStateDir sets the directory debug logs are written under.
func WithStateDir(dir string) Option {
	return func(o *Opts) { o.StateDir = dir }
}

func resolveOpts(opts []Option) Opts {
	cfg := Opts{
		Provider:    ProviderOpenAI,
		Temperature: DefaultTemperature,
		MaxTokens:   DefaultMaxTokens,
	}
	for _, opt := range opts {
		opt(&cfg)
	}
	cfg.Provider = strings.ToLower(strings.TrimSpace(cfg.Provider))
	if cfg.Provider == "" {
		cfg.Provider = ProviderOpenAI
	}
	return cfg
}

// New builds a client for the configured provider.
func New(opts ...Option) (ClientInterface, error) {
	cfg := resolveOpts(opts)
	switch cfg.Provider {
	case ProviderOpenAI:
		return NewClient(opts...)
	case ProviderGemini:
		return NewGeminiClient(context.Background(), opts...)
	default:
		return nil, fmt.Errorf("unknown LLM provider %q", cfg.Provider)
	}
}

// chatService defines minimal interface for chat completions.
type chatService interface {
	Create(ctx context.Context, params openai.ChatCompletionNewParams) (openai.ChatCompletion, error)
}

type openAIChatService struct {
	client openai.Client
}

func (s *openAIChatService) Create(ctx context.Context, params openai.ChatCompletionNewParams) (openai.ChatCompletion, error) {
	resp, err := s.client.Chat.Completions.New(ctx, params)
	if err != nil {
		return openai.ChatCompletion{}, err
	}
	return *resp, nil
}

// Client wraps the OpenAI chat completion service.
type Client struct {
	chat         chatService
	model        string
	temperature  float64
	maxTokens    int
	systemPrompt string
	debugMode    bool
	stateDir     string
}

// NewClient initializes an OpenAI-backed client. The API key falls back to
// the OPENAI_API_KEY environment variable.
func NewClient(opts ...Option) (*Client, error) {
	cfg := resolveOpts(opts)
	apiKey := cfg.APIKey
	if apiKey == "" {
		apiKey = os.Getenv("OPENAI_API_KEY")
	}
	if apiKey == "" {
		slog.Error("GenAI NewClient: OPENAI_API_KEY not set")
		return nil, fmt.Errorf("OPENAI_API_KEY: %w", ErrMissingAPIKey)
	}
	model := cfg.Model
	if model == "" {
		model = DefaultModel
	}
	cli := openai.NewClient(option.WithAPIKey(apiKey))
	slog.Debug("GenAI NewClient: OpenAI client created", "model", model, "temperature", cfg.Temperature, "debug", cfg.DebugMode)
	return &Client{
		chat:         &openAIChatService{client: cli},
		model:        model,
		temperature:  cfg.Temperature,
		maxTokens:    cfg.MaxTokens,
		systemPrompt: cfg.SystemPrompt,
		debugMode:    cfg.DebugMode,
		stateDir:     cfg.StateDir,
	}, nil
}

// Generate sends prompt as the user message, preceded by the configured system prompt if any.
func (c *Client) Generate(ctx context.Context, prompt string) (string, error) {
	return c.complete(ctx, "Generate", c.systemPrompt, prompt)
}

// GeneratePromptWithContext generates a response based on the provided system and user prompts.
func (c *Client) GeneratePromptWithContext(ctx context.Context, systemPrompt, userPrompt string) (string, error) {
	return c.complete(ctx, "GeneratePromptWithContext", systemPrompt, userPrompt)
}

func (c *Client) complete(ctx context.Context, method, systemPrompt, userPrompt string) (string, error) {
	ctx, span := tracer.Start(ctx, "genai.openai."+method, trace.WithSpanKind(trace.SpanKindClient))
	defer span.End()
	span.SetAttributes(attribute.String("llm.model", c.model), attribute.Int("llm.prompt_chars", len(userPrompt)))

	var messages []openai.ChatCompletionMessageParamUnion
	if systemPrompt != "" {
		messages = append(messages, openai.SystemMessage(systemPrompt))
	}
	messages = append(messages, openai.UserMessage(userPrompt))

	params := openai.ChatCompletionNewParams{
		Model:       openai.ChatModel(c.model),
		Messages:    messages,
		Temperature: openai.Float(c.temperature),
	}
	if c.maxTokens > 0 {
		params.MaxTokens = openai.Int(int64(c.maxTokens))
	}

	start := time.Now()
	resp, err := c.chat.Create(ctx, params)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		slog.Error("GenAI."+method+": completion failed", "model", c.model, "error", err)
		return "", fmt.Errorf("chat completion failed: %w", err)
	}
	if len(resp.Choices) == 0 {
		span.SetStatus(codes.Error, ErrNoChoicesReturned.Error())
		return "", ErrNoChoicesReturned
	}
	content := resp.Choices[0].Message.Content
	slog.Debug("GenAI."+method+": completion succeeded", "model", c.model, "chars", len(content), "elapsed", time.Since(start))

	if c.debugMode {
		c.writeDebugLog(method, map[string]any{"system": systemPrompt, "user": userPrompt, "temperature": c.temperature}, content)
	}
	return content, nil
}

// writeDebugLog stores one request/response pair as JSON under stateDir/debug.
func (c *Client) writeDebugLog(method string, params map[string]any, response string) {
	writeDebugEntry(c.stateDir, method, c.model, params, response)
}

func writeDebugEntry(stateDir, method, model string, params map[string]any, response string) {
	if stateDir == "" {
		return
	}
	dir := filepath.Join(stateDir, "debug")
	if err := os.MkdirAll(dir, 0755); err != nil {
		slog.Warn("GenAI debug log: failed to create directory", "dir", dir, "error", err)
		return
	}
	now := time.Now()
	entry := map[string]any{
		"timestamp": now.Format(time.RFC3339Nano),
		"method":    method,
		"model":     model,
		"params":    params,
		"response":  response,
	}
	raw, err := json.MarshalIndent(entry, "", "  ")
	if err != nil {
		slog.Warn("GenAI debug log: marshal failed", "error", err)
		return
	}
	name := fmt.Sprintf("%s_%s.json", now.Format("20060102T150405.000000000"), method)
	if err := os.WriteFile(filepath.Join(dir, name), raw, 0644); err != nil {
		slog.Warn("GenAI debug log: write failed", "error", err)
	}
}

package prompts

import (
	"context"
	"errors"
	"log/slog"
	"sync"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"golang.org/x/sync/singleflight"
)

var tracer = otel.Tracer("github.com/BTreeMap/AffirmFlow/internal/prompts")

var errNoSource = errors.New("no template store configured")

// Assembler turns (ref, vars) into the literal prompt text. It never fails:
// any template problem falls back to the hardcoded builder for the key.
type Assembler struct {
	source   TemplateStore
	renderer *Renderer
	group    singleflight.Group

	mu        sync.RWMutex
	fallbacks map[string]FallbackFunc
}

// NewAssembler creates an assembler reading from source. A nil source means
// every prompt comes from the fallback builders.
func NewAssembler(source TemplateStore) *Assembler {
	return &Assembler{
		source:    source,
		renderer:  NewRenderer(),
		fallbacks: defaultFallbacks(),
	}
}

// RegisterFallback installs or replaces the hardcoded builder for key.
func (a *Assembler) RegisterFallback(key string, fn FallbackFunc) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.fallbacks[key] = fn
}

// Assemble returns the prompt for ref rendered with vars.
func (a *Assembler) Assemble(ctx context.Context, ref Ref, vars Vars) string {
	prompt, _ := a.AssembleWithSource(ctx, ref, vars)
	return prompt
}

// AssembleWithSource is Assemble that also reports whether the hardcoded
// fallback was used.
func (a *Assembler) AssembleWithSource(ctx context.Context, ref Ref, vars Vars) (string, bool) {
	ctx, span := tracer.Start(ctx, "prompts.Assemble")
	defer span.End()
	span.SetAttributes(attribute.String("prompt.ref", ref.String()))

	body, err := a.fetch(ctx, ref)
	if err == nil {
		out, rerr := a.renderer.Render(body, vars)
		if rerr == nil {
			span.SetAttributes(attribute.Bool("prompt.fallback", false))
			return out, false
		}
		err = rerr
	}
	slog.Warn("Prompts.Assemble: template unavailable, using hardcoded prompt", "ref", ref.String(), "error", err)
	span.SetAttributes(attribute.Bool("prompt.fallback", true))
	return a.fallback(ref.Key, vars), true
}

func (a *Assembler) fetch(ctx context.Context, ref Ref) (string, error) {
	if a.source == nil {
		return "", errNoSource
	}
	v, err, _ := a.group.Do(ref.String(), func() (any, error) {
		return a.source.Get(ctx, ref.Key, ref.Version, ref.Implementation)
	})
	if err != nil {
		return "", err
	}
	return v.(string), nil
}

func (a *Assembler) fallback(key string, vars Vars) string {
	a.mu.RLock()
	fn, ok := a.fallbacks[key]
	a.mu.RUnlock()
	if !ok {
		return genericFallback(key, vars)
	}
	return fn(vars)
}

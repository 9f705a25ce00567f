package prompts

import (
	"fmt"
	"sync"

	"github.com/osteele/liquid"

	"github.com/BTreeMap/AffirmFlow/internal/models"
)

// Vars are the bindings a template is rendered against. Values are plain
// strings, ints, bools, []string and []map[string]any so that both Liquid
// and the fallback builders can read them.
type Vars map[string]any

func (v Vars) String(key string) string {
	s, _ := v[key].(string)
	return s
}

func (v Vars) Int(key string) int {
	switch n := v[key].(type) {
	case int:
		return n
	case int64:
		return int(n)
	case float64:
		return int(n)
	}
	return 0
}

func (v Vars) Bool(key string) bool {
	b, _ := v[key].(bool)
	return b
}

func (v Vars) Strings(key string) []string {
	switch s := v[key].(type) {
	case []string:
		return s
	case []any:
		out := make([]string, 0, len(s))
		for _, x := range s {
			if str, ok := x.(string); ok {
				out = append(out, str)
			}
		}
		return out
	}
	return nil
}

func (v Vars) Maps(key string) []map[string]any {
	m, _ := v[key].([]map[string]any)
	return m
}

// ExchangeVars flattens exchanges into {question, answer} maps.
func ExchangeVars(exchanges []models.Exchange) []map[string]any {
	out := make([]map[string]any, 0, len(exchanges))
	for _, e := range exchanges {
		out = append(out, map[string]any{
			"question": e.Question,
			"answer":   e.Answer.String(),
		})
	}
	return out
}

// ContextVars seeds Vars from a gathering context.
func ContextVars(g models.GatheringContext) Vars {
	return Vars{
		"name":          g.Name,
		"familiarity":   g.FamiliarityLevel,
		"exchanges":     ExchangeVars(g.Exchanges),
		"exchangeCount": len(g.Exchanges),
		"screenNumber":  g.ScreenNumber,
	}
}

// Renderer renders Liquid templates, caching parsed templates by source.
type Renderer struct {
	engine *liquid.Engine
	cache  sync.Map // string -> *liquid.Template
}

// NewRenderer creates a renderer with the standard Liquid filters.
func NewRenderer() *Renderer {
	return &Renderer{engine: liquid.NewEngine()}
}

// Render parses (or reuses) src and renders it with vars.
func (r *Renderer) Render(src string, vars Vars) (string, error) {
	var tpl *liquid.Template
	if cached, ok := r.cache.Load(src); ok {
		tpl = cached.(*liquid.Template)
	} else {
		parsed, err := r.engine.ParseString(src)
		if err != nil {
			return "", fmt.Errorf("parse template: %w", err)
		}
		r.cache.Store(src, parsed)
		tpl = parsed
	}
	out, err := tpl.RenderString(liquid.Bindings(vars))
	if err != nil {
		return "", fmt.Errorf("render template: %w", err)
	}
	return out, nil
}

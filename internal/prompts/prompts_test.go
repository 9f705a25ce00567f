package prompts

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/BTreeMap/AffirmFlow/internal/models"
	"github.com/BTreeMap/AffirmFlow/internal/store"
)

type stubSource struct {
	body  string
	err   error
	calls int
}

func (s *stubSource) Get(ctx context.Context, key string, version int, implementation string) (string, error) {
	s.calls++
	return s.body, s.err
}

func batchVars() Vars {
	v := ContextVars(models.GatheringContext{
		Name: "alex",
		Exchanges: []models.Exchange{
			{Question: "What's going on?", Answer: models.Answer{Text: "Big exam tomorrow"}},
		},
	})
	v["count"] = 5
	v["batchNumber"] = 2
	v["approved"] = []string{"I am prepared"}
	v["discarded"] = []string{"I am a genius"}
	v["previouslyShown"] = []string{"I am prepared", "I am a genius", "I breathe through stress"}
	return v
}

func TestRenderer(t *testing.T) {
	r := NewRenderer()
	out, err := r.Render(`{% if items.size > 0 %}{{ name | capitalize }}: {{ items | join: ", " }}{% endif %}{% for i in items %}[{{ i }}]{% endfor %}`,
		Vars{"name": "sam", "items": []string{"a", "b"}})
	if err != nil {
		t.Fatalf("render failed: %v", err)
	}
	if out != "Sam: a, b[a][b]" {
		t.Errorf("unexpected render output %q", out)
	}
	if _, err := r.Render(`{% if %}`, Vars{}); err == nil {
		t.Error("expected parse error for malformed template")
	}
}

func TestAssembler_UsesTemplate(t *testing.T) {
	src := &stubSource{body: "Hello {{ name | capitalize }}"}
	a := NewAssembler(src)
	out, fallback := a.AssembleWithSource(context.Background(), Ref{Key: "greeting", Implementation: "x"}, Vars{"name": "river"})
	if fallback {
		t.Error("expected template to be used")
	}
	if out != "Hello River" {
		t.Errorf("unexpected prompt %q", out)
	}
}

func TestAssembler_FallbackOnLookupFailure(t *testing.T) {
	cases := map[string]TemplateStore{
		"nil source":    nil,
		"missing key":   &stubSource{err: store.ErrTemplateNotFound},
		"store down":    &stubSource{err: errors.New("connection refused")},
		"bad template":  &stubSource{body: "{% for x in %}"},
		"default empty": NewDefaultSource(),
	}
	for name, src := range cases {
		t.Run(name, func(t *testing.T) {
			a := NewAssembler(src)
			out, fallback := a.AssembleWithSource(context.Background(), Ref{Key: KeyAffirmationBatch, Implementation: "no-such-impl"}, batchVars())
			if !fallback {
				t.Fatal("expected fallback prompt")
			}
			if !strings.Contains(out, "Write 5 short first-person affirmations for alex") {
				t.Errorf("fallback prompt missing request line:\n%s", out)
			}
		})
	}
}

func TestAssembler_GenericFallback(t *testing.T) {
	a := NewAssembler(nil)
	out := a.Assemble(context.Background(), Ref{Key: "unknown"}, Vars{"b": 2, "a": 1})
	if out != "Task: unknown\na: 1\nb: 2\n" {
		t.Errorf("unexpected generic fallback %q", out)
	}
	a.RegisterFallback("unknown", func(v Vars) string { return "custom" })
	if got := a.Assemble(context.Background(), Ref{Key: "unknown"}, nil); got != "custom" {
		t.Errorf("expected registered fallback, got %q", got)
	}
}

func TestBatchPromptListsEverySeenItem(t *testing.T) {
	vars := batchVars()
	for _, fromTemplate := range []bool{true, false} {
		var a *Assembler
		if fromTemplate {
			a = NewAssembler(NewDefaultSource())
		} else {
			a = NewAssembler(nil)
		}
		out, fallback := a.AssembleWithSource(context.Background(), Ref{Key: KeyAffirmationBatch, Implementation: DefaultImplementation}, vars)
		if fallback == fromTemplate {
			t.Fatalf("fromTemplate=%v but fallback=%v", fromTemplate, fallback)
		}
		for _, seen := range vars.Strings("previouslyShown") {
			if !strings.Contains(out, "- "+seen) {
				t.Errorf("fromTemplate=%v: prompt does not forbid %q:\n%s", fromTemplate, seen, out)
			}
		}
		if !strings.Contains(out, "Big exam tomorrow") {
			t.Errorf("fromTemplate=%v: prompt lacks exchange history", fromTemplate)
		}
	}
}

func TestDefaultTemplatesHaveFallbacks(t *testing.T) {
	templates, err := DefaultTemplates()
	if err != nil {
		t.Fatalf("embedded templates do not parse: %v", err)
	}
	fallbacks := defaultFallbacks()
	r := NewRenderer()
	for _, tpl := range templates {
		if _, ok := fallbacks[tpl.Key]; !ok {
			t.Errorf("template key %s has no fallback builder", tpl.Key)
		}
		if _, err := r.Render(tpl.Body, batchVars()); err != nil {
			t.Errorf("template %s v%d does not render: %v", tpl.Key, tpl.Version, err)
		}
	}
}

func TestFileSource_LatestAndWatch(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "templates.yaml")
	write := func(body string) {
		t.Helper()
		doc := "templates:\n" +
			"  - key: greet\n    version: 1\n    body: old\n" +
			"  - key: greet\n    version: 2\n    body: " + body + "\n"
		if err := os.WriteFile(path, []byte(doc), 0644); err != nil {
			t.Fatal(err)
		}
	}
	write("v2")

	src, err := NewFileSource(path)
	if err != nil {
		t.Fatalf("NewFileSource: %v", err)
	}
	ctx := context.Background()
	if body, _ := src.Get(ctx, "greet", Latest, DefaultImplementation); body != "v2" {
		t.Errorf("expected latest v2, got %q", body)
	}
	if body, _ := src.Get(ctx, "greet", 1, DefaultImplementation); body != "old" {
		t.Errorf("expected v1 body, got %q", body)
	}
	if _, err := src.Get(ctx, "greet", 3, DefaultImplementation); !errors.Is(err, store.ErrTemplateNotFound) {
		t.Errorf("expected not found for v3, got %v", err)
	}

	watchCtx, cancel := context.WithCancel(ctx)
	done := make(chan error, 1)
	go func() { done <- src.Watch(watchCtx) }()
	defer func() {
		cancel()
		<-done
	}()

	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		// rewrite until the watcher has registered the directory
		write("v2-edited")
		for i := 0; i < 20; i++ {
			time.Sleep(50 * time.Millisecond)
			if body, _ := src.Get(ctx, "greet", Latest, DefaultImplementation); body == "v2-edited" {
				return
			}
		}
	}
	t.Error("file change was not picked up by Watch")
}

func TestFileSource_BadReloadKeepsPrevious(t *testing.T) {
	path := filepath.Join(t.TempDir(), "t.yaml")
	os.WriteFile(path, []byte("templates:\n  - key: a\n    version: 1\n    body: one\n"), 0644)
	src, err := NewFileSource(path)
	if err != nil {
		t.Fatal(err)
	}
	os.WriteFile(path, []byte("templates: [ {key: a, version: 0} ]"), 0644)
	if err := src.Reload(); err == nil {
		t.Error("expected reload error for invalid version")
	}
	if body, _ := src.Get(context.Background(), "a", Latest, DefaultImplementation); body != "one" {
		t.Errorf("expected previous templates to stay active, got %q", body)
	}
}

func TestSeedSQLSource(t *testing.T) {
	templates, err := DefaultTemplates()
	if err != nil {
		t.Fatal(err)
	}
	src := NewSQLSource(store.NewInMemoryStore())
	n, err := Seed(context.Background(), src, templates)
	if err != nil || n != len(templates) {
		t.Fatalf("seed wrote %d/%d: %v", n, len(templates), err)
	}
	body, err := src.Get(context.Background(), KeyDiscoveryStep, Latest, DefaultImplementation)
	if err != nil {
		t.Fatal(err)
	}
	if !strings.Contains(body, "suggestionStyle") {
		t.Error("expected latest discovery-step template (version 2)")
	}
}

func TestRedisSource(t *testing.T) {
	addr := os.Getenv("REDIS_ADDR")
	if addr == "" {
		t.Skip("REDIS_ADDR not set")
	}
	rdb, err := DialRedis(context.Background(), addr)
	if err != nil {
		t.Skipf("redis not available: %v", err)
	}
	defer rdb.Close()
	src := NewRedisSource(rdb)
	src.prefix = "affirmflow-test-" + time.Now().Format("150405.000000")
	ctx := context.Background()
	for _, v := range []int{1, 2} {
		if err := src.Put(ctx, models.PromptTemplate{Key: "k", Version: v, Implementation: "i", Body: "body" + string(rune('0'+v))}); err != nil {
			t.Fatal(err)
		}
	}
	if body, err := src.Get(ctx, "k", Latest, "i"); err != nil || body != "body2" {
		t.Errorf("expected body2, got %q err=%v", body, err)
	}
	if _, err := src.Get(ctx, "missing", Latest, "i"); !errors.Is(err, store.ErrTemplateNotFound) {
		t.Errorf("expected not found, got %v", err)
	}
}

func TestParseVersion(t *testing.T) {
	for in, want := range map[string]int{"": Latest, "latest": Latest, "LATEST": Latest, "3": 3} {
		got, err := ParseVersion(in)
		if err != nil || got != want {
			t.Errorf("ParseVersion(%q) = %d, %v", in, got, err)
		}
	}
	for _, bad := range []string{"0", "-1", "v2"} {
		if _, err := ParseVersion(bad); err == nil {
			t.Errorf("expected error for %q", bad)
		}
	}
}

package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"time"

	goredis "github.com/redis/go-redis/v9"
	"golang.org/x/sync/errgroup"
	"gopkg.in/yaml.v3"

	"github.com/BTreeMap/AffirmFlow/internal/api"
	"github.com/BTreeMap/AffirmFlow/internal/flow"
	"github.com/BTreeMap/AffirmFlow/internal/genai"
	"github.com/BTreeMap/AffirmFlow/internal/onboarding"
	"github.com/BTreeMap/AffirmFlow/internal/prompts"
	"github.com/BTreeMap/AffirmFlow/internal/sessionref"
	"github.com/BTreeMap/AffirmFlow/internal/store"
	"github.com/BTreeMap/AffirmFlow/internal/telemetry"
	"github.com/BTreeMap/AffirmFlow/internal/temporalx"
	"github.com/BTreeMap/AffirmFlow/internal/util"
	"github.com/BTreeMap/AffirmFlow/internal/workflow"
)

// runServe wires every component and serves the HTTP API until ctx ends.
func runServe(ctx context.Context, config Config) error {
	slog.Info("Bootstrapping AffirmFlow API", "engine", config.WorkflowEngine, "templates", config.TemplateSource)

	shutdownTracing, err := telemetry.Setup(ctx, buildTelemetryConfig(config, version))
	if err != nil {
		return fmt.Errorf("telemetry: %w", err)
	}
	defer shutdownWithTimeout("telemetry", shutdownTracing)

	st, err := openStore(config)
	if err != nil {
		return err
	}
	defer st.Close()

	rdb, err := openRedis(ctx, config)
	if err != nil {
		return err
	}
	if rdb != nil {
		defer rdb.Close()
	}

	source, fileSource, err := templateSource(config, st, rdb)
	if err != nil {
		return err
	}
	assembler := prompts.NewAssembler(source)

	variants, err := loadVariants(config)
	if err != nil {
		return err
	}
	llm, err := genai.New(buildGenAIOptions(config)...)
	if err != nil {
		return fmt.Errorf("genai: %w", err)
	}

	manager, err := onboarding.NewManager(
		flow.NewStoreBasedStateManager(st),
		variants,
		onboarding.LLMSources(assembler, llm),
		onboarding.WithIDGenerator(util.GenerateSessionID),
	)
	if err != nil {
		return fmt.Errorf("onboarding: %w", err)
	}

	settings, chatRef, batchRef, err := surveySettings(variants)
	if err != nil {
		return err
	}
	engine, closeEngine, err := buildEngine(ctx, config, st, settings, workflow.NewActivities(assembler, llm, chatRef, batchRef))
	if err != nil {
		return err
	}
	defer closeEngine()
	adapter := workflow.NewAdapter(engine, workflow.WithRunIDGenerator(util.GenerateRunID))

	refs, err := openSessionRefs(ctx, rdb)
	if err != nil {
		return err
	}
	defer refs.Close()

	server := api.NewServer(manager, adapter, refs, buildAPIOptions(config)...)

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return server.Run(gctx) })
	if fileSource != nil && config.TemplateFile != "" {
		g.Go(func() error { return fileSource.Watch(gctx) })
	}
	if err := g.Wait(); err != nil {
		return err
	}
	slog.Info("AffirmFlow exited successfully")
	return nil
}

// runWorker hosts the chat-survey workflow and its activities on Temporal.
func runWorker(ctx context.Context, config Config) error {
	shutdownTracing, err := telemetry.Setup(ctx, buildTelemetryConfig(config, version))
	if err != nil {
		return fmt.Errorf("telemetry: %w", err)
	}
	defer shutdownWithTimeout("telemetry", shutdownTracing)

	var st store.Store
	if config.TemplateSource == TemplateSourceSQL {
		if st, err = openStore(config); err != nil {
			return err
		}
		defer st.Close()
	}
	rdb, err := openRedis(ctx, config)
	if err != nil {
		return err
	}
	if rdb != nil {
		defer rdb.Close()
	}
	source, _, err := templateSource(config, st, rdb)
	if err != nil {
		return err
	}
	variants, err := loadVariants(config)
	if err != nil {
		return err
	}
	_, chatRef, batchRef, err := surveySettings(variants)
	if err != nil {
		return err
	}
	llm, err := genai.New(buildGenAIOptions(config)...)
	if err != nil {
		return fmt.Errorf("genai: %w", err)
	}

	tc, err := temporalx.Dial(ctx, buildTemporalConfig(config))
	if err != nil {
		return err
	}
	defer tc.Close()

	acts := workflow.NewActivities(prompts.NewAssembler(source), llm, chatRef, batchRef)
	w := temporalx.NewWorker(tc, config.TemporalTaskQueue, acts)
	if err := w.Start(); err != nil {
		return fmt.Errorf("temporal worker: %w", err)
	}
	slog.Info("AffirmFlow worker started", "taskQueue", config.TemporalTaskQueue)
	<-ctx.Done()
	w.Stop()
	slog.Info("AffirmFlow worker stopped")
	return nil
}

// runSeed writes templates from path, or the built-in set, into the
// configured writable source.
func runSeed(ctx context.Context, config Config, path string) (int, error) {
	templates, err := prompts.DefaultTemplates()
	if path != "" {
		var fs *prompts.FileSource
		if fs, err = prompts.NewFileSource(path); err == nil {
			templates = fs.Templates()
		}
	}
	if err != nil {
		return 0, fmt.Errorf("load templates: %w", err)
	}

	switch config.TemplateSource {
	case TemplateSourceSQL:
		st, err := openStore(config)
		if err != nil {
			return 0, err
		}
		defer st.Close()
		return prompts.Seed(ctx, prompts.NewSQLSource(st), templates)
	case TemplateSourceRedis:
		rdb, err := openRedis(ctx, config)
		if err != nil {
			return 0, err
		}
		if rdb == nil {
			return 0, errors.New("redis template source requires REDIS_ADDR")
		}
		defer rdb.Close()
		return prompts.Seed(ctx, prompts.NewRedisSource(rdb), templates)
	default:
		return 0, fmt.Errorf("template source %q cannot be seeded", config.TemplateSource)
	}
}

// printVariants writes the effective variants as YAML.
func printVariants(w io.Writer, config Config) error {
	variants, err := loadVariants(config)
	if err != nil {
		return err
	}
	enc := yaml.NewEncoder(w)
	enc.SetIndent(2)
	if err := enc.Encode(map[string]any{"variants": variants}); err != nil {
		return err
	}
	return enc.Close()
}

func openStore(config Config) (store.Store, error) {
	if err := ensureDirectoriesExist(config); err != nil {
		slog.Error("Failed to create required directories", "error", err)
		return nil, err
	}
	st, err := store.New(buildStoreOptions(config)...)
	if err != nil {
		return nil, fmt.Errorf("store: %w", err)
	}
	return st, nil
}

// openRedis returns nil when no address is configured.
func openRedis(ctx context.Context, config Config) (*goredis.Client, error) {
	if config.RedisAddr == "" {
		return nil, nil
	}
	rdb, err := prompts.DialRedis(ctx, config.RedisAddr)
	if err != nil {
		return nil, fmt.Errorf("redis: %w", err)
	}
	return rdb, nil
}

// templateSource picks the template backend. The file source is also
// returned so the caller can watch it.
func templateSource(config Config, st store.Store, rdb *goredis.Client) (prompts.TemplateStore, *prompts.FileSource, error) {
	switch config.TemplateSource {
	case TemplateSourceSQL:
		if st == nil {
			return nil, nil, errors.New("sql template source requires a store")
		}
		return prompts.NewSQLSource(st), nil, nil
	case TemplateSourceRedis:
		if rdb == nil {
			return nil, nil, errors.New("redis template source requires REDIS_ADDR")
		}
		return prompts.NewRedisSource(rdb), nil, nil
	case TemplateSourceFile:
		if config.TemplateFile == "" {
			fs := prompts.NewDefaultSource()
			return fs, fs, nil
		}
		fs, err := prompts.NewFileSource(config.TemplateFile)
		if err != nil {
			return nil, nil, fmt.Errorf("templates file: %w", err)
		}
		return fs, fs, nil
	default:
		return nil, nil, fmt.Errorf("unknown template source %q", config.TemplateSource)
	}
}

func loadVariants(config Config) ([]onboarding.Variant, error) {
	variants, err := onboarding.LoadVariants(config.VariantsFile)
	if err != nil {
		return nil, fmt.Errorf("variants: %w", err)
	}
	return variants, nil
}

// surveySettings derives chat-survey settings and prompt refs from the first
// workflow variant. Without one the defaults apply.
func surveySettings(variants []onboarding.Variant) (workflow.Settings, prompts.Ref, prompts.Ref, error) {
	settings := workflow.DefaultSettings()
	var chatPrompt, batchPrompt onboarding.PromptConfig
	for _, v := range variants {
		if !v.Workflow || v.ChatSurvey == nil {
			continue
		}
		cs := v.ChatSurvey
		settings = workflow.Settings{
			MinTurns:  cs.MinTurns,
			MaxTurns:  cs.MaxTurns,
			BatchSize: cs.BatchSize,
			Target:    v.Generation.Target,
		}
		chatPrompt, batchPrompt = cs.Prompt, v.Generation.Prompt
		slog.Debug("chat survey settings taken from variant", "variant", v.ID, "settings", settings)
		break
	}
	chatRef, err := chatPrompt.Ref(prompts.KeyChatTurn)
	if err != nil {
		return settings, prompts.Ref{}, prompts.Ref{}, fmt.Errorf("chat prompt: %w", err)
	}
	batchRef, err := batchPrompt.Ref(prompts.KeyAffirmationBatch)
	if err != nil {
		return settings, prompts.Ref{}, prompts.Ref{}, fmt.Errorf("batch prompt: %w", err)
	}
	return settings, chatRef, batchRef, nil
}

// buildEngine returns the chat-survey engine and a func releasing it.
func buildEngine(ctx context.Context, config Config, st store.Store, settings workflow.Settings, acts *workflow.Activities) (workflow.Engine, func(), error) {
	switch config.WorkflowEngine {
	case EngineLocal:
		return workflow.NewLocalEngine(st, workflow.NewProcess(settings), acts), func() {}, nil
	case EngineTemporal:
		tc, err := temporalx.Dial(ctx, buildTemporalConfig(config))
		if err != nil {
			return nil, nil, err
		}
		return temporalx.NewEngine(tc, config.TemporalTaskQueue, settings), tc.Close, nil
	default:
		return nil, nil, fmt.Errorf("unknown workflow engine %q", config.WorkflowEngine)
	}
}

// openSessionRefs shares references across instances when Redis is available.
func openSessionRefs(ctx context.Context, rdb *goredis.Client) (sessionref.Store, error) {
	if rdb == nil {
		return sessionref.NewMemoryStore(), nil
	}
	refs, err := sessionref.NewRedisStore(ctx, rdb)
	if err != nil {
		return nil, fmt.Errorf("session refs: %w", err)
	}
	return refs, nil
}

func shutdownWithTimeout(name string, fn func(context.Context) error) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := fn(ctx); err != nil {
		slog.Warn("shutdown failed", "component", name, "error", err)
	}
}

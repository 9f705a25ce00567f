package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
)

// version is stamped at build time with -ldflags "-X main.version=...".
var version = "dev"

func main() {
	// Initialize structured logger before .env is read so that loading is traced
	initializeLogger(slog.LevelDebug)

	config := loadEnvironmentConfig()
	initializeLogger(logLevel(config.LogLevel))

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := newRootCmd(&config).ExecuteContext(ctx); err != nil {
		stop()
		slog.Error("AffirmFlow failed to run", "error", err)
		os.Exit(1)
	}
}

// initializeLogger sets up structured logging at level
func initializeLogger(level slog.Level) {
	logger := slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: level}))
	slog.SetDefault(logger)
}

// newRootCmd builds the command tree. Flags are bound to config, so values
// loaded from the environment act as flag defaults.
func newRootCmd(config *Config) *cobra.Command {
	root := &cobra.Command{
		Use:           "affirmflow",
		Short:         "AffirmFlow onboarding and chat-survey service",
		Version:       version,
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRun: func(cmd *cobra.Command, args []string) {
			initializeLogger(logLevel(config.LogLevel))
			slog.Debug("flags parsed",
				"command", cmd.Name(),
				"stateDir", config.StateDir,
				"dbDSN_set", config.DatabaseURL != "",
				"templateSource", config.TemplateSource,
				"workflowEngine", config.WorkflowEngine,
				"redisAddr", config.RedisAddr)
		},
	}

	pf := root.PersistentFlags()
	pf.StringVar(&config.StateDir, "state-dir", config.StateDir, "state directory for AffirmFlow data (overrides $AFFIRMFLOW_STATE_DIR)")
	pf.StringVar(&config.DatabaseURL, "db-dsn", config.DatabaseURL, "Postgres DSN or SQLite path (overrides $DATABASE_URL)")
	pf.StringVar(&config.LogLevel, "log-level", config.LogLevel, "debug, info, warn or error (overrides $AFFIRMFLOW_LOG_LEVEL)")
	pf.StringVar(&config.RedisAddr, "redis-addr", config.RedisAddr, "Redis address for templates and session references (overrides $REDIS_ADDR)")
	pf.StringVar(&config.TemplateSource, "template-source", config.TemplateSource, "sql, redis or file (overrides $AFFIRMFLOW_TEMPLATE_SOURCE)")
	pf.StringVar(&config.TemplateFile, "template-file", config.TemplateFile, "YAML templates file (overrides $AFFIRMFLOW_TEMPLATE_FILE)")
	pf.StringVar(&config.VariantsFile, "variants-file", config.VariantsFile, "YAML variants file (overrides $AFFIRMFLOW_VARIANTS_FILE)")
	pf.StringVar(&config.LLMProvider, "llm-provider", config.LLMProvider, "openai or gemini (overrides $AFFIRMFLOW_LLM_PROVIDER)")
	pf.StringVar(&config.Model, "model", config.Model, "model name (overrides $AFFIRMFLOW_MODEL)")
	pf.StringVar(&config.OpenAIKey, "openai-api-key", config.OpenAIKey, "OpenAI API key (overrides $OPENAI_API_KEY)")
	pf.StringVar(&config.GeminiKey, "gemini-api-key", config.GeminiKey, "Gemini API key (overrides $GEMINI_API_KEY)")
	pf.StringVar(&config.TemporalAddress, "temporal-address", config.TemporalAddress, "Temporal frontend address (overrides $TEMPORAL_ADDRESS)")
	pf.StringVar(&config.TemporalNamespace, "temporal-namespace", config.TemporalNamespace, "Temporal namespace (overrides $TEMPORAL_NAMESPACE)")
	pf.StringVar(&config.TemporalTaskQueue, "temporal-task-queue", config.TemporalTaskQueue, "Temporal task queue (overrides $TEMPORAL_TASK_QUEUE)")

	serve := &cobra.Command{
		Use:   "serve",
		Short: "Run the HTTP API",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServe(cmd.Context(), *config)
		},
	}
	serve.Flags().StringVar(&config.APIAddr, "api-addr", config.APIAddr, "API server address (overrides $API_ADDR)")
	serve.Flags().StringVar(&config.WorkflowEngine, "workflow-engine", config.WorkflowEngine, "local or temporal (overrides $AFFIRMFLOW_WORKFLOW_ENGINE)")

	worker := &cobra.Command{
		Use:   "worker",
		Short: "Run a Temporal worker for chat-survey workflows",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runWorker(cmd.Context(), *config)
		},
	}

	templates := &cobra.Command{
		Use:   "templates",
		Short: "Manage prompt templates",
	}
	seed := &cobra.Command{
		Use:   "seed [file]",
		Short: "Write templates into the configured SQL or Redis source",
		Long:  "Write templates into the configured SQL or Redis source. Without a file the built-in templates are written.",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			path := ""
			if len(args) == 1 {
				path = args[0]
			}
			n, err := runSeed(cmd.Context(), *config, path)
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "seeded %d templates into %s\n", n, config.TemplateSource)
			return nil
		},
	}
	templates.AddCommand(seed)

	variants := &cobra.Command{
		Use:   "variants",
		Short: "Print the configured onboarding variants as YAML",
		RunE: func(cmd *cobra.Command, args []string) error {
			return printVariants(cmd.OutOrStdout(), *config)
		},
	}

	root.AddCommand(serve, worker, templates, variants)
	return root
}

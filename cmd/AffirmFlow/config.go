package main

import (
	"log/slog"
	"os"
	"path/filepath"
	"strings"

	"github.com/joho/godotenv"

	"github.com/BTreeMap/AffirmFlow/internal/api"
	"github.com/BTreeMap/AffirmFlow/internal/genai"
	"github.com/BTreeMap/AffirmFlow/internal/store"
	"github.com/BTreeMap/AffirmFlow/internal/telemetry"
	"github.com/BTreeMap/AffirmFlow/internal/temporalx"
	"github.com/BTreeMap/AffirmFlow/internal/util"
)

// Default configuration constants
const (
	// DefaultStateDir is the default directory for AffirmFlow state data
	DefaultStateDir = "/var/lib/affirmflow"
	// DefaultDBFileName is the default SQLite database filename
	DefaultDBFileName = "affirmflow.db"
)

// Template sources.
const (
	TemplateSourceSQL   = "sql"
	TemplateSourceRedis = "redis"
	TemplateSourceFile  = "file"
)

// Workflow engines.
const (
	EngineLocal    = "local"
	EngineTemporal = "temporal"
)

// Config holds environment configuration. Command-line flags are bound to
// these fields, so flags override the environment.
type Config struct {
	StateDir    string
	DatabaseURL string
	APIAddr     string
	LogLevel    string

	LLMProvider string
	OpenAIKey   string
	GeminiKey   string
	Model       string
	GenAIDebug  bool

	RedisAddr      string
	TemplateSource string
	TemplateFile   string
	VariantsFile   string

	WorkflowEngine    string
	TemporalAddress   string
	TemporalNamespace string
	TemporalTaskQueue string

	OTLPEndpoint string
	OTLPInsecure bool
	OTLPHeaders  string
	TraceStdout  bool
	TraceRatio   string
}

// loadEnvironmentConfig loads configuration from environment variables and .env file
func loadEnvironmentConfig() Config {
	if err := godotenv.Load(); err != nil {
		slog.Debug("failed to load .env file", "error", err)
	} else {
		slog.Debug("successfully loaded .env file")
	}

	config := Config{
		StateDir:          os.Getenv("AFFIRMFLOW_STATE_DIR"),
		DatabaseURL:       os.Getenv("DATABASE_URL"),
		APIAddr:           os.Getenv("API_ADDR"),
		LogLevel:          os.Getenv("AFFIRMFLOW_LOG_LEVEL"),
		LLMProvider:       os.Getenv("AFFIRMFLOW_LLM_PROVIDER"),
		OpenAIKey:         os.Getenv("OPENAI_API_KEY"),
		GeminiKey:         os.Getenv("GEMINI_API_KEY"),
		Model:             os.Getenv("AFFIRMFLOW_MODEL"),
		GenAIDebug:        util.ParseBoolEnv("AFFIRMFLOW_GENAI_DEBUG", false),
		RedisAddr:         os.Getenv("REDIS_ADDR"),
		TemplateSource:    strings.ToLower(os.Getenv("AFFIRMFLOW_TEMPLATE_SOURCE")),
		TemplateFile:      os.Getenv("AFFIRMFLOW_TEMPLATE_FILE"),
		VariantsFile:      os.Getenv("AFFIRMFLOW_VARIANTS_FILE"),
		WorkflowEngine:    strings.ToLower(os.Getenv("AFFIRMFLOW_WORKFLOW_ENGINE")),
		TemporalAddress:   os.Getenv("TEMPORAL_ADDRESS"),
		TemporalNamespace: os.Getenv("TEMPORAL_NAMESPACE"),
		TemporalTaskQueue: os.Getenv("TEMPORAL_TASK_QUEUE"),
		OTLPEndpoint:      os.Getenv("OTEL_EXPORTER_OTLP_ENDPOINT"),
		OTLPInsecure:      util.ParseBoolEnv("OTEL_EXPORTER_OTLP_INSECURE", false),
		OTLPHeaders:       os.Getenv("OTEL_EXPORTER_OTLP_HEADERS"),
		TraceStdout:       util.ParseBoolEnv("AFFIRMFLOW_TRACE_STDOUT", false),
		TraceRatio:        os.Getenv("OTEL_SAMPLER_RATIO"),
	}

	if config.StateDir == "" {
		config.StateDir = DefaultStateDir
		slog.Debug("No AFFIRMFLOW_STATE_DIR set, using default", "default_state_dir", config.StateDir)
	}
	if config.TemplateSource == "" {
		config.TemplateSource = TemplateSourceSQL
	}
	if config.WorkflowEngine == "" {
		config.WorkflowEngine = EngineLocal
	}

	slog.Debug("environment variables loaded",
		"AFFIRMFLOW_STATE_DIR", config.StateDir,
		"DATABASE_URL_SET", config.DatabaseURL != "",
		"API_ADDR", config.APIAddr,
		"AFFIRMFLOW_LLM_PROVIDER", config.LLMProvider,
		"OPENAI_API_KEY_SET", config.OpenAIKey != "",
		"GEMINI_API_KEY_SET", config.GeminiKey != "",
		"REDIS_ADDR", config.RedisAddr,
		"AFFIRMFLOW_TEMPLATE_SOURCE", config.TemplateSource,
		"AFFIRMFLOW_WORKFLOW_ENGINE", config.WorkflowEngine,
		"TEMPORAL_ADDRESS", config.TemporalAddress,
		"OTEL_EXPORTER_OTLP_ENDPOINT", config.OTLPEndpoint)

	return config
}

// databaseDSN returns DATABASE_URL, or a SQLite file in the state directory.
func (c Config) databaseDSN() string {
	if c.DatabaseURL != "" {
		return c.DatabaseURL
	}
	return filepath.Join(c.StateDir, DefaultDBFileName)
}

// ensureDirectoriesExist creates the state directory for file-based storage
func ensureDirectoriesExist(config Config) error {
	dsn := config.databaseDSN()
	if store.DetectDSNType(dsn) == "postgres" {
		return nil
	}
	stateDir := filepath.Dir(dsn)
	slog.Debug("Creating state directory for file-based database", "state_dir", stateDir)
	return os.MkdirAll(stateDir, 0755)
}

// buildStoreOptions constructs store configuration options
func buildStoreOptions(config Config) []store.Option {
	dsn := config.databaseDSN()
	if store.DetectDSNType(dsn) == "postgres" {
		slog.Debug("Detected PostgreSQL DSN, configuring PostgreSQL store", "dsn_type", "postgresql", "dsn_set", true)
		return []store.Option{store.WithPostgresDSN(dsn)}
	}
	slog.Debug("Detected SQLite DSN, configuring SQLite store", "dsn_type", "sqlite", "db_path", dsn)
	return []store.Option{store.WithSQLiteDSN(dsn)}
}

// buildGenAIOptions constructs GenAI configuration options
func buildGenAIOptions(config Config) []genai.Option {
	var opts []genai.Option
	provider := strings.ToLower(config.LLMProvider)
	if provider != "" {
		opts = append(opts, genai.WithProvider(provider))
	}
	key := config.OpenAIKey
	if provider == genai.ProviderGemini {
		key = config.GeminiKey
	}
	if key != "" {
		opts = append(opts, genai.WithAPIKey(key))
	}
	if config.Model != "" {
		opts = append(opts, genai.WithModel(config.Model))
	}
	if config.GenAIDebug {
		opts = append(opts, genai.WithDebugMode(true), genai.WithStateDir(config.StateDir))
	}
	return opts
}

// buildAPIOptions constructs API server configuration options
func buildAPIOptions(config Config) []api.Option {
	var opts []api.Option
	if config.APIAddr != "" {
		opts = append(opts, api.WithAddr(config.APIAddr))
	}
	return opts
}

func buildTemporalConfig(config Config) temporalx.Config {
	return temporalx.Config{
		Address:   config.TemporalAddress,
		Namespace: config.TemporalNamespace,
		TaskQueue: config.TemporalTaskQueue,
	}
}

func buildTelemetryConfig(config Config, version string) telemetry.Config {
	cfg := telemetry.Config{
		ServiceName:  "affirmflow",
		Version:      version,
		OTLPEndpoint: config.OTLPEndpoint,
		OTLPInsecure: config.OTLPInsecure,
		OTLPHeaders:  telemetry.ParseHeaders(config.OTLPHeaders),
		Stdout:       config.TraceStdout,
	}
	if config.TraceRatio != "" {
		cfg.SampleRatio = telemetry.ParseRatio(config.TraceRatio)
	}
	return cfg
}

// logLevel maps AFFIRMFLOW_LOG_LEVEL to a slog level. The default is info.
func logLevel(s string) slog.Level {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "debug":
		return slog.LevelDebug
	case "warn", "warning":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

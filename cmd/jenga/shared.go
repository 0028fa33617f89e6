package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"time"

	goutils "github.com/jkaninda/go-utils"

	"github.com/jkaninda/jenga/internal/config"
	"github.com/jkaninda/jenga/internal/grader"
	"github.com/jkaninda/jenga/internal/llm"
	"github.com/jkaninda/jenga/internal/llm/anthropic"
	"github.com/jkaninda/jenga/internal/llm/openai"
	"github.com/jkaninda/jenga/internal/observability"
	"github.com/jkaninda/jenga/internal/runner"
	"github.com/jkaninda/jenga/internal/sandbox"
	"github.com/jkaninda/jenga/internal/storage"
	sqlitestore "github.com/jkaninda/jenga/internal/storage/sqlite"
	"github.com/jkaninda/jenga/internal/tools"
)

// SharedComponents holds everything the commands share: config, logger,
// observability, the model provider, the episode store and the runner.
// Cleanup releases them in reverse initialization order.
type SharedComponents struct {
	Config   *config.Config
	Logger   *slog.Logger
	Obs      *observability.Observability
	Provider llm.Provider
	Store    storage.Store
	Runner   *runner.Runner

	cleanups []func()
}

func (sc *SharedComponents) addCleanup(fn func()) {
	sc.cleanups = append(sc.cleanups, fn)
}

// Cleanup runs the registered cleanup functions in reverse order.
func (sc *SharedComponents) Cleanup() {
	for i := len(sc.cleanups) - 1; i >= 0; i-- {
		sc.cleanups[i]()
	}
	sc.cleanups = nil
}

// newLogger creates the process-wide structured logger.
func newLogger() *slog.Logger {
	return slog.New(slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{
		Level: slog.LevelInfo,
	}))
}

// loadConfig resolves the config path: the JENGA_CONFIG env var takes
// priority over the flag value.
func loadConfig(path string) (*config.Config, error) {
	return config.Load(goutils.Env("JENGA_CONFIG", path))
}

// initShared wires up the components every command needs.
func initShared(cfg *config.Config, logger *slog.Logger) (*SharedComponents, error) {
	sc := &SharedComponents{Config: cfg, Logger: logger}

	// Data directories.
	for _, dir := range []string{cfg.ResolvedDataDir(), cfg.ResolvedRunsRoot()} {
		if err := os.MkdirAll(dir, 0o750); err != nil {
			return nil, fmt.Errorf("creating directory %s: %w", dir, err)
		}
	}

	// Observability. A nil config disables metrics and tracing entirely.
	obs, err := observability.New(cfg.Observability, logger)
	if err != nil {
		return nil, fmt.Errorf("initializing observability: %w", err)
	}
	sc.Obs = obs
	if obs != nil {
		sc.addCleanup(func() {
			ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			obs.Shutdown(ctx)
		})
	}

	// Model provider, instrumented when metrics are on.
	provider, err := buildProvider(cfg, logger)
	if err != nil {
		sc.Cleanup()
		return nil, err
	}
	if m := obs.MetricsOrNil(); m != nil {
		provider = observability.NewInstrumentedProvider(provider, m, obs.TracerOrNil())
	}
	sc.Provider = provider

	// Episode store.
	store, err := sqlitestore.Open(sqliteConfig(cfg), logger)
	if err != nil {
		sc.Cleanup()
		return nil, fmt.Errorf("opening episode store: %w", err)
	}
	sc.Store = store
	sc.addCleanup(func() {
		if cerr := store.Close(); cerr != nil {
			logger.Warn("closing episode store", slog.String("error", cerr.Error()))
		}
	})
	if err := store.Migrate(context.Background()); err != nil {
		sc.Cleanup()
		return nil, fmt.Errorf("migrating episode store: %w", err)
	}

	// Database readiness check (optional).
	if obs != nil && obs.Health != nil &&
		cfg.Observability != nil && cfg.Observability.Health != nil && cfg.Observability.Health.IncludeDB {
		obs.Health.AddCheck("db", func(ctx context.Context) error {
			_, lerr := store.ListEpisodes(ctx, 1)
			return lerr
		})
	}

	opts, err := runnerOptions(cfg)
	if err != nil {
		sc.Cleanup()
		return nil, err
	}
	opts.Metrics = obs.MetricsOrNil()
	opts.Tracing = obs.TracerOrNil()
	sc.Runner = runner.New(provider, store, opts, logger)

	logger.Info("components initialized",
		slog.String("provider", provider.Name()),
		slog.String("runs_root", opts.RunsRoot),
		slog.String("database", cfg.DatabasePath()),
		slog.Bool("metrics", obs.MetricsOrNil() != nil),
	)
	return sc, nil
}

// buildProvider creates the configured model provider.
func buildProvider(cfg *config.Config, logger *slog.Logger) (llm.Provider, error) {
	switch cfg.Providers.Default {
	case "", "anthropic":
		return anthropic.NewClient(cfg.Providers.Anthropic.APIKey, cfg.Providers.Anthropic.Model, logger), nil
	case "openai":
		var opts []openai.Option
		if cfg.Providers.OpenAI.BaseURL != "" {
			opts = append(opts, openai.WithBaseURL(cfg.Providers.OpenAI.BaseURL))
		}
		return openai.NewClient(cfg.Providers.OpenAI.APIKey, cfg.Providers.OpenAI.Model, logger, opts...), nil
	default:
		return nil, fmt.Errorf("unsupported provider %q", cfg.Providers.Default)
	}
}

// sqliteConfig maps the storage section to the SQLite store settings.
func sqliteConfig(cfg *config.Config) sqlitestore.Config {
	sqliteCfg := sqlitestore.Config{Path: cfg.DatabasePath()}
	if cfg.Storage != nil && cfg.Storage.SQLite != nil {
		sqliteCfg.JournalMode = cfg.Storage.SQLite.JournalMode
	}
	return sqliteCfg
}

// runnerOptions maps the config to episode run options, loading the rubric
// when one is configured.
func runnerOptions(cfg *config.Config) (runner.Options, error) {
	opts := runner.Options{
		RunsRoot:     cfg.ResolvedRunsRoot(),
		TemplateDir:  cfg.TemplateDir,
		MaxSteps:     cfg.Agent.MaxSteps,
		MaxTokens:    cfg.Agent.MaxTokens,
		SystemPrompt: cfg.Agent.SystemPrompt,
		Sandbox:      sandbox.Config{DefaultTimeout: cfg.Sandbox.DefaultTimeout()},
		Tools: tools.Config{
			InstallCommand: cfg.Tools.InstallCommand,
			RebuildCommand: cfg.Tools.RebuildCommand,
			ServeCommand:   cfg.Tools.ServeCommand,
			DefaultPort:    cfg.Tools.DefaultPort,
			InstallTimeout: cfg.Tools.InstallTimeout(),
			MaxFileSize:    cfg.Tools.MaxFileSizeBytes,
		},
		Pipeline: pipelineConfig(cfg),
		Grade:    cfg.Grading.Enabled,
	}

	if cfg.Grading.RubricPath != "" {
		rubric, err := grader.LoadRubric(cfg.Grading.RubricPath)
		if err != nil {
			return runner.Options{}, fmt.Errorf("loading rubric: %w", err)
		}
		opts.Rubric = rubric
	}
	return opts, nil
}

// pipelineConfig maps the grading section to the install/build/serve gate.
func pipelineConfig(cfg *config.Config) grader.PipelineConfig {
	return grader.PipelineConfig{
		InstallCommand: cfg.Grading.InstallCommand,
		BuildCommand:   cfg.Grading.BuildCommand,
		ServeCommand:   cfg.Grading.ServeCommand,
		Port:           cfg.Grading.Port,
		InstallTimeout: cfg.Grading.StageTimeout(),
		BuildTimeout:   cfg.Grading.StageTimeout(),
		ProbeTimeout:   cfg.Grading.ProbeTimeout(),
		ProbePath:      cfg.Grading.ProbePath,
	}
}

package cli

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/spf13/cobra"

	"github.com/lucasnoah/testforge/internal/config"
	"github.com/lucasnoah/testforge/internal/db"
	"github.com/lucasnoah/testforge/internal/engine"
	"github.com/lucasnoah/testforge/internal/llm"
	"github.com/lucasnoah/testforge/internal/logging"
	"github.com/lucasnoah/testforge/internal/orchestrator"
	"github.com/lucasnoah/testforge/internal/pipeline"
	"github.com/lucasnoah/testforge/internal/prompt"
	"github.com/lucasnoah/testforge/internal/stages"
	"github.com/lucasnoah/testforge/internal/vcs"
)

// resolveConfigPath turns a --config flag value into an absolute path. An
// empty flag stays empty so the default search applies.
func resolveConfigPath(flag string) (string, error) {
	if flag == "" {
		return "", nil
	}
	abs, err := filepath.Abs(flag)
	if err != nil {
		return "", fmt.Errorf("resolve config path: %w", err)
	}
	if _, err := os.Stat(abs); err != nil {
		return "", fmt.Errorf("config file %s not found", abs)
	}
	return abs, nil
}

func loadConfig() (*config.Config, error) {
	path, err := resolveConfigPath(configFile)
	if err != nil {
		return nil, err
	}
	var cfg *config.Config
	if path != "" {
		cfg, err = config.Load(path)
	} else {
		cfg, err = config.LoadDefault()
	}
	if err != nil {
		return nil, err
	}
	if logLevel != "" {
		cfg.Logging.Level = logLevel
	}
	return cfg, nil
}

// newLogger writes to logging.file when set, otherwise to stderr.
func newLogger(cfg *config.Config) (*logging.Logger, error) {
	if cfg.Logging.File != "" {
		return logging.NewFile(cfg.Logging.File, cfg.Logging.Level)
	}
	return logging.New(os.Stderr, cfg.Logging.Level, cfg.Logging.Format), nil
}

func openStore(cfg *config.Config) (*pipeline.Store, error) {
	if cfg.Store.Dir != "" {
		return pipeline.OpenStore(cfg.Store.Dir)
	}
	return pipeline.DefaultStore()
}

// openDB connects and migrates when database.url is set; it returns nil
// otherwise.
func openDB(ctx context.Context, cfg *config.Config) (*db.DB, error) {
	if cfg.Database.URL == "" {
		return nil, nil
	}
	database, err := db.Open(ctx, cfg.Database.URL)
	if err != nil {
		return nil, err
	}
	if err := database.Migrate(ctx); err != nil {
		database.Close()
		return nil, fmt.Errorf("migrate: %w", err)
	}
	return database, nil
}

// requireDB is openDB for commands that cannot work without a database.
func requireDB(ctx context.Context, cfg *config.Config) (*db.DB, error) {
	database, err := openDB(ctx, cfg)
	if err != nil {
		return nil, err
	}
	if database == nil {
		return nil, fmt.Errorf("no database configured (set database.url or TESTFORGE_DATABASE_URL)")
	}
	return database, nil
}

// app is everything a pipeline command needs.
type app struct {
	cfg     *config.Config
	log     *logging.Logger
	store   *pipeline.Store
	db      *db.DB
	metrics *prometheus.Registry
	orch    *orchestrator.Orchestrator
}

func (a *app) close() {
	if a.db != nil {
		a.db.Close()
	}
	a.log.Close()
}

// newApp wires config, logging, storage, the event log and the model client
// into an orchestrator. Without requireModel, missing model settings are
// reported by the generation stages instead of here.
func newApp(ctx context.Context, requireModel bool) (*app, error) {
	cfg, err := loadConfig()
	if err != nil {
		return nil, err
	}
	log, err := newLogger(cfg)
	if err != nil {
		return nil, err
	}
	a := &app{cfg: cfg, log: log, metrics: prometheus.NewRegistry()}

	if a.store, err = openStore(cfg); err != nil {
		a.close()
		return nil, fmt.Errorf("open store: %w", err)
	}
	if a.db, err = openDB(ctx, cfg); err != nil {
		a.close()
		return nil, fmt.Errorf("open db: %w", err)
	}

	var gen stages.Generator
	client, err := llm.NewAzureClient(cfg, log)
	switch {
	case err == nil:
		gen = llm.NewGenerator(client, prompt.NewLibrary(prompt.DefaultDir()), cfg.LLM, log)
	case requireModel:
		a.close()
		return nil, err
	default:
		log.Debug("model client unavailable", "error", err)
		gen = noModel{err: err}
	}
	analyzer := vcs.NewAnalyzer(vcs.ExecGit{}, log)
	src := vcs.Sources{Git: analyzer, SVN: vcs.NewSVNAnalyzer(vcs.ExecSVN{}, log)}

	opts := orchestrator.Options{
		Metrics: engine.NewMetrics(a.metrics),
		Logger:  log,
		Cloner:  analyzer,
	}
	if a.db != nil {
		opts.Sink = a.db
	}
	a.orch = orchestrator.NewOrchestrator(cfg, a.store, src, gen, opts)
	return a, nil
}

// noModel fails every generation request with the reason the model client
// could not be built.
type noModel struct{ err error }

func (n noModel) Strategy(context.Context, *pipeline.CombinedChanges) (*llm.Strategy, error) {
	return nil, n.err
}

func (n noModel) Tests(context.Context, string, pipeline.FileChange) ([]llm.TestCase, error) {
	return nil, n.err
}

func (n noModel) Scenarios(context.Context, *pipeline.CombinedChanges, []llm.TestCase) ([]llm.TestScenario, error) {
	return nil, n.err
}

func (n noModel) Review(context.Context, *pipeline.CombinedChanges, []llm.TestCase, []llm.TestScenario) (*llm.Review, error) {
	return nil, n.err
}

// parseStageIDs validates stage ids given on the command line.
func parseStageIDs(ids []string) ([]pipeline.StageID, error) {
	out := make([]pipeline.StageID, 0, len(ids))
	for _, s := range ids {
		id, err := pipeline.ParseStageID(s)
		if err != nil {
			return nil, err
		}
		out = append(out, id)
	}
	return out, nil
}

func writeJSON(cmd *cobra.Command, v any) error {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal json: %w", err)
	}
	fmt.Fprintln(cmd.OutOrStdout(), string(data))
	return nil
}

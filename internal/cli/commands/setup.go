package commands

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"

	"github.com/spf13/cobra"

	"github.com/leapstack-labs/leapfuse/internal/adapter"
	"github.com/leapstack-labs/leapfuse/internal/catalog"
	"github.com/leapstack-labs/leapfuse/internal/cli/config"
	"github.com/leapstack-labs/leapfuse/internal/cli/output"
	intconfig "github.com/leapstack-labs/leapfuse/internal/config"
	"github.com/leapstack-labs/leapfuse/internal/editor"
	"github.com/leapstack-labs/leapfuse/internal/preview"
	"github.com/leapstack-labs/leapfuse/internal/querygen"
	"github.com/leapstack-labs/leapfuse/internal/state"
)

// Needs selects the collaborators a command opens.
type Needs int

const (
	// NeedStore opens the local pipeline store.
	NeedStore Needs = 1 << iota
	// NeedEngine connects the executor and the source catalog.
	NeedEngine
)

// CommandContext holds common dependencies for CLI commands.
type CommandContext struct {
	Cfg      *config.Config
	Logger   *slog.Logger
	Renderer *output.Renderer
	Session  *editor.Session

	// Store and DB are nil unless requested.
	Store *state.SQLiteStore
	DB    adapter.Adapter
}

// NewCommandContext creates a CommandContext with a session wired to the
// requested collaborators. Returns the context and a cleanup function that
// must be called (typically via defer).
func NewCommandContext(cmd *cobra.Command, needs Needs) (*CommandContext, func(), error) {
	ctx := cmd.Context()
	if ctx == nil {
		ctx = context.Background()
	}
	cfg := getConfig()
	logger := config.GetLogger(ctx)

	cc := &CommandContext{
		Cfg:      cfg,
		Logger:   logger,
		Renderer: output.NewRenderer(cmd.OutOrStdout(), cmd.ErrOrStderr(), output.Mode(cfg.OutputFormat)),
	}

	var closers []func()
	cleanup := func() {
		for i := len(closers) - 1; i >= 0; i-- {
			closers[i]()
		}
	}

	opts := editor.Options{
		Dialect:       querygen.DialectFor(cfg.Target.Type),
		PreviewLimit:  cfg.Preview.DefaultLimit,
		Sampling:      cfg.Preview.Sampling,
		SampleLimit:   cfg.Preview.SampleLimit,
		SampleRetries: uint64(max(cfg.Preview.SampleRetries, 0)),
		Logger:        logger,
	}

	if needs&NeedStore != 0 {
		store, err := openStore(ctx, cfg.StatePath, logger)
		if err != nil {
			return nil, nil, err
		}
		closers = append(closers, func() { _ = store.Close() })
		cc.Store = store
		opts.Store = store
	}

	if needs&NeedEngine != 0 {
		exec, db, err := createExecutor(ctx, cfg, logger)
		if err != nil {
			cleanup()
			return nil, nil, err
		}
		if db != nil {
			closers = append(closers, func() { _ = db.Close() })
			cc.DB = db
			opts.Dialect = querygen.DialectFor(db.DialectName())
		}
		opts.Executor = exec

		cat, closeCat, err := createCatalog(cfg, db, logger)
		if err != nil {
			cleanup()
			return nil, nil, err
		}
		if closeCat != nil {
			closers = append(closers, closeCat)
		}
		opts.Catalog = cat
	}

	cc.Session = editor.New(opts)
	closers = append(closers, cc.Session.Close)

	return cc, cleanup, nil
}

// getConfig returns the current configuration, or defaults if none was loaded.
func getConfig() *config.Config {
	if cfg := config.GetCurrentConfig(); cfg != nil {
		return cfg
	}

	cfg := &config.Config{
		StatePath:    config.DefaultStateFile,
		Environment:  config.DefaultEnv,
		OutputFormat: config.DefaultOutput,
		Target:       &config.TargetConfig{},
	}
	cfg.Target.ApplyDefaults()
	cfg.Executor.ApplyDefaults()
	cfg.Preview.ApplyDefaults()
	cfg.Catalog.ApplyDefaults()
	return cfg
}

func openStore(ctx context.Context, path string, logger *slog.Logger) (*state.SQLiteStore, error) {
	// Ensure state directory exists
	stateDir := filepath.Dir(path)
	if stateDir != "." && stateDir != "" {
		if err := os.MkdirAll(stateDir, 0o750); err != nil {
			return nil, fmt.Errorf("failed to create state directory: %w", err)
		}
	}

	store := state.NewSQLiteStore(logger)
	if err := store.Open(ctx, path); err != nil {
		return nil, err
	}
	return store, nil
}

// createExecutor returns the preview executor selected by the executor
// mode. Local mode also returns the connected adapter.
func createExecutor(ctx context.Context, cfg *config.Config, logger *slog.Logger) (preview.Executor, adapter.Adapter, error) {
	if cfg.Executor.Mode == intconfig.ExecutorRemote {
		return preview.NewHTTPExecutor(preview.HTTPOptions{
			URL:      cfg.Executor.URL,
			Timeout:  cfg.Executor.Timeout,
			RetryMax: cfg.Executor.RetryMax,
			Logger:   logger,
		}), nil, nil
	}

	db, err := adapter.Open(ctx, cfg.Target.AdapterConfig(), logger)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to connect to %s target: %w", cfg.Target.Type, err)
	}
	return preview.NewSQLExecutor(db, logger), db, nil
}

// createCatalog merges the static catalog file with the tables of the
// connected target, if any.
func createCatalog(cfg *config.Config, db adapter.Adapter, logger *slog.Logger) (catalog.Catalog, func(), error) {
	var catalogs []catalog.Catalog
	if cfg.Catalog.File != "" {
		static, err := catalog.LoadStatic(cfg.Catalog.File)
		if err != nil {
			return nil, nil, err
		}
		catalogs = append(catalogs, static)
	}

	var closer func()
	if db != nil {
		cached, err := catalog.NewCached(
			catalog.NewAdapterCatalog(intconfig.DefaultCatalogSource, db, cfg.Target.Schema),
			catalog.CacheOptions{Size: int64(cfg.Catalog.CacheSize), TTL: cfg.Catalog.TTL, Logger: logger},
		)
		if err != nil {
			return nil, nil, err
		}
		catalogs = append(catalogs, cached)
		closer = cached.Close
	}

	if len(catalogs) == 0 {
		return nil, nil, nil
	}
	return catalog.Merge(catalogs...), closer, nil
}

// Package app wires the collaborators of a workspace together. Both the CLI
// and the HTTP server start from Open.
package app

import (
	"context"
	"database/sql"
	"fmt"
	"log"
	"path/filepath"

	"prototypia/internal/asset"
	"prototypia/internal/catalog"
	"prototypia/internal/config"
	"prototypia/internal/db"
	"prototypia/internal/engine"
	"prototypia/internal/events"
	"prototypia/internal/i18n"
	"prototypia/internal/kv"
	"prototypia/internal/metrics"
	"prototypia/internal/migrate"
	"prototypia/internal/repo"
)

type Options struct {
	Workspace string
	// InMemory skips the workspace database entirely.
	InMemory bool
	Logger   *log.Logger
	Metrics  *metrics.Metrics
}

type App struct {
	Workspace string
	Config    *config.Config
	DB        *sql.DB
	Store     *kv.Fallback
	Repo      *repo.Repo
	Events    events.Writer
	Catalog   *catalog.Catalog
	Assets    *asset.Ingestor
	Metrics   *metrics.Metrics
	Engine    engine.Engine
	Logger    *log.Logger
}

// Open loads the workspace config and catalog and opens the database. A
// database that cannot be opened or migrated is logged and replaced by
// in-memory storage; config and catalog errors are returned.
func Open(ctx context.Context, opts Options) (*App, error) {
	logger := opts.Logger
	if logger == nil {
		logger = log.Default()
	}
	cfg, err := config.LoadOptional(opts.Workspace)
	if err != nil {
		return nil, err
	}
	cat, err := loadCatalog(opts.Workspace, cfg)
	if err != nil {
		return nil, err
	}
	for _, id := range cfg.Progress.StarterInventory {
		if _, err := cat.Material(id); err != nil {
			return nil, fmt.Errorf("config.progress.starter_inventory: %w", err)
		}
	}
	if _, err := i18n.Default(); err != nil {
		return nil, err
	}
	assets, err := asset.New(cfg.Assets.MaxBytes, cfg.Assets.MaxImageWidth, cfg.Assets.CacheSize)
	if err != nil {
		return nil, err
	}

	a := &App{
		Workspace: opts.Workspace,
		Config:    cfg,
		Catalog:   cat,
		Assets:    assets,
		Metrics:   opts.Metrics,
		Logger:    logger,
	}
	if a.Metrics == nil {
		a.Metrics = metrics.Default()
	}

	var primary kv.Store
	if !opts.InMemory {
		conn, err := openDB(ctx, opts.Workspace)
		if err != nil {
			logger.Printf("WARNING: %v; progress will not survive this process", err)
		} else {
			a.DB = conn
			primary = kv.SQLite{DB: conn}
		}
	}
	a.Store = kv.NewFallback(primary, logger)
	a.Repo = repo.New(a.Store, cfg.Progress.StarterInventory)
	a.Events = events.Writer{DB: a.DB}

	a.Engine = engine.New(cat, a.Repo, a.Events, cfg)
	a.Engine.Metrics = a.Metrics
	a.Engine.Logger = logger
	return a, nil
}

func openDB(ctx context.Context, workspace string) (*sql.DB, error) {
	conn, err := db.Open(db.Config{Workspace: workspace})
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}
	if err := migrate.MigrateContext(ctx, conn); err != nil {
		conn.Close()
		return nil, fmt.Errorf("migrate %s: %w", db.Path(workspace), err)
	}
	return conn, nil
}

func loadCatalog(workspace string, cfg *config.Config) (*catalog.Catalog, error) {
	path := cfg.Catalog.Path
	if path == "" {
		return catalog.Default(), nil
	}
	if !filepath.IsAbs(path) && workspace != "" {
		path = filepath.Join(workspace, path)
	}
	return catalog.LoadFile(path)
}

func (a *App) Close() error {
	if a.DB == nil {
		return nil
	}
	return a.DB.Close()
}

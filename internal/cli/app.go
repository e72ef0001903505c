package cli

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"os"

	"github.com/animus-labs/animus-mes/internal/catalog"
	"github.com/animus-labs/animus-mes/internal/platform/config"
	"github.com/animus-labs/animus-mes/internal/platform/objectstore"
	pgplatform "github.com/animus-labs/animus-mes/internal/platform/postgres"
	"github.com/animus-labs/animus-mes/internal/platform/telemetry"
	"github.com/animus-labs/animus-mes/internal/repo"
	"github.com/animus-labs/animus-mes/internal/repo/postgres"
	"github.com/animus-labs/animus-mes/internal/service/lotexport"
	"github.com/animus-labs/animus-mes/internal/service/lots"
	"github.com/animus-labs/animus-mes/internal/service/rework"
	"github.com/animus-labs/animus-mes/internal/service/sessions"
	"github.com/animus-labs/animus-mes/internal/service/wip"
)

// App wires the services behind the commands to one store.
type App struct {
	Store    repo.Store
	Registry *catalog.Registry
	Catalog  *catalog.Admin
	Lots     *lots.Aggregator
	Sessions *sessions.Manager
	WIP      *wip.Service
	Rework   *rework.Service
	// Exporter is nil when no object store is configured.
	Exporter *lotexport.Exporter
	Logger   *slog.Logger

	DB          *sql.DB
	Bucket      *objectstore.Bucket
	CatalogFile string

	// shutdownMetrics flushes the MeterProvider installed for this invocation.
	shutdownMetrics func(context.Context) error
}

// Opener builds the App for one command invocation.
type Opener func(ctx context.Context, opts *RootOptions) (*App, error)

func NewApp(store repo.Store, bucket lotexport.Putter, logger *slog.Logger) *App {
	if logger == nil {
		logger = slog.Default()
	}
	registry := catalog.NewRegistry(store.Processes())
	agg := lots.New(store, logger)
	mgr := sessions.New(store, logger)
	app := &App{
		Store:    store,
		Registry: registry,
		Catalog:  catalog.NewAdmin(store, registry, logger),
		Lots:     agg,
		Sessions: mgr,
		WIP:      wip.New(store, agg, mgr, logger),
		Rework:   rework.New(store, agg, logger),
		Logger:   logger,
	}
	if bucket != nil {
		app.Exporter = lotexport.New(store, bucket, logger)
	}
	return app
}

// Close flushes metrics and releases the database handle.
func (a *App) Close() error {
	if a == nil {
		return nil
	}
	var errs []error
	if a.shutdownMetrics != nil {
		if err := a.shutdownMetrics(context.Background()); err != nil {
			errs = append(errs, fmt.Errorf("flush metrics: %w", err))
		}
		a.shutdownMetrics = nil
	}
	if a.DB != nil {
		if err := a.DB.Close(); err != nil {
			errs = append(errs, fmt.Errorf("close database: %w", err))
		}
		a.DB = nil
	}
	return errors.Join(errs...)
}

// openPostgres loads configuration and connects to the database and, when
// configured, the object store.
func openPostgres(ctx context.Context, opts *RootOptions) (*App, error) {
	cfg, err := config.Load(opts.ConfigPath)
	if err != nil {
		return nil, WrapExitError(ExitUsage, "load config", err)
	}
	level, err := config.ParseLevel(cfg.Log.Level)
	if err != nil {
		return nil, WrapExitError(ExitUsage, "load config", err)
	}
	if opts.Verbose {
		level = slog.LevelDebug
	}
	logger := slog.New(slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{Level: level}))

	// Installed before NewApp so the services create their instruments on it.
	shutdownMetrics, err := telemetry.Setup(cfg.Metrics, os.Stderr)
	if err != nil {
		return nil, WrapExitError(ExitUsage, "metrics", err)
	}

	db, err := pgplatform.Open(ctx, cfg.Database)
	if err != nil {
		_ = shutdownMetrics(ctx)
		return nil, fmt.Errorf("connect database: %w", err)
	}

	var bucket *objectstore.Bucket
	if cfg.ObjectStore.Enabled() {
		client, err := objectstore.NewMinIOClient(cfg.ObjectStore)
		if err != nil {
			_ = db.Close()
			_ = shutdownMetrics(ctx)
			return nil, fmt.Errorf("object store client: %w", err)
		}
		bucket, err = objectstore.NewBucket(client, cfg.ObjectStore)
		if err != nil {
			_ = db.Close()
			_ = shutdownMetrics(ctx)
			return nil, fmt.Errorf("object store bucket: %w", err)
		}
	}

	var putter lotexport.Putter
	if bucket != nil {
		putter = bucket
	}
	app := NewApp(postgres.NewStore(db), putter, logger)
	app.DB = db
	app.shutdownMetrics = shutdownMetrics
	app.Bucket = bucket
	app.CatalogFile = cfg.CatalogFile
	return app, nil
}

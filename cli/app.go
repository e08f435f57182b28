package cli

import (
	"context"
	"fmt"

	"github.com/spf13/afero"
	"github.com/spf13/cobra"

	"github.com/tbcv/tbcv/engine/dispatch"
	"github.com/tbcv/tbcv/engine/enhance"
	"github.com/tbcv/tbcv/engine/fuzzy"
	"github.com/tbcv/tbcv/engine/infra/cache"
	"github.com/tbcv/tbcv/engine/infra/monitoring"
	"github.com/tbcv/tbcv/engine/infra/postgres"
	"github.com/tbcv/tbcv/engine/infra/sqlite"
	"github.com/tbcv/tbcv/engine/infra/store"
	"github.com/tbcv/tbcv/engine/ingest"
	"github.com/tbcv/tbcv/engine/orchestrator"
	"github.com/tbcv/tbcv/engine/recommend"
	"github.com/tbcv/tbcv/engine/truth"
	"github.com/tbcv/tbcv/engine/validation"
	"github.com/tbcv/tbcv/engine/validation/validators"
	"github.com/tbcv/tbcv/pkg/config"
	"github.com/tbcv/tbcv/pkg/logger"
)

// app bundles the wired engine for one command invocation. Close releases
// everything in reverse construction order.
type app struct {
	cfg        *config.Config
	manager    *config.Manager
	store      store.Store
	cache      *cache.Cache
	monitor    *monitoring.Service
	truth      *truth.Loader
	watcher    *truth.Watcher
	orch       *orchestrator.Orchestrator
	dispatcher *dispatch.Dispatcher
	cancel     context.CancelFunc
}

// setupApp loads configuration from the shared flags and wires the full
// engine behind a dispatcher. The returned context carries the logger and
// config manager for every downstream call.
func setupApp(ctx context.Context, cmd *cobra.Command) (*app, context.Context, error) {
	level, logJSON, logSource, err := logger.GetLoggerConfig(cmd)
	if err != nil {
		return nil, ctx, err
	}
	logger.SetupLogger(level, logJSON, logSource)
	ctx = logger.ContextWithLogger(ctx, logger.FromContext(ctx))

	envFile, err := cmd.Flags().GetString("env-file")
	if err != nil {
		return nil, ctx, fmt.Errorf("failed to get env-file flag: %w", err)
	}
	if err := config.LoadEnvFile(envFile); err != nil {
		return nil, ctx, err
	}
	configFile, err := cmd.Flags().GetString("config")
	if err != nil {
		return nil, ctx, fmt.Errorf("failed to get config flag: %w", err)
	}
	validatorDir, err := cmd.Flags().GetString("validator-config-dir")
	if err != nil {
		return nil, ctx, fmt.Errorf("failed to get validator-config-dir flag: %w", err)
	}

	manager := config.NewManager(config.NewService())
	cfg, err := manager.Load(ctx,
		config.NewYAMLProvider(configFile),
		config.NewValidatorDirProvider(validatorDir),
		config.NewEnvProvider(),
	)
	if err != nil {
		return nil, ctx, err
	}
	ctx = config.ContextWithManager(ctx, manager)
	ctx, cancel := context.WithCancel(ctx)

	a := &app{cfg: cfg, manager: manager, cancel: cancel}
	if err := a.wire(ctx); err != nil {
		a.Close(ctx)
		return nil, ctx, err
	}
	return a, ctx, nil
}

func (a *app) wire(ctx context.Context) error {
	st, err := openStore(ctx, a.cfg)
	if err != nil {
		return err
	}
	a.store = st

	a.monitor = monitoring.NewServiceWithFallback(ctx, monitoring.FromAppConfig(a.cfg))
	recorder := monitoring.NewRecorder(a.monitor, st.Metrics())

	c, err := cache.New(cache.FromAppConfig(a.cfg), st.CacheEntries())
	if err != nil {
		return err
	}
	a.cache = c
	c.StartCleanup(ctx)

	tl, err := truth.NewLoader(a.cfg.Truth.ManifestDir, a.cfg.Truth.CacheTTL)
	if err != nil {
		return err
	}
	a.truth = tl
	if a.cfg.Truth.Watch {
		w, err := truth.NewWatcher(tl)
		if err != nil {
			return err
		}
		if err := w.Start(ctx); err != nil {
			return err
		}
		a.watcher = w
	}

	registry := validation.NewRegistry()
	if err := validators.RegisterAll(registry, nil); err != nil {
		return err
	}
	detector := fuzzy.NewDetector(a.cfg.Fuzzy.SimilarityThreshold, a.cfg.Fuzzy.MaxCandidateLength)
	admission := orchestrator.NewAdmission(a.cfg.Concurrency)
	router := validation.NewRouter(registry, tl, detector, admission)

	fs := afero.NewOsFs()
	loader := ingest.NewLoader(fs, a.cfg.Runtime.ContentRoot)
	recommender := recommend.NewRecommender(a.cfg.Recommend)
	enhancer := enhance.NewEnhancer(fs, a.cfg.Enhance)

	a.orch = orchestrator.New(a.cfg, orchestrator.Deps{
		Store:       st,
		Router:      router,
		Truth:       tl,
		Recommender: recommender,
		Enhancer:    enhancer,
		Loader:      loader,
		Admission:   admission,
	})
	a.dispatcher = dispatch.New(a.cfg, dispatch.Deps{
		Store:        st,
		Orchestrator: a.orch,
		Registry:     registry,
		Router:       router,
		Truth:        tl,
		Recommender:  recommender,
		Enhancer:     enhancer,
		Loader:       loader,
		Cache:        c,
		Recorder:     recorder,
		Config:       a.manager,
	})
	return nil
}

// openStore builds the configured persistence driver and brings its schema
// up to date.
func openStore(ctx context.Context, cfg *config.Config) (store.Store, error) {
	switch cfg.Database.Driver {
	case "postgres":
		pgCfg := &postgres.Config{
			ConnString:      cfg.Database.ConnString,
			MaxConns:        cfg.Database.MaxOpenConns,
			MinConns:        cfg.Database.MaxIdleConns,
			ConnMaxLifetime: cfg.Database.ConnMaxLifetime,
			RetryAttempts:   cfg.Database.RetryAttempts,
			RetryBaseDelay:  cfg.Database.RetryBaseDelay,
		}
		if err := postgres.ApplyMigrationsWithLock(ctx, pgCfg.DSN()); err != nil {
			return nil, err
		}
		return postgres.NewStore(ctx, pgCfg)
	default:
		st, err := sqlite.NewStore(ctx, &sqlite.Config{
			Path:            cfg.Database.Path,
			MaxOpenConns:    cfg.Database.MaxOpenConns,
			MaxIdleConns:    cfg.Database.MaxIdleConns,
			ConnMaxLifetime: cfg.Database.ConnMaxLifetime,
			BusyTimeout:     cfg.Database.BusyTimeout,
			RetryAttempts:   cfg.Database.RetryAttempts,
			RetryBaseDelay:  cfg.Database.RetryBaseDelay,
		})
		if err != nil {
			return nil, err
		}
		// Migrations run on the open handle so an in-memory database is not
		// created and destroyed by a second connection.
		if err := sqlite.MigrateDB(ctx, st.DB()); err != nil {
			st.Close()
			return nil, err
		}
		return st, nil
	}
}

// Close tears the app down. Errors are logged, not returned; a command's
// outcome is decided by its own work.
func (a *app) Close(ctx context.Context) {
	log := logger.FromContext(ctx)
	if a.orch != nil {
		if err := a.orch.Shutdown(ctx); err != nil {
			log.Warn("orchestrator shutdown failed", "error", err)
		}
	}
	if a.watcher != nil {
		if err := a.watcher.Close(); err != nil {
			log.Warn("truth watcher close failed", "error", err)
		}
	}
	if a.monitor != nil {
		if err := a.monitor.Shutdown(ctx); err != nil {
			log.Warn("monitoring shutdown failed", "error", err)
		}
	}
	if a.cache != nil {
		a.cache.Close()
	}
	if a.cancel != nil {
		a.cancel()
	}
	if a.store != nil {
		if err := a.store.Close(); err != nil {
			log.Warn("store close failed", "error", err)
		}
	}
}

package control

import (
	"context"
	"fmt"
	"io"
	"log/slog"

	"github.com/supportersimulator/categorizer/internal/classifier"
	"github.com/supportersimulator/categorizer/internal/classifier/provider"
	"github.com/supportersimulator/categorizer/internal/core/config"
	"github.com/supportersimulator/categorizer/internal/infra/filelock"
	redisclient "github.com/supportersimulator/categorizer/internal/infra/redis"
	"github.com/supportersimulator/categorizer/internal/infra/storage"
	"github.com/supportersimulator/categorizer/internal/infra/storage/csvfile"
	"github.com/supportersimulator/categorizer/internal/infra/storage/memory"
	"github.com/supportersimulator/categorizer/internal/infra/storage/postgres"
	"github.com/supportersimulator/categorizer/internal/infra/storage/sqlite"
	"github.com/supportersimulator/categorizer/internal/pipeline/recovery"
)

// App owns a pipeline and the connections it was built from.
type App struct {
	Pipeline *Pipeline
	Config   *config.AppConfig

	closers []io.Closer
	log     *slog.Logger
}

// Open builds the pipeline described by cfg.
func Open(ctx context.Context, cfg *config.AppConfig, logger *slog.Logger) (*App, error) {
	if logger == nil {
		logger = slog.Default()
	}
	app := &App{Config: cfg, log: logger}

	deps, err := app.openDeps(ctx, cfg)
	if err != nil {
		app.Close()
		return nil, err
	}

	app.Pipeline = New(cfg.Pipeline.Name, deps, Options{
		BatchSize:    cfg.Pipeline.BatchSize,
		Fields:       cfg.Fields,
		LockTTL:      cfg.Lock.TTL,
		VerifyHeader: cfg.Pipeline.Verify(),
		Backoff: &recovery.ExponentialBackoff{
			InitialDelay: cfg.Pipeline.Backoff.InitialDelay,
			MaxDelay:     cfg.Pipeline.Backoff.MaxDelay,
			MaxRetries:   cfg.Pipeline.Backoff.MaxRetries,
		},
	}, logger)
	return app, nil
}

func (a *App) openDeps(ctx context.Context, cfg *config.AppConfig) (Deps, error) {
	var deps Deps

	// 1. Row store
	switch cfg.Rows.Backend {
	case "sqlite":
		db, err := sqlite.Open(cfg.Rows.Path)
		if err != nil {
			return deps, err
		}
		a.closers = append(a.closers, db)
		deps.Rows = sqlite.NewTable(db, cfg.Rows.Table)
	default:
		var comma rune
		if cfg.Rows.Delimiter != "" {
			comma = rune(cfg.Rows.Delimiter[0])
		}
		f, err := csvfile.Open(cfg.Rows.Path, comma)
		if err != nil {
			return deps, err
		}
		deps.Rows = f
	}

	// 2. Persisted state
	var store *memory.MemoryStorage
	switch cfg.State.Backend {
	case "postgres":
		db, err := postgres.NewDB(ctx, cfg.Database)
		if err != nil {
			return deps, fmt.Errorf("failed to init db: %w", err)
		}
		a.closers = append(a.closers, db)
		if err := db.Migrate(ctx); err != nil {
			return deps, err
		}
		deps.Cursors = postgres.NewCursorRepo(db)
		deps.Headers = postgres.NewHeaderRepo(db)
		deps.Results = postgres.NewResultRepo(db)
		a.log.Info("Using PostgreSQL state")
	case "sqlite":
		db, err := sqlite.Open(cfg.State.Path)
		if err != nil {
			return deps, err
		}
		a.closers = append(a.closers, db)
		deps.Cursors = sqlite.NewCursorRepo(db)
		deps.Headers = sqlite.NewHeaderRepo(db)
		deps.Results = sqlite.NewResultRepo(db)
		a.log.Info("Using SQLite state", "path", cfg.State.Path)
	default:
		store = memory.NewMemoryStorage()
		deps.Cursors = memory.NewCursorRepo(store)
		deps.Headers = memory.NewHeaderRepo(store)
		deps.Results = memory.NewResultRepo(store)
		a.log.Warn("Using memory state, progress is lost on exit")
	}

	// 3. Run lock
	locker, err := a.openLocker(cfg, store)
	if err != nil {
		return deps, err
	}
	deps.Locker = locker

	// 4. Classifier
	backend, err := provider.New(ctx, cfg.Classifier.Config)
	if err != nil {
		return deps, err
	}
	if c, ok := backend.(io.Closer); ok {
		a.closers = append(a.closers, c)
	}
	prompt := classifier.DefaultPrompt()
	if cfg.Classifier.PromptFile != "" {
		if prompt, err = classifier.LoadPrompt(cfg.Classifier.PromptFile); err != nil {
			return deps, err
		}
	}
	deps.Classifier = classifier.NewClient(backend, prompt, classifier.Options{
		Labels:         cfg.Fields.LabelKeys(),
		Required:       cfg.Classifier.Required,
		Vocabularies:   cfg.Classifier.Vocabularies,
		Retry:          cfg.Classifier.RetryConfig(),
		AttemptTimeout: cfg.Classifier.AttemptTimeout,
	}, a.log)

	return deps, nil
}

func (a *App) openLocker(cfg *config.AppConfig, store *memory.MemoryStorage) (storage.Locker, error) {
	switch cfg.Lock.Backend {
	case "redis":
		client, err := redisclient.NewClient(cfg.Redis)
		if err != nil {
			return nil, err
		}
		a.closers = append(a.closers, client)
		return redisclient.NewLocker(client), nil
	case "file":
		l, err := filelock.New(cfg.Lock.Dir)
		if err != nil {
			return nil, err
		}
		return l, nil
	default:
		if store == nil {
			store = memory.NewMemoryStorage()
		}
		return memory.NewLocker(store), nil
	}
}

// Close releases every connection in reverse order of opening.
func (a *App) Close() error {
	var first error
	for i := len(a.closers) - 1; i >= 0; i-- {
		if err := a.closers[i].Close(); err != nil {
			a.log.Warn("Failed to close resource", "error", err)
			if first == nil {
				first = err
			}
		}
	}
	a.closers = nil
	return first
}

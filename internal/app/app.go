// Package app assembles the store, services and background loops from a
// config. cmd/server and cmd/scanctl share it.
package app

import (
	"context"
	"fmt"
	"net/http"
	"sync"

	"github.com/jonboulle/clockwork"

	"cardscan/internal/adapters/blob"
	httpadapter "cardscan/internal/adapters/http"
	"cardscan/internal/adapters/memory"
	pg "cardscan/internal/adapters/postgres"
	"cardscan/internal/adapters/sqlite"
	"cardscan/internal/config"
	"cardscan/internal/domain"
	"cardscan/internal/logging"
	"cardscan/internal/ports"
	"cardscan/internal/queue"
	"cardscan/internal/services/catalog"
	"cardscan/internal/services/cleanup"
	"cardscan/internal/services/intake"
	"cardscan/internal/services/recognition"
	"cardscan/internal/services/scans"
	"cardscan/internal/workers/reconciler"
	"cardscan/internal/workers/scanrunner"
)

// Migrator is implemented by the SQL stores.
type Migrator interface {
	Migrate(ctx context.Context) error
	SchemaVersion(ctx context.Context) (int64, error)
}

// OpenStore connects the configured store. release closes it.
func OpenStore(ctx context.Context, cfg config.DatabaseConfig, clock clockwork.Clock) (store ports.Store, release func(), err error) {
	switch cfg.Driver {
	case "postgres":
		db, err := pg.Connect(ctx, cfg.URL, cfg.MaxConns, clock)
		if err != nil {
			return nil, nil, fmt.Errorf("connect postgres: %w", err)
		}
		return db, db.Close, nil
	case "sqlite":
		s, err := sqlite.Open(ctx, cfg.URL, clock)
		if err != nil {
			return nil, nil, err
		}
		return s, func() { _ = s.Close() }, nil
	case "memory":
		return memory.New(clock), func() {}, nil
	}
	return nil, nil, fmt.Errorf("unknown database driver %q", cfg.Driver)
}

func openBlobs(ctx context.Context, cfg config.StorageConfig) (ports.BlobStore, error) {
	switch cfg.Driver {
	case "minio":
		return blob.NewMinio(ctx, cfg.Endpoint, cfg.Bucket, cfg.AccessKey, cfg.SecretKey, cfg.UseSSL)
	case "memory":
		return blob.NewMemory(), nil
	}
	return nil, fmt.Errorf("unknown storage driver %q", cfg.Driver)
}

type App struct {
	Config     *config.Config
	Store      ports.Store
	Blobs      ports.BlobStore
	Jobs       *queue.Dispatcher
	Commands   *queue.CommandDispatcher
	Intake     *intake.Service
	Scans      *scans.Service
	Processor  *recognition.Processor
	Reconciler *reconciler.Reconciler
	Auth       *httpadapter.Authenticator

	clock   clockwork.Clock
	closers []func()
}

// New opens the store and blob storage, applies migrations and wires every
// service. The caller must Close the app.
func New(ctx context.Context, cfg *config.Config, clock clockwork.Clock) (*App, error) {
	if clock == nil {
		clock = clockwork.NewRealClock()
	}
	a := &App{Config: cfg, clock: clock}

	store, closeStore, err := OpenStore(ctx, cfg.Database, clock)
	if err != nil {
		return nil, err
	}
	a.Store = store
	a.closers = append(a.closers, closeStore)
	if m, ok := store.(Migrator); ok {
		if err := m.Migrate(ctx); err != nil {
			a.Close()
			return nil, fmt.Errorf("migrate: %w", err)
		}
	}

	if a.Blobs, err = openBlobs(ctx, cfg.Storage); err != nil {
		a.Close()
		return nil, fmt.Errorf("open blob storage: %w", err)
	}
	cards, err := catalog.LoadFile(cfg.Recognition.CatalogPath)
	if err != nil {
		a.Close()
		return nil, err
	}

	q := cfg.Queue
	a.Jobs = queue.NewDispatcher(store)
	a.Commands = queue.NewCommandDispatcher(store, clock, queue.CommandOptions{Lease: q.CommandLease, MaxAttempts: q.CommandMaxAttempts})
	purger := cleanup.NewPurger(store, a.Blobs)
	a.Commands.Handle(domain.CommandDeleteScan, cleanup.NewDeleteScanHandler(store, purger))

	a.Intake = intake.New(store, a.Blobs, clock, intake.Limits{MaxBatchSize: q.MaxBatchSize, MaxUploadBytes: q.MaxUploadBytes})
	a.Scans = scans.New(store, a.Commands)
	a.Processor = recognition.NewProcessor(a.Blobs, recognition.ManualReview{}, cards, recognition.Options{
		ReviewThreshold: cfg.Recognition.ReviewThreshold,
		MaxImageBytes:   q.MaxUploadBytes,
	})
	a.Reconciler = reconciler.New(store, purger, a.Commands, clock, reconciler.Options{
		StuckTimeout:    q.StuckTimeout,
		MaxAttempts:     q.MaxAttempts,
		FailedRetention: q.FailedRetention,
		OrphanGrace:     q.OrphanGrace,
		Interval:        q.SweepInterval,
	})
	a.Auth = httpadapter.NewAuthenticator(cfg.Auth.JWTSecret)
	return a, nil
}

func (a *App) Close() {
	for i := len(a.closers) - 1; i >= 0; i-- {
		a.closers[i]()
	}
	a.closers = nil
}

func (a *App) Handler() http.Handler {
	q := a.Config.Queue
	srv := httpadapter.New(a.Intake, a.Scans, a.Store, a.Auth, httpadapter.Options{
		MaxRequestBytes: int64(q.MaxBatchSize)*q.MaxUploadBytes + 1<<20,
		AllowedOrigins:  a.Config.Server.AllowedOrigins,
	})
	return srv.Routes()
}

// Process runs recognition for one claimed job.
func (a *App) Process(ctx context.Context, job domain.ScanJob) domain.Outcome {
	return a.Processor.Process(ctx, job)
}

// RunBackground starts the scan workers, the command dispatcher and the
// reconciler. The returned wait blocks until all of them stopped after ctx
// is cancelled.
func (a *App) RunBackground(ctx context.Context) (wait func()) {
	log := logging.FromContext(ctx)
	q := a.Config.Queue
	var wg sync.WaitGroup
	start := func(name string, fn func(ctx context.Context)) {
		wg.Add(1)
		go func() {
			defer wg.Done()
			fn(logging.WithContext(ctx, log.With("component", name)))
		}()
	}

	if q.Workers > 0 {
		start("scan_workers", func(ctx context.Context) {
			scanrunner.Run(ctx, a.Jobs, a.Process, scanrunner.Options{
				Concurrency:  q.Workers,
				PollInterval: q.PollInterval,
				Clock:        a.clock,
			})
		})
		log.Info("scan workers started", "count", q.Workers)
	}
	start("command_dispatcher", func(ctx context.Context) { a.Commands.Run(ctx, q.CommandInterval) })
	start("reconciler", a.Reconciler.Run)

	if db, ok := a.Store.(*pg.DB); ok {
		start("command_listener", func(ctx context.Context) {
			err := db.ListenCommands(ctx, func(domain.CommandType) { a.Commands.Wake() })
			if err != nil && ctx.Err() == nil {
				logging.FromContext(ctx).Error("command listener stopped, falling back to polling", "error", err)
			}
		})
	}
	return wg.Wait
}

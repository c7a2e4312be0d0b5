// Package server initializes and runs the storage pipeline: database and
// migrations, the pinning-network client, the sequential upload queue, the
// services and the background sweeps, with graceful shutdown on signal.
package server

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"sync"
	"syscall"

	_ "github.com/jackc/pgx/v5/stdlib"

	"github.com/hermitbox/hermitbox/internal/logging"
	"github.com/hermitbox/hermitbox/internal/server/config"
	"github.com/hermitbox/hermitbox/internal/server/keycache"
	"github.com/hermitbox/hermitbox/internal/server/queue"
	"github.com/hermitbox/hermitbox/internal/server/remote"
	"github.com/hermitbox/hermitbox/internal/server/repositories/repomanager"
	"github.com/hermitbox/hermitbox/internal/server/services"
	"github.com/hermitbox/hermitbox/internal/server/sweeps"
)

type App struct {
	config *config.Config
	logger logging.Logger
	db     *sql.DB

	UserService   *services.UserService
	FolderService *services.FolderService
	FileService   *services.FileService

	queue  *queue.Queue
	sweeps *sweeps.Runner
}

func NewApp(ctx context.Context, cfg *config.Config) (*App, error) {
	logger := logging.NewSlogLogger(slog.New(slog.NewJSONHandler(os.Stdout, nil)))

	db, err := sql.Open("pgx", cfg.DatabaseDSN)
	if err != nil {
		return nil, fmt.Errorf("db init error: %w", err)
	}

	rm := repomanager.NewPostgresRepositoryManager()
	if err := rm.RunMigrations(ctx, db); err != nil {
		return nil, fmt.Errorf("migration error: %w", err)
	}

	if err := os.MkdirAll(cfg.FailoverDir, 0o700); err != nil {
		return nil, fmt.Errorf("failover dir: %w", err)
	}

	keys := keycache.New(cfg.SessionKeyTTL)
	client := remote.NewClient(cfg, logger)
	q := queue.New(ctx, logger)

	fileService := services.NewFileService(db, rm, client, q, cfg, logger)

	app := &App{
		config: cfg,
		logger: logger,
		db:     db,

		UserService:   services.NewUserService(db, rm, keys, cfg),
		FolderService: services.NewFolderService(db, rm, keys),
		FileService:   fileService,

		queue:  q,
		sweeps: sweeps.NewRunner(db, rm, fileService, client, keys, cfg, logger),
	}
	return app, nil
}

func (app *App) initSignalHandler(cancelFunc context.CancelFunc) {
	sigs := make(chan os.Signal, 1)
	signal.Notify(sigs, syscall.SIGINT, syscall.SIGTERM, syscall.SIGQUIT)

	go func() {
		<-sigs
		cancelFunc()
	}()
}

// Run starts the sweep loop and blocks until the context is cancelled or a
// termination signal arrives. In-flight queue tasks are drained before
// returning so a shutdown never abandons a half-sent object silently.
func (app *App) Run(ctx context.Context) {
	ctx, cancelFunc := context.WithCancel(ctx)
	defer cancelFunc()

	app.logger.Info(ctx, "Starting app...")

	app.initSignalHandler(cancelFunc)

	var wg sync.WaitGroup

	wg.Add(1)
	go func() {
		defer wg.Done()
		app.sweeps.Run(ctx)
	}()

	wg.Wait()
	app.queue.Wait()

	if err := app.db.Close(); err != nil {
		app.logger.Error(ctx, "db close error", "error", err.Error())
	}
	app.logger.Info(ctx, "App stopped")
}

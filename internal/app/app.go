package app

import (
	"fmt"
	"net/http"
	"time"

	"github.com/ternarybob/agnosco/internal/common"
	"github.com/ternarybob/agnosco/internal/handlers"
	"github.com/ternarybob/agnosco/internal/interfaces"
	"github.com/ternarybob/agnosco/internal/observability"
	"github.com/ternarybob/agnosco/internal/services/batch"
	"github.com/ternarybob/agnosco/internal/services/callback"
	"github.com/ternarybob/agnosco/internal/services/events"
	"github.com/ternarybob/agnosco/internal/services/gateway"
	"github.com/ternarybob/agnosco/internal/services/reconciler"
	"github.com/ternarybob/agnosco/internal/storage/badger"
	"github.com/ternarybob/agnosco/internal/workerclient"
	"github.com/ternarybob/arbor"
)

// App wires the orchestrator together: storage, worker client, the event
// broadcaster, the background services, and the HTTP handlers.
type App struct {
	Config *common.Config
	Logger arbor.ILogger

	DB         *badger.BadgerDB
	JobStore   interfaces.JobStore
	BatchStore interfaces.BatchStore

	Metrics     *observability.Metrics
	Worker      interfaces.WorkerClient
	Broadcaster *events.Broadcaster
	Reconciler  *reconciler.Service
	Gateway     *gateway.Service
	Callbacks   *callback.Service
	Batches     *batch.Coordinator

	APIHandler    *handlers.APIHandler
	JobHandler    *handlers.JobHandler
	BatchHandler  *handlers.BatchHandler
	StreamHandler *handlers.StreamHandler
	WSHandler     *handlers.WSHandler
}

// New builds the application. The shutdown function is handed to the API
// handler for the /api/shutdown endpoint.
func New(config *common.Config, logger arbor.ILogger, shutdown func()) (*App, error) {
	a := &App{
		Config: config,
		Logger: logger,
	}

	// Storage
	db, err := badger.NewBadgerDB(logger, &config.Storage.Badger)
	if err != nil {
		return nil, fmt.Errorf("failed to initialize storage: %w", err)
	}
	a.DB = db
	a.JobStore = badger.NewJobStore(db, logger)
	a.BatchStore = badger.NewBatchStore(db, logger)

	// Metrics
	a.Metrics = observability.New()

	// Worker client
	a.Worker = workerclient.NewClient(
		config.Worker.BaseURL,
		logger,
		workerclient.WithAPIKey(config.Worker.APIKey),
		workerclient.WithRateLimit(common.ParseDuration(config.Worker.RateLimit, 100*time.Millisecond)),
		workerclient.WithHTTPClient(&http.Client{
			Timeout: common.ParseDuration(config.Worker.RequestTimeout, 30*time.Second),
		}),
	)

	// Event broadcaster with the websocket monitor attached
	a.WSHandler = handlers.NewWSHandler(&config.WebSocket, logger)
	a.Broadcaster = events.NewBroadcaster(
		logger,
		config.Stream.BufferSize,
		common.ParseDuration(config.Stream.MaxLifetime, 30*time.Minute),
		a.Metrics,
	)
	a.Broadcaster.AttachMonitor(a.WSHandler)

	// Background services
	a.Reconciler = reconciler.NewService(a.JobStore, a.Worker, a.Broadcaster, a.Metrics, logger, reconciler.Config{
		SweepInterval:    common.ParseDuration(config.Jobs.SweepInterval, 30*time.Second),
		SafetyMargin:     common.ParseDuration(config.Jobs.SafetyMargin, 30*time.Second),
		ForceTimeout:     common.ParseDuration(config.Jobs.ForceTimeout, 5*time.Minute),
		UnknownGrace:     common.ParseDuration(config.Jobs.UnknownGrace, 3*time.Minute),
		CleanupGrace:     common.ParseDuration(config.Jobs.CleanupGrace, 60*time.Second),
		ProgressThrottle: common.ParseDuration(config.Jobs.ProgressThrottle, time.Minute),
		SweepConcurrency: config.Jobs.SweepConcurrency,
	})

	a.Gateway = gateway.NewService(a.JobStore, a.Worker, a.Broadcaster, a.Reconciler, a.Metrics, logger, config.Jobs.MaxUploadSize)
	a.Callbacks = callback.NewService(a.JobStore, a.Broadcaster, a.Metrics, logger)
	a.Batches = batch.NewCoordinator(a.BatchStore, a.Worker, a.Broadcaster, a.Metrics, logger, batch.Config{
		MaxFiles:      config.Batch.MaxFilesCount,
		MaxUploadSize: config.Jobs.MaxUploadSize,
		WatchInterval: common.ParseDuration(config.Batch.WatchInterval, 5*time.Second),
		WatchTimeout:  common.ParseDuration(config.Batch.WatchTimeout, 30*time.Minute),
		CleanupGrace:  common.ParseDuration(config.Batch.CleanupGrace, 60*time.Second),
	})

	// Handlers
	a.APIHandler = handlers.NewAPIHandler(shutdown, logger)
	a.JobHandler = handlers.NewJobHandler(a.Gateway, a.Callbacks, a.JobStore, config.Jobs.MaxUploadSize, logger)
	a.BatchHandler = handlers.NewBatchHandler(a.Batches, config.Jobs.MaxUploadSize, config.Batch.MaxFilesCount, logger)
	a.StreamHandler = handlers.NewStreamHandler(a.Broadcaster, a.JobStore, a.BatchStore, logger)

	// Start the reconciliation sweep last, once everything it touches is up
	if err := a.Reconciler.Start(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to start reconciler: %w", err)
	}

	logger.Info().
		Str("worker", config.Worker.BaseURL).
		Str("storage", config.Storage.Badger.Path).
		Msg("Application initialized")

	return a, nil
}

// Close tears the application down in reverse dependency order.
func (a *App) Close() error {
	a.Logger.Info().Msg("Shutting down application...")

	if a.Reconciler != nil {
		a.Reconciler.Stop()
	}
	if a.Batches != nil {
		a.Batches.Close()
	}
	if a.Broadcaster != nil {
		a.Broadcaster.Close()
	}
	if a.WSHandler != nil {
		a.WSHandler.Close()
	}
	if a.DB != nil {
		if err := a.DB.Close(); err != nil {
			a.Logger.Warn().Err(err).Msg("Failed to close storage")
			return err
		}
	}

	a.Logger.Info().Msg("Application stopped")
	return nil
}

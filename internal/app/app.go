package app

import (
	"context"
	"fmt"

	"github.com/ternarybob/arbor"

	"github.com/Woody88/sitelink-sub001/internal/common"
	"github.com/Woody88/sitelink-sub001/internal/handlers"
	"github.com/Woody88/sitelink-sub001/internal/interfaces"
	"github.com/Woody88/sitelink-sub001/internal/models"
	"github.com/Woody88/sitelink-sub001/internal/pipeline"
	"github.com/Woody88/sitelink-sub001/internal/queue"
	badgerstore "github.com/Woody88/sitelink-sub001/internal/storage/badger"
	miniostore "github.com/Woody88/sitelink-sub001/internal/storage/minio"
	"github.com/Woody88/sitelink-sub001/internal/workers"
)

// App holds all application components and dependencies
type App struct {
	Config *common.Config
	Logger arbor.ILogger

	ctx       context.Context
	cancelCtx context.CancelFunc

	// Storage
	DB            *badgerstore.BadgerDB
	ObjectStorage interfaces.ObjectStorage
	Uploads       interfaces.UploadStorage
	Sheets        interfaces.SheetStorage
	Markers       interfaces.MarkerStorage
	Jobs          interfaces.JobStorage
	CoordStore    interfaces.CoordinatorStorage

	// Queue
	QueueManager *queue.Manager
	WorkerPool   *queue.WorkerPool

	// Pipeline
	Coordinator *pipeline.Coordinator
	Splitter    *pipeline.Splitter
	Metadata    *pipeline.MetadataExtractor
	Detector    *pipeline.MarkerDetector
	Tiles       *pipeline.TileGenerator
	Rollup      *pipeline.Rollup
	Scheduler   *pipeline.Scheduler

	// HTTP handlers
	APIHandler    *handlers.APIHandler
	UploadHandler *handlers.UploadHandler
	JobHandler    *handlers.JobHandler
	MarkerHandler *handlers.MarkerHandler
}

// New creates and wires the application from configuration
func New(ctx context.Context, config *common.Config, logger arbor.ILogger) (*App, error) {
	appCtx, cancel := context.WithCancel(ctx)

	a := &App{
		Config:    config,
		Logger:    logger,
		ctx:       appCtx,
		cancelCtx: cancel,
	}

	if err := a.initStorage(appCtx); err != nil {
		cancel()
		return nil, err
	}
	if err := a.initQueue(); err != nil {
		cancel()
		a.DB.Close()
		return nil, err
	}
	a.initPipeline()
	a.initHandlers()

	return a, nil
}

func (a *App) initStorage(ctx context.Context) error {
	db, err := badgerstore.NewBadgerDB(a.Logger, &a.Config.Storage.Badger)
	if err != nil {
		return fmt.Errorf("failed to initialize database: %w", err)
	}
	a.DB = db

	a.Uploads = badgerstore.NewUploadStorage(db, a.Logger)
	a.Sheets = badgerstore.NewSheetStorage(db, a.Logger)
	a.Markers = badgerstore.NewMarkerStorage(db, a.Logger)
	a.Jobs = badgerstore.NewJobStorage(db, a.Logger)
	a.CoordStore = badgerstore.NewCoordinatorStorage(db, a.Logger)

	objects, err := miniostore.NewObjectStorage(ctx, &a.Config.Minio, a.Logger)
	if err != nil {
		db.Close()
		return fmt.Errorf("failed to initialize object storage: %w", err)
	}
	a.ObjectStorage = objects

	return nil
}

func (a *App) initQueue() error {
	mgr, err := queue.NewManager(
		a.DB.Store().Badger(),
		a.Config.QueueVisibilityTimeout(),
		a.Config.Queue.MaxReceive,
		a.Logger,
	)
	if err != nil {
		return fmt.Errorf("failed to initialize queue manager: %w", err)
	}
	a.QueueManager = mgr

	a.WorkerPool = queue.NewWorkerPool(
		mgr,
		a.Config.QueuePollInterval(),
		a.Config.Queue.Concurrency,
		a.Logger,
	)
	return nil
}

func (a *App) initPipeline() {
	timeout := a.Config.ServiceRequestTimeout()
	metadataSvc := workers.NewMetadataClient(a.Config.Services.MetadataURL, timeout, a.Logger)
	markerSvc := workers.NewMarkerClient(a.Config.Services.MarkerURL, timeout, a.Logger)
	tileSvc := workers.NewTileClient(a.Config.Services.TileURL, timeout, a.Logger)

	a.Coordinator = pipeline.NewCoordinator(a.CoordStore, a.Uploads, a.Sheets, a.QueueManager, a.Logger)

	a.Splitter = pipeline.NewSplitter(
		a.Uploads, a.Sheets, a.Jobs, a.ObjectStorage,
		a.Coordinator, a.QueueManager, &a.Config.Pipeline, a.Logger,
	)
	a.Metadata = pipeline.NewMetadataExtractor(
		a.Sheets, a.Jobs, a.ObjectStorage, metadataSvc, a.Coordinator, a.Logger,
	)
	a.Detector = pipeline.NewMarkerDetector(
		a.Sheets, a.Markers, a.Jobs, a.ObjectStorage, markerSvc, &a.Config.Pipeline, a.Logger,
	)
	a.Tiles = pipeline.NewTileGenerator(
		a.Uploads, a.Sheets, a.Jobs, a.ObjectStorage, tileSvc, a.Coordinator, a.Logger,
	)

	a.Rollup = pipeline.NewRollup(a.Jobs, a.Sheets, a.Coordinator, a.Logger)
	a.Scheduler = pipeline.NewScheduler(
		a.Rollup, a.Jobs, a.Sheets, a.Markers,
		a.QueueManager, a.Uploads, &a.Config.Pipeline, a.Logger,
	)

	// Every coordinator mutation re-derives the job rollup
	a.Coordinator.OnChange(func(uploadID string) {
		if err := a.Rollup.Recompute(a.ctx, uploadID); err != nil {
			a.Logger.Warn().
				Err(err).
				Str("upload_id", uploadID).
				Msg("Failed to recompute job rollup")
		}
	})

	// Retry-exhausted per-sheet jobs are recorded as permanent failures so
	// the upload still terminates
	a.QueueManager.OnDeadLetter(func(queueName string, env *queue.Envelope) {
		switch queueName {
		case queue.QueueMetadata:
			a.Metadata.HandleDeadLetter(a.ctx, env.Body)
		case queue.QueueTile:
			a.Tiles.HandleDeadLetter(a.ctx, env.Body)
		default:
			a.Logger.Error().
				Str("queue", queueName).
				Str("message_id", env.ID).
				Msg("Message dead-lettered without recovery handler")
		}
	})

	a.WorkerPool.RegisterHandler(models.MessageTypeSplit, a.Splitter.Handle)
	a.WorkerPool.RegisterHandler(models.MessageTypeMetadata, a.Metadata.Handle)
	a.WorkerPool.RegisterHandler(models.MessageTypeMarker, a.Detector.Handle)
	a.WorkerPool.RegisterHandler(models.MessageTypeTile, a.Tiles.Handle)
}

func (a *App) initHandlers() {
	a.APIHandler = handlers.NewAPIHandler()
	a.UploadHandler = handlers.NewUploadHandler(
		a.Uploads, a.Sheets, a.Markers, a.Jobs, a.ObjectStorage,
		a.Coordinator, a.QueueManager, a.Config.Minio.Bucket,
	)
	a.JobHandler = handlers.NewJobHandler(a.Jobs)
	a.MarkerHandler = handlers.NewMarkerHandler(a.Markers)
}

// Start launches the background components: queue workers and the reconciler
func (a *App) Start() error {
	if err := a.WorkerPool.Start(); err != nil {
		return fmt.Errorf("failed to start worker pool: %w", err)
	}

	if a.Config.Scheduler.Enabled {
		if err := a.Scheduler.Start(a.Config.Scheduler.Schedule); err != nil {
			return fmt.Errorf("failed to start scheduler: %w", err)
		}
	}

	a.Logger.Info().Msg("Pipeline started")
	return nil
}

// Shutdown stops background components and closes storage
func (a *App) Shutdown() {
	a.Logger.Info().Msg("Shutting down application...")

	if a.Scheduler != nil {
		a.Scheduler.Stop()
	}
	if a.WorkerPool != nil {
		if err := a.WorkerPool.Stop(); err != nil {
			a.Logger.Warn().Err(err).Msg("Worker pool shutdown error")
		}
	}
	a.cancelCtx()

	if a.DB != nil {
		if err := a.DB.Close(); err != nil {
			a.Logger.Warn().Err(err).Msg("Database close error")
		}
	}

	a.Logger.Info().Msg("Application stopped")
}

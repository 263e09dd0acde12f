// harvestd is the long-running harvest daemon: it executes scheduled harvests,
// sweeps stale upload chunks and purges expired jobs and deleted sources.
package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"github.com/civicdata/harvester/internal/config"
	"github.com/civicdata/harvester/internal/harvest"
	"github.com/civicdata/harvester/internal/logger"
	"github.com/civicdata/harvester/internal/repository"
	"github.com/civicdata/harvester/internal/scheduler"
	"github.com/civicdata/harvester/internal/storage"
	"github.com/civicdata/harvester/internal/upload"

	// Register harvest backends.
	_ "github.com/civicdata/harvester/internal/harvest/backend/ckan"
	_ "github.com/civicdata/harvester/internal/harvest/backend/dcat"
)

// reloadSpec controls how often the runner re-reads the periodic task table
// so schedule changes made through the API take effect without a restart.
const reloadSpec = "@every 1m"

func main() {
	log := logger.NewDefault()
	logger.SetDefaultLogger(log)
	defer logger.Sync()

	configPath := os.Getenv("CONFIG_PATH")
	cfg, err := config.Load(configPath)
	if err != nil {
		log.WithError(err).Fatal("Failed to load config")
	}

	db, err := repository.InitDB(&cfg.Database)
	if err != nil {
		log.WithError(err).Fatal("Failed to initialize database")
	}

	sourceRepo := repository.NewSourceRepository(db)
	jobRepo := repository.NewJobRepository(db)
	datasetRepo := repository.NewDatasetRepository(db)
	taskRepo := repository.NewTaskRepository(db)

	objectStorage, err := storage.NewStorage(&storage.Config{
		Driver:    cfg.Storage.Driver,
		Root:      cfg.Storage.Root,
		Endpoint:  cfg.Storage.Endpoint,
		AccessKey: cfg.Storage.AccessKey,
		SecretKey: cfg.Storage.SecretKey,
		UseSSL:    cfg.Storage.UseSSL,
		Bucket:    cfg.Storage.Bucket,
		Region:    cfg.Storage.Region,
		PublicURL: cfg.Storage.PublicURL,
	})
	if err != nil {
		log.WithError(err).Fatal("Failed to initialize storage")
	}

	engine := harvest.NewEngine(sourceRepo, jobRepo, datasetRepo, cfg.Harvest, log)
	retention := harvest.NewRetentionService(sourceRepo, jobRepo, datasetRepo, taskRepo, objectStorage, log)
	chunkStore := upload.NewChunkStore(objectStorage, cfg.Upload.ChunkPrefix)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	engine.Dispatcher().Start(ctx, cfg.Harvest.Workers)
	defer engine.Dispatcher().Stop()

	runner := scheduler.NewRunner(taskRepo, engine, log)
	if err := runner.Reload(ctx); err != nil {
		log.WithError(err).Fatal("Failed to load periodic tasks")
	}
	if err := runner.AddFunc(reloadSpec, func() {
		if err := runner.Reload(ctx); err != nil {
			log.WithError(err).Error("Failed to reload periodic tasks")
		}
	}); err != nil {
		log.WithError(err).Fatal("Failed to register task reload")
	}

	if err := runner.AddFunc(cfg.Scheduler.ChunkSweepCron, func() {
		swept, err := chunkStore.Sweep(ctx, cfg.Upload.ChunkRetention)
		if err != nil {
			log.WithError(err).Error("Chunk sweep failed")
			return
		}
		if swept > 0 {
			log.WithField("count", swept).Info("Swept stale upload sessions")
		}
	}); err != nil {
		log.WithError(err).Fatal("Failed to register chunk sweep")
	}

	if err := runner.AddFunc(cfg.Scheduler.PurgeJobsCron, func() {
		purged, err := retention.PurgeJobs(ctx, cfg.Harvest.JobsRetentionDays)
		if err != nil {
			log.WithError(err).Error("Job purge failed")
			return
		}
		if purged > 0 {
			log.WithField("count", purged).Info("Purged expired jobs")
		}
		sources, err := retention.PurgeSources(ctx)
		if err != nil {
			log.WithError(err).Error("Source purge failed")
			return
		}
		if sources > 0 {
			log.WithField("count", sources).Info("Purged deleted sources")
		}
	}); err != nil {
		log.WithError(err).Fatal("Failed to register purge sweep")
	}

	runner.Start()
	log.Info("Harvest daemon started")

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	log.Info("Shutting down harvest daemon...")
	runner.Stop()
	log.Info("Harvest daemon exited")
}

package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/civicdata/harvester/internal/api"
	"github.com/civicdata/harvester/internal/api/middleware"
	"github.com/civicdata/harvester/internal/config"
	"github.com/civicdata/harvester/internal/harvest"
	"github.com/civicdata/harvester/internal/logger"
	"github.com/civicdata/harvester/internal/repository"
	"github.com/civicdata/harvester/internal/storage"
	"github.com/civicdata/harvester/internal/upload"

	// Register harvest backends.
	_ "github.com/civicdata/harvester/internal/harvest/backend/ckan"
	_ "github.com/civicdata/harvester/internal/harvest/backend/dcat"
)

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
	sourceService := harvest.NewSourceService(sourceRepo, taskRepo, engine, nil, cfg.Harvest, log)

	chunkStore := upload.NewChunkStore(objectStorage, cfg.Upload.ChunkPrefix)
	uploadService := upload.NewService(chunkStore, objectStorage, cfg.Upload.MaxFileSize)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	engine.Dispatcher().Start(ctx, cfg.Harvest.Workers)
	defer engine.Dispatcher().Stop()

	router := api.SetupRouter(api.Deps{
		DB:       db,
		Sources:  sourceService,
		Engine:   engine,
		Jobs:     jobRepo,
		Datasets: datasetRepo,
		Uploads:  uploadService,
		CORS: middleware.CORSConfig{
			AllowedOrigins:  cfg.Server.CORS.AllowedOrigins,
			AllowAllOrigins: cfg.Server.CORS.AllowAllOrigins,
		},
	}, cfg.Server.Mode)

	srv := &http.Server{
		Addr:    fmt.Sprintf(":%d", cfg.Server.Port),
		Handler: router,
	}

	go func() {
		log.WithFields(logger.Fields{
			"port": cfg.Server.Port,
			"mode": cfg.Server.Mode,
		}).Info("Starting API server")
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.WithError(err).Fatal("Failed to start server")
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	log.Info("Shutting down server...")

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer shutdownCancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.WithError(err).Fatal("Server forced to shutdown")
	}

	log.Info("Server exited")
}

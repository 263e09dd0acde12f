// harvest is the operator CLI: run or preview a source, attach harvested
// datasets to a new source, list backends, and run retention sweeps by hand.
package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/civicdata/harvester/internal/config"
	"github.com/civicdata/harvester/internal/harvest"
	"github.com/civicdata/harvester/internal/harvest/backend"
	"github.com/civicdata/harvester/internal/logger"
	"github.com/civicdata/harvester/internal/repository"
	"github.com/civicdata/harvester/internal/storage"

	// Register harvest backends.
	_ "github.com/civicdata/harvester/internal/harvest/backend/ckan"
	_ "github.com/civicdata/harvester/internal/harvest/backend/dcat"
)

const usage = `Usage: harvest <command> [flags]

Commands:
  run            Harvest a source synchronously
  preview        Dry-run a source, print the would-be job
  attach         Attach datasets to a source from a CSV mapping file
  clean          Soft-delete every dataset of a source
  purge-jobs     Delete jobs past the retention window
  purge-sources  Physically remove soft-deleted sources
  backends       List registered backends
`

func main() {
	log := logger.NewDefault()
	logger.SetDefaultLogger(log)
	defer logger.Sync()

	if len(os.Args) < 2 {
		fmt.Fprint(os.Stderr, usage)
		os.Exit(2)
	}
	command := os.Args[1]

	flags := flag.NewFlagSet(command, flag.ExitOnError)
	sourceID := flags.String("source", "", "Harvest source ID")
	domainName := flags.String("domain", "", "Remote domain for attach")
	file := flags.String("file", "", "CSV mapping file for attach")
	configPath := flags.String("config", "", "Path to config file")
	flags.Parse(os.Args[2:])

	if command == "backends" {
		// No config or database needed.
		for _, desc := range backend.All() {
			fmt.Printf("%s\t%s\n", desc.Name, desc.DisplayName)
		}
		return
	}

	cfg, err := config.Load(*configPath)
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

	engine := harvest.NewEngine(sourceRepo, jobRepo, datasetRepo, cfg.Harvest, log)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		<-sigChan
		log.Info("Received shutdown signal, canceling...")
		cancel()
	}()

	switch command {
	case "run":
		requireFlag(*sourceID, "-source")
		job, err := engine.Run(ctx, *sourceID)
		if err != nil {
			log.WithError(err).Fatal("Harvest failed")
		}
		log.WithFields(logger.Fields{
			"job_id": job.ID,
			"status": job.Status,
			"items":  len(job.Items),
			"failed": job.CountFailed(),
		}).Info("Harvest completed")

	case "preview":
		requireFlag(*sourceID, "-source")
		src, err := sourceRepo.GetByID(ctx, *sourceID)
		if err != nil {
			log.WithError(err).Fatal("Failed to load source")
		}
		job, err := engine.Preview(ctx, src)
		if err != nil {
			log.WithError(err).Fatal("Preview failed")
		}
		out, _ := json.MarshalIndent(job, "", "  ")
		fmt.Println(string(out))

	case "attach":
		requireFlag(*domainName, "-domain")
		requireFlag(*file, "-file")
		result, err := engine.Attach(ctx, *domainName, *file)
		if err != nil {
			log.WithError(err).Fatal("Attach failed")
		}
		log.WithFields(logger.Fields{
			"attached": result.Attached,
			"errors":   result.Errors,
		}).Info("Attach completed")

	case "clean":
		requireFlag(*sourceID, "-source")
		retention := newRetention(cfg, sourceRepo, jobRepo, datasetRepo, taskRepo, log)
		cleaned, err := retention.CleanSource(ctx, *sourceID)
		if err != nil {
			log.WithError(err).Fatal("Clean failed")
		}
		log.WithField("count", cleaned).Info("Datasets soft-deleted")

	case "purge-jobs":
		retention := newRetention(cfg, sourceRepo, jobRepo, datasetRepo, taskRepo, log)
		purged, err := retention.PurgeJobs(ctx, cfg.Harvest.JobsRetentionDays)
		if err != nil {
			log.WithError(err).Fatal("Job purge failed")
		}
		log.WithField("count", purged).Info("Jobs purged")

	case "purge-sources":
		retention := newRetention(cfg, sourceRepo, jobRepo, datasetRepo, taskRepo, log)
		purged, err := retention.PurgeSources(ctx)
		if err != nil {
			log.WithError(err).Fatal("Source purge failed")
		}
		log.WithField("count", purged).Info("Sources purged")

	default:
		fmt.Fprint(os.Stderr, usage)
		os.Exit(2)
	}
}

func requireFlag(value, name string) {
	if value == "" {
		fmt.Fprintf(os.Stderr, "%s is required\n", name)
		os.Exit(2)
	}
}

func newRetention(
	cfg *config.Config,
	sources *repository.SourceRepository,
	jobs *repository.JobRepository,
	datasets *repository.DatasetRepository,
	tasks *repository.TaskRepository,
	log *logger.Logger,
) *harvest.RetentionService {
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
	return harvest.NewRetentionService(sources, jobs, datasets, tasks, objectStorage, log)
}

package harvest

import (
	"context"
	"fmt"
	"time"

	"github.com/civicdata/harvester/internal/domain"
	"github.com/civicdata/harvester/internal/logger"
	"github.com/civicdata/harvester/internal/repository"
	"github.com/civicdata/harvester/internal/storage"
)

// RetentionService bounds storage growth: it hard-deletes soft-deleted
// sources and expired jobs. Sweeps are best-effort; individual failures log
// and continue.
type RetentionService struct {
	sources  *repository.SourceRepository
	jobs     *repository.JobRepository
	datasets *repository.DatasetRepository
	tasks    *repository.TaskRepository
	dumps    storage.ObjectStorage
	log      *logger.Logger
}

// NewRetentionService creates a new RetentionService. dumps is the blob store
// holding externally-stored job diagnostic payloads; nil disables their cleanup.
func NewRetentionService(
	sources *repository.SourceRepository,
	jobs *repository.JobRepository,
	datasets *repository.DatasetRepository,
	tasks *repository.TaskRepository,
	dumps storage.ObjectStorage,
	log *logger.Logger,
) *RetentionService {
	return &RetentionService{
		sources:  sources,
		jobs:     jobs,
		datasets: datasets,
		tasks:    tasks,
		dumps:    dumps,
		log:      log,
	}
}

// CleanSource soft-deletes every local dataset whose harvest provenance
// points at the source.
func (s *RetentionService) CleanSource(ctx context.Context, sourceID string) (int, error) {
	datasets, err := s.datasets.ListBySource(ctx, sourceID)
	if err != nil {
		return 0, fmt.Errorf("failed to list harvested datasets: %w", err)
	}
	now := time.Now()
	cleaned := 0
	for _, ds := range datasets {
		if err := s.datasets.SoftDelete(ctx, ds.ID, now); err != nil {
			s.log.WithError(err).Error("Failed to soft-delete dataset " + ds.ID)
			continue
		}
		cleaned++
	}
	return cleaned, nil
}

// PurgeSources hard-deletes every soft-deleted source: its harvested datasets
// are archived (not deleted), its schedule record removed, then the source
// document itself deleted. Returns the number of sources purged.
func (s *RetentionService) PurgeSources(ctx context.Context) (int, error) {
	deleted, err := s.sources.ListDeleted(ctx)
	if err != nil {
		return 0, fmt.Errorf("failed to list deleted sources: %w", err)
	}

	purged := 0
	for _, src := range deleted {
		if err := s.purgeSource(ctx, &src); err != nil {
			s.log.WithFields(logger.Fields{
				logger.FieldSourceID: src.ID,
			}).WithError(err).Error("Failed to purge source")
			continue
		}
		purged++
	}
	return purged, nil
}

func (s *RetentionService) purgeSource(ctx context.Context, src *domain.HarvestSource) error {
	datasets, err := s.datasets.ListBySource(ctx, src.ID)
	if err != nil {
		return err
	}
	now := time.Now()
	for _, ds := range datasets {
		if ds.Archived() {
			continue
		}
		if err := s.datasets.Archive(ctx, ds.ID, domain.ArchiveReasonHarvesterDeleted, now); err != nil {
			return err
		}
	}

	if src.PeriodicTaskID != nil {
		if err := s.tasks.Delete(ctx, *src.PeriodicTaskID); err != nil {
			s.log.WithError(err).Warn("Failed to delete periodic task for purged source")
		}
	}
	if err := s.jobs.DeleteBySource(ctx, src.ID); err != nil {
		s.log.WithError(err).Warn("Failed to delete jobs for purged source")
	}

	return s.sources.HardDelete(ctx, src.ID)
}

// PurgeJobs deletes job records older than the given retention, along with
// any externally-stored diagnostic payload. Returns the number of jobs purged.
func (s *RetentionService) PurgeJobs(ctx context.Context, retentionDays int) (int, error) {
	cutoff := time.Now().AddDate(0, 0, -retentionDays)
	jobs, err := s.jobs.ListOlderThan(ctx, cutoff)
	if err != nil {
		return 0, fmt.Errorf("failed to list expired jobs: %w", err)
	}

	purged := 0
	for _, job := range jobs {
		if job.DumpKey != "" && s.dumps != nil {
			if err := s.dumps.Delete(ctx, job.DumpKey); err != nil {
				// Best-effort: a dangling dump must not block the sweep.
				s.log.WithFields(logger.Fields{
					logger.FieldJobID: job.ID,
				}).WithError(err).Warn("Failed to delete job dump")
			}
		}
		if err := s.jobs.Delete(ctx, job.ID); err != nil {
			s.log.WithFields(logger.Fields{
				logger.FieldJobID: job.ID,
			}).WithError(err).Error("Failed to delete expired job")
			continue
		}
		purged++
	}
	return purged, nil
}

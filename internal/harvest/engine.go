// Package harvest implements the job engine: one source-to-local
// synchronization pass with strict per-item fault isolation, plus preview,
// reconciliation and retention sweeps around it.
package harvest

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/civicdata/harvester/internal/config"
	"github.com/civicdata/harvester/internal/domain"
	"github.com/civicdata/harvester/internal/harvest/backend"
	"github.com/civicdata/harvester/internal/logger"
	"github.com/civicdata/harvester/internal/repository"
	"github.com/google/uuid"
)

var (
	// ErrSourceDeleted is returned when a run is requested for a soft-deleted source.
	ErrSourceDeleted = errors.New("harvest source has been deleted")

	// ErrUnknownBackend is returned when a source names a backend that is not registered.
	ErrUnknownBackend = errors.New("unknown harvest backend")
)

// Engine orchestrates harvest job runs.
type Engine struct {
	sources  *repository.SourceRepository
	jobs     *repository.JobRepository
	datasets *repository.DatasetRepository
	cfg      config.HarvestConfig
	log      *logger.Logger

	dispatcher *Dispatcher
}

// NewEngine creates a new harvest engine.
func NewEngine(
	sources *repository.SourceRepository,
	jobs *repository.JobRepository,
	datasets *repository.DatasetRepository,
	cfg config.HarvestConfig,
	log *logger.Logger,
) *Engine {
	e := &Engine{
		sources:  sources,
		jobs:     jobs,
		datasets: datasets,
		cfg:      cfg,
		log:      log,
	}
	e.dispatcher = NewDispatcher(e, cfg.Workers, log)
	return e
}

// Dispatcher returns the engine's async task dispatcher.
func (e *Engine) Dispatcher() *Dispatcher {
	return e.dispatcher
}

// Run executes one synchronous harvest pass for a source and returns the
// terminal job. The scheduler and the CLI call it directly; API-triggered
// runs go through Launch.
func (e *Engine) Run(ctx context.Context, sourceID string) (*domain.HarvestJob, error) {
	src, err := e.sources.GetByID(ctx, sourceID)
	if err != nil {
		return nil, fmt.Errorf("failed to load source: %w", err)
	}
	if src.Deleted() {
		return nil, ErrSourceDeleted
	}

	desc, ok := backend.Get(src.Backend)
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrUnknownBackend, src.Backend)
	}

	job := &domain.HarvestJob{
		ID:       uuid.New().String(),
		SourceID: src.ID,
		Status:   domain.JobStatusPending,
		Items:    domain.HarvestItems{},
		Errors:   domain.HarvestErrors{},
	}
	if err := e.jobs.Create(ctx, job); err != nil {
		return nil, err
	}

	ctx = logger.WithFields(ctx, logger.Fields{
		logger.FieldJobID:    job.ID,
		logger.FieldSourceID: src.ID,
		logger.FieldBackend:  src.Backend,
	})

	e.execute(ctx, desc, src, job, backend.Options{})

	if err := e.jobs.Update(ctx, job); err != nil {
		return nil, fmt.Errorf("failed to persist job: %w", err)
	}

	if job.Status != domain.JobStatusFailed && src.Autoarchive {
		if err := e.Autoarchive(ctx, src, job); err != nil {
			logger.CtxError(ctx, "Autoarchive failed: %v", err)
		}
	}

	// Transient "last job" stamp on the source; failure to record it does
	// not fail the run.
	src.LastJobID = &job.ID
	if err := e.sources.Update(ctx, src); err != nil {
		logger.CtxWarn(ctx, "Failed to stamp last job on source: %v", err)
	}

	return job, nil
}

// execute drives one backend run against a job, mutating the job in place.
// It owns all status transitions, so Run and Preview share exact semantics.
func (e *Engine) execute(ctx context.Context, desc backend.Descriptor, src *domain.HarvestSource, job *domain.HarvestJob, opts backend.Options) {
	start := time.Now()

	b, err := desc.New(src, opts)
	if err != nil {
		e.failJob(ctx, job, fmt.Errorf("backend initialization failed: %w", err))
		return
	}

	now := time.Now()
	job.Status = domain.JobStatusStarted
	job.StartedAt = &now
	if !opts.Dryrun {
		// Make the running state visible to readers for the whole run; the
		// terminal update after execute remains authoritative.
		if err := e.jobs.Update(ctx, job); err != nil {
			logger.CtxWarn(ctx, "Failed to persist job start: %v", err)
		}
	}

	t := newTracker(job, src, e.datasets, opts)
	if err := b.Harvest(ctx, t); err != nil && !errors.Is(err, backend.ErrMaxItemsReached) {
		// Anything escaping the backend's per-item isolation is fatal for
		// this job only.
		e.failJob(ctx, job, err)
		return
	}

	ended := time.Now()
	job.EndedAt = &ended
	if job.CountFailed() > 0 {
		job.Status = domain.JobStatusDoneErrors
	} else {
		job.Status = domain.JobStatusDone
	}

	logger.With(logger.Fields{
		logger.FieldCount:      len(job.Items),
		logger.FieldStatus:     string(job.Status),
		logger.FieldDurationMs: time.Since(start).Milliseconds(),
	}).Info(ctx, "Harvest job finished")
}

// failJob records a job-level error and terminates the job as failed.
func (e *Engine) failJob(ctx context.Context, job *domain.HarvestJob, err error) {
	now := time.Now()
	job.Status = domain.JobStatusFailed
	job.EndedAt = &now
	job.Errors = append(job.Errors, domain.HarvestError{
		Message:   err.Error(),
		CreatedAt: now,
	})
	logger.FromContext(ctx).WithError(err).Error("Harvest job failed")
}

// Launch enqueues a deferred run for a source and returns a handle
// immediately. The run itself happens on a dispatcher worker.
func (e *Engine) Launch(ctx context.Context, sourceID string) (string, error) {
	return e.dispatcher.Enqueue(ctx, sourceID)
}

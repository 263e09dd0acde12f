package repository

import (
	"context"
	"errors"
	"time"

	"github.com/civicdata/harvester/internal/domain"
	"gorm.io/gorm"
)

// ErrJobAlreadyRunning is returned when a job creation is rejected because an
// unterminated job already exists for the same source.
var ErrJobAlreadyRunning = errors.New("a harvest job is already running for this source")

// JobRepository handles harvest job persistence.
type JobRepository struct {
	db *gorm.DB
}

// NewJobRepository creates a new JobRepository.
func NewJobRepository(db *gorm.DB) *JobRepository {
	return &JobRepository{db: db}
}

// Create inserts a new job for a source, enforcing the one-open-job invariant.
// The check and the insert run inside one transaction so two concurrent runs
// for the same source cannot both observe "no open job".
func (r *JobRepository) Create(ctx context.Context, job *domain.HarvestJob) error {
	return r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var open int64
		err := tx.Model(&domain.HarvestJob{}).
			Where("source_id = ? AND status IN ?", job.SourceID,
				[]domain.JobStatus{domain.JobStatusPending, domain.JobStatusStarted}).
			Count(&open).Error
		if err != nil {
			return err
		}
		if open > 0 {
			return ErrJobAlreadyRunning
		}
		return tx.Create(job).Error
	})
}

// Update persists changes to a job. The engine owns its jobs exclusively, so
// this is a plain save rather than an optimistic update.
func (r *JobRepository) Update(ctx context.Context, job *domain.HarvestJob) error {
	return r.db.WithContext(ctx).Save(job).Error
}

// GetByID retrieves a job by its ID.
func (r *JobRepository) GetByID(ctx context.Context, id string) (*domain.HarvestJob, error) {
	var job domain.HarvestJob
	if err := r.db.WithContext(ctx).First(&job, "id = ?", id).Error; err != nil {
		return nil, err
	}
	return &job, nil
}

// ListBySource returns the jobs of a source, most recent first.
func (r *JobRepository) ListBySource(ctx context.Context, sourceID string, limit, offset int) ([]domain.HarvestJob, error) {
	q := r.db.WithContext(ctx).
		Where("source_id = ?", sourceID).
		Order("created_at DESC")
	if limit > 0 {
		q = q.Limit(limit).Offset(offset)
	}
	var jobs []domain.HarvestJob
	if err := q.Find(&jobs).Error; err != nil {
		return nil, err
	}
	return jobs, nil
}

// LastBySource returns the most recent terminal job of a source, or nil.
func (r *JobRepository) LastBySource(ctx context.Context, sourceID string) (*domain.HarvestJob, error) {
	var job domain.HarvestJob
	err := r.db.WithContext(ctx).
		Where("source_id = ?", sourceID).
		Order("created_at DESC").
		First(&job).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &job, nil
}

// ListOlderThan returns jobs created before the cutoff, for the retention purge.
func (r *JobRepository) ListOlderThan(ctx context.Context, cutoff time.Time) ([]domain.HarvestJob, error) {
	var jobs []domain.HarvestJob
	err := r.db.WithContext(ctx).Where("created_at < ?", cutoff).Find(&jobs).Error
	if err != nil {
		return nil, err
	}
	return jobs, nil
}

// Delete removes a job record.
func (r *JobRepository) Delete(ctx context.Context, id string) error {
	return r.db.WithContext(ctx).Delete(&domain.HarvestJob{}, "id = ?", id).Error
}

// DeleteBySource removes every job of a source. Used by the source purge.
func (r *JobRepository) DeleteBySource(ctx context.Context, sourceID string) error {
	return r.db.WithContext(ctx).Delete(&domain.HarvestJob{}, "source_id = ?", sourceID).Error
}

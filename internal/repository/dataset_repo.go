package repository

import (
	"context"
	"errors"
	"time"

	"github.com/civicdata/harvester/internal/domain"
	"gorm.io/gorm"
)

// DatasetRepository handles local dataset persistence.
type DatasetRepository struct {
	db *gorm.DB
}

// NewDatasetRepository creates a new DatasetRepository.
func NewDatasetRepository(db *gorm.DB) *DatasetRepository {
	return &DatasetRepository{db: db}
}

// Create inserts a new dataset record.
func (r *DatasetRepository) Create(ctx context.Context, ds *domain.Dataset) error {
	return r.db.WithContext(ctx).Create(ds).Error
}

// Update persists changes to an existing dataset.
func (r *DatasetRepository) Update(ctx context.Context, ds *domain.Dataset) error {
	return r.db.WithContext(ctx).Save(ds).Error
}

// GetByID retrieves a dataset by its ID.
func (r *DatasetRepository) GetByID(ctx context.Context, id string) (*domain.Dataset, error) {
	var ds domain.Dataset
	if err := r.db.WithContext(ctx).First(&ds, "id = ?", id).Error; err != nil {
		return nil, err
	}
	return &ds, nil
}

// GetByRemote retrieves the dataset claiming a (domain, remote_id) provenance
// pair, or nil when none does.
func (r *DatasetRepository) GetByRemote(ctx context.Context, dom, remoteID string) (*domain.Dataset, error) {
	var ds domain.Dataset
	err := r.db.WithContext(ctx).
		Where("harvest_domain = ? AND harvest_remote_id = ?", dom, remoteID).
		First(&ds).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &ds, nil
}

// ListBySource returns every dataset whose provenance points at the source.
func (r *DatasetRepository) ListBySource(ctx context.Context, sourceID string) ([]domain.Dataset, error) {
	var datasets []domain.Dataset
	err := r.db.WithContext(ctx).
		Where("harvest_source_id = ?", sourceID).
		Find(&datasets).Error
	if err != nil {
		return nil, err
	}
	return datasets, nil
}

// Archive stamps the archive markers on a dataset with the given reason.
func (r *DatasetRepository) Archive(ctx context.Context, id, reason string, at time.Time) error {
	return r.db.WithContext(ctx).Model(&domain.Dataset{}).
		Where("id = ?", id).
		Updates(map[string]interface{}{
			"archived_at":         at,
			"harvest_archived":    reason,
			"harvest_archived_at": at,
		}).Error
}

// SoftDelete stamps the deletion timestamp on a dataset.
func (r *DatasetRepository) SoftDelete(ctx context.Context, id string, at time.Time) error {
	return r.db.WithContext(ctx).Model(&domain.Dataset{}).
		Where("id = ?", id).
		Update("deleted_at", at).Error
}

// ClearHarvest detaches a dataset from its harvest provenance.
func (r *DatasetRepository) ClearHarvest(ctx context.Context, id string) error {
	return r.db.WithContext(ctx).Model(&domain.Dataset{}).
		Where("id = ?", id).
		Updates(map[string]interface{}{
			"harvest_source_id":   "",
			"harvest_remote_id":   "",
			"harvest_domain":      "",
			"harvest_backend":     "",
			"harvest_last_update": nil,
			"harvest_remote_url":  "",
		}).Error
}

// Count returns the total number of dataset records.
func (r *DatasetRepository) Count(ctx context.Context) (int64, error) {
	var n int64
	err := r.db.WithContext(ctx).Model(&domain.Dataset{}).Count(&n).Error
	return n, err
}

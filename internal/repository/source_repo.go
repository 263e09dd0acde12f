package repository

import (
	"context"
	"time"

	"github.com/civicdata/harvester/internal/domain"
	"gorm.io/gorm"
)

// SourceRepository handles harvest source persistence.
type SourceRepository struct {
	db *gorm.DB
}

// NewSourceRepository creates a new SourceRepository.
func NewSourceRepository(db *gorm.DB) *SourceRepository {
	return &SourceRepository{db: db}
}

// Create inserts a new harvest source record.
func (r *SourceRepository) Create(ctx context.Context, src *domain.HarvestSource) error {
	return r.db.WithContext(ctx).Create(src).Error
}

// Update persists changes to an existing source.
func (r *SourceRepository) Update(ctx context.Context, src *domain.HarvestSource) error {
	return r.db.WithContext(ctx).Save(src).Error
}

// GetByID retrieves a source by its ID. Soft-deleted sources are still
// returned: deletion hides them from listing, not from lookup.
func (r *SourceRepository) GetByID(ctx context.Context, id string) (*domain.HarvestSource, error) {
	var src domain.HarvestSource
	if err := r.db.WithContext(ctx).First(&src, "id = ?", id).Error; err != nil {
		return nil, err
	}
	return &src, nil
}

// ListOptions narrows a source listing.
type ListOptions struct {
	Owner        string
	Organization string
	Backend      string
	Limit        int
	Offset       int
}

// List returns non-deleted sources ordered by creation time.
func (r *SourceRepository) List(ctx context.Context, opts ListOptions) ([]domain.HarvestSource, error) {
	q := r.db.WithContext(ctx).Where("deleted_at IS NULL").Order("created_at")
	if opts.Owner != "" {
		q = q.Where("owner_id = ?", opts.Owner)
	}
	if opts.Organization != "" {
		q = q.Where("organization_id = ?", opts.Organization)
	}
	if opts.Backend != "" {
		q = q.Where("backend = ?", opts.Backend)
	}
	if opts.Limit > 0 {
		q = q.Limit(opts.Limit).Offset(opts.Offset)
	}
	var sources []domain.HarvestSource
	if err := q.Find(&sources).Error; err != nil {
		return nil, err
	}
	return sources, nil
}

// ListDeleted returns all soft-deleted sources, for the purge sweep.
func (r *SourceRepository) ListDeleted(ctx context.Context) ([]domain.HarvestSource, error) {
	var sources []domain.HarvestSource
	err := r.db.WithContext(ctx).Where("deleted_at IS NOT NULL").Find(&sources).Error
	if err != nil {
		return nil, err
	}
	return sources, nil
}

// SoftDelete stamps the deletion timestamp on a source.
func (r *SourceRepository) SoftDelete(ctx context.Context, id string, at time.Time) error {
	return r.db.WithContext(ctx).Model(&domain.HarvestSource{}).
		Where("id = ?", id).
		Update("deleted_at", at).Error
}

// HardDelete removes a source record entirely. Only the purge sweep calls this.
func (r *SourceRepository) HardDelete(ctx context.Context, id string) error {
	return r.db.WithContext(ctx).Delete(&domain.HarvestSource{}, "id = ?", id).Error
}

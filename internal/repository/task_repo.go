package repository

import (
	"context"
	"errors"
	"time"

	"github.com/civicdata/harvester/internal/domain"
	"gorm.io/gorm"
)

// TaskRepository handles periodic-task record persistence.
type TaskRepository struct {
	db *gorm.DB
}

// NewTaskRepository creates a new TaskRepository.
func NewTaskRepository(db *gorm.DB) *TaskRepository {
	return &TaskRepository{db: db}
}

// Create inserts a new periodic task record.
func (r *TaskRepository) Create(ctx context.Context, task *domain.PeriodicTask) error {
	return r.db.WithContext(ctx).Create(task).Error
}

// Update persists changes to a periodic task.
func (r *TaskRepository) Update(ctx context.Context, task *domain.PeriodicTask) error {
	return r.db.WithContext(ctx).Save(task).Error
}

// GetByID retrieves a periodic task by its ID.
func (r *TaskRepository) GetByID(ctx context.Context, id string) (*domain.PeriodicTask, error) {
	var task domain.PeriodicTask
	if err := r.db.WithContext(ctx).First(&task, "id = ?", id).Error; err != nil {
		return nil, err
	}
	return &task, nil
}

// GetBySource retrieves the periodic task of a source, or nil when unscheduled.
func (r *TaskRepository) GetBySource(ctx context.Context, sourceID string) (*domain.PeriodicTask, error) {
	var task domain.PeriodicTask
	err := r.db.WithContext(ctx).First(&task, "source_id = ?", sourceID).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &task, nil
}

// ListEnabled returns all enabled periodic tasks, for the scheduler process.
func (r *TaskRepository) ListEnabled(ctx context.Context) ([]domain.PeriodicTask, error) {
	var tasks []domain.PeriodicTask
	err := r.db.WithContext(ctx).Where("enabled = ?", true).Find(&tasks).Error
	if err != nil {
		return nil, err
	}
	return tasks, nil
}

// TouchLastRun records the time the task last fired.
func (r *TaskRepository) TouchLastRun(ctx context.Context, id string, at time.Time) error {
	return r.db.WithContext(ctx).Model(&domain.PeriodicTask{}).
		Where("id = ?", id).
		Update("last_run_at", at).Error
}

// Delete removes a periodic task record.
func (r *TaskRepository) Delete(ctx context.Context, id string) error {
	return r.db.WithContext(ctx).Delete(&domain.PeriodicTask{}, "id = ?", id).Error
}

package harvest

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/civicdata/harvester/internal/config"
	"github.com/civicdata/harvester/internal/domain"
	"github.com/civicdata/harvester/internal/harvest/backend"
	"github.com/civicdata/harvester/internal/logger"
	"github.com/civicdata/harvester/internal/repository"
	"github.com/civicdata/harvester/internal/scheduler"
	"github.com/google/uuid"
)

var (
	// ErrOwnerRequired is returned when a source names neither or both of
	// owner and organization.
	ErrOwnerRequired = errors.New("exactly one of owner or organization must be set")

	// ErrCommentRequired is returned when a rejection carries no comment.
	ErrCommentRequired = errors.New("a comment is required to refuse a source")

	// ErrNotPending is returned when validating a source that already left
	// the pending state.
	ErrNotPending = errors.New("source validation is not pending")

	// ErrNotScheduled is returned when unscheduling a source with no schedule.
	ErrNotScheduled = errors.New("source has no schedule")
)

// SourceService governs the harvest source lifecycle: creation, the
// validation workflow, scheduling, and deletion.
type SourceService struct {
	sources   *repository.SourceRepository
	tasks     *repository.TaskRepository
	engine    *Engine
	publisher Publisher
	cfg       config.HarvestConfig
	log       *logger.Logger
}

// NewSourceService creates a new SourceService.
func NewSourceService(
	sources *repository.SourceRepository,
	tasks *repository.TaskRepository,
	engine *Engine,
	publisher Publisher,
	cfg config.HarvestConfig,
	log *logger.Logger,
) *SourceService {
	if publisher == nil {
		publisher = LogPublisher{}
	}
	return &SourceService{
		sources:   sources,
		tasks:     tasks,
		engine:    engine,
		publisher: publisher,
		cfg:       cfg,
		log:       log,
	}
}

// validate checks the structural invariants of a source.
func (s *SourceService) validate(src *domain.HarvestSource) error {
	if strings.TrimSpace(src.Name) == "" {
		return errors.New("source name is required")
	}
	if strings.TrimSpace(src.URL) == "" {
		return errors.New("source URL is required")
	}
	if _, ok := backend.Get(src.Backend); !ok {
		return fmt.Errorf("%w: %q", ErrUnknownBackend, src.Backend)
	}
	if (src.OwnerID == "") == (src.OrganizationID == "") {
		return ErrOwnerRequired
	}
	return s.validateConfig(src)
}

// validateConfig checks the source config against the backend's declared
// filters and features.
func (s *SourceService) validateConfig(src *domain.HarvestSource) error {
	desc, _ := backend.Get(src.Backend)
	known := make(map[string]bool, len(desc.Filters))
	for _, f := range desc.Filters {
		known[f.Key] = true
	}
	for _, f := range src.Config.Filters {
		if !known[f.Key] {
			return fmt.Errorf("unknown filter %q for backend %q", f.Key, src.Backend)
		}
	}
	features := make(map[string]bool, len(desc.Features))
	for _, f := range desc.Features {
		features[f.Key] = true
	}
	for key := range src.Config.Features {
		if !features[key] {
			return fmt.Errorf("unknown feature %q for backend %q", key, src.Backend)
		}
	}
	return nil
}

// Create registers a new harvest source in the pending validation state.
func (s *SourceService) Create(ctx context.Context, src *domain.HarvestSource) error {
	if src.ID == "" {
		src.ID = uuid.New().String()
	}
	src.Active = false
	src.Validation = domain.SourceValidation{State: domain.ValidationPending}
	if src.Frequency == "" {
		src.Frequency = "daily"
	}
	if err := s.validate(src); err != nil {
		return err
	}
	if err := s.sources.Create(ctx, src); err != nil {
		return err
	}
	s.publisher.Publish(ctx, Event{Kind: EventSourceCreated, Source: src, Timestamp: time.Now()})
	return nil
}

// Update mutates a source's configuration. A previously refused or accepted
// source keeps its validation state; changing the backend resets it to
// pending so the new configuration gets reviewed.
func (s *SourceService) Update(ctx context.Context, src *domain.HarvestSource) error {
	existing, err := s.sources.GetByID(ctx, src.ID)
	if err != nil {
		return err
	}
	if src.Backend != existing.Backend || src.URL != existing.URL {
		src.Active = false
		src.Validation = domain.SourceValidation{State: domain.ValidationPending}
	} else {
		src.Validation = existing.Validation
	}
	if err := s.validate(src); err != nil {
		return err
	}
	if err := s.sources.Update(ctx, src); err != nil {
		return err
	}
	s.publisher.Publish(ctx, Event{Kind: EventSourceUpdated, Source: src, Timestamp: time.Now()})
	return nil
}

// Get retrieves a source by ID. Soft-deleted sources are returned too.
func (s *SourceService) Get(ctx context.Context, id string) (*domain.HarvestSource, error) {
	return s.sources.GetByID(ctx, id)
}

// List returns non-deleted sources.
func (s *SourceService) List(ctx context.Context, opts repository.ListOptions) ([]domain.HarvestSource, error) {
	return s.sources.List(ctx, opts)
}

// Accept moves a pending source to accepted, activates it, installs its
// default schedule and triggers one immediate run.
func (s *SourceService) Accept(ctx context.Context, id, validatedBy, comment string) (*domain.HarvestSource, error) {
	src, err := s.sources.GetByID(ctx, id)
	if err != nil {
		return nil, err
	}
	if src.Validation.State != domain.ValidationPending {
		return nil, ErrNotPending
	}

	now := time.Now()
	src.Validation.State = domain.ValidationAccepted
	src.Validation.ValidatedBy = validatedBy
	src.Validation.ValidatedOn = &now
	src.Validation.Comment = comment
	src.Active = true
	if err := s.sources.Update(ctx, src); err != nil {
		return nil, err
	}

	if err := s.Schedule(ctx, src, s.cfg.DefaultSchedule); err != nil {
		return nil, fmt.Errorf("failed to schedule accepted source: %w", err)
	}
	if _, err := s.engine.Launch(ctx, src.ID); err != nil {
		logger.CtxWarn(ctx, "Failed to launch initial run for %s: %v", src.ID, err)
	}

	s.publisher.Publish(ctx, Event{Kind: EventSourceValidated, Source: src, Timestamp: time.Now()})
	return src, nil
}

// Reject moves a pending source to refused. The comment is mandatory.
func (s *SourceService) Reject(ctx context.Context, id, validatedBy, comment string) (*domain.HarvestSource, error) {
	if strings.TrimSpace(comment) == "" {
		return nil, ErrCommentRequired
	}
	src, err := s.sources.GetByID(ctx, id)
	if err != nil {
		return nil, err
	}
	if src.Validation.State != domain.ValidationPending {
		return nil, ErrNotPending
	}

	now := time.Now()
	src.Validation.State = domain.ValidationRefused
	src.Validation.ValidatedBy = validatedBy
	src.Validation.ValidatedOn = &now
	src.Validation.Comment = comment
	src.Active = false
	if err := s.sources.Update(ctx, src); err != nil {
		return nil, err
	}

	s.publisher.Publish(ctx, Event{Kind: EventSourceRefused, Source: src, Timestamp: time.Now()})
	return src, nil
}

// Schedule installs or updates the periodic-task record of a source from a
// 5-field cron expression.
func (s *SourceService) Schedule(ctx context.Context, src *domain.HarvestSource, spec string) error {
	crontab, err := scheduler.Parse(spec)
	if err != nil {
		return err
	}
	return s.ScheduleFields(ctx, src, crontab)
}

// ScheduleFields installs or updates the periodic-task record of a source
// from individual cron fields.
func (s *SourceService) ScheduleFields(ctx context.Context, src *domain.HarvestSource, crontab scheduler.Crontab) error {
	if err := crontab.Validate(); err != nil {
		return err
	}

	task, err := s.tasks.GetBySource(ctx, src.ID)
	if err != nil {
		return err
	}
	if task == nil {
		task = &domain.PeriodicTask{
			ID:          uuid.New().String(),
			Name:        fmt.Sprintf("harvest-%s", src.ID),
			SourceID:    src.ID,
			Description: fmt.Sprintf("Harvest %s", src.Name),
			Enabled:     true,
		}
		applyCrontab(task, crontab)
		if err := s.tasks.Create(ctx, task); err != nil {
			return err
		}
	} else {
		applyCrontab(task, crontab)
		task.Enabled = true
		if err := s.tasks.Update(ctx, task); err != nil {
			return err
		}
	}

	src.PeriodicTaskID = &task.ID
	if err := s.sources.Update(ctx, src); err != nil {
		return err
	}
	s.publisher.Publish(ctx, Event{Kind: EventSourceScheduled, Source: src, Timestamp: time.Now()})
	return nil
}

// Unschedule removes the periodic-task record of a source. It errors when the
// source has no schedule.
func (s *SourceService) Unschedule(ctx context.Context, src *domain.HarvestSource) error {
	task, err := s.tasks.GetBySource(ctx, src.ID)
	if err != nil {
		return err
	}
	if task == nil {
		return ErrNotScheduled
	}
	if err := s.tasks.Delete(ctx, task.ID); err != nil {
		return err
	}
	src.PeriodicTaskID = nil
	if err := s.sources.Update(ctx, src); err != nil {
		return err
	}
	s.publisher.Publish(ctx, Event{Kind: EventSourceUnscheduled, Source: src, Timestamp: time.Now()})
	return nil
}

// Delete soft-deletes a source: it disappears from listings but stays
// addressable by ID until the purge sweep removes it.
func (s *SourceService) Delete(ctx context.Context, id string) error {
	src, err := s.sources.GetByID(ctx, id)
	if err != nil {
		return err
	}
	now := time.Now()
	if err := s.sources.SoftDelete(ctx, id, now); err != nil {
		return err
	}
	src.DeletedAt = &now
	s.publisher.Publish(ctx, Event{Kind: EventSourceDeleted, Source: src, Timestamp: now})
	return nil
}

func applyCrontab(task *domain.PeriodicTask, crontab scheduler.Crontab) {
	task.Minute = crontab.Minute
	task.Hour = crontab.Hour
	task.DayOfMonth = crontab.DayOfMonth
	task.MonthOfYear = crontab.MonthOfYear
	task.DayOfWeek = crontab.DayOfWeek
}

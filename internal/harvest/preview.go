package harvest

import (
	"context"
	"fmt"
	"time"

	"github.com/civicdata/harvester/internal/domain"
	"github.com/civicdata/harvester/internal/harvest/backend"
	"github.com/civicdata/harvester/internal/logger"
	"github.com/google/uuid"
)

// Preview executes the job engine against a source with zero persistence.
// The backend runs with dryrun enabled and a bounded item count; the
// resulting job and items exist only in memory.
func (e *Engine) Preview(ctx context.Context, src *domain.HarvestSource) (*domain.HarvestJob, error) {
	desc, ok := backend.Get(src.Backend)
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrUnknownBackend, src.Backend)
	}

	job := &domain.HarvestJob{
		ID:        uuid.New().String(),
		SourceID:  src.ID,
		Status:    domain.JobStatusPending,
		Items:     domain.HarvestItems{},
		Errors:    domain.HarvestErrors{},
		CreatedAt: time.Now(),
	}

	ctx = logger.WithFields(ctx, logger.Fields{
		logger.FieldSourceID: src.ID,
		logger.FieldBackend:  src.Backend,
	})

	e.execute(ctx, desc, src, job, backend.Options{
		Dryrun:   true,
		MaxItems: e.cfg.PreviewMaxItems,
	})

	return job, nil
}

// PreviewFromConfig builds an in-memory source from raw form fields and
// previews it. Used to test a configuration before the source is saved.
func (e *Engine) PreviewFromConfig(ctx context.Context, name, url, backendName string, cfg domain.SourceConfig) (*domain.HarvestJob, error) {
	src := &domain.HarvestSource{
		ID:      uuid.New().String(),
		Name:    name,
		URL:     url,
		Backend: backendName,
		Config:  cfg,
	}
	return e.Preview(ctx, src)
}

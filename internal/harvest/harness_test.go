package harvest

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"testing"

	"github.com/google/uuid"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	gormlogger "gorm.io/gorm/logger"

	"github.com/civicdata/harvester/internal/config"
	"github.com/civicdata/harvester/internal/domain"
	"github.com/civicdata/harvester/internal/harvest/backend"
	"github.com/civicdata/harvester/internal/logger"
	"github.com/civicdata/harvester/internal/repository"
)

// stubItem scripts the outcome of one remote item in a stub run.
type stubItem struct {
	remoteID string
	title    string
	err      error
}

// stubBackend replays a scripted item sequence through the tracker.
type stubBackend struct {
	items []stubItem
	fatal error // returned after the items, escaping item isolation

	// hook runs before the items, from inside the backend's run.
	hook func(ctx context.Context, t backend.Tracker) error
}

func (b *stubBackend) Harvest(ctx context.Context, t backend.Tracker) error {
	if b.hook != nil {
		if err := b.hook(ctx, t); err != nil {
			return err
		}
	}
	for _, it := range b.items {
		if err := t.StartItem(ctx, it.remoteID); err != nil {
			if errors.Is(err, backend.ErrMaxItemsReached) {
				return nil
			}
			return err
		}
		if it.err != nil {
			t.FailItem(ctx, it.remoteID, it.err)
			continue
		}
		title := it.title
		if title == "" {
			title = "Dataset " + it.remoteID
		}
		if err := t.CompleteItem(ctx, it.remoteID, &domain.Dataset{Title: title}); err != nil {
			return err
		}
	}
	return b.fatal
}

// stubRuns maps source IDs to scripted runs; the registered stub factory
// resolves against it.
var stubRuns = map[string]*stubBackend{}

func init() {
	backend.Register(backend.Descriptor{
		Name:        "stub",
		DisplayName: "Stub",
		Filters:     []backend.Filter{{Key: "organization", Type: "string"}},
		Features:    []backend.Feature{{Key: "remote_license"}},
		New: func(src *domain.HarvestSource, opts backend.Options) (backend.Backend, error) {
			b, ok := stubRuns[src.ID]
			if !ok {
				return nil, fmt.Errorf("no stub run scripted for source %s", src.ID)
			}
			return b, nil
		},
	})
	backend.Register(backend.Descriptor{
		Name:        "stub-broken",
		DisplayName: "Broken stub",
		New: func(src *domain.HarvestSource, opts backend.Options) (backend.Backend, error) {
			return nil, errors.New("cannot initialize")
		},
	})
}

// env bundles everything a harvest test needs against a fresh database.
type env struct {
	db       *gorm.DB
	sources  *repository.SourceRepository
	jobs     *repository.JobRepository
	datasets *repository.DatasetRepository
	tasks    *repository.TaskRepository
	engine   *Engine
	service  *SourceService
}

func newEnv(t *testing.T) *env {
	t.Helper()

	db, err := gorm.Open(sqlite.Open(filepath.Join(t.TempDir(), "harvest.db")), &gorm.Config{
		Logger: gormlogger.Default.LogMode(gormlogger.Silent),
	})
	if err != nil {
		t.Fatalf("failed to open test database: %v", err)
	}
	if err := repository.Migrate(db); err != nil {
		t.Fatalf("failed to migrate test database: %v", err)
	}

	log := logger.New(&logger.Config{Level: "error", Format: "text", ServiceName: "test"})
	cfg := config.HarvestConfig{
		PreviewMaxItems: 20,
		DefaultSchedule: "0 0 * * *",
		Workers:         1,
	}

	e := &env{
		db:       db,
		sources:  repository.NewSourceRepository(db),
		jobs:     repository.NewJobRepository(db),
		datasets: repository.NewDatasetRepository(db),
		tasks:    repository.NewTaskRepository(db),
	}
	e.engine = NewEngine(e.sources, e.jobs, e.datasets, cfg, log)
	e.service = NewSourceService(e.sources, e.tasks, e.engine, nil, cfg, log)
	return e
}

// newSource persists an accepted, active stub source and scripts its run.
func (e *env) newSource(t *testing.T, run *stubBackend) *domain.HarvestSource {
	t.Helper()

	src := &domain.HarvestSource{
		ID:          uuid.New().String(),
		Name:        "test source",
		URL:         "https://data.example.org",
		Backend:     "stub",
		OwnerID:     "owner-1",
		Active:      true,
		Autoarchive: true,
		Validation:  domain.SourceValidation{State: domain.ValidationAccepted},
	}
	if err := e.sources.Create(context.Background(), src); err != nil {
		t.Fatalf("failed to create source: %v", err)
	}
	if run != nil {
		stubRuns[src.ID] = run
		t.Cleanup(func() { delete(stubRuns, src.ID) })
	}
	return src
}

func (e *env) datasetCount(t *testing.T) int64 {
	t.Helper()
	n, err := e.datasets.Count(context.Background())
	if err != nil {
		t.Fatalf("failed to count datasets: %v", err)
	}
	return n
}

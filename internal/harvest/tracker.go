package harvest

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/civicdata/harvester/internal/domain"
	"github.com/civicdata/harvester/internal/harvest/backend"
	"github.com/civicdata/harvester/internal/logger"
	"github.com/civicdata/harvester/internal/repository"
	"github.com/google/uuid"
)

// tracker implements backend.Tracker for one job run. It owns all mutation of
// the job's item list; backends only see the narrow bookkeeping API. A mutex
// funnels calls from backends that parallelize internally.
type tracker struct {
	mu       sync.Mutex
	job      *domain.HarvestJob
	source   *domain.HarvestSource
	datasets *repository.DatasetRepository
	opts     backend.Options
	open     map[string]int // remoteID -> index of the open item
}

func newTracker(job *domain.HarvestJob, src *domain.HarvestSource, datasets *repository.DatasetRepository, opts backend.Options) *tracker {
	return &tracker{
		job:      job,
		source:   src,
		datasets: datasets,
		opts:     opts,
		open:     make(map[string]int),
	}
}

// Source returns the source being harvested.
func (t *tracker) Source() *domain.HarvestSource {
	return t.source
}

// Dryrun reports whether the run must avoid all persistence.
func (t *tracker) Dryrun() bool {
	return t.opts.Dryrun
}

// StartItem opens a new item for a remote identifier, preserving the order in
// which the backend yields them.
func (t *tracker) StartItem(ctx context.Context, remoteID string, args ...string) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.opts.MaxItems > 0 && len(t.job.Items) >= t.opts.MaxItems {
		return backend.ErrMaxItemsReached
	}

	now := time.Now()
	t.job.Items = append(t.job.Items, domain.HarvestItem{
		RemoteID:  remoteID,
		Status:    domain.ItemStatusStarted,
		StartedAt: &now,
		Args:      args,
	})
	t.open[remoteID] = len(t.job.Items) - 1

	logger.CtxDebug(ctx, "Processing remote item %s", remoteID)
	return nil
}

// CompleteItem upserts the dataset (keyed by harvest provenance) and closes
// the item as done. In dryrun mode the dataset stays in memory: the item
// records the would-be dataset ID but nothing is written.
func (t *tracker) CompleteItem(ctx context.Context, remoteID string, dataset *domain.Dataset) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	idx, ok := t.open[remoteID]
	if !ok {
		return fmt.Errorf("no open item for remote id %q", remoteID)
	}

	t.stampProvenance(dataset, remoteID)

	if !t.opts.Dryrun {
		if err := t.upsert(ctx, dataset); err != nil {
			t.failLocked(ctx, idx, err)
			return nil
		}
	}

	now := time.Now()
	item := &t.job.Items[idx]
	item.Status = domain.ItemStatusDone
	item.DatasetID = dataset.ID
	item.EndedAt = &now
	delete(t.open, remoteID)
	return nil
}

// FailItem closes an item with an error without aborting the run.
func (t *tracker) FailItem(ctx context.Context, remoteID string, err error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	idx, ok := t.open[remoteID]
	if !ok {
		// The backend failed before StartItem could be called for this id;
		// record the item anyway so the failure is visible.
		t.job.Items = append(t.job.Items, domain.HarvestItem{
			RemoteID: remoteID,
			Status:   domain.ItemStatusStarted,
		})
		idx = len(t.job.Items) - 1
	}
	t.failLocked(ctx, idx, err)
	delete(t.open, remoteID)
}

// failLocked records an error on an item. Callers hold t.mu.
func (t *tracker) failLocked(ctx context.Context, idx int, err error) {
	now := time.Now()
	item := &t.job.Items[idx]
	item.Status = domain.ItemStatusFailed
	item.EndedAt = &now
	item.Errors = append(item.Errors, domain.HarvestError{
		Message:   err.Error(),
		CreatedAt: now,
	})
	logger.FromContext(ctx).WithFields(logger.Fields{
		logger.FieldRemoteID: item.RemoteID,
	}).WithError(err).Warn("Failed to process remote item")
}

// stampProvenance fills the harvest provenance of a dataset produced by the
// backend, preserving the ID of an already-attached local dataset.
func (t *tracker) stampProvenance(dataset *domain.Dataset, remoteID string) {
	now := time.Now()
	dataset.Harvest.SourceID = t.source.ID
	dataset.Harvest.RemoteID = remoteID
	dataset.Harvest.Domain = t.source.Domain()
	dataset.Harvest.Backend = t.source.Backend
	dataset.Harvest.LastUpdate = &now
}

// upsert creates or updates the local dataset record keyed by its
// (domain, remote_id) provenance pair.
func (t *tracker) upsert(ctx context.Context, dataset *domain.Dataset) error {
	existing, err := t.datasets.GetByRemote(ctx, dataset.Harvest.Domain, dataset.Harvest.RemoteID)
	if err != nil {
		return fmt.Errorf("failed to look up dataset by provenance: %w", err)
	}
	if existing != nil {
		dataset.ID = existing.ID
		dataset.CreatedAt = existing.CreatedAt
		// A reappearing remote record clears any previous archive marker.
		dataset.ArchivedAt = nil
		dataset.Harvest.Archived = ""
		dataset.Harvest.ArchivedAt = nil
		return t.datasets.Update(ctx, dataset)
	}
	if dataset.ID == "" {
		dataset.ID = uuid.New().String()
	}
	return t.datasets.Create(ctx, dataset)
}

// Package backend defines the contract every harvest backend implements and
// the process-wide registry mapping backend names to factories.
package backend

import (
	"context"
	"errors"

	"github.com/civicdata/harvester/internal/domain"
)

// ErrMaxItemsReached is returned by Tracker.StartItem once the run's item cap
// is exhausted. Backends must stop producing items when they see it.
var ErrMaxItemsReached = errors.New("max items reached for this run")

// Filter describes one configuration key a source may use to narrow what is
// harvested. Filters are declarative: the backend self-enforces them.
type Filter struct {
	Key         string `json:"key"`
	Type        string `json:"type"`
	Description string `json:"description"`
}

// Feature describes one behavior toggle of a backend.
type Feature struct {
	Key         string `json:"key"`
	Description string `json:"description"`
	Default     bool   `json:"default"`
}

// Options carries the run-scoped flags a backend is constructed with.
// Dryrun guarantees zero persistent side effects; MaxItems, when positive,
// bounds how many items the run may produce.
type Options struct {
	Dryrun   bool
	MaxItems int
}

// Tracker is the narrow per-item bookkeeping API the engine exposes to a
// backend during one run. All progress reporting goes through it; backends
// never mutate the job directly. Implementations are safe for use from a
// single goroutine; backends that parallelize internally must funnel calls
// through one writer.
type Tracker interface {
	// Source returns the source being harvested.
	Source() *domain.HarvestSource

	// Dryrun reports whether the run must avoid all persistence.
	Dryrun() bool

	// StartItem opens a new item for the given remote identifier. It returns
	// ErrMaxItemsReached when the run's item cap is exhausted.
	StartItem(ctx context.Context, remoteID string, args ...string) error

	// CompleteItem closes an item successfully. The dataset carries the
	// normalized remote record; the engine upserts it (keyed by harvest
	// provenance) unless the run is a dryrun.
	CompleteItem(ctx context.Context, remoteID string, dataset *domain.Dataset) error

	// FailItem closes an item with an error. Per-item failures never abort
	// the run; they are recorded and the backend moves on.
	FailItem(ctx context.Context, remoteID string, err error)
}

// Backend is one remote catalog protocol driver. Harvest lists the remote
// items (bounded by the source's filters and the run's item cap) and, for
// each, fetches, normalizes and reports through the tracker. An error
// returned from Harvest is job-fatal; per-item errors must be caught inside
// and reported via FailItem.
type Backend interface {
	Harvest(ctx context.Context, t Tracker) error
}

// Factory constructs a run-scoped backend instance for a source.
type Factory func(source *domain.HarvestSource, opts Options) (Backend, error)

// Descriptor is the registry entry of one backend: static identity,
// declared filters/features, and the factory.
type Descriptor struct {
	Name        string    `json:"id"`
	DisplayName string    `json:"label"`
	Filters     []Filter  `json:"filters"`
	Features    []Feature `json:"features"`
	New         Factory   `json:"-"`
}

package harvest

import (
	"context"
	"encoding/csv"
	"fmt"
	"io"
	"os"
	"time"

	"github.com/civicdata/harvester/internal/domain"
	"github.com/civicdata/harvester/internal/logger"
)

// Autoarchive archives every local dataset previously harvested from the
// source whose remote identifier the given job did not report. This is how an
// upstream deletion is noticed: the set-difference between "on record" and
// "seen this run".
func (e *Engine) Autoarchive(ctx context.Context, src *domain.HarvestSource, job *domain.HarvestJob) error {
	seen := job.RemoteIDs()

	known, err := e.datasets.ListBySource(ctx, src.ID)
	if err != nil {
		return fmt.Errorf("failed to list harvested datasets: %w", err)
	}

	now := time.Now()
	archived := 0
	for _, ds := range known {
		if seen[ds.Harvest.RemoteID] || ds.Archived() {
			continue
		}
		if err := e.datasets.Archive(ctx, ds.ID, domain.ArchiveReasonHarvesterDeleted, now); err != nil {
			logger.CtxError(ctx, "Failed to archive dataset %s: %v", ds.ID, err)
			continue
		}
		archived++
	}

	if archived > 0 {
		logger.With(logger.Fields{logger.FieldCount: archived}).
			Info(ctx, "Archived datasets no longer reported upstream")
	}
	return nil
}

// AttachResult tallies a bulk attach operation.
type AttachResult struct {
	Attached int `json:"attached"`
	Errors   int `json:"errors"`
}

// Attach reads a semicolon-delimited two-column file mapping existing local
// dataset IDs to remote identifiers under a domain, so future harvests
// recognize pre-existing datasets instead of creating duplicates. Any dataset
// previously claiming a re-mapped (domain, remote) pair is detached first, so
// the pair keeps mapping to at most one dataset. Per-row failures are counted,
// not raised.
func (e *Engine) Attach(ctx context.Context, dom, filename string) (*AttachResult, error) {
	f, err := os.Open(filename)
	if err != nil {
		return nil, fmt.Errorf("failed to open attach file: %w", err)
	}
	defer f.Close()
	return e.AttachReader(ctx, dom, f)
}

// AttachReader is Attach over an already-open reader.
func (e *Engine) AttachReader(ctx context.Context, dom string, r io.Reader) (*AttachResult, error) {
	reader := csv.NewReader(r)
	reader.Comma = ';'
	reader.FieldsPerRecord = -1 // extra columns ignored

	header, err := reader.Read()
	if err != nil {
		return nil, fmt.Errorf("failed to read attach header: %w", err)
	}
	localCol, remoteCol := -1, -1
	for i, name := range header {
		switch name {
		case "local":
			localCol = i
		case "remote":
			remoteCol = i
		}
	}
	if localCol < 0 || remoteCol < 0 {
		return nil, fmt.Errorf("attach file must have %q and %q columns", "local", "remote")
	}

	result := &AttachResult{}
	now := time.Now()
	for {
		row, err := reader.Read()
		if err == io.EOF {
			break
		}
		if err != nil {
			result.Errors++
			continue
		}
		if localCol >= len(row) || remoteCol >= len(row) {
			result.Errors++
			continue
		}
		local, remote := row[localCol], row[remoteCol]

		ds, err := e.datasets.GetByID(ctx, local)
		if err != nil {
			result.Errors++
			continue
		}

		// Detach whichever dataset held this pair before.
		prev, err := e.datasets.GetByRemote(ctx, dom, remote)
		if err != nil {
			result.Errors++
			continue
		}
		if prev != nil && prev.ID != ds.ID {
			if err := e.datasets.ClearHarvest(ctx, prev.ID); err != nil {
				result.Errors++
				continue
			}
		}

		ds.Harvest.Domain = dom
		ds.Harvest.RemoteID = remote
		ds.Harvest.LastUpdate = &now
		if err := e.datasets.Update(ctx, ds); err != nil {
			result.Errors++
			continue
		}
		result.Attached++
	}
	return result, nil
}

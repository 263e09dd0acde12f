package harvest

import (
	"context"
	"errors"
	"fmt"
	"testing"

	"github.com/civicdata/harvester/internal/domain"
	"github.com/civicdata/harvester/internal/harvest/backend"
	"github.com/civicdata/harvester/internal/repository"
)

func TestRunPerItemIsolation(t *testing.T) {
	e := newEnv(t)
	src := e.newSource(t, &stubBackend{items: []stubItem{
		{remoteID: "a"},
		{remoteID: "b", err: errors.New("remote record is garbage")},
		{remoteID: "c"},
	}})

	job, err := e.engine.Run(context.Background(), src.ID)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if job.Status != domain.JobStatusDoneErrors {
		t.Errorf("expected status done-errors, got %q", job.Status)
	}
	if len(job.Items) != 3 {
		t.Fatalf("expected 3 items, got %d", len(job.Items))
	}
	if job.Items[0].Status != domain.ItemStatusDone || job.Items[2].Status != domain.ItemStatusDone {
		t.Error("expected surrounding items to be done")
	}
	if job.Items[1].Status != domain.ItemStatusFailed {
		t.Errorf("expected failed middle item, got %q", job.Items[1].Status)
	}
	if len(job.Items[1].Errors) != 1 {
		t.Fatalf("expected 1 error on failed item, got %d", len(job.Items[1].Errors))
	}
	if job.Items[1].Errors[0].Message != "remote record is garbage" {
		t.Errorf("unexpected error message: %q", job.Items[1].Errors[0].Message)
	}

	// The failed item must not have blocked its siblings' datasets.
	if n := e.datasetCount(t); n != 2 {
		t.Errorf("expected 2 datasets persisted, got %d", n)
	}
}

func TestRunAllItemsSucceed(t *testing.T) {
	e := newEnv(t)
	src := e.newSource(t, &stubBackend{items: []stubItem{
		{remoteID: "a"}, {remoteID: "b"},
	}})

	job, err := e.engine.Run(context.Background(), src.ID)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if job.Status != domain.JobStatusDone {
		t.Errorf("expected status done, got %q", job.Status)
	}
	if job.StartedAt == nil || job.EndedAt == nil {
		t.Error("expected started/ended timestamps to be set")
	}

	// Run is stamped on the source.
	updated, err := e.sources.GetByID(context.Background(), src.ID)
	if err != nil {
		t.Fatalf("failed to reload source: %v", err)
	}
	if updated.LastJobID == nil || *updated.LastJobID != job.ID {
		t.Error("expected last job id stamped on source")
	}
}

func TestRunEscapedErrorFailsJob(t *testing.T) {
	e := newEnv(t)
	src := e.newSource(t, &stubBackend{
		items: []stubItem{{remoteID: "a"}},
		fatal: errors.New("listing endpoint went away"),
	})

	job, err := e.engine.Run(context.Background(), src.ID)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if job.Status != domain.JobStatusFailed {
		t.Errorf("expected status failed, got %q", job.Status)
	}
	if len(job.Errors) != 1 {
		t.Fatalf("expected 1 job-level error, got %d", len(job.Errors))
	}

	// The failure is persisted on the job record.
	stored, err := e.jobs.GetByID(context.Background(), job.ID)
	if err != nil {
		t.Fatalf("failed to reload job: %v", err)
	}
	if stored.Status != domain.JobStatusFailed {
		t.Errorf("expected persisted status failed, got %q", stored.Status)
	}
}

func TestRunBackendInitFailureFailsJob(t *testing.T) {
	e := newEnv(t)
	src := e.newSource(t, nil)
	src.Backend = "stub-broken"
	if err := e.sources.Update(context.Background(), src); err != nil {
		t.Fatalf("failed to update source: %v", err)
	}

	job, err := e.engine.Run(context.Background(), src.ID)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if job.Status != domain.JobStatusFailed {
		t.Errorf("expected status failed, got %q", job.Status)
	}
}

func TestRunDeletedSourceRejected(t *testing.T) {
	e := newEnv(t)
	src := e.newSource(t, &stubBackend{})
	if err := e.service.Delete(context.Background(), src.ID); err != nil {
		t.Fatalf("failed to delete source: %v", err)
	}

	if _, err := e.engine.Run(context.Background(), src.ID); !errors.Is(err, ErrSourceDeleted) {
		t.Errorf("expected ErrSourceDeleted, got %v", err)
	}
}

func TestRunUnknownBackend(t *testing.T) {
	e := newEnv(t)
	src := e.newSource(t, nil)
	src.Backend = "no-such-backend"
	if err := e.sources.Update(context.Background(), src); err != nil {
		t.Fatalf("failed to update source: %v", err)
	}

	if _, err := e.engine.Run(context.Background(), src.ID); !errors.Is(err, ErrUnknownBackend) {
		t.Errorf("expected ErrUnknownBackend, got %v", err)
	}
}

func TestRunRejectsSecondOpenJob(t *testing.T) {
	e := newEnv(t)
	src := e.newSource(t, &stubBackend{})

	// Simulate a run already in flight.
	open := &domain.HarvestJob{SourceID: src.ID, Status: domain.JobStatusStarted}
	open.ID = "job-in-flight"
	if err := e.jobs.Create(context.Background(), open); err != nil {
		t.Fatalf("failed to create open job: %v", err)
	}

	_, err := e.engine.Run(context.Background(), src.ID)
	if !errors.Is(err, repository.ErrJobAlreadyRunning) {
		t.Errorf("expected ErrJobAlreadyRunning, got %v", err)
	}
}

func TestRunUpsertsByProvenance(t *testing.T) {
	e := newEnv(t)
	src := e.newSource(t, &stubBackend{items: []stubItem{
		{remoteID: "a", title: "First title"},
	}})

	if _, err := e.engine.Run(context.Background(), src.ID); err != nil {
		t.Fatalf("first run: %v", err)
	}
	first, err := e.datasets.GetByRemote(context.Background(), src.Domain(), "a")
	if err != nil || first == nil {
		t.Fatalf("expected dataset after first run, got %v, %v", first, err)
	}

	stubRuns[src.ID] = &stubBackend{items: []stubItem{
		{remoteID: "a", title: "Renamed title"},
	}}
	if _, err := e.engine.Run(context.Background(), src.ID); err != nil {
		t.Fatalf("second run: %v", err)
	}

	if n := e.datasetCount(t); n != 1 {
		t.Fatalf("expected 1 dataset after re-harvest, got %d", n)
	}
	second, err := e.datasets.GetByRemote(context.Background(), src.Domain(), "a")
	if err != nil || second == nil {
		t.Fatalf("expected dataset after second run, got %v, %v", second, err)
	}
	if second.ID != first.ID {
		t.Error("expected stable dataset id across runs")
	}
	if second.Title != "Renamed title" {
		t.Errorf("expected updated title, got %q", second.Title)
	}
	if second.Harvest.SourceID != src.ID || second.Harvest.Backend != "stub" {
		t.Error("expected harvest provenance stamped on dataset")
	}
}

func TestAutoarchiveVanishedDatasets(t *testing.T) {
	e := newEnv(t)
	src := e.newSource(t, &stubBackend{items: []stubItem{
		{remoteID: "a"}, {remoteID: "b"},
	}})

	if _, err := e.engine.Run(context.Background(), src.ID); err != nil {
		t.Fatalf("first run: %v", err)
	}

	// The remote catalog dropped "b".
	stubRuns[src.ID] = &stubBackend{items: []stubItem{{remoteID: "a"}}}
	if _, err := e.engine.Run(context.Background(), src.ID); err != nil {
		t.Fatalf("second run: %v", err)
	}

	a, _ := e.datasets.GetByRemote(context.Background(), src.Domain(), "a")
	if a == nil || a.Archived() {
		t.Error("expected still-reported dataset to stay unarchived")
	}
	b, _ := e.datasets.GetByRemote(context.Background(), src.Domain(), "b")
	if b == nil {
		t.Fatal("expected vanished dataset to still exist")
	}
	if !b.Archived() {
		t.Fatal("expected vanished dataset to be archived")
	}
	if b.Harvest.Archived != domain.ArchiveReasonHarvesterDeleted {
		t.Errorf("unexpected archive reason: %q", b.Harvest.Archived)
	}

	// "b" reappears: the archive marker clears.
	stubRuns[src.ID] = &stubBackend{items: []stubItem{{remoteID: "a"}, {remoteID: "b"}}}
	if _, err := e.engine.Run(context.Background(), src.ID); err != nil {
		t.Fatalf("third run: %v", err)
	}
	b, _ = e.datasets.GetByRemote(context.Background(), src.Domain(), "b")
	if b == nil || b.Archived() {
		t.Error("expected reappeared dataset to be unarchived")
	}
}

func TestNoAutoarchiveAfterFailedJob(t *testing.T) {
	e := newEnv(t)
	src := e.newSource(t, &stubBackend{items: []stubItem{
		{remoteID: "a"}, {remoteID: "b"},
	}})

	if _, err := e.engine.Run(context.Background(), src.ID); err != nil {
		t.Fatalf("first run: %v", err)
	}

	// A failed listing must not be read as "everything vanished".
	stubRuns[src.ID] = &stubBackend{fatal: errors.New("catalog unreachable")}
	if _, err := e.engine.Run(context.Background(), src.ID); err != nil {
		t.Fatalf("second run: %v", err)
	}

	for _, remoteID := range []string{"a", "b"} {
		ds, _ := e.datasets.GetByRemote(context.Background(), src.Domain(), remoteID)
		if ds == nil || ds.Archived() {
			t.Errorf("expected dataset %q untouched after failed job", remoteID)
		}
	}
}

func TestPreviewPersistsNothing(t *testing.T) {
	e := newEnv(t)

	job, err := e.engine.PreviewFromConfig(context.Background(),
		"unsaved", "https://data.example.org", "stub", domain.SourceConfig{})
	// The stub factory knows no scripted run for an unsaved source, so the
	// preview job fails -- but still exists, in memory only.
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if job.Status != domain.JobStatusFailed {
		t.Errorf("expected failed preview job, got %q", job.Status)
	}

	if n := e.datasetCount(t); n != 0 {
		t.Errorf("expected no datasets after preview, got %d", n)
	}
	var jobCount int64
	e.db.Model(&domain.HarvestJob{}).Count(&jobCount)
	if jobCount != 0 {
		t.Errorf("expected no job rows after preview, got %d", jobCount)
	}
}

func TestPreviewDryRunAndItemCap(t *testing.T) {
	e := newEnv(t)
	src := e.newSource(t, &stubBackend{items: []stubItem{
		{remoteID: "a"}, {remoteID: "b"}, {remoteID: "c"}, {remoteID: "d"},
	}})
	e.engine.cfg.PreviewMaxItems = 2

	job, err := e.engine.Preview(context.Background(), src)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if job.Status != domain.JobStatusDone {
		t.Errorf("expected done preview, got %q", job.Status)
	}
	if len(job.Items) != 2 {
		t.Errorf("expected item cap of 2, got %d items", len(job.Items))
	}
	for _, item := range job.Items {
		if item.Status != domain.ItemStatusDone {
			t.Errorf("expected item %q done, got %q", item.RemoteID, item.Status)
		}
	}
	if n := e.datasetCount(t); n != 0 {
		t.Errorf("expected dryrun to persist nothing, got %d datasets", n)
	}
}

func TestRunPersistsStartedState(t *testing.T) {
	e := newEnv(t)

	run := &stubBackend{items: []stubItem{{remoteID: "a"}}}
	src := e.newSource(t, run)

	var observed *domain.HarvestJob
	run.hook = func(ctx context.Context, _ backend.Tracker) error {
		jobs, err := e.jobs.ListBySource(ctx, src.ID, 0, 0)
		if err != nil {
			return err
		}
		if len(jobs) != 1 {
			return fmt.Errorf("expected 1 job row mid-run, got %d", len(jobs))
		}
		observed = &jobs[0]
		return nil
	}

	job, err := e.engine.Run(context.Background(), src.ID)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if observed == nil {
		t.Fatal("backend hook never ran")
	}
	// The running state is visible to readers while the backend works.
	if observed.Status != domain.JobStatusStarted {
		t.Errorf("expected persisted status started mid-run, got %q", observed.Status)
	}
	if observed.StartedAt == nil {
		t.Error("expected persisted start time mid-run")
	}
	if job.Status != domain.JobStatusDone {
		t.Errorf("expected terminal status done, got %q", job.Status)
	}
}

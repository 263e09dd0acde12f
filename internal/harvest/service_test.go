package harvest

import (
	"context"
	"errors"
	"testing"

	"github.com/civicdata/harvester/internal/domain"
	"github.com/civicdata/harvester/internal/repository"
)

func pendingSource() *domain.HarvestSource {
	return &domain.HarvestSource{
		Name:    "city open data",
		URL:     "https://data.example.org",
		Backend: "stub",
		OwnerID: "owner-1",
	}
}

func TestCreateValidatesSource(t *testing.T) {
	e := newEnv(t)
	ctx := context.Background()

	tests := []struct {
		name   string
		mutate func(*domain.HarvestSource)
	}{
		{"missing name", func(s *domain.HarvestSource) { s.Name = " " }},
		{"missing url", func(s *domain.HarvestSource) { s.URL = "" }},
		{"unknown backend", func(s *domain.HarvestSource) { s.Backend = "nope" }},
		{"no owner nor organization", func(s *domain.HarvestSource) { s.OwnerID = "" }},
		{"both owner and organization", func(s *domain.HarvestSource) { s.OrganizationID = "org-1" }},
		{"unknown filter", func(s *domain.HarvestSource) {
			s.Config.Filters = []domain.ConfigFilter{{Key: "color", Value: "blue"}}
		}},
		{"unknown feature", func(s *domain.HarvestSource) {
			s.Config.Features = map[string]bool{"teleport": true}
		}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			src := pendingSource()
			tt.mutate(src)
			if err := e.service.Create(ctx, src); err == nil {
				t.Error("expected validation error")
			}
		})
	}
}

func TestCreateStartsPending(t *testing.T) {
	e := newEnv(t)
	ctx := context.Background()

	src := pendingSource()
	src.Config = domain.SourceConfig{
		Filters:  []domain.ConfigFilter{{Key: "organization", Value: "city-hall"}},
		Features: map[string]bool{"remote_license": true},
	}
	if err := e.service.Create(ctx, src); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if src.Validation.State != domain.ValidationPending {
		t.Errorf("expected pending validation, got %q", src.Validation.State)
	}
	if src.Active {
		t.Error("expected new source to be inactive")
	}
	if src.ID == "" {
		t.Error("expected generated source id")
	}
}

func TestAcceptActivatesAndSchedules(t *testing.T) {
	e := newEnv(t)
	ctx := context.Background()

	src := pendingSource()
	if err := e.service.Create(ctx, src); err != nil {
		t.Fatalf("create: %v", err)
	}

	accepted, err := e.service.Accept(ctx, src.ID, "admin", "looks legit")
	if err != nil {
		t.Fatalf("accept: %v", err)
	}
	if accepted.Validation.State != domain.ValidationAccepted {
		t.Errorf("expected accepted state, got %q", accepted.Validation.State)
	}
	if !accepted.Active {
		t.Error("expected accepted source to be active")
	}
	if accepted.Validation.ValidatedOn == nil || accepted.Validation.ValidatedBy != "admin" {
		t.Error("expected validation metadata recorded")
	}
	if accepted.PeriodicTaskID == nil {
		t.Fatal("expected default schedule installed")
	}

	task, err := e.tasks.GetByID(ctx, *accepted.PeriodicTaskID)
	if err != nil || task == nil {
		t.Fatalf("expected periodic task, got %v, %v", task, err)
	}
	if task.Crontab() != "0 0 * * *" {
		t.Errorf("expected default crontab, got %q", task.Crontab())
	}
	if !task.Enabled {
		t.Error("expected task enabled")
	}
}

func TestAcceptRequiresPending(t *testing.T) {
	e := newEnv(t)
	ctx := context.Background()

	src := pendingSource()
	if err := e.service.Create(ctx, src); err != nil {
		t.Fatalf("create: %v", err)
	}
	if _, err := e.service.Accept(ctx, src.ID, "admin", ""); err != nil {
		t.Fatalf("first accept: %v", err)
	}
	if _, err := e.service.Accept(ctx, src.ID, "admin", ""); !errors.Is(err, ErrNotPending) {
		t.Errorf("expected ErrNotPending, got %v", err)
	}
}

func TestRejectRequiresComment(t *testing.T) {
	e := newEnv(t)
	ctx := context.Background()

	src := pendingSource()
	if err := e.service.Create(ctx, src); err != nil {
		t.Fatalf("create: %v", err)
	}
	if _, err := e.service.Reject(ctx, src.ID, "admin", "  "); !errors.Is(err, ErrCommentRequired) {
		t.Errorf("expected ErrCommentRequired, got %v", err)
	}

	refused, err := e.service.Reject(ctx, src.ID, "admin", "spam catalog")
	if err != nil {
		t.Fatalf("reject: %v", err)
	}
	if refused.Validation.State != domain.ValidationRefused {
		t.Errorf("expected refused state, got %q", refused.Validation.State)
	}
	if refused.Active {
		t.Error("expected refused source to stay inactive")
	}
}

func TestUpdateResetsValidationOnEndpointChange(t *testing.T) {
	e := newEnv(t)
	ctx := context.Background()

	src := pendingSource()
	if err := e.service.Create(ctx, src); err != nil {
		t.Fatalf("create: %v", err)
	}
	if _, err := e.service.Accept(ctx, src.ID, "admin", ""); err != nil {
		t.Fatalf("accept: %v", err)
	}

	// A pure description edit keeps the accepted state.
	updated, _ := e.sources.GetByID(ctx, src.ID)
	updated.Description = "now with more data"
	if err := e.service.Update(ctx, updated); err != nil {
		t.Fatalf("update: %v", err)
	}
	if updated.Validation.State != domain.ValidationAccepted {
		t.Errorf("expected accepted state kept, got %q", updated.Validation.State)
	}

	// Pointing the source elsewhere demands a fresh review.
	updated.URL = "https://other.example.org"
	if err := e.service.Update(ctx, updated); err != nil {
		t.Fatalf("update: %v", err)
	}
	if updated.Validation.State != domain.ValidationPending {
		t.Errorf("expected validation reset to pending, got %q", updated.Validation.State)
	}
	if updated.Active {
		t.Error("expected source deactivated pending re-validation")
	}
}

func TestScheduleLifecycle(t *testing.T) {
	e := newEnv(t)
	ctx := context.Background()

	src := pendingSource()
	if err := e.service.Create(ctx, src); err != nil {
		t.Fatalf("create: %v", err)
	}

	if err := e.service.Schedule(ctx, src, "not a cron"); err == nil {
		t.Error("expected invalid cron to be rejected")
	}
	if err := e.service.Schedule(ctx, src, "30 4 * * 1"); err != nil {
		t.Fatalf("schedule: %v", err)
	}

	task, err := e.tasks.GetBySource(ctx, src.ID)
	if err != nil || task == nil {
		t.Fatalf("expected task, got %v, %v", task, err)
	}
	if task.Crontab() != "30 4 * * 1" {
		t.Errorf("unexpected crontab: %q", task.Crontab())
	}

	// Rescheduling updates the record instead of stacking a second one.
	if err := e.service.Schedule(ctx, src, "0 6 * * *"); err != nil {
		t.Fatalf("reschedule: %v", err)
	}
	tasks, _ := e.tasks.ListEnabled(ctx)
	if len(tasks) != 1 {
		t.Fatalf("expected 1 task after reschedule, got %d", len(tasks))
	}
	if tasks[0].Crontab() != "0 6 * * *" {
		t.Errorf("unexpected crontab after reschedule: %q", tasks[0].Crontab())
	}

	if err := e.service.Unschedule(ctx, src); err != nil {
		t.Fatalf("unschedule: %v", err)
	}
	if src.PeriodicTaskID != nil {
		t.Error("expected periodic task id cleared")
	}
	if err := e.service.Unschedule(ctx, src); !errors.Is(err, ErrNotScheduled) {
		t.Errorf("expected ErrNotScheduled, got %v", err)
	}
}

func TestDeleteHidesFromListingOnly(t *testing.T) {
	e := newEnv(t)
	ctx := context.Background()

	src := pendingSource()
	if err := e.service.Create(ctx, src); err != nil {
		t.Fatalf("create: %v", err)
	}
	if err := e.service.Delete(ctx, src.ID); err != nil {
		t.Fatalf("delete: %v", err)
	}

	listed, err := e.service.List(ctx, repository.ListOptions{})
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(listed) != 0 {
		t.Errorf("expected deleted source hidden from listing, got %d", len(listed))
	}

	got, err := e.service.Get(ctx, src.ID)
	if err != nil {
		t.Fatalf("expected lookup to still resolve: %v", err)
	}
	if !got.Deleted() {
		t.Error("expected source marked deleted")
	}
}

func TestEventsPublishedThroughLifecycle(t *testing.T) {
	e := newEnv(t)
	ctx := context.Background()

	var kinds []EventKind
	e.service.publisher = PublisherFunc(func(ctx context.Context, event Event) {
		kinds = append(kinds, event.Kind)
	})

	src := pendingSource()
	if err := e.service.Create(ctx, src); err != nil {
		t.Fatalf("create: %v", err)
	}
	if _, err := e.service.Accept(ctx, src.ID, "admin", ""); err != nil {
		t.Fatalf("accept: %v", err)
	}
	if err := e.service.Delete(ctx, src.ID); err != nil {
		t.Fatalf("delete: %v", err)
	}

	want := []EventKind{
		EventSourceCreated,
		EventSourceScheduled,
		EventSourceValidated,
		EventSourceDeleted,
	}
	if len(kinds) != len(want) {
		t.Fatalf("expected %d events, got %d: %v", len(want), len(kinds), kinds)
	}
	for i := range want {
		if kinds[i] != want[i] {
			t.Errorf("event %d: expected %q, got %q", i, want[i], kinds[i])
		}
	}
}

package scheduler

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/civicdata/harvester/internal/logger"
	"github.com/civicdata/harvester/internal/repository"
	"github.com/robfig/cron/v3"
)

// Launcher triggers a deferred harvest run for a source. The harvest engine
// satisfies it.
type Launcher interface {
	Launch(ctx context.Context, sourceID string) (string, error)
}

// Runner fires due periodic tasks. It loads the enabled schedule records from
// the database into an in-process cron and can carry extra maintenance
// entries (retention sweeps).
type Runner struct {
	cron     *cron.Cron
	tasks    *repository.TaskRepository
	launcher Launcher
	log      *logger.Logger

	mu      sync.Mutex
	entries []cron.EntryID // entries owned by the last Reload
}

// runnerParser additionally accepts @hourly/@daily style descriptors for
// maintenance entries.
var runnerParser = cron.NewParser(
	cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor,
)

// NewRunner creates a runner over the given task records and launcher.
func NewRunner(tasks *repository.TaskRepository, launcher Launcher, log *logger.Logger) *Runner {
	return &Runner{
		cron:     cron.New(cron.WithParser(runnerParser)),
		tasks:    tasks,
		launcher: launcher,
		log:      log,
	}
}

// Reload replaces the scheduled harvest entries with the currently enabled
// periodic tasks. Maintenance entries added through AddFunc are untouched.
func (r *Runner) Reload(ctx context.Context) error {
	tasks, err := r.tasks.ListEnabled(ctx)
	if err != nil {
		return fmt.Errorf("failed to load periodic tasks: %w", err)
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	for _, id := range r.entries {
		r.cron.Remove(id)
	}
	r.entries = r.entries[:0]

	for _, task := range tasks {
		task := task
		id, err := r.cron.AddFunc(task.Crontab(), func() {
			r.fire(ctx, task.ID, task.SourceID)
		})
		if err != nil {
			r.log.WithFields(logger.Fields{
				"task":               task.Name,
				logger.FieldSourceID: task.SourceID,
			}).WithError(err).Error("Failed to schedule periodic task")
			continue
		}
		r.entries = append(r.entries, id)
	}

	r.log.WithField(logger.FieldCount, len(r.entries)).Info("Periodic tasks loaded")
	return nil
}

// fire launches one due harvest run and stamps the task's last-run time.
func (r *Runner) fire(ctx context.Context, taskID, sourceID string) {
	if _, err := r.launcher.Launch(ctx, sourceID); err != nil {
		r.log.WithFields(logger.Fields{
			logger.FieldSourceID: sourceID,
		}).WithError(err).Warn("Scheduled harvest launch rejected")
		return
	}
	if err := r.tasks.TouchLastRun(ctx, taskID, time.Now()); err != nil {
		r.log.WithError(err).Warn("Failed to record task last run")
	}
}

// AddFunc registers a maintenance entry (e.g. a retention sweep) that
// survives Reload. The spec accepts the cron grammar plus @every/@hourly
// style descriptors.
func (r *Runner) AddFunc(spec string, fn func()) error {
	if _, err := runnerParser.Parse(spec); err != nil {
		return fmt.Errorf("invalid cron spec %q: %w", spec, err)
	}
	_, err := r.cron.AddFunc(spec, fn)
	return err
}

// Start begins firing due entries.
func (r *Runner) Start() {
	r.cron.Start()
}

// Stop halts the runner and waits for running entries to finish.
func (r *Runner) Stop() {
	<-r.cron.Stop().Done()
}

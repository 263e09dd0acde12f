package harvest

import (
	"context"
	"errors"
	"sync"

	"github.com/civicdata/harvester/internal/logger"
	"github.com/google/uuid"
)

// ErrDispatcherStopped is returned by Enqueue after Stop has been called.
var ErrDispatcherStopped = errors.New("dispatcher is stopped")

// launchTask is one deferred run request.
type launchTask struct {
	handle   string
	sourceID string
}

// Dispatcher hands harvest runs to a pool of worker goroutines. Launch is
// fire-and-forget: callers get a handle back, not a result; outcomes land on
// the persisted job.
type Dispatcher struct {
	engine  *Engine
	log     *logger.Logger
	queue   chan launchTask
	wg      sync.WaitGroup
	mu      sync.RWMutex
	started bool
	stopped bool
}

// NewDispatcher creates a dispatcher with the given number of workers.
func NewDispatcher(engine *Engine, workers int, log *logger.Logger) *Dispatcher {
	if workers <= 0 {
		workers = 1
	}
	return &Dispatcher{
		engine: engine,
		log:    log,
		queue:  make(chan launchTask, workers*4),
	}
}

// Start launches the worker goroutines. Runs use the given base context so a
// shutdown cancels in-flight remote fetches.
func (d *Dispatcher) Start(ctx context.Context, workers int) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.started {
		return
	}
	d.started = true

	if workers <= 0 {
		workers = 1
	}
	for i := 0; i < workers; i++ {
		d.wg.Add(1)
		go d.worker(ctx)
	}
}

// Enqueue queues a run for a source and returns the task handle. The read
// lock is held across the send so Stop cannot close the queue under it.
func (d *Dispatcher) Enqueue(ctx context.Context, sourceID string) (string, error) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	if d.stopped {
		return "", ErrDispatcherStopped
	}

	task := launchTask{
		handle:   uuid.New().String(),
		sourceID: sourceID,
	}
	select {
	case d.queue <- task:
		return task.handle, nil
	case <-ctx.Done():
		return "", ctx.Err()
	}
}

// Stop closes the queue and waits for in-flight runs to finish. The queue is
// closed under the write lock, after every pending Enqueue has released it.
func (d *Dispatcher) Stop() {
	d.mu.Lock()
	if d.stopped {
		d.mu.Unlock()
		return
	}
	d.stopped = true
	close(d.queue)
	d.mu.Unlock()

	d.wg.Wait()
}

func (d *Dispatcher) worker(ctx context.Context) {
	defer d.wg.Done()
	for task := range d.queue {
		runCtx := logger.SetSourceID(ctx, task.sourceID)
		if _, err := d.engine.Run(runCtx, task.sourceID); err != nil {
			// Rejected launches (deleted source, already-running job) are
			// normal; the caller inspects the job list for outcomes.
			d.log.WithFields(logger.Fields{
				logger.FieldSourceID: task.sourceID,
			}).WithError(err).Warn("Deferred harvest run was not started")
		}
	}
}

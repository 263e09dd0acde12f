package harvest

import (
	"context"
	"time"

	"github.com/civicdata/harvester/internal/domain"
	"github.com/civicdata/harvester/internal/logger"
)

// EventKind identifies a source lifecycle event.
type EventKind string

const (
	EventSourceCreated     EventKind = "harvest:source:created"
	EventSourceUpdated     EventKind = "harvest:source:updated"
	EventSourceValidated   EventKind = "harvest:source:validated"
	EventSourceRefused     EventKind = "harvest:source:refused"
	EventSourceDeleted     EventKind = "harvest:source:deleted"
	EventSourceScheduled   EventKind = "harvest:source:scheduled"
	EventSourceUnscheduled EventKind = "harvest:source:unscheduled"
)

// Event is a typed lifecycle notification emitted explicitly at the end of
// each source operation, in the order the operations completed.
type Event struct {
	Kind      EventKind
	Source    *domain.HarvestSource
	Timestamp time.Time
}

// Publisher receives lifecycle events. The notification fan-out lives outside
// this core; the default publisher just logs.
type Publisher interface {
	Publish(ctx context.Context, event Event)
}

// LogPublisher logs every event through the structured logger.
type LogPublisher struct{}

// Publish implements Publisher.
func (LogPublisher) Publish(ctx context.Context, event Event) {
	logger.FromContext(ctx).WithFields(logger.Fields{
		"event":              string(event.Kind),
		logger.FieldSourceID: event.Source.ID,
	}).Info("Harvest lifecycle event")
}

// PublisherFunc adapts a function to the Publisher interface.
type PublisherFunc func(ctx context.Context, event Event)

// Publish implements Publisher.
func (f PublisherFunc) Publish(ctx context.Context, event Event) {
	f(ctx, event)
}

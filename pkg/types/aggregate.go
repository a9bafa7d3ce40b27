package types

import (
	"time"

	"github.com/bvandewe/cml-cloud-manager/pkg/events"
)

// Aggregate carries the persistence version and the events recorded since
// the last save. The store stamps versions; aggregates only record.
type Aggregate struct {
	Version uint64 `json:"version"`

	uncommitted []events.Event
}

// CurrentVersion returns the version of the last save, zero if never saved.
func (a *Aggregate) CurrentVersion() uint64 {
	return a.Version
}

// SetVersion stamps the version after a save. Only pkg/storage calls this.
func (a *Aggregate) SetVersion(v uint64) {
	a.Version = v
}

// Record appends a domain event to the uncommitted list. The aggregate
// store publishes and clears the list on a successful save.
func (a *Aggregate) Record(eventType events.EventType, aggregateID, message string, metadata map[string]string) {
	a.uncommitted = append(a.uncommitted, events.Event{
		Type:        eventType,
		AggregateID: aggregateID,
		Timestamp:   time.Now(),
		Message:     message,
		Metadata:    metadata,
	})
}

// Uncommitted returns events recorded since the last save.
func (a *Aggregate) Uncommitted() []events.Event {
	return a.uncommitted
}

// ClearUncommitted drops recorded events after they are published.
func (a *Aggregate) ClearUncommitted() {
	a.uncommitted = nil
}

package events

import (
	"time"
)

// EventType represents the type of event
type EventType string

const (
	EventDefinitionCreated    EventType = "definition.created"
	EventDefinitionPublished  EventType = "definition.published"
	EventDefinitionDeprecated EventType = "definition.deprecated"

	EventInstanceCreated       EventType = "instance.created"
	EventInstanceScheduled     EventType = "instance.scheduled"
	EventInstanceInstantiating EventType = "instance.instantiating"
	EventInstanceRunning       EventType = "instance.running"
	EventInstanceCollecting    EventType = "instance.collecting"
	EventInstanceGrading       EventType = "instance.grading"
	EventInstanceStopping      EventType = "instance.stopping"
	EventInstanceStopped       EventType = "instance.stopped"
	EventInstanceArchived      EventType = "instance.archived"
	EventInstanceTerminated    EventType = "instance.terminated"

	EventWorkerCreated        EventType = "worker.created"
	EventWorkerProvisioning   EventType = "worker.provisioning"
	EventWorkerRunning        EventType = "worker.running"
	EventWorkerDraining       EventType = "worker.draining"
	EventWorkerDrainCancelled EventType = "worker.drain_cancelled"
	EventWorkerStopping       EventType = "worker.stopping"
	EventWorkerStopped        EventType = "worker.stopped"
	EventWorkerTerminated     EventType = "worker.terminated"

	EventScaleUpRequested   EventType = "scale.up_requested"
	EventScaleDownRequested EventType = "scale.down_requested"

	EventSystemShutdown  EventType = "system.shutdown"
	EventSystemHeartbeat EventType = "system.heartbeat"
)

// Event represents a domain event emitted by an aggregate save.
// Version is the aggregate version the save produced, so consumers can
// deduplicate on (AggregateID, Version).
type Event struct {
	ID          string
	Type        EventType
	AggregateID string
	Version     uint64
	Timestamp   time.Time
	Message     string
	Metadata    map[string]string
}

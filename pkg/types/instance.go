package types

import (
	"time"

	"github.com/bvandewe/cml-cloud-manager/pkg/errdefs"
	"github.com/bvandewe/cml-cloud-manager/pkg/events"
)

// InstanceState represents the state of a lablet instance
type InstanceState string

const (
	InstancePending       InstanceState = "PENDING"
	InstanceScheduled     InstanceState = "SCHEDULED"
	InstanceInstantiating InstanceState = "INSTANTIATING"
	InstanceRunning       InstanceState = "RUNNING"
	InstanceCollecting    InstanceState = "COLLECTING"
	InstanceGrading       InstanceState = "GRADING"
	InstanceStopping      InstanceState = "STOPPING"
	InstanceStopped       InstanceState = "STOPPED"
	InstanceArchived      InstanceState = "ARCHIVED"
	InstanceTerminated    InstanceState = "TERMINATED"
)

// instanceStateOrder positions states along the lifecycle DAG so history
// monotonicity can be checked. TERMINATED is terminal from anywhere.
var instanceStateOrder = map[InstanceState]int{
	InstancePending:       0,
	InstanceScheduled:     1,
	InstanceInstantiating: 2,
	InstanceRunning:       3,
	InstanceCollecting:    4,
	InstanceGrading:       5,
	InstanceStopping:      6,
	InstanceStopped:       7,
	InstanceArchived:      8,
	InstanceTerminated:    9,
}

// instanceTransitions enumerates the legal edges of the machine.
var instanceTransitions = map[InstanceState][]InstanceState{
	InstancePending:       {InstanceScheduled},
	InstanceScheduled:     {InstanceInstantiating},
	InstanceInstantiating: {InstanceRunning},
	InstanceRunning:       {InstanceCollecting, InstanceGrading, InstanceStopping},
	InstanceCollecting:    {InstanceGrading, InstanceStopping},
	InstanceGrading:       {InstanceStopping},
	InstanceStopping:      {InstanceStopped},
	InstanceStopped:       {InstanceArchived},
	InstanceArchived:      {},
	InstanceTerminated:    {},
}

// StateChange is one append-only history entry
type StateChange struct {
	State  InstanceState `json:"state"`
	At     time.Time     `json:"at"`
	Reason string        `json:"reason,omitempty"`
}

// LabletInstance is a reservation of a lablet definition on a worker for a
// timeslot. A nil TimeslotStart means "as soon as possible".
type LabletInstance struct {
	Aggregate

	ID                string         `json:"id"`
	DefinitionID      string         `json:"definition_id"`
	DefinitionVersion string         `json:"definition_version"`
	OwnerID           string         `json:"owner_id"`
	TimeslotStart     *time.Time     `json:"timeslot_start,omitempty"`
	TimeslotEnd       *time.Time     `json:"timeslot_end,omitempty"`
	State             InstanceState  `json:"state"`
	WorkerID          string         `json:"worker_id,omitempty"`
	AllocatedPorts    map[string]int `json:"allocated_ports,omitempty"`
	LabID             string         `json:"lab_id,omitempty"`
	GradingScore      *float64       `json:"grading_score,omitempty"`
	StateHistory      []StateChange  `json:"state_history"`
	CreatedAt         time.Time      `json:"created_at"`
}

// NewLabletInstance creates a PENDING reservation.
func NewLabletInstance(id string, def *LabletDefinition, ownerID string, start, end *time.Time) (*LabletInstance, error) {
	if id == "" {
		return nil, errdefs.InvalidArgument("instance id is required")
	}
	if def.Status != DefinitionPublished {
		return nil, errdefs.InvalidArgument("definition %s is %s, not PUBLISHED", def.ID, def.Status)
	}
	if start != nil && end != nil && !end.After(*start) {
		return nil, errdefs.InvalidArgument("timeslot_end must be after timeslot_start")
	}
	now := time.Now()
	inst := &LabletInstance{
		ID:                id,
		DefinitionID:      def.ID,
		DefinitionVersion: def.DefVersion,
		OwnerID:           ownerID,
		TimeslotStart:     start,
		TimeslotEnd:       end,
		State:             InstancePending,
		StateHistory:      []StateChange{{State: InstancePending, At: now, Reason: "created"}},
		CreatedAt:         now,
	}
	inst.Record(events.EventInstanceCreated, id, "instance created", map[string]string{
		"definition_id": def.ID, "owner_id": ownerID,
	})
	return inst, nil
}

func (i *LabletInstance) transition(to InstanceState, reason string, eventType events.EventType, metadata map[string]string) error {
	legal := false
	if to == InstanceTerminated {
		legal = !i.IsTerminal()
	} else {
		for _, next := range instanceTransitions[i.State] {
			if next == to {
				legal = true
				break
			}
		}
	}
	if !legal {
		return errdefs.InvalidTransition("instance "+i.ID, string(i.State), string(to))
	}
	i.State = to
	i.StateHistory = append(i.StateHistory, StateChange{State: to, At: time.Now(), Reason: reason})
	if metadata == nil {
		metadata = map[string]string{}
	}
	metadata["state"] = string(to)
	if reason != "" {
		metadata["reason"] = reason
	}
	i.Record(eventType, i.ID, "instance "+string(to), metadata)
	return nil
}

// Schedule binds the instance to a worker. The binding is immutable until
// the instance reaches a terminal state.
func (i *LabletInstance) Schedule(workerID string) error {
	if workerID == "" {
		return errdefs.InvalidArgument("worker id is required")
	}
	if i.WorkerID != "" && i.WorkerID != workerID {
		return errdefs.InvalidArgument("instance %s is already bound to worker %s", i.ID, i.WorkerID)
	}
	if err := i.transition(InstanceScheduled, "placed", events.EventInstanceScheduled, map[string]string{"worker_id": workerID}); err != nil {
		return err
	}
	i.WorkerID = workerID
	return nil
}

// BeginInstantiation records the port binding and starts the pipeline.
// Ports, once set, do not change until the instance stops.
func (i *LabletInstance) BeginInstantiation(ports map[string]int) error {
	if i.AllocatedPorts != nil {
		return errdefs.InvalidArgument("instance %s already holds a port allocation", i.ID)
	}
	if err := i.transition(InstanceInstantiating, "lead time reached", events.EventInstanceInstantiating, nil); err != nil {
		return err
	}
	i.AllocatedPorts = ports
	return nil
}

// MarkRunning records the lab id returned by the lab host.
func (i *LabletInstance) MarkRunning(labID string) error {
	if labID == "" {
		return errdefs.InvalidArgument("lab id is required")
	}
	if err := i.transition(InstanceRunning, "lab started", events.EventInstanceRunning, map[string]string{"lab_id": labID}); err != nil {
		return err
	}
	i.LabID = labID
	return nil
}

// BeginCollection marks the manual or API collection trigger.
func (i *LabletInstance) BeginCollection() error {
	return i.transition(InstanceCollecting, "collection requested", events.EventInstanceCollecting, nil)
}

// BeginGrading reacts to assessment.collection.completed. Legal from
// RUNNING as well, since collection may complete before the collecting
// command lands.
func (i *LabletInstance) BeginGrading() error {
	return i.transition(InstanceGrading, "collection completed", events.EventInstanceGrading, nil)
}

// CompleteGrading stores the score and moves to STOPPING.
func (i *LabletInstance) CompleteGrading(score float64) error {
	if err := i.transition(InstanceStopping, "grading completed", events.EventInstanceStopping, nil); err != nil {
		return err
	}
	i.GradingScore = &score
	return nil
}

// RequestStop moves RUNNING or COLLECTING to STOPPING, e.g. at timeslot end.
func (i *LabletInstance) RequestStop(reason string) error {
	return i.transition(InstanceStopping, reason, events.EventInstanceStopping, nil)
}

// MarkStopped records that the lab stopped on the host.
func (i *LabletInstance) MarkStopped() error {
	return i.transition(InstanceStopped, "lab stopped", events.EventInstanceStopped, nil)
}

// Archive retires a stopped instance post-grading or on TTL.
func (i *LabletInstance) Archive(reason string) error {
	return i.transition(InstanceArchived, reason, events.EventInstanceArchived, nil)
}

// Terminate moves any non-terminal instance to TERMINATED. Port and
// capacity release happen in the same save on the worker side.
func (i *LabletInstance) Terminate(reason string) error {
	return i.transition(InstanceTerminated, reason, events.EventInstanceTerminated, nil)
}

// IsTerminal reports whether no further transitions are possible.
func (i *LabletInstance) IsTerminal() bool {
	return i.State == InstanceTerminated || i.State == InstanceArchived
}

// Active reports whether the instance still occupies worker resources.
func (i *LabletInstance) Active() bool {
	return !i.IsTerminal()
}

// EffectiveStart resolves an ASAP reservation to now.
func (i *LabletInstance) EffectiveStart(now time.Time) time.Time {
	if i.TimeslotStart == nil {
		return now
	}
	return *i.TimeslotStart
}

// PastEnd reports whether the timeslot has expired.
func (i *LabletInstance) PastEnd(now time.Time) bool {
	return i.TimeslotEnd != nil && now.After(*i.TimeslotEnd)
}

// StateAge returns how long the instance has been in its current state.
func (i *LabletInstance) StateAge(now time.Time) time.Duration {
	if len(i.StateHistory) == 0 {
		return 0
	}
	return now.Sub(i.StateHistory[len(i.StateHistory)-1].At)
}

// HistoryIsMonotonic verifies the history walks forward along the DAG and
// ends at the current state.
func (i *LabletInstance) HistoryIsMonotonic() bool {
	if len(i.StateHistory) == 0 || i.StateHistory[0].State != InstancePending {
		return false
	}
	prev := -1
	for _, change := range i.StateHistory {
		pos, ok := instanceStateOrder[change.State]
		if !ok || pos < prev {
			return false
		}
		prev = pos
	}
	return i.StateHistory[len(i.StateHistory)-1].State == i.State
}

package types

import (
	"fmt"
	"time"

	"github.com/hashicorp/go-multierror"

	"github.com/bvandewe/cml-cloud-manager/pkg/errdefs"
	"github.com/bvandewe/cml-cloud-manager/pkg/events"
)

// WorkerStatus represents the state of a CML worker VM
type WorkerStatus string

const (
	WorkerPending      WorkerStatus = "PENDING"
	WorkerProvisioning WorkerStatus = "PROVISIONING"
	WorkerRunning      WorkerStatus = "RUNNING"
	WorkerDraining     WorkerStatus = "DRAINING"
	WorkerStopping     WorkerStatus = "STOPPING"
	WorkerStopped      WorkerStatus = "STOPPED"
	WorkerTerminated   WorkerStatus = "TERMINATED"
)

var workerTransitions = map[WorkerStatus][]WorkerStatus{
	WorkerPending:      {WorkerProvisioning},
	WorkerProvisioning: {WorkerRunning},
	WorkerRunning:      {WorkerDraining, WorkerStopping, WorkerTerminated},
	WorkerDraining:     {WorkerRunning, WorkerStopping},
	WorkerStopping:     {WorkerStopped},
	WorkerStopped:      {WorkerProvisioning, WorkerTerminated},
	WorkerTerminated:   {},
}

// PortAllocation is one instance's port binding on a worker
type PortAllocation struct {
	InstanceID  string         `json:"instance_id"`
	Ports       map[string]int `json:"ports"`
	AllocatedAt time.Time      `json:"allocated_at"`
}

// Worker is a cloud VM hosting labs through the lab-host API. Capacity and
// port bookkeeping are mutated only through aggregate saves so per-worker
// changes serialize on the store's compare-and-swap.
type Worker struct {
	Aggregate

	ID                 string            `json:"id"`
	TemplateName       string            `json:"template_name"`
	Region             string            `json:"region"`
	InstanceType       string            `json:"instance_type"`
	ProviderInstanceID string            `json:"provider_instance_id,omitempty"`
	Status             WorkerStatus      `json:"status"`
	PublicEndpoint     string            `json:"public_endpoint,omitempty"`
	PrivateEndpoint    string            `json:"private_endpoint,omitempty"`
	DeclaredCapacity   Capacity          `json:"declared_capacity"`
	AllocatedCapacity  Capacity          `json:"allocated_capacity"`
	PortRange          PortRange         `json:"port_range"`
	PortAllocations    []PortAllocation  `json:"port_allocations,omitempty"`
	InstanceIDs        []string          `json:"instance_ids,omitempty"`
	DrainStartedAt     *time.Time        `json:"drain_started_at,omitempty"`
	LicenseState       LicenseType       `json:"license_state"`
	LastHealthAt       time.Time         `json:"last_health_at"`
	Tags               map[string]string `json:"tags,omitempty"`
	CreatedAt          time.Time         `json:"created_at"`

	// reservations remembers per-instance capacity so release does not
	// need the definition. Keyed by instance id.
	Reservations map[string]Capacity `json:"reservations,omitempty"`
}

// NewWorker creates a PENDING worker from a template.
func NewWorker(id string, tpl *WorkerTemplate, region string) (*Worker, error) {
	if id == "" {
		return nil, errdefs.InvalidArgument("worker id is required")
	}
	if !tpl.ServesRegion(region) {
		return nil, errdefs.InvalidArgument("template %s does not serve region %s", tpl.Name, region)
	}
	tags := make(map[string]string, len(tpl.DefaultTags))
	for k, v := range tpl.DefaultTags {
		tags[k] = v
	}
	w := &Worker{
		ID:               id,
		TemplateName:     tpl.Name,
		Region:           region,
		InstanceType:     tpl.InstanceType,
		Status:           WorkerPending,
		DeclaredCapacity: tpl.Capacity,
		PortRange:        tpl.EffectivePortRange(PortRange{}),
		LicenseState:     tpl.LicenseType,
		Tags:             tags,
		CreatedAt:        time.Now(),
		Reservations:     map[string]Capacity{},
	}
	w.Record(events.EventWorkerCreated, id, "worker created", map[string]string{
		"template": tpl.Name, "region": region,
	})
	return w, nil
}

func (w *Worker) transition(to WorkerStatus, reason string, eventType events.EventType, metadata map[string]string) error {
	legal := false
	for _, next := range workerTransitions[w.Status] {
		if next == to {
			legal = true
			break
		}
	}
	if !legal {
		return errdefs.InvalidTransition("worker "+w.ID, string(w.Status), string(to))
	}
	w.Status = to
	if metadata == nil {
		metadata = map[string]string{}
	}
	metadata["status"] = string(to)
	if reason != "" {
		metadata["reason"] = reason
	}
	w.Record(eventType, w.ID, "worker "+string(to), metadata)
	return nil
}

// MarkProvisioning records the cloud instance id once creation is accepted.
func (w *Worker) MarkProvisioning(providerInstanceID string) error {
	if err := w.transition(WorkerProvisioning, "provider accepted", events.EventWorkerProvisioning, map[string]string{
		"provider_instance_id": providerInstanceID,
	}); err != nil {
		return err
	}
	w.ProviderInstanceID = providerInstanceID
	return nil
}

// MarkRunning records the endpoints once the VM and lab host are reachable.
func (w *Worker) MarkRunning(publicEndpoint, privateEndpoint string) error {
	if err := w.transition(WorkerRunning, "healthy", events.EventWorkerRunning, nil); err != nil {
		return err
	}
	w.PublicEndpoint = publicEndpoint
	w.PrivateEndpoint = privateEndpoint
	w.DrainStartedAt = nil
	w.LastHealthAt = time.Now()
	return nil
}

// StartDrain refuses new placements while existing instances run out.
func (w *Worker) StartDrain(now time.Time, reason string) error {
	if err := w.transition(WorkerDraining, reason, events.EventWorkerDraining, nil); err != nil {
		return err
	}
	w.DrainStartedAt = &now
	return nil
}

// CancelDrain returns a draining worker to service and clears the drain
// timer. Races with a force-stop are settled by the save CAS: whichever
// write lands first wins.
func (w *Worker) CancelDrain() error {
	if w.Status != WorkerDraining {
		return errdefs.InvalidTransition("worker "+w.ID, string(w.Status), string(WorkerRunning))
	}
	if err := w.transition(WorkerRunning, "drain cancelled", events.EventWorkerDrainCancelled, nil); err != nil {
		return err
	}
	w.DrainStartedAt = nil
	return nil
}

// DrainExpired reports whether the drain has outlived the template timeout.
func (w *Worker) DrainExpired(now time.Time, timeout time.Duration) bool {
	return w.Status == WorkerDraining && w.DrainStartedAt != nil && now.Sub(*w.DrainStartedAt) > timeout
}

// MarkStopping begins the cloud stop.
func (w *Worker) MarkStopping(reason string) error {
	return w.transition(WorkerStopping, reason, events.EventWorkerStopping, nil)
}

// MarkStopped records that the VM stopped.
func (w *Worker) MarkStopped() error {
	if err := w.transition(WorkerStopped, "provider stopped", events.EventWorkerStopped, nil); err != nil {
		return err
	}
	w.DrainStartedAt = nil
	return nil
}

// Restart sends a stopped worker back through provisioning, keeping its
// provider instance so the warm floor restarts faster than a fresh create.
func (w *Worker) Restart() error {
	if w.Status != WorkerStopped {
		return errdefs.InvalidTransition("worker "+w.ID, string(w.Status), string(WorkerProvisioning))
	}
	return w.transition(WorkerProvisioning, "restart", events.EventWorkerProvisioning, nil)
}

// Terminate retires the worker permanently.
func (w *Worker) Terminate(reason string) error {
	return w.transition(WorkerTerminated, reason, events.EventWorkerTerminated, nil)
}

// ReserveCapacity binds an instance's requirements to the worker. Only a
// RUNNING worker accepts new reservations; DRAINING refuses them.
func (w *Worker) ReserveCapacity(instanceID string, req Capacity) error {
	if w.Status != WorkerRunning {
		return errdefs.InvalidArgument("worker %s is %s and accepts no reservations", w.ID, w.Status)
	}
	if w.Reservations == nil {
		w.Reservations = map[string]Capacity{}
	}
	if _, exists := w.Reservations[instanceID]; exists {
		return errdefs.InvalidArgument("instance %s already reserved on worker %s", instanceID, w.ID)
	}
	if !w.AllocatedCapacity.Add(req).LTE(w.DeclaredCapacity) {
		return errdefs.CapacityExhausted(instanceID)
	}
	w.AllocatedCapacity = w.AllocatedCapacity.Add(req)
	w.Reservations[instanceID] = req
	w.InstanceIDs = append(w.InstanceIDs, instanceID)
	return nil
}

// ReleaseCapacity undoes a reservation. Idempotent: releasing an unknown
// instance is a no-op.
func (w *Worker) ReleaseCapacity(instanceID string) {
	req, ok := w.Reservations[instanceID]
	if !ok {
		return
	}
	w.AllocatedCapacity = w.AllocatedCapacity.Sub(req)
	delete(w.Reservations, instanceID)
	for idx, id := range w.InstanceIDs {
		if id == instanceID {
			w.InstanceIDs = append(w.InstanceIDs[:idx], w.InstanceIDs[idx+1:]...)
			break
		}
	}
}

// AddPortAllocation records an instance's port binding. Ports must lie in
// the worker's range and be disjoint from every held allocation.
func (w *Worker) AddPortAllocation(instanceID string, ports map[string]int, at time.Time) error {
	held := w.heldPorts()
	for name, p := range ports {
		if !w.PortRange.Contains(p) {
			return errdefs.InvalidArgument("port %d (%s) outside worker %s range [%d,%d]", p, name, w.ID, w.PortRange.Lo, w.PortRange.Hi)
		}
		if held[p] {
			return errdefs.PortAllocationFailed(w.ID, len(ports))
		}
		held[p] = true
	}
	for _, a := range w.PortAllocations {
		if a.InstanceID == instanceID {
			return errdefs.InvalidArgument("instance %s already holds ports on worker %s", instanceID, w.ID)
		}
	}
	w.PortAllocations = append(w.PortAllocations, PortAllocation{
		InstanceID:  instanceID,
		Ports:       ports,
		AllocatedAt: at,
	})
	return nil
}

// RemovePortAllocation releases an instance's ports. Idempotent.
func (w *Worker) RemovePortAllocation(instanceID string) {
	for idx, a := range w.PortAllocations {
		if a.InstanceID == instanceID {
			w.PortAllocations = append(w.PortAllocations[:idx], w.PortAllocations[idx+1:]...)
			return
		}
	}
}

func (w *Worker) heldPorts() map[int]bool {
	held := make(map[int]bool)
	for _, a := range w.PortAllocations {
		for _, p := range a.Ports {
			held[p] = true
		}
	}
	return held
}

// HeldPorts returns the set of reserved ports.
func (w *Worker) HeldPorts() map[int]bool {
	return w.heldPorts()
}

// FreePortCount returns how many ports remain allocatable.
func (w *Worker) FreePortCount() int {
	return w.PortRange.Size() - len(w.heldPorts())
}

// HasInstance reports whether the instance is tracked on this worker.
func (w *Worker) HasInstance(instanceID string) bool {
	for _, id := range w.InstanceIDs {
		if id == instanceID {
			return true
		}
	}
	return false
}

// Fits reports whether req fits into the remaining capacity.
func (w *Worker) Fits(req Capacity) bool {
	return w.AllocatedCapacity.Add(req).LTE(w.DeclaredCapacity)
}

// Touch refreshes the health timestamp.
func (w *Worker) Touch(at time.Time) {
	w.LastHealthAt = at
}

// Validate checks the worker's structural invariants. Capacity reserves at
// SCHEDULED while ports bind at INSTANTIATING, so every port allocation must
// belong to a tracked instance but not every tracked instance holds ports.
func (w *Worker) Validate() error {
	var errs *multierror.Error

	if !w.AllocatedCapacity.LTE(w.DeclaredCapacity) {
		errs = multierror.Append(errs, fmt.Errorf("worker %s: allocated %s exceeds declared %s", w.ID, w.AllocatedCapacity, w.DeclaredCapacity))
	}

	seen := make(map[int]string)
	total := 0
	for _, a := range w.PortAllocations {
		if !w.HasInstance(a.InstanceID) {
			errs = multierror.Append(errs, fmt.Errorf("worker %s: port allocation for untracked instance %s", w.ID, a.InstanceID))
		}
		for name, p := range a.Ports {
			total++
			if !w.PortRange.Contains(p) {
				errs = multierror.Append(errs, fmt.Errorf("worker %s: port %d (%s) outside [%d,%d]", w.ID, p, name, w.PortRange.Lo, w.PortRange.Hi))
			}
			if prev, dup := seen[p]; dup {
				errs = multierror.Append(errs, fmt.Errorf("worker %s: port %d held by both %s and %s", w.ID, p, prev, a.InstanceID))
			}
			seen[p] = a.InstanceID
		}
	}
	if total > w.PortRange.Size() {
		errs = multierror.Append(errs, fmt.Errorf("worker %s: %d ports reserved exceeds range size %d", w.ID, total, w.PortRange.Size()))
	}
	if len(w.Reservations) != len(w.InstanceIDs) {
		errs = multierror.Append(errs, fmt.Errorf("worker %s: %d reservations for %d tracked instances", w.ID, len(w.Reservations), len(w.InstanceIDs)))
	}

	return errs.ErrorOrNil()
}

package ports

import (
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/bvandewe/cml-cloud-manager/pkg/coordination"
	"github.com/bvandewe/cml-cloud-manager/pkg/errdefs"
	"github.com/bvandewe/cml-cloud-manager/pkg/metrics"
	"github.com/bvandewe/cml-cloud-manager/pkg/storage"
	"github.com/bvandewe/cml-cloud-manager/pkg/types"
)

// Allocator hands out collision-free ports per worker. The authoritative
// allocation list lives in the coordination store under
// /workers/{id}/ports and every mutation is a compare-and-swap on the whole
// list, so concurrent allocations on one worker serialize without a lock.
type Allocator struct {
	store *coordination.Store
}

// NewAllocator creates an allocator backed by the coordination store.
func NewAllocator(store *coordination.Store) *Allocator {
	return &Allocator{store: store}
}

func portsKey(workerID string) string {
	return "/workers/" + workerID + "/ports"
}

// held is the persisted per-worker allocation list
type held struct {
	Allocations []types.PortAllocation `json:"allocations"`
}

// Allocate binds one port per placeholder for the instance on the worker.
// The strategy is deterministic first-fit: placeholders in template order,
// ports scanned low to high, so identical inputs always produce identical
// mappings. Allocating twice for the same instance returns the held
// mapping unchanged.
func (a *Allocator) Allocate(workerID, instanceID string, template []types.PortPlaceholder, portRange types.PortRange) (map[string]int, error) {
	if len(template) == 0 {
		return map[string]int{}, nil
	}
	if portRange.IsZero() {
		portRange = types.DefaultPortRange
	}

	var result map[string]int
	err := storage.RetryOnConflict(func() error {
		current, raw, err := a.load(workerID)
		if err != nil {
			return err
		}

		for _, alloc := range current.Allocations {
			if alloc.InstanceID == instanceID {
				result = alloc.Ports
				return nil
			}
		}

		taken := make(map[int]bool)
		for _, alloc := range current.Allocations {
			for _, p := range alloc.Ports {
				taken[p] = true
			}
		}

		mapping := make(map[string]int, len(template))
		next := portRange.Lo
		for _, placeholder := range template {
			for next <= portRange.Hi && taken[next] {
				next++
			}
			if next > portRange.Hi {
				return errdefs.PortAllocationFailed(workerID, len(template))
			}
			mapping[placeholder.Name] = next
			taken[next] = true
			next++
		}

		current.Allocations = append(current.Allocations, types.PortAllocation{
			InstanceID:  instanceID,
			Ports:       mapping,
			AllocatedAt: time.Now(),
		})
		if err := a.swap(workerID, raw, current); err != nil {
			return err
		}
		exportHeld(workerID, current)
		result = mapping
		return nil
	})
	if err != nil {
		return nil, err
	}
	return result, nil
}

// Release frees the instance's ports on the worker. Idempotent: releasing
// an absent allocation is a no-op.
func (a *Allocator) Release(workerID, instanceID string) error {
	return storage.RetryOnConflict(func() error {
		current, raw, err := a.load(workerID)
		if err != nil {
			return err
		}
		kept := current.Allocations[:0]
		found := false
		for _, alloc := range current.Allocations {
			if alloc.InstanceID == instanceID {
				found = true
				continue
			}
			kept = append(kept, alloc)
		}
		if !found {
			return nil
		}
		current.Allocations = kept
		if err := a.swap(workerID, raw, current); err != nil {
			return err
		}
		exportHeld(workerID, current)
		return nil
	})
}

// Held returns the worker's current allocations.
func (a *Allocator) Held(workerID string) ([]types.PortAllocation, error) {
	current, _, err := a.load(workerID)
	if err != nil {
		return nil, err
	}
	return current.Allocations, nil
}

// Forget drops the worker's whole allocation list, used when a worker is
// terminated.
func (a *Allocator) Forget(workerID string) error {
	if err := a.store.Delete(portsKey(workerID)); err != nil {
		return err
	}
	metrics.PortsAllocated.DeleteLabelValues(workerID)
	return nil
}

func exportHeld(workerID string, current *held) {
	total := 0
	for _, alloc := range current.Allocations {
		total += len(alloc.Ports)
	}
	metrics.PortsAllocated.WithLabelValues(workerID).Set(float64(total))
}

func (a *Allocator) load(workerID string) (*held, []byte, error) {
	raw, err := a.store.Get(portsKey(workerID))
	if errors.Is(err, errdefs.ErrNotFound) {
		return &held{}, nil, nil
	}
	if err != nil {
		return nil, nil, err
	}
	var current held
	if err := json.Unmarshal(raw, &current); err != nil {
		return nil, nil, fmt.Errorf("corrupt port list for worker %s: %w", workerID, err)
	}
	return &current, raw, nil
}

func (a *Allocator) swap(workerID string, oldRaw []byte, updated *held) error {
	data, err := json.Marshal(updated)
	if err != nil {
		return err
	}
	return a.store.CompareAndSwap(portsKey(workerID), oldRaw, data)
}

package cluster

import (
	"encoding/json"
	"fmt"
	"io"
	"sync"

	"github.com/hashicorp/raft"

	"github.com/bvandewe/cml-cloud-manager/pkg/storage"
	"github.com/bvandewe/cml-cloud-manager/pkg/types"
)

// FSM implements the Raft finite state machine replicating aggregate
// records between manager nodes. The leader writes to its local store
// first (that save is the linearization point) and then replicates the
// resulting record, so on the leader Apply is a no-op for its own
// commands.
type FSM struct {
	mu     sync.RWMutex
	nodeID string
	store  *storage.BoltStore
}

// NewFSM creates the FSM for one node.
func NewFSM(nodeID string, store *storage.BoltStore) *FSM {
	return &FSM{nodeID: nodeID, store: store}
}

// Command is one replicated state change in the Raft log.
type Command struct {
	Op     string          `json:"op"`
	Origin string          `json:"origin"`
	Kind   string          `json:"kind,omitempty"`
	ID     string          `json:"id,omitempty"`
	Data   json.RawMessage `json:"data,omitempty"`
}

// Apply applies a committed log entry to the local store.
func (f *FSM) Apply(entry *raft.Log) interface{} {
	var cmd Command
	if err := json.Unmarshal(entry.Data, &cmd); err != nil {
		return fmt.Errorf("failed to unmarshal command: %w", err)
	}

	// The originating node already holds this state.
	if cmd.Origin == f.nodeID {
		return nil
	}

	f.mu.Lock()
	defer f.mu.Unlock()

	switch cmd.Op {
	case "put_record":
		return f.store.RestoreRecord(cmd.Kind, cmd.ID, cmd.Data)

	case "delete_worker":
		return f.store.DeleteWorker(cmd.ID)

	case "append_audit":
		var rec storage.AuditRecord
		if err := json.Unmarshal(cmd.Data, &rec); err != nil {
			return err
		}
		return f.store.AppendAudit(&rec)

	default:
		return fmt.Errorf("unknown command: %s", cmd.Op)
	}
}

// Snapshot captures the full aggregate state for log compaction.
func (f *FSM) Snapshot() (raft.FSMSnapshot, error) {
	f.mu.RLock()
	defer f.mu.RUnlock()

	definitions, err := f.store.ListDefinitions()
	if err != nil {
		return nil, fmt.Errorf("failed to list definitions: %w", err)
	}
	instances, err := f.store.ListInstances()
	if err != nil {
		return nil, fmt.Errorf("failed to list instances: %w", err)
	}
	workers, err := f.store.ListWorkers()
	if err != nil {
		return nil, fmt.Errorf("failed to list workers: %w", err)
	}

	return &stateSnapshot{
		Definitions: definitions,
		Instances:   instances,
		Workers:     workers,
	}, nil
}

// Restore rebuilds the local store from a snapshot, replacing records in
// place.
func (f *FSM) Restore(rc io.ReadCloser) error {
	defer rc.Close()

	var snapshot stateSnapshot
	if err := json.NewDecoder(rc).Decode(&snapshot); err != nil {
		return fmt.Errorf("failed to decode snapshot: %w", err)
	}

	f.mu.Lock()
	defer f.mu.Unlock()

	put := func(kind, id string, v interface{}) error {
		data, err := json.Marshal(v)
		if err != nil {
			return err
		}
		return f.store.RestoreRecord(kind, id, data)
	}
	for _, def := range snapshot.Definitions {
		if err := put("definition", def.ID, def); err != nil {
			return fmt.Errorf("failed to restore definition: %w", err)
		}
	}
	for _, inst := range snapshot.Instances {
		if err := put("instance", inst.ID, inst); err != nil {
			return fmt.Errorf("failed to restore instance: %w", err)
		}
	}
	for _, w := range snapshot.Workers {
		if err := put("worker", w.ID, w); err != nil {
			return fmt.Errorf("failed to restore worker: %w", err)
		}
	}
	return nil
}

// stateSnapshot is a point-in-time copy of all aggregates.
type stateSnapshot struct {
	Definitions []*types.LabletDefinition
	Instances   []*types.LabletInstance
	Workers     []*types.Worker
}

// Persist writes the snapshot to the sink.
func (s *stateSnapshot) Persist(sink raft.SnapshotSink) error {
	err := func() error {
		if err := json.NewEncoder(sink).Encode(s); err != nil {
			return err
		}
		return sink.Close()
	}()
	if err != nil {
		sink.Cancel()
	}
	return err
}

// Release releases the snapshot resources
func (s *stateSnapshot) Release() {}

package storage

import (
	"time"

	"github.com/bvandewe/cml-cloud-manager/pkg/types"
)

// Store defines the interface for aggregate persistence. Save succeeds only
// when the stored version equals expectedVersion (zero for a new aggregate),
// increments it, and publishes the aggregate's uncommitted events. A save
// that loses the race fails with errdefs.ErrConflict and publishes nothing.
type Store interface {
	// Definitions
	SaveDefinition(def *types.LabletDefinition, expectedVersion uint64) error
	GetDefinition(id string) (*types.LabletDefinition, error)
	ListDefinitions() ([]*types.LabletDefinition, error)

	// Instances
	SaveInstance(inst *types.LabletInstance, expectedVersion uint64) error
	GetInstance(id string) (*types.LabletInstance, error)
	ListInstances() ([]*types.LabletInstance, error)
	ListInstancesByWorker(workerID string) ([]*types.LabletInstance, error)

	// Workers
	SaveWorker(w *types.Worker, expectedVersion uint64) error
	GetWorker(id string) (*types.Worker, error)
	ListWorkers() ([]*types.Worker, error)
	DeleteWorker(id string) error

	// Audit log
	AppendAudit(rec *AuditRecord) error
	ListAudit(since time.Time) ([]*AuditRecord, error)
	PruneAudit(before time.Time) (int, error)

	Close() error
}

// AuditRecord is one append-only entry in the scaling audit log
type AuditRecord struct {
	Timestamp   time.Time         `json:"ts"`
	Action      string            `json:"action"`
	WorkerID    string            `json:"worker_id,omitempty"`
	Template    string            `json:"template,omitempty"`
	Refs        map[string]string `json:"refs,omitempty"`
	Reason      string            `json:"reason"`
	TriggeredBy string            `json:"triggered_by"`
}

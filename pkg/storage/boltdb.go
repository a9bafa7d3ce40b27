package storage

import (
	"bytes"
	"encoding/json"
	"fmt"
	"path/filepath"
	"time"

	"github.com/google/uuid"
	bolt "go.etcd.io/bbolt"

	"github.com/bvandewe/cml-cloud-manager/pkg/errdefs"
	"github.com/bvandewe/cml-cloud-manager/pkg/events"
	"github.com/bvandewe/cml-cloud-manager/pkg/types"
)

var (
	// Bucket names
	bucketDefinitions = []byte("definitions")
	bucketInstances   = []byte("instances")
	bucketWorkers     = []byte("workers")
	bucketAudit       = []byte("audit")
)

// aggregate is what the generic save path needs from a domain type.
type aggregate interface {
	CurrentVersion() uint64
	SetVersion(v uint64)
	Uncommitted() []events.Event
	ClearUncommitted()
}

// BoltStore implements Store on bbolt. Saves are optimistic: the stored
// version is compared inside the write transaction, so two concurrent
// writers of the same aggregate serialize and the loser gets ErrConflict.
type BoltStore struct {
	db  *bolt.DB
	bus *events.Bus

	// mirror, when set, receives every successfully saved record so a
	// cluster layer can replicate it to peers. Called outside the write
	// transaction.
	mirror func(kind, id string, doc []byte)
}

// SetMirror installs the replication hook. Must be called before the
// store takes writes.
func (s *BoltStore) SetMirror(fn func(kind, id string, doc []byte)) {
	s.mirror = fn
}

// NewBoltStore opens (or creates) the aggregate database. Events emitted by
// saves are published on bus; pass nil to disable publishing (migrations,
// tests that only exercise persistence).
func NewBoltStore(dataDir string, bus *events.Bus) (*BoltStore, error) {
	dbPath := filepath.Join(dataDir, "cml-manager.db")

	db, err := bolt.Open(dbPath, 0600, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	err = db.Update(func(tx *bolt.Tx) error {
		buckets := [][]byte{bucketDefinitions, bucketInstances, bucketWorkers, bucketAudit}
		for _, bucket := range buckets {
			if _, err := tx.CreateBucketIfNotExists(bucket); err != nil {
				return fmt.Errorf("failed to create bucket %s: %w", bucket, err)
			}
		}
		return nil
	})
	if err != nil {
		db.Close()
		return nil, err
	}

	return &BoltStore{db: db, bus: bus}, nil
}

// Close closes the database
func (s *BoltStore) Close() error {
	return s.db.Close()
}

// storedVersion peeks at the version field of a persisted record.
type storedVersion struct {
	Version uint64 `json:"version"`
}

// save runs the compare-and-swap write and, on success, stamps and
// publishes the aggregate's uncommitted events in recorded order.
func (s *BoltStore) save(bucket []byte, kind, id string, agg aggregate, expectedVersion uint64) error {
	newVersion := expectedVersion + 1

	var saved []byte
	err := s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucket)
		existing := b.Get([]byte(id))
		if existing == nil {
			if expectedVersion != 0 {
				return errdefs.Conflict(kind, id, expectedVersion, 0)
			}
		} else {
			var sv storedVersion
			if err := json.Unmarshal(existing, &sv); err != nil {
				return fmt.Errorf("corrupt %s record %s: %w", kind, id, err)
			}
			if sv.Version != expectedVersion {
				return errdefs.Conflict(kind, id, expectedVersion, sv.Version)
			}
		}

		agg.SetVersion(newVersion)
		data, err := json.Marshal(agg)
		if err != nil {
			return fmt.Errorf("failed to marshal %s %s: %w", kind, id, err)
		}
		saved = data
		return b.Put([]byte(id), data)
	})
	if err != nil {
		// Leave the in-memory version untouched on failure so the caller
		// can reload and retry.
		agg.SetVersion(expectedVersion)
		return err
	}

	if s.bus != nil {
		for _, e := range agg.Uncommitted() {
			e.Version = newVersion
			if e.ID == "" {
				e.ID = uuid.New().String()
			}
			event := e
			s.bus.Publish(&event)
		}
	}
	agg.ClearUncommitted()
	if s.mirror != nil {
		s.mirror(kind, id, saved)
	}
	return nil
}

// RestoreRecord writes a replicated record verbatim, bypassing the
// version check and event publication. Only the cluster replication
// layer uses it.
func (s *BoltStore) RestoreRecord(kind, id string, doc []byte) error {
	var bucket []byte
	switch kind {
	case "definition":
		bucket = bucketDefinitions
	case "instance":
		bucket = bucketInstances
	case "worker":
		bucket = bucketWorkers
	default:
		return errdefs.InvalidArgument("unknown record kind %q", kind)
	}
	return s.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(bucket).Put([]byte(id), doc)
	})
}

// Definition operations

func (s *BoltStore) SaveDefinition(def *types.LabletDefinition, expectedVersion uint64) error {
	return s.save(bucketDefinitions, "definition", def.ID, def, expectedVersion)
}

func (s *BoltStore) GetDefinition(id string) (*types.LabletDefinition, error) {
	var def types.LabletDefinition
	err := s.db.View(func(tx *bolt.Tx) error {
		data := tx.Bucket(bucketDefinitions).Get([]byte(id))
		if data == nil {
			return errdefs.NotFound("definition", id)
		}
		return json.Unmarshal(data, &def)
	})
	if err != nil {
		return nil, err
	}
	return &def, nil
}

func (s *BoltStore) ListDefinitions() ([]*types.LabletDefinition, error) {
	var defs []*types.LabletDefinition
	err := s.db.View(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketDefinitions).ForEach(func(k, v []byte) error {
			var def types.LabletDefinition
			if err := json.Unmarshal(v, &def); err != nil {
				return err
			}
			defs = append(defs, &def)
			return nil
		})
	})
	return defs, err
}

// Instance operations

func (s *BoltStore) SaveInstance(inst *types.LabletInstance, expectedVersion uint64) error {
	return s.save(bucketInstances, "instance", inst.ID, inst, expectedVersion)
}

func (s *BoltStore) GetInstance(id string) (*types.LabletInstance, error) {
	var inst types.LabletInstance
	err := s.db.View(func(tx *bolt.Tx) error {
		data := tx.Bucket(bucketInstances).Get([]byte(id))
		if data == nil {
			return errdefs.NotFound("instance", id)
		}
		return json.Unmarshal(data, &inst)
	})
	if err != nil {
		return nil, err
	}
	return &inst, nil
}

func (s *BoltStore) ListInstances() ([]*types.LabletInstance, error) {
	var instances []*types.LabletInstance
	err := s.db.View(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketInstances).ForEach(func(k, v []byte) error {
			var inst types.LabletInstance
			if err := json.Unmarshal(v, &inst); err != nil {
				return err
			}
			instances = append(instances, &inst)
			return nil
		})
	})
	return instances, err
}

func (s *BoltStore) ListInstancesByWorker(workerID string) ([]*types.LabletInstance, error) {
	instances, err := s.ListInstances()
	if err != nil {
		return nil, err
	}
	var filtered []*types.LabletInstance
	for _, inst := range instances {
		if inst.WorkerID == workerID {
			filtered = append(filtered, inst)
		}
	}
	return filtered, nil
}

// Worker operations

func (s *BoltStore) SaveWorker(w *types.Worker, expectedVersion uint64) error {
	return s.save(bucketWorkers, "worker", w.ID, w, expectedVersion)
}

func (s *BoltStore) GetWorker(id string) (*types.Worker, error) {
	var w types.Worker
	err := s.db.View(func(tx *bolt.Tx) error {
		data := tx.Bucket(bucketWorkers).Get([]byte(id))
		if data == nil {
			return errdefs.NotFound("worker", id)
		}
		return json.Unmarshal(data, &w)
	})
	if err != nil {
		return nil, err
	}
	return &w, nil
}

func (s *BoltStore) ListWorkers() ([]*types.Worker, error) {
	var workers []*types.Worker
	err := s.db.View(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketWorkers).ForEach(func(k, v []byte) error {
			var w types.Worker
			if err := json.Unmarshal(v, &w); err != nil {
				return err
			}
			workers = append(workers, &w)
			return nil
		})
	})
	return workers, err
}

func (s *BoltStore) DeleteWorker(id string) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketWorkers).Delete([]byte(id))
	})
}

// Audit operations. Keys are nanosecond timestamps plus a uuid suffix so
// iteration order is append order.

func (s *BoltStore) AppendAudit(rec *AuditRecord) error {
	if rec.Timestamp.IsZero() {
		rec.Timestamp = time.Now()
	}
	key := fmt.Sprintf("%020d-%s", rec.Timestamp.UnixNano(), uuid.New().String()[:8])
	return s.db.Update(func(tx *bolt.Tx) error {
		data, err := json.Marshal(rec)
		if err != nil {
			return err
		}
		return tx.Bucket(bucketAudit).Put([]byte(key), data)
	})
}

func (s *BoltStore) ListAudit(since time.Time) ([]*AuditRecord, error) {
	var records []*AuditRecord
	prefix := []byte(fmt.Sprintf("%020d", since.UnixNano()))
	err := s.db.View(func(tx *bolt.Tx) error {
		c := tx.Bucket(bucketAudit).Cursor()
		for k, v := c.Seek(prefix); k != nil; k, v = c.Next() {
			var rec AuditRecord
			if err := json.Unmarshal(v, &rec); err != nil {
				return err
			}
			records = append(records, &rec)
		}
		return nil
	})
	return records, err
}

func (s *BoltStore) PruneAudit(before time.Time) (int, error) {
	limit := []byte(fmt.Sprintf("%020d", before.UnixNano()))
	pruned := 0
	err := s.db.Update(func(tx *bolt.Tx) error {
		c := tx.Bucket(bucketAudit).Cursor()
		for k, _ := c.First(); k != nil && bytes.Compare(k, limit) < 0; k, _ = c.Next() {
			if err := c.Delete(); err != nil {
				return err
			}
			pruned++
		}
		return nil
	})
	return pruned, err
}

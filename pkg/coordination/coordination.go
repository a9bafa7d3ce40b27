package coordination

import (
	"bytes"
	"encoding/json"
	"fmt"
	"path/filepath"
	"strings"
	"sync"
	"time"

	bolt "go.etcd.io/bbolt"

	"github.com/bvandewe/cml-cloud-manager/pkg/errdefs"
)

var (
	bucketKV     = []byte("kv")
	bucketLeases = []byte("leases")
	bucketDedup  = []byte("dedup")
)

// Change notifies a watcher of a key write or delete
type Change struct {
	Key     string
	Value   []byte
	Deleted bool
}

// Store is the coordination KV: leased keys, atomic compare-and-swap and
// prefix watches. It arbitrates everything that needs global ordering:
// the leader leases, the inbound-event dedup set and per-worker port lists.
type Store struct {
	db *bolt.DB

	mu       sync.RWMutex
	watchers map[string][]chan Change
}

// Open opens (or creates) the coordination database under dataDir.
func Open(dataDir string) (*Store, error) {
	dbPath := filepath.Join(dataDir, "coordination.db")
	db, err := bolt.Open(dbPath, 0600, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to open coordination db: %w", err)
	}
	err = db.Update(func(tx *bolt.Tx) error {
		for _, bucket := range [][]byte{bucketKV, bucketLeases, bucketDedup} {
			if _, err := tx.CreateBucketIfNotExists(bucket); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		db.Close()
		return nil, err
	}
	return &Store{db: db, watchers: make(map[string][]chan Change)}, nil
}

// Close closes the database and all watch channels.
func (s *Store) Close() error {
	s.mu.Lock()
	for _, chans := range s.watchers {
		for _, ch := range chans {
			close(ch)
		}
	}
	s.watchers = make(map[string][]chan Change)
	s.mu.Unlock()
	return s.db.Close()
}

// Get returns the value at key, or ErrNotFound.
func (s *Store) Get(key string) ([]byte, error) {
	var value []byte
	err := s.db.View(func(tx *bolt.Tx) error {
		data := tx.Bucket(bucketKV).Get([]byte(key))
		if data == nil {
			return errdefs.NotFound("key", key)
		}
		value = append([]byte(nil), data...)
		return nil
	})
	return value, err
}

// Put writes the value at key unconditionally.
func (s *Store) Put(key string, value []byte) error {
	err := s.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketKV).Put([]byte(key), value)
	})
	if err == nil {
		s.notify(Change{Key: key, Value: value})
	}
	return err
}

// Delete removes key. Missing keys are a no-op.
func (s *Store) Delete(key string) error {
	err := s.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketKV).Delete([]byte(key))
	})
	if err == nil {
		s.notify(Change{Key: key, Deleted: true})
	}
	return err
}

// CompareAndSwap writes newValue iff the current value equals oldValue.
// A nil oldValue means "create only if absent". Returns ErrConflict when
// the comparison fails.
func (s *Store) CompareAndSwap(key string, oldValue, newValue []byte) error {
	err := s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketKV)
		current := b.Get([]byte(key))
		if oldValue == nil {
			if current != nil {
				return fmt.Errorf("%w: key %s already exists", errdefs.ErrConflict, key)
			}
		} else if !bytes.Equal(current, oldValue) {
			return fmt.Errorf("%w: key %s changed", errdefs.ErrConflict, key)
		}
		return b.Put([]byte(key), newValue)
	})
	if err == nil {
		s.notify(Change{Key: key, Value: newValue})
	}
	return err
}

// ListPrefix returns all key/value pairs under prefix, key-ordered.
func (s *Store) ListPrefix(prefix string) (map[string][]byte, error) {
	out := make(map[string][]byte)
	err := s.db.View(func(tx *bolt.Tx) error {
		c := tx.Bucket(bucketKV).Cursor()
		p := []byte(prefix)
		for k, v := c.Seek(p); k != nil && bytes.HasPrefix(k, p); k, v = c.Next() {
			out[string(k)] = append([]byte(nil), v...)
		}
		return nil
	})
	return out, err
}

// Watch returns a channel of changes for keys under prefix. Watches are
// process-local; multi-process deployments observe the store through the
// leader only. The channel is buffered and drops on overflow.
func (s *Store) Watch(prefix string) <-chan Change {
	ch := make(chan Change, 64)
	s.mu.Lock()
	s.watchers[prefix] = append(s.watchers[prefix], ch)
	s.mu.Unlock()
	return ch
}

func (s *Store) notify(change Change) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	for prefix, chans := range s.watchers {
		if !strings.HasPrefix(change.Key, prefix) {
			continue
		}
		for _, ch := range chans {
			select {
			case ch <- change:
			default:
			}
		}
	}
}

// lease is the persisted record behind a leased key
type lease struct {
	Holder    string    `json:"holder"`
	Epoch     uint64    `json:"epoch"`
	ExpiresAt time.Time `json:"expires_at"`
}

// AcquireLease takes the lease at key for holder. It succeeds when the
// lease is absent, expired, or already held by the same holder. The
// returned epoch increments on every change of holder and fences stale
// leaders: a loop that lost its lease holds an old epoch.
func (s *Store) AcquireLease(key, holder string, ttl time.Duration) (uint64, error) {
	var epoch uint64
	err := s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketLeases)
		now := time.Now()

		var current lease
		if data := b.Get([]byte(key)); data != nil {
			if err := json.Unmarshal(data, &current); err != nil {
				return fmt.Errorf("corrupt lease %s: %w", key, err)
			}
			if current.Holder != holder && now.Before(current.ExpiresAt) {
				return fmt.Errorf("%w: lease %s held by %s", errdefs.ErrConflict, key, current.Holder)
			}
		}

		epoch = current.Epoch
		if current.Holder != holder {
			epoch++
		}
		data, err := json.Marshal(lease{Holder: holder, Epoch: epoch, ExpiresAt: now.Add(ttl)})
		if err != nil {
			return err
		}
		return b.Put([]byte(key), data)
	})
	return epoch, err
}

// RenewLease extends a held lease. Fails with ErrConflict when the lease
// moved to another holder in the meantime.
func (s *Store) RenewLease(key, holder string, ttl time.Duration) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketLeases)
		data := b.Get([]byte(key))
		if data == nil {
			return errdefs.NotFound("lease", key)
		}
		var current lease
		if err := json.Unmarshal(data, &current); err != nil {
			return fmt.Errorf("corrupt lease %s: %w", key, err)
		}
		if current.Holder != holder {
			return fmt.Errorf("%w: lease %s held by %s", errdefs.ErrConflict, key, current.Holder)
		}
		current.ExpiresAt = time.Now().Add(ttl)
		updated, err := json.Marshal(current)
		if err != nil {
			return err
		}
		return b.Put([]byte(key), updated)
	})
}

// ReleaseLease expires a held lease immediately, keeping the record so the
// epoch stays monotonic across holders. Releasing a lease held by someone
// else is a no-op.
func (s *Store) ReleaseLease(key, holder string) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketLeases)
		data := b.Get([]byte(key))
		if data == nil {
			return nil
		}
		var current lease
		if err := json.Unmarshal(data, &current); err != nil {
			return fmt.Errorf("corrupt lease %s: %w", key, err)
		}
		if current.Holder != holder {
			return nil
		}
		current.ExpiresAt = time.Now()
		updated, err := json.Marshal(current)
		if err != nil {
			return err
		}
		return b.Put([]byte(key), updated)
	})
}

// LeaseHolder returns the current unexpired holder of key, empty if none.
func (s *Store) LeaseHolder(key string) (string, uint64, error) {
	var holder string
	var epoch uint64
	err := s.db.View(func(tx *bolt.Tx) error {
		data := tx.Bucket(bucketLeases).Get([]byte(key))
		if data == nil {
			return nil
		}
		var current lease
		if err := json.Unmarshal(data, &current); err != nil {
			return fmt.Errorf("corrupt lease %s: %w", key, err)
		}
		if time.Now().Before(current.ExpiresAt) {
			holder = current.Holder
			epoch = current.Epoch
		}
		return nil
	})
	return holder, epoch, err
}

// dedupEntry records when a processed id expires
type dedupEntry struct {
	ExpiresAt time.Time `json:"expires_at"`
}

// MarkProcessed records an event id in the TTL dedup set. Returns true when
// the id was new, false when it was already present and unexpired.
func (s *Store) MarkProcessed(eventID string, ttl time.Duration) (bool, error) {
	fresh := false
	err := s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketDedup)
		now := time.Now()
		if data := b.Get([]byte(eventID)); data != nil {
			var entry dedupEntry
			if err := json.Unmarshal(data, &entry); err == nil && now.Before(entry.ExpiresAt) {
				return nil
			}
		}
		fresh = true
		data, err := json.Marshal(dedupEntry{ExpiresAt: now.Add(ttl)})
		if err != nil {
			return err
		}
		return b.Put([]byte(eventID), data)
	})
	return fresh, err
}

// WasProcessed reports whether the event id sits unexpired in the dedup
// set, without marking it.
func (s *Store) WasProcessed(eventID string) (bool, error) {
	seen := false
	err := s.db.View(func(tx *bolt.Tx) error {
		if data := tx.Bucket(bucketDedup).Get([]byte(eventID)); data != nil {
			var entry dedupEntry
			if err := json.Unmarshal(data, &entry); err == nil && time.Now().Before(entry.ExpiresAt) {
				seen = true
			}
		}
		return nil
	})
	return seen, err
}

// SweepDedup drops expired dedup entries and returns how many were removed.
func (s *Store) SweepDedup() (int, error) {
	removed := 0
	err := s.db.Update(func(tx *bolt.Tx) error {
		c := tx.Bucket(bucketDedup).Cursor()
		now := time.Now()
		for k, v := c.First(); k != nil; k, v = c.Next() {
			var entry dedupEntry
			if err := json.Unmarshal(v, &entry); err != nil || now.After(entry.ExpiresAt) {
				if err := c.Delete(); err != nil {
					return err
				}
				removed++
			}
		}
		return nil
	})
	return removed, err
}

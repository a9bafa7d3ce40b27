package storage

import (
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/bvandewe/cml-cloud-manager/pkg/errdefs"
	"github.com/bvandewe/cml-cloud-manager/pkg/events"
	"github.com/bvandewe/cml-cloud-manager/pkg/types"
)

func newTestStore(t *testing.T, bus *events.Bus) *BoltStore {
	t.Helper()
	store, err := NewBoltStore(t.TempDir(), bus)
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })
	return store
}

func testDefinition(t *testing.T, id string) *types.LabletDefinition {
	t.Helper()
	def, err := types.NewLabletDefinition(id, "routing-basics", "1.0.0", "uri", types.Capacity{CPU: 2}, nil, nil, "")
	require.NoError(t, err)
	return def
}

func testWorker(t *testing.T, id string) *types.Worker {
	t.Helper()
	tpl := &types.WorkerTemplate{
		Name:         "small",
		InstanceType: "c5.xlarge",
		Capacity:     types.Capacity{CPU: 4, MemoryGB: 8, Nodes: 5},
		LicenseType:  types.LicenseEnterprise,
		Regions:      []string{"us-east-1"},
		PortRange:    types.PortRange{Lo: 2000, Hi: 2009},
	}
	w, err := types.NewWorker(id, tpl, "us-east-1")
	require.NoError(t, err)
	return w
}

func TestSaveAndGetDefinition(t *testing.T) {
	store := newTestStore(t, nil)
	def := testDefinition(t, "def-1")

	require.NoError(t, store.SaveDefinition(def, 0))
	assert.Equal(t, uint64(1), def.CurrentVersion())
	assert.Empty(t, def.Uncommitted())

	loaded, err := store.GetDefinition("def-1")
	require.NoError(t, err)
	assert.Equal(t, "routing-basics", loaded.Name)
	assert.Equal(t, uint64(1), loaded.CurrentVersion())

	_, err = store.GetDefinition("missing")
	assert.ErrorIs(t, err, errdefs.ErrNotFound)
}

func TestSaveConflicts(t *testing.T) {
	store := newTestStore(t, nil)
	def := testDefinition(t, "def-1")
	require.NoError(t, store.SaveDefinition(def, 0))

	// Creating again with expected version 0 loses to the existing record.
	fresh := testDefinition(t, "def-1")
	err := store.SaveDefinition(fresh, 0)
	assert.ErrorIs(t, err, errdefs.ErrConflict)
	// The in-memory version rolls back so the caller can reload and retry.
	assert.Equal(t, uint64(0), fresh.CurrentVersion())

	// Stale writer loses.
	a, err := store.GetDefinition("def-1")
	require.NoError(t, err)
	b, err := store.GetDefinition("def-1")
	require.NoError(t, err)

	require.NoError(t, a.MarkArtifactSynced("h1"))
	require.NoError(t, store.SaveDefinition(a, 1))

	require.NoError(t, b.MarkArtifactSynced("h2"))
	assert.ErrorIs(t, store.SaveDefinition(b, 1), errdefs.ErrConflict)

	final, err := store.GetDefinition("def-1")
	require.NoError(t, err)
	assert.Equal(t, "h1", final.TopologyHash)
	assert.Equal(t, uint64(2), final.CurrentVersion())
}

func TestSavePublishesEventsInOrder(t *testing.T) {
	bus := events.NewBus()
	bus.Start()
	defer bus.Stop()
	sub := bus.Subscribe()

	store := newTestStore(t, bus)
	w := testWorker(t, "worker-1")
	require.NoError(t, store.SaveWorker(w, 0))
	require.NoError(t, w.MarkProvisioning("i-123"))
	require.NoError(t, store.SaveWorker(w, 1))

	var got []*events.Event
	deadline := time.After(2 * time.Second)
	for len(got) < 2 {
		select {
		case e := <-sub:
			got = append(got, e)
		case <-deadline:
			t.Fatalf("timed out waiting for events, have %d", len(got))
		}
	}

	assert.Equal(t, events.EventWorkerCreated, got[0].Type)
	assert.Equal(t, uint64(1), got[0].Version)
	assert.Equal(t, events.EventWorkerProvisioning, got[1].Type)
	assert.Equal(t, uint64(2), got[1].Version)
	assert.Equal(t, "worker-1", got[1].AggregateID)
	assert.NotEmpty(t, got[0].ID)
}

func TestConflictedSavePublishesNothing(t *testing.T) {
	bus := events.NewBus()
	bus.Start()
	defer bus.Stop()

	store := newTestStore(t, bus)
	w := testWorker(t, "worker-1")
	require.NoError(t, store.SaveWorker(w, 0))

	sub := bus.Subscribe()
	stale := testWorker(t, "worker-1")
	require.ErrorIs(t, store.SaveWorker(stale, 0), errdefs.ErrConflict)

	select {
	case e := <-sub:
		t.Fatalf("unexpected event %s after conflicted save", e.Type)
	case <-time.After(100 * time.Millisecond):
	}
	// Events stay queued on the aggregate for the retry.
	assert.NotEmpty(t, stale.Uncommitted())
}

func TestWorkerDeleteAndListByWorker(t *testing.T) {
	store := newTestStore(t, nil)
	w := testWorker(t, "worker-1")
	require.NoError(t, store.SaveWorker(w, 0))

	def := testDefinition(t, "def-1")
	require.NoError(t, def.MarkArtifactSynced("h"))
	require.NoError(t, def.Publish())
	require.NoError(t, store.SaveDefinition(def, 0))

	for _, id := range []string{"inst-1", "inst-2"} {
		inst, err := types.NewLabletInstance(id, def, "u", nil, nil)
		require.NoError(t, err)
		require.NoError(t, inst.Schedule("worker-1"))
		require.NoError(t, store.SaveInstance(inst, 0))
	}
	other, err := types.NewLabletInstance("inst-3", def, "u", nil, nil)
	require.NoError(t, err)
	require.NoError(t, other.Schedule("worker-2"))
	require.NoError(t, store.SaveInstance(other, 0))

	onWorker, err := store.ListInstancesByWorker("worker-1")
	require.NoError(t, err)
	assert.Len(t, onWorker, 2)

	require.NoError(t, store.DeleteWorker("worker-1"))
	_, err = store.GetWorker("worker-1")
	assert.ErrorIs(t, err, errdefs.ErrNotFound)
	// Deleting again is a no-op.
	assert.NoError(t, store.DeleteWorker("worker-1"))
}

func TestAuditAppendListPrune(t *testing.T) {
	store := newTestStore(t, nil)
	base := time.Now().Add(-1 * time.Hour)

	for i, action := range []string{"scale_up", "drain", "scale_down"} {
		require.NoError(t, store.AppendAudit(&AuditRecord{
			Timestamp:   base.Add(time.Duration(i) * time.Minute),
			Action:      action,
			WorkerID:    "worker-1",
			Reason:      "test",
			TriggeredBy: "controller",
		}))
	}

	records, err := store.ListAudit(time.Time{})
	require.NoError(t, err)
	require.Len(t, records, 3)
	assert.Equal(t, "scale_up", records[0].Action)
	assert.Equal(t, "scale_down", records[2].Action)

	// A zero timestamp is filled in on append.
	require.NoError(t, store.AppendAudit(&AuditRecord{Action: "force_stop", Reason: "x", TriggeredBy: "controller"}))

	pruned, err := store.PruneAudit(base.Add(90 * time.Second))
	require.NoError(t, err)
	assert.Equal(t, 2, pruned)

	remaining, err := store.ListAudit(time.Time{})
	require.NoError(t, err)
	assert.Len(t, remaining, 2)
	assert.Equal(t, "scale_down", remaining[0].Action)
}

func TestMirrorHookSeesSavedDocument(t *testing.T) {
	store := newTestStore(t, nil)

	type call struct {
		kind, id string
		doc      []byte
	}
	var calls []call
	store.SetMirror(func(kind, id string, doc []byte) {
		calls = append(calls, call{kind, id, doc})
	})

	w := testWorker(t, "worker-1")
	require.NoError(t, store.SaveWorker(w, 0))

	stale := testWorker(t, "worker-1")
	_ = store.SaveWorker(stale, 0)

	require.Len(t, calls, 1, "conflicted save must not mirror")
	assert.Equal(t, "worker", calls[0].kind)
	assert.Equal(t, "worker-1", calls[0].id)

	var mirrored types.Worker
	require.NoError(t, json.Unmarshal(calls[0].doc, &mirrored))
	assert.Equal(t, uint64(1), mirrored.CurrentVersion())
}

func TestRestoreRecordBypassesVersionCheck(t *testing.T) {
	store := newTestStore(t, nil)

	w := testWorker(t, "worker-1")
	w.SetVersion(7)
	doc, err := json.Marshal(w)
	require.NoError(t, err)

	require.NoError(t, store.RestoreRecord("worker", "worker-1", doc))
	loaded, err := store.GetWorker("worker-1")
	require.NoError(t, err)
	assert.Equal(t, uint64(7), loaded.CurrentVersion())

	assert.ErrorIs(t, store.RestoreRecord("gadget", "x", doc), errdefs.ErrInvalidArgument)
}

func TestRetryOnConflict(t *testing.T) {
	attempts := 0
	err := RetryOnConflict(func() error {
		attempts++
		if attempts < 3 {
			return errdefs.Conflict("worker", "w", 1, 2)
		}
		return nil
	})
	require.NoError(t, err)
	assert.Equal(t, 3, attempts)

	// Non-conflict errors surface immediately.
	boom := errors.New("boom")
	attempts = 0
	err = RetryOnConflict(func() error {
		attempts++
		return boom
	})
	assert.ErrorIs(t, err, boom)
	assert.Equal(t, 1, attempts)

	// The attempt budget bounds a persistent conflict.
	attempts = 0
	err = RetryOnConflict(func() error {
		attempts++
		return errdefs.Conflict("worker", "w", 1, 2)
	})
	assert.ErrorIs(t, err, errdefs.ErrConflict)
	assert.Equal(t, 5, attempts)
}

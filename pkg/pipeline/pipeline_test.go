package pipeline

import (
	"errors"
	"testing"
	"time"

	"github.com/spf13/afero"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/bvandewe/cml-cloud-manager/pkg/artifact"
	"github.com/bvandewe/cml-cloud-manager/pkg/coordination"
	"github.com/bvandewe/cml-cloud-manager/pkg/errdefs"
	"github.com/bvandewe/cml-cloud-manager/pkg/labhost"
	"github.com/bvandewe/cml-cloud-manager/pkg/ports"
	"github.com/bvandewe/cml-cloud-manager/pkg/storage"
	"github.com/bvandewe/cml-cloud-manager/pkg/types"
)

const testTopology = `nodes:
  - id: n0
    console: ${PORT_A}
  - id: n1
    console: ${PORT_B}
`

type pipeHarness struct {
	store     *storage.BoltStore
	allocator *ports.Allocator
	host      *labhost.FakeHost
	pipe      *Pipeline
}

func newPipeHarness(t *testing.T) *pipeHarness {
	t.Helper()
	store, err := storage.NewBoltStore(t.TempDir(), nil)
	require.NoError(t, err)
	coord, err := coordination.Open(t.TempDir())
	require.NoError(t, err)
	artifacts, err := artifact.NewStore(afero.NewMemMapFs(), "/artifacts")
	require.NoError(t, err)

	host := labhost.NewFakeHost()
	allocator := ports.NewAllocator(coord)
	pipe := NewPipeline(store, allocator, artifacts, func(endpoint string) labhost.Client { return host },
		RetryConfig{MaxAttempts: 3, Base: time.Millisecond, Cap: 5 * time.Millisecond})

	_, err = artifacts.Put([]byte(testTopology), "")
	require.NoError(t, err)

	t.Cleanup(func() {
		pipe.Stop()
		coord.Close()
		store.Close()
	})
	return &pipeHarness{store: store, allocator: allocator, host: host, pipe: pipe}
}

// seedScheduled persists a published definition, a running worker with the
// instance's capacity reserved, and the instance itself in SCHEDULED.
func (h *pipeHarness) seedScheduled(t *testing.T) *types.LabletInstance {
	t.Helper()
	def, err := types.NewLabletDefinition("def-1", "routing-basics", "1.0.0", "https://artifacts.example.com/lab.yaml",
		types.Capacity{CPU: 2, MemoryGB: 4, Nodes: 2}, nil,
		[]types.PortPlaceholder{
			{Name: "PORT_A", Kind: types.PortKindConsole},
			{Name: "PORT_B", Kind: types.PortKindConsole},
		}, "")
	require.NoError(t, err)
	require.NoError(t, def.MarkArtifactSynced(artifact.Hash([]byte(testTopology))))
	require.NoError(t, def.Publish())
	require.NoError(t, h.store.SaveDefinition(def, 0))

	tpl := &types.WorkerTemplate{
		Name:         "enterprise-large",
		InstanceType: "c5.4xlarge",
		Capacity:     types.Capacity{CPU: 16, MemoryGB: 64, Nodes: 20},
		LicenseType:  types.LicenseEnterprise,
		Regions:      []string{"us-east-1"},
		PortRange:    types.PortRange{Lo: 2000, Hi: 2009},
	}
	w, err := types.NewWorker("worker-1", tpl, "us-east-1")
	require.NoError(t, err)
	require.NoError(t, w.MarkProvisioning("i-123"))
	require.NoError(t, w.MarkRunning("w1.example.com", "10.0.0.1"))
	require.NoError(t, w.ReserveCapacity("inst-1", def.Requirements))
	require.NoError(t, h.store.SaveWorker(w, 0))

	inst, err := types.NewLabletInstance("inst-1", def, "user-1", nil, nil)
	require.NoError(t, err)
	require.NoError(t, inst.Schedule("worker-1"))
	require.NoError(t, h.store.SaveInstance(inst, 0))
	return inst
}

func TestInstantiateHappyPath(t *testing.T) {
	h := newPipeHarness(t)
	h.seedScheduled(t)

	h.pipe.instantiate("inst-1")

	inst, err := h.store.GetInstance("inst-1")
	require.NoError(t, err)
	assert.Equal(t, types.InstanceRunning, inst.State)
	assert.NotEmpty(t, inst.LabID)
	assert.Equal(t, map[string]int{"PORT_A": 2000, "PORT_B": 2001}, inst.AllocatedPorts)

	state, ok := h.host.State(inst.LabID)
	require.True(t, ok)
	assert.Equal(t, labhost.LabStarted, state)

	w, err := h.store.GetWorker("worker-1")
	require.NoError(t, err)
	assert.Equal(t, 8, w.FreePortCount())
}

func TestInstantiateRetriesTransientStart(t *testing.T) {
	h := newPipeHarness(t)
	h.seedScheduled(t)
	h.host.FailNext("start", errdefs.Transient(errors.New("api busy"), 1))

	h.pipe.instantiate("inst-1")

	inst, err := h.store.GetInstance("inst-1")
	require.NoError(t, err)
	assert.Equal(t, types.InstanceRunning, inst.State)
}

func TestInstantiatePermanentFailureTerminates(t *testing.T) {
	h := newPipeHarness(t)
	h.seedScheduled(t)
	h.host.FailNext("import", errdefs.Permanent(errors.New("topology rejected")))

	h.pipe.instantiate("inst-1")

	inst, err := h.store.GetInstance("inst-1")
	require.NoError(t, err)
	assert.Equal(t, types.InstanceTerminated, inst.State)

	// Capacity and ports are back.
	w, err := h.store.GetWorker("worker-1")
	require.NoError(t, err)
	assert.False(t, w.HasInstance("inst-1"))
	assert.True(t, w.AllocatedCapacity.IsZero())
	assert.Equal(t, 10, w.FreePortCount())

	held, err := h.allocator.Held("worker-1")
	require.NoError(t, err)
	assert.Empty(t, held)
	assert.Equal(t, 0, h.host.LabCount())
}

func TestInstantiateFailedStartCleansUpLab(t *testing.T) {
	h := newPipeHarness(t)
	h.seedScheduled(t)
	h.host.FailNext("start", errdefs.Permanent(errors.New("license exhausted")))

	h.pipe.instantiate("inst-1")

	inst, err := h.store.GetInstance("inst-1")
	require.NoError(t, err)
	assert.Equal(t, types.InstanceTerminated, inst.State)
	// The half-imported lab was deleted from the host.
	assert.Equal(t, 0, h.host.LabCount())
}

func TestInstantiateSkipsNonScheduledInstance(t *testing.T) {
	h := newPipeHarness(t)
	inst := h.seedScheduled(t)

	require.NoError(t, inst.BeginInstantiation(map[string]int{"PORT_A": 2000, "PORT_B": 2001}))
	require.NoError(t, inst.MarkRunning("lab-manual"))
	require.NoError(t, h.store.SaveInstance(inst, 1))

	h.pipe.instantiate("inst-1")

	got, err := h.store.GetInstance("inst-1")
	require.NoError(t, err)
	assert.Equal(t, types.InstanceRunning, got.State)
	assert.Equal(t, "lab-manual", got.LabID)
	// Nothing was imported for it.
	assert.Equal(t, 0, h.host.LabCount())
}

func TestTeardown(t *testing.T) {
	h := newPipeHarness(t)
	h.seedScheduled(t)
	h.pipe.instantiate("inst-1")

	require.NoError(t, storage.RetryOnConflict(func() error {
		inst, err := h.store.GetInstance("inst-1")
		if err != nil {
			return err
		}
		v := inst.CurrentVersion()
		if err := inst.RequestStop("timeslot_end"); err != nil {
			return err
		}
		return h.store.SaveInstance(inst, v)
	}))

	h.pipe.teardown("inst-1")

	inst, err := h.store.GetInstance("inst-1")
	require.NoError(t, err)
	assert.Equal(t, types.InstanceStopped, inst.State)

	// The lab is gone from the host and the worker is free again.
	assert.Equal(t, 0, h.host.LabCount())
	w, err := h.store.GetWorker("worker-1")
	require.NoError(t, err)
	assert.False(t, w.HasInstance("inst-1"))
	assert.Equal(t, 10, w.FreePortCount())

	held, err := h.allocator.Held("worker-1")
	require.NoError(t, err)
	assert.Empty(t, held)
}

func TestTeardownSkipsNonStoppingInstance(t *testing.T) {
	h := newPipeHarness(t)
	h.seedScheduled(t)
	h.pipe.instantiate("inst-1")

	h.pipe.teardown("inst-1")

	inst, err := h.store.GetInstance("inst-1")
	require.NoError(t, err)
	assert.Equal(t, types.InstanceRunning, inst.State)
	assert.Equal(t, 1, h.host.LabCount())
}

func TestDispatchDeduplicatesInflightWork(t *testing.T) {
	h := newPipeHarness(t)
	h.seedScheduled(t)

	// Re-dispatching every cycle must not spawn duplicate labs.
	for i := 0; i < 5; i++ {
		h.pipe.Dispatch("inst-1")
	}
	h.pipe.wg.Wait()
	// A second round after completion is a no-op on a RUNNING instance.
	h.pipe.Dispatch("inst-1")
	h.pipe.wg.Wait()

	inst, err := h.store.GetInstance("inst-1")
	require.NoError(t, err)
	assert.Equal(t, types.InstanceRunning, inst.State)
	assert.Equal(t, 1, h.host.LabCount())
}

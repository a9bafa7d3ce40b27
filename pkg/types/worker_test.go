package types

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/bvandewe/cml-cloud-manager/pkg/errdefs"
)

func enterpriseTemplate() *WorkerTemplate {
	return &WorkerTemplate{
		Name:         "cml-enterprise-large",
		InstanceType: "c5.4xlarge",
		Capacity:     Capacity{CPU: 16, MemoryGB: 64, StorageGB: 200, Nodes: 20},
		LicenseType:  LicenseEnterprise,
		AMIPattern:   "cml-2.7-*",
		Regions:      []string{"us-east-1", "eu-west-1"},
		PortRange:    PortRange{Lo: 2000, Hi: 2099},
		DrainTimeout: 1 * time.Hour,
		DefaultTags:  map[string]string{"team": "lab-infra"},
	}
}

func runningWorker(t *testing.T) *Worker {
	t.Helper()
	w, err := NewWorker("worker-1", enterpriseTemplate(), "us-east-1")
	require.NoError(t, err)
	require.NoError(t, w.MarkProvisioning("i-0abc"))
	require.NoError(t, w.MarkRunning("w1.example.com", "10.0.0.5"))
	return w
}

func TestNewWorker(t *testing.T) {
	tpl := enterpriseTemplate()
	w, err := NewWorker("worker-1", tpl, "us-east-1")
	require.NoError(t, err)
	assert.Equal(t, WorkerPending, w.Status)
	assert.Equal(t, tpl.Capacity, w.DeclaredCapacity)
	assert.Equal(t, tpl.PortRange, w.PortRange)
	assert.Equal(t, "lab-infra", w.Tags["team"])

	_, err = NewWorker("worker-2", tpl, "ap-south-1")
	assert.ErrorIs(t, err, errdefs.ErrInvalidArgument)
}

func TestWorkerLifecycle(t *testing.T) {
	w := runningWorker(t)
	assert.Equal(t, "w1.example.com", w.PublicEndpoint)

	now := time.Now()
	require.NoError(t, w.StartDrain(now, "idle"))
	require.NotNil(t, w.DrainStartedAt)

	require.NoError(t, w.CancelDrain())
	assert.Equal(t, WorkerRunning, w.Status)
	assert.Nil(t, w.DrainStartedAt)

	require.NoError(t, w.StartDrain(now, "idle"))
	require.NoError(t, w.MarkStopping("drain complete"))
	require.NoError(t, w.MarkStopped())

	// A stopped worker can come back through provisioning.
	require.NoError(t, w.Restart())
	assert.Equal(t, WorkerProvisioning, w.Status)
	require.NoError(t, w.MarkRunning("w1.example.com", "10.0.0.5"))

	require.NoError(t, w.Terminate("admin"))
	assert.ErrorIs(t, w.MarkStopping("x"), errdefs.ErrInvalidTransition)
}

func TestWorkerDrainExpiry(t *testing.T) {
	w := runningWorker(t)
	t0 := time.Now()
	require.NoError(t, w.StartDrain(t0, "idle"))

	assert.False(t, w.DrainExpired(t0.Add(59*time.Minute), time.Hour))
	assert.True(t, w.DrainExpired(t0.Add(time.Hour+time.Second), time.Hour))
}

func TestWorkerCapacityReservations(t *testing.T) {
	w := runningWorker(t)
	req := Capacity{CPU: 4, MemoryGB: 16, Nodes: 5}

	require.NoError(t, w.ReserveCapacity("inst-1", req))
	assert.Equal(t, req, w.AllocatedCapacity)
	assert.True(t, w.HasInstance("inst-1"))

	// Same instance cannot reserve twice.
	assert.ErrorIs(t, w.ReserveCapacity("inst-1", req), errdefs.ErrInvalidArgument)

	// Overflow is refused.
	assert.ErrorIs(t, w.ReserveCapacity("inst-2", Capacity{CPU: 13}), errdefs.ErrCapacityExhausted)

	require.NoError(t, w.ReserveCapacity("inst-2", req))
	require.NoError(t, w.ReserveCapacity("inst-3", req))

	w.ReleaseCapacity("inst-2")
	assert.False(t, w.HasInstance("inst-2"))
	assert.Equal(t, Capacity{CPU: 8, MemoryGB: 32, Nodes: 10}, w.AllocatedCapacity)

	// Release is idempotent.
	w.ReleaseCapacity("inst-2")
	assert.Equal(t, Capacity{CPU: 8, MemoryGB: 32, Nodes: 10}, w.AllocatedCapacity)

	assert.NoError(t, w.Validate())
}

func TestWorkerRefusesReservationsUnlessRunning(t *testing.T) {
	w, err := NewWorker("worker-1", enterpriseTemplate(), "us-east-1")
	require.NoError(t, err)
	assert.Error(t, w.ReserveCapacity("inst-1", Capacity{CPU: 1}))

	running := runningWorker(t)
	require.NoError(t, running.StartDrain(time.Now(), "idle"))
	assert.Error(t, running.ReserveCapacity("inst-1", Capacity{CPU: 1}))
}

func TestWorkerPortAllocations(t *testing.T) {
	w := runningWorker(t)
	require.NoError(t, w.ReserveCapacity("inst-1", Capacity{CPU: 1}))
	now := time.Now()

	require.NoError(t, w.AddPortAllocation("inst-1", map[string]int{"PORT_SERIAL_1": 2000, "PORT_VNC_1": 2001}, now))
	assert.Equal(t, 98, w.FreePortCount())

	// Overlapping port refused.
	require.NoError(t, w.ReserveCapacity("inst-2", Capacity{CPU: 1}))
	assert.ErrorIs(t, w.AddPortAllocation("inst-2", map[string]int{"PORT_SERIAL_1": 2001}, now), errdefs.ErrPortAllocationFailed)

	// Out-of-range port refused.
	assert.ErrorIs(t, w.AddPortAllocation("inst-2", map[string]int{"PORT_SERIAL_1": 9999}, now), errdefs.ErrInvalidArgument)

	w.RemovePortAllocation("inst-1")
	assert.Equal(t, 100, w.FreePortCount())
	w.RemovePortAllocation("inst-1")

	assert.NoError(t, w.Validate())
}

func TestWorkerValidateCatchesCorruption(t *testing.T) {
	w := runningWorker(t)
	require.NoError(t, w.ReserveCapacity("inst-1", Capacity{CPU: 1}))

	// Port allocation for an instance the worker does not track.
	w.PortAllocations = append(w.PortAllocations, PortAllocation{
		InstanceID: "ghost", Ports: map[string]int{"P": 2000}, AllocatedAt: time.Now(),
	})
	assert.Error(t, w.Validate())

	w.PortAllocations = nil
	w.AllocatedCapacity = Capacity{CPU: 99}
	assert.Error(t, w.Validate())
}

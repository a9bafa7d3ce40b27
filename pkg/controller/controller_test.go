package controller

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/bvandewe/cml-cloud-manager/pkg/cloud"
	"github.com/bvandewe/cml-cloud-manager/pkg/coordination"
	"github.com/bvandewe/cml-cloud-manager/pkg/errdefs"
	"github.com/bvandewe/cml-cloud-manager/pkg/events"
	"github.com/bvandewe/cml-cloud-manager/pkg/labhost"
	"github.com/bvandewe/cml-cloud-manager/pkg/metrics"
	"github.com/bvandewe/cml-cloud-manager/pkg/ports"
	"github.com/bvandewe/cml-cloud-manager/pkg/scheduler"
	"github.com/bvandewe/cml-cloud-manager/pkg/storage"
	"github.com/bvandewe/cml-cloud-manager/pkg/types"
)

type ctrlHarness struct {
	store    *storage.BoltStore
	coord    *coordination.Store
	bus      *events.Bus
	provider *cloud.Fake
	host     *labhost.FakeHost
	ctrl     *Controller
}

func ctrlTemplates() map[string]*types.WorkerTemplate {
	return map[string]*types.WorkerTemplate{
		"enterprise-large": {
			Name:         "enterprise-large",
			InstanceType: "c5.4xlarge",
			Capacity:     types.Capacity{CPU: 16, MemoryGB: 64, Nodes: 20},
			LicenseType:  types.LicenseEnterprise,
			AMIPattern:   "cml-2.7-hvm",
			Regions:      []string{"us-east-1"},
			PortRange:    types.PortRange{Lo: 2000, Hi: 2099},
			DrainTimeout: time.Hour,
		},
		// Declares no port range; workers pick up the configured default.
		"personal-small": {
			Name:         "personal-small",
			InstanceType: "c5.xlarge",
			Capacity:     types.Capacity{CPU: 4, MemoryGB: 16, Nodes: 5},
			LicenseType:  types.LicensePersonal,
			Regions:      []string{"us-east-1"},
			DrainTimeout: time.Hour,
		},
	}
}

func newCtrlHarness(t *testing.T, cfg Config) *ctrlHarness {
	t.Helper()
	bus := events.NewBus()
	bus.Start()

	store, err := storage.NewBoltStore(t.TempDir(), bus)
	require.NoError(t, err)
	coord, err := coordination.Open(t.TempDir())
	require.NoError(t, err)

	elector := coordination.NewElector(coord, LeaseName, "test-node", time.Minute)
	elector.Start()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	require.NoError(t, elector.WaitForLeadership(ctx))

	provider := cloud.NewFake()
	host := labhost.NewFakeHost()
	hosts := func(endpoint string) labhost.Client { return host }

	ctrl := NewController(store, coord, elector, provider, ports.NewAllocator(coord), hosts, bus, ctrlTemplates(), cfg)

	t.Cleanup(func() {
		elector.Stop()
		bus.Stop()
		coord.Close()
		store.Close()
	})
	return &ctrlHarness{store: store, coord: coord, bus: bus, provider: provider, host: host, ctrl: ctrl}
}

// addRunningWorker builds a RUNNING worker whose VM the fake provider
// knows about, so stop and describe calls behave.
func (h *ctrlHarness) addRunningWorker(t *testing.T, id string) *types.Worker {
	t.Helper()
	vm, err := h.provider.Create(context.Background(), cloud.CreateRequest{Name: "cml-worker-" + id})
	require.NoError(t, err)

	tpl := ctrlTemplates()["enterprise-large"]
	w, err := types.NewWorker(id, tpl, "us-east-1")
	require.NoError(t, err)
	require.NoError(t, w.MarkProvisioning(vm.ProviderID))
	require.NoError(t, w.MarkRunning(vm.PublicEndpoint, vm.PrivateEndpoint))
	require.NoError(t, h.store.SaveWorker(w, 0))
	return w
}

func (h *ctrlHarness) putHint(t *testing.T, template, region, instanceID string) {
	t.Helper()
	data, err := json.Marshal(scheduler.ScaleHint{
		Template: template, Region: region, InstanceID: instanceID, At: time.Now(),
	})
	require.NoError(t, err)
	require.NoError(t, h.coord.Put(scheduler.HintPrefix+template+":"+region, data))
}

func (h *ctrlHarness) auditActions(t *testing.T) []string {
	t.Helper()
	records, err := h.store.ListAudit(time.Time{})
	require.NoError(t, err)
	var actions []string
	for _, rec := range records {
		actions = append(actions, rec.Action)
	}
	return actions
}

func TestScaleUpFromHint(t *testing.T) {
	// The warm floor keeps the fresh worker from draining between cycles.
	h := newCtrlHarness(t, Config{MinWarm: map[string]int{"enterprise-large": 1}})
	h.putHint(t, "enterprise-large", "us-east-1", "inst-1")

	h.ctrl.Reconcile()

	workers, err := h.store.ListWorkers()
	require.NoError(t, err)
	require.Len(t, workers, 1)
	w := workers[0]
	assert.Equal(t, "enterprise-large", w.TemplateName)
	assert.Equal(t, "us-east-1", w.Region)
	// The same cycle's bring-up pass already submitted the VM.
	assert.Equal(t, types.WorkerProvisioning, w.Status)
	assert.NotEmpty(t, w.ProviderInstanceID)
	require.Len(t, h.provider.Created, 1)
	assert.Equal(t, "c5.4xlarge", h.provider.Created[0].InstanceType)

	// The hint is consumed.
	_, err = h.coord.Get(scheduler.HintPrefix + "enterprise-large:us-east-1")
	assert.ErrorIs(t, err, errdefs.ErrNotFound)

	assert.Contains(t, h.auditActions(t), "scale_up")

	// Next cycle sees the VM running and the lab host answering.
	h.ctrl.Reconcile()
	w, err = h.store.GetWorker(w.ID)
	require.NoError(t, err)
	assert.Equal(t, types.WorkerRunning, w.Status)
	assert.NotEmpty(t, w.PublicEndpoint)
}

func TestScaleUpAppliesConfiguredDefaultPortRange(t *testing.T) {
	h := newCtrlHarness(t, Config{
		MinWarm:          map[string]int{"enterprise-large": 1, "personal-small": 1},
		DefaultPortRange: types.PortRange{Lo: 3000, Hi: 3099},
	})
	h.putHint(t, "personal-small", "us-east-1", "inst-1")
	h.putHint(t, "enterprise-large", "us-east-1", "inst-2")

	h.ctrl.Reconcile()

	workers, err := h.store.ListWorkers()
	require.NoError(t, err)
	require.Len(t, workers, 2)
	byTemplate := map[string]*types.Worker{}
	for _, w := range workers {
		byTemplate[w.TemplateName] = w
	}

	// The configured default fills in where the template has no range;
	// a template's own range still wins.
	assert.Equal(t, types.PortRange{Lo: 3000, Hi: 3099}, byTemplate["personal-small"].PortRange)
	assert.Equal(t, types.PortRange{Lo: 2000, Hi: 2099}, byTemplate["enterprise-large"].PortRange)
}

func TestScaleUpWaitsForLabHost(t *testing.T) {
	h := newCtrlHarness(t, Config{MinWarm: map[string]int{"enterprise-large": 1}})
	h.putHint(t, "enterprise-large", "us-east-1", "inst-1")
	h.ctrl.Reconcile()

	// VM is up but the lab host API is not answering yet.
	h.host.FailNext("ready", errdefs.Transient(context.DeadlineExceeded, 1))
	h.ctrl.Reconcile()

	workers, err := h.store.ListWorkers()
	require.NoError(t, err)
	require.Len(t, workers, 1)
	assert.Equal(t, types.WorkerProvisioning, workers[0].Status)

	h.ctrl.Reconcile()
	w, err := h.store.GetWorker(workers[0].ID)
	require.NoError(t, err)
	assert.Equal(t, types.WorkerRunning, w.Status)
}

func TestScaleUpDedupsAgainstInflightWorker(t *testing.T) {
	h := newCtrlHarness(t, Config{})

	tpl := ctrlTemplates()["enterprise-large"]
	inflight, err := types.NewWorker("worker-1", tpl, "us-east-1")
	require.NoError(t, err)
	require.NoError(t, inflight.MarkProvisioning("i-existing"))
	require.NoError(t, h.store.SaveWorker(inflight, 0))

	h.putHint(t, "enterprise-large", "us-east-1", "inst-1")
	h.ctrl.scaleUp(h.ctrl.elector.Epoch())

	workers, err := h.store.ListWorkers()
	require.NoError(t, err)
	assert.Len(t, workers, 1, "hint must not add a second worker while one provisions")

	_, err = h.coord.Get(scheduler.HintPrefix + "enterprise-large:us-east-1")
	assert.ErrorIs(t, err, errdefs.ErrNotFound)
}

func TestScaleUpRestartsStoppedWorker(t *testing.T) {
	h := newCtrlHarness(t, Config{MinWarm: map[string]int{"enterprise-large": 1}})

	w := h.addRunningWorker(t, "worker-1")
	require.NoError(t, h.provider.Stop(context.Background(), w.ProviderInstanceID))
	require.NoError(t, w.MarkStopping("idle"))
	require.NoError(t, w.MarkStopped())
	require.NoError(t, h.store.SaveWorker(w, 1))

	h.putHint(t, "enterprise-large", "us-east-1", "inst-1")
	h.ctrl.Reconcile()

	workers, err := h.store.ListWorkers()
	require.NoError(t, err)
	require.Len(t, workers, 1, "restart must reuse the stopped worker")

	got, err := h.store.GetWorker("worker-1")
	require.NoError(t, err)
	assert.Equal(t, types.WorkerRunning, got.Status)
	// Only the harness's own create hit the provider.
	assert.Len(t, h.provider.Created, 1)
	assert.Contains(t, h.auditActions(t), "restart")
}

func waitForScaleDownEvent(t *testing.T, sub events.Subscriber, workerID string) {
	t.Helper()
	deadline := time.After(2 * time.Second)
	for {
		select {
		case e := <-sub:
			if e.Type == events.EventScaleDownRequested {
				assert.Equal(t, workerID, e.AggregateID)
				return
			}
		case <-deadline:
			t.Fatal("scale.down_requested never published")
		}
	}
}

func TestScaleDownDrainsIdleWorker(t *testing.T) {
	h := newCtrlHarness(t, Config{})
	sub := h.bus.Subscribe()
	w := h.addRunningWorker(t, "worker-1")

	h.ctrl.Reconcile()

	got, err := h.store.GetWorker(w.ID)
	require.NoError(t, err)
	assert.Equal(t, types.WorkerDraining, got.Status)
	assert.Contains(t, h.auditActions(t), "drain")

	waitForScaleDownEvent(t, sub, w.ID)

	// Empty drain resolves to a stop, then the provider reports it stopped.
	h.ctrl.Reconcile()
	got, err = h.store.GetWorker(w.ID)
	require.NoError(t, err)
	assert.Equal(t, types.WorkerStopping, got.Status)

	h.ctrl.Reconcile()
	got, err = h.store.GetWorker(w.ID)
	require.NoError(t, err)
	assert.Equal(t, types.WorkerStopped, got.Status)
}

func TestWarmFloorBlocksDrain(t *testing.T) {
	h := newCtrlHarness(t, Config{MinWarm: map[string]int{"enterprise-large": 1}})
	w := h.addRunningWorker(t, "worker-1")

	h.ctrl.Reconcile()

	got, err := h.store.GetWorker(w.ID)
	require.NoError(t, err)
	assert.Equal(t, types.WorkerRunning, got.Status, "the last warm worker must not drain")
}

func TestWarmFloorTopUp(t *testing.T) {
	h := newCtrlHarness(t, Config{MinWarm: map[string]int{"enterprise-large": 2}})

	h.ctrl.Reconcile()

	workers, err := h.store.ListWorkers()
	require.NoError(t, err)
	assert.Len(t, workers, 2)

	actions := h.auditActions(t)
	count := 0
	for _, a := range actions {
		if a == "warm_floor" {
			count++
		}
	}
	assert.Equal(t, 2, count)
}

func TestUpcomingWorkBlocksDrain(t *testing.T) {
	h := newCtrlHarness(t, Config{})
	w := h.addRunningWorker(t, "worker-1")

	def, err := types.NewLabletDefinition("def-1", "lab", "1.0.0", "uri",
		types.Capacity{CPU: 2, MemoryGB: 4, Nodes: 1}, nil, nil, "")
	require.NoError(t, err)
	require.NoError(t, def.MarkArtifactSynced("h"))
	require.NoError(t, def.Publish())
	require.NoError(t, h.store.SaveDefinition(def, 0))

	// An ASAP reservation that only this worker can host.
	inst, err := types.NewLabletInstance("inst-1", def, "u", nil, nil)
	require.NoError(t, err)
	require.NoError(t, h.store.SaveInstance(inst, 0))

	h.ctrl.Reconcile()

	got, err := h.store.GetWorker(w.ID)
	require.NoError(t, err)
	assert.Equal(t, types.WorkerRunning, got.Status)
}

func TestDrainTimeoutForcesStop(t *testing.T) {
	h := newCtrlHarness(t, Config{})
	w := h.addRunningWorker(t, "worker-1")

	def, err := types.NewLabletDefinition("def-1", "lab", "1.0.0", "uri",
		types.Capacity{CPU: 2, MemoryGB: 4, Nodes: 1}, nil, nil, "")
	require.NoError(t, err)
	require.NoError(t, def.MarkArtifactSynced("h"))
	require.NoError(t, def.Publish())
	require.NoError(t, h.store.SaveDefinition(def, 0))

	inst, err := types.NewLabletInstance("inst-1", def, "u", nil, nil)
	require.NoError(t, err)
	require.NoError(t, inst.Schedule(w.ID))
	require.NoError(t, inst.BeginInstantiation(map[string]int{}))
	require.NoError(t, inst.MarkRunning("lab-1"))
	require.NoError(t, h.store.SaveInstance(inst, 0))

	require.NoError(t, w.ReserveCapacity("inst-1", def.Requirements))
	// The drain began two hours ago; the template allows one.
	require.NoError(t, w.StartDrain(time.Now().Add(-2*time.Hour), "admin"))
	require.NoError(t, h.store.SaveWorker(w, 1))

	h.ctrl.Reconcile()

	gotInst, err := h.store.GetInstance("inst-1")
	require.NoError(t, err)
	assert.Equal(t, types.InstanceTerminated, gotInst.State)
	assert.Equal(t, "drain_forced", gotInst.StateHistory[len(gotInst.StateHistory)-1].Reason)

	gotWorker, err := h.store.GetWorker(w.ID)
	require.NoError(t, err)
	assert.Equal(t, types.WorkerStopping, gotWorker.Status)
	assert.False(t, gotWorker.HasInstance("inst-1"))
	assert.True(t, gotWorker.AllocatedCapacity.IsZero())
	assert.Contains(t, h.auditActions(t), "drain_forced")
}

func TestReconcileExportsDefinitionGauge(t *testing.T) {
	h := newCtrlHarness(t, Config{})

	def, err := types.NewLabletDefinition("def-1", "lab", "1.0.0", "uri",
		types.Capacity{CPU: 2, MemoryGB: 4, Nodes: 1}, nil, nil, "")
	require.NoError(t, err)
	require.NoError(t, h.store.SaveDefinition(def, 0))

	h.ctrl.Reconcile()

	assert.Equal(t, 1.0, testutil.ToFloat64(metrics.DefinitionsTotal))
}

func TestAuditPruneHonorsRetention(t *testing.T) {
	h := newCtrlHarness(t, Config{AuditRetention: time.Hour})

	require.NoError(t, h.store.AppendAudit(&storage.AuditRecord{
		Timestamp: time.Now().Add(-2 * time.Hour), Action: "old", Reason: "x", TriggeredBy: "test",
	}))
	require.NoError(t, h.store.AppendAudit(&storage.AuditRecord{
		Timestamp: time.Now(), Action: "fresh", Reason: "x", TriggeredBy: "test",
	}))

	h.ctrl.Reconcile()

	actions := h.auditActions(t)
	assert.NotContains(t, actions, "old")
	assert.Contains(t, actions, "fresh")
}

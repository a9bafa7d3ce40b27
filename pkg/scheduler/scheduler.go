package scheduler

import (
	"encoding/json"
	"errors"
	"fmt"
	"path"
	"sort"
	"time"

	"github.com/samber/lo"

	"github.com/bvandewe/cml-cloud-manager/pkg/coordination"
	"github.com/bvandewe/cml-cloud-manager/pkg/errdefs"
	"github.com/bvandewe/cml-cloud-manager/pkg/events"
	"github.com/bvandewe/cml-cloud-manager/pkg/log"
	"github.com/bvandewe/cml-cloud-manager/pkg/metrics"
	"github.com/bvandewe/cml-cloud-manager/pkg/ports"
	"github.com/bvandewe/cml-cloud-manager/pkg/storage"
	"github.com/bvandewe/cml-cloud-manager/pkg/types"
)

const (
	// DefaultInterval spaces reconciliation cycles.
	DefaultInterval = 30 * time.Second

	// DefaultLeadTime is how far before its timeslot an instance is handed
	// to the instantiation pipeline: worker boot plus lab import headroom.
	DefaultLeadTime = 35 * time.Minute

	// DefaultInstantiationTimeout bounds how long an instance may sit in
	// INSTANTIATING before the reconciler declares it lost.
	DefaultInstantiationTimeout = 10 * time.Minute

	// LeaseName is the scheduler's leader-election service name.
	LeaseName = "scheduler"
)

// ScaleHint asks the controller for one more worker of a template in a
// region. Hints are keyed by (template, region) in the coordination store
// so repeated hints in one cycle collapse to one record.
type ScaleHint struct {
	Template   string    `json:"template"`
	Region     string    `json:"region"`
	InstanceID string    `json:"instance_id"`
	At         time.Time `json:"at"`
}

// HintPrefix is where scale-up hints live in the coordination store.
const HintPrefix = "/scale/hints/"

// Dispatcher hands placed instances to the instantiation pipeline and
// stopping instances to teardown. Both calls are asynchronous and
// idempotent.
type Dispatcher interface {
	Dispatch(instanceID string)
	Teardown(instanceID string)
}

// Scheduler owns placement, dispatch and anomaly reconciliation for
// lablet instances. It runs only while holding the scheduler lease; every
// save is fenced on the lease epoch captured at cycle start.
type Scheduler struct {
	store     storage.Store
	coord     *coordination.Store
	elector   *coordination.Elector
	allocator *ports.Allocator
	pipeline  Dispatcher
	bus       *events.Bus
	templates map[string]*types.WorkerTemplate

	interval    time.Duration
	leadTime    time.Duration
	instTimeout time.Duration

	nowFn  func() time.Time
	stopCh chan struct{}
	doneCh chan struct{}
}

// Config carries the scheduler's tunables; zero values take defaults.
type Config struct {
	Interval             time.Duration
	LeadTime             time.Duration
	InstantiationTimeout time.Duration
}

// NewScheduler wires a scheduler. templates is the seeded template set,
// keyed by name.
func NewScheduler(store storage.Store, coord *coordination.Store, elector *coordination.Elector, allocator *ports.Allocator, pipeline Dispatcher, bus *events.Bus, templates map[string]*types.WorkerTemplate, cfg Config) *Scheduler {
	if cfg.Interval <= 0 {
		cfg.Interval = DefaultInterval
	}
	if cfg.LeadTime <= 0 {
		cfg.LeadTime = DefaultLeadTime
	}
	if cfg.InstantiationTimeout <= 0 {
		cfg.InstantiationTimeout = DefaultInstantiationTimeout
	}
	return &Scheduler{
		store:       store,
		coord:       coord,
		elector:     elector,
		allocator:   allocator,
		pipeline:    pipeline,
		bus:         bus,
		templates:   templates,
		interval:    cfg.Interval,
		leadTime:    cfg.LeadTime,
		instTimeout: cfg.InstantiationTimeout,
		nowFn:       time.Now,
		stopCh:      make(chan struct{}),
		doneCh:      make(chan struct{}),
	}
}

// Start launches the reconciliation loop.
func (s *Scheduler) Start() {
	go s.run()
	log.WithComponent("scheduler").Info().
		Dur("interval", s.interval).
		Dur("lead_time", s.leadTime).
		Msg("scheduler started")
}

// Stop halts the loop after the current cycle.
func (s *Scheduler) Stop() {
	close(s.stopCh)
	<-s.doneCh
}

func (s *Scheduler) run() {
	defer close(s.doneCh)
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	for {
		select {
		case <-s.stopCh:
			return
		case <-ticker.C:
			if !s.elector.IsLeader() {
				continue
			}
			start := time.Now()
			s.Reconcile()
			metrics.SchedulingLatency.Observe(time.Since(start).Seconds())
		}
	}
}

// Reconcile performs one full cycle: placement, dispatch, anomaly repair.
// Exported so tests drive cycles without the ticker.
func (s *Scheduler) Reconcile() {
	epoch := s.elector.Epoch()
	logger := log.WithComponent("scheduler")

	if err := s.place(epoch); err != nil {
		logger.Error().Err(err).Msg("placement pass failed")
	}
	if err := s.dispatch(epoch); err != nil {
		logger.Error().Err(err).Msg("dispatch pass failed")
	}
	if err := s.repair(epoch); err != nil {
		logger.Error().Err(err).Msg("repair pass failed")
	}
}

// place assigns PENDING instances to workers one at a time so each
// decision observes the capacity taken by the previous one.
func (s *Scheduler) place(epoch uint64) error {
	instances, err := s.store.ListInstances()
	if err != nil {
		return err
	}
	pending := lo.Filter(instances, func(inst *types.LabletInstance, _ int) bool {
		return inst.State == types.InstancePending
	})
	sortForPlacement(pending)

	for _, inst := range pending {
		if !s.elector.Held(epoch) {
			return fmt.Errorf("lost scheduler lease mid-cycle")
		}
		if err := s.placeOne(inst); err != nil {
			log.WithInstanceID(inst.ID).Error().Err(err).Msg("failed to place instance")
		}
	}
	return nil
}

// sortForPlacement orders by timeslot start (nil first), creation time,
// then id, so placement is deterministic and earliest work goes first.
func sortForPlacement(instances []*types.LabletInstance) {
	sort.Slice(instances, func(i, j int) bool {
		a, b := instances[i], instances[j]
		switch {
		case a.TimeslotStart == nil && b.TimeslotStart != nil:
			return true
		case a.TimeslotStart != nil && b.TimeslotStart == nil:
			return false
		case a.TimeslotStart != nil && b.TimeslotStart != nil && !a.TimeslotStart.Equal(*b.TimeslotStart):
			return a.TimeslotStart.Before(*b.TimeslotStart)
		}
		if !a.CreatedAt.Equal(b.CreatedAt) {
			return a.CreatedAt.Before(b.CreatedAt)
		}
		return a.ID < b.ID
	})
}

func (s *Scheduler) placeOne(inst *types.LabletInstance) error {
	def, err := s.store.GetDefinition(inst.DefinitionID)
	if err != nil {
		return err
	}
	workers, err := s.store.ListWorkers()
	if err != nil {
		return err
	}

	best := s.pickWorker(def, workers)
	if best == nil {
		metrics.PlacementsFailed.Inc()
		return s.emitScaleHint(def, inst)
	}

	// Reserve capacity on the worker first; the instance follows. If the
	// instance save loses its race the reservation is rolled back.
	workerVersion := best.CurrentVersion()
	if err := best.ReserveCapacity(inst.ID, def.Requirements); err != nil {
		return err
	}
	if err := s.store.SaveWorker(best, workerVersion); err != nil {
		return err
	}

	instVersion := inst.CurrentVersion()
	if err := inst.Schedule(best.ID); err == nil {
		err = s.store.SaveInstance(inst, instVersion)
	}
	if err != nil {
		rollbackErr := storage.RetryOnConflict(func() error {
			w, getErr := s.store.GetWorker(best.ID)
			if getErr != nil {
				return getErr
			}
			v := w.CurrentVersion()
			w.ReleaseCapacity(inst.ID)
			return s.store.SaveWorker(w, v)
		})
		if rollbackErr != nil {
			log.WithWorkerID(best.ID).Error().Err(rollbackErr).Msg("failed to roll back reservation")
		}
		return err
	}

	metrics.InstancesPlaced.Inc()
	log.WithInstanceID(inst.ID).Info().
		Str("worker_id", best.ID).
		Msg("instance scheduled")
	return nil
}

// pickWorker returns the most-loaded eligible worker that still fits, or
// nil when none does. Ties break on worker id ascending.
func (s *Scheduler) pickWorker(def *types.LabletDefinition, workers []*types.Worker) *types.Worker {
	var best *types.Worker
	bestScore := -1.0
	for _, w := range workers {
		if !s.eligible(def, w) {
			continue
		}
		score := utilizationAfter(w, def.Requirements)
		if score > bestScore || (score == bestScore && best != nil && w.ID < best.ID) {
			best = w
			bestScore = score
		}
	}
	return best
}

// eligible applies the placement predicate: running, license compatible,
// capacity and ports available, AMI compatible.
func (s *Scheduler) eligible(def *types.LabletDefinition, w *types.Worker) bool {
	if w.Status != types.WorkerRunning {
		return false
	}
	if len(def.LicenseAffinity) > 0 && !def.AcceptsLicense(w.LicenseState) {
		return false
	}
	if !w.Fits(def.Requirements) {
		return false
	}
	if w.FreePortCount() < len(def.PortTemplate) {
		return false
	}
	if def.AMIPattern != "" {
		tpl, ok := s.templates[w.TemplateName]
		if !ok {
			return false
		}
		if matched, err := path.Match(def.AMIPattern, tpl.AMIPattern); err != nil || !matched {
			if def.AMIPattern != tpl.AMIPattern {
				return false
			}
		}
	}
	return true
}

// utilizationAfter scores bin-packing utility: the mean allocated
// fraction across cpu, memory and nodes after the placement.
func utilizationAfter(w *types.Worker, req types.Capacity) float64 {
	after := w.AllocatedCapacity.Add(req)
	var sum float64
	var dims int
	frac := func(used, declared int) {
		if declared > 0 {
			sum += float64(used) / float64(declared)
			dims++
		}
	}
	frac(after.CPU, w.DeclaredCapacity.CPU)
	frac(after.MemoryGB, w.DeclaredCapacity.MemoryGB)
	frac(after.Nodes, w.DeclaredCapacity.Nodes)
	if dims == 0 {
		return 0
	}
	return sum / float64(dims)
}

// emitScaleHint records a (template, region) hint for the controller and
// publishes the corresponding event. The instance stays PENDING.
func (s *Scheduler) emitScaleHint(def *types.LabletDefinition, inst *types.LabletInstance) error {
	tpl := s.bestTemplate(def)
	if tpl == nil {
		return fmt.Errorf("no worker template can host definition %s", def.ID)
	}
	region := ""
	if len(tpl.Regions) > 0 {
		region = tpl.Regions[0]
	}
	hint := ScaleHint{
		Template:   tpl.Name,
		Region:     region,
		InstanceID: inst.ID,
		At:         s.nowFn(),
	}
	data, err := json.Marshal(hint)
	if err != nil {
		return err
	}
	if err := s.coord.Put(HintPrefix+tpl.Name+":"+region, data); err != nil {
		return err
	}
	s.bus.Publish(&events.Event{
		Type:        events.EventScaleUpRequested,
		AggregateID: inst.ID,
		Message:     "no eligible worker",
		Metadata:    map[string]string{"template": tpl.Name, "region": region},
	})
	log.WithInstanceID(inst.ID).Info().
		Str("template", tpl.Name).
		Str("region", region).
		Msg("scale-up hint emitted")
	return nil
}

// bestTemplate picks the template whose workers could host the
// definition: license and AMI compatible, capacity sufficient. Smallest
// sufficient capacity wins so hints do not over-provision; names break
// ties for determinism.
func (s *Scheduler) bestTemplate(def *types.LabletDefinition) *types.WorkerTemplate {
	var candidates []*types.WorkerTemplate
	for _, tpl := range s.templates {
		if len(def.LicenseAffinity) > 0 && !def.AcceptsLicense(tpl.LicenseType) {
			continue
		}
		if !def.Requirements.LTE(tpl.Capacity) {
			continue
		}
		if def.AMIPattern != "" && def.AMIPattern != tpl.AMIPattern {
			if matched, err := path.Match(def.AMIPattern, tpl.AMIPattern); err != nil || !matched {
				continue
			}
		}
		candidates = append(candidates, tpl)
	}
	if len(candidates) == 0 {
		return nil
	}
	sort.Slice(candidates, func(i, j int) bool {
		a, b := candidates[i], candidates[j]
		if a.Capacity != b.Capacity {
			if a.Capacity.LTE(b.Capacity) {
				return true
			}
			if b.Capacity.LTE(a.Capacity) {
				return false
			}
		}
		return a.Name < b.Name
	})
	return candidates[0]
}

// dispatch hands SCHEDULED instances inside the lead window to the
// instantiation pipeline.
func (s *Scheduler) dispatch(epoch uint64) error {
	instances, err := s.store.ListInstances()
	if err != nil {
		return err
	}
	now := s.nowFn()
	for _, inst := range instances {
		if inst.State != types.InstanceScheduled {
			continue
		}
		if inst.EffectiveStart(now).Sub(now) > s.leadTime {
			continue
		}
		if !s.elector.Held(epoch) {
			return fmt.Errorf("lost scheduler lease mid-cycle")
		}
		s.pipeline.Dispatch(inst.ID)
	}
	return nil
}

// repair handles the anomaly sweeps: stuck instantiation, expired
// timeslots, lost workers, and queues teardown for stopping instances.
func (s *Scheduler) repair(epoch uint64) error {
	instances, err := s.store.ListInstances()
	if err != nil {
		return err
	}
	workers, err := s.store.ListWorkers()
	if err != nil {
		return err
	}
	workerByID := lo.KeyBy(workers, func(w *types.Worker) string { return w.ID })

	now := s.nowFn()
	for _, inst := range instances {
		if !s.elector.Held(epoch) {
			return fmt.Errorf("lost scheduler lease mid-cycle")
		}
		switch {
		case inst.State == types.InstanceInstantiating && inst.StateAge(now) > s.instTimeout:
			s.terminateWithRelease(inst, "instantiation_timeout")

		case inst.PastEnd(now) && (inst.State == types.InstanceRunning || inst.State == types.InstanceCollecting):
			if err := s.applyInstance(inst.ID, func(i *types.LabletInstance) error {
				return i.RequestStop("timeslot_end")
			}); err != nil {
				log.WithInstanceID(inst.ID).Error().Err(err).Msg("failed to stop expired instance")
			}

		case inst.WorkerID != "" && !inst.IsTerminal() && workerLost(workerByID[inst.WorkerID]):
			s.terminateWithRelease(inst, "worker_lost")

		case inst.State == types.InstanceStopping:
			s.pipeline.Teardown(inst.ID)
		}
	}
	return nil
}

func workerLost(w *types.Worker) bool {
	return w == nil || w.Status == types.WorkerTerminated
}

// terminateWithRelease terminates the instance and releases its capacity
// and ports. The worker-side release rides the same save as the
// bookkeeping removal so no partial state survives a crash.
func (s *Scheduler) terminateWithRelease(inst *types.LabletInstance, reason string) {
	logger := log.WithInstanceID(inst.ID)
	if err := s.applyInstance(inst.ID, func(i *types.LabletInstance) error {
		return i.Terminate(reason)
	}); err != nil {
		logger.Error().Err(err).Str("reason", reason).Msg("failed to terminate instance")
		return
	}
	if inst.WorkerID != "" {
		if err := s.releaseWorkerResources(inst.WorkerID, inst.ID); err != nil {
			logger.Error().Err(err).Msg("failed to release worker resources")
		}
	}
	logger.Warn().Str("reason", reason).Msg("instance terminated")
}

// releaseWorkerResources frees capacity and ports held by the instance on
// the worker, both in the aggregate and in the allocator.
func (s *Scheduler) releaseWorkerResources(workerID, instanceID string) error {
	err := storage.RetryOnConflict(func() error {
		w, err := s.store.GetWorker(workerID)
		if errors.Is(err, errdefs.ErrNotFound) {
			return nil
		}
		if err != nil {
			return err
		}
		v := w.CurrentVersion()
		w.ReleaseCapacity(instanceID)
		w.RemovePortAllocation(instanceID)
		return s.store.SaveWorker(w, v)
	})
	if err != nil {
		return err
	}
	return s.allocator.Release(workerID, instanceID)
}

func (s *Scheduler) applyInstance(instanceID string, mutate func(*types.LabletInstance) error) error {
	return storage.RetryOnConflict(func() error {
		inst, err := s.store.GetInstance(instanceID)
		if err != nil {
			return err
		}
		v := inst.CurrentVersion()
		if err := mutate(inst); err != nil {
			return err
		}
		return s.store.SaveInstance(inst, v)
	})
}

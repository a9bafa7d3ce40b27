package controller

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/avast/retry-go"
	"github.com/google/uuid"
	"github.com/samber/lo"

	"github.com/bvandewe/cml-cloud-manager/pkg/cloud"
	"github.com/bvandewe/cml-cloud-manager/pkg/coordination"
	"github.com/bvandewe/cml-cloud-manager/pkg/errdefs"
	"github.com/bvandewe/cml-cloud-manager/pkg/events"
	"github.com/bvandewe/cml-cloud-manager/pkg/labhost"
	"github.com/bvandewe/cml-cloud-manager/pkg/log"
	"github.com/bvandewe/cml-cloud-manager/pkg/metrics"
	"github.com/bvandewe/cml-cloud-manager/pkg/ports"
	"github.com/bvandewe/cml-cloud-manager/pkg/scheduler"
	"github.com/bvandewe/cml-cloud-manager/pkg/storage"
	"github.com/bvandewe/cml-cloud-manager/pkg/types"
)

const (
	// DefaultInterval spaces controller cycles.
	DefaultInterval = 30 * time.Second

	// DefaultScaleDownGrace protects workers that upcoming work may need.
	DefaultScaleDownGrace = 30 * time.Minute

	// DefaultAuditRetention keeps roughly three months of audit records.
	DefaultAuditRetention = 3 * 30 * 24 * time.Hour

	// LeaseName is the controller's leader-election service name.
	LeaseName = "controller"
)

// Config carries the controller's tunables; zero values take defaults.
type Config struct {
	Interval       time.Duration
	ScaleDownGrace time.Duration
	MinWarm        map[string]int
	AuditRetention time.Duration
	// DefaultPortRange applies to workers whose template declares no range.
	DefaultPortRange types.PortRange
}

// Controller owns the worker fleet: provisioning, bring-up, drain,
// scale-down, warm floor and the scaling audit log. Like the scheduler it
// is a leased singleton with epoch-fenced saves.
type Controller struct {
	store     storage.Store
	coord     *coordination.Store
	elector   *coordination.Elector
	provider  cloud.Provider
	allocator *ports.Allocator
	hosts     func(endpoint string) labhost.Client
	bus       *events.Bus
	templates map[string]*types.WorkerTemplate

	interval     time.Duration
	grace        time.Duration
	minWarm      map[string]int
	retention    time.Duration
	defaultPorts types.PortRange

	nowFn  func() time.Time
	stopCh chan struct{}
	doneCh chan struct{}
}

// NewController wires a controller.
func NewController(store storage.Store, coord *coordination.Store, elector *coordination.Elector, provider cloud.Provider, allocator *ports.Allocator, hosts func(endpoint string) labhost.Client, bus *events.Bus, templates map[string]*types.WorkerTemplate, cfg Config) *Controller {
	if cfg.Interval <= 0 {
		cfg.Interval = DefaultInterval
	}
	if cfg.ScaleDownGrace <= 0 {
		cfg.ScaleDownGrace = DefaultScaleDownGrace
	}
	if cfg.MinWarm == nil {
		cfg.MinWarm = map[string]int{}
	}
	if cfg.AuditRetention <= 0 {
		cfg.AuditRetention = DefaultAuditRetention
	}
	if cfg.DefaultPortRange.IsZero() {
		cfg.DefaultPortRange = types.DefaultPortRange
	}
	return &Controller{
		store:        store,
		coord:        coord,
		elector:      elector,
		provider:     provider,
		allocator:    allocator,
		hosts:        hosts,
		bus:          bus,
		templates:    templates,
		interval:     cfg.Interval,
		grace:        cfg.ScaleDownGrace,
		minWarm:      cfg.MinWarm,
		retention:    cfg.AuditRetention,
		defaultPorts: cfg.DefaultPortRange,
		nowFn:        time.Now,
		stopCh:       make(chan struct{}),
		doneCh:       make(chan struct{}),
	}
}

// Start launches the control loop.
func (c *Controller) Start() {
	go c.run()
	log.WithComponent("controller").Info().
		Dur("interval", c.interval).
		Dur("scale_down_grace", c.grace).
		Msg("controller started")
}

// Stop halts the loop after the current cycle.
func (c *Controller) Stop() {
	close(c.stopCh)
	<-c.doneCh
}

func (c *Controller) run() {
	defer close(c.doneCh)
	ticker := time.NewTicker(c.interval)
	defer ticker.Stop()

	for {
		select {
		case <-c.stopCh:
			return
		case <-ticker.C:
			if !c.elector.IsLeader() {
				continue
			}
			c.Reconcile()
		}
	}
}

// Reconcile runs one controller cycle. Exported so tests drive cycles
// without the ticker.
func (c *Controller) Reconcile() {
	epoch := c.elector.Epoch()
	logger := log.WithComponent("controller")

	if err := c.scaleUp(epoch); err != nil {
		logger.Error().Err(err).Msg("scale-up pass failed")
	}
	if err := c.bringUp(epoch); err != nil {
		logger.Error().Err(err).Msg("bring-up pass failed")
	}
	if err := c.scaleDown(epoch); err != nil {
		logger.Error().Err(err).Msg("scale-down pass failed")
	}
	if err := c.warmFloor(epoch); err != nil {
		logger.Error().Err(err).Msg("warm-floor pass failed")
	}
	if err := c.pruneAudit(); err != nil {
		logger.Error().Err(err).Msg("audit prune failed")
	}
	c.exportGauges()
}

// scaleUp consumes accumulated scale hints and ensures a provisioning
// worker exists per hinted (template, region).
func (c *Controller) scaleUp(epoch uint64) error {
	hints, err := c.coord.ListPrefix(scheduler.HintPrefix)
	if err != nil {
		return err
	}
	if len(hints) == 0 {
		return nil
	}
	workers, err := c.store.ListWorkers()
	if err != nil {
		return err
	}

	for key, raw := range hints {
		if !c.elector.Held(epoch) {
			return fmt.Errorf("lost controller lease mid-cycle")
		}
		var hint scheduler.ScaleHint
		if err := json.Unmarshal(raw, &hint); err != nil {
			log.WithComponent("controller").Warn().Str("key", key).Msg("dropping malformed scale hint")
			_ = c.coord.Delete(key)
			continue
		}
		tpl, ok := c.templates[hint.Template]
		if !ok {
			log.WithComponent("controller").Warn().Str("template", hint.Template).Msg("scale hint names unknown template")
			_ = c.coord.Delete(key)
			continue
		}

		// Dedup against workers already on their way up.
		if countByTemplate(workers, hint.Template, hint.Region, types.WorkerPending, types.WorkerProvisioning) > 0 {
			_ = c.coord.Delete(key)
			continue
		}

		created, err := c.addWorker(tpl, hint.Region, "scale_up", "scheduler:"+hint.InstanceID)
		if err != nil {
			log.WithComponent("controller").Error().Err(err).Str("template", hint.Template).Msg("scale-up failed")
			continue
		}
		workers = append(workers, created)
		_ = c.coord.Delete(key)
	}
	return nil
}

// addWorker prefers restarting a STOPPED worker of the template over
// creating a fresh VM; either path leaves a PENDING or PROVISIONING
// worker behind and writes an audit record.
func (c *Controller) addWorker(tpl *types.WorkerTemplate, region, action, triggeredBy string) (*types.Worker, error) {
	workers, err := c.store.ListWorkers()
	if err != nil {
		return nil, err
	}
	for _, w := range workers {
		if w.TemplateName == tpl.Name && w.Region == region && w.Status == types.WorkerStopped {
			if err := c.restartWorker(w, triggeredBy); err != nil {
				return nil, err
			}
			return w, nil
		}
	}

	w, err := types.NewWorker(uuid.New().String(), tpl, region)
	if err != nil {
		return nil, err
	}
	// The template range wins; the operator-configured default fills in
	// when the template declares none.
	w.PortRange = tpl.EffectivePortRange(c.defaultPorts)
	if err := c.store.SaveWorker(w, 0); err != nil {
		return nil, err
	}
	metrics.ScaleUps.WithLabelValues(tpl.Name).Inc()
	c.audit(&storage.AuditRecord{
		Timestamp:   c.nowFn(),
		Action:      action,
		WorkerID:    w.ID,
		Template:    tpl.Name,
		Reason:      "no eligible worker for pending work",
		TriggeredBy: triggeredBy,
	})
	log.WithWorkerID(w.ID).Info().
		Str("template", tpl.Name).
		Str("region", region).
		Msg("worker created")
	return w, nil
}

// restartWorker sends a STOPPED worker back through provisioning using
// its existing provider instance.
func (c *Controller) restartWorker(w *types.Worker, triggeredBy string) error {
	v := w.CurrentVersion()
	if err := w.Restart(); err != nil {
		return err
	}
	if err := c.store.SaveWorker(w, v); err != nil {
		return err
	}
	if err := c.cloudCall(func(ctx context.Context) error {
		return c.provider.Start(ctx, w.ProviderInstanceID)
	}); err != nil {
		return err
	}
	metrics.ScaleUps.WithLabelValues(w.TemplateName).Inc()
	c.audit(&storage.AuditRecord{
		Timestamp:   c.nowFn(),
		Action:      "restart",
		WorkerID:    w.ID,
		Template:    w.TemplateName,
		Reason:      "warm worker restarted",
		TriggeredBy: triggeredBy,
	})
	log.WithWorkerID(w.ID).Info().Msg("stopped worker restarting")
	return nil
}

// bringUp advances PENDING workers through VM creation and PROVISIONING
// workers to RUNNING once the VM and its lab host answer.
func (c *Controller) bringUp(epoch uint64) error {
	workers, err := c.store.ListWorkers()
	if err != nil {
		return err
	}
	for _, w := range workers {
		if !c.elector.Held(epoch) {
			return fmt.Errorf("lost controller lease mid-cycle")
		}
		switch w.Status {
		case types.WorkerPending:
			c.provisionWorker(w)
		case types.WorkerProvisioning:
			c.checkProvisioning(w)
		case types.WorkerRunning:
			c.probeHealth(w)
		case types.WorkerStopping:
			c.checkStopping(w)
		}
	}
	return nil
}

func (c *Controller) provisionWorker(w *types.Worker) {
	logger := log.WithWorkerID(w.ID)
	tpl, ok := c.templates[w.TemplateName]
	if !ok {
		logger.Error().Str("template", w.TemplateName).Msg("worker references unknown template")
		return
	}

	// Restarted workers already own a VM; skip creation.
	if w.ProviderInstanceID == "" {
		var vm *cloud.VM
		err := c.cloudCall(func(ctx context.Context) error {
			var err error
			vm, err = c.provider.Create(ctx, cloud.CreateRequest{
				Name:         "cml-worker-" + w.ID,
				InstanceType: w.InstanceType,
				Region:       w.Region,
				AMIPattern:   tpl.AMIPattern,
				Tags:         w.Tags,
			})
			return err
		})
		if err != nil {
			logger.Error().Err(err).Msg("VM creation failed")
			return
		}
		if err := c.applyWorker(w.ID, func(w *types.Worker) error {
			return w.MarkProvisioning(vm.ProviderID)
		}); err != nil {
			logger.Error().Err(err).Msg("failed to record provisioning state")
		}
		return
	}

	if err := c.applyWorker(w.ID, func(w *types.Worker) error {
		return w.MarkProvisioning(w.ProviderInstanceID)
	}); err != nil {
		logger.Error().Err(err).Msg("failed to record provisioning state")
	}
}

func (c *Controller) checkProvisioning(w *types.Worker) {
	logger := log.WithWorkerID(w.ID)
	var vm *cloud.VM
	err := c.cloudCall(func(ctx context.Context) error {
		var err error
		vm, err = c.provider.Describe(ctx, w.ProviderInstanceID)
		return err
	})
	if err != nil {
		logger.Warn().Err(err).Msg("provider describe failed")
		return
	}
	if vm.State != cloud.VMRunning || vm.PublicEndpoint == "" {
		return
	}

	// The VM runs; require the lab host to answer before taking load.
	host := c.hosts(vm.PublicEndpoint)
	ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	if err := host.Ready(ctx); err != nil {
		logger.Debug().Err(err).Msg("lab host not ready yet")
		return
	}

	if err := c.applyWorker(w.ID, func(w *types.Worker) error {
		return w.MarkRunning(vm.PublicEndpoint, vm.PrivateEndpoint)
	}); err != nil {
		logger.Error().Err(err).Msg("failed to record running state")
		return
	}
	logger.Info().Str("endpoint", vm.PublicEndpoint).Msg("worker running")
}

func (c *Controller) probeHealth(w *types.Worker) {
	if w.PublicEndpoint == "" {
		return
	}
	host := c.hosts(w.PublicEndpoint)
	ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	if err := host.Ready(ctx); err != nil {
		log.WithWorkerID(w.ID).Warn().Err(err).Msg("health probe failed")
		return
	}
	_ = c.applyWorker(w.ID, func(w *types.Worker) error {
		w.Touch(c.nowFn())
		return nil
	})
}

func (c *Controller) checkStopping(w *types.Worker) {
	logger := log.WithWorkerID(w.ID)
	var vm *cloud.VM
	err := c.cloudCall(func(ctx context.Context) error {
		var err error
		vm, err = c.provider.Describe(ctx, w.ProviderInstanceID)
		return err
	})
	if errors.Is(err, errdefs.ErrNotFound) {
		vm = &cloud.VM{State: cloud.VMStopped}
		err = nil
	}
	if err != nil {
		logger.Warn().Err(err).Msg("provider describe failed")
		return
	}
	if vm.State != cloud.VMStopped && vm.State != cloud.VMTerminated {
		return
	}
	if err := c.applyWorker(w.ID, func(w *types.Worker) error {
		return w.MarkStopped()
	}); err != nil {
		logger.Error().Err(err).Msg("failed to record stopped state")
	}
}

// scaleDown drains idle workers, stops drained ones and force-stops
// workers whose drain outlived the template timeout.
func (c *Controller) scaleDown(epoch uint64) error {
	workers, err := c.store.ListWorkers()
	if err != nil {
		return err
	}
	instances, err := c.store.ListInstances()
	if err != nil {
		return err
	}
	now := c.nowFn()

	for _, w := range workers {
		if !c.elector.Held(epoch) {
			return fmt.Errorf("lost controller lease mid-cycle")
		}
		switch w.Status {
		case types.WorkerRunning:
			if c.drainCandidate(w, workers, instances, now) {
				c.startDrain(w)
			}
		case types.WorkerDraining:
			tpl := c.templates[w.TemplateName]
			timeout := 4 * time.Hour
			if tpl != nil && tpl.DrainTimeout > 0 {
				timeout = tpl.DrainTimeout
			}
			switch {
			case len(w.InstanceIDs) == 0:
				c.stopWorker(w, "drain complete")
			case w.DrainExpired(now, timeout):
				c.forceStop(w)
			}
		}
	}
	return nil
}

// drainCandidate: no active instances, nothing scheduled onto it, above
// the warm floor, and no imminent work that only this worker can host.
func (c *Controller) drainCandidate(w *types.Worker, workers []*types.Worker, instances []*types.LabletInstance, now time.Time) bool {
	if len(w.InstanceIDs) > 0 {
		return false
	}
	for _, inst := range instances {
		if inst.WorkerID == w.ID && !inst.IsTerminal() && inst.State != types.InstanceStopped {
			return false
		}
	}
	if c.warmCount(workers, w.TemplateName)-1 < c.minWarm[w.TemplateName] {
		return false
	}
	return !c.onlyHostForUpcoming(w, workers, instances, now)
}

// onlyHostForUpcoming reports whether some PENDING work starting within
// the grace window fits on this worker and on no other running one.
func (c *Controller) onlyHostForUpcoming(w *types.Worker, workers []*types.Worker, instances []*types.LabletInstance, now time.Time) bool {
	horizon := now.Add(c.grace)
	for _, inst := range instances {
		if inst.State != types.InstancePending {
			continue
		}
		if inst.EffectiveStart(now).After(horizon) {
			continue
		}
		def, err := c.store.GetDefinition(inst.DefinitionID)
		if err != nil {
			continue
		}
		if !hostable(def, w) {
			continue
		}
		alternatives := 0
		for _, other := range workers {
			if other.ID != w.ID && other.Status == types.WorkerRunning && hostable(def, other) {
				alternatives++
			}
		}
		if alternatives == 0 {
			return true
		}
	}
	return false
}

func hostable(def *types.LabletDefinition, w *types.Worker) bool {
	if w.Status != types.WorkerRunning {
		return false
	}
	if len(def.LicenseAffinity) > 0 && !def.AcceptsLicense(w.LicenseState) {
		return false
	}
	return w.Fits(def.Requirements) && w.FreePortCount() >= len(def.PortTemplate)
}

func (c *Controller) startDrain(w *types.Worker) {
	if err := c.applyWorker(w.ID, func(w *types.Worker) error {
		return w.StartDrain(c.nowFn(), "idle")
	}); err != nil {
		log.WithWorkerID(w.ID).Error().Err(err).Msg("failed to start drain")
		return
	}
	metrics.ScaleDowns.WithLabelValues(w.TemplateName).Inc()
	c.audit(&storage.AuditRecord{
		Timestamp:   c.nowFn(),
		Action:      "drain",
		WorkerID:    w.ID,
		Template:    w.TemplateName,
		Reason:      "idle beyond grace window",
		TriggeredBy: "controller",
	})
	c.bus.Publish(&events.Event{
		Type:        events.EventScaleDownRequested,
		AggregateID: w.ID,
		Metadata:    map[string]string{"template": w.TemplateName},
	})
	log.WithWorkerID(w.ID).Info().Msg("worker draining")
}

func (c *Controller) stopWorker(w *types.Worker, reason string) {
	logger := log.WithWorkerID(w.ID)
	if err := c.applyWorker(w.ID, func(w *types.Worker) error {
		return w.MarkStopping(reason)
	}); err != nil {
		logger.Error().Err(err).Msg("failed to record stopping state")
		return
	}
	if err := c.cloudCall(func(ctx context.Context) error {
		return c.provider.Stop(ctx, w.ProviderInstanceID)
	}); err != nil {
		logger.Error().Err(err).Msg("cloud stop failed")
	}
	c.audit(&storage.AuditRecord{
		Timestamp:   c.nowFn(),
		Action:      "stop",
		WorkerID:    w.ID,
		Template:    w.TemplateName,
		Reason:      reason,
		TriggeredBy: "controller",
	})
	logger.Info().Str("reason", reason).Msg("worker stopping")
}

// forceStop terminates every remaining instance on a drain-expired worker
// and stops it.
func (c *Controller) forceStop(w *types.Worker) {
	logger := log.WithWorkerID(w.ID)
	for _, instanceID := range append([]string(nil), w.InstanceIDs...) {
		if err := storage.RetryOnConflict(func() error {
			inst, err := c.store.GetInstance(instanceID)
			if err != nil {
				return err
			}
			if inst.IsTerminal() {
				return nil
			}
			v := inst.CurrentVersion()
			if err := inst.Terminate("drain_forced"); err != nil {
				return err
			}
			return c.store.SaveInstance(inst, v)
		}); err != nil {
			logger.Error().Err(err).Str("instance_id", instanceID).Msg("failed to terminate instance on drain expiry")
			continue
		}
		if err := storage.RetryOnConflict(func() error {
			fresh, err := c.store.GetWorker(w.ID)
			if err != nil {
				return err
			}
			v := fresh.CurrentVersion()
			fresh.ReleaseCapacity(instanceID)
			fresh.RemovePortAllocation(instanceID)
			return c.store.SaveWorker(fresh, v)
		}); err != nil {
			logger.Error().Err(err).Str("instance_id", instanceID).Msg("failed to release worker resources")
		}
		_ = c.allocator.Release(w.ID, instanceID)
	}
	c.audit(&storage.AuditRecord{
		Timestamp:   c.nowFn(),
		Action:      "drain_forced",
		WorkerID:    w.ID,
		Template:    w.TemplateName,
		Reason:      "drain timeout expired",
		TriggeredBy: "controller",
	})
	c.stopWorker(w, "drain timeout")
}

// warmFloor tops each template up to its configured minimum of warm
// workers.
func (c *Controller) warmFloor(epoch uint64) error {
	if len(c.minWarm) == 0 {
		return nil
	}
	workers, err := c.store.ListWorkers()
	if err != nil {
		return err
	}
	for name, floor := range c.minWarm {
		if floor <= 0 {
			continue
		}
		if !c.elector.Held(epoch) {
			return fmt.Errorf("lost controller lease mid-cycle")
		}
		tpl, ok := c.templates[name]
		if !ok || len(tpl.Regions) == 0 {
			continue
		}
		for c.warmCount(workers, name) < floor {
			created, err := c.addWorker(tpl, tpl.Regions[0], "warm_floor", "controller")
			if err != nil {
				log.WithComponent("controller").Error().Err(err).Str("template", name).Msg("warm-floor top-up failed")
				break
			}
			workers = append(workers, created)
		}
	}
	return nil
}

// warmCount counts workers of the template that are warm or on their way
// to warm.
func (c *Controller) warmCount(workers []*types.Worker, template string) int {
	return lo.CountBy(workers, func(w *types.Worker) bool {
		if w.TemplateName != template {
			return false
		}
		switch w.Status {
		case types.WorkerRunning, types.WorkerStopped, types.WorkerPending, types.WorkerProvisioning:
			return true
		default:
			return false
		}
	})
}

func countByTemplate(workers []*types.Worker, template, region string, statuses ...types.WorkerStatus) int {
	count := 0
	for _, w := range workers {
		if w.TemplateName != template || (region != "" && w.Region != region) {
			continue
		}
		for _, s := range statuses {
			if w.Status == s {
				count++
				break
			}
		}
	}
	return count
}

func (c *Controller) pruneAudit() error {
	pruned, err := c.store.PruneAudit(c.nowFn().Add(-c.retention))
	if err != nil {
		return err
	}
	if pruned > 0 {
		log.WithComponent("controller").Info().Int("records", pruned).Msg("pruned audit log")
	}
	return nil
}

func (c *Controller) exportGauges() {
	workers, err := c.store.ListWorkers()
	if err == nil {
		counts := make(map[[2]string]int)
		for _, w := range workers {
			counts[[2]string{w.TemplateName, string(w.Status)}]++
		}
		metrics.WorkersTotal.Reset()
		for key, n := range counts {
			metrics.WorkersTotal.WithLabelValues(key[0], key[1]).Set(float64(n))
		}
	}
	instances, err := c.store.ListInstances()
	if err == nil {
		counts := lo.CountValuesBy(instances, func(inst *types.LabletInstance) string {
			return string(inst.State)
		})
		metrics.InstancesTotal.Reset()
		for state, n := range counts {
			metrics.InstancesTotal.WithLabelValues(state).Set(float64(n))
		}
	}
	if definitions, err := c.store.ListDefinitions(); err == nil {
		metrics.DefinitionsTotal.Set(float64(len(definitions)))
	}
}

func (c *Controller) audit(rec *storage.AuditRecord) {
	if err := c.store.AppendAudit(rec); err != nil {
		log.WithComponent("controller").Error().Err(err).Str("action", rec.Action).Msg("failed to append audit record")
	}
}

// cloudCall wraps a provider call with a deadline and transient-error
// retries.
func (c *Controller) cloudCall(fn func(context.Context) error) error {
	return retry.Do(
		func() error {
			ctx, cancel := context.WithTimeout(context.Background(), 60*time.Second)
			defer cancel()
			return fn(ctx)
		},
		retry.Delay(1*time.Second),
		retry.Attempts(3),
		retry.RetryIf(errdefs.IsRetryable),
		retry.LastErrorOnly(true),
	)
}

func (c *Controller) applyWorker(workerID string, mutate func(*types.Worker) error) error {
	return storage.RetryOnConflict(func() error {
		w, err := c.store.GetWorker(workerID)
		if err != nil {
			return err
		}
		v := w.CurrentVersion()
		if err := mutate(w); err != nil {
			return err
		}
		return c.store.SaveWorker(w, v)
	})
}

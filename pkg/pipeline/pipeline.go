package pipeline

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/avast/retry-go"

	"github.com/bvandewe/cml-cloud-manager/pkg/artifact"
	"github.com/bvandewe/cml-cloud-manager/pkg/errdefs"
	"github.com/bvandewe/cml-cloud-manager/pkg/labhost"
	"github.com/bvandewe/cml-cloud-manager/pkg/log"
	"github.com/bvandewe/cml-cloud-manager/pkg/metrics"
	"github.com/bvandewe/cml-cloud-manager/pkg/ports"
	"github.com/bvandewe/cml-cloud-manager/pkg/storage"
	"github.com/bvandewe/cml-cloud-manager/pkg/topology"
	"github.com/bvandewe/cml-cloud-manager/pkg/types"
)

const maxConcurrent = 8

// HostClientFactory builds a lab-host client for a worker endpoint.
type HostClientFactory func(endpoint string) labhost.Client

// RetryConfig bounds the per-call retry policy for external I/O.
type RetryConfig struct {
	MaxAttempts uint
	Base        time.Duration
	Cap         time.Duration
}

// DefaultRetry is capped exponential backoff with jitter.
var DefaultRetry = RetryConfig{MaxAttempts: 5, Base: 1 * time.Second, Cap: 30 * time.Second}

// Pipeline drives SCHEDULED instances to RUNNING and STOPPING instances
// to STOPPED. Work items are deduplicated: dispatching an instance
// already in flight is a no-op, so the scheduler can re-dispatch every
// cycle without spawning duplicates.
type Pipeline struct {
	store     storage.Store
	allocator *ports.Allocator
	artifacts *artifact.Store
	hosts     HostClientFactory
	retry     RetryConfig

	mu       sync.Mutex
	inflight map[string]bool

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
	sem    chan struct{}
}

// NewPipeline wires the pipeline. A zero retry config takes DefaultRetry.
func NewPipeline(store storage.Store, allocator *ports.Allocator, artifacts *artifact.Store, hosts HostClientFactory, retryCfg RetryConfig) *Pipeline {
	if retryCfg.MaxAttempts == 0 {
		retryCfg = DefaultRetry
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Pipeline{
		store:     store,
		allocator: allocator,
		artifacts: artifacts,
		hosts:     hosts,
		retry:     retryCfg,
		inflight:  make(map[string]bool),
		ctx:       ctx,
		cancel:    cancel,
		sem:       make(chan struct{}, maxConcurrent),
	}
}

// Stop cancels in-flight work and waits for it to unwind. Aggregates are
// left in their last saved state; a later cycle resumes them.
func (p *Pipeline) Stop() {
	p.cancel()
	p.wg.Wait()
}

// Dispatch queues instantiation for a SCHEDULED instance.
func (p *Pipeline) Dispatch(instanceID string) {
	p.enqueue(instanceID, p.instantiate)
}

// Teardown queues the stop flow for a STOPPING instance.
func (p *Pipeline) Teardown(instanceID string) {
	p.enqueue(instanceID, p.teardown)
}

func (p *Pipeline) enqueue(instanceID string, fn func(string)) {
	p.mu.Lock()
	if p.inflight[instanceID] {
		p.mu.Unlock()
		return
	}
	p.inflight[instanceID] = true
	p.mu.Unlock()

	p.wg.Add(1)
	go func() {
		defer p.wg.Done()
		defer func() {
			p.mu.Lock()
			delete(p.inflight, instanceID)
			p.mu.Unlock()
		}()
		select {
		case p.sem <- struct{}{}:
			defer func() { <-p.sem }()
		case <-p.ctx.Done():
			return
		}
		fn(instanceID)
	}()
}

// instantiate runs the five pipeline stages: allocate ports, fetch and
// verify the artifact, rewrite placeholders, import, start. Transient
// failures retry with capped backoff; a terminal failure releases ports
// and capacity in the same save that terminates the instance.
func (p *Pipeline) instantiate(instanceID string) {
	start := time.Now()
	logger := log.WithInstanceID(instanceID)

	inst, err := p.store.GetInstance(instanceID)
	if err != nil {
		logger.Error().Err(err).Msg("instantiation aborted: instance unavailable")
		return
	}
	if inst.State != types.InstanceScheduled {
		return
	}
	def, err := p.store.GetDefinition(inst.DefinitionID)
	if err != nil {
		logger.Error().Err(err).Msg("instantiation aborted: definition unavailable")
		return
	}
	worker, err := p.store.GetWorker(inst.WorkerID)
	if err != nil {
		logger.Error().Err(err).Msg("instantiation aborted: worker unavailable")
		return
	}

	allocated, err := p.bindPorts(inst, def, worker)
	if err != nil {
		p.fail(instanceID, inst.WorkerID, fmt.Errorf("port allocation: %w", err))
		return
	}

	doc, err := p.fetchArtifact(def)
	if err != nil {
		p.fail(instanceID, inst.WorkerID, fmt.Errorf("artifact fetch: %w", err))
		return
	}

	rewritten, err := topology.Rewrite(doc, allocated)
	if err != nil {
		p.fail(instanceID, inst.WorkerID, fmt.Errorf("topology rewrite: %w", err))
		return
	}

	host := p.hosts(worker.PublicEndpoint)
	labID, err := p.importLab(host, rewritten, def, inst)
	if err != nil {
		p.fail(instanceID, inst.WorkerID, fmt.Errorf("lab import: %w", err))
		return
	}

	if err := p.withRetry(func() error { return host.StartLab(p.ctx, labID) }); err != nil {
		// Best effort: do not leave a half-imported lab on the host.
		_ = host.DeleteLab(p.ctx, labID)
		p.fail(instanceID, inst.WorkerID, fmt.Errorf("lab start: %w", err))
		return
	}

	if err := p.applyInstance(instanceID, func(i *types.LabletInstance) error {
		return i.MarkRunning(labID)
	}); err != nil {
		logger.Error().Err(err).Msg("failed to record running state")
		return
	}

	metrics.InstantiationDuration.Observe(time.Since(start).Seconds())
	logger.Info().
		Str("lab_id", labID).
		Str("worker_id", worker.ID).
		Dur("took", time.Since(start)).
		Msg("instance running")
}

// bindPorts allocates ports, records them on the worker aggregate and
// transitions the instance to INSTANTIATING. Re-running after a crash is
// safe: the allocator returns the held mapping and the instance only
// transitions once.
func (p *Pipeline) bindPorts(inst *types.LabletInstance, def *types.LabletDefinition, worker *types.Worker) (map[string]int, error) {
	portRange := worker.PortRange
	allocated, err := p.allocator.Allocate(worker.ID, inst.ID, def.PortTemplate, portRange)
	if err != nil {
		return nil, err
	}

	err = storage.RetryOnConflict(func() error {
		w, err := p.store.GetWorker(worker.ID)
		if err != nil {
			return err
		}
		v := w.CurrentVersion()
		if err := w.AddPortAllocation(inst.ID, allocated, time.Now()); err != nil {
			if errors.Is(err, errdefs.ErrInvalidArgument) {
				// Already recorded by a previous attempt.
				return nil
			}
			return err
		}
		return p.store.SaveWorker(w, v)
	})
	if err != nil {
		return nil, err
	}

	err = p.applyInstance(inst.ID, func(i *types.LabletInstance) error {
		if i.State == types.InstanceInstantiating {
			return nil
		}
		return i.BeginInstantiation(allocated)
	})
	if err != nil {
		return nil, err
	}
	return allocated, nil
}

func (p *Pipeline) fetchArtifact(def *types.LabletDefinition) ([]byte, error) {
	var doc []byte
	err := p.withRetry(func() error {
		var err error
		doc, err = p.artifacts.Fetch(p.ctx, def.ArtifactURI, def.TopologyHash)
		return err
	})
	return doc, err
}

func (p *Pipeline) importLab(host labhost.Client, doc []byte, def *types.LabletDefinition, inst *types.LabletInstance) (string, error) {
	var labID string
	err := p.withRetry(func() error {
		var err error
		labID, err = host.ImportLab(p.ctx, doc, fmt.Sprintf("%s-%s", def.Name, inst.ID))
		return err
	})
	return labID, err
}

// teardown stops, wipes and deletes the instance's lab, then releases its
// worker resources and marks it STOPPED.
func (p *Pipeline) teardown(instanceID string) {
	logger := log.WithInstanceID(instanceID)

	inst, err := p.store.GetInstance(instanceID)
	if err != nil {
		logger.Error().Err(err).Msg("teardown aborted: instance unavailable")
		return
	}
	if inst.State != types.InstanceStopping {
		return
	}

	if inst.LabID != "" && inst.WorkerID != "" {
		worker, err := p.store.GetWorker(inst.WorkerID)
		if err == nil && worker.PublicEndpoint != "" {
			host := p.hosts(worker.PublicEndpoint)
			if err := p.withRetry(func() error { return host.StopLab(p.ctx, inst.LabID) }); err != nil && !errors.Is(err, errdefs.ErrNotFound) {
				logger.Warn().Err(err).Msg("failed to stop lab on host")
			}
			if err := p.withRetry(func() error { return host.WipeLab(p.ctx, inst.LabID) }); err != nil && !errors.Is(err, errdefs.ErrNotFound) {
				logger.Warn().Err(err).Msg("failed to wipe lab on host")
			}
			if err := host.DeleteLab(p.ctx, inst.LabID); err != nil && !errors.Is(err, errdefs.ErrNotFound) {
				logger.Warn().Err(err).Msg("failed to delete lab on host")
			}
		}
	}

	if err := p.applyInstance(instanceID, func(i *types.LabletInstance) error {
		return i.MarkStopped()
	}); err != nil {
		logger.Error().Err(err).Msg("failed to record stopped state")
		return
	}
	if inst.WorkerID != "" {
		p.releaseWorkerResources(inst.WorkerID, instanceID)
	}
	logger.Info().Msg("instance stopped")
}

// fail terminates the instance with the error as reason and releases its
// resources.
func (p *Pipeline) fail(instanceID, workerID string, cause error) {
	metrics.InstantiationsFailed.Inc()
	logger := log.WithInstanceID(instanceID)
	logger.Error().Err(cause).Msg("instantiation failed")

	if err := p.applyInstance(instanceID, func(i *types.LabletInstance) error {
		if i.IsTerminal() {
			return nil
		}
		return i.Terminate(cause.Error())
	}); err != nil {
		logger.Error().Err(err).Msg("failed to terminate instance")
		return
	}
	if workerID != "" {
		p.releaseWorkerResources(workerID, instanceID)
	}
}

func (p *Pipeline) releaseWorkerResources(workerID, instanceID string) {
	err := storage.RetryOnConflict(func() error {
		w, err := p.store.GetWorker(workerID)
		if errors.Is(err, errdefs.ErrNotFound) {
			return nil
		}
		if err != nil {
			return err
		}
		v := w.CurrentVersion()
		w.ReleaseCapacity(instanceID)
		w.RemovePortAllocation(instanceID)
		return p.store.SaveWorker(w, v)
	})
	if err != nil {
		log.WithWorkerID(workerID).Error().Err(err).Msg("failed to release worker resources")
	}
	if err := p.allocator.Release(workerID, instanceID); err != nil {
		log.WithWorkerID(workerID).Error().Err(err).Msg("failed to release port allocation")
	}
}

// withRetry applies the capped exponential backoff policy to one external
// call, retrying only errors classified transient.
func (p *Pipeline) withRetry(fn func() error) error {
	return retry.Do(
		fn,
		retry.Context(p.ctx),
		retry.Attempts(p.retry.MaxAttempts),
		retry.Delay(p.retry.Base),
		retry.MaxDelay(p.retry.Cap),
		retry.MaxJitter(p.retry.Base/5),
		retry.DelayType(retry.CombineDelay(retry.BackOffDelay, retry.RandomDelay)),
		retry.RetryIf(errdefs.IsRetryable),
		retry.LastErrorOnly(true),
	)
}

func (p *Pipeline) applyInstance(instanceID string, mutate func(*types.LabletInstance) error) error {
	return storage.RetryOnConflict(func() error {
		inst, err := p.store.GetInstance(instanceID)
		if err != nil {
			return err
		}
		v := inst.CurrentVersion()
		if err := mutate(inst); err != nil {
			return err
		}
		return p.store.SaveInstance(inst, v)
	})
}

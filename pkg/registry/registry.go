package registry

import (
	"context"
	"fmt"
	"os"
	"path/filepath"

	"github.com/spf13/afero"

	"github.com/bvandewe/cml-cloud-manager/pkg/artifact"
	"github.com/bvandewe/cml-cloud-manager/pkg/cloud"
	"github.com/bvandewe/cml-cloud-manager/pkg/cloudevent"
	"github.com/bvandewe/cml-cloud-manager/pkg/config"
	"github.com/bvandewe/cml-cloud-manager/pkg/controller"
	"github.com/bvandewe/cml-cloud-manager/pkg/coordination"
	"github.com/bvandewe/cml-cloud-manager/pkg/events"
	"github.com/bvandewe/cml-cloud-manager/pkg/labhost"
	"github.com/bvandewe/cml-cloud-manager/pkg/log"
	"github.com/bvandewe/cml-cloud-manager/pkg/pipeline"
	"github.com/bvandewe/cml-cloud-manager/pkg/ports"
	"github.com/bvandewe/cml-cloud-manager/pkg/scheduler"
	"github.com/bvandewe/cml-cloud-manager/pkg/sse"
	"github.com/bvandewe/cml-cloud-manager/pkg/storage"
	"github.com/bvandewe/cml-cloud-manager/pkg/types"
)

// Service assembles every component of one manager node and owns their
// startup and shutdown order.
type Service struct {
	Config    *config.Config
	Bus       *events.Bus
	Store     storage.Store
	BoltStore *storage.BoltStore
	Coord     *coordination.Store
	Allocator *ports.Allocator
	Artifacts *artifact.Store
	Provider  cloud.Provider
	Templates map[string]*types.WorkerTemplate

	SchedElector *coordination.Elector
	CtrlElector  *coordination.Elector
	Scheduler    *scheduler.Scheduler
	Controller   *controller.Controller
	Pipeline     *pipeline.Pipeline
	Relay        *sse.Relay
	Publisher    *cloudevent.Publisher
	Router       *cloudevent.Router
}

// New wires a node from configuration. The caller owns Start/Shutdown.
func New(ctx context.Context, cfg *config.Config, nodeID string) (*Service, error) {
	if err := os.MkdirAll(cfg.DataDir, 0o755); err != nil {
		return nil, fmt.Errorf("failed to create data directory: %w", err)
	}

	bus := events.NewBus()

	boltStore, err := storage.NewBoltStore(cfg.DataDir, bus)
	if err != nil {
		return nil, err
	}
	coord, err := coordination.Open(cfg.DataDir)
	if err != nil {
		boltStore.Close()
		return nil, err
	}

	osFs := afero.NewOsFs()
	artifacts, err := artifact.NewStore(osFs, filepath.Join(cfg.DataDir, "artifacts"))
	if err != nil {
		boltStore.Close()
		coord.Close()
		return nil, err
	}

	templateList, err := cfg.Templates(osFs)
	if err != nil {
		boltStore.Close()
		coord.Close()
		return nil, err
	}
	templates := make(map[string]*types.WorkerTemplate, len(templateList))
	for i := range templateList {
		templates[templateList[i].Name] = &templateList[i]
	}

	var provider cloud.Provider
	if cfg.Cloud.DryRun {
		provider = cloud.NewFake()
	} else {
		provider, err = cloud.NewEC2Provider(ctx, cfg.Cloud.Region)
		if err != nil {
			boltStore.Close()
			coord.Close()
			return nil, err
		}
	}

	allocator := ports.NewAllocator(coord)
	hosts := func(endpoint string) labhost.Client {
		return labhost.NewHTTPClient(endpoint, cfg.LabHost.Token)
	}

	pipe := pipeline.NewPipeline(boltStore, allocator, artifacts, hosts, pipeline.RetryConfig{
		MaxAttempts: uint(cfg.Retry.MaxAttempts),
		Base:        cfg.Retry.Base,
		Cap:         cfg.Retry.Cap,
	})

	schedElector := coordination.NewElector(coord, scheduler.LeaseName, nodeID, cfg.Leader.LeaseTTL)
	ctrlElector := coordination.NewElector(coord, controller.LeaseName, nodeID, cfg.Leader.LeaseTTL)

	sched := scheduler.NewScheduler(boltStore, coord, schedElector, allocator, pipe, bus, templates, scheduler.Config{
		Interval:             cfg.Scheduler.Interval,
		LeadTime:             cfg.Scheduler.LeadTime,
		InstantiationTimeout: cfg.Scheduler.InstantiationTimeout,
	})
	ctrl := controller.NewController(boltStore, coord, ctrlElector, provider, allocator, hosts, bus, templates, controller.Config{
		Interval:         cfg.Controller.Interval,
		ScaleDownGrace:   cfg.Controller.ScaleDownGrace,
		MinWarm:          cfg.Controller.MinWarm,
		AuditRetention:   cfg.Controller.AuditRetention,
		DefaultPortRange: cfg.DefaultPortRange(),
	})

	relay := sse.NewRelay(bus, cfg.SSE.QueueDepth, cfg.SSE.HeartbeatInterval)
	publisher, err := cloudevent.NewPublisher(bus, cfg.CloudEvents.SinkURL, cfg.CloudEvents.Source)
	if err != nil {
		boltStore.Close()
		coord.Close()
		return nil, err
	}
	router := cloudevent.NewRouter(boltStore, coord, cfg.CloudEvents.DedupTTL)

	return &Service{
		Config:       cfg,
		Bus:          bus,
		Store:        boltStore,
		BoltStore:    boltStore,
		Coord:        coord,
		Allocator:    allocator,
		Artifacts:    artifacts,
		Provider:     provider,
		Templates:    templates,
		SchedElector: schedElector,
		CtrlElector:  ctrlElector,
		Scheduler:    sched,
		Controller:   ctrl,
		Pipeline:     pipe,
		Relay:        relay,
		Publisher:    publisher,
		Router:       router,
	}, nil
}

// Start brings the node up: bus first so no save can publish into the
// void, consumers next, leased loops last.
func (s *Service) Start() {
	s.Bus.Start()
	s.Relay.Start()
	if s.Publisher != nil {
		s.Publisher.Start()
	}
	s.SchedElector.Start()
	s.CtrlElector.Start()
	s.Scheduler.Start()
	s.Controller.Start()
	log.WithComponent("registry").Info().Msg("manager node started")
}

// Shutdown unwinds in reverse: stop the leased loops and in-flight
// pipelines, release the leases, announce shutdown to subscribers, then
// drain the bus and close the stores.
func (s *Service) Shutdown() {
	s.Scheduler.Stop()
	s.Controller.Stop()
	s.Pipeline.Stop()
	s.SchedElector.Stop()
	s.CtrlElector.Stop()
	if s.Publisher != nil {
		s.Publisher.Stop()
	}
	s.Relay.Stop()
	s.Bus.Stop()
	if err := s.Coord.Close(); err != nil {
		log.WithComponent("registry").Error().Err(err).Msg("failed to close coordination store")
	}
	if err := s.Store.Close(); err != nil {
		log.WithComponent("registry").Error().Err(err).Msg("failed to close store")
	}
	log.WithComponent("registry").Info().Msg("manager node stopped")
}

package registry

import (
	"context"
	"time"

	"github.com/google/uuid"

	"github.com/bvandewe/cml-cloud-manager/pkg/artifact"
	"github.com/bvandewe/cml-cloud-manager/pkg/log"
	"github.com/bvandewe/cml-cloud-manager/pkg/storage"
	"github.com/bvandewe/cml-cloud-manager/pkg/topology"
	"github.com/bvandewe/cml-cloud-manager/pkg/types"
)

// DefinitionParams are the inputs for a new lablet definition.
type DefinitionParams struct {
	Name            string
	Version         string
	ArtifactURI     string
	Requirements    types.Capacity
	LicenseAffinity []types.LicenseType
	PortTemplate    []types.PortPlaceholder
	AMIPattern      string
}

// CreateDefinition registers a DRAFT definition.
func (s *Service) CreateDefinition(params DefinitionParams) (*types.LabletDefinition, error) {
	def, err := types.NewLabletDefinition(
		uuid.New().String(),
		params.Name,
		params.Version,
		params.ArtifactURI,
		params.Requirements,
		params.LicenseAffinity,
		params.PortTemplate,
		params.AMIPattern,
	)
	if err != nil {
		return nil, err
	}
	if err := s.Store.SaveDefinition(def, 0); err != nil {
		return nil, err
	}
	log.WithDefinitionID(def.ID).Info().Str("name", def.Name).Msg("definition created")
	return def, nil
}

// SyncArtifact fetches the definition's topology, validates its
// placeholders against the port template and records the content hash.
func (s *Service) SyncArtifact(ctx context.Context, definitionID string) error {
	def, err := s.Store.GetDefinition(definitionID)
	if err != nil {
		return err
	}
	doc, err := s.Artifacts.Fetch(ctx, def.ArtifactURI, "")
	if err != nil {
		return err
	}
	if err := topology.Validate(doc, def.PortTemplate); err != nil {
		return err
	}
	hash := artifact.Hash(doc)

	return storage.RetryOnConflict(func() error {
		def, err := s.Store.GetDefinition(definitionID)
		if err != nil {
			return err
		}
		v := def.CurrentVersion()
		if err := def.MarkArtifactSynced(hash); err != nil {
			return err
		}
		return s.Store.SaveDefinition(def, v)
	})
}

// PublishDefinition makes the definition reservable.
func (s *Service) PublishDefinition(definitionID string) error {
	return s.applyDefinition(definitionID, func(d *types.LabletDefinition) error {
		return d.Publish()
	})
}

// DeprecateDefinition retires the definition; existing instances finish
// their lifecycle.
func (s *Service) DeprecateDefinition(definitionID string) error {
	return s.applyDefinition(definitionID, func(d *types.LabletDefinition) error {
		return d.Deprecate()
	})
}

// CreateInstance reserves a lablet for a timeslot. The instance starts
// PENDING and waits for the scheduler.
func (s *Service) CreateInstance(definitionID, ownerID string, start, end *time.Time) (*types.LabletInstance, error) {
	def, err := s.Store.GetDefinition(definitionID)
	if err != nil {
		return nil, err
	}
	inst, err := types.NewLabletInstance(uuid.New().String(), def, ownerID, start, end)
	if err != nil {
		return nil, err
	}
	if err := s.Store.SaveInstance(inst, 0); err != nil {
		return nil, err
	}
	log.WithInstanceID(inst.ID).Info().
		Str("definition_id", definitionID).
		Str("owner_id", ownerID).
		Msg("instance reserved")
	return inst, nil
}

// RequestCollection moves a running instance into traffic collection.
func (s *Service) RequestCollection(instanceID string) error {
	return s.applyInstance(instanceID, func(i *types.LabletInstance) error {
		return i.BeginCollection()
	})
}

// StopInstance requests the stop flow for a running instance.
func (s *Service) StopInstance(instanceID, reason string) error {
	return s.applyInstance(instanceID, func(i *types.LabletInstance) error {
		return i.RequestStop(reason)
	})
}

// ArchiveInstance retires a stopped instance.
func (s *Service) ArchiveInstance(instanceID, reason string) error {
	return s.applyInstance(instanceID, func(i *types.LabletInstance) error {
		return i.Archive(reason)
	})
}

// TerminateInstance is the administrative abort from any live state. The
// scheduler's repair pass releases worker resources on the next cycle;
// this call releases them immediately when the binding is known.
func (s *Service) TerminateInstance(instanceID, reason string) error {
	inst, err := s.Store.GetInstance(instanceID)
	if err != nil {
		return err
	}
	if err := s.applyInstance(instanceID, func(i *types.LabletInstance) error {
		return i.Terminate(reason)
	}); err != nil {
		return err
	}
	if inst.WorkerID != "" {
		if err := storage.RetryOnConflict(func() error {
			w, err := s.Store.GetWorker(inst.WorkerID)
			if err != nil {
				return err
			}
			v := w.CurrentVersion()
			w.ReleaseCapacity(instanceID)
			w.RemovePortAllocation(instanceID)
			return s.Store.SaveWorker(w, v)
		}); err != nil {
			return err
		}
		if err := s.Allocator.Release(inst.WorkerID, instanceID); err != nil {
			return err
		}
	}
	return nil
}

// DrainWorker is the operator's manual drain.
func (s *Service) DrainWorker(workerID, reason string) error {
	return s.applyWorker(workerID, func(w *types.Worker) error {
		return w.StartDrain(time.Now(), reason)
	})
}

// CancelDrain returns a draining worker to service. The save's version
// check settles a race with a concurrent force-stop: whichever write
// lands first wins.
func (s *Service) CancelDrain(workerID string) error {
	w, err := s.Store.GetWorker(workerID)
	if err != nil {
		return err
	}
	v := w.CurrentVersion()
	if err := w.CancelDrain(); err != nil {
		return err
	}
	return s.Store.SaveWorker(w, v)
}

// TerminateWorker is the administrative retirement of a worker VM.
func (s *Service) TerminateWorker(ctx context.Context, workerID, reason string) error {
	w, err := s.Store.GetWorker(workerID)
	if err != nil {
		return err
	}
	if err := s.applyWorker(workerID, func(w *types.Worker) error {
		return w.Terminate(reason)
	}); err != nil {
		return err
	}
	if w.ProviderInstanceID != "" {
		if err := s.Provider.Terminate(ctx, w.ProviderInstanceID); err != nil {
			log.WithWorkerID(workerID).Error().Err(err).Msg("cloud terminate failed")
		}
	}
	if err := s.Allocator.Forget(workerID); err != nil {
		log.WithWorkerID(workerID).Error().Err(err).Msg("failed to drop port allocations")
	}
	s.audit(&storage.AuditRecord{
		Timestamp:   time.Now(),
		Action:      "terminate",
		WorkerID:    workerID,
		Template:    w.TemplateName,
		Reason:      reason,
		TriggeredBy: "operator",
	})
	return nil
}

func (s *Service) audit(rec *storage.AuditRecord) {
	if err := s.Store.AppendAudit(rec); err != nil {
		log.WithComponent("registry").Error().Err(err).Str("action", rec.Action).Msg("failed to append audit record")
	}
}

func (s *Service) applyDefinition(id string, mutate func(*types.LabletDefinition) error) error {
	return storage.RetryOnConflict(func() error {
		def, err := s.Store.GetDefinition(id)
		if err != nil {
			return err
		}
		v := def.CurrentVersion()
		if err := mutate(def); err != nil {
			return err
		}
		return s.Store.SaveDefinition(def, v)
	})
}

func (s *Service) applyInstance(id string, mutate func(*types.LabletInstance) error) error {
	return storage.RetryOnConflict(func() error {
		inst, err := s.Store.GetInstance(id)
		if err != nil {
			return err
		}
		v := inst.CurrentVersion()
		if err := mutate(inst); err != nil {
			return err
		}
		return s.Store.SaveInstance(inst, v)
	})
}

func (s *Service) applyWorker(id string, mutate func(*types.Worker) error) error {
	return storage.RetryOnConflict(func() error {
		w, err := s.Store.GetWorker(id)
		if err != nil {
			return err
		}
		v := w.CurrentVersion()
		if err := mutate(w); err != nil {
			return err
		}
		return s.Store.SaveWorker(w, v)
	})
}

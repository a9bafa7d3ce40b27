package types

import (
	"time"

	"github.com/Masterminds/semver/v3"

	"github.com/bvandewe/cml-cloud-manager/pkg/errdefs"
	"github.com/bvandewe/cml-cloud-manager/pkg/events"
)

// DefinitionStatus represents the lifecycle state of a lablet definition
type DefinitionStatus string

const (
	DefinitionDraft      DefinitionStatus = "DRAFT"
	DefinitionPublished  DefinitionStatus = "PUBLISHED"
	DefinitionDeprecated DefinitionStatus = "DEPRECATED"
)

// LabletDefinition is the immutable template a reservation instantiates:
// a lab topology artifact plus the resources and ports it needs. Only
// administrative commands mutate it, and only along
// DRAFT -> PUBLISHED -> DEPRECATED.
type LabletDefinition struct {
	Aggregate

	ID              string            `json:"id"`
	Name            string            `json:"name"`
	DefVersion      string            `json:"def_version"`
	ArtifactURI     string            `json:"artifact_uri"`
	TopologyHash    string            `json:"topology_hash"`
	Requirements    Capacity          `json:"resource_requirements"`
	LicenseAffinity []LicenseType     `json:"license_affinity"`
	PortTemplate    []PortPlaceholder `json:"port_template"`
	AMIPattern      string            `json:"ami_pattern"`
	Status          DefinitionStatus  `json:"status"`
	ArtifactSynced  bool              `json:"artifact_synced"`
	CreatedAt       time.Time         `json:"created_at"`
	UpdatedAt       time.Time         `json:"updated_at"`
}

// NewLabletDefinition creates a DRAFT definition. The version must parse as
// semver and the port template placeholder names must be unique.
func NewLabletDefinition(id, name, version, artifactURI string, requirements Capacity, affinity []LicenseType, ports []PortPlaceholder, amiPattern string) (*LabletDefinition, error) {
	if id == "" || name == "" {
		return nil, errdefs.InvalidArgument("definition id and name are required")
	}
	if _, err := semver.NewVersion(version); err != nil {
		return nil, errdefs.InvalidArgument("definition version %q is not semver: %v", version, err)
	}
	seen := make(map[string]bool, len(ports))
	for _, p := range ports {
		if p.Name == "" {
			return nil, errdefs.InvalidArgument("port placeholder names must be non-empty")
		}
		if seen[p.Name] {
			return nil, errdefs.InvalidArgument("duplicate port placeholder %q", p.Name)
		}
		seen[p.Name] = true
	}
	now := time.Now()
	d := &LabletDefinition{
		ID:              id,
		Name:            name,
		DefVersion:      version,
		ArtifactURI:     artifactURI,
		Requirements:    requirements,
		LicenseAffinity: affinity,
		PortTemplate:    ports,
		AMIPattern:      amiPattern,
		Status:          DefinitionDraft,
		CreatedAt:       now,
		UpdatedAt:       now,
	}
	d.Record(events.EventDefinitionCreated, id, "definition created", map[string]string{
		"name": name, "version": version,
	})
	return d, nil
}

// MarkArtifactSynced records that the artifact blob landed in the object
// store with the given content hash.
func (d *LabletDefinition) MarkArtifactSynced(topologyHash string) error {
	if d.Status == DefinitionDeprecated {
		return errdefs.InvalidTransition("definition "+d.ID, string(d.Status), "artifact sync")
	}
	d.TopologyHash = topologyHash
	d.ArtifactSynced = true
	d.UpdatedAt = time.Now()
	return nil
}

// Publish moves DRAFT -> PUBLISHED once the artifact is synced.
func (d *LabletDefinition) Publish() error {
	if d.Status != DefinitionDraft {
		return errdefs.InvalidTransition("definition "+d.ID, string(d.Status), string(DefinitionPublished))
	}
	if !d.ArtifactSynced {
		return errdefs.InvalidArgument("definition %s cannot publish before artifact sync", d.ID)
	}
	d.Status = DefinitionPublished
	d.UpdatedAt = time.Now()
	d.Record(events.EventDefinitionPublished, d.ID, "definition published", nil)
	return nil
}

// Deprecate moves the definition to its terminal state.
func (d *LabletDefinition) Deprecate() error {
	if d.Status == DefinitionDeprecated {
		return errdefs.InvalidTransition("definition "+d.ID, string(d.Status), string(DefinitionDeprecated))
	}
	d.Status = DefinitionDeprecated
	d.UpdatedAt = time.Now()
	d.Record(events.EventDefinitionDeprecated, d.ID, "definition deprecated", nil)
	return nil
}

// AcceptsLicense reports whether the definition may run under lic.
func (d *LabletDefinition) AcceptsLicense(lic LicenseType) bool {
	for _, l := range d.LicenseAffinity {
		if l == lic {
			return true
		}
	}
	return false
}

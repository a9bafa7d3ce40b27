package cloud

import (
	"context"
)

// VMState is the provider-side lifecycle state of a worker VM
type VMState string

const (
	VMPending    VMState = "pending"
	VMRunning    VMState = "running"
	VMStopping   VMState = "stopping"
	VMStopped    VMState = "stopped"
	VMTerminated VMState = "terminated"
	VMUnknown    VMState = "unknown"
)

// VM describes a provider instance
type VM struct {
	ProviderID      string
	State           VMState
	PublicEndpoint  string
	PrivateEndpoint string
}

// CreateRequest asks the provider for one worker VM
type CreateRequest struct {
	Name         string
	InstanceType string
	Region       string
	AMIPattern   string
	Tags         map[string]string
}

// Provider abstracts the cloud's VM lifecycle. Implementations classify
// failures as errdefs.ErrExternalTransient (throttling, 5xx, network) or
// errdefs.ErrExternalPermanent (bad configuration, 4xx) so callers know
// whether to retry.
type Provider interface {
	Create(ctx context.Context, req CreateRequest) (*VM, error)
	Start(ctx context.Context, providerID string) error
	Stop(ctx context.Context, providerID string) error
	Terminate(ctx context.Context, providerID string) error
	Describe(ctx context.Context, providerID string) (*VM, error)
}

package cloud

import (
	"context"
	"fmt"
	"sync"

	"github.com/bvandewe/cml-cloud-manager/pkg/errdefs"
)

// Fake is an in-memory Provider used by tests and by dry-run mode. State
// transitions are instantaneous: Create yields a running VM unless the
// test overrides the state with SetState.
type Fake struct {
	mu      sync.Mutex
	nextID  int
	vms     map[string]*VM
	fail    map[string]error
	Created []CreateRequest
}

// NewFake builds an empty fake provider.
func NewFake() *Fake {
	return &Fake{
		vms:  make(map[string]*VM),
		fail: make(map[string]error),
	}
}

// FailNext makes the named operation ("create", "start", "stop",
// "terminate", "describe") return err once.
func (f *Fake) FailNext(op string, err error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.fail[op] = err
}

func (f *Fake) take(op string) error {
	if err, ok := f.fail[op]; ok {
		delete(f.fail, op)
		return err
	}
	return nil
}

func (f *Fake) Create(_ context.Context, req CreateRequest) (*VM, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.take("create"); err != nil {
		return nil, err
	}
	f.nextID++
	id := fmt.Sprintf("i-fake%06d", f.nextID)
	vm := &VM{
		ProviderID:      id,
		State:           VMRunning,
		PublicEndpoint:  fmt.Sprintf("%s.example.com", id),
		PrivateEndpoint: fmt.Sprintf("10.0.0.%d", f.nextID%250+1),
	}
	f.vms[id] = vm
	f.Created = append(f.Created, req)
	clone := *vm
	return &clone, nil
}

func (f *Fake) Start(_ context.Context, providerID string) error {
	return f.setState("start", providerID, VMRunning)
}

func (f *Fake) Stop(_ context.Context, providerID string) error {
	return f.setState("stop", providerID, VMStopped)
}

func (f *Fake) Terminate(_ context.Context, providerID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.take("terminate"); err != nil {
		return err
	}
	if vm, ok := f.vms[providerID]; ok {
		vm.State = VMTerminated
	}
	return nil
}

func (f *Fake) Describe(_ context.Context, providerID string) (*VM, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.take("describe"); err != nil {
		return nil, err
	}
	vm, ok := f.vms[providerID]
	if !ok {
		return nil, errdefs.NotFound("instance", providerID)
	}
	clone := *vm
	return &clone, nil
}

// SetState overrides a VM's state, used to simulate provider-side drift.
func (f *Fake) SetState(providerID string, state VMState) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if vm, ok := f.vms[providerID]; ok {
		vm.State = state
	}
}

func (f *Fake) setState(op, providerID string, state VMState) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.take(op); err != nil {
		return err
	}
	vm, ok := f.vms[providerID]
	if !ok {
		return errdefs.NotFound("instance", providerID)
	}
	vm.State = state
	return nil
}

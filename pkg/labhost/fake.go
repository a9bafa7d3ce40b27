package labhost

import (
	"context"
	"fmt"
	"sync"

	"github.com/bvandewe/cml-cloud-manager/pkg/errdefs"
)

// LabState tracks a fake lab through its host-side lifecycle.
type LabState string

const (
	LabDefined LabState = "DEFINED"
	LabStarted LabState = "STARTED"
	LabStopped LabState = "STOPPED"
	LabWiped   LabState = "WIPED"
)

// FakeHost is an in-memory Client for tests.
type FakeHost struct {
	mu     sync.Mutex
	nextID int
	labs   map[string]LabState
	fail   map[string]error
}

func NewFakeHost() *FakeHost {
	return &FakeHost{
		labs: make(map[string]LabState),
		fail: make(map[string]error),
	}
}

// FailNext makes the named operation ("import", "start", "stop", "wipe",
// "delete", "ready") return err once.
func (f *FakeHost) FailNext(op string, err error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.fail[op] = err
}

func (f *FakeHost) take(op string) error {
	if err, ok := f.fail[op]; ok {
		delete(f.fail, op)
		return err
	}
	return nil
}

// LabCount returns how many labs the host currently holds.
func (f *FakeHost) LabCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.labs)
}

// State returns the fake lab's current lifecycle state.
func (f *FakeHost) State(labID string) (LabState, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	s, ok := f.labs[labID]
	return s, ok
}

func (f *FakeHost) ImportLab(_ context.Context, _ []byte, _ string) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.take("import"); err != nil {
		return "", err
	}
	f.nextID++
	id := fmt.Sprintf("lab-%04d", f.nextID)
	f.labs[id] = LabDefined
	return id, nil
}

func (f *FakeHost) StartLab(_ context.Context, labID string) error {
	return f.setState("start", labID, LabStarted)
}

func (f *FakeHost) StopLab(_ context.Context, labID string) error {
	return f.setState("stop", labID, LabStopped)
}

func (f *FakeHost) WipeLab(_ context.Context, labID string) error {
	return f.setState("wipe", labID, LabWiped)
}

func (f *FakeHost) DeleteLab(_ context.Context, labID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.take("delete"); err != nil {
		return err
	}
	if _, ok := f.labs[labID]; !ok {
		return errdefs.NotFound("lab", labID)
	}
	delete(f.labs, labID)
	return nil
}

func (f *FakeHost) Ready(_ context.Context) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.take("ready")
}

func (f *FakeHost) setState(op, labID string, state LabState) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.take(op); err != nil {
		return err
	}
	if _, ok := f.labs[labID]; !ok {
		return errdefs.NotFound("lab", labID)
	}
	f.labs[labID] = state
	return nil
}

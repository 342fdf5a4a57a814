package main

import (
	"context"
	"sync"

	"go.uber.org/zap"

	"github.com/jbweber/kiln/internal/cloud"
	"github.com/jbweber/kiln/internal/config"
	"github.com/jbweber/kiln/internal/hypervisor"
)

// fakeHypervisor serves the read-only verbs the commands use from a fixed
// pool. Calling any other verb panics through the nil embedded interface.
type fakeHypervisor struct {
	cloud.Hypervisor

	mu        sync.Mutex
	vms       map[string]hypervisor.VM
	states    map[string]hypervisor.PowerState
	networks  map[string]map[string]string
	pingErr   error
	templates map[string]bool
}

func newFakeHypervisor(vms ...hypervisor.VM) *fakeHypervisor {
	f := &fakeHypervisor{
		vms:       make(map[string]hypervisor.VM),
		states:    make(map[string]hypervisor.PowerState),
		networks:  make(map[string]map[string]string),
		templates: make(map[string]bool),
	}
	for _, vm := range vms {
		f.vms[vm.ID] = vm
		f.states[vm.ID] = hypervisor.PowerStateRunning
	}
	return f
}

func (f *fakeHypervisor) Ping(context.Context) error {
	return f.pingErr
}

func (f *fakeHypervisor) GetVM(_ context.Context, id string) (hypervisor.VM, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	vm, ok := f.vms[id]
	if !ok {
		return hypervisor.VM{}, hypervisor.NotFoundError("VM", id)
	}
	return vm, nil
}

func (f *fakeHypervisor) ListVMs(context.Context) ([]hypervisor.VM, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	vms := make([]hypervisor.VM, 0, len(f.vms))
	for _, vm := range f.vms {
		vms = append(vms, vm)
	}
	return vms, nil
}

func (f *fakeHypervisor) PowerState(_ context.Context, id string) (hypervisor.PowerState, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	state, ok := f.states[id]
	if !ok {
		return hypervisor.PowerStateUnknown, hypervisor.NotFoundError("VM", id)
	}
	return state, nil
}

func (f *fakeHypervisor) GuestNetworks(_ context.Context, id string) (map[string]string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.networks[id], nil
}

func (f *fakeHypervisor) SetIsTemplate(_ context.Context, id string, isTemplate bool) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	vm, ok := f.vms[id]
	if !ok {
		return hypervisor.NotFoundError("VM", id)
	}
	vm.IsTemplate = isTemplate
	f.vms[id] = vm
	f.templates[id] = isTemplate
	return nil
}

func (f *fakeHypervisor) remove(id string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.vms, id)
	delete(f.states, id)
}

func (f *fakeHypervisor) setState(id string, state hypervisor.PowerState) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.states[id] = state
}

// dialer returns a dialFunc handing out f and counting closes.
func (f *fakeHypervisor) dialer(closed *int) dialFunc {
	return func(context.Context, *config.Config, *zap.Logger) (cloud.Hypervisor, func() error, error) {
		return f, func() error {
			*closed++
			return nil
		}, nil
	}
}

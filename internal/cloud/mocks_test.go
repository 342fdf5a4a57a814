package cloud

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/jbweber/kiln/api/v1alpha1"
	"github.com/jbweber/kiln/internal/hypervisor"
)

// fakeVM is one VM of the fake pool.
type fakeVM struct {
	vm       hypervisor.VM
	state    hypervisor.PowerState
	networks map[string]string
	disks    []hypervisor.Disk
	isos     [][]byte
}

// fakePool is an in-memory hypervisor pool implementing Hypervisor.
//
// Clones get ids from nextIDs first, then "vm-<n>". Each clone gets one
// owned disk and shares the template's cdrom. Func hooks override a verb
// when set; every call is recorded under the mutex.
type fakePool struct {
	mu sync.Mutex

	vms     map[string]*fakeVM
	volumes map[string]bool
	nextIDs []string
	seq     int

	// Configurable behavior
	pingFunc         func() error
	getVMFunc        func(id string) (hypervisor.VM, error)
	listVMsFunc      func() ([]hypervisor.VM, error)
	cloneVMFunc      func(templateID, name string) (hypervisor.VM, error)
	setTagsFunc      func(id string, tags []string) error
	powerOnFunc      func(id string) error
	hardRebootFunc   func(id string) error
	hardShutdownFunc func(id string) error
	powerStateFunc   func(id string) (hypervisor.PowerState, error)
	listDisksFunc    func(id string) ([]hypervisor.Disk, error)
	destroyVDIFunc   func(vdi string) error
	destroyVBDFunc   func(vmID, diskID string) error
	destroyVMFunc    func(id string) error
	attachFunc       func(id string, data []byte) error

	// Call tracking
	calls []string
}

func newFakePool() *fakePool {
	return &fakePool{
		vms:     make(map[string]*fakeVM),
		volumes: make(map[string]bool),
	}
}

// addTemplate registers a template VM with one disk and a shared cdrom.
func (p *fakePool) addTemplate(id, name string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.vms[id] = &fakeVM{
		vm:    hypervisor.VM{ID: id, Name: name, IsTemplate: true},
		state: hypervisor.PowerStateHalted,
		disks: []hypervisor.Disk{
			{ID: "xvda", Device: "disk", VDI: "vms/" + name + "_xvda.qcow2", Owned: true},
			{ID: "hdc", Device: "cdrom", VDI: "isos/tools.iso"},
		},
	}
	p.volumes["vms/"+name+"_xvda.qcow2"] = true
	p.volumes["isos/tools.iso"] = true
}

// addVM registers an arbitrary VM.
func (p *fakePool) addVM(vm hypervisor.VM, state hypervisor.PowerState) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.vms[vm.ID] = &fakeVM{vm: vm, state: state}
}

func (p *fakePool) setState(id string, state hypervisor.PowerState) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.vms[id].state = state
}

func (p *fakePool) setNetworks(id string, networks map[string]string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.vms[id].networks = networks
}

func (p *fakePool) exists(id string) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	_, ok := p.vms[id]
	return ok
}

func (p *fakePool) hasVolume(ref string) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.volumes[ref]
}

func (p *fakePool) record(call string) {
	p.calls = append(p.calls, call)
}

// callCount returns how many recorded calls start with prefix.
func (p *fakePool) callCount(prefix string) int {
	p.mu.Lock()
	defer p.mu.Unlock()
	n := 0
	for _, c := range p.calls {
		if len(c) >= len(prefix) && c[:len(prefix)] == prefix {
			n++
		}
	}
	return n
}

func (p *fakePool) get(id string) (*fakeVM, error) {
	v, ok := p.vms[id]
	if !ok {
		return nil, hypervisor.NotFoundError("vm", id)
	}
	return v, nil
}

func copyVM(vm hypervisor.VM) hypervisor.VM {
	vm.Tags = append([]string(nil), vm.Tags...)
	return vm
}

func (p *fakePool) Ping(ctx context.Context) error {
	p.mu.Lock()
	p.record("Ping")
	p.mu.Unlock()
	if p.pingFunc != nil {
		return p.pingFunc()
	}
	return nil
}

func (p *fakePool) GetVM(ctx context.Context, id string) (hypervisor.VM, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.record("GetVM " + id)
	if p.getVMFunc != nil {
		return p.getVMFunc(id)
	}
	v, err := p.get(id)
	if err != nil {
		return hypervisor.VM{}, err
	}
	return copyVM(v.vm), nil
}

func (p *fakePool) ListVMs(ctx context.Context) ([]hypervisor.VM, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.record("ListVMs")
	if p.listVMsFunc != nil {
		return p.listVMsFunc()
	}
	out := make([]hypervisor.VM, 0, len(p.vms))
	for _, v := range p.vms {
		out = append(out, copyVM(v.vm))
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out, nil
}

func (p *fakePool) CloneVM(ctx context.Context, templateID, name string) (hypervisor.VM, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.record("CloneVM " + templateID)
	if p.cloneVMFunc != nil {
		return p.cloneVMFunc(templateID, name)
	}
	tmpl, err := p.get(templateID)
	if err != nil {
		return hypervisor.VM{}, err
	}

	var id string
	if len(p.nextIDs) > 0 {
		id, p.nextIDs = p.nextIDs[0], p.nextIDs[1:]
	} else {
		p.seq++
		id = fmt.Sprintf("vm-%d", p.seq)
	}

	clone := &fakeVM{
		// Clones inherit the template's metadata, as a hypervisor copy would.
		vm:    hypervisor.VM{ID: id, Name: name, IsTemplate: tmpl.vm.IsTemplate, Tags: append([]string(nil), tmpl.vm.Tags...)},
		state: hypervisor.PowerStateHalted,
	}
	for _, d := range tmpl.disks {
		if d.Owned {
			vdi := "vms/" + name + "_" + d.ID + ".qcow2"
			p.volumes[vdi] = true
			d.VDI = vdi
		}
		clone.disks = append(clone.disks, d)
	}
	p.vms[id] = clone
	return hypervisor.VM{ID: id, Name: name}, nil
}

func (p *fakePool) SetIsTemplate(ctx context.Context, id string, isTemplate bool) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.record("SetIsTemplate " + id)
	v, err := p.get(id)
	if err != nil {
		return err
	}
	v.vm.IsTemplate = isTemplate
	return nil
}

func (p *fakePool) SetTags(ctx context.Context, id string, tags []string) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.record("SetTags " + id)
	if p.setTagsFunc != nil {
		return p.setTagsFunc(id, tags)
	}
	v, err := p.get(id)
	if err != nil {
		return err
	}
	v.vm.Tags = append([]string(nil), tags...)
	return nil
}

func (p *fakePool) PowerOn(ctx context.Context, id string) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.record("PowerOn " + id)
	if p.powerOnFunc != nil {
		return p.powerOnFunc(id)
	}
	v, err := p.get(id)
	if err != nil {
		return err
	}
	v.state = hypervisor.PowerStateRunning
	return nil
}

func (p *fakePool) HardReboot(ctx context.Context, id string) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.record("HardReboot " + id)
	if p.hardRebootFunc != nil {
		return p.hardRebootFunc(id)
	}
	_, err := p.get(id)
	return err
}

func (p *fakePool) HardShutdown(ctx context.Context, id string) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.record("HardShutdown " + id)
	if p.hardShutdownFunc != nil {
		return p.hardShutdownFunc(id)
	}
	v, err := p.get(id)
	if err != nil {
		return err
	}
	v.state = hypervisor.PowerStateHalted
	return nil
}

func (p *fakePool) PowerState(ctx context.Context, id string) (hypervisor.PowerState, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.record("PowerState " + id)
	if p.powerStateFunc != nil {
		return p.powerStateFunc(id)
	}
	v, err := p.get(id)
	if err != nil {
		return hypervisor.PowerStateUnknown, err
	}
	return v.state, nil
}

func (p *fakePool) GuestNetworks(ctx context.Context, id string) (map[string]string, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.record("GuestNetworks " + id)
	v, err := p.get(id)
	if err != nil {
		return nil, err
	}
	out := make(map[string]string, len(v.networks))
	for k, a := range v.networks {
		out[k] = a
	}
	return out, nil
}

func (p *fakePool) ListDisks(ctx context.Context, id string) ([]hypervisor.Disk, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.record("ListDisks " + id)
	if p.listDisksFunc != nil {
		return p.listDisksFunc(id)
	}
	v, err := p.get(id)
	if err != nil {
		return nil, err
	}
	return append([]hypervisor.Disk(nil), v.disks...), nil
}

func (p *fakePool) DestroyVDI(ctx context.Context, vdi string) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.record("DestroyVDI " + vdi)
	if p.destroyVDIFunc != nil {
		return p.destroyVDIFunc(vdi)
	}
	if !p.volumes[vdi] {
		return hypervisor.NotFoundError("volume", vdi)
	}
	delete(p.volumes, vdi)
	return nil
}

func (p *fakePool) DestroyVBD(ctx context.Context, vmID, diskID string) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.record("DestroyVBD " + vmID + " " + diskID)
	if p.destroyVBDFunc != nil {
		return p.destroyVBDFunc(vmID, diskID)
	}
	v, err := p.get(vmID)
	if err != nil {
		return err
	}
	for i, d := range v.disks {
		if d.ID == diskID {
			v.disks = append(v.disks[:i], v.disks[i+1:]...)
			return nil
		}
	}
	return hypervisor.NotFoundError("vbd", vmID+"/"+diskID)
}

func (p *fakePool) DestroyVM(ctx context.Context, id string) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.record("DestroyVM " + id)
	if p.destroyVMFunc != nil {
		return p.destroyVMFunc(id)
	}
	if _, err := p.get(id); err != nil {
		return err
	}
	delete(p.vms, id)
	return nil
}

func (p *fakePool) AttachConfigDrive(ctx context.Context, id string, data []byte) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.record("AttachConfigDrive " + id)
	if p.attachFunc != nil {
		return p.attachFunc(id, data)
	}
	v, err := p.get(id)
	if err != nil {
		return err
	}
	v.isos = append(v.isos, data)
	vdi := "vms/" + v.vm.Name + "_agentcfg.iso"
	p.volumes[vdi] = true
	v.disks = append(v.disks, hypervisor.Disk{ID: "hda", Device: "cdrom", VDI: vdi, Owned: true})
	return nil
}

// mockPublisher records published events.
type mockPublisher struct {
	mu     sync.Mutex
	err    error
	events []v1alpha1.InstanceEvent
}

func (m *mockPublisher) Publish(ctx context.Context, event v1alpha1.InstanceEvent) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.events = append(m.events, event)
	return m.err
}

func (m *mockPublisher) types() []v1alpha1.EventType {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []v1alpha1.EventType
	for _, e := range m.events {
		out = append(out, e.Type)
	}
	return out
}

// mockRecorder records measurements.
type mockRecorder struct {
	mu       sync.Mutex
	ops      map[string]int
	failed   map[string]int
	statuses map[v1alpha1.InstanceStatus]int
	steps    map[v1alpha1.TerminationAction]int
}

func newMockRecorder() *mockRecorder {
	return &mockRecorder{
		ops:      make(map[string]int),
		failed:   make(map[string]int),
		statuses: make(map[v1alpha1.InstanceStatus]int),
		steps:    make(map[v1alpha1.TerminationAction]int),
	}
}

func (m *mockRecorder) ObserveOperation(op string, err error, d time.Duration) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.ops[op]++
	if err != nil {
		m.failed[op]++
	}
}

func (m *mockRecorder) ObserveStatus(s v1alpha1.InstanceStatus) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.statuses[s]++
}

func (m *mockRecorder) ObserveTeardownStep(a v1alpha1.TerminationAction, failed bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.steps[a]++
}

// noRetry keeps tests fast.
var noRetry = RetryPolicy{}

// fastRetry retries without meaningful delay.
var fastRetry = RetryPolicy{MaxRetries: 2, InitialInterval: time.Millisecond, MaxInterval: time.Millisecond}

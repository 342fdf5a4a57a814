package libvirt

import (
	"fmt"
	"io"
	"path"
	"strings"
	"sync"

	"github.com/digitalocean/go-libvirt"
	"github.com/google/uuid"
	"libvirt.org/go/libvirtxml"
)

// mockLibvirtClient is an in-memory libvirt host implementing LibvirtClient.
// Domains are kept as parsed definitions; volumes live at /pools/{pool}/{name}.
type mockLibvirtClient struct {
	mu sync.Mutex

	domains  map[libvirt.UUID]*mockDomain
	volumes  map[string]*mockVolume
	pools    map[string]bool
	detached []string
	attached []string

	// Hooks override behaviour when set.
	DomainCreateFunc             func(dom libvirt.Domain) error
	DomainResetFunc              func(dom libvirt.Domain, flags uint32) error
	DomainInterfaceAddressesFunc func(dom libvirt.Domain, source uint32, flags uint32) ([]libvirt.DomainInterface, error)
	StorageVolDeleteFunc         func(vol libvirt.StorageVol) error

	createCalls  int
	resetCalls   int
	destroyCalls int
}

type mockDomain struct {
	def      *libvirtxml.Domain
	state    libvirt.DomainState
	metadata string
}

type mockVolume struct {
	pool string
	name string
	data []byte
}

func newMockLibvirtClient() *mockLibvirtClient {
	return &mockLibvirtClient{
		domains: make(map[libvirt.UUID]*mockDomain),
		volumes: make(map[string]*mockVolume),
		pools:   map[string]bool{"vms": true, "isos": true},
	}
}

func notFound(msg string) error {
	return libvirt.Error{Code: uint32(libvirt.ErrNoDomain), Message: msg}
}

func noVol(msg string) error {
	return libvirt.Error{Code: uint32(libvirt.ErrNoStorageVol), Message: msg}
}

// addDomain registers a domain from XML and returns its id.
func (m *mockLibvirtClient) addDomain(domainXML string, state libvirt.DomainState) string {
	var def libvirtxml.Domain
	if err := def.Unmarshal(domainXML); err != nil {
		panic(err)
	}
	id := def.UUID
	if id == "" {
		id = uuid.NewString()
		def.UUID = id
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.domains[libvirt.UUID(uuid.MustParse(id))] = &mockDomain{def: &def, state: state}
	return id
}

func (m *mockLibvirtClient) addVolume(pool, name string) string {
	m.mu.Lock()
	defer m.mu.Unlock()
	p := path.Join("/pools", pool, name)
	m.volumes[p] = &mockVolume{pool: pool, name: name}
	return p
}

func (m *mockLibvirtClient) domain(dom libvirt.Domain) (*mockDomain, error) {
	d, ok := m.domains[dom.UUID]
	if !ok {
		return nil, notFound("Domain not found")
	}
	return d, nil
}

func handle(id libvirt.UUID, d *mockDomain) libvirt.Domain {
	return libvirt.Domain{Name: d.def.Name, UUID: id}
}

func (m *mockLibvirtClient) ConnectGetLibVersion() (uint64, error) {
	return 10000000, nil
}

func (m *mockLibvirtClient) ConnectListAllDomains(needResults int32, flags libvirt.ConnectListAllDomainsFlags) ([]libvirt.Domain, uint32, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []libvirt.Domain
	for id, d := range m.domains {
		out = append(out, handle(id, d))
	}
	return out, uint32(len(out)), nil
}

func (m *mockLibvirtClient) DomainLookupByUUID(id libvirt.UUID) (libvirt.Domain, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	d, ok := m.domains[id]
	if !ok {
		return libvirt.Domain{}, notFound("Domain not found: no domain with matching uuid")
	}
	return handle(id, d), nil
}

func (m *mockLibvirtClient) DomainGetXMLDesc(dom libvirt.Domain, flags libvirt.DomainXMLFlags) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	d, err := m.domain(dom)
	if err != nil {
		return "", err
	}
	return d.def.Marshal()
}

func (m *mockLibvirtClient) DomainDefineXML(domainXML string) (libvirt.Domain, error) {
	var def libvirtxml.Domain
	if err := def.Unmarshal(domainXML); err != nil {
		return libvirt.Domain{}, err
	}
	if def.UUID != "" {
		return libvirt.Domain{}, fmt.Errorf("unexpected uuid in clone definition")
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, d := range m.domains {
		if d.def.Name == def.Name {
			return libvirt.Domain{}, fmt.Errorf("domain %s already exists", def.Name)
		}
	}
	def.UUID = uuid.NewString()
	id := libvirt.UUID(uuid.MustParse(def.UUID))
	m.domains[id] = &mockDomain{def: &def, state: libvirt.DomainShutoff}
	return handle(id, m.domains[id]), nil
}

func (m *mockLibvirtClient) DomainCreate(dom libvirt.Domain) error {
	if m.DomainCreateFunc != nil {
		return m.DomainCreateFunc(dom)
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.createCalls++
	d, err := m.domain(dom)
	if err != nil {
		return err
	}
	d.state = libvirt.DomainRunning
	return nil
}

func (m *mockLibvirtClient) DomainReset(dom libvirt.Domain, flags uint32) error {
	if m.DomainResetFunc != nil {
		return m.DomainResetFunc(dom, flags)
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.resetCalls++
	_, err := m.domain(dom)
	return err
}

func (m *mockLibvirtClient) DomainDestroy(dom libvirt.Domain) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.destroyCalls++
	d, err := m.domain(dom)
	if err != nil {
		return err
	}
	d.state = libvirt.DomainShutoff
	return nil
}

func (m *mockLibvirtClient) DomainGetState(dom libvirt.Domain, flags uint32) (int32, int32, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	d, err := m.domain(dom)
	if err != nil {
		return 0, 0, err
	}
	return int32(d.state), 0, nil
}

func (m *mockLibvirtClient) DomainInterfaceAddresses(dom libvirt.Domain, source uint32, flags uint32) ([]libvirt.DomainInterface, error) {
	if m.DomainInterfaceAddressesFunc != nil {
		return m.DomainInterfaceAddressesFunc(dom, source, flags)
	}
	return nil, nil
}

func (m *mockLibvirtClient) DomainAttachDeviceFlags(dom libvirt.Domain, deviceXML string, flags uint32) error {
	var disk libvirtxml.DomainDisk
	if err := disk.Unmarshal(deviceXML); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	d, err := m.domain(dom)
	if err != nil {
		return err
	}
	if d.def.Devices == nil {
		d.def.Devices = &libvirtxml.DomainDeviceList{}
	}
	d.def.Devices.Disks = append(d.def.Devices.Disks, disk)
	m.attached = append(m.attached, deviceXML)
	return nil
}

func (m *mockLibvirtClient) DomainDetachDeviceFlags(dom libvirt.Domain, deviceXML string, flags uint32) error {
	var disk libvirtxml.DomainDisk
	if err := disk.Unmarshal(deviceXML); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	d, err := m.domain(dom)
	if err != nil {
		return err
	}
	kept := d.def.Devices.Disks[:0]
	for _, existing := range d.def.Devices.Disks {
		if existing.Target != nil && existing.Target.Dev == disk.Target.Dev {
			continue
		}
		kept = append(kept, existing)
	}
	d.def.Devices.Disks = kept
	m.detached = append(m.detached, disk.Target.Dev)
	return nil
}

func (m *mockLibvirtClient) DomainUndefine(dom libvirt.Domain) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, err := m.domain(dom); err != nil {
		return err
	}
	delete(m.domains, dom.UUID)
	return nil
}

func (m *mockLibvirtClient) DomainSetMetadata(dom libvirt.Domain, typ int32, metadata libvirt.OptString, key libvirt.OptString, uri libvirt.OptString, flags libvirt.DomainModificationImpact) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	d, err := m.domain(dom)
	if err != nil {
		return err
	}
	d.metadata = ""
	if len(metadata) > 0 {
		d.metadata = metadata[0]
	}
	return nil
}

func (m *mockLibvirtClient) DomainGetMetadata(dom libvirt.Domain, typ int32, uri libvirt.OptString, flags libvirt.DomainModificationImpact) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	d, err := m.domain(dom)
	if err != nil {
		return "", err
	}
	if d.metadata == "" {
		return "", libvirt.Error{Code: uint32(libvirt.ErrNoDomainMetadata), Message: "metadata not found"}
	}
	return d.metadata, nil
}

func (m *mockLibvirtClient) StoragePoolLookupByName(name string) (libvirt.StoragePool, error) {
	if !m.pools[name] {
		return libvirt.StoragePool{}, fmt.Errorf("storage pool not found: %s", name)
	}
	return libvirt.StoragePool{Name: name}, nil
}

func (m *mockLibvirtClient) StoragePoolLookupByVolume(vol libvirt.StorageVol) (libvirt.StoragePool, error) {
	return m.StoragePoolLookupByName(vol.Pool)
}

func (m *mockLibvirtClient) StorageVolLookupByName(pool libvirt.StoragePool, name string) (libvirt.StorageVol, error) {
	return m.StorageVolLookupByPath(path.Join("/pools", pool.Name, name))
}

func (m *mockLibvirtClient) StorageVolLookupByPath(p string) (libvirt.StorageVol, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	v, ok := m.volumes[p]
	if !ok {
		return libvirt.StorageVol{}, noVol("Storage volume not found: " + p)
	}
	return libvirt.StorageVol{Pool: v.pool, Name: v.name, Key: p}, nil
}

func (m *mockLibvirtClient) StorageVolGetXMLDesc(vol libvirt.StorageVol, flags uint32) (string, error) {
	return fmt.Sprintf(`<volume type="file"><name>%s</name><capacity unit="bytes">1073741824</capacity><target><format type="qcow2"/></target></volume>`, vol.Name), nil
}

func (m *mockLibvirtClient) StorageVolCreateXML(pool libvirt.StoragePool, volXML string, flags libvirt.StorageVolCreateFlags) (libvirt.StorageVol, error) {
	var def libvirtxml.StorageVolume
	if err := def.Unmarshal(volXML); err != nil {
		return libvirt.StorageVol{}, err
	}
	p := path.Join("/pools", pool.Name, def.Name)
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, exists := m.volumes[p]; exists {
		return libvirt.StorageVol{}, fmt.Errorf("volume %s already exists", def.Name)
	}
	m.volumes[p] = &mockVolume{pool: pool.Name, name: def.Name}
	return libvirt.StorageVol{Pool: pool.Name, Name: def.Name, Key: p}, nil
}

func (m *mockLibvirtClient) StorageVolCreateXMLFrom(pool libvirt.StoragePool, volXML string, clone libvirt.StorageVol, flags libvirt.StorageVolCreateFlags) (libvirt.StorageVol, error) {
	return m.StorageVolCreateXML(pool, volXML, flags)
}

func (m *mockLibvirtClient) StorageVolDelete(vol libvirt.StorageVol, flags libvirt.StorageVolDeleteFlags) error {
	if m.StorageVolDeleteFunc != nil {
		return m.StorageVolDeleteFunc(vol)
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	p := path.Join("/pools", vol.Pool, vol.Name)
	if _, ok := m.volumes[p]; !ok {
		return noVol("Storage volume not found: " + p)
	}
	delete(m.volumes, p)
	return nil
}

func (m *mockLibvirtClient) StorageVolGetPath(vol libvirt.StorageVol) (string, error) {
	return path.Join("/pools", vol.Pool, vol.Name), nil
}

func (m *mockLibvirtClient) StorageVolUpload(vol libvirt.StorageVol, r io.Reader, offset, length uint64, flags libvirt.StorageVolUploadFlags) error {
	data, err := io.ReadAll(r)
	if err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	v, ok := m.volumes[path.Join("/pools", vol.Pool, vol.Name)]
	if !ok {
		return noVol("Storage volume not found: " + vol.Name)
	}
	v.data = data
	return nil
}

func (m *mockLibvirtClient) volumeNames() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	var names []string
	for p := range m.volumes {
		names = append(names, p)
	}
	return names
}

func hasString(list []string, s string) bool {
	for _, v := range list {
		if strings.Contains(v, s) {
			return true
		}
	}
	return false
}

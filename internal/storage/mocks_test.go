package storage

import (
	"fmt"
	"io"
	"path"
	"strings"
	"sync"

	"github.com/digitalocean/go-libvirt"
)

// mockLibvirtClient is an in-memory pool/volume store implementing
// LibvirtClient. Volumes live at /pools/{pool}/{name}.
type mockLibvirtClient struct {
	mu      sync.Mutex
	pools   map[string]bool
	volumes map[string]*mockVolume // path -> volume

	createFromErr error
	uploadErr     error
	deleteErr     error

	lastCreateXML string
}

type mockVolume struct {
	pool     string
	name     string
	xml      string
	capacity uint64
	data     []byte
}

func newMockLibvirtClient(pools ...string) *mockLibvirtClient {
	m := &mockLibvirtClient{
		pools:   make(map[string]bool),
		volumes: make(map[string]*mockVolume),
	}
	for _, p := range pools {
		m.pools[p] = true
	}
	return m
}

func volPath(pool, name string) string {
	return path.Join("/pools", pool, name)
}

func noVolume(name string) error {
	return libvirt.Error{Code: uint32(libvirt.ErrNoStorageVol), Message: "Storage volume not found: " + name}
}

func (m *mockLibvirtClient) addVolume(pool, name, xml string, capacity uint64) string {
	m.mu.Lock()
	defer m.mu.Unlock()
	p := volPath(pool, name)
	m.volumes[p] = &mockVolume{pool: pool, name: name, xml: xml, capacity: capacity}
	return p
}

func (m *mockLibvirtClient) StoragePoolLookupByName(name string) (libvirt.StoragePool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if !m.pools[name] {
		return libvirt.StoragePool{}, fmt.Errorf("storage pool not found: %s", name)
	}
	return libvirt.StoragePool{Name: name}, nil
}

func (m *mockLibvirtClient) StoragePoolLookupByVolume(vol libvirt.StorageVol) (libvirt.StoragePool, error) {
	return m.StoragePoolLookupByName(vol.Pool)
}

func (m *mockLibvirtClient) StorageVolLookupByName(pool libvirt.StoragePool, name string) (libvirt.StorageVol, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.volumes[volPath(pool.Name, name)]; !ok {
		return libvirt.StorageVol{}, noVolume(name)
	}
	return libvirt.StorageVol{Pool: pool.Name, Name: name, Key: volPath(pool.Name, name)}, nil
}

func (m *mockLibvirtClient) StorageVolLookupByPath(p string) (libvirt.StorageVol, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	v, ok := m.volumes[p]
	if !ok {
		return libvirt.StorageVol{}, noVolume(p)
	}
	return libvirt.StorageVol{Pool: v.pool, Name: v.name, Key: p}, nil
}

func (m *mockLibvirtClient) StorageVolGetXMLDesc(vol libvirt.StorageVol, flags uint32) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	v, ok := m.volumes[volPath(vol.Pool, vol.Name)]
	if !ok {
		return "", noVolume(vol.Name)
	}
	return v.xml, nil
}

func (m *mockLibvirtClient) StorageVolCreateXML(pool libvirt.StoragePool, xml string, flags libvirt.StorageVolCreateFlags) (libvirt.StorageVol, error) {
	name := extractTagValue(xml, "name")
	if name == "" {
		return libvirt.StorageVol{}, fmt.Errorf("invalid volume XML: missing name")
	}
	m.mu.Lock()
	m.lastCreateXML = xml
	m.mu.Unlock()
	m.addVolume(pool.Name, name, xml, 0)
	return libvirt.StorageVol{Pool: pool.Name, Name: name, Key: volPath(pool.Name, name)}, nil
}

func (m *mockLibvirtClient) StorageVolCreateXMLFrom(pool libvirt.StoragePool, xml string, clone libvirt.StorageVol, flags libvirt.StorageVolCreateFlags) (libvirt.StorageVol, error) {
	if m.createFromErr != nil {
		return libvirt.StorageVol{}, m.createFromErr
	}
	m.mu.Lock()
	src, ok := m.volumes[volPath(clone.Pool, clone.Name)]
	m.mu.Unlock()
	if !ok {
		return libvirt.StorageVol{}, noVolume(clone.Name)
	}
	vol, err := m.StorageVolCreateXML(pool, xml, 0)
	if err != nil {
		return vol, err
	}
	m.mu.Lock()
	m.volumes[volPath(vol.Pool, vol.Name)].data = append([]byte(nil), src.data...)
	m.mu.Unlock()
	return vol, nil
}

func (m *mockLibvirtClient) StorageVolDelete(vol libvirt.StorageVol, flags libvirt.StorageVolDeleteFlags) error {
	if m.deleteErr != nil {
		return m.deleteErr
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	p := volPath(vol.Pool, vol.Name)
	if _, ok := m.volumes[p]; !ok {
		return noVolume(vol.Name)
	}
	delete(m.volumes, p)
	return nil
}

func (m *mockLibvirtClient) StorageVolGetPath(vol libvirt.StorageVol) (string, error) {
	return volPath(vol.Pool, vol.Name), nil
}

func (m *mockLibvirtClient) StorageVolUpload(vol libvirt.StorageVol, r io.Reader, offset, length uint64, flags libvirt.StorageVolUploadFlags) error {
	if m.uploadErr != nil {
		return m.uploadErr
	}
	data, err := io.ReadAll(r)
	if err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	v, ok := m.volumes[volPath(vol.Pool, vol.Name)]
	if !ok {
		return noVolume(vol.Name)
	}
	v.data = data
	return nil
}

// extractTagValue returns the text of the first <tag>...</tag> in xml.
func extractTagValue(xml, tag string) string {
	open := "<" + tag + ">"
	start := strings.Index(xml, open)
	if start < 0 {
		return ""
	}
	start += len(open)
	end := strings.Index(xml[start:], "</"+tag+">")
	if end < 0 {
		return ""
	}
	return xml[start : start+end]
}

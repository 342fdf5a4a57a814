package storage

import (
	"io"

	"github.com/digitalocean/go-libvirt"
)

// LibvirtClient is the interface for libvirt operations.
// This allows for dependency injection and testing.
type LibvirtClient interface {
	StoragePoolLookupByName(Name string) (libvirt.StoragePool, error)
	StoragePoolLookupByVolume(Vol libvirt.StorageVol) (libvirt.StoragePool, error)
	StorageVolLookupByName(Pool libvirt.StoragePool, Name string) (libvirt.StorageVol, error)
	StorageVolLookupByPath(Path string) (libvirt.StorageVol, error)
	StorageVolGetXMLDesc(Vol libvirt.StorageVol, Flags uint32) (string, error)
	StorageVolCreateXML(Pool libvirt.StoragePool, XML string, Flags libvirt.StorageVolCreateFlags) (libvirt.StorageVol, error)
	StorageVolCreateXMLFrom(Pool libvirt.StoragePool, XML string, Clonevol libvirt.StorageVol, Flags libvirt.StorageVolCreateFlags) (libvirt.StorageVol, error)
	StorageVolDelete(Vol libvirt.StorageVol, Flags libvirt.StorageVolDeleteFlags) error
	StorageVolGetPath(Vol libvirt.StorageVol) (string, error)
	StorageVolUpload(Vol libvirt.StorageVol, outStream io.Reader, Offset uint64, Length uint64, Flags libvirt.StorageVolUploadFlags) error
}

// Manager coordinates volume operations for clones: copying template
// disks, creating configuration drives and deleting owned volumes.
type Manager struct {
	client LibvirtClient
}

// NewManager creates a new storage manager.
func NewManager(client LibvirtClient) *Manager {
	return &Manager{
		client: client,
	}
}

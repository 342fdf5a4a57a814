package storage

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/digitalocean/go-libvirt"
	libvirtxml "libvirt.org/go/libvirtxml"

	"github.com/jbweber/kiln/internal/hypervisor"
)

// CloneVolume copies the source volume into a new volume named newName in
// the same pool. The copy keeps the source format and capacity.
func (m *Manager) CloneVolume(ctx context.Context, source VolumeRef, newName string) (VolumeRef, error) {
	src, err := m.lookup(source)
	if err != nil {
		return VolumeRef{}, err
	}

	pool, err := m.client.StoragePoolLookupByVolume(src)
	if err != nil {
		return VolumeRef{}, fmt.Errorf("failed to find pool of volume %s: %w", source, err)
	}

	srcXML, err := m.client.StorageVolGetXMLDesc(src, 0)
	if err != nil {
		return VolumeRef{}, fmt.Errorf("failed to get XML of volume %s: %w", source, err)
	}

	volumeXML, err := generateCloneXML(srcXML, newName)
	if err != nil {
		return VolumeRef{}, fmt.Errorf("failed to generate volume XML: %w", err)
	}

	vol, err := m.client.StorageVolCreateXMLFrom(pool, volumeXML, src, 0)
	if err != nil {
		return VolumeRef{}, fmt.Errorf("failed to clone volume %s to %s: %w", source, newName, err)
	}

	path, err := m.client.StorageVolGetPath(vol)
	if err != nil {
		return VolumeRef{}, fmt.Errorf("failed to get path of volume %s: %w", newName, err)
	}

	return VolumeRef{Path: path, Pool: pool.Name, Name: vol.Name}, nil
}

// CreateVolumeBeside creates an empty volume in the pool that holds sibling.
func (m *Manager) CreateVolumeBeside(ctx context.Context, sibling VolumeRef, spec VolumeSpec) (VolumeRef, error) {
	if err := spec.Validate(); err != nil {
		return VolumeRef{}, fmt.Errorf("invalid volume spec: %w", err)
	}

	sib, err := m.lookup(sibling)
	if err != nil {
		return VolumeRef{}, err
	}

	pool, err := m.client.StoragePoolLookupByVolume(sib)
	if err != nil {
		return VolumeRef{}, fmt.Errorf("failed to find pool of volume %s: %w", sibling, err)
	}

	volumeXML, err := generateVolumeXML(spec)
	if err != nil {
		return VolumeRef{}, fmt.Errorf("failed to generate volume XML: %w", err)
	}

	vol, err := m.client.StorageVolCreateXML(pool, volumeXML, 0)
	if err != nil {
		return VolumeRef{}, fmt.Errorf("failed to create volume: %w", err)
	}

	path, err := m.client.StorageVolGetPath(vol)
	if err != nil {
		return VolumeRef{}, fmt.Errorf("failed to get path of volume %s: %w", spec.Name, err)
	}

	return VolumeRef{Path: path, Pool: pool.Name, Name: vol.Name}, nil
}

// WriteVolumeData uploads data to a volume (used for configuration drives).
func (m *Manager) WriteVolumeData(ctx context.Context, ref VolumeRef, data []byte) error {
	vol, err := m.lookup(ref)
	if err != nil {
		return err
	}

	reader := bytes.NewReader(data)
	if err := m.client.StorageVolUpload(vol, reader, 0, uint64(len(data)), 0); err != nil {
		return fmt.Errorf("failed to upload data to volume: %w", err)
	}

	return nil
}

// DeleteVolume deletes a volume. A volume that does not exist yields an
// error wrapping hypervisor.ErrNotFound.
func (m *Manager) DeleteVolume(ctx context.Context, ref VolumeRef) error {
	vol, err := m.lookup(ref)
	if err != nil {
		return err
	}

	if err := m.client.StorageVolDelete(vol, 0); err != nil {
		if isNoVolume(err) {
			return hypervisor.NotFoundError("volume", ref.String())
		}
		return fmt.Errorf("failed to delete volume %s: %w", ref, err)
	}

	return nil
}

func (m *Manager) lookup(ref VolumeRef) (libvirt.StorageVol, error) {
	if ref.Path != "" {
		vol, err := m.client.StorageVolLookupByPath(ref.Path)
		if err != nil {
			if isNoVolume(err) {
				return libvirt.StorageVol{}, hypervisor.NotFoundError("volume", ref.Path)
			}
			return libvirt.StorageVol{}, fmt.Errorf("failed to look up volume %s: %w", ref.Path, err)
		}
		return vol, nil
	}

	if ref.Pool == "" || ref.Name == "" {
		return libvirt.StorageVol{}, fmt.Errorf("volume reference needs a path or a pool and name")
	}

	pool, err := m.client.StoragePoolLookupByName(ref.Pool)
	if err != nil {
		return libvirt.StorageVol{}, fmt.Errorf("pool not found: %w", err)
	}

	vol, err := m.client.StorageVolLookupByName(pool, ref.Name)
	if err != nil {
		if isNoVolume(err) {
			return libvirt.StorageVol{}, hypervisor.NotFoundError("volume", ref.String())
		}
		return libvirt.StorageVol{}, fmt.Errorf("failed to look up volume %s: %w", ref, err)
	}
	return vol, nil
}

func isNoVolume(err error) bool {
	var lerr libvirt.Error
	if errors.As(err, &lerr) {
		return lerr.Code == uint32(libvirt.ErrNoStorageVol)
	}
	return false
}

// generateCloneXML derives the definition of a copy from the source
// volume's XML: same type, format and capacity, new name, no key or path.
func generateCloneXML(sourceXML, name string) (string, error) {
	var src libvirtxml.StorageVolume
	if err := src.Unmarshal(sourceXML); err != nil {
		return "", fmt.Errorf("failed to parse source volume XML: %w", err)
	}

	vol := &libvirtxml.StorageVolume{
		Type:     src.Type,
		Name:     name,
		Capacity: src.Capacity,
	}
	if src.Target != nil {
		vol.Target = &libvirtxml.StorageVolumeTarget{
			Format:      src.Target.Format,
			Permissions: src.Target.Permissions,
		}
	}

	return marshalVolume(vol)
}

// generateVolumeXML generates XML for a new storage volume.
func generateVolumeXML(spec VolumeSpec) (string, error) {
	vol := &libvirtxml.StorageVolume{
		Type: "file",
		Name: spec.Name,
		Capacity: &libvirtxml.StorageVolumeSize{
			Value: spec.CapacityBytes,
			Unit:  "B",
		},
		Target: &libvirtxml.StorageVolumeTarget{
			Format: &libvirtxml.StorageVolumeTargetFormat{
				Type: string(spec.Format),
			},
		},
	}
	return marshalVolume(vol)
}

func marshalVolume(vol *libvirtxml.StorageVolume) (string, error) {
	xmlBytes, err := vol.Marshal()
	if err != nil {
		return "", err
	}

	xml := strings.TrimPrefix(xmlBytes, "<?xml version=\"1.0\" encoding=\"UTF-8\"?>")
	return strings.TrimSpace(xml), nil
}

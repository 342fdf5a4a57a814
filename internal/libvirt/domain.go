package libvirt

import (
	"fmt"
	"strings"

	"libvirt.org/go/libvirtxml"

	"github.com/jbweber/kiln/internal/storage"
)

const (
	deviceDisk  = "disk"
	deviceCDROM = "cdrom"
)

// diskInfo describes one <disk> of a domain and the volume behind it.
type diskInfo struct {
	index  int
	target string
	bus    string
	device string
	ref    storage.VolumeRef
	// hasSource is false for empty cdrom trays and network disks.
	hasSource bool
}

// parseDomain parses domain XML as returned by DomainGetXMLDesc.
func parseDomain(domainXML string) (*libvirtxml.Domain, error) {
	var dom libvirtxml.Domain
	if err := dom.Unmarshal(domainXML); err != nil {
		return nil, fmt.Errorf("failed to parse domain XML: %w", err)
	}
	return &dom, nil
}

// domainDisks lists the disks of a domain in document order.
func domainDisks(dom *libvirtxml.Domain) []diskInfo {
	if dom.Devices == nil {
		return nil
	}

	disks := make([]diskInfo, 0, len(dom.Devices.Disks))
	for i, d := range dom.Devices.Disks {
		info := diskInfo{index: i, device: d.Device}
		if info.device == "" {
			info.device = deviceDisk
		}
		if d.Target != nil {
			info.target = d.Target.Dev
			info.bus = d.Target.Bus
		}
		if ref, ok := diskSourceRef(d.Source); ok {
			info.ref = ref
			info.hasSource = true
		}
		disks = append(disks, info)
	}
	return disks
}

func diskSourceRef(src *libvirtxml.DomainDiskSource) (storage.VolumeRef, bool) {
	if src == nil {
		return storage.VolumeRef{}, false
	}
	switch {
	case src.File != nil && src.File.File != "":
		return storage.VolumeRef{Path: src.File.File}, true
	case src.Block != nil && src.Block.Dev != "":
		return storage.VolumeRef{Path: src.Block.Dev}, true
	case src.Volume != nil && src.Volume.Pool != "" && src.Volume.Volume != "":
		return storage.VolumeRef{Pool: src.Volume.Pool, Name: src.Volume.Volume}, true
	}
	return storage.VolumeRef{}, false
}

// setDiskSource points a disk at a new volume, keeping the source kind.
func setDiskSource(disk *libvirtxml.DomainDisk, ref storage.VolumeRef) {
	src := disk.Source
	switch {
	case src.Volume != nil:
		src.Volume.Pool = ref.Pool
		src.Volume.Volume = ref.Name
	case src.Block != nil:
		src.Block.Dev = ref.Path
	default:
		src.File = &libvirtxml.DomainDiskSourceFile{File: ref.Path}
	}
}

// prepareClone turns a template definition into the definition of a new
// domain: new name, no UUID (libvirt assigns one), no MAC addresses (libvirt
// generates fresh ones) and no metadata (the clone gets its own record).
// Disk sources are rewritten through newSource, keyed by disk index.
func prepareClone(dom *libvirtxml.Domain, name string, newSource map[int]storage.VolumeRef) (string, error) {
	dom.Name = name
	dom.UUID = ""
	dom.ID = nil
	dom.Metadata = nil
	dom.Title = ""

	if dom.Devices != nil {
		for i := range dom.Devices.Interfaces {
			dom.Devices.Interfaces[i].MAC = nil
			dom.Devices.Interfaces[i].Target = nil
		}
		for i := range dom.Devices.Disks {
			if ref, ok := newSource[i]; ok {
				setDiskSource(&dom.Devices.Disks[i], ref)
			}
		}
		for i := range dom.Devices.Graphics {
			if vnc := dom.Devices.Graphics[i].VNC; vnc != nil && vnc.AutoPort == "yes" {
				vnc.Port = 0
			}
		}
	}

	out, err := dom.Marshal()
	if err != nil {
		return "", fmt.Errorf("failed to marshal clone XML: %w", err)
	}
	return out, nil
}

// configDriveDisk returns the XML of a read-only cdrom backed by path, on a
// target not used by any existing disk.
func configDriveDisk(dom *libvirtxml.Domain, path string) (string, error) {
	disks := domainDisks(dom)
	target, bus := nextTarget(disks)
	if target == "" {
		return "", fmt.Errorf("no free disk target left on domain %s", dom.Name)
	}

	disk := &libvirtxml.DomainDisk{
		Device: deviceCDROM,
		Driver: &libvirtxml.DomainDiskDriver{
			Name: driverName(dom),
			Type: "raw",
		},
		Source: &libvirtxml.DomainDiskSource{
			File: &libvirtxml.DomainDiskSourceFile{File: path},
		},
		Target: &libvirtxml.DomainDiskTarget{
			Dev: target,
			Bus: bus,
		},
		ReadOnly: &libvirtxml.DomainDiskReadOnly{},
	}

	out, err := disk.Marshal()
	if err != nil {
		return "", fmt.Errorf("failed to marshal config drive XML: %w", err)
	}
	return out, nil
}

// driverName picks the disk driver for the domain type. Unknown types leave
// the choice to libvirt.
func driverName(dom *libvirtxml.Domain) string {
	switch dom.Type {
	case "xen", "kvm", "qemu":
		return "qemu"
	}
	return ""
}

// nextTarget picks the first free device name using the naming scheme of
// the existing cdroms (hd*, sd*, xvd*). cdroms need an emulated bus on Xen
// HVM guests, so the bus is copied from the first cdrom when present.
func nextTarget(disks []diskInfo) (string, string) {
	used := make(map[string]bool, len(disks))
	prefix, bus := "hd", ""
	for _, d := range disks {
		used[d.target] = true
	}
	for _, d := range disks {
		if d.device == deviceCDROM && d.target != "" {
			prefix, bus = targetPrefix(d.target), d.bus
			break
		}
	}
	if bus == "" {
		bus = busForPrefix(prefix)
	}

	for c := 'a'; c <= 'z'; c++ {
		if candidate := prefix + string(c); !used[candidate] {
			return candidate, bus
		}
	}
	for a := 'a'; a <= 'z'; a++ {
		for b := 'a'; b <= 'z'; b++ {
			if candidate := prefix + string(a) + string(b); !used[candidate] {
				return candidate, bus
			}
		}
	}
	return "", bus
}

var targetPrefixes = []string{"xvd", "vd", "sd", "hd"}

func targetPrefix(target string) string {
	for _, p := range targetPrefixes {
		if strings.HasPrefix(target, p) {
			return p
		}
	}
	return "hd"
}

func busForPrefix(prefix string) string {
	switch prefix {
	case "xvd":
		return "xen"
	case "vd":
		return "virtio"
	case "sd":
		return "scsi"
	}
	return "ide"
}

// findDisk returns the disk with the given target device.
func findDisk(dom *libvirtxml.Domain, target string) (*libvirtxml.DomainDisk, bool) {
	if dom.Devices == nil {
		return nil, false
	}
	for i := range dom.Devices.Disks {
		d := &dom.Devices.Disks[i]
		if d.Target != nil && d.Target.Dev == target {
			return d, true
		}
	}
	return nil, false
}

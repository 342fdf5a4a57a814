package storage

import (
	"fmt"
	"path/filepath"
	"strings"
)

// VolumeFormat represents the disk format.
type VolumeFormat string

const (
	VolumeFormatQCOW2 VolumeFormat = "qcow2"
	VolumeFormatRaw   VolumeFormat = "raw"
	VolumeFormatVHD   VolumeFormat = "vpc"
	VolumeFormatISO   VolumeFormat = "iso"
)

// VolumeSpec specifies how to create a storage volume.
type VolumeSpec struct {
	Name          string       // Volume name (e.g., "buildagent-…_agentcfg.iso")
	Format        VolumeFormat // Disk format
	CapacityBytes uint64       // Capacity in bytes
}

// Validate checks if the volume spec is valid.
func (v *VolumeSpec) Validate() error {
	if v.Name == "" {
		return fmt.Errorf("volume name is required")
	}
	if strings.ContainsRune(v.Name, '/') {
		return fmt.Errorf("volume name %q must not contain '/'", v.Name)
	}
	if v.Format == "" {
		return fmt.Errorf("volume format is required")
	}
	if v.CapacityBytes == 0 {
		return fmt.Errorf("volume capacity must be greater than 0")
	}
	return nil
}

// VolumeRef identifies a volume either by its absolute path on the host or
// by pool and name. Disks backed by a file carry a path; disks of type
// "volume" carry a pool and name.
type VolumeRef struct {
	Path string
	Pool string
	Name string
}

// ParseRef parses a reference as produced by VolumeRef.String: an absolute
// path, or "pool/name".
func ParseRef(ref string) (VolumeRef, error) {
	if ref == "" {
		return VolumeRef{}, fmt.Errorf("volume reference is empty")
	}
	if filepath.IsAbs(ref) {
		return VolumeRef{Path: ref}, nil
	}
	pool, name, ok := strings.Cut(ref, "/")
	if !ok || pool == "" || name == "" || strings.Contains(name, "/") {
		return VolumeRef{}, fmt.Errorf("invalid volume reference %q: expected absolute path or pool/name", ref)
	}
	return VolumeRef{Pool: pool, Name: name}, nil
}

// String returns the canonical form of the reference.
func (r VolumeRef) String() string {
	if r.Path != "" {
		return r.Path
	}
	return r.Pool + "/" + r.Name
}

// BaseName returns the volume's own name, used for ownership checks.
func (r VolumeRef) BaseName() string {
	if r.Name != "" {
		return r.Name
	}
	return filepath.Base(r.Path)
}

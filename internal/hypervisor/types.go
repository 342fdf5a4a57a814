// Package hypervisor defines the backend-neutral vocabulary shared by the
// lifecycle controller and the hypervisor session: VM records, disks, power
// states and the not-found sentinel.
//
// Nothing in this package talks to a hypervisor. The libvirt session in
// internal/libvirt produces these values; internal/cloud consumes them.
package hypervisor

import (
	"errors"
	"fmt"
)

// ErrNotFound is returned (wrapped) by a session when the object an id refers
// to no longer exists on the hypervisor.
var ErrNotFound = errors.New("object not found")

// VM is a virtual machine record as seen by the lifecycle controller.
type VM struct {
	// ID is the hypervisor-assigned unique identifier (a UUID string).
	ID string
	// Name is the human-readable label of the VM.
	Name string
	// IsTemplate reports whether kiln flagged the VM as a clone source.
	IsTemplate bool
	// Tags holds the out-of-band correlation markers stored on the VM.
	Tags []string
}

// HasExactTag reports whether the tag set is exactly {tag}.
func (v VM) HasExactTag(tag string) bool {
	return len(v.Tags) == 1 && v.Tags[0] == tag
}

// HasTag reports whether tag is one of the VM's tags.
func (v VM) HasTag(tag string) bool {
	for _, t := range v.Tags {
		if t == tag {
			return true
		}
	}
	return false
}

// Disk is a virtual block device (VBD) attached to a VM together with a
// reference to its backing virtual disk image (VDI).
type Disk struct {
	// ID identifies the VBD within its VM (the guest target device, e.g. "xvda").
	ID string
	// Device is the device kind: "disk" or "cdrom".
	Device string
	// VDI is an opaque reference to the backing volume, empty when the
	// device has no backing storage (e.g. an empty cdrom tray).
	VDI string
	// Owned reports whether the backing volume belongs to this VM alone and
	// may be destroyed with it. Shared volumes (installer ISOs, base images)
	// are never owned.
	Owned bool
}

// PowerState is the hypervisor's own notion of whether a VM is executing.
type PowerState string

const (
	PowerStateRunning   PowerState = "running"
	PowerStateHalted    PowerState = "halted"
	PowerStatePaused    PowerState = "paused"
	PowerStateSuspended PowerState = "suspended"
	PowerStateUnknown   PowerState = "unknown"
)

// NotFoundError wraps ErrNotFound with the kind and id of the missing object.
func NotFoundError(kind, id string) error {
	return fmt.Errorf("%s %s: %w", kind, id, ErrNotFound)
}

// IsNotFound reports whether err indicates a missing hypervisor object.
func IsNotFound(err error) bool {
	return errors.Is(err, ErrNotFound)
}

package cloud

import (
	"context"
	"time"

	"github.com/jbweber/kiln/api/v1alpha1"
	"github.com/jbweber/kiln/internal/hypervisor"
)

// Hypervisor is the set of verbs the lifecycle controller needs from a
// hypervisor session. Authentication happens when the session is opened.
//
// In production, this is satisfied by *libvirt.Session.
// In tests, this is satisfied by mock implementations.
type Hypervisor interface {
	// Ping checks the session is alive
	Ping(ctx context.Context) error

	// GetVM returns a VM by id
	GetVM(ctx context.Context, id string) (hypervisor.VM, error)

	// ListVMs returns every VM in the pool
	ListVMs(ctx context.Context) ([]hypervisor.VM, error)

	// CloneVM defines a halted copy of a template under a new name
	CloneVM(ctx context.Context, templateID, name string) (hypervisor.VM, error)

	// SetIsTemplate sets or clears the template flag
	SetIsTemplate(ctx context.Context, id string, isTemplate bool) error

	// SetTags replaces the VM's tag set
	SetTags(ctx context.Context, id string, tags []string) error

	// PowerOn starts a halted VM
	PowerOn(ctx context.Context, id string) error

	// HardReboot resets a VM without guest cooperation
	HardReboot(ctx context.Context, id string) error

	// HardShutdown powers a VM off immediately
	HardShutdown(ctx context.Context, id string) error

	// PowerState returns the hypervisor's power state for a VM
	PowerState(ctx context.Context, id string) (hypervisor.PowerState, error)

	// GuestNetworks returns guest addresses keyed "N/ip" and "N/ipv6/M"
	GuestNetworks(ctx context.Context, id string) (map[string]string, error)

	// ListDisks returns the VM's block devices and their backing volumes
	ListDisks(ctx context.Context, id string) ([]hypervisor.Disk, error)

	// DestroyVDI deletes a backing volume
	DestroyVDI(ctx context.Context, vdi string) error

	// DestroyVBD detaches a block device from a VM
	DestroyVBD(ctx context.Context, vmID, diskID string) error

	// DestroyVM removes the VM record
	DestroyVM(ctx context.Context, id string) error

	// AttachConfigDrive attaches an ISO image as a read-only cdrom
	AttachConfigDrive(ctx context.Context, id string, data []byte) error
}

// EventPublisher delivers lifecycle events. Publishing is best effort: a
// failure is logged and never fails the operation.
type EventPublisher interface {
	Publish(ctx context.Context, event v1alpha1.InstanceEvent) error
}

// Recorder receives operation measurements.
//
// In production, this is satisfied by *metrics.Metrics.
type Recorder interface {
	// ObserveOperation records the outcome and duration of a facade operation
	ObserveOperation(op string, err error, d time.Duration)

	// ObserveStatus records a status evaluation
	ObserveStatus(status v1alpha1.InstanceStatus)

	// ObserveTeardownStep records one termination step
	ObserveTeardownStep(action v1alpha1.TerminationAction, failed bool)
}

type nopPublisher struct{}

func (nopPublisher) Publish(context.Context, v1alpha1.InstanceEvent) error { return nil }

type nopRecorder struct{}

func (nopRecorder) ObserveOperation(string, error, time.Duration) {}
func (nopRecorder) ObserveStatus(v1alpha1.InstanceStatus) {}
func (nopRecorder) ObserveTeardownStep(v1alpha1.TerminationAction, bool) {}

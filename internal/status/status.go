// Package status derives the lifecycle status kiln reports for an instance
// and keeps the set of instances that have already been observed.
//
// The first observation of an instance is always reported as STARTING, no
// matter what the hypervisor says. After that the status is a pure function
// of the power state: running maps to RUNNING, everything else to STOPPED.
package status

import (
	"github.com/jbweber/kiln/api/v1alpha1"
	"github.com/jbweber/kiln/internal/hypervisor"
)

// FromPowerState maps a hypervisor power state to an instance status for an
// instance that has already been observed once.
func FromPowerState(state hypervisor.PowerState) v1alpha1.InstanceStatus {
	if state == hypervisor.PowerStateRunning {
		return v1alpha1.InstanceRunning
	}
	return v1alpha1.InstanceStopped
}

// Evaluate combines the first-observation flag with the power state.
func Evaluate(first bool, state hypervisor.PowerState) v1alpha1.InstanceStatus {
	if first {
		return v1alpha1.InstanceStarting
	}
	return FromPowerState(state)
}

// IsTerminal returns true if the instance will not become usable again on
// its own.
func IsTerminal(status v1alpha1.InstanceStatus) bool {
	return status == v1alpha1.InstanceStopped
}

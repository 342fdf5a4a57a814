package v1alpha1

import (
	"errors"
	"fmt"
)

// Image is a template VM from which instances are cloned.
//
// Exactly one Image is configured per deployment. ID is the hypervisor UUID
// of the template domain.
type Image struct {
	TypeMeta `json:",inline" yaml:",inline"`

	ID   string `json:"id" yaml:"id"`
	Name string `json:"name" yaml:"name"`
}

// InstanceStatus is the three-state lifecycle status reported to the CI
// orchestrator.
type InstanceStatus string

const (
	// InstanceStarting is reported on the first observation of an instance.
	InstanceStarting InstanceStatus = "STARTING"
	// InstanceRunning means the hypervisor reports the VM as running.
	InstanceRunning InstanceStatus = "RUNNING"
	// InstanceStopped covers every other power state and any failure.
	InstanceStopped InstanceStatus = "STOPPED"
)

// Instance is a running or stopped clone of an Image.
//
// ImageID is the typed form of the relationship. On the hypervisor the same
// relationship is stored as a tag set containing exactly the image ID.
type Instance struct {
	TypeMeta `json:",inline" yaml:",inline"`

	ID      string `json:"id" yaml:"id"`
	Name    string `json:"name" yaml:"name"`
	ImageID string `json:"imageID" yaml:"imageID"`

	// NetworkIdentity is the guest address the agent on this instance
	// identifies itself with. Empty until the guest reports its networks.
	// +optional
	NetworkIdentity string `json:"networkIdentity,omitempty" yaml:"networkIdentity,omitempty"`

	// +optional
	Status InstanceStatus `json:"status,omitempty" yaml:"status,omitempty"`

	// +optional
	Tags []string `json:"tags,omitempty" yaml:"tags,omitempty"`
}

// DeepCopy creates a deep copy of the Instance.
func (in *Instance) DeepCopy() *Instance {
	if in == nil {
		return nil
	}
	out := new(Instance)
	*out = *in
	if in.Tags != nil {
		out.Tags = append([]string(nil), in.Tags...)
	}
	return out
}

// TerminationAction names one teardown step.
type TerminationAction string

const (
	ActionPowerOff   TerminationAction = "PowerOff"
	ActionListDisks  TerminationAction = "ListDisks"
	ActionDestroyVDI TerminationAction = "DestroyVDI"
	ActionDetachVBD  TerminationAction = "DetachVBD"
	ActionDestroyVM  TerminationAction = "DestroyVM"
)

// TerminationStep records the outcome of one teardown step.
type TerminationStep struct {
	Action TerminationAction `json:"action" yaml:"action"`

	// Target is the VBD device or VDI reference the step acted on. Empty for
	// VM-level steps.
	// +optional
	Target string `json:"target,omitempty" yaml:"target,omitempty"`

	// Skipped is set when the step was not needed (e.g. the VM was already
	// halted, or the volume is shared).
	// +optional
	Skipped bool `json:"skipped,omitempty" yaml:"skipped,omitempty"`

	// Error is the failure message, empty on success.
	// +optional
	Error string `json:"error,omitempty" yaml:"error,omitempty"`

	err error
}

// Err returns the step failure, if any.
func (s TerminationStep) Err() error {
	return s.err
}

// TerminationReport lists every teardown step attempted for an instance.
//
// A report for a VM that was already gone is empty and complete, exactly
// like one for a VM that had nothing left to clean up.
type TerminationReport struct {
	TypeMeta `json:",inline" yaml:",inline"`

	InstanceID string            `json:"instanceID" yaml:"instanceID"`
	Steps      []TerminationStep `json:"steps,omitempty" yaml:"steps,omitempty"`
	StartedAt  Time              `json:"startedAt,omitempty" yaml:"startedAt,omitempty"`
	FinishedAt Time              `json:"finishedAt,omitempty" yaml:"finishedAt,omitempty"`
}

// Record appends a step outcome. A nil err records success.
func (r *TerminationReport) Record(action TerminationAction, target string, err error) {
	step := TerminationStep{Action: action, Target: target, err: err}
	if err != nil {
		step.Error = err.Error()
	}
	r.Steps = append(r.Steps, step)
}

// Skip appends a step that did not need to run.
func (r *TerminationReport) Skip(action TerminationAction, target string) {
	r.Steps = append(r.Steps, TerminationStep{Action: action, Target: target, Skipped: true})
}

// Attempted reports whether any step ran rather than being skipped.
func (r *TerminationReport) Attempted() bool {
	for _, s := range r.Steps {
		if !s.Skipped {
			return true
		}
	}
	return false
}

// Failed returns the steps that did not succeed.
func (r *TerminationReport) Failed() []TerminationStep {
	var failed []TerminationStep
	for _, s := range r.Steps {
		if s.err != nil || s.Error != "" {
			failed = append(failed, s)
		}
	}
	return failed
}

// Err joins every step failure, or returns nil when all steps succeeded.
func (r *TerminationReport) Err() error {
	var errs []error
	for _, s := range r.Failed() {
		err := s.err
		if err == nil {
			err = errors.New(s.Error)
		}
		errs = append(errs, fmt.Errorf("%s %s: %w", s.Action, s.Target, err))
	}
	return errors.Join(errs...)
}

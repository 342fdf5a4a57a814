package cloud

import (
	"context"

	"go.uber.org/zap"

	"github.com/jbweber/kiln/api/v1alpha1"
	"github.com/jbweber/kiln/internal/agentconfig"
	"github.com/jbweber/kiln/internal/hypervisor"
	"github.com/jbweber/kiln/internal/naming"
)

// Provisioning steps named in ProvisioningError.
const (
	StepClone         = "clone"
	StepClearTemplate = "clear-template"
	StepTag           = "tag"
	StepConfigDrive   = "config-drive"
	StepPowerOn       = "power-on"
)

// InstanceTracker discovers the instances of an image by tag and creates
// new ones by cloning the image.
type InstanceTracker struct {
	hv    Hypervisor
	retry RetryPolicy
	log   *zap.Logger
}

// NewInstanceTracker creates a tracker over hv.
func NewInstanceTracker(hv Hypervisor, retry RetryPolicy, log *zap.Logger) *InstanceTracker {
	if log == nil {
		log = zap.NewNop()
	}
	return &InstanceTracker{hv: hv, retry: retry, log: log}
}

// toInstance attributes vm to image. A VM whose tag set merely contains the
// image id, or is otherwise not exactly {image.ID}, is an anomaly: it is
// logged and not attributed.
func (t *InstanceTracker) toInstance(image v1alpha1.Image, vm hypervisor.VM) (v1alpha1.Instance, bool) {
	if vm.IsTemplate {
		return v1alpha1.Instance{}, false
	}
	if vm.HasExactTag(image.ID) {
		return v1alpha1.NewInstance(vm.ID, vm.Name, image.ID), true
	}
	if vm.HasTag(image.ID) {
		t.log.Warn("ignoring VM with inconsistent tags",
			zap.String("instance_id", vm.ID),
			zap.String("name", vm.Name),
			zap.String("image_id", image.ID),
			zap.Strings("tags", vm.Tags))
	}
	return v1alpha1.Instance{}, false
}

// ListInstances returns the clones of image, i.e. the VMs whose tag set is
// exactly {image.ID}. Templates are skipped.
func (t *InstanceTracker) ListInstances(ctx context.Context, image v1alpha1.Image) ([]v1alpha1.Instance, error) {
	var vms []hypervisor.VM
	err := t.retry.read(ctx, func() error {
		var err error
		vms, err = t.hv.ListVMs(ctx)
		return err
	})
	if err != nil {
		return nil, classify(err, "failed to list VMs")
	}

	instances := make([]v1alpha1.Instance, 0)
	for _, vm := range vms {
		if inst, ok := t.toInstance(image, vm); ok {
			instances = append(instances, inst)
		}
	}
	return instances, nil
}

// FindInstance returns the instance of image with the given id. Missing or
// foreign ids report false with a nil error.
func (t *InstanceTracker) FindInstance(ctx context.Context, image v1alpha1.Image, id string) (v1alpha1.Instance, bool, error) {
	if id == "" {
		return v1alpha1.Instance{}, false, nil
	}

	var vm hypervisor.VM
	err := t.retry.read(ctx, func() error {
		var err error
		vm, err = t.hv.GetVM(ctx, id)
		return err
	})
	if err != nil {
		if hypervisor.IsNotFound(err) {
			return v1alpha1.Instance{}, false, nil
		}
		return v1alpha1.Instance{}, false, classify(err, "failed to look up instance %s", id)
	}

	inst, ok := t.toInstance(image, vm)
	return inst, ok, nil
}

// Create clones image under a fresh name, clears the template flag, tags the
// clone with {image.ID}, attaches the agent configuration drive and powers
// it on. It does not wait for the guest to boot.
//
// A failed step returns a *ProvisioningError naming the step. The partial
// clone is not rolled back.
func (t *InstanceTracker) Create(ctx context.Context, image v1alpha1.Image, namePrefix string, userData agentconfig.UserData) (v1alpha1.Instance, error) {
	name := naming.InstanceName(namePrefix)
	log := t.log.With(zap.String("image_id", image.ID), zap.String("name", name))

	fail := func(step, id string, err error) (v1alpha1.Instance, error) {
		log.Warn("failed to provision instance", zap.String("step", step), zap.String("instance_id", id), zap.Error(err))
		return v1alpha1.Instance{}, &ProvisioningError{Step: step, InstanceID: id, Name: name, Err: err}
	}

	log.Info("cloning template", zap.String("step", StepClone))
	vm, err := t.hv.CloneVM(ctx, image.ID, name)
	if err != nil {
		return fail(StepClone, "", err)
	}
	log = log.With(zap.String("instance_id", vm.ID))

	if err := t.hv.SetIsTemplate(ctx, vm.ID, false); err != nil {
		return fail(StepClearTemplate, vm.ID, err)
	}

	if err := t.hv.SetTags(ctx, vm.ID, []string{image.ID}); err != nil {
		return fail(StepTag, vm.ID, err)
	}

	if !userData.IsEmpty() {
		iso, err := agentconfig.GenerateISO(userData, name, image.ID)
		if err != nil {
			return fail(StepConfigDrive, vm.ID, err)
		}
		if err := t.hv.AttachConfigDrive(ctx, vm.ID, iso); err != nil {
			return fail(StepConfigDrive, vm.ID, err)
		}
		log.Debug("attached agent configuration drive", zap.String("step", StepConfigDrive))
	}

	log.Info("powering on instance", zap.String("step", StepPowerOn))
	if err := t.hv.PowerOn(ctx, vm.ID); err != nil {
		return fail(StepPowerOn, vm.ID, err)
	}

	return v1alpha1.NewInstance(vm.ID, name, image.ID), nil
}

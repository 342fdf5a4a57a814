package cloud

import (
	"context"
	"fmt"

	"go.uber.org/zap"

	"github.com/jbweber/kiln/api/v1alpha1"
	"github.com/jbweber/kiln/internal/agentconfig"
	"github.com/jbweber/kiln/internal/hypervisor"
)

// LifecycleController starts, restarts and terminates instances.
//
// No lock serialises concurrent starts: the unique clone name is the only
// protection, so two concurrent starts may both pass the quota check.
type LifecycleController struct {
	hv           Hypervisor
	tracker      *InstanceTracker
	oracle       *StatusOracle
	namePrefix   string
	maxInstances int
	events       EventPublisher
	rec          Recorder
	log          *zap.Logger
}

// LifecycleOptions configures a LifecycleController.
type LifecycleOptions struct {
	// NamePrefix prefixes clone names.
	NamePrefix string
	// MaxInstances caps the number of instances per image. Zero means no cap.
	MaxInstances int
	Events       EventPublisher
	Recorder     Recorder
	Logger       *zap.Logger
}

// NewLifecycleController creates a controller.
func NewLifecycleController(hv Hypervisor, tracker *InstanceTracker, oracle *StatusOracle, opts LifecycleOptions) *LifecycleController {
	c := &LifecycleController{
		hv:           hv,
		tracker:      tracker,
		oracle:       oracle,
		namePrefix:   opts.NamePrefix,
		maxInstances: opts.MaxInstances,
		events:       opts.Events,
		rec:          opts.Recorder,
		log:          opts.Logger,
	}
	if c.events == nil {
		c.events = nopPublisher{}
	}
	if c.rec == nil {
		c.rec = nopRecorder{}
	}
	if c.log == nil {
		c.log = zap.NewNop()
	}
	return c
}

// CanStart reports whether another instance of image may be started.
func (c *LifecycleController) CanStart(ctx context.Context, image v1alpha1.Image) (bool, error) {
	if c.maxInstances <= 0 {
		return true, nil
	}
	instances, err := c.tracker.ListInstances(ctx, image)
	if err != nil {
		return false, err
	}
	return len(instances) < c.maxInstances, nil
}

// Start creates and powers on a new instance of image. It does not wait for
// the instance to reach RUNNING.
func (c *LifecycleController) Start(ctx context.Context, image v1alpha1.Image, userData agentconfig.UserData) (v1alpha1.Instance, error) {
	ok, err := c.CanStart(ctx, image)
	if err != nil {
		return v1alpha1.Instance{}, err
	}
	if !ok {
		return v1alpha1.Instance{}, fmt.Errorf("%w: image %s already has %d instances", ErrQuotaExceeded, image.ID, c.maxInstances)
	}

	inst, err := c.tracker.Create(ctx, image, c.namePrefix, userData)
	if err != nil {
		return v1alpha1.Instance{}, err
	}

	c.log.Info("started instance", zap.String("instance_id", inst.ID), zap.String("image_id", image.ID), zap.String("name", inst.Name))
	c.publish(ctx, v1alpha1.NewInstanceEvent(v1alpha1.EventInstanceStarted, inst))
	return inst, nil
}

// Restart hard-reboots inst.
func (c *LifecycleController) Restart(ctx context.Context, inst v1alpha1.Instance) error {
	if err := c.hv.HardReboot(ctx, inst.ID); err != nil {
		return classify(err, "failed to restart instance %s", inst.ID)
	}

	c.log.Info("restarted instance", zap.String("instance_id", inst.ID))
	c.publish(ctx, v1alpha1.NewInstanceEvent(v1alpha1.EventInstanceRestarted, inst))
	return nil
}

// Terminate tears inst down, best effort and in order:
//  1. Power off (skipped when the VM is already halted)
//  2. For each disk: destroy the backing volume if the instance owns it,
//     then detach the disk
//  3. Destroy the VM record
//
// Failures of steps 1 and 2 are recorded in the report and do not stop the
// teardown. The returned error is non-nil only when the VM record could not
// be destroyed. A VM that is already gone yields an empty, complete report
// and publishes no event.
func (c *LifecycleController) Terminate(ctx context.Context, inst v1alpha1.Instance) (*v1alpha1.TerminationReport, error) {
	report := v1alpha1.NewTerminationReport(inst.ID)
	log := c.log.With(zap.String("instance_id", inst.ID))

	err := c.terminate(ctx, inst.ID, report, log)
	report.Finish()

	if ferr := c.oracle.Forget(inst.ID); ferr != nil {
		log.Warn("failed to forget observed instance", zap.Error(ferr))
	}

	for _, s := range report.Steps {
		c.rec.ObserveTeardownStep(s.Action, s.Err() != nil || s.Error != "")
	}

	if err != nil {
		return report, err
	}
	if !report.Attempted() {
		// Already gone, nothing to announce.
		return report, nil
	}

	event := v1alpha1.NewInstanceEvent(v1alpha1.EventInstanceTerminated, inst)
	if rerr := report.Err(); rerr != nil {
		event.Error = rerr.Error()
	}
	c.publish(ctx, event)
	return report, nil
}

// gone reports whether err means the VM disappeared. Teardown stops there
// and the report is complete.
func gone(err error) bool {
	return hypervisor.IsNotFound(err)
}

func (c *LifecycleController) terminate(ctx context.Context, id string, report *v1alpha1.TerminationReport, log *zap.Logger) error {
	state, err := c.hv.PowerState(ctx, id)
	switch {
	case gone(err):
		log.Debug("instance already gone")
		return nil
	case err != nil:
		// Unknown state: try to power off anyway.
		log.Warn("failed to get power state", zap.Error(err))
		state = hypervisor.PowerStateUnknown
	}

	if state == hypervisor.PowerStateHalted {
		report.Skip(v1alpha1.ActionPowerOff, "")
	} else {
		err := c.hv.HardShutdown(ctx, id)
		if gone(err) {
			return nil
		}
		if err != nil {
			log.Warn("failed to power off instance", zap.Error(err))
		}
		report.Record(v1alpha1.ActionPowerOff, "", err)
	}

	disks, err := c.hv.ListDisks(ctx, id)
	if gone(err) {
		return nil
	}
	if err != nil {
		log.Warn("failed to list disks", zap.Error(err))
		report.Record(v1alpha1.ActionListDisks, "", err)
	}

	for _, d := range disks {
		switch {
		case d.VDI == "":
		case d.Owned:
			err := c.hv.DestroyVDI(ctx, d.VDI)
			if gone(err) {
				// Already deleted counts as done.
				err = nil
			}
			if err != nil {
				log.Warn("failed to destroy volume", zap.String("vdi", d.VDI), zap.Error(err))
			}
			report.Record(v1alpha1.ActionDestroyVDI, d.VDI, err)
		default:
			report.Skip(v1alpha1.ActionDestroyVDI, d.VDI)
		}

		err := c.hv.DestroyVBD(ctx, id, d.ID)
		if gone(err) {
			err = nil
		}
		if err != nil {
			log.Warn("failed to detach disk", zap.String("vbd", d.ID), zap.Error(err))
		}
		report.Record(v1alpha1.ActionDetachVBD, d.ID, err)
	}

	err = c.hv.DestroyVM(ctx, id)
	if gone(err) {
		err = nil
	}
	report.Record(v1alpha1.ActionDestroyVM, "", err)
	if err != nil {
		log.Warn("failed to destroy instance", zap.Error(err))
		return classify(err, "failed to destroy instance %s", id)
	}

	log.Info("terminated instance", zap.Int("steps", len(report.Steps)), zap.Int("failed", len(report.Failed())))
	return nil
}

func (c *LifecycleController) publish(ctx context.Context, event v1alpha1.InstanceEvent) {
	if err := c.events.Publish(ctx, event); err != nil {
		c.log.Warn("failed to publish event",
			zap.String("type", string(event.Type)),
			zap.String("instance_id", event.InstanceID),
			zap.Error(err))
	}
}

package cloud

import (
	"context"
	"fmt"

	"go.uber.org/zap"

	"github.com/jbweber/kiln/api/v1alpha1"
	"github.com/jbweber/kiln/internal/hypervisor"
	"github.com/jbweber/kiln/internal/status"
)

// Observation is the outcome of one status evaluation.
//
// Err is nil when the status reflects the hypervisor's answer. A non-nil Err
// means the state is unknown; errors.Is(Err, ErrResourceNotFound) means the
// VM is gone. Status is STOPPED whenever Err is set.
type Observation struct {
	Status     v1alpha1.InstanceStatus
	PowerState hypervisor.PowerState
	Err        error
}

// StatusOracle evaluates instance status. The first observation of an
// existing VM is STARTING regardless of power state; later ones follow the
// power state. A VM that is gone is always STOPPED with ErrResourceNotFound.
type StatusOracle struct {
	hv       Hypervisor
	observed status.ObservedStore
	retry    RetryPolicy
	rec      Recorder
	log      *zap.Logger
}

// NewStatusOracle creates an oracle backed by the given observed set.
func NewStatusOracle(hv Hypervisor, observed status.ObservedStore, retry RetryPolicy, rec Recorder, log *zap.Logger) *StatusOracle {
	if log == nil {
		log = zap.NewNop()
	}
	if rec == nil {
		rec = nopRecorder{}
	}
	return &StatusOracle{hv: hv, observed: observed, retry: retry, rec: rec, log: log}
}

// Observe evaluates the status of inst.
func (o *StatusOracle) Observe(ctx context.Context, inst v1alpha1.Instance) Observation {
	obs := o.observe(ctx, inst)
	o.rec.ObserveStatus(obs.Status)
	return obs
}

func (o *StatusOracle) observe(ctx context.Context, inst v1alpha1.Instance) Observation {
	first, err := o.observed.MarkObserved(inst.ID)
	if err != nil {
		return Observation{
			Status:     v1alpha1.InstanceStopped,
			PowerState: hypervisor.PowerStateUnknown,
			Err:        fmt.Errorf("failed to record observation of %s: %w", inst.ID, err),
		}
	}
	if first {
		return o.observeFirst(ctx, inst)
	}
	return o.inspect(ctx, inst)
}

// observeFirst confirms the VM exists before reporting STARTING. When it
// does not, the latch is released so a later successful observation is
// still the first.
func (o *StatusOracle) observeFirst(ctx context.Context, inst v1alpha1.Instance) Observation {
	err := o.retry.read(ctx, func() error {
		_, err := o.hv.GetVM(ctx, inst.ID)
		return err
	})
	if err != nil {
		if ferr := o.observed.Forget(inst.ID); ferr != nil {
			o.log.Warn("failed to release observation", zap.String("instance_id", inst.ID), zap.Error(ferr))
		}
		return Observation{
			Status:     v1alpha1.InstanceStopped,
			PowerState: hypervisor.PowerStateUnknown,
			Err:        classify(err, "failed to look up instance %s", inst.ID),
		}
	}

	o.log.Debug("first observation", zap.String("instance_id", inst.ID))
	return Observation{Status: v1alpha1.InstanceStarting, PowerState: hypervisor.PowerStateUnknown}
}

// Inspect evaluates inst from its power state alone. It neither reads nor
// records the first-observation latch.
func (o *StatusOracle) Inspect(ctx context.Context, inst v1alpha1.Instance) Observation {
	return o.inspect(ctx, inst)
}

func (o *StatusOracle) inspect(ctx context.Context, inst v1alpha1.Instance) Observation {
	var state hypervisor.PowerState
	err := o.retry.read(ctx, func() error {
		var err error
		state, err = o.hv.PowerState(ctx, inst.ID)
		return err
	})
	if err != nil {
		return Observation{
			Status:     v1alpha1.InstanceStopped,
			PowerState: hypervisor.PowerStateUnknown,
			Err:        classify(err, "failed to get power state of %s", inst.ID),
		}
	}

	return Observation{Status: status.Evaluate(false, state), PowerState: state}
}

// Status returns the status of inst. Failures report STOPPED; use Observe
// to tell a stopped VM from an unreachable one.
func (o *StatusOracle) Status(ctx context.Context, inst v1alpha1.Instance) v1alpha1.InstanceStatus {
	obs := o.Observe(ctx, inst)
	if obs.Err != nil {
		o.log.Debug("status unknown, reporting STOPPED", zap.String("instance_id", inst.ID), zap.Error(obs.Err))
	}
	return obs.Status
}

// Forget drops id from the observed set.
func (o *StatusOracle) Forget(id string) error {
	return o.observed.Forget(id)
}

package cloud

import (
	"errors"
	"fmt"

	"github.com/jbweber/kiln/internal/hypervisor"
)

// Error taxonomy. Every error returned by this package wraps exactly one of
// these sentinels; match them with errors.Is.
var (
	// ErrConfiguration means the deployment is misconfigured. Not retryable.
	ErrConfiguration = errors.New("configuration error")

	// ErrProvisioning means an instance could not be created. Retryable; the
	// partial clone may need manual cleanup.
	ErrProvisioning = errors.New("provisioning failed")

	// ErrTransientRPC means a hypervisor call failed or timed out. Retryable.
	ErrTransientRPC = errors.New("hypervisor call failed")

	// ErrResourceNotFound means the object is gone from the hypervisor.
	ErrResourceNotFound = errors.New("resource not found")

	// ErrQuotaExceeded means the instance limit has been reached.
	ErrQuotaExceeded = errors.New("instance quota exceeded")
)

// IsRetryable reports whether the orchestrator may retry the operation.
func IsRetryable(err error) bool {
	return errors.Is(err, ErrProvisioning) || errors.Is(err, ErrTransientRPC)
}

// classify wraps a hypervisor error in the matching sentinel. Missing
// objects become ErrResourceNotFound, everything else ErrTransientRPC.
func classify(err error, format string, args ...any) error {
	if err == nil {
		return nil
	}
	msg := fmt.Sprintf(format, args...)
	if hypervisor.IsNotFound(err) {
		return fmt.Errorf("%s: %w: %w", msg, ErrResourceNotFound, err)
	}
	return fmt.Errorf("%s: %w: %w", msg, ErrTransientRPC, err)
}

// configError wraps a configuration problem.
func configError(format string, args ...any) error {
	return fmt.Errorf("%w: %s", ErrConfiguration, fmt.Sprintf(format, args...))
}

// ProvisioningError reports the step at which Create failed and the id of
// the partial clone, if one was defined.
type ProvisioningError struct {
	// Step is the provisioning step that failed (clone, tag, power-on, ...).
	Step string
	// InstanceID is the id of the partial clone; empty when cloning failed.
	InstanceID string
	// Name is the clone's name.
	Name string
	Err  error
}

func (e *ProvisioningError) Error() string {
	if e.InstanceID == "" {
		return fmt.Sprintf("%s: step %s of %s: %v", ErrProvisioning, e.Step, e.Name, e.Err)
	}
	return fmt.Sprintf("%s: step %s of %s (id %s, left for manual cleanup): %v",
		ErrProvisioning, e.Step, e.Name, e.InstanceID, e.Err)
}

// Unwrap exposes both the sentinel and the cause to errors.Is and errors.As.
func (e *ProvisioningError) Unwrap() []error {
	return []error{ErrProvisioning, e.Err}
}

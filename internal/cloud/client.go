// Package cloud implements the VM lifecycle controller behind kiln: it
// resolves the template image, tracks the instances cloned from it, reports
// their status, starts, restarts and terminates them, and correlates build
// agents with the instances they run on.
//
// Client is the facade the CI orchestrator consumes. Every method is safe for
// concurrent use. Errors wrap one of the sentinels in errors.go.
package cloud

import (
	"context"
	"errors"
	"fmt"
	"net/netip"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/jbweber/kiln/api/v1alpha1"
	"github.com/jbweber/kiln/internal/agentconfig"
	"github.com/jbweber/kiln/internal/naming"
	"github.com/jbweber/kiln/internal/status"
)

const tracerName = "github.com/jbweber/kiln/internal/cloud"

// Options configures a Client.
type Options struct {
	// TemplateID is the hypervisor id of the template VM.
	TemplateID string
	// NamePrefix prefixes clone names. Defaults to naming.DefaultInstancePrefix.
	NamePrefix string
	// MaxInstances caps the instances of the image. Zero means no cap.
	MaxInstances int

	// AgentPrefix prefixes the expected agent name. Defaults to
	// naming.DefaultAgentPrefix.
	AgentPrefix string
	// ManagementCIDR restricts which guest addresses can be the network
	// identity. Empty allows all.
	ManagementCIDR string
	// AgentDefaults is merged into the user data of every started instance.
	AgentDefaults agentconfig.UserData

	Retry RetryPolicy
	// Observed holds the first-observation latch. Defaults to an in-memory
	// store.
	Observed status.ObservedStore
	Events   EventPublisher
	Recorder Recorder
	Logger   *zap.Logger
	Tracer   trace.Tracer
}

// Client is the orchestrator-facing facade over the lifecycle components.
type Client struct {
	hv         Hypervisor
	catalog    *ImageCatalog
	tracker    *InstanceTracker
	oracle     *StatusOracle
	lifecycle  *LifecycleController
	correlator *AgentCorrelator

	agentDefaults agentconfig.UserData
	rec           Recorder
	tracer        trace.Tracer
	log           *zap.Logger
}

// New assembles a Client over hv. An invalid name prefix or management CIDR
// is ErrConfiguration.
func New(hv Hypervisor, opts Options) (*Client, error) {
	if opts.NamePrefix == "" {
		opts.NamePrefix = naming.DefaultInstancePrefix
	}
	if err := naming.ValidatePrefix(opts.NamePrefix); err != nil {
		return nil, configError("cloud.name_prefix: %v", err)
	}
	if opts.AgentPrefix == "" {
		opts.AgentPrefix = naming.DefaultAgentPrefix
	}
	if opts.MaxInstances < 0 {
		return nil, configError("cloud.max_instances must not be negative")
	}

	var management netip.Prefix
	if opts.ManagementCIDR != "" {
		p, err := netip.ParsePrefix(opts.ManagementCIDR)
		if err != nil {
			return nil, configError("agent.management_cidr: %v", err)
		}
		management = p.Masked()
	}

	if opts.Logger == nil {
		opts.Logger = zap.NewNop()
	}
	if opts.Recorder == nil {
		opts.Recorder = nopRecorder{}
	}
	if opts.Observed == nil {
		opts.Observed = status.NewMemoryStore(status.DefaultObservedTTL)
	}
	if opts.Tracer == nil {
		opts.Tracer = otel.Tracer(tracerName)
	}

	log := opts.Logger
	tracker := NewInstanceTracker(hv, opts.Retry, log)
	oracle := NewStatusOracle(hv, opts.Observed, opts.Retry, opts.Recorder, log)

	return &Client{
		hv:         hv,
		catalog:    NewImageCatalog(hv, opts.TemplateID, opts.Retry, log),
		tracker:    tracker,
		oracle:     oracle,
		correlator: NewAgentCorrelator(hv, opts.AgentPrefix, management, opts.Retry, log),
		lifecycle: NewLifecycleController(hv, tracker, oracle, LifecycleOptions{
			NamePrefix:   opts.NamePrefix,
			MaxInstances: opts.MaxInstances,
			Events:       opts.Events,
			Recorder:     opts.Recorder,
			Logger:       log,
		}),
		agentDefaults: opts.AgentDefaults,
		rec:           opts.Recorder,
		tracer:        opts.Tracer,
		log:           log,
	}, nil
}

// begin opens a span for op and returns a function that closes it and
// records the outcome.
func (c *Client) begin(ctx context.Context, op string, attrs ...attribute.KeyValue) (context.Context, func(error)) {
	start := time.Now()
	ctx, span := c.tracer.Start(ctx, "kiln."+op, trace.WithAttributes(attrs...))
	return ctx, func(err error) {
		if err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
		}
		span.End()
		c.rec.ObserveOperation(op, err, time.Since(start))
	}
}

// ListImages returns the configured image.
func (c *Client) ListImages(ctx context.Context) (images []v1alpha1.Image, err error) {
	ctx, end := c.begin(ctx, "ListImages")
	defer func() { end(err) }()
	return c.catalog.List(ctx)
}

// FindImageByID returns the image with the given id, or false.
func (c *Client) FindImageByID(ctx context.Context, id string) (img v1alpha1.Image, ok bool, err error) {
	ctx, end := c.begin(ctx, "FindImageByID", attribute.String("image_id", id))
	defer func() { end(err) }()
	return c.catalog.FindByID(ctx, id)
}

// ListInstances returns the instances of image.
func (c *Client) ListInstances(ctx context.Context, image v1alpha1.Image) (instances []v1alpha1.Instance, err error) {
	ctx, end := c.begin(ctx, "ListInstances", attribute.String("image_id", image.ID))
	defer func() { end(err) }()
	return c.tracker.ListInstances(ctx, image)
}

// FindInstanceByID returns the instance of image with the given id, or false.
func (c *Client) FindInstanceByID(ctx context.Context, image v1alpha1.Image, id string) (inst v1alpha1.Instance, ok bool, err error) {
	ctx, end := c.begin(ctx, "FindInstanceByID", attribute.String("image_id", image.ID), attribute.String("instance_id", id))
	defer func() { end(err) }()
	return c.tracker.FindInstance(ctx, image, id)
}

// CanStartNewInstance reports whether the quota allows another instance.
func (c *Client) CanStartNewInstance(ctx context.Context, image v1alpha1.Image) (ok bool, err error) {
	ctx, end := c.begin(ctx, "CanStartNewInstance", attribute.String("image_id", image.ID))
	defer func() { end(err) }()
	return c.lifecycle.CanStart(ctx, image)
}

// Start clones and powers on a new instance of image. userData is merged
// over the configured agent defaults.
func (c *Client) Start(ctx context.Context, image v1alpha1.Image, userData agentconfig.UserData) (inst v1alpha1.Instance, err error) {
	ctx, end := c.begin(ctx, "Start", attribute.String("image_id", image.ID))
	defer func() { end(err) }()
	return c.lifecycle.Start(ctx, image, c.mergeUserData(userData))
}

func (c *Client) mergeUserData(u agentconfig.UserData) agentconfig.UserData {
	merged := c.agentDefaults
	if u.ServerURL != "" {
		merged.ServerURL = u.ServerURL
	}
	for k, v := range u.Parameters {
		merged = merged.WithParameter(k, v)
	}
	return merged
}

// Restart hard-reboots inst.
func (c *Client) Restart(ctx context.Context, inst v1alpha1.Instance) (err error) {
	ctx, end := c.begin(ctx, "Restart", attribute.String("instance_id", inst.ID))
	defer func() { end(err) }()
	return c.lifecycle.Restart(ctx, inst)
}

// Terminate tears inst down and returns the step-by-step report.
func (c *Client) Terminate(ctx context.Context, inst v1alpha1.Instance) (report *v1alpha1.TerminationReport, err error) {
	ctx, end := c.begin(ctx, "Terminate", attribute.String("instance_id", inst.ID))
	defer func() { end(err) }()
	return c.lifecycle.Terminate(ctx, inst)
}

// Status returns the three-state status of inst. It never fails.
func (c *Client) Status(ctx context.Context, inst v1alpha1.Instance) v1alpha1.InstanceStatus {
	ctx, end := c.begin(ctx, "Status", attribute.String("instance_id", inst.ID))
	defer end(nil)
	return c.oracle.Status(ctx, inst)
}

// Observe returns the status of inst together with the reason it could not
// be determined, if any.
func (c *Client) Observe(ctx context.Context, inst v1alpha1.Instance) Observation {
	ctx, end := c.begin(ctx, "Observe", attribute.String("instance_id", inst.ID))
	obs := c.oracle.Observe(ctx, inst)
	end(obs.Err)
	return obs
}

// Inspect returns the power-state status of inst without touching the
// first-observation latch. Use it where nothing outlives the call to
// remember the observation.
func (c *Client) Inspect(ctx context.Context, inst v1alpha1.Instance) Observation {
	ctx, end := c.begin(ctx, "Inspect", attribute.String("instance_id", inst.ID))
	obs := c.oracle.Inspect(ctx, inst)
	end(obs.Err)
	return obs
}

// IdentityOf returns the network identity of inst.
func (c *Client) IdentityOf(ctx context.Context, inst v1alpha1.Instance) (identity string, ok bool, err error) {
	ctx, end := c.begin(ctx, "IdentityOf", attribute.String("instance_id", inst.ID))
	defer func() { end(err) }()
	return c.correlator.IdentityOf(ctx, inst)
}

// BelongsTo reports whether agent runs on inst.
func (c *Client) BelongsTo(ctx context.Context, inst v1alpha1.Instance, agent AgentDescriptor) (ok bool, err error) {
	ctx, end := c.begin(ctx, "BelongsTo", attribute.String("instance_id", inst.ID))
	defer func() { end(err) }()
	return c.correlator.BelongsTo(ctx, inst, agent)
}

// FindInstanceByAgent returns the instance of image that agent runs on.
func (c *Client) FindInstanceByAgent(ctx context.Context, image v1alpha1.Image, agent AgentDescriptor) (inst v1alpha1.Instance, ok bool, err error) {
	ctx, end := c.begin(ctx, "FindInstanceByAgent", attribute.String("image_id", image.ID))
	defer func() { end(err) }()

	instances, err := c.tracker.ListInstances(ctx, image)
	if err != nil {
		return v1alpha1.Instance{}, false, err
	}
	return c.correlator.FindInstanceByAgent(ctx, instances, agent)
}

// Validate performs a trial run against the hypervisor: the session must
// answer and the template must resolve. Every problem found is reported.
func (c *Client) Validate(ctx context.Context) (err error) {
	ctx, end := c.begin(ctx, "Validate")
	defer func() { end(err) }()

	var errs []error
	if perr := c.hv.Ping(ctx); perr != nil {
		errs = append(errs, fmt.Errorf("%w: hypervisor is unreachable: %w", ErrConfiguration, perr))
	} else if _, lerr := c.catalog.List(ctx); lerr != nil {
		errs = append(errs, lerr)
	}
	return errors.Join(errs...)
}

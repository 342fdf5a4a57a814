package main

import (
	"context"
	"errors"
	"fmt"
	"io"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/jbweber/kiln/api/v1alpha1"
	"github.com/jbweber/kiln/internal/cloud"
	"github.com/jbweber/kiln/internal/config"
	"github.com/jbweber/kiln/internal/events"
	"github.com/jbweber/kiln/internal/libvirt"
	"github.com/jbweber/kiln/internal/logging"
	"github.com/jbweber/kiln/internal/metrics"
	"github.com/jbweber/kiln/internal/status"
	"github.com/jbweber/kiln/internal/tracing"
)

const cloudTracerName = "github.com/jbweber/kiln/internal/cloud"

// dialFunc opens a hypervisor session and returns it with its closer.
type dialFunc func(ctx context.Context, cfg *config.Config, log *zap.Logger) (cloud.Hypervisor, func() error, error)

// dialHypervisor is replaced in tests.
var dialHypervisor dialFunc = dialLibvirt

// app holds everything a command needs to talk to the hypervisor.
type app struct {
	cfg      *config.Config
	log      *zap.Logger
	hv       cloud.Hypervisor
	client   *cloud.Client
	registry *prometheus.Registry

	// sharedLatch is set when the first-observation latch outlives the
	// process.
	sharedLatch bool

	closers []func() error
}

// loadConfig reads the configuration selected by --config.
func loadConfig() (*config.Config, error) {
	cfg, err := config.Load(cfgFile)
	if err != nil {
		return nil, fmt.Errorf("failed to load configuration: %w", err)
	}
	return cfg, nil
}

// newApp loads the configuration and connects to the hypervisor. Spans, if
// enabled, are written to the command's stderr.
func newApp(cmd *cobra.Command) (*app, error) {
	cfg, err := loadConfig()
	if err != nil {
		return nil, err
	}
	return newAppFromConfig(cmd, cfg)
}

// newAppFromConfig connects to the hypervisor described by cfg.
func newAppFromConfig(cmd *cobra.Command, cfg *config.Config) (*app, error) {
	log, err := logging.New(cfg.Logging.Level, cfg.Logging.Format)
	if err != nil {
		return nil, fmt.Errorf("%w: logging: %w", cloud.ErrConfiguration, err)
	}
	return newAppWithDeps(cmd.Context(), cfg, log, cmd.ErrOrStderr(), dialHypervisor)
}

// newAppWithDeps assembles an app with injected dependencies.
// This allows for testing without a libvirt daemon.
func newAppWithDeps(ctx context.Context, cfg *config.Config, log *zap.Logger, traceOut io.Writer, dial dialFunc) (*app, error) {
	if ctx == nil {
		ctx = context.Background()
	}
	a := &app{cfg: cfg, log: log, registry: prometheus.NewRegistry()}
	ready := false
	defer func() {
		if !ready {
			a.Close()
		}
	}()

	hv, closeHV, err := dial(ctx, cfg, log)
	if err != nil {
		return nil, err
	}
	a.hv = hv
	a.closers = append(a.closers, closeHV)

	store, err := openObservedStore(cfg.State)
	if err != nil {
		return nil, err
	}
	a.closers = append(a.closers, store.Close)
	_, a.sharedLatch = store.(*status.BadgerStore)

	var publisher cloud.EventPublisher
	if cfg.Events.NATSURL != "" {
		p, err := events.NewPublisher(events.Options{
			URL:           cfg.Events.NATSURL,
			SubjectPrefix: cfg.Events.SubjectPrefix,
			Logger:        log,
		})
		if err != nil {
			return nil, err
		}
		publisher = p
		a.closers = append(a.closers, p.Close)
	}

	tp, err := tracing.Setup(cfg.Tracing.Enabled, traceOut)
	if err != nil {
		return nil, err
	}
	a.closers = append(a.closers, func() error { return tp.Shutdown(context.Background()) })

	a.client, err = cloud.New(hv, cloud.Options{
		TemplateID:     cfg.Cloud.TemplateID,
		NamePrefix:     cfg.Cloud.NamePrefix,
		MaxInstances:   cfg.Cloud.MaxInstances,
		AgentPrefix:    cfg.Agent.NamePrefix,
		ManagementCIDR: cfg.Agent.ManagementCIDR,
		AgentDefaults:  cfg.AgentDefaults(),
		Retry:          cfg.RetryPolicy(),
		Observed:       store,
		Events:         publisher,
		Recorder:       metrics.New(a.registry),
		Logger:         log,
		Tracer:         tp.Tracer(cloudTracerName),
	})
	if err != nil {
		return nil, err
	}
	ready = true
	return a, nil
}

// dialLibvirt connects to libvirt and wraps the connection in a Session.
func dialLibvirt(ctx context.Context, cfg *config.Config, log *zap.Logger) (cloud.Hypervisor, func() error, error) {
	src, err := libvirt.ParseAddressSource(cfg.Hypervisor.AddressSource)
	if err != nil {
		return nil, nil, fmt.Errorf("%w: hypervisor.address_source: %w", cloud.ErrConfiguration, err)
	}

	opts := cfg.ConnectOptions()
	log.Debug("connecting to libvirt", zap.String("endpoint", opts.Endpoint()))

	client, err := libvirt.ConnectWithContext(ctx, opts)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to connect to libvirt: %w", err)
	}

	session := libvirt.NewSession(client.Libvirt(),
		libvirt.WithCallTimeout(cfg.Hypervisor.CallTimeout),
		libvirt.WithLogger(log),
		libvirt.WithAddressSource(src),
	)
	return session, client.Close, nil
}

// openObservedStore opens the configured first-observation store.
func openObservedStore(c config.StateConfig) (status.ObservedStore, error) {
	switch c.ObservedStore {
	case "", config.StoreMemory:
		return status.NewMemoryStore(c.ObservedTTL), nil
	case config.StoreBadger:
		if c.Path == "" {
			return nil, fmt.Errorf("%w: state.path is required for the badger store", cloud.ErrConfiguration)
		}
		return status.NewBadgerStore(c.Path, c.ObservedTTL)
	default:
		return nil, fmt.Errorf("%w: unknown state.observed_store %q", cloud.ErrConfiguration, c.ObservedStore)
	}
}

// observe evaluates inst for a one-shot command. A process-local latch
// would report every instance as STARTING on every run, so without a shared
// store the status comes from the power state alone.
func (a *app) observe(ctx context.Context, inst v1alpha1.Instance) cloud.Observation {
	if a.sharedLatch {
		return a.client.Observe(ctx, inst)
	}
	return a.client.Inspect(ctx, inst)
}

// image resolves the configured template image.
func (a *app) image(ctx context.Context) (v1alpha1.Image, error) {
	images, err := a.client.ListImages(ctx)
	if err != nil {
		return v1alpha1.Image{}, err
	}
	return images[0], nil
}

// instance resolves id among the instances of the configured image.
func (a *app) instance(ctx context.Context, id string) (v1alpha1.Instance, error) {
	img, err := a.image(ctx)
	if err != nil {
		return v1alpha1.Instance{}, err
	}
	inst, ok, err := a.client.FindInstanceByID(ctx, img, id)
	if err != nil {
		return v1alpha1.Instance{}, err
	}
	if !ok {
		return v1alpha1.Instance{}, fmt.Errorf("%w: instance %s of image %s", cloud.ErrResourceNotFound, id, img.ID)
	}
	return inst, nil
}

// Close releases resources in reverse order of acquisition. It is safe to
// call Close multiple times.
func (a *app) Close() {
	var errs []error
	for i := len(a.closers) - 1; i >= 0; i-- {
		if err := a.closers[i](); err != nil {
			errs = append(errs, err)
		}
	}
	a.closers = nil
	if err := errors.Join(errs...); err != nil {
		a.log.Warn("failed to release resources", zap.Error(err))
	}
	_ = a.log.Sync()
}

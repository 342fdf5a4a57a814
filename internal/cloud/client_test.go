package cloud

import (
	"context"
	"errors"
	"testing"

	"go.opentelemetry.io/otel/codes"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"

	"github.com/jbweber/kiln/api/v1alpha1"
	"github.com/jbweber/kiln/internal/agentconfig"
	"github.com/jbweber/kiln/internal/hypervisor"
)

func newTestClient(t *testing.T, pool *fakePool, opts Options) (*Client, *tracetest.SpanRecorder) {
	t.Helper()
	sr := tracetest.NewSpanRecorder()
	tp := sdktrace.NewTracerProvider(sdktrace.WithSpanProcessor(sr))
	t.Cleanup(func() { _ = tp.Shutdown(context.Background()) })

	if opts.TemplateID == "" {
		opts.TemplateID = "tmpl-1"
	}
	opts.Tracer = tp.Tracer(tracerName)
	c, err := New(pool, opts)
	if err != nil {
		t.Fatalf("New() error: %v", err)
	}
	return c, sr
}

// TestClient_Lifecycle walks one instance from clone to teardown.
func TestClient_Lifecycle(t *testing.T) {
	pool := newFakePool()
	pool.addTemplate("tmpl-1", "debian12-agent")
	pool.nextIDs = []string{"vm-a"}
	events := &mockPublisher{}
	c, _ := newTestClient(t, pool, Options{Events: events})
	ctx := context.Background()

	images, err := c.ListImages(ctx)
	if err != nil {
		t.Fatalf("ListImages() error: %v", err)
	}
	image := images[0]
	if image.ID != "tmpl-1" {
		t.Fatalf("image = %+v", image)
	}

	inst, err := c.Start(ctx, image, agentconfig.UserData{})
	if err != nil {
		t.Fatalf("Start() error: %v", err)
	}
	if inst.ID != "vm-a" {
		t.Fatalf("instance id = %q, want vm-a", inst.ID)
	}
	vm, err := pool.GetVM(ctx, "vm-a")
	if err != nil {
		t.Fatal(err)
	}
	if !vm.HasExactTag("tmpl-1") {
		t.Errorf("vm-a tags = %v, want {tmpl-1}", vm.Tags)
	}

	// The fake powers clones on; force the guest back to halted so the
	// transition to running is observable.
	pool.setState("vm-a", hypervisor.PowerStateHalted)
	if got := c.Status(ctx, inst); got != v1alpha1.InstanceStarting {
		t.Fatalf("first Status() = %s, want STARTING", got)
	}
	pool.setState("vm-a", hypervisor.PowerStateRunning)
	if got := c.Status(ctx, inst); got != v1alpha1.InstanceRunning {
		t.Fatalf("second Status() = %s, want RUNNING", got)
	}

	listed, err := c.ListInstances(ctx, image)
	if err != nil || len(listed) != 1 || listed[0].ID != "vm-a" {
		t.Fatalf("ListInstances() = %v, %v", listed, err)
	}

	report, err := c.Terminate(ctx, inst)
	if err != nil {
		t.Fatalf("Terminate() error: %v", err)
	}
	if len(report.Failed()) != 0 {
		t.Errorf("failed steps: %v", report.Err())
	}
	if pool.exists("vm-a") || pool.hasVolume("vms/"+inst.Name+"_xvda.qcow2") {
		t.Error("vm-a or its disk survived termination")
	}

	listed, err = c.ListInstances(ctx, image)
	if err != nil {
		t.Fatal(err)
	}
	for _, i := range listed {
		if i.ID == "vm-a" {
			t.Error("vm-a still listed after Terminate")
		}
	}

	if _, ok, err := c.FindInstanceByID(ctx, image, "vm-a"); ok || err != nil {
		t.Errorf("FindInstanceByID(vm-a) = %v, %v; want false, nil", ok, err)
	}
}

func TestClient_New_ConfigErrors(t *testing.T) {
	tests := []struct {
		name string
		opts Options
	}{
		{"bad name prefix", Options{NamePrefix: "build agent "}},
		{"negative quota", Options{MaxInstances: -1}},
		{"bad management cidr", Options{ManagementCIDR: "10.0.0.0/33"}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := New(newFakePool(), tt.opts)
			if !errors.Is(err, ErrConfiguration) {
				t.Errorf("New() error = %v, want ErrConfiguration", err)
			}
		})
	}
}

func TestClient_Spans(t *testing.T) {
	pool := newFakePool()
	rec := newMockRecorder()
	c, sr := newTestClient(t, pool, Options{TemplateID: "tmpl-missing", Recorder: rec})
	ctx := context.Background()

	if _, err := c.ListImages(ctx); !errors.Is(err, ErrConfiguration) {
		t.Fatalf("ListImages() error = %v", err)
	}
	if _, _, err := c.FindImageByID(ctx, "other"); err != nil {
		t.Fatalf("FindImageByID() error = %v", err)
	}

	spans := sr.Ended()
	if len(spans) != 2 {
		t.Fatalf("got %d spans, want 2", len(spans))
	}
	if spans[0].Name() != "kiln.ListImages" || spans[0].Status().Code != codes.Error {
		t.Errorf("span 0 = %s %v", spans[0].Name(), spans[0].Status())
	}
	if spans[1].Name() != "kiln.FindImageByID" || spans[1].Status().Code == codes.Error {
		t.Errorf("span 1 = %s %v", spans[1].Name(), spans[1].Status())
	}

	if rec.ops["ListImages"] != 1 || rec.failed["ListImages"] != 1 {
		t.Errorf("ListImages recorded %d/%d", rec.ops["ListImages"], rec.failed["ListImages"])
	}
	if rec.ops["FindImageByID"] != 1 || rec.failed["FindImageByID"] != 0 {
		t.Errorf("FindImageByID recorded %d/%d", rec.ops["FindImageByID"], rec.failed["FindImageByID"])
	}
}

func TestClient_MergeUserData(t *testing.T) {
	pool := newFakePool()
	defaults := agentconfig.UserData{ServerURL: "https://ci.example.com"}.WithParameter("env.POOL", "xen")
	c, _ := newTestClient(t, pool, Options{AgentDefaults: defaults})

	merged := c.mergeUserData(agentconfig.UserData{}.WithParameter("env.JOB", "42"))
	if merged.ServerURL != "https://ci.example.com" {
		t.Errorf("ServerURL = %q", merged.ServerURL)
	}
	if merged.Parameters["env.POOL"] != "xen" || merged.Parameters["env.JOB"] != "42" {
		t.Errorf("Parameters = %v", merged.Parameters)
	}

	merged = c.mergeUserData(agentconfig.UserData{ServerURL: "https://other"})
	if merged.ServerURL != "https://other" {
		t.Errorf("ServerURL override = %q", merged.ServerURL)
	}
	if _, ok := c.agentDefaults.Parameters["env.JOB"]; ok {
		t.Error("merge mutated the configured defaults")
	}
}

func TestClient_StartWithDefaultsAttachesDrive(t *testing.T) {
	pool := newFakePool()
	pool.addTemplate("tmpl-1", "debian12-agent")
	c, _ := newTestClient(t, pool, Options{AgentDefaults: agentconfig.UserData{ServerURL: "https://ci.example.com"}})

	if _, err := c.Start(context.Background(), v1alpha1.NewImage("tmpl-1", "debian12-agent"), agentconfig.UserData{}); err != nil {
		t.Fatalf("Start() error: %v", err)
	}
	if n := pool.callCount("AttachConfigDrive"); n != 1 {
		t.Errorf("AttachConfigDrive called %d times, want 1", n)
	}
}

func TestClient_FindInstanceByAgent(t *testing.T) {
	pool := newFakePool()
	pool.addTemplate("tmpl-1", "debian12-agent")
	pool.addVM(hypervisor.VM{ID: "vm-a", Name: "buildagent-a", Tags: []string{"tmpl-1"}}, hypervisor.PowerStateRunning)
	pool.setNetworks("vm-a", map[string]string{"0/ip": "10.20.0.8", "1/ip": "172.16.0.8"})
	c, _ := newTestClient(t, pool, Options{ManagementCIDR: "172.16.0.0/12"})
	image := v1alpha1.NewImage("tmpl-1", "debian12-agent")

	inst, ok, err := c.FindInstanceByAgent(context.Background(), image, AgentDescriptor{Name: "buildagent_172.16.0.8"})
	if err != nil || !ok || inst.ID != "vm-a" {
		t.Errorf("FindInstanceByAgent() = %v, %v, %v", inst.ID, ok, err)
	}
	identity, ok, err := c.IdentityOf(context.Background(), inst)
	if err != nil || !ok || identity != "172.16.0.8" {
		t.Errorf("IdentityOf() = %q, %v, %v", identity, ok, err)
	}
}

func TestClient_Validate(t *testing.T) {
	unreachable := errors.New("dial unix /var/run/libvirt/libvirt-sock: connect: no such file or directory")

	tests := []struct {
		name    string
		setup   func(p *fakePool)
		wantErr error
	}{
		{
			name:  "healthy",
			setup: func(p *fakePool) { p.addTemplate("tmpl-1", "debian12-agent") },
		},
		{
			name:    "hypervisor unreachable",
			setup:   func(p *fakePool) { p.pingFunc = func() error { return unreachable } },
			wantErr: unreachable,
		},
		{
			name:    "template missing",
			setup:   func(p *fakePool) {},
			wantErr: ErrConfiguration,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			pool := newFakePool()
			tt.setup(pool)
			c, _ := newTestClient(t, pool, Options{})

			err := c.Validate(context.Background())
			if tt.wantErr == nil {
				if err != nil {
					t.Fatalf("Validate() error: %v", err)
				}
				return
			}
			if !errors.Is(err, tt.wantErr) || !errors.Is(err, ErrConfiguration) {
				t.Errorf("Validate() error = %v, want %v", err, tt.wantErr)
			}
		})
	}
}

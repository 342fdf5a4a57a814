package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/jbweber/kiln/api/v1alpha1"
	"github.com/jbweber/kiln/internal/agentconfig"
	"github.com/jbweber/kiln/internal/metrics"
	"github.com/jbweber/kiln/internal/output"
)

// Instance commands
var instanceCmd = &cobra.Command{
	Use:   "instance",
	Short: "Manage instances of the template image",
	Long: `Start, inspect, restart and terminate instances cloned from the
configured template image.

The first status reported for an instance is STARTING. Only watch and
the badger observed store remember which instances were already seen;
with the default memory store, list and status report the power state.`,
}

var (
	startServerURL string
	startParams    []string

	watchInterval time.Duration
	watchCount    int
)

func init() {
	instanceCmd.AddCommand(instanceListCmd)
	instanceCmd.AddCommand(instanceStartCmd)
	instanceCmd.AddCommand(instanceStatusCmd)
	instanceCmd.AddCommand(instanceWatchCmd)
	instanceCmd.AddCommand(instanceRestartCmd)
	instanceCmd.AddCommand(instanceTerminateCmd)
	instanceCmd.AddCommand(instanceIdentityCmd)

	instanceStartCmd.Flags().StringVar(&startServerURL, "server-url", "", "CI server URL written to the agent configuration (overrides agent.server_url)")
	instanceStartCmd.Flags().StringArrayVarP(&startParams, "param", "p", nil, "extra agent parameter as key=value (repeatable)")

	instanceWatchCmd.Flags().DurationVar(&watchInterval, "interval", 10*time.Second, "polling interval")
	instanceWatchCmd.Flags().IntVar(&watchCount, "count", 0, "stop after this many polls (0 runs until interrupted)")
}

var instanceListCmd = &cobra.Command{
	Use:   "list",
	Short: "List instances with their status and network identity",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		a, err := newApp(cmd)
		if err != nil {
			return err
		}
		defer a.Close()

		ctx := cmd.Context()
		img, err := a.image(ctx)
		if err != nil {
			return err
		}
		instances, err := a.client.ListInstances(ctx, img)
		if err != nil {
			return fmt.Errorf("failed to list instances: %w", err)
		}
		for i := range instances {
			a.describe(ctx, &instances[i])
		}
		return printInstances(cmd, instances)
	},
}

var instanceStartCmd = &cobra.Command{
	Use:   "start",
	Short: "Clone and start a new instance",
	Long: `Clone the template image into a new instance and power it on.

The agent configuration drive carries agent.server_url and agent.parameters
from the configuration, overridden by --server-url and --param.

Example:
  kiln instance start --server-url https://ci.example.com -p env.LANG=C.UTF-8`,
	Args: cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		userData, err := parseUserData(startServerURL, startParams)
		if err != nil {
			return err
		}

		a, err := newApp(cmd)
		if err != nil {
			return err
		}
		defer a.Close()

		ctx := cmd.Context()
		img, err := a.image(ctx)
		if err != nil {
			return err
		}
		inst, err := a.client.Start(ctx, img, userData)
		if err != nil {
			return fmt.Errorf("failed to start instance: %w", err)
		}
		return printInstances(cmd, []v1alpha1.Instance{inst})
	},
}

var instanceStatusCmd = &cobra.Command{
	Use:   "status <instance-id>",
	Short: "Show the status of an instance",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		a, err := newApp(cmd)
		if err != nil {
			return err
		}
		defer a.Close()

		ctx := cmd.Context()
		inst, err := a.instance(ctx, args[0])
		if err != nil {
			return err
		}
		obs := a.observe(ctx, inst)
		if obs.Err != nil {
			fmt.Fprintf(cmd.ErrOrStderr(), "Warning: status could not be determined: %v\n", obs.Err)
		}
		inst.Status = obs.Status
		return printInstances(cmd, []v1alpha1.Instance{inst})
	},
}

var instanceWatchCmd = &cobra.Command{
	Use:   "watch",
	Short: "Poll instance status and print changes",
	Long: `Poll the instances of the template image and print each one whose
status changed since the previous poll. Instances that disappear are
reported as STOPPED.

When metrics.listen_addr is set, Prometheus metrics are served on /metrics
while watching.`,
	Args: cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		if watchInterval <= 0 {
			return fmt.Errorf("--interval must be positive")
		}

		a, err := newApp(cmd)
		if err != nil {
			return err
		}
		defer a.Close()

		ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
		defer stop()

		if addr := a.cfg.Metrics.ListenAddr; addr != "" {
			shutdown := a.serveMetrics(addr)
			defer shutdown()
		}

		f, err := newFormatter()
		if err != nil {
			return err
		}
		return a.watch(ctx, cmd.OutOrStdout(), f, watchInterval, watchCount)
	},
}

var instanceRestartCmd = &cobra.Command{
	Use:   "restart <instance-id>",
	Short: "Hard-reboot an instance",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		a, err := newApp(cmd)
		if err != nil {
			return err
		}
		defer a.Close()

		ctx := cmd.Context()
		inst, err := a.instance(ctx, args[0])
		if err != nil {
			return err
		}
		if err := a.client.Restart(ctx, inst); err != nil {
			return fmt.Errorf("failed to restart instance: %w", err)
		}
		fmt.Fprintf(cmd.OutOrStdout(), "✓ Instance %s restarted\n", inst.ID)
		return nil
	},
}

var instanceTerminateCmd = &cobra.Command{
	Use:   "terminate <instance-id>",
	Short: "Power off an instance and destroy it with its disks",
	Long: `Terminate an instance:
- Power it off if running
- Destroy the disks it owns and detach every block device
- Destroy the VM

Shared volumes such as installer ISOs are detached but never destroyed.
Each step is reported. A failed disk step does not stop the teardown.`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		a, err := newApp(cmd)
		if err != nil {
			return err
		}
		defer a.Close()

		ctx := cmd.Context()
		inst, err := a.instance(ctx, args[0])
		if err != nil {
			return err
		}

		report, termErr := a.client.Terminate(ctx, inst)
		if report != nil {
			f, err := newFormatter()
			if err != nil {
				return err
			}
			out, err := f.FormatReport(report)
			if err != nil {
				return fmt.Errorf("failed to format output: %w", err)
			}
			fmt.Fprint(cmd.OutOrStdout(), out)
		}
		if termErr != nil {
			return fmt.Errorf("failed to terminate instance: %w", termErr)
		}
		return nil
	},
}

var instanceIdentityCmd = &cobra.Command{
	Use:   "identity <instance-id>",
	Short: "Print the network identity of an instance",
	Long: `Print the address the instance's build agent is named after. The
identity is the first IPv4 address of the lowest-numbered interface, or the
first IPv6 address when the guest has no IPv4 address.`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		a, err := newApp(cmd)
		if err != nil {
			return err
		}
		defer a.Close()

		ctx := cmd.Context()
		inst, err := a.instance(ctx, args[0])
		if err != nil {
			return err
		}
		identity, ok, err := a.client.IdentityOf(ctx, inst)
		if err != nil {
			return fmt.Errorf("failed to read network identity: %w", err)
		}
		if !ok {
			return fmt.Errorf("instance %s has no network identity yet", inst.ID)
		}
		fmt.Fprintln(cmd.OutOrStdout(), identity)
		return nil
	},
}

// describe fills in the status and network identity of inst. An unreadable
// identity is left empty.
func (a *app) describe(ctx context.Context, inst *v1alpha1.Instance) {
	obs := a.observe(ctx, *inst)
	if obs.Err != nil {
		a.log.Debug("status unknown, reporting STOPPED", zap.String("instance_id", inst.ID), zap.Error(obs.Err))
	}
	inst.Status = obs.Status
	identity, ok, err := a.client.IdentityOf(ctx, *inst)
	if err != nil {
		a.log.Debug("failed to read network identity", zap.String("instance_id", inst.ID), zap.Error(err))
		return
	}
	if ok {
		inst.NetworkIdentity = identity
	}
}

// watch polls every interval and writes the instances whose status changed.
// A count of zero polls until ctx is done.
func (a *app) watch(ctx context.Context, w io.Writer, f output.Formatter, interval time.Duration, count int) error {
	img, err := a.image(ctx)
	if err != nil {
		return err
	}

	last := make(map[string]v1alpha1.Instance)
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for n := 0; count == 0 || n < count; n++ {
		if n > 0 {
			select {
			case <-ctx.Done():
				return nil
			case <-ticker.C:
			}
		}

		instances, err := a.client.ListInstances(ctx, img)
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			a.log.Warn("failed to list instances", zap.Error(err))
			continue
		}

		changed := statusChanges(last, instances, func(inst v1alpha1.Instance) v1alpha1.InstanceStatus {
			return a.client.Status(ctx, inst)
		})
		if len(changed) == 0 {
			continue
		}
		out, err := f.FormatInstances(changed)
		if err != nil {
			return fmt.Errorf("failed to format output: %w", err)
		}
		fmt.Fprint(w, out)
	}
	return nil
}

// statusChanges updates last with the current instances and returns those
// whose status differs from the previous poll. Instances missing from the
// current poll are returned once as STOPPED and dropped from last.
func statusChanges(last map[string]v1alpha1.Instance, current []v1alpha1.Instance, statusOf func(v1alpha1.Instance) v1alpha1.InstanceStatus) []v1alpha1.Instance {
	var changed []v1alpha1.Instance
	seen := make(map[string]bool, len(current))

	for _, inst := range current {
		seen[inst.ID] = true
		inst.Status = statusOf(inst)
		if prev, ok := last[inst.ID]; !ok || prev.Status != inst.Status {
			changed = append(changed, inst)
		}
		last[inst.ID] = inst
	}

	for id, inst := range last {
		if seen[id] {
			continue
		}
		delete(last, id)
		if inst.Status != v1alpha1.InstanceStopped {
			inst.Status = v1alpha1.InstanceStopped
			changed = append(changed, inst)
		}
	}
	return changed
}

// serveMetrics serves the app's registry on addr and returns a function that
// stops the server.
func (a *app) serveMetrics(addr string) func() {
	a.registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)

	mux := http.NewServeMux()
	metrics.RegisterHandler(mux, a.registry)
	srv := &http.Server{Addr: addr, Handler: mux, ReadHeaderTimeout: 5 * time.Second}

	go func() {
		a.log.Info("serving metrics", zap.String("addr", addr))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			a.log.Error("metrics server failed", zap.Error(err))
		}
	}()

	return func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := srv.Shutdown(ctx); err != nil {
			a.log.Warn("failed to stop metrics server", zap.Error(err))
		}
	}
}

// parseUserData builds the per-start agent configuration from the command
// line. Parameters are key=value; the value may contain '='.
func parseUserData(serverURL string, params []string) (agentconfig.UserData, error) {
	u := agentconfig.UserData{ServerURL: serverURL}
	for _, p := range params {
		key, value, ok := strings.Cut(p, "=")
		key = strings.TrimSpace(key)
		if !ok || key == "" {
			return agentconfig.UserData{}, fmt.Errorf("invalid --param %q (want key=value)", p)
		}
		u = u.WithParameter(key, value)
	}
	return u, nil
}

func printInstances(cmd *cobra.Command, instances []v1alpha1.Instance) error {
	f, err := newFormatter()
	if err != nil {
		return err
	}
	out, err := f.FormatInstances(instances)
	if err != nil {
		return fmt.Errorf("failed to format output: %w", err)
	}
	fmt.Fprint(cmd.OutOrStdout(), out)
	return nil
}

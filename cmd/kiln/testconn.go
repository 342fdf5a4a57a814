package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/jbweber/kiln/internal/libvirt"
)

var testConnCmd = &cobra.Command{
	Use:   "test-conn",
	Short: "Test the hypervisor connection",
	Long: `Connect to libvirt with the configured transport and display version
information. Nothing is read from or written to the VM pool.`,
	Args: cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig()
		if err != nil {
			return err
		}
		opts := cfg.ConnectOptions()
		out := cmd.OutOrStdout()

		fmt.Fprintf(out, "Testing libvirt connection to %s...\n", opts.Endpoint())

		client, err := libvirt.ConnectWithContext(cmd.Context(), opts)
		if err != nil {
			return fmt.Errorf("failed to connect to libvirt: %w", err)
		}
		defer func() {
			if closeErr := client.Close(); closeErr != nil {
				fmt.Fprintf(cmd.ErrOrStderr(), "Warning: failed to close libvirt connection: %v\n", closeErr)
			}
		}()

		fmt.Fprintln(out, "✓ Connected to libvirt daemon")

		if err := client.Ping(); err != nil {
			return fmt.Errorf("connection test failed: %w", err)
		}

		lv := client.Libvirt()
		version, err := lv.ConnectGetLibVersion()
		if err != nil {
			return fmt.Errorf("failed to get libvirt version: %w", err)
		}
		fmt.Fprintf(out, "✓ Libvirt version: %s\n", formatLibvirtVersion(version))

		hostname, err := lv.ConnectGetHostname()
		if err != nil {
			return fmt.Errorf("failed to get hostname: %w", err)
		}
		fmt.Fprintf(out, "✓ Hypervisor hostname: %s\n", hostname)

		uri, err := lv.ConnectGetUri()
		if err != nil {
			return fmt.Errorf("failed to get connection URI: %w", err)
		}
		fmt.Fprintf(out, "✓ Connection URI: %s\n", uri)

		fmt.Fprintln(out, "\nConnection test successful!")
		return nil
	},
}

// formatLibvirtVersion renders libvirt's packed version number, e.g.
// 8006000 as 8.6.0.
func formatLibvirtVersion(v uint64) string {
	major := v / 1000000
	minor := (v % 1000000) / 1000
	patch := v % 1000
	return fmt.Sprintf("%d.%d.%d", major, minor, patch)
}

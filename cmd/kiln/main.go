package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/jbweber/kiln/internal/output"
)

var (
	version = "dev"
	commit  = "unknown"
)

// Global flags
var (
	cfgFile      string
	outputFormat string
	noHeaders    bool
)

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

var rootCmd = &cobra.Command{
	Use:   "kiln",
	Short: "Kiln - ephemeral build agents on Xen",
	Long: `Kiln clones build-agent VMs from a template on a Xen host through
libvirt, reports their status, and tears them down when the build is done.

Configuration is read from kiln.yaml (in /etc/kiln, ~/.config/kiln or the
working directory) and KILN_* environment variables, e.g.
KILN_CLOUD_TEMPLATE_ID for cloud.template_id.`,
	Version:       fmt.Sprintf("%s (commit: %s)", version, commit),
	SilenceUsage:  true,
	SilenceErrors: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		return output.ValidateFormat(outputFormat)
	},
}

func init() {
	rootCmd.PersistentFlags().StringVarP(&cfgFile, "config", "c", "", "config file (default is kiln.yaml in /etc/kiln, ~/.config/kiln or .)")
	rootCmd.PersistentFlags().StringVarP(&outputFormat, "output", "o", "table", "output format: table, yaml, json")
	rootCmd.PersistentFlags().BoolVar(&noHeaders, "no-headers", false, "omit table headers")

	rootCmd.AddCommand(imageCmd)
	rootCmd.AddCommand(instanceCmd)
	rootCmd.AddCommand(agentCmd)
	rootCmd.AddCommand(configCmd)
	rootCmd.AddCommand(testConnCmd)
}

// newFormatter returns the formatter selected by the global flags.
func newFormatter() (output.Formatter, error) {
	return output.NewFormatter(output.Options{
		Format:    output.Format(outputFormat),
		NoHeaders: noHeaders,
	})
}

package main

import (
	"fmt"
	"io"

	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"github.com/jbweber/kiln/internal/config"
)

var configCmd = &cobra.Command{
	Use:   "config",
	Short: "Show and validate the configuration",
}

var skipConnect bool

func init() {
	configCmd.AddCommand(configShowCmd)
	configCmd.AddCommand(configValidateCmd)

	configValidateCmd.Flags().BoolVar(&skipConnect, "offline", false, "only check the settings, do not contact the hypervisor")
}

var configShowCmd = &cobra.Command{
	Use:   "show",
	Short: "Print the effective configuration",
	Long: `Print the configuration after defaults, the config file and KILN_*
environment variables are applied, as YAML.`,
	Args: cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig()
		if err != nil {
			return err
		}
		return writeConfig(cmd.OutOrStdout(), cfg)
	},
}

var configValidateCmd = &cobra.Command{
	Use:   "validate",
	Short: "Validate the configuration and try it against the hypervisor",
	Long: `Validate the configuration. Every missing or invalid setting is
reported. When the settings are valid, kiln connects to the hypervisor and
checks that the template image resolves.`,
	Args: cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig()
		if err != nil {
			return err
		}
		if err := cfg.Check(); err != nil {
			return err
		}
		out := cmd.OutOrStdout()
		fmt.Fprintln(out, "✓ Configuration is valid")

		if skipConnect {
			return nil
		}

		a, err := newAppFromConfig(cmd, cfg)
		if err != nil {
			return err
		}
		defer a.Close()

		if err := a.client.Validate(cmd.Context()); err != nil {
			return err
		}
		fmt.Fprintf(out, "✓ Hypervisor reachable, template %s resolved\n", cfg.Cloud.TemplateID)
		return nil
	},
}

// writeConfig encodes cfg as YAML.
func writeConfig(w io.Writer, cfg *config.Config) error {
	enc := yaml.NewEncoder(w)
	enc.SetIndent(2)
	if err := enc.Encode(cfg); err != nil {
		return fmt.Errorf("failed to encode configuration: %w", err)
	}
	return enc.Close()
}

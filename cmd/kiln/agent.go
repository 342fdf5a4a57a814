package main

import (
	"fmt"
	"strings"

	"github.com/spf13/cobra"

	"github.com/jbweber/kiln/api/v1alpha1"
	"github.com/jbweber/kiln/internal/cloud"
)

var agentCmd = &cobra.Command{
	Use:   "agent",
	Short: "Correlate build agents with instances",
}

func init() {
	agentCmd.AddCommand(agentMatchCmd)
}

var agentMatchCmd = &cobra.Command{
	Use:   "match <agent-name>",
	Short: "Find the instance a build agent runs on",
	Long: `Find the instance of the template image a connected build agent runs on.

Agents are named after the network identity of their guest, e.g.
buildagent_10.0.0.12. Only the first word of the reported name is compared.

Example:
  kiln agent match buildagent_10.0.0.12`,
	Args: cobra.MinimumNArgs(1),
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

		agent := cloud.AgentDescriptor{Name: strings.Join(args, " ")}
		inst, ok, err := a.client.FindInstanceByAgent(ctx, img, agent)
		if err != nil {
			return fmt.Errorf("failed to match agent: %w", err)
		}
		if !ok {
			return fmt.Errorf("%w: no instance runs agent %q", cloud.ErrResourceNotFound, args[0])
		}
		a.describe(ctx, &inst)
		return printInstances(cmd, []v1alpha1.Instance{inst})
	},
}

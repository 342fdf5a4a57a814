package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/jbweber/kiln/api/v1alpha1"
	"github.com/jbweber/kiln/internal/cloud"
)

// Image commands
var imageCmd = &cobra.Command{
	Use:   "image",
	Short: "Inspect and prepare template images",
	Long: `Inspect the template image instances are cloned from.

The image is the template VM named by cloud.template_id. A VM becomes a
template once it is flagged with 'kiln image mark-template'.`,
}

var unsetTemplate bool

func init() {
	imageCmd.AddCommand(imageListCmd)
	imageCmd.AddCommand(imageGetCmd)
	imageCmd.AddCommand(imageMarkTemplateCmd)

	imageMarkTemplateCmd.Flags().BoolVar(&unsetTemplate, "unset", false, "clear the template flag instead of setting it")
}

var imageListCmd = &cobra.Command{
	Use:   "list",
	Short: "List the configured image",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		a, err := newApp(cmd)
		if err != nil {
			return err
		}
		defer a.Close()

		images, err := a.client.ListImages(cmd.Context())
		if err != nil {
			return fmt.Errorf("failed to list images: %w", err)
		}
		return printImages(cmd, images)
	},
}

var imageGetCmd = &cobra.Command{
	Use:   "get <image-id>",
	Short: "Get an image by id",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		a, err := newApp(cmd)
		if err != nil {
			return err
		}
		defer a.Close()

		img, ok, err := a.client.FindImageByID(cmd.Context(), args[0])
		if err != nil {
			return fmt.Errorf("failed to get image: %w", err)
		}
		if !ok {
			return fmt.Errorf("%w: image %s", cloud.ErrResourceNotFound, args[0])
		}
		return printImages(cmd, []v1alpha1.Image{img})
	},
}

var imageMarkTemplateCmd = &cobra.Command{
	Use:   "mark-template <vm-id>",
	Short: "Flag a VM as a template",
	Long: `Flag a VM as a template so it can be used as cloud.template_id.

The VM must be halted while clones are made from it. Use --unset to turn a
template back into an ordinary VM.

Example:
  kiln image mark-template 4b7c2f1e-8a3d-4c5b-9e6f-0a1b2c3d4e5f`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		a, err := newApp(cmd)
		if err != nil {
			return err
		}
		defer a.Close()

		vm, err := a.hv.GetVM(cmd.Context(), args[0])
		if err != nil {
			return fmt.Errorf("failed to get VM: %w", err)
		}
		if err := a.hv.SetIsTemplate(cmd.Context(), vm.ID, !unsetTemplate); err != nil {
			return fmt.Errorf("failed to update template flag: %w", err)
		}

		if unsetTemplate {
			fmt.Fprintf(cmd.OutOrStdout(), "✓ %s (%s) is no longer a template\n", vm.Name, vm.ID)
		} else {
			fmt.Fprintf(cmd.OutOrStdout(), "✓ %s (%s) is now a template\n", vm.Name, vm.ID)
		}
		return nil
	},
}

func printImages(cmd *cobra.Command, images []v1alpha1.Image) error {
	f, err := newFormatter()
	if err != nil {
		return err
	}
	out, err := f.FormatImages(images)
	if err != nil {
		return fmt.Errorf("failed to format output: %w", err)
	}
	fmt.Fprint(cmd.OutOrStdout(), out)
	return nil
}

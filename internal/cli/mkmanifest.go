package cli

import (
	"encoding/json"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/atomupd/atomupd/internal/image"
)

// NewMkManifestCommand creates the mkmanifest command.
func NewMkManifestCommand(rootOpts *RootOptions) *cobra.Command {
	ov := image.OSOverrides{}
	osReleasePath := ""

	cmd := &cobra.Command{
		Use:   "mkmanifest",
		Short: "Create a manifest describing the running system",
		Long: `Create a manifest of the current system, using the os-release file.

Every value can be overridden with a flag, in case you know better than
the os-release file.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			img, err := image.FromOS(osReleasePath, ov)
			if err != nil {
				return WrapExitError(ExitFailure, "creating manifest", err)
			}

			body, err := json.MarshalIndent(img, "", "  ")
			if err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), string(body))
			return nil
		},
	}

	cmd.Flags().StringVar(&ov.Product, "product", "", "override the product")
	cmd.Flags().StringVar(&ov.Release, "release", "", "override the release")
	cmd.Flags().StringVar(&ov.Variant, "variant", "", "override the variant")
	cmd.Flags().StringVar(&ov.Branch, "branch", "", "override the branch (default stable)")
	cmd.Flags().StringVar(&ov.Arch, "arch", "", "override the architecture")
	cmd.Flags().StringVar(&ov.Version, "version", "", "override the version")
	cmd.Flags().StringVar(&ov.BuildID, "buildid", "", "override the build id")
	cmd.Flags().IntVar(&ov.IntroducesCheckpoint, "introduces-checkpoint", 0, "checkpoint this image introduces")
	cmd.Flags().IntVar(&ov.RequiresCheckpoint, "requires-checkpoint", 0, "checkpoint this image requires")
	cmd.Flags().StringVar(&osReleasePath, "os-release", "", "os-release file to read (default /etc/os-release)")

	return cmd
}

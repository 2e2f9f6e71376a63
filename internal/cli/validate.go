package cli

import (
	"fmt"
	"sort"

	"github.com/spf13/cobra"
)

// NewValidateCommand creates the validate command.
func NewValidateCommand(rootOpts *RootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "validate",
		Short: "Build the image pool once and report its contents",
		Long: `Build the image pool once and report its contents.

Exits non-zero if the configuration or the pool fails validation, without
serving or writing anything. Useful as a publishing pipeline gate.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(rootOpts)
			if err != nil {
				return err
			}

			p, err := buildPool(cfg, rootOpts.Logger())
			if err != nil {
				return WrapExitError(ExitFailure, "pool validation failed", err)
			}

			out := cmd.OutOrStdout()
			fmt.Fprintf(out, "pool: %d images\n", p.Len())

			sizes := p.NamespaceSizes()
			names := make([]string, 0, len(sizes))
			for name := range sizes {
				names = append(names, name)
			}
			sort.Strings(names)
			for _, name := range names {
				fmt.Fprintf(out, "  %-60s %d\n", name, sizes[name])
			}
			return nil
		},
	}
}

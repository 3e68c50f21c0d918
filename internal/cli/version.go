// This file implements the version command.

package cli

import (
	"fmt"

	"github.com/spf13/cobra"
)

// Version is the allseq release.
const Version = "0.3.0"

const modulePath = "github.com/mesh-intelligence/allseq"

func newVersionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print the allseq version",
		Args:  userArgs(cobra.NoArgs),
		RunE: func(cmd *cobra.Command, args []string) error {
			fmt.Fprintf(cmd.OutOrStdout(), "allseq v%s\nmodule: %s\n", Version, modulePath)
			return nil
		},
	}
}

package commands

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/openfroyo/p4converge/pkg/pathutil"
)

func newSplitPathCommand(flags *globalFlags) *cobra.Command {
	return &cobra.Command{
		Use:   "splitpath <path>",
		Short: "Print every ancestor prefix of an absolute path",
		Example: `  p4converge splitpath /p4/common/bin
  # /p4
  # /p4/common
  # /p4/common/bin`,
		RunE: func(cmd *cobra.Command, args []string) error {
			prefixes, err := pathutil.SplitPath(args...)
			if err != nil {
				return err
			}
			out := cmd.OutOrStdout()
			if flags.jsonOutput {
				return writeJSON(out, prefixes)
			}
			for _, p := range prefixes {
				fmt.Fprintln(out, p)
			}
			return nil
		},
	}
}

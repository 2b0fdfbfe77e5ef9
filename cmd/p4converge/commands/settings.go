package commands

import (
	"fmt"
	"strings"

	"github.com/spf13/cobra"

	"github.com/openfroyo/p4converge/pkg/settings"
)

func newSettingsCommand(flags *globalFlags) *cobra.Command {
	var script string

	cmd := &cobra.Command{
		Use:   "settings <key>",
		Short: "Look up a key in the settings registry",
		Long: `Look up a key in the settings registry.

The registry is a Starlark script defining settings(key), which returns
None, a resource locator string or a list of locators. The built-in script
is used unless --script is given.`,
		Example: `  # Where are the client preferences published?
  p4converge settings p4v_preferences

  # Use a site registry
  p4converge settings --script /etc/p4converge/settings.star p4v_mainTabs`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			reg := settings.Default()
			if script != "" {
				var err error
				if reg, err = settings.LoadFile(script); err != nil {
					return err
				}
			}

			entry, err := reg.Lookup(cmd.Context(), args[0])
			if err != nil {
				return err
			}

			out := cmd.OutOrStdout()
			if flags.jsonOutput {
				return writeJSON(out, map[string]any{
					"key":      args[0],
					"kind":     entry.Kind.String(),
					"locators": entry.Locators,
				})
			}
			switch entry.Kind {
			case settings.None:
				return fmt.Errorf("no settings entry for %q", args[0])
			default:
				fmt.Fprintln(out, strings.Join(entry.Locators, "\n"))
			}
			return nil
		},
	}

	cmd.Flags().StringVar(&script, "script", "", "Starlark settings script")

	return cmd
}

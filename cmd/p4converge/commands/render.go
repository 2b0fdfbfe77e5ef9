package commands

import (
	"fmt"
	"path/filepath"
	"sort"
	"strings"

	"github.com/spf13/cobra"

	"github.com/openfroyo/p4converge/pkg/config"
	"github.com/openfroyo/p4converge/pkg/engine"
	"github.com/openfroyo/p4converge/pkg/facts"
	"github.com/openfroyo/p4converge/pkg/templates"
)

func newRenderCommand(flags *globalFlags) *cobra.Command {
	var family string

	cmd := &cobra.Command{
		Use:   "render [file]",
		Short: "Print a configuration file exactly as apply would write it",
		Long: `Print a rendered configuration file.

Without an argument the managed files are listed. The file is selected by its
absolute path or its base name. The OS family is taken from --family or
detected on the host.

Templates: ` + strings.Join(templates.Names(), ", "),
		Example: `  # List managed files for RHEL hosts
  p4converge render --family redhat

  # Show the systemd unit
  p4converge render --family debian p4d.service`,
		Args: cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			out := cmd.OutOrStdout()

			cfg, err := loadConfig(flags)
			if err != nil {
				return err
			}

			if family == "" {
				h, err := openHost(ctx, flags)
				if err != nil {
					return err
				}
				rel, err := facts.DetectOSRelease(ctx, h.runner)
				_ = h.close()
				if err != nil {
					return err
				}
				cfg.ApplyHost(rel)
				family = rel.Family()
			}

			desired, err := config.BuildDesiredState(cfg, family, config.Entrypoints...)
			if err != nil {
				return err
			}
			files := managedFiles(desired)

			if len(args) == 0 {
				paths := make([]string, 0, len(files))
				for p := range files {
					paths = append(paths, p)
				}
				sort.Strings(paths)
				for _, p := range paths {
					fmt.Fprintln(out, p)
				}
				return nil
			}

			spec, err := findFile(files, args[0])
			if err != nil {
				return err
			}
			if flags.jsonOutput {
				return writeJSON(out, spec)
			}
			fmt.Fprint(out, spec.Content)
			return nil
		},
	}

	cmd.Flags().StringVar(&family, "family", "", "OS family (debian, redhat, suse); detected when empty")

	return cmd
}

func managedFiles(ds *engine.DesiredState) map[string]*engine.PathSpec {
	files := make(map[string]*engine.PathSpec)
	for _, u := range ds.Units() {
		if u.Kind == engine.KindFile && u.Path != nil {
			files[u.Path.Path] = u.Path
		}
	}
	return files
}

func findFile(files map[string]*engine.PathSpec, name string) (*engine.PathSpec, error) {
	if spec, ok := files[name]; ok {
		return spec, nil
	}
	var matches []*engine.PathSpec
	for p, spec := range files {
		if filepath.Base(p) == name {
			matches = append(matches, spec)
		}
	}
	switch len(matches) {
	case 0:
		return nil, fmt.Errorf("no managed file %q", name)
	case 1:
		return matches[0], nil
	default:
		return nil, fmt.Errorf("%q matches %d files, use the full path", name, len(matches))
	}
}

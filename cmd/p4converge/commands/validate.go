package commands

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sync"

	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"github.com/openfroyo/p4converge/pkg/config"
	"github.com/openfroyo/p4converge/pkg/platform"
	"github.com/openfroyo/p4converge/pkg/policy"
	"github.com/openfroyo/p4converge/pkg/telemetry"
)

func newValidateCommand(flags *globalFlags) *cobra.Command {
	var (
		policyPaths []string
		families    []string
		watch       bool
	)

	cmd := &cobra.Command{
		Use:   "validate [sdp_base|client|server ...]",
		Short: "Validate the configuration and policies",
		Long: `Validate the configuration without contacting any host.

This command checks:
  - Syntax and schema conformance of the configuration file (CUE schema)
  - Field constraints (absolute paths, octal modes, port format)
  - That the entrypoints expand without conflicting units on each family
  - Policy compliance (built-in and --policy Rego files)

With --watch the configuration and policy files are re-validated on change.`,
		Example: `  # Validate the built-in defaults
  p4converge validate

  # Validate a site file for Debian hosts only
  p4converge validate --config site.yaml --family debian

  # Re-validate while editing
  p4converge validate --config site.cue --policy ./policies --watch`,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			out := cmd.OutOrStdout()

			entrypoints, err := parseEntrypointArgs(args)
			if err != nil {
				return err
			}
			if len(families) == 0 {
				families = platform.DefaultRegistry().Families()
			}

			v := &validator{
				entrypoints: entrypoints,
				families:    families,
				out:         out,
			}
			v.policies, err = policy.NewEngine(telemetry.FromContext(ctx).Zerolog())
			if err != nil {
				return err
			}
			if len(policyPaths) > 0 {
				if err := v.policies.LoadPaths(ctx, policyPaths); err != nil {
					return err
				}
			}

			if !watch {
				cfg, err := loadConfig(flags)
				if err != nil {
					return err
				}
				return v.validate(ctx, cfg)
			}

			if flags.configPath == "" {
				return fmt.Errorf("--watch requires --config")
			}
			return v.watch(ctx, flags.configPath, policyPaths)
		},
	}

	cmd.Flags().StringSliceVar(&policyPaths, "policy", nil, "additional Rego policy files or directories")
	cmd.Flags().StringSliceVar(&families, "family", nil, "OS families to expand for (default: all supported)")
	cmd.Flags().BoolVarP(&watch, "watch", "w", false, "re-validate when the configuration or policies change")

	return cmd
}

type validator struct {
	mu          sync.Mutex
	entrypoints []config.Entrypoint
	families    []string
	policies    *policy.Engine
	out         io.Writer
	last        *config.Config
}

// validate expands cfg for every family and evaluates the policies.
func (v *validator) validate(ctx context.Context, cfg *config.Config) error {
	var errs []error
	for _, family := range v.families {
		desired, err := config.BuildDesiredState(cfg, family, v.entrypoints...)
		if err != nil {
			errs = append(errs, fmt.Errorf("%s: %w", family, err))
			continue
		}
		res, err := v.policies.Check(ctx, family, entrypointNames(v.entrypoints), desired)
		if err != nil {
			errs = append(errs, fmt.Errorf("%s: %w", family, err))
			continue
		}
		for _, viol := range res.Violations {
			fmt.Fprintf(v.out, "%s: policy %s (%s): %s\n", family, viol.Policy, viol.Severity, viol.Message)
		}
		fmt.Fprintf(v.out, "%s: %d unit(s), %d policies evaluated\n", family, desired.Len(), len(res.EvaluatedPolicies))
	}
	if err := errors.Join(errs...); err != nil {
		return err
	}
	fmt.Fprintln(v.out, "configuration is valid")
	return nil
}

// watch runs the configuration and policy watchers until ctx is done.
func (v *validator) watch(ctx context.Context, configPath string, policyPaths []string) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	errCh := make(chan error, 2)
	var wg sync.WaitGroup

	wg.Add(1)
	go func() {
		defer wg.Done()
		errCh <- config.NewLoader().Watch(ctx, configPath, func(cfg *config.Config, err error) {
			v.mu.Lock()
			defer v.mu.Unlock()
			if err != nil {
				fmt.Fprintf(v.out, "invalid configuration: %v\n", err)
				return
			}
			v.last = cfg
			v.report(ctx)
		})
	}()

	if len(policyPaths) > 0 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			errCh <- policy.NewLoader(log.Logger).Watch(ctx, policyPaths, func(ps []policy.Policy) error {
				v.mu.Lock()
				defer v.mu.Unlock()
				if err := v.policies.Replace(ctx, ps); err != nil {
					fmt.Fprintf(v.out, "invalid policies: %v\n", err)
					return err
				}
				if v.last != nil {
					v.report(ctx)
				}
				return nil
			})
		}()
	}

	// The first watcher to stop with an error stops the other.
	var firstErr error
	go func() {
		wg.Wait()
		close(errCh)
	}()
	for err := range errCh {
		if err != nil && firstErr == nil {
			firstErr = err
			cancel()
		}
	}
	return firstErr
}

func (v *validator) report(ctx context.Context) {
	if err := v.validate(ctx, v.last); err != nil {
		fmt.Fprintf(v.out, "validation failed: %v\n", err)
	}
}

// Package facts discovers host facts: the installed Perforce versions and the
// operating-system family.
//
// Facts are resolved on demand. Nothing is cached between calls; every call
// to Resolve invokes the binary again.
package facts

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/openfroyo/p4converge/pkg/hostexec"
)

const (
	// NotAvailableValue marks an unresolved version.
	NotAvailableValue = "N/A"

	// bannerMarker starts every version line of a Perforce binary.
	bannerMarker = "Rev."

	// DefaultTimeout bounds a single version query.
	DefaultTimeout = 15 * time.Second
)

// ErrBannerFormat is returned when a "Rev." line does not have the
// product/platform/major/build structure.
var ErrBannerFormat = errors.New("unrecognized version banner format")

// VersionFact is the structured version of a Perforce binary.
type VersionFact struct {
	Major string `json:"major"`
	Build string `json:"build"`
	Raw   string `json:"raw"`
}

// NotAvailable is the fact returned when the binary is absent or its output
// carries no version line.
var NotAvailable = VersionFact{Major: NotAvailableValue, Build: "", Raw: NotAvailableValue}

// Resolved reports whether the fact carries a real version.
func (f VersionFact) Resolved() bool {
	return f.Major != NotAvailableValue && f.Build != ""
}

// String returns the raw form.
func (f VersionFact) String() string {
	return f.Raw
}

// ParseBanner scans the combined output of "<binary> -V".
//
// Every line starting with "Rev." is parsed; when several lines qualify the
// last one wins. Output without a qualifying line yields NotAvailable and no
// error.
func ParseBanner(output string) (VersionFact, error) {
	fact := NotAvailable

	scanner := bufio.NewScanner(strings.NewReader(output))
	for scanner.Scan() {
		line := scanner.Text()
		if !strings.HasPrefix(line, bannerMarker) {
			continue
		}
		parsed, err := parseRevLine(line)
		if err != nil {
			return NotAvailable, err
		}
		fact = parsed
	}
	if err := scanner.Err(); err != nil {
		return NotAvailable, fmt.Errorf("failed to scan version output: %w", err)
	}

	return fact, nil
}

// parseRevLine handles "Rev. P4D/LINUX26X86_64/2021.1/2143463 (2021/11/10)."
// Token 2 is the major release, the first word of token 3 is the build.
func parseRevLine(line string) (VersionFact, error) {
	rest := strings.TrimPrefix(line, bannerMarker)
	rest = strings.TrimPrefix(rest, " ")

	parts := strings.Split(rest, "/")
	if len(parts) < 4 {
		return NotAvailable, fmt.Errorf("%w: %q", ErrBannerFormat, line)
	}

	major := strings.TrimSpace(parts[2])
	fields := strings.Fields(parts[3])
	if major == "" || len(fields) == 0 {
		return NotAvailable, fmt.Errorf("%w: %q", ErrBannerFormat, line)
	}
	build := fields[0]

	return VersionFact{
		Major: major,
		Build: build,
		Raw:   major + "." + build,
	}, nil
}

// Resolver resolves version facts by invoking binaries through a Runner.
type Resolver struct {
	runner  hostexec.Runner
	timeout time.Duration
}

// NewResolver creates a Resolver. A zero timeout selects DefaultTimeout.
func NewResolver(runner hostexec.Runner, timeout time.Duration) *Resolver {
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	return &Resolver{runner: runner, timeout: timeout}
}

// Resolve returns the version of binary.
//
// A binary missing from the search path yields NotAvailable with a nil error.
// The exit status of the version query is ignored: whatever the binary
// printed is scanned. A timeout or a failure to start the process yields
// NotAvailable together with the error.
func (r *Resolver) Resolve(ctx context.Context, binary string) (VersionFact, error) {
	path, err := r.runner.LookPath(ctx, binary)
	if err != nil {
		if errors.Is(err, hostexec.ErrNotFound) {
			log.Debug().Str("binary", binary).Msg("binary not on search path")
			return NotAvailable, nil
		}
		return NotAvailable, fmt.Errorf("failed to locate %s: %w", binary, err)
	}

	res, err := r.runner.Run(ctx, hostexec.NewCommand(path, "-V").WithTimeout(r.timeout))
	if err != nil {
		return NotAvailable, fmt.Errorf("failed to query %s version: %w", binary, err)
	}

	fact, err := ParseBanner(string(res.Output))
	if err != nil {
		return NotAvailable, fmt.Errorf("%s: %w", binary, err)
	}

	log.Debug().
		Str("binary", binary).
		Str("version", fact.Raw).
		Int("exit_code", res.ExitCode).
		Msg("resolved version fact")

	return fact, nil
}

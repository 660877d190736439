package bootmon

import (
	"context"
	"fmt"
	"os"
	"os/exec"
	"strings"

	"github.com/hashicorp/go-multierror"
)

var defaultRunner Runner = &execRunner{}

// Runner executes commands. Pluggable for tests.
type Runner interface {
	Run(ctx context.Context, name string, args ...string) ([]byte, error)
}

type execRunner struct{}

func (r *execRunner) Run(ctx context.Context, name string, args ...string) ([]byte, error) {
	cmd := exec.CommandContext(ctx, name, args...)
	cmd.Env = os.Environ()
	return cmd.CombinedOutput()
}

// SetRunnerForTesting swaps the systemctl runner and returns a restore func.
func SetRunnerForTesting(r Runner) func() {
	prev := defaultRunner
	defaultRunner = r
	return func() { defaultRunner = prev }
}

// ActiveState returns the ActiveState property of a unit, e.g. "active" or "failed".
func ActiveState(ctx context.Context, unit string) (string, error) {
	out, err := defaultRunner.Run(ctx, "systemctl", "show", unit, "-p", "ActiveState")
	if err != nil {
		return "", fmt.Errorf("systemctl show %s: %w: %s", unit, err, strings.TrimSpace(string(out)))
	}
	for _, line := range strings.Split(string(out), "\n") {
		if v, ok := strings.CutPrefix(strings.TrimSpace(line), "ActiveState="); ok {
			return v, nil
		}
	}
	return "", fmt.Errorf("systemctl show %s: no ActiveState in output", unit)
}

// Checker decides whether the running system is healthy.
type Checker interface {
	Check(ctx context.Context) error
}

// Units requires every listed systemd unit to be active.
type Units []string

func (u Units) Check(ctx context.Context) error {
	var errs *multierror.Error
	for _, unit := range u {
		state, err := ActiveState(ctx, unit)
		if err != nil {
			errs = multierror.Append(errs, err)
			continue
		}
		if state != "active" {
			errs = multierror.Append(errs, fmt.Errorf("unit %s is %s", unit, state))
		}
	}
	return errs.ErrorOrNil()
}

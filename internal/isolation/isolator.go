package isolation

import (
	"context"
	"os/exec"
)

// Isolator prepares a command for bounded execution.
// The returned cleanup must always be called after the process completes,
// and the caller must run the returned *exec.Cmd, not the original.
type Isolator interface {
	Wrap(ctx context.Context, cmd *exec.Cmd, limits Limits) (*exec.Cmd, func(), error)
}

var _ Isolator = (*ProcessIsolator)(nil)

// ProcessIsolator enforces the timeout and working directory of a command and
// kills its whole process tree on cancellation where the platform allows it.
type ProcessIsolator struct{}

// New returns the process isolator.
func New() *ProcessIsolator {
	return &ProcessIsolator{}
}

func (p *ProcessIsolator) Wrap(ctx context.Context, cmd *exec.Cmd, limits Limits) (*exec.Cmd, func(), error) {
	if err := ctx.Err(); err != nil {
		return nil, nil, err
	}
	if cmd.Dir != "" {
		if err := limits.ValidateDir(cmd.Dir); err != nil {
			return nil, nil, err
		}
	}

	execCtx := ctx
	cancel := context.CancelFunc(func() {})
	if limits.Timeout > 0 {
		execCtx, cancel = context.WithTimeout(ctx, limits.Timeout)
	}

	// exec.Cmd.Cancel is only honored for commands built by CommandContext.
	wrapped := exec.CommandContext(execCtx, cmd.Path, cmd.Args[1:]...)
	wrapped.Args = cmd.Args
	wrapped.Dir = cmd.Dir
	wrapped.Env = cmd.Env
	wrapped.Stdin = cmd.Stdin
	wrapped.Stdout = cmd.Stdout
	wrapped.Stderr = cmd.Stderr

	setProcessGroup(wrapped)
	wrapped.Cancel = func() error {
		if wrapped.Process == nil {
			return nil
		}
		return killProcessTree(wrapped.Process)
	}
	wrapped.WaitDelay = limits.killGrace()

	return wrapped, cancel, nil
}

package runner

import (
	"bytes"
	"context"
	"errors"
	"io"
	"log/slog"
	"os"
	"os/exec"
	"strings"
	"time"

	"github.com/rendis/webforge/internal/isolation"
	"github.com/rendis/webforge/internal/logging"
	"github.com/rendis/webforge/pkg/schema"
)

const (
	defaultTimeout       = 10 * time.Minute
	defaultMaxOutputSize = 4 * 1024 * 1024 // 4MB
	redacted             = "[REDACTED]"
)

// Command is one external tool invocation.
type Command struct {
	Argv    []string
	Env     []string // KEY=VALUE pairs appended to the inherited environment
	Dir     string
	Stdin   io.Reader
	Timeout time.Duration
	// Redact lists values scrubbed from captured output before it is returned.
	Redact []string
}

// Result is the outcome of a command that started.
type Result struct {
	ExitCode int
	Stdout   string
	Stderr   string
	Duration time.Duration
	Killed   bool // the timeout expired and the process tree was killed
}

// OK reports a zero exit status without a kill.
func (r *Result) OK() bool { return r.ExitCode == 0 && !r.Killed }

// Output returns stderr, or stdout when stderr is empty, trimmed.
func (r *Result) Output() string {
	if s := strings.TrimSpace(r.Stderr); s != "" {
		return s
	}
	return strings.TrimSpace(r.Stdout)
}

// Runner executes external commands. A non-zero exit or a timeout kill is
// reported in the Result, not as an error.
type Runner interface {
	Run(ctx context.Context, cmd Command) (*Result, error)
}

// Func adapts a function to the Runner interface.
type Func func(ctx context.Context, cmd Command) (*Result, error)

func (f Func) Run(ctx context.Context, cmd Command) (*Result, error) { return f(ctx, cmd) }

// Config configures an ExecRunner.
type Config struct {
	Isolator       isolation.Isolator
	Limits         isolation.Limits
	DefaultTimeout time.Duration
	MaxOutputSize  int64
	Logger         *slog.Logger
}

// ExecRunner runs commands through an isolation.Isolator.
type ExecRunner struct {
	cfg Config
}

var _ Runner = (*ExecRunner)(nil)

// New creates an ExecRunner, filling unset fields with defaults.
func New(cfg Config) *ExecRunner {
	if cfg.DefaultTimeout <= 0 {
		cfg.DefaultTimeout = defaultTimeout
	}
	if cfg.MaxOutputSize <= 0 {
		cfg.MaxOutputSize = defaultMaxOutputSize
	}
	if cfg.Isolator == nil {
		cfg.Isolator = isolation.New()
	}
	if cfg.Logger == nil {
		cfg.Logger = logging.Discard()
	}
	return &ExecRunner{cfg: cfg}
}

func (r *ExecRunner) Run(ctx context.Context, c Command) (*Result, error) {
	if len(c.Argv) == 0 || c.Argv[0] == "" {
		return nil, schema.NewError(schema.ErrCodeValidation, "runner: empty command")
	}

	cmd := exec.Command(c.Argv[0], c.Argv[1:]...)
	cmd.Dir = c.Dir
	cmd.Env = append(os.Environ(), c.Env...)
	cmd.Stdin = c.Stdin

	timeout := c.Timeout
	if timeout <= 0 {
		timeout = r.cfg.DefaultTimeout
	}

	// The deadline is owned here so a kill can be told apart via execCtx.Err().
	execCtx, timeoutCancel := context.WithTimeout(ctx, timeout)
	defer timeoutCancel()

	limits := r.cfg.Limits
	limits.Timeout = 0

	wrapped, cleanup, err := r.cfg.Isolator.Wrap(execCtx, cmd, limits)
	if err != nil {
		if schema.CodeOf(err) != "" {
			return nil, err
		}
		return nil, schema.NewErrorf(schema.ErrCodeExternalTool, "%s: prepare: %v", c.Argv[0], err).WithCause(err)
	}
	defer cleanup()

	var stdoutBuf, stderrBuf bytes.Buffer
	wrapped.Stdout = &limitedWriter{w: &stdoutBuf, limit: r.cfg.MaxOutputSize}
	wrapped.Stderr = &limitedWriter{w: &stderrBuf, limit: r.cfg.MaxOutputSize}

	start := time.Now()
	runErr := wrapped.Run()
	res := &Result{Duration: time.Since(start)}

	if runErr != nil {
		var exitErr *exec.ExitError
		if !errors.As(runErr, &exitErr) {
			return nil, schema.NewErrorf(schema.ErrCodeExternalTool, "%s: %v", c.Argv[0], runErr).WithCause(runErr)
		}
		res.ExitCode = exitErr.ExitCode()
		if execCtx.Err() != nil {
			res.Killed = true
		}
	}
	res.Stdout = scrub(stdoutBuf.String(), c.Redact)
	res.Stderr = scrub(stderrBuf.String(), c.Redact)

	r.cfg.Logger.DebugContext(ctx, "external command finished",
		"tool", c.Argv[0], "exit_code", res.ExitCode, "killed", res.Killed, "duration", res.Duration)

	if res.Killed && ctx.Err() != nil {
		return res, schema.NewErrorf(schema.ErrCodeCancelled, "%s: cancelled", c.Argv[0]).WithCause(ctx.Err())
	}
	return res, nil
}

func scrub(s string, secrets []string) string {
	for _, v := range secrets {
		if v != "" {
			s = strings.ReplaceAll(s, v, redacted)
		}
	}
	return s
}

// limitedWriter discards bytes beyond limit but always reports len(p) written
// so the child never blocks on a full pipe.
type limitedWriter struct {
	w       io.Writer
	limit   int64
	written int64
}

func (lw *limitedWriter) Write(p []byte) (int, error) {
	total := len(p)
	remaining := lw.limit - lw.written
	if remaining <= 0 {
		return total, nil
	}
	if int64(len(p)) > remaining {
		p = p[:remaining]
	}
	n, err := lw.w.Write(p)
	lw.written += int64(n)
	if err != nil {
		return total, err
	}
	return total, nil
}

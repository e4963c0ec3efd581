package runner

import (
	"bytes"
	"context"
	"runtime"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rendis/webforge/internal/isolation"
	"github.com/rendis/webforge/pkg/schema"
)

func skipWindows(t *testing.T) {
	t.Helper()
	if runtime.GOOS == "windows" {
		t.Skip("uses sh")
	}
}

func TestRun_CapturesOutput(t *testing.T) {
	skipWindows(t)
	r := New(Config{})

	res, err := r.Run(context.Background(), Command{
		Argv: []string{"sh", "-c", "echo out; echo err >&2"},
	})
	require.NoError(t, err)
	assert.True(t, res.OK())
	assert.Equal(t, "out\n", res.Stdout)
	assert.Equal(t, "err\n", res.Stderr)
	assert.Equal(t, "err", res.Output())
}

func TestRun_NonZeroExitIsNotAnError(t *testing.T) {
	skipWindows(t)
	res, err := New(Config{}).Run(context.Background(), Command{Argv: []string{"sh", "-c", "exit 3"}})
	require.NoError(t, err)
	assert.Equal(t, 3, res.ExitCode)
	assert.False(t, res.OK())
	assert.False(t, res.Killed)
}

func TestRun_EnvAndStdin(t *testing.T) {
	skipWindows(t)
	res, err := New(Config{}).Run(context.Background(), Command{
		Argv:  []string{"sh", "-c", `printf "%s:" "$WEBFORGE_TEST"; cat`},
		Env:   []string{"WEBFORGE_TEST=hello"},
		Stdin: strings.NewReader("from-stdin"),
	})
	require.NoError(t, err)
	assert.Equal(t, "hello:from-stdin", res.Stdout)
}

func TestRun_Timeout(t *testing.T) {
	skipWindows(t)
	res, err := New(Config{}).Run(context.Background(), Command{
		Argv:    []string{"sleep", "10"},
		Timeout: 100 * time.Millisecond,
	})
	require.NoError(t, err)
	assert.True(t, res.Killed)
	assert.False(t, res.OK())
	assert.Less(t, res.Duration, 5*time.Second)
}

func TestRun_ParentCancelled(t *testing.T) {
	skipWindows(t)
	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		time.Sleep(100 * time.Millisecond)
		cancel()
	}()
	res, err := New(Config{}).Run(ctx, Command{Argv: []string{"sleep", "10"}})
	require.Error(t, err)
	assert.True(t, schema.IsCode(err, schema.ErrCodeCancelled))
	require.NotNil(t, res)
	assert.True(t, res.Killed)
}

func TestRun_CommandNotFound(t *testing.T) {
	_, err := New(Config{}).Run(context.Background(), Command{Argv: []string{"webforge-no-such-tool"}})
	require.Error(t, err)
	assert.True(t, schema.IsCode(err, schema.ErrCodeExternalTool))
}

func TestRun_EmptyArgv(t *testing.T) {
	_, err := New(Config{}).Run(context.Background(), Command{})
	assert.True(t, schema.IsCode(err, schema.ErrCodeValidation))
}

func TestRun_DirOutsideRootDenied(t *testing.T) {
	skipWindows(t)
	r := New(Config{Limits: isolation.Limits{Root: t.TempDir()}})
	_, err := r.Run(context.Background(), Command{Argv: []string{"true"}, Dir: t.TempDir()})
	assert.True(t, schema.IsCode(err, schema.ErrCodePathDenied))
}

func TestRun_RedactsSecrets(t *testing.T) {
	skipWindows(t)
	res, err := New(Config{}).Run(context.Background(), Command{
		Argv:   []string{"sh", "-c", "echo token=s3cr3t; echo bad s3cr3t >&2"},
		Redact: []string{"s3cr3t", ""},
	})
	require.NoError(t, err)
	assert.Equal(t, "token=[REDACTED]\n", res.Stdout)
	assert.NotContains(t, res.Stderr, "s3cr3t")
}

func TestRun_OutputLimit(t *testing.T) {
	skipWindows(t)
	res, err := New(Config{MaxOutputSize: 10}).Run(context.Background(), Command{
		Argv: []string{"sh", "-c", "yes x | head -c 10000"},
	})
	require.NoError(t, err)
	assert.Len(t, res.Stdout, 10)
}

func TestLimitedWriter(t *testing.T) {
	var buf bytes.Buffer
	lw := &limitedWriter{w: &buf, limit: 5}
	n, err := lw.Write([]byte("hello world"))
	require.NoError(t, err)
	assert.Equal(t, 11, n)
	n, err = lw.Write([]byte("more"))
	require.NoError(t, err)
	assert.Equal(t, 4, n)
	assert.Equal(t, "hello", buf.String())
}

func TestFunc_ImplementsRunner(t *testing.T) {
	var calls int
	var r Runner = Func(func(_ context.Context, c Command) (*Result, error) {
		calls++
		return &Result{Stdout: strings.Join(c.Argv, " ")}, nil
	})
	res, err := r.Run(context.Background(), Command{Argv: []string{"git", "status"}})
	require.NoError(t, err)
	assert.Equal(t, "git status", res.Stdout)
	assert.Equal(t, 1, calls)
}

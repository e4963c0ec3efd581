package isolation

import (
	"bytes"
	"context"
	"os"
	"os/exec"
	"path/filepath"
	"runtime"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rendis/webforge/pkg/schema"
)

func assertPathDenied(t *testing.T, err error) {
	t.Helper()
	require.Error(t, err)
	assert.True(t, schema.IsCode(err, schema.ErrCodePathDenied), err.Error())
}

// --- ValidateDir ---

func TestValidateDir_NoRoot_Unrestricted(t *testing.T) {
	assert.NoError(t, Limits{}.ValidateDir("/any/path"))
}

func TestValidateDir_UnderRoot(t *testing.T) {
	root := t.TempDir()
	l := Limits{Root: root}
	assert.NoError(t, l.ValidateDir(root))
	assert.NoError(t, l.ValidateDir(filepath.Join(root, "build_1234abcd_20260101")))
}

func TestValidateDir_OutsideRoot(t *testing.T) {
	root := t.TempDir()
	l := Limits{Root: root}
	assertPathDenied(t, l.ValidateDir(filepath.Dir(root)))
	assertPathDenied(t, l.ValidateDir(filepath.Join(root, "..", "escape")))
}

func TestValidateDir_PrefixIsNotContainment(t *testing.T) {
	parent := t.TempDir()
	root := filepath.Join(parent, "work")
	require.NoError(t, os.Mkdir(root, 0o755))
	require.NoError(t, os.Mkdir(filepath.Join(parent, "workevil"), 0o755))

	assertPathDenied(t, Limits{Root: root}.ValidateDir(filepath.Join(parent, "workevil")))
}

func TestValidateDir_DenyWins(t *testing.T) {
	root := t.TempDir()
	private := filepath.Join(root, "private")
	l := Limits{Root: root, DenyPaths: []string{private}}
	assert.NoError(t, l.ValidateDir(filepath.Join(root, "public")))
	assertPathDenied(t, l.ValidateDir(filepath.Join(private, "x")))
}

func TestValidateDir_SymlinkEscape(t *testing.T) {
	if runtime.GOOS == "windows" {
		t.Skip("symlinks need privileges on windows")
	}
	root := t.TempDir()
	outside := t.TempDir()
	link := filepath.Join(root, "link")
	require.NoError(t, os.Symlink(outside, link))

	assertPathDenied(t, Limits{Root: root}.ValidateDir(link))
}

func TestValidateDir_NullByte(t *testing.T) {
	assertPathDenied(t, Limits{}.ValidateDir("/tmp/a\x00b"))
}

// --- ProcessIsolator ---

func TestWrap_RunsCommand(t *testing.T) {
	if runtime.GOOS == "windows" {
		t.Skip("uses sh")
	}
	dir := t.TempDir()
	var out bytes.Buffer
	cmd := exec.Command("sh", "-c", "pwd")
	cmd.Dir = dir
	cmd.Stdout = &out

	wrapped, cleanup, err := New().Wrap(context.Background(), cmd, Limits{Root: dir})
	require.NoError(t, err)
	defer cleanup()

	require.NoError(t, wrapped.Run())
	resolved, _ := filepath.EvalSymlinks(dir)
	assert.Equal(t, resolved, filepath.Clean(string(bytes.TrimSpace(out.Bytes()))))
}

func TestWrap_RejectsDirOutsideRoot(t *testing.T) {
	root := t.TempDir()
	cmd := exec.Command("true")
	cmd.Dir = t.TempDir()

	_, _, err := New().Wrap(context.Background(), cmd, Limits{Root: root})
	assertPathDenied(t, err)
}

func TestWrap_CancelledContext(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, _, err := New().Wrap(ctx, exec.Command("true"), Limits{})
	assert.ErrorIs(t, err, context.Canceled)
}

func TestWrap_TimeoutKillsProcessTree(t *testing.T) {
	if runtime.GOOS == "windows" {
		t.Skip("uses sh")
	}
	// The child sleep keeps stdout open; only a group kill lets Wait return promptly.
	var out bytes.Buffer
	cmd := exec.Command("sh", "-c", "sleep 30 & sleep 30")
	cmd.Stdout = &out

	wrapped, cleanup, err := New().Wrap(context.Background(), cmd, Limits{
		Timeout:   100 * time.Millisecond,
		KillGrace: 2 * time.Second,
	})
	require.NoError(t, err)
	defer cleanup()

	start := time.Now()
	err = wrapped.Run()
	require.Error(t, err)
	assert.Less(t, time.Since(start), 2*time.Second)
}

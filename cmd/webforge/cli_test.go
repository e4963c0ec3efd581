package main

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rendis/webforge/internal/diagram"
	"github.com/rendis/webforge/internal/engine"
	"github.com/rendis/webforge/internal/store"
	"github.com/rendis/webforge/pkg/schema"
)

type testCLI struct {
	c    *cli
	home string
}

func newTestCLI(t *testing.T) *testCLI {
	t.Helper()
	t.Setenv("WEBFORGE_CIPHER_MASTER_SECRET", strings.Repeat("k", 32))
	tc := &testCLI{c: &cli{}, home: t.TempDir()}
	t.Cleanup(tc.c.close)
	return tc
}

// run executes one command line against a shared application, feeding stdin.
func (tc *testCLI) run(stdin string, args ...string) (string, error) {
	var out bytes.Buffer
	root := tc.c.rootCmd()
	root.SetArgs(append([]string{"--home", tc.home}, args...))
	root.SetOut(&out)
	root.SetErr(io.Discard)
	root.SetIn(strings.NewReader(stdin))
	err := root.ExecuteContext(context.Background())
	return out.String(), err
}

func (tc *testCLI) mustJSON(t *testing.T, v any, args ...string) {
	t.Helper()
	out, err := tc.run("", append(args, "--json")...)
	require.NoError(t, err, out)
	require.NoError(t, json.Unmarshal([]byte(out), v), out)
}

func TestVersion(t *testing.T) {
	out, err := newTestCLI(t).run("", "version")
	require.NoError(t, err)
	assert.Equal(t, "dev\n", out)
}

func TestExitCode(t *testing.T) {
	assert.Equal(t, 2, exitCode(schema.NewError(schema.ErrCodeValidation, "bad")))
	assert.Equal(t, 2, exitCode(schema.NewError(schema.ErrCodeNotFound, "gone")))
	assert.Equal(t, 1, exitCode(schema.NewError(schema.ErrCodeExternalTool, "docker")))
	assert.Equal(t, 1, exitCode(io.EOF))
}

func TestMissingMasterSecret(t *testing.T) {
	tc := newTestCLI(t)
	t.Setenv("WEBFORGE_CIPHER_MASTER_SECRET", "")

	_, err := tc.run("", "credential", "list")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "WEBFORGE_CIPHER_MASTER_SECRET")
}

func TestCredentialCommands(t *testing.T) {
	tc := newTestCLI(t)

	var cred store.Credential
	tc.mustJSON(t, &cred, "credential", "add", "github",
		"--type", "https_token",
		"--field", "username=octo",
		"--field", "token=ghp_0123456789abcdef",
		"--metadata", "team=web",
		"--expires-in", "720h")
	assert.Equal(t, "github", cred.Name)
	require.NotNil(t, cred.ExpiresAt)

	out, err := tc.run("", "credential", "list", "--json")
	require.NoError(t, err)
	assert.NotContains(t, out, "ghp_0123456789abcdef")
	var creds []store.Credential
	require.NoError(t, json.Unmarshal([]byte(out), &creds))
	require.Len(t, creds, 1)
	assert.Equal(t, map[string]string{"team": "web"}, creds[0].Metadata)

	out, err = tc.run("", "credential", "list")
	require.NoError(t, err)
	assert.Contains(t, out, "team=web")

	out, err = tc.run("", "credential", "verify", cred.ID)
	require.NoError(t, err)
	assert.Contains(t, out, "Credential is valid")

	out, err = tc.run("", "credential", "delete", cred.ID)
	require.NoError(t, err)
	assert.Contains(t, out, "Deactivated credential")

	creds = nil
	tc.mustJSON(t, &creds, "credential", "list")
	assert.Empty(t, creds)
	tc.mustJSON(t, &creds, "credential", "list", "--all")
	assert.Len(t, creds, 1)
}

func TestCredentialAdd_Rejections(t *testing.T) {
	tc := newTestCLI(t)

	_, err := tc.run("", "credential", "add", "empty", "--type", "https_token")
	assert.True(t, schema.IsCode(err, schema.ErrCodeValidation), "%v", err)

	_, err = tc.run("", "credential", "add", "short", "--type", "https_token", "--field", "username=octo")
	assert.True(t, schema.IsCode(err, schema.ErrCodeValidation), "%v", err)

	_, err = tc.run("", "credential", "add", "nameless")
	require.Error(t, err, "--type is required")
}

func TestCredentialAdd_PayloadFromStdin(t *testing.T) {
	tc := newTestCLI(t)
	out, err := tc.run(`{"username": "robot", "password": "s3cret-pass"}`,
		"credential", "add", "hub", "--type", "registry_basic", "--payload-file", "-")
	require.NoError(t, err)
	assert.Contains(t, out, "Created credential hub (registry_basic)")
}

func TestCatalogCommands(t *testing.T) {
	tc := newTestCLI(t)

	out, err := tc.run(`{"rules": [{"pattern": "Open WebUI", "replacement": "Acme"}]}`, "template", "add", "acme")
	require.NoError(t, err)
	assert.Contains(t, out, "Added template acme (1 rules, 0 assets)")

	out, err = tc.run(`{"entries": [{"key": "PORT", "value": "8080"}]}`, "configuration", "add", "prod")
	require.NoError(t, err)
	assert.Contains(t, out, "Added configuration prod (1 entries)")

	var reg store.Registry
	tc.mustJSON(t, &reg, "registry", "add", "hub", "--type", "docker_hub", "--image", "acme/webui")
	assert.Equal(t, schema.RegistryDockerHub, reg.Type)

	_, err = tc.run(`{"entries": [{"key": "1BAD", "value": "x"}]}`, "configuration", "add", "broken")
	assert.True(t, schema.IsCode(err, schema.ErrCodeValidation), "%v", err)

	var tmpls []store.Template
	tc.mustJSON(t, &tmpls, "template", "list")
	assert.Len(t, tmpls, 1)
	var regs []store.Registry
	tc.mustJSON(t, &regs, "registry", "list")
	assert.Len(t, regs, 1)
}

func TestRunCommands(t *testing.T) {
	tc := newTestCLI(t)

	var run store.Run
	tc.mustJSON(t, &run, "run", "create", "--kind", "archive")
	assert.Equal(t, schema.RunStatusPending, run.Status)
	assert.Equal(t, []string{"clone", "package-archive"}, run.Steps)

	var runs []store.Run
	tc.mustJSON(t, &runs, "run", "list", "--status", "pending")
	require.Len(t, runs, 1)

	out, err := tc.run("", "run", "cancel", run.ID)
	require.NoError(t, err)
	assert.Contains(t, out, "Cancelled run "+run.ID)

	out, err = tc.run("", "run", "logs", run.ID)
	require.NoError(t, err)
	assert.Contains(t, out, "Cancelled before start")

	_, err = tc.run("", "run", "cancel", run.ID)
	assert.True(t, schema.IsCode(err, schema.ErrCodeInvalidTransition), "%v", err)

	var retry store.Run
	tc.mustJSON(t, &retry, "run", "retry", run.ID)
	assert.NotEqual(t, run.ID, retry.ID)
	assert.Equal(t, run.Steps, retry.Steps)

	var stats engine.Statistics
	tc.mustJSON(t, &stats, "run", "stats", "--days", "7")
	assert.Equal(t, 2, stats.Total)
	assert.Equal(t, 1, stats.Failed)
	assert.Equal(t, 1, stats.Pending)

	_, err = tc.run("", "run", "create", "--kind", "image", "--steps", "clone,push-image")
	assert.True(t, schema.IsCode(err, schema.ErrCodeValidation), "%v", err)

	out, err = tc.run("", "run", "delete", run.ID)
	require.NoError(t, err)
	assert.Contains(t, out, "Deleted run")
	_, err = tc.run("", "run", "show", run.ID)
	assert.True(t, schema.IsCode(err, schema.ErrCodeNotFound), "%v", err)
}

func TestRunSteps(t *testing.T) {
	out, err := newTestCLI(t).run("", "run", "steps")
	require.NoError(t, err)
	lines := strings.Split(strings.TrimSpace(out), "\n")
	require.Len(t, lines, 6)
	assert.True(t, strings.HasPrefix(lines[0], "clone"))
	assert.Contains(t, lines[5], "push-image")
	assert.Contains(t, lines[5], "(needs build-image)")
}

func TestOutputCommands(t *testing.T) {
	tc := newTestCLI(t)

	var outs []store.Output
	tc.mustJSON(t, &outs, "output", "list")
	assert.Empty(t, outs)

	out, err := tc.run("", "output", "cleanup")
	require.NoError(t, err)
	assert.Contains(t, out, "Cleaned 0 outputs, 0 failed")

	_, err = tc.run("", "output", "download", "00000000-0000-0000-0000-000000000000")
	assert.True(t, schema.IsCode(err, schema.ErrCodeNotFound), "%v", err)
}

func TestRunPlan(t *testing.T) {
	tc := newTestCLI(t)

	var run store.Run
	tc.mustJSON(t, &run, "run", "create", "--kind", "image")

	var model diagram.DiagramModel
	tc.mustJSON(t, &model, "run", "plan", run.ID)
	require.Len(t, model.Nodes, 4)
	assert.Equal(t, "Build Docker Image", model.Nodes[2].Label)
	assert.Nil(t, model.Nodes[2].Status)

	_, err := tc.run("", "run", "cancel", run.ID)
	require.NoError(t, err)

	out, err := tc.run("", "run", "plan", run.ID, "--format", "mermaid")
	require.NoError(t, err)
	assert.Contains(t, out, "graph TD\n")
	assert.Contains(t, out, "clone --> build_image")
	assert.Contains(t, out, "class build_image skipped")

	_, err = tc.run("", "run", "plan", run.ID, "--format", "svg")
	assert.True(t, schema.IsCode(err, schema.ErrCodeValidation), "%v", err)
}

package expressions

import (
	"context"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rendis/webforge/pkg/schema"
)

func newCEL(t *testing.T) *CELEngine {
	t.Helper()
	e, err := NewCELEngine()
	require.NoError(t, err)
	return e
}

func fileData(path, ext string, size int64) map[string]any {
	return map[string]any{
		"file": map[string]any{"path": path, "ext": ext, "size": size},
		"run":  map[string]any{"id": "0b6f", "short_id": "0b6f1c2d", "branch": "main", "output_kind": "archive"},
	}
}

func TestNewCELEngine(t *testing.T) {
	e := newCEL(t)
	assert.Equal(t, "cel", e.Name())
}

func TestCEL_Literals(t *testing.T) {
	e := newCEL(t)

	out, err := e.Evaluate(context.Background(), "1 + 2", nil)
	require.NoError(t, err)
	assert.Equal(t, int64(3), out)

	out, err = e.Evaluate(context.Background(), `"open" + "-" + "webui"`, nil)
	require.NoError(t, err)
	assert.Equal(t, "open-webui", out)
}

func TestCEL_FileConditions(t *testing.T) {
	e := newCEL(t)
	ctx := context.Background()

	tests := []struct {
		cond string
		data map[string]any
		want bool
	}{
		{`file.ext == ".svelte"`, fileData("src/lib/App.svelte", ".svelte", 120), true},
		{`file.ext == ".svelte"`, fileData("backend/main.py", ".py", 120), false},
		{`file.path.startsWith("src/")`, fileData("src/app.html", ".html", 10), true},
		{`file.size < 1024 && run.branch == "main"`, fileData("README.md", ".md", 900), true},
		{`run.output_kind in ["image", "both"]`, fileData("x", "", 0), false},
		{`file.path.matches("\\.(ts|js)$")`, fileData("src/lib/constants.ts", ".ts", 1), true},
	}
	for _, tt := range tests {
		t.Run(tt.cond, func(t *testing.T) {
			got, err := e.Match(ctx, tt.cond, tt.data)
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestCEL_MatchEmptyConditionAlwaysTrue(t *testing.T) {
	ok, err := newCEL(t).Match(context.Background(), "", nil)
	require.NoError(t, err)
	assert.True(t, ok)
}

func TestCEL_MatchRequiresBool(t *testing.T) {
	_, err := newCEL(t).Match(context.Background(), `file.path`, fileData("a", "", 0))
	require.Error(t, err)
	assert.True(t, schema.IsCode(err, schema.ErrCodeValidation))
	assert.Contains(t, err.Error(), "want bool")
}

func TestCEL_MissingVariablesAreEmptyMaps(t *testing.T) {
	out, err := newCEL(t).Evaluate(context.Background(), `size(file) == 0`, nil)
	require.NoError(t, err)
	assert.Equal(t, true, out)
}

func TestCEL_Errors(t *testing.T) {
	e := newCEL(t)
	ctx := context.Background()

	_, err := e.Evaluate(ctx, "", nil)
	assert.True(t, schema.IsCode(err, schema.ErrCodeValidation))

	_, err = e.Evaluate(ctx, "file.ext ==", nil)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "CEL compile error")

	_, err = e.Evaluate(ctx, "secrets.token", nil)
	require.Error(t, err, "only file and run are declared")

	_, err = e.Evaluate(ctx, `file.missing == "x"`, fileData("a", "", 0))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "CEL evaluation failed")
}

func TestCEL_Check(t *testing.T) {
	e := newCEL(t)
	assert.NoError(t, e.Check(`file.ext == ".py"`))
	assert.Error(t, e.Check(`file.ext ==`))
}

func TestCEL_CachesPrograms(t *testing.T) {
	e := newCEL(t)
	for i := 0; i < 3; i++ {
		_, err := e.Evaluate(context.Background(), `run.branch == "main"`, nil)
		require.NoError(t, err)
	}
	e.mu.RLock()
	defer e.mu.RUnlock()
	assert.Len(t, e.cache, 1)
}

func TestCEL_Concurrent(t *testing.T) {
	e := newCEL(t)
	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			ok, err := e.Match(context.Background(), `file.ext == ".ts"`, fileData("a.ts", ".ts", 1))
			assert.NoError(t, err)
			assert.True(t, ok)
		}()
	}
	wg.Wait()
}

package expressions

import (
	"context"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rendis/webforge/pkg/schema"
)

func tagData() map[string]any {
	return map[string]any{
		"run": map[string]any{
			"id":       "0b6f1c2d-9a8e-4d21-9a55-6f1f1c0c7b11",
			"short_id": "0b6f1c2d",
			"branch":   "main",
			"commit":   "3e1f0c9a77d2",
		},
		"date": "20261019",
	}
}

func TestNewExprEngine(t *testing.T) {
	assert.Equal(t, "expr", NewExprEngine().Name())
}

func TestExpr_Evaluate(t *testing.T) {
	e := NewExprEngine()
	ctx := context.Background()

	out, err := e.Evaluate(ctx, `1 + 2 * 3`, nil)
	require.NoError(t, err)
	assert.Equal(t, 7, out)

	out, err = e.Evaluate(ctx, `run.branch == "main" ? "stable" : "preview"`, tagData())
	require.NoError(t, err)
	assert.Equal(t, "stable", out)
}

func TestExpr_RenderTags(t *testing.T) {
	e := NewExprEngine()
	ctx := context.Background()

	tests := []struct {
		template string
		want     string
	}{
		{`"custom-" + run.short_id`, "custom-0b6f1c2d"},
		{`run.branch + "-" + date`, "main-20261019"},
		{`run.branch + "-" + run.commit[:7]`, "main-3e1f0c9"},
		{`lower("Release-" + run.branch)`, "release-main"},
		{`run.tag ?? "latest"`, "latest"},
	}
	for _, tt := range tests {
		t.Run(tt.template, func(t *testing.T) {
			got, err := e.Render(ctx, tt.template, tagData())
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestExpr_RenderNumber(t *testing.T) {
	got, err := NewExprEngine().Render(context.Background(), `40 + 2`, nil)
	require.NoError(t, err)
	assert.Equal(t, "42", got)
}

func TestExpr_RenderRejectsNonString(t *testing.T) {
	e := NewExprEngine()
	ctx := context.Background()

	_, err := e.Render(ctx, `run`, tagData())
	require.Error(t, err)
	assert.True(t, schema.IsCode(err, schema.ErrCodeValidation))

	_, err = e.Render(ctx, `""`, nil)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "empty value")
}

func TestExpr_Errors(t *testing.T) {
	e := NewExprEngine()
	ctx := context.Background()

	_, err := e.Evaluate(ctx, "", nil)
	assert.True(t, schema.IsCode(err, schema.ErrCodeValidation))

	_, err = e.Evaluate(ctx, `"a" +`, nil)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "expr compile error")
}

func TestExpr_Concurrent(t *testing.T) {
	e := NewExprEngine()
	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			got, err := e.Render(context.Background(), `"custom-" + run.short_id`, tagData())
			assert.NoError(t, err)
			assert.Equal(t, "custom-0b6f1c2d", got)
		}()
	}
	wg.Wait()
}

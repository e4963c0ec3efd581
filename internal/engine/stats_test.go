package engine

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rendis/webforge/pkg/schema"
)

func TestStatistics(t *testing.T) {
	e := newTestEnv(t)
	ctx := context.Background()

	done := e.create(t, CreateRunRequest{OutputKind: schema.OutputArchive})
	e.execute(t, done.ID)
	cancelled := e.create(t, CreateRunRequest{OutputKind: schema.OutputImage})
	_, err := e.orch.RequestCancel(ctx, cancelled.ID)
	require.NoError(t, err)
	e.create(t, CreateRunRequest{OutputKind: schema.OutputBoth})

	stats, err := e.orch.Statistics(ctx, 7)
	require.NoError(t, err)
	assert.Equal(t, 7, stats.Days)
	assert.Equal(t, 3, stats.Total)
	assert.Equal(t, 1, stats.Completed)
	assert.Equal(t, 1, stats.Failed)
	assert.Equal(t, 1, stats.Pending)
	assert.Zero(t, stats.Running)
	assert.Equal(t, 33.33, stats.SuccessRate)
	assert.True(t, stats.From.Before(stats.To))

	require.Len(t, stats.PopularSteps, 3)
	assert.Equal(t, StepCount{Step: "clone", Count: 3}, stats.PopularSteps[0])
	// Ties keep catalog order.
	assert.Equal(t, StepCount{Step: "package-archive", Count: 2}, stats.PopularSteps[1])
	assert.Equal(t, StepCount{Step: "build-image", Count: 2}, stats.PopularSteps[2])
}

func TestStatistics_Empty(t *testing.T) {
	e := newTestEnv(t)
	stats, err := e.orch.Statistics(context.Background(), 0)
	require.NoError(t, err)
	assert.Equal(t, defaultStatsDays, stats.Days)
	assert.Zero(t, stats.Total)
	assert.Zero(t, stats.SuccessRate)
	assert.Empty(t, stats.PopularSteps)
}

func TestRepositoryUsage(t *testing.T) {
	e := newTestEnv(t)
	ctx := context.Background()
	repo := e.repository(t)
	other := e.repository(t)

	a := e.create(t, CreateRunRequest{OutputKind: schema.OutputArchive, RepositoryID: repo.ID})
	e.execute(t, a.ID)
	b := e.create(t, CreateRunRequest{OutputKind: schema.OutputBoth, RepositoryID: repo.ID})
	e.execute(t, b.ID)
	e.create(t, CreateRunRequest{OutputKind: schema.OutputArchive, RepositoryID: other.ID})

	usage, err := e.orch.RepositoryUsage(ctx, repo.ID)
	require.NoError(t, err)
	assert.Equal(t, repo.Name, usage.Name)
	assert.Equal(t, repo.URL, usage.URL)
	assert.True(t, usage.Verified)
	assert.Equal(t, 2, usage.TotalRuns)
	assert.Equal(t, 2, usage.Completed)
	assert.Zero(t, usage.Failed)
	assert.Equal(t, 2, usage.RecentRuns)
	assert.Equal(t, OutputUsage{Total: 3, Archives: 2, Images: 1}, usage.Outputs)
	require.NotNil(t, usage.LastUsed)

	_, err = e.orch.RepositoryUsage(ctx, "00000000-0000-0000-0000-000000000000")
	assert.True(t, schema.IsCode(err, schema.ErrCodeNotFound))
}

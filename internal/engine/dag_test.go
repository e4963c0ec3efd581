package engine

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rendis/webforge/pkg/schema"
)

func TestParsePlan_OrdersByCatalog(t *testing.T) {
	plan, err := ParsePlan([]string{"push-image", "package-archive", "build-image", "clone", "apply-configuration", "apply-customization"})
	require.NoError(t, err)
	assert.Equal(t, Steps(), plan.Steps)
	assert.Equal(t, []string{"clone", "apply-customization", "apply-configuration", "package-archive", "build-image", "push-image"}, plan.Names())
}

func TestParsePlan_Subset(t *testing.T) {
	plan, err := ParsePlan([]string{"build-image", "clone"})
	require.NoError(t, err)
	assert.Equal(t, []Step{StepClone, StepBuildImage}, plan.Steps)
	assert.True(t, plan.Has(StepBuildImage))
	assert.False(t, plan.Has(StepPushImage))
}

func TestParsePlan_Rejections(t *testing.T) {
	tests := []struct {
		name  string
		steps []string
		want  string
	}{
		{"empty", nil, "no steps"},
		{"unknown", []string{"clone", "deploy"}, "unknown build step: deploy"},
		{"duplicate", []string{"clone", "clone"}, "duplicate build step"},
		{"archive without clone", []string{"package-archive"}, "package-archive requires the clone step"},
		{"build without clone", []string{"build-image"}, "build-image requires the clone step"},
		{"push without build", []string{"clone", "push-image"}, "push-image requires the build-image step"},
		{"customize without clone", []string{"apply-customization"}, "requires the clone step"},
		{"configure without clone", []string{"apply-configuration", "package-archive"}, "requires the clone step"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := ParsePlan(tt.steps)
			require.Error(t, err)
			assert.True(t, schema.IsCode(err, schema.ErrCodeValidation))
			assert.Contains(t, err.Error(), tt.want)
		})
	}
}

func TestDefaultSteps(t *testing.T) {
	assert.Equal(t, []Step{StepClone, StepPackageArchive}, DefaultSteps(schema.OutputArchive))
	assert.Equal(t, []Step{StepClone, StepBuildImage}, DefaultSteps(schema.OutputImage))
	assert.Equal(t, []Step{StepClone, StepPackageArchive, StepBuildImage}, DefaultSteps(schema.OutputBoth))
}

func TestCatalog(t *testing.T) {
	info, ok := StepPushImage.Info()
	require.True(t, ok)
	assert.Equal(t, schema.PhasePushing, info.Phase)
	assert.Equal(t, []Step{StepBuildImage}, info.Requires)

	clone, _ := StepClone.Info()
	assert.True(t, clone.Required)
	assert.Equal(t, "Clone Git Repository", StepClone.Name())
	assert.Equal(t, "deploy", Step("deploy").Name())

	for i, s := range Steps() {
		info, ok := s.Info()
		require.True(t, ok, s)
		assert.Equal(t, i+1, info.Order)
	}
}

package engine

import (
	"github.com/rendis/webforge/pkg/schema"
)

// Step identifies one stage of a build pipeline.
type Step string

const (
	StepClone          Step = "clone"
	StepCustomize      Step = "apply-customization"
	StepConfigure      Step = "apply-configuration"
	StepPackageArchive Step = "package-archive"
	StepBuildImage     Step = "build-image"
	StepPushImage      Step = "push-image"
)

// StepInfo is the compile-time description of a step.
type StepInfo struct {
	Name     string
	Order    int
	Required bool
	Requires []Step
	Phase    schema.RunPhase
}

// catalog is the closed set of steps. Order resolves any caller ordering.
var catalog = map[Step]StepInfo{
	StepClone: {
		Name:     "Clone Git Repository",
		Order:    1,
		Required: true,
		Phase:    schema.PhaseCloning,
	},
	StepCustomize: {
		Name:     "Apply Branding Template",
		Order:    2,
		Requires: []Step{StepClone},
		Phase:    schema.PhaseCustomizing,
	},
	StepConfigure: {
		Name:     "Apply Configuration",
		Order:    3,
		Requires: []Step{StepClone},
		Phase:    schema.PhaseConfiguring,
	},
	StepPackageArchive: {
		Name:     "Create ZIP Archive",
		Order:    4,
		Requires: []Step{StepClone},
		Phase:    schema.PhasePackaging,
	},
	StepBuildImage: {
		Name:     "Build Docker Image",
		Order:    5,
		Requires: []Step{StepClone},
		Phase:    schema.PhaseBuilding,
	},
	StepPushImage: {
		Name:     "Push to Registry",
		Order:    6,
		Requires: []Step{StepBuildImage},
		Phase:    schema.PhasePushing,
	},
}

// Steps returns every known step in execution order.
func Steps() []Step {
	return []Step{StepClone, StepCustomize, StepConfigure, StepPackageArchive, StepBuildImage, StepPushImage}
}

// Info returns the catalog entry of s.
func (s Step) Info() (StepInfo, bool) {
	info, ok := catalog[s]
	return info, ok
}

// Valid reports whether s is in the catalog.
func (s Step) Valid() bool {
	_, ok := catalog[s]
	return ok
}

// Name returns the display name, or the identifier for unknown steps.
func (s Step) Name() string {
	if info, ok := catalog[s]; ok {
		return info.Name
	}
	return string(s)
}

// DefaultSteps derives the step set for an output kind when the caller
// supplies none.
func DefaultSteps(kind schema.OutputKind) []Step {
	steps := []Step{StepClone}
	if kind == schema.OutputArchive || kind == schema.OutputBoth {
		steps = append(steps, StepPackageArchive)
	}
	if kind == schema.OutputImage || kind == schema.OutputBoth {
		steps = append(steps, StepBuildImage)
	}
	return steps
}

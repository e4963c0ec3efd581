package schema

// RunStatus represents the lifecycle state of a pipeline run.
type RunStatus string

const (
	RunStatusPending   RunStatus = "pending"
	RunStatusRunning   RunStatus = "running"
	RunStatusCompleted RunStatus = "completed"
	RunStatusFailed    RunStatus = "failed"
)

// Terminal reports whether no further transitions are allowed.
func (s RunStatus) Terminal() bool {
	return s == RunStatusCompleted || s == RunStatusFailed
}

// RunPhase refines RunStatusRunning for progress display only.
type RunPhase string

const (
	PhaseNone        RunPhase = ""
	PhaseCloning     RunPhase = "cloning"
	PhaseCustomizing RunPhase = "customizing"
	PhaseConfiguring RunPhase = "configuring"
	PhasePackaging   RunPhase = "packaging"
	PhaseBuilding    RunPhase = "building"
	PhasePushing     RunPhase = "pushing"
)

// OutputKind is what a run is asked to produce.
type OutputKind string

const (
	OutputArchive OutputKind = "archive"
	OutputImage   OutputKind = "image"
	OutputBoth    OutputKind = "both"
)

// Valid reports whether k is one of the known output kinds.
func (k OutputKind) Valid() bool {
	switch k {
	case OutputArchive, OutputImage, OutputBoth:
		return true
	}
	return false
}

// ArtifactKind is the kind of a single registered build output.
type ArtifactKind string

const (
	ArtifactArchive ArtifactKind = "archive"
	ArtifactImage   ArtifactKind = "image"
)

// OutputStatus is the state of a registered build output.
type OutputStatus string

const (
	OutputStatusAvailable OutputStatus = "available"
	OutputStatusExpired   OutputStatus = "expired"
	OutputStatusDeleted   OutputStatus = "deleted"
)

package schema

// Event type constants for the audit log.
const (
	EventCredentialCreated     = "credential_created"
	EventCredentialUpdated     = "credential_updated"
	EventCredentialRekeyed     = "credential_rekeyed"
	EventCredentialAccessed    = "credential_accessed"
	EventCredentialDeactivated = "credential_deactivated"
	EventCredentialDeleted     = "credential_deleted"

	EventRepositoryVerified = "repository_verified"

	EventRunCreated   = "run_created"
	EventRunStarted   = "run_started"
	EventRunCompleted = "run_completed"
	EventRunFailed    = "run_failed"
	EventRunCancelled = "run_cancelled"

	EventStepStarted   = "step_started"
	EventStepCompleted = "step_completed"
	EventStepFailed    = "step_failed"

	EventOutputRegistered = "output_registered"
	EventOutputExpired    = "output_expired"
	EventOutputDownloaded = "output_downloaded"
)

// Entity types recorded on audit events.
const (
	EntityCredential = "credential"
	EntityRepository = "repository"
	EntityRun        = "run"
	EntityOutput     = "output"
)

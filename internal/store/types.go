package store

import (
	"encoding/json"
	"time"

	"github.com/rendis/webforge/internal/cipher"
	"github.com/rendis/webforge/pkg/schema"
)

// Credential is the persisted form of a vault record. Secret is always sealed.
type Credential struct {
	ID         string                `json:"id"`
	Name       string                `json:"name"`
	Type       schema.CredentialType `json:"type"`
	Secret     cipher.Bundle         `json:"-"`
	Metadata   map[string]string     `json:"metadata,omitempty"`
	Lifecycle  schema.Lifecycle      `json:"lifecycle"`
	CreatedAt  time.Time             `json:"created_at"`
	UpdatedAt  time.Time             `json:"updated_at"`
	ExpiresAt  *time.Time            `json:"expires_at,omitempty"`
	LastUsedAt *time.Time            `json:"last_used_at,omitempty"`
}

// Expired reports whether the credential has an expiry at or before now.
func (c *Credential) Expired(now time.Time) bool {
	return c.ExpiresAt != nil && !c.ExpiresAt.After(now)
}

// CredentialUpdate holds optional fields for a credential update.
type CredentialUpdate struct {
	Name        *string
	Metadata    map[string]string
	ExpiresAt   *time.Time
	ClearExpiry bool
	Secret      *cipher.Bundle
	Lifecycle   *schema.Lifecycle
	LastUsedAt  *time.Time
}

// CredentialFilter restricts ListCredentials.
type CredentialFilter struct {
	Type         *schema.CredentialType
	Lifecycle    *schema.Lifecycle
	NotExpiredAt *time.Time // expires_at IS NULL OR expires_at > t
	ExpiredAt    *time.Time // expires_at <= t
	KeyIDNot     string
}

// Repository is a clonable source tree.
type Repository struct {
	ID                  string                    `json:"id"`
	Name                string                    `json:"name"`
	URL                 string                    `json:"url"`
	Protocol            schema.Protocol           `json:"protocol"`
	DefaultBranch       string                    `json:"default_branch"`
	CredentialID        string                    `json:"credential_id,omitempty"`
	Verification        schema.VerificationStatus `json:"verification"`
	VerificationMessage string                    `json:"verification_message,omitempty"`
	VerifiedAt          *time.Time                `json:"verified_at,omitempty"`
	Experimental        bool                      `json:"experimental"`
	Lifecycle           schema.Lifecycle          `json:"lifecycle"`
	CreatedAt           time.Time                 `json:"created_at"`
	UpdatedAt           time.Time                 `json:"updated_at"`
}

// RepositoryUpdate holds optional fields for a repository update.
type RepositoryUpdate struct {
	Name                *string
	URL                 *string
	Protocol            *schema.Protocol
	DefaultBranch       *string
	CredentialID        *string // "" unbinds
	Verification        *schema.VerificationStatus
	VerificationMessage *string
	VerifiedAt          *time.Time
	Experimental        *bool
	Lifecycle           *schema.Lifecycle
}

// RepositoryFilter restricts ListRepositories.
type RepositoryFilter struct {
	Lifecycle    *schema.Lifecycle
	CredentialID string
}

// Registry is a container image destination.
type Registry struct {
	ID           string              `json:"id"`
	Name         string              `json:"name"`
	Type         schema.RegistryType `json:"type"`
	URL          string              `json:"url,omitempty"`
	Image        string              `json:"image"`
	TagTemplate  string              `json:"tag_template,omitempty"`
	CredentialID string              `json:"credential_id,omitempty"`
	Region       string              `json:"region,omitempty"`
	LastPushedAt *time.Time          `json:"last_pushed_at,omitempty"`
	CreatedAt    time.Time           `json:"created_at"`
}

// ReplacementRule is one text substitution of a branding template.
type ReplacementRule struct {
	Pattern     string `json:"pattern"`
	Replacement string `json:"replacement"`
	Regex       bool   `json:"use_regex,omitempty"`
	When        string `json:"when,omitempty"` // CEL condition over file
}

// Asset is a file copied into the workspace's static directory.
type Asset struct {
	Path   string `json:"path"`
	Target string `json:"target,omitempty"`
}

// Template is a set of branding customizations.
type Template struct {
	ID        string            `json:"id"`
	Name      string            `json:"name"`
	Rules     []ReplacementRule `json:"rules"`
	Assets    []Asset           `json:"assets,omitempty"`
	CreatedAt time.Time         `json:"created_at"`
}

// ConfigEntry is a single configuration value. Entries with File and Path
// are written into a JSON document; the rest go to the .env file.
type ConfigEntry struct {
	Key   string `json:"key"`
	Value string `json:"value"`
	File  string `json:"file,omitempty"`
	Path  string `json:"path,omitempty"`
}

// Configuration is a named set of configuration entries.
type Configuration struct {
	ID        string        `json:"id"`
	Name      string        `json:"name"`
	Entries   []ConfigEntry `json:"entries"`
	CreatedAt time.Time     `json:"created_at"`
}

// Run is the persisted state of a pipeline run.
type Run struct {
	ID              string            `json:"id"`
	Status          schema.RunStatus  `json:"status"`
	Phase           schema.RunPhase   `json:"phase,omitempty"`
	Steps           []string          `json:"steps"`
	RepositoryID    string            `json:"repository_id,omitempty"`
	RegistryID      string            `json:"registry_id,omitempty"`
	TemplateID      string            `json:"template_id,omitempty"`
	ConfigurationID string            `json:"configuration_id,omitempty"`
	OutputKind      schema.OutputKind `json:"output_kind"`
	Branch          string            `json:"branch,omitempty"`
	CommitHash      string            `json:"commit_hash,omitempty"`
	ImageRef        string            `json:"image_ref,omitempty"`
	CurrentStep     string            `json:"current_step,omitempty"`
	Progress        int               `json:"progress"`
	Error           string            `json:"error,omitempty"`
	Log             string            `json:"log,omitempty"`
	CancelRequested bool              `json:"cancel_requested"`
	CreatedAt       time.Time         `json:"created_at"`
	StartedAt       *time.Time        `json:"started_at,omitempty"`
	CompletedAt     *time.Time        `json:"completed_at,omitempty"`
}

// RunUpdate holds optional fields for a run update. When Expect is set the
// update only applies if the stored status still equals it.
type RunUpdate struct {
	Expect          *schema.RunStatus
	Status          *schema.RunStatus
	Phase           *schema.RunPhase
	CurrentStep     *string
	Progress        *int
	CommitHash      *string
	ImageRef        *string
	Error           *string
	CancelRequested *bool
	StartedAt       *time.Time
	CompletedAt     *time.Time
}

// RunFilter restricts ListRuns.
type RunFilter struct {
	Status       *schema.RunStatus
	RepositoryID string
	Since        *time.Time
	Limit        int
}

// Output is a registered build artifact.
type Output struct {
	ID        string              `json:"id"`
	RunID     string              `json:"run_id"`
	Kind      schema.ArtifactKind `json:"kind"`
	Location  string              `json:"location,omitempty"`
	ImageRef  string              `json:"image_ref,omitempty"`
	SizeBytes int64               `json:"size_bytes"`
	Checksum  string              `json:"checksum,omitempty"`
	Downloads int                 `json:"downloads"`
	Status    schema.OutputStatus `json:"status"`
	ExpiresAt *time.Time          `json:"expires_at,omitempty"`
	CreatedAt time.Time           `json:"created_at"`
}

// OutputFilter restricts ListOutputs.
type OutputFilter struct {
	RunID         string
	RepositoryID  string
	Kind          *schema.ArtifactKind
	Status        *schema.OutputStatus
	ExpiredBefore *time.Time
}

// Event is an immutable entry in the audit log.
type Event struct {
	ID         int64           `json:"id"`
	EntityType string          `json:"entity_type"`
	EntityID   string          `json:"entity_id"`
	Type       string          `json:"event_type"`
	Payload    json.RawMessage `json:"payload,omitempty"`
	Timestamp  time.Time       `json:"timestamp"`
	Sequence   int64           `json:"sequence"`
}

// EventFilter restricts ListEvents.
type EventFilter struct {
	EntityType string
	EntityID   string
	Type       string
	Since      *time.Time
	Limit      int
}

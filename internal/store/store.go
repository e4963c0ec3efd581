package store

import (
	"context"

	"github.com/rendis/webforge/pkg/schema"
)

// CredentialStore persists sealed credentials.
type CredentialStore interface {
	CreateCredential(ctx context.Context, c *Credential) error
	GetCredential(ctx context.Context, id string) (*Credential, error)
	GetCredentialByName(ctx context.Context, name string) (*Credential, error)
	UpdateCredential(ctx context.Context, id string, update CredentialUpdate) error
	ListCredentials(ctx context.Context, filter CredentialFilter) ([]*Credential, error)
	DeleteCredential(ctx context.Context, id string) error
}

// RepositoryStore persists repository sources.
type RepositoryStore interface {
	CreateRepository(ctx context.Context, r *Repository) error
	GetRepository(ctx context.Context, id string) (*Repository, error)
	UpdateRepository(ctx context.Context, id string, update RepositoryUpdate) error
	ListRepositories(ctx context.Context, filter RepositoryFilter) ([]*Repository, error)
}

// CatalogStore persists the plain rows a run may reference.
type CatalogStore interface {
	CreateRegistry(ctx context.Context, r *Registry) error
	GetRegistry(ctx context.Context, id string) (*Registry, error)
	ListRegistries(ctx context.Context) ([]*Registry, error)
	TouchRegistryPush(ctx context.Context, id string) error

	CreateTemplate(ctx context.Context, t *Template) error
	GetTemplate(ctx context.Context, id string) (*Template, error)
	ListTemplates(ctx context.Context) ([]*Template, error)

	CreateConfiguration(ctx context.Context, c *Configuration) error
	GetConfiguration(ctx context.Context, id string) (*Configuration, error)
	ListConfigurations(ctx context.Context) ([]*Configuration, error)
}

// RunStore persists pipeline runs.
type RunStore interface {
	CreateRun(ctx context.Context, run *Run) error
	GetRun(ctx context.Context, id string) (*Run, error)
	UpdateRun(ctx context.Context, id string, update RunUpdate) error
	AppendRunLog(ctx context.Context, id string, lines string) error
	ListRuns(ctx context.Context, filter RunFilter) ([]*Run, error)
	DeleteRun(ctx context.Context, id string) error
}

// OutputStore persists build outputs.
type OutputStore interface {
	CreateOutput(ctx context.Context, o *Output) error
	GetOutput(ctx context.Context, id string) (*Output, error)
	ListOutputs(ctx context.Context, filter OutputFilter) ([]*Output, error)
	IncrementDownloads(ctx context.Context, id string) error
	// SetOutputStatus moves an output from one status to another and reports
	// whether this call made the change.
	SetOutputStatus(ctx context.Context, id string, from, to schema.OutputStatus) (bool, error)
	DeleteOutput(ctx context.Context, id string) error
}

// EventAppender is satisfied by the Store; used by components that emit audit events.
type EventAppender interface {
	AppendEvent(ctx context.Context, event *Event) error
}

// EventStore reads and writes the audit log.
type EventStore interface {
	EventAppender
	ListEvents(ctx context.Context, filter EventFilter) ([]*Event, error)
}

// Store defines the persistence layer contract.
// All implementations must be safe for concurrent use.
type Store interface {
	CredentialStore
	RepositoryStore
	CatalogStore
	RunStore
	OutputStore
	EventStore

	// Maintenance
	Migrate(ctx context.Context) error
	Vacuum(ctx context.Context) error

	// Lifecycle
	Close() error
}

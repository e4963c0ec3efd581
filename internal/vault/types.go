package vault

import (
	"context"
	"time"

	"github.com/rendis/webforge/internal/store"
	"github.com/rendis/webforge/pkg/schema"
)

// Store is the persistence the vault needs. Satisfied by store.Store.
type Store interface {
	store.CredentialStore
	store.EventAppender
}

// Payload is a decrypted credential body. It only exists in memory.
type Payload map[string]any

// String returns the string value at key, or "".
func (p Payload) String(key string) string {
	v, _ := p[key].(string)
	return v
}

// CreateCredential is the input of Vault.Create.
type CreateCredential struct {
	Name      string                `json:"name" validate:"required,min=1,max=255"`
	Type      schema.CredentialType `json:"type" validate:"required"`
	Payload   Payload               `json:"payload" validate:"required"`
	Metadata  map[string]string     `json:"metadata,omitempty" validate:"omitempty,max=32,dive,keys,min=1,max=64,endkeys,max=1024"`
	ExpiresAt *time.Time            `json:"expires_at,omitempty"`
}

// MetadataUpdate changes the non-secret fields of a credential.
type MetadataUpdate struct {
	Name        *string           `json:"name,omitempty" validate:"omitempty,min=1,max=255"`
	Metadata    map[string]string `json:"metadata,omitempty" validate:"omitempty,max=32,dive,keys,min=1,max=64,endkeys,max=1024"`
	ExpiresAt   *time.Time        `json:"expires_at,omitempty"`
	ClearExpiry bool              `json:"clear_expiry,omitempty"`
}

// ListFilter restricts Vault.List. By default only active, unexpired
// credentials are returned.
type ListFilter struct {
	Type            *schema.CredentialType
	IncludeExpired  bool
	IncludeInactive bool
}

// Resolver hands out decrypted payloads to components that invoke external
// tools. Satisfied by *Vault.
type Resolver interface {
	DecryptForUse(ctx context.Context, id string) (Payload, error)
}

package validation

import "github.com/rendis/webforge/pkg/schema"

// PayloadValidator checks decrypted credential payloads against the shape
// required by their type before they are sealed.
type PayloadValidator interface {
	ValidatePayload(typ schema.CredentialType, payload map[string]any) error
}

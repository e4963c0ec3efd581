package validation

import (
	"encoding/json"
	"fmt"
	"strings"

	jsonschema "github.com/santhosh-tekuri/jsonschema/v6"

	"github.com/rendis/webforge/pkg/schema"
)

const schemaBaseURL = "https://webforge.dev/schemas/credentials/"

// payloadSchemas holds one JSON Schema per credential type. Value patterns are
// checked in Go so that violations never echo secret material.
var payloadSchemas = map[schema.CredentialType]string{
	schema.CredentialSSHKey: `{
  "type": "object",
  "required": ["private_key"],
  "properties": {
    "private_key": { "type": "string", "minLength": 1 },
    "passphrase": { "type": "string" },
    "known_hosts": { "type": "string" }
  },
  "additionalProperties": false
}`,
	schema.CredentialHTTPSToken: `{
  "type": "object",
  "required": ["username", "token"],
  "properties": {
    "username": { "type": "string", "minLength": 1 },
    "token": { "type": "string", "minLength": 1 }
  },
  "additionalProperties": false
}`,
	schema.CredentialUsernamePassword: `{
  "type": "object",
  "required": ["username", "password"],
  "properties": {
    "username": { "type": "string", "minLength": 1 },
    "password": { "type": "string", "minLength": 1 }
  },
  "additionalProperties": false
}`,
	schema.CredentialRegistryBasic: `{
  "type": "object",
  "required": ["username", "password"],
  "properties": {
    "username": { "type": "string", "minLength": 1 },
    "password": { "type": "string", "minLength": 1 },
    "registry_url": { "type": "string" }
  },
  "additionalProperties": false
}`,
	schema.CredentialRegistryKeypair: `{
  "type": "object",
  "required": ["access_key_id", "secret_access_key"],
  "properties": {
    "access_key_id": { "type": "string", "minLength": 16 },
    "secret_access_key": { "type": "string", "minLength": 40 },
    "session_token": { "type": "string" },
    "region": { "type": "string" }
  },
  "additionalProperties": false
}`,
}

// JSONSchemaValidator implements PayloadValidator using JSON Schema Draft 2020-12.
// Compiled schemas are read-only, so it is safe for concurrent use.
type JSONSchemaValidator struct {
	schemas map[schema.CredentialType]*jsonschema.Schema
}

// NewJSONSchemaValidator compiles the payload schema of every credential type.
func NewJSONSchemaValidator() (*JSONSchemaValidator, error) {
	c := newCompiler()
	compiled := make(map[schema.CredentialType]*jsonschema.Schema, len(payloadSchemas))
	for typ, raw := range payloadSchemas {
		doc, err := jsonschema.UnmarshalJSON(strings.NewReader(raw))
		if err != nil {
			return nil, fmt.Errorf("unmarshal %s schema: %w", typ, err)
		}
		url := schemaBaseURL + string(typ) + ".json"
		if err := c.AddResource(url, doc); err != nil {
			return nil, fmt.Errorf("add %s schema resource: %w", typ, err)
		}
		s, err := c.Compile(url)
		if err != nil {
			return nil, fmt.Errorf("compile %s schema: %w", typ, err)
		}
		compiled[typ] = s
	}
	return &JSONSchemaValidator{schemas: compiled}, nil
}

// ValidatePayload checks payload against the schema for typ, then applies
// value-shape rules JSON Schema would report with the offending value.
func (v *JSONSchemaValidator) ValidatePayload(typ schema.CredentialType, payload map[string]any) error {
	s, ok := v.schemas[typ]
	if !ok {
		return schema.NewErrorf(schema.ErrCodeValidation, "unsupported credential type %q", typ)
	}
	if payload == nil {
		return schema.NewError(schema.ErrCodeValidation, "credential payload is required")
	}

	doc, err := toJSONValue(payload)
	if err != nil {
		return schema.NewError(schema.ErrCodeValidation, "credential payload is not valid JSON")
	}
	if err := s.Validate(doc); err != nil {
		return toForgeError(err)
	}

	if typ == schema.CredentialRegistryKeypair {
		key, _ := payload["access_key_id"].(string)
		if !strings.HasPrefix(key, "AKIA") && !strings.HasPrefix(key, "ASIA") {
			return schema.NewError(schema.ErrCodeValidation, "/access_key_id: must start with AKIA or ASIA")
		}
	}
	return nil
}

func newCompiler() *jsonschema.Compiler {
	c := jsonschema.NewCompiler()
	c.AssertFormat()
	return c
}

// toJSONValue round-trips a Go value through JSON encoding/decoding so that
// numeric values become json.Number (required by the jsonschema library).
func toJSONValue(v any) (any, error) {
	b, err := json.Marshal(v)
	if err != nil {
		return nil, err
	}
	return jsonschema.UnmarshalJSON(strings.NewReader(string(b)))
}

// toForgeError converts a jsonschema.ValidationError into a VALIDATION_ERROR
// listing each leaf violation with its instance location.
func toForgeError(err error) *schema.ForgeError {
	verr, ok := err.(*jsonschema.ValidationError)
	if !ok {
		return schema.NewError(schema.ErrCodeValidation, err.Error())
	}

	violations := collectViolations(verr)
	if len(violations) == 0 {
		return schema.NewError(schema.ErrCodeValidation, verr.Error())
	}

	if len(violations) == 1 {
		return schema.NewError(schema.ErrCodeValidation, violations[0]).
			WithDetails(map[string]any{"violations": violations})
	}

	msg := fmt.Sprintf("validation failed with %d errors", len(violations))
	return schema.NewError(schema.ErrCodeValidation, msg).
		WithDetails(map[string]any{"violations": violations})
}

func collectViolations(verr *jsonschema.ValidationError) []string {
	if len(verr.Causes) == 0 {
		loc := "/"
		if len(verr.InstanceLocation) > 0 {
			loc = "/" + strings.Join(verr.InstanceLocation, "/")
		}
		return []string{fmt.Sprintf("%s: %s", loc, verr.Error())}
	}

	var violations []string
	for _, cause := range verr.Causes {
		violations = append(violations, collectViolations(cause)...)
	}
	return violations
}

package engine

import (
	"context"
	"strings"

	"github.com/google/uuid"
	"github.com/samber/lo"

	"github.com/rendis/webforge/internal/store"
	"github.com/rendis/webforge/internal/validation"
	"github.com/rendis/webforge/pkg/schema"
)

// registryCredentialTypes are the credential types docker login accepts.
var registryCredentialTypes = []schema.CredentialType{
	schema.CredentialRegistryBasic,
	schema.CredentialRegistryKeypair,
	schema.CredentialUsernamePassword,
	schema.CredentialHTTPSToken,
}

// CreateRegistryRequest describes a push destination.
type CreateRegistryRequest struct {
	Name         string              `json:"name" validate:"required,max=255"`
	Type         schema.RegistryType `json:"type" validate:"required"`
	URL          string              `json:"url,omitempty" validate:"omitempty,max=2048"`
	Image        string              `json:"image" validate:"required,max=255"`
	TagTemplate  string              `json:"tag_template,omitempty" validate:"omitempty,max=1024"`
	CredentialID string              `json:"credential_id,omitempty" validate:"omitempty,uuid"`
	Region       string              `json:"region,omitempty" validate:"omitempty,max=64"`
}

// CreateTemplateRequest describes a branding template.
type CreateTemplateRequest struct {
	Name   string                  `json:"name" validate:"required,max=255"`
	Rules  []store.ReplacementRule `json:"rules" validate:"max=500"`
	Assets []store.Asset           `json:"assets,omitempty" validate:"max=100"`
}

// CreateConfigurationRequest describes a set of configuration entries.
type CreateConfigurationRequest struct {
	Name    string              `json:"name" validate:"required,max=255"`
	Entries []store.ConfigEntry `json:"entries" validate:"required,min=1,max=500"`
}

// CreateRegistry validates and stores a registry. The tag template is
// rendered once against a sample run so a broken template is rejected here
// rather than at push time.
func (o *Orchestrator) CreateRegistry(ctx context.Context, req CreateRegistryRequest) (*store.Registry, error) {
	if err := validation.Struct(req); err != nil {
		return nil, err
	}
	if !req.Type.Valid() {
		return nil, schema.NewErrorf(schema.ErrCodeValidation, "unknown registry type %q", req.Type)
	}
	if strings.ContainsAny(req.Image, " :@") {
		return nil, schema.NewErrorf(schema.ErrCodeValidation, "image %q must not carry a tag or digest", req.Image)
	}
	if req.CredentialID != "" {
		cred, err := o.creds.Get(ctx, req.CredentialID)
		if err != nil {
			return nil, err
		}
		if !lo.Contains(registryCredentialTypes, cred.Type) {
			return nil, schema.NewErrorf(schema.ErrCodeValidation, "credential %s of type %s cannot log in to a registry", cred.Name, cred.Type)
		}
		if cred.Lifecycle != schema.LifecycleActive {
			return nil, schema.NewErrorf(schema.ErrCodeValidation, "credential %s is %s", cred.Name, cred.Lifecycle)
		}
	}

	reg := &store.Registry{
		ID:           uuid.NewString(),
		Name:         req.Name,
		Type:         req.Type,
		URL:          req.URL,
		Image:        req.Image,
		TagTemplate:  req.TagTemplate,
		CredentialID: req.CredentialID,
		Region:       req.Region,
	}
	sample := &store.Run{
		ID:         uuid.NewString(),
		Branch:     "main",
		CommitHash: strings.Repeat("0", 40),
		OutputKind: schema.OutputImage,
	}
	if _, err := o.remoteRef(ctx, reg, sample); err != nil {
		return nil, err
	}
	if err := o.store.CreateRegistry(ctx, reg); err != nil {
		return nil, err
	}
	o.logger.InfoContext(ctx, "registry created", "name", reg.Name, "type", reg.Type)
	return reg, nil
}

// CreateTemplate validates and stores a branding template. Regex patterns
// and conditions must compile.
func (o *Orchestrator) CreateTemplate(ctx context.Context, req CreateTemplateRequest) (*store.Template, error) {
	if err := validation.Struct(req); err != nil {
		return nil, err
	}
	if len(req.Rules) == 0 && len(req.Assets) == 0 {
		return nil, schema.NewError(schema.ErrCodeValidation, "a template needs at least one rule or asset")
	}
	if _, err := o.compileRules(req.Rules); err != nil {
		return nil, err
	}
	for i, a := range req.Assets {
		if a.Path == "" {
			return nil, schema.NewErrorf(schema.ErrCodeValidation, "asset %d has an empty path", i+1)
		}
	}

	t := &store.Template{ID: uuid.NewString(), Name: req.Name, Rules: req.Rules, Assets: req.Assets}
	if err := o.store.CreateTemplate(ctx, t); err != nil {
		return nil, err
	}
	o.logger.InfoContext(ctx, "template created", "name", t.Name, "rules", len(t.Rules), "assets", len(t.Assets))
	return t, nil
}

// CreateConfiguration validates and stores a configuration. JSON paths are
// tried against an empty document.
func (o *Orchestrator) CreateConfiguration(ctx context.Context, req CreateConfigurationRequest) (*store.Configuration, error) {
	if err := validation.Struct(req); err != nil {
		return nil, err
	}
	_, docs, err := splitEntries(req.Entries)
	if err != nil {
		return nil, err
	}
	for file, entries := range docs {
		for _, e := range entries {
			if _, err := o.jq.Transform(ctx, e.Path+" = $value", map[string]any{}, entryValue(e.Value)); err != nil {
				return nil, schema.NewErrorf(schema.ErrCodeValidation, "%s: path %s: %s", file, e.Path, describe(err))
			}
		}
	}

	c := &store.Configuration{ID: uuid.NewString(), Name: req.Name, Entries: req.Entries}
	if err := o.store.CreateConfiguration(ctx, c); err != nil {
		return nil, err
	}
	o.logger.InfoContext(ctx, "configuration created", "name", c.Name, "entries", len(c.Entries))
	return c, nil
}

func (o *Orchestrator) ListRegistries(ctx context.Context) ([]*store.Registry, error) {
	return o.store.ListRegistries(ctx)
}

func (o *Orchestrator) ListTemplates(ctx context.Context) ([]*store.Template, error) {
	return o.store.ListTemplates(ctx)
}

func (o *Orchestrator) ListConfigurations(ctx context.Context) ([]*store.Configuration, error) {
	return o.store.ListConfigurations(ctx)
}

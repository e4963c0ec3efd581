package source

import (
	"context"

	"github.com/google/uuid"

	"github.com/rendis/webforge/internal/logging"
	"github.com/rendis/webforge/internal/store"
	"github.com/rendis/webforge/internal/validation"
	"github.com/rendis/webforge/pkg/schema"
)

// CreateRepository is the input of Service.CreateRepository.
type CreateRepository struct {
	Name          string `json:"name" validate:"required,max=255"`
	URL           string `json:"url" validate:"required,max=2048"`
	DefaultBranch string `json:"default_branch,omitempty" validate:"omitempty,max=255"`
	CredentialID  string `json:"credential_id,omitempty" validate:"omitempty,uuid"`
	Experimental  bool   `json:"experimental,omitempty"`
}

// RepositoryChanges is the input of Service.UpdateRepository. Nil fields are
// left unchanged; an empty CredentialID unbinds the credential.
type RepositoryChanges struct {
	Name          *string `json:"name,omitempty" validate:"omitempty,min=1,max=255"`
	URL           *string `json:"url,omitempty" validate:"omitempty,min=1,max=2048"`
	DefaultBranch *string `json:"default_branch,omitempty" validate:"omitempty,min=1,max=255"`
	CredentialID  *string `json:"credential_id,omitempty" validate:"omitempty"`
	Experimental  *bool   `json:"experimental,omitempty"`
}

// CreateRepository validates and stores a repository source. New sources
// start unverified.
func (s *Service) CreateRepository(ctx context.Context, req CreateRepository) (*store.Repository, error) {
	if err := validation.Struct(req); err != nil {
		return nil, err
	}
	parsed, err := s.cfg.Policy.Validate(req.URL)
	if err != nil {
		return nil, err
	}
	if err := s.checkBinding(ctx, parsed.Protocol, req.CredentialID); err != nil {
		return nil, err
	}
	branch := req.DefaultBranch
	if branch == "" {
		branch = defaultBranch
	}

	now := s.now()
	repo := &store.Repository{
		ID:            uuid.New().String(),
		Name:          req.Name,
		URL:           parsed.URL,
		Protocol:      parsed.Protocol,
		DefaultBranch: branch,
		CredentialID:  req.CredentialID,
		Verification:  schema.VerificationPending,
		Experimental:  req.Experimental,
		Lifecycle:     schema.LifecycleActive,
		CreatedAt:     now,
		UpdatedAt:     now,
	}
	if err := s.store.CreateRepository(ctx, repo); err != nil {
		return nil, err
	}
	s.logger.InfoContext(logging.WithRepositoryID(ctx, repo.ID), "repository registered",
		"name", repo.Name, "protocol", repo.Protocol, "host", parsed.Host)
	return repo, nil
}

// UpdateRepository applies changes. Changing the URL or the credential
// re-checks the binding and resets verification to pending.
func (s *Service) UpdateRepository(ctx context.Context, id string, ch RepositoryChanges) (*store.Repository, error) {
	if err := validation.Struct(ch); err != nil {
		return nil, err
	}
	repo, err := s.store.GetRepository(ctx, id)
	if err != nil {
		return nil, err
	}

	upd := store.RepositoryUpdate{
		Name:          ch.Name,
		DefaultBranch: ch.DefaultBranch,
		Experimental:  ch.Experimental,
	}
	protocol := repo.Protocol
	credentialID := repo.CredentialID
	reset := false

	if ch.URL != nil && *ch.URL != repo.URL {
		parsed, err := s.cfg.Policy.Validate(*ch.URL)
		if err != nil {
			return nil, err
		}
		protocol = parsed.Protocol
		upd.URL = &parsed.URL
		upd.Protocol = &protocol
		reset = parsed.URL != repo.URL
	}
	if ch.CredentialID != nil && *ch.CredentialID != repo.CredentialID {
		credentialID = *ch.CredentialID
		upd.CredentialID = ch.CredentialID
		reset = true
	}
	if reset {
		if err := s.checkBinding(ctx, protocol, credentialID); err != nil {
			return nil, err
		}
		pending := schema.VerificationPending
		empty := ""
		upd.Verification = &pending
		upd.VerificationMessage = &empty
	}

	if err := s.store.UpdateRepository(ctx, id, upd); err != nil {
		return nil, err
	}
	if reset {
		s.logger.InfoContext(logging.WithRepositoryID(ctx, id), "repository source changed, verification reset")
	}
	return s.store.GetRepository(ctx, id)
}

// GetRepository returns a stored repository.
func (s *Service) GetRepository(ctx context.Context, id string) (*store.Repository, error) {
	return s.store.GetRepository(ctx, id)
}

// ListRepositories returns active repositories, or all of them.
func (s *Service) ListRepositories(ctx context.Context, includeInactive bool) ([]*store.Repository, error) {
	var filter store.RepositoryFilter
	if !includeInactive {
		active := schema.LifecycleActive
		filter.Lifecycle = &active
	}
	return s.store.ListRepositories(ctx, filter)
}

// DeleteRepository deactivates a repository. Runs keep referring to it.
func (s *Service) DeleteRepository(ctx context.Context, id string) error {
	if _, err := s.store.GetRepository(ctx, id); err != nil {
		return err
	}
	deactivated := schema.LifecycleDeactivated
	if err := s.store.UpdateRepository(ctx, id, store.RepositoryUpdate{Lifecycle: &deactivated}); err != nil {
		return err
	}
	s.logger.InfoContext(logging.WithRepositoryID(ctx, id), "repository deactivated")
	return nil
}

// checkBinding requires the credential, when set, to exist, be active and
// fit the protocol.
func (s *Service) checkBinding(ctx context.Context, protocol schema.Protocol, credentialID string) error {
	if credentialID == "" {
		return nil
	}
	cred, err := s.creds.Get(ctx, credentialID)
	if err != nil {
		return err
	}
	if cred.Lifecycle != schema.LifecycleActive {
		return schema.NewErrorf(schema.ErrCodeValidation, "credential %q is %s", cred.Name, cred.Lifecycle)
	}
	if !protocol.Compatible(cred.Type) {
		return schema.NewErrorf(schema.ErrCodeValidation,
			"credential type %s is not compatible with %s repositories", cred.Type, protocol).
			WithDetails(map[string]any{"credential_id": credentialID, "protocol": protocol})
	}
	return nil
}

package source

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"regexp"
	"strings"
	"time"

	"github.com/go-git/go-git/v5"

	"github.com/rendis/webforge/internal/logging"
	"github.com/rendis/webforge/internal/runner"
	"github.com/rendis/webforge/internal/store"
	"github.com/rendis/webforge/internal/vault"
	"github.com/rendis/webforge/pkg/schema"
)

const (
	defaultCloneTimeout = 5 * time.Minute
	defaultBranch       = "main"

	// OfficialURL is the upstream used when a run names no repository.
	OfficialURL = "https://github.com/open-webui/open-webui.git"
)

var branchRe = regexp.MustCompile(`^[A-Za-z0-9._/-]+$`)

// DefaultSource is the built-in public upstream.
var DefaultSource = Source{
	Name:          "open-webui",
	URL:           OfficialURL,
	Protocol:      schema.ProtocolHTTPS,
	DefaultBranch: defaultBranch,
}

// Store is the persistence the source layer needs. Satisfied by store.Store.
type Store interface {
	store.RepositoryStore
	store.EventAppender
}

// Credentials looks up and decrypts credentials. Satisfied by *vault.Vault.
type Credentials interface {
	Get(ctx context.Context, id string) (*store.Credential, error)
	vault.Resolver
}

// Config configures a Service.
type Config struct {
	Policy       Policy
	CloneTimeout time.Duration
	DefaultDepth int
	GitBinary    string
}

// Source is everything needed to reach a repository.
type Source struct {
	Name          string
	URL           string
	Protocol      schema.Protocol
	CredentialID  string
	DefaultBranch string
}

// CloneResult reports a clone attempt. Expected failures such as denied
// access or a timeout set OK to false and explain in Message.
type CloneResult struct {
	OK      bool   `json:"ok"`
	Message string `json:"message"`
	Commit  string `json:"commit,omitempty"`
	Branch  string `json:"branch,omitempty"`
}

// VerifyResult reports a reachability check.
type VerifyResult struct {
	OK       bool     `json:"ok"`
	Message  string   `json:"message"`
	Branches []string `json:"branches,omitempty"`
}

// Service validates repository sources and runs git against them with
// materialized credentials.
type Service struct {
	store  Store
	creds  Credentials
	runner runner.Runner
	cfg    Config
	logger *slog.Logger
	now    func() time.Time
}

// New creates a Service, filling unset config fields with defaults.
func New(s Store, creds Credentials, r runner.Runner, cfg Config, logger *slog.Logger) *Service {
	if cfg.CloneTimeout <= 0 {
		cfg.CloneTimeout = defaultCloneTimeout
	}
	if cfg.DefaultDepth < 0 {
		cfg.DefaultDepth = 0
	}
	if cfg.GitBinary == "" {
		cfg.GitBinary = "git"
	}
	if logger == nil {
		logger = logging.Discard()
	}
	return &Service{
		store:  s,
		creds:  creds,
		runner: r,
		cfg:    cfg,
		logger: logger,
		now:    func() time.Time { return time.Now().UTC() },
	}
}

// Policy returns the URL policy the service enforces.
func (s *Service) Policy() Policy { return s.cfg.Policy }

// Clone clones the stored repository into targetDir. An empty branch uses the
// repository default; depth <= 0 uses the configured default.
func (s *Service) Clone(ctx context.Context, repoID, targetDir, branch string, depth int) (*CloneResult, error) {
	repo, err := s.store.GetRepository(ctx, repoID)
	if err != nil {
		return nil, err
	}
	ctx = logging.WithRepositoryID(ctx, repo.ID)
	if repo.Lifecycle != schema.LifecycleActive {
		return &CloneResult{Message: fmt.Sprintf("Repository %s is %s", repo.Name, repo.Lifecycle)}, nil
	}
	return s.CloneSource(ctx, sourceOf(repo), targetDir, branch, depth)
}

// CloneSource clones src into targetDir, which must be absent or empty. On
// any failure the partial target is removed.
func (s *Service) CloneSource(ctx context.Context, src Source, targetDir, branch string, depth int) (*CloneResult, error) {
	parsed, err := s.cfg.Policy.Validate(src.URL)
	if err != nil {
		return &CloneResult{Message: messageOf(err)}, nil
	}
	if branch == "" {
		branch = src.DefaultBranch
	}
	if branch == "" {
		branch = defaultBranch
	}
	if strings.HasPrefix(branch, "-") || !branchRe.MatchString(branch) {
		return &CloneResult{Message: fmt.Sprintf("Invalid branch name: %q", branch)}, nil
	}
	if depth <= 0 {
		depth = s.cfg.DefaultDepth
	}
	if msg := checkTarget(targetDir); msg != "" {
		return &CloneResult{Message: msg}, nil
	}

	arts, msg, err := s.materialize(ctx, src)
	if err != nil {
		return nil, err
	}
	if msg != "" {
		return &CloneResult{Message: "Credential setup failed: " + msg}, nil
	}
	defer arts.Cleanup()

	argv := []string{s.cfg.GitBinary, "clone"}
	if depth > 0 {
		argv = append(argv, "--depth", fmt.Sprint(depth))
	}
	argv = append(argv, "--single-branch", "--branch", branch, "--", parsed.URL, targetDir)

	s.logger.InfoContext(ctx, "cloning repository", "name", src.Name, "url", parsed.URL, "branch", branch, "depth", depth)
	res, err := s.runner.Run(ctx, runner.Command{
		Argv:    argv,
		Env:     arts.Env,
		Timeout: s.cfg.CloneTimeout,
		Redact:  arts.Redact,
	})
	if err != nil {
		_ = os.RemoveAll(targetDir)
		if schema.IsCode(err, schema.ErrCodeCancelled) {
			return nil, err
		}
		return &CloneResult{Message: "Clone failed: " + messageOf(err)}, nil
	}
	if res.Killed {
		_ = os.RemoveAll(targetDir)
		return &CloneResult{Message: fmt.Sprintf("Clone timed out after %s", s.cfg.CloneTimeout)}, nil
	}
	if !res.OK() {
		_ = os.RemoveAll(targetDir)
		return &CloneResult{Message: "Clone failed: " + res.Output()}, nil
	}
	if _, err := os.Stat(filepath.Join(targetDir, ".git")); err != nil {
		_ = os.RemoveAll(targetDir)
		return &CloneResult{Message: "Clone appears to have failed (.git directory not found)"}, nil
	}

	commit := headCommit(targetDir)
	result := &CloneResult{
		OK:      true,
		Commit:  commit,
		Branch:  branch,
		Message: fmt.Sprintf("Successfully cloned %s (%s @ %s)", src.Name, branch, short(commit)),
	}
	if arts.Message != "" {
		result.Message += "; " + arts.Message
	}
	s.logger.InfoContext(ctx, "repository cloned", "name", src.Name, "branch", branch, "commit", short(commit))
	return result, nil
}

// Verify checks read access with git ls-remote and records the outcome on
// the repository. Verified means the heads could be listed, nothing more.
func (s *Service) Verify(ctx context.Context, repoID string) (*VerifyResult, error) {
	repo, err := s.store.GetRepository(ctx, repoID)
	if err != nil {
		return nil, err
	}
	ctx = logging.WithRepositoryID(ctx, repo.ID)

	result, err := s.verify(ctx, sourceOf(repo))
	if err != nil {
		return nil, err
	}

	status := schema.VerificationFailed
	if result.OK {
		status = schema.VerificationVerified
	}
	now := s.now()
	if err := s.store.UpdateRepository(ctx, repo.ID, store.RepositoryUpdate{
		Verification:        &status,
		VerificationMessage: &result.Message,
		VerifiedAt:          &now,
	}); err != nil {
		return nil, err
	}

	payload, _ := json.Marshal(map[string]any{"ok": result.OK, "message": result.Message})
	if err := s.store.AppendEvent(ctx, &store.Event{
		EntityType: schema.EntityRepository,
		EntityID:   repo.ID,
		Type:       schema.EventRepositoryVerified,
		Payload:    payload,
		Timestamp:  now,
	}); err != nil {
		s.logger.WarnContext(ctx, "audit event dropped", "event", schema.EventRepositoryVerified, "error", err)
	}
	s.logger.InfoContext(ctx, "repository verified", "name", repo.Name, "ok", result.OK, "message", result.Message)
	return result, nil
}

func (s *Service) verify(ctx context.Context, src Source) (*VerifyResult, error) {
	parsed, err := s.cfg.Policy.Validate(src.URL)
	if err != nil {
		return &VerifyResult{Message: messageOf(err)}, nil
	}
	arts, msg, err := s.materialize(ctx, src)
	if err != nil {
		return nil, err
	}
	if msg != "" {
		return &VerifyResult{Message: "Credential error: " + msg}, nil
	}
	defer arts.Cleanup()

	res, err := s.runner.Run(ctx, runner.Command{
		Argv:    []string{s.cfg.GitBinary, "ls-remote", "--heads", "--", parsed.URL},
		Env:     arts.Env,
		Timeout: s.cfg.CloneTimeout / 5,
		Redact:  arts.Redact,
	})
	switch {
	case err != nil && schema.IsCode(err, schema.ErrCodeCancelled):
		return nil, err
	case err != nil:
		return &VerifyResult{Message: "Verification failed: " + messageOf(err)}, nil
	case res.Killed:
		return &VerifyResult{Message: "Verification timed out"}, nil
	case !res.OK():
		return &VerifyResult{Message: "Access denied: " + res.Output()}, nil
	}

	branches := parseHeads(res.Stdout)
	result := &VerifyResult{OK: true, Branches: branches, Message: "Verified - repository accessible"}
	if len(branches) > 0 {
		result.Message = fmt.Sprintf("Verified - %d branches accessible", len(branches))
	}
	return result, nil
}

// GetInfo parses the stored URL into host, owner and name. No network access.
func (s *Service) GetInfo(ctx context.Context, repoID string) (*Info, error) {
	repo, err := s.store.GetRepository(ctx, repoID)
	if err != nil {
		return nil, err
	}
	parsed, err := Policy{AllowAnyHost: true}.Validate(repo.URL)
	if err != nil {
		return nil, err
	}
	return parsed.Info(), nil
}

// materialize resolves the bound credential. Problems with the credential
// are returned as a message; only store failures are errors.
func (s *Service) materialize(ctx context.Context, src Source) (*Artifacts, string, error) {
	if src.CredentialID == "" {
		arts, err := Materialize(src.Protocol, "", nil, s.logger)
		return arts, "", err
	}
	cred, err := s.creds.Get(ctx, src.CredentialID)
	if err != nil {
		if schema.IsCode(err, schema.ErrCodeNotFound) {
			return nil, "credential not found", nil
		}
		return nil, "", err
	}
	payload, err := s.creds.DecryptForUse(ctx, src.CredentialID)
	if err != nil {
		if schema.IsCode(err, schema.ErrCodeStore) {
			return nil, "", err
		}
		return nil, messageOf(err), nil
	}
	arts, err := Materialize(src.Protocol, cred.Type, payload, logging.LogWith(ctx, s.logger))
	if err != nil {
		return nil, messageOf(err), nil
	}
	return arts, "", nil
}

func sourceOf(repo *store.Repository) Source {
	return Source{
		Name:          repo.Name,
		URL:           repo.URL,
		Protocol:      repo.Protocol,
		CredentialID:  repo.CredentialID,
		DefaultBranch: repo.DefaultBranch,
	}
}

func checkTarget(dir string) string {
	if dir == "" {
		return "Target directory is required"
	}
	entries, err := os.ReadDir(dir)
	switch {
	case errors.Is(err, os.ErrNotExist):
		return ""
	case err != nil:
		return fmt.Sprintf("Target directory is not usable: %v", err)
	case len(entries) > 0:
		return "Target directory is not empty"
	}
	return ""
}

// headCommit reads HEAD of a fresh clone. An unreadable HEAD yields "".
func headCommit(dir string) string {
	repo, err := git.PlainOpen(dir)
	if err != nil {
		return ""
	}
	ref, err := repo.Head()
	if err != nil {
		return ""
	}
	return ref.Hash().String()
}

func parseHeads(out string) []string {
	var heads []string
	for _, line := range strings.Split(out, "\n") {
		fields := strings.Fields(line)
		if len(fields) != 2 {
			continue
		}
		heads = append(heads, strings.TrimPrefix(fields[1], "refs/heads/"))
	}
	return heads
}

func short(hash string) string {
	if len(hash) > 8 {
		return hash[:8]
	}
	if hash == "" {
		return "unknown"
	}
	return hash
}

func messageOf(err error) string {
	var fe *schema.ForgeError
	if errors.As(err, &fe) {
		return fe.Message
	}
	return err.Error()
}

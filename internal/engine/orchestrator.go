package engine

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"github.com/google/uuid"

	"github.com/rendis/webforge/internal/expressions"
	"github.com/rendis/webforge/internal/logging"
	"github.com/rendis/webforge/internal/outputs"
	"github.com/rendis/webforge/internal/runner"
	"github.com/rendis/webforge/internal/source"
	"github.com/rendis/webforge/internal/store"
	"github.com/rendis/webforge/internal/streaming"
	"github.com/rendis/webforge/internal/validation"
	"github.com/rendis/webforge/internal/vault"
	"github.com/rendis/webforge/pkg/schema"
)

const (
	defaultCloneDepth   = 1
	defaultBuildTimeout = 10 * time.Minute
	defaultPushTimeout  = 10 * time.Minute
	defaultLoginTimeout = time.Minute
	defaultImageName    = "webforge-custom"
	defaultMaxRewrite   = 1 << 20 // files larger than this are not rewritten
)

// Store is the persistence the orchestrator needs. Satisfied by store.Store.
type Store interface {
	store.RunStore
	store.RepositoryStore
	store.CatalogStore
	store.EventAppender
}

// Cloner populates a workspace from a repository. Satisfied by *source.Service.
type Cloner interface {
	Clone(ctx context.Context, repoID, targetDir, branch string, depth int) (*source.CloneResult, error)
	CloneSource(ctx context.Context, src source.Source, targetDir, branch string, depth int) (*source.CloneResult, error)
}

// Outputs registers and removes build artifacts. Satisfied by *outputs.Registry.
type Outputs interface {
	Register(ctx context.Context, reg outputs.Registration) (*store.Output, error)
	List(ctx context.Context, filter store.OutputFilter) ([]*store.Output, error)
	DeleteForRun(ctx context.Context, runID string) (int, error)
}

// Credentials looks up and decrypts registry credentials. Satisfied by *vault.Vault.
type Credentials interface {
	Get(ctx context.Context, id string) (*store.Credential, error)
	vault.Resolver
}

// Config configures an Orchestrator.
type Config struct {
	WorkRoot      string // parent of per-run scratch workspaces
	OutputDir     string // where archives are kept until they expire
	AssetRoot     string // template asset paths resolve under this directory
	CloneDepth    int
	BuildTimeout  time.Duration
	PushTimeout   time.Duration
	LoginTimeout  time.Duration
	DockerBinary  string
	AWSBinary     string
	ImageName     string // local repository name of built images
	MaxRewrite    int64  // size limit of files touched by replacement rules
	DefaultSource source.Source
	Events        streaming.Hub // optional live feed of run logs and events
}

// CreateRunRequest describes a new run. Steps may be empty, in which case
// the default set for OutputKind is used.
type CreateRunRequest struct {
	Steps           []string          `json:"steps,omitempty"`
	RepositoryID    string            `json:"repository_id,omitempty" validate:"omitempty,uuid"`
	OutputKind      schema.OutputKind `json:"output_kind" validate:"required"`
	RegistryID      string            `json:"registry_id,omitempty" validate:"omitempty,uuid"`
	TemplateID      string            `json:"template_id,omitempty" validate:"omitempty,uuid"`
	ConfigurationID string            `json:"configuration_id,omitempty" validate:"omitempty,uuid"`
	Branch          string            `json:"branch,omitempty" validate:"omitempty,max=255"`
}

// Orchestrator validates, executes and manages pipeline runs.
type Orchestrator struct {
	store   Store
	cloner  Cloner
	outputs Outputs
	creds   Credentials
	runner  runner.Runner
	cfg     Config
	logger  *slog.Logger
	fsm     *RunFSM
	cel     *expressions.CELEngine
	expr    *expressions.ExprEngine
	jq      *expressions.GoJQEngine
	now     func() time.Time
}

// New creates an Orchestrator, filling unset config fields with defaults.
func New(s Store, cloner Cloner, outs Outputs, creds Credentials, r runner.Runner, cfg Config, logger *slog.Logger) (*Orchestrator, error) {
	if cfg.WorkRoot == "" {
		cfg.WorkRoot = filepath.Join(os.TempDir(), "webforge-builds")
	}
	if cfg.OutputDir == "" {
		cfg.OutputDir = filepath.Join(cfg.WorkRoot, "outputs")
	}
	if cfg.CloneDepth <= 0 {
		cfg.CloneDepth = defaultCloneDepth
	}
	if cfg.BuildTimeout <= 0 {
		cfg.BuildTimeout = defaultBuildTimeout
	}
	if cfg.PushTimeout <= 0 {
		cfg.PushTimeout = defaultPushTimeout
	}
	if cfg.LoginTimeout <= 0 {
		cfg.LoginTimeout = defaultLoginTimeout
	}
	if cfg.DockerBinary == "" {
		cfg.DockerBinary = "docker"
	}
	if cfg.AWSBinary == "" {
		cfg.AWSBinary = "aws"
	}
	if cfg.ImageName == "" {
		cfg.ImageName = defaultImageName
	}
	if cfg.MaxRewrite <= 0 {
		cfg.MaxRewrite = defaultMaxRewrite
	}
	if cfg.DefaultSource.URL == "" {
		cfg.DefaultSource = source.DefaultSource
	}
	if logger == nil {
		logger = logging.Discard()
	}

	celEngine, err := expressions.NewCELEngine()
	if err != nil {
		return nil, err
	}

	o := &Orchestrator{
		store:   s,
		cloner:  cloner,
		outputs: outs,
		creds:   creds,
		runner:  r,
		cfg:     cfg,
		logger:  logger,
		fsm:     NewRunFSM(s),
		cel:     celEngine,
		expr:    expressions.NewExprEngine(),
		jq:      expressions.NewGoJQEngine(),
		now:     func() time.Time { return time.Now().UTC() },
	}
	if cfg.Events != nil {
		for from, targets := range ValidRunTransitions {
			for _, to := range targets {
				o.fsm.OnAfter(from, to, o.publishTransition)
			}
		}
	}
	return o, nil
}

// CreateRun validates a request and stores a pending run. Unknown steps,
// unmet step dependencies, an invalid output kind and missing references
// required by the chosen steps are VALIDATION errors; references to rows
// that do not exist are NOT_FOUND.
func (o *Orchestrator) CreateRun(ctx context.Context, req CreateRunRequest) (*store.Run, error) {
	if err := validation.Struct(req); err != nil {
		return nil, err
	}
	if !req.OutputKind.Valid() {
		return nil, schema.NewErrorf(schema.ErrCodeValidation,
			"invalid output kind %q: must be one of archive, image, both", req.OutputKind)
	}

	names := req.Steps
	if len(names) == 0 {
		for _, s := range DefaultSteps(req.OutputKind) {
			names = append(names, string(s))
		}
	}
	plan, err := ParsePlan(names)
	if err != nil {
		return nil, err
	}
	if err := o.checkReferences(ctx, plan, req); err != nil {
		return nil, err
	}

	run := &store.Run{
		ID:              uuid.New().String(),
		Status:          schema.RunStatusPending,
		Steps:           plan.Names(),
		RepositoryID:    req.RepositoryID,
		RegistryID:      req.RegistryID,
		TemplateID:      req.TemplateID,
		ConfigurationID: req.ConfigurationID,
		OutputKind:      req.OutputKind,
		Branch:          req.Branch,
		CreatedAt:       o.now(),
		Log:             logLine(o.now(), "Pipeline run created. Waiting for execution."),
	}
	if err := o.store.CreateRun(ctx, run); err != nil {
		return nil, err
	}
	o.emit(ctx, run.ID, schema.EventRunCreated, map[string]any{"steps": run.Steps, "output_kind": run.OutputKind})
	o.logger.InfoContext(logging.WithRunID(ctx, run.ID), "run created",
		"steps", run.Steps, "output_kind", run.OutputKind, "repository_id", run.RepositoryID)
	return run, nil
}

func (o *Orchestrator) checkReferences(ctx context.Context, plan *Plan, req CreateRunRequest) error {
	if plan.Has(StepPushImage) && req.RegistryID == "" {
		return schema.NewError(schema.ErrCodeValidation, "a registry is required when pushing to a registry")
	}
	if plan.Has(StepCustomize) && req.TemplateID == "" {
		return schema.NewError(schema.ErrCodeValidation, "a template is required when applying customization")
	}
	if plan.Has(StepConfigure) && req.ConfigurationID == "" {
		return schema.NewError(schema.ErrCodeValidation, "a configuration is required when applying configuration")
	}

	if req.RepositoryID != "" {
		repo, err := o.store.GetRepository(ctx, req.RepositoryID)
		if err != nil {
			return err
		}
		if repo.Lifecycle != schema.LifecycleActive {
			return schema.NewErrorf(schema.ErrCodeValidation, "repository %s is %s", repo.Name, repo.Lifecycle)
		}
		if repo.Verification != schema.VerificationVerified {
			o.logger.WarnContext(logging.WithRepositoryID(ctx, repo.ID), "run uses an unverified repository", "name", repo.Name)
		}
	}
	if req.RegistryID != "" {
		if _, err := o.store.GetRegistry(ctx, req.RegistryID); err != nil {
			return err
		}
	}
	if req.TemplateID != "" {
		if _, err := o.store.GetTemplate(ctx, req.TemplateID); err != nil {
			return err
		}
	}
	if req.ConfigurationID != "" {
		if _, err := o.store.GetConfiguration(ctx, req.ConfigurationID); err != nil {
			return err
		}
	}
	return nil
}

// GetRun returns a run.
func (o *Orchestrator) GetRun(ctx context.Context, id string) (*store.Run, error) {
	return o.store.GetRun(ctx, id)
}

// ListRuns returns runs matching filter, newest first.
func (o *Orchestrator) ListRuns(ctx context.Context, filter store.RunFilter) ([]*store.Run, error) {
	return o.store.ListRuns(ctx, filter)
}

// Logs returns the accumulated log of a run.
func (o *Orchestrator) Logs(ctx context.Context, id string) (string, error) {
	run, err := o.store.GetRun(ctx, id)
	if err != nil {
		return "", err
	}
	return run.Log, nil
}

// RequestCancel stops a run. A pending run fails immediately. A running run
// is only flagged: the step in progress runs to completion and the executor
// fails the run before the next step. Terminal runs cannot be cancelled.
func (o *Orchestrator) RequestCancel(ctx context.Context, id string) (*store.Run, error) {
	run, err := o.store.GetRun(ctx, id)
	if err != nil {
		return nil, err
	}
	ctx = logging.WithRunID(ctx, id)

	switch run.Status {
	case schema.RunStatusPending:
		now := o.now()
		msg := "Cancelled before start"
		failed := schema.RunStatusFailed
		pending := schema.RunStatusPending
		err := o.fsm.Transition(ctx, id, pending, failed, map[string]any{"reason": "cancelled"}, func() error {
			return o.store.UpdateRun(ctx, id, store.RunUpdate{
				Expect:      &pending,
				Status:      &failed,
				Error:       &msg,
				CompletedAt: &now,
			})
		})
		if err != nil {
			return nil, err
		}
		o.appendLog(ctx, id, msg)

	case schema.RunStatusRunning:
		flag := true
		running := schema.RunStatusRunning
		if err := o.store.UpdateRun(ctx, id, store.RunUpdate{Expect: &running, CancelRequested: &flag}); err != nil {
			return nil, err
		}
		o.appendLog(ctx, id, "Cancellation requested")

	default:
		return nil, schema.NewErrorf(schema.ErrCodeInvalidTransition, "run %s is already %s", id, run.Status).
			WithDetails(map[string]any{"run_id": id, "status": string(run.Status)})
	}

	o.emit(ctx, id, schema.EventRunCancelled, map[string]any{"status": string(run.Status)})
	o.logger.InfoContext(ctx, "run cancellation requested", "status", run.Status)
	return o.store.GetRun(ctx, id)
}

// RetryRun creates a new pending run with the parameters of a finished one.
// History is never mutated.
func (o *Orchestrator) RetryRun(ctx context.Context, id string) (*store.Run, error) {
	prev, err := o.store.GetRun(ctx, id)
	if err != nil {
		return nil, err
	}
	if !prev.Status.Terminal() {
		return nil, schema.NewErrorf(schema.ErrCodeInvalidTransition, "run %s is %s; only finished runs can be retried", id, prev.Status)
	}
	run, err := o.CreateRun(ctx, CreateRunRequest{
		Steps:           prev.Steps,
		RepositoryID:    prev.RepositoryID,
		OutputKind:      prev.OutputKind,
		RegistryID:      prev.RegistryID,
		TemplateID:      prev.TemplateID,
		ConfigurationID: prev.ConfigurationID,
		Branch:          prev.Branch,
	})
	if err != nil {
		return nil, err
	}
	o.appendLog(ctx, run.ID, fmt.Sprintf("Retry of run %s", prev.ID))
	return o.store.GetRun(ctx, run.ID)
}

// DeleteRun removes a finished or pending run together with its outputs'
// files and images. A running run cannot be deleted.
func (o *Orchestrator) DeleteRun(ctx context.Context, id string) error {
	run, err := o.store.GetRun(ctx, id)
	if err != nil {
		return err
	}
	if run.Status == schema.RunStatusRunning {
		return schema.NewErrorf(schema.ErrCodeInvalidTransition, "run %s is running; cancel it first", id)
	}
	ctx = logging.WithRunID(ctx, id)
	removed, err := o.outputs.DeleteForRun(ctx, id)
	if err != nil {
		return err
	}
	if err := o.store.DeleteRun(ctx, id); err != nil {
		return err
	}
	o.logger.InfoContext(ctx, "run deleted", "artifacts_removed", removed)
	return nil
}

// appendLog adds one timestamped line to the run log. Log failures are
// reported through the process logger only.
func (o *Orchestrator) appendLog(ctx context.Context, runID, msg string) {
	now := o.now()
	if err := o.store.AppendRunLog(context.WithoutCancel(ctx), runID, logLine(now, msg)); err != nil {
		o.logger.WarnContext(ctx, "run log append failed", "error", err)
	}
	o.publish(ctx, streaming.Event{RunID: runID, Type: streaming.TypeLog, Message: msg, Time: now})
}

func (o *Orchestrator) emit(ctx context.Context, runID, eventType string, payload map[string]any) {
	var raw json.RawMessage
	if payload != nil {
		raw, _ = json.Marshal(payload)
	}
	if err := o.store.AppendEvent(context.WithoutCancel(ctx), &store.Event{
		EntityType: schema.EntityRun,
		EntityID:   runID,
		Type:       eventType,
		Payload:    raw,
		Timestamp:  o.now(),
	}); err != nil {
		o.logger.WarnContext(ctx, "audit event dropped", "event", eventType, "error", err)
	}
	step, _ := payload["step"].(string)
	o.publish(ctx, streaming.Event{RunID: runID, Step: step, Type: eventType, Payload: payload, Time: o.now()})
}

func (o *Orchestrator) publishTransition(ctx context.Context, runID string, from, to schema.RunStatus) {
	o.publish(ctx, streaming.Event{
		RunID:   runID,
		Type:    runEventType(to),
		Payload: map[string]any{"from": string(from), "to": string(to)},
		Time:    o.now(),
	})
}

func (o *Orchestrator) publish(ctx context.Context, event streaming.Event) {
	if o.cfg.Events == nil {
		return
	}
	if err := o.cfg.Events.Publish(context.WithoutCancel(ctx), event); err != nil {
		o.logger.DebugContext(ctx, "live event dropped", "run_id", event.RunID, "error", err)
	}
}

func logLine(t time.Time, msg string) string {
	return fmt.Sprintf("[%s] %s\n", t.Format(time.RFC3339), msg)
}

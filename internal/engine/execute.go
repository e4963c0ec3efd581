package engine

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"runtime/debug"
	"time"

	securejoin "github.com/cyphar/filepath-securejoin"

	"github.com/rendis/webforge/internal/logging"
	"github.com/rendis/webforge/internal/outputs"
	"github.com/rendis/webforge/internal/runner"
	"github.com/rendis/webforge/internal/store"
	"github.com/rendis/webforge/pkg/schema"
)

// errCancelled marks a run stopped by RequestCancel.
var errCancelled = schema.NewError(schema.ErrCodeCancelled, "run cancelled by request")

// buildState is what steps of one run share. Steps write their products
// here; nothing is registered until every step has succeeded.
type buildState struct {
	run       *store.Run
	workspace string
	repoDir   string

	archivePath string
	localImage  string
	imageSize   int64
	remoteImage string
}

// ExecuteRun runs a pending run to completion in a fresh scratch workspace.
// Steps execute in catalog order and the first failure stops the run. Step
// errors and panics are recorded on the run and never returned; the error
// result covers only a run that cannot be started or persisted.
func (o *Orchestrator) ExecuteRun(ctx context.Context, id string) (*store.Run, error) {
	run, err := o.store.GetRun(ctx, id)
	if err != nil {
		return nil, err
	}
	ctx = logging.WithRunID(ctx, id)
	if run.RepositoryID != "" {
		ctx = logging.WithRepositoryID(ctx, run.RepositoryID)
	}

	plan, err := ParsePlan(run.Steps)
	if err != nil {
		return nil, err
	}

	startedAt := o.now()
	pending, running := schema.RunStatusPending, schema.RunStatusRunning
	if err := o.fsm.Transition(ctx, id, run.Status, running, nil, func() error {
		return o.store.UpdateRun(ctx, id, store.RunUpdate{Expect: &pending, Status: &running, StartedAt: &startedAt})
	}); err != nil {
		return nil, err
	}
	run.Status = running
	run.StartedAt = &startedAt

	o.appendLog(ctx, id, "Starting pipeline execution...")
	o.logger.InfoContext(ctx, "run started", "steps", run.Steps)

	st, runErr := o.prepareWorkspace(run)
	if runErr == nil {
		defer o.removeWorkspace(ctx, st.workspace)
		runErr = o.executeSteps(ctx, plan, st)
	}
	if runErr == nil {
		runErr = o.registerOutputs(ctx, st)
	}
	if runErr != nil && st != nil {
		o.discardArtifacts(context.WithoutCancel(ctx), st)
	}

	o.finish(context.WithoutCancel(ctx), run, runErr)
	return o.store.GetRun(context.WithoutCancel(ctx), id)
}

func (o *Orchestrator) prepareWorkspace(run *store.Run) (*buildState, error) {
	if err := os.MkdirAll(o.cfg.WorkRoot, 0o755); err != nil {
		return nil, schema.NewErrorf(schema.ErrCodeExternalTool, "create work root: %v", err).WithCause(err)
	}
	name := fmt.Sprintf("build_%s_%s", shortID(run.ID), o.now().Format("20060102_150405"))
	dir, err := securejoin.SecureJoin(o.cfg.WorkRoot, name)
	if err != nil {
		return nil, schema.NewErrorf(schema.ErrCodePathDenied, "workspace path: %v", err).WithCause(err)
	}
	if err := os.Mkdir(dir, 0o700); err != nil {
		return nil, schema.NewErrorf(schema.ErrCodeExternalTool, "create workspace: %v", err).WithCause(err)
	}
	return &buildState{run: run, workspace: dir, repoDir: filepath.Join(dir, "repo")}, nil
}

func (o *Orchestrator) removeWorkspace(ctx context.Context, dir string) {
	if err := os.RemoveAll(dir); err != nil {
		o.logger.WarnContext(ctx, "workspace cleanup failed", "path", dir, "error", err)
		return
	}
	o.logger.DebugContext(ctx, "workspace removed", "path", dir)
}

// executeSteps runs the plan and stops at the first failure or at a
// cancellation request observed between steps. A step in progress is never
// interrupted by a cancellation request; ctx ends only on process shutdown.
func (o *Orchestrator) executeSteps(ctx context.Context, plan *Plan, st *buildState) error {
	total := len(plan.Steps)
	for i, step := range plan.Steps {
		if err := o.checkCancelled(ctx, st.run.ID); err != nil {
			return err
		}

		info, _ := step.Info()
		sctx := logging.WithStep(ctx, string(step))
		name := string(step)
		phase := info.Phase
		progress := i * 100 / total
		if err := o.store.UpdateRun(sctx, st.run.ID, store.RunUpdate{Phase: &phase, CurrentStep: &name, Progress: &progress}); err != nil {
			return err
		}

		o.appendLog(sctx, st.run.ID, "Executing step: "+info.Name)
		o.emit(sctx, st.run.ID, schema.EventStepStarted, map[string]any{"step": name})
		start := time.Now()

		err := o.runStep(sctx, step, st)
		elapsed := time.Since(start).Round(time.Millisecond)
		if err != nil {
			o.appendLog(sctx, st.run.ID, fmt.Sprintf("Step failed: %s - %s", info.Name, describe(err)))
			o.emit(sctx, st.run.ID, schema.EventStepFailed, map[string]any{"step": name, "error": describe(err)})
			o.logger.WarnContext(sctx, "step failed", "duration", elapsed, "error", err)
			return stepError(step, err)
		}

		o.appendLog(sctx, st.run.ID, fmt.Sprintf("Step completed: %s (%s)", info.Name, elapsed))
		o.emit(sctx, st.run.ID, schema.EventStepCompleted, map[string]any{"step": name, "duration_ms": elapsed.Milliseconds()})
		o.logger.InfoContext(sctx, "step completed", "duration", elapsed)
	}
	return o.checkCancelled(ctx, st.run.ID)
}

// runStep dispatches one step and converts a panic into an error.
func (o *Orchestrator) runStep(ctx context.Context, step Step, st *buildState) (err error) {
	defer func() {
		if r := recover(); r != nil {
			o.logger.ErrorContext(ctx, "step panicked", "panic", fmt.Sprint(r), "stack", string(debug.Stack()))
			err = schema.NewErrorf(schema.ErrCodeStepFailed, "internal error: %v", r)
		}
	}()

	switch step {
	case StepClone:
		return o.stepClone(ctx, st)
	case StepCustomize:
		return o.stepCustomize(ctx, st)
	case StepConfigure:
		return o.stepConfigure(ctx, st)
	case StepPackageArchive:
		return o.stepArchive(ctx, st)
	case StepBuildImage:
		return o.stepBuildImage(ctx, st)
	case StepPushImage:
		return o.stepPushImage(ctx, st)
	}
	return schema.NewErrorf(schema.ErrCodeValidation, "unknown build step: %s", step)
}

func (o *Orchestrator) checkCancelled(ctx context.Context, runID string) error {
	if o.cancelRequested(runID) {
		return errCancelled
	}
	if err := ctx.Err(); err != nil {
		return schema.NewError(schema.ErrCodeCancelled, "run interrupted").WithCause(err)
	}
	return nil
}

func (o *Orchestrator) cancelRequested(runID string) bool {
	run, err := o.store.GetRun(context.Background(), runID)
	return err == nil && run.CancelRequested
}

// registerOutputs records every artifact the steps produced. A registered
// artifact is cleared from st so a later failure does not discard it.
func (o *Orchestrator) registerOutputs(ctx context.Context, st *buildState) error {
	if st.archivePath != "" {
		if _, err := o.outputs.Register(ctx, outputs.Registration{
			RunID:    st.run.ID,
			Kind:     schema.ArtifactArchive,
			Location: st.archivePath,
		}); err != nil {
			return schema.NewErrorf(schema.ErrCodeStepFailed, "register archive: %s", describe(err)).WithCause(err)
		}
		st.archivePath = ""
	}
	if st.localImage != "" {
		if _, err := o.outputs.Register(ctx, outputs.Registration{
			RunID:     st.run.ID,
			Kind:      schema.ArtifactImage,
			ImageRef:  st.localImage,
			SizeBytes: st.imageSize,
		}); err != nil {
			o.withdrawOutputs(ctx, st.run.ID)
			return schema.NewErrorf(schema.ErrCodeStepFailed, "register image: %s", describe(err)).WithCause(err)
		}
	}
	return nil
}

// withdrawOutputs removes outputs already registered for a run whose
// registration did not complete, so a failed run owns no available output.
func (o *Orchestrator) withdrawOutputs(ctx context.Context, runID string) {
	if _, err := o.outputs.DeleteForRun(context.WithoutCancel(ctx), runID); err != nil {
		o.logger.WarnContext(ctx, "registered outputs not withdrawn", "error", err)
	}
}

// discardArtifacts removes products of a failed run that were never
// registered and would otherwise never expire.
func (o *Orchestrator) discardArtifacts(ctx context.Context, st *buildState) {
	if st.archivePath != "" {
		if err := os.Remove(st.archivePath); err != nil && !errors.Is(err, os.ErrNotExist) {
			o.logger.WarnContext(ctx, "unregistered archive not removed", "path", st.archivePath, "error", err)
		}
	}
	if st.localImage != "" {
		res, err := o.runner.Run(ctx, runner.Command{
			Argv:    []string{o.cfg.DockerBinary, "image", "rm", "--force", st.localImage},
			Timeout: o.cfg.LoginTimeout,
		})
		if err != nil || !res.OK() {
			o.logger.WarnContext(ctx, "unregistered image not removed", "image", st.localImage)
		}
	}
}

// finish moves a running run to its terminal state.
func (o *Orchestrator) finish(ctx context.Context, run *store.Run, runErr error) {
	now := o.now()
	running := schema.RunStatusRunning
	to := schema.RunStatusCompleted
	update := store.RunUpdate{Expect: &running, CompletedAt: &now}
	phase := schema.PhaseNone
	update.Phase = &phase
	payload := map[string]any{}

	var msg string
	if runErr == nil {
		progress := 100
		update.Progress = &progress
		msg = "Pipeline completed successfully"
	} else {
		to = schema.RunStatusFailed
		errMsg := describe(runErr)
		var fe *schema.ForgeError
		if errors.As(runErr, &fe) && fe.Step != "" {
			payload["step"] = fe.Step
			errMsg = fmt.Sprintf("step %s: %s", fe.Step, errMsg)
		}
		update.Error = &errMsg
		payload["error"] = errMsg
		msg = "Pipeline failed: " + errMsg
	}
	update.Status = &to

	err := o.fsm.Transition(ctx, run.ID, running, to, payload, func() error {
		return o.store.UpdateRun(ctx, run.ID, update)
	})
	if err != nil {
		o.logger.ErrorContext(ctx, "run state not persisted", "to", to, "error", err)
		return
	}
	o.appendLog(ctx, run.ID, msg)
	if runErr != nil {
		o.logger.WarnContext(ctx, "run failed", "error", runErr)
		return
	}
	o.logger.InfoContext(ctx, "run completed", "duration", now.Sub(*run.StartedAt).Round(time.Millisecond))
}

// stepError tags err with the failing step.
func stepError(step Step, err error) error {
	var fe *schema.ForgeError
	if errors.As(err, &fe) {
		return schema.NewError(fe.Code, fe.Message).WithStep(string(step)).WithCause(err)
	}
	return schema.NewError(schema.ErrCodeStepFailed, err.Error()).WithStep(string(step)).WithCause(err)
}

// describe returns the message of a ForgeError without its code prefix.
func describe(err error) string {
	var fe *schema.ForgeError
	if errors.As(err, &fe) {
		return fe.Message
	}
	return err.Error()
}

func shortID(id string) string {
	if len(id) > 8 {
		return id[:8]
	}
	return id
}

package engine

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"net/url"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/dustin/go-humanize"

	"github.com/rendis/webforge/internal/runner"
	"github.com/rendis/webforge/internal/store"
	"github.com/rendis/webforge/pkg/schema"
)

const defaultTagTemplate = `"custom-" + run.short_id`

// stepBuildImage builds the source tree's Dockerfile into a local image
// tagged with the run's short id.
func (o *Orchestrator) stepBuildImage(ctx context.Context, st *buildState) error {
	if _, err := os.Stat(filepath.Join(st.repoDir, "Dockerfile")); err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return schema.NewError(schema.ErrCodeValidation, "Dockerfile not found in repository")
		}
		return schema.NewErrorf(schema.ErrCodeStepFailed, "stat Dockerfile: %v", err).WithCause(err)
	}

	ref := fmt.Sprintf("%s:%s", o.cfg.ImageName, shortID(st.run.ID))
	o.appendLog(ctx, st.run.ID, "Building image "+ref)
	res, err := o.runner.Run(ctx, runner.Command{
		Argv:    []string{o.cfg.DockerBinary, "build", "-t", ref, st.repoDir},
		Dir:     st.repoDir,
		Timeout: o.cfg.BuildTimeout,
	})
	if err != nil {
		return err
	}
	if res.Killed {
		return schema.NewErrorf(schema.ErrCodeTimeout, "Docker build timed out after %s", o.cfg.BuildTimeout)
	}
	if !res.OK() {
		return schema.NewError(schema.ErrCodeExternalTool, "Docker build failed: "+res.Output())
	}
	st.localImage = ref

	// Size is informational; an inspect failure does not fail the build.
	inspect, err := o.runner.Run(ctx, runner.Command{
		Argv:    []string{o.cfg.DockerBinary, "image", "inspect", "--format", "{{.Size}}", ref},
		Timeout: o.cfg.LoginTimeout,
	})
	if err == nil && inspect.OK() {
		if n, perr := strconv.ParseInt(strings.TrimSpace(inspect.Stdout), 10, 64); perr == nil {
			st.imageSize = n
		}
	}

	if err := o.store.UpdateRun(ctx, st.run.ID, store.RunUpdate{ImageRef: &ref}); err != nil {
		return err
	}
	st.run.ImageRef = ref
	msg := "Built image " + ref
	if st.imageSize > 0 {
		msg += " (" + humanize.Bytes(uint64(st.imageSize)) + ")"
	}
	o.appendLog(ctx, st.run.ID, msg)
	return nil
}

// stepPushImage tags the local image for the run's registry and pushes it,
// logging in first when the registry has a credential. Docker client state
// lives in a throwaway config directory so no login outlives the step.
func (o *Orchestrator) stepPushImage(ctx context.Context, st *buildState) error {
	if st.localImage == "" {
		return schema.NewError(schema.ErrCodeValidation, "no image was built in this run")
	}
	reg, err := o.store.GetRegistry(ctx, st.run.RegistryID)
	if err != nil {
		return err
	}

	remote, err := o.remoteRef(ctx, reg, st.run)
	if err != nil {
		return err
	}

	configDir, err := os.MkdirTemp(st.workspace, "docker-config-")
	if err != nil {
		return schema.NewErrorf(schema.ErrCodeStepFailed, "create docker config: %v", err).WithCause(err)
	}
	defer os.RemoveAll(configDir)
	env := []string{"DOCKER_CONFIG=" + configDir}

	if reg.CredentialID != "" {
		if err := o.registryLogin(ctx, reg, env); err != nil {
			return err
		}
	}

	res, err := o.runner.Run(ctx, runner.Command{
		Argv:    []string{o.cfg.DockerBinary, "tag", st.localImage, remote},
		Env:     env,
		Timeout: o.cfg.LoginTimeout,
	})
	if err != nil {
		return err
	}
	if !res.OK() {
		return schema.NewError(schema.ErrCodeExternalTool, "Docker tag failed: "+res.Output())
	}

	o.appendLog(ctx, st.run.ID, "Pushing image to "+remote)
	res, err = o.runner.Run(ctx, runner.Command{
		Argv:    []string{o.cfg.DockerBinary, "push", remote},
		Env:     env,
		Timeout: o.cfg.PushTimeout,
	})
	if err != nil {
		return err
	}
	if res.Killed {
		return schema.NewErrorf(schema.ErrCodeTimeout, "Docker push timed out after %s", o.cfg.PushTimeout)
	}
	if !res.OK() {
		return schema.NewError(schema.ErrCodeExternalTool, "Docker push failed: "+res.Output())
	}

	if err := o.store.TouchRegistryPush(ctx, reg.ID); err != nil {
		o.logger.WarnContext(ctx, "registry push time not recorded", "registry_id", reg.ID, "error", err)
	}
	if err := o.store.UpdateRun(ctx, st.run.ID, store.RunUpdate{ImageRef: &remote}); err != nil {
		return err
	}
	st.run.ImageRef = remote
	st.remoteImage = remote
	o.appendLog(ctx, st.run.ID, fmt.Sprintf("Pushed image to %s (%s)", remote, reg.Name))
	return nil
}

// remoteRef renders the registry's tag template and qualifies the image
// name with the registry host when it is not already.
func (o *Orchestrator) remoteRef(ctx context.Context, reg *store.Registry, run *store.Run) (string, error) {
	tmpl := reg.TagTemplate
	if tmpl == "" {
		tmpl = defaultTagTemplate
	}
	tag, err := o.expr.Render(ctx, tmpl, map[string]any{
		"run": runData(run),
		"registry": map[string]any{
			"name":  reg.Name,
			"type":  string(reg.Type),
			"image": reg.Image,
		},
		"date": o.now().Format("20060102"),
	})
	if err != nil {
		return "", schema.NewErrorf(schema.ErrCodeValidation, "registry %s: tag template: %s", reg.Name, describe(err))
	}
	if strings.ContainsAny(tag, " :/@") {
		return "", schema.NewErrorf(schema.ErrCodeValidation, "registry %s: tag %q is not a valid image tag", reg.Name, tag)
	}

	image := reg.Image
	if host := registryHost(reg); host != "" && !strings.HasPrefix(image, host+"/") {
		image = host + "/" + image
	}
	return image + ":" + tag, nil
}

// registryHost returns the host part of the registry URL. Docker Hub images
// are left unqualified.
func registryHost(reg *store.Registry) string {
	if reg.URL == "" || reg.Type == schema.RegistryDockerHub {
		return ""
	}
	raw := reg.URL
	if !strings.Contains(raw, "://") {
		raw = "https://" + raw
	}
	u, err := url.Parse(raw)
	if err != nil {
		return ""
	}
	return u.Host
}

// registryLogin authenticates the docker client in env against reg.
func (o *Orchestrator) registryLogin(ctx context.Context, reg *store.Registry, env []string) error {
	cred, err := o.creds.Get(ctx, reg.CredentialID)
	if err != nil {
		return err
	}
	payload, err := o.creds.DecryptForUse(ctx, reg.CredentialID)
	if err != nil {
		return err
	}
	server := registryHost(reg)

	var username, secret string
	switch cred.Type {
	case schema.CredentialRegistryBasic, schema.CredentialUsernamePassword:
		username, secret = payload.String("username"), payload.String("password")
		if server == "" && reg.Type != schema.RegistryDockerHub {
			server = payload.String("registry_url")
		}
	case schema.CredentialHTTPSToken:
		username, secret = payload.String("username"), payload.String("token")
	case schema.CredentialRegistryKeypair:
		region := reg.Region
		if region == "" {
			region = payload.String("region")
		}
		if region == "" {
			return schema.NewErrorf(schema.ErrCodeValidation, "registry %s: an AWS region is required", reg.Name)
		}
		awsEnv := append([]string{
			"AWS_ACCESS_KEY_ID=" + payload.String("access_key_id"),
			"AWS_SECRET_ACCESS_KEY=" + payload.String("secret_access_key"),
			"AWS_DEFAULT_REGION=" + region,
		}, env...)
		if tok := payload.String("session_token"); tok != "" {
			awsEnv = append(awsEnv, "AWS_SESSION_TOKEN="+tok)
		}
		res, err := o.runner.Run(ctx, runner.Command{
			Argv:    []string{o.cfg.AWSBinary, "ecr", "get-login-password", "--region", region},
			Env:     awsEnv,
			Timeout: o.cfg.LoginTimeout,
			Redact:  []string{payload.String("secret_access_key"), payload.String("session_token")},
		})
		if err != nil {
			return err
		}
		if !res.OK() {
			return schema.NewError(schema.ErrCodeExternalTool, "ECR authentication failed: "+res.Output())
		}
		username, secret = "AWS", strings.TrimSpace(res.Stdout)
	default:
		return schema.NewErrorf(schema.ErrCodeValidation, "credential type %s cannot authenticate to a registry", cred.Type)
	}
	if username == "" || secret == "" {
		return schema.NewErrorf(schema.ErrCodeValidation, "registry %s: credential is missing a username or secret", reg.Name)
	}

	argv := []string{o.cfg.DockerBinary, "login", "--username", username, "--password-stdin"}
	if server != "" {
		argv = append(argv, server)
	}
	res, err := o.runner.Run(ctx, runner.Command{
		Argv:    argv,
		Env:     env,
		Stdin:   strings.NewReader(secret),
		Timeout: o.cfg.LoginTimeout,
		Redact:  []string{secret},
	})
	if err != nil {
		return err
	}
	if !res.OK() {
		return schema.NewError(schema.ErrCodeExternalTool, "Registry login failed: "+res.Output())
	}
	return nil
}

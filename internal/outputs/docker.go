package outputs

import (
	"context"
	"errors"
	"log/slog"
	"net"
	"strings"
	"time"

	"github.com/avast/retry-go/v4"
	"github.com/docker/docker/api/types/image"
	"github.com/docker/docker/client"
	"github.com/docker/docker/errdefs"

	"github.com/rendis/webforge/internal/logging"
	"github.com/rendis/webforge/pkg/schema"
)

// imageAPI is the part of the docker client the remover uses.
type imageAPI interface {
	ImageRemove(ctx context.Context, imageID string, options image.RemoveOptions) ([]image.DeleteResponse, error)
}

// DockerRemover removes local images through the docker daemon, retrying
// transient daemon errors with backoff.
type DockerRemover struct {
	api      imageAPI
	attempts uint
	delay    time.Duration
	logger   *slog.Logger
}

// NewDockerRemover connects to the daemon configured by the DOCKER_* environment.
func NewDockerRemover(logger *slog.Logger) (*DockerRemover, error) {
	cli, err := client.NewClientWithOpts(client.FromEnv, client.WithAPIVersionNegotiation())
	if err != nil {
		return nil, schema.NewError(schema.ErrCodeExternalTool, "connect to docker daemon").WithCause(err)
	}
	return newDockerRemover(cli, logger), nil
}

func newDockerRemover(api imageAPI, logger *slog.Logger) *DockerRemover {
	if logger == nil {
		logger = logging.Discard()
	}
	return &DockerRemover{api: api, attempts: 3, delay: 500 * time.Millisecond, logger: logger}
}

// RemoveImage force-removes ref. A missing image is not an error.
func (d *DockerRemover) RemoveImage(ctx context.Context, ref string) error {
	err := retry.Do(func() error {
		_, err := d.api.ImageRemove(ctx, ref, image.RemoveOptions{Force: true, PruneChildren: true})
		if err != nil && errdefs.IsNotFound(err) {
			return nil
		}
		return err
	},
		retry.Attempts(d.attempts),
		retry.Delay(d.delay),
		retry.DelayType(retry.BackOffDelay),
		retry.RetryIf(isTransient),
		retry.LastErrorOnly(true),
		retry.OnRetry(func(n uint, err error) {
			d.logger.DebugContext(ctx, "retrying image removal", "image", ref, "attempt", n+1, "error", err)
		}),
		retry.Context(ctx),
	)
	if err != nil {
		return schema.NewErrorf(schema.ErrCodeExternalTool, "remove image %s: %v", ref, err).WithCause(err)
	}
	d.logger.InfoContext(ctx, "image removed", "image", ref)
	return nil
}

// isTransient classifies daemon errors worth another attempt. Conflicts,
// permission problems and cancellations are final.
func isTransient(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return false
	}
	if errdefs.IsConflict(err) || errdefs.IsForbidden(err) || errdefs.IsInvalidParameter(err) || errdefs.IsUnauthorized(err) {
		return false
	}
	if errdefs.IsUnavailable(err) || errdefs.IsSystem(err) {
		return true
	}

	var netErr net.Error
	if errors.As(err, &netErr) {
		return true
	}

	msg := strings.ToLower(err.Error())
	for _, p := range []string{
		"connection refused",
		"connection reset",
		"broken pipe",
		"eof",
		"i/o timeout",
		"is the docker daemon running",
	} {
		if strings.Contains(msg, p) {
			return true
		}
	}
	return false
}

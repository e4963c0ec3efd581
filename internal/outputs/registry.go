package outputs

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"io"
	"io/fs"
	"log/slog"
	"os"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/google/uuid"

	"github.com/rendis/webforge/internal/logging"
	"github.com/rendis/webforge/internal/store"
	"github.com/rendis/webforge/pkg/schema"
)

const (
	DefaultArchiveTTL = 7 * 24 * time.Hour
	DefaultImageTTL   = 24 * time.Hour
)

// Store is the persistence the registry needs. Satisfied by store.Store.
type Store interface {
	store.OutputStore
	store.EventAppender
}

// ImageRemover deletes a local container image. Removing an image that does
// not exist must succeed.
type ImageRemover interface {
	RemoveImage(ctx context.Context, ref string) error
}

// Config configures a Registry.
type Config struct {
	ArchiveTTL time.Duration
	ImageTTL   time.Duration
}

// Registration describes a produced artifact.
type Registration struct {
	RunID     string
	Kind      schema.ArtifactKind
	Location  string // archive path
	ImageRef  string
	SizeBytes int64 // images only; archives are measured
	// TTL overrides the per-kind default expiry.
	TTL time.Duration
	// NoExpiry keeps the output until it is deleted explicitly.
	NoExpiry bool
}

// Download is what a caller needs to serve an archive.
type Download struct {
	Output   *store.Output
	Path     string
	Size     int64
	Checksum string
}

// CleanupReport summarizes one CleanupExpired pass.
type CleanupReport struct {
	Cleaned    int   `json:"cleaned"`
	Failed     int   `json:"failed"`
	FreedBytes int64 `json:"freed_bytes"`
}

// Registry records build outputs and removes them when they expire.
type Registry struct {
	store   Store
	remover ImageRemover
	cfg     Config
	logger  *slog.Logger
	now     func() time.Time
}

// New creates a Registry. remover may be nil when images are never produced
// on this host; image cleanup then fails and is retried on the next pass.
func New(s Store, remover ImageRemover, cfg Config, logger *slog.Logger) *Registry {
	if cfg.ArchiveTTL <= 0 {
		cfg.ArchiveTTL = DefaultArchiveTTL
	}
	if cfg.ImageTTL <= 0 {
		cfg.ImageTTL = DefaultImageTTL
	}
	if logger == nil {
		logger = logging.Discard()
	}
	return &Registry{
		store:   s,
		remover: remover,
		cfg:     cfg,
		logger:  logger,
		now:     func() time.Time { return time.Now().UTC() },
	}
}

// Register records an artifact. Archives are hashed with SHA-256 while being
// measured. A second output of the same kind for a run is a CONFLICT.
func (r *Registry) Register(ctx context.Context, reg Registration) (*store.Output, error) {
	if reg.RunID == "" {
		return nil, schema.NewError(schema.ErrCodeValidation, "output requires a run id")
	}
	now := r.now()
	o := &store.Output{
		ID:        uuid.New().String(),
		RunID:     reg.RunID,
		Kind:      reg.Kind,
		Status:    schema.OutputStatusAvailable,
		CreatedAt: now,
	}

	switch reg.Kind {
	case schema.ArtifactArchive:
		if reg.Location == "" {
			return nil, schema.NewError(schema.ErrCodeValidation, "archive output requires a location")
		}
		sum, size, err := checksumFile(reg.Location)
		if err != nil {
			return nil, err
		}
		o.Location = reg.Location
		o.Checksum = sum
		o.SizeBytes = size
	case schema.ArtifactImage:
		if reg.ImageRef == "" {
			return nil, schema.NewError(schema.ErrCodeValidation, "image output requires an image reference")
		}
		o.ImageRef = reg.ImageRef
		o.SizeBytes = reg.SizeBytes
	default:
		return nil, schema.NewErrorf(schema.ErrCodeValidation, "unknown output kind %q", reg.Kind)
	}

	if !reg.NoExpiry {
		ttl := reg.TTL
		if ttl <= 0 {
			ttl = r.ttl(reg.Kind)
		}
		exp := now.Add(ttl)
		o.ExpiresAt = &exp
	}

	if err := r.store.CreateOutput(ctx, o); err != nil {
		return nil, err
	}
	r.logger.InfoContext(logging.WithRunID(ctx, reg.RunID), "output registered",
		"output_id", o.ID, "kind", o.Kind, "size", humanize.Bytes(uint64(o.SizeBytes)), "expires_at", o.ExpiresAt)
	r.emit(ctx, o.ID, schema.EventOutputRegistered, map[string]any{"run_id": o.RunID, "kind": o.Kind, "size_bytes": o.SizeBytes})
	return o, nil
}

// Get returns a registered output.
func (r *Registry) Get(ctx context.Context, id string) (*store.Output, error) {
	return r.store.GetOutput(ctx, id)
}

// List returns outputs matching filter.
func (r *Registry) List(ctx context.Context, filter store.OutputFilter) ([]*store.Output, error) {
	return r.store.ListOutputs(ctx, filter)
}

// RecordDownload counts one download of an available output.
func (r *Registry) RecordDownload(ctx context.Context, id string) error {
	o, err := r.store.GetOutput(ctx, id)
	if err != nil {
		return err
	}
	if o.Status != schema.OutputStatusAvailable {
		return schema.NewErrorf(schema.ErrCodeValidation, "output %s is %s", id, o.Status)
	}
	if err := r.store.IncrementDownloads(ctx, id); err != nil {
		return err
	}
	r.emit(ctx, id, schema.EventOutputDownloaded, map[string]any{"run_id": o.RunID})
	return nil
}

// Download checks that an archive is still servable and records the download.
func (r *Registry) Download(ctx context.Context, id string) (*Download, error) {
	o, err := r.store.GetOutput(ctx, id)
	if err != nil {
		return nil, err
	}
	if o.Kind != schema.ArtifactArchive {
		return nil, schema.NewErrorf(schema.ErrCodeValidation, "output %s is an image; pull %s instead", id, o.ImageRef)
	}
	if o.Status != schema.OutputStatusAvailable {
		return nil, schema.NewErrorf(schema.ErrCodeValidation, "output %s is %s", id, o.Status)
	}
	if o.ExpiresAt != nil && o.ExpiresAt.Before(r.now()) {
		return nil, schema.NewErrorf(schema.ErrCodeValidation, "output %s expired at %s", id, o.ExpiresAt.Format(time.RFC3339))
	}
	info, err := os.Stat(o.Location)
	if err != nil {
		return nil, schema.NewErrorf(schema.ErrCodeNotFound, "archive for output %s is missing", id).WithCause(err)
	}
	if err := r.RecordDownload(ctx, id); err != nil {
		return nil, err
	}
	return &Download{Output: o, Path: o.Location, Size: info.Size(), Checksum: o.Checksum}, nil
}

// MarkExpired moves an available output to expired without touching its
// artifact. It reports whether this call made the change.
func (r *Registry) MarkExpired(ctx context.Context, id string) (bool, error) {
	changed, err := r.store.SetOutputStatus(ctx, id, schema.OutputStatusAvailable, schema.OutputStatusExpired)
	if err != nil {
		return false, err
	}
	if changed {
		r.emit(ctx, id, schema.EventOutputExpired, nil)
	}
	return changed, nil
}

// CleanupExpired removes the artifacts of available outputs whose expiry has
// passed and marks them expired. Artifacts are removed before the status
// change, so a failed removal is retried on the next pass and concurrent
// passes count each output once.
func (r *Registry) CleanupExpired(ctx context.Context) (CleanupReport, error) {
	var report CleanupReport
	now := r.now()
	available := schema.OutputStatusAvailable
	due, err := r.store.ListOutputs(ctx, store.OutputFilter{Status: &available, ExpiredBefore: &now})
	if err != nil {
		return report, err
	}

	for _, o := range due {
		if ctx.Err() != nil {
			return report, ctx.Err()
		}
		octx := logging.WithRunID(ctx, o.RunID)
		if err := r.removeArtifact(octx, o); err != nil {
			report.Failed++
			r.logger.WarnContext(octx, "output cleanup failed", "output_id", o.ID, "kind", o.Kind, "error", err)
			continue
		}
		changed, err := r.MarkExpired(octx, o.ID)
		if err != nil {
			report.Failed++
			continue
		}
		if changed {
			report.Cleaned++
			report.FreedBytes += o.SizeBytes
		}
	}

	if report.Cleaned > 0 || report.Failed > 0 {
		r.logger.InfoContext(ctx, "expired outputs cleaned",
			"cleaned", report.Cleaned, "failed", report.Failed, "freed", humanize.Bytes(uint64(report.FreedBytes)))
	}
	return report, nil
}

// DeleteForRun removes the artifacts of every output of a run. Rows are left
// for the run's cascade delete. It returns how many artifacts were removed.
func (r *Registry) DeleteForRun(ctx context.Context, runID string) (int, error) {
	outs, err := r.store.ListOutputs(ctx, store.OutputFilter{RunID: runID})
	if err != nil {
		return 0, err
	}
	ctx = logging.WithRunID(ctx, runID)

	var errs []error
	removed := 0
	for _, o := range outs {
		if o.Status == schema.OutputStatusAvailable {
			if err := r.removeArtifact(ctx, o); err != nil {
				errs = append(errs, err)
				continue
			}
			removed++
		}
		if _, err := r.store.SetOutputStatus(ctx, o.ID, o.Status, schema.OutputStatusDeleted); err != nil {
			errs = append(errs, err)
		}
	}
	return removed, errors.Join(errs...)
}

func (r *Registry) removeArtifact(ctx context.Context, o *store.Output) error {
	switch o.Kind {
	case schema.ArtifactArchive:
		if o.Location == "" {
			return nil
		}
		if err := os.Remove(o.Location); err != nil && !errors.Is(err, fs.ErrNotExist) {
			return err
		}
		r.logger.DebugContext(ctx, "archive removed", "path", o.Location)
		return nil
	case schema.ArtifactImage:
		if o.ImageRef == "" {
			return nil
		}
		if r.remover == nil {
			return schema.NewError(schema.ErrCodeExternalTool, "no image remover configured")
		}
		return r.remover.RemoveImage(ctx, o.ImageRef)
	}
	return nil
}

func (r *Registry) ttl(kind schema.ArtifactKind) time.Duration {
	if kind == schema.ArtifactImage {
		return r.cfg.ImageTTL
	}
	return r.cfg.ArchiveTTL
}

// emit records an audit event. Audit failures are logged, never surfaced.
func (r *Registry) emit(ctx context.Context, id, eventType string, payload map[string]any) {
	var raw json.RawMessage
	if payload != nil {
		raw, _ = json.Marshal(payload)
	}
	err := r.store.AppendEvent(ctx, &store.Event{
		EntityType: schema.EntityOutput,
		EntityID:   id,
		Type:       eventType,
		Payload:    raw,
		Timestamp:  r.now(),
	})
	if err != nil {
		r.logger.WarnContext(ctx, "audit event dropped", "event", eventType, "error", err)
	}
}

// checksumFile streams path through SHA-256 and returns the hex digest and size.
func checksumFile(path string) (string, int64, error) {
	f, err := os.Open(path)
	if err != nil {
		return "", 0, schema.NewErrorf(schema.ErrCodeValidation, "archive %s cannot be read", path).WithCause(err)
	}
	defer f.Close()

	h := sha256.New()
	n, err := io.Copy(h, f)
	if err != nil {
		return "", 0, schema.NewErrorf(schema.ErrCodeExternalTool, "hash archive %s", path).WithCause(err)
	}
	return hex.EncodeToString(h.Sum(nil)), n, nil
}

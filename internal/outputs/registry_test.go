package outputs

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rendis/webforge/internal/store"
	"github.com/rendis/webforge/pkg/schema"
)

type fakeRemover struct {
	mu      sync.Mutex
	removed []string
	err     error
}

func (f *fakeRemover) RemoveImage(_ context.Context, ref string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return f.err
	}
	f.removed = append(f.removed, ref)
	return nil
}

func newTestRegistry(t *testing.T) (*Registry, *store.LibSQLStore, *fakeRemover) {
	t.Helper()
	s, err := store.NewLibSQLStore("file:" + filepath.Join(t.TempDir(), "outputs.db"))
	require.NoError(t, err)
	require.NoError(t, s.Migrate(context.Background()))
	t.Cleanup(func() { _ = s.Close() })
	rm := &fakeRemover{}
	return New(s, rm, Config{}, nil), s, rm
}

func seedRun(t *testing.T, s *store.LibSQLStore) string {
	t.Helper()
	run := &store.Run{
		ID:         uuid.New().String(),
		Status:     schema.RunStatusCompleted,
		Steps:      []string{"clone", "package-archive"},
		OutputKind: schema.OutputArchive,
	}
	require.NoError(t, s.CreateRun(context.Background(), run))
	return run.ID
}

func writeArchive(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "build.zip")
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
	return path
}

func TestRegister_ArchiveChecksumAndExpiry(t *testing.T) {
	r, s, _ := newTestRegistry(t)
	fixed := time.Date(2026, 10, 19, 12, 0, 0, 0, time.UTC)
	r.now = func() time.Time { return fixed }
	runID := seedRun(t, s)

	path := writeArchive(t, "zip-bytes")
	o, err := r.Register(context.Background(), Registration{RunID: runID, Kind: schema.ArtifactArchive, Location: path})
	require.NoError(t, err)

	sum := sha256.Sum256([]byte("zip-bytes"))
	assert.Equal(t, hex.EncodeToString(sum[:]), o.Checksum)
	assert.Equal(t, int64(len("zip-bytes")), o.SizeBytes)
	assert.Equal(t, schema.OutputStatusAvailable, o.Status)
	require.NotNil(t, o.ExpiresAt)
	assert.Equal(t, fixed.Add(7*24*time.Hour), *o.ExpiresAt)
}

func TestRegister_ImageDefaultExpiry(t *testing.T) {
	r, s, _ := newTestRegistry(t)
	fixed := time.Date(2026, 10, 19, 12, 0, 0, 0, time.UTC)
	r.now = func() time.Time { return fixed }

	o, err := r.Register(context.Background(), Registration{
		RunID: seedRun(t, s), Kind: schema.ArtifactImage, ImageRef: "webforge/custom:abc", SizeBytes: 42,
	})
	require.NoError(t, err)
	assert.Equal(t, fixed.Add(24*time.Hour), *o.ExpiresAt)
	assert.Empty(t, o.Checksum)
}

func TestRegister_NoExpiry(t *testing.T) {
	r, s, _ := newTestRegistry(t)
	o, err := r.Register(context.Background(), Registration{
		RunID: seedRun(t, s), Kind: schema.ArtifactArchive, Location: writeArchive(t, "x"), NoExpiry: true,
	})
	require.NoError(t, err)
	assert.Nil(t, o.ExpiresAt)
}

func TestRegister_OnePerRunAndKind(t *testing.T) {
	r, s, _ := newTestRegistry(t)
	ctx := context.Background()
	runID := seedRun(t, s)

	_, err := r.Register(ctx, Registration{RunID: runID, Kind: schema.ArtifactArchive, Location: writeArchive(t, "a")})
	require.NoError(t, err)
	_, err = r.Register(ctx, Registration{RunID: runID, Kind: schema.ArtifactArchive, Location: writeArchive(t, "b")})
	require.Error(t, err)
	assert.True(t, schema.IsCode(err, schema.ErrCodeConflict))

	_, err = r.Register(ctx, Registration{RunID: runID, Kind: schema.ArtifactImage, ImageRef: "img:1"})
	assert.NoError(t, err, "a different kind for the same run is allowed")
}

func TestRegister_Validation(t *testing.T) {
	r, s, _ := newTestRegistry(t)
	ctx := context.Background()
	runID := seedRun(t, s)

	tests := []Registration{
		{Kind: schema.ArtifactArchive, Location: "x"},
		{RunID: runID, Kind: schema.ArtifactArchive},
		{RunID: runID, Kind: schema.ArtifactImage},
		{RunID: runID, Kind: "tarball", Location: "x"},
		{RunID: runID, Kind: schema.ArtifactArchive, Location: filepath.Join(t.TempDir(), "missing.zip")},
	}
	for _, reg := range tests {
		_, err := r.Register(ctx, reg)
		assert.True(t, schema.IsCode(err, schema.ErrCodeValidation), "%+v: %v", reg, err)
	}
}

func TestDownload_RecordsDownload(t *testing.T) {
	r, s, _ := newTestRegistry(t)
	ctx := context.Background()
	o, err := r.Register(ctx, Registration{RunID: seedRun(t, s), Kind: schema.ArtifactArchive, Location: writeArchive(t, "abc")})
	require.NoError(t, err)

	d, err := r.Download(ctx, o.ID)
	require.NoError(t, err)
	assert.Equal(t, o.Location, d.Path)
	assert.Equal(t, int64(3), d.Size)
	assert.Equal(t, o.Checksum, d.Checksum)

	_, err = r.Download(ctx, o.ID)
	require.NoError(t, err)
	got, err := r.Get(ctx, o.ID)
	require.NoError(t, err)
	assert.Equal(t, 2, got.Downloads)

	events, err := s.ListEvents(ctx, store.EventFilter{EntityID: o.ID, Type: schema.EventOutputDownloaded})
	require.NoError(t, err)
	assert.Len(t, events, 2)
}

func TestDownload_Rejections(t *testing.T) {
	r, s, _ := newTestRegistry(t)
	ctx := context.Background()

	img, err := r.Register(ctx, Registration{RunID: seedRun(t, s), Kind: schema.ArtifactImage, ImageRef: "img:1"})
	require.NoError(t, err)
	_, err = r.Download(ctx, img.ID)
	assert.True(t, schema.IsCode(err, schema.ErrCodeValidation))

	path := writeArchive(t, "abc")
	arch, err := r.Register(ctx, Registration{RunID: seedRun(t, s), Kind: schema.ArtifactArchive, Location: path})
	require.NoError(t, err)
	require.NoError(t, os.Remove(path))
	_, err = r.Download(ctx, arch.ID)
	assert.True(t, schema.IsCode(err, schema.ErrCodeNotFound))

	_, err = r.MarkExpired(ctx, arch.ID)
	require.NoError(t, err)
	_, err = r.Download(ctx, arch.ID)
	assert.True(t, schema.IsCode(err, schema.ErrCodeValidation))
	assert.True(t, schema.IsCode(r.RecordDownload(ctx, arch.ID), schema.ErrCodeValidation))
}

func TestMarkExpired_OnlyOnce(t *testing.T) {
	r, s, _ := newTestRegistry(t)
	ctx := context.Background()
	o, err := r.Register(ctx, Registration{RunID: seedRun(t, s), Kind: schema.ArtifactImage, ImageRef: "img:1"})
	require.NoError(t, err)

	changed, err := r.MarkExpired(ctx, o.ID)
	require.NoError(t, err)
	assert.True(t, changed)
	changed, err = r.MarkExpired(ctx, o.ID)
	require.NoError(t, err)
	assert.False(t, changed)
}

func TestCleanupExpired(t *testing.T) {
	r, s, rm := newTestRegistry(t)
	ctx := context.Background()
	past := time.Now().UTC().Add(-48 * time.Hour)
	r.now = func() time.Time { return past }

	archivePath := writeArchive(t, "12345")
	arch, err := r.Register(ctx, Registration{RunID: seedRun(t, s), Kind: schema.ArtifactArchive, Location: archivePath, TTL: time.Hour})
	require.NoError(t, err)
	img, err := r.Register(ctx, Registration{RunID: seedRun(t, s), Kind: schema.ArtifactImage, ImageRef: "img:old", SizeBytes: 100, TTL: time.Hour})
	require.NoError(t, err)
	fresh, err := r.Register(ctx, Registration{RunID: seedRun(t, s), Kind: schema.ArtifactArchive, Location: writeArchive(t, "new")})
	require.NoError(t, err)
	forever, err := r.Register(ctx, Registration{RunID: seedRun(t, s), Kind: schema.ArtifactArchive, Location: writeArchive(t, "keep"), NoExpiry: true})
	require.NoError(t, err)

	r.now = func() time.Time { return time.Now().UTC() }
	report, err := r.CleanupExpired(ctx)
	require.NoError(t, err)
	assert.Equal(t, CleanupReport{Cleaned: 2, FreedBytes: 105}, report)
	assert.NoFileExists(t, archivePath)
	assert.Equal(t, []string{"img:old"}, rm.removed)

	for id, want := range map[string]schema.OutputStatus{
		arch.ID:    schema.OutputStatusExpired,
		img.ID:     schema.OutputStatusExpired,
		fresh.ID:   schema.OutputStatusAvailable,
		forever.ID: schema.OutputStatusAvailable,
	} {
		got, err := r.Get(ctx, id)
		require.NoError(t, err)
		assert.Equal(t, want, got.Status, id)
	}

	again, err := r.CleanupExpired(ctx)
	require.NoError(t, err)
	assert.Equal(t, CleanupReport{}, again, "cleanup is idempotent")
}

func TestCleanupExpired_FailedRemovalRetriedLater(t *testing.T) {
	r, s, rm := newTestRegistry(t)
	ctx := context.Background()
	r.now = func() time.Time { return time.Now().UTC().Add(-48 * time.Hour) }
	o, err := r.Register(ctx, Registration{RunID: seedRun(t, s), Kind: schema.ArtifactImage, ImageRef: "img:busy"})
	require.NoError(t, err)
	r.now = func() time.Time { return time.Now().UTC() }

	rm.err = errors.New("daemon unavailable")
	report, err := r.CleanupExpired(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, report.Failed)
	assert.Equal(t, 0, report.Cleaned)
	got, err := r.Get(ctx, o.ID)
	require.NoError(t, err)
	assert.Equal(t, schema.OutputStatusAvailable, got.Status)

	rm.err = nil
	report, err = r.CleanupExpired(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, report.Cleaned)
}

func TestCleanupExpired_Concurrent(t *testing.T) {
	r, s, _ := newTestRegistry(t)
	ctx := context.Background()
	r.now = func() time.Time { return time.Now().UTC().Add(-48 * time.Hour) }
	for i := 0; i < 5; i++ {
		_, err := r.Register(ctx, Registration{RunID: seedRun(t, s), Kind: schema.ArtifactArchive, Location: writeArchive(t, "x"), TTL: time.Hour})
		require.NoError(t, err)
	}
	r.now = func() time.Time { return time.Now().UTC() }

	var wg sync.WaitGroup
	var mu sync.Mutex
	total := 0
	for i := 0; i < 3; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			rep, err := r.CleanupExpired(ctx)
			assert.NoError(t, err)
			mu.Lock()
			total += rep.Cleaned
			mu.Unlock()
		}()
	}
	wg.Wait()
	assert.Equal(t, 5, total, "each output is counted exactly once")
}

func TestDeleteForRun(t *testing.T) {
	r, s, rm := newTestRegistry(t)
	ctx := context.Background()
	runID := seedRun(t, s)
	path := writeArchive(t, "abc")
	_, err := r.Register(ctx, Registration{RunID: runID, Kind: schema.ArtifactArchive, Location: path})
	require.NoError(t, err)
	_, err = r.Register(ctx, Registration{RunID: runID, Kind: schema.ArtifactImage, ImageRef: "img:run"})
	require.NoError(t, err)

	removed, err := r.DeleteForRun(ctx, runID)
	require.NoError(t, err)
	assert.Equal(t, 2, removed)
	assert.NoFileExists(t, path)
	assert.Equal(t, []string{"img:run"}, rm.removed)

	outs, err := r.List(ctx, store.OutputFilter{RunID: runID})
	require.NoError(t, err)
	for _, o := range outs {
		assert.Equal(t, schema.OutputStatusDeleted, o.Status)
	}
}

package engine

import (
	"archive/zip"
	"context"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"

	"github.com/dustin/go-humanize"

	"github.com/rendis/webforge/pkg/schema"
)

// stepArchive packages the source tree, without VCS metadata, into a ZIP
// file in the output directory.
func (o *Orchestrator) stepArchive(ctx context.Context, st *buildState) error {
	if err := os.MkdirAll(o.cfg.OutputDir, 0o755); err != nil {
		return schema.NewErrorf(schema.ErrCodeStepFailed, "create output directory: %v", err).WithCause(err)
	}
	name := fmt.Sprintf("webforge_%s_%s.zip", shortID(st.run.ID), o.now().Format("20060102_150405"))
	final := filepath.Join(o.cfg.OutputDir, name)

	tmp, err := os.CreateTemp(o.cfg.OutputDir, ".partial-*.zip")
	if err != nil {
		return schema.NewErrorf(schema.ErrCodeStepFailed, "create archive: %v", err).WithCause(err)
	}
	files, err := zipTree(ctx, tmp, st.repoDir)
	if cerr := tmp.Close(); err == nil && cerr != nil {
		err = cerr
	}
	if err != nil {
		os.Remove(tmp.Name())
		if schema.CodeOf(err) != "" {
			return err
		}
		return schema.NewErrorf(schema.ErrCodeStepFailed, "write archive: %v", err).WithCause(err)
	}
	if err := os.Rename(tmp.Name(), final); err != nil {
		os.Remove(tmp.Name())
		return schema.NewErrorf(schema.ErrCodeStepFailed, "finalize archive: %v", err).WithCause(err)
	}
	st.archivePath = final

	var size uint64
	if info, err := os.Stat(final); err == nil {
		size = uint64(info.Size())
	}
	o.appendLog(ctx, st.run.ID, fmt.Sprintf("Created archive %s (%d files, %s)", name, files, humanize.Bytes(size)))
	return nil
}

// zipTree writes every regular file under root to w and returns the number
// of files written. The .git directory is left out.
func zipTree(ctx context.Context, w io.Writer, root string) (int, error) {
	zw := zip.NewWriter(w)
	files := 0
	err := filepath.WalkDir(root, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if err := ctx.Err(); err != nil {
			return err
		}
		if d.IsDir() {
			if d.Name() == ".git" {
				return filepath.SkipDir
			}
			return nil
		}
		if !d.Type().IsRegular() {
			return nil
		}
		info, err := d.Info()
		if err != nil {
			return err
		}
		rel, err := filepath.Rel(root, path)
		if err != nil {
			return err
		}
		hdr, err := zip.FileInfoHeader(info)
		if err != nil {
			return err
		}
		hdr.Name = filepath.ToSlash(rel)
		hdr.Method = zip.Deflate

		dst, err := zw.CreateHeader(hdr)
		if err != nil {
			return err
		}
		src, err := os.Open(path)
		if err != nil {
			return err
		}
		defer src.Close()
		if _, err := io.Copy(dst, src); err != nil {
			return err
		}
		files++
		return nil
	})
	if err != nil {
		zw.Close()
		return files, err
	}
	if files == 0 {
		zw.Close()
		return 0, schema.NewError(schema.ErrCodeStepFailed, "source tree has no files to package")
	}
	return files, zw.Close()
}

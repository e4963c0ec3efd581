package main

import (
	"fmt"
	"io"
	"os"
	"path/filepath"

	"github.com/dustin/go-humanize"
	"github.com/spf13/cobra"

	"github.com/rendis/webforge/internal/store"
	"github.com/rendis/webforge/pkg/schema"
)

func (c *cli) outputCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "output",
		Short: "Manage build outputs",
	}
	cmd.AddCommand(
		c.outputListCmd(),
		c.outputDownloadCmd(),
		c.outputCleanupCmd(),
	)
	return cmd
}

func (c *cli) outputListCmd() *cobra.Command {
	var (
		filter store.OutputFilter
		kind   string
		status string
	)
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List build outputs",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			a, err := c.open(cmd)
			if err != nil {
				return err
			}
			if kind != "" {
				k := schema.ArtifactKind(kind)
				filter.Kind = &k
			}
			if status != "" {
				s := schema.OutputStatus(status)
				filter.Status = &s
			}
			outs, err := a.outputs.List(cmd.Context(), filter)
			if err != nil {
				return err
			}
			return c.emit(cmd, outs, func(w io.Writer) {
				row(w, "ID", "RUN", "KIND", "STATUS", "SIZE", "DOWNLOADS", "EXPIRES", "LOCATION")
				for _, o := range outs {
					loc := o.Location
					if o.Kind == schema.ArtifactImage {
						loc = o.ImageRef
					}
					row(w, o.ID, shortRef(o.RunID), o.Kind, o.Status, humanize.Bytes(uint64(o.SizeBytes)),
						o.Downloads, ago(o.ExpiresAt), loc)
				}
			})
		},
	}
	cmd.Flags().StringVar(&filter.RunID, "run", "", "only outputs of this run")
	cmd.Flags().StringVar(&filter.RepositoryID, "repo", "", "only outputs built from this repository")
	cmd.Flags().StringVar(&kind, "kind", "", "archive or image")
	cmd.Flags().StringVar(&status, "status", "", "available, expired or deleted")
	return cmd
}

func (c *cli) outputDownloadCmd() *cobra.Command {
	var dest string
	cmd := &cobra.Command{
		Use:   "download ID",
		Short: "Copy an archive out of the output directory",
		Long: `Copy an archive to --dest (a directory or a file path). The copy is
checked against the SHA-256 recorded when the archive was built.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := c.open(cmd)
			if err != nil {
				return err
			}
			dl, err := a.outputs.Download(cmd.Context(), args[0])
			if err != nil {
				return err
			}

			target := dest
			if info, err := os.Stat(dest); err == nil && info.IsDir() {
				target = filepath.Join(dest, filepath.Base(dl.Path))
			}
			n, err := copyVerified(dl.Path, target, dl.Checksum)
			if err != nil {
				return schema.NewErrorf(schema.ErrCodeIntegrity, "download %s: %v", args[0], err).WithCause(err)
			}

			result := map[string]any{"path": target, "size_bytes": n, "checksum": dl.Checksum}
			return c.emit(cmd, result, func(w io.Writer) {
				fmt.Fprintln(w, checksumLine(dl.Checksum, target))
				fmt.Fprintf(w, "Wrote %s\n", humanize.Bytes(uint64(n)))
			})
		},
	}
	cmd.Flags().StringVarP(&dest, "dest", "o", ".", "destination directory or file")
	return cmd
}

func (c *cli) outputCleanupCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "cleanup",
		Short: "Remove expired archives and images",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			a, err := c.open(cmd)
			if err != nil {
				return err
			}
			report, err := a.outputs.CleanupExpired(cmd.Context())
			if err != nil {
				return err
			}
			return c.emit(cmd, report, func(w io.Writer) {
				fmt.Fprintf(w, "Cleaned %d outputs, %d failed, %s freed\n",
					report.Cleaned, report.Failed, humanize.Bytes(uint64(report.FreedBytes)))
			})
		},
	}
}

func shortRef(id string) string {
	if len(id) > 8 {
		return id[:8]
	}
	return id
}

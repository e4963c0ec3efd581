package main

import (
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/rendis/webforge/internal/engine"
	"github.com/rendis/webforge/internal/store"
	"github.com/rendis/webforge/internal/streaming"
	"github.com/rendis/webforge/pkg/schema"
)

func (c *cli) runCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "run",
		Short: "Create, execute and inspect pipeline runs",
	}
	cmd.AddCommand(
		c.runCreateCmd(),
		c.runExecCmd(),
		c.runRetryCmd(),
		c.runCancelCmd(),
		c.runShowCmd(),
		c.runLogsCmd(),
		c.runListCmd(),
		c.runDeleteCmd(),
		c.runStatsCmd(),
		c.runPlanCmd(),
		newRunStepsCmd(),
	)
	return cmd
}

func (c *cli) runCreateCmd() *cobra.Command {
	var (
		req  engine.CreateRunRequest
		kind string
		exec bool
	)
	cmd := &cobra.Command{
		Use:   "create",
		Short: "Create a pending run",
		Long: `Create a pending run. Without --steps the steps follow from --kind:
archive clones and packages a zip, image clones and builds an image, both does
all of it. Without --repo the built-in upstream is cloned.

The run is picked up by "webforge serve", or executed right away with --exec.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			a, err := c.open(cmd)
			if err != nil {
				return err
			}
			req.OutputKind = schema.OutputKind(kind)
			run, err := a.orch.CreateRun(cmd.Context(), req)
			if err != nil {
				return err
			}
			if exec {
				return c.execute(cmd, a, run.ID)
			}
			return c.emit(cmd, run, func(w io.Writer) {
				fmt.Fprintf(w, "Created run %s (%s)\n", run.ID, strings.Join(run.Steps, ", "))
			})
		},
	}
	cmd.Flags().StringVarP(&kind, "kind", "k", string(schema.OutputArchive), "output kind: archive, image or both")
	cmd.Flags().StringSliceVar(&req.Steps, "steps", nil, "explicit steps, see \"webforge run steps\"")
	cmd.Flags().StringVar(&req.RepositoryID, "repo", "", "repository ID (default: the built-in upstream)")
	cmd.Flags().StringVarP(&req.Branch, "branch", "b", "", "branch to clone (default: the repository's)")
	cmd.Flags().StringVar(&req.RegistryID, "registry", "", "registry ID for push-image")
	cmd.Flags().StringVar(&req.TemplateID, "template", "", "template ID for apply-customization")
	cmd.Flags().StringVar(&req.ConfigurationID, "configuration", "", "configuration ID for apply-configuration")
	cmd.Flags().BoolVar(&exec, "exec", false, "execute the run in the foreground")
	return cmd
}

func (c *cli) runExecCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "exec ID",
		Short: "Execute a pending run in the foreground",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := c.open(cmd)
			if err != nil {
				return err
			}
			return c.execute(cmd, a, args[0])
		},
	}
}

// execute runs id to completion and reports a failed run as an error.
func (c *cli) execute(cmd *cobra.Command, a *app, id string) error {
	var stop func()
	if !c.jsonOut {
		stop = c.follow(cmd, a, id)
	}
	run, err := a.orch.ExecuteRun(cmd.Context(), id)
	if stop != nil {
		stop()
	}
	if err != nil {
		return err
	}
	if err := c.emit(cmd, run, func(w io.Writer) { printRun(w, run) }); err != nil {
		return err
	}
	if run.Status == schema.RunStatusFailed {
		return schema.NewErrorf(schema.ErrCodeStepFailed, "run %s failed: %s", run.ID, run.Error)
	}
	return nil
}

// follow prints the run's log lines to stderr while it executes. The
// returned func stops following once everything published has been printed.
func (c *cli) follow(cmd *cobra.Command, a *app, id string) func() {
	ch, cancel, err := a.events.Subscribe(cmd.Context(), streaming.Filter{RunID: id, Types: []string{streaming.TypeLog}})
	if err != nil {
		return nil
	}
	done := make(chan struct{})
	go func() {
		defer close(done)
		w := cmd.ErrOrStderr()
		for evt := range ch {
			fmt.Fprintf(w, "  %s %s\n", evt.Time.Local().Format(time.TimeOnly), evt.Message)
		}
	}()
	return func() {
		cancel()
		<-done
	}
}

func (c *cli) runRetryCmd() *cobra.Command {
	var exec bool
	cmd := &cobra.Command{
		Use:   "retry ID",
		Short: "Create a new run with the parameters of a finished one",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := c.open(cmd)
			if err != nil {
				return err
			}
			run, err := a.orch.RetryRun(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			if exec {
				return c.execute(cmd, a, run.ID)
			}
			return c.emit(cmd, run, func(w io.Writer) {
				fmt.Fprintf(w, "Created run %s as a retry of %s\n", run.ID, args[0])
			})
		},
	}
	cmd.Flags().BoolVar(&exec, "exec", false, "execute the new run in the foreground")
	return cmd
}

func (c *cli) runCancelCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "cancel ID",
		Short: "Cancel a pending or running run",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := c.open(cmd)
			if err != nil {
				return err
			}
			run, err := a.orch.RequestCancel(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			return c.emit(cmd, run, func(w io.Writer) {
				if run.Status == schema.RunStatusFailed {
					fmt.Fprintf(w, "Cancelled run %s\n", run.ID)
					return
				}
				fmt.Fprintf(w, "Requested cancellation of run %s at step %s\n", run.ID, orDash(run.CurrentStep))
			})
		},
	}
}

func (c *cli) runShowCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "show ID",
		Short: "Show a run",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := c.open(cmd)
			if err != nil {
				return err
			}
			run, err := a.orch.GetRun(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			return c.emit(cmd, run, func(w io.Writer) { printRun(w, run) })
		},
	}
}

func (c *cli) runLogsCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "logs ID",
		Short: "Print the log of a run",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := c.open(cmd)
			if err != nil {
				return err
			}
			logs, err := a.orch.Logs(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			fmt.Fprint(cmd.OutOrStdout(), logs)
			return nil
		},
	}
}

func (c *cli) runListCmd() *cobra.Command {
	var (
		filter store.RunFilter
		status string
	)
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List runs, newest first",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			a, err := c.open(cmd)
			if err != nil {
				return err
			}
			if status != "" {
				st := schema.RunStatus(status)
				filter.Status = &st
			}
			runs, err := a.orch.ListRuns(cmd.Context(), filter)
			if err != nil {
				return err
			}
			return c.emit(cmd, runs, func(w io.Writer) {
				row(w, "ID", "STATUS", "KIND", "STEP", "PROGRESS", "CREATED", "ERROR")
				for _, r := range runs {
					row(w, r.ID, r.Status, r.OutputKind, orDash(r.CurrentStep), fmt.Sprintf("%d%%", r.Progress),
						ago(&r.CreatedAt), orDash(r.Error))
				}
			})
		},
	}
	cmd.Flags().StringVarP(&status, "status", "s", "", "pending, running, completed or failed")
	cmd.Flags().StringVar(&filter.RepositoryID, "repo", "", "only runs of this repository")
	cmd.Flags().IntVarP(&filter.Limit, "limit", "n", 50, "maximum number of runs")
	return cmd
}

func (c *cli) runDeleteCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "delete ID",
		Short: "Delete a run together with its archives and images",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := c.open(cmd)
			if err != nil {
				return err
			}
			if err := a.orch.DeleteRun(cmd.Context(), args[0]); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Deleted run %s\n", args[0])
			return nil
		},
	}
}

func (c *cli) runStatsCmd() *cobra.Command {
	var (
		days int
		repo string
	)
	cmd := &cobra.Command{
		Use:   "stats",
		Short: "Summarize recent runs, or the usage of one repository",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			a, err := c.open(cmd)
			if err != nil {
				return err
			}
			if repo != "" {
				usage, err := a.orch.RepositoryUsage(cmd.Context(), repo)
				if err != nil {
					return err
				}
				return c.emit(cmd, usage, func(w io.Writer) {
					row(w, "REPOSITORY", usage.Name)
					row(w, "URL", usage.URL)
					row(w, "VERIFIED", usage.Verified)
					row(w, "RUNS", fmt.Sprintf("%d (%d completed, %d failed, %d in the last 30 days)",
						usage.TotalRuns, usage.Completed, usage.Failed, usage.RecentRuns))
					row(w, "OUTPUTS", fmt.Sprintf("%d (%d archives, %d images)",
						usage.Outputs.Total, usage.Outputs.Archives, usage.Outputs.Images))
					row(w, "LAST USED", ago(usage.LastUsed))
				})
			}

			stats, err := a.orch.Statistics(cmd.Context(), days)
			if err != nil {
				return err
			}
			return c.emit(cmd, stats, func(w io.Writer) {
				row(w, "PERIOD", fmt.Sprintf("last %d days", stats.Days))
				row(w, "RUNS", stats.Total)
				row(w, "COMPLETED", stats.Completed)
				row(w, "FAILED", stats.Failed)
				row(w, "PENDING", stats.Pending)
				row(w, "RUNNING", stats.Running)
				row(w, "SUCCESS RATE", fmt.Sprintf("%.2f%%", stats.SuccessRate))
				for _, s := range stats.PopularSteps {
					row(w, "STEP "+s.Step, s.Count)
				}
			})
		},
	}
	cmd.Flags().IntVarP(&days, "days", "d", 30, "size of the window in days")
	cmd.Flags().StringVar(&repo, "repo", "", "report the usage of this repository instead")
	return cmd
}

func newRunStepsCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "steps",
		Short: "List the available pipeline steps",
		Args:  cobra.NoArgs,
		Run: func(cmd *cobra.Command, _ []string) {
			w := cmd.OutOrStdout()
			for _, s := range engine.Steps() {
				info, _ := s.Info()
				deps := make([]string, len(info.Requires))
				for i, r := range info.Requires {
					deps[i] = string(r)
				}
				line := fmt.Sprintf("%-20s %s", s, info.Name)
				if len(deps) > 0 {
					line += " (needs " + strings.Join(deps, ", ") + ")"
				}
				fmt.Fprintln(w, line)
			}
		},
	}
}

func printRun(w io.Writer, r *store.Run) {
	row(w, "ID", r.ID)
	row(w, "STATUS", r.Status)
	row(w, "KIND", r.OutputKind)
	row(w, "STEPS", strings.Join(r.Steps, ", "))
	row(w, "PROGRESS", fmt.Sprintf("%d%%", r.Progress))
	row(w, "BRANCH", orDash(r.Branch))
	row(w, "COMMIT", orDash(r.CommitHash))
	row(w, "IMAGE", orDash(r.ImageRef))
	row(w, "CREATED", ago(&r.CreatedAt))
	row(w, "FINISHED", ago(r.CompletedAt))
	if r.Error != "" {
		row(w, "ERROR", r.Error)
	}
}

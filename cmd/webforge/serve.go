package main

import (
	"github.com/spf13/cobra"

	"github.com/rendis/webforge/internal/engine"
	"github.com/rendis/webforge/internal/scheduler"
)

func (c *cli) serveCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Execute pending runs and run maintenance jobs until interrupted",
		Long: `Execute pending runs, oldest first, with at most
WEBFORGE_PIPELINE_MAX_CONCURRENT at a time, and run the maintenance jobs:
expired output cleanup (WEBFORGE_MAINTENANCE_CLEANUP_OUTPUTS, default hourly)
and credential expiry (WEBFORGE_MAINTENANCE_EXPIRE_CREDENTIALS, default 03:00).`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			a, err := c.open(cmd)
			if err != nil {
				return err
			}
			ctx := cmd.Context()
			cfg := a.cfg

			sched := scheduler.New(cfg.Maintenance.Tick, a.logger.With("component", "scheduler"))
			if err := sched.RegisterMaintenance(scheduler.Maintenance{
				CleanupOutputs:    cfg.Maintenance.CleanupOutputs,
				ExpireCredentials: cfg.Maintenance.ExpireCredentials,
			}, a.outputs, a.vault); err != nil {
				return err
			}
			if err := sched.Start(ctx); err != nil {
				return err
			}
			defer sched.Stop()

			a.logger.Info("serving",
				"home", cfg.Home,
				"max_concurrent", cfg.Pipeline.MaxConcurrent,
				"poll_interval", cfg.Pipeline.PollInterval,
			)
			d := engine.NewDispatcher(a.orch, cfg.Pipeline.MaxConcurrent, cfg.Pipeline.PollInterval,
				a.logger.With("component", "dispatcher"))
			d.Run(ctx)

			m := d.Metrics()
			a.logger.Info("stopped", "completed", m.Completed, "failed", m.Failed)
			return nil
		},
	}
}

package main

import (
	"fmt"
	"os/exec"

	"github.com/spf13/cobra"

	"github.com/rendis/webforge/internal/diagram"
	"github.com/rendis/webforge/internal/store"
	"github.com/rendis/webforge/pkg/schema"
)

func (c *cli) runPlanCmd() *cobra.Command {
	var format string
	cmd := &cobra.Command{
		Use:   "plan ID",
		Short: "Draw the step plan of a run with each step's progress",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if format != "ascii" && format != "mermaid" {
				return schema.NewErrorf(schema.ErrCodeValidation, "unknown format %q: use ascii or mermaid", format)
			}
			a, err := c.open(cmd)
			if err != nil {
				return err
			}
			ctx := cmd.Context()
			run, err := a.orch.GetRun(ctx, args[0])
			if err != nil {
				return err
			}
			events, err := a.store.ListEvents(ctx, store.EventFilter{EntityType: schema.EntityRun, EntityID: run.ID})
			if err != nil {
				return err
			}
			model, err := diagram.Build(run, events)
			if err != nil {
				return err
			}
			if c.jsonOut {
				return c.emit(cmd, model, nil)
			}

			out := cmd.OutOrStdout()
			if format == "mermaid" {
				fmt.Fprint(out, diagram.RenderMermaid(model))
				return nil
			}
			bin, _ := exec.LookPath("mermaid-ascii")
			fmt.Fprint(out, diagram.RenderASCIIAuto(ctx, a.runner, model, bin))
			return nil
		},
	}
	cmd.Flags().StringVar(&format, "format", "ascii", "ascii or mermaid")
	return cmd
}

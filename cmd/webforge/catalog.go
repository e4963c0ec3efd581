package main

import (
	"fmt"
	"io"

	"github.com/spf13/cobra"

	"github.com/rendis/webforge/internal/engine"
	"github.com/rendis/webforge/pkg/schema"
)

func (c *cli) registryCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "registry",
		Short: "Manage container registries images are pushed to",
	}

	var req engine.CreateRegistryRequest
	add := &cobra.Command{
		Use:   "add NAME",
		Short: "Register a push destination",
		Long: `Register a push destination. The tag template is an expr expression over
run (id, short_id, branch, commit, output_kind), registry (name, type, image)
and date (YYYYMMDD). The default is "custom-" + run.short_id.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := c.open(cmd)
			if err != nil {
				return err
			}
			req.Name = args[0]
			reg, err := a.orch.CreateRegistry(cmd.Context(), req)
			if err != nil {
				return err
			}
			return c.emit(cmd, reg, func(w io.Writer) {
				fmt.Fprintf(w, "Added registry %s (%s) %s\n", reg.Name, reg.Type, reg.ID)
			})
		},
	}
	add.Flags().StringVarP((*string)(&req.Type), "type", "t", string(schema.RegistryGeneric),
		"docker_hub, aws_ecr, quay_io, github_registry, gitlab_registry or generic")
	add.Flags().StringVar(&req.URL, "url", "", "registry URL, e.g. https://ghcr.io")
	add.Flags().StringVar(&req.Image, "image", "", "image repository, e.g. acme/webui")
	add.Flags().StringVar(&req.TagTemplate, "tag-template", "", "expr template of the pushed tag")
	add.Flags().StringVar(&req.CredentialID, "credential", "", "credential ID used to log in")
	add.Flags().StringVar(&req.Region, "region", "", "AWS region of an ECR registry")
	_ = add.MarkFlagRequired("image")

	list := &cobra.Command{
		Use:   "list",
		Short: "List registries",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			a, err := c.open(cmd)
			if err != nil {
				return err
			}
			regs, err := a.orch.ListRegistries(cmd.Context())
			if err != nil {
				return err
			}
			return c.emit(cmd, regs, func(w io.Writer) {
				row(w, "ID", "NAME", "TYPE", "IMAGE", "CREDENTIAL", "LAST PUSH")
				for _, r := range regs {
					row(w, r.ID, r.Name, r.Type, r.Image, orDash(r.CredentialID), ago(r.LastPushedAt))
				}
			})
		},
	}

	cmd.AddCommand(add, list)
	return cmd
}

func (c *cli) templateCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "template",
		Short: "Manage branding templates",
	}

	var file string
	add := &cobra.Command{
		Use:   "add NAME",
		Short: "Store a branding template from a JSON file",
		Long: `Store a branding template. The file holds replacement rules and assets:

  {
    "rules": [
      {"pattern": "Open WebUI", "replacement": "Acme Studio"},
      {"pattern": "v\\d+", "replacement": "v1", "use_regex": true, "when": "file.ext == \"json\""}
    ],
    "assets": [{"path": "acme/logo.png", "target": "static/logo.png"}]
  }

Asset paths resolve under WEBFORGE_PIPELINE_ASSET_ROOT.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			var req engine.CreateTemplateRequest
			if err := readJSON(cmd.InOrStdin(), file, &req); err != nil {
				return err
			}
			req.Name = args[0]

			a, err := c.open(cmd)
			if err != nil {
				return err
			}
			tmpl, err := a.orch.CreateTemplate(cmd.Context(), req)
			if err != nil {
				return err
			}
			return c.emit(cmd, tmpl, func(w io.Writer) {
				fmt.Fprintf(w, "Added template %s (%d rules, %d assets) %s\n", tmpl.Name, len(tmpl.Rules), len(tmpl.Assets), tmpl.ID)
			})
		},
	}
	add.Flags().StringVarP(&file, "file", "f", "-", "template JSON file, - for stdin")

	list := &cobra.Command{
		Use:   "list",
		Short: "List templates",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			a, err := c.open(cmd)
			if err != nil {
				return err
			}
			tmpls, err := a.orch.ListTemplates(cmd.Context())
			if err != nil {
				return err
			}
			return c.emit(cmd, tmpls, func(w io.Writer) {
				row(w, "ID", "NAME", "RULES", "ASSETS", "CREATED")
				for _, t := range tmpls {
					row(w, t.ID, t.Name, len(t.Rules), len(t.Assets), ago(&t.CreatedAt))
				}
			})
		},
	}

	cmd.AddCommand(add, list)
	return cmd
}

func (c *cli) configurationCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:     "configuration",
		Aliases: []string{"conf"},
		Short:   "Manage configuration sets injected into builds",
	}

	var file string
	add := &cobra.Command{
		Use:   "add NAME",
		Short: "Store a configuration from a JSON file",
		Long: `Store a configuration. Entries without a file are merged into the .env
file at the repository root; entries with a file and a jq path are written
into that JSON document:

  {
    "entries": [
      {"key": "PORT", "value": "8080"},
      {"key": "theme", "value": "\"dark\"", "file": "src/config.json", "path": ".ui.theme"}
    ]
  }`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			var req engine.CreateConfigurationRequest
			if err := readJSON(cmd.InOrStdin(), file, &req); err != nil {
				return err
			}
			req.Name = args[0]

			a, err := c.open(cmd)
			if err != nil {
				return err
			}
			cfg, err := a.orch.CreateConfiguration(cmd.Context(), req)
			if err != nil {
				return err
			}
			return c.emit(cmd, cfg, func(w io.Writer) {
				fmt.Fprintf(w, "Added configuration %s (%d entries) %s\n", cfg.Name, len(cfg.Entries), cfg.ID)
			})
		},
	}
	add.Flags().StringVarP(&file, "file", "f", "-", "configuration JSON file, - for stdin")

	list := &cobra.Command{
		Use:   "list",
		Short: "List configurations",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			a, err := c.open(cmd)
			if err != nil {
				return err
			}
			cfgs, err := a.orch.ListConfigurations(cmd.Context())
			if err != nil {
				return err
			}
			return c.emit(cmd, cfgs, func(w io.Writer) {
				row(w, "ID", "NAME", "ENTRIES", "CREATED")
				for _, cf := range cfgs {
					row(w, cf.ID, cf.Name, len(cf.Entries), ago(&cf.CreatedAt))
				}
			})
		},
	}

	cmd.AddCommand(add, list)
	return cmd
}

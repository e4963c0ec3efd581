package main

import (
	"fmt"
	"io"
	"strings"

	"github.com/spf13/cobra"

	"github.com/rendis/webforge/internal/source"
	"github.com/rendis/webforge/pkg/schema"
)

func (c *cli) repoCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:     "repo",
		Aliases: []string{"repository"},
		Short:   "Manage source repositories",
	}
	cmd.AddCommand(
		c.repoAddCmd(),
		c.repoUpdateCmd(),
		c.repoVerifyCmd(),
		c.repoInfoCmd(),
		c.repoListCmd(),
		c.repoDeleteCmd(),
	)
	return cmd
}

func (c *cli) repoAddCmd() *cobra.Command {
	var req source.CreateRepository
	cmd := &cobra.Command{
		Use:   "add NAME URL",
		Short: "Register a repository source",
		Long: `Register a repository source. URL may be https://host/owner/name.git,
git@host:owner/name.git or ssh://user@host/owner/name.git. A bound credential
must match the protocol: ssh_key for SSH, https_token or username_password for
HTTPS.`,
		Args: cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := c.open(cmd)
			if err != nil {
				return err
			}
			req.Name, req.URL = args[0], args[1]
			repo, err := a.source.CreateRepository(cmd.Context(), req)
			if err != nil {
				return err
			}
			return c.emit(cmd, repo, func(w io.Writer) {
				fmt.Fprintf(w, "Added repository %s (%s) %s\n", repo.Name, repo.Protocol, repo.ID)
			})
		},
	}
	cmd.Flags().StringVarP(&req.DefaultBranch, "branch", "b", "", "default branch (default main)")
	cmd.Flags().StringVar(&req.CredentialID, "credential", "", "credential ID used to clone")
	cmd.Flags().BoolVar(&req.Experimental, "experimental", false, "mark the source as experimental")
	return cmd
}

func (c *cli) repoUpdateCmd() *cobra.Command {
	var (
		name, url, branch, credential string
		experimental                  bool
	)
	cmd := &cobra.Command{
		Use:   "update ID",
		Short: "Change a repository source",
		Long:  "Change a repository source. Pass --credential \"\" to unbind the credential.",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			var ch source.RepositoryChanges
			flags := cmd.Flags()
			if flags.Changed("name") {
				ch.Name = &name
			}
			if flags.Changed("url") {
				ch.URL = &url
			}
			if flags.Changed("branch") {
				ch.DefaultBranch = &branch
			}
			if flags.Changed("credential") {
				ch.CredentialID = &credential
			}
			if flags.Changed("experimental") {
				ch.Experimental = &experimental
			}

			a, err := c.open(cmd)
			if err != nil {
				return err
			}
			repo, err := a.source.UpdateRepository(cmd.Context(), args[0], ch)
			if err != nil {
				return err
			}
			return c.emit(cmd, repo, func(w io.Writer) {
				fmt.Fprintf(w, "Updated repository %s, verification is %s\n", repo.Name, repo.Verification)
			})
		},
	}
	cmd.Flags().StringVar(&name, "name", "", "new name")
	cmd.Flags().StringVar(&url, "url", "", "new URL")
	cmd.Flags().StringVarP(&branch, "branch", "b", "", "new default branch")
	cmd.Flags().StringVar(&credential, "credential", "", "credential ID, empty to unbind")
	cmd.Flags().BoolVar(&experimental, "experimental", false, "mark the source as experimental")
	return cmd
}

func (c *cli) repoVerifyCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "verify ID",
		Short: "Check that a repository is reachable with its credential",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := c.open(cmd)
			if err != nil {
				return err
			}
			res, err := a.source.Verify(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			if err := c.emit(cmd, res, func(w io.Writer) {
				fmt.Fprintln(w, res.Message)
				if len(res.Branches) > 0 {
					fmt.Fprintln(w, "Branches:", strings.Join(res.Branches, ", "))
				}
			}); err != nil {
				return err
			}
			if !res.OK {
				return schema.NewErrorf(schema.ErrCodeExternalTool, "repository %s is not reachable", args[0])
			}
			return nil
		},
	}
}

func (c *cli) repoInfoCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "info ID",
		Short: "Describe a repository URL without contacting the host",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := c.open(cmd)
			if err != nil {
				return err
			}
			info, err := a.source.GetInfo(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			return c.emit(cmd, info, func(w io.Writer) {
				row(w, "URL", info.URL)
				row(w, "PROTOCOL", info.Protocol)
				row(w, "HOST", info.Host)
				row(w, "OWNER", orDash(info.Owner))
				row(w, "NAME", info.Name)
			})
		},
	}
}

func (c *cli) repoListCmd() *cobra.Command {
	var all bool
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List repository sources",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			a, err := c.open(cmd)
			if err != nil {
				return err
			}
			repos, err := a.source.ListRepositories(cmd.Context(), all)
			if err != nil {
				return err
			}
			return c.emit(cmd, repos, func(w io.Writer) {
				row(w, "ID", "NAME", "URL", "BRANCH", "VERIFICATION", "VERIFIED", "STATE")
				for _, r := range repos {
					row(w, r.ID, r.Name, r.URL, r.DefaultBranch, r.Verification, ago(r.VerifiedAt), r.Lifecycle)
				}
			})
		},
	}
	cmd.Flags().BoolVar(&all, "all", false, "include deactivated repositories")
	return cmd
}

func (c *cli) repoDeleteCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "delete ID",
		Short: "Deactivate a repository source",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := c.open(cmd)
			if err != nil {
				return err
			}
			if err := a.source.DeleteRepository(cmd.Context(), args[0]); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Deactivated repository %s\n", args[0])
			return nil
		},
	}
}

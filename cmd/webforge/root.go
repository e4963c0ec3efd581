package main

import (
	"github.com/sethvargo/go-envconfig"
	"github.com/spf13/cobra"

	"github.com/rendis/webforge/internal/config"
)

// cli holds the global flags and the lazily opened application.
type cli struct {
	home    string
	jsonOut bool
	app     *app
}

func (c *cli) rootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:   "webforge",
		Short: "Build customized web UI distributions",
		Long: `webforge clones a web UI source tree, applies branding templates and
configuration, and packages the result as a zip archive or a container image.

Credentials are sealed with the master secret from WEBFORGE_CIPHER_MASTER_SECRET.
Other settings come from WEBFORGE_* variables or settings.json in the data
directory.`,
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.PersistentFlags().StringVar(&c.home, "home", "", "data directory (default $WEBFORGE_HOME or ~/.webforge)")
	root.PersistentFlags().BoolVar(&c.jsonOut, "json", false, "print results as JSON")

	root.AddCommand(
		newVersionCmd(),
		c.credentialCmd(),
		c.repoCmd(),
		c.registryCmd(),
		c.templateCmd(),
		c.configurationCmd(),
		c.runCmd(),
		c.outputCmd(),
		c.serveCmd(),
	)
	return root
}

// open loads the configuration and wires the services on first use, so that
// commands such as version work without a master secret.
func (c *cli) open(cmd *cobra.Command) (*app, error) {
	if c.app != nil {
		return c.app, nil
	}
	dir := c.home
	if dir == "" {
		dir = config.Dir()
	}
	cfg, err := config.LoadWith(cmd.Context(), dir, envconfig.OsLookuper())
	if err != nil {
		return nil, err
	}
	a, err := openApp(cmd.Context(), cfg, cmd.ErrOrStderr())
	if err != nil {
		return nil, err
	}
	c.app = a
	return a, nil
}

func (c *cli) close() {
	if c.app != nil {
		c.app.Close()
		c.app = nil
	}
}

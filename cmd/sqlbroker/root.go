package main

import (
	"github.com/spf13/cobra"

	"github.com/kandev/sqlbroker/internal/common/config"
)

type rootOptions struct {
	configPath string
}

func (o *rootOptions) load() (*config.Config, error) {
	return config.LoadWithPath(o.configPath)
}

func newRootCommand() *cobra.Command {
	opts := &rootOptions{}
	root := &cobra.Command{
		Use:   "sqlbroker",
		Short: "Per-request database session broker",
		Long: `sqlbroker serves a small notes API on top of role-based database engines.

Each request gets sessions for the reader, writer and logger roles only when
it first asks for them, and every session it started is released once the
request ends.

Configuration is read from config.yaml in --config-path, the working
directory or /etc/sqlbroker/, with SQLBROKER_* environment overrides.`,
		PersistentPreRun: func(cmd *cobra.Command, args []string) {
			cmd.SilenceUsage = true
		},
	}
	root.PersistentFlags().StringVar(&opts.configPath, "config-path", "", "Directory containing config.yaml")

	root.AddCommand(newServeCommand(opts))
	root.AddCommand(newEnginesCommand(opts))
	return root
}

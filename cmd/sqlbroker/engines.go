package main

import (
	"fmt"

	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"github.com/kandev/sqlbroker/internal/common/config"
)

// engineView is the printable form of one engine. DSNs are redacted.
type engineView struct {
	Role       string `yaml:"role"`
	Driver     string `yaml:"driver"`
	Target     string `yaml:"target"`
	Default    bool   `yaml:"default,omitempty"`
	Mode       string `yaml:"mode"`
	ReadOnly   bool   `yaml:"readOnly,omitempty"`
	Autocommit bool   `yaml:"autocommit,omitempty"`
	ExternalTx bool   `yaml:"externalTx,omitempty"`
	Isolation  string `yaml:"isolation,omitempty"`
}

func engineViews(cfg *config.Config) []engineView {
	views := make([]engineView, 0, len(cfg.Engines))
	for _, role := range cfg.Roles() {
		ec := cfg.Engines[role]
		v := engineView{
			Role:       role,
			Driver:     ec.Driver,
			Target:     ec.Path,
			Default:    ec.IsDefault,
			Mode:       "scoped",
			ReadOnly:   ec.ReadOnly,
			Autocommit: ec.Autocommit || ec.ReadOnly,
			ExternalTx: ec.ExternalTx,
			Isolation:  ec.Isolation,
		}
		if !ec.Scoped() {
			v.Mode = "exclusive"
		}
		if ec.DSN != "" {
			v.Target = config.RedactDSN(ec.DSN)
		}
		views = append(views, v)
	}
	return views
}

func newEnginesCommand(opts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "engines",
		Short: "Print the resolved engine configuration",
		Long:  "Load the configuration the server would use and print one entry per engine role as YAML.",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := opts.load()
			if err != nil {
				return err
			}
			out, err := yaml.Marshal(map[string]any{"engines": engineViews(cfg)})
			if err != nil {
				return fmt.Errorf("failed to marshal engines: %w", err)
			}
			cmd.Print(string(out))
			return nil
		},
	}
}

package main

import (
	"strings"

	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"github.com/odvcencio/cohort/pkg/config"
	"github.com/odvcencio/cohort/pkg/model"
)

const redacted = "***"

func newConfigCommand(root *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "config",
		Short: "Print the effective configuration with secrets redacted",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := loadConfigFn(root.configPath)
			if err != nil {
				return withExitCode(err, exitConfig)
			}
			data, err := yaml.Marshal(redactConfig(cfg))
			if err != nil {
				return err
			}
			gw, err := model.NewGatewayFromConfig(cfg, nil)
			if err != nil {
				return withExitCode(err, exitConfig)
			}
			cmd.Printf("# %s\n", describeProviders(gw.Describe()))
			cmd.Print(string(data))
			return nil
		},
	}
}

// redactConfig returns a copy safe to print. Keys keep their last four
// characters so operators can tell them apart.
func redactConfig(cfg *config.Config) *config.Config {
	out := *cfg
	out.Providers = make(map[string]config.ProviderConfig, len(cfg.Providers))
	for name, p := range cfg.Providers {
		p.APIKey = redactKey(p.APIKey)
		out.Providers[name] = p
	}
	return &out
}

func redactKey(key string) string {
	key = strings.TrimSpace(key)
	if key == "" {
		return ""
	}
	if len(key) <= 8 {
		return redacted
	}
	return redacted + key[len(key)-4:]
}

package main

import (
	"context"
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/odvcencio/cohort/pkg/model"
)

func newProbeCommand(root *rootOptions) *cobra.Command {
	var timeout time.Duration

	cmd := &cobra.Command{
		Use:   "probe [PROVIDER]",
		Short: "Send a one-token request to a provider",
		Long:  "Probe checks credentials and reachability of PROVIDER, or of the primary provider when omitted.",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := newApp(root, cmd.ErrOrStderr(), appOptions{instance: "probe"})
			if err != nil {
				return err
			}
			defer a.Close()

			provider := ""
			if len(args) == 1 {
				provider = args[0]
			}
			ctx, cancel := context.WithTimeout(cmd.Context(), timeout)
			defer cancel()

			start := time.Now()
			res, err := a.gateway.Probe(ctx, provider)
			if err != nil {
				if model.IsConfigError(err) {
					return withExitCode(err, exitConfig)
				}
				return err
			}
			cmd.Printf("%s ok  model=%s  %s\n", res.ProviderUsed, res.ModelUsed, time.Since(start).Round(time.Millisecond))
			return nil
		},
	}
	cmd.Flags().DurationVar(&timeout, "timeout", 30*time.Second, "give up after this long")
	return cmd
}

func describeProviders(d model.Description) string {
	if !d.Configured {
		return "no provider configured"
	}
	out := fmt.Sprintf("primary=%s", d.Primary)
	if d.FallbackEnabled {
		out += " fallback=" + d.Fallback
	}
	return out
}

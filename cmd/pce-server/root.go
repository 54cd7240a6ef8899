package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/signalsfoundry/pce-controller/internal/config"
)

type rootOptions struct {
	configPath string
}

// newRootCmd builds the command tree. Each call returns a fresh tree so
// tests can execute commands independently.
func newRootCmd() *cobra.Command {
	opts := &rootOptions{}
	root := &cobra.Command{
		Use:          "pce-server",
		Short:        "PCEP path computation element control plane",
		SilenceUsage: true,
	}
	root.PersistentFlags().StringVarP(&opts.configPath, "config", "c", "", "path to the YAML configuration file")

	root.AddCommand(
		newRunCmd(opts),
		newSimulateCmd(opts),
		newValidateCmd(opts),
	)
	return root
}

func newValidateCmd(opts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "validate",
		Short: "Load and validate the configuration, then print a summary",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := config.Load(opts.configPath)
			if err != nil {
				return err
			}
			domains, err := config.NewDomainMap(cfg.Domains)
			if err != nil {
				return err
			}
			policies, err := config.NewPeerPolicies(cfg.PCE, cfg.Peers)
			if err != nil {
				return err
			}
			out := cmd.OutOrStdout()
			fmt.Fprintf(out, "configuration ok\n")
			fmt.Fprintf(out, "store backend: %s\n", cfg.Store.Backend)
			fmt.Fprintf(out, "peer policies: %d\n", policies.Len())
			for _, d := range domains.Domains() {
				fmt.Fprintf(out, "domain AS%d -> %s\n", d.ASNumber, d.Address)
			}
			return nil
		},
	}
}
